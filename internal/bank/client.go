package bank

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/auctionctl/internal/identity"
	"github.com/danmuck/auctionctl/internal/protocol/envelope"
	"github.com/danmuck/auctionctl/internal/protocol/schema"
	"github.com/danmuck/auctionctl/internal/protocol/session"
	"github.com/danmuck/auctionctl/internal/transport"
	"github.com/shopspring/decimal"
)

// ErrUnsupported is returned when the peer answered CASE_NOT_FOUND.
var ErrUnsupported = errors.New("unsupported operation")

// RejectedError is a well-formed refusal from a peer: the reply kind and
// the reason it carried.
type RejectedError struct {
	Kind   schema.Kind
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Expect returns reply when its kind is one of want, and otherwise the
// error describing the reply.
func Expect(reply envelope.Envelope, want ...schema.Kind) (envelope.Envelope, error) {
	for _, k := range want {
		if reply.Kind() == k {
			return reply, nil
		}
	}
	if reply.Kind() == schema.CaseNotFound {
		return reply, fmt.Errorf("%w: %s", ErrUnsupported, reply.Detail())
	}
	return reply, &RejectedError{Kind: reply.Kind(), Reason: reply.Detail()}
}

// Client is a typed caller of a bank over a connection pool.
type Client struct {
	pool *transport.Pool
}

func NewClient(addr string, cfg session.Config, poolSize int) *Client {
	return &Client{pool: transport.NewPool(addr, cfg, poolSize)}
}

func (c *Client) Addr() string {
	return c.pool.Addr()
}

func (c *Client) Close() error {
	return c.pool.Close()
}

func (c *Client) call(ctx context.Context, req envelope.Envelope, want ...schema.Kind) (envelope.Envelope, error) {
	reply, err := c.pool.Send(ctx, req)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return Expect(reply, want...)
}

// OpenAgent opens an agent account and returns its confirmed descriptor.
func (c *Client) OpenAgent(ctx context.Context, name string, deposit decimal.Decimal) (identity.Descriptor, error) {
	return c.open(ctx, schema.OpenAgentAcct, schema.AgentAcctConfirmed, identity.Descriptor{
		Role:           identity.RoleAgent,
		DisplayName:    name,
		InitialDeposit: deposit,
	})
}

// OpenHouse opens an auction house account advertising addr to agents.
func (c *Client) OpenHouse(ctx context.Context, name, addr string) (identity.Descriptor, error) {
	return c.open(ctx, schema.OpenAuctionHouseAcct, schema.AuctionHouseAcctConfirmed, identity.Descriptor{
		Role:           identity.RoleAuctionHouse,
		DisplayName:    name,
		NetworkAddress: addr,
	})
}

func (c *Client) open(ctx context.Context, kind, confirmed schema.Kind, d identity.Descriptor) (identity.Descriptor, error) {
	reply, err := c.call(ctx, envelope.MustNew(kind, &envelope.Descriptor{
		Role:        uint8(d.Role),
		DisplayName: d.DisplayName,
		Deposit:     d.InitialDeposit,
		Address:     d.NetworkAddress,
	}), confirmed)
	if err != nil {
		return identity.Descriptor{}, err
	}
	p, err := envelope.As[envelope.Descriptor](reply)
	if err != nil {
		return identity.Descriptor{}, err
	}
	return identity.Descriptor{
		Role:           identity.Role(p.Role),
		DisplayName:    p.DisplayName,
		InitialDeposit: p.Deposit,
		NetworkAddress: p.Address,
		AccountNumber:  p.Account,
	}, nil
}

func (c *Client) Balance(ctx context.Context, account uint64) (envelope.Balance, error) {
	reply, err := c.call(ctx, envelope.MustNew(schema.RequestBalance, &envelope.AccountRef{Account: account}), schema.Balance)
	if err != nil {
		return envelope.Balance{}, err
	}
	return envelope.As[envelope.Balance](reply)
}

func (c *Client) AddFunds(ctx context.Context, account uint64, amount decimal.Decimal) (envelope.Balance, error) {
	reply, err := c.call(ctx, envelope.MustNew(schema.AddFunds, &envelope.Funds{Account: account, Amount: amount}), schema.Balance)
	if err != nil {
		return envelope.Balance{}, err
	}
	return envelope.As[envelope.Balance](reply)
}

// Transfer pays amount from src's unfrozen funds to dst. tok must be a
// token issued to src.
func (c *Client) Transfer(ctx context.Context, tok identity.Token, src, dst uint64, amount decimal.Decimal) error {
	_, err := c.call(ctx, envelope.MustNew(schema.TransferFunds, &envelope.Transfer{
		Amount:      amount,
		Token:       string(tok),
		Source:      src,
		Destination: dst,
	}), schema.TransferSuccess)
	return err
}

func (c *Client) Houses(ctx context.Context) ([]envelope.HouseInfo, error) {
	reply, err := c.call(ctx, envelope.MustNew(schema.GetListOfAuctionHouses, nil), schema.GetListOfAuctionHouses)
	if err != nil {
		return nil, err
	}
	list, err := envelope.As[envelope.HouseList](reply)
	if err != nil {
		return nil, err
	}
	return list.Houses, nil
}

func (c *Client) SecretKey(ctx context.Context, agent, house uint64) (identity.Token, error) {
	reply, err := c.call(ctx, envelope.MustNew(schema.GetSecretKey, &envelope.KeyRequest{
		AgentAccount: agent,
		HouseAccount: house,
	}), schema.SecretKey)
	if err != nil {
		return "", err
	}
	key, err := envelope.As[envelope.SecretKey](reply)
	if err != nil {
		return "", err
	}
	return identity.Token(key.Token), nil
}

func (c *Client) CloseAccount(ctx context.Context, account uint64) error {
	_, err := c.call(ctx, envelope.MustNew(schema.CloseRequest, &envelope.Close{Account: account}), schema.CloseAccepted)
	return err
}

// Ping round-trips a TEST_MESSAGE.
func (c *Client) Ping(ctx context.Context, detail string) (string, error) {
	reply, err := c.call(ctx, envelope.NewNotice(schema.TestMessage, detail), schema.TestMessage)
	if err != nil {
		return "", err
	}
	return reply.Detail(), nil
}

// Freeze asks the bank to hold h.Amount of the token's agent funds for
// h.HouseAccount. Repeating a freeze with the same HoldID is a no-op.
func (c *Client) Freeze(ctx context.Context, h envelope.Hold) error {
	return c.hold(ctx, schema.CheckFunds, h)
}

// Unfreeze releases a hold. With a HoldID it is safe to repeat and safe to
// send when the freeze's outcome is unknown.
func (c *Client) Unfreeze(ctx context.Context, h envelope.Hold) error {
	return c.hold(ctx, schema.UnfreezeFunds, h)
}

func (c *Client) hold(ctx context.Context, kind schema.Kind, h envelope.Hold) error {
	_, err := c.call(ctx, envelope.MustNew(kind, &h), schema.CheckSuccess)
	return err
}

// Settle pays the hold's frozen amount to its house.
func (c *Client) Settle(ctx context.Context, h envelope.Hold) error {
	_, err := c.call(ctx, envelope.MustNew(schema.TransferFunds, &envelope.Transfer{
		Amount:       h.Amount,
		Token:        h.Token,
		HouseAccount: h.HouseAccount,
		HoldID:       h.HoldID,
	}), schema.TransferSuccess)
	return err
}
