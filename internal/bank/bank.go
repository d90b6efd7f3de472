package bank

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/auctionctl/internal/identity"
	"github.com/danmuck/auctionctl/internal/ledger"
	"github.com/danmuck/auctionctl/internal/money"
	"github.com/danmuck/auctionctl/internal/protocol/envelope"
	"github.com/danmuck/auctionctl/internal/protocol/schema"
	"github.com/danmuck/auctionctl/internal/transport"
	"github.com/rs/zerolog/log"
)

var ErrHouseMismatch = errors.New("bank: token does not belong to this house")

// Bank owns the identity registry and the ledger and answers every
// bank-bound message kind.
type Bank struct {
	registry *identity.Registry
	ledger   *ledger.Ledger
	holds    *holdBook
	router   *transport.Router
}

func New() *Bank {
	b := &Bank{
		registry: identity.NewRegistry(),
		ledger:   ledger.New(),
		holds:    newHoldBook(),
		router:   transport.NewRouter("bank"),
	}
	b.routes()
	return b
}

func (b *Bank) Router() *transport.Router {
	return b.router
}

func (b *Bank) Registry() *identity.Registry {
	return b.registry
}

func (b *Bank) Ledger() *ledger.Ledger {
	return b.ledger
}

// State is the admin snapshot of the bank.
type State struct {
	Accounts []ledger.Account     `json:"accounts"`
	Houses   []identity.Descriptor `json:"houses"`
	Agents   []identity.Descriptor `json:"agents"`
	Tokens   int                   `json:"tokens"`
	Holds    int                   `json:"holds"`
}

func (b *Bank) State() State {
	return State{
		Accounts: b.ledger.Accounts(),
		Houses:   b.registry.ListByRole(identity.RoleAuctionHouse),
		Agents:   b.registry.ListByRole(identity.RoleAgent),
		Tokens:   b.registry.TokenCount(),
		Holds:    b.holds.active(),
	}
}

func (b *Bank) routes() {
	b.router.Handle(schema.OpenAgentAcct, b.handleOpen(identity.RoleAgent, schema.AgentAcctConfirmed))
	b.router.Handle(schema.OpenAuctionHouseAcct, b.handleOpen(identity.RoleAuctionHouse, schema.AuctionHouseAcctConfirmed))
	b.router.Handle(schema.RequestBalance, b.handleBalance)
	b.router.Handle(schema.AddFunds, b.handleAddFunds)
	b.router.Handle(schema.TransferFunds, b.handleTransfer)
	b.router.Handle(schema.GetListOfAuctionHouses, b.handleHouses)
	b.router.Handle(schema.GetSecretKey, b.handleSecretKey)
	b.router.Handle(schema.CheckFunds, b.handleHold(true))
	b.router.Handle(schema.UnfreezeFunds, b.handleHold(false))
	b.router.Handle(schema.CloseRequest, b.handleClose)
	b.router.Handle(schema.TestMessage, func(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
		return envelope.NewNotice(schema.TestMessage, req.Detail()), nil
	})
}

func (b *Bank) handleOpen(role identity.Role, confirmed schema.Kind) transport.Handler {
	return func(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
		d, err := envelope.As[envelope.Descriptor](req)
		if err != nil {
			return envelope.Envelope{}, err
		}
		desc := identity.Descriptor{
			Role:           role,
			DisplayName:    d.DisplayName,
			InitialDeposit: money.Round(d.Deposit),
			NetworkAddress: d.Address,
		}
		if desc.InitialDeposit.IsNegative() {
			return denied("negative initial deposit"), nil
		}
		number, err := b.registry.Register(desc)
		if err != nil {
			return denied(err.Error()), nil
		}
		if _, err := b.ledger.Open(number, role, desc.InitialDeposit); err != nil {
			_ = b.registry.Remove(number)
			return denied(err.Error()), nil
		}
		log.Info().
			Str("role", role.String()).
			Str("name", desc.DisplayName).
			Uint64("account", number).
			Str("deposit", money.Format(desc.InitialDeposit)).
			Msg("bank.handleOpen")
		return envelope.MustNew(confirmed, &envelope.Descriptor{
			Role:        uint8(role),
			DisplayName: desc.DisplayName,
			Deposit:     desc.InitialDeposit,
			Address:     desc.NetworkAddress,
			Account:     number,
		}), nil
	}
}

func (b *Bank) handleBalance(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	ref, err := envelope.As[envelope.AccountRef](req)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return b.balanceReply(ref.Account), nil
}

func (b *Bank) handleAddFunds(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	f, err := envelope.As[envelope.Funds](req)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if err := b.ledger.Deposit(f.Account, f.Amount); err != nil {
		return ledgerFailure(err), nil
	}
	return b.balanceReply(f.Account), nil
}

func (b *Bank) handleTransfer(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	tr, err := envelope.As[envelope.Transfer](req)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if tr.Settlement() {
		agent, err := b.authorize(identity.Token(tr.Token), tr.HouseAccount)
		if err != nil {
			return denied(err.Error()), nil
		}
		if tr.HoldID != "" {
			err = b.holds.settle(b.ledger, tr.HoldID, agent, tr.HouseAccount)
		} else {
			err = b.ledger.SettleTransfer(agent, tr.HouseAccount, tr.Amount)
		}
		if err != nil {
			return ledgerFailure(err), nil
		}
		log.Info().
			Uint64("agent", agent).
			Uint64("house", tr.HouseAccount).
			Str("hold", tr.HoldID).
			Str("amount", money.Format(tr.Amount)).
			Msg("bank.handleTransfer settled")
		return envelope.NewNotice(schema.TransferSuccess, "settled"), nil
	}
	// Direct payments move unfrozen funds and must carry a token issued to
	// the source agent.
	agent, _, err := b.registry.Resolve(identity.Token(tr.Token))
	if err != nil {
		return denied(err.Error()), nil
	}
	if agent != tr.Source {
		return denied(fmt.Sprintf("token does not belong to account %d", tr.Source)), nil
	}
	if err := b.ledger.Transfer(tr.Source, tr.Destination, tr.Amount); err != nil {
		return ledgerFailure(err), nil
	}
	return envelope.NewNotice(schema.TransferSuccess, "transferred"), nil
}

func (b *Bank) handleHouses(context.Context, envelope.Envelope) (envelope.Envelope, error) {
	houses := b.registry.ListByRole(identity.RoleAuctionHouse)
	list := make([]envelope.HouseInfo, 0, len(houses))
	for _, h := range houses {
		list = append(list, envelope.HouseInfo{
			Account: h.AccountNumber,
			Name:    h.DisplayName,
			Address: h.NetworkAddress,
		})
	}
	return envelope.MustNew(schema.GetListOfAuctionHouses, &envelope.HouseList{Houses: list}), nil
}

func (b *Bank) handleSecretKey(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	kr, err := envelope.As[envelope.KeyRequest](req)
	if err != nil {
		return envelope.Envelope{}, err
	}
	tok, err := b.registry.IssueToken(kr.AgentAccount, kr.HouseAccount)
	if err != nil {
		return denied(err.Error()), nil
	}
	return envelope.MustNew(schema.SecretKey, &envelope.SecretKey{
		Token:        string(tok),
		HouseAccount: kr.HouseAccount,
	}), nil
}

// handleHold serves CHECK_FUNDS (freeze) and UNFREEZE_FUNDS.
func (b *Bank) handleHold(freeze bool) transport.Handler {
	return func(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
		h, err := envelope.As[envelope.Hold](req)
		if err != nil {
			return envelope.Envelope{}, err
		}
		agent, err := b.authorize(identity.Token(h.Token), h.HouseAccount)
		if err != nil {
			return denied(err.Error()), nil
		}
		switch {
		case h.HoldID != "" && freeze:
			err = b.holds.freeze(b.ledger, h.HoldID, agent, h.HouseAccount, h.Amount)
		case h.HoldID != "":
			err = b.holds.release(b.ledger, h.HoldID, agent, h.HouseAccount, h.Amount)
		case freeze:
			err = b.ledger.CheckAndFreeze(agent, h.Amount)
		default:
			err = b.ledger.Unfreeze(agent, h.Amount)
		}
		switch {
		case err == nil:
			return envelope.NewNotice(schema.CheckSuccess, money.Format(h.Amount)), nil
		case errors.Is(err, ledger.ErrUnknownAccount), errors.Is(err, ErrHoldMismatch):
			return denied(err.Error()), nil
		default:
			return envelope.NewNotice(schema.CheckFailure, err.Error()), nil
		}
	}
}

func (b *Bank) handleClose(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	c, err := envelope.As[envelope.Close](req)
	if err != nil {
		return envelope.Envelope{}, err
	}
	final, err := b.ledger.Close(c.Account)
	if err != nil {
		return envelope.NewNotice(schema.CloseRejected, err.Error()), nil
	}
	_ = b.registry.Remove(c.Account)
	b.holds.forget(c.Account)
	log.Info().Uint64("account", c.Account).Str("balance", money.Format(final.Balance)).Msg("bank.handleClose")
	return envelope.NewNotice(schema.CloseAccepted, money.Format(final.Balance)), nil
}

// authorize resolves tok and checks it binds an agent to house.
func (b *Bank) authorize(tok identity.Token, house uint64) (uint64, error) {
	agent, tokenHouse, err := b.registry.Resolve(tok)
	if err != nil {
		return 0, err
	}
	if tokenHouse != house {
		return 0, fmt.Errorf("%w: house=%d", ErrHouseMismatch, house)
	}
	return agent, nil
}

func (b *Bank) balanceReply(number uint64) envelope.Envelope {
	a, err := b.ledger.Snapshot(number)
	if err != nil {
		return denied(err.Error())
	}
	return envelope.MustNew(schema.Balance, &envelope.Balance{
		Account:  a.Number,
		Balance:  a.Balance,
		Frozen:   a.Frozen,
		Unfrozen: a.Unfrozen,
	})
}

func denied(reason string) envelope.Envelope {
	return envelope.NewNotice(schema.AccountDenied, reason)
}

func ledgerFailure(err error) envelope.Envelope {
	if errors.Is(err, ledger.ErrUnknownAccount) {
		return denied(err.Error())
	}
	return envelope.NewNotice(schema.RequestFailed, err.Error())
}
