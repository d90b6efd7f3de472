package house

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/danmuck/auctionctl/internal/auction"
	"github.com/danmuck/auctionctl/internal/bank"
	"github.com/danmuck/auctionctl/internal/protocol/envelope"
	"github.com/danmuck/auctionctl/internal/protocol/schema"
)

// bankFunds implements auction.Funds against a bank client, naming the
// house account on every hold so the bank can check the token's pair.
type bankFunds struct {
	client  *bank.Client
	account atomic.Uint64
}

func (f *bankFunds) Freeze(ctx context.Context, h auction.Hold) error {
	return mapFundsError(f.client.Freeze(ctx, f.hold(h)))
}

func (f *bankFunds) Unfreeze(ctx context.Context, h auction.Hold) error {
	return mapFundsError(f.client.Unfreeze(ctx, f.hold(h)))
}

func (f *bankFunds) Settle(ctx context.Context, h auction.Hold) error {
	return mapFundsError(f.client.Settle(ctx, f.hold(h)))
}

func (f *bankFunds) hold(h auction.Hold) envelope.Hold {
	return envelope.Hold{
		Token:        string(h.Token),
		HouseAccount: f.account.Load(),
		Amount:       h.Amount,
		HoldID:       h.ID,
	}
}

func mapFundsError(err error) error {
	var rejected *bank.RejectedError
	if !errors.As(err, &rejected) {
		return err
	}
	switch rejected.Kind {
	case schema.CheckFailure:
		return fmt.Errorf("%w: %s", auction.ErrInsufficientFunds, rejected.Reason)
	case schema.AccountDenied:
		return fmt.Errorf("%w: %s", auction.ErrUnknownToken, rejected.Reason)
	default:
		return err
	}
}
