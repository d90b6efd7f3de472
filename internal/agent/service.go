package agent

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/auctionctl/internal/money"
	"github.com/danmuck/auctionctl/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PlannedBid is a bid placed once Run has joined the houses.
type PlannedBid struct {
	House  uint64
	Item   uint64
	Amount decimal.Decimal
}

type RunOptions struct {
	JoinAll bool
	Bids    []PlannedBid
}

// Run starts the agent, joins houses and places planned bids, logs events
// until SIGINT/SIGTERM, then leaves and closes the account.
func (a *Agent) Run(opts RunOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()

	if addr := strings.TrimSpace(a.cfg.AdminAddr); addr != "" {
		admin := observability.NewAdmin(observability.AdminConfig{
			Node:        a.cfg.Name,
			Addr:        addr,
			CORSOrigins: a.cfg.CORSOrigins,
		}, func() any { return a.State() })
		go func() {
			if err := admin.Serve(ctx); err != nil {
				log.Error().Err(err).Msg("agent.Run admin stopped")
				stop()
			}
		}()
	}

	if opts.JoinAll {
		a.mu.RLock()
		houses := make([]uint64, 0, len(a.houses))
		for house := range a.houses {
			houses = append(houses, house)
		}
		a.mu.RUnlock()
		for _, house := range houses {
			if _, err := a.Join(ctx, house); err != nil {
				log.Warn().Uint64("house", house).Err(err).Msg("agent.Run join")
			}
		}
	}

	for _, b := range opts.Bids {
		if _, err := a.Join(ctx, b.House); err != nil {
			log.Warn().Uint64("house", b.House).Err(err).Msg("agent.Run join")
			continue
		}
		out, err := a.Bid(ctx, b.House, b.Item, b.Amount)
		if err != nil {
			log.Warn().Uint64("house", b.House).Uint64("item", b.Item).Err(err).Msg("agent.Run bid")
			continue
		}
		log.Info().Uint64("house", b.House).Uint64("item", b.Item).Str("amount", money.Format(out.Amount)).Msg("agent.Run bid accepted")
	}

	for {
		select {
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Session.RequestTimeout)
			defer cancel()
			if err := a.Close(closeCtx); err != nil {
				log.Warn().Err(err).Msg("agent.Run close")
			}
			return nil
		case ev := <-a.events:
			log.Info().
				Str("agent", a.cfg.Name).
				Str("event", string(ev.Kind)).
				Uint64("house", ev.HouseID).
				Uint64("item", ev.ItemID).
				Str("amount", money.Format(ev.Amount)).
				Str("detail", ev.Detail).
				Msg("agent.Run event")
		}
	}
}
