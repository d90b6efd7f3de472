package agent

import (
	"context"

	"github.com/danmuck/auctionctl/internal/money"
	"github.com/danmuck/auctionctl/internal/protocol/envelope"
	"github.com/danmuck/auctionctl/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

// Push handlers return the zero envelope; the notify server acks by
// echoing the push.
func (a *Agent) routes() {
	a.router.Handle(schema.BidOutbidded, a.handleOutbid)
	a.router.Handle(schema.BidWon, a.handleWon)
	a.router.Handle(schema.UpdateAuctionItems, a.handleItems)
}

func (a *Agent) handleOutbid(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	out, err := envelope.As[envelope.Outcome](req)
	if err != nil {
		return envelope.Envelope{}, err
	}
	log.Info().
		Str("agent", a.cfg.Name).
		Uint64("house", out.HouseID).
		Uint64("item", out.ItemID).
		Str("current_bid", money.Format(out.CurrentBid)).
		Msg("agent.handleOutbid")
	a.emit(Event{Kind: EventOutbid, HouseID: out.HouseID, ItemID: out.ItemID, Amount: out.CurrentBid, Detail: out.Detail})
	return envelope.Envelope{}, nil
}

func (a *Agent) handleWon(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	out, err := envelope.As[envelope.Outcome](req)
	if err != nil {
		return envelope.Envelope{}, err
	}
	log.Info().
		Str("agent", a.cfg.Name).
		Uint64("house", out.HouseID).
		Uint64("item", out.ItemID).
		Str("amount", money.Format(out.Amount)).
		Msg("agent.handleWon")
	a.emit(Event{Kind: EventWon, HouseID: out.HouseID, ItemID: out.ItemID, Amount: out.Amount, Detail: out.Detail})
	return envelope.Envelope{}, nil
}

func (a *Agent) handleItems(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	listing, err := envelope.As[envelope.Listing](req)
	if err != nil {
		return envelope.Envelope{}, err
	}
	a.mu.Lock()
	if m, ok := a.joined[listing.HouseID]; ok {
		m.items = listing.Items
	}
	a.mu.Unlock()
	a.emit(Event{Kind: EventItemsUpdated, HouseID: listing.HouseID, Items: listing.Items})
	return envelope.Envelope{}, nil
}
