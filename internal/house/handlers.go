package house

import (
	"context"
	"errors"

	"github.com/danmuck/auctionctl/internal/identity"
	"github.com/danmuck/auctionctl/internal/protocol/envelope"
	"github.com/danmuck/auctionctl/internal/protocol/schema"
)

func (h *House) routes() {
	h.router.Handle(schema.JoinAuctionHouse, h.handleJoin)
	h.router.Handle(schema.MakeBid, h.handleBid)
	h.router.Handle(schema.CloseRequest, h.handleLeave)
	h.router.Handle(schema.TestMessage, func(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
		return envelope.NewNotice(schema.TestMessage, req.Detail()), nil
	})
}

func (h *House) handleJoin(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	join, err := envelope.As[envelope.Join](req)
	if err != nil {
		return envelope.Envelope{}, err
	}
	listing, err := h.JoinAuction(join)
	if err != nil {
		return envelope.NewNotice(schema.AccountDenied, err.Error()), nil
	}
	return envelope.MustNew(schema.ListOfAuctionHouseItems, &listing), nil
}

func (h *House) handleBid(ctx context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	bid, err := envelope.As[envelope.Bid](req)
	if err != nil {
		return envelope.Envelope{}, err
	}
	kind, out := h.PlaceBid(ctx, identity.Token(bid.Token), bid.ItemID, bid.Amount)
	return envelope.MustNew(kind, &out), nil
}

func (h *House) handleLeave(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	c, err := envelope.As[envelope.Close](req)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if err := h.Leave(identity.Token(c.Token)); err != nil {
		if errors.Is(err, ErrNotJoined) {
			return envelope.NewNotice(schema.CloseAccepted, "not joined"), nil
		}
		return envelope.NewNotice(schema.CloseRejected, err.Error()), nil
	}
	return envelope.NewNotice(schema.CloseAccepted, "left"), nil
}
