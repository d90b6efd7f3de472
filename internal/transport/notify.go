package transport

import (
	"context"

	"github.com/danmuck/auctionctl/internal/protocol/envelope"
	"github.com/danmuck/auctionctl/internal/protocol/session"
)

// Notify delivers one push to addr on a fresh connection. With awaitAck it
// blocks until the listener acknowledges, so consecutive pushes to one
// listener are dispatched in order.
func Notify(ctx context.Context, addr string, env envelope.Envelope, cfg session.Config, awaitAck bool) error {
	c, err := Dial(ctx, addr, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	if !awaitAck {
		return c.Post(ctx, env)
	}
	_, err = c.Send(ctx, env)
	return err
}
