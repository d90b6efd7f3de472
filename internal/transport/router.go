package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/auctionctl/internal/observability"
	"github.com/danmuck/auctionctl/internal/protocol/envelope"
	"github.com/danmuck/auctionctl/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

// Handler answers one envelope. Returning the zero Envelope means no reply.
type Handler func(ctx context.Context, req envelope.Envelope) (envelope.Envelope, error)

// Router maps message kinds to handlers for one role.
type Router struct {
	role string

	mu       sync.RWMutex
	handlers map[schema.Kind]Handler
}

func NewRouter(role string) *Router {
	return &Router{
		role:     role,
		handlers: make(map[schema.Kind]Handler),
	}
}

func (r *Router) Role() string {
	return r.role
}

func (r *Router) Handle(kind schema.Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Dispatch runs the handler for req. Unhandled kinds answer CASE_NOT_FOUND
// and handler errors answer REQUEST_FAILED.
func (r *Router) Dispatch(ctx context.Context, req envelope.Envelope) envelope.Envelope {
	start := time.Now()
	r.mu.RLock()
	h, ok := r.handlers[req.Kind()]
	r.mu.RUnlock()

	var reply envelope.Envelope
	if !ok {
		log.Warn().Str("role", r.role).Stringer("kind", req.Kind()).Str("peer", PeerAddr(ctx)).Msg("transport.Router unhandled kind")
		reply = envelope.NewNotice(schema.CaseNotFound, fmt.Sprintf("%s does not handle %s", r.role, req.Kind()))
	} else {
		var err error
		reply, err = h(ctx, req)
		if err != nil {
			log.Warn().Str("role", r.role).Stringer("kind", req.Kind()).Err(err).Msg("transport.Router handler failed")
			reply = envelope.NewNotice(schema.RequestFailed, err.Error())
		}
	}

	replyKind := "none"
	if !reply.IsZero() {
		replyKind = reply.Kind().String()
	}
	observability.RecordTransportRequest(r.role, req.Kind().String(), replyKind, time.Since(start))
	return reply
}

type peerKey struct{}

func withPeer(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, peerKey{}, addr)
}

// PeerAddr returns the remote address of the connection serving ctx.
func PeerAddr(ctx context.Context) string {
	addr, _ := ctx.Value(peerKey{}).(string)
	return addr
}
