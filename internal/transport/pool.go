package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/auctionctl/internal/protocol/envelope"
	"github.com/danmuck/auctionctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

const DefaultPoolSize = 8

// Pool hands out connections to one peer, one per concurrent
// conversation. Broken connections are discarded.
type Pool struct {
	addr  string
	cfg   session.Config
	slots chan struct{}

	mu     sync.Mutex
	idle   []*Conn
	closed bool
}

func NewPool(addr string, cfg session.Config, size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{
		addr:  addr,
		cfg:   cfg.WithDefaults(),
		slots: make(chan struct{}, size),
	}
}

func (p *Pool) Addr() string {
	return p.addr
}

// Send runs one conversation. A request that never left this process is
// retried once on a fresh connection.
func (p *Pool) Send(ctx context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return envelope.Envelope{}, &Error{Op: OpSend, Addr: p.addr, Err: ctx.Err()}
	}
	defer func() { <-p.slots }()

	for attempt := 1; ; attempt++ {
		c, err := p.get(ctx)
		if err != nil {
			return envelope.Envelope{}, err
		}
		reply, err := c.Send(ctx, req)
		if err == nil {
			p.put(c)
			return reply, nil
		}
		var terr *Error
		if !errors.As(err, &terr) {
			p.put(c)
			return reply, err
		}
		_ = c.Close()
		if terr.Sent || attempt > 1 || ctx.Err() != nil {
			return envelope.Envelope{}, err
		}
		log.Debug().Str("addr", p.addr).Err(err).Msg("transport.Pool retry on fresh connection")
	}
}

// Len reports idle connection count.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, c := range p.idle {
		_ = c.Close()
	}
	p.idle = nil
	return nil
}

func (p *Pool) get(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &Error{Op: OpSend, Addr: p.addr, Err: ErrPoolClosed}
	}
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		// Peers drop sessions after IdleTimeout; stop short of that.
		if c.Broken() || c.IdleFor() > p.cfg.IdleTimeout/2 {
			_ = c.Close()
			continue
		}
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()
	return Dial(ctx, p.addr, p.cfg)
}

func (p *Pool) put(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || c.Broken() {
		_ = c.Close()
		return
	}
	p.idle = append(p.idle, c)
}
