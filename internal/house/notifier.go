package house

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/auctionctl/internal/observability"
	"github.com/danmuck/auctionctl/internal/protocol/envelope"
	"github.com/danmuck/auctionctl/internal/protocol/session"
	"github.com/danmuck/auctionctl/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotifierClosed = errors.New("house: notifier closed")
	ErrQueueFull      = errors.New("house: notify queue full")
)

type NotifierConfig struct {
	// QueueSize bounds the pushes waiting for one listener.
	QueueSize   int
	MaxAttempts int
	Session     session.Config
}

func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		QueueSize:   64,
		MaxAttempts: 4,
		Session:     session.DefaultConfig(),
	}
}

type push struct {
	id   string
	addr string
	env  envelope.Envelope
}

// target is one listener address with its own queue and worker.
type target struct {
	addr  string
	queue chan push
	rng   *rand.Rand
}

// Notifier delivers pushes to agent listeners. Each listener gets its own
// worker, so pushes to one address arrive in the order they were queued
// and a listener that stops acking only delays itself.
type Notifier struct {
	cfg     NotifierConfig
	outbox  *session.Outbox
	dropped atomic.Int64

	mu      sync.Mutex
	targets map[string]*target
	closed  bool
	idle    *sync.Cond
	active  int

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewNotifier(cfg NotifierConfig) *Notifier {
	d := DefaultNotifierConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	cfg.Session = cfg.Session.WithDefaults()
	n := &Notifier{
		cfg:     cfg,
		outbox:  session.NewOutbox(),
		targets: make(map[string]*target),
		stop:    make(chan struct{}),
	}
	n.idle = sync.NewCond(&n.mu)
	return n
}

// Enqueue schedules env for addr without blocking. When the listener's
// queue is full the push is dropped and ErrQueueFull is returned.
func (n *Notifier) Enqueue(addr string, env envelope.Envelope) error {
	p := push{id: uuid.NewString(), addr: addr, env: env}
	kind := env.Kind().String()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNotifierClosed
	}
	t := n.targetLocked(addr)
	n.outbox.Upsert(session.PendingNotice{
		NoticeID: p.id,
		Kind:     kind,
		Target:   addr,
		QueuedAt: time.Now(),
	})
	select {
	case t.queue <- p:
		n.active++
		return nil
	default:
		n.outbox.Remove(p.id)
		n.dropped.Add(1)
		observability.RecordNotification(kind, false)
		return fmt.Errorf("%w: %s", ErrQueueFull, addr)
	}
}

func (n *Notifier) targetLocked(addr string) *target {
	if t, ok := n.targets[addr]; ok {
		return t
	}
	t := &target{
		addr:  addr,
		queue: make(chan push, n.cfg.QueueSize),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	n.targets[addr] = t
	n.wg.Add(1)
	go n.run(t)
	return t
}

// Pending lists pushes not yet delivered or dropped.
func (n *Notifier) Pending() []session.PendingNotice {
	return n.outbox.List()
}

// Backlog counts pushes not yet delivered or dropped.
func (n *Notifier) Backlog() int {
	return n.outbox.Len()
}

// BacklogByTarget counts undelivered pushes per listener address.
func (n *Notifier) BacklogByTarget() map[string]int {
	return n.outbox.ByTarget()
}

// Dropped counts pushes refused because a listener's queue was full.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Flush blocks until every queued push was delivered or dropped, or the
// notifier is closed.
func (n *Notifier) Flush() {
	n.mu.Lock()
	for n.active > 0 && !n.closed {
		n.idle.Wait()
	}
	n.mu.Unlock()
}

// Close stops the workers once their current delivery returns. Pushes
// still queued are dropped.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.wg.Wait()
		return
	}
	n.closed = true
	n.idle.Broadcast()
	n.mu.Unlock()
	close(n.stop)
	n.wg.Wait()
}

func (n *Notifier) run(t *target) {
	defer n.wg.Done()
	for {
		select {
		case <-n.stop:
			n.drain(t)
			return
		case p := <-t.queue:
			n.deliver(t, p)
			n.finish()
		}
	}
}

func (n *Notifier) drain(t *target) {
	for {
		select {
		case p := <-t.queue:
			n.outbox.Remove(p.id)
			observability.RecordNotification(p.env.Kind().String(), false)
			n.finish()
		default:
			return
		}
	}
}

func (n *Notifier) finish() {
	n.mu.Lock()
	n.active--
	if n.active == 0 {
		n.idle.Broadcast()
	}
	n.mu.Unlock()
}

func (n *Notifier) deliver(t *target, p push) {
	kind := p.env.Kind().String()
	defer n.outbox.Remove(p.id)
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Session.RequestTimeout)
		err := transport.Notify(ctx, p.addr, p.env, n.cfg.Session, true)
		cancel()
		if err == nil {
			observability.RecordNotification(kind, true)
			return
		}
		item, _ := n.outbox.MarkAttempt(p.id, time.Now(), err.Error())
		log.Debug().
			Str("kind", kind).
			Str("target", p.addr).
			Int("attempt", item.Attempts).
			Err(err).
			Msg("house.Notifier.deliver retry")
		if attempt == n.cfg.MaxAttempts {
			break
		}
		if !n.cfg.Session.Backoff.Wait(n.stop, attempt, t.rng) {
			observability.RecordNotification(kind, false)
			return
		}
	}
	observability.RecordNotification(kind, false)
	log.Warn().Str("kind", kind).Str("target", p.addr).Msg("house.Notifier.deliver dropped")
}
