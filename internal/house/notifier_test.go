package house

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/auctionctl/internal/auction"
	"github.com/danmuck/auctionctl/internal/bank"
	"github.com/danmuck/auctionctl/internal/protocol/envelope"
	"github.com/danmuck/auctionctl/internal/protocol/schema"
	"github.com/danmuck/auctionctl/internal/protocol/session"
	"github.com/danmuck/auctionctl/internal/testutil/testlog"
	"github.com/danmuck/auctionctl/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startListener(t *testing.T, seen func(envelope.Envelope)) string {
	t.Helper()
	router := transport.NewRouter("agent")
	router.Handle(schema.UpdateAuctionItems, func(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
		seen(req)
		return envelope.Envelope{}, nil
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := transport.NewServer(transport.DefaultServerConfig("agent", transport.ModeNotify), router)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func TestNotifierDeliversInOrder(t *testing.T) {
	testlog.Start(t)
	var (
		mu  sync.Mutex
		ids []uint64
	)
	addr := startListener(t, func(env envelope.Envelope) {
		listing, _ := envelope.As[envelope.Listing](env)
		mu.Lock()
		ids = append(ids, listing.HouseID)
		mu.Unlock()
	})

	n := NewNotifier(DefaultNotifierConfig())
	defer n.Close()
	for i := uint64(1); i <= 20; i++ {
		require.NoError(t, n.Enqueue(addr, envelope.MustNew(schema.UpdateAuctionItems, &envelope.Listing{HouseID: i})))
	}
	n.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ids, 20)
	for i, id := range ids {
		assert.Equal(t, uint64(i+1), id)
	}
	assert.Empty(t, n.Pending())
}

func TestNotifierDropsAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := DefaultNotifierConfig()
	cfg.MaxAttempts = 2
	cfg.Session.Backoff = session.BackoffConfig{InitialDelay: 5 * time.Millisecond, Multiplier: 1, MaxDelay: 5 * time.Millisecond}
	n := NewNotifier(cfg)
	defer n.Close()

	require.NoError(t, n.Enqueue(dead, envelope.MustNew(schema.UpdateAuctionItems, &envelope.Listing{HouseID: 1})))
	n.Flush()
	assert.Empty(t, n.Pending())
}

func TestNotifierRejectsAfterClose(t *testing.T) {
	testlog.Start(t)
	n := NewNotifier(DefaultNotifierConfig())
	n.Close()
	n.Close()
	err := n.Enqueue("127.0.0.1:1", envelope.MustNew(schema.UpdateAuctionItems, &envelope.Listing{HouseID: 1}))
	assert.True(t, errors.Is(err, ErrNotifierClosed))
	n.Flush()
}

func TestMapFundsError(t *testing.T) {
	testlog.Start(t)
	err := mapFundsError(&bank.RejectedError{Kind: schema.CheckFailure, Reason: "short"})
	assert.True(t, errors.Is(err, auction.ErrInsufficientFunds))

	err = mapFundsError(&bank.RejectedError{Kind: schema.AccountDenied, Reason: "bad token"})
	assert.True(t, errors.Is(err, auction.ErrUnknownToken))

	transportErr := &transport.Error{Op: transport.OpDial, Addr: "x", Err: errors.New("refused")}
	assert.Same(t, transportErr, mapFundsError(transportErr))
	assert.NoError(t, mapFundsError(nil))
}

// startStalledListener accepts connections and reads from them but never
// acks a push.
func startStalledListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			go func() { _, _ = io.Copy(io.Discard, conn) }()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

func TestStalledListenerDoesNotDelayOthers(t *testing.T) {
	testlog.Start(t)
	stalled := startStalledListener(t)
	got := make(chan uint64, 4)
	healthy := startListener(t, func(env envelope.Envelope) {
		listing, _ := envelope.As[envelope.Listing](env)
		got <- listing.HouseID
	})

	cfg := DefaultNotifierConfig()
	cfg.MaxAttempts = 1
	cfg.Session.RequestTimeout = 2 * time.Second
	n := NewNotifier(cfg)
	defer n.Close()

	require.NoError(t, n.Enqueue(stalled, envelope.MustNew(schema.UpdateAuctionItems, &envelope.Listing{HouseID: 1})))
	require.NoError(t, n.Enqueue(healthy, envelope.MustNew(schema.UpdateAuctionItems, &envelope.Listing{HouseID: 2})))

	select {
	case id := <-got:
		assert.Equal(t, uint64(2), id)
	case <-time.After(time.Second):
		t.Fatalf("healthy listener waited behind the stalled one")
	}
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	testlog.Start(t)
	stalled := startStalledListener(t)

	cfg := DefaultNotifierConfig()
	cfg.QueueSize = 1
	cfg.MaxAttempts = 1
	cfg.Session.RequestTimeout = 500 * time.Millisecond
	n := NewNotifier(cfg)
	defer n.Close()

	var full int
	start := time.Now()
	for i := uint64(1); i <= 4; i++ {
		err := n.Enqueue(stalled, envelope.MustNew(schema.UpdateAuctionItems, &envelope.Listing{HouseID: i}))
		if errors.Is(err, ErrQueueFull) {
			full++
			continue
		}
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.GreaterOrEqual(t, full, 2)
	assert.Equal(t, int64(full), n.Dropped())
	assert.LessOrEqual(t, n.Backlog(), 2)
}
