package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/auctionctl/internal/protocol/envelope"
	"github.com/danmuck/auctionctl/internal/protocol/frame"
	"github.com/danmuck/auctionctl/internal/protocol/schema"
	"github.com/danmuck/auctionctl/internal/protocol/session"
	"github.com/danmuck/auctionctl/internal/testutil/testlog"
	"github.com/danmuck/auctionctl/internal/testutil/tlstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoRouter() *Router {
	r := NewRouter("test")
	r.Handle(schema.TestMessage, func(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
		return envelope.NewNotice(schema.TestMessage, req.Detail()), nil
	})
	return r
}

func startServer(t *testing.T, cfg ServerConfig, router *Router) (string, context.CancelFunc) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(cfg, router)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return ln.Addr().String(), stop
}

func TestSendEchoRoundTrip(t *testing.T) {
	testlog.Start(t)
	addr, _ := startServer(t, DefaultServerConfig("bank", ModeSession), echoRouter())

	c, err := Dial(context.Background(), addr, session.DefaultConfig())
	require.NoError(t, err)
	defer c.Close()

	for _, detail := range []string{"ping", "pong"} {
		reply, err := c.Send(context.Background(), envelope.NewNotice(schema.TestMessage, detail))
		require.NoError(t, err)
		assert.Equal(t, schema.TestMessage, reply.Kind())
		assert.Equal(t, detail, reply.Detail())
	}
}

func TestUnhandledKindRepliesCaseNotFoundAndKeepsSession(t *testing.T) {
	testlog.Start(t)
	addr, _ := startServer(t, DefaultServerConfig("bank", ModeSession), echoRouter())

	c, err := Dial(context.Background(), addr, session.DefaultConfig())
	require.NoError(t, err)
	defer c.Close()

	reply, err := c.Send(context.Background(), envelope.MustNew(schema.MakeBid, &envelope.Bid{Token: "t", ItemID: 1}))
	require.NoError(t, err)
	assert.Equal(t, schema.CaseNotFound, reply.Kind())

	reply, err = c.Send(context.Background(), envelope.NewNotice(schema.TestMessage, "still here"))
	require.NoError(t, err)
	assert.Equal(t, "still here", reply.Detail())
}

func TestUnknownWireKindRepliesCaseNotFound(t *testing.T) {
	testlog.Start(t)
	addr, _ := startServer(t, DefaultServerConfig("bank", ModeSession), echoRouter())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, frame.WriteFrame(conn, frame.Frame{
		Header: frame.Header{MessageID: 42, MessageType: 4242},
	}, frame.DefaultLimits()))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	fr, err := frame.ReadFrame(conn, frame.DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), fr.Header.MessageID)
	assert.NotZero(t, fr.Header.Flags&frame.FlagIsError)
	reply, err := envelope.Decode(fr)
	require.NoError(t, err)
	assert.Equal(t, schema.CaseNotFound, reply.Kind())
}

func TestHandlerErrorRepliesRequestFailed(t *testing.T) {
	testlog.Start(t)
	r := NewRouter("bank")
	r.Handle(schema.AddFunds, func(context.Context, envelope.Envelope) (envelope.Envelope, error) {
		return envelope.Envelope{}, errors.New("ledger offline")
	})
	addr, _ := startServer(t, DefaultServerConfig("bank", ModeSession), r)

	c, err := Dial(context.Background(), addr, session.DefaultConfig())
	require.NoError(t, err)
	defer c.Close()
	reply, err := c.Send(context.Background(), envelope.MustNew(schema.AddFunds, &envelope.Funds{Account: 1001}))
	require.NoError(t, err)
	assert.Equal(t, schema.RequestFailed, reply.Kind())
	assert.Equal(t, "ledger offline", reply.Detail())
}

func TestSendAfterServerStopIsTransportError(t *testing.T) {
	testlog.Start(t)
	addr, stop := startServer(t, DefaultServerConfig("bank", ModeSession), echoRouter())

	c, err := Dial(context.Background(), addr, session.DefaultConfig())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Send(context.Background(), envelope.NewNotice(schema.TestMessage, "a"))
	require.NoError(t, err)

	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Send(ctx, envelope.NewNotice(schema.TestMessage, "b"))
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, addr, terr.Addr)
	assert.True(t, c.Broken())

	_, err = c.Send(ctx, envelope.NewNotice(schema.TestMessage, "c"))
	assert.ErrorIs(t, err, ErrConnBroken)
}

func TestDialUnreachableIsTransportError(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := session.DefaultConfig()
	cfg.ConnectTimeout = 500 * time.Millisecond
	p := NewPool(addr, cfg, 1)
	_, err = p.Send(context.Background(), envelope.NewNotice(schema.TestMessage, "x"))
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, OpDial, terr.Op)
	assert.True(t, IsTransport(err))
}

func TestPoolReusesAndBoundsConnections(t *testing.T) {
	testlog.Start(t)
	addr, _ := startServer(t, DefaultServerConfig("bank", ModeSession), echoRouter())
	p := NewPool(addr, session.DefaultConfig(), 2)
	defer p.Close()

	for i := 0; i < 3; i++ {
		_, err := p.Send(context.Background(), envelope.NewNotice(schema.TestMessage, "seq"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, p.Len())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := p.Send(context.Background(), envelope.NewNotice(schema.TestMessage, "par"))
			assert.NoError(t, err)
			assert.Equal(t, "par", reply.Detail())
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, p.Len(), 2)

	require.NoError(t, p.Close())
	_, err := p.Send(context.Background(), envelope.NewNotice(schema.TestMessage, "late"))
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestNotifyAckPreservesOrder(t *testing.T) {
	testlog.Start(t)
	var (
		mu  sync.Mutex
		got []string
	)
	r := NewRouter("agent")
	r.Handle(schema.TestMessage, func(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
		mu.Lock()
		got = append(got, req.Detail())
		mu.Unlock()
		return envelope.Envelope{}, nil
	})
	addr, _ := startServer(t, DefaultServerConfig("agent", ModeNotify), r)

	want := []string{"1", "2", "3", "4", "5"}
	for _, d := range want {
		require.NoError(t, Notify(context.Background(), addr, envelope.NewNotice(schema.TestMessage, d), session.DefaultConfig(), true))
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestNotifyWithoutAck(t *testing.T) {
	testlog.Start(t)
	received := make(chan string, 1)
	r := NewRouter("agent")
	r.Handle(schema.TestMessage, func(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
		received <- req.Detail()
		return envelope.Envelope{}, nil
	})
	cfg := DefaultServerConfig("agent", ModeNotify)
	cfg.Ack = false
	addr, _ := startServer(t, cfg, r)

	require.NoError(t, Notify(context.Background(), addr, envelope.NewNotice(schema.TestMessage, "fire"), session.DefaultConfig(), false))
	select {
	case d := <-received:
		assert.Equal(t, "fire", d)
	case <-time.After(2 * time.Second):
		t.Fatalf("push not dispatched")
	}
}

func TestIdleSessionsDoNotHoldWorkers(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServerConfig("bank", ModeSession)
	cfg.MaxWorkers = 2
	addr, _ := startServer(t, cfg, echoRouter())

	var conns []*Conn
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	for i := 0; i < 3*cfg.MaxWorkers+1; i++ {
		c, err := Dial(context.Background(), addr, session.DefaultConfig())
		require.NoError(t, err)
		conns = append(conns, c)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		reply, err := c.Send(ctx, envelope.NewNotice(schema.TestMessage, "idle"))
		cancel()
		require.NoError(t, err, "session %d", i)
		assert.Equal(t, "idle", reply.Detail())
	}
}

func TestMaxWorkersBoundsInFlightDispatch(t *testing.T) {
	testlog.Start(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	router := echoRouter()
	router.Handle(schema.AddFunds, func(context.Context, envelope.Envelope) (envelope.Envelope, error) {
		entered <- struct{}{}
		<-release
		return envelope.NewNotice(schema.TestMessage, "slow"), nil
	})
	cfg := DefaultServerConfig("bank", ModeSession)
	cfg.MaxWorkers = 1
	addr, _ := startServer(t, cfg, router)

	slow, err := Dial(context.Background(), addr, session.DefaultConfig())
	require.NoError(t, err)
	defer slow.Close()
	slowDone := make(chan error, 1)
	go func() {
		_, err := slow.Send(context.Background(), envelope.MustNew(schema.AddFunds, &envelope.Funds{Account: 1}))
		slowDone <- err
	}()
	<-entered

	queued, err := Dial(context.Background(), addr, session.DefaultConfig())
	require.NoError(t, err)
	defer queued.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	_, err = queued.Send(ctx, envelope.NewNotice(schema.TestMessage, "queued"))
	cancel()
	assert.True(t, IsTransport(err), "expected transport timeout, got %v", err)

	close(release)
	require.NoError(t, <-slowDone)

	next, err := Dial(context.Background(), addr, session.DefaultConfig())
	require.NoError(t, err)
	defer next.Close()
	reply, err := next.Send(context.Background(), envelope.NewNotice(schema.TestMessage, "freed"))
	require.NoError(t, err)
	assert.Equal(t, "freed", reply.Detail())
}

func TestMaxConnsRefusesExtraConnections(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServerConfig("bank", ModeSession)
	cfg.MaxConns = 1
	addr, _ := startServer(t, cfg, echoRouter())

	first, err := Dial(context.Background(), addr, session.DefaultConfig())
	require.NoError(t, err)
	_, err = first.Send(context.Background(), envelope.NewNotice(schema.TestMessage, "one"))
	require.NoError(t, err)

	extra, err := Dial(context.Background(), addr, session.DefaultConfig())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_, err = extra.Send(ctx, envelope.NewNotice(schema.TestMessage, "two"))
	cancel()
	assert.True(t, IsTransport(err), "expected refused connection, got %v", err)
	_ = extra.Close()

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		c, err := Dial(context.Background(), addr, session.DefaultConfig())
		if err != nil {
			return false
		}
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, err = c.Send(ctx, envelope.NewNotice(schema.TestMessage, "after"))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMutualTLSRoundTrip(t *testing.T) {
	testlog.Start(t)
	bundle := tlstest.LoopbackBundle(t, t.TempDir())

	serverCfg := DefaultServerConfig("bank", ModeSession)
	serverCfg.Session.TLS = session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: bundle.ServerCert,
		KeyFile:  bundle.ServerKey,
		CAFile:   bundle.CAFile,
	}
	srv := NewServer(serverCfg, echoRouter())
	ln, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	defer func() {
		cancel()
		<-done
	}()

	clientCfg := session.DefaultConfig()
	clientCfg.TLS = session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: bundle.ClientCert,
		KeyFile:  bundle.ClientKey,
		CAFile:   bundle.CAFile,
	}
	c, err := Dial(context.Background(), ln.Addr().String(), clientCfg)
	require.NoError(t, err)
	defer c.Close()
	reply, err := c.Send(context.Background(), envelope.NewNotice(schema.TestMessage, "secure"))
	require.NoError(t, err)
	assert.Equal(t, "secure", reply.Detail())
}
