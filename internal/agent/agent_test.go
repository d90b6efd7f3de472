package agent

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/auctionctl/internal/bank"
	"github.com/danmuck/auctionctl/internal/money"
	"github.com/danmuck/auctionctl/internal/protocol/envelope"
	"github.com/danmuck/auctionctl/internal/protocol/schema"
	"github.com/danmuck/auctionctl/internal/protocol/session"
	"github.com/danmuck/auctionctl/internal/testutil/testlog"
	"github.com/danmuck/auctionctl/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, srv interface {
	Serve(context.Context, net.Listener) error
}) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
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

func startBank(t *testing.T) string {
	t.Helper()
	return serve(t, bank.NewService(bank.DefaultServiceConfig()))
}

// startFakeHouse registers a house whose MAKE_BID always answers with
// reply and whose CLOSE_REQUEST is accepted.
func startFakeHouse(t *testing.T, bankAddr string, reply schema.Kind) uint64 {
	t.Helper()
	account, _ := startFakeHouseWith(t, bankAddr, reply, nil)
	return account
}

// startFakeHouseWith also runs onJoin inside each JOIN_AUCTION_HOUSE and
// returns the house's server.
func startFakeHouseWith(t *testing.T, bankAddr string, reply schema.Kind, onJoin func()) (uint64, *transport.Server) {
	t.Helper()
	router := transport.NewRouter("house")
	var account uint64
	router.Handle(schema.JoinAuctionHouse, func(context.Context, envelope.Envelope) (envelope.Envelope, error) {
		if onJoin != nil {
			onJoin()
		}
		return envelope.MustNew(schema.ListOfAuctionHouseItems, &envelope.Listing{
			HouseID: account,
			Items:   []envelope.Item{{ItemID: 1, Name: "lamp", State: "OPEN", MinBid: "10.00", CurrentBid: "0.00"}},
		}), nil
	})
	router.Handle(schema.MakeBid, func(_ context.Context, req envelope.Envelope) (envelope.Envelope, error) {
		bid, err := envelope.As[envelope.Bid](req)
		if err != nil {
			return envelope.Envelope{}, err
		}
		return envelope.MustNew(reply, &envelope.Outcome{HouseID: account, ItemID: bid.ItemID, Amount: bid.Amount, Detail: "scripted"}), nil
	})
	router.Handle(schema.CloseRequest, func(context.Context, envelope.Envelope) (envelope.Envelope, error) {
		return envelope.NewNotice(schema.CloseAccepted, "left"), nil
	})
	srv := transport.NewServer(transport.DefaultServerConfig("house", transport.ModeSession), router)
	addr := serve(t, srv)

	client := bank.NewClient(bankAddr, session.DefaultConfig(), 1)
	defer client.Close()
	desc, err := client.OpenHouse(context.Background(), "fake", addr)
	require.NoError(t, err)
	account = desc.AccountNumber
	return account, srv
}

func newAgent(t *testing.T, bankAddr, name, deposit string, buffer int) *Agent {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.Deposit = money.MustParse(deposit)
	cfg.BankAddr = bankAddr
	cfg.NotifyAddr = "127.0.0.1:0"
	cfg.EventBuffer = buffer
	a := New(cfg)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)
	return a
}

func nextEvent(t *testing.T, a *Agent) Event {
	t.Helper()
	select {
	case ev := <-a.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestStartOpensAccount(t *testing.T) {
	testlog.Start(t)
	a := newAgent(t, startBank(t), "alice", "2500", 8)

	ev := nextEvent(t, a)
	assert.Equal(t, EventAccountConfirmed, ev.Kind)
	assert.Equal(t, "2500.00", money.Format(ev.Amount))
	assert.NotZero(t, a.Account().AccountNumber)
	assert.NotEmpty(t, a.NotifyAddr())

	bal, err := a.AddFunds(context.Background(), money.MustParse("0.125"))
	require.NoError(t, err)
	assert.Equal(t, "2500.13", money.Format(bal.Balance))
	assert.Equal(t, EventBalanceChanged, nextEvent(t, a).Kind)

	echo, err := a.Ping(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", echo)
}

func TestStartFailsWithoutBank(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := DefaultConfig()
	cfg.Name = "alice"
	cfg.BankAddr = dead
	cfg.NotifyAddr = "127.0.0.1:0"
	a := New(cfg)
	defer a.Stop()
	err = a.Start(context.Background())
	require.Error(t, err)
	assert.True(t, transport.IsTransport(err), "got %v", err)

	_, err = a.Balance(context.Background())
	assert.True(t, errors.Is(err, ErrNotStarted))
}

func TestJoinBidAndLeave(t *testing.T) {
	testlog.Start(t)
	bankAddr := startBank(t)
	house := startFakeHouse(t, bankAddr, schema.BidAccepted)
	a := newAgent(t, bankAddr, "alice", "100", 8)
	ctx := context.Background()

	items, err := a.Join(ctx, house)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, []uint64{house}, a.Joined())

	out, err := a.Bid(ctx, house, 1, money.MustParse("12"))
	require.NoError(t, err)
	assert.Equal(t, "12.00", money.Format(out.Amount))

	require.NoError(t, a.Leave(ctx, house))
	assert.Empty(t, a.Joined())
	_, err = a.Bid(ctx, house, 1, money.MustParse("12"))
	assert.True(t, errors.Is(err, ErrNotJoined))
}

func TestBidRejectionIsRejectedError(t *testing.T) {
	testlog.Start(t)
	bankAddr := startBank(t)
	house := startFakeHouse(t, bankAddr, schema.BidRejectedNSF)
	a := newAgent(t, bankAddr, "alice", "1", 8)
	nextEvent(t, a)

	_, err := a.Join(context.Background(), house)
	require.NoError(t, err)
	_, err = a.Bid(context.Background(), house, 1, money.MustParse("50"))
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected), "got %v", err)
	assert.Equal(t, schema.BidRejectedNSF, rejected.Kind)
	assert.Equal(t, "scripted", rejected.Reason)
	assert.Equal(t, EventRejected, nextEvent(t, a).Kind)
}

func TestJoinUnknownHouse(t *testing.T) {
	testlog.Start(t)
	a := newAgent(t, startBank(t), "alice", "1", 8)
	_, err := a.Join(context.Background(), 4242)
	assert.True(t, errors.Is(err, ErrUnknownHouse))
}

func TestPushesBecomeEvents(t *testing.T) {
	testlog.Start(t)
	bankAddr := startBank(t)
	house := startFakeHouse(t, bankAddr, schema.BidAccepted)
	a := newAgent(t, bankAddr, "alice", "100", 8)
	nextEvent(t, a)
	_, err := a.Join(context.Background(), house)
	require.NoError(t, err)

	cfg := session.DefaultConfig()
	ctx := context.Background()
	require.NoError(t, transport.Notify(ctx, a.NotifyAddr(), envelope.MustNew(schema.BidOutbidded, &envelope.Outcome{
		HouseID: house, ItemID: 1, Amount: money.MustParse("12"), CurrentBid: money.MustParse("20"),
	}), cfg, true))
	require.NoError(t, transport.Notify(ctx, a.NotifyAddr(), envelope.MustNew(schema.UpdateAuctionItems, &envelope.Listing{
		HouseID: house,
		Items:   []envelope.Item{{ItemID: 1, Name: "lamp", State: "SOLD", MinBid: "10.00", CurrentBid: "20.00"}},
	}), cfg, true))
	require.NoError(t, transport.Notify(ctx, a.NotifyAddr(), envelope.MustNew(schema.BidWon, &envelope.Outcome{
		HouseID: house, ItemID: 2, Amount: money.MustParse("30"),
	}), cfg, true))

	ev := nextEvent(t, a)
	assert.Equal(t, EventOutbid, ev.Kind)
	assert.Equal(t, "20.00", money.Format(ev.Amount))
	ev = nextEvent(t, a)
	assert.Equal(t, EventItemsUpdated, ev.Kind)
	assert.Equal(t, "SOLD", a.Items(house)[0].State)
	ev = nextEvent(t, a)
	assert.Equal(t, EventWon, ev.Kind)
	assert.Equal(t, uint64(2), ev.ItemID)

	unsupported := func() error {
		c, err := transport.Dial(ctx, a.NotifyAddr(), cfg)
		if err != nil {
			return err
		}
		defer c.Close()
		reply, err := c.Send(ctx, envelope.NewNotice(schema.CheckSuccess, "x"))
		if err != nil {
			return err
		}
		_, err = bank.Expect(reply, schema.CheckSuccess)
		return err
	}()
	assert.True(t, errors.Is(unsupported, ErrUnsupported), "got %v", unsupported)
}

func TestLaggingConsumerDropsEvents(t *testing.T) {
	testlog.Start(t)
	a := newAgent(t, startBank(t), "alice", "10", 1)
	for i := 0; i < 3; i++ {
		_, err := a.Balance(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(3), a.Dropped())
	assert.Equal(t, EventAccountConfirmed, nextEvent(t, a).Kind)
}

func TestCloseLeavesHousesThenClosesAccount(t *testing.T) {
	testlog.Start(t)
	bankAddr := startBank(t)
	house := startFakeHouse(t, bankAddr, schema.BidAccepted)
	a := newAgent(t, bankAddr, "alice", "10", 8)
	ctx := context.Background()
	_, err := a.Join(ctx, house)
	require.NoError(t, err)

	require.NoError(t, a.Close(ctx))
	assert.Empty(t, a.Joined())
	_, err = a.Balance(ctx)
	assert.True(t, errors.Is(err, ErrNotStarted))

	st := a.State()
	assert.Zero(t, st.Account.AccountNumber)
	require.Len(t, st.Houses, 1)
}

func TestConcurrentJoinKeepsOnePool(t *testing.T) {
	testlog.Start(t)
	const joins = 6
	bankAddr := startBank(t)
	var arrived sync.WaitGroup
	arrived.Add(joins)
	house, srv := startFakeHouseWith(t, bankAddr, schema.BidAccepted, func() {
		arrived.Done()
		arrived.Wait()
	})
	a := newAgent(t, bankAddr, "alice", "100", 8)
	ctx := context.Background()

	errs := make(chan error, joins)
	for i := 0; i < joins; i++ {
		go func() {
			_, err := a.Join(ctx, house)
			errs <- err
		}()
	}
	for i := 0; i < joins; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, []uint64{house}, a.Joined())
	require.Eventually(t, func() bool { return srv.Active() == 1 }, 2*time.Second, 20*time.Millisecond)

	_, err := a.Bid(ctx, house, 1, money.MustParse("12"))
	require.NoError(t, err)
}
