// Package agent is a bidder: it holds an account at the bank, joins
// houses through bank-issued tokens, bids, and listens for house pushes.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/auctionctl/internal/bank"
	"github.com/danmuck/auctionctl/internal/identity"
	"github.com/danmuck/auctionctl/internal/money"
	"github.com/danmuck/auctionctl/internal/observability"
	"github.com/danmuck/auctionctl/internal/protocol/envelope"
	"github.com/danmuck/auctionctl/internal/protocol/schema"
	"github.com/danmuck/auctionctl/internal/protocol/session"
	"github.com/danmuck/auctionctl/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// RejectedError is a well-formed refusal from the bank or a house.
type RejectedError = bank.RejectedError

// ErrUnsupported is returned when a peer answered CASE_NOT_FOUND.
var ErrUnsupported = bank.ErrUnsupported

var (
	ErrNotStarted   = errors.New("agent: not started")
	ErrUnknownHouse = errors.New("agent: unknown house")
	ErrNotJoined    = errors.New("agent: not joined to house")
)

type Config struct {
	Name    string
	Deposit decimal.Decimal
	// NotifyAddr is where the push listener binds; AdvertiseAddr is what
	// houses dial. An empty AdvertiseAddr uses the bound address.
	NotifyAddr    string
	AdvertiseAddr string
	AdminAddr     string
	CORSOrigins   []string
	BankAddr      string
	PoolSize      int
	EventBuffer   int
	Session       session.Config
}

func DefaultConfig() Config {
	return Config{
		Name:        "agent",
		Deposit:     money.Zero,
		NotifyAddr:  ":7200",
		BankAddr:    "localhost:7000",
		PoolSize:    2,
		EventBuffer: 64,
		Session:     session.DefaultConfig(),
	}
}

type membership struct {
	house envelope.HouseInfo
	token identity.Token
	pool  *transport.Pool
	items []envelope.Item
}

type Agent struct {
	cfg    Config
	bank   *bank.Client
	router *transport.Router
	server *transport.Server
	events chan Event

	dropped atomic.Uint64

	mu      sync.RWMutex
	account identity.Descriptor
	notify  string
	houses  map[uint64]envelope.HouseInfo
	joined  map[uint64]*membership

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) *Agent {
	d := DefaultConfig()
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = d.Name
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = d.PoolSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = d.EventBuffer
	}
	cfg.Session = cfg.Session.WithDefaults()
	a := &Agent{
		cfg:    cfg,
		bank:   bank.NewClient(cfg.BankAddr, cfg.Session, cfg.PoolSize),
		router: transport.NewRouter("agent"),
		events: make(chan Event, cfg.EventBuffer),
		houses: make(map[uint64]envelope.HouseInfo),
		joined: make(map[uint64]*membership),
	}
	srvCfg := transport.DefaultServerConfig("agent", transport.ModeNotify)
	srvCfg.Session = cfg.Session
	a.server = transport.NewServer(srvCfg, a.router)
	a.routes()
	return a
}

// Events delivers display events. Events are dropped when the consumer
// falls more than EventBuffer behind.
func (a *Agent) Events() <-chan Event {
	return a.events
}

// Dropped reports events discarded because the consumer lagged.
func (a *Agent) Dropped() uint64 {
	return a.dropped.Load()
}

func (a *Agent) Account() identity.Descriptor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.account
}

// NotifyAddr is the address advertised to houses.
func (a *Agent) NotifyAddr() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.notify
}

// Start binds the push listener, opens the bank account and fetches the
// house list. The listener runs until ctx is done or Stop is called.
func (a *Agent) Start(ctx context.Context) error {
	ln, err := a.server.Listen(a.cfg.NotifyAddr)
	if err != nil {
		return err
	}
	notify := strings.TrimSpace(a.cfg.AdvertiseAddr)
	if notify == "" {
		notify = ln.Addr().String()
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.server.Serve(runCtx, ln); err != nil {
			log.Error().Err(err).Str("agent", a.cfg.Name).Msg("agent.Start listener stopped")
		}
	}()

	desc, err := a.bank.OpenAgent(ctx, a.cfg.Name, a.cfg.Deposit)
	if err != nil {
		cancel()
		<-done
		return fmt.Errorf("agent: open account: %w", err)
	}

	a.mu.Lock()
	a.account = desc
	a.notify = notify
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	log.Info().
		Str("agent", desc.DisplayName).
		Uint64("account", desc.AccountNumber).
		Str("notify", notify).
		Msg("agent.Start")
	a.emit(Event{Kind: EventAccountConfirmed, Amount: desc.InitialDeposit, Detail: desc.DisplayName})

	if _, err := a.Houses(ctx); err != nil {
		log.Warn().Err(err).Msg("agent.Start house list")
	}
	return nil
}

// Stop ends the listener and releases every connection. The bank account
// stays open; use Close to release it.
func (a *Agent) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	joined := a.joined
	a.joined = make(map[uint64]*membership)
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, m := range joined {
		_ = m.pool.Close()
	}
	_ = a.bank.Close()
}

func (a *Agent) accountNumber() (uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.account.AccountNumber == 0 {
		return 0, ErrNotStarted
	}
	return a.account.AccountNumber, nil
}

func (a *Agent) Balance(ctx context.Context) (envelope.Balance, error) {
	number, err := a.accountNumber()
	if err != nil {
		return envelope.Balance{}, err
	}
	bal, err := a.bank.Balance(ctx, number)
	if err != nil {
		return envelope.Balance{}, err
	}
	a.emit(Event{Kind: EventBalanceChanged, Balance: bal})
	return bal, nil
}

func (a *Agent) AddFunds(ctx context.Context, amount decimal.Decimal) (envelope.Balance, error) {
	number, err := a.accountNumber()
	if err != nil {
		return envelope.Balance{}, err
	}
	bal, err := a.bank.AddFunds(ctx, number, amount)
	if err != nil {
		return envelope.Balance{}, err
	}
	a.emit(Event{Kind: EventBalanceChanged, Balance: bal})
	return bal, nil
}

// Houses refreshes and returns the bank's list of houses.
func (a *Agent) Houses(ctx context.Context) ([]envelope.HouseInfo, error) {
	list, err := a.bank.Houses(ctx)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.houses = make(map[uint64]envelope.HouseInfo, len(list))
	for _, h := range list {
		a.houses[h.Account] = h
	}
	a.mu.Unlock()
	return list, nil
}

// Join asks the bank for a token for house and presents it to the house.
// It returns the house's current listing.
func (a *Agent) Join(ctx context.Context, house uint64) ([]envelope.Item, error) {
	number, err := a.accountNumber()
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	info, known := a.houses[house]
	existing := a.joined[house]
	notify := a.notify
	a.mu.RUnlock()
	if !known {
		if _, err := a.Houses(ctx); err != nil {
			return nil, err
		}
		a.mu.RLock()
		info, known = a.houses[house]
		a.mu.RUnlock()
		if !known {
			return nil, fmt.Errorf("%w: %d", ErrUnknownHouse, house)
		}
	}

	tok, err := a.bank.SecretKey(ctx, number, house)
	if err != nil {
		return nil, err
	}
	m := existing
	if m == nil {
		m = &membership{house: info, pool: transport.NewPool(info.Address, a.cfg.Session, a.cfg.PoolSize)}
	}
	reply, err := m.pool.Send(ctx, envelope.MustNew(schema.JoinAuctionHouse, &envelope.Join{
		Token:      string(tok),
		AgentName:  a.cfg.Name,
		NotifyAddr: notify,
	}))
	if err == nil {
		reply, err = bank.Expect(reply, schema.ListOfAuctionHouseItems)
	}
	if err != nil {
		if existing == nil {
			_ = m.pool.Close()
		}
		return nil, err
	}
	listing, err := envelope.As[envelope.Listing](reply)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	var spare *transport.Pool
	if current, ok := a.joined[house]; ok && current != m {
		// A concurrent Join stored its membership first; keep that one.
		spare = m.pool
		m = current
	}
	m.token = tok
	m.items = listing.Items
	a.joined[house] = m
	a.mu.Unlock()
	if spare != nil {
		_ = spare.Close()
	}
	log.Info().Str("agent", a.cfg.Name).Uint64("house", house).Int("items", len(listing.Items)).Msg("agent.Join")
	return listing.Items, nil
}

// Bid offers amount on item at house. Refusals come back as
// *RejectedError carrying BID_REJECTED_INADEQUATE or BID_REJECTED_NSF.
func (a *Agent) Bid(ctx context.Context, house, item uint64, amount decimal.Decimal) (envelope.Outcome, error) {
	m, err := a.membership(house)
	if err != nil {
		return envelope.Outcome{}, err
	}
	reply, err := m.pool.Send(ctx, envelope.MustNew(schema.MakeBid, &envelope.Bid{
		Token:  string(m.token),
		ItemID: item,
		Amount: amount,
	}))
	if err != nil {
		return envelope.Outcome{}, err
	}
	if _, err := bank.Expect(reply, schema.BidAccepted); err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			a.emit(Event{Kind: EventRejected, HouseID: house, ItemID: item, Amount: amount, Detail: err.Error()})
		}
		return envelope.Outcome{}, err
	}
	return envelope.As[envelope.Outcome](reply)
}

// Leave tells house the agent is done there. The house refuses while the
// agent holds a current bid.
func (a *Agent) Leave(ctx context.Context, house uint64) error {
	m, err := a.membership(house)
	if err != nil {
		return err
	}
	reply, err := m.pool.Send(ctx, envelope.MustNew(schema.CloseRequest, &envelope.Close{Token: string(m.token)}))
	if err != nil {
		return err
	}
	if _, err := bank.Expect(reply, schema.CloseAccepted); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.joined, house)
	a.mu.Unlock()
	return m.pool.Close()
}

// Close leaves every joined house, then closes the bank account.
func (a *Agent) Close(ctx context.Context) error {
	number, err := a.accountNumber()
	if err != nil {
		return err
	}
	for _, house := range a.Joined() {
		if err := a.Leave(ctx, house); err != nil {
			return fmt.Errorf("agent: leave house %d: %w", house, err)
		}
	}
	if err := a.bank.CloseAccount(ctx, number); err != nil {
		return err
	}
	a.mu.Lock()
	a.account.AccountNumber = 0
	a.mu.Unlock()
	log.Info().Str("agent", a.cfg.Name).Uint64("account", number).Msg("agent.Close")
	return nil
}

// Ping round-trips a TEST_MESSAGE through the bank.
func (a *Agent) Ping(ctx context.Context, detail string) (string, error) {
	return a.bank.Ping(ctx, detail)
}

// Joined lists joined house accounts in ascending order.
func (a *Agent) Joined() []uint64 {
	a.mu.RLock()
	out := make([]uint64, 0, len(a.joined))
	for house := range a.joined {
		out = append(out, house)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Items returns the last listing seen for house.
func (a *Agent) Items(house uint64) []envelope.Item {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.joined[house]
	if !ok {
		return nil
	}
	return append([]envelope.Item(nil), m.items...)
}

func (a *Agent) membership(house uint64) (*membership, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.joined[house]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotJoined, house)
	}
	return m, nil
}

func (a *Agent) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
		a.dropped.Add(1)
		observability.RecordEventDropped(a.cfg.Name)
	}
}

// State is the admin snapshot of the agent.
type State struct {
	Account identity.Descriptor  `json:"account"`
	Houses  []envelope.HouseInfo `json:"houses"`
	Joined  []uint64             `json:"joined"`
	Dropped uint64               `json:"dropped_events"`
}

func (a *Agent) State() State {
	st := State{Joined: a.Joined(), Dropped: a.Dropped()}
	a.mu.RLock()
	st.Account = a.account
	for _, h := range a.houses {
		st.Houses = append(st.Houses, h)
	}
	a.mu.RUnlock()
	sort.Slice(st.Houses, func(i, j int) bool { return st.Houses[i].Account < st.Houses[j].Account })
	return st
}
