// Package house runs an auction house: it lists lots from a catalog,
// decides bids through the bank, and pushes outcomes to joined agents.
package house

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/auctionctl/internal/auction"
	"github.com/danmuck/auctionctl/internal/bank"
	"github.com/danmuck/auctionctl/internal/config"
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

var (
	ErrNotOpen     = errors.New("house: account not open")
	ErrClosed      = errors.New("house: closed")
	ErrNotJoined   = errors.New("house: agent has not joined")
	ErrHoldsBid    = errors.New("house: agent holds a current bid")
	ErrLotsBidding = errors.New("house: lots still bidding")
	ErrClosing     = errors.New("house: auction closing")
	ErrTokenEmpty  = errors.New("house: token required")
)

const drainInterval = 50 * time.Millisecond

type Config struct {
	Name string
	// ListenAddr is where the session server binds; AdvertiseAddr is the
	// address registered with the bank for agents to dial.
	ListenAddr    string
	AdvertiseAddr string
	AdminAddr     string
	CORSOrigins   []string
	BankAddr      string
	BankPoolSize  int
	Catalog       config.Catalog
	QuietPeriod   time.Duration
	SettleTimeout time.Duration
	MaxWorkers    int
	AcceptRate    float64
	AcceptBurst   int
	// Notify.Session is replaced by Session.
	Notify  NotifierConfig
	Session session.Config
}

func DefaultConfig() Config {
	lot := auction.DefaultOptions()
	srv := transport.DefaultServerConfig("house", transport.ModeSession)
	return Config{
		Name:          "house",
		ListenAddr:    ":7100",
		BankAddr:      "localhost:7000",
		BankPoolSize:  transport.DefaultPoolSize,
		QuietPeriod:   lot.QuietPeriod,
		SettleTimeout: lot.SettleTimeout,
		MaxWorkers:    srv.MaxWorkers,
		AcceptRate:    srv.AcceptRate,
		AcceptBurst:   srv.AcceptBurst,
		Notify:        DefaultNotifierConfig(),
		Session:       session.DefaultConfig(),
	}
}

// Member is a joined agent.
type Member struct {
	Name       string `json:"name"`
	NotifyAddr string `json:"notify_addr"`
}

// House owns the lots of one venue.
type House struct {
	cfg      Config
	bank     *bank.Client
	funds    *bankFunds
	notifier *Notifier
	router   *transport.Router
	server   *transport.Server

	// closeMu serializes Close and Drain. Lock order is closeMu, mu,
	// pushMu.
	closeMu sync.Mutex
	pushMu  sync.Mutex
	offers  sync.WaitGroup

	mu      sync.RWMutex
	account uint64
	lots    []*auction.Lot
	byID    map[uint64]*auction.Lot
	next    int
	members map[identity.Token]Member
	closing bool
	closed  bool
}

func New(cfg Config) *House {
	d := DefaultConfig()
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = d.Name
	}
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = d.QuietPeriod
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = d.SettleTimeout
	}
	cfg.Session = cfg.Session.WithDefaults()
	cfg.Notify.Session = cfg.Session
	client := bank.NewClient(cfg.BankAddr, cfg.Session, cfg.BankPoolSize)
	h := &House{
		cfg:      cfg,
		bank:     client,
		funds:    &bankFunds{client: client},
		notifier: NewNotifier(cfg.Notify),
		router:   transport.NewRouter("house"),
		byID:     make(map[uint64]*auction.Lot),
		members:  make(map[identity.Token]Member),
	}
	srvCfg := transport.DefaultServerConfig("house", transport.ModeSession)
	srvCfg.Session = cfg.Session
	srvCfg.MaxWorkers = cfg.MaxWorkers
	srvCfg.AcceptRate = cfg.AcceptRate
	srvCfg.AcceptBurst = cfg.AcceptBurst
	h.server = transport.NewServer(srvCfg, h.router)
	h.routes()
	return h
}

func (h *House) Router() *transport.Router {
	return h.router
}

func (h *House) Notifier() *Notifier {
	return h.notifier
}

// Account is zero until Open succeeds.
func (h *House) Account() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.account
}

// Open registers the house with the bank and lists the first lots of the
// catalog. A second call is a no-op.
func (h *House) Open(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.account != 0 {
		return nil
	}
	if h.closed {
		return ErrClosed
	}
	if err := config.ValidateCatalog(h.cfg.Catalog); err != nil {
		return err
	}
	desc, err := h.bank.OpenHouse(ctx, h.cfg.Name, h.cfg.AdvertiseAddr)
	if err != nil {
		return fmt.Errorf("house: open account: %w", err)
	}
	h.account = desc.AccountNumber
	h.funds.account.Store(desc.AccountNumber)
	for i := 0; i < h.cfg.Catalog.Initial(); i++ {
		if err := h.listNextLocked(); err != nil {
			return err
		}
	}
	log.Info().
		Str("name", h.cfg.Name).
		Uint64("account", h.account).
		Int("lots", len(h.lots)).
		Msg("house.Open")
	return nil
}

// listNextLocked turns the next catalog entry into a lot.
func (h *House) listNextLocked() error {
	if h.next >= len(h.cfg.Catalog.Items) {
		return nil
	}
	entry := h.cfg.Catalog.Items[h.next]
	h.next++
	price, err := entry.Price()
	if err != nil {
		return err
	}
	item := auction.Item{
		HouseID: h.account,
		ItemID:  uint64(h.next),
		Name:    entry.Name,
		MinBid:  price,
	}
	lot := auction.NewLot(item, h.funds, auction.Options{
		QuietPeriod:   h.cfg.QuietPeriod,
		SettleTimeout: h.cfg.SettleTimeout,
		OnSold:        h.onSold,
	})
	h.lots = append(h.lots, lot)
	h.byID[item.ItemID] = lot
	return nil
}

// JoinAuction records the agent's token and listener and returns the
// current listing. Joining twice refreshes the listener address.
func (h *House) JoinAuction(join envelope.Join) (envelope.Listing, error) {
	tok := identity.Token(strings.TrimSpace(join.Token))
	if tok == "" {
		return envelope.Listing{}, ErrTokenEmpty
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.account == 0 {
		return envelope.Listing{}, ErrNotOpen
	}
	if h.closed {
		return envelope.Listing{}, ErrClosed
	}
	h.members[tok] = Member{Name: join.AgentName, NotifyAddr: join.NotifyAddr}
	log.Info().Str("agent", join.AgentName).Str("notify", join.NotifyAddr).Msg("house.JoinAuction")
	return h.listingLocked(), nil
}

// PlaceBid decides one bid and returns the reply kind with its outcome.
// h.mu is not held across the lot's bank round trips.
func (h *House) PlaceBid(ctx context.Context, tok identity.Token, itemID uint64, amount decimal.Decimal) (schema.Kind, envelope.Outcome) {
	h.mu.RLock()
	out := envelope.Outcome{HouseID: h.account, ItemID: itemID, Amount: money.Round(amount)}
	lot, ok := h.byID[itemID]
	_, joined := h.members[tok]
	switch {
	case h.closed:
		out.Detail = ErrClosed.Error()
	case h.closing:
		out.Detail = ErrClosing.Error()
	case !joined:
		out.Detail = ErrNotJoined.Error()
	case !ok:
		out.Detail = fmt.Sprintf("unknown item %d", itemID)
	default:
		h.offers.Add(1)
	}
	h.mu.RUnlock()
	if out.Detail != "" {
		return h.recordBid(schema.BidRejectedInadequate, out)
	}
	defer h.offers.Done()

	res := lot.Offer(ctx, tok, amount)
	out.CurrentBid = res.Item.CurrentBid
	out.Detail = res.Reason
	switch res.Outcome {
	case auction.Inadequate:
		return h.recordBid(schema.BidRejectedInadequate, out)
	case auction.NSF:
		return h.recordBid(schema.BidRejectedNSF, out)
	}

	h.mu.RLock()
	var pushes []delivery
	if res.Previous != "" && res.Previous != tok {
		if prev, ok := h.members[res.Previous]; ok {
			pushes = append(pushes, delivery{prev, envelope.MustNew(schema.BidOutbidded, &envelope.Outcome{
				HouseID:    h.account,
				ItemID:     itemID,
				Amount:     res.PreviousBid,
				CurrentBid: res.Item.CurrentBid,
				Detail:     "outbid",
			})})
		}
	}
	pushes = append(pushes, h.broadcastLocked()...)
	h.sendUnlock(h.mu.RUnlock, pushes)

	out.Detail = "accepted"
	return h.recordBid(schema.BidAccepted, out)
}

func (h *House) recordBid(kind schema.Kind, out envelope.Outcome) (schema.Kind, envelope.Outcome) {
	observability.RecordBid(strconv.FormatUint(out.HouseID, 10), kind.String())
	return kind, out
}

// Leave forgets tok unless it holds the current bid on an unsold lot.
func (h *House) Leave(tok identity.Token) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[tok]; !ok {
		return ErrNotJoined
	}
	for _, lot := range h.lots {
		if lot.HeldBy(tok) {
			return fmt.Errorf("%w: item %d", ErrHoldsBid, lot.ItemID())
		}
	}
	delete(h.members, tok)
	return nil
}

// Close shuts the venue: it is refused while any lot is BIDDING. New bids
// are refused while Close runs. The bank account is closed, timers stop,
// and agents get an empty listing.
func (h *House) Close(ctx context.Context) error {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	draining := h.closing
	h.closing = true
	account := h.account
	h.mu.Unlock()

	reopen := func() {
		h.mu.Lock()
		h.closing = draining
		h.mu.Unlock()
	}
	h.offers.Wait()
	if lot := h.biddingLot(); lot != nil {
		reopen()
		return fmt.Errorf("%w: item %d", ErrLotsBidding, lot.ItemID())
	}
	if account != 0 {
		if err := h.bank.CloseAccount(ctx, account); err != nil {
			reopen()
			return fmt.Errorf("house: close account: %w", err)
		}
	}

	h.mu.Lock()
	h.closed = true
	lots := append([]*auction.Lot(nil), h.lots...)
	empty := envelope.MustNew(schema.UpdateAuctionItems, &envelope.Listing{HouseID: account})
	pushes := make([]delivery, 0, len(h.members))
	for _, m := range h.members {
		pushes = append(pushes, delivery{m, empty})
	}
	h.sendUnlock(h.mu.Unlock, pushes)

	for _, lot := range lots {
		lot.Stop()
	}
	log.Info().Str("name", h.cfg.Name).Uint64("account", account).Msg("house.Close")
	return nil
}

// Drain refuses new bids and waits for every BIDDING lot to finalize. It
// returns ErrLotsBidding if ctx ends first; bids stay refused either way.
func (h *House) Drain(ctx context.Context) error {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closing = true
	h.mu.Unlock()
	h.offers.Wait()

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		lot := h.biddingLot()
		if lot == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: item %d", ErrLotsBidding, lot.ItemID())
		case <-ticker.C:
		}
	}
}

func (h *House) biddingLot() *auction.Lot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, lot := range h.lots {
		if lot.Bidding() {
			return lot
		}
	}
	return nil
}

// Shutdown stops timers and releases the notifier and bank connections.
// Lots still BIDDING return their holder's funds before the bank client
// closes.
func (h *House) Shutdown() {
	h.mu.Lock()
	h.closing = true
	lots := append([]*auction.Lot(nil), h.lots...)
	h.mu.Unlock()
	h.offers.Wait()
	for _, lot := range lots {
		lot.Stop()
	}
	h.notifier.Close()
	_ = h.bank.Close()
}

// onSold runs after a lot finalizes.
func (h *House) onSold(sale auction.Sale) {
	h.mu.Lock()
	var pushes []delivery
	if m, ok := h.members[sale.Holder]; ok {
		detail := "won"
		if sale.SettleErr != nil {
			detail = "won; settlement failed: " + sale.SettleErr.Error()
		}
		pushes = append(pushes, delivery{m, envelope.MustNew(schema.BidWon, &envelope.Outcome{
			HouseID:    sale.Item.HouseID,
			ItemID:     sale.Item.ItemID,
			Amount:     sale.Amount,
			CurrentBid: sale.Amount,
			Detail:     detail,
		})})
	}
	if h.cfg.Catalog.Restock && !h.closed && !h.closing {
		if err := h.listNextLocked(); err != nil {
			log.Error().Err(err).Msg("house.onSold restock")
		}
	}
	pushes = append(pushes, h.broadcastLocked()...)
	h.sendUnlock(h.mu.Unlock, pushes)
}

// Listing returns every lot in item order, sold lots included.
func (h *House) Listing() envelope.Listing {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.listingLocked()
}

func (h *House) listingLocked() envelope.Listing {
	items := make([]envelope.Item, 0, len(h.lots))
	for _, lot := range h.lots {
		v := lot.Snapshot()
		items = append(items, envelope.Item{
			ItemID:     v.ItemID,
			Name:       v.Name,
			State:      string(v.State),
			MinBid:     money.Format(v.MinBid),
			CurrentBid: money.Format(v.CurrentBid),
		})
	}
	return envelope.Listing{HouseID: h.account, Items: items}
}

// delivery is a push built under h.mu and queued after it is released.
type delivery struct {
	member Member
	env    envelope.Envelope
}

func (h *House) broadcastLocked() []delivery {
	if len(h.members) == 0 {
		return nil
	}
	listing := h.listingLocked()
	env := envelope.MustNew(schema.UpdateAuctionItems, &listing)
	out := make([]delivery, 0, len(h.members))
	for _, m := range h.members {
		out = append(out, delivery{m, env})
	}
	return out
}

// sendUnlock releases h.mu through unlock and then queues pushes. pushMu
// is taken first so pushes reach the notifier in the order they were built.
func (h *House) sendUnlock(unlock func(), pushes []delivery) {
	h.pushMu.Lock()
	defer h.pushMu.Unlock()
	unlock()
	for _, d := range pushes {
		h.push(d.member, d.env)
	}
}

func (h *House) push(m Member, env envelope.Envelope) {
	if strings.TrimSpace(m.NotifyAddr) == "" {
		return
	}
	if err := h.notifier.Enqueue(m.NotifyAddr, env); err != nil {
		log.Warn().Str("kind", env.Kind().String()).Str("target", m.NotifyAddr).Err(err).Msg("house.push")
	}
}

// State is the admin snapshot of the house.
type State struct {
	Name    string                  `json:"name"`
	Account uint64                  `json:"account"`
	Closed  bool                    `json:"closed"`
	Closing bool                    `json:"closing"`
	Lots    []auction.ItemView      `json:"lots"`
	Members []Member                `json:"members"`
	Pending []session.PendingNotice `json:"pending"`
	Backlog int                     `json:"backlog"`
	// Lagging maps listener addresses to their undelivered pushes.
	Lagging map[string]int          `json:"lagging"`
	Dropped int64                   `json:"dropped"`
}

func (h *House) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := State{Name: h.cfg.Name, Account: h.account, Closed: h.closed, Closing: h.closing}
	for _, lot := range h.lots {
		st.Lots = append(st.Lots, lot.Snapshot())
	}
	for _, m := range h.members {
		st.Members = append(st.Members, m)
	}
	sort.Slice(st.Members, func(i, j int) bool { return st.Members[i].Name < st.Members[j].Name })
	st.Pending = h.notifier.Pending()
	st.Backlog = h.notifier.Backlog()
	st.Lagging = h.notifier.BacklogByTarget()
	st.Dropped = h.notifier.Dropped()
	return st
}
