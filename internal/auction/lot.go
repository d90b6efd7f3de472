// Package auction runs the per-item bid state machine. Each Lot serializes
// offers and its finalize timer through one mutex; a generation counter
// makes superseded timers inert.
package auction

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/auctionctl/internal/identity"
	"github.com/danmuck/auctionctl/internal/money"
	"github.com/danmuck/auctionctl/internal/observability"
	"github.com/danmuck/auctionctl/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type State string

const (
	StateOpen    State = "OPEN"
	StateBidding State = "BIDDING"
	StateSold    State = "SOLD"
)

var (
	// ErrInsufficientFunds is returned by Funds.Freeze when the bidder's
	// unfrozen balance cannot cover the amount.
	ErrInsufficientFunds = errors.New("auction: insufficient funds")
	ErrUnknownToken      = errors.New("auction: unknown token")
)

// Hold is one frozen amount at the bank. Every offer gets a fresh ID, and
// the bank treats repeats of the same ID as one operation.
type Hold struct {
	ID     string
	Token  identity.Token
	Amount decimal.Decimal
}

// Funds is the lot's view of the bank. Unfreeze must succeed for a hold
// the bank never froze, and must keep that hold from being frozen later.
type Funds interface {
	Freeze(ctx context.Context, hold Hold) error
	Unfreeze(ctx context.Context, hold Hold) error
	Settle(ctx context.Context, hold Hold) error
}

// refused reports whether err is a definite answer from the bank, as
// opposed to a failure that leaves the hold's state unknown.
func refused(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrUnknownToken)
}

// Item is the immutable part of a lot.
type Item struct {
	HouseID uint64
	ItemID  uint64
	Name    string
	MinBid  decimal.Decimal
}

// Bid is the mutable part of a lot.
type Bid struct {
	State      State
	MinBid     decimal.Decimal
	CurrentBid decimal.Decimal
	Holder     identity.Token
}

type Outcome int

const (
	Accepted Outcome = iota
	Inadequate
	NSF
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Inadequate:
		return "inadequate"
	default:
		return "nsf"
	}
}

// Result reports one offer decision. Previous is set when an accepted offer
// displaced another holder.
type Result struct {
	Outcome     Outcome
	Reason      string
	Item        ItemView
	Previous    identity.Token
	PreviousBid decimal.Decimal
}

// ItemView is a consistent copy of a lot.
type ItemView struct {
	HouseID    uint64          `json:"house_id"`
	ItemID     uint64          `json:"item_id"`
	Name       string          `json:"name"`
	State      State           `json:"state"`
	MinBid     decimal.Decimal `json:"min_bid"`
	CurrentBid decimal.Decimal `json:"current_bid"`
	Holder     identity.Token  `json:"-"`
}

// Sale is handed to OnSold after a lot finalizes.
type Sale struct {
	Item   ItemView
	Holder identity.Token
	Amount decimal.Decimal
	// SettleErr is non-nil when the bank refused or could not be reached;
	// the lot stays SOLD either way.
	SettleErr error
}

type Options struct {
	QuietPeriod   time.Duration
	SettleTimeout time.Duration
	// ReleaseAttempts and Backoff bound the retries that return a hold
	// whose freeze or release did not get a definite answer.
	ReleaseAttempts int
	Backoff         session.BackoffConfig
	// OnSold runs after the lot mutex is released.
	OnSold func(Sale)
}

func DefaultOptions() Options {
	return Options{
		QuietPeriod:     30 * time.Second,
		SettleTimeout:   10 * time.Second,
		ReleaseAttempts: 8,
		Backoff:         session.DefaultConfig().Backoff,
	}
}

type Lot struct {
	item  Item
	funds Funds
	opts  Options

	mu       sync.Mutex
	bid      Bid
	hold     Hold
	gen      uint64
	timer    *time.Timer
	stopped  bool
	releases sync.WaitGroup

	// view is the last committed state, readable while mu is held across
	// a bank call.
	view atomic.Pointer[ItemView]
}

func NewLot(item Item, funds Funds, opts Options) *Lot {
	d := DefaultOptions()
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = d.QuietPeriod
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = d.SettleTimeout
	}
	if opts.ReleaseAttempts <= 0 {
		opts.ReleaseAttempts = d.ReleaseAttempts
	}
	if opts.Backoff.InitialDelay <= 0 {
		opts.Backoff = d.Backoff
	}
	item.MinBid = money.Round(item.MinBid)
	l := &Lot{
		item:  item,
		funds: funds,
		opts:  opts,
		bid: Bid{
			State:      StateOpen,
			MinBid:     item.MinBid,
			CurrentBid: money.Zero,
		},
	}
	l.publishLocked()
	return l
}

func (l *Lot) ItemID() uint64 {
	return l.item.ItemID
}

// Offer decides one bid. The lot mutex is held across the freeze and the
// previous holder's unfreeze so a concurrent finalize observes either the
// whole transition or none of it. A freeze without a definite answer is
// reported as NSF and its hold is released in the background.
func (l *Lot) Offer(ctx context.Context, token identity.Token, amount decimal.Decimal) Result {
	amount = money.Round(amount)

	l.mu.Lock()
	defer l.mu.Unlock()

	if reason := l.inadequate(amount); reason != "" {
		return Result{Outcome: Inadequate, Reason: reason, Item: l.viewLocked()}
	}

	hold := Hold{ID: uuid.NewString(), Token: token, Amount: amount}
	if err := l.funds.Freeze(ctx, hold); err != nil {
		log.Debug().Uint64("item_id", l.item.ItemID).Err(err).Msg("auction.Offer freeze refused")
		if !refused(err) {
			l.releaseAsyncLocked(hold)
		}
		return Result{Outcome: NSF, Reason: err.Error(), Item: l.viewLocked()}
	}

	prev, prevBid := l.bid.Holder, l.bid.CurrentBid
	if l.hold.ID != "" {
		if err := l.funds.Unfreeze(ctx, l.hold); err != nil {
			log.Warn().
				Uint64("house_id", l.item.HouseID).
				Uint64("item_id", l.item.ItemID).
				Str("amount", money.Format(prevBid)).
				Err(err).
				Msg("auction.Offer unfreeze previous holder failed; retrying")
			l.releaseAsyncLocked(l.hold)
		}
	}

	l.bid.State = StateBidding
	l.bid.CurrentBid = amount
	l.bid.Holder = token
	l.hold = hold
	l.restartTimerLocked()
	l.publishLocked()

	return Result{
		Outcome:     Accepted,
		Item:        l.viewLocked(),
		Previous:    prev,
		PreviousBid: prevBid,
	}
}

func (l *Lot) releaseAsyncLocked(h Hold) {
	l.releases.Add(1)
	go func() {
		defer l.releases.Done()
		l.release(h)
	}()
}

// release returns h to its bidder, retrying with backoff until the bank
// gives a definite answer or the attempts run out.
func (l *Lot) release(h Hold) {
	for attempt := 1; attempt <= l.opts.ReleaseAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), l.opts.SettleTimeout)
		err := l.funds.Unfreeze(ctx, h)
		cancel()
		if err == nil {
			return
		}
		if refused(err) {
			log.Warn().Str("hold", h.ID).Err(err).Msg("auction.release refused")
			return
		}
		log.Debug().Str("hold", h.ID).Int("attempt", attempt).Err(err).Msg("auction.release retry")
		if attempt < l.opts.ReleaseAttempts {
			l.opts.Backoff.Wait(nil, attempt, nil)
		}
	}
	log.Error().
		Uint64("house_id", l.item.HouseID).
		Uint64("item_id", l.item.ItemID).
		Str("hold", h.ID).
		Str("amount", money.Format(h.Amount)).
		Msg("auction.release gave up")
}

func (l *Lot) inadequate(amount decimal.Decimal) string {
	switch {
	case l.stopped:
		return "auction closed"
	case l.bid.State == StateSold:
		return "item sold"
	case !amount.IsPositive():
		return "amount must be positive"
	case amount.LessThan(l.bid.MinBid):
		return "below minimum bid " + money.Format(l.bid.MinBid)
	case l.bid.State == StateBidding && amount.LessThanOrEqual(l.bid.CurrentBid):
		return "must exceed current bid " + money.Format(l.bid.CurrentBid)
	default:
		return ""
	}
}

func (l *Lot) restartTimerLocked() {
	l.gen++
	gen := l.gen
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(l.opts.QuietPeriod, func() { l.finalize(gen) })
}

// finalize sells the lot if gen is still the latest accepted bid.
func (l *Lot) finalize(gen uint64) {
	l.mu.Lock()
	if gen != l.gen || l.stopped || l.bid.State != StateBidding {
		l.mu.Unlock()
		return
	}
	l.bid.State = StateSold
	l.publishLocked()
	holder, amount := l.bid.Holder, l.bid.CurrentBid

	ctx, cancel := context.WithTimeout(context.Background(), l.opts.SettleTimeout)
	err := l.funds.Settle(ctx, l.hold)
	cancel()
	sale := Sale{Item: l.viewLocked(), Holder: holder, Amount: amount, SettleErr: err}
	l.mu.Unlock()

	observability.RecordLotSold(strconv.FormatUint(l.item.HouseID, 10), err == nil)
	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.
		Uint64("house_id", l.item.HouseID).
		Uint64("item_id", l.item.ItemID).
		Str("amount", money.Format(amount)).
		Msg("auction.finalize sold")

	if l.opts.OnSold != nil {
		l.opts.OnSold(sale)
	}
}

// Snapshot returns the last committed view of the lot. It does not wait
// for an offer in progress.
func (l *Lot) Snapshot() ItemView {
	return *l.view.Load()
}

// HeldBy reports whether token holds the current bid on an unsold lot.
func (l *Lot) HeldBy(token identity.Token) bool {
	v := l.Snapshot()
	return v.State == StateBidding && v.Holder == token
}

// Bidding reports whether the lot has a standing bid that has not sold.
func (l *Lot) Bidding() bool {
	return l.Snapshot().State == StateBidding
}

// Stop cancels any pending finalize and refuses further offers. A lot
// stopped while BIDDING goes back to OPEN and its holder's funds are
// released. Stop returns once every outstanding release has finished.
func (l *Lot) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		l.releases.Wait()
		return
	}
	l.stopped = true
	l.gen++
	if l.timer != nil {
		l.timer.Stop()
	}
	var abandoned Hold
	if l.bid.State == StateBidding {
		abandoned = l.hold
		l.bid.State = StateOpen
		l.bid.CurrentBid = money.Zero
		l.bid.Holder = ""
		l.hold = Hold{}
		l.publishLocked()
	}
	l.mu.Unlock()

	if abandoned.ID != "" {
		log.Warn().
			Uint64("house_id", l.item.HouseID).
			Uint64("item_id", l.item.ItemID).
			Str("amount", money.Format(abandoned.Amount)).
			Msg("auction.Stop releasing standing bid")
		l.release(abandoned)
	}
	l.releases.Wait()
}

func (l *Lot) publishLocked() {
	v := l.viewLocked()
	l.view.Store(&v)
}

func (l *Lot) viewLocked() ItemView {
	return ItemView{
		HouseID:    l.item.HouseID,
		ItemID:     l.item.ItemID,
		Name:       l.item.Name,
		State:      l.bid.State,
		MinBid:     l.bid.MinBid,
		CurrentBid: l.bid.CurrentBid,
		Holder:     l.bid.Holder,
	}
}
