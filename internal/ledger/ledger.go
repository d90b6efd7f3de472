// Package ledger keeps per-account balances split into frozen and unfrozen
// funds. Every operation is exclusive per account; two-account operations
// lock in ascending account-number order.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/auctionctl/internal/identity"
	"github.com/danmuck/auctionctl/internal/money"
	"github.com/danmuck/auctionctl/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds  = errors.New("ledger: insufficient unfrozen funds")
	ErrInsufficientFrozen = errors.New("ledger: insufficient frozen funds")
	ErrUnknownAccount     = errors.New("ledger: unknown account")
	ErrFundsFrozen        = errors.New("ledger: account has frozen funds")
	ErrAccountExists      = errors.New("ledger: account already open")
	ErrSameAccount        = errors.New("ledger: source and destination are the same account")
	ErrInvalidAmount      = fmt.Errorf("ledger: %w", money.ErrInvalidAmount)
)

// InvariantViolation is the panic value raised when an account's
// sub-balances stop adding up. It is never recovered.
type InvariantViolation struct {
	Op      string
	Account Account
}

func (v InvariantViolation) Error() string {
	a := v.Account
	return fmt.Sprintf("ledger: invariant violated after %s on %d: balance=%s frozen=%s unfrozen=%s",
		v.Op, a.Number, a.Balance, a.Frozen, a.Unfrozen)
}

// Account is a copy of one account's state.
type Account struct {
	Number   uint64          `json:"number"`
	Owner    identity.Role   `json:"owner"`
	Balance  decimal.Decimal `json:"balance"`
	Frozen   decimal.Decimal `json:"frozen"`
	Unfrozen decimal.Decimal `json:"unfrozen"`
}

type entry struct {
	mu     sync.Mutex
	acct   Account
	closed bool
}

type Ledger struct {
	mu       sync.RWMutex
	accounts map[uint64]*entry
}

func New() *Ledger {
	return &Ledger{accounts: make(map[uint64]*entry)}
}

// Open creates number with deposit as its unfrozen balance.
func (l *Ledger) Open(number uint64, owner identity.Role, deposit decimal.Decimal) (Account, error) {
	deposit = money.Round(deposit)
	if deposit.IsNegative() {
		return Account{}, record("open", fmt.Errorf("%w: negative deposit %s", ErrInvalidAmount, deposit))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[number]; ok {
		return Account{}, record("open", fmt.Errorf("%w: %d", ErrAccountExists, number))
	}
	e := &entry{acct: Account{
		Number:   number,
		Owner:    owner,
		Balance:  deposit,
		Frozen:   money.Zero,
		Unfrozen: deposit,
	}}
	check("open", e.acct)
	l.accounts[number] = e
	return e.acct, record("open", nil)
}

// CheckAndFreeze moves amount from unfrozen to frozen, or changes nothing
// and returns ErrInsufficientFunds.
func (l *Ledger) CheckAndFreeze(number uint64, amount decimal.Decimal) error {
	return l.mutate("freeze", number, amount, func(a *Account, amt decimal.Decimal) error {
		if a.Unfrozen.LessThan(amt) {
			return fmt.Errorf("%w: account=%d unfrozen=%s amount=%s", ErrInsufficientFunds, a.Number, a.Unfrozen, amt)
		}
		a.Unfrozen = a.Unfrozen.Sub(amt)
		a.Frozen = a.Frozen.Add(amt)
		return nil
	})
}

// Unfreeze moves amount from frozen back to unfrozen.
func (l *Ledger) Unfreeze(number uint64, amount decimal.Decimal) error {
	return l.mutate("unfreeze", number, amount, func(a *Account, amt decimal.Decimal) error {
		if a.Frozen.LessThan(amt) {
			return fmt.Errorf("%w: account=%d frozen=%s amount=%s", ErrInsufficientFrozen, a.Number, a.Frozen, amt)
		}
		a.Frozen = a.Frozen.Sub(amt)
		a.Unfrozen = a.Unfrozen.Add(amt)
		return nil
	})
}

// Deposit adds amount to the unfrozen balance.
func (l *Ledger) Deposit(number uint64, amount decimal.Decimal) error {
	return l.mutate("deposit", number, amount, func(a *Account, amt decimal.Decimal) error {
		a.Balance = a.Balance.Add(amt)
		a.Unfrozen = a.Unfrozen.Add(amt)
		return nil
	})
}

// SettleTransfer pays amount out of src's frozen funds into dst.
func (l *Ledger) SettleTransfer(src, dst uint64, amount decimal.Decimal) error {
	return l.mutatePair("settle", src, dst, amount, func(s, d *Account, amt decimal.Decimal) error {
		if s.Frozen.LessThan(amt) {
			return fmt.Errorf("%w: account=%d frozen=%s amount=%s", ErrInsufficientFrozen, s.Number, s.Frozen, amt)
		}
		s.Frozen = s.Frozen.Sub(amt)
		s.Balance = s.Balance.Sub(amt)
		d.Balance = d.Balance.Add(amt)
		d.Unfrozen = d.Unfrozen.Add(amt)
		return nil
	})
}

// Transfer pays amount out of src's unfrozen funds into dst.
func (l *Ledger) Transfer(src, dst uint64, amount decimal.Decimal) error {
	return l.mutatePair("transfer", src, dst, amount, func(s, d *Account, amt decimal.Decimal) error {
		if s.Unfrozen.LessThan(amt) {
			return fmt.Errorf("%w: account=%d unfrozen=%s amount=%s", ErrInsufficientFunds, s.Number, s.Unfrozen, amt)
		}
		s.Unfrozen = s.Unfrozen.Sub(amt)
		s.Balance = s.Balance.Sub(amt)
		d.Balance = d.Balance.Add(amt)
		d.Unfrozen = d.Unfrozen.Add(amt)
		return nil
	})
}

// Close removes number. Accounts holding frozen funds stay open.
func (l *Ledger) Close(number uint64) (Account, error) {
	e, err := l.entry(number)
	if err != nil {
		return Account{}, record("close", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Account{}, record("close", fmt.Errorf("%w: %d", ErrUnknownAccount, number))
	}
	if !e.acct.Frozen.IsZero() {
		return Account{}, record("close", fmt.Errorf("%w: account=%d frozen=%s", ErrFundsFrozen, number, e.acct.Frozen))
	}
	e.closed = true
	l.mu.Lock()
	delete(l.accounts, number)
	l.mu.Unlock()
	return e.acct, record("close", nil)
}

func (l *Ledger) Snapshot(number uint64) (Account, error) {
	e, err := l.entry(number)
	if err != nil {
		return Account{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Account{}, fmt.Errorf("%w: %d", ErrUnknownAccount, number)
	}
	return e.acct, nil
}

// Accounts returns every open account ordered by number.
func (l *Ledger) Accounts() []Account {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.accounts))
	for _, e := range l.accounts {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]Account, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.closed {
			out = append(out, e.acct)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func (l *Ledger) entry(number uint64) (*entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.accounts[number]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAccount, number)
	}
	return e, nil
}

func (l *Ledger) mutate(op string, number uint64, amount decimal.Decimal, fn func(*Account, decimal.Decimal) error) error {
	amt, ok := money.Positive(amount)
	if !ok {
		return record(op, fmt.Errorf("%w: %s", ErrInvalidAmount, amount))
	}
	e, err := l.entry(number)
	if err != nil {
		return record(op, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return record(op, fmt.Errorf("%w: %d", ErrUnknownAccount, number))
	}
	next := e.acct
	if err := fn(&next, amt); err != nil {
		log.Debug().Str("op", op).Uint64("account", number).Err(err).Msg("ledger.mutate rejected")
		return record(op, err)
	}
	e.acct = roundAccount(next)
	check(op, e.acct)
	return record(op, nil)
}

func (l *Ledger) mutatePair(op string, src, dst uint64, amount decimal.Decimal, fn func(*Account, *Account, decimal.Decimal) error) error {
	if src == dst {
		return record(op, fmt.Errorf("%w: %d", ErrSameAccount, src))
	}
	amt, ok := money.Positive(amount)
	if !ok {
		return record(op, fmt.Errorf("%w: %s", ErrInvalidAmount, amount))
	}
	se, err := l.entry(src)
	if err != nil {
		return record(op, err)
	}
	de, err := l.entry(dst)
	if err != nil {
		return record(op, err)
	}

	first, second := se, de
	if dst < src {
		first, second = de, se
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if se.closed || de.closed {
		return record(op, fmt.Errorf("%w: %d -> %d", ErrUnknownAccount, src, dst))
	}
	s, d := se.acct, de.acct
	if err := fn(&s, &d, amt); err != nil {
		log.Debug().Str("op", op).Uint64("src", src).Uint64("dst", dst).Err(err).Msg("ledger.mutatePair rejected")
		return record(op, err)
	}
	se.acct = roundAccount(s)
	de.acct = roundAccount(d)
	check(op, se.acct)
	check(op, de.acct)
	return record(op, nil)
}

func roundAccount(a Account) Account {
	a.Balance = money.Round(a.Balance)
	a.Frozen = money.Round(a.Frozen)
	a.Unfrozen = money.Round(a.Unfrozen)
	return a
}

func check(op string, a Account) {
	if a.Frozen.IsNegative() || a.Unfrozen.IsNegative() || !a.Balance.Equal(a.Frozen.Add(a.Unfrozen)) {
		v := InvariantViolation{Op: op, Account: a}
		log.Error().Str("op", op).Uint64("account", a.Number).Msg(v.Error())
		panic(v)
	}
}

func record(op string, err error) error {
	observability.RecordLedgerOp(op, err)
	return err
}
