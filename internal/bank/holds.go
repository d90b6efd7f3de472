package bank

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/auctionctl/internal/ledger"
	"github.com/shopspring/decimal"
)

var (
	ErrHoldReleased = errors.New("bank: hold already released")
	ErrHoldSettled  = errors.New("bank: hold already settled")
	ErrUnknownHold  = errors.New("bank: unknown hold")
	ErrHoldMismatch = errors.New("bank: hold belongs to another relationship")
)

type holdState int

const (
	holdActive holdState = iota
	holdReleased
	holdSettled
)

type holdRecord struct {
	agent  uint64
	house  uint64
	amount decimal.Decimal
	state  holdState
}

// holdBook makes house-issued holds idempotent by id. A release that
// arrives before its freeze leaves a tombstone, so the late freeze is
// refused instead of stranding funds.
type holdBook struct {
	mu    sync.Mutex
	holds map[string]*holdRecord
}

func newHoldBook() *holdBook {
	return &holdBook{holds: make(map[string]*holdRecord)}
}

func (b *holdBook) lookup(id string, agent, house uint64) (*holdRecord, error) {
	rec, ok := b.holds[id]
	if !ok {
		return nil, nil
	}
	if rec.agent != agent || rec.house != house {
		return nil, fmt.Errorf("%w: %s", ErrHoldMismatch, id)
	}
	return rec, nil
}

func (b *holdBook) freeze(l *ledger.Ledger, id string, agent, house uint64, amount decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.lookup(id, agent, house)
	if err != nil {
		return err
	}
	if rec != nil {
		switch rec.state {
		case holdReleased:
			return fmt.Errorf("%w: %s", ErrHoldReleased, id)
		case holdSettled:
			return fmt.Errorf("%w: %s", ErrHoldSettled, id)
		default:
			return nil
		}
	}
	if err := l.CheckAndFreeze(agent, amount); err != nil {
		return err
	}
	b.holds[id] = &holdRecord{agent: agent, house: house, amount: amount, state: holdActive}
	return nil
}

func (b *holdBook) release(l *ledger.Ledger, id string, agent, house uint64, amount decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.lookup(id, agent, house)
	if err != nil {
		return err
	}
	if rec == nil {
		b.holds[id] = &holdRecord{agent: agent, house: house, amount: amount, state: holdReleased}
		return nil
	}
	switch rec.state {
	case holdReleased:
		return nil
	case holdSettled:
		return fmt.Errorf("%w: %s", ErrHoldSettled, id)
	}
	if err := l.Unfreeze(agent, rec.amount); err != nil {
		return err
	}
	rec.state = holdReleased
	return nil
}

func (b *holdBook) settle(l *ledger.Ledger, id string, agent, house uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.lookup(id, agent, house)
	if err != nil {
		return err
	}
	if rec == nil || rec.state == holdReleased {
		return fmt.Errorf("%w: %s", ErrUnknownHold, id)
	}
	if rec.state == holdSettled {
		return nil
	}
	if err := l.SettleTransfer(agent, house, rec.amount); err != nil {
		return err
	}
	rec.state = holdSettled
	return nil
}

// active counts holds still frozen.
func (b *holdBook) active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, rec := range b.holds {
		if rec.state == holdActive {
			n++
		}
	}
	return n
}

// forget drops finished holds touching account.
func (b *holdBook) forget(account uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, rec := range b.holds {
		if rec.state != holdActive && (rec.agent == account || rec.house == account) {
			delete(b.holds, id)
		}
	}
}
