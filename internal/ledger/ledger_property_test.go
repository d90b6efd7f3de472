package ledger

import (
	"reflect"
	"testing"

	"github.com/danmuck/auctionctl/internal/identity"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

type step struct {
	Op    int
	From  int
	To    int
	Cents int64
}

var accounts = []uint64{1001, 1002, 1003}

func stepGen() gopter.Gen {
	return gen.Struct(reflect.TypeOf(step{}), map[string]gopter.Gen{
		"Op":    gen.IntRange(0, 4),
		"From":  gen.IntRange(0, len(accounts)-1),
		"To":    gen.IntRange(0, len(accounts)-1),
		"Cents": gen.Int64Range(1, 50000),
	})
}

func seeded() *Ledger {
	l := New()
	for _, n := range accounts {
		if _, err := l.Open(n, identity.RoleAgent, decimal.NewFromInt(250)); err != nil {
			panic(err)
		}
	}
	return l
}

func apply(l *Ledger, s step) error {
	amount := decimal.New(s.Cents, -2)
	src, dst := accounts[s.From], accounts[s.To]
	switch s.Op {
	case 0:
		return l.CheckAndFreeze(src, amount)
	case 1:
		return l.Unfreeze(src, amount)
	case 2:
		return l.SettleTransfer(src, dst, amount)
	case 3:
		return l.Transfer(src, dst, amount)
	default:
		return l.Deposit(src, amount)
	}
}

func TestLedgerSplitInvariantHolds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("balance == frozen + unfrozen, both non-negative", prop.ForAll(
		func(steps []step) bool {
			l := seeded()
			for _, s := range steps {
				_ = apply(l, s)
				for _, a := range l.Accounts() {
					if a.Frozen.IsNegative() || a.Unfrozen.IsNegative() {
						return false
					}
					if !a.Balance.Equal(a.Frozen.Add(a.Unfrozen)) {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(stepGen()),
	))

	properties.Property("money is conserved except for deposits", prop.ForAll(
		func(steps []step) bool {
			l := seeded()
			expected := decimal.NewFromInt(750)
			for _, s := range steps {
				if err := apply(l, s); err == nil && s.Op == 4 {
					expected = expected.Add(decimal.New(s.Cents, -2))
				}
			}
			total := decimal.Zero
			for _, a := range l.Accounts() {
				total = total.Add(a.Balance)
			}
			return total.Equal(expected)
		},
		gen.SliceOf(stepGen()),
	))

	properties.TestingRun(t)
}

func TestFreezeUnfreezeRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("freeze then unfreeze restores the split", prop.ForAll(
		func(cents int64) bool {
			l := seeded()
			before, _ := l.Snapshot(1001)
			amount := decimal.New(cents, -2)
			if err := l.CheckAndFreeze(1001, amount); err != nil {
				after, _ := l.Snapshot(1001)
				return after.Frozen.Equal(before.Frozen) && after.Unfrozen.Equal(before.Unfrozen)
			}
			if err := l.Unfreeze(1001, amount); err != nil {
				return false
			}
			after, _ := l.Snapshot(1001)
			return after.Frozen.Equal(before.Frozen) && after.Unfrozen.Equal(before.Unfrozen)
		},
		gen.Int64Range(1, 40000),
	))

	properties.Property("settle conserves the pair total", prop.ForAll(
		func(cents int64) bool {
			l := seeded()
			amount := decimal.New(cents, -2)
			if err := l.CheckAndFreeze(1001, amount); err != nil {
				return true
			}
			if err := l.SettleTransfer(1001, 1002, amount); err != nil {
				return false
			}
			a, _ := l.Snapshot(1001)
			b, _ := l.Snapshot(1002)
			return a.Balance.Add(b.Balance).Equal(decimal.NewFromInt(500)) &&
				b.Balance.Equal(decimal.NewFromInt(250).Add(amount))
		},
		gen.Int64Range(1, 25000),
	))

	properties.TestingRun(t)
}
