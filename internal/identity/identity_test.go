package identity

import (
	"sync"
	"testing"

	"github.com/danmuck/auctionctl/internal/testutil/testlog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func register(t *testing.T, r *Registry, role Role, name string) uint64 {
	t.Helper()
	n, err := r.Register(Descriptor{Role: role, DisplayName: name, InitialDeposit: decimal.NewFromInt(100)})
	require.NoError(t, err)
	return n
}

func TestRegisterAssignsSequentialNumbers(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	a := register(t, r, RoleAgent, "alice")
	h := register(t, r, RoleAuctionHouse, "house")
	assert.Equal(t, FirstAccount, a)
	assert.Equal(t, FirstAccount+1, h)

	d, err := r.Lookup(a)
	require.NoError(t, err)
	assert.Equal(t, "alice", d.DisplayName)
	assert.Equal(t, a, d.AccountNumber)

	_, err = r.Register(Descriptor{Role: RoleAgent, DisplayName: "bob", AccountNumber: 7})
	assert.ErrorIs(t, err, ErrAlreadyAssigned)
	_, err = r.Register(Descriptor{Role: RoleBank, DisplayName: "bank"})
	assert.ErrorIs(t, err, ErrInvalidRole)
	_, err = r.Register(Descriptor{Role: RoleAgent, DisplayName: "  "})
	assert.ErrorIs(t, err, ErrNameRequired)
	_, err = r.Lookup(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIssueTokenIsIdempotentPerPair(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	a := register(t, r, RoleAgent, "alice")
	b := register(t, r, RoleAgent, "bob")
	h := register(t, r, RoleAuctionHouse, "house")

	t1, err := r.IssueToken(a, h)
	require.NoError(t, err)
	t2, err := r.IssueToken(a, h)
	require.NoError(t, err)
	assert.Equal(t, t1, t2)

	t3, err := r.IssueToken(b, h)
	require.NoError(t, err)
	assert.NotEqual(t, t1, t3)

	agent, house, err := r.Resolve(t1)
	require.NoError(t, err)
	assert.Equal(t, a, agent)
	assert.Equal(t, h, house)

	_, err = r.IssueToken(h, a)
	assert.ErrorIs(t, err, ErrInvalidRole)
	_, err = r.IssueToken(a, 4242)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveRevokesTokens(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	a := register(t, r, RoleAgent, "alice")
	h := register(t, r, RoleAuctionHouse, "house")
	tok, err := r.IssueToken(a, h)
	require.NoError(t, err)

	require.NoError(t, r.Remove(a))
	_, _, err = r.Resolve(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Zero(t, r.TokenCount())
	assert.ErrorIs(t, r.Remove(a), ErrNotFound)
}

func TestListByRoleSorted(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	register(t, r, RoleAuctionHouse, "h1")
	register(t, r, RoleAgent, "a1")
	register(t, r, RoleAuctionHouse, "h2")

	houses := r.ListByRole(RoleAuctionHouse)
	require.Len(t, houses, 2)
	assert.Equal(t, "h1", houses[0].DisplayName)
	assert.Less(t, houses[0].AccountNumber, houses[1].AccountNumber)
}

func TestConcurrentRegistrationUnique(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	const n = 64
	nums := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			num, err := r.Register(Descriptor{Role: RoleAgent, DisplayName: "x"})
			assert.NoError(t, err)
			nums <- num
			_ = r.ListByRole(RoleAgent)
		}()
	}
	wg.Wait()
	close(nums)
	seen := map[uint64]bool{}
	for num := range nums {
		assert.False(t, seen[num], "duplicate account %d", num)
		seen[num] = true
	}
	assert.Len(t, seen, n)
}
