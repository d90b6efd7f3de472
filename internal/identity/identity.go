// Package identity is the bank's registry of participants and the tokens
// binding agents to auction houses.
package identity

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role identifies a participant kind. Values match the wire role byte.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleAgent
	RoleAuctionHouse
	RoleBank
)

func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "AGENT"
	case RoleAuctionHouse:
		return "AUCTION_HOUSE"
	case RoleBank:
		return "BANK"
	default:
		return "UNKNOWN"
	}
}

// FirstAccount is the first account number handed out.
const FirstAccount uint64 = 1001

var (
	ErrNotFound        = errors.New("identity: account not found")
	ErrInvalidToken    = errors.New("identity: invalid token")
	ErrInvalidRole     = errors.New("identity: invalid role")
	ErrAlreadyAssigned = errors.New("identity: account number already assigned")
	ErrNameRequired    = errors.New("identity: display name required")
)

// Descriptor describes one participant.
type Descriptor struct {
	Role           Role            `json:"role"`
	DisplayName    string          `json:"display_name"`
	InitialDeposit decimal.Decimal `json:"initial_deposit"`
	NetworkAddress string          `json:"network_address,omitempty"`
	AccountNumber  uint64          `json:"account_number"`
}

// Token is the opaque capability binding one agent to one house.
type Token string

type pair struct {
	agent uint64
	house uint64
}

// Registry maps account numbers to descriptors and relationship tokens to
// (agent, house) pairs.
type Registry struct {
	mu     sync.RWMutex
	next   uint64
	byNum  map[uint64]Descriptor
	tokens map[Token]pair
	byPair map[pair]Token
}

func NewRegistry() *Registry {
	return &Registry{
		next:   FirstAccount,
		byNum:  make(map[uint64]Descriptor),
		tokens: make(map[Token]pair),
		byPair: make(map[pair]Token),
	}
}

// Register assigns the next account number to d and stores it.
func (r *Registry) Register(d Descriptor) (uint64, error) {
	if d.AccountNumber != 0 {
		return 0, ErrAlreadyAssigned
	}
	if d.Role != RoleAgent && d.Role != RoleAuctionHouse {
		return 0, fmt.Errorf("%w: %s", ErrInvalidRole, d.Role)
	}
	d.DisplayName = strings.TrimSpace(d.DisplayName)
	if d.DisplayName == "" {
		return 0, ErrNameRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d.AccountNumber = r.next
	r.next++
	r.byNum[d.AccountNumber] = d
	return d.AccountNumber, nil
}

func (r *Registry) Lookup(number uint64) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byNum[number]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %d", ErrNotFound, number)
	}
	return d, nil
}

// IssueToken returns the token for (agent, house), minting it on first
// request.
func (r *Registry) IssueToken(agent, house uint64) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireRole(agent, RoleAgent); err != nil {
		return "", err
	}
	if err := r.requireRole(house, RoleAuctionHouse); err != nil {
		return "", err
	}
	key := pair{agent: agent, house: house}
	if tok, ok := r.byPair[key]; ok {
		return tok, nil
	}
	tok := Token(uuid.NewString())
	r.byPair[key] = tok
	r.tokens[tok] = key
	return tok, nil
}

// Resolve returns the agent and house bound by tok.
func (r *Registry) Resolve(tok Token) (agent, house uint64, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.tokens[tok]
	if !ok {
		return 0, 0, ErrInvalidToken
	}
	return p.agent, p.house, nil
}

// Remove deletes the descriptor for number and revokes every token that
// names it.
func (r *Registry) Remove(number uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byNum[number]; !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, number)
	}
	delete(r.byNum, number)
	for tok, p := range r.tokens {
		if p.agent == number || p.house == number {
			delete(r.tokens, tok)
			delete(r.byPair, p)
		}
	}
	return nil
}

// ListByRole returns descriptors with role, ordered by account number.
func (r *Registry) ListByRole(role Role) []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.byNum))
	for _, d := range r.byNum {
		if d.Role == role {
			out = append(out, d)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountNumber < out[j].AccountNumber })
	return out
}

// TokenCount reports live relationship tokens.
func (r *Registry) TokenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}

func (r *Registry) requireRole(number uint64, role Role) error {
	d, ok := r.byNum[number]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, number)
	}
	if d.Role != role {
		return fmt.Errorf("%w: account %d is %s, want %s", ErrInvalidRole, number, d.Role, role)
	}
	return nil
}
