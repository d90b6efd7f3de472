package agent

import (
	"github.com/danmuck/auctionctl/internal/protocol/envelope"
	"github.com/shopspring/decimal"
)

type EventKind string

const (
	EventAccountConfirmed EventKind = "account_confirmed"
	EventBalanceChanged   EventKind = "balance_changed"
	EventOutbid           EventKind = "outbid"
	EventWon              EventKind = "won"
	EventItemsUpdated     EventKind = "items_updated"
	EventRejected         EventKind = "rejected"
)

// Event is what the display side of an agent consumes.
type Event struct {
	Kind    EventKind
	HouseID uint64
	ItemID  uint64
	Amount  decimal.Decimal
	Detail  string
	Items   []envelope.Item
	Balance envelope.Balance
}
