package envelope

import (
	"github.com/danmuck/auctionctl/internal/protocol/schema"
	"github.com/shopspring/decimal"
)

// Payload is implemented only by the types in this file, so a switch over
// an Envelope's payload is exhaustive by construction.
type Payload interface {
	encode(w *writer)
	decode(r *reader)
}

// Descriptor carries an identity descriptor for account opening and
// confirmation.
type Descriptor struct {
	Role        uint8
	DisplayName string
	Deposit     decimal.Decimal
	Address     string
	Account     uint64
}

func (p Descriptor) encode(w *writer) {
	w.u8(schema.FieldRole, p.Role)
	w.str(schema.FieldDisplayName, p.DisplayName)
	w.moneyOpt(schema.FieldDeposit, p.Deposit)
	w.strOpt(schema.FieldAddress, p.Address)
	w.u64Opt(schema.FieldAccount, p.Account)
}

func (p *Descriptor) decode(r *reader) {
	p.Role = r.u8(schema.FieldRole)
	p.DisplayName = r.str(schema.FieldDisplayName)
	p.Deposit = r.money(schema.FieldDeposit)
	p.Address = r.str(schema.FieldAddress)
	p.Account = r.u64(schema.FieldAccount)
}

// AccountRef names one bank account.
type AccountRef struct {
	Account uint64
}

func (p AccountRef) encode(w *writer)  { w.u64(schema.FieldAccount, p.Account) }
func (p *AccountRef) decode(r *reader) { p.Account = r.u64(schema.FieldAccount) }

// Funds adds Amount to Account.
type Funds struct {
	Account uint64
	Amount  decimal.Decimal
}

func (p Funds) encode(w *writer) {
	w.u64(schema.FieldAccount, p.Account)
	w.money(schema.FieldAmount, p.Amount)
}

func (p *Funds) decode(r *reader) {
	p.Account = r.u64(schema.FieldAccount)
	p.Amount = r.money(schema.FieldAmount)
}

// Balance reports an account's sub-balances.
type Balance struct {
	Account  uint64
	Balance  decimal.Decimal
	Frozen   decimal.Decimal
	Unfrozen decimal.Decimal
}

func (p Balance) encode(w *writer) {
	w.u64(schema.FieldAccount, p.Account)
	w.money(schema.FieldBalance, p.Balance)
	w.money(schema.FieldFrozen, p.Frozen)
	w.money(schema.FieldUnfrozen, p.Unfrozen)
}

func (p *Balance) decode(r *reader) {
	p.Account = r.u64(schema.FieldAccount)
	p.Balance = r.money(schema.FieldBalance)
	p.Frozen = r.money(schema.FieldFrozen)
	p.Unfrozen = r.money(schema.FieldUnfrozen)
}

// Transfer is either a house settlement (Token + HouseAccount: move the
// agent's frozen funds to the house) or a direct payment (Source ->
// Destination from unfrozen funds).
type Transfer struct {
	Amount       decimal.Decimal
	Token        string
	HouseAccount uint64
	Source       uint64
	Destination  uint64
	HoldID       string
}

// Settlement reports whether the transfer pays a house from a hold. A
// direct transfer names Source and carries the source agent's token.
func (p Transfer) Settlement() bool {
	return p.HouseAccount != 0 && p.Source == 0
}

func (p Transfer) encode(w *writer) {
	w.money(schema.FieldAmount, p.Amount)
	w.strOpt(schema.FieldToken, p.Token)
	w.u64Opt(schema.FieldHouseAccount, p.HouseAccount)
	w.u64Opt(schema.FieldSource, p.Source)
	w.u64Opt(schema.FieldDestination, p.Destination)
	w.strOpt(schema.FieldHoldID, p.HoldID)
}

func (p *Transfer) decode(r *reader) {
	p.Amount = r.money(schema.FieldAmount)
	p.Token = r.str(schema.FieldToken)
	p.HouseAccount = r.u64(schema.FieldHouseAccount)
	p.Source = r.u64(schema.FieldSource)
	p.Destination = r.u64(schema.FieldDestination)
	p.HoldID = r.str(schema.FieldHoldID)
}

// HouseInfo is one entry of the bank's auction house directory.
type HouseInfo struct {
	Account uint64 `cbor:"account"`
	Name    string `cbor:"name"`
	Address string `cbor:"address"`
}

// HouseList is both the request (empty) and the reply for
// GET_LIST_OF_AUCTION_HOUSES.
type HouseList struct {
	Houses []HouseInfo
}

func (p HouseList) encode(w *writer) {
	if p.Houses != nil {
		w.cbor(schema.FieldHouses, p.Houses)
	}
}

func (p *HouseList) decode(r *reader) {
	r.cbor(schema.FieldHouses, &p.Houses)
}

// KeyRequest asks the bank for the token binding an agent to a house.
type KeyRequest struct {
	AgentAccount uint64
	HouseAccount uint64
}

func (p KeyRequest) encode(w *writer) {
	w.u64(schema.FieldAgentAccount, p.AgentAccount)
	w.u64(schema.FieldHouseAccount, p.HouseAccount)
}

func (p *KeyRequest) decode(r *reader) {
	p.AgentAccount = r.u64(schema.FieldAgentAccount)
	p.HouseAccount = r.u64(schema.FieldHouseAccount)
}

// SecretKey returns the relationship token for one house.
type SecretKey struct {
	Token        string
	HouseAccount uint64
}

func (p SecretKey) encode(w *writer) {
	w.str(schema.FieldToken, p.Token)
	w.u64(schema.FieldHouseAccount, p.HouseAccount)
}

func (p *SecretKey) decode(r *reader) {
	p.Token = r.str(schema.FieldToken)
	p.HouseAccount = r.u64(schema.FieldHouseAccount)
}

// Close asks the bank to close Account, or a house to release Token.
type Close struct {
	Account uint64
	Token   string
}

func (p Close) encode(w *writer) {
	w.u64Opt(schema.FieldAccount, p.Account)
	w.strOpt(schema.FieldToken, p.Token)
}

func (p *Close) decode(r *reader) {
	p.Account = r.u64(schema.FieldAccount)
	p.Token = r.str(schema.FieldToken)
}

// Notice is the detail-only payload shared by status replies.
type Notice struct {
	Detail string
}

func (p Notice) encode(w *writer)  { w.strOpt(schema.FieldDetail, p.Detail) }
func (p *Notice) decode(r *reader) { p.Detail = r.str(schema.FieldDetail) }

// Hold asks the bank to freeze or unfreeze an agent's funds through the
// agent's token for the calling house. HoldID makes the request
// idempotent: a repeated freeze is a no-op and an unfreeze of a hold the
// bank never saw blocks that hold from being frozen later.
type Hold struct {
	Token        string
	HouseAccount uint64
	Amount       decimal.Decimal
	HoldID       string
}

func (p Hold) encode(w *writer) {
	w.str(schema.FieldToken, p.Token)
	w.u64(schema.FieldHouseAccount, p.HouseAccount)
	w.money(schema.FieldAmount, p.Amount)
	w.strOpt(schema.FieldHoldID, p.HoldID)
}

func (p *Hold) decode(r *reader) {
	p.Token = r.str(schema.FieldToken)
	p.HouseAccount = r.u64(schema.FieldHouseAccount)
	p.Amount = r.money(schema.FieldAmount)
	p.HoldID = r.str(schema.FieldHoldID)
}

// Join registers an agent with a house.
type Join struct {
	Token      string
	AgentName  string
	NotifyAddr string
}

func (p Join) encode(w *writer) {
	w.str(schema.FieldToken, p.Token)
	w.str(schema.FieldAgentName, p.AgentName)
	w.strOpt(schema.FieldNotifyAddr, p.NotifyAddr)
}

func (p *Join) decode(r *reader) {
	p.Token = r.str(schema.FieldToken)
	p.AgentName = r.str(schema.FieldAgentName)
	p.NotifyAddr = r.str(schema.FieldNotifyAddr)
}

// Bid is one offer on one item.
type Bid struct {
	Token  string
	ItemID uint64
	Amount decimal.Decimal
}

func (p Bid) encode(w *writer) {
	w.str(schema.FieldToken, p.Token)
	w.u64(schema.FieldItemID, p.ItemID)
	w.money(schema.FieldAmount, p.Amount)
}

func (p *Bid) decode(r *reader) {
	p.Token = r.str(schema.FieldToken)
	p.ItemID = r.u64(schema.FieldItemID)
	p.Amount = r.money(schema.FieldAmount)
}

// Outcome describes a bid decision or a bid push for one item.
type Outcome struct {
	HouseID    uint64
	ItemID     uint64
	Amount     decimal.Decimal
	CurrentBid decimal.Decimal
	Detail     string
}

func (p Outcome) encode(w *writer) {
	w.u64(schema.FieldHouseID, p.HouseID)
	w.u64(schema.FieldItemID, p.ItemID)
	w.moneyOpt(schema.FieldAmount, p.Amount)
	w.moneyOpt(schema.FieldCurrentBid, p.CurrentBid)
	w.strOpt(schema.FieldDetail, p.Detail)
}

func (p *Outcome) decode(r *reader) {
	p.HouseID = r.u64(schema.FieldHouseID)
	p.ItemID = r.u64(schema.FieldItemID)
	p.Amount = r.money(schema.FieldAmount)
	p.CurrentBid = r.money(schema.FieldCurrentBid)
	p.Detail = r.str(schema.FieldDetail)
}

// Item is one listed lot as seen by agents. Amounts travel as canonical
// decimal strings inside the CBOR listing.
type Item struct {
	ItemID     uint64 `cbor:"item_id"`
	Name       string `cbor:"name"`
	State      string `cbor:"state"`
	MinBid     string `cbor:"min_bid"`
	CurrentBid string `cbor:"current_bid"`
}

// Listing is a house's item listing.
type Listing struct {
	HouseID uint64
	Items   []Item
}

func (p Listing) encode(w *writer) {
	w.u64(schema.FieldHouseID, p.HouseID)
	items := p.Items
	if items == nil {
		items = []Item{}
	}
	w.cbor(schema.FieldItems, items)
}

func (p *Listing) decode(r *reader) {
	p.HouseID = r.u64(schema.FieldHouseID)
	r.cbor(schema.FieldItems, &p.Items)
}

var factories = map[schema.Kind]func() Payload{
	schema.OpenAgentAcct:             func() Payload { return &Descriptor{} },
	schema.OpenAuctionHouseAcct:      func() Payload { return &Descriptor{} },
	schema.AgentAcctConfirmed:        func() Payload { return &Descriptor{} },
	schema.AuctionHouseAcctConfirmed: func() Payload { return &Descriptor{} },
	schema.RequestBalance:            func() Payload { return &AccountRef{} },
	schema.AddFunds:                  func() Payload { return &Funds{} },
	schema.Balance:                   func() Payload { return &Balance{} },
	schema.TransferFunds:             func() Payload { return &Transfer{} },
	schema.GetListOfAuctionHouses:    func() Payload { return &HouseList{} },
	schema.GetSecretKey:              func() Payload { return &KeyRequest{} },
	schema.SecretKey:                 func() Payload { return &SecretKey{} },
	schema.CloseRequest:              func() Payload { return &Close{} },
	schema.TestMessage:               func() Payload { return &Notice{} },
	schema.CheckFunds:                func() Payload { return &Hold{} },
	schema.UnfreezeFunds:             func() Payload { return &Hold{} },
	schema.JoinAuctionHouse:          func() Payload { return &Join{} },
	schema.MakeBid:                   func() Payload { return &Bid{} },
	schema.BidOutbidded:              func() Payload { return &Outcome{} },
	schema.BidWon:                    func() Payload { return &Outcome{} },
	schema.BidAccepted:               func() Payload { return &Outcome{} },
	schema.BidRejectedInadequate:     func() Payload { return &Outcome{} },
	schema.BidRejectedNSF:            func() Payload { return &Outcome{} },
	schema.UpdateAuctionItems:        func() Payload { return &Listing{} },
	schema.ListOfAuctionHouseItems:   func() Payload { return &Listing{} },
	schema.CheckSuccess:              func() Payload { return &Notice{} },
	schema.CheckFailure:              func() Payload { return &Notice{} },
	schema.CloseAccepted:             func() Payload { return &Notice{} },
	schema.CloseRejected:             func() Payload { return &Notice{} },
	schema.TransferSuccess:           func() Payload { return &Notice{} },
	schema.AccountDenied:             func() Payload { return &Notice{} },
	schema.RequestFailed:             func() Payload { return &Notice{} },
	schema.CaseNotFound:              func() Payload { return &Notice{} },
}
