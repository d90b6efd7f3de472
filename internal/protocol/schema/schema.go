package schema

import (
	"fmt"

	"github.com/danmuck/auctionctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Kind is the closed set of message kinds carried in the frame
// message_type slot.
type Kind uint32

// KindNone marks "no reply" for handlers that consume pushes.
const KindNone Kind = 0

// Agent -> Bank.
const (
	OpenAgentAcct          Kind = 1
	RequestBalance         Kind = 2
	AddFunds               Kind = 3
	TransferFunds          Kind = 4
	GetListOfAuctionHouses Kind = 5
	GetSecretKey           Kind = 6
	CloseRequest           Kind = 7
	TestMessage            Kind = 8
)

// Agent -> House.
const (
	JoinAuctionHouse Kind = 20
	MakeBid          Kind = 21
)

// House -> Bank.
const (
	OpenAuctionHouseAcct Kind = 30
	CheckFunds           Kind = 31
	UnfreezeFunds        Kind = 32
)

// House -> Agent pushes.
const (
	BidOutbidded       Kind = 40
	BidWon             Kind = 41
	UpdateAuctionItems Kind = 42
)

// Bank replies.
const (
	AgentAcctConfirmed        Kind = 50
	AuctionHouseAcctConfirmed Kind = 51
	Balance                   Kind = 52
	SecretKey                 Kind = 53
	CheckSuccess              Kind = 54
	CheckFailure              Kind = 55
	CloseAccepted             Kind = 56
	CloseRejected             Kind = 57
	TransferSuccess           Kind = 58
	AccountDenied             Kind = 59
	RequestFailed             Kind = 60
)

// House replies.
const (
	BidAccepted             Kind = 70
	BidRejectedInadequate   Kind = 71
	BidRejectedNSF          Kind = 72
	ListOfAuctionHouseItems Kind = 73
)

// CaseNotFound answers any kind the recipient does not handle.
const CaseNotFound Kind = 99

var kindNames = map[Kind]string{
	OpenAgentAcct:             "OPEN_AGENT_ACCT",
	RequestBalance:            "REQUEST_BALANCE",
	AddFunds:                  "ADD_FUNDS",
	TransferFunds:             "TRANSFER_FUNDS",
	GetListOfAuctionHouses:    "GET_LIST_OF_AUCTION_HOUSES",
	GetSecretKey:              "GET_SECRET_KEY",
	CloseRequest:              "CLOSE_REQUEST",
	TestMessage:               "TEST_MESSAGE",
	JoinAuctionHouse:          "JOIN_AUCTION_HOUSE",
	MakeBid:                   "MAKE_BID",
	OpenAuctionHouseAcct:      "OPEN_AUCTIONHOUSE_ACCT",
	CheckFunds:                "CHECK_FUNDS",
	UnfreezeFunds:             "UNFREEZE_FUNDS",
	BidOutbidded:              "BID_OUTBIDDED",
	BidWon:                    "BID_WON",
	UpdateAuctionItems:        "UPDATE_AUCTION_ITEMS",
	AgentAcctConfirmed:        "AGENT_ACCT_CONFIRMED",
	AuctionHouseAcctConfirmed: "AUCTIONHOUSE_ACCT_CONFIRMED",
	Balance:                   "BALANCE",
	SecretKey:                 "SECRET_KEY",
	CheckSuccess:              "CHECK_SUCCESS",
	CheckFailure:              "CHECK_FAILURE",
	CloseAccepted:             "CLOSE_ACCEPTED",
	CloseRejected:             "CLOSE_REJECTED",
	TransferSuccess:           "TRANSFER_SUCCESS",
	AccountDenied:             "ACCOUNT_DENIED",
	RequestFailed:             "REQUEST_FAILED",
	BidAccepted:               "BID_ACCEPTED",
	BidRejectedInadequate:     "BID_REJECTED_INADEQUATE",
	BidRejectedNSF:            "BID_REJECTED_NSF",
	ListOfAuctionHouseItems:   "LIST_OF_AUCTION_HOUSE_ITEMS",
	CaseNotFound:              "CASE_NOT_FOUND",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("KIND(%d)", uint32(k))
}

// Known reports whether k belongs to the closed enumeration.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

// Field IDs from tlv contract.
const (
	FieldRole        uint16 = 1
	FieldDisplayName uint16 = 2
	FieldDeposit     uint16 = 3
	FieldAddress     uint16 = 4
	FieldAccount     uint16 = 5

	FieldAgentAccount uint16 = 100
	FieldHouseAccount uint16 = 101
	FieldSource       uint16 = 102
	FieldDestination  uint16 = 103
	FieldToken        uint16 = 104
	FieldHoldID       uint16 = 105

	FieldAmount   uint16 = 200
	FieldBalance  uint16 = 201
	FieldFrozen   uint16 = 202
	FieldUnfrozen uint16 = 203

	FieldHouseID    uint16 = 300
	FieldItemID     uint16 = 301
	FieldCurrentBid uint16 = 302
	FieldItems      uint16 = 303
	FieldHouses     uint16 = 304
	FieldNotifyAddr uint16 = 305
	FieldAgentName  uint16 = 306

	FieldDetail uint16 = 400
)

type Requirement struct {
	ID       uint16
	Type     uint8
	Optional bool
}

type ValidationError struct {
	Kind    Kind
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: kind=%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("schema: kind=%s field=%d: %s", e.Kind, e.FieldID, e.Reason)
}

var (
	descriptorFields = []Requirement{
		{FieldRole, tlv.TypeU8, false},
		{FieldDisplayName, tlv.TypeString, false},
		{FieldDeposit, tlv.TypeString, true},
		{FieldAddress, tlv.TypeString, true},
		{FieldAccount, tlv.TypeU64, true},
	}
	noticeFields = []Requirement{
		{FieldDetail, tlv.TypeString, true},
	}
	holdFields = []Requirement{
		{FieldToken, tlv.TypeString, false},
		{FieldHouseAccount, tlv.TypeU64, false},
		{FieldAmount, tlv.TypeString, false},
		{FieldHoldID, tlv.TypeString, true},
	}
	outcomeFields = []Requirement{
		{FieldHouseID, tlv.TypeU64, false},
		{FieldItemID, tlv.TypeU64, false},
		{FieldAmount, tlv.TypeString, true},
		{FieldCurrentBid, tlv.TypeString, true},
		{FieldDetail, tlv.TypeString, true},
	}
	listingFields = []Requirement{
		{FieldHouseID, tlv.TypeU64, false},
		{FieldItems, tlv.TypeBytes, false},
	}
)

var requirements = map[Kind][]Requirement{
	OpenAgentAcct:             descriptorFields,
	OpenAuctionHouseAcct:      descriptorFields,
	AgentAcctConfirmed:        descriptorFields,
	AuctionHouseAcctConfirmed: descriptorFields,
	RequestBalance: {
		{FieldAccount, tlv.TypeU64, false},
	},
	AddFunds: {
		{FieldAccount, tlv.TypeU64, false},
		{FieldAmount, tlv.TypeString, false},
	},
	Balance: {
		{FieldAccount, tlv.TypeU64, false},
		{FieldBalance, tlv.TypeString, false},
		{FieldFrozen, tlv.TypeString, false},
		{FieldUnfrozen, tlv.TypeString, false},
	},
	TransferFunds: {
		{FieldAmount, tlv.TypeString, false},
		{FieldToken, tlv.TypeString, true},
		{FieldHouseAccount, tlv.TypeU64, true},
		{FieldSource, tlv.TypeU64, true},
		{FieldDestination, tlv.TypeU64, true},
		{FieldHoldID, tlv.TypeString, true},
	},
	GetListOfAuctionHouses: {
		{FieldHouses, tlv.TypeBytes, true},
	},
	GetSecretKey: {
		{FieldAgentAccount, tlv.TypeU64, false},
		{FieldHouseAccount, tlv.TypeU64, false},
	},
	SecretKey: {
		{FieldToken, tlv.TypeString, false},
		{FieldHouseAccount, tlv.TypeU64, false},
	},
	CloseRequest: {
		{FieldAccount, tlv.TypeU64, true},
		{FieldToken, tlv.TypeString, true},
	},
	TestMessage:   noticeFields,
	CheckFunds:    holdFields,
	UnfreezeFunds: holdFields,
	JoinAuctionHouse: {
		{FieldToken, tlv.TypeString, false},
		{FieldAgentName, tlv.TypeString, false},
		{FieldNotifyAddr, tlv.TypeString, true},
	},
	MakeBid: {
		{FieldToken, tlv.TypeString, false},
		{FieldItemID, tlv.TypeU64, false},
		{FieldAmount, tlv.TypeString, false},
	},
	BidOutbidded:            outcomeFields,
	BidWon:                  outcomeFields,
	BidAccepted:             outcomeFields,
	BidRejectedInadequate:   outcomeFields,
	BidRejectedNSF:          outcomeFields,
	UpdateAuctionItems:      listingFields,
	ListOfAuctionHouseItems: listingFields,
	CheckSuccess:            noticeFields,
	CheckFailure:            noticeFields,
	CloseAccepted:           noticeFields,
	CloseRejected:           noticeFields,
	TransferSuccess:         noticeFields,
	AccountDenied:           noticeFields,
	RequestFailed:           noticeFields,
	CaseNotFound:            noticeFields,
}

// Validate enforces required fields and field types for a message kind.
// Optional fields are type-checked when present; unknown field ids pass.
func Validate(kind Kind, fields []tlv.Field) error {
	reqs, ok := requirements[kind]
	if !ok {
		log.Debug().Stringer("kind", kind).Msg("schema.Validate unknown kind")
		return ValidationError{Kind: kind, Reason: "unknown message kind"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			if req.Optional {
				continue
			}
			log.Debug().Stringer("kind", kind).Uint16("field_id", req.ID).Msg("schema.Validate missing field")
			return ValidationError{Kind: kind, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Stringer("kind", kind).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{Kind: kind, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
