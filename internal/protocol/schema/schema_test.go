package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/auctionctl/internal/protocol/tlv"
	"github.com/danmuck/auctionctl/internal/testutil/testlog"
)

func TestValidateMakeBidRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldToken, "tok-1"),
		tlv.U64(FieldItemID, 3),
		tlv.String(FieldAmount, "50.00"),
	}
	if err := Validate(MakeBid, fields); err != nil {
		t.Fatalf("validate make bid: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U64(FieldAccount, 1001),
		{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}},
	}
	if err := Validate(RequestBalance, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.String(FieldToken, "tok-1")}
	err := Validate(MakeBid, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldItemID || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateOptionalFieldTypeChecked(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldAmount, "10.00"),
		tlv.String(FieldSource, "1001"),
	}
	err := Validate(TransferFunds, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.FieldID != FieldSource || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateUnknownKind(t *testing.T) {
	testlog.Start(t)
	err := Validate(Kind(12345), nil)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "unknown message kind" {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
}

func TestKindNamesCoverRequirementTable(t *testing.T) {
	testlog.Start(t)
	for kind := range requirements {
		if !kind.Known() {
			t.Fatalf("kind %d has requirements but no name", uint32(kind))
		}
	}
	for kind := range kindNames {
		if _, ok := requirements[kind]; !ok {
			t.Fatalf("kind %s has no requirement entry", kind)
		}
	}
	if got := BidOutbidded.String(); got != "BID_OUTBIDDED" {
		t.Fatalf("unexpected name: %q", got)
	}
	if got := Kind(4242).String(); got != "KIND(4242)" {
		t.Fatalf("unexpected fallback name: %q", got)
	}
}
