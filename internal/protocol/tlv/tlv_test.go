package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "item-1"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestTypedAccessors(t *testing.T) {
	fields, err := DecodeFields(EncodeFields([]Field{
		U8(1, 3),
		U64(2, 1001),
		String(3, "lot"),
		Bytes(4, []byte{1, 2}),
	}))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if v, err := fields[0].AsU8(); err != nil || v != 3 {
		t.Fatalf("u8 got=%d err=%v", v, err)
	}
	if v, err := fields[1].AsU64(); err != nil || v != 1001 {
		t.Fatalf("u64 got=%d err=%v", v, err)
	}
	if v, err := fields[2].AsString(); err != nil || v != "lot" {
		t.Fatalf("string got=%q err=%v", v, err)
	}
	if v, err := fields[3].AsBytes(); err != nil || !bytes.Equal(v, []byte{1, 2}) {
		t.Fatalf("bytes got=%v err=%v", v, err)
	}
	if _, err := fields[2].AsU64(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestAsU64RejectsShortValue(t *testing.T) {
	f := Field{ID: 5, Type: TypeU64, Value: []byte{1, 2}}
	if _, err := f.AsU64(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
