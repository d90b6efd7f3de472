package envelope

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/danmuck/auctionctl/internal/money"
	"github.com/danmuck/auctionctl/internal/protocol/frame"
	"github.com/danmuck/auctionctl/internal/protocol/schema"
	"github.com/danmuck/auctionctl/internal/protocol/tlv"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownKind     = errors.New("envelope: unknown message kind")
	ErrPayloadMismatch = errors.New("envelope: payload does not match kind")
	ErrEmpty           = errors.New("envelope: empty envelope")
)

// Envelope is one exchange on the wire: a kind and the payload that kind
// carries. Fields are unexported so every Envelope went through New.
type Envelope struct {
	kind    schema.Kind
	payload Payload
}

// New binds payload to kind, rejecting a payload type the kind does not
// carry. A nil payload is replaced by the kind's zero payload.
func New(kind schema.Kind, payload Payload) (Envelope, error) {
	factory, ok := factories[kind]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if payload == nil || reflect.ValueOf(payload).IsNil() {
		payload = factory()
	}
	if reflect.TypeOf(payload) != reflect.TypeOf(factory()) {
		return Envelope{}, fmt.Errorf("%w: kind=%s payload=%T", ErrPayloadMismatch, kind, payload)
	}
	return Envelope{kind: kind, payload: payload}, nil
}

// MustNew is New for kind/payload pairs fixed at compile time.
func MustNew(kind schema.Kind, payload Payload) Envelope {
	env, err := New(kind, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// NewNotice builds a detail-only status envelope.
func NewNotice(kind schema.Kind, detail string) Envelope {
	return MustNew(kind, &Notice{Detail: detail})
}

func (e Envelope) Kind() schema.Kind { return e.kind }

// IsZero reports whether e was never constructed (handlers return the
// zero Envelope for "no reply").
func (e Envelope) IsZero() bool { return e.payload == nil }

func (e Envelope) Payload() Payload { return e.payload }

// Detail returns the detail text of a Notice or Outcome payload.
func (e Envelope) Detail() string {
	switch p := e.payload.(type) {
	case *Notice:
		return p.Detail
	case *Outcome:
		return p.Detail
	default:
		return ""
	}
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s%+v", e.kind, e.payload)
}

// As returns a copy of the payload as T.
func As[T any](e Envelope) (T, error) {
	var zero T
	p, ok := any(e.payload).(*T)
	if !ok || p == nil {
		return zero, fmt.Errorf("%w: kind=%s want=%T got=%T", ErrPayloadMismatch, e.kind, zero, e.payload)
	}
	return *p, nil
}

// Encode renders e as a frame carrying messageID.
func Encode(messageID uint64, flags uint32, e Envelope) (frame.Frame, error) {
	if e.IsZero() {
		return frame.Frame{}, ErrEmpty
	}
	w := &writer{}
	e.payload.encode(w)
	if w.err != nil {
		return frame.Frame{}, w.err
	}
	if err := schema.Validate(e.kind, w.fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: uint32(e.kind),
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(w.fields),
	}, nil
}

// Decode parses a frame into an Envelope. Unknown kinds yield
// ErrUnknownKind so the caller can answer CASE_NOT_FOUND.
func Decode(f frame.Frame) (Envelope, error) {
	kind := schema.Kind(f.Header.MessageType)
	factory, ok := factories[kind]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Envelope{}, err
	}
	if err := schema.Validate(kind, fields); err != nil {
		return Envelope{}, err
	}
	payload := factory()
	r := &reader{fields: fields}
	payload.decode(r)
	if r.err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode %s: %w", kind, r.err)
	}
	return Envelope{kind: kind, payload: payload}, nil
}

type writer struct {
	fields []tlv.Field
	err    error
}

func (w *writer) u8(id uint16, v uint8) { w.fields = append(w.fields, tlv.U8(id, v)) }
func (w *writer) u64(id uint16, v uint64) { w.fields = append(w.fields, tlv.U64(id, v)) }
func (w *writer) str(id uint16, v string) { w.fields = append(w.fields, tlv.String(id, v)) }
func (w *writer) bytes(id uint16, v []byte) { w.fields = append(w.fields, tlv.Bytes(id, v)) }
func (w *writer) money(id uint16, v decimal.Decimal) {
	w.str(id, money.Format(v))
}

func (w *writer) u64Opt(id uint16, v uint64) {
	if v != 0 {
		w.u64(id, v)
	}
}

func (w *writer) strOpt(id uint16, v string) {
	if v != "" {
		w.str(id, v)
	}
}

func (w *writer) moneyOpt(id uint16, v decimal.Decimal) {
	if !v.IsZero() {
		w.money(id, v)
	}
}

func (w *writer) cbor(id uint16, v any) {
	b, err := marshalCBOR(v)
	if err != nil {
		if w.err == nil {
			w.err = fmt.Errorf("envelope: encode field %d: %w", id, err)
		}
		return
	}
	w.bytes(id, b)
}

// reader returns zero values for absent fields; schema.Validate has
// already enforced presence of required ones. The first error sticks.
type reader struct {
	fields []tlv.Field
	err    error
}

func (r *reader) field(id uint16) (tlv.Field, bool) {
	if r.err != nil {
		return tlv.Field{}, false
	}
	return tlv.GetField(r.fields, id)
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) u8(id uint16) uint8 {
	f, ok := r.field(id)
	if !ok {
		return 0
	}
	v, err := f.AsU8()
	r.fail(err)
	return v
}

func (r *reader) u64(id uint16) uint64 {
	f, ok := r.field(id)
	if !ok {
		return 0
	}
	v, err := f.AsU64()
	if err != nil {
		r.fail(err)
	}
	return v
}

func (r *reader) str(id uint16) string {
	f, ok := r.field(id)
	if !ok {
		return ""
	}
	v, err := f.AsString()
	if err != nil {
		r.fail(err)
	}
	return v
}

func (r *reader) money(id uint16) decimal.Decimal {
	raw := r.str(id)
	if raw == "" {
		return decimal.Zero
	}
	v, err := money.Parse(raw)
	if err != nil {
		r.fail(fmt.Errorf("field %d: %w", id, err))
		return decimal.Zero
	}
	return v
}

func (r *reader) cbor(id uint16, out any) {
	f, ok := r.field(id)
	if !ok {
		return
	}
	b, err := f.AsBytes()
	if err != nil {
		r.fail(err)
		return
	}
	if err := unmarshalCBOR(b, out); err != nil {
		r.fail(fmt.Errorf("field %d: %w", id, err))
	}
}
