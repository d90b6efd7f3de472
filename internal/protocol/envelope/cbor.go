package envelope

import (
	"github.com/fxamacker/cbor/v2"
)

// Listings are encoded with Core Deterministic Encoding so the same item
// set always produces the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 65536,
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshalCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshalCBOR(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
