package ucan

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	// Core deterministic encoding sorts map keys and uses the shortest
	// integer forms, so equal values always produce equal bytes and
	// therefore equal links.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ucan: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		DupMapKey:      cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("ucan: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as canonical CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is an already encoded CBOR value.
type RawMessage = cbor.RawMessage
