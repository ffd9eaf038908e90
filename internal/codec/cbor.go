// Package codec is the stable encode/decode pair used for everything notifd
// persists or ships to other devices.
//
// Encoding is CBOR with Core Deterministic Encoding (sorted map keys, shortest
// integers, no indefinite lengths), so the same value always produces the same
// bytes. Wire structs use the `toarray` struct option to pin field order, and
// pointer fields to mark optional values (nil encodes as CBOR null).
package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrDecode is returned (wrapped) for any payload that cannot be decoded.
var ErrDecode = errors.New("codec: decode failed")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Bound nesting and sizes; payloads come from other devices.
		MaxNestedLevels:  32,
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %T: %w", v, err)
	}
	return b, nil
}

// Unmarshal decodes data into v. Every failure (including a panic inside a
// custom unmarshaler) is reported as ErrDecode.
func Unmarshal(data []byte, v any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %T: panic: %v", ErrDecode, v, r)
		}
	}()
	if len(data) == 0 {
		return fmt.Errorf("%w: %T: empty payload", ErrDecode, v)
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %T: %v", ErrDecode, v, err)
	}
	return nil
}

// Diagnose renders data in CBOR diagnostic notation (debug output only).
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
