// Package codec implements the ZRM wire serialization: a structural CBOR
// encoding in which every message travels inside an envelope carrying the
// stable schema name of its payload.
//
// The schema name of a Go message type is "<package>.<TypeName>", e.g.
// "msgs.Pose". On decode the envelope's schema name is checked against the
// expected type; a mismatch is reported as an error before any payload field
// is touched, so a mis-typed sender can never populate a receiver's message.
//
// Encoding uses canonical CBOR options so a given message always serializes
// to the same bytes regardless of the producing process.
package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// envelope is the wire frame for every ZRM message.
type envelope struct {
	T string          `cbor:"t"` // schema name
	D cbor.RawMessage `cbor:"d"` // encoded message body
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building CBOR encode mode: %v", err))
	}
	// String-keyed maps keep generic decodes (ToAny) JSON-renderable.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building CBOR decode mode: %v", err))
	}
}

// TypeName returns the stable schema name for a message value. Pointers are
// unwrapped, so TypeName(&msgs.Pose{}) and TypeName(msgs.Pose{}) agree.
func TypeName(v interface{}) string {
	return typeNameOf(reflect.TypeOf(v))
}

// TypeNameFor returns the stable schema name for the message type M.
func TypeNameFor[M any]() string {
	return typeNameOf(reflect.TypeOf((*M)(nil)).Elem())
}

func typeNameOf(t reflect.Type) string {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	// reflect renders named types as "<pkgname>.<TypeName>", which is
	// exactly the stable schema name; unnamed types fall back to their
	// structural rendering.
	return t.String()
}

// Marshal serializes a message into its enveloped wire form.
func Marshal(v interface{}) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", TypeName(v), err)
	}
	frame, err := encMode.Marshal(envelope{T: TypeName(v), D: body})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope for %s: %w", TypeName(v), err)
	}
	return frame, nil
}

// Unmarshal deserializes an enveloped wire frame into v. It fails when the
// frame is not a valid envelope or when the envelope's schema name does not
// match v's schema name.
func Unmarshal(data []byte, v interface{}) error {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}
	want := TypeName(v)
	if env.T != want {
		return fmt.Errorf("schema mismatch: expected %s, got %s", want, env.T)
	}
	if err := decMode.Unmarshal(env.D, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", want, err)
	}
	return nil
}

// Decode is the generic convenience form of Unmarshal.
func Decode[M any](data []byte) (*M, error) {
	msg := new(M)
	if err := Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// PeekTypeName returns the schema name carried by a wire frame without
// decoding the payload. Useful for introspection tooling.
func PeekTypeName(data []byte) (string, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env.T, nil
}

// DecodeRaw returns the raw encoded body of a wire frame together with its
// schema name. The body can be re-decoded into an arbitrary structure, e.g.
// a map for generic display.
func DecodeRaw(data []byte) (string, []byte, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env.T, env.D, nil
}

// ToAny decodes a raw encoded body into a generic interface{} value
// (maps, slices and scalars), for display by tooling.
func ToAny(body []byte) (interface{}, error) {
	var out interface{}
	if err := decMode.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode body: %w", err)
	}
	return out, nil
}
