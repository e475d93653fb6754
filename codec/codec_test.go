package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pose struct {
	X float64 `cbor:"x"`
	Y float64 `cbor:"y"`
}

type point struct {
	X float64 `cbor:"x"`
	Y float64 `cbor:"y"`
	Z float64 `cbor:"z"`
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "codec.pose", TypeName(pose{}))
	assert.Equal(t, "codec.pose", TypeName(&pose{}))
	assert.Equal(t, "codec.pose", TypeNameFor[pose]())
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	in := &pose{X: 1.5, Y: -2.25}

	data, err := Marshal(in)
	require.NoError(t, err)

	out := &pose{}
	require.NoError(t, Unmarshal(data, out))
	assert.Equal(t, in, out)
}

func TestUnmarshalSchemaMismatch(t *testing.T) {
	data, err := Marshal(&point{X: 1, Y: 2, Z: 3})
	require.NoError(t, err)

	out := &pose{}
	err = Unmarshal(data, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema mismatch")
	// The receiver must stay untouched on mismatch.
	assert.Equal(t, &pose{}, out)
}

func TestUnmarshalGarbage(t *testing.T) {
	out := &pose{}
	assert.Error(t, Unmarshal([]byte("not cbor at all"), out))
}

func TestDecode(t *testing.T) {
	data, err := Marshal(&pose{X: 3})
	require.NoError(t, err)

	out, err := Decode[pose](data)
	require.NoError(t, err)
	assert.Equal(t, 3.0, out.X)
}

func TestPeekTypeName(t *testing.T) {
	data, err := Marshal(&point{X: 1})
	require.NoError(t, err)

	name, err := PeekTypeName(data)
	require.NoError(t, err)
	assert.Equal(t, "codec.point", name)
}

func TestDecodeRawToAny(t *testing.T) {
	data, err := Marshal(&pose{X: 1, Y: 2})
	require.NoError(t, err)

	name, body, err := DecodeRaw(data)
	require.NoError(t, err)
	assert.Equal(t, "codec.pose", name)

	value, err := ToAny(body)
	require.NoError(t, err)
	assert.NotNil(t, value)
}

func TestMarshalDeterministic(t *testing.T) {
	first, err := Marshal(&pose{X: 1, Y: 2})
	require.NoError(t, err)
	second, err := Marshal(&pose{X: 1, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
