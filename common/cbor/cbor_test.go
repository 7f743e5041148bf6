package cbor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInvalidInput(t *testing.T) {
	require := require.New(t)

	var f []byte
	err := Unmarshal([]byte("\x9b\x00\x00000000"), f)
	require.Error(err, "Invalid CBOR input should fail")
}

func TestNilInput(t *testing.T) {
	require := require.New(t)

	var x uint64 = 23
	require.NoError(Unmarshal(nil, &x), "Unmarshal(nil)")
	require.EqualValues(23, x, "Unmarshal(nil) should not touch the value")
}

func TestCanonicalMapOrder(t *testing.T) {
	require := require.New(t)

	type pair struct {
		B uint64 `json:"b"`
		A uint64 `json:"a"`
	}
	type swappedPair struct {
		A uint64 `json:"a"`
		B uint64 `json:"b"`
	}

	b1 := Marshal(pair{A: 1, B: 2})
	b2 := Marshal(swappedPair{A: 1, B: 2})
	require.True(bytes.Equal(b1, b2), "canonical encoding is field-order independent")
}

func TestEncoderDecoder(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	err := enc.Encode(42)
	require.NoError(err, "Encode")

	var x int
	dec := NewDecoder(&buf)
	err = dec.Decode(&x)
	require.NoError(err, "Decode")
	require.EqualValues(42, x, "decoded value should be correct")
}
