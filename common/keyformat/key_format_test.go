package keyformat

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

type testAddr [4]byte

func (a *testAddr) MarshalBinary() ([]byte, error) {
	return a[:], nil
}

func (a *testAddr) UnmarshalBinary(data []byte) error {
	copy(a[:], data)
	return nil
}

func TestKeyFormatRoundTrip(t *testing.T) {
	require := require.New(t)

	fmt1 := New(0x42, uint64(0), &testAddr{}, uint32(0))
	require.Equal(1+8+4+4, fmt1.Size(), "Size")

	addr := testAddr{'a', 'b', 'c', 'd'}
	enc := fmt1.Encode(uint64(23), &addr, uint32(7))
	require.Equal(byte(0x42), enc[0], "prefix byte")

	var (
		decEpoch uint64
		decAddr  testAddr
		decType  uint32
	)
	require.True(fmt1.Decode(enc, &decEpoch, &decAddr, &decType), "Decode")
	require.EqualValues(23, decEpoch, "decoded epoch")
	require.Equal(addr, decAddr, "decoded address")
	require.EqualValues(7, decType, "decoded type")

	require.False(fmt1.Decode([]byte{0x23, 0x00}, &decEpoch), "Decode with wrong prefix")
}

func TestKeyFormatPartial(t *testing.T) {
	require := require.New(t)

	fmt1 := New(0x11, uint64(0), uint64(0))

	prefix := fmt1.Encode(uint64(5))
	require.Len(prefix, 1+8, "partial encode length")

	full := fmt1.Encode(uint64(5), uint64(10))
	require.True(bytes.HasPrefix(full, prefix), "full key starts with partial key")

	require.Len(fmt1.Encode(), 1, "empty encode is only the prefix")
}

func TestKeyFormatOrder(t *testing.T) {
	require := require.New(t)

	fmt1 := New(0x01, uint64(0))

	keys := [][]byte{
		fmt1.Encode(uint64(276)),
		fmt1.Encode(uint64(0)),
		fmt1.Encode(uint64(65537)),
		fmt1.Encode(uint64(42)),
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

	var prev uint64
	for i, k := range keys {
		var v uint64
		require.True(fmt1.Decode(k, &v), "Decode")
		if i > 0 {
			require.True(v > prev, "lexicographic order matches numeric order")
		}
		prev = v
	}
}
