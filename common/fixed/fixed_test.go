package fixed

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aurelia-network/aurelia-core/common/quantity"
)

func mustRatio(t *testing.T, num, den int64) *Fixed {
	f, err := FromRatio(num, den)
	require.NoError(t, err, "FromRatio")
	return f
}

func TestCtors(t *testing.T) {
	require := require.New(t)

	require.True(Zero().IsZero(), "Zero")
	require.Equal("1.000000000000000000", One().String(), "One")
	require.Equal("-3.000000000000000000", FromInt64(-3).String(), "FromInt64")
	require.Equal("0.500000000000000000", mustRatio(t, 1, 2).String(), "FromRatio")

	_, err := FromRatio(1, 0)
	require.Equal(ErrDivisionByZero, err, "FromRatio div by zero")
}

func TestArithmetic(t *testing.T) {
	require := require.New(t)

	f := mustRatio(t, 1, 10)
	f.Add(mustRatio(t, 3, 10))
	require.Equal("0.400000000000000000", f.String(), "Add")

	f.Sub(One())
	require.Equal("-0.600000000000000000", f.String(), "Sub below zero")
	require.Equal(-1, f.Sign(), "Sign")

	f.Neg()
	require.Equal("0.600000000000000000", f.String(), "Neg")

	f.Mul(mustRatio(t, 1, 2))
	require.Equal("0.300000000000000000", f.String(), "Mul")

	require.NoError(f.Quo(mustRatio(t, 3, 1)), "Quo")
	require.Equal("0.100000000000000000", f.String(), "Quo value")

	require.Equal(ErrDivisionByZero, f.Quo(Zero()), "Quo by zero")
}

func TestClamp(t *testing.T) {
	require := require.New(t)

	f := FromInt64(5)
	f.Clamp(Zero(), FromInt64(3))
	require.Equal(0, f.Cmp(FromInt64(3)), "Clamp upper")

	f = FromInt64(-5)
	f.Clamp(Zero(), FromInt64(3))
	require.True(f.IsZero(), "Clamp lower")
}

func TestRoundHalfEven(t *testing.T) {
	require := require.New(t)

	// 0.5 ulp remainders round to the even neighbor.
	var dst big.Int
	divRoundHalfEven(&dst, big.NewInt(5), big.NewInt(2)) // 2.5
	require.EqualValues(2, dst.Int64(), "2.5 rounds to 2")
	divRoundHalfEven(&dst, big.NewInt(7), big.NewInt(2)) // 3.5
	require.EqualValues(4, dst.Int64(), "3.5 rounds to 4")
	divRoundHalfEven(&dst, big.NewInt(-5), big.NewInt(2))
	require.EqualValues(-2, dst.Int64(), "-2.5 rounds to -2")
	divRoundHalfEven(&dst, big.NewInt(11), big.NewInt(4))
	require.EqualValues(3, dst.Int64(), "2.75 rounds to 3")
}

func TestTokenConversions(t *testing.T) {
	require := require.New(t)

	f := mustRatio(t, 7, 2) // 3.5
	tokens, err := f.ToTokens()
	require.NoError(err, "ToTokens")
	require.Equal(uint64(3), tokens.ToBigInt().Uint64(), "ToTokens truncates")

	credited, err := mustRatio(t, 11, 10).MulQuantity(quantity.NewFromUint64(1000))
	require.NoError(err, "MulQuantity")
	require.Equal(uint64(1100), credited.ToBigInt().Uint64(), "MulQuantity value")

	_, err = FromInt64(-1).ToTokens()
	require.Equal(ErrNegative, err, "negative ToTokens")
}

func TestBinaryRoundTrip(t *testing.T) {
	require := require.New(t)

	for _, f := range []*Fixed{Zero(), One(), FromInt64(-42), mustRatio(t, 355, 113)} {
		b, err := f.MarshalBinary()
		require.NoError(err, "MarshalBinary")

		var g Fixed
		require.NoError(g.UnmarshalBinary(b), "UnmarshalBinary")
		require.Zero(f.Cmp(&g), "round trip value: %s", f)
	}
}
