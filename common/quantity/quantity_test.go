package quantity

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func fromInt(n int) *Quantity {
	q := NewQuantity()
	q.inner.SetInt64(int64(n))
	return q
}

func (q *Quantity) eqInt(n int) bool {
	nq := fromInt(n)
	return q.Cmp(nq) == 0
}

func TestQuantityCtors(t *testing.T) {
	require := require.New(t)

	q := NewQuantity()
	require.NotNil(q, "NewQuantity")
	require.True(q.eqInt(0), "New value")

	q = fromInt(23)
	nq := q.Clone()
	_ = q.FromBigInt(big.NewInt(666))
	require.True(nq.eqInt(23), "Clone value")

	require.True(NewFromUint64(46).eqInt(46), "NewFromUint64 value")
}

func TestFromBigInt(t *testing.T) {
	require := require.New(t)

	var q Quantity
	err := q.FromBigInt(nil)
	require.Equal(ErrInvalidQuantity, err, "FromBigInt(nil)")

	err = q.FromBigInt(big.NewInt(-1))
	require.Equal(ErrInvalidQuantity, err, "FromBigInt(-1)")

	err = q.FromBigInt(big.NewInt(23))
	require.NoError(err, "FromBigInt(23)")
	require.True(q.eqInt(23), "FromBigInt(23) value")
}

func TestFromInt64(t *testing.T) {
	require := require.New(t)

	var q Quantity
	err := q.FromInt64(-1)
	require.Equal(ErrInvalidQuantity, err, "FromInt64(-1)")

	err = q.FromInt64(23)
	require.NoError(err, "FromInt64(23)")
	require.True(q.eqInt(23), "FromInt64(23) value")
}

func TestArithmetic(t *testing.T) {
	require := require.New(t)

	q := fromInt(100)
	require.NoError(q.Add(fromInt(23)), "Add")
	require.True(q.eqInt(123), "Add value")

	err := q.Sub(fromInt(124))
	require.Equal(ErrInsufficientBalance, err, "Sub underflow")
	require.True(q.eqInt(123), "Sub underflow, value unchanged")

	require.NoError(q.Sub(fromInt(23)), "Sub")
	require.True(q.eqInt(100), "Sub value")

	require.NoError(q.Mul(fromInt(3)), "Mul")
	require.True(q.eqInt(300), "Mul value")

	require.NoError(q.Quo(fromInt(7)), "Quo")
	require.True(q.eqInt(42), "Quo truncates toward zero")

	err = q.Quo(fromInt(0))
	require.Equal(ErrInvalidQuantity, err, "Quo by zero")

	amt, err := q.SubUpTo(fromInt(100))
	require.NoError(err, "SubUpTo")
	require.True(amt.eqInt(42), "SubUpTo moved amount")
	require.True(q.IsZero(), "SubUpTo drained")
}

func TestMove(t *testing.T) {
	require := require.New(t)

	dst, src := fromInt(100), fromInt(300)
	require.NoError(Move(dst, src, fromInt(75)), "Move")
	require.True(dst.eqInt(175), "Move dst value")
	require.True(src.eqInt(225), "Move src value")

	err := Move(dst, src, fromInt(10000))
	require.Error(err, "Move insufficient")
	require.True(dst.eqInt(175), "failed Move leaves dst")
	require.True(src.eqInt(225), "failed Move leaves src")

	moved, err := MoveUpTo(dst, src, fromInt(10000))
	require.NoError(err, "MoveUpTo")
	require.True(moved.eqInt(225), "MoveUpTo moved amount")
	require.True(dst.eqInt(400), "MoveUpTo dst value")
	require.True(src.IsZero(), "MoveUpTo src drained")
}

func TestBinaryRoundTrip(t *testing.T) {
	require := require.New(t)

	q := fromInt(1234567890)
	b, err := q.MarshalBinary()
	require.NoError(err, "MarshalBinary")

	var nq Quantity
	require.NoError(nq.UnmarshalBinary(b), "UnmarshalBinary")
	require.Zero(q.Cmp(&nq), "round trip value")
}
