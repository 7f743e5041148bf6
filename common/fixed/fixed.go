// Package fixed implements deterministic signed fixed-point arithmetic
// over a common scale.
//
// Values are integers scaled by 10^18. All products and quotients are
// rounded half-to-even at the scale, and conversions to whole tokens
// truncate toward zero. Every node must use the exact same rounding
// behavior, as these values feed consensus-critical state.
package fixed

import (
	"encoding"
	"errors"
	"math/big"

	"github.com/aurelia-network/aurelia-core/common/quantity"
)

// ScaleExponent is the base-10 exponent of the fixed-point scale.
const ScaleExponent = 18

var (
	// ErrInvalidArgument is the error returned on malformed arguments.
	ErrInvalidArgument = errors.New("fixed: invalid argument")

	// ErrDivisionByZero is the error returned on division by zero.
	ErrDivisionByZero = errors.New("fixed: division by zero")

	// ErrNegative is the error returned when converting a negative
	// value to a token quantity.
	ErrNegative = errors.New("fixed: negative value")

	// Scale is the fixed-point scale, 10^ScaleExponent.
	Scale *big.Int

	_ encoding.BinaryMarshaler   = (*Fixed)(nil)
	_ encoding.BinaryUnmarshaler = (*Fixed)(nil)
)

// Fixed is a signed fixed-point number with 18 decimal places.
type Fixed struct {
	inner big.Int
}

// Zero creates a new Fixed initialized to zero.
func Zero() *Fixed {
	return &Fixed{}
}

// One creates a new Fixed initialized to one.
func One() *Fixed {
	var f Fixed
	f.inner.Set(Scale)
	return &f
}

// FromInt64 creates a new Fixed from a whole number.
func FromInt64(n int64) *Fixed {
	var f Fixed
	f.inner.Mul(big.NewInt(n), Scale)
	return &f
}

// FromRatio creates a new Fixed from the ratio num/den, rounded
// half-to-even at the scale.
func FromRatio(num, den int64) (*Fixed, error) {
	if den == 0 {
		return nil, ErrDivisionByZero
	}

	var f Fixed
	n := new(big.Int).Mul(big.NewInt(num), Scale)
	divRoundHalfEven(&f.inner, n, big.NewInt(den))
	return &f, nil
}

// FromQuantityRatio creates a new Fixed from the ratio num/den of two
// token quantities, rounded half-to-even at the scale.
func FromQuantityRatio(num, den *quantity.Quantity) (*Fixed, error) {
	if num == nil || den == nil {
		return nil, ErrInvalidArgument
	}
	d := den.ToBigInt()
	if d.Sign() == 0 {
		return nil, ErrDivisionByZero
	}

	var f Fixed
	n := new(big.Int).Mul(num.ToBigInt(), Scale)
	divRoundHalfEven(&f.inner, n, d)
	return &f, nil
}

// Clone copies a Fixed.
func (f *Fixed) Clone() *Fixed {
	var tmp Fixed
	tmp.inner.Set(&f.inner)
	return &tmp
}

// Cmp returns -1 if f < g, 0 if f == g, and 1 if f > g.
func (f *Fixed) Cmp(g *Fixed) int {
	return f.inner.Cmp(&g.inner)
}

// IsZero returns true iff f is zero.
func (f *Fixed) IsZero() bool {
	return f.inner.Sign() == 0
}

// Sign returns -1 if f < 0, 0 if f == 0, and 1 if f > 0.
func (f *Fixed) Sign() int {
	return f.inner.Sign()
}

// Add adds g to f in place and returns f.
func (f *Fixed) Add(g *Fixed) *Fixed {
	f.inner.Add(&f.inner, &g.inner)
	return f
}

// Sub subtracts g from f in place and returns f.
func (f *Fixed) Sub(g *Fixed) *Fixed {
	f.inner.Sub(&f.inner, &g.inner)
	return f
}

// Neg negates f in place and returns f.
func (f *Fixed) Neg() *Fixed {
	f.inner.Neg(&f.inner)
	return f
}

// Mul multiplies f by g in place, rounding half-to-even at the scale,
// and returns f.
func (f *Fixed) Mul(g *Fixed) *Fixed {
	var prod big.Int
	prod.Mul(&f.inner, &g.inner)
	divRoundHalfEven(&f.inner, &prod, Scale)
	return f
}

// Quo divides f by g in place, rounding half-to-even at the scale.
func (f *Fixed) Quo(g *Fixed) error {
	if g.inner.Sign() == 0 {
		return ErrDivisionByZero
	}

	var num big.Int
	num.Mul(&f.inner, Scale)
	divRoundHalfEven(&f.inner, &num, &g.inner)
	return nil
}

// Clamp clamps f into [min, max] in place and returns f.
func (f *Fixed) Clamp(min, max *Fixed) *Fixed {
	if f.Cmp(min) < 0 {
		f.inner.Set(&min.inner)
	}
	if f.Cmp(max) > 0 {
		f.inner.Set(&max.inner)
	}
	return f
}

// MulQuantity returns floor(f * q) as a token quantity. The receiver
// is not modified. Returns an error if the result would be negative.
func (f *Fixed) MulQuantity(q *quantity.Quantity) (*quantity.Quantity, error) {
	if f.inner.Sign() < 0 {
		return nil, ErrNegative
	}

	var tmp big.Int
	tmp.Mul(&f.inner, q.ToBigInt())
	tmp.Quo(&tmp, Scale)

	result := quantity.NewQuantity()
	if err := result.FromBigInt(&tmp); err != nil {
		return nil, err
	}
	return result, nil
}

// ToTokens converts f to a whole token quantity, truncating toward
// zero. Returns an error if f is negative.
func (f *Fixed) ToTokens() (*quantity.Quantity, error) {
	if f.inner.Sign() < 0 {
		return nil, ErrNegative
	}

	var tmp big.Int
	tmp.Quo(&f.inner, Scale)

	result := quantity.NewQuantity()
	if err := result.FromBigInt(&tmp); err != nil {
		return nil, err
	}
	return result, nil
}

// MarshalBinary encodes a Fixed into binary form: a sign byte followed
// by the big-endian magnitude.
func (f *Fixed) MarshalBinary() ([]byte, error) {
	var sign byte
	if f.inner.Sign() < 0 {
		sign = 1
	}

	var abs big.Int
	abs.Abs(&f.inner)
	return append([]byte{sign}, abs.Bytes()...), nil
}

// UnmarshalBinary decodes a byte slice into a Fixed.
func (f *Fixed) UnmarshalBinary(data []byte) error {
	if len(data) < 1 || data[0] > 1 {
		return ErrInvalidArgument
	}

	var tmp big.Int
	tmp.SetBytes(data[1:])
	if data[0] == 1 {
		tmp.Neg(&tmp)
	}
	f.inner.Set(&tmp)
	return nil
}

// String returns the decimal string representation of f.
func (f Fixed) String() string {
	var q, r, abs big.Int
	abs.Abs(&f.inner)
	q.QuoRem(&abs, Scale, &r)

	s := q.String() + "." + padLeft(r.String(), ScaleExponent)
	if f.inner.Sign() < 0 {
		s = "-" + s
	}
	return s
}

// divRoundHalfEven sets dst to num/den rounded half-to-even.
// Rounding is applied to the magnitude, then the sign is restored.
func divRoundHalfEven(dst, num, den *big.Int) {
	negative := (num.Sign() < 0) != (den.Sign() < 0)

	var absNum, absDen, q, r big.Int
	absNum.Abs(num)
	absDen.Abs(den)
	q.QuoRem(&absNum, &absDen, &r)

	r.Lsh(&r, 1)
	switch r.Cmp(&absDen) {
	case 1:
		q.Add(&q, big.NewInt(1))
	case 0:
		if q.Bit(0) == 1 {
			q.Add(&q, big.NewInt(1))
		}
	}

	if negative {
		q.Neg(&q)
	}
	dst.Set(&q)
}

func padLeft(s string, width int) string {
	for len(s) < width {
		s = "0" + s
	}
	return s
}

func init() {
	Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(ScaleExponent), nil)
}
