package api

import (
	"crypto/sha256"
	"encoding"
	"encoding/hex"

	"github.com/aurelia-network/aurelia-core/common/errors"
)

// AddressSize is the size of an account address in bytes.
const AddressSize = 20

// addressReservedPrefix is the first byte of addresses reserved for
// internal accounts. No account derived from a public key can collide
// with a reserved address.
const addressReservedPrefix byte = 0xff

var (
	// ErrMalformedAddress is the error returned on malformed addresses.
	ErrMalformedAddress = errors.New(ModuleName, 14, "pos: malformed address")

	// EscrowAddress is the internal account holding all bonded tokens.
	EscrowAddress = newReservedAddress("escrow")

	// SlashPoolAddress is the internal account receiving slashed
	// tokens, spendable only via governance.
	SlashPoolAddress = newReservedAddress("slash-pool")

	// FeeAccumulatorAddress is the internal account the transaction
	// runtime collects block fees into before they are credited to
	// the proposer.
	FeeAccumulatorAddress = newReservedAddress("fee-accumulator")

	_ encoding.BinaryMarshaler   = (*Address)(nil)
	_ encoding.BinaryUnmarshaler = (*Address)(nil)
)

// Address is an opaque account identifier. Validator addresses and
// owner addresses share the same space.
type Address [AddressSize]byte

// NewAddress derives an address from the given public key material.
func NewAddress(data []byte) (a Address) {
	h := sha256.Sum256(data)
	copy(a[:], h[:AddressSize])
	// Reserved addresses are derived differently and can never be hit.
	if a[0] == addressReservedPrefix {
		a[0] = 0
	}
	return
}

func newReservedAddress(name string) (a Address) {
	h := sha256.Sum256([]byte("aurelia-core/pos: " + name))
	copy(a[:], h[:AddressSize])
	a[0] = addressReservedPrefix
	return
}

// IsReserved returns true iff the address is reserved for internal
// accounts.
func (a Address) IsReserved() bool {
	return a[0] == addressReservedPrefix
}

// IsValid returns true iff the address is a valid account address.
func (a Address) IsValid() bool {
	return a != (Address{})
}

// Equal compares against another address for equality.
func (a Address) Equal(other Address) bool {
	return a == other
}

// MarshalBinary encodes an address into binary form.
func (a *Address) MarshalBinary() ([]byte, error) {
	return append([]byte{}, a[:]...), nil
}

// UnmarshalBinary decodes a byte slice into an address.
func (a *Address) UnmarshalBinary(data []byte) error {
	if len(data) != AddressSize {
		return ErrMalformedAddress
	}
	copy(a[:], data)
	return nil
}

// MarshalText encodes an address into text form.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(a[:])), nil
}

// UnmarshalText decodes a text slice into an address.
func (a *Address) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return ErrMalformedAddress
	}
	return a.UnmarshalBinary(b)
}

// String returns the string representation of an address.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}
