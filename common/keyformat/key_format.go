// Package keyformat implements prefixed key formats for use with
// key-value backends.
//
// Integer elements are encoded big endian so that lexicographic key
// order matches numeric order, which makes range scans over epochs and
// positions iterate in a deterministic, meaningful order.
package keyformat

import (
	"encoding"
	"encoding/binary"
	"fmt"
)

// KeyFormat is a key formatting helper to be used together with
// key-value backends for constructing keys.
type KeyFormat struct {
	// prefix is the one-byte key prefix that denotes the type of the key.
	prefix byte
	// layout is a list of byte sizes of all elements in the key format.
	layout []int
	// size is the total size of the fixed part of the key in bytes.
	size int
}

// New constructs a new key format.
func New(prefix byte, layout ...interface{}) *KeyFormat {
	kf := &KeyFormat{
		prefix: prefix,
		layout: make([]int, len(layout)),
	}

	hasVarSize := false
	for i, item := range layout {
		size := elementSize(item)
		if size == -1 {
			if hasVarSize {
				panic("key format: there can be only one variable-sized element")
			}
			hasVarSize = true
		} else {
			kf.size += size
		}

		kf.layout[i] = size
	}

	return kf
}

// Prefix returns the key format's prefix byte.
func (k *KeyFormat) Prefix() byte {
	return k.prefix
}

// Size returns the minimum size in bytes of the resulting key.
func (k *KeyFormat) Size() int {
	return 1 + k.size
}

// Encode encodes values into a key.
//
// You can pass either the same amount of values as specified in the
// layout or fewer. In case fewer values are specified this generates a
// shorter key containing only the specified values, which is useful as
// a range scan prefix.
//
// In case no values are specified this outputs only the key prefix.
func (k *KeyFormat) Encode(values ...interface{}) []byte {
	if len(values) > len(k.layout) {
		panic("key format: number of values greater than layout")
	}

	size := 1
	for i := range values {
		elemLen := k.layout[i]
		if elemLen == -1 {
			// Variable-sized element, the passed value must be a []byte.
			elemLen = len(values[i].([]byte))
		}

		size += elemLen
	}
	result := make([]byte, size)

	result[0] = k.prefix
	offset := 1
	for i, v := range values {
		elemLen := k.layout[i]
		if elemLen == -1 {
			elemLen = len(v.([]byte))
		}
		buf := result[offset : offset+elemLen]
		offset += elemLen

		switch t := v.(type) {
		case uint64:
			binary.BigEndian.PutUint64(buf, t)
		case *uint64:
			binary.BigEndian.PutUint64(buf, *t)
		case uint32:
			binary.BigEndian.PutUint32(buf, t)
		case *uint32:
			binary.BigEndian.PutUint32(buf, *t)
		case encoding.BinaryMarshaler:
			data, err := t.MarshalBinary()
			if err != nil {
				panic(fmt.Sprintf("key format: failed to marshal: %s", err))
			}

			copy(buf[:], data)
		case []byte:
			copy(buf[:], t)
		default:
			panic(fmt.Sprintf("key format: unsupported type: %T", t))
		}
	}

	return result
}

// Decode decodes a key into its individual values.
//
// Returns false and doesn't modify the passed values if the key prefix
// doesn't match.
func (k *KeyFormat) Decode(data []byte, values ...interface{}) bool {
	if len(data) == 0 || data[0] != k.prefix {
		return false
	}

	if len(values) > len(k.layout) {
		panic("key format: number of values greater than layout")
	}
	if len(data) < k.Size() {
		panic("key format: malformed input")
	}

	offset := 1
	for i, v := range values {
		elemLen := k.layout[i]
		if elemLen == -1 {
			// Variable-sized element, compute its size.
			elemLen = len(data) - k.Size()
		}
		buf := data[offset : offset+elemLen]
		offset += elemLen

		switch t := v.(type) {
		case *uint64:
			*t = binary.BigEndian.Uint64(buf)
		case *uint32:
			*t = binary.BigEndian.Uint32(buf)
		case encoding.BinaryUnmarshaler:
			err := t.UnmarshalBinary(buf)
			if err != nil {
				panic(fmt.Sprintf("key format: failed to unmarshal: %s", err))
			}
		case *[]byte:
			*t = make([]byte, elemLen)
			copy(*t, buf)
		default:
			panic(fmt.Sprintf("key format: unsupported type: %T", t))
		}
	}

	return true
}

func elementSize(l interface{}) int {
	switch t := l.(type) {
	case uint64, *uint64:
		return 8
	case uint32, *uint32:
		return 4
	case encoding.BinaryMarshaler:
		// Make sure that the type supports both marshalling and
		// unmarshalling.
		_ = l.(encoding.BinaryUnmarshaler)

		data, _ := t.MarshalBinary()
		return len(data)
	case []byte:
		// A variable-size element. There can be only one such element
		// in the whole key and during decoding its size is derived
		// from the key length and the sizes of the other elements.
		return -1
	default:
		panic(fmt.Sprintf("key format: unsupported type: %T", l))
	}
}
