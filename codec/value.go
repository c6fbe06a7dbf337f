package codec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// EncryptedValue is a tagged ciphertext handle produced by the encryption
// side and consumed exactly once by Decode. Immutable once created.
type EncryptedValue struct {
	Handle       Handle  `json:"handle"`
	Tag          TypeTag `json:"tag"`
	SecurityZone int32   `json:"security_zone"`
	Proof        []byte  `json:"proof,omitempty"`
}

// Handle is an opaque reference to an encrypted value, resolvable only
// through the threshold-decryption service.
type Handle [32]byte

// String returns the hex encoding of the handle.
func (h Handle) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler so handles can be used as
// JSON object keys and log fields.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Handle) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(raw) != len(h) {
		return fmt.Errorf("handle must be %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return nil
}

// Value is a decoded native value. Exactly one of the payload fields is
// meaningful, selected by Tag: Bool for TagBool, Int for the unsigned
// integer tags, Addr for TagAddress.
type Value struct {
	Tag  TypeTag
	Bool bool
	Int  *big.Int
	Addr string
}

// NewBoolValue wraps a native bool.
func NewBoolValue(b bool) Value {
	return Value{Tag: TagBool, Bool: b}
}

// NewUintValue wraps an unsigned integer, checking it fits the tag's width.
// Integer values are arbitrary-precision so the largest supported width
// (uint128) never overflows a native type.
func NewUintValue(tag TypeTag, v *big.Int) (Value, error) {
	bits, err := tag.BitSize()
	if err != nil {
		return Value{}, err
	}
	if v == nil || v.Sign() < 0 {
		return Value{}, fmt.Errorf("value for %s must be a non-negative integer", tag)
	}
	if v.BitLen() > bits {
		return Value{}, fmt.Errorf("value %s does not fit in %s", v, tag)
	}
	return Value{Tag: tag, Int: new(big.Int).Set(v)}, nil
}

// NewAddressValue wraps an address, normalizing it to the canonical form:
// "0x" followed by 40 lowercase hex digits.
func NewAddressValue(addr string) (Value, error) {
	canonical, err := CanonicalAddress(addr)
	if err != nil {
		return Value{}, err
	}
	return Value{Tag: TagAddress, Addr: canonical}, nil
}

// CanonicalAddress normalizes an address string to 0x-prefixed lowercase hex.
func CanonicalAddress(addr string) (string, error) {
	s := strings.TrimPrefix(strings.ToLower(addr), "0x")
	if len(s) != 40 {
		return "", fmt.Errorf("address must be 20 bytes of hex, got %q", addr)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("address is not valid hex: %q", addr)
	}
	return "0x" + s, nil
}

// Equal reports whether two decoded values are identical in tag and payload.
func (v Value) Equal(o Value) bool {
	if v.Tag != o.Tag {
		return false
	}
	switch v.Tag {
	case TagBool:
		return v.Bool == o.Bool
	case TagAddress:
		return v.Addr == o.Addr
	default:
		if v.Int == nil || o.Int == nil {
			return v.Int == o.Int
		}
		return v.Int.Cmp(o.Int) == 0
	}
}

// String renders the value for logs.
func (v Value) String() string {
	switch v.Tag {
	case TagBool:
		return fmt.Sprintf("bool(%v)", v.Bool)
	case TagAddress:
		return fmt.Sprintf("address(%s)", v.Addr)
	default:
		return fmt.Sprintf("%s(%s)", v.Tag, v.Int)
	}
}

// plaintext serializes the value into the fixed-width plaintext encoding the
// threshold service seals: booleans as one byte, integers big-endian at the
// tag's width, addresses as 20 raw bytes.
func (v Value) plaintext() ([]byte, error) {
	width, err := v.Tag.PlaintextWidth()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, width)
	switch v.Tag {
	case TagBool:
		if v.Bool {
			buf[0] = 1
		}
	case TagAddress:
		raw, err := hex.DecodeString(strings.TrimPrefix(v.Addr, "0x"))
		if err != nil {
			return nil, fmt.Errorf("address is not canonical: %q", v.Addr)
		}
		copy(buf, raw)
	default:
		if v.Int == nil {
			return nil, errors.New("integer value is nil")
		}
		v.Int.FillBytes(buf)
	}
	return buf, nil
}

// valueFromPlaintext interprets a raw cleartext under the given tag.
// A width mismatch means the handle's true underlying type differs from the
// requested tag; that fails closed as a type mismatch.
func valueFromPlaintext(raw []byte, tag TypeTag) (Value, error) {
	width, err := tag.PlaintextWidth()
	if err != nil {
		return Value{}, err
	}
	if len(raw) != width {
		return Value{}, fmt.Errorf("%w: cleartext is %d bytes, %s expects %d",
			ErrTypeMismatch, len(raw), tag, width)
	}
	switch tag {
	case TagBool:
		switch raw[0] {
		case 0:
			return NewBoolValue(false), nil
		case 1:
			return NewBoolValue(true), nil
		}
		return Value{}, fmt.Errorf("%w: cleartext %d is not a bool", ErrTypeMismatch, raw[0])
	case TagAddress:
		return NewAddressValue(hex.EncodeToString(raw))
	default:
		return NewUintValue(tag, new(big.Int).SetBytes(raw))
	}
}
