package codec

import "fmt"

// TypeTag is the discriminant identifying the native type underlying an
// encrypted value. The set is closed; see the package documentation.
type TypeTag uint8

const (
	TagBool TypeTag = iota
	TagUint8
	TagUint16
	TagUint32
	TagUint64
	TagUint128
	TagAddress

	// TagUint256 is a legacy discriminant still seen on the wire.
	// It decodes to ErrUnsupportedTag, never to a value.
	TagUint256
)

// Supported reports whether the codec can decode values with this tag.
// TagUint256 is a known tag but deliberately not a supported one.
func (t TypeTag) Supported() bool {
	switch t {
	case TagBool, TagUint8, TagUint16, TagUint32, TagUint64, TagUint128, TagAddress:
		return true
	case TagUint256:
		return false
	}
	return false
}

// PlaintextWidth returns the byte width of the tag's plaintext encoding.
func (t TypeTag) PlaintextWidth() (int, error) {
	switch t {
	case TagBool:
		return 1, nil
	case TagUint8:
		return 1, nil
	case TagUint16:
		return 2, nil
	case TagUint32:
		return 4, nil
	case TagUint64:
		return 8, nil
	case TagUint128:
		return 16, nil
	case TagAddress:
		return 20, nil
	case TagUint256:
		return 0, fmt.Errorf("%w: legacy tag Uint256", ErrUnsupportedTag)
	}
	return 0, fmt.Errorf("%w: unknown tag %d", ErrUnsupportedTag, t)
}

// BitSize returns the integer bit width for unsigned integer tags.
func (t TypeTag) BitSize() (int, error) {
	switch t {
	case TagUint8:
		return 8, nil
	case TagUint16:
		return 16, nil
	case TagUint32:
		return 32, nil
	case TagUint64:
		return 64, nil
	case TagUint128:
		return 128, nil
	case TagBool, TagAddress:
		return 0, fmt.Errorf("tag %s is not an integer type", t)
	case TagUint256:
		return 0, fmt.Errorf("%w: legacy tag Uint256", ErrUnsupportedTag)
	}
	return 0, fmt.Errorf("%w: unknown tag %d", ErrUnsupportedTag, t)
}

func (t TypeTag) String() string {
	switch t {
	case TagBool:
		return "bool"
	case TagUint8:
		return "uint8"
	case TagUint16:
		return "uint16"
	case TagUint32:
		return "uint32"
	case TagUint64:
		return "uint64"
	case TagUint128:
		return "uint128"
	case TagAddress:
		return "address"
	case TagUint256:
		return "uint256(unsupported)"
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// SupportedTags lists every tag the codec can decode, in wire order.
func SupportedTags() []TypeTag {
	return []TypeTag{TagBool, TagUint8, TagUint16, TagUint32, TagUint64, TagUint128, TagAddress}
}
