package codec

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the decode path. Callers use errors.Is to decide
// whether a failure is fatal for a single intent (type mismatch), a policy
// rejection (unsupported tag), or retryable (decryption unavailable).
var (
	ErrTypeMismatch          = errors.New("ciphertext type mismatch")
	ErrUnsupportedTag        = errors.New("unsupported ciphertext tag")
	ErrDecryptionUnavailable = errors.New("threshold decryption unavailable")
)

// ThresholdClient is the interface to the external threshold-decryption
// service. Decrypt is tag-agnostic: it returns the raw cleartext and the
// codec applies the tag interpretation. Encrypt is used to seal the amounts
// of internalized transfers before a settlement is published.
type ThresholdClient interface {
	Decrypt(ctx context.Context, handle Handle) ([]byte, error)
	Encrypt(ctx context.Context, plaintext []byte, tag TypeTag, securityZone int32) (EncryptedValue, error)
}

// Codec decodes tagged ciphertext handles into native values and encodes
// native values into calldata fragments.
type Codec struct {
	threshold ThresholdClient
}

// New creates a codec backed by the given threshold-decryption client.
func New(threshold ThresholdClient) *Codec {
	return &Codec{threshold: threshold}
}

// Decode resolves an encrypted value into a native value under the expected
// tag. It fails closed: a tag that does not match the handle's true
// underlying type yields ErrTypeMismatch, never a silently coerced value.
func (c *Codec) Decode(ctx context.Context, ev EncryptedValue, want TypeTag) (Value, error) {
	// The legacy Uint256 tag is rejected outright, whether it appears on the
	// handle or in the caller's expectation. This is platform policy.
	if ev.Tag == TagUint256 || want == TagUint256 {
		return Value{}, fmt.Errorf("%w: legacy tag Uint256 is rejected by policy", ErrUnsupportedTag)
	}
	if !want.Supported() {
		return Value{}, fmt.Errorf("%w: %s", ErrUnsupportedTag, want)
	}
	if !ev.Tag.Supported() {
		return Value{}, fmt.Errorf("%w: %s", ErrUnsupportedTag, ev.Tag)
	}
	if ev.Tag != want {
		return Value{}, fmt.Errorf("%w: handle is tagged %s, caller expects %s",
			ErrTypeMismatch, ev.Tag, want)
	}

	raw, err := c.threshold.Decrypt(ctx, ev.Handle)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrDecryptionUnavailable, err)
	}

	return valueFromPlaintext(raw, want)
}

// Encrypt seals a native value through the threshold service, producing a
// new encrypted handle tagged with the value's type.
func (c *Codec) Encrypt(ctx context.Context, v Value, securityZone int32) (EncryptedValue, error) {
	if !v.Tag.Supported() {
		return EncryptedValue{}, fmt.Errorf("%w: %s", ErrUnsupportedTag, v.Tag)
	}
	plaintext, err := v.plaintext()
	if err != nil {
		return EncryptedValue{}, err
	}
	return c.threshold.Encrypt(ctx, plaintext, v.Tag, securityZone)
}

// EncodeCalldata renders a decoded value as an ABI-style calldata fragment:
// a single 32-byte word with the value right-aligned. Booleans encode as
// 0 or 1, integers big-endian, addresses as their 20 raw bytes.
func EncodeCalldata(v Value) ([]byte, error) {
	word := make([]byte, 32)
	switch v.Tag {
	case TagBool:
		if v.Bool {
			word[31] = 1
		}
	case TagUint8, TagUint16, TagUint32, TagUint64, TagUint128:
		if v.Int == nil {
			return nil, errors.New("integer value is nil")
		}
		bits, err := v.Tag.BitSize()
		if err != nil {
			return nil, err
		}
		if v.Int.Sign() < 0 || v.Int.BitLen() > bits {
			return nil, fmt.Errorf("value %s does not fit in %s", v.Int, v.Tag)
		}
		v.Int.FillBytes(word)
	case TagAddress:
		raw, err := hex.DecodeString(strings.TrimPrefix(v.Addr, "0x"))
		if err != nil || len(raw) != 20 {
			return nil, fmt.Errorf("address is not canonical: %q", v.Addr)
		}
		copy(word[12:], raw)
	case TagUint256:
		return nil, fmt.Errorf("%w: legacy tag Uint256 is rejected by policy", ErrUnsupportedTag)
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrUnsupportedTag, v.Tag)
	}
	return word, nil
}
