package codec

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/veilfi/darkbatch/crypto"
)

// MockThresholdService is an in-process stand-in for the external
// threshold-decryption service, used in tests and the local demo. Values are
// sealed with a keystream bound to their handle; decryption requires an
// access grant, mirroring the permission model of the real service.
type MockThresholdService struct {
	mu     sync.Mutex
	secret []byte
	nonce  uint64

	sealed  map[Handle][]byte
	tags    map[Handle]TypeTag
	granted map[Handle]bool

	// failNext makes the next N Decrypt calls fail transiently,
	// for exercising retry and deferral paths.
	failNext int
}

// NewMockThresholdService creates a mock with a random sealing secret.
func NewMockThresholdService() (*MockThresholdService, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return &MockThresholdService{
		secret:  secret,
		sealed:  make(map[Handle][]byte),
		tags:    make(map[Handle]TypeTag),
		granted: make(map[Handle]bool),
	}, nil
}

// Encrypt seals a plaintext and returns a fresh tagged handle. The caller
// is granted access to the new handle.
func (m *MockThresholdService) Encrypt(ctx context.Context, plaintext []byte, tag TypeTag, securityZone int32) (EncryptedValue, error) {
	if !tag.Supported() {
		return EncryptedValue{}, fmt.Errorf("%w: %s", ErrUnsupportedTag, tag)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nonce++
	handle := m.deriveHandle(plaintext, m.nonce)

	pad, err := crypto.Keystream(m.secret, handle[:], len(plaintext))
	if err != nil {
		return EncryptedValue{}, err
	}
	sealed := make([]byte, len(plaintext))
	copy(sealed, plaintext)
	crypto.XorInplace(sealed, pad)

	m.sealed[handle] = sealed
	m.tags[handle] = tag
	m.granted[handle] = true

	proof := sha3.Sum256(append(handle[:], byte(tag)))
	return EncryptedValue{
		Handle:       handle,
		Tag:          tag,
		SecurityZone: securityZone,
		Proof:        proof[:],
	}, nil
}

// Decrypt unseals the plaintext behind a handle. Unknown handles and
// handles without an access grant fail; injected transient failures
// surface as generic unavailability.
func (m *MockThresholdService) Decrypt(ctx context.Context, handle Handle) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext > 0 {
		m.failNext--
		return nil, errors.New("decryption committee temporarily unreachable")
	}

	sealed, ok := m.sealed[handle]
	if !ok {
		return nil, fmt.Errorf("unknown handle %s", handle)
	}
	if !m.granted[handle] {
		return nil, fmt.Errorf("no decryption grant for handle %s", handle)
	}

	pad, err := crypto.Keystream(m.secret, handle[:], len(sealed))
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(sealed))
	copy(plaintext, sealed)
	crypto.XorInplace(plaintext, pad)
	return plaintext, nil
}

// TrueTag returns the actual tag a handle was sealed under. Tests use this
// to construct mismatched EncryptedValues.
func (m *MockThresholdService) TrueTag(handle Handle) (TypeTag, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tag, ok := m.tags[handle]
	return tag, ok
}

// Revoke removes the access grant for a handle.
func (m *MockThresholdService) Revoke(handle Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.granted[handle] = false
}

// Grant restores the access grant for a handle.
func (m *MockThresholdService) Grant(handle Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sealed[handle]; ok {
		m.granted[handle] = true
	}
}

// FailNext makes the next n Decrypt calls fail with a transient error.
func (m *MockThresholdService) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

func (m *MockThresholdService) deriveHandle(plaintext []byte, nonce uint64) Handle {
	h := sha3.New256()
	h.Write(m.secret)
	h.Write(plaintext)
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], nonce)
	h.Write(nonceBuf[:])

	var handle Handle
	copy(handle[:], h.Sum(nil))
	return handle
}
