package crypto

import (
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// Keystream derives a deterministic pad of n bytes from a secret and a
// per-value info string. The mock threshold backend seals plaintexts by
// XORing them with a pad bound to the ciphertext handle.
func Keystream(secret, info []byte, n int) ([]byte, error) {
	kdf := hkdf.New(sha3.New256, secret, nil, info)
	pad := make([]byte, n)
	if _, err := kdf.Read(pad); err != nil {
		return nil, err
	}
	return pad, nil
}

// XorInplace XORs pad into dst. Both slices must have the same length;
// extra pad bytes are ignored.
func XorInplace(dst, pad []byte) {
	for i := 0; i < len(dst) && i < len(pad); i++ {
		dst[i] ^= pad[i]
	}
}
