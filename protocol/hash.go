package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math/big"

	"golang.org/x/crypto/sha3"

	"github.com/veilfi/darkbatch/ledger"
)

// Hash is the canonical 32-byte digest of a settlement payload. Committee
// members sign this hash, so it must be identical across operators for the
// same computed settlement.
type Hash [32]byte

// Hex returns the hex encoding of the hash, suitable as a map key.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	copy(h[:], raw)
	return nil
}

// HashSettlement computes the canonical hash of a settlement payload.
//
// The encoding is deliberately hand-rolled rather than JSON-derived: every
// field is written in a fixed order with length prefixes, so the digest does
// not depend on map iteration, struct tag changes, or encoder settings.
// Signatures are excluded; they are made over this hash. Sealed amounts are
// excluded too, because each committee member produces its own ciphertexts
// and the hash must be identical across all of them.
func HashSettlement(s *ledger.Settlement) Hash {
	h := sha3.New256()
	h.Write([]byte("darkbatch/settlement/v1"))
	h.Write(s.BatchID[:])

	writeUint(h, uint64(len(s.Transfers)))
	for i := range s.Transfers {
		tr := &s.Transfers[i]
		h.Write(tr.IntentA[:])
		h.Write(tr.IntentB[:])
		writeString(h, tr.UserA)
		writeString(h, tr.UserB)
		writeString(h, tr.TokenA)
		writeString(h, tr.TokenB)
		writeBig(h, tr.AmountA)
		writeBig(h, tr.AmountB)
	}

	writeUint(h, uint64(len(s.NetSwaps)))
	for i := range s.NetSwaps {
		ns := &s.NetSwaps[i]
		writeString(h, ns.TokenIn)
		writeString(h, ns.TokenOut)
		writeBig(h, ns.NetAmount)
		writeUint(h, uint64(len(ns.RemainingIntentIDs)))
		for _, id := range ns.RemainingIntentIDs {
			h.Write(id[:])
		}
	}

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func writeUint(h hash.Hash, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

func writeString(h hash.Hash, s string) {
	writeUint(h, uint64(len(s)))
	h.Write([]byte(s))
}

func writeBig(h hash.Hash, v *big.Int) {
	if v == nil {
		writeUint(h, 0)
		return
	}
	raw := v.Bytes()
	writeUint(h, uint64(len(raw)))
	h.Write(raw)
}
