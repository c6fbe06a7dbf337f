package protocol

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilfi/darkbatch/codec"
	"github.com/veilfi/darkbatch/crypto"
	"github.com/veilfi/darkbatch/ledger"
)

type testPayload struct {
	BatchID uuid.UUID `json:"batch_id"`
	Note    string    `json:"note"`
}

func TestSignedRoundtrip(t *testing.T) {
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	payload := &testPayload{BatchID: uuid.New(), Note: "attest"}
	signed, err := NewSigned(priv, payload)
	require.NoError(t, err)

	raw, err := SerializeMessage(signed)
	require.NoError(t, err)

	decoded, err := UnmarshalMessage[Signed[testPayload]](raw)
	require.NoError(t, err)

	obj, signer, err := decoded.Recover()
	require.NoError(t, err)
	assert.Equal(t, payload.BatchID, obj.BatchID)
	assert.Equal(t, pub, signer)
}

func TestSignedRejectsTampering(t *testing.T) {
	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	signed, err := NewSigned(priv, &testPayload{BatchID: uuid.New(), Note: "original"})
	require.NoError(t, err)

	signed.Object.Note = "altered"
	_, _, err = signed.Recover()
	assert.Error(t, err)
}

func TestSignedRejectsReattribution(t *testing.T) {
	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	otherPub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	signed, err := NewSigned(priv, &testPayload{BatchID: uuid.New()})
	require.NoError(t, err)

	signed.PublicKey = otherPub
	_, _, err = signed.Recover()
	assert.Error(t, err)
}

func sampleSettlement() *ledger.Settlement {
	idA := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	idB := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	return &ledger.Settlement{
		BatchID: uuid.MustParse("33333333-3333-3333-3333-333333333333"),
		Transfers: []ledger.InternalizedTransfer{{
			IntentA: idA,
			IntentB: idB,
			UserA:   "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			UserB:   "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
			TokenA:  "0x1111111111111111111111111111111111111111",
			TokenB:  "0x2222222222222222222222222222222222222222",
			AmountA: big.NewInt(500),
			AmountB: big.NewInt(500),
		}},
		NetSwaps: []ledger.NetSwap{{
			TokenIn:            "0x1111111111111111111111111111111111111111",
			TokenOut:           "0x2222222222222222222222222222222222222222",
			NetAmount:          big.NewInt(700),
			RemainingIntentIDs: []uuid.UUID{idA},
		}},
	}
}

func TestHashSettlementDeterministic(t *testing.T) {
	a := HashSettlement(sampleSettlement())
	b := HashSettlement(sampleSettlement())
	assert.Equal(t, a, b)
}

func TestHashSettlementIgnoresSignatures(t *testing.T) {
	s := sampleSettlement()
	before := HashSettlement(s)
	s.Signatures = append(s.Signatures, ledger.CommitteeSignature{
		Operator:  crypto.OperatorID("deadbeef"),
		Signature: []byte{1, 2, 3},
	})
	assert.Equal(t, before, HashSettlement(s))
}

// Sealed ciphertexts differ per committee member; they must not influence
// the hash everyone signs.
func TestHashSettlementIgnoresSealedAmounts(t *testing.T) {
	s := sampleSettlement()
	before := HashSettlement(s)

	sealed := &codec.EncryptedValue{Tag: codec.TagUint128}
	sealed.Handle[0] = 0xaa
	s.Transfers[0].SealedAmountA = sealed
	assert.Equal(t, before, HashSettlement(s))
}

func TestHashSettlementSensitivity(t *testing.T) {
	base := HashSettlement(sampleSettlement())

	amount := sampleSettlement()
	amount.Transfers[0].AmountA = big.NewInt(501)
	assert.NotEqual(t, base, HashSettlement(amount))

	swap := sampleSettlement()
	swap.NetSwaps[0].NetAmount = big.NewInt(699)
	assert.NotEqual(t, base, HashSettlement(swap))

	order := sampleSettlement()
	order.Transfers[0].UserA, order.Transfers[0].UserB = order.Transfers[0].UserB, order.Transfers[0].UserA
	assert.NotEqual(t, base, HashSettlement(order))
}

func TestHashTextRoundtrip(t *testing.T) {
	h := HashSettlement(sampleSettlement())
	text, err := h.MarshalText()
	require.NoError(t, err)

	var back Hash
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, h, back)
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*EngineConfig)
	}{
		{"zero interval", func(c *EngineConfig) { c.BatchIntervalBlocks = 0 }},
		{"idle below interval", func(c *EngineConfig) { c.MaxIdleBlocks = c.BatchIntervalBlocks - 1 }},
		{"negative batch size", func(c *EngineConfig) { c.MaxBatchSize = -1 }},
		{"zero quorum", func(c *EngineConfig) { c.MinAttestations = 0 }},
		{"zero poll", func(c *EngineConfig) { c.ShortPollInterval = 0 }},
		{"zero decrypt attempts", func(c *EngineConfig) { c.MaxDecryptAttempts = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfigPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_interval_blocks: 5\nmin_attestations: 3\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cfg.BatchIntervalBlocks)
	assert.Equal(t, 3, cfg.MinAttestations)
	assert.Equal(t, DefaultConfig().MaxIdleBlocks, cfg.MaxIdleBlocks)
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_attestations: 0\n"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 400*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, b.Next())
	assert.Equal(t, 200*time.Millisecond, b.Next())
	assert.Equal(t, 400*time.Millisecond, b.Next())
	assert.Equal(t, 400*time.Millisecond, b.Next())

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.Next())
}
