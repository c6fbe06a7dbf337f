package publisher

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilfi/darkbatch/batch"
	"github.com/veilfi/darkbatch/consensus"
	"github.com/veilfi/darkbatch/ledger"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newSettledScenario wires a mock ledger with a finalized single-intent
// batch and returns the ledger and a settlement for that batch.
func newSettledScenario(t *testing.T) (*ledger.MockLedger, ledger.Settlement) {
	t.Helper()
	mock := ledger.NewMockLedger()
	acc := batch.NewAccumulator(discardLog(), batch.Config{IntervalBlocks: 10, MaxIdleBlocks: 40}, mock.Height, mock.RecordFinalized)
	mock.SetBatchManager(acc)

	id, err := mock.SubmitIntent(context.Background(), ledger.Intent{
		Submitter: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		TokenIn:   "0x1111111111111111111111111111111111111111",
		TokenOut:  "0x2222222222222222222222222222222222222222",
		PoolID:    "pool",
	})
	require.NoError(t, err)

	open, ok := acc.OpenBatch("pool")
	require.True(t, ok)
	require.True(t, acc.AdminFinalize(open.ID))

	return mock, ledger.Settlement{
		BatchID: open.ID,
		NetSwaps: []ledger.NetSwap{{
			TokenIn:            "0x1111111111111111111111111111111111111111",
			TokenOut:           "0x2222222222222222222222222222222222222222",
			NetAmount:          big.NewInt(100),
			RemainingIntentIDs: []uuid.UUID{id},
		}},
	}
}

func twoSigs() []ledger.CommitteeSignature {
	return []ledger.CommitteeSignature{
		{Operator: "op-1", Signature: []byte{1}},
		{Operator: "op-2", Signature: []byte{2}},
	}
}

func TestPublishHappyPath(t *testing.T) {
	mock, settlement := newSettledScenario(t)
	pub := New(discardLog(), mock, 2)

	receipt, err := pub.Publish(context.Background(), settlement, twoSigs())
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.TxHash)
	assert.True(t, pub.Attempted(settlement.BatchID))

	stored, ok := mock.Settlement(settlement.BatchID)
	require.True(t, ok)
	assert.Len(t, stored.Signatures, 2)

	b, err := mock.GetBatch(context.Background(), settlement.BatchID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BatchSettled, b.State)
}

func TestQuorumGate(t *testing.T) {
	mock, settlement := newSettledScenario(t)
	pub := New(discardLog(), mock, 2)

	_, err := pub.Publish(context.Background(), settlement, []ledger.CommitteeSignature{
		{Operator: "op-1", Signature: []byte{1}},
	})
	assert.ErrorIs(t, err, consensus.ErrQuorumNotMet)

	// duplicate signatures from one operator never satisfy quorum
	_, err = pub.Publish(context.Background(), settlement, []ledger.CommitteeSignature{
		{Operator: "op-1", Signature: []byte{1}},
		{Operator: "op-1", Signature: []byte{2}},
	})
	assert.ErrorIs(t, err, consensus.ErrQuorumNotMet)

	_, ok := mock.Settlement(settlement.BatchID)
	assert.False(t, ok, "nothing reached the ledger")
}

func TestPublishIdempotentLocally(t *testing.T) {
	mock, settlement := newSettledScenario(t)
	pub := New(discardLog(), mock, 2)
	ctx := context.Background()

	first, err := pub.Publish(ctx, settlement, twoSigs())
	require.NoError(t, err)
	second, err := pub.Publish(ctx, settlement, twoSigs())
	require.NoError(t, err)
	assert.Equal(t, first, second, "second call returns the cached receipt")
}

func TestPublishRaceObservesSuccess(t *testing.T) {
	mock, settlement := newSettledScenario(t)
	ctx := context.Background()

	winner := New(discardLog(), mock, 2)
	_, err := winner.Publish(ctx, settlement, twoSigs())
	require.NoError(t, err)

	// a second committee member races and loses, still sees success
	loser := New(discardLog(), mock, 2)
	_, err = loser.Publish(ctx, settlement, twoSigs())
	require.NoError(t, err)
	assert.True(t, loser.Attempted(settlement.BatchID))
}

func TestLedgerRejectionRetriedOnce(t *testing.T) {
	mock, settlement := newSettledScenario(t)
	pub := New(discardLog(), mock, 2)

	mock.RejectNext(1)
	_, err := pub.Publish(context.Background(), settlement, twoSigs())
	require.NoError(t, err, "single transient rejection recovers on retry")

	_, ok := mock.Settlement(settlement.BatchID)
	assert.True(t, ok)
}

func TestLedgerRejectionEscalatesAfterRetry(t *testing.T) {
	mock, settlement := newSettledScenario(t)
	pub := New(discardLog(), mock, 2)

	mock.RejectNext(2)
	_, err := pub.Publish(context.Background(), settlement, twoSigs())
	assert.ErrorIs(t, err, ledger.ErrLedgerRejected)
	assert.False(t, pub.Attempted(settlement.BatchID), "failed batch stays pending")

	// the next cycle retries and succeeds
	_, err = pub.Publish(context.Background(), settlement, twoSigs())
	require.NoError(t, err)
}

func TestEvictAllowsRepublish(t *testing.T) {
	mock, settlement := newSettledScenario(t)
	pub := New(discardLog(), mock, 2)
	ctx := context.Background()

	_, err := pub.Publish(ctx, settlement, twoSigs())
	require.NoError(t, err)

	pub.Evict(settlement.BatchID)
	assert.False(t, pub.Attempted(settlement.BatchID))

	// republish hits the ledger again and observes already-settled
	_, err = pub.Publish(ctx, settlement, twoSigs())
	require.NoError(t, err)
}
