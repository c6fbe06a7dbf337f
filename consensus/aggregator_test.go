package consensus

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilfi/darkbatch/crypto"
	"github.com/veilfi/darkbatch/ledger"
	"github.com/veilfi/darkbatch/protocol"
)

type operator struct {
	id   crypto.OperatorID
	priv crypto.PrivateKey
}

func newOperator(t *testing.T) operator {
	t.Helper()
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return operator{id: crypto.PublicKeyToOperatorID(pub), priv: priv}
}

func (o operator) attest(t *testing.T, batchID uuid.UUID, hash protocol.Hash) *protocol.Signed[Attestation] {
	t.Helper()
	signed, err := protocol.NewSigned(o.priv, &Attestation{
		BatchID:        batchID,
		SettlementHash: hash,
		Operator:       o.id,
	})
	require.NoError(t, err)
	return signed
}

func testSettlement() *ledger.Settlement {
	return &ledger.Settlement{
		BatchID: uuid.New(),
		NetSwaps: []ledger.NetSwap{{
			TokenIn:   "0x1111111111111111111111111111111111111111",
			TokenOut:  "0x2222222222222222222222222222222222222222",
			NetAmount: big.NewInt(100),
		}},
	}
}

func newTestAggregator(t *testing.T, quorum int, committee ...crypto.OperatorID) (*Aggregator, *ledger.MockLedger) {
	t.Helper()
	mock := ledger.NewMockLedger()
	mock.SetCommittee(committee)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAggregator(log, mock, quorum), mock
}

func TestProposeIdempotent(t *testing.T) {
	agg, _ := newTestAggregator(t, 2)
	s := testSettlement()

	h1 := agg.Propose(s)
	h2 := agg.Propose(s)
	assert.Equal(t, h1, h2)

	got, ok := agg.Settlement(h1)
	require.True(t, ok)
	assert.Equal(t, s.BatchID, got.BatchID)

	byBatch, ok := agg.HashForBatch(s.BatchID)
	require.True(t, ok)
	assert.Equal(t, h1, byBatch)
}

func TestQuorumAccumulation(t *testing.T) {
	op1 := newOperator(t)
	op2 := newOperator(t)
	agg, _ := newTestAggregator(t, 2, op1.id, op2.id)

	s := testSettlement()
	hash := agg.Propose(s)
	ctx := context.Background()

	_, err := agg.Signatures(hash)
	assert.ErrorIs(t, err, ErrQuorumNotMet)

	require.NoError(t, agg.Attest(ctx, op1.attest(t, s.BatchID, hash)))
	assert.False(t, agg.QuorumReached(hash))

	require.NoError(t, agg.Attest(ctx, op2.attest(t, s.BatchID, hash)))
	assert.True(t, agg.QuorumReached(hash))

	sigs, err := agg.Signatures(hash)
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.Equal(t, op1.id, sigs[0].Operator)
	assert.Equal(t, op2.id, sigs[1].Operator)
}

func TestDuplicateOperatorCountsOnce(t *testing.T) {
	op := newOperator(t)
	agg, _ := newTestAggregator(t, 2, op.id)

	s := testSettlement()
	hash := agg.Propose(s)
	ctx := context.Background()

	require.NoError(t, agg.Attest(ctx, op.attest(t, s.BatchID, hash)))
	require.NoError(t, agg.Attest(ctx, op.attest(t, s.BatchID, hash)))

	count, known := agg.Status(hash)
	require.True(t, known)
	assert.Equal(t, 1, count)
	assert.False(t, agg.QuorumReached(hash))
}

func TestRejectsNonCommitteeOperator(t *testing.T) {
	member := newOperator(t)
	outsider := newOperator(t)
	agg, _ := newTestAggregator(t, 1, member.id)

	s := testSettlement()
	hash := agg.Propose(s)

	err := agg.Attest(context.Background(), outsider.attest(t, s.BatchID, hash))
	assert.ErrorIs(t, err, ErrNotInCommittee)

	count, _ := agg.Status(hash)
	assert.Equal(t, 0, count)
}

func TestRejectsMismatchedOperatorID(t *testing.T) {
	op := newOperator(t)
	impostor := newOperator(t)
	agg, _ := newTestAggregator(t, 1, op.id, impostor.id)

	s := testSettlement()
	hash := agg.Propose(s)

	// signed by impostor but claiming op's identity
	signed, err := protocol.NewSigned(impostor.priv, &Attestation{
		BatchID:        s.BatchID,
		SettlementHash: hash,
		Operator:       op.id,
	})
	require.NoError(t, err)

	err = agg.Attest(context.Background(), signed)
	assert.ErrorIs(t, err, ErrOperatorMismatch)
}

func TestRejectsUnknownSettlement(t *testing.T) {
	op := newOperator(t)
	agg, _ := newTestAggregator(t, 1, op.id)

	var bogus protocol.Hash
	bogus[0] = 0xff
	err := agg.Attest(context.Background(), op.attest(t, uuid.New(), bogus))
	assert.ErrorIs(t, err, ErrUnknownSettlement)
}

func TestEvict(t *testing.T) {
	agg, _ := newTestAggregator(t, 1)
	s := testSettlement()
	hash := agg.Propose(s)

	agg.Evict(hash)
	_, known := agg.Status(hash)
	assert.False(t, known)
	_, ok := agg.HashForBatch(s.BatchID)
	assert.False(t, ok)
}
