package services

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
	"github.com/veilfi/darkbatch/codec"
	"github.com/veilfi/darkbatch/consensus"
	"github.com/veilfi/darkbatch/crypto"
	"github.com/veilfi/darkbatch/ledger"
	"github.com/veilfi/darkbatch/protocol"
)

const (
	testTokenX = "0x1111111111111111111111111111111111111111"
	testTokenY = "0x2222222222222222222222222222222222222222"
	testAlice  = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testBob    = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testCluster is an in-process committee sharing one simulated ledger.
type testCluster struct {
	t         *testing.T
	mock      *ledger.MockLedger
	acc       *batch.Accumulator
	threshold *codec.MockThresholdService
	codec     *codec.Codec
	engines   []*Engine
	cfg       protocol.EngineConfig
}

// directAnnouncer fans attestations out to the other engines in process.
type directAnnouncer struct {
	self    *Engine
	cluster *testCluster
}

func (d *directAnnouncer) BroadcastAttestation(ctx context.Context, att *protocol.Signed[consensus.Attestation]) {
	for _, e := range d.cluster.engines {
		if e == d.self {
			continue
		}
		// unknown-settlement errors are expected until the peer has
		// processed the batch itself
		_, _ = e.OnAttestation(ctx, att)
	}
}

func newTestCluster(t *testing.T, numEngines int, mutate func(*protocol.EngineConfig)) *testCluster {
	t.Helper()

	cfg := protocol.DefaultConfig()
	cfg.MinAttestations = numEngines
	cfg.MaxDecryptAttempts = 1
	if mutate != nil {
		mutate(&cfg)
	}

	threshold, err := codec.NewMockThresholdService()
	require.NoError(t, err)
	cdc := codec.New(threshold)

	mock := ledger.NewMockLedger()
	acc := batch.NewAccumulator(testLogger(), batch.Config{
		IntervalBlocks: cfg.BatchIntervalBlocks,
		MaxIdleBlocks:  cfg.MaxIdleBlocks,
		MaxSize:        cfg.MaxBatchSize,
	}, mock.Height, mock.RecordFinalized)
	mock.SetBatchManager(acc)

	cluster := &testCluster{
		t:         t,
		mock:      mock,
		acc:       acc,
		threshold: threshold,
		codec:     cdc,
		cfg:       cfg,
	}

	committee := make([]crypto.OperatorID, 0, numEngines)
	for i := 0; i < numEngines; i++ {
		_, priv, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		engine, err := NewEngine(testLogger(), cfg, mock, cdc, priv)
		require.NoError(t, err)
		engine.SetAnnouncer(&directAnnouncer{self: engine, cluster: cluster})
		cluster.engines = append(cluster.engines, engine)
		committee = append(committee, engine.OperatorID())
	}
	mock.SetCommittee(committee)
	return cluster
}

// submitIntent encrypts an amount and records the intent, as the gateway
// would.
func (c *testCluster) submitIntent(user, tokenIn, tokenOut string, amount int64, deadline uint64) uuid.UUID {
	c.t.Helper()
	value, err := codec.NewUintValue(amountTag, big.NewInt(amount))
	require.NoError(c.t, err)
	sealed, err := c.codec.Encrypt(context.Background(), value, c.cfg.SecurityZone)
	require.NoError(c.t, err)

	id, err := c.mock.SubmitIntent(context.Background(), ledger.Intent{
		Submitter:       user,
		TokenIn:         tokenIn,
		TokenOut:        tokenOut,
		EncryptedAmount: sealed,
		PoolID:          "pool",
		Deadline:        deadline,
	})
	require.NoError(c.t, err)
	return id
}

func (c *testCluster) finalizeOpenBatch() uuid.UUID {
	c.t.Helper()
	open, ok := c.acc.OpenBatch("pool")
	require.True(c.t, ok)
	require.True(c.t, c.acc.AdminFinalize(open.ID))
	return open.ID
}

func (c *testCluster) scanAll(ctx context.Context) {
	for _, e := range c.engines {
		e.scanCycle(ctx)
	}
}

func TestPipelineReachesQuorumAndSettles(t *testing.T) {
	cluster := newTestCluster(t, 2, nil)
	ctx := context.Background()

	a := cluster.submitIntent(testAlice, testTokenX, testTokenY, 1000, 0)
	b := cluster.submitIntent(testBob, testTokenY, testTokenX, 800, 0)
	batchID := cluster.finalizeOpenBatch()

	cluster.scanAll(ctx)

	settlement, ok := cluster.mock.Settlement(batchID)
	require.True(t, ok, "settlement published after both engines attested")

	require.Len(t, settlement.Transfers, 1)
	tr := settlement.Transfers[0]
	assert.Equal(t, a, tr.IntentA)
	assert.Equal(t, b, tr.IntentB)
	assert.Equal(t, int64(800), tr.AmountA.Int64())
	require.NotNil(t, tr.SealedAmountA)
	require.NotNil(t, tr.SealedAmountB)

	require.Len(t, settlement.NetSwaps, 1)
	assert.Equal(t, int64(200), settlement.NetSwaps[0].NetAmount.Int64())
	assert.Equal(t, []uuid.UUID{a}, settlement.NetSwaps[0].RemainingIntentIDs)

	assert.Equal(t, 2, settlement.DistinctOperators())

	got, err := cluster.mock.GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BatchSettled, got.State)

	// engines converge and drop the batch from their pending sets
	cluster.scanAll(ctx)
	for _, e := range cluster.engines {
		e.mu.Lock()
		assert.Empty(t, e.pending)
		e.mu.Unlock()
	}
}

func TestCursorReplaysMissedBlocks(t *testing.T) {
	cluster := newTestCluster(t, 1, nil)
	engine := cluster.engines[0]
	ctx := context.Background()

	cluster.submitIntent(testAlice, testTokenX, testTokenY, 100, 0)
	batchID := cluster.finalizeOpenBatch()

	// many blocks pass before the engine ever ticks
	cluster.mock.AdvanceBlocks(50)
	engine.scanCycle(ctx)

	_, ok := cluster.mock.Settlement(batchID)
	assert.True(t, ok, "event emitted long before the first tick is still picked up")

	engine.mu.Lock()
	cursor := engine.lastProcessedBlock
	engine.mu.Unlock()
	assert.Equal(t, cluster.mock.Height(), cursor)
}

func TestNotSelectedOperatorSkipsBatch(t *testing.T) {
	cluster := newTestCluster(t, 1, nil)
	ctx := context.Background()

	cluster.submitIntent(testAlice, testTokenX, testTokenY, 100, 0)
	batchID := cluster.finalizeOpenBatch()

	cluster.mock.SetCommittee([]crypto.OperatorID{"someone-else"})
	cluster.scanAll(ctx)

	_, ok := cluster.mock.Settlement(batchID)
	assert.False(t, ok)

	engine := cluster.engines[0]
	engine.mu.Lock()
	assert.Empty(t, engine.pending, "unselected batch is dropped, not retried")
	engine.mu.Unlock()
}

func TestExpiredIntentExcludedFromMatching(t *testing.T) {
	cluster := newTestCluster(t, 1, nil)
	ctx := context.Background()

	expiring := cluster.submitIntent(testAlice, testTokenX, testTokenY, 1000, cluster.mock.Height()+2)
	surviving := cluster.submitIntent(testBob, testTokenY, testTokenX, 800, 0)
	batchID := cluster.finalizeOpenBatch()

	cluster.mock.AdvanceBlocks(10)
	cluster.scanAll(ctx)

	settlement, ok := cluster.mock.Settlement(batchID)
	require.True(t, ok)

	assert.Empty(t, settlement.Transfers, "expired counterparty leaves nothing to cross")
	require.Len(t, settlement.NetSwaps, 1)
	assert.Equal(t, []uuid.UUID{surviving}, settlement.NetSwaps[0].RemainingIntentIDs)
	for _, ns := range settlement.NetSwaps {
		assert.NotContains(t, ns.RemainingIntentIDs, expiring)
	}
}

func TestDecryptionUnavailableDefersBatch(t *testing.T) {
	cluster := newTestCluster(t, 1, nil)
	engine := cluster.engines[0]
	ctx := context.Background()

	cluster.submitIntent(testAlice, testTokenX, testTokenY, 100, 0)
	batchID := cluster.finalizeOpenBatch()

	cluster.threshold.FailNext(1)
	engine.scanCycle(ctx)

	_, ok := cluster.mock.Settlement(batchID)
	assert.False(t, ok, "batch deferred while decryption is unavailable")
	engine.mu.Lock()
	assert.Len(t, engine.pending, 1)
	engine.mu.Unlock()

	// next cycle the threshold service recovered
	engine.scanCycle(ctx)
	_, ok = cluster.mock.Settlement(batchID)
	assert.True(t, ok)
}

func TestTypeMismatchIsolatedToIntent(t *testing.T) {
	cluster := newTestCluster(t, 1, nil)
	ctx := context.Background()

	// one intent encrypted under the wrong tag
	badValue, err := codec.NewUintValue(codec.TagUint64, big.NewInt(123))
	require.NoError(t, err)
	badSealed, err := cluster.codec.Encrypt(ctx, badValue, 0)
	require.NoError(t, err)
	bad, err := cluster.mock.SubmitIntent(ctx, ledger.Intent{
		Submitter:       testAlice,
		TokenIn:         testTokenX,
		TokenOut:        testTokenY,
		EncryptedAmount: badSealed,
		PoolID:          "pool",
	})
	require.NoError(t, err)

	good := cluster.submitIntent(testBob, testTokenY, testTokenX, 500, 0)
	batchID := cluster.finalizeOpenBatch()

	cluster.scanAll(ctx)

	settlement, ok := cluster.mock.Settlement(batchID)
	require.True(t, ok, "one undecodable intent does not abort the batch")
	assert.Empty(t, settlement.Transfers)
	require.Len(t, settlement.NetSwaps, 1)
	assert.Equal(t, []uuid.UUID{good}, settlement.NetSwaps[0].RemainingIntentIDs)
	_ = bad
}

func TestFinalizeCycleAppliesIntervalTrigger(t *testing.T) {
	cluster := newTestCluster(t, 1, nil)
	engine := cluster.engines[0]
	ctx := context.Background()

	cluster.submitIntent(testAlice, testTokenX, testTokenY, 100, 0)
	open, ok := cluster.acc.OpenBatch("pool")
	require.True(t, ok)

	engine.finalizeCycle(ctx)
	b, err := cluster.mock.GetBatch(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BatchOpen, b.State, "batch younger than the interval stays open")

	cluster.mock.AdvanceBlocks(cluster.cfg.BatchIntervalBlocks)
	engine.finalizeCycle(ctx)

	b, err = cluster.mock.GetBatch(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BatchFinalized, b.State)

	// the scan loop picks it up and settles
	engine.scanCycle(ctx)
	_, settled := cluster.mock.Settlement(open.ID)
	assert.True(t, settled)
}

func TestLateAttestationAfterSettlementIsHarmless(t *testing.T) {
	cluster := newTestCluster(t, 2, nil)
	ctx := context.Background()

	cluster.submitIntent(testAlice, testTokenX, testTokenY, 100, 0)
	batchID := cluster.finalizeOpenBatch()
	cluster.scanAll(ctx)

	_, ok := cluster.mock.Settlement(batchID)
	require.True(t, ok)

	// a duplicate late attestation from engine 1 delivered to engine 0
	e0, e1 := cluster.engines[0], cluster.engines[1]
	signed, err := protocol.NewSigned(e1.signingKey, &consensus.Attestation{
		BatchID:        batchID,
		SettlementHash: protocol.Hash{1, 2, 3},
		Operator:       e1.operatorID,
	})
	require.NoError(t, err)

	_, err = e0.OnAttestation(ctx, signed)
	assert.ErrorIs(t, err, consensus.ErrUnknownSettlement)
}
