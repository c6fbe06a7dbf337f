package services

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilfi/darkbatch/batch"
	"github.com/veilfi/darkbatch/codec"
	"github.com/veilfi/darkbatch/crypto"
	"github.com/veilfi/darkbatch/ledger"
	"github.com/veilfi/darkbatch/protocol"
)

// e2eFixture runs a two-operator committee whose attestation exchange goes
// over real HTTP, against a shared in-process ledger.
type e2eFixture struct {
	cluster   *testCluster
	operators []*Operator
	servers   []*httptest.Server
}

func newE2EFixture(t *testing.T) *e2eFixture {
	t.Helper()

	cfg := protocol.DefaultConfig()
	cfg.MinAttestations = 2
	cfg.MaxDecryptAttempts = 1

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

	f := &e2eFixture{
		cluster: &testCluster{
			t:         t,
			mock:      mock,
			acc:       acc,
			threshold: threshold,
			codec:     cdc,
			cfg:       cfg,
		},
	}

	committee := make([]crypto.OperatorID, 0, 2)
	for i := 0; i < 2; i++ {
		_, priv, err := crypto.GenerateKeyPair()
		require.NoError(t, err)

		op, err := NewOperator(testLogger(), &ServiceConfig{
			EngineConfig: &cfg,
			ServiceType:  OperatorService,
			HTTPAddr:     "127.0.0.1:0",
		}, mock, cdc, priv)
		require.NoError(t, err)

		srv := httptest.NewServer(op.server.Router(op))
		t.Cleanup(srv.Close)

		f.operators = append(f.operators, op)
		f.servers = append(f.servers, srv)
		committee = append(committee, op.engine.OperatorID())
	}
	mock.SetCommittee(committee)

	// point each operator's roster at the other's test server
	for i, op := range f.operators {
		peer := f.operators[1-i]
		op.mu.Lock()
		op.peers = map[crypto.OperatorID]*OperatorRegistration{
			peer.operatorID: {
				ServiceType:  OperatorService,
				HTTPEndpoint: f.servers[1-i].URL,
				PublicKey:    peer.publicKey().String(),
				OperatorID:   peer.operatorID,
			},
		}
		op.mu.Unlock()
	}
	return f
}

func TestEndToEndSettlementOverHTTP(t *testing.T) {
	f := newE2EFixture(t)
	ctx := context.Background()

	f.cluster.submitIntent(testAlice, testTokenX, testTokenY, 1000, 0)
	f.cluster.submitIntent(testBob, testTokenY, testTokenX, 800, 0)
	batchID := f.cluster.finalizeOpenBatch()

	// each operator's scan observes the finalization; attestations cross
	// over HTTP and whoever completes the quorum publishes
	require.Eventually(t, func() bool {
		for _, op := range f.operators {
			op.engine.scanCycle(ctx)
		}
		_, ok := f.cluster.mock.Settlement(batchID)
		return ok
	}, 5*time.Second, 50*time.Millisecond)

	settlement, ok := f.cluster.mock.Settlement(batchID)
	require.True(t, ok)
	assert.Equal(t, 2, settlement.DistinctOperators())
	require.Len(t, settlement.Transfers, 1)
	assert.Equal(t, int64(800), settlement.Transfers[0].AmountA.Int64())
	require.Len(t, settlement.NetSwaps, 1)
	assert.Equal(t, int64(200), settlement.NetSwaps[0].NetAmount.Int64())

	got, err := f.cluster.mock.GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BatchSettled, got.State)
}

// Raw-amount netting across heterogeneous tokens, end to end.
func TestEndToEndRawNettingScenario(t *testing.T) {
	f := newE2EFixture(t)
	ctx := context.Background()

	weth := "0x3333333333333333333333333333333333333333"
	usdc := "0x4444444444444444444444444444444444444444"
	f.cluster.submitIntent(testAlice, weth, usdc, 2, 0)
	f.cluster.submitIntent(testBob, usdc, weth, 3000, 0)
	batchID := f.cluster.finalizeOpenBatch()

	require.Eventually(t, func() bool {
		for _, op := range f.operators {
			op.engine.scanCycle(ctx)
		}
		_, ok := f.cluster.mock.Settlement(batchID)
		return ok
	}, 5*time.Second, 50*time.Millisecond)

	settlement, _ := f.cluster.mock.Settlement(batchID)
	require.Len(t, settlement.Transfers, 1)
	assert.Equal(t, int64(2), settlement.Transfers[0].AmountA.Int64())
	require.Len(t, settlement.NetSwaps, 1)
	assert.Equal(t, usdc, settlement.NetSwaps[0].TokenIn)
	assert.Equal(t, int64(2998), settlement.NetSwaps[0].NetAmount.Int64())
}
