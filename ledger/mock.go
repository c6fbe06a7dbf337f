package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/veilfi/darkbatch/crypto"
)

// MockLedger is an in-memory ledger with a monotonically increasing block
// counter. Batch accumulation is delegated to a BatchManager so the batch
// package owns every state transition; the mock records the resulting
// finalization events as raw logs, the way a chain would.
//
// Used by tests and the local demo, and served over HTTP by the gateway for
// multi-process deployments.
type MockLedger struct {
	mu      sync.Mutex
	height  uint64
	intents map[uuid.UUID]Intent
	logs    []RawLog

	batches BatchManager

	committee   map[crypto.OperatorID]bool
	settlements map[uuid.UUID]Settlement

	// rejectNext makes the next N SubmitSettlement calls fail with
	// ErrLedgerRejected, for exercising the publisher's retry path.
	rejectNext int
}

// NewMockLedger creates a mock ledger starting at block 1.
func NewMockLedger() *MockLedger {
	return &MockLedger{
		height:      1,
		intents:     make(map[uuid.UUID]Intent),
		committee:   make(map[crypto.OperatorID]bool),
		settlements: make(map[uuid.UUID]Settlement),
	}
}

// SetBatchManager wires in the batch accumulator. Must be called before any
// intent is submitted.
func (m *MockLedger) SetBatchManager(bm BatchManager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = bm
}

// BatchManager returns the wired batch accumulator, for privileged callers
// that need the admin finalization path.
func (m *MockLedger) BatchManager() BatchManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

// Height returns the current block number without error, for wiring into
// components that need a block source.
func (m *MockLedger) Height() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height
}

// AdvanceBlocks moves the chain forward n blocks.
func (m *MockLedger) AdvanceBlocks(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height += n
}

// RecordFinalized appends a BatchFinalized log at the current height.
// The batch accumulator calls this when a batch closes.
func (m *MockLedger) RecordFinalized(ev FinalizedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Block = m.height
	m.logs = append(m.logs, EncodeFinalizedEvent(ev))
}

// SetCommittee authorizes a set of operators for all batches. An empty
// committee authorizes everyone, the degenerate testing configuration.
func (m *MockLedger) SetCommittee(operators []crypto.OperatorID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committee = make(map[crypto.OperatorID]bool, len(operators))
	for _, op := range operators {
		m.committee[op] = true
	}
}

// RejectNext makes the next n settlements fail with ErrLedgerRejected.
func (m *MockLedger) RejectNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectNext = n
}

// BlockNumber implements Ledger.
func (m *MockLedger) BlockNumber(ctx context.Context) (uint64, error) {
	return m.Height(), nil
}

// SubmitIntent implements Ledger. The intent is stamped with the current
// block and routed to the batch accumulator.
func (m *MockLedger) SubmitIntent(ctx context.Context, intent Intent) (uuid.UUID, error) {
	m.mu.Lock()
	if m.batches == nil {
		m.mu.Unlock()
		return uuid.Nil, errors.New("mock ledger has no batch manager")
	}
	if intent.ID == uuid.Nil {
		intent.ID = uuid.New()
	}
	intent.SubmittedAt = m.height
	bm := m.batches
	m.mu.Unlock()

	if _, err := bm.Submit(intent); err != nil {
		return uuid.Nil, err
	}

	m.mu.Lock()
	m.intents[intent.ID] = intent
	m.mu.Unlock()
	return intent.ID, nil
}

// GetIntent implements Ledger.
func (m *MockLedger) GetIntent(ctx context.Context, id uuid.UUID) (Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return Intent{}, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	return intent, nil
}

// GetBatch implements Ledger.
func (m *MockLedger) GetBatch(ctx context.Context, id uuid.UUID) (Batch, error) {
	m.mu.Lock()
	bm := m.batches
	m.mu.Unlock()
	if bm == nil {
		return Batch{}, errors.New("mock ledger has no batch manager")
	}
	batch, ok := bm.Batch(id)
	if !ok {
		return Batch{}, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return batch, nil
}

// OpenBatches implements Ledger.
func (m *MockLedger) OpenBatches(ctx context.Context) ([]Batch, error) {
	m.mu.Lock()
	bm := m.batches
	m.mu.Unlock()
	if bm == nil {
		return nil, errors.New("mock ledger has no batch manager")
	}
	return bm.OpenBatches(), nil
}

// TryFinalize implements Ledger.
func (m *MockLedger) TryFinalize(ctx context.Context, batchID uuid.UUID) (bool, error) {
	m.mu.Lock()
	bm := m.batches
	m.mu.Unlock()
	if bm == nil {
		return false, errors.New("mock ledger has no batch manager")
	}
	return bm.TryFinalize(batchID), nil
}

// ForceIdleFinalize implements Ledger.
func (m *MockLedger) ForceIdleFinalize(ctx context.Context, batchID uuid.UUID) (bool, error) {
	m.mu.Lock()
	bm := m.batches
	m.mu.Unlock()
	if bm == nil {
		return false, errors.New("mock ledger has no batch manager")
	}
	return bm.ForceIdleFinalize(batchID), nil
}

// FinalizedEvents implements Ledger. Logs with other topics are skipped via
// the tagged decoder; malformed BatchFinalized logs abort the scan.
func (m *MockLedger) FinalizedEvents(ctx context.Context, from, to uint64) ([]FinalizedEvent, error) {
	m.mu.Lock()
	logs := make([]RawLog, len(m.logs))
	copy(logs, m.logs)
	m.mu.Unlock()

	var events []FinalizedEvent
	for _, l := range logs {
		if l.Block < from || l.Block > to {
			continue
		}
		ev, err := DecodeFinalizedEvent(l)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			continue
		}
		events = append(events, *ev)
	}
	return events, nil
}

// SubmitSettlement implements Ledger. The batch state transition check is
// the sole arbiter of racing publishers: the first accepted settlement wins,
// later attempts observe ErrAlreadySettled.
func (m *MockLedger) SubmitSettlement(ctx context.Context, settlement Settlement, sigs []CommitteeSignature) (Receipt, error) {
	m.mu.Lock()
	if m.rejectNext > 0 {
		m.rejectNext--
		m.mu.Unlock()
		return Receipt{}, fmt.Errorf("%w: transient resource exhaustion", ErrLedgerRejected)
	}
	bm := m.batches
	height := m.height
	m.mu.Unlock()

	if bm == nil {
		return Receipt{}, errors.New("mock ledger has no batch manager")
	}

	batch, ok := bm.Batch(settlement.BatchID)
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s", ErrBatchNotFound, settlement.BatchID)
	}
	switch batch.State {
	case BatchSettled:
		return Receipt{Block: height, TxHash: settlementTxHash(settlement)}, ErrAlreadySettled
	case BatchOpen:
		return Receipt{}, fmt.Errorf("%w: batch %s is still open", ErrLedgerRejected, batch.ID)
	}

	if err := bm.MarkSettled(settlement.BatchID); err != nil {
		if errors.Is(err, ErrBatchStateConflict) {
			return Receipt{Block: height, TxHash: settlementTxHash(settlement)}, ErrAlreadySettled
		}
		return Receipt{}, err
	}

	settlement.Signatures = sigs
	m.mu.Lock()
	m.settlements[settlement.BatchID] = settlement
	m.mu.Unlock()

	return Receipt{Block: height, TxHash: settlementTxHash(settlement)}, nil
}

// IsCommitteeMemberSelected implements Ledger.
func (m *MockLedger) IsCommitteeMemberSelected(ctx context.Context, batchID uuid.UUID, operator crypto.OperatorID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.committee) == 0 {
		return true, nil
	}
	return m.committee[operator], nil
}

// Settlement returns the accepted settlement for a batch, if any.
func (m *MockLedger) Settlement(batchID uuid.UUID) (Settlement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settlements[batchID]
	return s, ok
}

func settlementTxHash(s Settlement) string {
	h := sha3.New256()
	h.Write(s.BatchID[:])
	return hex.EncodeToString(h.Sum(nil))
}
