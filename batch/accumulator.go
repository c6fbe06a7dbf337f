// Package batch accumulates intents into per-pool batches and owns the
// batch state machine. Transitions are monotonic (open, finalized, settled)
// and every finalization path funnels through the same internal step, so a
// batch finalizes exactly once no matter how many triggers race.
package batch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/veilfi/darkbatch/ledger"
	"github.com/veilfi/darkbatch/metrics"
)

var ErrIntentExpired = errors.New("intent deadline has passed")

// Config holds the batching triggers. All committee members must agree on
// these values or they will disagree on batch boundaries.
type Config struct {
	// IntervalBlocks closes a batch once it is this many blocks old.
	IntervalBlocks uint64

	// MaxIdleBlocks gates ForceIdleFinalize: a batch with activity more
	// recent than this cannot be force-closed by the idle path.
	MaxIdleBlocks uint64

	// MaxSize closes a batch immediately at this many intents. Zero
	// disables the size trigger.
	MaxSize int
}

type record struct {
	batch        ledger.Batch
	lastActivity uint64
}

// Accumulator groups intents into batches and drives their lifecycle. It
// implements ledger.BatchManager.
type Accumulator struct {
	log    *slog.Logger
	cfg    Config
	blocks func() uint64

	// onFinalized, when set, is invoked outside the accumulator lock for
	// every batch that closes. The mock ledger uses it to emit logs.
	onFinalized func(ledger.FinalizedEvent)

	mu         sync.Mutex
	batches    map[uuid.UUID]*record
	openByPool map[string]uuid.UUID
}

// NewAccumulator creates an accumulator. blocks supplies the current chain
// height and must never go backwards.
func NewAccumulator(log *slog.Logger, cfg Config, blocks func() uint64, onFinalized func(ledger.FinalizedEvent)) *Accumulator {
	return &Accumulator{
		log:         log,
		cfg:         cfg,
		blocks:      blocks,
		onFinalized: onFinalized,
		batches:     make(map[uuid.UUID]*record),
		openByPool:  make(map[string]uuid.UUID),
	}
}

// Submit places an intent into the open batch for its pool, opening one if
// needed, and returns the batch id. Intents whose deadline has already
// passed are refused. The size trigger fires here.
func (a *Accumulator) Submit(intent ledger.Intent) (uuid.UUID, error) {
	now := a.blocks()
	if intent.Expired(now) {
		return uuid.Nil, fmt.Errorf("%w: deadline %d, block %d", ErrIntentExpired, intent.Deadline, now)
	}

	a.mu.Lock()
	rec := a.openBatchLocked(intent.PoolID, now)
	rec.batch.IntentIDs = append(rec.batch.IntentIDs, intent.ID)
	rec.lastActivity = now

	var fired *ledger.FinalizedEvent
	if a.cfg.MaxSize > 0 && len(rec.batch.IntentIDs) >= a.cfg.MaxSize {
		fired = a.finalizeLocked(rec, "size")
	}
	batchID := rec.batch.ID
	a.mu.Unlock()

	a.emit(fired)
	return batchID, nil
}

// TryFinalize applies the block-interval trigger. It returns true when the
// batch is finalized after the call, whether this call closed it or a racing
// one already had, so concurrent finalizers all observe success. An open
// batch that has not aged past the interval, or holds no intents, stays
// open and the call returns false.
func (a *Accumulator) TryFinalize(batchID uuid.UUID) bool {
	now := a.blocks()

	a.mu.Lock()
	rec, ok := a.batches[batchID]
	if !ok {
		a.mu.Unlock()
		return false
	}
	if rec.batch.State != ledger.BatchOpen {
		a.mu.Unlock()
		return true
	}
	if len(rec.batch.IntentIDs) == 0 || now-rec.batch.CreatedAt < a.cfg.IntervalBlocks {
		a.mu.Unlock()
		return false
	}
	fired := a.finalizeLocked(rec, "interval")
	a.mu.Unlock()

	a.emit(fired)
	return true
}

// ForceIdleFinalize is the privileged recovery path for a batch that stopped
// receiving intents. It refuses until the batch has been idle for at least
// MaxIdleBlocks; before that only AdminFinalize can close it.
func (a *Accumulator) ForceIdleFinalize(batchID uuid.UUID) bool {
	now := a.blocks()

	a.mu.Lock()
	rec, ok := a.batches[batchID]
	if !ok {
		a.mu.Unlock()
		return false
	}
	if rec.batch.State != ledger.BatchOpen {
		a.mu.Unlock()
		return true
	}
	if len(rec.batch.IntentIDs) == 0 || now-rec.lastActivity < a.cfg.MaxIdleBlocks {
		a.mu.Unlock()
		return false
	}
	fired := a.finalizeLocked(rec, "idle")
	a.mu.Unlock()

	a.emit(fired)
	return true
}

// AdminFinalize closes a non-empty open batch unconditionally, bypassing the
// interval and idle gates.
func (a *Accumulator) AdminFinalize(batchID uuid.UUID) bool {
	a.mu.Lock()
	rec, ok := a.batches[batchID]
	if !ok {
		a.mu.Unlock()
		return false
	}
	if rec.batch.State != ledger.BatchOpen {
		a.mu.Unlock()
		return true
	}
	if len(rec.batch.IntentIDs) == 0 {
		a.mu.Unlock()
		return false
	}
	fired := a.finalizeLocked(rec, "admin")
	a.mu.Unlock()

	a.emit(fired)
	return true
}

// OpenBatch returns the currently open batch for a pool, if any.
func (a *Accumulator) OpenBatch(poolID string) (ledger.Batch, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.openByPool[poolID]
	if !ok {
		return ledger.Batch{}, false
	}
	return copyBatch(a.batches[id].batch), true
}

// OpenBatches returns every batch still accepting intents.
func (a *Accumulator) OpenBatches() []ledger.Batch {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ledger.Batch, 0, len(a.openByPool))
	for _, id := range a.openByPool {
		out = append(out, copyBatch(a.batches[id].batch))
	}
	return out
}

// Batch returns a batch by id.
func (a *Accumulator) Batch(batchID uuid.UUID) (ledger.Batch, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.batches[batchID]
	if !ok {
		return ledger.Batch{}, false
	}
	return copyBatch(rec.batch), true
}

// MarkSettled moves a finalized batch to settled. Any other starting state
// is a conflict: settling an open batch would skip finalization, and a
// settled batch stays settled.
func (a *Accumulator) MarkSettled(batchID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.batches[batchID]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrBatchNotFound, batchID)
	}
	if rec.batch.State != ledger.BatchFinalized {
		return fmt.Errorf("%w: batch %s is %s, want finalized", ledger.ErrBatchStateConflict, batchID, rec.batch.State)
	}
	rec.batch.State = ledger.BatchSettled
	return nil
}

func (a *Accumulator) openBatchLocked(poolID string, now uint64) *record {
	if id, ok := a.openByPool[poolID]; ok {
		return a.batches[id]
	}
	rec := &record{
		batch: ledger.Batch{
			ID:        uuid.New(),
			PoolID:    poolID,
			CreatedAt: now,
			State:     ledger.BatchOpen,
		},
		lastActivity: now,
	}
	a.batches[rec.batch.ID] = rec
	a.openByPool[poolID] = rec.batch.ID
	a.log.Debug("opened batch", "batch", rec.batch.ID, "pool", poolID, "block", now)
	return rec
}

func (a *Accumulator) finalizeLocked(rec *record, reason string) *ledger.FinalizedEvent {
	rec.batch.State = ledger.BatchFinalized
	delete(a.openByPool, rec.batch.PoolID)
	metrics.BatchesFinalized.Inc()
	a.log.Info("finalized batch",
		"batch", rec.batch.ID,
		"pool", rec.batch.PoolID,
		"intents", len(rec.batch.IntentIDs),
		"reason", reason,
	)
	return &ledger.FinalizedEvent{
		BatchID:     rec.batch.ID,
		IntentCount: len(rec.batch.IntentIDs),
	}
}

func (a *Accumulator) emit(ev *ledger.FinalizedEvent) {
	if ev == nil || a.onFinalized == nil {
		return
	}
	a.onFinalized(*ev)
}

func copyBatch(b ledger.Batch) ledger.Batch {
	out := b
	out.IntentIDs = append([]uuid.UUID(nil), b.IntentIDs...)
	return out
}
