package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/veilfi/darkbatch/crypto"
)

// Errors at the ledger boundary. A finalize or settle attempt against a
// batch already past that step yields ErrBatchStateConflict; committee
// members race at this boundary and the ledger's state check is the sole
// arbiter, so callers treat it as a no-op.
var (
	ErrIntentNotFound     = errors.New("intent not found")
	ErrBatchNotFound      = errors.New("batch not found")
	ErrBatchStateConflict = errors.New("batch state conflict")
	ErrAlreadySettled     = errors.New("batch already settled")
	ErrLedgerRejected     = errors.New("ledger rejected settlement")
)

// Ledger is the narrow read/write interface the settlement engine consumes.
// All methods are I/O-bound; implementations must be safe for use from the
// engine's event loop.
type Ledger interface {
	// BlockNumber returns the current chain height.
	BlockNumber(ctx context.Context) (uint64, error)

	// SubmitIntent records a new intent and returns its id.
	SubmitIntent(ctx context.Context, intent Intent) (uuid.UUID, error)

	// GetIntent fetches an intent by id, or ErrIntentNotFound.
	GetIntent(ctx context.Context, id uuid.UUID) (Intent, error)

	// GetBatch fetches a batch by id, or ErrBatchNotFound.
	GetBatch(ctx context.Context, id uuid.UUID) (Batch, error)

	// OpenBatches lists batches still accepting intents, for finalization
	// polling.
	OpenBatches(ctx context.Context) ([]Batch, error)

	// TryFinalize applies the block-interval trigger to a batch. True means
	// the batch is finalized after the call, including when a racing caller
	// finalized it first.
	TryFinalize(ctx context.Context, batchID uuid.UUID) (bool, error)

	// ForceIdleFinalize is the privileged idle-timeout path. It refuses
	// until the batch has been idle past the configured threshold.
	ForceIdleFinalize(ctx context.Context, batchID uuid.UUID) (bool, error)

	// FinalizedEvents returns BatchFinalized events emitted in the inclusive
	// block range [from, to], in emission order. Pollers track a cursor over
	// block numbers and re-scan gaps after missed ticks.
	FinalizedEvents(ctx context.Context, from, to uint64) ([]FinalizedEvent, error)

	// SubmitSettlement publishes a settlement with its committee signatures.
	// Publishing an already-settled batch returns ErrAlreadySettled, which
	// callers treat as success.
	SubmitSettlement(ctx context.Context, settlement Settlement, sigs []CommitteeSignature) (Receipt, error)

	// IsCommitteeMemberSelected reports whether the operator is in the
	// authorized committee for the batch.
	IsCommitteeMemberSelected(ctx context.Context, batchID uuid.UUID, operator crypto.OperatorID) (bool, error)
}

// BatchManager is the batch-accumulation surface the mock ledger delegates
// to. The batch package provides the implementation; keeping the interface
// here avoids an import cycle while letting the accumulator own all state
// transitions.
type BatchManager interface {
	Submit(intent Intent) (uuid.UUID, error)
	TryFinalize(batchID uuid.UUID) bool
	ForceIdleFinalize(batchID uuid.UUID) bool
	AdminFinalize(batchID uuid.UUID) bool
	OpenBatch(poolID string) (Batch, bool)
	OpenBatches() []Batch
	Batch(batchID uuid.UUID) (Batch, bool)
	MarkSettled(batchID uuid.UUID) error
}
