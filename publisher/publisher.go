// Package publisher pushes quorum-backed settlements to the ledger. It is
// the last hop of the pipeline and the only component that mutates chain
// state, so it is strict about the quorum gate and forgiving about races:
// several committee members publish the same settlement, the ledger picks a
// winner, and everyone else observes already-settled as success.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/veilfi/darkbatch/consensus"
	"github.com/veilfi/darkbatch/ledger"
)

// Publisher submits settlements exactly once per process. The attempted set
// is process-local and survives until eviction or restart.
type Publisher struct {
	log    *slog.Logger
	ledger ledger.Ledger
	quorum int

	mu        sync.Mutex
	attempted map[uuid.UUID]ledger.Receipt
}

func New(log *slog.Logger, l ledger.Ledger, minAttestations int) *Publisher {
	return &Publisher{
		log:       log,
		ledger:    l,
		quorum:    minAttestations,
		attempted: make(map[uuid.UUID]ledger.Receipt),
	}
}

// Publish submits a settlement with its committee signatures.
//
// The quorum gate is enforced here regardless of what the caller claims:
// fewer than the required distinct operators among the signatures is
// consensus.ErrQuorumNotMet, full stop. A batch this process already
// published is skipped with the cached receipt, and a batch someone else
// settled first returns success as well. A ledger rejection is retried once
// against refreshed batch state before being escalated to the caller.
func (p *Publisher) Publish(ctx context.Context, settlement ledger.Settlement, sigs []ledger.CommitteeSignature) (ledger.Receipt, error) {
	if distinctOperators(sigs) < p.quorum {
		return ledger.Receipt{}, fmt.Errorf("%w: %d distinct signers, need %d",
			consensus.ErrQuorumNotMet, distinctOperators(sigs), p.quorum)
	}

	p.mu.Lock()
	if receipt, done := p.attempted[settlement.BatchID]; done {
		p.mu.Unlock()
		return receipt, nil
	}
	p.mu.Unlock()

	receipt, err := p.ledger.SubmitSettlement(ctx, settlement, sigs)
	switch {
	case err == nil:
		p.markDone(settlement.BatchID, receipt)
		p.log.Info("published settlement", "batch", settlement.BatchID, "tx", receipt.TxHash, "block", receipt.Block)
		return receipt, nil

	case errors.Is(err, ledger.ErrAlreadySettled):
		p.markDone(settlement.BatchID, receipt)
		p.log.Info("batch settled by another operator", "batch", settlement.BatchID)
		return receipt, nil

	case errors.Is(err, ledger.ErrLedgerRejected):
		return p.retryOnce(ctx, settlement, sigs, err)

	default:
		return ledger.Receipt{}, fmt.Errorf("settlement submission failed: %w", err)
	}
}

func (p *Publisher) retryOnce(ctx context.Context, settlement ledger.Settlement, sigs []ledger.CommitteeSignature, first error) (ledger.Receipt, error) {
	batch, err := p.ledger.GetBatch(ctx, settlement.BatchID)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("refreshing batch after rejection: %w", err)
	}
	if batch.State == ledger.BatchSettled {
		p.markDone(settlement.BatchID, ledger.Receipt{})
		return ledger.Receipt{}, nil
	}

	p.log.Warn("ledger rejected settlement, retrying once", "batch", settlement.BatchID, "err", first)
	receipt, err := p.ledger.SubmitSettlement(ctx, settlement, sigs)
	switch {
	case err == nil:
		p.markDone(settlement.BatchID, receipt)
		return receipt, nil
	case errors.Is(err, ledger.ErrAlreadySettled):
		p.markDone(settlement.BatchID, receipt)
		return receipt, nil
	default:
		// escalation point: the batch stays pending and is retried on a
		// later processing cycle
		return ledger.Receipt{}, fmt.Errorf("settlement rejected after retry: %w", err)
	}
}

// Attempted reports whether this process already published the batch.
func (p *Publisher) Attempted(batchID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.attempted[batchID]
	return ok
}

// Evict clears the local attempted marker for a batch.
func (p *Publisher) Evict(batchID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attempted, batchID)
}

func (p *Publisher) markDone(batchID uuid.UUID, receipt ledger.Receipt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempted[batchID] = receipt
}

func distinctOperators(sigs []ledger.CommitteeSignature) int {
	s := ledger.Settlement{Signatures: sigs}
	return s.DistinctOperators()
}
