// Package consensus collects committee attestations over settlement hashes.
// Every operator computes the settlement independently; if their hashes
// agree they sign the same digest, and the aggregator tracks distinct
// signers until the quorum threshold is reached.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/veilfi/darkbatch/crypto"
	"github.com/veilfi/darkbatch/ledger"
	"github.com/veilfi/darkbatch/protocol"
)

var (
	ErrQuorumNotMet      = errors.New("quorum not met")
	ErrNotInCommittee    = errors.New("operator not in committee for batch")
	ErrUnknownSettlement = errors.New("no pending settlement for hash")
	ErrOperatorMismatch  = errors.New("attestation operator does not match signer")
)

// Attestation is one operator's vote that a settlement hash is the correct
// outcome for a batch. It travels wrapped in protocol.Signed.
type Attestation struct {
	BatchID        uuid.UUID         `json:"batch_id"`
	SettlementHash protocol.Hash     `json:"settlement_hash"`
	Operator       crypto.OperatorID `json:"operator"`
}

type pending struct {
	settlement *ledger.Settlement
	signatures map[crypto.OperatorID]ledger.CommitteeSignature
	sigOrder   []crypto.OperatorID
}

// Aggregator tracks pending settlements and their attestations. Committee
// membership is checked against the ledger per batch, so a valid signature
// from a non-member never counts.
type Aggregator struct {
	log    *slog.Logger
	ledger ledger.Ledger
	quorum int

	mu      sync.Mutex
	pending map[protocol.Hash]*pending
	byBatch map[uuid.UUID]protocol.Hash
}

func NewAggregator(log *slog.Logger, l ledger.Ledger, minAttestations int) *Aggregator {
	return &Aggregator{
		log:     log,
		ledger:  l,
		quorum:  minAttestations,
		pending: make(map[protocol.Hash]*pending),
		byBatch: make(map[uuid.UUID]protocol.Hash),
	}
}

// Propose registers a computed settlement and returns its canonical hash.
// Proposing the same settlement again is a no-op returning the same hash;
// attestations gathered in the meantime are kept.
func (a *Aggregator) Propose(settlement *ledger.Settlement) protocol.Hash {
	hash := protocol.HashSettlement(settlement)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pending[hash]; !ok {
		a.pending[hash] = &pending{
			settlement: settlement,
			signatures: make(map[crypto.OperatorID]ledger.CommitteeSignature),
		}
		a.byBatch[settlement.BatchID] = hash
		a.log.Debug("registered settlement proposal", "batch", settlement.BatchID, "hash", hash.Hex())
	}
	return hash
}

// Attest verifies and records one signed attestation. The signature, the
// claimed operator id and the committee membership must all line up; a
// duplicate attestation from an operator already counted is a no-op.
func (a *Aggregator) Attest(ctx context.Context, signed *protocol.Signed[Attestation]) error {
	att, signerPub, err := signed.Recover()
	if err != nil {
		return fmt.Errorf("invalid attestation signature: %w", err)
	}
	if crypto.PublicKeyToOperatorID(signerPub) != att.Operator {
		return ErrOperatorMismatch
	}

	a.mu.Lock()
	p, ok := a.pending[att.SettlementHash]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSettlement, att.SettlementHash.Hex())
	}

	inCommittee, err := a.ledger.IsCommitteeMemberSelected(ctx, att.BatchID, att.Operator)
	if err != nil {
		return fmt.Errorf("committee lookup failed: %w", err)
	}
	if !inCommittee {
		return fmt.Errorf("%w: operator %s, batch %s", ErrNotInCommittee, att.Operator, att.BatchID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := p.signatures[att.Operator]; dup {
		return nil
	}
	p.signatures[att.Operator] = ledger.CommitteeSignature{
		Operator:  att.Operator,
		Signature: signed.Signature,
	}
	p.sigOrder = append(p.sigOrder, att.Operator)
	a.log.Info("recorded attestation",
		"batch", att.BatchID,
		"operator", att.Operator,
		"signatures", len(p.signatures),
		"quorum", a.quorum,
	)
	return nil
}

// QuorumReached reports whether enough distinct operators attested.
func (a *Aggregator) QuorumReached(hash protocol.Hash) bool {
	count, _ := a.Status(hash)
	return count >= a.quorum
}

// Status returns the distinct-signer count for a pending settlement.
func (a *Aggregator) Status(hash protocol.Hash) (signers int, known bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[hash]
	if !ok {
		return 0, false
	}
	return len(p.signatures), true
}

// Signatures returns the collected signatures in attestation order, or
// ErrQuorumNotMet while the settlement is still short of quorum.
func (a *Aggregator) Signatures(hash protocol.Hash) ([]ledger.CommitteeSignature, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSettlement, hash.Hex())
	}
	if len(p.signatures) < a.quorum {
		return nil, fmt.Errorf("%w: %d of %d", ErrQuorumNotMet, len(p.signatures), a.quorum)
	}
	out := make([]ledger.CommitteeSignature, 0, len(p.sigOrder))
	for _, op := range p.sigOrder {
		out = append(out, p.signatures[op])
	}
	return out, nil
}

// Settlement returns the proposed settlement for a hash.
func (a *Aggregator) Settlement(hash protocol.Hash) (*ledger.Settlement, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[hash]
	if !ok {
		return nil, false
	}
	return p.settlement, true
}

// HashForBatch returns the hash of the pending settlement for a batch.
func (a *Aggregator) HashForBatch(batchID uuid.UUID) (protocol.Hash, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.byBatch[batchID]
	return h, ok
}

// Evict drops a settlement after publication so the aggregator does not
// grow without bound.
func (a *Aggregator) Evict(hash protocol.Hash) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.pending[hash]; ok {
		delete(a.byBatch, p.settlement.BatchID)
		delete(a.pending, hash)
	}
}
