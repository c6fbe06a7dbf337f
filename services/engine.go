package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilfi/darkbatch/codec"
	"github.com/veilfi/darkbatch/consensus"
	"github.com/veilfi/darkbatch/crypto"
	"github.com/veilfi/darkbatch/ledger"
	"github.com/veilfi/darkbatch/matcher"
	"github.com/veilfi/darkbatch/metrics"
	"github.com/veilfi/darkbatch/protocol"
	"github.com/veilfi/darkbatch/publisher"
)

// amountTag is the ciphertext type every intent amount is encrypted under.
// The engine decodes against it and treats any other tag as a per-intent
// type mismatch.
const amountTag = codec.TagUint128

// Announcer broadcasts this operator's attestation to its peers. The
// operator service implements it over HTTP; tests substitute a direct
// in-process fanout.
type Announcer interface {
	BroadcastAttestation(ctx context.Context, att *protocol.Signed[consensus.Attestation])
}

// noopAnnouncer is used when an engine runs without peers.
type noopAnnouncer struct{}

func (noopAnnouncer) BroadcastAttestation(context.Context, *protocol.Signed[consensus.Attestation]) {
}

// Engine is one committee member's settlement pipeline. It polls the ledger
// for finalized batches, recomputes each batch's settlement from
// authoritative ledger data, attests to it, and publishes once quorum is
// collected.
//
// All cross-batch state (the block cursor, the pending set) is owned by the
// engine and mutated under one mutex; the two polling loops and the HTTP
// attestation handlers are the only writers.
type Engine struct {
	log        *slog.Logger
	cfg        protocol.EngineConfig
	ledger     ledger.Ledger
	codec      *codec.Codec
	aggregator *consensus.Aggregator
	publisher  *publisher.Publisher
	announcer  Announcer
	signingKey crypto.PrivateKey
	operatorID crypto.OperatorID

	mu sync.Mutex
	// lastProcessedBlock is the scan cursor: every block up to and
	// including it has had its finalization events collected. Gaps from
	// missed ticks are re-scanned because the cursor only advances after a
	// successful event fetch.
	lastProcessedBlock uint64
	// pending holds finalized batches that are not yet settled, keyed by
	// batch id. A batch leaves the set when published or found settled;
	// deferred batches (decryption unavailable, quorum not met) stay and
	// are retried on the next cycle.
	pending map[uuid.UUID]ledger.FinalizedEvent
}

// NewEngine creates a settlement engine for one operator.
func NewEngine(log *slog.Logger, cfg protocol.EngineConfig, l ledger.Ledger, c *codec.Codec, signingKey crypto.PrivateKey) (*Engine, error) {
	pubKey, err := signingKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	operatorID := crypto.PublicKeyToOperatorID(pubKey)

	return &Engine{
		log:        log.With("operator", operatorID),
		cfg:        cfg,
		ledger:     l,
		codec:      c,
		aggregator: consensus.NewAggregator(log, l, cfg.MinAttestations),
		publisher:  publisher.New(log, l, cfg.MinAttestations),
		announcer:  noopAnnouncer{},
		signingKey: signingKey,
		operatorID: operatorID,
		pending:    make(map[uuid.UUID]ledger.FinalizedEvent),
	}, nil
}

// SetAnnouncer wires the peer broadcast path. Must be called before Run.
func (e *Engine) SetAnnouncer(a Announcer) {
	e.announcer = a
}

// OperatorID returns this engine's committee identity.
func (e *Engine) OperatorID() crypto.OperatorID {
	return e.operatorID
}

// Aggregator exposes the consensus state for the operator's HTTP handlers.
func (e *Engine) Aggregator() *consensus.Aggregator {
	return e.aggregator
}

// Run drives the two polling loops until the context is cancelled: a short
// loop scanning for finalization events and processing pending batches, and
// a slower loop evaluating finalization triggers on open batches.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.cfg.ShortPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.scanCycle(ctx)
			}
		}
	}()

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.cfg.IdlePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.finalizeCycle(ctx)
			}
		}
	}()

	wg.Wait()
}

// scanCycle collects new finalization events past the cursor and processes
// everything pending.
func (e *Engine) scanCycle(ctx context.Context) {
	head, err := e.ledger.BlockNumber(ctx)
	if err != nil {
		e.log.Error("could not read block number", "err", err)
		return
	}

	e.mu.Lock()
	from := e.lastProcessedBlock + 1
	e.mu.Unlock()

	if head >= from {
		events, err := e.ledger.FinalizedEvents(ctx, from, head)
		if err != nil {
			// cursor stays put, the gap is re-scanned next tick
			e.log.Error("could not scan finalization events", "from", from, "to", head, "err", err)
			return
		}

		e.mu.Lock()
		for _, ev := range events {
			if _, known := e.pending[ev.BatchID]; !known {
				e.pending[ev.BatchID] = ev
				e.log.Info("observed finalized batch", "batch", ev.BatchID, "intents", ev.IntentCount, "block", ev.Block)
			}
		}
		e.lastProcessedBlock = head
		e.mu.Unlock()
	}

	for _, ev := range e.pendingSnapshot() {
		if err := e.processBatch(ctx, ev.BatchID); err != nil {
			e.log.Warn("batch deferred", "batch", ev.BatchID, "reason", err)
		}
	}
}

// finalizeCycle applies the interval and idle triggers to open batches.
func (e *Engine) finalizeCycle(ctx context.Context) {
	open, err := e.ledger.OpenBatches(ctx)
	if err != nil {
		e.log.Error("could not list open batches", "err", err)
		return
	}
	for _, b := range open {
		done, err := e.ledger.TryFinalize(ctx, b.ID)
		if err != nil {
			e.log.Error("interval finalize failed", "batch", b.ID, "err", err)
			continue
		}
		if done {
			continue
		}
		if _, err := e.ledger.ForceIdleFinalize(ctx, b.ID); err != nil {
			e.log.Error("idle finalize failed", "batch", b.ID, "err", err)
		}
	}
}

func (e *Engine) pendingSnapshot() []ledger.FinalizedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ledger.FinalizedEvent, 0, len(e.pending))
	for _, ev := range e.pending {
		out = append(out, ev)
	}
	return out
}

func (e *Engine) dropPending(batchID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, batchID)
}

// processBatch runs the full pipeline for one finalized batch: committee
// check, decode, match, attest, and publish when quorum allows. A returned
// error defers the batch to the next cycle; terminal outcomes drop it from
// the pending set.
func (e *Engine) processBatch(ctx context.Context, batchID uuid.UUID) error {
	metrics.BatchesProcessed.Inc()

	selected, err := e.ledger.IsCommitteeMemberSelected(ctx, batchID, e.operatorID)
	if err != nil {
		return fmt.Errorf("committee lookup: %w", err)
	}
	if !selected {
		e.log.Debug("not selected for batch", "batch", batchID)
		e.dropPending(batchID)
		return nil
	}

	b, err := e.ledger.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("loading batch: %w", err)
	}
	if b.State == ledger.BatchSettled {
		e.dropPending(batchID)
		return nil
	}

	decrypted, err := e.decodeIntents(ctx, &b)
	if err != nil {
		return err
	}

	result, err := matcher.Match(decrypted)
	if err != nil {
		// matching is deterministic over decoded data, this cannot heal
		// on retry
		e.log.Error("matching failed, batch abandoned", "batch", batchID, "err", err)
		e.dropPending(batchID)
		return nil
	}

	settlement, err := e.buildSettlement(ctx, batchID, result)
	if err != nil {
		return fmt.Errorf("sealing settlement: %w", err)
	}

	hash := e.aggregator.Propose(settlement)

	signedAtt, err := e.selfAttest(ctx, batchID, hash)
	if err != nil {
		return fmt.Errorf("self-attestation: %w", err)
	}
	e.announcer.BroadcastAttestation(ctx, signedAtt)

	return e.tryPublish(ctx, hash)
}

// decodeIntents loads and decodes the batch's intents in submission order.
// Expired intents are terminally excluded, type mismatches are isolated to
// the offending intent, and decryption unavailability defers the batch.
func (e *Engine) decodeIntents(ctx context.Context, b *ledger.Batch) ([]matcher.DecryptedIntent, error) {
	block, err := e.ledger.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading block number: %w", err)
	}

	decrypted := make([]matcher.DecryptedIntent, 0, len(b.IntentIDs))
	for _, intentID := range b.IntentIDs {
		intent, err := e.ledger.GetIntent(ctx, intentID)
		if err != nil {
			return nil, fmt.Errorf("loading intent %s: %w", intentID, err)
		}
		if intent.Expired(block) {
			metrics.IntentsExpired.Inc()
			e.log.Info("excluding expired intent", "intent", intentID, "deadline", intent.Deadline, "block", block)
			continue
		}

		value, err := e.decodeWithRetry(ctx, intent.EncryptedAmount)
		switch {
		case err == nil:
			decrypted = append(decrypted, matcher.DecryptedIntent{Intent: intent, Amount: value.Int})
		case errors.Is(err, codec.ErrTypeMismatch), errors.Is(err, codec.ErrUnsupportedTag):
			metrics.DecodeTypeMismatches.Inc()
			e.log.Warn("excluding undecodable intent", "intent", intentID, "err", err)
		default:
			return nil, fmt.Errorf("decrypting intent %s: %w", intentID, err)
		}
	}
	return decrypted, nil
}

// decodeWithRetry retries transient decryption unavailability with bounded
// exponential backoff before giving up for this cycle.
func (e *Engine) decodeWithRetry(ctx context.Context, ev codec.EncryptedValue) (codec.Value, error) {
	backoff := protocol.NewBackoff(50*time.Millisecond, time.Second)

	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxDecryptAttempts; attempt++ {
		if attempt > 0 {
			metrics.DecryptRetries.Inc()
			select {
			case <-ctx.Done():
				return codec.Value{}, ctx.Err()
			case <-time.After(backoff.Next()):
			}
		}

		value, err := e.codec.Decode(ctx, ev, amountTag)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, codec.ErrDecryptionUnavailable) {
			return codec.Value{}, err
		}
		lastErr = err
	}
	return codec.Value{}, lastErr
}

// buildSettlement seals the cleartext transfer legs so published transfers
// reveal no more than the trade itself.
func (e *Engine) buildSettlement(ctx context.Context, batchID uuid.UUID, result matcher.Result) (*ledger.Settlement, error) {
	settlement := &ledger.Settlement{
		BatchID:   batchID,
		Transfers: result.Transfers,
		NetSwaps:  result.NetSwaps,
	}

	for i := range settlement.Transfers {
		tr := &settlement.Transfers[i]

		valueA, err := codec.NewUintValue(amountTag, tr.AmountA)
		if err != nil {
			return nil, err
		}
		sealedA, err := e.codec.Encrypt(ctx, valueA, e.cfg.SecurityZone)
		if err != nil {
			return nil, err
		}
		tr.SealedAmountA = &sealedA

		valueB, err := codec.NewUintValue(amountTag, tr.AmountB)
		if err != nil {
			return nil, err
		}
		sealedB, err := e.codec.Encrypt(ctx, valueB, e.cfg.SecurityZone)
		if err != nil {
			return nil, err
		}
		tr.SealedAmountB = &sealedB
	}
	return settlement, nil
}

func (e *Engine) selfAttest(ctx context.Context, batchID uuid.UUID, hash protocol.Hash) (*protocol.Signed[consensus.Attestation], error) {
	signed, err := protocol.NewSigned(e.signingKey, &consensus.Attestation{
		BatchID:        batchID,
		SettlementHash: hash,
		Operator:       e.operatorID,
	})
	if err != nil {
		return nil, err
	}
	if err := e.aggregator.Attest(ctx, signed); err != nil {
		return nil, err
	}
	metrics.AttestationsRecorded.Inc()
	return signed, nil
}

// OnAttestation records a peer's attestation and publishes if it completes
// the quorum. Called from the operator's HTTP handler.
func (e *Engine) OnAttestation(ctx context.Context, signed *protocol.Signed[consensus.Attestation]) (AttestResponse, error) {
	if err := e.aggregator.Attest(ctx, signed); err != nil {
		return AttestResponse{}, err
	}
	metrics.AttestationsRecorded.Inc()

	hash := signed.UnsafeObject().SettlementHash
	if err := e.tryPublish(ctx, hash); err != nil {
		e.log.Warn("publish after attestation deferred", "err", err)
	}

	signers, _ := e.aggregator.Status(hash)
	return AttestResponse{Signers: signers, Quorum: e.aggregator.QuorumReached(hash)}, nil
}

// tryPublish submits the settlement once quorum is reached. Short of quorum
// it leaves the batch pending; the next cycle re-announces.
func (e *Engine) tryPublish(ctx context.Context, hash protocol.Hash) error {
	if !e.aggregator.QuorumReached(hash) {
		signers, _ := e.aggregator.Status(hash)
		e.log.Debug("quorum not yet met", "hash", hash.Hex(), "signers", signers, "needed", e.cfg.MinAttestations)
		return nil
	}

	settlement, ok := e.aggregator.Settlement(hash)
	if !ok {
		return fmt.Errorf("%w: %s", consensus.ErrUnknownSettlement, hash.Hex())
	}
	sigs, err := e.aggregator.Signatures(hash)
	if err != nil {
		return err
	}

	if _, err := e.publisher.Publish(ctx, *settlement, sigs); err != nil {
		metrics.SettlementRejections.Inc()
		return fmt.Errorf("publishing batch %s: %w", settlement.BatchID, err)
	}

	metrics.SettlementsPublished.Inc()
	e.dropPending(settlement.BatchID)
	e.aggregator.Evict(hash)
	return nil
}

// ProcessBatchNow runs the pipeline for one batch outside the polling
// schedule, used when a peer announces a proposal this operator has not
// observed yet and by tests.
func (e *Engine) ProcessBatchNow(ctx context.Context, batchID uuid.UUID) error {
	return e.processBatch(ctx, batchID)
}
