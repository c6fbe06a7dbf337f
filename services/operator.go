package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/veilfi/darkbatch/api/httpserver"
	"github.com/veilfi/darkbatch/codec"
	"github.com/veilfi/darkbatch/consensus"
	"github.com/veilfi/darkbatch/crypto"
	"github.com/veilfi/darkbatch/ledger"
	"github.com/veilfi/darkbatch/protocol"
)

// Operator is one committee member process: the settlement engine plus the
// HTTP endpoints peers use to exchange attestations.
type Operator struct {
	*baseService
	log    *slog.Logger
	engine *Engine
	server *httpserver.Server

	cancel context.CancelFunc
}

// NewOperator creates an operator service.
func NewOperator(log *slog.Logger, config *ServiceConfig, l ledger.Ledger, c *codec.Codec, signingKey crypto.PrivateKey) (*Operator, error) {
	base, err := newBaseService(config, signingKey)
	if err != nil {
		return nil, err
	}

	engine, err := NewEngine(log, *config.EngineConfig, l, c, signingKey)
	if err != nil {
		return nil, err
	}

	op := &Operator{
		baseService: base,
		log:         log.With("service", "operator", "operator", base.operatorID),
		engine:      engine,
	}
	engine.SetAnnouncer(op)

	op.server, err = httpserver.New(&httpserver.Config{
		ListenAddr:               config.HTTPAddr,
		MetricsAddr:              config.MetricsAddr,
		Log:                      op.log,
		DrainDuration:            time.Second,
		GracefulShutdownDuration: 5 * time.Second,
		ReadTimeout:              10 * time.Second,
		WriteTimeout:             10 * time.Second,
	}, op)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// Engine exposes the settlement engine, used by tests and the orchestrator.
func (o *Operator) Engine() *Engine {
	return o.engine
}

// RegisterRoutes implements httpserver.RouteRegistrar.
func (o *Operator) RegisterRoutes(r chi.Router) {
	r.Post("/attest", o.handleAttest)
	r.Post("/proposal", o.handleProposal)
	r.Get("/registration-data", o.handleRegistrationData)
}

// handleAttest records a peer's attestation. An attestation for a
// settlement this operator has not computed yet kicks off processing of the
// batch; the peer re-announces on its next cycle, by which point the local
// settlement exists and the vote counts.
func (o *Operator) handleAttest(w http.ResponseWriter, req *http.Request) {
	var body AttestRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Message == nil {
		http.Error(w, "malformed attestation request", http.StatusBadRequest)
		return
	}

	resp, err := o.engine.OnAttestation(req.Context(), body.Message)
	switch {
	case err == nil:
		json.NewEncoder(w).Encode(&resp)
	case errors.Is(err, consensus.ErrUnknownSettlement):
		batchID := body.Message.UnsafeObject().BatchID
		go func() {
			if err := o.engine.ProcessBatchNow(context.Background(), batchID); err != nil {
				o.log.Warn("processing announced batch deferred", "batch", batchID, "err", err)
			}
		}()
		json.NewEncoder(w).Encode(&AttestResponse{})
	case errors.Is(err, consensus.ErrNotInCommittee):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

// handleProposal triggers processing of a batch another operator announced.
// The proposal's content is never trusted; this operator recomputes the
// settlement from ledger data and attests only to its own result.
func (o *Operator) handleProposal(w http.ResponseWriter, req *http.Request) {
	var body ProposalRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Message == nil {
		http.Error(w, "malformed proposal request", http.StatusBadRequest)
		return
	}

	announcement, _, err := body.Message.Recover()
	if err != nil {
		http.Error(w, "invalid proposal signature", http.StatusForbidden)
		return
	}

	go func() {
		if err := o.engine.ProcessBatchNow(context.Background(), announcement.BatchID); err != nil {
			o.log.Warn("processing proposed batch deferred", "batch", announcement.BatchID, "err", err)
		}
	}()
	w.WriteHeader(http.StatusOK)
}

func (o *Operator) handleRegistrationData(w http.ResponseWriter, req *http.Request) {
	signed, err := protocol.NewSigned(o.signingKey, o.registration())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(signed)
}

// BroadcastAttestation implements Announcer by posting the attestation to
// every known peer. Delivery is best-effort; pending batches re-announce on
// the next processing cycle.
func (o *Operator) BroadcastAttestation(ctx context.Context, att *protocol.Signed[consensus.Attestation]) {
	payload := &AttestRequest{Message: att}
	for _, endpoint := range o.peerEndpoints() {
		if err := o.postSigned(endpoint, "/attest", payload, nil); err != nil {
			o.log.Debug("attestation broadcast failed", "peer", endpoint, "err", err)
		}
	}
}

// Start registers with the registry and launches the HTTP server, peer
// discovery and the engine loops.
func (o *Operator) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)

	if err := o.registerWithRegistry(); err != nil {
		return fmt.Errorf("registry registration: %w", err)
	}

	o.server.RunInBackground()
	go o.runDiscoveryLoop(ctx)
	go o.engine.Run(ctx)

	o.log.Info("operator started", "addr", o.config.HTTPAddr)
	return nil
}

// Stop shuts down the engine loops and the HTTP server.
func (o *Operator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.server.Shutdown()
}
