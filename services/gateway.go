package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/veilfi/darkbatch/api/httpserver"
	"github.com/veilfi/darkbatch/batch"
	"github.com/veilfi/darkbatch/codec"
	"github.com/veilfi/darkbatch/crypto"
	"github.com/veilfi/darkbatch/ledger"
	"github.com/veilfi/darkbatch/metrics"
)

// Gateway is the trader-facing entry point. It encrypts intent amounts
// before they leave the process and hosts the ledger API consumed by
// operators, so a full deployment runs without a real chain.
type Gateway struct {
	log       *slog.Logger
	config    *ServiceConfig
	codec     *codec.Codec
	mock      *ledger.MockLedger
	threshold codec.ThresholdClient
	server    *httpserver.Server
}

// NewGateway creates a gateway around a mock ledger host.
func NewGateway(log *slog.Logger, config *ServiceConfig, mock *ledger.MockLedger, c *codec.Codec) (*Gateway, error) {
	gw := &Gateway{
		log:    log.With("service", "gateway"),
		config: config,
		codec:  c,
		mock:   mock,
	}

	var err error
	gw.server, err = httpserver.New(&httpserver.Config{
		ListenAddr:               config.HTTPAddr,
		MetricsAddr:              config.MetricsAddr,
		Log:                      gw.log,
		DrainDuration:            time.Second,
		GracefulShutdownDuration: 5 * time.Second,
		ReadTimeout:              10 * time.Second,
		WriteTimeout:             10 * time.Second,
	}, gw)
	if err != nil {
		return nil, err
	}
	return gw, nil
}

// RegisterRoutes implements httpserver.RouteRegistrar.
func (g *Gateway) RegisterRoutes(r chi.Router) {
	r.Group(func(public chi.Router) {
		public.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type"},
		}))
		public.Post("/intents", g.handleSubmitIntent)
		public.Get("/intents/{intent_id}", g.handleGetIntent)
		public.Get("/batches/{batch_id}", g.handleBatchStatus)
	})

	r.Route("/ledger", g.registerLedgerRoutes)
	r.Route("/threshold", g.registerThresholdRoutes)

	r.Route("/admin", func(admin chi.Router) {
		if g.config.AdminToken != "" {
			user, pass := parseAdminToken(g.config.AdminToken)
			admin.Use(middleware.BasicAuth("darkbatch-gateway", map[string]string{user: pass}))
		}
		admin.Post("/batches/{batch_id}/finalize", g.handleAdminFinalize)
	})
}

// handleSubmitIntent encrypts the amount and records the intent. The
// cleartext amount never reaches the ledger.
func (g *Gateway) handleSubmitIntent(w http.ResponseWriter, req *http.Request) {
	var body SubmitIntentRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	submitter, err := codec.CanonicalAddress(body.Submitter)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid submitter: %v", err), http.StatusBadRequest)
		return
	}
	tokenIn, err := codec.CanonicalAddress(body.TokenIn)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid token_in: %v", err), http.StatusBadRequest)
		return
	}
	tokenOut, err := codec.CanonicalAddress(body.TokenOut)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid token_out: %v", err), http.StatusBadRequest)
		return
	}
	if tokenIn == tokenOut {
		http.Error(w, "token_in and token_out must differ", http.StatusBadRequest)
		return
	}

	amount, ok := new(big.Int).SetString(body.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		http.Error(w, "amount must be a positive decimal integer", http.StatusBadRequest)
		return
	}
	value, err := codec.NewUintValue(amountTag, amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sealed, err := g.codec.Encrypt(req.Context(), value, g.config.EngineConfig.SecurityZone)
	if err != nil {
		g.log.Error("could not encrypt intent amount", "err", err)
		http.Error(w, "encryption failure", http.StatusInternalServerError)
		return
	}

	intentID, err := g.mock.SubmitIntent(req.Context(), ledger.Intent{
		Submitter:       submitter,
		TokenIn:         tokenIn,
		TokenOut:        tokenOut,
		EncryptedAmount: sealed,
		PoolID:          body.PoolID,
		Deadline:        body.Deadline,
	})
	if err != nil {
		if errors.Is(err, batch.ErrIntentExpired) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	metrics.IntentsSubmitted.Inc()
	json.NewEncoder(w).Encode(&SubmitIntentResponse{IntentID: intentID})
}

func (g *Gateway) handleGetIntent(w http.ResponseWriter, req *http.Request) {
	id, err := uuid.Parse(chi.URLParam(req, "intent_id"))
	if err != nil {
		http.Error(w, "invalid intent id", http.StatusBadRequest)
		return
	}
	intent, err := g.mock.GetIntent(req.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(&intent)
}

func (g *Gateway) handleBatchStatus(w http.ResponseWriter, req *http.Request) {
	id, err := uuid.Parse(chi.URLParam(req, "batch_id"))
	if err != nil {
		http.Error(w, "invalid batch id", http.StatusBadRequest)
		return
	}
	b, err := g.mock.GetBatch(req.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	resp := BatchStatusResponse{Batch: b}
	if s, ok := g.mock.Settlement(id); ok {
		resp.Settlement = &s
	}
	json.NewEncoder(w).Encode(&resp)
}

func (g *Gateway) handleAdminFinalize(w http.ResponseWriter, req *http.Request) {
	id, err := uuid.Parse(chi.URLParam(req, "batch_id"))
	if err != nil {
		http.Error(w, "invalid batch id", http.StatusBadRequest)
		return
	}
	done := g.mock.BatchManager().AdminFinalize(id)
	json.NewEncoder(w).Encode(map[string]bool{"finalized": done})
}

// registerLedgerRoutes exposes the mock ledger over the wire protocol the
// ledger.HTTPClient speaks.
func (g *Gateway) registerLedgerRoutes(r chi.Router) {
	r.Get("/block", func(w http.ResponseWriter, req *http.Request) {
		block, _ := g.mock.BlockNumber(req.Context())
		json.NewEncoder(w).Encode(map[string]uint64{"block": block})
	})

	r.Post("/intents", func(w http.ResponseWriter, req *http.Request) {
		var intent ledger.Intent
		if err := json.NewDecoder(req.Body).Decode(&intent); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := g.mock.SubmitIntent(req.Context(), intent)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		json.NewEncoder(w).Encode(map[string]uuid.UUID{"intent_id": id})
	})

	r.Get("/intents/{intent_id}", func(w http.ResponseWriter, req *http.Request) {
		id, err := uuid.Parse(chi.URLParam(req, "intent_id"))
		if err != nil {
			http.Error(w, "invalid intent id", http.StatusBadRequest)
			return
		}
		intent, err := g.mock.GetIntent(req.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(&intent)
	})

	r.Get("/batches", func(w http.ResponseWriter, req *http.Request) {
		open, err := g.mock.OpenBatches(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(open)
	})

	r.Get("/batches/{batch_id}", func(w http.ResponseWriter, req *http.Request) {
		id, err := uuid.Parse(chi.URLParam(req, "batch_id"))
		if err != nil {
			http.Error(w, "invalid batch id", http.StatusBadRequest)
			return
		}
		b, err := g.mock.GetBatch(req.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(&b)
	})

	r.Post("/batches/{batch_id}/finalize", func(w http.ResponseWriter, req *http.Request) {
		id, err := uuid.Parse(chi.URLParam(req, "batch_id"))
		if err != nil {
			http.Error(w, "invalid batch id", http.StatusBadRequest)
			return
		}
		done, err := g.mock.TryFinalize(req.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"finalized": done})
	})

	r.Post("/batches/{batch_id}/force-finalize", func(w http.ResponseWriter, req *http.Request) {
		id, err := uuid.Parse(chi.URLParam(req, "batch_id"))
		if err != nil {
			http.Error(w, "invalid batch id", http.StatusBadRequest)
			return
		}
		done, err := g.mock.ForceIdleFinalize(req.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"finalized": done})
	})

	r.Get("/events", func(w http.ResponseWriter, req *http.Request) {
		from, err1 := strconv.ParseUint(req.URL.Query().Get("from"), 10, 64)
		to, err2 := strconv.ParseUint(req.URL.Query().Get("to"), 10, 64)
		if err1 != nil || err2 != nil {
			http.Error(w, "from and to query parameters required", http.StatusBadRequest)
			return
		}
		events, err := g.mock.FinalizedEvents(req.Context(), from, to)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if events == nil {
			events = []ledger.FinalizedEvent{}
		}
		json.NewEncoder(w).Encode(events)
	})

	r.Post("/settlements", func(w http.ResponseWriter, req *http.Request) {
		var body ledger.SubmitSettlementRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		receipt, err := g.mock.SubmitSettlement(req.Context(), body.Settlement, body.Signatures)
		switch {
		case err == nil:
			json.NewEncoder(w).Encode(&receipt)
		case errors.Is(err, ledger.ErrAlreadySettled):
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(&receipt)
		case errors.Is(err, ledger.ErrLedgerRejected):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, ledger.ErrBatchNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	r.Get("/committee/{batch_id}/{operator_id}", func(w http.ResponseWriter, req *http.Request) {
		id, err := uuid.Parse(chi.URLParam(req, "batch_id"))
		if err != nil {
			http.Error(w, "invalid batch id", http.StatusBadRequest)
			return
		}
		operator := crypto.OperatorID(chi.URLParam(req, "operator_id"))
		selected, err := g.mock.IsCommitteeMemberSelected(req.Context(), id, operator)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"selected": selected})
	})
}

// ServeThreshold makes the gateway host the given threshold backend under
// /threshold, so operators running in separate processes share the sealing
// keys. Call before Start.
func (g *Gateway) ServeThreshold(t codec.ThresholdClient) {
	g.threshold = t
}

// registerThresholdRoutes exposes the threshold backend over the wire
// protocol codec.HTTPThresholdClient speaks.
func (g *Gateway) registerThresholdRoutes(r chi.Router) {
	r.Post("/decrypt", func(w http.ResponseWriter, req *http.Request) {
		if g.threshold == nil {
			http.Error(w, "no threshold backend configured", http.StatusServiceUnavailable)
			return
		}
		var body struct {
			Handle codec.Handle `json:"handle"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cleartext, err := g.threshold.Decrypt(req.Context(), body.Handle)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string][]byte{"cleartext": cleartext})
	})

	r.Post("/encrypt", func(w http.ResponseWriter, req *http.Request) {
		if g.threshold == nil {
			http.Error(w, "no threshold backend configured", http.StatusServiceUnavailable)
			return
		}
		var body struct {
			Plaintext    []byte        `json:"plaintext"`
			Tag          codec.TypeTag `json:"tag"`
			SecurityZone int32         `json:"security_zone"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sealed, err := g.threshold.Encrypt(req.Context(), body.Plaintext, body.Tag, body.SecurityZone)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		json.NewEncoder(w).Encode(&sealed)
	})
}

// Start launches the HTTP server.
func (g *Gateway) Start() {
	g.server.RunInBackground()
	g.log.Info("gateway started", "addr", g.config.HTTPAddr)
}

// Stop shuts down the HTTP server.
func (g *Gateway) Stop() {
	g.server.Shutdown()
}

// Router exposes the full route tree for httptest-driven tests.
func (g *Gateway) Router() http.Handler {
	return g.server.Router(g)
}
