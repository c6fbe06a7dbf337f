package services

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/veilfi/darkbatch/crypto"
	"github.com/veilfi/darkbatch/protocol"
)

// RegistryStore persists operator registrations across registry restarts.
type RegistryStore interface {
	SaveOperator(signed *protocol.Signed[OperatorRegistration]) error
	DeleteOperator(operatorID crypto.OperatorID) error
	LoadAllOperators() (map[crypto.OperatorID]*protocol.Signed[OperatorRegistration], error)
}

// Registry is the committee roster. Operators join through the
// authenticated admin API; everyone reads the roster and the shared engine
// configuration through the public API. The roster defines who counts as a
// committee member for attestation purposes.
type Registry struct {
	log          *slog.Logger
	engineConfig *protocol.EngineConfig
	store        RegistryStore
	adminToken   string

	mu        sync.RWMutex
	operators map[crypto.OperatorID]*protocol.Signed[OperatorRegistration]
}

// NewRegistry creates a registry, loading any persisted roster from the
// store.
func NewRegistry(log *slog.Logger, engineConfig *protocol.EngineConfig, store RegistryStore, adminToken string) (*Registry, error) {
	operators, err := store.LoadAllOperators()
	if err != nil {
		return nil, fmt.Errorf("loading persisted operators: %w", err)
	}
	if len(operators) > 0 {
		log.Info("restored operator roster", "operators", len(operators))
	}
	return &Registry{
		log:          log,
		engineConfig: engineConfig,
		store:        store,
		adminToken:   adminToken,
		operators:    operators,
	}, nil
}

// RegisterRoutes mounts the public and admin APIs.
func (r *Registry) RegisterRoutes(router chi.Router) {
	router.Get("/operators", r.handleListOperators)
	router.Get("/config", r.handleGetConfig)

	router.Route("/admin", func(admin chi.Router) {
		if r.adminToken != "" {
			user, pass := parseAdminToken(r.adminToken)
			admin.Use(middleware.BasicAuth("darkbatch-registry", map[string]string{user: pass}))
		}
		admin.Post("/operators", r.handleRegister)
		admin.Delete("/operators/{operator_id}", r.handleUnregister)
	})
}

func (r *Registry) handleRegister(w http.ResponseWriter, req *http.Request) {
	var signedReq protocol.Signed[OperatorRegistration]
	if err := json.NewDecoder(req.Body).Decode(&signedReq); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reg, signer, err := signedReq.Recover()
	if err != nil {
		http.Error(w, fmt.Errorf("invalid signature: %w", err).Error(), http.StatusForbidden)
		return
	}
	if !reg.ServiceType.Valid() {
		http.Error(w, "invalid service type", http.StatusBadRequest)
		return
	}
	if crypto.PublicKeyToOperatorID(signer) != reg.OperatorID {
		http.Error(w, "signer does not match claimed operator id", http.StatusForbidden)
		return
	}
	if signer.String() != reg.PublicKey {
		http.Error(w, "signer does not match claimed public key", http.StatusForbidden)
		return
	}
	if _, err := url.Parse(reg.HTTPEndpoint); err != nil || reg.HTTPEndpoint == "" {
		http.Error(w, "invalid http endpoint", http.StatusBadRequest)
		return
	}

	if err := r.store.SaveOperator(&signedReq); err != nil {
		r.log.Error("could not persist operator registration", "err", err)
		http.Error(w, "persistence failure", http.StatusInternalServerError)
		return
	}

	r.mu.Lock()
	r.operators[reg.OperatorID] = &signedReq
	total := len(r.operators)
	r.mu.Unlock()

	r.log.Info("registered operator", "operator", reg.OperatorID, "type", reg.ServiceType, "endpoint", reg.HTTPEndpoint, "total", total)

	json.NewEncoder(w).Encode(&RegistrationResponse{
		Success:    true,
		OperatorID: reg.OperatorID,
	})
}

func (r *Registry) handleUnregister(w http.ResponseWriter, req *http.Request) {
	operatorID := crypto.OperatorID(chi.URLParam(req, "operator_id"))

	if err := r.store.DeleteOperator(operatorID); err != nil {
		http.Error(w, "persistence failure", http.StatusInternalServerError)
		return
	}

	r.mu.Lock()
	delete(r.operators, operatorID)
	r.mu.Unlock()

	r.log.Info("unregistered operator", "operator", operatorID)
	w.WriteHeader(http.StatusOK)
}

func (r *Registry) handleListOperators(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	resp := &OperatorListResponse{
		Operators: make([]*protocol.Signed[OperatorRegistration], 0, len(r.operators)),
	}
	for _, signed := range r.operators {
		resp.Operators = append(resp.Operators, signed)
	}
	r.mu.RUnlock()

	json.NewEncoder(w).Encode(resp)
}

func (r *Registry) handleGetConfig(w http.ResponseWriter, req *http.Request) {
	json.NewEncoder(w).Encode(r.engineConfig)
}

// CommitteeIDs returns the ids of all registered operator services.
func (r *Registry) CommitteeIDs() []crypto.OperatorID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]crypto.OperatorID, 0, len(r.operators))
	for id, signed := range r.operators {
		if signed.Object.ServiceType == OperatorService {
			out = append(out, id)
		}
	}
	return out
}
