package services

import (
	"github.com/google/uuid"

	"github.com/veilfi/darkbatch/consensus"
	"github.com/veilfi/darkbatch/crypto"
	"github.com/veilfi/darkbatch/ledger"
	"github.com/veilfi/darkbatch/protocol"
)

// ServiceType identifies the type of service.
type ServiceType string

const (
	RegistryService ServiceType = "registry"
	GatewayService  ServiceType = "gateway"
	OperatorService ServiceType = "operator"
)

// Valid returns true if the service type is recognized.
func (t ServiceType) Valid() bool {
	switch t {
	case RegistryService, GatewayService, OperatorService:
		return true
	}
	return false
}

// ServiceConfig contains configuration shared by the HTTP services.
type ServiceConfig struct {
	EngineConfig *protocol.EngineConfig
	ServiceType  ServiceType

	HTTPAddr    string
	MetricsAddr string

	// RegistryURL locates the committee registry; empty skips registration
	// and discovery.
	RegistryURL string

	// LedgerURL locates the gateway's ledger API when the service does not
	// host the ledger itself.
	LedgerURL string

	// AdminToken authenticates against registry admin endpoints (user:pass).
	AdminToken string
}

// OperatorRegistration is the payload an operator signs when joining the
// committee roster.
type OperatorRegistration struct {
	ServiceType  ServiceType       `json:"service_type"`
	HTTPEndpoint string            `json:"http_endpoint"`
	PublicKey    string            `json:"public_key"`
	OperatorID   crypto.OperatorID `json:"operator_id"`
}

// ParsePublicKey returns the parsed signing public key.
func (o *OperatorRegistration) ParsePublicKey() (crypto.PublicKey, error) {
	return crypto.NewPublicKeyFromString(o.PublicKey)
}

// RegistrationResponse confirms registry registration.
type RegistrationResponse struct {
	Success    bool              `json:"success"`
	OperatorID crypto.OperatorID `json:"operator_id,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// OperatorListResponse lists the registered committee members.
type OperatorListResponse struct {
	Operators []*protocol.Signed[OperatorRegistration] `json:"operators"`
}

// SubmitIntentRequest is the trader-facing intent submission. The amount
// arrives in cleartext over TLS and is encrypted by the gateway before it
// touches the ledger.
type SubmitIntentRequest struct {
	Submitter string `json:"submitter"`
	TokenIn   string `json:"token_in"`
	TokenOut  string `json:"token_out"`
	Amount    string `json:"amount"`
	PoolID    string `json:"pool_id"`
	Deadline  uint64 `json:"deadline,omitempty"`
}

// SubmitIntentResponse acknowledges an accepted intent.
type SubmitIntentResponse struct {
	IntentID uuid.UUID `json:"intent_id"`
}

// BatchStatusResponse reports a batch and, once published, its settlement.
type BatchStatusResponse struct {
	Batch      ledger.Batch       `json:"batch"`
	Settlement *ledger.Settlement `json:"settlement,omitempty"`
}

// ProposalRequest carries a signed settlement proposal between operators.
// Each recipient recomputes the settlement from ledger data; the proposal
// only triggers processing, it is never trusted for content.
type ProposalRequest struct {
	Message *protocol.Signed[ProposalAnnouncement] `json:"message"`
}

// ProposalAnnouncement tells peers that a batch is ready for attestation.
type ProposalAnnouncement struct {
	BatchID        uuid.UUID         `json:"batch_id"`
	SettlementHash protocol.Hash     `json:"settlement_hash"`
	Operator       crypto.OperatorID `json:"operator"`
}

// AttestRequest carries one signed attestation.
type AttestRequest struct {
	Message *protocol.Signed[consensus.Attestation] `json:"message"`
}

// AttestResponse reports aggregation progress after recording a vote.
type AttestResponse struct {
	Signers int  `json:"signers"`
	Quorum  bool `json:"quorum"`
}
