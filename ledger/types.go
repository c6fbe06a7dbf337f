package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/veilfi/darkbatch/codec"
	"github.com/veilfi/darkbatch/crypto"
)

// BatchState is the lifecycle state of a batch. Transitions are monotonic:
// Open -> Finalized -> Settled, with no back-transitions.
type BatchState uint8

const (
	BatchOpen BatchState = iota
	BatchFinalized
	BatchSettled
)

func (s BatchState) String() string {
	switch s {
	case BatchOpen:
		return "open"
	case BatchFinalized:
		return "finalized"
	case BatchSettled:
		return "settled"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Intent is a trader's request to swap with a hidden amount. Immutable after
// creation; consumption is tracked by the matcher, not on the intent itself.
type Intent struct {
	ID              uuid.UUID            `json:"id"`
	Submitter       string               `json:"submitter"`
	TokenIn         string               `json:"token_in"`
	TokenOut        string               `json:"token_out"`
	EncryptedAmount codec.EncryptedValue `json:"encrypted_amount"`
	PoolID          string               `json:"pool_id"`
	SubmittedAt     uint64               `json:"submitted_at"`
	Deadline        uint64               `json:"deadline"`
}

// Expired reports whether the intent's deadline has passed at the given
// block height. An expired intent is permanently excluded from matching.
func (i *Intent) Expired(block uint64) bool {
	return i.Deadline != 0 && block > i.Deadline
}

// Batch groups intents destined for the same pool. IntentIDs preserves
// submission order, which the matcher relies on for FIFO priority.
type Batch struct {
	ID        uuid.UUID   `json:"id"`
	PoolID    string      `json:"pool_id"`
	CreatedAt uint64      `json:"created_at"`
	IntentIDs []uuid.UUID `json:"intent_ids"`
	State     BatchState  `json:"state"`
}

// InternalizedTransfer is a trade settled directly between two intents.
// AmountA and AmountB are the committee-internal cleartext legs; before a
// settlement is published they are sealed into SealedAmountA/B so neither
// intent's residual balance leaks beyond what the trade implies.
type InternalizedTransfer struct {
	IntentA uuid.UUID `json:"intent_a"`
	IntentB uuid.UUID `json:"intent_b"`
	UserA   string    `json:"user_a"`
	UserB   string    `json:"user_b"`
	TokenA  string    `json:"token_a"`
	TokenB  string    `json:"token_b"`
	AmountA *big.Int  `json:"amount_a"`
	AmountB *big.Int  `json:"amount_b"`

	SealedAmountA *codec.EncryptedValue `json:"sealed_amount_a,omitempty"`
	SealedAmountB *codec.EncryptedValue `json:"sealed_amount_b,omitempty"`
}

// NetSwap is the residual per directed token pair that could not be
// internalized and must execute against an external venue.
type NetSwap struct {
	TokenIn            string      `json:"token_in"`
	TokenOut           string      `json:"token_out"`
	NetAmount          *big.Int    `json:"net_amount"`
	RemainingIntentIDs []uuid.UUID `json:"remaining_intent_ids"`
}

// Settlement is the cleartext outcome of a batch: internalized transfers
// plus at most one net swap per directed pair, publishable once enough
// committee signatures are attached.
type Settlement struct {
	BatchID    uuid.UUID              `json:"batch_id"`
	Transfers  []InternalizedTransfer `json:"transfers"`
	NetSwaps   []NetSwap              `json:"net_swaps"`
	Signatures []CommitteeSignature   `json:"signatures,omitempty"`
}

// CommitteeSignature is one operator's signature over the settlement's
// canonical hash.
type CommitteeSignature struct {
	Operator  crypto.OperatorID `json:"operator"`
	Signature []byte            `json:"signature"`
}

// DistinctOperators counts distinct operators among the signatures.
// Duplicate signatures from one operator never count twice toward quorum.
func (s *Settlement) DistinctOperators() int {
	seen := make(map[crypto.OperatorID]bool, len(s.Signatures))
	for _, sig := range s.Signatures {
		seen[sig.Operator] = true
	}
	return len(seen)
}

// Receipt acknowledges an accepted settlement transaction.
type Receipt struct {
	Block  uint64 `json:"block"`
	TxHash string `json:"tx_hash"`
}
