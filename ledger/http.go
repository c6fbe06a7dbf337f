package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veilfi/darkbatch/crypto"
)

// HTTPClient implements Ledger against the gateway's ledger API, for
// operators running in separate processes from the ledger host.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a ledger client for the given base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type blockResponse struct {
	Block uint64 `json:"block"`
}

type submitIntentResponse struct {
	IntentID uuid.UUID `json:"intent_id"`
}

type committeeResponse struct {
	Selected bool `json:"selected"`
}

// SubmitSettlementRequest is the wire form of a settlement submission.
type SubmitSettlementRequest struct {
	Settlement Settlement           `json:"settlement"`
	Signatures []CommitteeSignature `json:"signatures"`
}

// BlockNumber implements Ledger.
func (c *HTTPClient) BlockNumber(ctx context.Context) (uint64, error) {
	var resp blockResponse
	if err := c.getJSON(ctx, "/ledger/block", &resp); err != nil {
		return 0, err
	}
	return resp.Block, nil
}

// SubmitIntent implements Ledger.
func (c *HTTPClient) SubmitIntent(ctx context.Context, intent Intent) (uuid.UUID, error) {
	var resp submitIntentResponse
	if err := c.postJSON(ctx, "/ledger/intents", intent, &resp); err != nil {
		return uuid.Nil, err
	}
	return resp.IntentID, nil
}

// GetIntent implements Ledger.
func (c *HTTPClient) GetIntent(ctx context.Context, id uuid.UUID) (Intent, error) {
	var intent Intent
	if err := c.getJSON(ctx, "/ledger/intents/"+id.String(), &intent); err != nil {
		return Intent{}, err
	}
	return intent, nil
}

// GetBatch implements Ledger.
func (c *HTTPClient) GetBatch(ctx context.Context, id uuid.UUID) (Batch, error) {
	var batch Batch
	if err := c.getJSON(ctx, "/ledger/batches/"+id.String(), &batch); err != nil {
		return Batch{}, err
	}
	return batch, nil
}

// OpenBatches implements Ledger.
func (c *HTTPClient) OpenBatches(ctx context.Context) ([]Batch, error) {
	var batches []Batch
	if err := c.getJSON(ctx, "/ledger/batches?state=open", &batches); err != nil {
		return nil, err
	}
	return batches, nil
}

type finalizeResponse struct {
	Finalized bool `json:"finalized"`
}

// TryFinalize implements Ledger.
func (c *HTTPClient) TryFinalize(ctx context.Context, batchID uuid.UUID) (bool, error) {
	var resp finalizeResponse
	if err := c.postJSON(ctx, "/ledger/batches/"+batchID.String()+"/finalize", struct{}{}, &resp); err != nil {
		return false, err
	}
	return resp.Finalized, nil
}

// ForceIdleFinalize implements Ledger.
func (c *HTTPClient) ForceIdleFinalize(ctx context.Context, batchID uuid.UUID) (bool, error) {
	var resp finalizeResponse
	if err := c.postJSON(ctx, "/ledger/batches/"+batchID.String()+"/force-finalize", struct{}{}, &resp); err != nil {
		return false, err
	}
	return resp.Finalized, nil
}

// FinalizedEvents implements Ledger.
func (c *HTTPClient) FinalizedEvents(ctx context.Context, from, to uint64) ([]FinalizedEvent, error) {
	path := fmt.Sprintf("/ledger/events?from=%d&to=%d", from, to)
	var events []FinalizedEvent
	if err := c.getJSON(ctx, path, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// SubmitSettlement implements Ledger. The ledger host maps its state checks
// onto HTTP statuses; this client maps them back to the sentinel errors.
func (c *HTTPClient) SubmitSettlement(ctx context.Context, settlement Settlement, sigs []CommitteeSignature) (Receipt, error) {
	body, err := json.Marshal(&SubmitSettlementRequest{Settlement: settlement, Signatures: sigs})
	if err != nil {
		return Receipt{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ledger/settlements", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var receipt Receipt
		if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
			return Receipt{}, err
		}
		return receipt, nil
	case http.StatusConflict:
		var receipt Receipt
		_ = json.NewDecoder(resp.Body).Decode(&receipt)
		return receipt, ErrAlreadySettled
	case http.StatusUnprocessableEntity:
		respBody, _ := io.ReadAll(resp.Body)
		return Receipt{}, fmt.Errorf("%w: %s", ErrLedgerRejected, string(respBody))
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return Receipt{}, fmt.Errorf("ledger returned status %d: %s", resp.StatusCode, string(respBody))
	}
}

// IsCommitteeMemberSelected implements Ledger.
func (c *HTTPClient) IsCommitteeMemberSelected(ctx context.Context, batchID uuid.UUID, operator crypto.OperatorID) (bool, error) {
	path := fmt.Sprintf("/ledger/committee/%s/%s", batchID, url.PathEscape(string(operator)))
	var resp committeeResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return false, err
	}
	return resp.Selected, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		respBody, _ := io.ReadAll(resp.Body)
		return notFoundError(path, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ledger returned status %d for %s: %s", resp.StatusCode, path, string(respBody))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ledger returned status %d for %s: %s", resp.StatusCode, path, string(respBody))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func notFoundError(path, body string) error {
	switch {
	case strings.HasPrefix(path, "/ledger/intents"):
		return fmt.Errorf("%w: %s", ErrIntentNotFound, body)
	case strings.HasPrefix(path, "/ledger/batches"):
		return fmt.Errorf("%w: %s", ErrBatchNotFound, body)
	default:
		return fmt.Errorf("not found: %s", body)
	}
}
