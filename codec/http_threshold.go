package codec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPThresholdClient speaks to a threshold-decryption service over HTTP.
// In local deployments the gateway hosts the service under /threshold; a
// production deployment points this at the real committee frontend.
type HTTPThresholdClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPThresholdClient creates a client for the threshold API rooted at
// baseURL (the /threshold prefix is appended here).
func NewHTTPThresholdClient(baseURL string) *HTTPThresholdClient {
	return &HTTPThresholdClient{
		baseURL: baseURL + "/threshold",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type decryptRequest struct {
	Handle Handle `json:"handle"`
}

type decryptResponse struct {
	Cleartext []byte `json:"cleartext"`
}

type encryptRequest struct {
	Plaintext    []byte  `json:"plaintext"`
	Tag          TypeTag `json:"tag"`
	SecurityZone int32   `json:"security_zone"`
}

// Decrypt resolves a handle to its cleartext. Transport failures and
// service-side errors both surface as plain errors; the codec layer wraps
// them as ErrDecryptionUnavailable for the retry path.
func (c *HTTPThresholdClient) Decrypt(ctx context.Context, handle Handle) ([]byte, error) {
	var out decryptResponse
	if err := c.post(ctx, "/decrypt", decryptRequest{Handle: handle}, &out); err != nil {
		return nil, err
	}
	return out.Cleartext, nil
}

// Encrypt seals a plaintext under a type tag through the remote service.
func (c *HTTPThresholdClient) Encrypt(ctx context.Context, plaintext []byte, tag TypeTag, securityZone int32) (EncryptedValue, error) {
	var out EncryptedValue
	err := c.post(ctx, "/encrypt", encryptRequest{
		Plaintext:    plaintext,
		Tag:          tag,
		SecurityZone: securityZone,
	}, &out)
	if err != nil {
		return EncryptedValue{}, err
	}
	return out, nil
}

func (c *HTTPThresholdClient) post(ctx context.Context, path string, in, out any) error {
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
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("threshold service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
