package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/veilfi/darkbatch/crypto"
	"github.com/veilfi/darkbatch/protocol"
)

// baseService contains the registry-facing plumbing shared by the operator
// and gateway services: registration, peer discovery and the signed-request
// helpers.
type baseService struct {
	config     *ServiceConfig
	httpClient *http.Client
	signingKey crypto.PrivateKey
	operatorID crypto.OperatorID

	mu             sync.RWMutex
	peers          map[crypto.OperatorID]*OperatorRegistration
	discoveryReqCh chan struct{}
}

func newBaseService(config *ServiceConfig, signingKey crypto.PrivateKey) (*baseService, error) {
	pubKey, err := signingKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	return &baseService{
		config:         config,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		signingKey:     signingKey,
		operatorID:     crypto.PublicKeyToOperatorID(pubKey),
		peers:          make(map[crypto.OperatorID]*OperatorRegistration),
		discoveryReqCh: make(chan struct{}, 1),
	}, nil
}

func (b *baseService) publicKey() crypto.PublicKey {
	pubKey, _ := b.signingKey.PublicKey()
	return pubKey
}

func (b *baseService) registration() *OperatorRegistration {
	return &OperatorRegistration{
		ServiceType:  b.config.ServiceType,
		HTTPEndpoint: fmt.Sprintf("http://%s", b.config.HTTPAddr),
		PublicKey:    b.publicKey().String(),
		OperatorID:   b.operatorID,
	}
}

// registerWithRegistry announces this service on the committee roster.
// Operators go through the authenticated admin endpoint; the roster is the
// committee, so joining it must not be open to the public.
func (b *baseService) registerWithRegistry() error {
	if b.config.RegistryURL == "" {
		return nil
	}

	signedReq, err := protocol.NewSigned(b.signingKey, b.registration())
	if err != nil {
		return fmt.Errorf("failed to sign registration: %w", err)
	}
	body, _ := json.Marshal(signedReq)

	url := fmt.Sprintf("%s/admin/operators", b.config.RegistryURL)
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.config.AdminToken != "" {
		user, pass := parseAdminToken(b.config.AdminToken)
		httpReq.SetBasicAuth(user, pass)
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registration failed (%d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func parseAdminToken(token string) (user, pass string) {
	idx := strings.Index(token, ":")
	if idx < 0 {
		return token, ""
	}
	return token[:idx], token[idx+1:]
}

// runDiscoveryLoop refreshes the peer roster periodically and on demand.
func (b *baseService) runDiscoveryLoop(ctx context.Context) {
	b.discoverPeers()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.discoverPeers()
		case <-b.discoveryReqCh:
			b.discoverPeers()
		}
	}
}

// requestDiscovery triggers an immediate roster refresh without blocking.
func (b *baseService) requestDiscovery() {
	select {
	case b.discoveryReqCh <- struct{}{}:
	default:
	}
}

func (b *baseService) discoverPeers() {
	if b.config.RegistryURL == "" {
		return
	}

	resp, err := b.httpClient.Get(b.config.RegistryURL + "/operators")
	if err != nil {
		return
	}
	defer resp.Body.Close()

	var list OperatorListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return
	}

	fresh := make(map[crypto.OperatorID]*OperatorRegistration, len(list.Operators))
	for _, signed := range list.Operators {
		reg, signer, err := signed.Recover()
		if err != nil {
			continue
		}
		if crypto.PublicKeyToOperatorID(signer) != reg.OperatorID {
			continue
		}
		fresh[reg.OperatorID] = reg
	}

	b.mu.Lock()
	b.peers = fresh
	b.mu.Unlock()
}

// peerEndpoints returns the endpoints of all known operators except self.
func (b *baseService) peerEndpoints() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.peers))
	for id, reg := range b.peers {
		if id == b.operatorID {
			continue
		}
		out = append(out, reg.HTTPEndpoint)
	}
	return out
}

// postSigned sends a JSON payload to a peer endpoint, returning the decoded
// response body when out is non-nil.
func (b *baseService) postSigned(endpoint, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := b.httpClient.Post(endpoint+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("peer %s returned %d: %s", endpoint, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// fetchEngineConfig pulls the authoritative engine configuration from the
// registry so all committee members batch identically.
func fetchEngineConfig(registryURL string) (*protocol.EngineConfig, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(registryURL + "/config")
	if err != nil {
		return nil, fmt.Errorf("could not fetch engine config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned %d for /config", resp.StatusCode)
	}

	var cfg protocol.EngineConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("registry served invalid config: %w", err)
	}
	return &cfg, nil
}
