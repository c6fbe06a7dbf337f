package services

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilfi/darkbatch/crypto"
	"github.com/veilfi/darkbatch/protocol"
)

func newTestRegistry(t *testing.T, adminToken string) (*Registry, http.Handler) {
	t.Helper()
	cfg := protocol.DefaultConfig()
	reg, err := NewRegistry(testLogger(), &cfg, NewInMemoryStore(), adminToken)
	require.NoError(t, err)

	router := chi.NewRouter()
	reg.RegisterRoutes(router)
	return reg, router
}

func signedRegistration(t *testing.T, priv crypto.PrivateKey, endpoint string) *protocol.Signed[OperatorRegistration] {
	t.Helper()
	pub, err := priv.PublicKey()
	require.NoError(t, err)
	signed, err := protocol.NewSigned(priv, &OperatorRegistration{
		ServiceType:  OperatorService,
		HTTPEndpoint: endpoint,
		PublicKey:    pub.String(),
		OperatorID:   crypto.PublicKeyToOperatorID(pub),
	})
	require.NoError(t, err)
	return signed
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any, basicAuth string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if basicAuth != "" {
		user, pass := parseAdminToken(basicAuth)
		req.SetBasicAuth(user, pass)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRegisterAndListOperators(t *testing.T) {
	reg, router := newTestRegistry(t, "")

	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	signed := signedRegistration(t, priv, "http://127.0.0.1:9000")

	rec := postJSON(t, router, "/admin/operators", signed, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp RegistrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, signed.Object.OperatorID, resp.OperatorID)

	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, httptest.NewRequest(http.MethodGet, "/operators", nil))
	require.Equal(t, http.StatusOK, listRec.Code)

	var list OperatorListResponse
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &list))
	require.Len(t, list.Operators, 1)

	got, signer, err := list.Operators[0].Recover()
	require.NoError(t, err)
	assert.Equal(t, signed.Object.OperatorID, got.OperatorID)
	assert.Equal(t, crypto.PublicKeyToOperatorID(signer), got.OperatorID)

	assert.Equal(t, []crypto.OperatorID{signed.Object.OperatorID}, reg.CommitteeIDs())
}

func TestRegisterRejectsForgedIdentity(t *testing.T) {
	_, router := newTestRegistry(t, "")

	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	otherPub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	// claims someone else's operator id
	signed, err := protocol.NewSigned(priv, &OperatorRegistration{
		ServiceType:  OperatorService,
		HTTPEndpoint: "http://127.0.0.1:9000",
		PublicKey:    otherPub.String(),
		OperatorID:   crypto.PublicKeyToOperatorID(otherPub),
	})
	require.NoError(t, err)

	rec := postJSON(t, router, "/admin/operators", signed, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRegisterRejectsTamperedPayload(t *testing.T) {
	_, router := newTestRegistry(t, "")

	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	signed := signedRegistration(t, priv, "http://127.0.0.1:9000")
	signed.Object.HTTPEndpoint = "http://evil.example"

	rec := postJSON(t, router, "/admin/operators", signed, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminAuthRequired(t *testing.T) {
	_, router := newTestRegistry(t, "admin:secret")

	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	signed := signedRegistration(t, priv, "http://127.0.0.1:9000")

	rec := postJSON(t, router, "/admin/operators", signed, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, router, "/admin/operators", signed, "admin:wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, router, "/admin/operators", signed, "admin:secret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnregisterOperator(t *testing.T) {
	reg, router := newTestRegistry(t, "")

	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	signed := signedRegistration(t, priv, "http://127.0.0.1:9000")
	require.Equal(t, http.StatusOK, postJSON(t, router, "/admin/operators", signed, "").Code)

	req := httptest.NewRequest(http.MethodDelete, "/admin/operators/"+string(signed.Object.OperatorID), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Empty(t, reg.CommitteeIDs())
}

func TestConfigEndpointServesEngineConfig(t *testing.T) {
	_, router := newTestRegistry(t, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg protocol.EngineConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, protocol.DefaultConfig().BatchIntervalBlocks, cfg.BatchIntervalBlocks)
	assert.NoError(t, cfg.Validate())
}

func TestRegistryRestoresPersistedRoster(t *testing.T) {
	store := NewInMemoryStore()
	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	signed := signedRegistration(t, priv, "http://127.0.0.1:9000")
	require.NoError(t, store.SaveOperator(signed))

	cfg := protocol.DefaultConfig()
	reg, err := NewRegistry(testLogger(), &cfg, store, "")
	require.NoError(t, err)
	assert.Len(t, reg.CommitteeIDs(), 1)
}
