package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/abuse"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/apikey"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/provider"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/sharedstore"
	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/store"
)

func newTestAdminDeps(t *testing.T) Deps {
	t.Helper()
	st := store.NewMemoryStore()
	shared := sharedstore.NewMemoryStore()
	logger := zerolog.Nop()

	usage := apikey.New(st, shared, logger, nil)
	abuseDetector := abuse.New(st, abuse.Thresholds{WindowMinutes: 10, UniqueIPThreshold: 20, TotalReqThreshold: 1000, BlockScore: 100}, logger, nil)

	resolver := provider.NewResolver(map[provider.Name]provider.Adapter{}, provider.ProviderF)

	return Deps{
		Store:      st,
		Resolver:   resolver,
		Usage:      usage,
		Abuse:      abuseDetector,
		AdminToken: "secret-token",
		Logger:     logger,
	}
}

func TestAdminRouter_RejectsMissingToken(t *testing.T) {
	deps := newTestAdminDeps(t)
	e := NewAdminRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/admin/stream/status", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRouter_CreateAndFetchAPIKey(t *testing.T) {
	deps := newTestAdminDeps(t)
	e := NewAdminRouter(deps)

	body, _ := json.Marshal(map[string]any{"Key": "abc123", "RateLimitPerMinute": 200})
	req := httptest.NewRequest(http.MethodPost, "/admin/apikeys", bytes.NewReader(body))
	req.Header.Set("x-admin-token", "secret-token")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/admin/apikeys/abc123/usage", nil)
	req2.Header.Set("x-admin-token", "secret-token")
	e.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestAdminRouter_UnblockUnknownKeyFails(t *testing.T) {
	deps := newTestAdminDeps(t)
	e := NewAdminRouter(deps)

	body, _ := json.Marshal(map[string]string{"key": "never-flagged"})
	req := httptest.NewRequest(http.MethodPost, "/admin/abuse/flags/unblock", bytes.NewReader(body))
	req.Header.Set("x-admin-token", "secret-token")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestAdminRouter_SetGlobalProviderRejectsUnknown(t *testing.T) {
	deps := newTestAdminDeps(t)
	e := NewAdminRouter(deps)

	body, _ := json.Marshal(map[string]string{"provider": "nonsense"})
	req := httptest.NewRequest(http.MethodPost, "/admin/provider/global", bytes.NewReader(body))
	req.Header.Set("x-admin-token", "secret-token")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
