package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apxproxy/apx/internal/v1/auth"
	"github.com/apxproxy/apx/internal/v1/config"
	"github.com/apxproxy/apx/internal/v1/persistence"
	"github.com/apxproxy/apx/internal/v1/ratelimit"
	"github.com/apxproxy/apx/internal/v1/sharedstate"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLobby struct {
	table map[uint32]string
	err   error
}

func (s *stubLobby) RefreshPasswords(ctx context.Context) (map[uint32]string, error) {
	return s.table, s.err
}

// stubStore is a fake persistence.Store so routes touching SetProbability
// and the exclusion writers can be exercised without a live Postgres.
type stubStore struct {
	probabilityPercentage float64
}

func (s *stubStore) AddExclusion(ctx context.Context, roomID string, slot uint32) (bool, error) {
	return true, nil
}

func (s *stubStore) RemoveExclusion(ctx context.Context, roomID string, slot uint32) (bool, error) {
	return true, nil
}

func (s *stubStore) RoomDeathLinks(ctx context.Context, roomID string) ([]persistence.DeathLinkRecord, error) {
	return nil, nil
}

func (s *stubStore) SetProbability(ctx context.Context, roomID string, percentage float64) (float64, error) {
	s.probabilityPercentage = percentage
	fraction := percentage
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 100 {
		fraction = 100
	}
	return fraction / 100, nil
}

func newTestRouter(t *testing.T, lobby PasswordRefresher) (*gin.Engine, *sharedstate.Passwords, *sharedstate.ExclusionSet, *sharedstate.Probability) {
	engine, passwords, _, exclusions, probability := newTestRouterWithStore(t, lobby, &stubStore{})
	return engine, passwords, exclusions, probability
}

func newTestRouterWithStore(t *testing.T, lobby PasswordRefresher, store Store) (*gin.Engine, *sharedstate.Passwords, *stubStore, *sharedstate.ExclusionSet, *sharedstate.Probability) {
	gin.SetMode(gin.TestMode)

	rl, err := ratelimit.NewRateLimiter(&config.Config{
		RateLimitAdminGlobal:   "1000-M",
		RateLimitAdminRefresh:  "1000-M",
		RateLimitAdminDeathlnk: "1000-M",
	}, nil)
	require.NoError(t, err)

	passwords := sharedstate.NewPasswords()
	exclusions := sharedstate.NewExclusionSet()
	probability := sharedstate.NewProbability(1.0)

	router := New(auth.NewAPIKeyGuard("secret"), rl, store, nil, passwords, exclusions, probability, lobby, "room-1")

	engine := gin.New()
	router.Register(engine)

	stub, _ := store.(*stubStore)
	return engine, passwords, stub, exclusions, probability
}

func doRequest(engine *gin.Engine, method, path string, body []byte, apiKey string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}
	resp := httptest.NewRecorder()
	engine.ServeHTTP(resp, req)
	return resp
}

func TestRefreshPasswordsRejectsMissingAPIKey(t *testing.T) {
	engine, _, _, _ := newTestRouter(t, &stubLobby{table: map[uint32]string{1: "a"}})
	resp := doRequest(engine, http.MethodPost, "/api/refresh_passwords", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestRefreshPasswordsUpdatesSharedState(t *testing.T) {
	engine, passwords, _, _ := newTestRouter(t, &stubLobby{table: map[uint32]string{1: "alpha", 2: ""}})
	resp := doRequest(engine, http.MethodPost, "/api/refresh_passwords", nil, "secret")
	require.Equal(t, http.StatusOK, resp.Code)

	assert.Equal(t, "alpha", passwords.Get(1))
	assert.Equal(t, "", passwords.Get(2))
}

func TestRefreshPasswordsPropagatesLobbyError(t *testing.T) {
	engine, _, _, _ := newTestRouter(t, &stubLobby{err: assertErr{}})
	resp := doRequest(engine, http.MethodPost, "/api/refresh_passwords", nil, "secret")
	assert.Equal(t, http.StatusBadGateway, resp.Code)
}

type assertErr struct{}

func (assertErr) Error() string { return "lobby unreachable" }

func TestListExclusionsServesSharedState(t *testing.T) {
	engine, _, exclusions, _ := newTestRouter(t, &stubLobby{})
	exclusions.Add(3)
	exclusions.Add(1)

	resp := doRequest(engine, http.MethodGet, "/api/deathlink_exclusions", nil, "secret")
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		ExcludedSlots []uint32 `json:"excluded_slots"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, []uint32{1, 3}, body.ExcludedSlots)
}

func TestAddExclusionPersistsAndUpdatesSharedState(t *testing.T) {
	engine, _, _, exclusions, _ := newTestRouterWithStore(t, &stubLobby{}, &stubStore{})

	resp := doRequest(engine, http.MethodPost, "/api/deathlink_exclusions/5", nil, "secret")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, exclusions.Contains(5))
}

func TestRemoveExclusionUpdatesSharedState(t *testing.T) {
	engine, _, _, exclusions, _ := newTestRouterWithStore(t, &stubLobby{}, &stubStore{})
	exclusions.Add(5)

	resp := doRequest(engine, http.MethodDelete, "/api/deathlink_exclusions/5", nil, "secret")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, exclusions.Contains(5))
}

func TestGetProbabilityReturnsCurrentValue(t *testing.T) {
	engine, _, _, probability := newTestRouter(t, &stubLobby{})
	probability.Set(0.25)

	resp := doRequest(engine, http.MethodGet, "/api/deathlink_probability", nil, "secret")
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Probability float64 `json:"probability"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, 0.25, body.Probability)
}

func TestSetProbabilityRejectsMalformedBody(t *testing.T) {
	engine, _, _, _ := newTestRouter(t, &stubLobby{})
	resp := doRequest(engine, http.MethodPut, "/api/deathlink_probability", []byte(`not json`), "secret")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestSetProbabilityStoresFractionOfRequestedPercentage(t *testing.T) {
	store := &stubStore{}
	engine, _, _, _, probability := newTestRouterWithStore(t, &stubLobby{}, store)

	resp := doRequest(engine, http.MethodPut, "/api/deathlink_probability", []byte(`{"probability": 50}`), "secret")
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Probability float64 `json:"probability"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))

	assert.Equal(t, 50.0, store.probabilityPercentage, "store receives the raw percentage, not a fraction")
	assert.Equal(t, 0.5, body.Probability, "response and shared state hold the 0-1 fraction")
	assert.Equal(t, 0.5, probability.Get())
}

func TestAddExclusionRejectsNonNumericSlot(t *testing.T) {
	engine, _, _, _ := newTestRouter(t, &stubLobby{})
	resp := doRequest(engine, http.MethodPost, "/api/deathlink_exclusions/abc", nil, "secret")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestMetricsEndpointRequiresAPIKey(t *testing.T) {
	engine, _, _, _ := newTestRouter(t, &stubLobby{})
	resp := doRequest(engine, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	engine, _, _, _ := newTestRouter(t, &stubLobby{})
	resp := doRequest(engine, http.MethodGet, "/metrics", nil, "secret")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "# HELP")
}
