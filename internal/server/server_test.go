package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhive/nicehash-bridge/internal/integration"
	"github.com/powerhive/nicehash-bridge/internal/nhtest"
	"github.com/powerhive/nicehash-bridge/pkg/database"
	"github.com/powerhive/nicehash-bridge/pkg/fleet"
	"github.com/powerhive/nicehash-bridge/pkg/nicehash"
)

type testEnv struct {
	api     *nhtest.Server
	repo    *database.SQLiteRepository
	mgr     *integration.Manager
	entryID string
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	api := nhtest.NewServer(t)
	repo, err := database.NewSQLiteRepository(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	entry := &database.ConfigEntry{Name: "home", OrganizationID: "org", APIKey: "key", APISecret: "secret"}
	require.NoError(t, repo.CreateEntry(ctx, entry))

	mgr := integration.NewManager(repo, integration.Options{
		BaseURL:        api.URL,
		RequestTimeout: 2 * time.Second,
		Logger:         zerolog.Nop(),
	})
	t.Cleanup(mgr.Close)
	require.NoError(t, mgr.LoadAll(ctx))

	return &testEnv{
		api:     api,
		repo:    repo,
		mgr:     mgr,
		entryID: entry.EntryID,
		handler: New(mgr, repo, zerolog.Nop()),
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) path(suffix string) string {
	return "/api/entries/" + e.entryID + suffix
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealthAndEntries(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	decode(t, rec, &health)
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["loaded"])
	assert.EqualValues(t, 0, health["streams"])

	rec = env.do(t, http.MethodGet, "/api/entries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), env.entryID)
	assert.NotContains(t, rec.Body.String(), "secret", "credentials must never be served")
}

func TestSnapshotAndEntities(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, env.path("/snapshot"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap snapshotResponse
	decode(t, rec, &snap)
	assert.True(t, snap.Success)
	assert.Equal(t, "1m0s", snap.Interval)
	assert.Contains(t, string(snap.Rigs), "rig-1")
	assert.Contains(t, string(snap.Account), "totalBalance")

	rec = env.do(t, http.MethodGet, env.path("/entities"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var states []fleet.EntityState
	decode(t, rec, &states)
	ids := make([]string, 0, len(states))
	for _, s := range states {
		ids = append(ids, s.UniqueID)
	}
	assert.Contains(t, ids, "nh-home-unpaidAmount")
	assert.Contains(t, ids, "nh-rig-1-power")
	assert.Contains(t, ids, "nh-rig-1-DAGGERHASHIMOTO-speedAccepted")
}

func TestUnknownEntry(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/entries/nope/snapshot", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefresh(t *testing.T) {
	env := newTestEnv(t)
	before := env.api.Count(nicehash.PathRigs)

	rec := env.do(t, http.MethodPost, env.path("/refresh"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, before+1, env.api.Count(nicehash.PathRigs))

	env.api.FailRigs(http.StatusServiceUnavailable)
	rec = env.do(t, http.MethodPost, env.path("/refresh"), "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	// last good snapshot is still served
	rec = env.do(t, http.MethodGet, env.path("/snapshot"), "")
	var snap snapshotResponse
	decode(t, rec, &snap)
	assert.False(t, snap.Success)
	assert.Equal(t, 1, snap.ConsecutiveFailures)
	assert.Contains(t, string(snap.Rigs), "rig-1")
}

func TestSwitch(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, env.path("/switch/nh-rig-1-dev-2-power"), `{"on": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	mutations := env.api.Mutations()
	require.Len(t, mutations, 1)
	assert.Equal(t, "rig-1", mutations[0]["rigId"])
	assert.Equal(t, "dev-2", mutations[0]["deviceId"])
	assert.Equal(t, nicehash.ActionStart, mutations[0]["action"])

	rec = env.do(t, http.MethodPost, env.path("/switch/nh-rig-1-dev-2-power"), `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, env.path("/switch/nh-home-unpaidAmount"), `{"on": false}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, env.path("/switch/nh-missing-power"), `{"on": false}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSwitchRejected(t *testing.T) {
	env := newTestEnv(t)
	env.api.SetMutateResponse(`{"success": false, "message": "rig busy"}`)

	rec := env.do(t, http.MethodPost, env.path("/switch/nh-rig-1-power"), `{"on": false}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp errorResponse
	decode(t, rec, &resp)
	assert.Equal(t, string(nicehash.KindRejected), resp.Kind)

	rec = env.do(t, http.MethodGet, env.path("/changes"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var changes []database.Change
	decode(t, rec, &changes)
	require.Len(t, changes, 1)
	assert.False(t, changes[0].Success)
}

func TestSetPowerMode(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, env.path("/services/set_power_mode"),
		`{"entity_id": "nh-rig-1-dev-1-power", "power_mode": "medium"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	mutations := env.api.Mutations()
	require.Len(t, mutations, 1)
	assert.Equal(t, nicehash.ActionNHQMSetOp, mutations[0]["action"])
	assert.Equal(t, []interface{}{"V=2", "OP=2"}, mutations[0]["options"])
}

func TestSetPowerModeUnsupported(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, env.path("/services/set_power_mode"),
		`{"entity_id": "nh-rig-1-dev-2-power", "power_mode": "TURBO"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp errorResponse
	decode(t, rec, &resp)
	assert.Equal(t, string(nicehash.KindUnsupportedPowerMode), resp.Kind)
	assert.Equal(t, []string{"HIGH", "MEDIUM", "LOW"}, resp.Supported)
	assert.Empty(t, env.api.Mutations())

	rec = env.do(t, http.MethodPost, env.path("/services/set_power_mode"),
		`{"entity_id": "nh-rig-1-power", "power_mode": "HIGH"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, env.path("/services/set_power_mode"), `{"entity_id": ""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOptions(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, env.path("/options"), `{"update_interval": 45}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, env.path("/options"), `{"update_interval": 10}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret")

	inst, err := env.mgr.Get(env.entryID)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, inst.Coordinator.Interval())
}

func TestOptionsConcurrentUpdates(t *testing.T) {
	env := newTestEnv(t)

	var wg sync.WaitGroup
	for minutes := 1; minutes <= 8; minutes++ {
		wg.Add(1)
		go func(minutes int) {
			defer wg.Done()
			rec := env.do(t, http.MethodPut, env.path("/options"), fmt.Sprintf(`{"update_interval": %d}`, minutes))
			assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var entry database.ConfigEntry
			assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
			assert.Equal(t, minutes, entry.UpdateInterval)
		}(minutes)
	}
	wg.Wait()
}

func TestChangesLimit(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, env.path("/changes?limit=abc"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, env.path("/changes?limit=5"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestWriteErrorHidesCredentialFailures(t *testing.T) {
	h := &Handler{lg: zerolog.Nop()}

	rec := httptest.NewRecorder()
	h.writeError(rec, &nicehash.TransportError{StatusCode: 401, Reason: "Unauthorized", Body: "bad key abc"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "bad key")

	rec = httptest.NewRecorder()
	h.writeError(rec, nicehash.ErrInvalidCredentials)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"invalid credentials"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.writeError(rec, &nicehash.DomainError{Kind: nicehash.KindUnknownTarget, Message: "gone"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+env.path("/events"), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan RefreshUpdate, 4)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var u RefreshUpdate
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &u) == nil {
				events <- u
			}
		}
	}()

	select {
	case u := <-events:
		assert.True(t, u.Success)
		assert.Equal(t, env.entryID, u.EntryID)
		assert.NotEmpty(t, u.Entities)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial event")
	}

	rec := env.do(t, http.MethodGet, "/api/health", "")
	var health map[string]interface{}
	decode(t, rec, &health)
	assert.EqualValues(t, 1, health["streams"])

	env.api.FailRigs(http.StatusInternalServerError)
	rec = env.do(t, http.MethodPost, env.path("/refresh"), "")
	require.Equal(t, http.StatusBadGateway, rec.Code)

	select {
	case u := <-events:
		assert.False(t, u.Success)
		assert.Contains(t, u.Error, "fetch rigs")
	case <-time.After(2 * time.Second):
		t.Fatal("no refresh event")
	}
}
