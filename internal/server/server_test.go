package server

import (
	"context"
	stdjson "encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/drivertest"
	"github.com/xkilldash9x/webpilot/internal/engine"
	"github.com/xkilldash9x/webpilot/internal/memory"
	"github.com/xkilldash9x/webpilot/internal/privacy"
	"github.com/xkilldash9x/webpilot/internal/resolver"
	"github.com/xkilldash9x/webpilot/internal/vision"
)

type staticPlanner struct {
	plan *schemas.Plan
}

func (p *staticPlanner) CreatePlan(ctx context.Context, goal string, userContext map[string]string) (*schemas.Plan, error) {
	return p.plan, nil
}

func (p *staticPlanner) NextStep(ctx context.Context, snapshot schemas.ContextSnapshot) (*schemas.Step, bool, error) {
	return nil, true, nil
}

type staticVision struct{}

func (staticVision) Judge(ctx context.Context, redactedPNG []byte, vctx schemas.VisionContext) (stdjson.RawMessage, error) {
	return stdjson.RawMessage(`{"description":"ok","success":true,"confidence":0.9}`), nil
}

func newTestServer(t *testing.T) (*Server, *memory.SQLiteStore) {
	t.Helper()
	cfg := &config.Config{
		Engine: config.EngineConfig{
			MaxIterations:      20,
			StepTimeout:        30 * time.Second,
			TaskTimeout:        time.Minute,
			StepRetryBudget:    2,
			MaxConcurrentTasks: 2,
		},
		Privacy: config.PrivacyConfig{BlockSize: 4, RegionPaddingPx: 2},
		Resolver: config.ResolverConfig{
			Strategies:        []string{"exact", "relaxed", "text", "contains-text"},
			OCROffsetMarginPx: 3,
		},
		Server: config.ServerConfig{Addr: ":0", ShutdownTimeout: 5 * time.Second},
	}

	store, err := memory.Open(filepath.Join(t.TempDir(), "memory.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	planner := &staticPlanner{plan: &schemas.Plan{
		Goal:  "g",
		Steps: []schemas.Step{{Action: schemas.ActionScroll, Value: "down", Description: "scroll"}},
	}}
	m := engine.NewManager(cfg, engine.ManagerDeps{
		Planner:  planner,
		Memory:   store,
		Redactor: privacy.NewRedactor(cfg.Privacy, nil, zap.NewNop()),
		Verifier: vision.NewVerifier(staticVision{}, nil, zap.NewNop()),
		Resolver: resolver.New(cfg.Resolver, nil, zap.NewNop()),
		NewDriver: func(ctx context.Context) (schemas.Driver, error) {
			return drivertest.New(), nil
		},
	}, zap.NewNop())

	return New(cfg.Server, m, store, zap.NewNop()), store
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestExecuteRunsTask(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/execute", "application/json",
		strings.NewReader(`{"command": "scroll around", "mode": "guided", "user_id": "u1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report schemas.TaskReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, schemas.TaskCompleted, report.Status)
	assert.NotEmpty(t, report.TaskID)
	require.Len(t, report.Steps, 1)
}

func TestExecuteRejectsEmptyCommand(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/execute", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLiveWebSocketStreamsEvents(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"command": "scroll around", "mode": "guided"}))

	var types []schemas.EventType
	for {
		var ev schemas.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		types = append(types, ev.Type)
		if ev.Type == schemas.EventDone || ev.Type == schemas.EventError {
			break
		}
	}

	require.NotEmpty(t, types)
	assert.Contains(t, types, schemas.EventStepStart)
	assert.Contains(t, types, schemas.EventStepResult)
	assert.Equal(t, schemas.EventDone, types[len(types)-1])
}

func TestMemoryEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/memory/u1", "application/json",
		strings.NewReader(`{"key": "city", "value": "Lisbon"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/memory/u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var prefs map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&prefs))
	assert.Equal(t, "Lisbon", prefs["city"])
}

func TestHistoryEndpointEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/history/nobody")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []memory.HistoryEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	assert.Empty(t, entries)
}
