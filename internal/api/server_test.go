package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filament-data/flow.watch/internal/config"
	"github.com/filament-data/flow.watch/internal/db"
	"github.com/filament-data/flow.watch/internal/monitor"
	"github.com/filament-data/flow.watch/internal/monitoring"
	"github.com/filament-data/flow.watch/internal/telemetry"
)

type fakeCommander struct {
	mu   sync.Mutex
	err  error
	sent []int
}

func (f *fakeCommander) SendCommand(cmd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeCommander) commands() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.sent...)
}

func setupTestStore(t *testing.T) *db.DB {
	t.Helper()
	fname := t.Name() + ".db"
	_ = os.Remove(fname)

	store, err := db.Open(fname)
	require.NoError(t, err)
	require.NoError(t, store.MigrateUp())

	t.Cleanup(func() {
		store.Close()
		os.Remove(fname)
		os.Remove(fname + "-shm")
		os.Remove(fname + "-wal")
	})
	return store
}

type serverHarness struct {
	engine  *monitor.Engine
	store   *db.DB
	srv     *httptest.Server
	cmd     *fakeCommander
	cfgPath string
}

func newServerHarness(t *testing.T, tweak func(*monitor.Options)) *serverHarness {
	t.Helper()

	store := setupTestStore(t)
	cfgPath := filepath.Join(t.TempDir(), "flowwatch.json")

	cmd := &fakeCommander{}
	opts := monitor.Options{
		Commander: cmd,
		Store:     store,
		Config:    config.EmptyConfig(),
	}
	if tweak != nil {
		tweak(&opts)
	}
	engine := monitor.NewEngine(opts)

	s := NewServer(engine, store, nil, cfgPath)
	srv := httptest.NewServer(s.ServeMux())
	t.Cleanup(srv.Close)

	return &serverHarness{engine: engine, store: store, srv: srv, cmd: cmd, cfgPath: cfgPath}
}

func (h *serverHarness) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestServer_Status(t *testing.T) {
	h := newServerHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var st monitor.Status
	decodeBody(t, resp, &st)
	require.True(t, st.Enabled)
	require.Equal(t, "idle", st.GraceState)
	require.Equal(t, 1.0, st.PassRatio)
	require.False(t, st.Jammed)

	resp = h.do(t, http.MethodPost, "/api/status", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_JamEventHistory(t *testing.T) {
	h := newServerHarness(t, nil)

	older := db.JamEvent{ID: "ev-old", FiredAtMs: 1000, Kind: "soft", PassRatio: 0.2, DeficitMm: 1.5, AccumMs: 7000, GraceState: "jammed", PrintStatus: 13}
	newer := db.JamEvent{ID: "ev-new", FiredAtMs: 2000, Kind: "hard", PassRatio: 0.05, DeficitMm: 9.0, AccumMs: 3000, GraceState: "jammed", PrintStatus: 13}
	require.NoError(t, h.store.InsertJamEvent(older))
	require.NoError(t, h.store.InsertJamEvent(newer))

	resp := h.do(t, http.MethodGet, "/api/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []db.JamEvent
	decodeBody(t, resp, &events)
	require.Len(t, events, 2)
	require.Equal(t, "ev-new", events[0].ID)
	require.Equal(t, "ev-old", events[1].ID)

	resp = h.do(t, http.MethodGet, "/api/events?limit=1", "")
	decodeBody(t, resp, &events)
	require.Len(t, events, 1)
	require.Equal(t, "ev-new", events[0].ID)

	resp = h.do(t, http.MethodGet, "/api/events?limit=0", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, readBody(t, resp), "invalid 'limit'")

	resp = h.do(t, http.MethodGet, "/api/events?limit=many", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_FlowSampleHistory(t *testing.T) {
	h := newServerHarness(t, nil)

	for i, at := range []int64{1000, 2000, 3000} {
		s := db.FlowSample{
			AtMs:       at,
			ExpectedMm: float64(i+1) * 10,
			ActualMm:   float64(i+1) * 9,
			PassRatio:  0.9,
			GraceState: "active",
			PulseCount: int64(i + 1),
		}
		require.NoError(t, h.store.InsertFlowSample(s))
	}

	// Recent listing is newest first.
	resp := h.do(t, http.MethodGet, "/api/samples?limit=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var samples []db.FlowSample
	decodeBody(t, resp, &samples)
	require.Len(t, samples, 2)
	require.Equal(t, int64(3000), samples[0].AtMs)
	require.Equal(t, int64(2000), samples[1].AtMs)

	// Ranged listing is ascending and excludes the upper bound.
	resp = h.do(t, http.MethodGet, "/api/samples?from=1000&to=3000", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &samples)
	require.Len(t, samples, 2)
	require.Equal(t, int64(1000), samples[0].AtMs)
	require.Equal(t, int64(2000), samples[1].AtMs)

	resp = h.do(t, http.MethodGet, "/api/samples?from=3000&to=1000", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, readBody(t, resp), "invalid 'from'/'to' range")

	resp = h.do(t, http.MethodGet, "/api/samples?from=soon&to=3000", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_EmptyHistoriesAreArrays(t *testing.T) {
	h := newServerHarness(t, nil)

	for _, path := range []string{"/api/events", "/api/samples"} {
		resp := h.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "[]", strings.TrimSpace(readBody(t, resp)), "path %s", path)
	}
}

func TestServer_ConfigRoundTrip(t *testing.T) {
	h := newServerHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got config.Config
	decodeBody(t, resp, &got)
	require.Nil(t, got.Enabled)
	require.Equal(t, "both", got.GetDetectionMode())

	body := `{"enabled":false,"detection_mode":"hard_only","check_interval_ms":500}`
	resp = h.do(t, http.MethodPut, "/api/config", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &got)
	require.Equal(t, "hard_only", got.GetDetectionMode())

	// The engine picks the update up immediately.
	cfg := h.engine.Config()
	require.False(t, cfg.GetEnabled())
	require.Equal(t, "hard_only", cfg.GetDetectionMode())
	require.Equal(t, int64(500), cfg.GetCheckIntervalMs())

	// And the update survives a daemon restart.
	loaded, err := config.Load(h.cfgPath)
	require.NoError(t, err)
	require.False(t, loaded.GetEnabled())
	require.Equal(t, "hard_only", loaded.GetDetectionMode())
}

func TestServer_ConfigRejectsBadUpdates(t *testing.T) {
	h := newServerHarness(t, nil)

	resp := h.do(t, http.MethodPut, "/api/config", `{"detection_mode":"banana"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, readBody(t, resp), "invalid configuration")

	resp = h.do(t, http.MethodPut, "/api/config", `{"no_such_setting":true}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodPut, "/api/config", `{"check_interval_ms":`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodDelete, "/api/config", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()

	// Rejected updates never reach the engine.
	require.Equal(t, "both", h.engine.Config().GetDetectionMode())
}

func TestServer_ControlCommands(t *testing.T) {
	h := newServerHarness(t, nil)

	for _, action := range []string{"pause", "resume", "stop"} {
		resp := h.do(t, http.MethodPost, "/api/control/"+action, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := readBody(t, resp)
		require.Contains(t, body, `"result":"ok"`)
		require.Contains(t, body, fmt.Sprintf("%q", action))
	}
	require.Equal(t, []int{
		telemetry.CmdPausePrint,
		telemetry.CmdContinuePrint,
		telemetry.CmdStopPrint,
	}, h.cmd.commands())

	resp := h.do(t, http.MethodGet, "/api/control/pause", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodPost, "/api/control/reboot", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, readBody(t, resp), "unknown control action")
}

func TestServer_ControlWithoutPrinter(t *testing.T) {
	h := newServerHarness(t, func(opts *monitor.Options) {
		opts.Commander = nil
	})

	resp := h.do(t, http.MethodPost, "/api/control/pause", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Contains(t, readBody(t, resp), "no printer connection")
}

func TestServer_Healthz(t *testing.T) {
	h := newServerHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, readBody(t, resp), `"status":"ok"`)

	resp = h.do(t, http.MethodPost, "/healthz", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_WebsocketDisabledWithoutHub(t *testing.T) {
	h := newServerHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/ws", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestLoggingMiddleware(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	old := monitoring.Logf
	monitoring.SetLogger(func(format string, args ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, fmt.Sprintf(format, args...))
	})
	t.Cleanup(func() { monitoring.Logf = old })

	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/brew?cup=1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "418")
	require.Contains(t, lines[0], "GET")
	require.Contains(t, lines[0], "/brew?cup=1")
}
