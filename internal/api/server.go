// Package api serves the daemon's HTTP surface: JSON status and history
// endpoints, configuration read/update, print control, and the live
// websocket feed.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/filament-data/flow.watch/internal/config"
	"github.com/filament-data/flow.watch/internal/db"
	"github.com/filament-data/flow.watch/internal/httputil"
	"github.com/filament-data/flow.watch/internal/monitor"
	"github.com/filament-data/flow.watch/internal/monitoring"
)

// ANSI escape codes for request log coloring
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	engine     *monitor.Engine
	store      *db.DB
	hub        *Hub
	configPath string
}

// NewServer builds the HTTP surface over the engine and its store. hub may be
// nil when the websocket feed is disabled; configPath may be empty, in which
// case configuration updates apply in memory only.
func NewServer(engine *monitor.Engine, store *db.DB, hub *Hub, configPath string) *Server {
	return &Server{
		engine:     engine,
		store:      store,
		hub:        hub,
		configPath: configPath,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/events", s.listJamEvents)
	mux.HandleFunc("/api/samples", s.listFlowSamples)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/control/", s.sendControlCommand)
	mux.HandleFunc("/healthz", s.healthz)
	if s.hub != nil {
		mux.Handle("/ws", s.hub)
	}
	return mux
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.engine.Status())
}

// parseLimit reads an optional positive 'limit' query parameter. Zero means
// the caller did not ask, and the store default applies.
func parseLimit(r *http.Request) (int, error) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(l)
	if err != nil || parsed < 1 {
		return 0, fmt.Errorf("invalid 'limit' parameter")
	}
	return parsed, nil
}

func (s *Server) listJamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	events, err := s.store.RecentJamEvents(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve jam events: %v", err))
		return
	}
	if events == nil {
		events = []db.JamEvent{}
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) listFlowSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	if q.Get("from") != "" || q.Get("to") != "" {
		from, err1 := strconv.ParseInt(q.Get("from"), 10, 64)
		to, err2 := strconv.ParseInt(q.Get("to"), 10, 64)
		if err1 != nil || err2 != nil || to <= from {
			httputil.BadRequest(w, "invalid 'from'/'to' range, expected epoch milliseconds")
			return
		}

		samples, err := s.store.SamplesBetween(from, to)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve flow samples: %v", err))
			return
		}
		writeSamples(w, samples)
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	samples, err := s.store.RecentFlowSamples(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve flow samples: %v", err))
		return
	}
	writeSamples(w, samples)
}

func writeSamples(w http.ResponseWriter, samples []db.FlowSample) {
	if samples == nil {
		samples = []db.FlowSample{}
	}
	httputil.WriteJSONOK(w, samples)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.engine.Config())
	case http.MethodPut:
		s.updateConfig(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	cfg := config.EmptyConfig()
	if err := httputil.DecodeJSON(r, cfg); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid configuration: %v", err))
		return
	}

	if s.configPath != "" {
		if err := config.Save(cfg, s.configPath); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to persist configuration: %v", err))
			return
		}
	}

	s.engine.ApplyConfig(cfg)
	httputil.WriteJSONOK(w, cfg)
}

// sendControlCommand relays an allow-listed print control action. Anything
// outside pause/resume/stop never reaches the command path.
func (s *Server) sendControlCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	action := strings.TrimPrefix(r.URL.Path, "/api/control/")
	var err error
	switch action {
	case "pause":
		err = s.engine.RequestPause()
	case "resume":
		err = s.engine.RequestResume()
	case "stop":
		err = s.engine.RequestStop()
	default:
		httputil.NotFound(w, fmt.Sprintf("unknown control action %q", action))
		return
	}

	if errors.Is(err, monitor.ErrNoPrinter) {
		httputil.ServiceUnavailable(w, "no printer connection")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to send %s command: %v", action, err))
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"result": "ok", "action": action})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}
