package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Runs is the read side the server inspects. *session.Manager satisfies it.
type Runs interface {
	List(ctx context.Context) ([]string, error)
	Latest(ctx context.Context, runID string) (*domain.RunState, error)
	History(ctx context.Context, runID string) ([]domain.SnapshotKey, error)
	Snapshot(ctx context.Context, key domain.SnapshotKey) (domain.Snapshot, error)
}

// Server exposes stored runs over a read-only HTTP API.
type Server struct {
	Runs    Runs
	Streams *StreamManager

	version  string
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithVersion sets the version reported by /info.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithMetrics serves g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a server over runs.
func NewServer(runs Runs, opts ...Option) *Server {
	s := &Server{
		Runs:    runs,
		version: "dev",
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Streams = NewStreamManager(s.logger)
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(enableCORS)

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Get("/events", s.SubscribeEvents)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.ListRuns)
		r.Get("/{runID}", s.GetRun)
		r.Get("/{runID}/snapshots", s.ListSnapshots)
		r.Get("/{runID}/snapshots/{stage}/{attempt}", s.GetSnapshot)
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Hooks returns lifecycle hooks that stream every stage's diff to
// subscribers of its run.
func (s *Server) Hooks() domain.LifecycleHooks {
	publish := func(runID string, v any) {
		bytes, err := json.Marshal(v)
		if err != nil {
			s.logger.Warn("Failed to encode event", "run_id", runID, "err", err)
			return
		}
		s.Streams.Broadcast(runID, string(bytes))
	}
	return domain.LifecycleHooks{
		OnStageLeave: func(ctx context.Context, e *domain.StageEvent) {
			if e.Diff != nil {
				publish(e.RunID, e.Diff)
			}
		},
		OnRunFinished: func(ctx context.Context, e *domain.RunEvent) {
			publish(e.RunID, domain.StateDiff{RunID: e.RunID, Status: &e.Status})
		},
		OnRunFailed: func(ctx context.Context, e *domain.RunEvent) {
			publish(e.RunID, domain.StateDiff{RunID: e.RunID, Status: &e.Status})
		},
	}
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"app":     "espalier",
		"version": strings.TrimSpace(s.version),
	})
}

// ListRuns handles the GET /runs request.
func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Runs.List(r.Context())
	if err != nil {
		s.fail(w, "List runs", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, ids)
}

// GetRun handles the GET /runs/{runID} request.
func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	state, err := s.Runs.Latest(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.fail(w, "Get run", err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

// ListSnapshots handles the GET /runs/{runID}/snapshots request.
func (s *Server) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	keys, err := s.Runs.History(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.fail(w, "List snapshots", err)
		return
	}
	if len(keys) == 0 {
		s.fail(w, "List snapshots", domain.ErrRunNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, keys)
}

// GetSnapshot handles the GET /runs/{runID}/snapshots/{stage}/{attempt} request.
func (s *Server) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	attempt, err := strconv.Atoi(chi.URLParam(r, "attempt"))
	if err != nil || attempt < 1 {
		http.Error(w, "attempt must be a positive integer", http.StatusBadRequest)
		return
	}
	key := domain.SnapshotKey{
		RunID:   chi.URLParam(r, "runID"),
		Stage:   domain.StageName(chi.URLParam(r, "stage")),
		Attempt: attempt,
	}
	snap, err := s.Runs.Snapshot(r.Context(), key)
	if err != nil {
		s.fail(w, "Get snapshot", err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// SubscribeEvents handles the GET /events?run_id=... request (SSE).
// The optional watch parameter filters diffs by a comma separated list of
// status, history, calls, content and metadata.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, "run_id is required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		s.logger.Error("SubscribeEvents: Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var watchList []string
	if watch := r.URL.Query().Get("watch"); watch != "" {
		watchList = strings.Split(watch, ",")
	}

	s.logger.Info("SSE: Subscribing to run updates", "run_id", runID)
	ch, cancel := s.Streams.Subscribe(runID)
	defer cancel()

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE client disconnected", "run_id", runID)
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if len(watchList) > 0 && !matches(msg, watchList) {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// matches reports whether the encoded diff touches any watched field.
func matches(msg string, watchList []string) bool {
	var diff domain.StateDiff
	if err := json.Unmarshal([]byte(msg), &diff); err != nil {
		return true
	}
	for _, field := range watchList {
		switch strings.TrimSpace(field) {
		case "status":
			if diff.Status != nil || diff.CurrentStage != nil {
				return true
			}
		case "history":
			if diff.History != nil {
				return true
			}
		case "calls":
			if len(diff.Calls) > 0 {
				return true
			}
		case "content":
			if len(diff.Fields) > 0 || diff.AddedSources > 0 || diff.AddedImages > 0 || diff.AddedQueries > 0 {
				return true
			}
		case "metadata":
			if len(diff.Metadata) > 0 {
				return true
			}
		}
	}
	return false
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrRunNotFound), errors.Is(err, domain.ErrSnapshotNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, fmt.Sprintf("%s error: %v", op, err), http.StatusInternalServerError)
		s.logger.Error(op+" failed", "err", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Response encode failed", "err", err)
	}
}
