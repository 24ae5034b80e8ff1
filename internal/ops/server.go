package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charhub/populator/internal/core/domain"
	"github.com/charhub/populator/internal/infra/storage"
	"github.com/charhub/populator/internal/pipeline/batch"
	"github.com/charhub/populator/internal/pipeline/fault"
	"github.com/charhub/populator/internal/pipeline/selection"
)

// BatchTrigger executes one population batch.
type BatchTrigger interface {
	Run(ctx context.Context, targetCount int, opts batch.Options) (*domain.BatchRun, error)
}

// StatsProvider reports candidate pool statistics.
type StatsProvider interface {
	Stats(ctx context.Context) (*selection.SelectionStats, error)
}

// RunReader retrieves batch run records.
type RunReader interface {
	GetLatest(ctx context.Context) (*domain.BatchRun, error)
}

// Server provides HTTP endpoints for monitoring and manual batch control.
type Server struct {
	monitor    *Monitor
	stats      StatsProvider
	classifier *fault.Classifier
	trigger    BatchTrigger
	runs       RunReader
	criteria   func(count int) selection.Criteria
	server     *http.Server
	log        *slog.Logger

	// batchInFlight gives a fast 409 for overlapping manual triggers. The
	// orchestrator itself serializes runs, scheduler ticks included.
	batchInFlight atomic.Bool
}

// NewServer creates the ops server. criteria maps a target count onto the
// configured selection heuristics for manual runs.
func NewServer(
	monitor *Monitor,
	stats StatsProvider,
	classifier *fault.Classifier,
	trigger BatchTrigger,
	runs RunReader,
	criteria func(count int) selection.Criteria,
	port int,
) *Server {
	mux := http.NewServeMux()
	s := &Server{
		monitor:    monitor,
		stats:      stats,
		classifier: classifier,
		trigger:    trigger,
		runs:       runs,
		criteria:   criteria,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		log: slog.Default(),
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/errors", s.handleErrors)
	mux.HandleFunc("/runs/latest", s.handleLatestRun)
	mux.HandleFunc("/batch", s.handleBatch)

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if report.SystemStatus == StatusCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.classifier.GetStats())
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetLatest(r.Context())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "no runs recorded", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(run)
}

type batchRequest struct {
	Count int `json:"count"`
}

// handleBatch starts a manual run in the background. The caller polls
// /runs/latest for the outcome.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Count <= 0 {
		http.Error(w, "count must be positive", http.StatusBadRequest)
		return
	}

	if !s.batchInFlight.CompareAndSwap(false, true) {
		http.Error(w, "a batch is already running", http.StatusConflict)
		return
	}

	go func() {
		defer s.batchInFlight.Store(false)

		criteria := s.criteria(req.Count)
		run, err := s.trigger.Run(context.Background(), req.Count, batch.Options{Criteria: &criteria})
		if err != nil {
			s.log.Error("Manual batch failed", "error", err)
			return
		}
		s.log.Info("Manual batch finished",
			"run", run.ID, "state", run.State,
			"success", run.SuccessCount, "failed", run.FailureCount)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"status": "started", "count": req.Count})
}
