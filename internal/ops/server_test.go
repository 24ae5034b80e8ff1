package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charhub/populator/internal/core/domain"
	"github.com/charhub/populator/internal/infra/storage/memory"
	"github.com/charhub/populator/internal/pipeline/batch"
	"github.com/charhub/populator/internal/pipeline/fault"
	"github.com/charhub/populator/internal/pipeline/selection"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeTrigger struct {
	mu    sync.Mutex
	calls []int
	run   *domain.BatchRun
	err   error
	block chan struct{} // when set, Run waits until closed
}

func (f *fakeTrigger) Run(ctx context.Context, targetCount int, opts batch.Options) (*domain.BatchRun, error) {
	f.mu.Lock()
	f.calls = append(f.calls, targetCount)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.run, nil
}

type failingPinger struct{ err error }

func (p *failingPinger) Health(ctx context.Context) error { return p.err }

func seededStorage(t *testing.T, approved int) *memory.MemoryStorage {
	t.Helper()
	store := memory.NewMemoryStorage()
	cands := make([]*domain.Candidate, 0, approved)
	for i := 0; i < approved; i++ {
		cands = append(cands, &domain.Candidate{
			ID:           "cand-" + string(rune('a'+i)),
			Status:       domain.CandidateStatusApproved,
			AgeRating:    domain.AgeRatingL,
			QualityScore: 0.5,
		})
	}
	store.SeedCandidates(cands)
	return store
}

func newTestServer(store *memory.MemoryStorage, db Pinger, trigger BatchTrigger) *Server {
	candRepo := memory.NewCandidateRepo(store)
	charRepo := memory.NewCharacterRepo(store)
	selector := selection.NewSelector(candRepo, charRepo, 50)
	monitor := NewMonitor(db, nil, nil, candRepo)
	criteria := func(count int) selection.Criteria {
		return selection.Criteria{Count: count}
	}
	return NewServer(monitor, selector, fault.NewClassifier(), trigger, memory.NewBatchRunRepo(store), criteria, 0)
}

// ============================================================================
// Tests
// ============================================================================

func TestHandleHealth_Healthy(t *testing.T) {
	srv := newTestServer(seededStorage(t, 25), nil, &fakeTrigger{})

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["status"] != string(StatusHealthy) {
		t.Errorf("status = %q, want healthy", body["status"])
	}
}

func TestHandleHealth_DatabaseDownIsCritical(t *testing.T) {
	db := &failingPinger{err: errors.New("connection refused")}
	srv := newTestServer(seededStorage(t, 25), db, &fakeTrigger{})

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHandleDetailed_LowPoolIsDegraded(t *testing.T) {
	srv := newTestServer(seededStorage(t, 3), nil, &fakeTrigger{})

	rec := httptest.NewRecorder()
	srv.handleDetailed(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))

	var report Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if report.SystemStatus != StatusDegraded {
		t.Errorf("system status = %s, want degraded", report.SystemStatus)
	}
	if report.ApprovedPool != 3 {
		t.Errorf("approved pool = %d, want 3", report.ApprovedPool)
	}
	if report.Components["candidate_pool"].Status != StatusDegraded {
		t.Errorf("candidate_pool = %+v, want degraded", report.Components["candidate_pool"])
	}
}

func TestHandleStats(t *testing.T) {
	srv := newTestServer(seededStorage(t, 5), nil, &fakeTrigger{})

	rec := httptest.NewRecorder()
	srv.handleStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats selection.SelectionStats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if stats.TotalApproved != 5 {
		t.Errorf("total approved = %d, want 5", stats.TotalApproved)
	}
}

func TestHandleBatch_StartsRun(t *testing.T) {
	trigger := &fakeTrigger{run: &domain.BatchRun{ID: "run-1", State: domain.BatchStateCompleted}}
	srv := newTestServer(seededStorage(t, 25), nil, trigger)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/batch", strings.NewReader(`{"count": 5}`))
	srv.handleBatch(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	waitForIdle(t, srv)
	trigger.mu.Lock()
	defer trigger.mu.Unlock()
	if len(trigger.calls) != 1 || trigger.calls[0] != 5 {
		t.Errorf("trigger calls = %v, want [5]", trigger.calls)
	}
}

func TestHandleBatch_RejectsBadRequests(t *testing.T) {
	srv := newTestServer(seededStorage(t, 25), nil, &fakeTrigger{})

	rec := httptest.NewRecorder()
	srv.handleBatch(rec, httptest.NewRequest(http.MethodGet, "/batch", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.handleBatch(rec, httptest.NewRequest(http.MethodPost, "/batch", strings.NewReader(`{"count": 0}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero count status = %d, want 400", rec.Code)
	}
}

func TestHandleBatch_ConflictWhileRunning(t *testing.T) {
	trigger := &fakeTrigger{
		run:   &domain.BatchRun{ID: "run-1", State: domain.BatchStateCompleted},
		block: make(chan struct{}),
	}
	srv := newTestServer(seededStorage(t, 25), nil, trigger)

	rec := httptest.NewRecorder()
	srv.handleBatch(rec, httptest.NewRequest(http.MethodPost, "/batch", strings.NewReader(`{"count": 5}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first trigger status = %d, want 202", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.handleBatch(rec, httptest.NewRequest(http.MethodPost, "/batch", strings.NewReader(`{"count": 5}`)))
	if rec.Code != http.StatusConflict {
		t.Errorf("second trigger status = %d, want 409", rec.Code)
	}

	close(trigger.block)
	waitForIdle(t, srv)
}

func waitForIdle(t *testing.T, srv *Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.batchInFlight.Load() {
		if time.Now().After(deadline) {
			t.Fatal("batch never finished")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHandleLatestRun_NotFound(t *testing.T) {
	srv := newTestServer(seededStorage(t, 25), nil, &fakeTrigger{})

	rec := httptest.NewRecorder()
	srv.handleLatestRun(rec, httptest.NewRequest(http.MethodGet, "/runs/latest", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
