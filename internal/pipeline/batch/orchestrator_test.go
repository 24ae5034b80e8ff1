package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/charhub/populator/internal/core/domain"
	"github.com/charhub/populator/internal/pipeline/fault"
	"github.com/charhub/populator/internal/pipeline/selection"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeSelector struct {
	ids []string
	err error
}

func (f *fakeSelector) SelectImages(ctx context.Context, criteria selection.Criteria) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.ids) > criteria.Count {
		return f.ids[:criteria.Count], nil
	}
	return f.ids, nil
}

// scriptedGenerator fails each candidate a configured number of times before
// succeeding. failures[id] == -1 means the candidate always fails.
type scriptedGenerator struct {
	failures map[string]int
	failWith error
	attempts map[string]int
	calls    []string
}

func newScriptedGenerator(failures map[string]int, failWith error) *scriptedGenerator {
	return &scriptedGenerator{
		failures: failures,
		failWith: failWith,
		attempts: make(map[string]int),
	}
}

func (g *scriptedGenerator) Generate(ctx context.Context, candidateID string) (string, error) {
	g.calls = append(g.calls, candidateID)
	g.attempts[candidateID]++
	remaining := g.failures[candidateID]
	if remaining == -1 || g.attempts[candidateID] <= remaining {
		return "", g.failWith
	}
	return "char-" + candidateID, nil
}

type capturingRunStore struct {
	saved []*domain.BatchRun
}

func (s *capturingRunStore) Save(ctx context.Context, run *domain.BatchRun) error {
	s.saved = append(s.saved, run)
	return nil
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("cand-%d", i)
	}
	return out
}

func newTestOrchestrator(sel Selector, gen Generator, store RunStore) *Orchestrator {
	classifier := fault.NewClassifier(fault.WithBackoffBase(time.Millisecond))
	o := NewOrchestrator(sel, gen, classifier, store, Config{ItemTimeout: time.Second})
	o.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return o
}

// =============================================================================
// Run
// =============================================================================

func TestRun_AllSucceed(t *testing.T) {
	store := &capturingRunStore{}
	gen := newScriptedGenerator(nil, nil)
	o := newTestOrchestrator(&fakeSelector{ids: ids(3)}, gen, store)

	run, err := o.Run(context.Background(), 3, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.State != domain.BatchStateCompleted {
		t.Errorf("expected completed, got %s", run.State)
	}
	if run.SuccessCount != 3 || run.FailureCount != 0 {
		t.Errorf("unexpected counts: %d/%d", run.SuccessCount, run.FailureCount)
	}
	if len(run.GeneratedCharIDs) != 3 {
		t.Errorf("expected 3 character IDs, got %v", run.GeneratedCharIDs)
	}
	if len(store.saved) != 1 {
		t.Errorf("expected 1 persisted run, got %d", len(store.saved))
	}
	if run.CompletedAt.IsZero() || run.ExecutedAt.IsZero() {
		t.Error("timestamps not finalized")
	}
}

func TestRun_EmptySelectionCompletesImmediately(t *testing.T) {
	gen := newScriptedGenerator(nil, nil)
	o := newTestOrchestrator(&fakeSelector{}, gen, nil)

	run, err := o.Run(context.Background(), 5, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.State != domain.BatchStateCompleted {
		t.Errorf("expected completed, got %s", run.State)
	}
	if run.SuccessCount != 0 || len(gen.calls) != 0 {
		t.Errorf("nothing should have been processed: %d successes, %d calls",
			run.SuccessCount, len(gen.calls))
	}
}

func TestRun_SelectionErrorPropagates(t *testing.T) {
	o := newTestOrchestrator(&fakeSelector{err: errors.New("pool query broke")}, nil, nil)
	if _, err := o.Run(context.Background(), 3, Options{}); err == nil {
		t.Fatal("expected selection error to propagate")
	}
}

func TestRun_NegativeTarget(t *testing.T) {
	o := newTestOrchestrator(&fakeSelector{}, nil, nil)
	if _, err := o.Run(context.Background(), -1, Options{}); err == nil {
		t.Fatal("expected error for negative target")
	}
}

func TestRun_RetryableFailureRecovers(t *testing.T) {
	// cand-0 fails twice with a retryable error, then succeeds.
	gen := newScriptedGenerator(map[string]int{"cand-0": 2}, errors.New("network blip"))
	o := newTestOrchestrator(&fakeSelector{ids: ids(1)}, gen, nil)

	run, err := o.Run(context.Background(), 1, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.SuccessCount != 1 || run.FailureCount != 0 {
		t.Errorf("expected recovery: %d/%d", run.SuccessCount, run.FailureCount)
	}
	if gen.attempts["cand-0"] != 3 {
		t.Errorf("expected 3 attempts, got %d", gen.attempts["cand-0"])
	}
}

func TestRun_ValidationFailureNotRetried(t *testing.T) {
	gen := newScriptedGenerator(map[string]int{"cand-1": -1}, errors.New("invalid candidate metadata"))
	o := newTestOrchestrator(&fakeSelector{ids: ids(2)}, gen, nil)

	run, err := o.Run(context.Background(), 2, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gen.attempts["cand-1"] != 1 {
		t.Errorf("validation errors must not be retried, got %d attempts", gen.attempts["cand-1"])
	}
	if run.SuccessCount != 1 || run.FailureCount != 1 {
		t.Errorf("unexpected counts: %d/%d", run.SuccessCount, run.FailureCount)
	}
	if run.State != domain.BatchStateCompleted {
		t.Errorf("one failure must not abort, got %s", run.State)
	}
}

func TestRun_RetriesExhaustedThenSkips(t *testing.T) {
	gen := newScriptedGenerator(map[string]int{"cand-1": -1}, errors.New("network down"))
	o := newTestOrchestrator(&fakeSelector{ids: ids(3)}, gen, nil)

	run, err := o.Run(context.Background(), 3, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// maxRetries 3: attempts 1 and 2 retryable, attempt 3 terminal.
	if gen.attempts["cand-1"] != 3 {
		t.Errorf("expected 3 attempts before skip, got %d", gen.attempts["cand-1"])
	}
	if run.SuccessCount != 2 || run.FailureCount != 1 {
		t.Errorf("unexpected counts: %d/%d", run.SuccessCount, run.FailureCount)
	}
}

func TestRun_AbortsOnErrorRate(t *testing.T) {
	// Every item fails terminally: after the second item the error rate is
	// 1.0 > 0.5 and the batch aborts without touching the rest.
	gen := newScriptedGenerator(map[string]int{
		"cand-0": -1, "cand-1": -1, "cand-2": -1, "cand-3": -1,
	}, errors.New("invalid payload"))
	o := newTestOrchestrator(&fakeSelector{ids: ids(4)}, gen, nil)

	run, err := o.Run(context.Background(), 4, Options{})
	if err != nil {
		t.Fatalf("item failures must not escape: %v", err)
	}
	if run.State != domain.BatchStateAborted {
		t.Fatalf("expected aborted, got %s", run.State)
	}
	if run.AbortReason == "" {
		t.Error("abort reason missing")
	}
	if run.FailureCount >= 4 {
		t.Errorf("abort should stop processing early, failures=%d", run.FailureCount)
	}
}

func TestRun_ConsecutiveFailuresResetOnSuccess(t *testing.T) {
	// Alternate success/failure; the running error rate stays at or below
	// 0.5 and the consecutive counter resets on every success.
	failures := map[string]int{}
	for i := 1; i < 7; i += 2 {
		failures[fmt.Sprintf("cand-%d", i)] = -1
	}
	gen := newScriptedGenerator(failures, errors.New("invalid metadata"))
	o := newTestOrchestrator(&fakeSelector{ids: ids(7)}, gen, nil)

	run, err := o.Run(context.Background(), 7, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.State != domain.BatchStateCompleted {
		t.Errorf("expected completed, got %s (reason %q)", run.State, run.AbortReason)
	}
	if run.ConsecutiveFailures != 0 {
		t.Errorf("last item succeeded, consecutive should be 0, got %d", run.ConsecutiveFailures)
	}
}

func TestRun_ItemTimeoutClassifiedAndRetried(t *testing.T) {
	slow := &slowGenerator{delay: 50 * time.Millisecond}
	classifier := fault.NewClassifier(fault.WithBackoffBase(time.Millisecond))
	o := NewOrchestrator(&fakeSelector{ids: ids(1)}, slow, classifier, nil, Config{
		ItemTimeout: 5 * time.Millisecond,
	})
	o.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	run, err := o.Run(context.Background(), 1, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.FailureCount != 1 {
		t.Errorf("expected the slow item to fail, got %d failures", run.FailureCount)
	}
	// Timeouts are retryable: the item should have been attempted
	// maxRetries times before being skipped.
	if slow.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", slow.calls)
	}
}

type slowGenerator struct {
	delay time.Duration
	calls int
}

func (g *slowGenerator) Generate(ctx context.Context, candidateID string) (string, error) {
	g.calls++
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(g.delay):
		return "char-" + candidateID, nil
	}
}

func TestRun_ProcessesInSelectionOrder(t *testing.T) {
	gen := newScriptedGenerator(nil, nil)
	o := newTestOrchestrator(&fakeSelector{ids: []string{"c", "a", "b"}}, gen, nil)

	if _, err := o.Run(context.Background(), 3, Options{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"c", "a", "b"}
	for i, id := range want {
		if gen.calls[i] != id {
			t.Fatalf("expected order %v, got %v", want, gen.calls)
		}
	}
}

// overlapGenerator records how many Generate calls ran at the same time.
type overlapGenerator struct {
	mu      sync.Mutex
	active  int
	maxSeen int
}

func (g *overlapGenerator) Generate(ctx context.Context, candidateID string) (string, error) {
	g.mu.Lock()
	g.active++
	if g.active > g.maxSeen {
		g.maxSeen = g.active
	}
	g.mu.Unlock()

	time.Sleep(time.Millisecond)

	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	return "char-" + candidateID, nil
}

func TestRun_ConcurrentRunsAreSerialized(t *testing.T) {
	gen := &overlapGenerator{}
	store := &capturingRunStore{}
	o := newTestOrchestrator(&fakeSelector{ids: ids(4)}, gen, store)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Run(context.Background(), 4, Options{}); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if gen.maxSeen != 1 {
		t.Errorf("expected at most one generation at a time, saw %d overlapping", gen.maxSeen)
	}
	if len(store.saved) != 2 {
		t.Errorf("expected 2 persisted runs, got %d", len(store.saved))
	}
	for _, run := range store.saved {
		if run.SuccessCount != 4 || run.FailureCount != 0 {
			t.Errorf("run %s has unexpected counts: %d/%d", run.ID, run.SuccessCount, run.FailureCount)
		}
	}
}
