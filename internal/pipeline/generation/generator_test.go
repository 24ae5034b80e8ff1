package generation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/charhub/populator/internal/core/domain"
	"github.com/charhub/populator/internal/infra/llm"
	redisclient "github.com/charhub/populator/internal/infra/redis"
	"github.com/charhub/populator/internal/infra/storage"
	"github.com/charhub/populator/internal/infra/storage/memory"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeSource struct {
	data []byte
	err  error
	urls []string
}

func (f *fakeSource) Download(ctx context.Context, imageURL string) ([]byte, error) {
	f.urls = append(f.urls, imageURL)
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

type fakeImageStore struct {
	keys []string
	err  error
}

func (f *fakeImageStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return key, nil
}

type fakeWriter struct {
	profile     *llm.Profile
	describeErr error
	profileErr  error
}

func (f *fakeWriter) Describe(ctx context.Context, tags []string, ageRating string) (string, error) {
	if f.describeErr != nil {
		return "", f.describeErr
	}
	return "a character described from " + strings.Join(tags, ", "), nil
}

func (f *fakeWriter) GenerateProfile(ctx context.Context, description string) (*llm.Profile, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	return f.profile, nil
}

type fakeQueue struct {
	jobs []redisclient.AvatarJob
	err  error
}

func (f *fakeQueue) Enqueue(ctx context.Context, job redisclient.AvatarJob) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeQuota struct {
	denied map[string]bool
	calls  []string
}

func (f *fakeQuota) Allow(provider string) error {
	f.calls = append(f.calls, provider)
	if f.denied[provider] {
		return errors.New("daily rate limit reached for " + provider)
	}
	return nil
}

func approvedCandidate(id string) *domain.Candidate {
	return &domain.Candidate{
		ID:           id,
		SourceURL:    "https://images.example/" + id + ".png",
		Status:       domain.CandidateStatusApproved,
		AgeRating:    domain.AgeRatingL,
		QualityScore: 0.8,
		Tags:         []string{"fantasy", "portrait"},
		Gender:       "female",
		Species:      "elf",
		CreatedAt:    time.Now(),
	}
}

func newTestGenerator(store *memory.MemoryStorage, source *fakeSource, writer *fakeWriter, queue *fakeQueue, quota *fakeQuota) *Generator {
	var q AvatarEnqueuer
	if queue != nil {
		q = queue
	}
	var gate QuotaGate
	if quota != nil {
		gate = quota
	}
	return NewGenerator(
		memory.NewCandidateRepo(store),
		memory.NewCharacterRepo(store),
		source,
		&fakeImageStore{},
		writer,
		q,
		gate,
	)
}

// ============================================================================
// Tests
// ============================================================================

func TestGenerate_HappyPath(t *testing.T) {
	store := memory.NewMemoryStorage()
	store.SeedCandidates([]*domain.Candidate{approvedCandidate("cand-1")})

	source := &fakeSource{data: []byte("png-bytes")}
	writer := &fakeWriter{profile: &llm.Profile{
		Name:    "Aelira",
		Persona: "A wandering scholar.",
		Gender:  "female",
		Species: "elf",
		Tags:    []string{"scholar"},
	}}
	queue := &fakeQueue{}

	gen := newTestGenerator(store, source, writer, queue, nil)

	charID, err := gen.Generate(context.Background(), "cand-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if charID == "" {
		t.Fatal("expected a character ID")
	}

	cand, err := memory.NewCandidateRepo(store).GetByID(context.Background(), "cand-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cand.GeneratedCharID != charID {
		t.Errorf("candidate not claimed: got %q want %q", cand.GeneratedCharID, charID)
	}
	if cand.Status != domain.CandidateStatusCompleted {
		t.Errorf("expected completed status, got %s", cand.Status)
	}

	if len(queue.jobs) != 1 {
		t.Fatalf("expected 1 avatar job, got %d", len(queue.jobs))
	}
	if queue.jobs[0].CharacterID != charID {
		t.Errorf("avatar job character mismatch: %s", queue.jobs[0].CharacterID)
	}
	if len(source.urls) != 1 || source.urls[0] != "https://images.example/cand-1.png" {
		t.Errorf("unexpected download urls: %v", source.urls)
	}
}

func TestGenerate_ProfileFallsBackToCandidateAttributes(t *testing.T) {
	store := memory.NewMemoryStorage()
	store.SeedCandidates([]*domain.Candidate{approvedCandidate("cand-1")})

	writer := &fakeWriter{profile: &llm.Profile{Name: "Aelira", Persona: "p"}}
	gen := newTestGenerator(store, &fakeSource{data: []byte("x")}, writer, nil, nil)

	if _, err := gen.Generate(context.Background(), "cand-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := memory.NewCharacterRepo(store).Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 character, got %d", len(entries))
	}
	if entries[0].Gender != "female" || entries[0].Species != "elf" {
		t.Errorf("expected candidate attributes as fallback, got %+v", entries[0])
	}
}

func TestGenerate_RejectsAssignedCandidate(t *testing.T) {
	store := memory.NewMemoryStorage()
	cand := approvedCandidate("cand-1")
	cand.GeneratedCharID = "char-existing"
	store.SeedCandidates([]*domain.Candidate{cand})

	gen := newTestGenerator(store, &fakeSource{data: []byte("x")}, &fakeWriter{}, nil, nil)

	_, err := gen.Generate(context.Background(), "cand-1")
	if err == nil {
		t.Fatal("expected error for assigned candidate")
	}
	if !strings.Contains(err.Error(), "invalid candidate") {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestGenerate_RejectsIneligibleStatus(t *testing.T) {
	store := memory.NewMemoryStorage()
	cand := approvedCandidate("cand-1")
	cand.Status = domain.CandidateStatusRejected
	store.SeedCandidates([]*domain.Candidate{cand})

	gen := newTestGenerator(store, &fakeSource{data: []byte("x")}, &fakeWriter{}, nil, nil)

	if _, err := gen.Generate(context.Background(), "cand-1"); err == nil {
		t.Fatal("expected error for rejected candidate")
	}
}

func TestGenerate_RetryAllowedAfterFailure(t *testing.T) {
	store := memory.NewMemoryStorage()
	store.SeedCandidates([]*domain.Candidate{approvedCandidate("cand-1")})

	source := &fakeSource{err: errors.New("network call failed: connection refused")}
	writer := &fakeWriter{profile: &llm.Profile{Name: "Aelira", Persona: "p"}}
	gen := newTestGenerator(store, source, writer, nil, nil)

	if _, err := gen.Generate(context.Background(), "cand-1"); err == nil {
		t.Fatal("expected download failure")
	}

	cand, _ := memory.NewCandidateRepo(store).GetByID(context.Background(), "cand-1")
	if cand.Status != domain.CandidateStatusFailed {
		t.Fatalf("expected failed status after error, got %s", cand.Status)
	}

	// The retry re-enters with status failed and must not be rejected.
	source.err = nil
	source.data = []byte("x")
	if _, err := gen.Generate(context.Background(), "cand-1"); err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
}

func TestGenerate_QuotaDenialStopsBeforeDownload(t *testing.T) {
	store := memory.NewMemoryStorage()
	store.SeedCandidates([]*domain.Candidate{approvedCandidate("cand-1")})

	source := &fakeSource{data: []byte("x")}
	quota := &fakeQuota{denied: map[string]bool{"civitai": true}}
	gen := newTestGenerator(store, source, &fakeWriter{}, nil, quota)

	_, err := gen.Generate(context.Background(), "cand-1")
	if err == nil {
		t.Fatal("expected quota denial")
	}
	if !strings.Contains(err.Error(), "rate limit") {
		t.Errorf("expected rate limit error, got %v", err)
	}
	if len(source.urls) != 0 {
		t.Errorf("download should not run when quota denied, got %v", source.urls)
	}
}

func TestGenerate_QuotaChargesBothProviders(t *testing.T) {
	store := memory.NewMemoryStorage()
	store.SeedCandidates([]*domain.Candidate{approvedCandidate("cand-1")})

	quota := &fakeQuota{}
	writer := &fakeWriter{profile: &llm.Profile{Name: "Aelira", Persona: "p"}}
	gen := newTestGenerator(store, &fakeSource{data: []byte("x")}, writer, nil, quota)

	if _, err := gen.Generate(context.Background(), "cand-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"civitai", "openai", "openai"}
	if len(quota.calls) != len(want) {
		t.Fatalf("expected %d quota checks, got %v", len(want), quota.calls)
	}
	for i, p := range want {
		if quota.calls[i] != p {
			t.Errorf("quota call %d: got %s want %s", i, quota.calls[i], p)
		}
	}
}

func TestGenerate_AvatarQueueFailureIsNonFatal(t *testing.T) {
	store := memory.NewMemoryStorage()
	store.SeedCandidates([]*domain.Candidate{approvedCandidate("cand-1")})

	writer := &fakeWriter{profile: &llm.Profile{Name: "Aelira", Persona: "p"}}
	queue := &fakeQueue{err: errors.New("network call failed: redis down")}
	gen := newTestGenerator(store, &fakeSource{data: []byte("x")}, writer, queue, nil)

	if _, err := gen.Generate(context.Background(), "cand-1"); err != nil {
		t.Fatalf("queue failure must not fail generation: %v", err)
	}
}

func TestGenerate_ProfileErrorPropagates(t *testing.T) {
	store := memory.NewMemoryStorage()
	store.SeedCandidates([]*domain.Candidate{approvedCandidate("cand-1")})

	writer := &fakeWriter{profileErr: errors.New("validation failed: profile name and persona are required")}
	gen := newTestGenerator(store, &fakeSource{data: []byte("x")}, writer, nil, nil)

	_, err := gen.Generate(context.Background(), "cand-1")
	if err == nil {
		t.Fatal("expected profile error")
	}
	if !strings.Contains(err.Error(), "generate profile") {
		t.Errorf("expected wrapped profile error, got %v", err)
	}
}

func TestGenerate_UnknownCandidate(t *testing.T) {
	store := memory.NewMemoryStorage()
	gen := newTestGenerator(store, &fakeSource{data: []byte("x")}, &fakeWriter{}, nil, nil)

	_, err := gen.Generate(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for missing candidate")
	}
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
