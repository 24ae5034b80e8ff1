package generation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/charhub/populator/internal/core/domain"
	"github.com/charhub/populator/internal/infra/imagestore"
	"github.com/charhub/populator/internal/infra/llm"
	redisclient "github.com/charhub/populator/internal/infra/redis"
	"github.com/charhub/populator/internal/infra/storage"
)

// ImageSource downloads candidate images.
type ImageSource interface {
	Download(ctx context.Context, imageURL string) ([]byte, error)
}

// ProfileWriter authors a character sheet from candidate metadata.
type ProfileWriter interface {
	Describe(ctx context.Context, tags []string, ageRating string) (string, error)
	GenerateProfile(ctx context.Context, description string) (*llm.Profile, error)
}

// AvatarEnqueuer hands finished characters to the avatar worker.
type AvatarEnqueuer interface {
	Enqueue(ctx context.Context, job redisclient.AvatarJob) error
}

// QuotaGate limits upstream API calls.
type QuotaGate interface {
	Allow(provider string) error
}

// Generator runs the per-candidate sub-pipeline:
// download -> store -> describe -> profile -> persist+claim -> avatar job.
type Generator struct {
	candidates storage.CandidateRepository
	characters storage.CharacterRepository
	source     ImageSource
	images     imagestore.Store
	writer     ProfileWriter
	avatars    AvatarEnqueuer // optional
	quota      QuotaGate      // optional
	log        *slog.Logger
}

// NewGenerator wires the sub-pipeline. avatars and quota may be nil.
func NewGenerator(
	candidates storage.CandidateRepository,
	characters storage.CharacterRepository,
	source ImageSource,
	images imagestore.Store,
	writer ProfileWriter,
	avatars AvatarEnqueuer,
	quota QuotaGate,
) *Generator {
	return &Generator{
		candidates: candidates,
		characters: characters,
		source:     source,
		images:     images,
		writer:     writer,
		avatars:    avatars,
		quota:      quota,
		log:        slog.Default(),
	}
}

// Generate produces one character from the candidate and returns its ID.
// The candidate claim happens transactionally with the character insert, so
// a concurrently claimed candidate fails here rather than double-assigning.
func (g *Generator) Generate(ctx context.Context, candidateID string) (string, error) {
	cand, err := g.candidates.GetByID(ctx, candidateID)
	if err != nil {
		return "", fmt.Errorf("database lookup for candidate %s: %w", candidateID, err)
	}
	if cand.GeneratedCharID != "" {
		return "", fmt.Errorf("invalid candidate %s: already assigned", candidateID)
	}
	switch cand.Status {
	case domain.CandidateStatusApproved, domain.CandidateStatusProcessing, domain.CandidateStatusFailed:
		// Approved first time through; processing/failed on a retry.
	default:
		return "", fmt.Errorf("invalid candidate %s: status %s", candidateID, cand.Status)
	}

	if err := g.candidates.UpdateStatus(ctx, cand.ID, domain.CandidateStatusProcessing); err != nil {
		g.log.Warn("Failed to mark candidate processing", "candidate", cand.ID, "error", err)
	}

	charID, err := g.run(ctx, cand)
	if err != nil {
		if uerr := g.candidates.UpdateStatus(ctx, cand.ID, domain.CandidateStatusFailed); uerr != nil {
			g.log.Warn("Failed to mark candidate failed", "candidate", cand.ID, "error", uerr)
		}
		return "", err
	}
	return charID, nil
}

func (g *Generator) run(ctx context.Context, cand *domain.Candidate) (string, error) {
	if err := g.allow("civitai"); err != nil {
		return "", err
	}
	data, err := g.source.Download(ctx, cand.SourceURL)
	if err != nil {
		return "", fmt.Errorf("download candidate %s: %w", cand.ID, err)
	}

	imageKey, err := g.images.Put(ctx, fmt.Sprintf("candidates/%s.png", cand.ID), data)
	if err != nil {
		return "", fmt.Errorf("store candidate image %s: %w", cand.ID, err)
	}

	if err := g.allow("openai"); err != nil {
		return "", err
	}
	description, err := g.writer.Describe(ctx, cand.Tags, string(cand.AgeRating))
	if err != nil {
		return "", fmt.Errorf("describe candidate %s: %w", cand.ID, err)
	}

	if err := g.allow("openai"); err != nil {
		return "", err
	}
	profile, err := g.writer.GenerateProfile(ctx, description)
	if err != nil {
		return "", fmt.Errorf("generate profile for %s: %w", cand.ID, err)
	}

	ch := &domain.GeneratedCharacter{
		ID:          uuid.New().String(),
		CandidateID: cand.ID,
		Name:        profile.Name,
		Persona:     profile.Persona,
		Greeting:    profile.Greeting,
		Gender:      firstNonEmpty(profile.Gender, cand.Gender),
		Species:     firstNonEmpty(profile.Species, cand.Species),
		Tags:        mergeTags(cand.Tags, profile.Tags),
		ImageKey:    imageKey,
		CreatedAt:   time.Now(),
	}

	if err := g.characters.CreateAndAssign(ctx, ch); err != nil {
		if err == storage.ErrAlreadyAssigned {
			return "", fmt.Errorf("invalid candidate %s: claimed concurrently", cand.ID)
		}
		return "", fmt.Errorf("database persist for %s: %w", cand.ID, err)
	}

	if g.avatars != nil {
		job := redisclient.AvatarJob{
			CharacterID: ch.ID,
			CandidateID: cand.ID,
			ImageKey:    imageKey,
		}
		// Avatar rendering is asynchronous and recoverable; a queue
		// failure does not fail the character.
		if err := g.avatars.Enqueue(ctx, job); err != nil {
			g.log.Warn("Failed to enqueue avatar job", "character", ch.ID, "error", err)
		}
	}

	return ch.ID, nil
}

func (g *Generator) allow(provider string) error {
	if g.quota == nil {
		return nil
	}
	return g.quota.Allow(provider)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func mergeTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, t := range append(append([]string{}, a...), b...) {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
