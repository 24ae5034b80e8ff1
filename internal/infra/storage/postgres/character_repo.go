package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/charhub/populator/internal/core/domain"
	"github.com/charhub/populator/internal/infra/storage"
)

// CharacterRepo implements storage.CharacterRepository using PostgreSQL.
type CharacterRepo struct {
	db *DB
}

// NewCharacterRepo creates a new PostgreSQL character repository.
func NewCharacterRepo(db *DB) *CharacterRepo {
	return &CharacterRepo{db: db}
}

// CreateAndAssign persists the character and claims its candidate in one
// transaction. The claim only succeeds while generated_char_id is still
// NULL, so a candidate is never assigned twice across concurrent runs.
func (r *CharacterRepo) CreateAndAssign(ctx context.Context, ch *domain.GeneratedCharacter) error {
	tags, err := json.Marshal(ch.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO characters (id, candidate_id, name, persona, greeting, gender, species, tags, image_key, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, NOW())
	`, ch.ID, ch.CandidateID, ch.Name, ch.Persona, ch.Greeting, ch.Gender, ch.Species, tags, ch.ImageKey)
	if err != nil {
		return fmt.Errorf("failed to insert character: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE candidates
		SET generated_char_id = $1, status = $2
		WHERE id = $3 AND generated_char_id IS NULL
	`, ch.ID, string(domain.CandidateStatusCompleted), ch.CandidateID)
	if err != nil {
		return fmt.Errorf("failed to claim candidate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrAlreadyAssigned
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit character: %w", err)
	}
	return nil
}

// Recent returns gender/species of the latest generated characters.
func (r *CharacterRepo) Recent(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	var rows []struct {
		Gender  sql.NullString `db:"gender"`
		Species sql.NullString `db:"species"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT gender, species
		FROM characters
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent characters: %w", err)
	}

	out := make([]domain.HistoryEntry, len(rows))
	for i, row := range rows {
		out[i] = domain.HistoryEntry{Gender: row.Gender.String, Species: row.Species.String}
	}
	return out, nil
}
