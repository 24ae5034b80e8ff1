package domain

import "time"

// GeneratedCharacter is the persisted output of the generation pipeline for
// one candidate.
type GeneratedCharacter struct {
	ID          string    `json:"id"`
	CandidateID string    `json:"candidate_id"`
	Name        string    `json:"name"`
	Persona     string    `json:"persona"`
	Greeting    string    `json:"greeting"`
	Gender      string    `json:"gender,omitempty"`
	Species     string    `json:"species,omitempty"`
	Tags        []string  `json:"tags"`
	ImageKey    string    `json:"image_key"`
	CreatedAt   time.Time `json:"created_at"`
}

// HistoryEntry is one row of the bounded recent-generation window used for
// under-representation scoring.
type HistoryEntry struct {
	Gender  string
	Species string
}
