package domain

import "time"

type CandidateStatus string

const (
	CandidateStatusPending    CandidateStatus = "pending"
	CandidateStatusApproved   CandidateStatus = "approved"
	CandidateStatusRejected   CandidateStatus = "rejected"
	CandidateStatusProcessing CandidateStatus = "processing"
	CandidateStatusCompleted  CandidateStatus = "completed"
	CandidateStatusFailed     CandidateStatus = "failed"
)

type AgeRating string

const (
	AgeRatingL        AgeRating = "L"
	AgeRatingTen      AgeRating = "TEN"
	AgeRatingTwelve   AgeRating = "TWELVE"
	AgeRatingFourteen AgeRating = "FOURTEEN"
	AgeRatingSixteen  AgeRating = "SIXTEEN"
	AgeRatingEighteen AgeRating = "EIGHTEEN"
)

// UnknownBucket is the grouping key used when a classification attribute
// (gender, species, style) is absent.
const UnknownBucket = "unknown"

// Candidate is a curated image eligible for character generation.
// Only approved candidates with no assigned character are selectable.
type Candidate struct {
	ID              string          `json:"id"`
	SourceURL       string          `json:"source_url"`
	Status          CandidateStatus `json:"status"`
	AgeRating       AgeRating       `json:"age_rating"`
	QualityScore    float64         `json:"quality_score"`
	Tags            []string        `json:"tags"`
	Gender          string          `json:"gender,omitempty"`
	Species         string          `json:"species,omitempty"`
	Style           string          `json:"style,omitempty"`
	GeneratedCharID string          `json:"generated_char_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Selectable reports whether the candidate can still be picked for generation.
func (c *Candidate) Selectable() bool {
	return c.Status == CandidateStatusApproved && c.GeneratedCharID == ""
}

// GenderBucket returns the gender grouping key, with absent values bucketed
// as unknown.
func (c *Candidate) GenderBucket() string {
	if c.Gender == "" {
		return UnknownBucket
	}
	return c.Gender
}

// SpeciesBucket returns the species grouping key.
func (c *Candidate) SpeciesBucket() string {
	if c.Species == "" {
		return UnknownBucket
	}
	return c.Species
}

// StyleBucket returns the style grouping key.
func (c *Candidate) StyleBucket() string {
	if c.Style == "" {
		return UnknownBucket
	}
	return c.Style
}
