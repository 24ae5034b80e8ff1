package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charhub/populator/internal/pipeline/metrics"
)

// avatarQueueKey is the list the avatar worker consumes with BRPOP.
const avatarQueueKey = "avatar_jobs"

// AvatarJob asks the downstream avatar worker to render portrait crops for a
// freshly generated character.
type AvatarJob struct {
	CharacterID string    `json:"character_id"`
	CandidateID string    `json:"candidate_id"`
	ImageKey    string    `json:"image_key"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// AvatarQueue publishes avatar jobs onto Redis.
type AvatarQueue struct {
	client *Client
}

// NewAvatarQueue creates an avatar job queue over the client.
func NewAvatarQueue(client *Client) *AvatarQueue {
	return &AvatarQueue{client: client}
}

// Enqueue pushes one avatar job.
func (q *AvatarQueue) Enqueue(ctx context.Context, job AvatarJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal avatar job: %w", err)
	}
	if err := q.client.rdb.LPush(ctx, avatarQueueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue avatar job: %w", err)
	}
	metrics.AvatarJobsEnqueued.Inc()
	return nil
}

// Depth returns the number of queued avatar jobs.
func (q *AvatarQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.rdb.LLen(ctx, avatarQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read avatar queue depth: %w", err)
	}
	return n, nil
}
