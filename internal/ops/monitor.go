package ops

import (
	"context"
	"sync"
	"time"

	"github.com/charhub/populator/internal/core/domain"
	"github.com/charhub/populator/internal/infra/storage"
	"github.com/charhub/populator/internal/pipeline/metrics"
)

// lowPoolThreshold marks the approved pool degraded when fewer candidates
// remain than a couple of scheduled batches would consume.
const lowPoolThreshold = 20

// Pinger checks connectivity of an infrastructure dependency.
type Pinger interface {
	Health(ctx context.Context) error
}

// QueueDepther reports avatar queue backlog.
type QueueDepther interface {
	Depth(ctx context.Context) (int64, error)
}

// Monitor aggregates health status from the service's dependencies.
type Monitor struct {
	db         Pinger       // optional
	redis      Pinger       // optional
	avatars    QueueDepther // optional
	candidates storage.CandidateRepository

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *Report
}

// NewMonitor creates a health monitor. db, redis and avatars may be nil when
// the corresponding dependency is not configured.
func NewMonitor(db, redis Pinger, avatars QueueDepther, candidates storage.CandidateRepository) *Monitor {
	return &Monitor{
		db:         db,
		redis:      redis,
		avatars:    avatars,
		candidates: candidates,
	}
}

// CheckHealth performs the dependency checks. Results are cached for 10s to
// keep probe traffic off the database.
func (m *Monitor) CheckHealth(ctx context.Context) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < 10*time.Second && m.lastReport != nil {
		return m.lastReport
	}

	report := &Report{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth),
	}

	if m.db != nil {
		if err := m.db.Health(ctx); err != nil {
			report.Components["database"] = ComponentHealth{Status: StatusCritical, Detail: err.Error()}
			report.SystemStatus = StatusCritical
		} else {
			report.Components["database"] = ComponentHealth{Status: StatusHealthy}
		}
	}

	if m.redis != nil {
		if err := m.redis.Health(ctx); err != nil {
			report.Components["redis"] = ComponentHealth{Status: StatusDegraded, Detail: err.Error()}
			report.degrade()
		} else {
			report.Components["redis"] = ComponentHealth{Status: StatusHealthy}
		}
	}

	pool, err := m.candidates.Count(ctx, storage.CandidateFilter{
		Status:     domain.CandidateStatusApproved,
		Unassigned: true,
	})
	switch {
	case err != nil:
		report.Components["candidate_pool"] = ComponentHealth{Status: StatusDegraded, Detail: err.Error()}
		report.degrade()
	case pool < lowPoolThreshold:
		report.ApprovedPool = pool
		report.Components["candidate_pool"] = ComponentHealth{Status: StatusDegraded, Detail: "approved pool running low"}
		report.degrade()
		metrics.ApprovedPoolSize.Set(float64(pool))
	default:
		report.ApprovedPool = pool
		report.Components["candidate_pool"] = ComponentHealth{Status: StatusHealthy}
		metrics.ApprovedPoolSize.Set(float64(pool))
	}

	if m.avatars != nil {
		if depth, err := m.avatars.Depth(ctx); err == nil {
			report.AvatarQueue = depth
		}
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

// degrade lowers the system status without overriding critical.
func (r *Report) degrade() {
	if r.SystemStatus != StatusCritical {
		r.SystemStatus = StatusDegraded
	}
}
