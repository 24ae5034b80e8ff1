// Package ops exposes the operational HTTP surface: health, metrics, pool
// statistics, error summaries, and the manual batch trigger.
package ops

// SystemStatus represents the overall health state of the service or a
// component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ComponentHealth is the check result for one dependency.
type ComponentHealth struct {
	Status SystemStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}

// Report is the full health report.
type Report struct {
	SystemStatus SystemStatus               `json:"system_status"`
	Components   map[string]ComponentHealth `json:"components"`
	ApprovedPool int                        `json:"approved_pool"`
	AvatarQueue  int64                      `json:"avatar_queue"`
}
