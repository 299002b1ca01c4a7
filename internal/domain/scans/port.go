package scans

import (
	"context"
	"time"
)

// Repository port (interface untuk persistence)
type Repository interface {
	Create(ctx context.Context, r *ScanRequest) error
	Get(ctx context.Context, project string, id RequestID) (*ScanRequest, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*ScanRequest, error)

	// Transition moves a request forward. It returns ErrInvalidTransition
	// when the stored status is not a predecessor of to.
	Transition(ctx context.Context, id RequestID, to Status, message string, at time.Time) error
	// Reconcile forces every request in from to to, returning how many moved.
	Reconcile(ctx context.Context, from, to Status, message string, at time.Time) (int64, error)

	SaveRecords(ctx context.Context, id RequestID, records []AssessmentRecord) error
	ListRecords(ctx context.Context, id RequestID) ([]AssessmentRecord, error)
	SaveDiscoveredHosts(ctx context.Context, id RequestID, hosts []DiscoveredHost) error
	SetArtifact(ctx context.Context, id RequestID, url string) error
}

// ExecResult is what the connector returns for one command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Connector port: runs one command string against a target.
// Implementations never retry.
type Connector interface {
	Execute(ctx context.Context, target TargetHost, command string, timeout time.Duration) (ExecResult, error)
}

// Notifier port: fire-and-forget status events.
type Notifier interface {
	Publish(ctx context.Context, ev Event)
}

// ArtifactStore port (interface untuk penyimpanan artefak)
type ArtifactStore interface {
	PutJSON(ctx context.Context, key string, data []byte) (string, error)
}
