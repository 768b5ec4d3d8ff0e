package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/rake/internal/models"
)

// JobStorage persists job records across service restarts.
type JobStorage interface {
	// Create inserts a new job. Fails if the job_id already exists.
	Create(ctx context.Context, job *models.Job) error

	// GetByJobID returns a job by its external identifier.
	GetByJobID(ctx context.Context, jobID string) (*models.Job, error)

	// Update persists all mutable fields of an existing job. The status
	// state machine is enforced against the stored record: an illegal
	// transition returns a validation error.
	Update(ctx context.Context, job *models.Job) error

	// List returns jobs matching the filter, newest first by default,
	// along with the total match count before pagination.
	List(ctx context.Context, filter models.JobFilter) ([]*models.Job, int, error)

	// CountByStatus returns job counts grouped by status, optionally
	// scoped to one tenant.
	CountByStatus(ctx context.Context, tenantID string) (map[models.JobStatus]int, error)

	// DeleteOlderThan removes terminal jobs completed before the cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// StorageManager owns the storage backend lifecycle.
type StorageManager interface {
	JobStorage() JobStorage
	Close() error
}
