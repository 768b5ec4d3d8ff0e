package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the job store on the embedded Badger database.
type JobStorage struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// Compile-time interface assertion
var _ interfaces.JobStorage = (*JobStorage)(nil)

func NewJobStorage(store *badgerhold.Store, logger arbor.ILogger) *JobStorage {
	return &JobStorage{
		store:  store,
		logger: logger,
	}
}

// Create inserts a new job. A duplicate job_id is a validation error.
func (s *JobStorage) Create(ctx context.Context, job *models.Job) error {
	existing, err := s.findByJobID(job.JobID)
	if err != nil && models.CodeOf(err) != models.ErrCodeNotFound {
		return err
	}
	if existing != nil {
		return models.ValidationError("job %s already exists", job.JobID)
	}

	if err := s.store.Insert(badgerhold.NextSequence(), job); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetByJobID returns one job by its external identifier.
func (s *JobStorage) GetByJobID(ctx context.Context, jobID string) (*models.Job, error) {
	return s.findByJobID(jobID)
}

func (s *JobStorage) findByJobID(jobID string) (*models.Job, error) {
	var jobs []models.Job
	if err := s.store.Find(&jobs, badgerhold.Where("JobID").Eq(jobID).Index("JobID")); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, models.NewPipelineError(models.ErrCodeNotFound,
				fmt.Sprintf("job not found: %s", jobID))
		}
		return nil, fmt.Errorf("failed to find job: %w", err)
	}
	if len(jobs) == 0 {
		return nil, models.NewPipelineError(models.ErrCodeNotFound,
			fmt.Sprintf("job not found: %s", jobID))
	}
	return &jobs[0], nil
}

// Update rewrites the stored record keyed by its internal ID. A status
// change is checked against the stored record's state machine first.
func (s *JobStorage) Update(ctx context.Context, job *models.Job) error {
	current, err := s.findByJobID(job.JobID)
	if err != nil {
		return err
	}
	if !current.Status.CanAdvanceTo(job.Status) {
		return models.ValidationError("illegal status transition %s -> %s for job %s",
			current.Status, job.Status, job.JobID)
	}
	job.ID = current.ID

	if err := s.store.Update(job.ID, job); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// listQuery builds the filter conditions shared by the page fetch and
// the total count.
func listQuery(filter models.JobFilter) *badgerhold.Query {
	query := badgerhold.Where("JobID").Ne("")
	if filter.TenantID != "" {
		query = query.And("TenantID").Eq(filter.TenantID).Index("TenantID")
	}
	if filter.Status != "" {
		query = query.And("Status").Eq(filter.Status)
	}
	if filter.Source != "" {
		query = query.And("Source").Eq(filter.Source)
	}
	if !filter.CreatedAfter.IsZero() {
		query = query.And("CreatedAt").Ge(filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		query = query.And("CreatedAt").Le(filter.CreatedBefore)
	}
	return query
}

// List returns one page of jobs matching the filter plus the total
// match count.
func (s *JobStorage) List(ctx context.Context, filter models.JobFilter) ([]*models.Job, int, error) {
	filter.Normalize()

	var all []models.Job
	if err := s.store.Find(&all, listQuery(filter)); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	total := len(all)

	// Only CreatedAt ordering is supported on this backend.
	query := listQuery(filter).SortBy("CreatedAt")
	if filter.OrderDir == "DESC" {
		query = query.Reverse()
	}
	query = query.Skip(filter.Offset).Limit(filter.Limit)

	var jobs []models.Job
	if err := s.store.Find(&jobs, query); err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, total, nil
}

// CountByStatus returns job counts per status, optionally scoped to a
// tenant.
func (s *JobStorage) CountByStatus(ctx context.Context, tenantID string) (map[models.JobStatus]int, error) {
	query := badgerhold.Where("JobID").Ne("")
	if tenantID != "" {
		query = badgerhold.Where("TenantID").Eq(tenantID).Index("TenantID")
	}

	var jobs []models.Job
	if err := s.store.Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := make(map[models.JobStatus]int)
	for i := range jobs {
		counts[jobs[i].Status]++
	}
	return counts, nil
}

// DeleteOlderThan removes terminal jobs that completed before the
// cutoff.
func (s *JobStorage) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var jobs []models.Job
	query := badgerhold.Where("Status").In(
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled)
	if err := s.store.Find(&jobs, query); err != nil {
		return 0, fmt.Errorf("failed to find old jobs: %w", err)
	}

	deleted := 0
	for i := range jobs {
		if jobs[i].CompletedAt == nil || !jobs[i].CompletedAt.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(jobs[i].ID, &models.Job{}); err != nil {
			return deleted, fmt.Errorf("failed to delete job %s: %w", jobs[i].JobID, err)
		}
		deleted++
	}
	return deleted, nil
}
