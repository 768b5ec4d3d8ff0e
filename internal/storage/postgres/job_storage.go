package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
)

const jobColumns = `job_id, correlation_id, source, status, tenant_id, created_at,
	started_at, completed_at, duration_ms, documents_stored, chunks_created,
	embeddings_generated, estimated_cost, error_message, stages_completed, source_params`

// JobStorage implements the job store on postgres.
type JobStorage struct {
	db     *sqlx.DB
	logger arbor.ILogger
}

// Compile-time interface assertion
var _ interfaces.JobStorage = (*JobStorage)(nil)

func NewJobStorage(db *sqlx.DB, logger arbor.ILogger) *JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// jobRow maps the jobs table. The JSONB columns are held raw and
// converted at the model boundary.
type jobRow struct {
	ID                  uint64           `db:"id"`
	JobID               string           `db:"job_id"`
	CorrelationID       string           `db:"correlation_id"`
	Source              string           `db:"source"`
	Status              models.JobStatus `db:"status"`
	TenantID            string           `db:"tenant_id"`
	CreatedAt           time.Time        `db:"created_at"`
	StartedAt           *time.Time       `db:"started_at"`
	CompletedAt         *time.Time       `db:"completed_at"`
	DurationMs          *float64         `db:"duration_ms"`
	DocumentsStored     int              `db:"documents_stored"`
	ChunksCreated       int              `db:"chunks_created"`
	EmbeddingsGenerated int              `db:"embeddings_generated"`
	EstimatedCost       float64          `db:"estimated_cost"`
	ErrorMessage        string           `db:"error_message"`
	StagesCompleted     []byte           `db:"stages_completed"`
	SourceParams        []byte           `db:"source_params"`
}

func toRow(job *models.Job) (*jobRow, error) {
	stages, err := json.Marshal(job.StagesCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stages: %w", err)
	}
	var params []byte
	if job.SourceParams != nil {
		params, err = json.Marshal(job.SourceParams)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal source params: %w", err)
		}
	}
	return &jobRow{
		ID:                  job.ID,
		JobID:               job.JobID,
		CorrelationID:       job.CorrelationID,
		Source:              job.Source,
		Status:              job.Status,
		TenantID:            job.TenantID,
		CreatedAt:           job.CreatedAt,
		StartedAt:           job.StartedAt,
		CompletedAt:         job.CompletedAt,
		DurationMs:          job.DurationMs,
		DocumentsStored:     job.DocumentsStored,
		ChunksCreated:       job.ChunksCreated,
		EmbeddingsGenerated: job.EmbeddingsGenerated,
		EstimatedCost:       job.EstimatedCost,
		ErrorMessage:        job.ErrorMessage,
		StagesCompleted:     stages,
		SourceParams:        params,
	}, nil
}

func (r *jobRow) toModel() (*models.Job, error) {
	job := &models.Job{
		ID:                  r.ID,
		JobID:               r.JobID,
		CorrelationID:       r.CorrelationID,
		Source:              r.Source,
		Status:              r.Status,
		TenantID:            r.TenantID,
		CreatedAt:           r.CreatedAt,
		StartedAt:           r.StartedAt,
		CompletedAt:         r.CompletedAt,
		DurationMs:          r.DurationMs,
		DocumentsStored:     r.DocumentsStored,
		ChunksCreated:       r.ChunksCreated,
		EmbeddingsGenerated: r.EmbeddingsGenerated,
		EstimatedCost:       r.EstimatedCost,
		ErrorMessage:        r.ErrorMessage,
		StagesCompleted:     []string{},
	}
	if len(r.StagesCompleted) > 0 {
		if err := json.Unmarshal(r.StagesCompleted, &job.StagesCompleted); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stages: %w", err)
		}
	}
	if len(r.SourceParams) > 0 {
		if err := json.Unmarshal(r.SourceParams, &job.SourceParams); err != nil {
			return nil, fmt.Errorf("failed to unmarshal source params: %w", err)
		}
	}
	return job, nil
}

// Create inserts a new job. A duplicate job_id is a validation error.
func (s *JobStorage) Create(ctx context.Context, job *models.Job) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}

	query := `INSERT INTO jobs (` + jobColumns + `) VALUES
		(:job_id, :correlation_id, :source, :status, :tenant_id, :created_at,
		 :started_at, :completed_at, :duration_ms, :documents_stored, :chunks_created,
		 :embeddings_generated, :estimated_cost, :error_message, :stages_completed, :source_params)`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return models.ValidationError("job %s already exists", job.JobID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetByJobID returns one job by its external identifier.
func (s *JobStorage) GetByJobID(ctx context.Context, jobID string) (*models.Job, error) {
	var row jobRow
	query := `SELECT id, ` + jobColumns + ` FROM jobs WHERE job_id = $1`
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NewPipelineError(models.ErrCodeNotFound,
				fmt.Sprintf("job not found: %s", jobID))
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toModel()
}

// Update rewrites the job's mutable fields keyed by job_id. The stored
// status is read under a row lock first so an illegal transition is
// rejected even when two writers race.
func (s *JobStorage) Update(ctx context.Context, job *models.Job) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current models.JobStatus
	err = tx.GetContext(ctx, &current, `SELECT status FROM jobs WHERE job_id = $1 FOR UPDATE`, job.JobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.NewPipelineError(models.ErrCodeNotFound,
				fmt.Sprintf("job not found: %s", job.JobID))
		}
		return fmt.Errorf("failed to read job status: %w", err)
	}

	if !current.CanAdvanceTo(job.Status) {
		return models.ValidationError("illegal status transition %s -> %s for job %s",
			current, job.Status, job.JobID)
	}

	query := `UPDATE jobs SET
			status = :status,
			started_at = :started_at,
			completed_at = :completed_at,
			duration_ms = :duration_ms,
			documents_stored = :documents_stored,
			chunks_created = :chunks_created,
			embeddings_generated = :embeddings_generated,
			estimated_cost = :estimated_cost,
			error_message = :error_message,
			stages_completed = :stages_completed
		WHERE job_id = :job_id`

	if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return tx.Commit()
}

// listOrderColumns whitelists sortable columns.
var listOrderColumns = map[string]bool{
	"created_at":   true,
	"completed_at": true,
	"status":       true,
	"source":       true,
}

// List returns one page of jobs matching the filter plus the total
// match count.
func (s *JobStorage) List(ctx context.Context, filter models.JobFilter) ([]*models.Job, int, error) {
	filter.Normalize()
	if !listOrderColumns[filter.OrderBy] {
		filter.OrderBy = "created_at"
	}

	var conditions []string
	var args []interface{}
	addCondition := func(column, op string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s %s $%d", column, op, len(args)))
	}

	if filter.TenantID != "" {
		addCondition("tenant_id", "=", filter.TenantID)
	}
	if filter.Status != "" {
		addCondition("status", "=", filter.Status)
	}
	if filter.Source != "" {
		addCondition("source", "=", filter.Source)
	}
	if !filter.CreatedAfter.IsZero() {
		addCondition("created_at", ">=", filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		addCondition("created_at", "<=", filter.CreatedBefore)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM jobs`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	query := `SELECT id, ` + jobColumns + ` FROM jobs` + where
	query += fmt.Sprintf(" ORDER BY %s %s LIMIT $%d OFFSET $%d",
		filter.OrderBy, filter.OrderDir, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*models.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toModel()
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, nil
}

// CountByStatus returns job counts per status, optionally scoped to a
// tenant.
func (s *JobStorage) CountByStatus(ctx context.Context, tenantID string) (map[models.JobStatus]int, error) {
	query := `SELECT status, COUNT(*) AS count FROM jobs GROUP BY status`
	args := []interface{}{}
	if tenantID != "" {
		query = `SELECT status, COUNT(*) AS count FROM jobs WHERE tenant_id = $1 GROUP BY status`
		args = append(args, tenantID)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status models.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// DeleteOlderThan removes terminal jobs that completed before the
// cutoff. Returns the number of rows deleted.
func (s *JobStorage) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}
