package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of an ingestion job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusFetching  JobStatus = "fetching"
	JobStatusCleaning  JobStatus = "cleaning"
	JobStatusChunking  JobStatus = "chunking"
	JobStatusEmbedding JobStatus = "embedding"
	JobStatusStoring   JobStatus = "storing"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// stageOrder maps each non-terminal status to its position in the
// pipeline. Used to reject skipped or backwards transitions.
var stageOrder = map[JobStatus]int{
	JobStatusPending:   0,
	JobStatusFetching:  1,
	JobStatusCleaning:  2,
	JobStatusChunking:  3,
	JobStatusEmbedding: 4,
	JobStatusStoring:   5,
	JobStatusCompleted: 6,
}

// IsTerminal returns true when no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransitionTo reports whether moving from s to next is a legal
// state-machine transition. Terminal states accept nothing; running
// states accept the next stage, failed or cancelled.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == JobStatusFailed || next == JobStatusCancelled {
		return true
	}
	cur, ok := stageOrder[s]
	if !ok {
		return false
	}
	nxt, ok := stageOrder[next]
	if !ok {
		return false
	}
	return nxt == cur+1
}

// CanAdvanceTo reports whether a stored record may be rewritten with the
// new status. Unlike CanTransitionTo it tolerates skipped intermediate
// stages, so a snapshot whose mid-pipeline write was lost can still move
// forward. Backwards moves and any change out of a terminal state are
// rejected.
func (s JobStatus) CanAdvanceTo(next JobStatus) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if next == JobStatusFailed || next == JobStatusCancelled {
		return true
	}
	cur, ok := stageOrder[s]
	if !ok {
		return false
	}
	nxt, ok := stageOrder[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// Job is the persistent record of one ingestion pipeline run.
type Job struct {
	ID                  uint64                 `json:"id" badgerhold:"key" db:"id"`
	JobID               string                 `json:"job_id" db:"job_id" badgerholdIndex:"JobID"`
	CorrelationID       string                 `json:"correlation_id" db:"correlation_id" badgerholdIndex:"CorrelationID"`
	Source              string                 `json:"source" db:"source"`
	Status              JobStatus              `json:"status" db:"status" badgerholdIndex:"Status"`
	TenantID            string                 `json:"tenant_id" db:"tenant_id" badgerholdIndex:"TenantID"`
	CreatedAt           time.Time              `json:"created_at" db:"created_at" badgerholdIndex:"CreatedAt"`
	StartedAt           *time.Time             `json:"started_at,omitempty" db:"started_at"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs          *float64               `json:"duration_ms,omitempty" db:"duration_ms"`
	DocumentsStored     int                    `json:"documents_stored" db:"documents_stored"`
	ChunksCreated       int                    `json:"chunks_created" db:"chunks_created"`
	EmbeddingsGenerated int                    `json:"embeddings_generated" db:"embeddings_generated"`
	EstimatedCost       float64                `json:"estimated_cost" db:"estimated_cost"`
	ErrorMessage        string                 `json:"error_message,omitempty" db:"error_message"`
	StagesCompleted     []string               `json:"stages_completed" db:"-"`
	SourceParams        map[string]interface{} `json:"source_params,omitempty" db:"-"`
}

// NewJob creates a pending job record.
func NewJob(jobID, correlationID, source, tenantID string, params map[string]interface{}) *Job {
	return &Job{
		JobID:           jobID,
		CorrelationID:   correlationID,
		Source:          source,
		Status:          JobStatusPending,
		TenantID:        tenantID,
		CreatedAt:       time.Now().UTC(),
		StagesCompleted: []string{},
		SourceParams:    params,
	}
}

// MarkStarted transitions the job into its first running stage.
func (j *Job) MarkStarted() {
	now := time.Now().UTC()
	j.StartedAt = &now
	j.Status = JobStatusFetching
}

// MarkStageCompleted records a finished stage name.
func (j *Job) MarkStageCompleted(stage string) {
	for _, s := range j.StagesCompleted {
		if s == stage {
			return
		}
	}
	j.StagesCompleted = append(j.StagesCompleted, stage)
}

// MarkCompleted finalizes a successful run with its result counters.
func (j *Job) MarkCompleted(docs, chunks, embeddings int) {
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.DocumentsStored = docs
	j.ChunksCreated = chunks
	j.EmbeddingsGenerated = embeddings
	j.setDuration(now)
}

// MarkFailed finalizes a failed run with the terminal error message.
func (j *Job) MarkFailed(message string) {
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	j.CompletedAt = &now
	j.ErrorMessage = message
	j.setDuration(now)
}

// MarkCancelled finalizes a cancelled run.
func (j *Job) MarkCancelled() {
	now := time.Now().UTC()
	j.Status = JobStatusCancelled
	j.CompletedAt = &now
	j.setDuration(now)
}

func (j *Job) setDuration(end time.Time) {
	start := j.CreatedAt
	if j.StartedAt != nil {
		start = *j.StartedAt
	}
	ms := float64(end.Sub(start).Microseconds()) / 1000.0
	j.DurationMs = &ms
}

// ToJSON serializes the job for API responses and storage.
func (j *Job) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// JobFromJSON deserializes a job record.
func JobFromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// JobFilter narrows job list queries.
type JobFilter struct {
	TenantID      string
	Status        JobStatus
	Source        string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
	OrderBy       string
	OrderDir      string
}

// Normalize applies list defaults.
func (f *JobFilter) Normalize() {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.OrderBy == "" {
		f.OrderBy = "created_at"
	}
	if f.OrderDir != "ASC" {
		f.OrderDir = "DESC"
	}
}
