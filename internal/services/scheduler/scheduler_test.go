package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/rake/internal/common"
	"github.com/ternarybob/rake/internal/models"
)

type recordingLauncher struct {
	mu   sync.Mutex
	jobs []*models.Job
	err  error
}

func (r *recordingLauncher) Submit(job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.jobs = append(r.jobs, job)
	return nil
}

type recordingStorage struct {
	mu      sync.Mutex
	created []*models.Job
	updated []*models.Job
}

func (r *recordingStorage) Create(ctx context.Context, job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, job)
	return nil
}

func (r *recordingStorage) GetByJobID(ctx context.Context, jobID string) (*models.Job, error) {
	return nil, models.NewPipelineError(models.ErrCodeNotFound, "not found")
}

func (r *recordingStorage) Update(ctx context.Context, job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, job)
	return nil
}

func (r *recordingStorage) List(ctx context.Context, filter models.JobFilter) ([]*models.Job, int, error) {
	return nil, 0, nil
}

func (r *recordingStorage) CountByStatus(ctx context.Context, tenantID string) (map[models.JobStatus]int, error) {
	return nil, nil
}

func (r *recordingStorage) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func writeSchedules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validSchedules = `
schedules:
  - name: nightly-filings
    cron: "0 2 * * *"
    source: sec_edgar
    tenant_id: acme
    enabled: true
    params:
      tickers: [AAPL, MSFT]
      filing_types: [10-K]
  - name: disabled-crawl
    cron: "0 3 * * *"
    source: url_scrape
    tenant_id: acme
    enabled: false
`

func TestSchedulerLoadsDefinitions(t *testing.T) {
	path := writeSchedules(t, validSchedules)

	sched, err := New(path, &recordingStorage{}, &recordingLauncher{}, common.GetLogger())
	require.NoError(t, err)

	defs := sched.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "nightly-filings", defs[0].Name)
	assert.Equal(t, "sec_edgar", defs[0].Source)
	assert.True(t, defs[0].Enabled)
	assert.False(t, defs[1].Enabled)

	params := defs[0].Params
	assert.Equal(t, []interface{}{"AAPL", "MSFT"}, params["tickers"])
}

func TestSchedulerRejectsIncompleteDefinition(t *testing.T) {
	path := writeSchedules(t, "schedules:\n  - name: broken\n    cron: \"* * * * *\"\n")

	_, err := New(path, &recordingStorage{}, &recordingLauncher{}, common.GetLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "require name, cron and source")
}

func TestSchedulerRejectsBadCron(t *testing.T) {
	path := writeSchedules(t, `
schedules:
  - name: broken
    cron: "not a cron"
    source: url_scrape
    enabled: true
`)

	sched, err := New(path, &recordingStorage{}, &recordingLauncher{}, common.GetLogger())
	require.NoError(t, err)
	assert.Error(t, sched.Start())
}

func TestSchedulerMissingFile(t *testing.T) {
	_, err := New("/nonexistent/schedules.yaml", &recordingStorage{}, &recordingLauncher{}, common.GetLogger())
	require.Error(t, err)
}

func TestSchedulerTriggerCreatesAndLaunches(t *testing.T) {
	path := writeSchedules(t, validSchedules)
	storage := &recordingStorage{}
	launcher := &recordingLauncher{}

	sched, err := New(path, storage, launcher, common.GetLogger())
	require.NoError(t, err)

	sched.trigger(sched.Definitions()[0])

	require.Len(t, storage.created, 1)
	require.Len(t, launcher.jobs, 1)
	job := launcher.jobs[0]
	assert.Equal(t, "sec_edgar", job.Source)
	assert.Equal(t, "acme", job.TenantID)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.NotEmpty(t, job.JobID)
}

func TestSchedulerTriggerLaunchFailureMarksJobFailed(t *testing.T) {
	path := writeSchedules(t, validSchedules)
	storage := &recordingStorage{}
	launcher := &recordingLauncher{err: models.ValidationError("bad params")}

	sched, err := New(path, storage, launcher, common.GetLogger())
	require.NoError(t, err)

	sched.trigger(sched.Definitions()[0])

	require.Len(t, storage.updated, 1)
	assert.Equal(t, models.JobStatusFailed, storage.updated[0].Status)
	assert.Contains(t, storage.updated[0].ErrorMessage, "bad params")
}
