package scheduler

import (
	"context"
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/common"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
	"gopkg.in/yaml.v3"
)

// Definition is one recurring ingestion defined in the schedules file.
type Definition struct {
	Name     string                 `yaml:"name"`
	Cron     string                 `yaml:"cron"`
	Source   string                 `yaml:"source"`
	TenantID string                 `yaml:"tenant_id"`
	Enabled  bool                   `yaml:"enabled"`
	Params   map[string]interface{} `yaml:"params"`
}

// definitionsFile is the schedules YAML document root.
type definitionsFile struct {
	Schedules []Definition `yaml:"schedules"`
}

// JobLauncher starts a persisted job in the background. Satisfied by
// the pipeline orchestrator.
type JobLauncher interface {
	Submit(job *models.Job) error
}

// Scheduler submits recurring ingestion jobs on cron schedules.
type Scheduler struct {
	cron        *cron.Cron
	storage     interfaces.JobStorage
	launcher    JobLauncher
	definitions []Definition
	logger      arbor.ILogger
}

// New loads the schedule definitions and prepares the cron runner.
func New(definitionsPath string, storage interfaces.JobStorage, launcher JobLauncher, logger arbor.ILogger) (*Scheduler, error) {
	data, err := os.ReadFile(definitionsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedules file %s: %w", definitionsPath, err)
	}

	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse schedules file %s: %w", definitionsPath, err)
	}

	for _, def := range file.Schedules {
		if def.Name == "" || def.Cron == "" || def.Source == "" {
			return nil, fmt.Errorf("schedule entries require name, cron and source (got %+v)", def)
		}
	}

	return &Scheduler{
		cron:        cron.New(),
		storage:     storage,
		launcher:    launcher,
		definitions: file.Schedules,
		logger:      logger,
	}, nil
}

// Start registers the enabled schedules and begins running them.
func (s *Scheduler) Start() error {
	registered := 0
	for _, def := range s.definitions {
		if !def.Enabled {
			s.logger.Debug().Str("schedule", def.Name).Msg("Skipping disabled schedule")
			continue
		}

		definition := def
		if _, err := s.cron.AddFunc(definition.Cron, func() { s.trigger(definition) }); err != nil {
			return fmt.Errorf("invalid cron expression %q for schedule %s: %w",
				definition.Cron, definition.Name, err)
		}
		registered++

		s.logger.Info().
			Str("schedule", definition.Name).
			Str("cron", definition.Cron).
			Str("source", definition.Source).
			Msg("Registered schedule")
	}

	s.cron.Start()
	s.logger.Info().Int("schedules", registered).Msg("Scheduler started")
	return nil
}

// Stop halts the cron runner, waiting for in-flight triggers.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Scheduler stopped")
}

// Definitions returns the loaded schedule definitions.
func (s *Scheduler) Definitions() []Definition {
	return s.definitions
}

// trigger creates and launches one job for a schedule firing.
func (s *Scheduler) trigger(def Definition) {
	job := models.NewJob(common.NewJobID(), common.NewCorrelationID(), def.Source, def.TenantID, def.Params)

	if err := s.storage.Create(context.Background(), job); err != nil {
		s.logger.Error().Err(err).Str("schedule", def.Name).Msg("Failed to persist scheduled job")
		return
	}

	if err := s.launcher.Submit(job); err != nil {
		s.logger.Error().Err(err).Str("schedule", def.Name).Msg("Failed to launch scheduled job")
		job.MarkFailed(err.Error())
		if updateErr := s.storage.Update(context.Background(), job); updateErr != nil {
			s.logger.Error().Err(updateErr).Str("job_id", job.JobID).Msg("Failed to persist failed scheduled job")
		}
		return
	}

	s.logger.Info().
		Str("schedule", def.Name).
		Str("job_id", job.JobID).
		Str("source", def.Source).
		Msg("Scheduled job launched")
}
