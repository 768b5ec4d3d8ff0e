package postgres

import (
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/common"
	"github.com/ternarybob/rake/internal/interfaces"
)

// schema creates the jobs table and the composite indexes the list and
// stats queries depend on.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                   BIGSERIAL PRIMARY KEY,
	job_id               TEXT NOT NULL UNIQUE,
	correlation_id       TEXT NOT NULL,
	source               TEXT NOT NULL,
	status               TEXT NOT NULL,
	tenant_id            TEXT NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL,
	started_at           TIMESTAMPTZ,
	completed_at         TIMESTAMPTZ,
	duration_ms          DOUBLE PRECISION,
	documents_stored     INTEGER NOT NULL DEFAULT 0,
	chunks_created       INTEGER NOT NULL DEFAULT 0,
	embeddings_generated INTEGER NOT NULL DEFAULT 0,
	estimated_cost       DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_message        TEXT NOT NULL DEFAULT '',
	stages_completed     JSONB NOT NULL DEFAULT '[]',
	source_params        JSONB
);
CREATE INDEX IF NOT EXISTS idx_jobs_tenant_status ON jobs (tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_tenant_created ON jobs (tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_correlation ON jobs (correlation_id);
`

// Manager owns the postgres connection pool and its job storage.
type Manager struct {
	db         *sqlx.DB
	jobStorage interfaces.JobStorage
	logger     arbor.ILogger
}

// Compile-time interface assertion
var _ interfaces.StorageManager = (*Manager)(nil)

// NewManager opens a pooled connection, verifies it, and runs the
// schema migration.
func NewManager(logger arbor.ILogger, config *common.PostgresConfig) (*Manager, error) {
	logger.Debug().Str("dsn", common.MaskDSN(config.DSN)).Msg("Opening postgres connection")

	db, err := sqlx.Connect("pgx", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	maxOpen := config.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := config.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	if config.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(config.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("invalid conn_max_lifetime %q: %w", config.ConnMaxLifetime, err)
		}
		db.SetConnMaxLifetime(lifetime)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run jobs schema migration: %w", err)
	}

	logger.Info().
		Str("dsn", common.MaskDSN(config.DSN)).
		Int("max_open_conns", maxOpen).
		Msg("Postgres job store ready")

	return &Manager{
		db:         db,
		jobStorage: NewJobStorage(db, logger),
		logger:     logger,
	}, nil
}

// JobStorage returns the job store bound to this pool.
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.jobStorage
}

// Close releases the connection pool.
func (m *Manager) Close() error {
	return m.db.Close()
}
