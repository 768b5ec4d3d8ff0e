package badger

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/common"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/timshannon/badgerhold/v4"
)

// Manager owns the embedded Badger store. Used for single-node
// deployments that do not want an external database.
type Manager struct {
	store      *badgerhold.Store
	jobStorage interfaces.JobStorage
	logger     arbor.ILogger
}

// Compile-time interface assertion
var _ interfaces.StorageManager = (*Manager)(nil)

// NewManager opens the Badger database at the configured path.
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Opening Badger database")

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = nil // arbor handles logging

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Info().Str("path", config.Path).Msg("Badger job store ready")

	return &Manager{
		store:      store,
		jobStorage: NewJobStorage(store, logger),
		logger:     logger,
	}, nil
}

// JobStorage returns the job store bound to this database.
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.jobStorage
}

// Close closes the database.
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}
