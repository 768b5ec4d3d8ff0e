package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/common"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/storage/badger"
	"github.com/ternarybob/rake/internal/storage/postgres"
)

// NewStorageManager creates the job store backend selected by config.
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	switch config.Storage.Type {
	case "postgres", "":
		return postgres.NewManager(logger, &config.Storage.Postgres)
	case "badger":
		return badger.NewManager(logger, &config.Storage.Badger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (expected postgres or badger)", config.Storage.Type)
	}
}
