package sources

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/rake/internal/common"
	"github.com/ternarybob/rake/internal/models"
	"github.com/ternarybob/rake/internal/services/ratelimit"
	"github.com/ternarybob/rake/internal/services/retry"
)

// testRetryPolicy returns the default policy with backoff shrunk so
// retry paths run in microseconds.
func testRetryPolicy() *retry.Policy {
	policy := retry.NewPolicy()
	policy.InitialBackoff = time.Millisecond
	policy.MaxBackoff = 5 * time.Millisecond
	return policy
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	logger := common.GetLogger()

	registry.Register(NewFileUploadAdapter(0, logger))

	adapter, err := registry.Get(models.SourceFileUpload)
	require.NoError(t, err)
	assert.Equal(t, models.SourceFileUpload, adapter.Type())
}

func TestRegistry_GetUnknownType(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Get(models.SourceType("carrier_pigeon"))
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
}

func TestRegistry_TypesSorted(t *testing.T) {
	registry := NewRegistry()
	logger := common.GetLogger()
	limiter := ratelimit.New(0)
	policy := testRetryPolicy()

	registry.Register(NewURLScrapeAdapter("test/1.0 test@example.com", 0, 0, limiter, policy, logger))
	registry.Register(NewFileUploadAdapter(0, logger))
	registry.Register(NewAPIFetchAdapter(0, policy, logger))
	registry.Register(NewDatabaseQueryAdapter(0, logger))
	registry.Register(NewSECEdgarAdapter("test test@example.com", 0, limiter, policy, logger))

	types := registry.Types()
	assert.Equal(t, []models.SourceType{
		models.SourceAPIFetch,
		models.SourceDatabaseQuery,
		models.SourceFileUpload,
		models.SourceSECEdgar,
		models.SourceURLScrape,
	}, types)
}
