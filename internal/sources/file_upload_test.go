package sources

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/rake/internal/common"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestFileUploadValidate(t *testing.T) {
	adapter := NewFileUploadAdapter(100, common.GetLogger())
	existing := writeTempFile(t, "report.txt", "short")
	oversized := writeTempFile(t, "big.txt", strings.Repeat("x", 200))
	unsupported := writeTempFile(t, "archive.tar", "data")

	tests := []struct {
		name     string
		params   interfaces.SourceParams
		wantCode models.ErrorCode
	}{
		{
			name:     "missing file_path",
			params:   interfaces.SourceParams{},
			wantCode: models.ErrCodeValidation,
		},
		{
			name:     "nonexistent file",
			params:   interfaces.SourceParams{"file_path": "/nonexistent/nope.txt"},
			wantCode: models.ErrCodeNotFound,
		},
		{
			name:     "file too large",
			params:   interfaces.SourceParams{"file_path": oversized},
			wantCode: models.ErrCodeSizeExceeded,
		},
		{
			name:     "unsupported extension",
			params:   interfaces.SourceParams{"file_path": unsupported},
			wantCode: models.ErrCodeValidation,
		},
		{
			name:   "valid file",
			params: interfaces.SourceParams{"file_path": existing},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := adapter.Validate(tt.params)
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, models.CodeOf(err))
		})
	}
}

func TestFileUploadFetchText(t *testing.T) {
	adapter := NewFileUploadAdapter(0, common.GetLogger())
	path := writeTempFile(t, "notes.txt", "quarterly revenue grew 12 percent")

	docs, err := adapter.Fetch(context.Background(), interfaces.SourceParams{"file_path": path})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	doc := docs[0]
	assert.Equal(t, models.SourceFileUpload, doc.Source)
	assert.Equal(t, "quarterly revenue grew 12 percent", doc.Content)
	assert.Equal(t, "notes.txt", doc.Metadata["filename"])
	assert.Equal(t, ".txt", doc.Metadata["extension"])
	assert.True(t, strings.HasPrefix(doc.ID, "doc-"))
}

func TestFileUploadFetchMarkdown(t *testing.T) {
	adapter := NewFileUploadAdapter(0, common.GetLogger())
	path := writeTempFile(t, "readme.md", "# Heading\n\nBody text here.")

	docs, err := adapter.Fetch(context.Background(), interfaces.SourceParams{"file_path": path})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0].Content, "Body text here.")
}

func TestFileUploadSupportedFormats(t *testing.T) {
	adapter := NewFileUploadAdapter(0, common.GetLogger())
	assert.Equal(t, []string{".docx", ".md", ".pdf", ".pptx", ".txt"}, adapter.SupportedFormats())
}

func TestFileUploadHealthCheck(t *testing.T) {
	adapter := NewFileUploadAdapter(0, common.GetLogger())
	assert.NoError(t, adapter.HealthCheck(context.Background()))
}
