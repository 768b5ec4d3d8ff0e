package sources

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/common"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
)

// supportedUploadFormats maps accepted extensions to their mime types.
var supportedUploadFormats = map[string]string{
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// FileUploadAdapter ingests local document files: PDF via pdfcpu
// content extraction, Office XML formats via their zip payloads, and
// plain text directly.
type FileUploadAdapter struct {
	maxFileBytes int64
	tempDir      string
	logger       arbor.ILogger
}

// Compile-time interface assertion
var _ interfaces.SourceAdapter = (*FileUploadAdapter)(nil)

// NewFileUploadAdapter creates the adapter. maxFileBytes <= 0 applies
// the 50MB default.
func NewFileUploadAdapter(maxFileBytes int64, logger arbor.ILogger) *FileUploadAdapter {
	if maxFileBytes <= 0 {
		maxFileBytes = 50 * 1024 * 1024
	}
	tempDir := filepath.Join(os.TempDir(), "rake-pdf")
	os.MkdirAll(tempDir, 0755)

	return &FileUploadAdapter{
		maxFileBytes: maxFileBytes,
		tempDir:      tempDir,
		logger:       logger,
	}
}

func (a *FileUploadAdapter) Type() models.SourceType {
	return models.SourceFileUpload
}

func (a *FileUploadAdapter) SupportedFormats() []string {
	formats := make([]string, 0, len(supportedUploadFormats))
	for ext := range supportedUploadFormats {
		formats = append(formats, ext)
	}
	sort.Strings(formats)
	return formats
}

// Validate checks the file exists, fits the size cap, and has a
// supported extension.
func (a *FileUploadAdapter) Validate(params interfaces.SourceParams) error {
	filePath := params.String("file_path", "")
	if filePath == "" {
		return models.ValidationError("file_path is required").WithSource(string(a.Type()))
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return models.NewPipelineError(models.ErrCodeNotFound,
				fmt.Sprintf("file does not exist: %s", filePath)).WithSource(string(a.Type()))
		}
		return models.WrapPipelineError(models.ErrCodeInternal, "failed to stat file", err)
	}

	if info.Size() > a.maxFileBytes {
		return models.NewPipelineError(models.ErrCodeSizeExceeded,
			fmt.Sprintf("file too large: %d bytes (max %d)", info.Size(), a.maxFileBytes)).
			WithSource(string(a.Type()))
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	if _, ok := supportedUploadFormats[ext]; !ok {
		return models.ValidationError("unsupported file format %q (supported: %s)",
			ext, strings.Join(a.SupportedFormats(), ", ")).WithSource(string(a.Type()))
	}

	return nil
}

// HealthCheck verifies the temp directory is writable.
func (a *FileUploadAdapter) HealthCheck(ctx context.Context) error {
	probe := filepath.Join(a.tempDir, "healthcheck")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return models.WrapPipelineError(models.ErrCodeInternal, "temp directory not writable", err)
	}
	return os.Remove(probe)
}

// Fetch reads and extracts text from the file.
func (a *FileUploadAdapter) Fetch(ctx context.Context, params interfaces.SourceParams) ([]*models.RawDocument, error) {
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	filePath := params.String("file_path", "")
	ext := strings.ToLower(filepath.Ext(filePath))

	var content string
	var err error

	switch ext {
	case ".txt", ".md":
		var data []byte
		data, err = os.ReadFile(filePath)
		content = string(data)
	case ".pdf":
		content, err = a.extractPDF(filePath)
	case ".docx":
		content, err = extractOfficeXML(filePath, isWordDocumentEntry)
	case ".pptx":
		content, err = extractOfficeXML(filePath, isSlideEntry)
	}

	if err != nil {
		return nil, models.WrapPipelineError(models.ErrCodeInternal,
			fmt.Sprintf("failed to extract text from %s", filepath.Base(filePath)), err).
			WithSource(string(a.Type()))
	}

	info, _ := os.Stat(filePath)
	contentType := supportedUploadFormats[ext]
	if guessed := mime.TypeByExtension(ext); guessed != "" {
		contentType = guessed
	}

	doc := &models.RawDocument{
		ID:          common.NewDocumentID(),
		Source:      models.SourceFileUpload,
		ContentType: contentType,
		Content:     content,
		FetchedAt:   time.Now().UTC(),
		Metadata: map[string]interface{}{
			"filename":  filepath.Base(filePath),
			"extension": ext,
		},
	}
	if info != nil {
		doc.Metadata["file_size"] = info.Size()
	}

	a.logger.Debug().
		Str("file", filepath.Base(filePath)).
		Int("content_length", len(content)).
		Msg("Extracted file content")

	return []*models.RawDocument{doc}, nil
}

// extractPDF pulls page content through pdfcpu's content extraction,
// concatenating pages in order.
func (a *FileUploadAdapter) extractPDF(filePath string) (string, error) {
	pdfCtx, err := api.ReadContextFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read PDF: %w", err)
	}
	pageCount := pdfCtx.PageCount

	outDir := filepath.Join(a.tempDir, fmt.Sprintf("pages_%d_%d", os.Getpid(), time.Now().UnixNano()))
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", err
	}
	defer os.RemoveAll(outDir)

	conf := model.NewDefaultConfiguration()
	if err := api.ExtractContentFile(filePath, outDir, nil, conf); err != nil {
		return "", fmt.Errorf("failed to extract PDF content: %w", err)
	}

	pageTexts := make(map[int]string)
	files, _ := os.ReadDir(outDir)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(outDir, file.Name()))
		if err != nil {
			continue
		}
		var pageNum int
		if _, err := fmt.Sscanf(file.Name(), "Content_page_%d", &pageNum); err == nil {
			pageTexts[pageNum] = string(data)
		} else if _, err := fmt.Sscanf(file.Name(), "page_%d", &pageNum); err == nil {
			pageTexts[pageNum] = string(data)
		}
	}

	var builder strings.Builder
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		if text, ok := pageTexts[pageNum]; ok {
			if builder.Len() > 0 {
				builder.WriteString("\n\n")
			}
			builder.WriteString(text)
		}
	}

	return builder.String(), nil
}

func isWordDocumentEntry(name string) bool {
	return name == "word/document.xml"
}

func isSlideEntry(name string) bool {
	return strings.HasPrefix(name, "ppt/slides/slide") && strings.HasSuffix(name, ".xml")
}

// extractOfficeXML reads the matching XML entries from an Office Open
// XML container and collects their text nodes.
func extractOfficeXML(filePath string, match func(string) bool) (string, error) {
	reader, err := zip.OpenReader(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer reader.Close()

	var names []string
	entries := make(map[string]*zip.File)
	for _, file := range reader.File {
		if match(file.Name) {
			names = append(names, file.Name)
			entries[file.Name] = file
		}
	}
	sort.Strings(names)

	var builder strings.Builder
	for _, name := range names {
		rc, err := entries[name].Open()
		if err != nil {
			return "", err
		}
		text, err := xmlTextContent(rc)
		rc.Close()
		if err != nil {
			return "", err
		}
		if builder.Len() > 0 && text != "" {
			builder.WriteString("\n\n")
		}
		builder.WriteString(text)
	}

	return builder.String(), nil
}

// xmlTextContent streams an XML document and joins its character data.
// Paragraph elements (w:p, a:p) become newlines so structure survives.
func xmlTextContent(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)
	var builder strings.Builder

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := token.(type) {
		case xml.CharData:
			builder.Write(t)
		case xml.EndElement:
			if t.Name.Local == "p" {
				builder.WriteString("\n")
			}
		}
	}

	return strings.TrimSpace(builder.String()), nil
}
