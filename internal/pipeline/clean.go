package pipeline

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/models"
	"golang.org/x/text/unicode/norm"
)

var (
	horizontalWhitespace = regexp.MustCompile(`[ \t]+`)
	excessNewlines       = regexp.MustCompile(`\n{3,}`)
)

// Cleaner normalizes raw documents into plain text: HTML is stripped,
// unicode is NFC-normalized, and whitespace is collapsed. Documents
// shorter than the minimum length after cleaning are dropped.
type Cleaner struct {
	minContentLength int
	logger           arbor.ILogger
}

// NewCleaner creates the cleaner. minContentLength <= 0 applies the
// default of 10 characters.
func NewCleaner(minContentLength int, logger arbor.ILogger) *Cleaner {
	if minContentLength <= 0 {
		minContentLength = 10
	}
	return &Cleaner{
		minContentLength: minContentLength,
		logger:           logger,
	}
}

// Clean processes every raw document. Short documents are dropped with
// a warning; the stage only fails if nothing survives.
func (c *Cleaner) Clean(docs []*models.RawDocument) ([]*models.CleanedDocument, error) {
	cleaned := make([]*models.CleanedDocument, 0, len(docs))

	for _, doc := range docs {
		content := doc.Content
		if isHTMLContent(doc.ContentType, content) {
			content = stripHTML(content)
		}
		content = normalizeText(content)

		if len(content) < c.minContentLength {
			c.logger.Warn().
				Str("document_id", doc.ID).
				Int("length", len(content)).
				Msg("Dropping document below minimum content length")
			continue
		}

		cleaned = append(cleaned, &models.CleanedDocument{
			ID:        doc.ID,
			Source:    doc.Source,
			URL:       doc.URL,
			Content:   content,
			WordCount: len(strings.Fields(content)),
			Metadata:  doc.Metadata,
			TenantID:  doc.TenantID,
		})
	}

	if len(cleaned) == 0 {
		return nil, models.ValidationError("no documents survived cleaning (all below %d characters)",
			c.minContentLength).WithStage("clean")
	}

	return cleaned, nil
}

// isHTMLContent detects HTML by declared content type or by markup
// sniffing for sources that report generic types.
func isHTMLContent(contentType, content string) bool {
	if strings.Contains(contentType, "text/html") || strings.Contains(contentType, "application/xhtml") {
		return true
	}
	trimmed := strings.TrimSpace(content)
	return strings.HasPrefix(trimmed, "<!DOCTYPE") || strings.HasPrefix(trimmed, "<html")
}

// stripHTML extracts the text content of an HTML fragment, dropping
// script and style bodies. Block elements contribute line breaks so
// paragraphs stay separated.
func stripHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		// Fall back to a crude tag strip on unparseable markup.
		return regexp.MustCompile(`<[^>]*>`).ReplaceAllString(html, " ")
	}

	doc.Find("script, style, noscript").Remove()
	doc.Find("p, div, br, li, h1, h2, h3, h4, h5, h6, tr").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	return doc.Text()
}

// normalizeText applies NFC normalization and collapses whitespace:
// runs of spaces and tabs become one space, lines are trimmed, and
// more than two consecutive newlines become two.
func normalizeText(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = horizontalWhitespace.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")

	text = excessNewlines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
