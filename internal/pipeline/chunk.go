package pipeline

import (
	"fmt"
	"math"
	"strings"

	"github.com/jdkato/prose/v2"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/models"
)

// ChunkStrategy selects how documents are split.
type ChunkStrategy string

const (
	// StrategyToken splits on fixed token windows with overlap.
	StrategyToken ChunkStrategy = "token"
	// StrategySemantic groups sentences by lexical similarity.
	StrategySemantic ChunkStrategy = "semantic"
	// StrategyHybrid groups semantically, then token-splits oversized groups.
	StrategyHybrid ChunkStrategy = "hybrid"
)

// ChunkerConfig controls chunk boundaries.
type ChunkerConfig struct {
	Strategy            ChunkStrategy
	ChunkSize           int     // target tokens per chunk
	Overlap             int     // tokens shared between adjacent token chunks
	MinChunkTokens      int     // chunks below this merge into their neighbor
	SimilarityThreshold float64 // semantic boundary when similarity drops below
}

// DefaultChunkerConfig returns the standard settings: 500-token chunks
// with 50 tokens of overlap, 50-token minimum, 0.5 similarity threshold.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		Strategy:            StrategyToken,
		ChunkSize:           500,
		Overlap:             50,
		MinChunkTokens:      50,
		SimilarityThreshold: 0.5,
	}
}

// Chunker splits cleaned documents into token-bounded chunks.
type Chunker struct {
	tokenizer *Tokenizer
	config    ChunkerConfig
	logger    arbor.ILogger
}

// NewChunker creates a chunker. Zero config fields fall back to defaults.
func NewChunker(tokenizer *Tokenizer, config ChunkerConfig, logger arbor.ILogger) (*Chunker, error) {
	defaults := DefaultChunkerConfig()
	if config.Strategy == "" {
		config.Strategy = defaults.Strategy
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = defaults.ChunkSize
	}
	if config.Overlap < 0 {
		config.Overlap = defaults.Overlap
	}
	if config.MinChunkTokens <= 0 {
		config.MinChunkTokens = defaults.MinChunkTokens
	}
	if config.SimilarityThreshold <= 0 {
		config.SimilarityThreshold = defaults.SimilarityThreshold
	}

	if config.Overlap >= config.ChunkSize {
		return nil, models.ValidationError("chunk overlap %d must be smaller than chunk size %d",
			config.Overlap, config.ChunkSize)
	}
	switch config.Strategy {
	case StrategyToken, StrategySemantic, StrategyHybrid:
	default:
		return nil, models.ValidationError("unknown chunk strategy %q", config.Strategy)
	}

	return &Chunker{
		tokenizer: tokenizer,
		config:    config,
		logger:    logger,
	}, nil
}

// Chunk splits every document. Documents below the minimum chunk size
// produce no chunks at all. Chunk IDs derive from the document ID and
// position so a re-run writes the same IDs.
func (c *Chunker) Chunk(docs []*models.CleanedDocument) ([]*models.Chunk, error) {
	chunks := []*models.Chunk{}

	for _, doc := range docs {
		if c.tokenizer.Count(doc.Content) < c.config.MinChunkTokens {
			c.logger.Debug().
				Str("document_id", doc.ID).
				Int("min_chunk_tokens", c.config.MinChunkTokens).
				Msg("Document below minimum chunk size, skipping")
			continue
		}

		var parts []string
		var err error

		switch c.config.Strategy {
		case StrategyToken:
			parts = c.tokenChunks(doc.Content)
		case StrategySemantic:
			parts, err = c.semanticChunks(doc.Content)
		case StrategyHybrid:
			parts, err = c.hybridChunks(doc.Content)
		}
		if err != nil {
			return nil, err
		}

		for position, content := range parts {
			chunks = append(chunks, &models.Chunk{
				ID:         fmt.Sprintf("%s-%d", doc.ID, position),
				DocumentID: doc.ID,
				Content:    content,
				Position:   position,
				TokenCount: c.tokenizer.Count(content),
				Metadata:   doc.Metadata,
				TenantID:   doc.TenantID,
			})
		}

		c.logger.Debug().
			Str("document_id", doc.ID).
			Str("strategy", string(c.config.Strategy)).
			Int("chunks", len(parts)).
			Msg("Chunked document")
	}

	return chunks, nil
}

// tokenChunks slides a token window over the text. The right edge of
// each window snaps left to the nearest sentence end inside the last
// fifth of the window, so chunks prefer to break between sentences. The
// final window is merged into its predecessor when it falls below the
// minimum.
func (c *Chunker) tokenChunks(text string) []string {
	tokens := c.tokenizer.Encode(text)
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) <= c.config.ChunkSize {
		return []string{strings.TrimSpace(text)}
	}

	ends := c.sentenceEndTokens(tokens)

	type window struct{ start, end int }
	var windows []window
	for start := 0; start < len(tokens); {
		end := start + c.config.ChunkSize
		if end >= len(tokens) {
			windows = append(windows, window{start, len(tokens)})
			break
		}

		lo := end - c.config.ChunkSize/5
		if lo <= start+c.config.Overlap {
			lo = start + c.config.Overlap + 1
		}
		for i := end - 1; i >= lo; i-- {
			if ends[i] {
				end = i + 1
				break
			}
		}

		windows = append(windows, window{start, end})
		start = end - c.config.Overlap
	}

	// Merge a trailing runt into the previous window.
	if len(windows) > 1 {
		last := windows[len(windows)-1]
		if last.end-last.start < c.config.MinChunkTokens {
			windows[len(windows)-2].end = last.end
			windows = windows[:len(windows)-1]
		}
	}

	parts := make([]string, 0, len(windows))
	for _, w := range windows {
		parts = append(parts, strings.TrimSpace(c.tokenizer.Decode(tokens[w.start:w.end])))
	}
	return parts
}

// sentenceEndTokens flags each token whose decoded text closes a
// sentence, ignoring trailing whitespace and closing quotes or brackets.
func (c *Chunker) sentenceEndTokens(tokens []int) []bool {
	ends := make([]bool, len(tokens))
	for i := range tokens {
		piece := strings.TrimRight(c.tokenizer.Decode(tokens[i:i+1]), " \t\r\n\"')]”’")
		if piece == "" {
			continue
		}
		switch piece[len(piece)-1] {
		case '.', '!', '?':
			ends[i] = true
		}
	}
	return ends
}

// semanticChunks groups consecutive sentences, starting a new chunk
// when the token budget is exhausted or lexical similarity between
// adjacent sentences drops below the threshold.
func (c *Chunker) semanticChunks(text string) ([]string, error) {
	doc, err := prose.NewDocument(text, prose.WithTagging(false), prose.WithExtraction(false))
	if err != nil {
		return nil, models.WrapPipelineError(models.ErrCodeInternal, "sentence segmentation failed", err)
	}

	sentences := doc.Sentences()
	if len(sentences) == 0 {
		return []string{strings.TrimSpace(text)}, nil
	}

	var groups []string
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		groups = append(groups, strings.TrimSpace(strings.Join(current, " ")))
		current = nil
		currentTokens = 0
	}

	for i, sentence := range sentences {
		sentTokens := c.tokenizer.Count(sentence.Text)

		if len(current) > 0 {
			overBudget := currentTokens+sentTokens > c.config.ChunkSize
			topicShift := i > 0 &&
				lexicalSimilarity(sentences[i-1].Text, sentence.Text) < c.config.SimilarityThreshold &&
				currentTokens >= c.config.MinChunkTokens
			if overBudget || topicShift {
				flush()
			}
		}

		current = append(current, sentence.Text)
		currentTokens += sentTokens
	}
	flush()

	// A trailing group below the minimum merges backward.
	if len(groups) > 1 {
		last := groups[len(groups)-1]
		if c.tokenizer.Count(last) < c.config.MinChunkTokens {
			groups[len(groups)-2] = groups[len(groups)-2] + " " + last
			groups = groups[:len(groups)-1]
		}
	}

	return groups, nil
}

// hybridChunks groups semantically, then token-splits any group that
// exceeds the chunk size.
func (c *Chunker) hybridChunks(text string) ([]string, error) {
	groups, err := c.semanticChunks(text)
	if err != nil {
		return nil, err
	}

	var parts []string
	for _, group := range groups {
		if c.tokenizer.Count(group) <= c.config.ChunkSize {
			parts = append(parts, group)
			continue
		}
		parts = append(parts, c.tokenChunks(group)...)
	}
	return parts, nil
}

// lexicalSimilarity is the cosine similarity of term-frequency vectors
// over lowercase words. A cheap stand-in for embedding similarity that
// needs no model call at chunk time.
func lexicalSimilarity(a, b string) float64 {
	freqA := termFrequencies(a)
	freqB := termFrequencies(b)
	if len(freqA) == 0 || len(freqB) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for term, countA := range freqA {
		if countB, ok := freqB[term]; ok {
			dot += float64(countA) * float64(countB)
		}
		normA += float64(countA) * float64(countA)
	}
	for _, countB := range freqB {
		normB += float64(countB) * float64(countB)
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func termFrequencies(text string) map[string]int {
	freq := make(map[string]int)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,;:!?\"'()[]")
		if word != "" {
			freq[word]++
		}
	}
	return freq
}
