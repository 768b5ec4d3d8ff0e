package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/common"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
	"github.com/ternarybob/rake/internal/services/ratelimit"
	"github.com/ternarybob/rake/internal/services/retry"
)

const (
	secTickerMapURL   = "https://www.sec.gov/files/company_tickers.json"
	secSubmissionsURL = "https://data.sec.gov/submissions/CIK%010d.json"
	secArchivesURL    = "https://www.sec.gov/Archives/edgar/data/%d/%s/%s"

	// SEC fair-access policy: at most 10 requests per second.
	secRequestGap = 100 * time.Millisecond
)

// SEC requires a User-Agent identifying the requester with contact
// details. An email address or URL satisfies the policy.
var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	urlPattern   = regexp.MustCompile(`https?://[^\s]+`)
)

// SECEdgarAdapter fetches company filings from SEC EDGAR's JSON APIs.
type SECEdgarAdapter struct {
	userAgent   string
	maxDocBytes int64
	httpClient  *http.Client
	limiter     *ratelimit.Limiter
	retryPolicy *retry.Policy
	logger      arbor.ILogger

	// endpoint templates; overridden in tests
	tickerMapURL   string
	submissionsURL string
	archivesURL    string

	// lazily-populated ticker -> CIK map, shared across concurrent
	// jobs; never mutated after the load completes
	mu         sync.Mutex
	tickerCIKs map[string]int
}

// Compile-time interface assertion
var _ interfaces.SourceAdapter = (*SECEdgarAdapter)(nil)

// NewSECEdgarAdapter creates the adapter. The limiter is shared with
// other adapters; the SEC gap is registered per host.
func NewSECEdgarAdapter(userAgent string, maxDocBytes int64, limiter *ratelimit.Limiter, retryPolicy *retry.Policy, logger arbor.ILogger) *SECEdgarAdapter {
	if maxDocBytes <= 0 {
		maxDocBytes = 50 * 1024 * 1024
	}
	limiter.SetDelay("www.sec.gov", secRequestGap)
	limiter.SetDelay("data.sec.gov", secRequestGap)

	return &SECEdgarAdapter{
		userAgent:      userAgent,
		maxDocBytes:    maxDocBytes,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		limiter:        limiter,
		retryPolicy:    retryPolicy,
		logger:         logger,
		tickerMapURL:   secTickerMapURL,
		submissionsURL: secSubmissionsURL,
		archivesURL:    secArchivesURL,
	}
}

func (a *SECEdgarAdapter) Type() models.SourceType {
	return models.SourceSECEdgar
}

func (a *SECEdgarAdapter) SupportedFormats() []string {
	return []string{"text/html", "text/plain"}
}

// requestedTickers merges the single-value "ticker" param with the
// legacy "tickers" list.
func requestedTickers(params interfaces.SourceParams) []string {
	out := params.StringSlice("tickers")
	if t := params.String("ticker", ""); t != "" {
		out = append(out, t)
	}
	return out
}

// requestedCIKs merges the single-value "cik" param with the legacy
// "ciks" list.
func requestedCIKs(params interfaces.SourceParams) []string {
	out := params.StringSlice("ciks")
	if c := params.String("cik", ""); c != "" {
		out = append(out, c)
	}
	return out
}

// requestedFormTypes merges the single-value "form_type" param with
// the legacy "filing_types" list. Empty means no filter.
func requestedFormTypes(params interfaces.SourceParams) []string {
	out := params.StringSlice("filing_types")
	if ft := params.String("form_type", ""); ft != "" {
		out = append(out, ft)
	}
	return out
}

// filingCount reads "count" with the legacy "max_filings" alias.
func filingCount(params interfaces.SourceParams) int {
	return params.Int("count", params.Int("max_filings", 1))
}

// Validate checks the user agent carries contact info and exactly one
// of ticker or CIK was supplied.
func (a *SECEdgarAdapter) Validate(params interfaces.SourceParams) error {
	if !emailPattern.MatchString(a.userAgent) && !urlPattern.MatchString(a.userAgent) {
		return models.ValidationError(
			"SEC EDGAR requires a User-Agent with contact info (email or URL), got %q", a.userAgent).
			WithSource(string(a.Type()))
	}

	tickers := requestedTickers(params)
	ciks := requestedCIKs(params)
	if len(tickers) == 0 && len(ciks) == 0 {
		return models.ValidationError("a ticker or CIK is required").
			WithSource(string(a.Type()))
	}
	if len(tickers) > 0 && len(ciks) > 0 {
		return models.ValidationError("provide a ticker or a CIK, not both").
			WithSource(string(a.Type()))
	}

	for _, ft := range requestedFormTypes(params) {
		if strings.TrimSpace(ft) == "" {
			return models.ValidationError("form_type entries must be non-empty").
				WithSource(string(a.Type()))
		}
	}

	if count := filingCount(params); count < 1 || count > 10 {
		return models.ValidationError("count must be between 1 and 10, got %d", count).
			WithSource(string(a.Type()))
	}

	return nil
}

// HealthCheck probes the ticker map endpoint.
func (a *SECEdgarAdapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.tickerMapURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", a.userAgent)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return models.WrapPipelineError(models.ErrCodeTransient, "SEC EDGAR unreachable", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return models.NewPipelineError(models.ErrCodeTransient,
			fmt.Sprintf("SEC EDGAR returned status %d", resp.StatusCode))
	}
	return nil
}

type secSubmissions struct {
	CIK     string `json:"cik"`
	Name    string `json:"name"`
	Filings struct {
		Recent struct {
			AccessionNumber []string `json:"accessionNumber"`
			FilingDate      []string `json:"filingDate"`
			Form            []string `json:"form"`
			PrimaryDocument []string `json:"primaryDocument"`
		} `json:"recent"`
	} `json:"filings"`
}

// Fetch resolves tickers to CIKs, lists recent filings matching the
// requested types, and downloads each primary document.
func (a *SECEdgarAdapter) Fetch(ctx context.Context, params interfaces.SourceParams) ([]*models.RawDocument, error) {
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	formTypes := requestedFormTypes(params)
	count := filingCount(params)

	ciks, err := a.resolveCIKs(ctx, params)
	if err != nil {
		return nil, err
	}

	var documents []*models.RawDocument
	for _, cik := range ciks {
		docs, err := a.fetchCompanyFilings(ctx, cik, formTypes, count)
		if err != nil {
			return nil, err
		}
		documents = append(documents, docs...)
	}

	a.logger.Info().
		Int("companies", len(ciks)).
		Int("documents", len(documents)).
		Msg("Fetched SEC EDGAR filings")

	return documents, nil
}

// resolveCIKs converts tickers to CIK numbers via the SEC ticker map.
// Explicit CIK params skip the lookup.
func (a *SECEdgarAdapter) resolveCIKs(ctx context.Context, params interfaces.SourceParams) ([]int, error) {
	var ciks []int

	for _, raw := range requestedCIKs(params) {
		var cik int
		if _, err := fmt.Sscanf(strings.TrimSpace(raw), "%d", &cik); err != nil {
			return nil, models.ValidationError("invalid CIK %q", raw).WithSource(string(a.Type()))
		}
		ciks = append(ciks, cik)
	}

	tickers := requestedTickers(params)
	if len(tickers) == 0 {
		return ciks, nil
	}

	a.mu.Lock()
	if a.tickerCIKs == nil {
		if err := a.loadTickerMap(ctx); err != nil {
			a.mu.Unlock()
			return nil, err
		}
	}
	cikByTicker := a.tickerCIKs
	a.mu.Unlock()

	for _, ticker := range tickers {
		cik, ok := cikByTicker[strings.ToUpper(strings.TrimSpace(ticker))]
		if !ok {
			return nil, models.NewPipelineError(models.ErrCodeNotFound,
				fmt.Sprintf("ticker %q not found in SEC registry", ticker)).
				WithSource(string(a.Type()))
		}
		ciks = append(ciks, cik)
	}

	return ciks, nil
}

// loadTickerMap runs under a.mu.
func (a *SECEdgarAdapter) loadTickerMap(ctx context.Context) error {
	body, err := a.get(ctx, a.tickerMapURL)
	if err != nil {
		return err
	}

	// company_tickers.json is keyed by row index.
	var raw map[string]struct {
		CIK    int    `json:"cik_str"`
		Ticker string `json:"ticker"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return models.WrapPipelineError(models.ErrCodeInternal, "failed to parse SEC ticker map", err)
	}

	a.tickerCIKs = make(map[string]int, len(raw))
	for _, entry := range raw {
		a.tickerCIKs[strings.ToUpper(entry.Ticker)] = entry.CIK
	}

	a.logger.Debug().Int("tickers", len(a.tickerCIKs)).Msg("Loaded SEC ticker map")
	return nil
}

func (a *SECEdgarAdapter) fetchCompanyFilings(ctx context.Context, cik int, formTypes []string, count int) ([]*models.RawDocument, error) {
	body, err := a.get(ctx, fmt.Sprintf(a.submissionsURL, cik))
	if err != nil {
		return nil, err
	}

	var submissions secSubmissions
	if err := json.Unmarshal(body, &submissions); err != nil {
		return nil, models.WrapPipelineError(models.ErrCodeInternal, "failed to parse SEC submissions", err)
	}

	recent := submissions.Filings.Recent

	// No form_type filter means the most recent filings of any form.
	wanted := make(map[string]bool, len(formTypes))
	for _, ft := range formTypes {
		wanted[strings.ToUpper(strings.TrimSpace(ft))] = true
	}

	var documents []*models.RawDocument
	for i := range recent.Form {
		if len(documents) >= count {
			break
		}
		if len(wanted) > 0 && !wanted[strings.ToUpper(recent.Form[i])] {
			continue
		}

		accession := strings.ReplaceAll(recent.AccessionNumber[i], "-", "")
		docURL := fmt.Sprintf(a.archivesURL, cik, accession, recent.PrimaryDocument[i])

		content, err := a.getCapped(ctx, docURL)
		if err != nil {
			return nil, err
		}

		contentType := "text/html"
		if strings.HasSuffix(recent.PrimaryDocument[i], ".txt") {
			contentType = "text/plain"
		}

		documents = append(documents, &models.RawDocument{
			ID:          common.NewDocumentID(),
			Source:      models.SourceSECEdgar,
			URL:         docURL,
			ContentType: contentType,
			Content:     string(content),
			FetchedAt:   time.Now().UTC(),
			Metadata: map[string]interface{}{
				"company_name":     submissions.Name,
				"cik":              fmt.Sprintf("%010d", cik),
				"form_type":        recent.Form[i],
				"filing_date":      recent.FilingDate[i],
				"accession_number": recent.AccessionNumber[i],
				"filing_url":       docURL,
			},
		})
	}

	return documents, nil
}

// get fetches a URL with rate limiting and retries.
func (a *SECEdgarAdapter) get(ctx context.Context, url string) ([]byte, error) {
	return a.fetchURL(ctx, url, 0)
}

// getCapped fetches a URL enforcing the per-document size cap.
func (a *SECEdgarAdapter) getCapped(ctx context.Context, url string) ([]byte, error) {
	return a.fetchURL(ctx, url, a.maxDocBytes)
}

func (a *SECEdgarAdapter) fetchURL(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	host := hostOf(url)

	var body []byte
	_, err := a.retryPolicy.Do(ctx, a.logger, "sec_edgar fetch", func() (int, error) {
		if err := a.limiter.Wait(ctx, host); err != nil {
			return 0, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, err
		}
		req.Header.Set("User-Agent", a.userAgent)

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return 0, models.WrapPipelineError(models.ErrCodeTransient, "SEC request failed", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusForbidden:
			return resp.StatusCode, models.NewPipelineError(models.ErrCodeForbidden,
				"SEC rejected request (check User-Agent contact info)")
		case resp.StatusCode == http.StatusNotFound:
			return resp.StatusCode, models.NewPipelineError(models.ErrCodeNotFound,
				fmt.Sprintf("SEC resource not found: %s", url))
		case resp.StatusCode == http.StatusTooManyRequests:
			return resp.StatusCode, models.NewPipelineError(models.ErrCodeRateLimited,
				"SEC rate limit exceeded")
		case resp.StatusCode >= 500:
			return resp.StatusCode, models.NewPipelineError(models.ErrCodeTransient,
				fmt.Sprintf("SEC returned status %d", resp.StatusCode))
		case resp.StatusCode >= 400:
			return resp.StatusCode, models.NewPipelineError(models.ErrCodeValidation,
				fmt.Sprintf("SEC returned status %d for %s", resp.StatusCode, url))
		}

		reader := io.Reader(resp.Body)
		if maxBytes > 0 {
			reader = io.LimitReader(resp.Body, maxBytes+1)
		}
		body, err = io.ReadAll(reader)
		if err != nil {
			return resp.StatusCode, models.WrapPipelineError(models.ErrCodeTransient, "failed to read SEC response", err)
		}
		if maxBytes > 0 && int64(len(body)) > maxBytes {
			return resp.StatusCode, models.NewPipelineError(models.ErrCodeSizeExceeded,
				fmt.Sprintf("document exceeds %d byte limit: %s", maxBytes, url))
		}

		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}
