package sources

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/temoto/robotstxt"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/common"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
	"github.com/ternarybob/rake/internal/services/ratelimit"
	"github.com/ternarybob/rake/internal/services/retry"
)

// contentSelectors is the priority order for locating the main content
// region of a page. The first selector with a non-trivial match wins.
var contentSelectors = []string{
	"article",
	"main",
	"[role=main]",
	".content",
	"#content",
	".post-content",
	".article-content",
	".entry-content",
}

// noiseSelectors are stripped from the content region before text
// extraction.
var noiseSelectors = []string{
	"nav", "header", "footer", "aside", "script", "style", "noscript", "iframe",
}

// URLScrapeAdapter fetches and extracts web pages. It honors robots.txt
// for bulk crawls, rate limits per domain, and can emit markdown.
type URLScrapeAdapter struct {
	userAgent    string
	maxBodyBytes int64
	httpClient   *http.Client
	limiter      *ratelimit.Limiter
	retryPolicy  *retry.Policy
	converter    *md.Converter
	logger       arbor.ILogger

	// robots.txt cache per host, shared across concurrent jobs; nil
	// entry means fetch failed and the host is treated permissively.
	mu          sync.Mutex
	robotsCache map[string]*robotstxt.RobotsData
}

// Compile-time interface assertion
var _ interfaces.SourceAdapter = (*URLScrapeAdapter)(nil)

// NewURLScrapeAdapter creates the adapter.
func NewURLScrapeAdapter(userAgent string, timeout time.Duration, maxBodyBytes int64, limiter *ratelimit.Limiter, retryPolicy *retry.Policy, logger arbor.ILogger) *URLScrapeAdapter {
	if userAgent == "" {
		userAgent = "rake/1.0 document ingestion"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 10 * 1024 * 1024
	}

	return &URLScrapeAdapter{
		userAgent:    userAgent,
		maxBodyBytes: maxBodyBytes,
		httpClient:   &http.Client{Timeout: timeout},
		limiter:      limiter,
		retryPolicy:  retryPolicy,
		converter:    md.NewConverter("", true, nil),
		logger:       logger,
		robotsCache:  make(map[string]*robotstxt.RobotsData),
	}
}

func (a *URLScrapeAdapter) Type() models.SourceType {
	return models.SourceURLScrape
}

func (a *URLScrapeAdapter) SupportedFormats() []string {
	return []string{"text/html", "text/markdown"}
}

// requestedURLs merges the single-value "url" param with the legacy
// "urls" list.
func requestedURLs(params interfaces.SourceParams) []string {
	out := params.StringSlice("urls")
	if u := params.String("url", ""); u != "" {
		out = append(out, u)
	}
	return out
}

// pageLimit reads "max_pages" with the legacy "max_urls" alias.
func pageLimit(params interfaces.SourceParams) int {
	return params.Int("max_pages", params.Int("max_urls", 10))
}

// Validate checks that at least one http(s) URL or a sitemap was given.
func (a *URLScrapeAdapter) Validate(params interfaces.SourceParams) error {
	urls := requestedURLs(params)
	sitemap := params.String("sitemap_url", "")

	if len(urls) == 0 && sitemap == "" {
		return models.ValidationError("url or sitemap_url is required").
			WithSource(string(a.Type()))
	}

	for _, raw := range append(append([]string{}, urls...), sitemap) {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return models.ValidationError("invalid URL %q", raw).
				WithSource(string(a.Type()))
		}
	}

	if limit := pageLimit(params); limit < 1 || limit > 100 {
		return models.ValidationError("max_pages must be between 1 and 100, got %d", limit).
			WithSource(string(a.Type()))
	}

	return nil
}

// HealthCheck is a no-op beyond client construction; there is no single
// upstream to probe.
func (a *URLScrapeAdapter) HealthCheck(ctx context.Context) error {
	return nil
}

// Fetch scrapes each URL (expanding a sitemap first if configured).
// Bulk crawls obey robots.txt; a single explicit URL may bypass it with
// ignore_robots.
func (a *URLScrapeAdapter) Fetch(ctx context.Context, params interfaces.SourceParams) ([]*models.RawDocument, error) {
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	urls := requestedURLs(params)
	sitemap := params.String("sitemap_url", "")

	// A single explicit URL fails hard on a robots disallow; bulk
	// crawls skip the page and keep going.
	singleURL := len(urls) == 1 && sitemap == ""

	if sitemap != "" {
		expanded, err := a.expandSitemap(ctx, sitemap, pageLimit(params))
		if err != nil {
			return nil, err
		}
		urls = append(urls, expanded...)
	}

	asMarkdown := params.Bool("markdown", false)
	ignoreRobots := params.Bool("ignore_robots", false) && singleURL

	var documents []*models.RawDocument
	for _, pageURL := range urls {
		if err := ctx.Err(); err != nil {
			return nil, models.WrapPipelineError(models.ErrCodeCancelled, "scrape cancelled", err)
		}

		if !ignoreRobots && !a.robotsAllowed(ctx, pageURL) {
			if singleURL {
				return nil, models.NewPipelineError(models.ErrCodeForbidden,
					fmt.Sprintf("robots.txt disallows %s", pageURL)).
					WithSource(string(a.Type()))
			}
			a.logger.Warn().Str("url", pageURL).Msg("Skipping URL disallowed by robots.txt")
			continue
		}

		doc, err := a.scrapePage(ctx, pageURL, asMarkdown)
		if err != nil {
			return nil, err
		}
		documents = append(documents, doc)
	}

	if len(documents) == 0 {
		return nil, models.NewPipelineError(models.ErrCodeNotFound,
			"no pages could be scraped").WithSource(string(a.Type()))
	}

	return documents, nil
}

// scrapePage fetches one page and extracts its main content.
func (a *URLScrapeAdapter) scrapePage(ctx context.Context, pageURL string, asMarkdown bool) (*models.RawDocument, error) {
	html, responseType, err := a.fetchBody(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	if ct := strings.ToLower(responseType); ct != "" && !strings.Contains(ct, "html") {
		return nil, models.NewPipelineError(models.ErrCodeValidation,
			fmt.Sprintf("unsupported content type %q from %s", responseType, pageURL)).
			WithSource(string(a.Type()))
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, models.WrapPipelineError(models.ErrCodeInternal, "failed to parse HTML", err)
	}

	contentSel := a.findContent(doc)
	for _, selector := range noiseSelectors {
		contentSel.Find(selector).Remove()
	}

	var content string
	contentType := "text/html"
	if asMarkdown {
		htmlFragment, err := goquery.OuterHtml(contentSel)
		if err == nil {
			if converted, err := a.converter.ConvertString(htmlFragment); err == nil {
				content = converted
				contentType = "text/markdown"
			}
		}
	}
	if content == "" {
		// Keep the cleaned HTML fragment; the clean stage strips tags.
		if fragment, err := goquery.OuterHtml(contentSel); err == nil {
			content = fragment
		} else {
			content = contentSel.Text()
		}
	}

	metadata := a.pageMetadata(doc)

	a.logger.Debug().
		Str("url", pageURL).
		Int("content_length", len(content)).
		Msg("Scraped page")

	return &models.RawDocument{
		ID:          common.NewDocumentID(),
		Source:      models.SourceURLScrape,
		URL:         pageURL,
		ContentType: contentType,
		Content:     content,
		FetchedAt:   time.Now().UTC(),
		Metadata:    metadata,
	}, nil
}

// pageMetadata collects the document title, standard meta tags, and
// any Open Graph or Twitter card properties as flat keys.
func (a *URLScrapeAdapter) pageMetadata(doc *goquery.Document) map[string]interface{} {
	metadata := map[string]interface{}{
		"title": strings.TrimSpace(doc.Find("title").First().Text()),
	}

	named := map[string]string{
		"description": "description",
		"author":      "author",
		"keywords":    "keywords",
	}
	for attr, key := range named {
		if v, ok := doc.Find(fmt.Sprintf(`meta[name=%q]`, attr)).Attr("content"); ok {
			metadata[key] = strings.TrimSpace(v)
		}
	}
	if v, ok := doc.Find(`meta[property="article:published_time"]`).Attr("content"); ok {
		metadata["published"] = strings.TrimSpace(v)
	}

	doc.Find("meta").Each(func(_ int, sel *goquery.Selection) {
		key, _ := sel.Attr("property")
		if key == "" {
			key, _ = sel.Attr("name")
		}
		if !strings.HasPrefix(key, "og:") && !strings.HasPrefix(key, "twitter:") {
			return
		}
		if v, ok := sel.Attr("content"); ok && strings.TrimSpace(v) != "" {
			metadata[key] = strings.TrimSpace(v)
		}
	})

	return metadata
}

// findContent returns the first matching content region, falling back
// to body.
func (a *URLScrapeAdapter) findContent(doc *goquery.Document) *goquery.Selection {
	for _, selector := range contentSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() > 0 && len(strings.TrimSpace(sel.Text())) > 50 {
			return sel
		}
	}
	return doc.Find("body").First()
}

// robotsAllowed consults the host's robots.txt, fetching and caching it
// on first use. Fetch failures are permissive: an unreachable or broken
// robots.txt never blocks a crawl.
func (a *URLScrapeAdapter) robotsAllowed(ctx context.Context, pageURL string) bool {
	u, err := url.Parse(pageURL)
	if err != nil {
		return false
	}

	a.mu.Lock()
	robots, cached := a.robotsCache[u.Host]
	a.mu.Unlock()
	if !cached {
		robots = a.fetchRobots(ctx, u)
		a.mu.Lock()
		a.robotsCache[u.Host] = robots
		a.mu.Unlock()
	}
	if robots == nil {
		return true
	}

	return robots.TestAgent(u.Path, a.userAgent)
}

func (a *URLScrapeAdapter) fetchRobots(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", a.userAgent)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	robots, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil
	}
	return robots
}

// sitemapIndex covers both <urlset> and <sitemapindex> documents.
type sitemapIndex struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// expandSitemap extracts page URLs from a sitemap, following nested
// sitemap indexes one level deep.
func (a *URLScrapeAdapter) expandSitemap(ctx context.Context, sitemapURL string, maxURLs int) ([]string, error) {
	if maxURLs <= 0 {
		maxURLs = 50
	}

	index, err := a.fetchSitemap(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}

	var urls []string
	for _, entry := range index.URLs {
		if loc := strings.TrimSpace(entry.Loc); loc != "" {
			urls = append(urls, loc)
		}
		if len(urls) >= maxURLs {
			return urls, nil
		}
	}

	for _, nested := range index.Sitemaps {
		if len(urls) >= maxURLs {
			break
		}
		child, err := a.fetchSitemap(ctx, strings.TrimSpace(nested.Loc))
		if err != nil {
			a.logger.Warn().Err(err).Str("sitemap", nested.Loc).Msg("Skipping unreadable nested sitemap")
			continue
		}
		for _, entry := range child.URLs {
			if loc := strings.TrimSpace(entry.Loc); loc != "" {
				urls = append(urls, loc)
			}
			if len(urls) >= maxURLs {
				break
			}
		}
	}

	return urls, nil
}

func (a *URLScrapeAdapter) fetchSitemap(ctx context.Context, sitemapURL string) (*sitemapIndex, error) {
	body, _, err := a.fetchBody(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}

	var index sitemapIndex
	if err := xml.Unmarshal([]byte(body), &index); err != nil {
		return nil, models.WrapPipelineError(models.ErrCodeValidation, "failed to parse sitemap XML", err)
	}
	return &index, nil
}

// fetchBody fetches a URL body with per-domain rate limiting, retries,
// and the configured size cap. Returns the body and Content-Type.
func (a *URLScrapeAdapter) fetchBody(ctx context.Context, pageURL string) (string, string, error) {
	var body string
	var contentType string

	_, err := a.retryPolicy.Do(ctx, a.logger, "url_scrape fetch", func() (int, error) {
		if err := a.limiter.Wait(ctx, hostOf(pageURL)); err != nil {
			return 0, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return 0, models.WrapPipelineError(models.ErrCodeValidation, "invalid request URL", err)
		}
		req.Header.Set("User-Agent", a.userAgent)

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return 0, models.WrapPipelineError(models.ErrCodeTransient, "request failed", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return resp.StatusCode, models.NewPipelineError(models.ErrCodeRateLimited,
				fmt.Sprintf("rate limited by %s", hostOf(pageURL)))
		case resp.StatusCode == http.StatusNotFound:
			return resp.StatusCode, models.NewPipelineError(models.ErrCodeNotFound,
				fmt.Sprintf("page not found: %s", pageURL))
		case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
			return resp.StatusCode, models.NewPipelineError(models.ErrCodeForbidden,
				fmt.Sprintf("access denied: %s", pageURL))
		case resp.StatusCode >= 500:
			return resp.StatusCode, models.NewPipelineError(models.ErrCodeTransient,
				fmt.Sprintf("server error %d from %s", resp.StatusCode, pageURL))
		case resp.StatusCode >= 400:
			return resp.StatusCode, models.NewPipelineError(models.ErrCodeValidation,
				fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, pageURL))
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBodyBytes+1))
		if err != nil {
			return resp.StatusCode, models.WrapPipelineError(models.ErrCodeTransient, "failed to read response", err)
		}
		if int64(len(data)) > a.maxBodyBytes {
			return resp.StatusCode, models.NewPipelineError(models.ErrCodeSizeExceeded,
				fmt.Sprintf("response exceeds %d byte limit: %s", a.maxBodyBytes, pageURL))
		}
		body = string(data)
		contentType = resp.Header.Get("Content-Type")
		return resp.StatusCode, nil
	})
	if err != nil {
		return "", "", err
	}
	return body, contentType, nil
}
