package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/common"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
	"github.com/ternarybob/rake/internal/services/retry"
	"golang.org/x/time/rate"
)

// Authentication schemes accepted by the API fetch adapter.
var apiAuthTypes = map[string]bool{
	"none":    true,
	"api_key": true,
	"bearer":  true,
	"basic":   true,
	"custom":  true,
}

// Pagination modes accepted by the API fetch adapter.
var apiPaginationModes = map[string]bool{
	"none":        true,
	"link_header": true,
	"json_path":   true,
	"offset":      true,
}

// HTTP methods accepted by the API fetch adapter.
var apiMethods = map[string]bool{
	http.MethodGet:   true,
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// APIFetchAdapter ingests records from JSON REST endpoints with
// configurable auth and pagination.
type APIFetchAdapter struct {
	httpClient  *http.Client
	retryPolicy *retry.Policy
	rateLimiter *rate.Limiter
	logger      arbor.ILogger
}

// Compile-time interface assertion
var _ interfaces.SourceAdapter = (*APIFetchAdapter)(nil)

// NewAPIFetchAdapter creates the adapter. requestsPerSecond <= 0
// disables client-side throttling.
func NewAPIFetchAdapter(requestsPerSecond float64, retryPolicy *retry.Policy, logger arbor.ILogger) *APIFetchAdapter {
	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}

	return &APIFetchAdapter{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		retryPolicy: retryPolicy,
		rateLimiter: limiter,
		logger:      logger,
	}
}

func (a *APIFetchAdapter) Type() models.SourceType {
	return models.SourceAPIFetch
}

func (a *APIFetchAdapter) SupportedFormats() []string {
	return []string{"application/json"}
}

// apiURL reads "api_url" with the legacy "endpoint" alias.
func apiURL(params interfaces.SourceParams) string {
	return params.String("api_url", params.String("endpoint", ""))
}

// dataPath reads "data_path" with the legacy "records_path" alias.
func dataPath(params interfaces.SourceParams) string {
	return params.String("data_path", params.String("records_path", ""))
}

// Validate checks the URL, method, auth, format and pagination
// parameters.
func (a *APIFetchAdapter) Validate(params interfaces.SourceParams) error {
	endpoint := apiURL(params)
	if endpoint == "" {
		return models.ValidationError("api_url is required").WithSource(string(a.Type()))
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.ValidationError("invalid api_url %q", endpoint).WithSource(string(a.Type()))
	}

	method := strings.ToUpper(params.String("method", http.MethodGet))
	if !apiMethods[method] {
		return models.ValidationError("unsupported method %q", method).WithSource(string(a.Type()))
	}

	format := params.String("response_format", "json")
	if format != "json" && format != "xml" {
		return models.ValidationError("response_format must be json or xml, got %q", format).
			WithSource(string(a.Type()))
	}
	if format == "xml" && params.String("xml_item_tag", "") == "" {
		return models.ValidationError("xml_item_tag required for xml responses").
			WithSource(string(a.Type()))
	}

	authType := params.String("auth_type", "none")
	if !apiAuthTypes[authType] {
		return models.ValidationError("unknown auth_type %q", authType).WithSource(string(a.Type()))
	}
	if authType != "none" && authType != "custom" && params.String("auth_credentials", "") == "" {
		return models.ValidationError("auth_credentials required for auth_type %q", authType).
			WithSource(string(a.Type()))
	}
	if authType == "api_key" {
		location := params.String("auth_location", "header")
		if location != "header" && location != "query" {
			return models.ValidationError("auth_location must be header or query, got %q", location).
				WithSource(string(a.Type()))
		}
	}

	pagination := params.String("pagination", "none")
	if !apiPaginationModes[pagination] {
		return models.ValidationError("unknown pagination mode %q", pagination).WithSource(string(a.Type()))
	}
	if pagination == "json_path" && params.String("next_page_path", "") == "" {
		return models.ValidationError("next_page_path required for json_path pagination").
			WithSource(string(a.Type()))
	}

	return nil
}

// HealthCheck is parameter-dependent; nothing to probe globally.
func (a *APIFetchAdapter) HealthCheck(ctx context.Context) error {
	return nil
}

// Fetch retrieves records, following pagination up to max_pages.
func (a *APIFetchAdapter) Fetch(ctx context.Context, params interfaces.SourceParams) ([]*models.RawDocument, error) {
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	endpoint := withQueryParams(apiURL(params), params)
	maxPages := params.Int("max_pages", 10)
	pagination := params.String("pagination", "none")
	format := params.String("response_format", "json")

	var documents []*models.RawDocument
	pageURL := endpoint

	for page := 0; page < maxPages && pageURL != ""; page++ {
		if pagination == "offset" {
			pageURL = withOffsetParams(endpoint, page, params.Int("page_size", 100))
		}

		body, headers, err := a.request(ctx, pageURL, params)
		if err != nil {
			return nil, err
		}

		var records []json.RawMessage
		if format == "xml" {
			records, err = extractXMLRecords(body, params.String("xml_item_tag", ""))
		} else {
			records, err = extractRecords(body, dataPath(params))
		}
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			break
		}

		for _, record := range records {
			doc, err := a.recordToDocument(record, pageURL, params, page)
			if err != nil {
				return nil, err
			}
			documents = append(documents, doc)
		}

		switch pagination {
		case "none":
			pageURL = ""
		case "link_header":
			pageURL = nextFromLinkHeader(headers.Get("Link"))
		case "json_path":
			pageURL = stringAtPath(body, params.String("next_page_path", ""))
		case "offset":
			// loop constructs the next URL
		}
	}

	a.logger.Info().
		Str("endpoint", endpoint).
		Int("documents", len(documents)).
		Msg("Fetched API records")

	return documents, nil
}

// request performs one authenticated, throttled, retried API call.
func (a *APIFetchAdapter) request(ctx context.Context, pageURL string, params interfaces.SourceParams) (json.RawMessage, http.Header, error) {
	var body []byte
	var headers http.Header

	method := strings.ToUpper(params.String("method", http.MethodGet))
	requestBody := params.String("body", "")
	accept := "application/json"
	if params.String("response_format", "json") == "xml" {
		accept = "application/xml"
	}

	_, err := a.retryPolicy.Do(ctx, a.logger, "api_fetch request", func() (int, error) {
		if a.rateLimiter != nil {
			if err := a.rateLimiter.Wait(ctx); err != nil {
				return 0, err
			}
		}

		var reader io.Reader
		if requestBody != "" {
			reader = bytes.NewReader([]byte(requestBody))
		}
		req, err := http.NewRequestWithContext(ctx, method, pageURL, reader)
		if err != nil {
			return 0, models.WrapPipelineError(models.ErrCodeValidation, "invalid request URL", err)
		}
		req.Header.Set("Accept", accept)
		if requestBody != "" {
			req.Header.Set("Content-Type", "application/json")
		}

		if err := applyAuth(req, params); err != nil {
			return 0, err
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return 0, models.WrapPipelineError(models.ErrCodeTransient, "API request failed", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return resp.StatusCode, models.NewPipelineError(models.ErrCodeRateLimited, "API rate limit exceeded")
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return resp.StatusCode, models.NewPipelineError(models.ErrCodeForbidden, "API rejected credentials")
		case resp.StatusCode == http.StatusNotFound:
			return resp.StatusCode, models.NewPipelineError(models.ErrCodeNotFound,
				fmt.Sprintf("API resource not found: %s", pageURL))
		case resp.StatusCode >= 500:
			return resp.StatusCode, models.NewPipelineError(models.ErrCodeTransient,
				fmt.Sprintf("API returned status %d", resp.StatusCode))
		case resp.StatusCode >= 400:
			return resp.StatusCode, models.NewPipelineError(models.ErrCodeValidation,
				fmt.Sprintf("API returned status %d", resp.StatusCode))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, models.WrapPipelineError(models.ErrCodeTransient, "failed to read API response", err)
		}
		headers = resp.Header
		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return body, headers, nil
}

// applyAuth attaches credentials per the configured scheme.
func applyAuth(req *http.Request, params interfaces.SourceParams) error {
	credentials := params.String("auth_credentials", "")

	switch params.String("auth_type", "none") {
	case "none":
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+credentials)
	case "basic":
		// credentials are "user:password"
		parts := strings.SplitN(credentials, ":", 2)
		if len(parts) != 2 {
			return models.ValidationError("basic auth credentials must be user:password")
		}
		req.SetBasicAuth(parts[0], parts[1])
	case "api_key":
		keyName := params.String("auth_key_name", "X-API-Key")
		if params.String("auth_location", "header") == "query" {
			q := req.URL.Query()
			q.Set(keyName, credentials)
			req.URL.RawQuery = q.Encode()
		} else {
			req.Header.Set(keyName, credentials)
		}
	case "custom":
		headers, _ := params["auth_headers"].(map[string]interface{})
		for name, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(name, s)
			}
		}
	}

	return nil
}

// extractRecords pulls the record array from a JSON body. An empty
// records_path expects the body itself to be an array; otherwise the
// dotted path is walked into the document.
func extractRecords(body json.RawMessage, recordsPath string) ([]json.RawMessage, error) {
	target := body
	if recordsPath != "" {
		raw := valueAtPath(body, recordsPath)
		if raw == nil {
			return nil, models.ValidationError("records_path %q not found in response", recordsPath)
		}
		target = raw
	}

	var records []json.RawMessage
	if err := json.Unmarshal(target, &records); err != nil {
		// Single-object responses become one record.
		var obj map[string]interface{}
		if err := json.Unmarshal(target, &obj); err != nil {
			return nil, models.WrapPipelineError(models.ErrCodeValidation, "response is not JSON array or object", err)
		}
		return []json.RawMessage{target}, nil
	}
	return records, nil
}

// xmlNode is a generic XML element used to locate response items.
type xmlNode struct {
	XMLName xml.Name
	Content string    `xml:",chardata"`
	Nodes   []xmlNode `xml:",any"`
}

// extractXMLRecords collects elements matching itemTag anywhere in the
// document and renders each as a JSON record of its child elements.
func extractXMLRecords(body []byte, itemTag string) ([]json.RawMessage, error) {
	var root xmlNode
	if err := xml.Unmarshal(body, &root); err != nil {
		return nil, models.WrapPipelineError(models.ErrCodeValidation, "response is not valid XML", err)
	}

	var records []json.RawMessage
	var walk func(node xmlNode) error
	walk = func(node xmlNode) error {
		if node.XMLName.Local == itemTag {
			fields := make(map[string]interface{}, len(node.Nodes))
			for _, child := range node.Nodes {
				if len(child.Nodes) == 0 {
					fields[child.XMLName.Local] = strings.TrimSpace(child.Content)
				}
			}
			record, err := json.Marshal(fields)
			if err != nil {
				return models.WrapPipelineError(models.ErrCodeInternal, "failed to render XML item", err)
			}
			records = append(records, record)
			return nil
		}
		for _, child := range node.Nodes {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return records, nil
}

// valueAtPath walks a dotted path through nested JSON objects.
func valueAtPath(body json.RawMessage, path string) json.RawMessage {
	current := body
	for _, segment := range strings.Split(path, ".") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(current, &obj); err != nil {
			return nil
		}
		next, ok := obj[segment]
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

// stringAtPath resolves a dotted path to a string value, or "".
func stringAtPath(body json.RawMessage, path string) string {
	raw := valueAtPath(body, path)
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// nextFromLinkHeader parses an RFC 5988 Link header for rel="next".
func nextFromLinkHeader(header string) string {
	for _, part := range strings.Split(header, ",") {
		sections := strings.Split(part, ";")
		if len(sections) < 2 {
			continue
		}
		urlPart := strings.Trim(strings.TrimSpace(sections[0]), "<>")
		for _, attr := range sections[1:] {
			attr = strings.TrimSpace(attr)
			if attr == `rel="next"` || attr == "rel=next" {
				return urlPart
			}
		}
	}
	return ""
}

// withQueryParams appends the caller-supplied query_params map.
func withQueryParams(endpoint string, params interfaces.SourceParams) string {
	extra, _ := params["query_params"].(map[string]interface{})
	if len(extra) == 0 {
		return endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	for name, value := range extra {
		q.Set(name, fmt.Sprintf("%v", value))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// withOffsetParams appends offset/limit query params for page n.
func withOffsetParams(endpoint string, page, pageSize int) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	q.Set("offset", fmt.Sprintf("%d", page*pageSize))
	q.Set("limit", fmt.Sprintf("%d", pageSize))
	u.RawQuery = q.Encode()
	return u.String()
}

// recordToDocument renders one record as a raw document. The
// content_field selects the text; absent that, the whole record is
// pretty-printed. Remaining fields travel in the metadata.
func (a *APIFetchAdapter) recordToDocument(record json.RawMessage, pageURL string, params interfaces.SourceParams, page int) (*models.RawDocument, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(record, &fields); err != nil {
		fields = nil
	}

	contentField := params.String("content_field", "")
	titleField := params.String("title_field", "")

	content := ""
	if contentField != "" && fields != nil {
		if v, ok := fields[contentField].(string); ok {
			content = v
		}
	}
	if content == "" {
		pretty, err := json.MarshalIndent(json.RawMessage(record), "", "  ")
		if err != nil {
			return nil, models.WrapPipelineError(models.ErrCodeInternal, "failed to render record", err)
		}
		content = string(pretty)
	}

	metadata := make(map[string]interface{}, len(fields)+2)
	for name, value := range fields {
		switch name {
		case contentField:
		case titleField:
			metadata["title"] = value
		default:
			metadata[name] = value
		}
	}
	metadata["api_url"] = pageURL
	metadata["page_number"] = page

	return &models.RawDocument{
		ID:          common.NewDocumentID(),
		Source:      models.SourceAPIFetch,
		URL:         pageURL,
		ContentType: "application/json",
		Content:     content,
		FetchedAt:   time.Now().UTC(),
		Metadata:    metadata,
	}, nil
}
