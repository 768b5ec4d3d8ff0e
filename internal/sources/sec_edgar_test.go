package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/rake/internal/common"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
	"github.com/ternarybob/rake/internal/services/ratelimit"
)

func newTestEdgarAdapter(userAgent string, maxDocBytes int64) *SECEdgarAdapter {
	return NewSECEdgarAdapter(userAgent, maxDocBytes, ratelimit.New(0), testRetryPolicy(), common.GetLogger())
}

// fakeEdgar serves the three EDGAR endpoints the adapter touches.
func fakeEdgar(t *testing.T, filingBody string) (*httptest.Server, func(a *SECEdgarAdapter)) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/files/company_tickers.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"0":{"cik_str":320193,"ticker":"AAPL","title":"Apple Inc."},"1":{"cik_str":789019,"ticker":"MSFT","title":"Microsoft Corp"}}`)
	})
	mux.HandleFunc("/submissions/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"cik": "320193",
			"name": "Apple Inc.",
			"filings": {
				"recent": {
					"accessionNumber": ["0000320193-24-000001", "0000320193-24-000002", "0000320193-24-000003"],
					"filingDate": ["2024-11-01", "2024-08-02", "2024-07-15"],
					"form": ["10-K", "10-Q", "4"],
					"primaryDocument": ["aapl-10k.htm", "aapl-10q.htm", "form4.xml"]
				}
			}
		}`)
	})
	mux.HandleFunc("/archives/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, filingBody)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	configure := func(a *SECEdgarAdapter) {
		a.tickerMapURL = server.URL + "/files/company_tickers.json"
		a.submissionsURL = server.URL + "/submissions/CIK%010d.json"
		a.archivesURL = server.URL + "/archives/%d/%s/%s"
	}
	return server, configure
}

func TestSECEdgarValidate(t *testing.T) {
	tests := []struct {
		name      string
		userAgent string
		params    interfaces.SourceParams
		wantErr   bool
	}{
		{
			name:      "user agent with email",
			userAgent: "Acme Research admin@acme.example",
			params:    interfaces.SourceParams{"ticker": "AAPL"},
		},
		{
			name:      "user agent with URL",
			userAgent: "AcmeBot https://acme.example/contact",
			params:    interfaces.SourceParams{"cik": "320193"},
		},
		{
			name:      "legacy ticker list",
			userAgent: "Acme Research admin@acme.example",
			params:    interfaces.SourceParams{"tickers": []string{"AAPL"}},
		},
		{
			name:      "user agent without contact info",
			userAgent: "AcmeBot/1.0",
			params:    interfaces.SourceParams{"ticker": "AAPL"},
			wantErr:   true,
		},
		{
			name:      "no ticker or cik",
			userAgent: "Acme admin@acme.example",
			params:    interfaces.SourceParams{},
			wantErr:   true,
		},
		{
			name:      "both ticker and cik",
			userAgent: "Acme admin@acme.example",
			params:    interfaces.SourceParams{"ticker": "AAPL", "cik": "320193"},
			wantErr:   true,
		},
		{
			name:      "blank form type",
			userAgent: "Acme admin@acme.example",
			params:    interfaces.SourceParams{"ticker": "AAPL", "filing_types": []string{"10-K", " "}},
			wantErr:   true,
		},
		{
			name:      "count zero",
			userAgent: "Acme admin@acme.example",
			params:    interfaces.SourceParams{"ticker": "AAPL", "count": 0},
			wantErr:   true,
		},
		{
			name:      "count above cap",
			userAgent: "Acme admin@acme.example",
			params:    interfaces.SourceParams{"ticker": "AAPL", "count": 11},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestEdgarAdapter(tt.userAgent, 0)
			err := adapter.Validate(tt.params)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSECEdgarFetchByTicker(t *testing.T) {
	adapter := newTestEdgarAdapter("Acme Research admin@acme.example", 0)
	_, configure := fakeEdgar(t, "<html><body>Annual report text</body></html>")
	configure(adapter)

	docs, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"ticker":    "aapl",
		"form_type": "10-K",
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	assert.Equal(t, models.SourceSECEdgar, docs[0].Source)
	assert.Equal(t, "Apple Inc.", docs[0].Metadata["company_name"])
	assert.Equal(t, "0000320193", docs[0].Metadata["cik"])
	assert.Equal(t, "10-K", docs[0].Metadata["form_type"])
	assert.Equal(t, "0000320193-24-000001", docs[0].Metadata["accession_number"])
	assert.Equal(t, docs[0].URL, docs[0].Metadata["filing_url"])
	assert.Contains(t, docs[0].Content, "Annual report text")
	assert.Equal(t, "text/html", docs[0].ContentType)
}

func TestSECEdgarFetchLegacyParamNames(t *testing.T) {
	adapter := newTestEdgarAdapter("Acme admin@acme.example", 0)
	_, configure := fakeEdgar(t, "filing body")
	configure(adapter)

	docs, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"tickers":      []string{"aapl"},
		"filing_types": []string{"10-K", "10-Q"},
		"max_filings":  2,
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	// Form 4 is excluded by the filing type filter.
	for _, doc := range docs {
		assert.NotEqual(t, "4", doc.Metadata["form_type"])
	}
}

func TestSECEdgarFetchCountDefaultsToOne(t *testing.T) {
	adapter := newTestEdgarAdapter("Acme admin@acme.example", 0)
	_, configure := fakeEdgar(t, "filing body")
	configure(adapter)

	docs, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"cik": "320193",
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	// With no form_type filter the most recent filing wins.
	assert.Equal(t, "10-K", docs[0].Metadata["form_type"])
}

func TestSECEdgarFetchCount(t *testing.T) {
	adapter := newTestEdgarAdapter("Acme admin@acme.example", 0)
	_, configure := fakeEdgar(t, "filing body")
	configure(adapter)

	docs, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"cik":   "320193",
		"count": 3,
	})
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestSECEdgarFetchUnknownTicker(t *testing.T) {
	adapter := newTestEdgarAdapter("Acme admin@acme.example", 0)
	_, configure := fakeEdgar(t, "body")
	configure(adapter)

	_, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"ticker": "NOPE",
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeNotFound, models.CodeOf(err))
}

func TestSECEdgarConcurrentTickerResolution(t *testing.T) {
	adapter := newTestEdgarAdapter("Acme admin@acme.example", 0)
	_, configure := fakeEdgar(t, "filing body")
	configure(adapter)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = adapter.Fetch(context.Background(), interfaces.SourceParams{
				"ticker": "AAPL",
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestSECEdgarFetchDocumentTooLarge(t *testing.T) {
	adapter := newTestEdgarAdapter("Acme admin@acme.example", 64)
	_, configure := fakeEdgar(t, strings.Repeat("x", 1024))
	configure(adapter)

	_, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"cik": "320193",
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeSizeExceeded, models.CodeOf(err))
}

func TestSECEdgarForbiddenStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	adapter := newTestEdgarAdapter("Acme admin@acme.example", 0)
	adapter.tickerMapURL = server.URL + "/files/company_tickers.json"

	_, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"ticker": "AAPL",
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeForbidden, models.CodeOf(err))
}

func TestSECEdgarInvalidCIK(t *testing.T) {
	adapter := newTestEdgarAdapter("Acme admin@acme.example", 0)

	_, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"cik": "not-a-number",
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
}
