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

func newTestScrapeAdapter() *URLScrapeAdapter {
	return NewURLScrapeAdapter("rake-test/1.0 test@example.com", 0, 0, ratelimit.New(0), testRetryPolicy(), common.GetLogger())
}

const articlePage = `<html>
<head><title>Release Notes</title><meta name="description" content="What changed"></head>
<body>
<nav>Home | About | Contact navigation links</nav>
<article>
<h1>Version 2.0</h1>
<p>This release introduces incremental ingestion and a faster chunker for large corpora.</p>
</article>
<footer>Copyright</footer>
</body>
</html>`

func TestURLScrapeValidate(t *testing.T) {
	adapter := newTestScrapeAdapter()

	tests := []struct {
		name    string
		params  interfaces.SourceParams
		wantErr bool
	}{
		{
			name:    "no urls or sitemap",
			params:  interfaces.SourceParams{},
			wantErr: true,
		},
		{
			name:    "invalid scheme",
			params:  interfaces.SourceParams{"urls": []string{"ftp://example.com/file"}},
			wantErr: true,
		},
		{
			name:    "malformed url",
			params:  interfaces.SourceParams{"urls": []string{"://nope"}},
			wantErr: true,
		},
		{
			name:   "valid urls",
			params: interfaces.SourceParams{"urls": []string{"https://example.com/a", "http://example.com/b"}},
		},
		{
			name:   "sitemap only",
			params: interfaces.SourceParams{"sitemap_url": "https://example.com/sitemap.xml"},
		},
		{
			name:   "single url",
			params: interfaces.SourceParams{"url": "https://example.com/a"},
		},
		{
			name:    "max_pages zero",
			params:  interfaces.SourceParams{"url": "https://example.com/a", "max_pages": 0},
			wantErr: true,
		},
		{
			name:    "max_pages above cap",
			params:  interfaces.SourceParams{"sitemap_url": "https://example.com/sitemap.xml", "max_pages": 101},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
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

func TestURLScrapeFetchArticle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nAllow: /\n")
			return
		}
		fmt.Fprint(w, articlePage)
	}))
	defer server.Close()

	adapter := newTestScrapeAdapter()
	docs, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"url": server.URL + "/release-notes",
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	doc := docs[0]
	assert.Equal(t, models.SourceURLScrape, doc.Source)
	assert.Equal(t, "Release Notes", doc.Metadata["title"])
	assert.Equal(t, "What changed", doc.Metadata["description"])
	assert.Contains(t, doc.Content, "incremental ingestion")
	assert.NotContains(t, doc.Content, "navigation links")
	assert.NotContains(t, doc.Content, "Copyright")
}

func TestURLScrapeRobotsDisallowSingleURLForbidden(t *testing.T) {
	var fetchedPrivate bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
			return
		}
		fetchedPrivate = true
		fmt.Fprint(w, articlePage)
	}))
	defer server.Close()

	adapter := newTestScrapeAdapter()
	_, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"url": server.URL + "/private/page",
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeForbidden, models.CodeOf(err))
	assert.False(t, fetchedPrivate, "disallowed URL must not be fetched")
}

func TestURLScrapeRobotsDisallowBulkSkips(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
			return
		}
		fmt.Fprint(w, articlePage)
	}))
	defer server.Close()

	adapter := newTestScrapeAdapter()
	docs, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"urls": []string{server.URL + "/private/page", server.URL + "/public"},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, server.URL+"/public", docs[0].URL)
}

func TestURLScrapeIgnoreRobotsSingleURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nDisallow: /\n")
			return
		}
		fmt.Fprint(w, articlePage)
	}))
	defer server.Close()

	adapter := newTestScrapeAdapter()
	docs, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"url":           server.URL + "/page",
		"ignore_robots": true,
	})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestURLScrapeIgnoreRobotsRejectedForBulk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nDisallow: /\n")
			return
		}
		fmt.Fprint(w, articlePage)
	}))
	defer server.Close()

	// ignore_robots only applies to a single explicit URL.
	adapter := newTestScrapeAdapter()
	_, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"urls":          []string{server.URL + "/a", server.URL + "/b"},
		"ignore_robots": true,
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeNotFound, models.CodeOf(err))
}

func TestURLScrapeSitemapExpansion(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			fmt.Fprint(w, "User-agent: *\nAllow: /\n")
		case "/sitemap.xml":
			fmt.Fprintf(w, `<?xml version="1.0"?>
<urlset><url><loc>%s/page1</loc></url><url><loc>%s/page2</loc></url></urlset>`, server.URL, server.URL)
		default:
			fmt.Fprint(w, articlePage)
		}
	}))
	defer server.Close()

	adapter := newTestScrapeAdapter()
	docs, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"sitemap_url": server.URL + "/sitemap.xml",
	})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestURLScrapeSitemapIndexOneLevel(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			fmt.Fprint(w, "User-agent: *\nAllow: /\n")
		case "/sitemap_index.xml":
			fmt.Fprintf(w, `<?xml version="1.0"?>
<sitemapindex><sitemap><loc>%s/sitemap1.xml</loc></sitemap></sitemapindex>`, server.URL)
		case "/sitemap1.xml":
			fmt.Fprintf(w, `<?xml version="1.0"?>
<urlset><url><loc>%s/nested</loc></url></urlset>`, server.URL)
		default:
			fmt.Fprint(w, articlePage)
		}
	}))
	defer server.Close()

	adapter := newTestScrapeAdapter()
	docs, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"sitemap_url": server.URL + "/sitemap_index.xml",
	})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestURLScrapeMarkdownOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nAllow: /\n")
			return
		}
		fmt.Fprint(w, articlePage)
	}))
	defer server.Close()

	adapter := newTestScrapeAdapter()
	docs, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"urls":     []string{server.URL + "/page"},
		"markdown": true,
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "text/markdown", docs[0].ContentType)
	assert.Contains(t, docs[0].Content, "# Version 2.0")
}

func TestURLScrapeNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nAllow: /\n")
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	adapter := newTestScrapeAdapter()
	_, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"url": server.URL + "/gone",
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeNotFound, models.CodeOf(err))
}

func TestURLScrapeBodyTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nAllow: /\n")
			return
		}
		fmt.Fprint(w, "<html><body>", strings.Repeat("x", 2048), "</body></html>")
	}))
	defer server.Close()

	adapter := NewURLScrapeAdapter("rake-test/1.0 test@example.com", 0, 256, ratelimit.New(0), testRetryPolicy(), common.GetLogger())
	_, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"url": server.URL + "/huge",
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeSizeExceeded, models.CodeOf(err))
}

func TestURLScrapeRejectsNonHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nAllow: /\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"not": "a page"}`)
	}))
	defer server.Close()

	adapter := newTestScrapeAdapter()
	_, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"url": server.URL + "/data.json",
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeValidation, models.CodeOf(err))
}

func TestURLScrapeSocialMetadata(t *testing.T) {
	page := `<html>
<head>
<title>Launch Post</title>
<meta name="description" content="A big launch">
<meta name="author" content="Jordan Example">
<meta name="keywords" content="launch, release">
<meta property="article:published_time" content="2026-01-15T09:00:00Z">
<meta property="og:title" content="Launch Post OG">
<meta property="og:image" content="https://example.test/cover.png">
<meta name="twitter:card" content="summary">
</head>
<body><article><p>We shipped the thing and here is the long story about it.</p></article></body>
</html>`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nAllow: /\n")
			return
		}
		fmt.Fprint(w, page)
	}))
	defer server.Close()

	adapter := newTestScrapeAdapter()
	docs, err := adapter.Fetch(context.Background(), interfaces.SourceParams{
		"url": server.URL + "/launch",
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	meta := docs[0].Metadata
	assert.Equal(t, "Launch Post", meta["title"])
	assert.Equal(t, "A big launch", meta["description"])
	assert.Equal(t, "Jordan Example", meta["author"])
	assert.Equal(t, "launch, release", meta["keywords"])
	assert.Equal(t, "2026-01-15T09:00:00Z", meta["published"])
	assert.Equal(t, "Launch Post OG", meta["og:title"])
	assert.Equal(t, "https://example.test/cover.png", meta["og:image"])
	assert.Equal(t, "summary", meta["twitter:card"])
}

func TestURLScrapeConcurrentRobotsCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nAllow: /\n")
			return
		}
		fmt.Fprint(w, articlePage)
	}))
	defer server.Close()

	adapter := newTestScrapeAdapter()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = adapter.Fetch(context.Background(), interfaces.SourceParams{
				"url": fmt.Sprintf("%s/page-%d", server.URL, i),
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}
