// Package websearch provides the web fallback retrieval provider.
//
// Results come from the DuckDuckGo HTML endpoint, which needs no API key
// and returns parseable markup. Snippets can optionally be enriched by
// fetching the result pages through a rate-limited scraper and extracting
// readable text.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/wrenchai/wrench/internal/evidence"
	"github.com/wrenchai/wrench/internal/provider"
)

// DefaultBaseURL is the DuckDuckGo HTML search endpoint.
const DefaultBaseURL = "https://html.duckduckgo.com"

const (
	defaultTimeout      = 20 * time.Second
	defaultMaxBodyBytes = 2 << 20 // 2 MiB of search result HTML is plenty
	defaultUserAgent    = "Mozilla/5.0 (compatible; wrench/1.0)"
)

// Config holds search provider settings.
type Config struct {
	// BaseURL overrides the search endpoint. Tests point this at httptest.
	BaseURL string

	// Timeout bounds one search request.
	Timeout time.Duration

	// MaxBodyBytes caps the response body read.
	MaxBodyBytes int64

	UserAgent string
}

// DuckDuckGo performs HTML-scraped web searches.
type DuckDuckGo struct {
	client       *http.Client
	baseURL      string
	maxBodyBytes int64
	userAgent    string
	fetcher      *PageFetcher
	logger       *slog.Logger
}

// NewDuckDuckGo creates the search provider. fetcher may be nil to skip
// page enrichment and serve raw snippets.
func NewDuckDuckGo(cfg Config, fetcher *PageFetcher, logger *slog.Logger) (*DuckDuckGo, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	return &DuckDuckGo{
		client:       &http.Client{Timeout: cfg.Timeout},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		maxBodyBytes: cfg.MaxBodyBytes,
		userAgent:    cfg.UserAgent,
		fetcher:      fetcher,
		logger:       logger,
	}, nil
}

// Search returns up to k web passages for the query. Zero results is a
// valid outcome, not an error. Web passages carry a lexical score assigned
// later by the planner; Similarity is zero here.
func (d *DuckDuckGo) Search(ctx context.Context, query string, k int) ([]evidence.Passage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("empty query")
	}
	if k <= 0 {
		return nil, fmt.Errorf("invalid k: %d", k)
	}

	endpoint := d.baseURL + "/html/?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web search request: %w", provider.Classify(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("web search status %d: %w", resp.StatusCode, provider.ErrUnavailable)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, d.maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("parsing search results: %w", err)
	}

	passages := parseResults(doc, k)

	if d.fetcher != nil && len(passages) > 0 {
		d.enrich(ctx, passages)
	}

	d.logger.Debug("web search completed", "query", query, "results", len(passages))
	return passages, nil
}

// parseResults extracts result entries from the DuckDuckGo HTML layout.
func parseResults(doc *goquery.Document, k int) []evidence.Passage {
	var passages []evidence.Passage
	doc.Find("div.result").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		link := sel.Find("a.result__a").First()
		title := strings.TrimSpace(link.Text())
		href, _ := link.Attr("href")
		snippet := strings.TrimSpace(sel.Find(".result__snippet").Text())

		resultURL := resolveResultURL(href)
		if resultURL == "" || (title == "" && snippet == "") {
			return true
		}

		content := title
		if snippet != "" {
			if content != "" {
				content += ": "
			}
			content += snippet
		}

		passages = append(passages, evidence.Passage{
			SourceID: resultURL,
			Content:  content,
			Origin:   evidence.OriginWebSearch,
			URL:      resultURL,
		})
		return len(passages) < k
	})
	return passages
}

// resolveResultURL unwraps DuckDuckGo's redirect links (/l/?uddg=<target>)
// and rejects non-HTTP schemes.
func resolveResultURL(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if strings.HasSuffix(u.Host, "duckduckgo.com") && strings.HasPrefix(u.Path, "/l/") {
		target := u.Query().Get("uddg")
		if target == "" {
			return ""
		}
		u, err = url.Parse(target)
		if err != nil {
			return ""
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

// enrich replaces thin snippets with readable page text where the fetcher
// succeeds. Failures leave the original snippet in place.
func (d *DuckDuckGo) enrich(ctx context.Context, passages []evidence.Passage) {
	urls := make([]string, 0, len(passages))
	for _, p := range passages {
		urls = append(urls, p.URL)
	}

	excerpts := d.fetcher.Excerpts(ctx, urls)
	for i := range passages {
		if text, ok := excerpts[passages[i].URL]; ok && text != "" {
			passages[i].Content = text
		}
	}
}
