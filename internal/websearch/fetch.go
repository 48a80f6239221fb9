package websearch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/v2"
)

// FetcherConfig bounds the page scraper. Parallelism and delay apply per
// domain so a result list dominated by one site does not hammer it.
type FetcherConfig struct {
	Parallelism  int
	Delay        time.Duration
	Timeout      time.Duration
	MaxBodyBytes int

	// MaxExcerptRunes caps the readable text kept per page.
	MaxExcerptRunes int

	UserAgent string
}

const (
	defaultParallelism  = 2
	defaultFetchDelay   = time.Second
	defaultFetchTimeout = 15 * time.Second
	defaultMaxBody      = 5 << 20
	defaultMaxExcerpt   = 2000
)

// PageFetcher downloads result pages and extracts their readable text.
// All failures are soft: a page that cannot be fetched or parsed simply
// contributes no excerpt.
type PageFetcher struct {
	cfg    FetcherConfig
	logger *slog.Logger
}

// NewPageFetcher creates a fetcher with bounded parallelism.
func NewPageFetcher(cfg FetcherConfig, logger *slog.Logger) (*PageFetcher, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	if cfg.Delay <= 0 {
		cfg.Delay = defaultFetchDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if cfg.MaxExcerptRunes <= 0 {
		cfg.MaxExcerptRunes = defaultMaxExcerpt
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &PageFetcher{cfg: cfg, logger: logger}, nil
}

// Excerpts fetches the given URLs and returns readable-text excerpts keyed
// by URL. Missing keys mean the fetch or extraction failed.
func (f *PageFetcher) Excerpts(ctx context.Context, urls []string) map[string]string {
	var (
		mu  sync.Mutex
		out = make(map[string]string)
	)

	c := colly.NewCollector(
		colly.Async(true),
		colly.MaxBodySize(f.cfg.MaxBodyBytes),
		colly.UserAgent(f.cfg.UserAgent),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(f.cfg.Timeout)
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: f.cfg.Parallelism,
		Delay:       f.cfg.Delay,
	}); err != nil {
		f.logger.Warn("configuring scraper limits failed", "error", err)
		return out
	}

	c.OnResponse(func(r *colly.Response) {
		article, err := readability.FromReader(bytes.NewReader(r.Body), r.Request.URL)
		if err != nil {
			f.logger.Debug("readability extraction failed",
				"url", r.Request.URL.String(),
				"error", err)
			return
		}
		text := truncateRunes(article.TextContent, f.cfg.MaxExcerptRunes)
		if text == "" {
			return
		}
		mu.Lock()
		out[r.Request.URL.String()] = text
		mu.Unlock()
	})

	c.OnError(func(r *colly.Response, err error) {
		f.logger.Debug("page fetch failed", "url", r.Request.URL.String(), "error", err)
	})

	for _, u := range urls {
		if err := c.Visit(u); err != nil {
			f.logger.Debug("page visit rejected", "url", u, "error", err)
		}
	}
	c.Wait()

	return out
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
