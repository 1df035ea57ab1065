package ingest

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/queue"

	"github.com/devloop/coach/internal/log"
	"github.com/devloop/coach/internal/textproc"
)

// Page is one fetched documentation page.
type Page struct {
	URL  string
	HTML string
}

// Crawler performs a breadth-first documentation crawl. It stays on the
// start URL's host under its path prefix, visits each normalized URL at
// most once, and respects a fixed per-request delay.
type Crawler struct {
	delay    time.Duration
	maxPages int
	logger   log.Logger
}

// NewCrawler creates a Crawler with the given politeness delay and page
// bound.
func NewCrawler(delay time.Duration, maxPages int, logger log.Logger) *Crawler {
	if maxPages <= 0 {
		maxPages = 50
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Crawler{delay: delay, maxPages: maxPages, logger: logger}
}

// Crawl fetches up to maxPages pages reachable from startURL in
// breadth-first order. Individual page failures are logged and skipped;
// a crawl that yields no pages at all is an error. A non-nil onPage is
// called after each fetched page with the running count and the page
// bound, so long crawls can report progress before chunking starts.
func (c *Crawler) Crawl(ctx context.Context, startURL string, onPage func(fetched, limit int)) ([]Page, error) {
	start, err := url.Parse(startURL)
	if err != nil {
		return nil, fmt.Errorf("parsing start URL: %w", err)
	}
	base := textproc.NormalizeURL(start)

	collector := colly.NewCollector(
		colly.AllowedDomains(start.Hostname()),
		colly.UserAgent("coach-ingest/1.0"),
	)
	if err := collector.Limit(&colly.LimitRule{DomainGlob: "*", Delay: c.delay}); err != nil {
		return nil, fmt.Errorf("configuring crawl rate limit: %w", err)
	}

	// One consumer thread keeps the queue strictly FIFO, so the crawl
	// expands level by level.
	q, err := queue.New(1, &queue.InMemoryQueueStorage{MaxSize: 10 * c.maxPages})
	if err != nil {
		return nil, fmt.Errorf("creating crawl queue: %w", err)
	}

	var mu sync.Mutex
	var pages []Page

	collector.OnRequest(func(r *colly.Request) {
		mu.Lock()
		full := len(pages) >= c.maxPages
		mu.Unlock()
		if full || ctx.Err() != nil {
			r.Abort()
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		html := string(r.Body)
		mu.Lock()
		if len(pages) >= c.maxPages {
			mu.Unlock()
			return
		}
		pages = append(pages, Page{URL: r.Request.URL.String(), HTML: html})
		count := len(pages)
		mu.Unlock()
		c.logger.Debug("crawled page", "url", r.Request.URL.String(), "pages", count)
		if onPage != nil {
			onPage(count, c.maxPages)
		}

		for _, link := range textproc.ExtractLinks(html, base) {
			if err := q.AddURL(link); err != nil {
				c.logger.Debug("skipping link", "url", link, "error", err)
			}
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		c.logger.Warn("page fetch failed", "url", r.Request.URL.String(), "error", err)
	})

	if err := q.AddURL(base); err != nil {
		return nil, fmt.Errorf("queueing start URL: %w", err)
	}
	if err := q.Run(collector); err != nil {
		return nil, fmt.Errorf("running crawl: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages crawled from %s", startURL)
	}
	return pages, nil
}
