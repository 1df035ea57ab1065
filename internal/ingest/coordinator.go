package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	readability "github.com/go-shiori/go-readability"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/devloop/coach/internal/config"
	"github.com/devloop/coach/internal/content"
	"github.com/devloop/coach/internal/embedding"
	"github.com/devloop/coach/internal/log"
	"github.com/devloop/coach/internal/textproc"
)

// ErrQueueFull indicates the ingestion queue cannot accept more work.
var ErrQueueFull = errors.New("ingestion queue full")

// ingestQueueSize bounds pending jobs. Producers never block; a full
// queue fails the submission immediately.
const ingestQueueSize = 64

// PageExtractor supplies per-page text from PDF bytes. PDF parsing is an
// external collaborator concern; the coordinator only consumes pages.
type PageExtractor interface {
	ExtractPages(ctx context.Context, data []byte) ([]string, error)
}

// contentStore is the slice of content.Store the coordinator needs.
type contentStore interface {
	CreateJob(ctx context.Context, source content.Source) (*content.Job, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	UpdateProgress(ctx context.Context, id uuid.UUID, processed, total int) error
	MarkCompleted(ctx context.Context, id uuid.UUID, chunksCreated int) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
	ReplaceDocumentChunks(ctx context.Context, parentDocumentID string, chunks []content.Chunk) error
}

// textEmbedder embeds one chunk of text.
type textEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// cacheRefresher is notified after a job lands new chunks.
type cacheRefresher interface {
	Refresh(ctx context.Context) error
}

// docCrawler fetches documentation pages breadth-first, reporting each
// fetched page through onPage.
type docCrawler interface {
	Crawl(ctx context.Context, startURL string, onPage func(fetched, limit int)) ([]Page, error)
}

type queuedJob struct {
	jobID   uuid.UUID
	request Request
}

// Coordinator drains the ingestion queue with a single consumer. One job
// is in flight at a time; chunk embedding within a job fans out over a
// bounded worker pool.
type Coordinator struct {
	store    contentStore
	embedder textEmbedder
	cache    cacheRefresher
	crawler  docCrawler
	pdf      PageExtractor
	chunker  *textproc.Chunker
	pool     *ants.Pool
	logger   log.Logger
	queue    chan queuedJob
}

// NewCoordinator creates a Coordinator. The pdf extractor may be nil, in
// which case PDF jobs fail with a configuration error.
func NewCoordinator(
	store contentStore,
	embedder textEmbedder,
	cache cacheRefresher,
	crawler docCrawler,
	pdf PageExtractor,
	cfg config.IngestionConfig,
	logger log.Logger,
) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("content store is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}

	workers := cfg.EmbedWorkers
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("creating embed worker pool: %w", err)
	}

	return &Coordinator{
		store:    store,
		embedder: embedder,
		cache:    cache,
		crawler:  crawler,
		pdf:      pdf,
		chunker: &textproc.Chunker{
			MaxChunkTokens: cfg.MaxChunkTokens,
			MaxLineTokens:  cfg.MaxLineTokens,
			OverlapTokens:  cfg.OverlapTokens,
		},
		pool:   pool,
		logger: logger,
		queue:  make(chan queuedJob, ingestQueueSize),
	}, nil
}

// Enqueue validates the request, persists a Queued job and hands it to
// the consumer loop. The returned job can be polled for status.
func (c *Coordinator) Enqueue(ctx context.Context, req Request) (*content.Job, error) {
	if req == nil {
		return nil, errors.New("request is nil")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	job, err := c.store.CreateJob(ctx, req.Source())
	if err != nil {
		return nil, fmt.Errorf("creating ingestion job: %w", err)
	}

	select {
	case c.queue <- queuedJob{jobID: job.ID, request: req}:
		return job, nil
	default:
		// The job row must not stay Queued forever when nothing will
		// ever consume it.
		if failErr := c.store.MarkFailed(ctx, job.ID, ErrQueueFull.Error()); failErr != nil {
			c.logger.Error("failing overflowed job", "job_id", job.ID, "error", failErr)
		}
		return nil, ErrQueueFull
	}
}

// Run consumes queued jobs until ctx is cancelled. A failing job is
// recorded and never stops the loop.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("ingestion coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("ingestion coordinator stopped")
			return
		case item := <-c.queue:
			if err := c.processJob(ctx, item.jobID, item.request); err != nil {
				c.logger.Error("ingestion job failed",
					"job_id", item.jobID, "source", item.request.Source(), "error", err)
			}
		}
	}
}

// Close releases the embed worker pool. Call after Run has returned.
func (c *Coordinator) Close() {
	c.pool.Release()
}

// document is the extracted intermediate form: one text unit per page or
// crawled URL.
type document struct {
	units []unit
}

type unit struct {
	title string
	text  string
}

func (c *Coordinator) processJob(ctx context.Context, jobID uuid.UUID, req Request) error {
	if err := c.store.MarkProcessing(ctx, jobID); err != nil {
		return err
	}

	doc, err := c.extract(ctx, jobID, req)
	if err != nil {
		c.fail(ctx, jobID, err)
		return err
	}

	chunks, err := c.buildChunks(ctx, jobID, req, doc)
	if err != nil {
		c.fail(ctx, jobID, err)
		return err
	}
	if len(chunks) == 0 {
		err := errors.New("document produced no chunks")
		c.fail(ctx, jobID, err)
		return err
	}

	// All chunk writes commit atomically; a failure leaves no partial
	// chunk set behind.
	if err := c.store.ReplaceDocumentChunks(ctx, req.ParentDocumentID(), chunks); err != nil {
		c.fail(ctx, jobID, err)
		return err
	}

	if err := c.store.MarkCompleted(ctx, jobID, len(chunks)); err != nil {
		return err
	}
	c.logger.Info("ingestion job completed",
		"job_id", jobID, "source", req.Source(), "chunks", len(chunks))

	if c.cache != nil {
		if err := c.cache.Refresh(ctx); err != nil {
			c.logger.Warn("cache refresh after ingestion failed", "error", err)
		}
	}
	return nil
}

// fail records the job failure durably, outside any data transaction.
func (c *Coordinator) fail(ctx context.Context, jobID uuid.UUID, cause error) {
	if err := c.store.MarkFailed(ctx, jobID, cause.Error()); err != nil {
		c.logger.Error("recording job failure", "job_id", jobID, "error", err)
	}
}

// extract runs the source-specific step: PDF page extraction, transcript
// cleaning, documentation crawl or article readability. A crawl reports
// per-page progress against jobID; buildChunks later resets the totals
// to chunking units.
func (c *Coordinator) extract(ctx context.Context, jobID uuid.UUID, req Request) (document, error) {
	switch r := req.(type) {
	case PDF:
		if c.pdf == nil {
			return document{}, errors.New("pdf extractor not configured")
		}
		pages, err := c.pdf.ExtractPages(ctx, r.Data)
		if err != nil {
			return document{}, fmt.Errorf("extracting pdf pages: %w", err)
		}
		var doc document
		for _, page := range pages {
			if strings.TrimSpace(page) == "" {
				continue
			}
			doc.units = append(doc.units, unit{title: r.Title, text: page})
		}
		return doc, nil

	case Transcript:
		cleaned := textproc.CleanTranscript(r.Raw)
		if cleaned == "" {
			return document{}, errors.New("transcript is empty after cleaning")
		}
		return document{units: []unit{{title: r.Title, text: cleaned}}}, nil

	case Docs:
		if c.crawler == nil {
			return document{}, errors.New("crawler not configured")
		}
		pages, err := c.crawler.Crawl(ctx, r.URL, func(fetched, limit int) {
			// Progress failures never abort a crawl in flight.
			if err := c.store.UpdateProgress(ctx, jobID, fetched, limit); err != nil {
				c.logger.Warn("updating crawl progress", "job_id", jobID, "error", err)
			}
		})
		if err != nil {
			return document{}, fmt.Errorf("crawling docs: %w", err)
		}
		var doc document
		for _, page := range pages {
			text := textproc.HTMLToText(page.HTML)
			if strings.TrimSpace(text) == "" {
				continue
			}
			doc.units = append(doc.units, unit{title: page.URL, text: text})
		}
		return doc, nil

	case Article:
		text, title := articleText(r)
		if strings.TrimSpace(text) == "" {
			return document{}, errors.New("article has no readable text")
		}
		return document{units: []unit{{title: title, text: text}}}, nil

	default:
		return document{}, fmt.Errorf("unknown request type %T", req)
	}
}

// articleText prefers raw submitted text; HTML submissions are reduced to
// their readable core, falling back to plain tag stripping.
func articleText(r Article) (text, title string) {
	title = r.Title
	if strings.TrimSpace(r.Raw) != "" {
		return r.Raw, title
	}

	pageURL, _ := url.Parse(r.URL)
	article, err := readability.FromReader(strings.NewReader(r.HTML), pageURL)
	if err != nil {
		return textproc.HTMLToText(r.HTML), title
	}
	if title == "" {
		title = article.Title
	}
	return article.TextContent, title
}

// buildChunks chunks and embeds every unit, updating job progress after
// each one. Chunk indexes run across the whole document so the
// idempotency key source_id stays unique per (source, parent, index).
func (c *Coordinator) buildChunks(ctx context.Context, jobID uuid.UUID, req Request, doc document) ([]content.Chunk, error) {
	total := len(doc.units)
	if err := c.store.UpdateProgress(ctx, jobID, 0, total); err != nil {
		return nil, err
	}

	parentID := req.ParentDocumentID()
	var chunks []content.Chunk

	for i, u := range doc.units {
		texts := c.chunker.Split(u.text)
		embedded, err := c.embedAll(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embedding unit %d: %w", i+1, err)
		}

		for j, text := range texts {
			idx := len(chunks)
			chunks = append(chunks, content.Chunk{
				Source:           req.Source(),
				SourceID:         fmt.Sprintf("%s:%d", parentID, idx),
				Title:            u.title,
				Content:          text,
				Embedding:        embedded[j],
				TokenCount:       textproc.EstimateTokens(text),
				Author:           requestAuthor(req),
				Technology:       requestTechnology(req),
				ParentDocumentID: parentID,
				ChunkIndex:       idx,
			})
		}

		if err := c.store.UpdateProgress(ctx, jobID, i+1, total); err != nil {
			return nil, err
		}
	}
	return chunks, nil
}

// embedAll embeds every chunk text over the worker pool and serializes
// the vectors. Any single failure fails the batch.
func (c *Coordinator) embedAll(ctx context.Context, texts []string) ([][]byte, error) {
	serialized := make([][]byte, len(texts))
	errs := make([]error, len(texts))

	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			vec, err := c.embedder.Embed(ctx, text)
			if err != nil {
				errs[i] = err
				return
			}
			serialized[i] = embedding.Serialize(vec)
		}
		if err := c.pool.Submit(task); err != nil {
			wg.Done()
			errs[i] = err
		}
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return serialized, nil
}

func requestAuthor(req Request) string {
	switch r := req.(type) {
	case PDF:
		return r.Author
	case Transcript:
		return r.Author
	case Article:
		return r.Author
	}
	return ""
}

func requestTechnology(req Request) string {
	switch r := req.(type) {
	case PDF:
		return r.Technology
	case Transcript:
		return r.Technology
	case Docs:
		return r.Technology
	case Article:
		return r.Technology
	}
	return ""
}
