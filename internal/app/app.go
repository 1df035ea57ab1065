// Package app wires the coaching engine together: configuration,
// database, Genkit, the embedding cache, the ingestion coordinator, the
// memory worker and the chat streamer.
//
// Setup constructs everything and fails fast on anything the service
// cannot run without. Start launches the background loops; Close stops
// them and releases all resources.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devloop/coach/db"
	"github.com/devloop/coach/internal/chat"
	"github.com/devloop/coach/internal/config"
	"github.com/devloop/coach/internal/content"
	"github.com/devloop/coach/internal/database"
	"github.com/devloop/coach/internal/embedding"
	"github.com/devloop/coach/internal/ingest"
	"github.com/devloop/coach/internal/log"
	"github.com/devloop/coach/internal/memory"
	"github.com/devloop/coach/internal/observability"
	"github.com/devloop/coach/internal/profile"
	"github.com/devloop/coach/internal/search"
	"github.com/devloop/coach/internal/session"
)

// App is the assembled service core.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit     *genkit.Genkit
	DBPool     *pgxpool.Pool
	Embeddings *embedding.Client

	Content  *content.Store
	Memories *memory.Store
	Sessions *session.Store
	Profiles *profile.Store

	Cache       *search.Cache
	Searcher    *search.Searcher
	Coordinator *ingest.Coordinator
	Worker      *memory.Worker
	Retriever   *memory.Retriever
	Streamer    *chat.Streamer

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	otelShutdown func(context.Context) error
}

// Setup builds the application. The PDF page extractor is an optional
// collaborator; with a nil extractor, PDF ingestion jobs fail with a
// configuration error while every other source keeps working.
//
// The first embedding-cache load must succeed: a service that cannot
// see its corpus should not come up.
func Setup(ctx context.Context, cfg *config.Config, pdf ingest.PageExtractor) (_ *App, retErr error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	logger := log.New(log.Config{
		Level: parseLogLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			a.release()
		}
	}()

	// Tracing registers with Genkit's TracerProvider, so it is set up
	// before genkit.Init.
	if cfg.Observability.Enabled {
		shutdown, err := observability.Setup(ctx, observability.Config{
			Endpoint:    cfg.Observability.Endpoint,
			Environment: cfg.Observability.Environment,
			ServiceName: cfg.Observability.ServiceName,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("setting up tracing: %w", err)
		}
		a.otelShutdown = shutdown
	}

	if err := db.Migrate(cfg.DatabaseURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL())
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	g, embedder, err := initGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g
	a.Embeddings = embedding.NewClient(embedder, embedding.DefaultRetryConfig(), logger)

	if a.Content, err = content.NewStore(pool, logger); err != nil {
		return nil, err
	}
	if a.Memories, err = memory.NewStore(pool, logger); err != nil {
		return nil, err
	}
	if a.Sessions, err = session.NewStore(pool, logger); err != nil {
		return nil, err
	}
	if a.Profiles, err = profile.NewStore(pool, logger); err != nil {
		return nil, err
	}

	a.Cache = search.NewCache(a.Content, logger)
	if err := a.Cache.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial embedding cache load: %w", err)
	}
	a.Searcher = search.NewSearcher(a.Cache, a.Embeddings, logger)

	crawler := ingest.NewCrawler(
		time.Duration(cfg.Ingestion.CrawlDelayMS)*time.Millisecond,
		cfg.Ingestion.CrawlMaxPages,
		logger,
	)
	if a.Coordinator, err = ingest.NewCoordinator(
		a.Content, a.Embeddings, a.Cache, crawler, pdf, cfg.Ingestion, logger,
	); err != nil {
		return nil, err
	}

	extractor := memory.NewExtractor(g, cfg.FullModelName(), logger)
	a.Worker = memory.NewWorker(a.Memories, a.Sessions, extractor, a.Embeddings, logger)
	a.Retriever = memory.NewRetriever(a.Memories, a.Embeddings, cfg.Memory, logger)

	if a.Streamer, err = chat.NewStreamer(g, a.Sessions, a.Profiles, a.Retriever, a.Worker, chat.Options{
		Model:           cfg.FullModelName(),
		HistoryMessages: cfg.HistoryMessages,
		ModelRateLimit:  cfg.ModelRateLimit,
	}, logger); err != nil {
		return nil, err
	}

	logger.Info("application initialized",
		"provider", cfg.Provider,
		"model", cfg.FullModelName(),
		"cached_chunks", a.Cache.Len(),
	)
	return a, nil
}

// Start launches the ingestion coordinator and the memory extraction
// worker. Both loops run until Close.
func (a *App) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.Coordinator.Run(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.Worker.Run(runCtx)
	}()
}

// Close stops the background loops, waits for them to drain and
// releases every held resource. Safe to call after a failed Setup.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.release()
	if a.Logger != nil {
		a.Logger.Info("application shut down")
	}
	return nil
}

func (a *App) release() {
	if a.Coordinator != nil {
		a.Coordinator.Close()
		a.Coordinator = nil
	}
	if a.DBPool != nil {
		a.DBPool.Close()
		a.DBPool = nil
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.otelShutdown(ctx); err != nil && a.Logger != nil {
			a.Logger.Warn("shutting down tracer provider", "error", err)
		}
		cancel()
		a.otelShutdown = nil
	}
}

// initGenkit initializes Genkit with the configured provider plugin and
// resolves the embedder the rest of the service uses.
func initGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, ai.Embedder, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		plugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g := genkit.Init(ctx, genkit.WithPlugins(plugin))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama has no model auto-discovery.
		plugin.DefineModel(g, ollama.ModelDefinition{Name: cfg.ModelName, Type: "chat"}, nil)
		plugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		embedder := ollama.Embedder(g, cfg.OllamaHost)
		if embedder == nil {
			return nil, nil, fmt.Errorf("embedder %q not found for ollama", cfg.EmbedderModel)
		}
		logger.Info("genkit initialized", "provider", config.ProviderOllama, "host", cfg.OllamaHost)
		return g, embedder, nil

	default: // gemini / googleai
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with googleai provider")
		}
		embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
		if embedder == nil {
			return nil, nil, fmt.Errorf("embedder %q not found for googleai", cfg.EmbedderModel)
		}
		logger.Info("genkit initialized", "provider", cfg.Provider, "embedder", cfg.EmbedderModel)
		return g, embedder, nil
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
