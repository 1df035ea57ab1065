// Command coach runs the retrieval-augmented coaching engine: the
// ingestion coordinator and the memory extraction worker, with the chat
// streamer and semantic search available to embedding callers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devloop/coach/internal/app"
	"github.com/devloop/coach/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "coach:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// PDF extraction is an optional collaborator supplied by embedding
	// binaries; the core service runs without it.
	a, err := app.Setup(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	a.Start(ctx)
	a.Logger.Info("coach engine running, press Ctrl+C to stop")

	<-ctx.Done()
	return nil
}
