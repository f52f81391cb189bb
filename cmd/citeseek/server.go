package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/citeseek/citeseek/internal/api"
	"github.com/citeseek/citeseek/internal/chunking"
	"github.com/citeseek/citeseek/internal/config"
	"github.com/citeseek/citeseek/internal/embedding"
	"github.com/citeseek/citeseek/internal/extract"
	"github.com/citeseek/citeseek/internal/index"
	"github.com/citeseek/citeseek/internal/llm"
	"github.com/citeseek/citeseek/internal/pipeline"
	"github.com/citeseek/citeseek/internal/retrieval"
	"github.com/citeseek/citeseek/internal/storage"
	"github.com/citeseek/citeseek/internal/synthesis"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the citeseek server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "citeseek version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	apiToken := cfg.Server.APIToken
	if apiToken == "" {
		apiToken = uuid.NewString()
		printWarning("CITESEEK_API_TOKEN not set, generated ephemeral token: %s", apiToken)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the answering pipeline.
	llmClient := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey,
		cfg.LLM.ChatModel, cfg.LLM.EmbedModel, logger)
	embedder := embedding.New(llmClient, cfg.Embedding.BatchSize,
		cfg.Index.Dimension, cfg.Embedding.MaxRetries, logger)

	var vectorIndex index.Index
	switch cfg.Index.Backend {
	case "pinecone":
		vectorIndex = index.NewPineconeIndex(cfg.Index.PineconeBaseURL,
			cfg.Index.PineconeAPIKey, cfg.Index.PineconeNamespace)
	default:
		vectorIndex, err = index.NewSQLiteIndex(store.DB(), cfg.Index.Dimension, cfg.Index.Metric)
		if err != nil {
			return fmt.Errorf("creating vector index: %w", err)
		}
	}
	upserter := index.NewBatchingUpserter(vectorIndex, cfg.Index.UpsertBatchSize)

	chunker, err := chunking.NewChunker(cfg.Chunking.Size, cfg.Chunking.Overlap, cfg.Chunking.Lookahead)
	if err != nil {
		return fmt.Errorf("creating chunker: %w", err)
	}

	ingestor := pipeline.NewIngestor(store, extract.NewRegistry(), chunker,
		embedder, &vectorWriter{upserter: upserter, index: vectorIndex},
		cfg.Limits.MaxDocumentBytes, cfg.Limits.MaxChunksPerDocument,
		cfg.Index.Dimension, logger)

	retriever := retrieval.New(embedder, vectorIndex,
		cfg.Retrieval.TopK, float32(cfg.Retrieval.MinScore))
	synthesizer := synthesis.New(llmClient, cfg.Synthesis.MaxContextChars)
	answerer := pipeline.NewAnswerer(retriever, synthesizer, store,
		cfg.Limits.MaxQuestionsPerRequest, cfg.Answering.Concurrency,
		cfg.Answering.RequestTimeout, logger)

	// Build HTTP handler and server.
	handler := api.NewAppHandler(api.AppDeps{
		Store:    store,
		Ingestor: ingestor,
		Answerer: answerer,
		Token:    apiToken,
		Logger:   logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Ingestor: ingestor,
		Answerer: answerer,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "citeseek listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// vectorWriter joins the batching upserter with the raw index operations the
// ingest pipeline needs.
type vectorWriter struct {
	upserter *index.BatchingUpserter
	index    index.Index
}

func (v *vectorWriter) UpsertAll(ctx context.Context, records []index.Record) error {
	return v.upserter.UpsertAll(ctx, records)
}

func (v *vectorWriter) Delete(ctx context.Context, filter index.Filter) error {
	return v.index.Delete(ctx, filter)
}

func (v *vectorWriter) Count(ctx context.Context, filter index.Filter) (int, error) {
	return v.index.Count(ctx, filter)
}
