package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/docsage/docsage/internal/cache"
	"github.com/docsage/docsage/internal/confidence"
	"github.com/docsage/docsage/internal/config"
	"github.com/docsage/docsage/internal/conversation"
	"github.com/docsage/docsage/internal/embed"
	"github.com/docsage/docsage/internal/ingest"
	"github.com/docsage/docsage/internal/lexical"
	"github.com/docsage/docsage/internal/logging"
	"github.com/docsage/docsage/internal/pipeline"
	"github.com/docsage/docsage/internal/registry"
	"github.com/docsage/docsage/internal/rerank"
	"github.com/docsage/docsage/internal/retrieval"
	"github.com/docsage/docsage/internal/router"
	"github.com/docsage/docsage/internal/server"
	"github.com/docsage/docsage/internal/store"
	"github.com/docsage/docsage/internal/synth"
	"github.com/docsage/docsage/internal/websearch"
)

// shutdownGrace bounds how long in-flight requests may drain.
const shutdownGrace = 15 * time.Second

func newServeCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the docsage HTTP service",
		Example: `  # Serve with a config file
  docsage serve --config configs/docsage.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfgPath)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Path to the configuration file")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

// runServe wires the full service and blocks until a signal or listener
// failure.
func runServe(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger, logCleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.FilePath,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: true,
	})
	if err != nil {
		return err
	}
	defer logCleanup()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Instance registry and health probes.
	reg := registry.New(registry.Config{
		ProbeInterval:    time.Duration(cfg.Health.ProbeIntervalSeconds) * time.Second,
		FailureThreshold: cfg.Health.FailureThreshold,
		PickWait:         time.Duration(cfg.Health.PickWaitMS) * time.Millisecond,
	}, logger)
	for _, inst := range cfg.Instances {
		reg.Register(inst.Name, inst.URL, inst.Models)
	}
	reg.Start(ctx)
	defer reg.Stop()

	// Stores.
	var vectors store.VectorStore
	if cfg.VectorStore.URL == "memory" {
		vectors, err = store.NewMemoryVectorStore(cfg.Embedding.Dimensions)
	} else {
		vectors, err = store.NewQdrantStore(ctx, cfg.VectorStore.URL,
			cfg.VectorStore.Collection, cfg.Embedding.Dimensions, logger)
	}
	if err != nil {
		return err
	}
	defer vectors.Close()

	meta, err := store.OpenMetadataStore(cfg.Conversation.DBPath)
	if err != nil {
		return err
	}
	defer meta.Close()

	convs, err := conversation.NewStore(meta.DB())
	if err != nil {
		return err
	}

	// Embedding chain: fleet client, batch coalescing, response cache.
	fleet := embed.NewFleetEmbedder(embed.FleetConfig{
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
	}, reg, logger)
	batched := embed.NewBatchScheduler(fleet, cfg.Embedding.BatchSize,
		time.Duration(cfg.Embedding.BatchWindowMS)*time.Millisecond, logger)
	embedder := embed.NewCachedEmbedder(batched, cfg.Embedding.CacheMaxEntries,
		time.Duration(cfg.Embedding.CacheTTLSeconds)*time.Second)
	defer embedder.Close()

	// Retrieval substrate. The lexical index is rebuilt from metadata so
	// BM25 search survives restarts.
	lex := lexical.NewIndex()
	ingestor := ingest.NewService(embedder, vectors, meta, lex, logger)
	if err := ingestor.RebuildLexical(ctx); err != nil {
		return err
	}

	modelRouter := router.NewModelRouter(reg, cfg.Models,
		registry.ParseStrategy(cfg.Generation.Strategy), logger)

	pipe := pipeline.New(pipeline.Deps{
		Router:        modelRouter,
		Embedder:      embedder,
		Retriever:     retrieval.NewRetriever(embedder, vectors, lex, logger),
		Reranker:      rerank.NewClient(cfg.Rerank.URL, time.Duration(cfg.Rerank.TimeoutSeconds)*time.Second, logger),
		RerankEnabled: cfg.Rerank.URL != "",
		Confidence:    confidence.NewRouter(cfg.Confidence.Threshold),
		Generator:     synth.NewGenerator(reg, logger),
		WebSearch:     websearch.NewClient(cfg.WebSearch.URL, time.Duration(cfg.WebSearch.TimeoutSeconds)*time.Second, logger),
		Conversations: convs,
		Answers:       cache.NewAnswers[pipeline.Answer](cfg.Cache.MaxEntries, time.Duration(cfg.Cache.TTLSeconds)*time.Second),
		CacheEnabled:  cfg.Cache.Enabled,

		HistoryTurns:        cfg.Generation.HistoryTurns,
		CandidatePool:       cfg.Retrieval.CandidatePool,
		ContextWindowTokens: cfg.Generation.ContextWindowTokens,
		GenerationTimeout:   time.Duration(cfg.Generation.TimeoutSeconds) * time.Second,
		Logger:              logger,
	})

	srv := server.New(server.Deps{
		Config:   cfg,
		Registry: reg,
		Pipeline: pipe,
		Router:   modelRouter,
		Ingestor: ingestor,
		Meta:     meta,
		Vectors:  vectors,
		Logger:   logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
