// Package main provides the CLI entry point for the Axon trace replay
// service.
//
// Axon ingests AI-agent traces, reconstructs their execution graphs, and
// replays them with live model calls, transcript grounding, and cost
// attribution, delivered to watchers over websockets.
//
// # Basic Usage
//
// Start the server:
//
//	axon serve --config axon.yaml
//
// Run a one-shot deadline sweep:
//
//	axon sweep --config axon.yaml
//
// # Environment Variables
//
//   - TOOL_PROVIDERS: JSON map of grounding tool providers
//   - TOOL_PROVIDERS_FILE: path to a hot-reloaded provider file
//   - REPLAY_MODE: subgraph selection mode ("component" or "full")
//   - OPENAI_API_KEY: OpenAI API key for GPT replay models
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude replay models
//   - DATABASE_URL: Postgres connection string
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/axonlabs/axon/internal/config"
	"github.com/axonlabs/axon/internal/graph"
	"github.com/axonlabs/axon/internal/grounding"
	"github.com/axonlabs/axon/internal/hub"
	"github.com/axonlabs/axon/internal/ingest"
	"github.com/axonlabs/axon/internal/llm"
	"github.com/axonlabs/axon/internal/observability"
	"github.com/axonlabs/axon/internal/replay"
	"github.com/axonlabs/axon/internal/server"
	"github.com/axonlabs/axon/internal/storage"
	"github.com/axonlabs/axon/internal/sweeper"
	"github.com/axonlabs/axon/internal/tools"
	"github.com/axonlabs/axon/pkg/models"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "axon",
		Short:        "Axon - AI agent trace replay service",
		Long:         "Axon ingests agent traces and replays them with live model calls,\ntranscript grounding, and cost attribution.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildSweepCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the replay service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildSweepCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Close stale running traces once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})
			stores, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer stores.Close()

			sw := sweeper.New(stores.Traces, cfg.Sweeper.TraceDeadline, logger)
			closed := sw.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "closed %d stale traces\n", closed)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	tracer, stopTracing := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "axon",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopTracing(ctx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()
	logger.Info("storage ready", "driver", cfg.Database.Driver)

	providers, err := tools.ParseProviders(cfg.Tools.Providers)
	if err != nil {
		logger.Warn("invalid tool provider config, tools disabled", "error", err)
		providers = nil
	}
	registry := tools.NewRegistry(providers,
		tools.WithFetchTimeout(cfg.Tools.FetchTimeout),
		tools.WithLogger(logger),
	)
	registry.OnFetch = metrics.RecordToolFetch
	registry.Geocoder().OnLookup = metrics.RecordGeocodeLookup
	grounder := grounding.New(registry, grounding.WithLogger(logger))

	router := llm.NewRouter(
		llm.NewOpenAIProvider(cfg.LLM.OpenAIAPIKey),
		llm.NewAnthropicProvider(cfg.LLM.AnthropicAPIKey),
	)

	subHub := hub.New(logger)
	subHub.DroppedBroadcast = func(_, event string) { metrics.BroadcastDropped(event) }

	coordinator := replay.New(&stores, router, grounder, subHub,
		replay.WithDefaultModel(cfg.LLM.DefaultModel),
		replay.WithModelTimeout(cfg.Replay.ModelTimeout),
		replay.WithMode(graph.ParseMode(cfg.Replay.Mode)),
		replay.WithLogger(logger),
		replay.WithTracer(tracer),
	)
	coordinator.OnReplay = metrics.ReplayFinished
	coordinator.OnModelCall = metrics.RecordLLMRequest

	wsHandler := hub.NewHandler(subHub, &stores, coordinator, logger)
	wsHandler.OnConnect = metrics.SubscriberConnected
	wsHandler.OnDisconnect = metrics.SubscriberDisconnected

	applier := ingest.NewApplier(&stores, logger)
	applier.OnEvent = metrics.RecordIngestEvent
	applier.Notify = func(traceID string) {
		snapshot, err := wsHandler.Snapshot(context.Background(), traceID)
		if err != nil {
			return
		}
		subHub.Broadcast(models.TraceRoom(traceID), models.EventTraceData, snapshot)
	}

	srv := server.New(cfg, wsHandler, applier, metrics, logger)
	if err := srv.Start(); err != nil {
		return err
	}

	sw := sweeper.New(stores.Traces, cfg.Sweeper.TraceDeadline, logger)
	sw.OnSwept = metrics.TraceSwept
	if err := sw.Start(cfg.Sweeper.Schedule); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tools.ProvidersFile != "" {
		go func() {
			if err := tools.WatchProvidersFile(ctx, cfg.Tools.ProvidersFile, registry, logger); err != nil && ctx.Err() == nil {
				logger.Error("provider file watch stopped", "error", err)
			}
		}()
	}

	logger.Info("axon ready", "version", version)
	<-ctx.Done()

	logger.Info("shutting down")
	sw.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Stop(shutdownCtx)
	return nil
}

func openStores(cfg *config.Config) (storage.StoreSet, error) {
	switch cfg.Database.Driver {
	case "memory":
		return storage.NewMemoryStoreSet(), nil
	case "sqlite":
		stores, err := storage.NewSQLiteStores(cfg.Database.Path)
		if err != nil {
			return storage.StoreSet{}, fmt.Errorf("open sqlite: %w", err)
		}
		return stores.StoreSet(), nil
	case "postgres":
		pgConfig := storage.DefaultPostgresConfig()
		pgConfig.DSN = cfg.Database.URL
		stores, err := storage.NewPostgresStores(pgConfig)
		if err != nil {
			return storage.StoreSet{}, fmt.Errorf("open postgres: %w", err)
		}
		return stores.StoreSet(), nil
	}
	return storage.StoreSet{}, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}
