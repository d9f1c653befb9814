package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/agents"
	"github.com/stockcouncil/stockcouncil/internal/alerts"
	"github.com/stockcouncil/stockcouncil/internal/api"
	"github.com/stockcouncil/stockcouncil/internal/audit"
	"github.com/stockcouncil/stockcouncil/internal/config"
	"github.com/stockcouncil/stockcouncil/internal/consensus"
	"github.com/stockcouncil/stockcouncil/internal/critique"
	"github.com/stockcouncil/stockcouncil/internal/drift"
	"github.com/stockcouncil/stockcouncil/internal/llm"
	"github.com/stockcouncil/stockcouncil/internal/market"
	"github.com/stockcouncil/stockcouncil/internal/memory"
	"github.com/stockcouncil/stockcouncil/internal/metrics"
	"github.com/stockcouncil/stockcouncil/internal/notifications"
	"github.com/stockcouncil/stockcouncil/internal/orchestrator"
	"github.com/stockcouncil/stockcouncil/internal/profiles"
	"github.com/stockcouncil/stockcouncil/internal/progress"
	"github.com/stockcouncil/stockcouncil/internal/research"
	"github.com/stockcouncil/stockcouncil/internal/store"
	"github.com/stockcouncil/stockcouncil/internal/synthesis"
	"github.com/stockcouncil/stockcouncil/internal/vault"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().
		Str("version", cfg.App.Version).
		Str("environment", cfg.App.Environment).
		Msg("Starting StockCouncil analysis engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := vault.LoadSecrets(ctx, cfg, vault.ConfigFromEnv()); err != nil {
		log.Warn().Err(err).Msg("Vault secret overlay failed, continuing with environment values")
	}

	// Redis backs the artifact cache and the quote cache. The engine
	// runs without it, just slower.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis unreachable, caching disabled")
		redisClient = nil
	}
	pingCancel()

	var artifactCache *store.ArtifactCache
	if redisClient != nil {
		artifactCache = store.NewArtifactCache(redisClient, time.Hour)
	}

	st, err := store.Open(ctx, cfg.Database, artifactCache)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer st.Close()

	// NATS mirrors every progress event for external consumers.
	var busOpts []progress.Option
	bridge, err := progress.NewBridge(cfg.NATS)
	if err != nil {
		log.Warn().Err(err).Msg("NATS unavailable, progress events stay in-process")
	} else {
		defer bridge.Close()
		busOpts = append(busOpts, progress.WithForwarder(bridge))
	}
	bus := progress.NewBus(busOpts...)
	defer bus.Close()

	var fetcher market.Fetcher = market.NewProviderClient(cfg.Provider)
	if redisClient != nil {
		fetcher = market.NewCachedFetcher(fetcher, redisClient, cfg.Provider.CacheTTL())
	}

	llmClient := llm.NewClient(cfg.LLM)

	gateway := research.NewGateway(cfg.Research)
	if err := gateway.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Research gateway connect failed, analysts run without external tools")
	}
	defer gateway.Close()

	registry := agents.DefaultRegistry(agents.Deps{
		Market:   fetcher,
		LLM:      llmClient,
		Research: gateway,
	})
	runtime := agents.NewRuntime(cfg.Engine, bus)

	profileStore := profiles.NewStore()
	consensusEngine := consensus.NewEngine(consensus.WithBaseWeights(consensusWeights(cfg, profileStore)))

	var embedder llm.Embedder
	if cfg.LLM.EmbedEndpoint != "" {
		embedder = llmClient
	}
	analysisMemory := memory.New(st.Pool(), embedder)

	engine := orchestrator.New(cfg.Engine, orchestrator.Deps{
		Registry:  registry,
		Runtime:   runtime,
		Market:    fetcher,
		Consensus: consensusEngine,
		Synthesis: synthesis.NewStage(cfg.Synthesis),
		Critique:  critique.NewStage(cfg.Synthesis),
		Store:     st,
		Bus:       bus,
		Memory:    analysisMemory,
	})

	alerts.SetDefaultManager(buildAlertManager(ctx, cfg.Alerts))

	archiver := audit.NewArchiver(bus, st)
	go archiver.Run(ctx)

	var monitor *drift.Monitor
	if cfg.Drift.Enabled {
		monitor = drift.NewMonitor(cfg.Drift, st, fetcher, bus)
		go monitor.Run(ctx)
	}

	apiServer := api.NewServer(cfg.API, api.Deps{
		Engine:   engine,
		Store:    st,
		Bus:      bus,
		Memory:   analysisMemory,
		Profiles: profileStore,
		Version:  cfg.App.Version,
	})
	apiErr := make(chan error, 1)
	go func() {
		apiErr <- apiServer.Start()
	}()

	var metricsServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, log.Logger)
		metricsServer.SetReadyFunc(func() error {
			probeCtx, probeCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer probeCancel()
			return st.Health(probeCtx)
		})
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start metrics server")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-apiErr:
		if err != nil {
			log.Error().Err(err).Msg("API server failed")
		}
	}

	log.Info().Msg("Initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API server shutdown error")
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Engine shutdown error")
	}
	if monitor != nil {
		monitor.Shutdown()
	}
	archiver.Shutdown()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}
	cancel()

	log.Info().Msg("Shutdown complete")
}

// consensusWeights resolves the configured weighting profile and lays
// any explicit per-agent overrides on top.
func consensusWeights(cfg *config.Config, profileStore *profiles.Store) map[string]float64 {
	weights := map[string]float64{}

	if cfg.Consensus.Profile != "" {
		p, err := profileStore.Get(cfg.Consensus.Profile)
		if err != nil {
			log.Warn().Str("profile", cfg.Consensus.Profile).Msg("Unknown weighting profile, using builtin defaults")
		} else {
			for agent, w := range p.Weights {
				weights[agent] = w
			}
		}
	}
	for agent, w := range cfg.Consensus.BaseWeights {
		weights[agent] = w
	}
	return weights
}

// buildAlertManager wires the configured delivery channels. The log
// alerter is always present so alerts are never silently dropped.
func buildAlertManager(ctx context.Context, cfg config.AlertsConfig) *alerts.Manager {
	manager := alerts.NewManager(alerts.NewLogAlerter())

	if cfg.Telegram.Enabled {
		tg, err := alerts.NewTelegramAlerter(cfg.Telegram.BotToken, []int64{cfg.Telegram.ChatID})
		if err != nil {
			log.Warn().Err(err).Msg("Telegram alerter disabled")
		} else {
			manager.Add(tg)
			log.Info().Msg("Telegram alerts enabled")
		}
	}

	if cfg.Push.Enabled {
		backend, err := notifications.NewFCMBackend(ctx, cfg.Push.CredentialsPath)
		if err != nil {
			log.Warn().Err(err).Msg("Push alerter disabled")
		} else {
			manager.Add(alerts.NewPushAlerter(backend, cfg.Push.DeviceTokens))
			log.Info().Int("devices", len(cfg.Push.DeviceTokens)).Msg("Push alerts enabled")
		}
	}

	return manager
}
