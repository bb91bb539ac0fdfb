// recapd is a Discord conversation summarization service. It runs the gateway
// bot, the schedule loop, and the HTTP API in one process.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"

	"github.com/recapd/recapd/pkg/api"
	"github.com/recapd/recapd/pkg/cache"
	"github.com/recapd/recapd/pkg/cleanup"
	"github.com/recapd/recapd/pkg/config"
	"github.com/recapd/recapd/pkg/database"
	"github.com/recapd/recapd/pkg/discord"
	"github.com/recapd/recapd/pkg/engine"
	"github.com/recapd/recapd/pkg/llm"
	"github.com/recapd/recapd/pkg/prompt"
	"github.com/recapd/recapd/pkg/scheduler"
	"github.com/recapd/recapd/pkg/services"
	"github.com/recapd/recapd/pkg/version"
)

func main() {
	envPath := flag.String("env", getEnv("ENV_FILE", ".env"), "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	slog.Info("Starting recapd", "version", version.Full())

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	keys, err := config.LoadAPIKeyTable(cfg.APIKeysFile)
	if err != nil {
		slog.Error("Failed to load API key table", "error", err)
		os.Exit(1)
	}

	// 2. Database (migrations run inside NewClient)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Domain services
	summaryService := services.NewSummaryService(dbClient.DB())
	guildConfigService := services.NewGuildConfigService(dbClient.DB())
	taskService := services.NewTaskService(dbClient.DB())
	execService := services.NewExecutionService(dbClient.DB())
	cacheService := services.NewCacheService(dbClient.DB(), summaryService, cfg.CacheStoreTTL)

	// 4. One-time startup orphan recovery
	if n, err := execService.RecoverOrphans(ctx); err != nil {
		slog.Error("Failed to recover orphaned executions", "error", err)
		// Non-fatal, the scheduler re-runs due tasks anyway
	} else if n > 0 {
		slog.Info("Recovered orphaned executions", "count", n)
	}

	// 5. Discord gateway session
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		slog.Error("Failed to create Discord session", "error", err)
		os.Exit(1)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages
	if err := session.Open(); err != nil {
		slog.Error("Failed to open Discord gateway connection", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Error("Error closing Discord session", "error", err)
		}
	}()
	slog.Info("Discord gateway connected", "user", session.State.User.Username)

	source := discord.NewGatewaySource(session, logger)

	// 6. LLM provider and dispatcher
	provider := llm.NewOpenAIProvider(cfg.LLMAPIKey, cfg.LLMBaseURL)
	dispatcher := llm.NewDispatcher(provider, cfg, logger)

	// 7. Summarization engine with its two-tier cache
	summaryCache := cache.New(cfg.CacheMemSize, cfg.CacheMemTTL, cacheService, logger)
	eng := engine.New(source, prompt.NewBuilder(), dispatcher, summaryCache,
		summaryService, cfg.Models, engine.Options{
			MaxWindow:    cfg.MaxWindow,
			DefaultModel: cfg.DefaultModel,
		}, logger)

	// 8. Scheduler
	sched := scheduler.New(
		scheduler.NewDBStore(taskService, execService),
		eng,
		scheduler.NewSinkSet(session, cfg.WebhookSecret),
		cfg.TickInterval,
		cfg.ExecutionTimeout,
		cfg.MaxWindow,
		logger,
	)
	sched.Start(ctx)
	defer sched.Stop()
	slog.Info("Scheduler started", "tick_interval", cfg.TickInterval)

	// 8a. Retention loop
	retention := cleanup.NewService(cacheService, execService,
		cfg.CleanupInterval, cfg.ExecutionRetention, logger)
	retention.Start(ctx)
	defer retention.Stop()

	nextRun := func(descriptor string, now time.Time) (time.Time, error) {
		d, err := scheduler.ParseSchedule(descriptor)
		if err != nil {
			return time.Time{}, err
		}
		return d.Next(now), nil
	}

	// 9. Slash commands
	handler := discord.NewHandler(discord.HandlerDeps{
		Source:  source,
		Engine:  eng,
		Configs: guildConfigService,
		Tasks:   taskService,
		Cache:   summaryCache,
		NextRun: nextRun,
		Reload:  sched.Reload,
		Logger:  logger,

		SummarizeLimit:  cfg.SummarizeLimit,
		SummarizeWindow: cfg.SummarizeWindow,
		ConfigLimit:     cfg.ConfigLimit,
		ConfigWindow:    cfg.ConfigWindow,
		CommandTimeout:  cfg.CommandTimeout,
	})
	session.AddHandler(func(s *discordgo.Session, ic *discordgo.InteractionCreate) {
		handler.HandleInteraction(s, ic)
	})
	if _, err := session.ApplicationCommandBulkOverwrite(session.State.User.ID, "", discord.Commands); err != nil {
		slog.Error("Failed to register slash commands", "error", err)
		os.Exit(1)
	}
	slog.Info("Slash commands registered", "count", len(discord.Commands))

	// 10. HTTP API
	server := api.NewServer(api.Deps{
		Engine:         eng,
		Summaries:      summaryService,
		Tasks:          taskService,
		NextRun:        api.NextRunFn(nextRun),
		Reload:         sched.Reload,
		DB:             dbClient.DB(),
		Keys:           keys,
		LLM:            dispatcher,
		Logger:         logger,
		Extras: map[string]func() any{
			"scheduler": func() any { return sched.Health() },
			"discord_gateway": func() any {
				return map[string]any{"connected": session.DataReady}
			},
		},
		JWTSecret:      cfg.JWTSecret,
		RateLimit:      cfg.APIRateLimit,
		RateWindow:     cfg.APIRateWindow,
		RequestTimeout: cfg.RequestTimeout,
	})
	errCh := server.Start(cfg.HTTPAddr)

	slog.Info("recapd started", "http_addr", cfg.HTTPAddr, "default_model", cfg.DefaultModel)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop accepting HTTP first, then drain the
	// scheduler; session and database close via defers in reverse order.
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("recapd stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
