// Command squadron runs the multi-agent collaboration server: the HTTP API
// (C8) plus one agentruntime.Runtime per active agent, wired against a
// single PostgreSQL-backed event log, bus, and conversation state machine.
//
// Grounded on cmd/tarsy/main.go's shape — flag-driven config dir, godotenv,
// database.NewClient, gin.SetMode, a blocking router.Run — generalized from
// tarsy's single gin.Default() + inline health handler to squadron's richer
// service graph and graceful-shutdown requirements.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gin-gonic/gin"

	"github.com/opensquad/squadron/pkg/agentruntime"
	"github.com/opensquad/squadron/pkg/agentruntime/anthropicgen"
	"github.com/opensquad/squadron/pkg/agentruntime/mcptoolinvoker"
	"github.com/opensquad/squadron/pkg/agentruntime/mockgen"
	"github.com/opensquad/squadron/pkg/agentruntime/openaigen"
	"github.com/opensquad/squadron/pkg/api"
	"github.com/opensquad/squadron/pkg/bus"
	"github.com/opensquad/squadron/pkg/config"
	"github.com/opensquad/squadron/pkg/conversation"
	"github.com/opensquad/squadron/pkg/database"
	"github.com/opensquad/squadron/pkg/eventlog"
	"github.com/opensquad/squadron/pkg/models"
	"github.com/opensquad/squadron/pkg/notify"
	"github.com/opensquad/squadron/pkg/redact"
	"github.com/opensquad/squadron/pkg/routing"
	"github.com/opensquad/squadron/pkg/sse"
	"github.com/opensquad/squadron/pkg/squad"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: could not load %s: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	gin.SetMode(cfg.GinMode)

	log.Println("Starting squadron")
	log.Printf("HTTP Port: %s", cfg.HTTPPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbClient.Close()
	log.Println("Connected to PostgreSQL and applied migrations")

	redactor := redact.New(cfg.RedactionPatternGroup)
	elog := eventlog.New(dbClient.Pool, redactor)

	listener := eventlog.NewListener(cfg.Database.DSN())
	if err := listener.Start(ctx); err != nil {
		log.Fatalf("Failed to start event listener: %v", err)
	}
	defer listener.Stop(context.Background())

	ruleCache, err := routing.NewRuleCache(8 << 20)
	if err != nil {
		log.Fatalf("Failed to build routing rule cache: %v", err)
	}
	defer ruleCache.Close()

	squads := squad.New(dbClient.Pool)
	messageBus := bus.New(bus.Config{
		QueueDepth:  64,
		RetryBudget: 3,
		RetryBase:   20 * time.Millisecond,
	}, elog, dbClient.Pool, squads)

	notifier := notify.New(cfg.SlackBotToken, cfg.SlackNotifyChannel)

	convSvc := conversation.New(dbClient.Pool, elog, messageBus, ruleCache, notifier, conversation.Config{
		AnswerTimeoutSeconds: cfg.AnswerTimeoutSeconds,
		AckTimeoutSeconds:    cfg.AckTimeoutSeconds,
	})
	if err := convSvc.Start(ctx); err != nil {
		log.Fatalf("Failed to start conversation escalation sweep: %v", err)
	}
	defer convSvc.Stop()

	stream := sse.New(elog, listener, dbClient.Pool, sse.Config{
		HeartbeatInterval: time.Duration(cfg.SSEHeartbeatSeconds) * time.Second,
		ClientBuffer:      cfg.SSEClientBuffer,
	})

	runtimes := startAgentRuntimes(ctx, cfg, squads, messageBus, convSvc, elog, notifier)
	defer func() {
		for _, rt := range runtimes {
			rt.Stop()
		}
	}()

	srv := api.NewServer(dbClient.Pool, squads, convSvc, elog, messageBus, stream, ":"+cfg.HTTPPort)

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on :%s", cfg.HTTPPort)
		serveErr <- srv.Start()
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutdown signal received, draining in-flight requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error during HTTP shutdown: %v", err)
		}
	}
}

// startAgentRuntimes spins up one agentruntime.Runtime per active agent
// across every squad, selecting a TextGenerator by the agent's configured
// GeneratorRef vendor and a shared ACL-gated ToolInvoker over the
// configured MCP tool servers.
func startAgentRuntimes(ctx context.Context, cfg config.Config, squads *squad.Service, b *bus.Bus, conv *conversation.Service, log *eventlog.Log, notifier *notify.Notifier) []*agentruntime.Runtime {
	agents, err := squads.AllActiveAgents(ctx)
	if err != nil {
		slog.Error("failed to list active agents at boot", "error", err)
		return nil
	}

	servers := make([]mcptoolinvoker.ServerConfig, 0, len(cfg.ToolServers))
	for _, ts := range cfg.ToolServers {
		servers = append(servers, mcptoolinvoker.ServerConfig{Name: ts.Name, Endpoint: ts.Endpoint})
	}
	invoker := mcptoolinvoker.New(servers)

	rtCfg := agentruntime.Config{
		HistoryWindow: cfg.AgentHistoryWindow,
		StepBudget:    cfg.AgentStepBudget,
	}

	runtimes := make([]*agentruntime.Runtime, 0, len(agents))
	for _, agent := range agents {
		generator := resolveGenerator(cfg, agent.GeneratorRef)
		rt := agentruntime.New(agent, b, conv, log, generator, invoker, notifier, rtCfg)
		rt.Run(ctx)
		runtimes = append(runtimes, rt)
	}
	slog.Info("agent runtimes started", "count", len(runtimes))
	return runtimes
}

// resolveGenerator picks the TextGenerator bound to an agent's vendor.
// Falls back to mockgen's scripted generator when no credentials are
// configured for that vendor, so a squad can be applied and exercised (e.g.
// in development or against the e2e suite) without a live LLM backend
// provisioned anywhere.
func resolveGenerator(cfg config.Config, ref models.GeneratorRef) agentruntime.TextGenerator {
	gen, ok := cfg.Generator[ref.Vendor]
	if !ok {
		slog.Warn("no generator credentials configured for vendor, using scripted stub", "vendor", ref.Vendor)
		return mockgen.New()
	}

	switch ref.Vendor {
	case "anthropic":
		return anthropicgen.New(anthropicgen.Config{
			APIKey:  gen.APIKey,
			BaseURL: gen.BaseURL,
			Model:   firstNonEmpty(ref.Model, gen.Model),
		})
	case "openai":
		return openaigen.New(openaigen.Config{
			APIKey:  gen.APIKey,
			BaseURL: gen.BaseURL,
			Model:   firstNonEmpty(ref.Model, gen.Model),
		})
	default:
		slog.Warn("unrecognized generator vendor, using scripted stub", "vendor", ref.Vendor)
		return mockgen.New()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
