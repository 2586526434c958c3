// Package config loads squadron's process-wide environment configuration:
// one flat struct, env-sourced with simple typed fallbacks, deliberately
// not tarsy's YAML-driven agent/chain/MCP registry (pkg/config in tarsy).
// squadron's per-agent and per-squad configuration already has a home —
// templates applied through pkg/squad — so this package carries only the
// process-level knobs: the database DSN, bus/conversation/SSE tuning,
// agent runtime limits, and optional generator/notification credentials.
//
// Grounded on pkg/database/config.go's envOr/envOrInt/envOrDuration
// loader style, generalized to the rest of the env keys the other
// components need.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opensquad/squadron/pkg/database"
)

// Config is every env-sourced knob squadron's entrypoint needs to build its
// service graph.
type Config struct {
	HTTPPort string
	GinMode  string

	Database database.Config

	// MessageBus selects the message delivery implementation. Only
	// "memory" (the in-process bus.Bus) is supported; any other value is
	// rejected at startup rather than silently falling back.
	MessageBus string

	AnswerTimeoutSeconds int
	AckTimeoutSeconds    int

	SSEHeartbeatSeconds int
	SSEClientBuffer     int

	AgentStepBudget    int
	AgentHistoryWindow int

	// RedactionPatternGroup selects A2's compiled pattern set. Empty
	// disables redaction.
	RedactionPatternGroup string

	// SlackBotToken/SlackNotifyChannel configure A3. Either empty makes
	// notify.New return a no-op Notifier.
	SlackBotToken      string
	SlackNotifyChannel string

	// Generator is keyed by vendor (models.GeneratorRef.Vendor, e.g.
	// "anthropic", "openai"); ToolServers is every configured MCP server
	// endpoint, namespaced the way mcptoolinvoker.ServerConfig expects.
	Generator   map[string]GeneratorConfig
	ToolServers []ToolServerConfig
}

// GeneratorConfig is one vendor's credentials and default wiring, sourced
// from GENERATOR_<VENDOR>_API_KEY / _BASE_URL / _MODEL.
type GeneratorConfig struct {
	Vendor  string
	APIKey  string
	BaseURL string
	Model   string
}

// ToolServerConfig is one MCP server endpoint, sourced from
// TOOL_MCP_SERVERS (a comma-separated name=endpoint list).
type ToolServerConfig struct {
	Name     string
	Endpoint string
}

// Load reads every recognized key from the process environment. Callers
// typically call godotenv.Load before Load, same as tarsy's cmd/tarsy/main.go.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort: envOr("HTTP_PORT", "8080"),
		GinMode:  envOr("GIN_MODE", "release"),

		MessageBus: envOr("MESSAGE_BUS", "memory"),

		AnswerTimeoutSeconds: envOrInt("ANSWER_TIMEOUT_SECONDS", 300),
		AckTimeoutSeconds:    envOrInt("ACK_TIMEOUT_SECONDS", 120),

		SSEHeartbeatSeconds: envOrInt("SSE_HEARTBEAT_SECONDS", 15),
		SSEClientBuffer:     envOrInt("SSE_CLIENT_BUFFER", 64),

		AgentStepBudget:    envOrInt("AGENT_STEP_BUDGET", 4),
		AgentHistoryWindow: envOrInt("AGENT_HISTORY_WINDOW", 20),

		RedactionPatternGroup: envOr("REDACTION_PATTERN_GROUP", ""),
		SlackBotToken:         envOr("SLACK_BOT_TOKEN", ""),
		SlackNotifyChannel:    envOr("SLACK_NOTIFY_CHANNEL", ""),

		Generator:   loadGenerators(),
		ToolServers: loadToolServers(),
	}

	dbCfg, err := databaseConfig()
	if err != nil {
		return Config{}, err
	}
	cfg.Database = dbCfg

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects an unsupported MESSAGE_BUS selection and an unparseable
// database configuration up front, rather than failing deep in C3/C1 wiring.
func (c Config) Validate() error {
	if c.MessageBus != "memory" {
		return fmt.Errorf("config: unsupported MESSAGE_BUS %q (only \"memory\" is implemented)", c.MessageBus)
	}
	return c.Database.Validate()
}

// databaseConfig prefers DATABASE_URL over the DB_HOST/DB_PORT/... discrete
// keys pkg/database.LoadConfigFromEnv reads, falling back to the latter
// when DATABASE_URL is unset.
func databaseConfig() (database.Config, error) {
	raw := os.Getenv("DATABASE_URL")
	if raw == "" {
		return database.LoadConfigFromEnv(), nil
	}
	return parseDatabaseURL(raw)
}

func parseDatabaseURL(raw string) (database.Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return database.Config{}, fmt.Errorf("config: parse DATABASE_URL: %w", err)
	}

	port := 5432
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return database.Config{}, fmt.Errorf("config: DATABASE_URL port: %w", err)
		}
		port = n
	}

	password, _ := u.User.Password()
	sslmode := u.Query().Get("sslmode")
	if sslmode == "" {
		sslmode = "disable"
	}

	return database.Config{
		Host:            u.Hostname(),
		Port:            port,
		User:            u.User.Username(),
		Password:        password,
		Database:        strings.TrimPrefix(u.Path, "/"),
		SSLMode:         sslmode,
		MaxOpenConns:    envOrInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    envOrInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envOrDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		ConnMaxIdleTime: envOrDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
	}, nil
}

// loadGenerators scans GENERATOR_<VENDOR>_API_KEY for every vendor squadron
// has credentials for; a vendor with no API key configured is omitted, not
// included with an empty key.
func loadGenerators() map[string]GeneratorConfig {
	out := make(map[string]GeneratorConfig)
	for _, vendor := range []string{"ANTHROPIC", "OPENAI"} {
		key := envOr("GENERATOR_"+vendor+"_API_KEY", "")
		if key == "" {
			continue
		}
		out[strings.ToLower(vendor)] = GeneratorConfig{
			Vendor:  strings.ToLower(vendor),
			APIKey:  key,
			BaseURL: envOr("GENERATOR_"+vendor+"_BASE_URL", ""),
			Model:   envOr("GENERATOR_"+vendor+"_MODEL", ""),
		}
	}
	return out
}

// loadToolServers parses TOOL_MCP_SERVERS, a comma-separated
// name=endpoint list, e.g. "tickets=https://mcp.internal/tickets,
// docs=https://mcp.internal/docs".
func loadToolServers() []ToolServerConfig {
	raw := envOr("TOOL_MCP_SERVERS", "")
	if raw == "" {
		return nil
	}
	var servers []ToolServerConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, endpoint, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		servers = append(servers, ToolServerConfig{Name: strings.TrimSpace(name), Endpoint: strings.TrimSpace(endpoint)})
	}
	return servers
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
