// Package config loads process configuration from the environment and sets
// up logging.
package config

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration values.
type Config struct {
	// HTTP server
	ServerPort string
	AuthTokens string // "token=user[:admin],..."

	// SurrealDB connection (task rows, periodic state, documents)
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// TaskStore selects "surreal" or "memory".
	TaskStore string

	// FlowStoreDSN is a postgres:// URL or a SQLite path.
	FlowStoreDSN string

	// Task manager
	TaskWorkers       int
	TaskMaxLogEntries int
	ShutdownGrace     time.Duration

	// Notification hub
	HubQueueSize int
	RedisURL     string // optional cross-process relay

	// Streaming bridge
	StreamBuffer int

	// LLM
	LLMProvider        string // ollama, openai, anthropic, bedrock
	LLMModel           string
	OllamaHost         string
	OpenAIAPIKey       string
	AnthropicAPIKey    string
	VoyageAPIKey       string
	AWSRegion          string
	EmbeddingProvider  string
	EmbeddingModel     string
	EmbeddingDimension int
	MCPServers         string // "name=command args;..."

	// Flow engine
	FlowParallelism int
	DockerEnabled   bool
	PythonImage     string

	// Periodic driver
	PeriodicConfig string
	PeriodicTick   time.Duration
	RSSFeeds       string

	// Telemetry
	OTelStdout bool

	// Logging
	LogFile       string
	LogLevel      slog.Level
	LogMaxSizeMB  int
	LogMaxBackups int
}

// Load reads configuration from environment variables. A .env file in the
// working directory, if present, is loaded first without overriding
// variables that are already set.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		ServerPort: getEnv("FLOWHUB_SERVER_PORT", "8484"),
		AuthTokens: getEnv("AUTH_TOKENS", ""),

		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "flowhub"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "tasks"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		TaskStore:    getEnv("TASK_STORE", "surreal"),
		FlowStoreDSN: getEnv("FLOW_STORE_DSN", "flowhub.db"),

		TaskWorkers:       getEnvInt("TASK_WORKERS", runtime.NumCPU()),
		TaskMaxLogEntries: getEnvInt("TASK_MAX_LOG_ENTRIES", 1000),
		ShutdownGrace:     getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),

		HubQueueSize: getEnvInt("HUB_QUEUE_SIZE", 256),
		RedisURL:     getEnv("REDIS_URL", ""),

		StreamBuffer: getEnvInt("STREAM_BUFFER", 64),

		LLMProvider:        getEnv("LLM_PROVIDER", "ollama"),
		LLMModel:           getEnv("LLM_MODEL", "llama3.2"),
		OllamaHost:         getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:    getEnv("ANTHROPIC_API_KEY", ""),
		VoyageAPIKey:       getEnv("VOYAGE_API_KEY", ""),
		AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
		EmbeddingProvider:  getEnv("EMBED_PROVIDER", "ollama"),
		EmbeddingModel:     getEnv("EMBED_MODEL", "all-minilm:l6-v2"),
		EmbeddingDimension: getEnvInt("EMBED_DIMENSION", 384),
		MCPServers:         getEnv("MCP_SERVERS", ""),

		FlowParallelism: getEnvInt("FLOW_PARALLELISM", 1),
		DockerEnabled:   getEnv("DOCKER_ENABLED", "false") == "true",
		PythonImage:     getEnv("PYTHON_IMAGE", "python:3.12-slim"),

		PeriodicConfig: getEnv("PERIODIC_CONFIG", ""),
		PeriodicTick:   getEnvDuration("PERIODIC_TICK", 30*time.Second),
		RSSFeeds:       getEnv("RSS_FEEDS", ""),

		OTelStdout: getEnv("OTEL_STDOUT", "false") == "true",

		LogFile:       getEnv("FLOWHUB_LOG_FILE", "/tmp/flowhub.log"),
		LogLevel:      parseLogLevel(getEnv("FLOWHUB_LOG_LEVEL", "INFO")),
		LogMaxSizeMB:  getEnvInt("FLOWHUB_LOG_MAX_SIZE_MB", 50),
		LogMaxBackups: getEnvInt("FLOWHUB_LOG_MAX_BACKUPS", 3),
	}
}

// SplitList splits a comma separated value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return n
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
