// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Source kinds.
const (
	SourceSynthetic = "synthetic"
	SourceLog       = "log"
)

// Storage backends.
const (
	StorageNone     = "none"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	HTTPEnabled         bool
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	AllowedOrigins      []string

	// Realtime stream.
	StreamQueueSize    int
	StreamMaxBacklog   int
	StreamWriteWait    time.Duration
	StreamPingInterval time.Duration

	// MCPEnabled mounts the MCP transport at /mcp.
	MCPEnabled bool

	// JWT settings. Without AuthRequired the stream and control endpoints
	// are open.
	AuthRequired      bool
	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTExpiration     time.Duration

	// Rate limiting for stream connects and basis requests. 0 disables.
	RateLimitRPS   float64
	RateLimitBurst int

	// Pipeline.
	OutputCapacity   int
	BasisEveryFrames int
	BasisInterval    time.Duration
	StallWarnAfter   time.Duration
	ShutdownTimeout  time.Duration
	MetricsWindow    time.Duration
	MetricsReportLog time.Duration

	// Capture.
	Source       string // "synthetic" or "log"
	SourcePath   string // Frame log for the "log" source.
	FPS          float64
	FrameCount   int
	FrameWidth   int
	FrameHeight  int
	StreamLength time.Duration
	Realtime     bool

	// Event replay.
	EventsPath string
	ReplayFrom time.Duration

	// Frame log.
	LogPath         string // Empty disables the log sink.
	LogSyncMode     string
	LogSyncInterval time.Duration

	// Database sink.
	Storage             string // "none", "postgres" or "sqlite"
	DatabaseURL         string // Postgres URL for queries and COPY.
	NotifyURL           string // Direct Postgres URL for LISTEN/NOTIFY. Empty disables storage events.
	SQLitePath          string
	RunID               string // Empty generates one per run.
	StorageBatchSize    int
	StorageFlushTimeout time.Duration
	StorageCapacity     int

	// OTEL settings.
	OTELEndpoint      string
	OTELInsecure      bool
	PrometheusMetrics bool
	ServiceName       string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := envStr
	integer := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	float := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = append(errs, err)
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}
	duration := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		HTTPEnabled:         boolean("KANSOKU_HTTP_ENABLED", true),
		Port:                integer("KANSOKU_PORT", 8080),
		ReadTimeout:         duration("KANSOKU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        duration("KANSOKU_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes: int64(integer("KANSOKU_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
		AllowedOrigins:      envList("KANSOKU_ALLOWED_ORIGINS"),

		StreamQueueSize:    integer("KANSOKU_STREAM_QUEUE_SIZE", 256),
		StreamMaxBacklog:   integer("KANSOKU_STREAM_MAX_BACKLOG", 3600),
		StreamWriteWait:    duration("KANSOKU_STREAM_WRITE_WAIT", 10*time.Second),
		StreamPingInterval: duration("KANSOKU_STREAM_PING_INTERVAL", 30*time.Second),

		MCPEnabled: boolean("KANSOKU_MCP_ENABLED", true),

		AuthRequired:      boolean("KANSOKU_AUTH_REQUIRED", false),
		JWTPrivateKeyPath: str("KANSOKU_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:  str("KANSOKU_JWT_PUBLIC_KEY", ""),
		JWTExpiration:     duration("KANSOKU_JWT_EXPIRATION", 24*time.Hour),

		RateLimitRPS:   float("KANSOKU_RATE_LIMIT_RPS", 5),
		RateLimitBurst: integer("KANSOKU_RATE_LIMIT_BURST", 10),

		OutputCapacity:   integer("KANSOKU_OUTPUT_CAPACITY", 3600),
		BasisEveryFrames: integer("KANSOKU_BASIS_EVERY_FRAMES", 0),
		BasisInterval:    duration("KANSOKU_BASIS_INTERVAL", 10*time.Second),
		StallWarnAfter:   duration("KANSOKU_STALL_WARN_AFTER", 5*time.Second),
		ShutdownTimeout:  duration("KANSOKU_SHUTDOWN_TIMEOUT", 30*time.Second),
		MetricsWindow:    duration("KANSOKU_METRICS_WINDOW", 5*time.Second),
		MetricsReportLog: duration("KANSOKU_METRICS_REPORT_EVERY", 5*time.Second),

		Source:       str("KANSOKU_SOURCE", SourceSynthetic),
		SourcePath:   str("KANSOKU_SOURCE_PATH", ""),
		FPS:          float("KANSOKU_FPS", 30),
		FrameCount:   integer("KANSOKU_FRAME_COUNT", 0),
		FrameWidth:   integer("KANSOKU_FRAME_WIDTH", 0),
		FrameHeight:  integer("KANSOKU_FRAME_HEIGHT", 0),
		StreamLength: duration("KANSOKU_STREAM_LENGTH", 0),
		Realtime:     boolean("KANSOKU_REALTIME", true),

		EventsPath: str("KANSOKU_EVENTS", ""),
		ReplayFrom: duration("KANSOKU_REPLAY_FROM", 0),

		LogPath:         str("KANSOKU_LOG_PATH", "kansoku.jsonl"),
		LogSyncMode:     str("KANSOKU_LOG_SYNC_MODE", "batch"),
		LogSyncInterval: duration("KANSOKU_LOG_SYNC_INTERVAL", 10*time.Millisecond),

		Storage:             str("KANSOKU_STORAGE", StorageNone),
		DatabaseURL:         str("DATABASE_URL", ""),
		NotifyURL:           str("NOTIFY_URL", ""),
		SQLitePath:          str("KANSOKU_SQLITE_PATH", "kansoku.db"),
		RunID:               str("KANSOKU_RUN_ID", ""),
		StorageBatchSize:    integer("KANSOKU_STORAGE_BATCH_SIZE", 500),
		StorageFlushTimeout: duration("KANSOKU_STORAGE_FLUSH_TIMEOUT", time.Second),
		StorageCapacity:     integer("KANSOKU_STORAGE_CAPACITY", 50_000),

		OTELEndpoint:      str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:      boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
		PrometheusMetrics: boolean("KANSOKU_PROMETHEUS", true),
		ServiceName:       str("OTEL_SERVICE_NAME", "kansoku"),

		LogLevel: str("KANSOKU_LOG_LEVEL", "info"),
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is complete and consistent.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if c.HTTPEnabled {
		check(c.Port > 0 && c.Port < 65536, "KANSOKU_PORT must be between 1 and 65535, got %d", c.Port)
		check(c.MaxRequestBodyBytes > 0, "KANSOKU_MAX_REQUEST_BODY_BYTES must be positive")
	}
	check(c.OutputCapacity > 0, "KANSOKU_OUTPUT_CAPACITY must be positive")
	check(c.BasisEveryFrames >= 0, "KANSOKU_BASIS_EVERY_FRAMES must not be negative")
	check(c.BasisInterval >= 0, "KANSOKU_BASIS_INTERVAL must not be negative")
	check(c.ShutdownTimeout > 0, "KANSOKU_SHUTDOWN_TIMEOUT must be positive")
	check(c.RateLimitRPS >= 0, "KANSOKU_RATE_LIMIT_RPS must not be negative")
	check(c.ReplayFrom >= 0, "KANSOKU_REPLAY_FROM must not be negative")
	check((c.JWTPrivateKeyPath == "") == (c.JWTPublicKeyPath == ""),
		"KANSOKU_JWT_PRIVATE_KEY and KANSOKU_JWT_PUBLIC_KEY must be set together")

	switch c.Source {
	case SourceSynthetic:
		check(c.FPS > 0, "KANSOKU_FPS must be positive")
	case SourceLog:
		check(c.SourcePath != "", "KANSOKU_SOURCE_PATH is required for the log source")
	default:
		errs = append(errs, fmt.Errorf("KANSOKU_SOURCE must be %q or %q, got %q", SourceSynthetic, SourceLog, c.Source))
	}

	switch c.LogSyncMode {
	case "full", "batch", "none":
	default:
		errs = append(errs, fmt.Errorf("KANSOKU_LOG_SYNC_MODE must be full, batch or none, got %q", c.LogSyncMode))
	}

	switch c.Storage {
	case StorageNone:
	case StoragePostgres:
		check(c.DatabaseURL != "", "DATABASE_URL is required for postgres storage")
	case StorageSQLite:
		check(c.SQLitePath != "", "KANSOKU_SQLITE_PATH is required for sqlite storage")
	default:
		errs = append(errs, fmt.Errorf("KANSOKU_STORAGE must be none, postgres or sqlite, got %q", c.Storage))
	}
	if c.Storage != StorageNone {
		check(c.StorageBatchSize > 0 && c.StorageCapacity >= c.StorageBatchSize,
			"KANSOKU_STORAGE_CAPACITY (%d) must be at least KANSOKU_STORAGE_BATCH_SIZE (%d)",
			c.StorageCapacity, c.StorageBatchSize)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
