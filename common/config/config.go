package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/chenyme/grok2api/common/env"
)

// Process-level configuration. Everything here is read once from the
// environment at startup; runtime-tunable knobs live in Settings.
var (
	// ServerPort overrides the --port flag when running inside container or PaaS environments.
	ServerPort = strings.TrimSpace(env.String("PORT", ""))
	// GinMode allows forcing Gin into release mode (or other modes) without recompiling.
	GinMode = strings.TrimSpace(env.String("GIN_MODE", ""))

	// DebugEnabled toggles verbose structured logging when DEBUG=true.
	DebugEnabled = env.Bool("DEBUG", false)
	// DebugSQLEnabled toggles per-query SQL logging when DEBUG_SQL=true.
	DebugSQLEnabled = env.Bool("DEBUG_SQL", false)
	// LogRetentionDays deletes daily log files older than this; 0 keeps everything.
	LogRetentionDays = env.Int("LOG_RETENTION_DAYS", 0)

	// DataDir holds token.json, config.toml and the media cache.
	DataDir = func() string {
		dir := env.String("DATA_DIR", "./data")
		if abs, err := filepath.Abs(dir); err == nil {
			return abs
		}
		return dir
	}()
	// WebDir optionally serves a static admin front end.
	WebDir = strings.TrimSpace(env.String("WEB_DIR", ""))

	// StorageType selects the persistence backend: local, redis, mysql, pgsql or sqlite.
	StorageType = strings.ToLower(strings.TrimSpace(env.String("SERVER_STORAGE_TYPE", "local")))
	// StorageURL is the DSN or connection URL for network backends.
	StorageURL = strings.TrimSpace(env.String("SERVER_STORAGE_URL", ""))

	// SQLMaxIdleConns caps idle connections kept by the SQL backend.
	SQLMaxIdleConns = env.Int("SQL_MAX_IDLE_CONNS", 20)
	// SQLMaxOpenConns caps open connections kept by the SQL backend.
	SQLMaxOpenConns = env.Int("SQL_MAX_OPEN_CONNS", 100)
	// SQLMaxLifetimeSeconds recycles SQL connections after this many seconds.
	SQLMaxLifetimeSeconds = env.Int("SQL_MAX_LIFETIME", 60)
	// SQLiteBusyTimeout is passed to the sqlite driver as _busy_timeout (ms).
	SQLiteBusyTimeout = env.Int("SQLITE_BUSY_TIMEOUT", 3000)

	// RedisMasterName enables sentinel mode for the Redis backend when set.
	RedisMasterName = env.String("REDIS_MASTER_NAME", "")
	// RedisPassword is used together with RedisMasterName.
	RedisPassword = env.String("REDIS_PASSWORD", "")

	// EnablePrometheusMetrics exposes /metrics and records relay metrics.
	EnablePrometheusMetrics = env.Bool("ENABLE_PROMETHEUS_METRICS", true)

	// ShutdownTimeout bounds graceful drain on SIGTERM.
	ShutdownTimeout = env.Duration("SHUTDOWN_TIMEOUT", 30*time.Second)

	// ApproximateTokenEnabled estimates usage from text length instead of loading
	// the tiktoken vocabulary, for offline environments.
	ApproximateTokenEnabled = env.Bool("APPROXIMATE_TOKEN", false)

	// ConfigSeedFile is read on first boot when the storage backend has no config yet.
	ConfigSeedFile = env.String("CONFIG_SEED_FILE", "")

	// MessagePusherAddress receives a notification whenever a token is disabled or expires.
	MessagePusherAddress = strings.TrimSpace(env.String("MESSAGE_PUSHER_ADDRESS", ""))
	// MessagePusherToken authenticates against MessagePusherAddress.
	MessagePusherToken = env.String("MESSAGE_PUSHER_TOKEN", "")
)

// SQLitePath is where the sqlite backend keeps its database when no URL is given.
func SQLitePath() string {
	if StorageURL != "" {
		return StorageURL
	}
	return filepath.Join(DataDir, "grok2api.db")
}
