// Package config assembles the runtime configuration of the chat binaries
// from package defaults, an optional .env file, and the environment.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/yanyu/chat-core/internal/messaging"
	"github.com/yanyu/chat-core/internal/notify"
	"github.com/yanyu/chat-core/internal/trial"
	"github.com/yanyu/chat-core/internal/ws"
)

// ErrInvalid is returned for settings that cannot be used.
var ErrInvalid = errors.New("config: invalid setting")

// Store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Notification modes.
const (
	NotifyQueue  = "queue"  // enqueue on asynq, delivered by cmd/notifier
	NotifyDirect = "direct" // POST from the chat server itself
	NotifyOff    = "off"
)

// Config is the full runtime configuration.
type Config struct {
	Server     ws.ServerConfig
	NATSURL    string
	RedisAddr  string
	ServerName string

	StoreBackend string
	DatabaseURL  string

	JWTSecret string
	JWTIssuer string

	Push       notify.HTTPConfig
	NotifyMode string

	Trial          trial.Config
	RequireFriends bool
	CORSOrigin     string

	NotifierConcurrency int
	NotifierMetricsAddr string
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "ws-1"
	}
	return Config{
		Server:              ws.DefaultServerConfig(),
		NATSURL:             messaging.DefaultNATSConfig().URL,
		RedisAddr:           "localhost:6379",
		ServerName:          host,
		StoreBackend:        StoreRedis,
		Push:                notify.DefaultHTTPConfig(),
		NotifyMode:          NotifyQueue,
		Trial:               trial.DefaultConfig(),
		NotifierConcurrency: 10,
		NotifierMetricsAddr: ":9091",
	}
}

// Load reads an optional .env file and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] .env not loaded: %v", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv. Unparsable numbers and durations keep
// their defaults; unknown modes and inconsistent thresholds are errors.
func FromEnv(getenv func(string) string) (Config, error) {
	c := Default()
	get := func(key string) string { return strings.TrimSpace(getenv(key)) }

	if v := get("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	setInt(get("WORKER_POOL_SIZE"), &c.Server.WorkerPoolSize)
	setInt(get("MAX_CONNECTIONS"), &c.Server.MaxConnections)
	setDuration(get("READ_TIMEOUT"), &c.Server.ReadTimeout)
	setDuration(get("WRITE_TIMEOUT"), &c.Server.WriteTimeout)

	if v := get("NATS_URL"); v != "" {
		c.NATSURL = v
	}
	if v := get("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := get("SERVER_NAME"); v != "" {
		c.ServerName = v
	}

	if v := get("STORE_BACKEND"); v != "" {
		c.StoreBackend = strings.ToLower(v)
	}
	c.DatabaseURL = get("DATABASE_URL")

	c.JWTSecret = get("JWT_SECRET")
	c.JWTIssuer = get("JWT_ISSUER")

	if v := get("PUSH_ENDPOINT"); v != "" {
		c.Push.Endpoint = v
	}
	if v := get("NOTIFY_MODE"); v != "" {
		c.NotifyMode = strings.ToLower(v)
	}

	setInt(get("TRIAL_WARNING_SECONDS"), &c.Trial.WarningThreshold)
	setInt(get("TRIAL_LOCK_SECONDS"), &c.Trial.LockThreshold)
	if v := get("REQUIRE_FRIENDS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.RequireFriends = b
		}
	}
	c.CORSOrigin = get("CORS_ORIGIN")
	setInt(get("NOTIFIER_CONCURRENCY"), &c.NotifierConcurrency)
	if v := get("NOTIFIER_METRICS_ADDR"); v != "" {
		c.NotifierMetricsAddr = v
	}

	return c, c.Validate()
}

// Validate checks settings that have no safe fallback.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: STORE_BACKEND=postgres requires DATABASE_URL", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown STORE_BACKEND %q", ErrInvalid, c.StoreBackend)
	}
	switch c.NotifyMode {
	case NotifyQueue, NotifyDirect, NotifyOff:
	default:
		return fmt.Errorf("%w: unknown NOTIFY_MODE %q", ErrInvalid, c.NotifyMode)
	}
	if c.Trial.WarningThreshold >= c.Trial.LockThreshold {
		return fmt.Errorf("%w: trial warning (%ds) must come before lock (%ds)",
			ErrInvalid, c.Trial.WarningThreshold, c.Trial.LockThreshold)
	}
	return nil
}

func setInt(v string, dst *int) {
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = n
	}
}

func setDuration(v string, dst *time.Duration) {
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}
