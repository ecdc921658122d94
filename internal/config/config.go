package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/eldtechnologies/ridewire/internal/crypto"
)

// Fan-out backends.
const (
	FanoutMemory = "memory"
	FanoutRedis  = "redis"
	FanoutNATS   = "nats"
)

// Config holds all configuration for the application.
type Config struct {
	Port       string
	Env        string
	LogLevel   string
	InstanceID string

	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	NATSURL     string

	FanoutBackend string

	// Credentials
	TokenPublicKey ed25519.PublicKey
	AdminKeyHash   string

	// Dispatch
	DispatchTimeout   time.Duration
	NarrowToAvailable bool

	// Per-connection event limiter
	EventRateLimit  int
	EventRateWindow time.Duration

	// Offline queues
	QueueMaxMessages int
	QueueRetention   time.Duration
	QueueSealKey     []byte // optional; seals Redis queue entries at rest

	// Sessions
	SessionStaleAfter    time.Duration
	SessionSweepInterval time.Duration
	TypingTimeout        time.Duration

	// Frozen positions are evicted after this long offline
	PositionRetention time.Duration

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
func Load() (*Config, error) {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		Env:          getEnv("ENV", "development"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		InstanceID:   os.Getenv("INSTANCE_ID"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		SQLitePath:   getEnv("SQLITE_PATH", "./data/ridewire.db"),
		RedisURL:     os.Getenv("REDIS_URL"),
		NATSURL:      os.Getenv("NATS_URL"),
		AdminKeyHash: os.Getenv("ADMIN_KEY_HASH"),
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = crypto.NewUUIDv7().String()
	}

	p := parser{}
	cfg.DispatchTimeout = p.duration("DISPATCH_TIMEOUT", 30*time.Second)
	cfg.NarrowToAvailable = p.boolean("NARROW_TO_AVAILABLE", true)
	cfg.EventRateLimit = p.integer("EVENT_RATE_LIMIT", 20)
	cfg.EventRateWindow = p.duration("EVENT_RATE_WINDOW", time.Second)
	cfg.QueueMaxMessages = p.integer("QUEUE_MAX_MESSAGES", 100)
	cfg.QueueRetention = p.duration("QUEUE_RETENTION", 24*time.Hour)
	cfg.SessionStaleAfter = p.duration("SESSION_STALE_AFTER", 90*time.Second)
	cfg.SessionSweepInterval = p.duration("SESSION_SWEEP_INTERVAL", 30*time.Second)
	cfg.TypingTimeout = p.duration("TYPING_TIMEOUT", 5*time.Second)
	cfg.PositionRetention = p.duration("POSITION_RETENTION", 24*time.Hour)
	cfg.AutoBlockEnabled = p.boolean("AUTO_BLOCK_ENABLED", false)
	if p.err != nil {
		return nil, p.err
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := os.Getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	cfg.FanoutBackend = os.Getenv("FANOUT_BACKEND")
	if cfg.FanoutBackend == "" {
		cfg.FanoutBackend = FanoutMemory
		if cfg.RedisURL != "" {
			cfg.FanoutBackend = FanoutRedis
		}
	}
	switch cfg.FanoutBackend {
	case FanoutMemory:
	case FanoutRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("FANOUT_BACKEND=redis requires REDIS_URL")
		}
	case FanoutNATS:
		if cfg.NATSURL == "" {
			return nil, fmt.Errorf("FANOUT_BACKEND=nats requires NATS_URL")
		}
	default:
		return nil, fmt.Errorf("FANOUT_BACKEND: unknown backend %q", cfg.FanoutBackend)
	}

	key := os.Getenv("TOKEN_PUBLIC_KEY")
	if key == "" {
		return nil, fmt.Errorf("TOKEN_PUBLIC_KEY is required")
	}
	pub, err := crypto.ValidatePublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("TOKEN_PUBLIC_KEY: %w", err)
	}
	cfg.TokenPublicKey = pub

	if v := os.Getenv("QUEUE_SEAL_KEY"); v != "" {
		seal, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("QUEUE_SEAL_KEY: %w", err)
		}
		if len(seal) < crypto.MinSealSecret {
			return nil, fmt.Errorf("QUEUE_SEAL_KEY: %w", crypto.ErrSealSecretTooShort)
		}
		cfg.QueueSealKey = seal
	}

	// In production, require database and redis URLs
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required in production")
		}
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser reads typed variables and keeps the first failure.
type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	if d <= 0 {
		p.fail(key, fmt.Errorf("must be positive, got %s", v))
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	if n <= 0 {
		p.fail(key, fmt.Errorf("must be positive, got %d", n))
		return def
	}
	return n
}

func (p *parser) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return b
}
