package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// devJWTSecret signs tokens when JWT_SECRET is unset outside production.
const devJWTSecret = "roomsync-dev-secret"

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string // Postgres; takes precedence over SQLitePath
	SQLitePath  string
	RedisURL    string // message store and rate limiting when set
	Store       string // "sql" or "memory"

	JWTSecret string

	// Attachments
	UploadDir            string
	PublicURL            string
	MaxUploadBytes       int64
	AttachmentForceHTTPS bool

	FrontendURLs []string // CORS and WebSocket origins

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Env:                  getEnv("ENV", "development"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		SQLitePath:           getEnv("SQLITE_PATH", "./data/roomsync.db"),
		RedisURL:             os.Getenv("REDIS_URL"),
		Store:                getEnv("STORE", "sql"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		UploadDir:            getEnv("UPLOAD_DIR", "./uploads"),
		PublicURL:            os.Getenv("PUBLIC_URL"),
		MaxUploadBytes:       getEnvInt64("MAX_UPLOAD_BYTES", 10<<20),
		AttachmentForceHTTPS: getEnv("ATTACHMENT_FORCE_HTTPS", "true") == "true",
		FrontendURLs:         splitList(getEnv("FRONTEND_URLS", "http://localhost:3000")),
		RateLimitWhitelist:   splitList(os.Getenv("RATE_LIMIT_WHITELIST")),
		AutoBlockEnabled:     getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
	}

	if cfg.Env == "production" {
		if cfg.JWTSecret == "" {
			panic("JWT_SECRET is required in production")
		}
		if cfg.Store == "memory" {
			panic("STORE=memory is not allowed in production")
		}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = devJWTSecret
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// UsesMemoryStore reports whether persistence is disabled.
func (c *Config) UsesMemoryStore() bool {
	return c.Store == "memory"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(value string) []string {
	var out []string
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
