// Package config loads process settings from the environment. All variables
// carry the AGENT_ prefix. Settings are frozen after Load: nothing mutates
// them once construction succeeds.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "AGENT_"

// DatabaseConfig selects the SQL backend. Supported types mirror the store
// dialects: postgres, mysql, sqlite.
type DatabaseConfig struct {
	Type     string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SetDefaults fills zero values with development defaults.
func (c *DatabaseConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "sqlite"
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		switch c.Type {
		case "postgres":
			c.Port = 5432
		case "mysql":
			c.Port = 3306
		}
	}
	if c.Name == "" {
		c.Name = "mantle"
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
}

// Validate checks the database type is supported.
func (c *DatabaseConfig) Validate() error {
	switch c.Type {
	case "postgres", "mysql", "sqlite":
		return nil
	default:
		return fmt.Errorf("unsupported database type: %s (supported: postgres, mysql, sqlite)", c.Type)
	}
}

// DSN builds the driver connection string.
func (c *DatabaseConfig) DSN() string {
	switch c.Type {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
			c.Host, c.Port, c.Name, c.User, c.Password, c.SSLMode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", c.User, c.Password, c.Host, c.Port, c.Name)
	default:
		if c.Name == ":memory:" {
			return "file::memory:?cache=shared"
		}
		return c.Name + ".db"
	}
}

// JWTConfig configures token issuance and verification.
type JWTConfig struct {
	Secret    string
	Algorithm string
	Expiry    time.Duration
}

func (c *JWTConfig) SetDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = "HS256"
	}
	if c.Expiry == 0 {
		c.Expiry = 24 * time.Hour
	}
}

func (c *JWTConfig) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("AGENT_JWT_SECRET is required")
	}
	if c.Algorithm != "HS256" && c.Algorithm != "HS384" && c.Algorithm != "HS512" {
		return fmt.Errorf("unsupported JWT algorithm: %s", c.Algorithm)
	}
	return nil
}

// RateLimitConfig configures the per-user token bucket.
type RateLimitConfig struct {
	BucketSize int
	Window     time.Duration
}

func (c *RateLimitConfig) SetDefaults() {
	if c.BucketSize == 0 {
		c.BucketSize = 60
	}
	if c.Window == 0 {
		c.Window = time.Minute
	}
}

// ProviderKeys holds per-provider API keys.
type ProviderKeys struct {
	Anthropic string
	OpenAI    string
	Groq      string
	Ollama    string // host URL, not a key
}

// Settings is the full process configuration.
type Settings struct {
	Host string
	Port int

	Database DatabaseConfig
	RedisURL string

	Providers       ProviderKeys
	DefaultProvider string
	DefaultModel    string

	MaxConversationCost float64
	MaxTotalCost        float64

	UploadDir string

	JWT       JWTConfig
	RateLimit RateLimitConfig

	StreamLeaseTTL    time.Duration
	MaxActiveStreams  int
	CORSOrigins       []string
	ShutdownTimeout   time.Duration
	LogLevel          string
	LogFormat         string
	WorkerConcurrency int

	// OTLPEndpoint enables trace export when set; empty keeps the noop
	// tracer.
	OTLPEndpoint string
}

// Load reads settings from the environment. A .env file in the working
// directory is honored when present but never required.
func Load() (*Settings, error) {
	_ = godotenv.Load()

	s := &Settings{
		Host: getString("HOST", "0.0.0.0"),
		Port: getInt("PORT", 8080),
		Database: DatabaseConfig{
			Type:     getString("DATABASE_TYPE", ""),
			Host:     getString("DATABASE_HOST", ""),
			Port:     getInt("DATABASE_PORT", 0),
			Name:     getString("DATABASE_NAME", ""),
			User:     getString("DATABASE_USER", ""),
			Password: getString("DATABASE_PASSWORD", ""),
			SSLMode:  getString("DATABASE_SSLMODE", ""),
		},
		RedisURL: getString("REDIS_URL", "redis://localhost:6379/0"),
		Providers: ProviderKeys{
			Anthropic: getString("ANTHROPIC_API_KEY", ""),
			OpenAI:    getString("OPENAI_API_KEY", ""),
			Groq:      getString("GROQ_API_KEY", ""),
			Ollama:    getString("OLLAMA_HOST", "http://localhost:11434"),
		},
		DefaultProvider:     getString("DEFAULT_PROVIDER", "anthropic"),
		DefaultModel:        getString("DEFAULT_MODEL", "claude-sonnet-4"),
		MaxConversationCost: getFloat("MAX_CONVERSATION_COST", 1.0),
		MaxTotalCost:        getFloat("MAX_TOTAL_COST", 100.0),
		UploadDir:           getString("UPLOAD_DIR", "./uploads"),
		JWT: JWTConfig{
			Secret:    getString("JWT_SECRET", ""),
			Algorithm: getString("JWT_ALGORITHM", ""),
			Expiry:    getDuration("JWT_EXPIRY", 0),
		},
		RateLimit: RateLimitConfig{
			BucketSize: getInt("RATE_LIMIT_BUCKET_SIZE", 0),
			Window:     getDuration("RATE_LIMIT_WINDOW", 0),
		},
		StreamLeaseTTL:    getDuration("STREAM_LEASE_TTL", 5*time.Minute),
		MaxActiveStreams:  getInt("MAX_ACTIVE_STREAMS", 100),
		CORSOrigins:       getList("CORS_ORIGINS", "*"),
		ShutdownTimeout:   getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:          getString("LOG_LEVEL", "info"),
		LogFormat:         getString("LOG_FORMAT", "text"),
		WorkerConcurrency: getInt("WORKER_CONCURRENCY", 4),
		OTLPEndpoint:      getString("OTLP_ENDPOINT", ""),
	}

	s.Database.SetDefaults()
	s.JWT.SetDefaults()
	s.RateLimit.SetDefaults()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the settings for startup-fatal misconfiguration.
func (s *Settings) Validate() error {
	if err := s.Database.Validate(); err != nil {
		return err
	}
	if err := s.JWT.Validate(); err != nil {
		return err
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port: %d", s.Port)
	}
	if s.MaxConversationCost < 0 || s.MaxTotalCost < 0 {
		return fmt.Errorf("budget limits must be non-negative")
	}
	return nil
}

func getString(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetBool parses boolean env values; true/1/yes are accepted as true.
func GetBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare integers are seconds.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func getList(key, fallback string) []string {
	raw := getString(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
