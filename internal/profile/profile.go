package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultStreamIdleTimeout bounds the silence between two stream records.
	DefaultStreamIdleTimeout = 60 * time.Second
	// DefaultStreamKeepAlive is how often the server writes a keep-alive while the model is silent.
	DefaultStreamKeepAlive = 15 * time.Second
	// DefaultMaxConcurrentStreams caps concurrent generations per server instance.
	DefaultMaxConcurrentStreams = 32
)

// Profile is the configuration to start main server.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo"
	Mode string
	// Addr is the binding address for server
	Addr string
	// Port is the binding port for server
	Port int
	// Data is the data directory
	Data string
	// DSN points to where casechat stores its own data
	DSN string
	// Driver is the database driver (sqlite or postgres)
	Driver string
	// Version is the current version of server
	Version string
	// Secret signs and verifies access tokens.
	Secret string

	// LLM configuration
	LLMProvider    string  // CASECHAT_LLM_PROVIDER (default: deepseek)
	LLMModel       string  // CASECHAT_LLM_MODEL (default: deepseek-chat)
	LLMAPIKey      string  // CASECHAT_LLM_API_KEY
	LLMBaseURL     string  // CASECHAT_LLM_BASE_URL (default depends on provider)
	LLMMaxTokens   int     // CASECHAT_LLM_MAX_TOKENS (default: 2048)
	LLMTemperature float32 // CASECHAT_LLM_TEMPERATURE (default: 0.7)

	// Streaming configuration
	StreamIdleTimeout    time.Duration // CASECHAT_STREAM_IDLE_TIMEOUT (default: 60s)
	StreamKeepAlive      time.Duration // CASECHAT_STREAM_KEEPALIVE (default: 15s)
	MaxConcurrentStreams int           // CASECHAT_MAX_CONCURRENT_STREAMS (default: 32)

	// Optional infrastructure
	RedisAddr     string // CASECHAT_REDIS_ADDR, enables the distributed turn lock
	RedisPassword string // CASECHAT_REDIS_PASSWORD
	NATSURL       string // CASECHAT_NATS_URL, enables invalidation notices
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLLMConfigured returns true if the selected provider has what it needs to be called.
func (p *Profile) IsLLMConfigured() bool {
	if p.LLMProvider == "ollama" {
		return p.LLMBaseURL != ""
	}
	return p.LLMAPIKey != ""
}

// getEnvOrDefault returns the environment variable value or the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "deepseek":
		return "https://api.deepseek.com"
	case "openai":
		return "https://api.openai.com/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}

// FromEnv loads configuration from CASECHAT_* environment variables.
// Values already set on the profile are only replaced when the variable is present.
func (p *Profile) FromEnv() {
	getDuration := func(key string, defaultValue time.Duration) time.Duration {
		raw := os.Getenv(key)
		if raw == "" {
			return defaultValue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			slog.Warn("invalid duration in environment, using default", slog.String("key", key), slog.String("value", raw))
			return defaultValue
		}
		return d
	}
	getInt := func(key string, defaultValue int) int {
		raw := os.Getenv(key)
		if raw == "" {
			return defaultValue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			slog.Warn("invalid integer in environment, using default", slog.String("key", key), slog.String("value", raw))
			return defaultValue
		}
		return n
	}

	if driver := os.Getenv("CASECHAT_DRIVER"); driver != "" {
		p.Driver = driver
	}
	if dsn := os.Getenv("CASECHAT_DSN"); dsn != "" {
		p.DSN = dsn
	}
	if secret := os.Getenv("CASECHAT_SECRET"); secret != "" {
		p.Secret = secret
	}

	p.LLMProvider = getEnvOrDefault("CASECHAT_LLM_PROVIDER", "deepseek")
	p.LLMModel = getEnvOrDefault("CASECHAT_LLM_MODEL", "deepseek-chat")
	p.LLMAPIKey = os.Getenv("CASECHAT_LLM_API_KEY")
	p.LLMBaseURL = getEnvOrDefault("CASECHAT_LLM_BASE_URL", defaultBaseURL(p.LLMProvider))
	p.LLMMaxTokens = getInt("CASECHAT_LLM_MAX_TOKENS", 2048)
	p.LLMTemperature = 0.7
	if raw := os.Getenv("CASECHAT_LLM_TEMPERATURE"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 32); err == nil {
			p.LLMTemperature = float32(f)
		}
	}

	p.StreamIdleTimeout = getDuration("CASECHAT_STREAM_IDLE_TIMEOUT", DefaultStreamIdleTimeout)
	p.StreamKeepAlive = getDuration("CASECHAT_STREAM_KEEPALIVE", DefaultStreamKeepAlive)
	p.MaxConcurrentStreams = getInt("CASECHAT_MAX_CONCURRENT_STREAMS", DefaultMaxConcurrentStreams)

	p.RedisAddr = os.Getenv("CASECHAT_REDIS_ADDR")
	p.RedisPassword = os.Getenv("CASECHAT_REDIS_PASSWORD")
	p.NATSURL = os.Getenv("CASECHAT_NATS_URL")
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}
	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported driver %q: only 'sqlite' and 'postgres' are supported", p.Driver)
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "casechat")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/casechat"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check dsn", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}

	p.Data = dataDir
	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("casechat_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("dsn is required for the postgres driver")
	}

	if p.Secret == "" {
		if p.Mode == "prod" {
			return errors.New("secret is required in prod mode")
		}
		p.Secret = "casechat-" + p.Mode
	}
	if p.StreamIdleTimeout <= 0 {
		p.StreamIdleTimeout = DefaultStreamIdleTimeout
	}
	if p.StreamKeepAlive <= 0 {
		p.StreamKeepAlive = DefaultStreamKeepAlive
	}
	if p.MaxConcurrentStreams <= 0 {
		p.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}

	return nil
}
