package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the read-only settings object injected into every component.
// It is populated once from the environment and never mutated afterwards.
type Config struct {
	AppEnv   string `validate:"required,oneof=development test staging production"`
	LogLevel string `validate:"omitempty,oneof=trace debug info warn error"`
	Port     string `validate:"required,numeric"`

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	DatabaseURL string
	GeoIPDBPath string

	FastBackendURL      string `validate:"required,url"`
	QualityBackendURL   string `validate:"required,url"`
	QualityBackendToken string

	EnhanceProvider  string        `validate:"oneof=none openai anthropic"`
	OpenAIAPIKey     string        `validate:"required_if=EnhanceProvider openai"`
	OpenAIModel      string        `validate:"required_if=EnhanceProvider openai"`
	OpenAIBaseURL    string        `validate:"omitempty,url"`
	OpenAIOrg        string
	AnthropicAPIKey  string        `validate:"required_if=EnhanceProvider anthropic"`
	AnthropicModel   string        `validate:"required_if=EnhanceProvider anthropic"`
	AnthropicBaseURL string        `validate:"omitempty,url"`
	EnhanceTimeout   time.Duration `validate:"gt=0"`
	EnhanceMaxTokens int           `validate:"gt=0"`
	MaxPromptLength  int           `validate:"gt=0"`

	GenerationConnectTimeout time.Duration `validate:"gt=0"`
	GenerationReadTimeout    time.Duration `validate:"gt=0"`
	GenerationMaxRetries     int           `validate:"gte=0,lte=10"`
	GenerationBackoffInitial time.Duration `validate:"gt=0"`
	GenerationBackoffMax     time.Duration `validate:"gtefield=GenerationBackoffInitial"`

	ArtifactDir      string `validate:"required"`
	ArtifactMaxBytes int64  `validate:"gt=0"`
	ArtifactTTL      time.Duration

	QueuePollInterval time.Duration `validate:"gt=0"`

	RateLimitBackend  string        `validate:"oneof=memory redis"`
	RateLimitRequests int           `validate:"gt=0"`
	RateLimitWindow   time.Duration `validate:"gt=0"`
	RedisAddr         string        `validate:"required_if=RateLimitBackend redis"`
	RedisPassword     string
	RedisDB           int `validate:"gte=0"`

	CaptionLimit       int `validate:"gt=0"`
	CORSAllowedOrigins []string

	TrustedProxies []string `validate:"omitempty,dive,cidr|ip"`
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:   getEnv("APP_ENV", "development"),
		LogLevel: strings.ToLower(os.Getenv("LOG_LEVEL")),
		Port:     getEnv("PORT", "8080"),

		HTTPReadTimeout:  getEnvSeconds("HTTP_READ_TIMEOUT_SECONDS", 15),
		HTTPWriteTimeout: getEnvSeconds("HTTP_WRITE_TIMEOUT_SECONDS", 0),
		HTTPIdleTimeout:  getEnvSeconds("HTTP_IDLE_TIMEOUT_SECONDS", 60),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		GeoIPDBPath: os.Getenv("GEOIP_DB_PATH"),

		FastBackendURL:      getEnv("FAST_BACKEND_URL", "http://localhost:7001/generate"),
		QualityBackendURL:   getEnv("QUALITY_BACKEND_URL", "http://localhost:7002/generate"),
		QualityBackendToken: strings.TrimSpace(os.Getenv("QUALITY_BACKEND_TOKEN")),

		EnhanceProvider:  strings.ToLower(getEnv("ENHANCE_PROVIDER", "none")),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		OpenAIOrg:        os.Getenv("OPENAI_ORG"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:   getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		AnthropicBaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		EnhanceTimeout:   getEnvSeconds("ENHANCE_TIMEOUT_SECONDS", 20),
		EnhanceMaxTokens: getEnvInt("ENHANCE_MAX_TOKENS", 300),
		MaxPromptLength:  getEnvInt("MAX_PROMPT_LENGTH", 1000),

		GenerationConnectTimeout: getEnvSeconds("GENERATION_CONNECT_TIMEOUT_SECONDS", 30),
		GenerationReadTimeout:    getEnvSeconds("GENERATION_READ_TIMEOUT_SECONDS", 300),
		GenerationMaxRetries:     getEnvInt("GENERATION_MAX_RETRIES", 3),
		GenerationBackoffInitial: getEnvMillis("GENERATION_BACKOFF_INITIAL_MS", 1000),
		GenerationBackoffMax:     getEnvMillis("GENERATION_BACKOFF_MAX_MS", 10000),

		ArtifactDir:      getEnv("ARTIFACT_DIR", filepath.Join(os.TempDir(), "imagegen")),
		ArtifactMaxBytes: int64(getEnvInt("ARTIFACT_MAX_BYTES", 20<<20)),
		ArtifactTTL:      time.Minute * time.Duration(getEnvInt("ARTIFACT_TTL_MINUTES", 60)),

		QueuePollInterval: getEnvMillis("QUEUE_POLL_INTERVAL_MS", 2000),

		RateLimitBackend:  strings.ToLower(getEnv("RATE_LIMIT_BACKEND", "memory")),
		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 5),
		RateLimitWindow:   getEnvSeconds("RATE_LIMIT_WINDOW_SECONDS", 60),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getEnvInt("REDIS_DB", 0),

		CaptionLimit:       getEnvInt("CAPTION_LIMIT", 1024),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),

		TrustedProxies: getEnvList("TRUSTED_PROXIES"),
	}

	if err := configValidator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// EnhancementEnabled reports whether a language-model provider is configured.
func (c *Config) EnhancementEnabled() bool {
	return c.EnhanceProvider != "" && c.EnhanceProvider != "none"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Second * time.Duration(getEnvInt(key, fallback))
}

func getEnvMillis(key string, fallback int) time.Duration {
	return time.Millisecond * time.Duration(getEnvInt(key, fallback))
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
