package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chatassist/pkg/ai"
)

// ConfigPath is read when Load is given no path.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	StoreBackend string `yaml:"storeBackend"`
	DatabaseURL  string `yaml:"databaseURL"`
	SQLitePath   string `yaml:"sqlitePath"`

	GenerationProvider string     `yaml:"generationProvider"`
	GenerationBaseURL  string     `yaml:"generationBaseURL"`
	GenerationAPIKey   string     `yaml:"generationAPIKey"`
	GenerationModel    string     `yaml:"generationModel"`
	GenerationTimeout  string     `yaml:"generationTimeout"`
	StreamingMode      string     `yaml:"streamingMode"`
	ChunkDelay         string     `yaml:"chunkDelay"`
	SystemPrompt       string     `yaml:"systemPrompt"`
	Temperature        *float64   `yaml:"temperature"`
	MaxTokens          int        `yaml:"maxTokens"`
	Models             []ai.Model `yaml:"models"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	IdentityChannel        string `yaml:"identityChannel"`
	SendRateLimitPerMinute int    `yaml:"sendRateLimitPerMinute"`

	ObjectStore     ObjectStoreConfig `yaml:"objectStore"`
	ExportURLExpiry string            `yaml:"exportURLExpiry"`

	// Idle sessions are closed after sessionIdleTimeout; a user holds at
	// most maxSessionsPerUser at once. Zero picks the app defaults.
	MaxSessionsPerUser int    `yaml:"maxSessionsPerUser"`
	SessionIdleTimeout string `yaml:"sessionIdleTimeout"`
}

type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// Enabled is false when no endpoint is configured.
func (c ObjectStoreConfig) Enabled() bool { return strings.TrimSpace(c.Endpoint) != "" }

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Override with environment variables
func applyEnv(cfg *FileConfig) {
	strs := map[string]*string{
		"CHAT_PORT":                 &cfg.Port,
		"CHAT_LOG_LEVEL":            &cfg.LogLevel,
		"CHAT_STORE_BACKEND":        &cfg.StoreBackend,
		"DATABASE_URL":              &cfg.DatabaseURL,
		"CHAT_SQLITE_PATH":          &cfg.SQLitePath,
		"GENERATION_PROVIDER":       &cfg.GenerationProvider,
		"GENERATION_BASE_URL":       &cfg.GenerationBaseURL,
		"GENERATION_API_KEY":        &cfg.GenerationAPIKey,
		"GENERATION_MODEL":          &cfg.GenerationModel,
		"CHAT_STREAMING_MODE":       &cfg.StreamingMode,
		"AUTH_JWKS_URL":             &cfg.AuthJWKSURL,
		"JWT_ISSUER":                &cfg.JWTIssuer,
		"JWT_AUDIENCE":              &cfg.JWTAudience,
		"JWT_LEEWAY":                &cfg.JWTLeeway,
		"REDIS_ADDR":                &cfg.RedisAddr,
		"REDIS_PASSWORD":            &cfg.RedisPassword,
		"MINIO_ENDPOINT":            &cfg.ObjectStore.Endpoint,
		"MINIO_ACCESS_KEY":          &cfg.ObjectStore.AccessKey,
		"MINIO_SECRET_KEY":          &cfg.ObjectStore.SecretKey,
		"MINIO_BUCKET":              &cfg.ObjectStore.Bucket,
		"CHAT_EXPORT_URL_EXPIRY":    &cfg.ExportURLExpiry,
		"CHAT_IDENTITY_CHANNEL":     &cfg.IdentityChannel,
		"GENERATION_CHUNK_DELAY":    &cfg.ChunkDelay,
		"GENERATION_TIMEOUT":        &cfg.GenerationTimeout,
		"GENERATION_SYSTEM_PROMPT":  &cfg.SystemPrompt,
		"CHAT_SESSION_IDLE_TIMEOUT": &cfg.SessionIdleTimeout,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("GROQ_API_KEY"); v != "" && cfg.GenerationAPIKey == "" {
		cfg.GenerationAPIKey = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.ObjectStore.UseSSL = true
	}
	if v := os.Getenv("CHAT_SEND_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SendRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CHAT_MAX_SESSIONS_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessionsPerUser = n
		}
	}
	if v := os.Getenv("GENERATION_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTokens = n
		}
	}
	if v := os.Getenv("GENERATION_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Temperature = &f
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.StoreBackend == "" {
		if cfg.DatabaseURL != "" {
			cfg.StoreBackend = "postgres"
		} else {
			cfg.StoreBackend = "memory"
		}
	}
	if cfg.GenerationModel == "" {
		cfg.GenerationModel = ai.DefaultModel
	}
	if cfg.Temperature == nil {
		t := ai.DefaultTemperature
		cfg.Temperature = &t
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = ai.DefaultMaxTokens
	}
	if len(cfg.Models) == 0 {
		cfg.Models = ai.DefaultCatalog
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.StoreBackend {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres store (set in config.yaml or DATABASE_URL)")
		}
	case "sqlite":
		if cfg.SQLitePath == "" {
			return errors.New("config: sqlitePath is required for the sqlite store")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storeBackend %q (postgres, sqlite or memory)", cfg.StoreBackend)
	}
	if cfg.GenerationBaseURL == "" {
		return errors.New("config: generationBaseURL is required (set in config.yaml or GENERATION_BASE_URL)")
	}
	if strings.ToLower(cfg.GenerationProvider) != "ollama" && cfg.GenerationAPIKey == "" {
		return errors.New("config: generationAPIKey is required (set in config.yaml or GENERATION_API_KEY)")
	}
	if cfg.AuthJWKSURL == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or AUTH_JWKS_URL)")
	}
	if t := *cfg.Temperature; math.IsNaN(t) || t < 0 || t > 2 {
		return errors.New("config: temperature must be between 0 and 2")
	}
	if cfg.MaxTokens < 1 || cfg.MaxTokens > 32768 {
		return errors.New("config: maxTokens must be between 1 and 32768")
	}
	if !ai.NewCatalog(cfg.Models).Contains(cfg.GenerationModel) {
		return fmt.Errorf("config: generationModel %q is not listed in models", cfg.GenerationModel)
	}
	if cfg.SendRateLimitPerMinute < 0 {
		return errors.New("config: sendRateLimitPerMinute must be >= 0")
	}
	if cfg.MaxSessionsPerUser < 0 {
		return errors.New("config: maxSessionsPerUser must be >= 0")
	}
	if cfg.ObjectStore.Enabled() && cfg.ObjectStore.Bucket == "" {
		return errors.New("config: objectStore.bucket is required when objectStore.endpoint is set")
	}
	for name, raw := range map[string]string{
		"chunkDelay":         cfg.ChunkDelay,
		"generationTimeout":  cfg.GenerationTimeout,
		"jwtLeeway":          cfg.JWTLeeway,
		"exportURLExpiry":    cfg.ExportURLExpiry,
		"sessionIdleTimeout": cfg.SessionIdleTimeout,
	} {
		if _, err := ParseDuration(name, raw); err != nil {
			return err
		}
	}
	return nil
}

// ParseDuration parses an optional duration option; empty means zero.
func ParseDuration(name, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", name)
	}
	return dur, nil
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	return ParseDuration("jwtLeeway", leewayStr)
}

// ChunkDelayOrDefault is the pacing of chunked streaming.
func (c FileConfig) ChunkDelayOrDefault() time.Duration {
	if c.ChunkDelay == "" {
		return ai.DefaultChunkDelay
	}
	d, _ := ParseDuration("chunkDelay", c.ChunkDelay)
	return d
}
