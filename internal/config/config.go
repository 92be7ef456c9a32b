package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the genqueue coordinator server.
type Config struct {
	LogLevel  string
	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Dispatch  DispatchConfig
	Gateway   GatewayConfig
	Artifacts ArtifactConfig
	// Sweeps drives the collector the server runs in-process when
	// STORE_BACKEND is memory, since no other process can see that store.
	Sweeps SweepConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type StoreConfig struct {
	Backend       string
	MigrationsDir string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// DispatchConfig controls the worker-facing claim/report endpoints.
// Exactly one of Token or TokenHash is needed; a plain token is hashed at startup.
type DispatchConfig struct {
	Token           string
	TokenHash       string
	ClaimLimit      int
	ClaimRetryAfter time.Duration
	MaxReportBytes  int64
}

type GatewayConfig struct {
	MaxTextLength   int
	StatusCacheTTL  time.Duration
	SubmitRateLimit int
}

// SweepConfig holds the garbage collector timings.
type SweepConfig struct {
	Interval     time.Duration
	StaleTimeout time.Duration
	OrphanGrace  time.Duration
}

type ArtifactConfig struct {
	Root  string
	Image ImageConfig
}

// ImageConfig is the fixed output shape every job produces.
type ImageConfig struct {
	Count  int
	Width  int
	Height int
}

// Bytes is the length of one flattened RGB image.
func (c ImageConfig) Bytes() int {
	return c.Width * c.Height * 3
}

// RetryConfig describes a fixed-delay retry policy. Attempts of zero means unbounded.
type RetryConfig struct {
	Attempts int
	Delay    time.Duration
}

// WorkerConfig holds configuration for a pull worker process.
type WorkerConfig struct {
	LogLevel       string
	MetricsPort    int
	Dispatch       DispatchClientConfig
	Claim          RetryConfig
	ClaimIdleDelay time.Duration
	Report         RetryConfig
	Inference      InferenceConfig
	Image          ImageConfig
}

type DispatchClientConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

type InferenceConfig struct {
	Provider string
	BaseURL  string
	Model    string
	Timeout  time.Duration
	Retry    RetryConfig
}

// CollectorConfig holds configuration for the garbage collector process.
type CollectorConfig struct {
	LogLevel     string
	MetricsPort  int
	Store        StoreConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	ArtifactRoot string
	Interval     time.Duration
	StaleTimeout time.Duration
	OrphanGrace  time.Duration
}

var validBackends = map[string]bool{
	"postgres": true,
	"memory":   true,
}

var validProviders = map[string]bool{
	"kfserving": true,
	"synthetic": true,
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Load reads server configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	if err := LoadDotEnv(dotEnvFiles...); err != nil {
		return nil, err
	}
	cfg := &Config{
		LogLevel: envString("LOG_LEVEL", "info"),
		Server: ServerConfig{
			Port: envInt("GENQUEUE_PORT", 8080),
			Env:  envString("GENQUEUE_ENV", "development"),
		},
		Store:    loadStore(),
		Database: loadDatabase(),
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Dispatch: DispatchConfig{
			Token:           os.Getenv("DISPATCH_TOKEN"),
			TokenHash:       os.Getenv("DISPATCH_TOKEN_HASH"),
			ClaimLimit:      envInt("CLAIM_LIMIT", 3),
			ClaimRetryAfter: envDuration("CLAIM_RETRY_AFTER", 5*time.Second),
			MaxReportBytes:  envInt64("MAX_REPORT_BYTES", 64<<20),
		},
		Gateway: GatewayConfig{
			MaxTextLength:   envInt("MAX_TEXT_LENGTH", 100),
			StatusCacheTTL:  envDuration("STATUS_CACHE_TTL", 5*time.Second),
			SubmitRateLimit: envInt("SUBMIT_RATE_LIMIT", 30),
		},
		Artifacts: ArtifactConfig{
			Root:  envString("ARTIFACT_ROOT", "user_data"),
			Image: loadImage(),
		},
		Sweeps: loadSweeps(),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if err := validateLogLevel(c.LogLevel); err != nil {
		return err
	}
	if err := validateStore(c.Store, c.Database); err != nil {
		return err
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Dispatch.Token == "" && c.Dispatch.TokenHash == "" {
		return fmt.Errorf("DISPATCH_TOKEN or DISPATCH_TOKEN_HASH is required")
	}
	if c.Dispatch.ClaimLimit <= 0 {
		return fmt.Errorf("CLAIM_LIMIT must be positive, got %d", c.Dispatch.ClaimLimit)
	}
	if c.Dispatch.MaxReportBytes <= 0 {
		return fmt.Errorf("MAX_REPORT_BYTES must be positive, got %d", c.Dispatch.MaxReportBytes)
	}

	if c.Gateway.MaxTextLength <= 0 {
		return fmt.Errorf("MAX_TEXT_LENGTH must be positive, got %d", c.Gateway.MaxTextLength)
	}
	if c.Gateway.SubmitRateLimit < 0 {
		return fmt.Errorf("SUBMIT_RATE_LIMIT must not be negative, got %d", c.Gateway.SubmitRateLimit)
	}

	if c.Artifacts.Root == "" {
		return fmt.Errorf("ARTIFACT_ROOT is required")
	}
	if c.Store.Backend == "memory" {
		if err := validateSweeps(c.Sweeps); err != nil {
			return err
		}
	}
	return validateImage(c.Artifacts.Image)
}

// LoadWorker reads worker configuration from environment variables.
func LoadWorker() (*WorkerConfig, error) {
	if err := LoadDotEnv(dotEnvFiles...); err != nil {
		return nil, err
	}
	cfg := &WorkerConfig{
		LogLevel:    envString("LOG_LEVEL", "info"),
		MetricsPort: envInt("METRICS_PORT", 0),
		Dispatch: DispatchClientConfig{
			URL:     os.Getenv("DISPATCH_URL"),
			Token:   os.Getenv("DISPATCH_TOKEN"),
			Timeout: envDuration("DISPATCH_TIMEOUT", 30*time.Second),
		},
		Claim: RetryConfig{
			Attempts: 0,
			Delay:    envDuration("CLAIM_RETRY_DELAY", 5*time.Second),
		},
		ClaimIdleDelay: envDuration("CLAIM_IDLE_DELAY", 5*time.Second),
		Report: RetryConfig{
			Attempts: envInt("REPORT_RETRIES", 3),
			Delay:    envDuration("REPORT_RETRY_DELAY", 2*time.Second),
		},
		Inference: InferenceConfig{
			Provider: envString("INFERENCE_PROVIDER", "kfserving"),
			BaseURL:  envString("INFERENCE_BASE_URL", "http://localhost:8080"),
			Model:    envString("INFERENCE_MODEL", "stable-diffusion"),
			Timeout:  envDuration("INFERENCE_TIMEOUT", 300*time.Second),
			Retry: RetryConfig{
				Attempts: envInt("INFERENCE_RETRIES", 3),
				Delay:    envDuration("INFERENCE_RETRY_DELAY", 10*time.Second),
			},
		},
		Image: loadImage(),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *WorkerConfig) validate() error {
	if err := validateLogLevel(c.LogLevel); err != nil {
		return err
	}

	if c.Dispatch.URL == "" {
		return fmt.Errorf("DISPATCH_URL is required")
	}
	if !isHTTPURL(c.Dispatch.URL) {
		return fmt.Errorf("DISPATCH_URL must start with http:// or https://, got %q", c.Dispatch.URL)
	}
	if c.Dispatch.Token == "" {
		return fmt.Errorf("DISPATCH_TOKEN is required")
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("DISPATCH_TIMEOUT must be positive")
	}

	if c.Report.Attempts <= 0 {
		return fmt.Errorf("REPORT_RETRIES must be positive, got %d", c.Report.Attempts)
	}
	if c.Inference.Retry.Attempts <= 0 {
		return fmt.Errorf("INFERENCE_RETRIES must be positive, got %d", c.Inference.Retry.Attempts)
	}

	if !validProviders[c.Inference.Provider] {
		return fmt.Errorf("INFERENCE_PROVIDER must be one of kfserving, synthetic; got %q", c.Inference.Provider)
	}
	if c.Inference.Provider == "kfserving" && !isHTTPURL(c.Inference.BaseURL) {
		return fmt.Errorf("INFERENCE_BASE_URL must start with http:// or https://, got %q", c.Inference.BaseURL)
	}
	if c.Inference.Model == "" {
		return fmt.Errorf("INFERENCE_MODEL is required")
	}

	return validateImage(c.Image)
}

// LoadCollector reads garbage collector configuration from environment variables.
func LoadCollector() (*CollectorConfig, error) {
	if err := LoadDotEnv(dotEnvFiles...); err != nil {
		return nil, err
	}
	cfg := &CollectorConfig{
		LogLevel:    envString("LOG_LEVEL", "info"),
		MetricsPort: envInt("METRICS_PORT", 0),
		Store:       loadStore(),
		Database:    loadDatabase(),
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		ArtifactRoot: envString("ARTIFACT_ROOT", "user_data"),
	}
	sweeps := loadSweeps()
	cfg.Interval = sweeps.Interval
	cfg.StaleTimeout = sweeps.StaleTimeout
	cfg.OrphanGrace = sweeps.OrphanGrace

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *CollectorConfig) validate() error {
	if err := validateLogLevel(c.LogLevel); err != nil {
		return err
	}
	if err := validateStore(c.Store, c.Database); err != nil {
		return err
	}
	if c.Store.Backend == "memory" {
		return fmt.Errorf("STORE_BACKEND=memory cannot be swept from a separate process; the server sweeps its own memory store")
	}
	if c.ArtifactRoot == "" {
		return fmt.Errorf("ARTIFACT_ROOT is required")
	}
	return validateSweeps(SweepConfig{Interval: c.Interval, StaleTimeout: c.StaleTimeout, OrphanGrace: c.OrphanGrace})
}

// InProcessCollector returns the collector settings for a server that
// sweeps its own store.
func (c *Config) InProcessCollector() CollectorConfig {
	return CollectorConfig{
		LogLevel:     c.LogLevel,
		Store:        c.Store,
		ArtifactRoot: c.Artifacts.Root,
		Interval:     c.Sweeps.Interval,
		StaleTimeout: c.Sweeps.StaleTimeout,
		OrphanGrace:  c.Sweeps.OrphanGrace,
	}
}

func loadSweeps() SweepConfig {
	return SweepConfig{
		Interval:     envDuration("GC_INTERVAL", 30*time.Minute),
		StaleTimeout: envDuration("GC_STALE_TIMEOUT", 30*time.Minute),
		OrphanGrace:  envDuration("GC_ORPHAN_GRACE", time.Minute),
	}
}

func validateSweeps(c SweepConfig) error {
	if c.Interval <= 0 {
		return fmt.Errorf("GC_INTERVAL must be positive")
	}
	if c.StaleTimeout <= 0 {
		return fmt.Errorf("GC_STALE_TIMEOUT must be positive")
	}
	if c.OrphanGrace < 0 {
		return fmt.Errorf("GC_ORPHAN_GRACE must not be negative")
	}
	return nil
}

// dotEnvFiles are read in order; the first file to set a key wins.
var dotEnvFiles = []string{".env.local", ".env"}

// LoadDotEnv copies variables from the given files into the process
// environment. Missing files are skipped and variables that are already set
// are never overridden.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		err := godotenv.Load(p)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return fmt.Errorf("load %s: %w", p, err)
	}
	return nil
}

// ParseLogLevel maps a LOG_LEVEL value onto a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	if lvl, ok := logLevels[strings.ToLower(s)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

func loadStore() StoreConfig {
	return StoreConfig{
		Backend:       envString("STORE_BACKEND", "postgres"),
		MigrationsDir: envString("MIGRATIONS_DIR", "migrations"),
	}
}

func loadDatabase() DatabaseConfig {
	return DatabaseConfig{
		URL:             os.Getenv("DATABASE_URL"),
		MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

func loadImage() ImageConfig {
	return ImageConfig{
		Count:  envInt("IMAGE_COUNT", 3),
		Width:  envInt("IMAGE_WIDTH", 512),
		Height: envInt("IMAGE_HEIGHT", 512),
	}
}

func validateLogLevel(level string) error {
	if _, ok := logLevels[strings.ToLower(level)]; !ok {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", level)
	}
	return nil
}

func validateStore(s StoreConfig, db DatabaseConfig) error {
	if !validBackends[s.Backend] {
		return fmt.Errorf("STORE_BACKEND must be one of postgres, memory; got %q", s.Backend)
	}
	if s.Backend == "postgres" && db.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is postgres")
	}
	return nil
}

func validateImage(img ImageConfig) error {
	if img.Count <= 0 {
		return fmt.Errorf("IMAGE_COUNT must be positive, got %d", img.Count)
	}
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("IMAGE_WIDTH and IMAGE_HEIGHT must be positive, got %dx%d", img.Width, img.Height)
	}
	return nil
}

func isHTTPURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
