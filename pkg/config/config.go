package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/schoolguard/pkg/audit"
	"github.com/platinummonkey/schoolguard/pkg/database"
	"github.com/platinummonkey/schoolguard/pkg/observability"
)

// envPrefix prefixes every environment variable read here
const envPrefix = "SCHOOLGUARD_"

// minSecretLength is the shortest accepted impersonation signing secret
const minSecretLength = 32

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Auth          AuthConfig          `yaml:"auth"`
	Audit         AuditConfig         `yaml:"audit"`
	Impersonation ImpersonationConfig `yaml:"impersonation"`
	Observability ObservabilityConfig `yaml:"observability"`
	S3            S3Config            `yaml:"s3"`
	RBAC          RBACConfig          `yaml:"rbac"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// DatabaseConfig selects and sizes the SQL database
type DatabaseConfig struct {
	Driver      string        `yaml:"driver"`
	URL         string        `yaml:"url"`
	MaxConns    int           `yaml:"max_conns"`
	MinConns    int           `yaml:"min_conns"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
}

// Options converts to the database package's settings
func (c DatabaseConfig) Options() database.Config {
	return database.Config{
		Driver:      c.Driver,
		URL:         c.URL,
		MaxConns:    c.MaxConns,
		MinConns:    c.MinConns,
		Timeout:     c.Timeout,
		MaxLifetime: c.MaxLifetime,
		MaxIdleTime: c.MaxIdleTime,
	}
}

// RedisConfig configures the shared Redis. An empty URL disables the
// revocation list, the settings L2 cache and the distributed limiter.
type RedisConfig struct {
	URL        string `yaml:"url"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"pool_size"`
	MaxRetries int    `yaml:"max_retries"`
	KeyPrefix  string `yaml:"key_prefix"`
}

// Enabled reports whether Redis is configured
func (c RedisConfig) Enabled() bool { return c.URL != "" }

// AuthConfig covers bearer tokens and the login limiter
type AuthConfig struct {
	TokenTTL      time.Duration `yaml:"token_ttl"`
	TokenCacheTTL time.Duration `yaml:"token_cache_ttl"`
	LoginAttempts int           `yaml:"login_attempts"`
	LoginWindow   time.Duration `yaml:"login_window"`
}

// AuditConfig covers the activity log writer and the retention job
type AuditConfig struct {
	// RetentionDays applies until the audit.retention_days setting exists
	RetentionDays     int           `yaml:"retention_days"`
	RetentionSchedule string        `yaml:"retention_schedule"`
	CleanupBatch      int           `yaml:"cleanup_batch"`
	CleanupMaxRun     time.Duration `yaml:"cleanup_max_run"`
	Mirror            bool          `yaml:"mirror"`
}

// ImpersonationConfig covers the signed impersonation credential
type ImpersonationConfig struct {
	Secret        string        `yaml:"secret"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"` // Use insecure gRPC connection
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Level parses LogLevel; Validate has already rejected unknown names
func (c ObservabilityConfig) Level() observability.LogLevel {
	level, _ := observability.ParseLogLevel(c.LogLevel)
	return level
}

// OTel converts to the observability package's settings
func (c ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.OTelEnabled,
		Endpoint:       c.OTelEndpoint,
		ServiceName:    c.OTelServiceName,
		ServiceVersion: c.OTelServiceVersion,
		Insecure:       c.OTelInsecure,
		SampleRatio:    c.OTelSampleRatio,
	}
}

// S3Config configures the activity log archive. An empty bucket turns
// archiving off.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// Enabled reports whether archiving is configured
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Archive converts to the audit archiver settings
func (c S3Config) Archive() audit.ArchiveConfig {
	return audit.ArchiveConfig{
		Bucket:       c.Bucket,
		Prefix:       c.Prefix,
		Region:       c.Region,
		Endpoint:     c.Endpoint,
		AccessKey:    c.AccessKey,
		SecretKey:    c.SecretKey,
		UsePathStyle: c.UsePathStyle,
	}
}

// RBACConfig points at an optional role seed override
type RBACConfig struct {
	SeedFile string `yaml:"seed_file"`
	// Watch reloads the seed file when it changes
	Watch bool `yaml:"watch"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			HealthPort:      "9090",
		},
		Database: DatabaseConfig{
			Driver:      string(database.Postgres),
			MaxConns:    20,
			MinConns:    5,
			Timeout:     5 * time.Second,
			MaxLifetime: time.Hour,
			MaxIdleTime: 10 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "schoolguard",
		},
		Auth: AuthConfig{
			TokenTTL:      7 * 24 * time.Hour,
			TokenCacheTTL: 30 * time.Second,
			LoginAttempts: 10,
			LoginWindow:   time.Minute,
		},
		Audit: AuditConfig{
			RetentionDays:     audit.DefaultRetentionDays,
			RetentionSchedule: "0 3 * * *",
			CleanupBatch:      1000,
			CleanupMaxRun:     30 * time.Second,
		},
		Impersonation: ImpersonationConfig{
			TokenTTL:      time.Hour,
			SweepSchedule: "*/5 * * * *",
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			LogFormat:          "json",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "schoolguard",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
		S3: S3Config{
			Prefix: "activity-logs",
			Region: "us-east-1",
		},
	}
}

// LoadConfig builds the configuration from defaults, the YAML file named by
// SCHOOLGUARD_CONFIG_FILE if any, then environment variables, and validates
// the result.
func LoadConfig() (*Config, error) {
	cfg := Default()
	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("HOST", s.Host)
	s.Port = getEnv("PORT", s.Port)
	s.ReadTimeout = getEnvDuration("READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MaxBodyBytes = getEnvInt64("MAX_BODY_BYTES", s.MaxBodyBytes)
	s.HealthPort = getEnv("HEALTH_PORT", s.HealthPort)

	d := &c.Database
	d.Driver = getEnv("DB_DRIVER", d.Driver)
	d.URL = getEnv("DB_URL", d.URL)
	d.MaxConns = getEnvInt("DB_MAX_CONNS", d.MaxConns)
	d.MinConns = getEnvInt("DB_MIN_CONNS", d.MinConns)
	d.Timeout = getEnvDuration("DB_TIMEOUT", d.Timeout)
	d.MaxLifetime = getEnvDuration("DB_MAX_LIFETIME", d.MaxLifetime)
	d.MaxIdleTime = getEnvDuration("DB_MAX_IDLE_TIME", d.MaxIdleTime)

	r := &c.Redis
	r.URL = getEnv("REDIS_URL", r.URL)
	r.Password = getEnv("REDIS_PASSWORD", r.Password)
	r.DB = getEnvInt("REDIS_DB", r.DB)
	r.PoolSize = getEnvInt("REDIS_POOL_SIZE", r.PoolSize)
	r.MaxRetries = getEnvInt("REDIS_MAX_RETRIES", r.MaxRetries)
	r.KeyPrefix = getEnv("REDIS_KEY_PREFIX", r.KeyPrefix)

	a := &c.Auth
	a.TokenTTL = getEnvDuration("TOKEN_TTL", a.TokenTTL)
	a.TokenCacheTTL = getEnvDuration("TOKEN_CACHE_TTL", a.TokenCacheTTL)
	a.LoginAttempts = getEnvInt("LOGIN_ATTEMPTS", a.LoginAttempts)
	a.LoginWindow = getEnvDuration("LOGIN_WINDOW", a.LoginWindow)

	au := &c.Audit
	au.RetentionDays = getEnvInt("AUDIT_RETENTION_DAYS", au.RetentionDays)
	au.RetentionSchedule = getEnv("AUDIT_RETENTION_SCHEDULE", au.RetentionSchedule)
	au.CleanupBatch = getEnvInt("AUDIT_CLEANUP_BATCH", au.CleanupBatch)
	au.CleanupMaxRun = getEnvDuration("AUDIT_CLEANUP_MAX_RUN", au.CleanupMaxRun)
	au.Mirror = getEnvBool("AUDIT_MIRROR", au.Mirror)

	i := &c.Impersonation
	i.Secret = getEnv("IMPERSONATION_SECRET", i.Secret)
	i.TokenTTL = getEnvDuration("IMPERSONATION_TTL", i.TokenTTL)
	i.SweepSchedule = getEnv("IMPERSONATION_SWEEP_SCHEDULE", i.SweepSchedule)

	o := &c.Observability
	o.LogLevel = getEnv("LOG_LEVEL", o.LogLevel)
	o.LogFormat = getEnv("LOG_FORMAT", o.LogFormat)
	o.MetricsEnabled = getEnvBool("METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("OTEL_SAMPLE_RATIO", o.OTelSampleRatio)

	s3 := &c.S3
	s3.Bucket = getEnv("S3_BUCKET", s3.Bucket)
	s3.Prefix = getEnv("S3_PREFIX", s3.Prefix)
	s3.Region = getEnv("S3_REGION", s3.Region)
	s3.Endpoint = getEnv("S3_ENDPOINT", s3.Endpoint)
	s3.AccessKey = getEnv("S3_ACCESS_KEY", s3.AccessKey)
	s3.SecretKey = getEnv("S3_SECRET_KEY", s3.SecretKey)
	s3.UsePathStyle = getEnvBool("S3_USE_PATH_STYLE", s3.UsePathStyle)

	c.RBAC.SeedFile = getEnv("RBAC_SEED_FILE", c.RBAC.SeedFile)
	c.RBAC.Watch = getEnvBool("RBAC_WATCH", c.RBAC.Watch)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch database.Dialect(c.Database.Driver) {
	case database.Postgres, database.SQLite:
	default:
		return fmt.Errorf("invalid database driver: %s (must be %s or %s)",
			c.Database.Driver, database.Postgres, database.SQLite)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("token TTL must be positive")
	}
	if c.Auth.LoginAttempts < 1 || c.Auth.LoginWindow <= 0 {
		return fmt.Errorf("login rate limit needs at least one attempt per positive window")
	}

	if len(c.Impersonation.Secret) < minSecretLength {
		return fmt.Errorf("impersonation secret must be at least %d characters", minSecretLength)
	}
	if c.Impersonation.TokenTTL <= 0 {
		return fmt.Errorf("impersonation TTL must be positive")
	}

	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("audit retention days must be positive")
	}
	if c.Audit.CleanupBatch < 1 {
		return fmt.Errorf("audit cleanup batch must be positive")
	}
	for name, spec := range map[string]string{
		"audit retention schedule":     c.Audit.RetentionSchedule,
		"impersonation sweep schedule": c.Impersonation.SweepSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, spec, err)
		}
	}

	if _, err := observability.ParseLogLevel(c.Observability.LogLevel); err != nil {
		return err
	}
	switch c.Observability.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Observability.LogFormat)
	}
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	if c.S3.Enabled() && c.S3.Region == "" {
		return fmt.Errorf("S3 region is required when archiving is enabled")
	}
	return nil
}

// getEnv returns SCHOOLGUARD_<key> or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(envPrefix + key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(envPrefix + key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
