// Package config loads and validates application configuration from YAML files,
// an optional .env file and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Database      DatabaseConfig      `yaml:"database"`
	Sequence      SequenceConfig      `yaml:"sequence"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT validation settings. HS256 tokens are checked
// against the secret named by HMACSecretEnv; RS256 tokens against the PEM
// public key at PublicKeyFile.
type IdentityConfig struct {
	Issuer        string            `yaml:"issuer"`
	Audience      string            `yaml:"audience"`
	Algorithms    []string          `yaml:"algorithms"`
	HMACSecretEnv string            `yaml:"hmac_secret_env"`
	PublicKeyFile string            `yaml:"public_key_file"`
	ClaimPaths    map[string]string `yaml:"claim_paths"`
}

// DatabaseConfig describes entity, signature and workflow persistence.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MinIdleConns    int           `yaml:"min_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LockTimeout     time.Duration `yaml:"lock_timeout"`
	Migrate         bool          `yaml:"migrate"`
}

// SequenceConfig describes record numbering.
type SequenceConfig struct {
	Backend   string                  `yaml:"backend"`
	Redis     RedisConfig             `yaml:"redis"`
	Schemes   map[string]SchemeConfig `yaml:"schemes"`
	YearMin   int                     `yaml:"year_min"`
	YearMax   int                     `yaml:"year_max"`
	MaxDigits int                     `yaml:"max_digits"`
	Breaker   BreakerConfig           `yaml:"breaker"`
}

// BreakerConfig guards the counter backend. A zero FailureThreshold
// disables the breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// AuthorizationConfig describes the static role policy. An empty
// PolicyFile lets every authenticated caller reach every route; the
// workflow's own identity checks still apply.
type AuthorizationConfig struct {
	PolicyFile string        `yaml:"policy_file"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// IdempotencyConfig describes Idempotency-Key replay for POST routes that
// allocate numbers or records.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig describes the Redis counter backend.
type RedisConfig struct {
	AddrEnv   string `yaml:"addr_env"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SchemeConfig is the numbering scheme for one entity kind.
type SchemeConfig struct {
	Prefix string `yaml:"prefix"`
	Digits int    `yaml:"digits"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MinDigits is the narrowest sequence width accepted for a scheme.
const MinDigits = 3

var prefixPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,15}$`)

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "Idempotency-Key"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			Algorithms:    []string{"RS256"},
			HMACSecretEnv: "QMS_JWT_SECRET",
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"name":       "name",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			DSNEnv:          "QMS_DATABASE_DSN",
			MaxOpenConns:    25,
			MinIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			LockTimeout:     5 * time.Second,
			Migrate:         true,
		},
		Sequence: SequenceConfig{
			Backend: "database",
			Redis: RedisConfig{
				AddrEnv:   "QMS_REDIS_ADDR",
				KeyPrefix: "seq",
			},
			Schemes: map[string]SchemeConfig{
				"document":       {Prefix: "QSF", Digits: 3},
				"test_request":   {Prefix: "TRQ", Digits: 5},
				"calibration":    {Prefix: "CAL", Digits: 3},
				"maintenance":    {Prefix: "MNT", Digits: 3},
				"sample":         {Prefix: "SMP", Digits: 5},
				"nonconformance": {Prefix: "NCR", Digits: 3},
				"capa":           {Prefix: "CAPA", Digits: 3},
			},
			YearMin:   2000,
			YearMax:   2199,
			MaxDigits: 9,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				OpenTimeout:      30 * time.Second,
			},
		},
		Authorization: AuthorizationConfig{
			CacheTTL: time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Backend: "memory",
			TTL:     24 * time.Hour,
			Redis: RedisConfig{
				AddrEnv:   "QMS_REDIS_ADDR",
				KeyPrefix: "idem",
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, loads an optional .env file next to the
// process, applies QMS_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Variables that are already set win. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: loading %s: %w", f, err)
		}
	}
	return nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	for _, alg := range c.Identity.Algorithms {
		switch alg {
		case "HS256":
			if c.Identity.HMACSecretEnv == "" {
				errs = append(errs, "identity.hmac_secret_env is required for HS256")
			}
		case "RS256":
			if c.Identity.PublicKeyFile == "" {
				errs = append(errs, "identity.public_key_file is required for RS256")
			}
		default:
			errs = append(errs, fmt.Sprintf("identity.algorithms: unsupported %q", alg))
		}
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSNEnv == "" {
			errs = append(errs, "database.dsn_env is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver must be memory or postgres, got %q", c.Database.Driver))
	}
	if c.Database.LockTimeout < 0 {
		errs = append(errs, "database.lock_timeout must not be negative")
	}

	switch c.Sequence.Backend {
	case "database":
	case "redis":
		if c.Sequence.Redis.AddrEnv == "" {
			errs = append(errs, "sequence.redis.addr_env is required for redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("sequence.backend must be database or redis, got %q", c.Sequence.Backend))
	}
	if c.Sequence.YearMin < 1000 || c.Sequence.YearMax > 9999 || c.Sequence.YearMin > c.Sequence.YearMax {
		errs = append(errs, "sequence.year_min and year_max must be an ordered 4-digit range")
	}
	if c.Sequence.MaxDigits < MinDigits || c.Sequence.MaxDigits > 18 {
		errs = append(errs, fmt.Sprintf("sequence.max_digits must be between %d and 18", MinDigits))
	}
	if c.Sequence.Breaker.FailureThreshold < 0 || c.Sequence.Breaker.OpenTimeout < 0 {
		errs = append(errs, "sequence.breaker thresholds must not be negative")
	}
	if c.Idempotency.Enabled {
		switch c.Idempotency.Backend {
		case "memory":
		case "redis":
			if c.Idempotency.Redis.AddrEnv == "" {
				errs = append(errs, "idempotency.redis.addr_env is required for redis")
			}
		default:
			errs = append(errs, fmt.Sprintf("idempotency.backend must be memory or redis, got %q", c.Idempotency.Backend))
		}
		if c.Idempotency.TTL <= 0 {
			errs = append(errs, "idempotency.ttl must be positive")
		}
	}
	if len(c.Sequence.Schemes) == 0 {
		errs = append(errs, "sequence.schemes must not be empty")
	}
	prefixes := make(map[string]string, len(c.Sequence.Schemes))
	for _, kind := range c.SchemeKinds() {
		s := c.Sequence.Schemes[kind]
		if !prefixPattern.MatchString(s.Prefix) {
			errs = append(errs, fmt.Sprintf("sequence.schemes.%s.prefix %q must be upper-case alphanumeric", kind, s.Prefix))
		}
		if s.Digits < MinDigits || s.Digits > c.Sequence.MaxDigits {
			errs = append(errs, fmt.Sprintf("sequence.schemes.%s.digits must be between %d and %d", kind, MinDigits, c.Sequence.MaxDigits))
		}
		if other, dup := prefixes[s.Prefix]; dup {
			errs = append(errs, fmt.Sprintf("sequence.schemes.%s reuses prefix %q of %s", kind, s.Prefix, other))
		}
		prefixes[s.Prefix] = kind
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// SchemeKinds returns the configured entity kinds in sorted order.
func (c *Config) SchemeKinds() []string {
	kinds := make([]string, 0, len(c.Sequence.Schemes))
	for k := range c.Sequence.Schemes {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// applyEnvOverrides reads QMS_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("QMS_SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("QMS_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("QMS_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("QMS_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("QMS_IDENTITY_ALGORITHMS"); v != "" {
		cfg.Identity.Algorithms = strings.Split(v, ",")
	}
	if v := os.Getenv("QMS_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("QMS_DATABASE_LOCK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("QMS_DATABASE_LOCK_TIMEOUT: %w", err)
		}
		cfg.Database.LockTimeout = d
	}
	if v := os.Getenv("QMS_SEQUENCE_BACKEND"); v != "" {
		cfg.Sequence.Backend = v
	}
	if v := os.Getenv("QMS_AUTHORIZATION_POLICY_FILE"); v != "" {
		cfg.Authorization.PolicyFile = v
	}
	if v := os.Getenv("QMS_IDEMPOTENCY_BACKEND"); v != "" {
		cfg.Idempotency.Backend = v
	}
	if v := os.Getenv("QMS_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	return nil
}
