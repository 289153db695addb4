package authcore

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/brandshop/authcore/alert"
	"github.com/brandshop/authcore/audit"
	"github.com/brandshop/authcore/jwt"
	"github.com/brandshop/authcore/loginguard"
	"github.com/brandshop/authcore/password"
	"github.com/brandshop/authcore/resetstore"
	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the full engine and daemon configuration. Start from
// DefaultConfig, then overlay a file and the environment.
type Config struct {
	JWT           JWTConfig           `yaml:"jwt" envconfig:"JWT"`
	Password      PasswordConfig      `yaml:"password" envconfig:"PASSWORD"`
	Lockout       loginguard.Config   `yaml:"lockout" envconfig:"LOCKOUT"`
	TokenStore    TokenStoreConfig    `yaml:"token_store" envconfig:"TOKEN_STORE"`
	PasswordReset PasswordResetConfig `yaml:"password_reset" envconfig:"PASSWORD_RESET"`
	Audit         AuditConfig         `yaml:"audit" envconfig:"AUDIT"`
	Alert         alert.Config        `yaml:"alert" envconfig:"ALERT"`
	Metrics       MetricsConfig       `yaml:"metrics" envconfig:"METRICS"`
	Log           LogConfig           `yaml:"log" envconfig:"LOG"`
	Backend       BackendConfig       `yaml:"backend" envconfig:"BACKEND"`
	Database      DatabaseConfig      `yaml:"database" envconfig:"DATABASE"`
	HTTP          HTTPConfig          `yaml:"http" envconfig:"HTTP"`
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig configures access tokens. Keys are raw bytes or PEM; for
// hs256 SigningKey is the shared secret.
type JWTConfig struct {
	AccessTTL     time.Duration `yaml:"access_ttl" envconfig:"ACCESS_TTL"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl" envconfig:"REFRESH_TTL"`
	SigningMethod string        `yaml:"signing_method" envconfig:"SIGNING_METHOD"`
	SigningKey    string        `yaml:"signing_key" envconfig:"SIGNING_KEY"`
	PublicKey     string        `yaml:"public_key" envconfig:"PUBLIC_KEY"`
	Issuer        string        `yaml:"issuer" envconfig:"ISSUER"`
	Audience      string        `yaml:"audience" envconfig:"AUDIENCE"`
	Leeway        time.Duration `yaml:"leeway" envconfig:"LEEWAY"`
	KeyID         string        `yaml:"key_id" envconfig:"KEY_ID"`
}

func (c JWTConfig) managerConfig() jwt.Config {
	return jwt.Config{
		AccessTTL:     c.AccessTTL,
		SigningMethod: jwt.SigningMethod(c.SigningMethod),
		PrivateKey:    []byte(c.SigningKey),
		PublicKey:     []byte(c.PublicKey),
		Issuer:        c.Issuer,
		Audience:      c.Audience,
		Leeway:        c.Leeway,
		KeyID:         c.KeyID,
	}
}

/*
====================================
PASSWORD CONFIG
====================================
*/

type PasswordConfig struct {
	MinLength int             `yaml:"min_length" envconfig:"MIN_LENGTH"`
	Hashing   password.Config `yaml:"hashing" envconfig:"HASHING"`
}

/*
====================================
STORE CONFIG
====================================
*/

// TokenStoreConfig tunes the token store. SweepSchedule is a cron spec for
// the memory backend's expiry sweep.
type TokenStoreConfig struct {
	RedisPrefix   string `yaml:"redis_prefix" envconfig:"REDIS_PREFIX"`
	SweepSchedule string `yaml:"sweep_schedule" envconfig:"SWEEP_SCHEDULE"`
}

type PasswordResetConfig struct {
	TokenTTL      time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL"`
	RedisPrefix   string        `yaml:"redis_prefix" envconfig:"REDIS_PREFIX"`
	SweepSchedule string        `yaml:"sweep_schedule" envconfig:"SWEEP_SCHEDULE"`
}

// AuditConfig selects the audit store. Store is "memory" or "sql".
type AuditConfig struct {
	audit.Config   `yaml:",inline"`
	Store          string `yaml:"store" envconfig:"STORE"`
	MemoryCapacity int    `yaml:"memory_capacity" envconfig:"MEMORY_CAPACITY"`
}

/*
====================================
METRICS / LOG CONFIG
====================================
*/

type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled" envconfig:"ENABLED"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms" envconfig:"ENABLE_LATENCY_HISTOGRAMS"`
}

// LogConfig selects the logrus level and formatter ("text" or "json").
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

/*
====================================
BACKEND CONFIG
====================================
*/

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// BackendConfig picks where tokens, lockout counters and reset tokens live.
type BackendConfig struct {
	Kind          string `yaml:"kind" envconfig:"KIND"`
	RedisAddr     string `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" envconfig:"REDIS_DB"`
}

// DatabaseConfig holds the database/sql connection for principals and the
// SQL audit store. An empty DSN keeps principals in memory.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" envconfig:"DRIVER"`
	DSN             string        `yaml:"dsn" envconfig:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
}

/*
====================================
HTTP CONFIG
====================================
*/

// HTTPConfig configures the daemon's listener and client address handling.
// RateLimit is requests per second per client; zero disables limiting.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" envconfig:"ADDR"`
	TrustForwarded  bool          `yaml:"trust_forwarded" envconfig:"TRUST_FORWARDED"`
	TrustedProxies  []string      `yaml:"trusted_proxies" envconfig:"TRUSTED_PROXIES"`
	RateLimit       float64       `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	RateBurst       int           `yaml:"rate_burst" envconfig:"RATE_BURST"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// DefaultConfig returns production defaults. A signing key must still be
// supplied.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: string(jwt.MethodHS256),
			Issuer:        "authcore",
			Leeway:        30 * time.Second,
		},
		Password: PasswordConfig{
			MinLength: 6,
			Hashing:   password.DefaultConfig(),
		},
		Lockout: loginguard.DefaultConfig(),
		TokenStore: TokenStoreConfig{
			RedisPrefix:   "ts",
			SweepSchedule: "@every 1m",
		},
		PasswordReset: PasswordResetConfig{
			TokenTTL:      resetstore.DefaultTTL,
			RedisPrefix:   "rs",
			SweepSchedule: "@every 5m",
		},
		Audit: AuditConfig{
			Config:         audit.DefaultConfig(),
			Store:          "memory",
			MemoryCapacity: 10000,
		},
		Alert: alert.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Backend: BackendConfig{
			Kind: BackendMemory,
		},
		Database: DatabaseConfig{
			Driver:          "pgx",
			MaxOpenConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			RateLimit:       20,
			RateBurst:       40,
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// LoadConfigFile overlays the YAML file at path onto DefaultConfig.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables such as AUTHCORE_JWT_ACCESS_TTL
// onto cfg. Unset variables leave cfg untouched.
func ApplyEnv(prefix string, cfg *Config) error {
	if err := envconfig.Process(prefix, cfg); err != nil {
		return fmt.Errorf("env config: %w", err)
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(err error) {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	// JWT
	if c.JWT.RefreshTTL <= 0 {
		add(errors.New("JWT RefreshTTL must be > 0"))
	}
	if c.JWT.RefreshTTL > 0 && c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		add(errors.New("JWT RefreshTTL must exceed AccessTTL"))
	}
	if _, err := jwt.NewManager(c.JWT.managerConfig()); err != nil {
		add(fmt.Errorf("JWT: %w", err))
	}

	// Password
	if c.Password.MinLength < 1 {
		add(errors.New("Password MinLength must be >= 1"))
	}
	add(c.Password.Hashing.Validate())

	add(c.Lockout.Validate())

	if c.PasswordReset.TokenTTL <= 0 {
		add(errors.New("PasswordReset TokenTTL must be > 0"))
	}

	// Audit
	if c.Audit.Store != "memory" && c.Audit.Store != "sql" {
		add(errors.New("Audit Store must be 'memory' or 'sql'"))
	}
	if c.Audit.Store == "sql" && c.Database.DSN == "" {
		add(errors.New("Audit Store 'sql' requires Database DSN"))
	}
	if c.Audit.BufferSize < 0 || c.Audit.MemoryCapacity < 0 {
		add(errors.New("Audit BufferSize and MemoryCapacity must be >= 0"))
	}

	if c.Alert.Enabled {
		add(c.Alert.Validate())
	}

	// Log
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		add(fmt.Errorf("Log Level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add(errors.New("Log Format must be 'text' or 'json'"))
	}

	// Backend
	switch c.Backend.Kind {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.Backend.RedisAddr) == "" {
			add(errors.New("Backend RedisAddr required for redis backend"))
		}
	default:
		add(errors.New("Backend Kind must be 'memory' or 'redis'"))
	}

	// HTTP
	if c.HTTP.RateLimit < 0 || c.HTTP.RateBurst < 0 {
		add(errors.New("HTTP RateLimit and RateBurst must be >= 0"))
	}
	if c.HTTP.RateLimit > 0 && c.HTTP.RateBurst == 0 {
		add(errors.New("HTTP RateBurst must be > 0 when RateLimit is set"))
	}
	for _, p := range c.HTTP.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				add(fmt.Errorf("HTTP TrustedProxies: invalid entry %q", p))
			}
		}
	}

	return result.ErrorOrNil()
}
