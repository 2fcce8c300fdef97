// Package config loads service settings from defaults, an optional YAML file and
// LYCEUM_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Session backends.
const (
	SessionBackendMemory   = "memory"
	SessionBackendPostgres = "postgres"
	SessionBackendRedis    = "redis"
)

const minJWTSecretLength = 32

// Config is the full service configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Hygiene  HygieneConfig  `yaml:"hygiene"`
	LogLevel string         `yaml:"log_level"`
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	// LoginRate is login attempts per second per client IP; LoginBurst caps bursts.
	LoginRate  float64 `yaml:"login_rate"`
	LoginBurst int     `yaml:"login_burst"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	JWTSecret          string        `yaml:"jwt_secret"`
	Issuer             string        `yaml:"issuer"`
	AccessTTL          time.Duration `yaml:"access_ttl"`
	RefreshTTL         time.Duration `yaml:"refresh_ttl"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	MaxSessionsPerUser int           `yaml:"max_sessions_per_user"`
	SessionBackend     string        `yaml:"session_backend"`
	APIKeyTTL          time.Duration `yaml:"api_key_ttl"`
	Hashers            []string      `yaml:"hashers"`
	BcryptCost         int           `yaml:"bcrypt_cost"`
	PBKDF2Iterations   int           `yaml:"pbkdf2_iterations"`
	MFAIssuer          string        `yaml:"mfa_issuer"`
}

type HygieneConfig struct {
	// Schedule is a cron expression; empty disables the purge job.
	Schedule string `yaml:"schedule"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			MaxBodyBytes: 1 << 20,
			LoginRate:    1,
			LoginBurst:   5,
		},
		GRPC:     GRPCConfig{Addr: ":9090"},
		Postgres: PostgresConfig{MaxOpenConns: 10},
		Auth: AuthConfig{
			Issuer:             "lyceum",
			AccessTTL:          30 * time.Minute,
			RefreshTTL:         7 * 24 * time.Hour,
			SessionTTL:         7 * 24 * time.Hour,
			IdleTimeout:        24 * time.Hour,
			MaxSessionsPerUser: 5,
			SessionBackend:     SessionBackendMemory,
			APIKeyTTL:          365 * 24 * time.Hour,
			Hashers:            []string{"bcrypt", "bcrypt-sha256", "pbkdf2-sha256"},
			BcryptCost:         12,
			PBKDF2Iterations:   600000,
			MFAIssuer:          "Lyceum",
		},
		Hygiene:  HygieneConfig{Schedule: "@every 15m"},
		LogLevel: "info",
	}
}

// Load builds the configuration. An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LYCEUM_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("LYCEUM_HTTP_ADDR", &c.HTTP.Addr)
	str("LYCEUM_GRPC_ADDR", &c.GRPC.Addr)
	str("LYCEUM_PG_DSN", &c.Postgres.DSN)
	str("LYCEUM_REDIS_ADDR", &c.Redis.Addr)
	str("LYCEUM_REDIS_PASSWORD", &c.Redis.Password)
	num("LYCEUM_REDIS_DB", &c.Redis.DB)
	str("LYCEUM_JWT_SECRET", &c.Auth.JWTSecret)
	str("LYCEUM_JWT_ISSUER", &c.Auth.Issuer)
	dur("LYCEUM_ACCESS_TTL", &c.Auth.AccessTTL)
	dur("LYCEUM_REFRESH_TTL", &c.Auth.RefreshTTL)
	dur("LYCEUM_SESSION_TTL", &c.Auth.SessionTTL)
	dur("LYCEUM_IDLE_TIMEOUT", &c.Auth.IdleTimeout)
	num("LYCEUM_MAX_SESSIONS", &c.Auth.MaxSessionsPerUser)
	str("LYCEUM_SESSION_BACKEND", &c.Auth.SessionBackend)
	dur("LYCEUM_API_KEY_TTL", &c.Auth.APIKeyTTL)
	num("LYCEUM_BCRYPT_COST", &c.Auth.BcryptCost)
	str("LYCEUM_MFA_ISSUER", &c.Auth.MFAIssuer)
	str("LYCEUM_HYGIENE_SCHEDULE", &c.Hygiene.Schedule)
	str("LYCEUM_LOG_LEVEL", &c.LogLevel)
	if v, ok := lookup("LYCEUM_HASHERS"); ok && strings.TrimSpace(v) != "" {
		var hashers []string
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hashers = append(hashers, h)
			}
		}
		c.Auth.Hashers = hashers
	}
	return errors.Join(errs...)
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if len(c.Auth.JWTSecret) < minJWTSecretLength {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLength))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 || c.Auth.SessionTTL <= 0 || c.Auth.IdleTimeout <= 0 {
		errs = append(errs, errors.New("auth ttl values must be positive"))
	}
	if c.Auth.MaxSessionsPerUser < 1 {
		errs = append(errs, errors.New("auth.max_sessions_per_user must be at least 1"))
	}
	if len(c.Auth.Hashers) == 0 {
		errs = append(errs, errors.New("auth.hashers must not be empty"))
	}
	switch c.Auth.SessionBackend {
	case SessionBackendMemory:
	case SessionBackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres session backend requires postgres.dsn"))
		}
	case SessionBackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis session backend requires redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session backend %q", c.Auth.SessionBackend))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	return errors.Join(errs...)
}
