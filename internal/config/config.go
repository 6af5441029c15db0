// Package config loads the typed service configuration from the environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvProduction  = "production"
)

// Config is the validated runtime configuration.
type Config struct {
	Environment string

	Server struct {
		Host           string
		Port           int
		GRPCHealthPort int
		BaseURL        string
		TrustProxy     bool
	}

	Database struct {
		URL         string
		Host        string
		Port        int
		Name        string
		User        string
		Password    string
		SSLMode     string
		MaxConns    int
		ConnTimeout time.Duration
	}

	Security struct {
		JWTSecret            string
		SessionSecret        string
		EncryptionMasterKey  string
		EncryptionKMSBlob    string
		EncryptionKMSKeyID   string
		AWSRegion            string
		BcryptRounds         int
		CookieSecure         bool
		GeneratedDevSecrets  []string
		CORSOrigins          []string
		RateLimitWindow      time.Duration
		RateLimitMax         int
		AuthRateLimitMax     int
		InvitationTTL        time.Duration
		EmailVerificationTTL time.Duration
	}

	Session struct {
		Lifetime        time.Duration
		IdleTimeout     time.Duration
		CleanupInterval time.Duration
		ExtendThreshold time.Duration
	}

	Logging struct {
		Level  string
		Format string
	}

	Redis struct {
		URL string
	}

	Audit struct {
		KafkaBrokers []string
		KafkaTopic   string
	}

	Trace struct {
		BufferSize int
		Retention  time.Duration
	}
}

// IsProduction reports whether production hardening applies.
func (c *Config) IsProduction() bool { return c.Environment == EnvProduction }

// DSN returns DATABASE_URL or one assembled from the DB_* parts. Empty means
// no database is configured and the in-memory stores are used.
func (c *Config) DSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	if c.Database.Host == "" || c.Database.Name == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Database.User, c.Database.Password),
		Host:   fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port),
		Path:   "/" + c.Database.Name,
	}
	q := url.Values{}
	q.Set("sslmode", c.Database.SSLMode)
	q.Set("connect_timeout", fmt.Sprintf("%d", int(c.Database.ConnTimeout.Seconds())))
	u.RawQuery = q.Encode()
	return u.String()
}

// Address is the HTTP listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Load reads .env (outside production), the environment and defaults, then
// validates. Production misconfiguration is an error; callers exit on it.
func Load() (*Config, error) {
	env := normalizeEnv(viper.New())
	if env != EnvProduction {
		// Missing .env is fine; existing variables always win.
		_ = godotenv.Load()
	}
	return load(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("app_env", EnvDevelopment)
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 3001)
	v.SetDefault("grpc_health_port", 0)
	v.SetDefault("app_base_url", "http://localhost:3000")
	v.SetDefault("trust_proxy", false)

	v.SetDefault("database_url", "")
	v.SetDefault("db_host", "")
	v.SetDefault("db_port", 5432)
	v.SetDefault("db_name", "")
	v.SetDefault("db_user", "postgres")
	v.SetDefault("db_password", "")
	v.SetDefault("db_sslmode", "prefer")
	v.SetDefault("db_max_conns", 20)
	v.SetDefault("db_conn_timeout", "5s")

	v.SetDefault("jwt_secret", "")
	v.SetDefault("session_secret", "")
	v.SetDefault("encryption_master_key", "")
	v.SetDefault("encryption_key", "")
	v.SetDefault("encryption_kms_ciphertext", "")
	v.SetDefault("encryption_kms_key_id", "")
	v.SetDefault("aws_region", "")
	v.SetDefault("bcrypt_rounds", 12)
	v.SetDefault("cookie_secure", "")
	v.SetDefault("cors_origin", "http://localhost:3000")
	v.SetDefault("rate_limit_window_ms", 15*60*1000)
	v.SetDefault("rate_limit_max", 1000)
	v.SetDefault("auth_rate_limit_max", 20)
	v.SetDefault("invitation_ttl_hours", 72)
	v.SetDefault("email_verification_ttl_hours", 24)

	v.SetDefault("session_lifetime_hours", 8)
	v.SetDefault("session_idle_timeout_minutes", 30)
	v.SetDefault("session_cleanup_interval", "5m")
	v.SetDefault("session_extend_threshold_minutes", 30)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "")

	v.SetDefault("redis_url", "")
	v.SetDefault("audit_kafka_brokers", "")
	v.SetDefault("audit_kafka_topic", "audit-events")

	v.SetDefault("trace_buffer_size", 1000)
	v.SetDefault("trace_retention", "15m")
	return v
}

func load(v *viper.Viper) (*Config, error) {
	var cfg Config
	cfg.Environment = normalizeEnv(v)

	cfg.Server.Host = strings.TrimSpace(v.GetString("host"))
	cfg.Server.Port = v.GetInt("port")
	cfg.Server.GRPCHealthPort = v.GetInt("grpc_health_port")
	cfg.Server.BaseURL = strings.TrimRight(strings.TrimSpace(v.GetString("app_base_url")), "/")
	cfg.Server.TrustProxy = v.GetBool("trust_proxy")

	cfg.Database.URL = strings.TrimSpace(v.GetString("database_url"))
	cfg.Database.Host = strings.TrimSpace(v.GetString("db_host"))
	cfg.Database.Port = v.GetInt("db_port")
	cfg.Database.Name = strings.TrimSpace(v.GetString("db_name"))
	cfg.Database.User = strings.TrimSpace(v.GetString("db_user"))
	cfg.Database.Password = v.GetString("db_password")
	cfg.Database.SSLMode = strings.ToLower(strings.TrimSpace(v.GetString("db_sslmode")))
	cfg.Database.MaxConns = v.GetInt("db_max_conns")
	cfg.Database.ConnTimeout = v.GetDuration("db_conn_timeout")

	cfg.Security.JWTSecret = strings.TrimSpace(v.GetString("jwt_secret"))
	cfg.Security.SessionSecret = strings.TrimSpace(v.GetString("session_secret"))
	cfg.Security.EncryptionMasterKey = strings.TrimSpace(v.GetString("encryption_master_key"))
	if cfg.Security.EncryptionMasterKey == "" {
		cfg.Security.EncryptionMasterKey = strings.TrimSpace(v.GetString("encryption_key"))
	}
	cfg.Security.EncryptionKMSBlob = strings.TrimSpace(v.GetString("encryption_kms_ciphertext"))
	cfg.Security.EncryptionKMSKeyID = strings.TrimSpace(v.GetString("encryption_kms_key_id"))
	cfg.Security.AWSRegion = strings.TrimSpace(v.GetString("aws_region"))
	cfg.Security.BcryptRounds = v.GetInt("bcrypt_rounds")
	cfg.Security.CORSOrigins = splitList(v.GetString("cors_origin"))
	cfg.Security.RateLimitWindow = time.Duration(v.GetInt64("rate_limit_window_ms")) * time.Millisecond
	cfg.Security.RateLimitMax = v.GetInt("rate_limit_max")
	cfg.Security.AuthRateLimitMax = v.GetInt("auth_rate_limit_max")
	cfg.Security.InvitationTTL = time.Duration(v.GetInt("invitation_ttl_hours")) * time.Hour
	cfg.Security.EmailVerificationTTL = time.Duration(v.GetInt("email_verification_ttl_hours")) * time.Hour
	if raw := strings.TrimSpace(v.GetString("cookie_secure")); raw == "" {
		cfg.Security.CookieSecure = cfg.IsProduction()
	} else {
		cfg.Security.CookieSecure = v.GetBool("cookie_secure")
	}

	cfg.Session.Lifetime = time.Duration(v.GetInt("session_lifetime_hours")) * time.Hour
	cfg.Session.IdleTimeout = time.Duration(v.GetInt("session_idle_timeout_minutes")) * time.Minute
	cfg.Session.CleanupInterval = v.GetDuration("session_cleanup_interval")
	cfg.Session.ExtendThreshold = time.Duration(v.GetInt("session_extend_threshold_minutes")) * time.Minute

	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(v.GetString("log_level")))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(v.GetString("log_format")))
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
		if cfg.IsProduction() {
			cfg.Logging.Format = "json"
		}
	}

	cfg.Redis.URL = strings.TrimSpace(v.GetString("redis_url"))
	cfg.Audit.KafkaBrokers = splitList(v.GetString("audit_kafka_brokers"))
	cfg.Audit.KafkaTopic = strings.TrimSpace(v.GetString("audit_kafka_topic"))

	cfg.Trace.BufferSize = v.GetInt("trace_buffer_size")
	cfg.Trace.Retention = v.GetDuration("trace_retention")

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	if !cfg.IsProduction() {
		if err := fillDevSecrets(&cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func normalizeEnv(v *viper.Viper) string {
	v.AutomaticEnv()
	env := strings.ToLower(strings.TrimSpace(v.GetString("app_env")))
	switch env {
	case "prod", EnvProduction:
		return EnvProduction
	case EnvTest:
		return EnvTest
	default:
		return EnvDevelopment
	}
}

// fillDevSecrets generates throwaway secrets so development boots without a
// .env file. Generated names are reported so the caller can warn.
func fillDevSecrets(cfg *Config) error {
	targets := []struct {
		name string
		dst  *string
	}{
		{"JWT_SECRET", &cfg.Security.JWTSecret},
		{"SESSION_SECRET", &cfg.Security.SessionSecret},
	}
	if cfg.Security.EncryptionKMSBlob == "" {
		targets = append(targets, struct {
			name string
			dst  *string
		}{"ENCRYPTION_MASTER_KEY", &cfg.Security.EncryptionMasterKey})
	}
	for _, t := range targets {
		if *t.dst != "" {
			continue
		}
		secret, err := randomHex(32)
		if err != nil {
			return fmt.Errorf("generate %s: %w", t.name, err)
		}
		*t.dst = secret
		cfg.Security.GeneratedDevSecrets = append(cfg.Security.GeneratedDevSecrets, t.name)
	}
	return nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")
