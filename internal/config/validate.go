package config

import (
	"errors"
	"fmt"
	"strings"
)

const minSecretLength = 32

var placeholderSecrets = []string{
	"changeme", "change_me", "change-me", "secret", "password", "your-secret",
	"your_secret", "your-secret-key", "development", "dev-secret", "test", "default",
	"example", "placeholder", "replace-me", "xxx",
}

func validate(cfg *Config) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		add("PORT must be between 1 and 65535")
	}
	if cfg.Server.GRPCHealthPort < 0 || cfg.Server.GRPCHealthPort > 65535 {
		add("GRPC_HEALTH_PORT must be between 0 and 65535")
	}
	if cfg.Session.Lifetime <= 0 {
		add("SESSION_LIFETIME_HOURS must be positive")
	}
	if cfg.Session.IdleTimeout <= 0 {
		add("SESSION_IDLE_TIMEOUT_MINUTES must be positive")
	}
	if cfg.Session.CleanupInterval <= 0 {
		add("SESSION_CLEANUP_INTERVAL must be positive")
	}
	if cfg.Security.RateLimitWindow <= 0 || cfg.Security.RateLimitMax <= 0 || cfg.Security.AuthRateLimitMax <= 0 {
		add("rate limit window and max values must be positive")
	}
	if cfg.Security.BcryptRounds < 4 || cfg.Security.BcryptRounds > 31 {
		add("BCRYPT_ROUNDS must be between 4 and 31")
	}
	if cfg.Database.MaxConns <= 0 {
		add("DB_MAX_CONNS must be positive")
	}
	if len(cfg.Audit.KafkaBrokers) > 0 && cfg.Audit.KafkaTopic == "" {
		add("AUDIT_KAFKA_TOPIC is required when AUDIT_KAFKA_BROKERS is set")
	}

	if cfg.IsProduction() {
		checkSecret(add, "JWT_SECRET", cfg.Security.JWTSecret)
		checkSecret(add, "SESSION_SECRET", cfg.Security.SessionSecret)
		if cfg.Security.EncryptionKMSBlob == "" {
			checkSecret(add, "ENCRYPTION_MASTER_KEY", cfg.Security.EncryptionMasterKey)
		} else if cfg.Security.AWSRegion == "" {
			add("AWS_REGION is required with ENCRYPTION_KMS_CIPHERTEXT")
		}
		if cfg.DSN() == "" {
			add("DATABASE_URL or DB_HOST/DB_NAME is required in production")
		}
		if cfg.Database.URL == "" && cfg.Database.SSLMode == "disable" {
			add("DB_SSLMODE=disable is not allowed in production")
		}
		if strings.Contains(cfg.Database.URL, "sslmode=disable") {
			add("DATABASE_URL must not disable TLS in production")
		}
		if len(cfg.Security.CORSOrigins) == 0 {
			add("CORS_ORIGIN is required in production")
		}
		for _, origin := range cfg.Security.CORSOrigins {
			if strings.Contains(origin, "*") {
				add("wildcard CORS_ORIGIN %q is not allowed in production", origin)
			}
		}
		if cfg.Security.BcryptRounds < 12 {
			add("BCRYPT_ROUNDS must be at least 12 in production")
		}
		if !cfg.Security.CookieSecure {
			add("COOKIE_SECURE cannot be disabled in production")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func checkSecret(add func(string, ...any), name, value string) {
	if value == "" {
		add("%s is required in production", name)
		return
	}
	if isPlaceholder(value) {
		add("%s uses a placeholder value", name)
		return
	}
	if len(value) < minSecretLength {
		add("%s must be at least %d characters", name, minSecretLength)
	}
}

func isPlaceholder(value string) bool {
	lower := strings.ToLower(strings.TrimSpace(value))
	for _, p := range placeholderSecrets {
		if lower == p || strings.HasPrefix(lower, p+"-") || strings.HasPrefix(lower, p+"_") {
			return true
		}
	}
	return strings.Contains(lower, "change") && strings.Contains(lower, "me")
}

// IsInvalid reports whether err came from validation.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalidConfig) }
