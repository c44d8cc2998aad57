package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (optional when empty) over Defaults and
// applies environment overrides. A .env file in the working directory is
// loaded first when present. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Storage, "ESCROWDESK_STORAGE")

	setStr(&cfg.Server.Host, "ESCROWDESK_SERVER_HOST")
	setInt(&cfg.Server.Port, "ESCROWDESK_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ESCROWDESK_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.ShutdownTimeout, "ESCROWDESK_SERVER_SHUTDOWN_TIMEOUT")
	setInt64(&cfg.Server.MaxUploadBytes, "ESCROWDESK_SERVER_MAX_UPLOAD_BYTES")

	setStr(&cfg.Database.DSN, "DATABASE_URL")
	setStr(&cfg.Database.DSN, "ESCROWDESK_DATABASE_DSN")
	setInt(&cfg.Database.PoolMaxConns, "ESCROWDESK_DATABASE_POOL_MAX_CONNS")
	setBool(&cfg.Database.RunMigrations, "ESCROWDESK_DATABASE_RUN_MIGRATIONS")

	setBool(&cfg.Redis.Enabled, "ESCROWDESK_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ESCROWDESK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ESCROWDESK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ESCROWDESK_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "ESCROWDESK_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.LockTTL, "ESCROWDESK_REDIS_LOCK_TTL")

	setBool(&cfg.S3.Enabled, "ESCROWDESK_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ESCROWDESK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ESCROWDESK_S3_REGION")
	setStr(&cfg.S3.Bucket, "ESCROWDESK_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ESCROWDESK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ESCROWDESK_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ESCROWDESK_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ESCROWDESK_S3_FORCE_PATH_STYLE")

	setStr(&cfg.Auth.JWTSecret, "ESCROWDESK_AUTH_JWT_SECRET")
	setDuration(&cfg.Auth.TokenTTL, "ESCROWDESK_AUTH_TOKEN_TTL")
	setStr(&cfg.Auth.BootstrapEmail, "ESCROWDESK_AUTH_BOOTSTRAP_EMAIL")
	setStr(&cfg.Auth.BootstrapPassword, "ESCROWDESK_AUTH_BOOTSTRAP_PASSWORD")

	setStr(&cfg.Funds.BaseURL, "ESCROWDESK_FUNDS_BASE_URL")
	setStr(&cfg.Funds.APIKey, "ESCROWDESK_FUNDS_API_KEY")
	setDuration(&cfg.Funds.Timeout, "ESCROWDESK_FUNDS_TIMEOUT")

	setBool(&cfg.Sweeper.Enabled, "ESCROWDESK_SWEEPER_ENABLED")
	setDuration(&cfg.Sweeper.Interval, "ESCROWDESK_SWEEPER_INTERVAL")
	setDuration(&cfg.Sweeper.HoldPeriod, "ESCROWDESK_SWEEPER_HOLD_PERIOD")

	setStr(&cfg.Notify.DiscordWebhookURL, "ESCROWDESK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ESCROWDESK_NOTIFY_EVENTS")

	setStr(&cfg.Log.Level, "ESCROWDESK_LOG_LEVEL")
	setStr(&cfg.Log.Format, "ESCROWDESK_LOG_FORMAT")
	setBool(&cfg.Log.IncludeCaller, "ESCROWDESK_LOG_INCLUDE_CALLER")
}

// The set* helpers only touch dst when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
