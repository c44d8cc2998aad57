// Package config defines escrowdesk configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is populated from a TOML file over Defaults and then overridden by
// ESCROWDESK_* environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Auth     AuthConfig     `toml:"auth"`
	Funds    FundsConfig    `toml:"funds"`
	Sweeper  SweeperConfig  `toml:"sweeper"`
	Notify   NotifyConfig   `toml:"notify"`
	Log      LogConfig      `toml:"log"`
	// Storage is "postgres" or "memory".
	Storage string `toml:"storage"`
}

type ServerConfig struct {
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	MaxUploadBytes  int64    `toml:"max_upload_bytes"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	TLSEnabled bool     `toml:"tls_enabled"`
	LockTTL    Duration `toml:"lock_ttl"`
}

type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	PresignTTL     Duration `toml:"presign_ttl"`
}

type AuthConfig struct {
	JWTSecret string   `toml:"jwt_secret"`
	TokenTTL  Duration `toml:"token_ttl"`
	// BootstrapEmail and BootstrapPassword seed a super admin on startup when set.
	BootstrapEmail    string `toml:"bootstrap_email"`
	BootstrapPassword string `toml:"bootstrap_password"`
}

type FundsConfig struct {
	BaseURL string   `toml:"base_url"`
	APIKey  string   `toml:"api_key"`
	Timeout Duration `toml:"timeout"`
}

type SweeperConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval Duration `toml:"interval"`
	// HoldPeriod is how long funds stay held after delivery before auto-release.
	HoldPeriod Duration `toml:"hold_period"`
}

type NotifyConfig struct {
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

type LogConfig struct {
	Level         string `toml:"level"`
	Format        string `toml:"format"`
	IncludeCaller bool   `toml:"include_caller"`
}

// Duration decodes TOML strings such as "30s" or "72h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			ReadTimeout:     Duration{10 * time.Second},
			WriteTimeout:    Duration{30 * time.Second},
			ShutdownTimeout: Duration{10 * time.Second},
			MaxUploadBytes:  25 << 20,
		},
		Database: DatabaseConfig{
			PoolMaxConns:  10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 20,
			LockTTL:  Duration{30 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "escrow-evidence",
			ForcePathStyle: true,
			PresignTTL:     Duration{15 * time.Minute},
		},
		Auth: AuthConfig{
			TokenTTL: Duration{12 * time.Hour},
		},
		Funds: FundsConfig{
			Timeout: Duration{15 * time.Second},
		},
		Sweeper: SweeperConfig{
			Enabled:    true,
			Interval:   Duration{time.Minute},
			HoldPeriod: Duration{72 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"escrow.escalated"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: "postgres",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate reports every invalid or missing value at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.Storage {
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			errs = append(errs, "database: dsn must be set when storage is postgres")
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("unknown storage %q (valid: postgres, memory)", c.Storage))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, "server: max_upload_bytes must be > 0")
	}

	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, "auth: jwt_secret must be at least 32 characters")
	}
	if c.Auth.TokenTTL.Duration <= 0 {
		errs = append(errs, "auth: token_ttl must be > 0")
	}
	if c.Auth.BootstrapEmail != "" && len(c.Auth.BootstrapPassword) < 8 {
		errs = append(errs, "auth: bootstrap_password must be at least 8 characters")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.LockTTL.Duration <= 0 {
			errs = append(errs, "redis: lock_ttl must be > 0")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	if c.Sweeper.Enabled && c.Sweeper.Interval.Duration <= 0 {
		errs = append(errs, "sweeper: interval must be > 0")
	}
	if c.Sweeper.HoldPeriod.Duration <= 0 {
		errs = append(errs, "sweeper: hold_period must be > 0")
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("unknown log level %q (valid: debug, info, warn, error)", c.Log.Level))
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		errs = append(errs, fmt.Sprintf("unknown log format %q (valid: json, text)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %d problem(s):\n  - %s", len(errs), strings.Join(errs, "\n  - "))
	}
	return nil
}
