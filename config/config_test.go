package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escrowdesk.toml")
	content := `
storage = "postgres"

[database]
dsn = "postgres://file"

[auth]
jwt_secret = "` + testSecret + `"
token_ttl = "2h"

[sweeper]
hold_period = "96h"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ESCROWDESK_DATABASE_DSN", "postgres://env")
	t.Setenv("ESCROWDESK_SERVER_PORT", "9090")
	t.Setenv("ESCROWDESK_NOTIFY_EVENTS", "escrow.escalated, escrow.funds_movement")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "postgres://env" {
		t.Fatalf("expected env dsn to win, got %q", cfg.Database.DSN)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Auth.TokenTTL.Duration != 2*time.Hour || cfg.Sweeper.HoldPeriod.Duration != 96*time.Hour {
		t.Fatalf("durations not decoded: ttl=%s hold=%s", cfg.Auth.TokenTTL, cfg.Sweeper.HoldPeriod)
	}
	if len(cfg.Notify.Events) != 2 || cfg.Notify.Events[1] != "escrow.funds_movement" {
		t.Fatalf("unexpected events %v", cfg.Notify.Events)
	}
	if cfg.Redis.LockTTL.Duration != 30*time.Second {
		t.Fatalf("expected default lock ttl, got %s", cfg.Redis.LockTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate_CollectsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Storage = "postgres"
	cfg.Auth.JWTSecret = "short"
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"database: dsn", "auth: jwt_secret", "log level"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestValidate_MemoryStorage(t *testing.T) {
	cfg := Defaults()
	cfg.Storage = "memory"
	cfg.Auth.JWTSecret = testSecret
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
