package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AUTH_HMAC_SECRET", "0123456789abcdef0123456789abcdef")
	cfg, err := Load(&Flags{})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.Cache.Backend != CacheMemory || cfg.Cache.TTL != 5*time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Sessions.ReconcileInterval != 30*time.Second || !cfg.Database.Migrate {
		t.Fatalf("unexpected session/database defaults: %+v %+v", cfg.Sessions, cfg.Database)
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, "test.env", "AUTH_HMAC_SECRET=from-dotenv-0123456789abcdef012345\nLOG_LEVEL=warn\n")
	cfgFile := writeFile(t, dir, "estated.yaml", `
addr: ":9000"
log:
  format: text
cache:
  ttl: 90s
sessions:
  reconcileInterval: 5s
`)
	t.Setenv("ESTATED_ADDR", ":7000")
	t.Setenv("CACHE_MAX_ITEMS", "42")

	fs := pflag.NewFlagSet("estated", pflag.ContinueOnError)
	flags := BindFlags(fs)
	if err := fs.Parse([]string{"--config", cfgFile, "--env-file", envFile, "--log-level", "debug"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Unsetenv("AUTH_HMAC_SECRET")
		_ = os.Unsetenv("LOG_LEVEL")
	})

	cfg, err := Load(flags)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("Addr = %q, want file value", cfg.Addr)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Fatalf("Log = %+v", cfg.Log)
	}
	if cfg.Cache.TTL != 90*time.Second || cfg.Cache.MaxItems != 42 {
		t.Fatalf("Cache = %+v", cfg.Cache)
	}
	if cfg.Sessions.ReconcileInterval != 5*time.Second {
		t.Fatalf("ReconcileInterval = %v", cfg.Sessions.ReconcileInterval)
	}
	if !strings.HasPrefix(cfg.Auth.HMACSecret, "from-dotenv") {
		t.Fatalf("HMACSecret not loaded from env file")
	}
}

func TestLoad_MissingExplicitEnvFile(t *testing.T) {
	fs := pflag.NewFlagSet("estated", pflag.ContinueOnError)
	flags := BindFlags(fs)
	if err := fs.Parse([]string{"--env-file", filepath.Join(t.TempDir(), "absent.env")}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if _, err := Load(flags); err == nil {
		t.Fatal("expected error for missing explicit env file")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("CACHE_BACKEND", "redis")
	t.Setenv("LOG_LEVEL", "loud")
	_, err := Load(&Flags{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log.level", "auth:", "cache: redis backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestWatchLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "estated.yaml", "log:\n  level: info\n")
	var lv slog.LevelVar
	lv.Set(slog.LevelInfo)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := WatchLogLevel(ctx, path, &lv, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		t.Fatalf("WatchLogLevel() failed: %v", err)
	}

	writeFile(t, dir, "estated.yaml", "log:\n  level: debug\n")
	deadline := time.Now().Add(5 * time.Second)
	for lv.Level() != slog.LevelDebug {
		if time.Now().After(deadline) {
			t.Fatalf("level = %v, want debug", lv.Level())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
