package app_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
)

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	caller := newFakeCaller()
	level := new(slog.LevelVar)
	cfg := testConfig()
	a, err := app.New(context.Background(), cfg,
		app.WithCaller(caller),
		app.WithMetrics(testMetrics(t)),
		app.WithLevelVar(level),
	)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Call.Voice = "nova"
	next.Audio.SampleRate = 8000
	a.ApplyConfig(cfg, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	caller.mu.Lock()
	updates := caller.updates
	caller.mu.Unlock()
	if len(updates) != 1 || updates[0] != [2]string{"nova", ""} {
		t.Errorf("UpdateConfig calls = %v, want [[nova ]]", updates)
	}
	if cfg.Audio.SampleRate != config.DefaultSampleRate {
		t.Errorf("sample rate was applied live: %d", cfg.Audio.SampleRate)
	}
}

func TestApplyConfig_NoChange(t *testing.T) {
	t.Parallel()

	caller := newFakeCaller()
	cfg := testConfig()
	a, err := app.New(context.Background(), cfg, app.WithCaller(caller), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	a.ApplyConfig(cfg, testConfig())

	caller.mu.Lock()
	defer caller.mu.Unlock()
	if len(caller.updates) != 0 {
		t.Errorf("UpdateConfig called %d times, want 0", len(caller.updates))
	}
}

func TestNew_WithConfigPath(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "parley.yaml")
	yaml := "api:\n  base_url: http://127.0.0.1:1\ncall:\n  tenant_id: t1\n  bot_id: b1\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := app.New(context.Background(), testConfig(),
		app.WithCaller(newFakeCaller()),
		app.WithMetrics(testMetrics(t)),
		app.WithConfigPath(path),
	); err != nil {
		t.Fatalf("New() = %v", err)
	}

	if _, err := app.New(context.Background(), testConfig(),
		app.WithCaller(newFakeCaller()),
		app.WithMetrics(testMetrics(t)),
		app.WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml")),
	); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}
