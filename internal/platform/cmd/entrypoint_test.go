package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testConfig struct {
	Address string `env:"CMD_TEST_ADDRESS" envDefault:"127.0.0.1:8080"`
	Mode    string `env:"CMD_TEST_MODE" envDefault:"server"`
}

func TestParseConfigFromReadsEnvWithoutFile(t *testing.T) {
	t.Setenv("CMD_TEST_ADDRESS", "env:9000")

	cfg := testConfig{}
	if err := ParseConfigFrom(&cfg, LoadOptions{}); err != nil {
		t.Fatalf("load config defaults: %v", err)
	}
	if cfg.Address != "env:9000" {
		t.Fatalf("expected env address, got %q", cfg.Address)
	}
	if cfg.Mode != "server" {
		t.Fatalf("expected default mode, got %q", cfg.Mode)
	}
}

func TestParseConfigFromRejectsNilTarget(t *testing.T) {
	if err := ParseConfigFrom[testConfig](nil, LoadOptions{}); err == nil {
		t.Fatal("expected nil target error")
	}
}

func TestParseConfigFromLayersFileUnderEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "statestore.yaml")
	if err := os.WriteFile(file, []byte("CMD_TEST_ADDRESS: file:7000\nCMD_TEST_MODE: file-mode\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CMD_TEST_MODE", "env-mode")

	cfg := testConfig{}
	if err := ParseConfigFrom(&cfg, LoadOptions{ConfigFile: file, EnvFiles: []string{filepath.Join(dir, "absent.env")}}); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Address != "file:7000" {
		t.Fatalf("address = %q, want file value", cfg.Address)
	}
	if cfg.Mode != "env-mode" {
		t.Fatalf("mode = %q, want env value", cfg.Mode)
	}
}

func TestRunWithTelemetryRejectsMissingInputs(t *testing.T) {
	if err := RunWithTelemetryAndOptions(context.Background(), "", RunOptions{}, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected missing service error")
	}
	if err := RunWithTelemetryAndOptions(context.Background(), ServiceStateStore, RunOptions{}, nil); err == nil {
		t.Fatal("expected missing run function error")
	}
}

func TestRunWithTelemetryReturnsRunError(t *testing.T) {
	t.Setenv("FORMSTATE_OTEL_ENABLED", "false")
	want := errors.New("boom")

	err := RunWithTelemetryAndOptions(context.Background(), ServiceAdmin, RunOptions{ShutdownTimeout: time.Second}, func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}
