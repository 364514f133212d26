package main

import (
	"log/slog"
	"testing"

	"github.com/loqalabs/speech-bridge/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for name, want := range cases {
		got, err := parseLevel(name)
		if err != nil || got != want {
			t.Fatalf("%q: got %v %v, want %v", name, got, err, want)
		}
	}
	if got, err := parseLevel("loud"); err == nil || got != slog.LevelInfo {
		t.Fatalf("expected error and info fallback, got %v %v", got, err)
	}
}

func TestRedactedHidesSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Username = "bridge"
	cfg.Bus.Password = "hunter2"
	cfg.Bus.Token = "s3cret"

	out := redacted(cfg)
	if out.Bus.Password != "REDACTED" || out.Bus.Token != "REDACTED" || out.Bus.Username != "bridge" {
		t.Fatalf("unexpected bus config %+v", out.Bus)
	}
	if cfg.Bus.Password != "hunter2" {
		t.Fatal("redacted must not modify its input")
	}
	if empty := redacted(config.Default()); empty.Bus.Password != "" || empty.Bus.Token != "" {
		t.Fatal("unset secrets must stay empty")
	}
}
