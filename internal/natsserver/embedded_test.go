package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/speech-bridge/internal/config"
	"github.com/nats-io/nats.go"
)

func TestStartRandomPort(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect %s: %v", srv.ClientURL(), err)
	}
	defer conn.Close()
	if !conn.IsConnected() {
		t.Fatal("expected connected client")
	}
}

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil || srv != nil {
		t.Fatalf("expected no server, got %v %v", srv, err)
	}
	// Methods are nil-safe.
	if srv.ClientURL() != "" {
		t.Fatal("expected empty url")
	}
	srv.Shutdown()
}
