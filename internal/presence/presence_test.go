package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/speech-bridge/internal/bus"
	"github.com/loqalabs/speech-bridge/internal/config"
	"github.com/loqalabs/speech-bridge/internal/natsserver"
	"github.com/loqalabs/speech-bridge/internal/protocol"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHeartbeatCarriesState(t *testing.T) {
	client := startBus(t)
	cfg := config.NodeConfig{ID: "bridge-a", Role: "speech", HeartbeatInterval: 20}
	caps := []Capability{{Name: "speech.recognition", Attributes: map[string]string{"channel": "speech_recognition"}}}

	reg, err := NewRegistry(context.Background(), cfg, client, func() string { return "listening" }, caps, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	if !reg.Healthy() {
		t.Fatal("expected healthy after announce")
	}
	waitFor(t, func() bool {
		node, ok := reg.Node("bridge-a")
		return ok && node.State == "listening"
	})
	node, _ := reg.Node("bridge-a")
	if node.Role != "speech" || len(node.Capabilities) != 1 {
		t.Fatalf("unexpected node %+v", node)
	}
}

func TestTracksPeers(t *testing.T) {
	client := startBus(t)
	cfg := config.NodeConfig{ID: "bridge-a", Role: "speech", HeartbeatInterval: 1000}
	reg, err := NewRegistry(context.Background(), cfg, client, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	peer := announceMessage{
		NodeID:       "capture-1",
		Role:         "audio",
		Capabilities: []Capability{{Name: "audio.capture"}},
		Timestamp:    time.Now().UTC(),
	}
	if err := client.PublishJSON(protocol.SubjectNodeAnnounce, peer); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool {
		return len(reg.Query(WithCapability("audio.capture"))) == 1
	})
}

func TestStaleNodesTurnUnhealthy(t *testing.T) {
	now := time.Now().UTC()
	reg := &Registry{
		cfg:   config.NodeConfig{ID: "bridge-a", HeartbeatInterval: 1000},
		nodes: make(map[string]*NodeInfo),
		now:   func() time.Time { return now },
	}
	reg.updateNode("bridge-a", "speech", nil, "idle", now)
	reg.updateNode("capture-1", "audio", nil, "", now.Add(-10*time.Second))
	reg.evaluateHealth()

	if !reg.Healthy() {
		t.Fatal("expected local node healthy")
	}
	peer, ok := reg.Node("capture-1")
	if !ok || peer.Healthy {
		t.Fatalf("expected silent peer to be unhealthy, got %+v", peer)
	}
}
