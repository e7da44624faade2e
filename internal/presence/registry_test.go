package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
)

func connect(t *testing.T) *bus.Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "presence-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRegistryTracksPeers(t *testing.T) {
	client := connect(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.NodeConfig{ID: "desk", Role: "dictation", HeartbeatInterval: 20, HeartbeatTimeout: 200}

	caps := []Capability{{Name: "dictation", Attributes: map[string]string{"resample": "linear"}}}
	local, err := NewRegistry(context.Background(), cfg, caps, func() string { return "idle" }, client, logger)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer local.Close()
	if !local.Healthy() {
		t.Fatal("expected local node healthy after announce")
	}

	peerCfg := cfg
	peerCfg.ID = "laptop"
	peer, err := NewRegistry(context.Background(), peerCfg, nil, func() string { return "listening" }, client, logger)
	if err != nil {
		t.Fatalf("new peer registry: %v", err)
	}
	defer peer.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		nodes := local.Nodes()
		if len(nodes) == 2 && nodes[1].ID == "laptop" && nodes[1].State == "listening" {
			if nodes[0].ID != "desk" || len(nodes[0].Capabilities) != 1 {
				t.Fatalf("unexpected local node %+v", nodes[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer heartbeat never observed: %+v", local.Nodes())
}

func TestEvaluateHealthMarksStaleNodes(t *testing.T) {
	client := connect(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.NodeConfig{ID: "desk", Role: "dictation", HeartbeatInterval: 60000, HeartbeatTimeout: 120000}
	r, err := NewRegistry(context.Background(), cfg, nil, nil, client, logger)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer r.Close()

	r.mu.Lock()
	r.clock = func() time.Time { return time.Now().Add(time.Hour) }
	r.mu.Unlock()
	r.evaluateHealth()
	if r.Healthy() {
		t.Fatal("expected stale node unhealthy")
	}
}
