package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/leo-handover/internal/config"
	"github.com/signalsfoundry/leo-handover/internal/journal"
	"github.com/signalsfoundry/leo-handover/internal/logging"
	"github.com/signalsfoundry/leo-handover/internal/nbi"
	"github.com/signalsfoundry/leo-handover/model"
)

func TestHandoverServerStartupSmoke(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "journal.db")
	cfgPath := filepath.Join(dir, "engine.yaml")
	if err := os.WriteFile(cfgPath, []byte("journal:\n  path: "+journalPath+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	cfg := Config{
		ListenAddress: lis.Addr().String(),
		ConfigPath:    cfgPath,
		LogLevel:      "warn",
		LogFormat:     "text",
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg, log, lis)
	}()

	conn, err := grpc.NewClient(cfg.ListenAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()
	client := nbi.NewHandoverClient(conn)

	sample := model.OrbitalSample{
		SatelliteID:        101,
		Timestamp:          time.Now().UTC(),
		ElevationDeg:       40,
		RangeKm:            900,
		EstimatedSignalDBm: -72,
		LoadFactor:         0.2,
	}
	if err := client.IngestSample(ctx, sample); err != nil {
		t.Fatalf("IngestSample: %v", err)
	}

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.PolicyKind != "heuristic" || st.Subscribers != 1 {
		t.Fatalf("status = %+v, want heuristic policy with the journal subscribed", st)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	j, err := journal.Open(journalPath, nil)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer j.Close()
	if _, err := j.Decisions(context.Background(), "", 10); err != nil {
		t.Fatalf("journal query: %v", err)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("max_retry_count: -1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer lis.Close()

	err = run(context.Background(), Config{ConfigPath: path, AccessLog: &bytes.Buffer{}}, logging.Noop(), lis)
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("run error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadEngineConfigAppliesEnv(t *testing.T) {
	t.Setenv("HANDOVER_POLICY_KIND", "LEARNED")
	t.Setenv("HANDOVER_POLICY_ENDPOINT", "127.0.0.1:7000")
	cfg, err := loadEngineConfig("")
	if err != nil {
		t.Fatalf("loadEngineConfig: %v", err)
	}
	if cfg.Policy.Kind != "learned" || cfg.Policy.Endpoint != "127.0.0.1:7000" {
		t.Fatalf("policy = %+v", cfg.Policy)
	}
}
