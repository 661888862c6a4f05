package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/signalsfoundry/leo-handover/internal/classifier"
	"github.com/signalsfoundry/leo-handover/internal/config"
	"github.com/signalsfoundry/leo-handover/internal/logging"
	"github.com/signalsfoundry/leo-handover/internal/nbi"
	"github.com/signalsfoundry/leo-handover/internal/orchestrator"
	"github.com/signalsfoundry/leo-handover/kb"
	"github.com/signalsfoundry/leo-handover/model"
	"github.com/signalsfoundry/leo-handover/timectrl"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseBuiltinTLEs(t *testing.T) {
	entries, err := parseTLEs(strings.NewReader(builtinTLEs))
	if err != nil {
		t.Fatalf("parseTLEs: %v", err)
	}
	if len(entries) != 4 || entries[0].name != "SAT-1001" || entries[3].name != "SAT-1004" {
		t.Fatalf("entries = %+v", entries)
	}

	epoch, err := tleEpoch(entries[0].line1)
	if err != nil {
		t.Fatalf("tleEpoch: %v", err)
	}
	if want := time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC); !epoch.Equal(want) {
		t.Fatalf("epoch = %s, want %s", epoch, want)
	}
}

func TestParseTLEsRejectsBrokenSets(t *testing.T) {
	lines := strings.Split(builtinTLEs, "\n")
	tests := map[string]string{
		"empty":         "",
		"line2 only":    lines[2],
		"missing line2": lines[1] + "\nSAT-X\n",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := parseTLEs(strings.NewReader(in)); err == nil {
				t.Fatalf("parseTLEs(%q) succeeded", in)
			}
		})
	}
}

func TestMeasurementFor(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	current := []model.OrbitalSample{
		{SatelliteID: 1, Timestamp: now, ElevationDeg: 30, RangeKm: 1200, EstimatedSignalDBm: -79},
		{SatelliteID: 2, Timestamp: now, ElevationDeg: 50, RangeKm: 800, EstimatedSignalDBm: -72},
		{SatelliteID: 3, Timestamp: now, ElevationDeg: 20, RangeKm: 1500, EstimatedSignalDBm: -70},
		{SatelliteID: 4, Timestamp: now, ElevationDeg: -5, RangeKm: 400, EstimatedSignalDBm: -60},
	}

	m, ok := measurementFor("ut-1", "a4-signal", 1, now.Add(-90*time.Second), now, current, -75)
	if !ok {
		t.Fatal("measurementFor returned false with a weak serving satellite")
	}
	if *m.SignalDBm != -70 || *m.Distance1Km != 1200 || *m.Distance2Km != 800 || *m.ElapsedS != 90 {
		t.Fatalf("measurement = %+v", m)
	}
	if m.Reference == nil || m.Reference.SatelliteID != 1 {
		t.Fatalf("reference = %+v", m.Reference)
	}

	if _, ok := measurementFor("ut-1", "a4-signal", 1, now, now, current, -80); ok {
		t.Fatal("measurement reported while the serving signal is above s-measure")
	}
	if _, ok := measurementFor("ut-1", "a4-signal", 9, now, now, current, 0); ok {
		t.Fatal("measurementFor succeeded without the serving satellite")
	}
}

func TestConfigCommands(t *testing.T) {
	out, err := execute(t, "config", "default")
	if err != nil {
		t.Fatalf("config default: %v", err)
	}
	if !strings.Contains(out, "policy:") || !strings.Contains(out, "a4-signal") {
		t.Fatalf("config default output = %q", out)
	}

	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("max_retry_count: 4\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err = execute(t, "config", "validate", good)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "is valid") || !strings.Contains(out, "max_retry_count: 4") {
		t.Fatalf("config validate output = %q", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("scoring_weights:\n  signal: 0.9\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "config", "validate", bad); err == nil {
		t.Fatal("config validate accepted weights that do not sum to one")
	}
}

func TestSimulateRunsBuiltinPlane(t *testing.T) {
	out, err := execute(t, "simulate", "--duration", "30s", "--tick", "1s", "--settle", "200ms")
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	for _, want := range []string{"4 satellites", "attached to SAT-1001", "Simulation complete"} {
		if !strings.Contains(out, want) {
			t.Fatalf("simulate output missing %q:\n%s", want, out)
		}
	}
}

func TestSimulateRejectsBadTick(t *testing.T) {
	if _, err := execute(t, "simulate", "--tick", "0s"); err == nil {
		t.Fatal("simulate accepted a zero tick")
	}
}

func TestStatusCommand(t *testing.T) {
	cfg := config.Default()
	store := kb.NewKnowledgeBase()
	orch, err := orchestrator.New(cfg, store, classifier.New(timectrl.SystemClock{}, nil), nil, orchestrator.LogExecutor(nil), logging.Noop())
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	defer orch.Close()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	srv := grpc.NewServer()
	nbi.RegisterHandoverServiceServer(srv, nbi.NewHandoverService(orch, store, nil))
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	out, err := execute(t, "status", "--addr", lis.Addr().String())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"policy_kind": "heuristic"`) {
		t.Fatalf("status output = %s", out)
	}

	if _, err := execute(t, "session", "ut-unknown", "--addr", lis.Addr().String()); err == nil {
		t.Fatal("session for an unknown terminal succeeded")
	}
}
