package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/leo-handover/model"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.PolicyTimeout() != 20*time.Millisecond {
		t.Fatalf("PolicyTimeout = %v, want 20ms", cfg.PolicyTimeout())
	}
	conds, err := cfg.TriggerConditions()
	if err != nil {
		t.Fatalf("TriggerConditions: %v", err)
	}
	if len(conds) != 4 {
		t.Fatalf("len(conditions) = %d, want 4", len(conds))
	}
	a4 := conds[0]
	if a4.Kind != model.ConditionSignalThreshold || a4.Signal.ThresholdDBm != -80 || a4.Signal.HysteresisDB != 3 || a4.TimeToTrigger != 160*time.Millisecond {
		t.Fatalf("unexpected default signal condition: %+v / %+v", a4, a4.Signal)
	}
	if conds[3].Window == nil || conds[3].Window.ThresholdS != 300 || conds[3].Window.DurationS != 60 {
		t.Fatalf("unexpected default window condition: %+v", conds[3])
	}
}

func TestParseOverridesOnlyGivenKeys(t *testing.T) {
	cfg, err := Parse([]byte("min_elevation_deg: 25\nscoring_weights:\n  signal: 0.5\n  geometry: 0.2\n  distance: 0.2\n  load: 0.1\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.MinElevationDeg != 25 {
		t.Fatalf("MinElevationDeg = %v, want 25", cfg.MinElevationDeg)
	}
	if cfg.ScoringWeights.Signal != 0.5 {
		t.Fatalf("Signal weight = %v, want 0.5", cfg.ScoringWeights.Signal)
	}
	if cfg.PolicyTimeoutMs != 20 || len(cfg.Conditions) != 4 {
		t.Fatalf("defaults lost: timeout=%d conditions=%d", cfg.PolicyTimeoutMs, len(cfg.Conditions))
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("min_elevaton_deg: 25\n")); err == nil {
		t.Fatalf("expected error for misspelled key")
	}
}

func TestParseCommentOnlyFile(t *testing.T) {
	cfg, err := Parse([]byte("# nothing to change\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.MinElevationDeg != 10 {
		t.Fatalf("MinElevationDeg = %v, want default 10", cfg.MinElevationDeg)
	}
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := Default()
	cfg.ScoringWeights.Load = 0.3

	err := cfg.Validate()
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if cerr.Field != "scoring_weights" {
		t.Fatalf("Field = %q, want scoring_weights", cerr.Field)
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected errors.Is(err, ErrInvalidConfig)")
	}
}

func TestValidateTable(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"negative weight", func(c *Config) { c.ScoringWeights.Signal = -0.1; c.ScoringWeights.Geometry = 0.75 }, "scoring_weights.signal"},
		{"zero timeout", func(c *Config) { c.PolicyTimeoutMs = 0 }, "policy_timeout_ms"},
		{"zero precision", func(c *Config) { c.RefinePrecisionMs = 0 }, "refine_precision_ms"},
		{"negative retries", func(c *Config) { c.MaxRetryCount = -1 }, "max_retry_count"},
		{"floor above ceiling", func(c *Config) { c.NoiseFloorDBm = -50 }, "noise_floor_dbm"},
		{"inverted range", func(c *Config) { c.MinRangeKm = 3000 }, "min_range_km"},
		{"load saturation", func(c *Config) { c.LoadSaturation = 0 }, "load_saturation"},
		{"learned without endpoint", func(c *Config) { c.Policy.Kind = "learned" }, "policy.endpoint"},
		{"unknown policy", func(c *Config) { c.Policy.Kind = "oracle" }, "policy.kind"},
		{"kafka without topic", func(c *Config) { c.Kafka.Brokers = []string{"b:9092"}; c.Kafka.Topic = "" }, "kafka.topic"},
		{"elevation", func(c *Config) { c.MinElevationDeg = 95 }, "min_elevation_deg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			var cerr *ConfigError
			if err := cfg.Validate(); !errors.As(err, &cerr) {
				t.Fatalf("expected *ConfigError, got %v", err)
			}
			if cerr.Field != tt.field {
				t.Fatalf("Field = %q, want %q", cerr.Field, tt.field)
			}
		})
	}
}

func TestTimeWindowHysteresisIsRejected(t *testing.T) {
	cfg, err := Parse([]byte(`
conditions:
  - id: t1
    kind: time_window
    threshold_s: 300
    duration_s: 60
    hysteresis: 2
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	err = cfg.Validate()
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if !strings.Contains(cerr.Reason, "hysteresis") {
		t.Fatalf("Reason = %q, want mention of hysteresis", cerr.Reason)
	}
}

func TestConditionRejectsForeignKeys(t *testing.T) {
	thr := -80.0
	km := 1000.0
	cc := ConditionConfig{ID: "x", Kind: "signal_threshold", ThresholdDBm: &thr, Thresh1Km: &km}
	if _, err := cc.Condition(); err == nil {
		t.Fatalf("expected error for thresh1_km on signal_threshold")
	}
	cc = ConditionConfig{ID: "y", Kind: "a3_offset", ThresholdDBm: &thr}
	if _, err := cc.Condition(); err == nil {
		t.Fatalf("expected error for unsupported kind")
	}
}

func TestDuplicateConditionIDs(t *testing.T) {
	cfg := Default()
	cfg.Conditions = append(cfg.Conditions, cfg.Conditions[0])
	if _, err := cfg.TriggerConditions(); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"HANDOVER_POLICY_KIND":     "LEARNED",
		"HANDOVER_POLICY_ENDPOINT": "model:9000",
		"HANDOVER_KAFKA_BROKERS":   "a:9092, b:9092,",
		"HANDOVER_JOURNAL_PATH":    "/tmp/journal.db",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.Policy.Kind != "learned" || cfg.Policy.Endpoint != "model:9000" {
		t.Fatalf("policy overrides not applied: %+v", cfg.Policy)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Fatalf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Journal.Path != "/tmp/journal.db" {
		t.Fatalf("journal path = %q", cfg.Journal.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handover.yaml")
	if err := os.WriteFile(path, []byte("max_retry_count: 4\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRetryCount != 4 {
		t.Fatalf("MaxRetryCount = %d, want 4", cfg.MaxRetryCount)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestToYAMLRoundTripsThroughParse(t *testing.T) {
	out, err := Default().ToYAML()
	if err != nil {
		t.Fatalf("ToYAML: %v", err)
	}
	cfg, err := Parse([]byte(out))
	if err != nil {
		t.Fatalf("Parse(ToYAML): %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
