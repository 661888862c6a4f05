// Package config holds the engine configuration. A Config is built once at
// process start, validated, and passed to each component constructor.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/leo-handover/core"
	"github.com/signalsfoundry/leo-handover/model"
)

//go:embed default.yaml
var defaultData []byte

// ErrInvalidConfig is matched by every *ConfigError.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigError reports a configuration value that cannot be used. It is fatal
// at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

func configErr(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Weights are the scoring weights. They must sum to 1.
type Weights struct {
	Signal   float64 `yaml:"signal"`
	Geometry float64 `yaml:"geometry"`
	Distance float64 `yaml:"distance"`
	Load     float64 `yaml:"load"`
}

// WeightTolerance is the accepted deviation of the weight sum from 1.
const WeightTolerance = 1e-6

// Validate checks that every weight is non-negative and the sum is 1.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"signal":   w.Signal,
		"geometry": w.Geometry,
		"distance": w.Distance,
		"load":     w.Load,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return configErr("scoring_weights."+name, "must be a finite value >= 0, got %v", v)
		}
	}
	sum := w.Signal + w.Geometry + w.Distance + w.Load
	if math.Abs(sum-1) > WeightTolerance {
		return configErr("scoring_weights", "must sum to 1.0, got %.6f", sum)
	}
	return nil
}

// BreakerConfig tunes the circuit breaker in front of the model service.
type BreakerConfig struct {
	MaxFailures    int `yaml:"max_failures"`
	ResetTimeoutMs int `yaml:"reset_timeout_ms"`
}

// PolicyConfig selects the primary decision policy.
type PolicyConfig struct {
	Kind             string        `yaml:"kind"`
	Endpoint         string        `yaml:"endpoint"`
	DefaultAlgorithm string        `yaml:"default_algorithm"`
	GapScale         float64       `yaml:"gap_scale"`
	Breaker          BreakerConfig `yaml:"breaker"`
}

// KafkaConfig configures the decision publisher. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// JournalConfig configures the SQLite journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// ConditionConfig is the file form of a trigger condition. Keys that do not
// belong to the condition's kind are rejected.
type ConditionConfig struct {
	ID              string   `yaml:"id"`
	Kind            string   `yaml:"kind"`
	TimeToTriggerMs int      `yaml:"time_to_trigger_ms"`
	ThresholdDBm    *float64 `yaml:"threshold_dbm,omitempty"`
	OffsetDB        *float64 `yaml:"offset_db,omitempty"`
	Hysteresis      *float64 `yaml:"hysteresis,omitempty"`
	Thresh1Km       *float64 `yaml:"thresh1_km,omitempty"`
	Thresh2Km       *float64 `yaml:"thresh2_km,omitempty"`
	ThresholdS      *float64 `yaml:"threshold_s,omitempty"`
	DurationS       *float64 `yaml:"duration_s,omitempty"`
}

// Condition converts the file form into a model.TriggerCondition.
func (c ConditionConfig) Condition() (model.TriggerCondition, error) {
	field := "conditions." + c.ID
	if c.ID == "" {
		return model.TriggerCondition{}, configErr("conditions", "condition without id")
	}
	if c.TimeToTriggerMs < 0 {
		return model.TriggerCondition{}, configErr(field, "time_to_trigger_ms must be >= 0")
	}
	out := model.TriggerCondition{
		ID:            c.ID,
		Kind:          model.ConditionKind(c.Kind),
		TimeToTrigger: time.Duration(c.TimeToTriggerMs) * time.Millisecond,
	}
	hys := 0.0
	if c.Hysteresis != nil {
		hys = *c.Hysteresis
	}

	switch out.Kind {
	case model.ConditionSignalThreshold:
		if err := c.reject(field, "thresh1_km", c.Thresh1Km, "thresh2_km", c.Thresh2Km, "threshold_s", c.ThresholdS, "duration_s", c.DurationS); err != nil {
			return out, err
		}
		if c.ThresholdDBm == nil {
			return out, configErr(field, "signal_threshold requires threshold_dbm")
		}
		off := 0.0
		if c.OffsetDB != nil {
			off = *c.OffsetDB
		}
		out.Signal = &model.SignalThresholdParams{ThresholdDBm: *c.ThresholdDBm, OffsetDB: off, HysteresisDB: hys}
	case model.ConditionDualDistance, model.ConditionMovingReference:
		if err := c.reject(field, "threshold_dbm", c.ThresholdDBm, "offset_db", c.OffsetDB, "threshold_s", c.ThresholdS, "duration_s", c.DurationS); err != nil {
			return out, err
		}
		if c.Thresh1Km == nil || c.Thresh2Km == nil {
			return out, configErr(field, "%s requires thresh1_km and thresh2_km", c.Kind)
		}
		out.Distance = &model.DistanceParams{Thresh1Km: *c.Thresh1Km, Thresh2Km: *c.Thresh2Km, HysteresisKm: hys}
	case model.ConditionTimeWindow:
		// No hysteresis term exists for time windows.
		if err := c.reject(field, "hysteresis", c.Hysteresis, "threshold_dbm", c.ThresholdDBm, "offset_db", c.OffsetDB, "thresh1_km", c.Thresh1Km, "thresh2_km", c.Thresh2Km); err != nil {
			return out, err
		}
		if c.ThresholdS == nil || c.DurationS == nil {
			return out, configErr(field, "time_window requires threshold_s and duration_s")
		}
		out.Window = &model.TimeWindowParams{ThresholdS: *c.ThresholdS, DurationS: *c.DurationS}
	default:
		return out, configErr(field, "unsupported kind %q", c.Kind)
	}

	if err := out.Validate(); err != nil {
		return out, configErr(field, "%v", err)
	}
	return out, nil
}

// reject takes (name, value) pairs and fails on the first value that is set.
func (c ConditionConfig) reject(field string, pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		name := pairs[i].(string)
		if v, _ := pairs[i+1].(*float64); v != nil {
			return configErr(field, "%s is not accepted for kind %s", name, c.Kind)
		}
	}
	return nil
}

// Config is the complete engine configuration.
type Config struct {
	MinElevationDeg   float64 `yaml:"min_elevation_deg"`
	ScoringWeights    Weights `yaml:"scoring_weights"`
	PolicyTimeoutMs   int     `yaml:"policy_timeout_ms"`
	RefinePrecisionMs int     `yaml:"refine_precision_ms"`
	MaxRetryCount     int     `yaml:"max_retry_count"`
	StaleDataAgeMs    int     `yaml:"stale_data_age_ms"`

	NoiseFloorDBm      float64 `yaml:"noise_floor_dbm"`
	SignalCeilingDBm   float64 `yaml:"signal_ceiling_dbm"`
	MinRangeKm         float64 `yaml:"min_range_km"`
	MaxRangeKm         float64 `yaml:"max_range_km"`
	LoadSaturation     float64 `yaml:"load_saturation"`
	PredictionWindowMs int     `yaml:"prediction_window_ms"`
	DecisionBuffer     int     `yaml:"decision_buffer"`

	Policy     PolicyConfig      `yaml:"policy"`
	Radio      core.RadioProfile `yaml:"radio"`
	Conditions []ConditionConfig `yaml:"conditions"`
	Kafka      KafkaConfig       `yaml:"kafka"`
	Journal    JournalConfig     `yaml:"journal"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c Config) PolicyTimeout() time.Duration    { return ms(c.PolicyTimeoutMs) }
func (c Config) RefinePrecision() time.Duration  { return ms(c.RefinePrecisionMs) }
func (c Config) StaleDataAge() time.Duration     { return ms(c.StaleDataAgeMs) }
func (c Config) PredictionWindow() time.Duration { return ms(c.PredictionWindowMs) }
func (c Config) BreakerReset() time.Duration     { return ms(c.Policy.Breaker.ResetTimeoutMs) }

// TriggerConditions converts and validates the configured conditions.
func (c Config) TriggerConditions() ([]model.TriggerCondition, error) {
	seen := make(map[string]struct{}, len(c.Conditions))
	out := make([]model.TriggerCondition, 0, len(c.Conditions))
	for _, cc := range c.Conditions {
		if _, dup := seen[cc.ID]; dup {
			return nil, configErr("conditions."+cc.ID, "duplicate condition id")
		}
		seen[cc.ID] = struct{}{}
		cond, err := cc.Condition()
		if err != nil {
			return nil, err
		}
		out = append(out, cond)
	}
	return out, nil
}

// Validate checks every value and returns the first *ConfigError found.
func (c Config) Validate() error {
	if math.IsNaN(c.MinElevationDeg) || c.MinElevationDeg < -90 || c.MinElevationDeg >= 90 {
		return configErr("min_elevation_deg", "must be in [-90, 90), got %v", c.MinElevationDeg)
	}
	if err := c.ScoringWeights.Validate(); err != nil {
		return err
	}
	for name, v := range map[string]int{
		"policy_timeout_ms":    c.PolicyTimeoutMs,
		"refine_precision_ms":  c.RefinePrecisionMs,
		"stale_data_age_ms":    c.StaleDataAgeMs,
		"prediction_window_ms": c.PredictionWindowMs,
	} {
		if v <= 0 {
			return configErr(name, "must be positive, got %d", v)
		}
	}
	if c.MaxRetryCount < 0 {
		return configErr("max_retry_count", "must be >= 0, got %d", c.MaxRetryCount)
	}
	if c.DecisionBuffer < 0 {
		return configErr("decision_buffer", "must be >= 0, got %d", c.DecisionBuffer)
	}
	if c.NoiseFloorDBm >= c.SignalCeilingDBm {
		return configErr("noise_floor_dbm", "must be below signal_ceiling_dbm")
	}
	if c.MinRangeKm < 0 || c.MinRangeKm >= c.MaxRangeKm {
		return configErr("min_range_km", "must be >= 0 and below max_range_km")
	}
	if c.LoadSaturation <= 0 || c.LoadSaturation > 1 {
		return configErr("load_saturation", "must be in (0, 1], got %v", c.LoadSaturation)
	}

	switch c.Policy.Kind {
	case "heuristic":
	case "learned":
		if c.Policy.Endpoint == "" {
			return configErr("policy.endpoint", "required for the learned policy")
		}
	default:
		return configErr("policy.kind", "unknown policy kind %q", c.Policy.Kind)
	}
	if c.Policy.GapScale <= 0 {
		return configErr("policy.gap_scale", "must be positive")
	}
	if c.Policy.Breaker.MaxFailures < 1 {
		return configErr("policy.breaker.max_failures", "must be >= 1")
	}
	if c.Policy.Breaker.ResetTimeoutMs <= 0 {
		return configErr("policy.breaker.reset_timeout_ms", "must be positive")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return configErr("kafka.topic", "required when brokers are set")
	}
	if _, err := c.TriggerConditions(); err != nil {
		return err
	}
	return nil
}

// Default returns the embedded default configuration.
func Default() Config {
	cfg, err := Parse(nil)
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return cfg
}

// Parse decodes data over the embedded defaults. Keys absent from data keep
// their default value; lists are replaced, not merged. Unknown keys fail.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := decodeInto(&cfg, defaultData); err != nil {
		return Config{}, fmt.Errorf("parse default config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	if err := decodeInto(&cfg, data); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func decodeInto(cfg *Config, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Load reads the file at path (optional), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	var data []byte
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		data = raw
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, err
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides deployment-specific keys from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("HANDOVER_POLICY_KIND"); v != "" {
		c.Policy.Kind = strings.ToLower(v)
	}
	if v := getenv("HANDOVER_POLICY_ENDPOINT"); v != "" {
		c.Policy.Endpoint = v
	}
	if v := getenv("HANDOVER_KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
	}
	if v := getenv("HANDOVER_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
}

// ToYAML renders the configuration.
func (c Config) ToYAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DefaultYAML returns the embedded default configuration file.
func DefaultYAML() string {
	return string(defaultData)
}
