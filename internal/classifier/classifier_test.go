package classifier

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/leo-handover/model"
	"github.com/signalsfoundry/leo-handover/timectrl"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func signalCondition(ttt time.Duration) model.TriggerCondition {
	return model.TriggerCondition{
		ID:            "a4",
		Kind:          model.ConditionSignalThreshold,
		TimeToTrigger: ttt,
		Signal:        &model.SignalThresholdParams{ThresholdDBm: -80, HysteresisDB: 3},
	}
}

func signalMeasurement(dbm float64) model.RawMeasurement {
	return model.RawMeasurement{TerminalID: "ut-1", ConditionID: "a4", ServingSatelliteID: 7, SignalDBm: model.Float(dbm)}
}

func mustClassify(t *testing.T, c *Classifier, m model.RawMeasurement, cond model.TriggerCondition) Result {
	t.Helper()
	res, err := c.Classify(m, cond)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	return res
}

func TestTimeToTriggerBoundary(t *testing.T) {
	clock := timectrl.NewManualClock(t0)
	c := New(clock, nil)
	cond := signalCondition(160 * time.Millisecond)

	if res := mustClassify(t, c, signalMeasurement(-70), cond); res.Status != StatusNotYetTriggered {
		t.Fatalf("first crossing status = %v, want not_yet_triggered", res.Status)
	}
	clock.Advance(159 * time.Millisecond)
	res := mustClassify(t, c, signalMeasurement(-70), cond)
	if res.Status != StatusNotYetTriggered || res.HeldFor != 159*time.Millisecond {
		t.Fatalf("at TTT-1ms: status=%v held=%v, want not_yet_triggered/159ms", res.Status, res.HeldFor)
	}

	// Retreat before the hold completes: the timer resets.
	clock.Advance(time.Millisecond)
	if res := mustClassify(t, c, signalMeasurement(-79), cond); res.Status != StatusQuiet {
		t.Fatalf("after retreat status = %v, want quiet", res.Status)
	}
	if res := mustClassify(t, c, signalMeasurement(-70), cond); res.Status != StatusNotYetTriggered || res.HeldFor != 0 {
		t.Fatalf("re-crossing status=%v held=%v, want fresh hold", res.Status, res.HeldFor)
	}

	clock.Advance(160 * time.Millisecond)
	res = mustClassify(t, c, signalMeasurement(-70), cond)
	if res.Status != StatusTriggered || res.Event == nil {
		t.Fatalf("after full hold status = %v, want triggered", res.Status)
	}
	if !res.Event.Entering || res.Event.TerminalID != "ut-1" || res.Event.ServingSatelliteID != 7 {
		t.Fatalf("unexpected event: %+v", res.Event)
	}
	if res.Event.ID == "" {
		t.Fatalf("event has no id")
	}
	if !c.Entered("ut-1", "a4") {
		t.Fatalf("expected terminal to be inside the condition")
	}
}

func TestOscillationNeverTriggers(t *testing.T) {
	clock := timectrl.NewManualClock(t0)
	c := New(clock, nil)
	cond := signalCondition(160 * time.Millisecond)

	for i := 0; i < 20; i++ {
		dbm := -70.0
		if i%2 == 1 {
			dbm = -90
		}
		res := mustClassify(t, c, signalMeasurement(dbm), cond)
		if res.Status == StatusTriggered {
			t.Fatalf("oscillation triggered at step %d", i)
		}
		clock.Advance(100 * time.Millisecond)
	}
}

func TestSignalHysteresis(t *testing.T) {
	tests := []struct {
		name string
		dbm  float64
		want Status
	}{
		{"inside hysteresis band", -78, StatusQuiet},
		{"exactly threshold plus hysteresis", -77, StatusQuiet},
		{"above band", -76.5, StatusTriggered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(timectrl.NewManualClock(t0), nil)
			res := mustClassify(t, c, signalMeasurement(tt.dbm), signalCondition(0))
			if res.Status != tt.want {
				t.Fatalf("status = %v, want %v", res.Status, tt.want)
			}
		})
	}
}

func TestSignalLeavingAndConfidence(t *testing.T) {
	c := New(timectrl.NewManualClock(t0), nil)
	cond := signalCondition(0)

	res := mustClassify(t, c, signalMeasurement(-76), cond)
	if res.Status != StatusTriggered {
		t.Fatalf("status = %v, want triggered", res.Status)
	}
	// margin 1 dB over a 3 dB hysteresis scale
	if want := 0.5 + 0.5/3; math.Abs(res.Event.Confidence-want) > 1e-9 {
		t.Fatalf("confidence = %v, want %v", res.Event.Confidence, want)
	}

	// Still above the threshold: already entered, nothing to report.
	if res := mustClassify(t, c, signalMeasurement(-70), cond); res.Status != StatusQuiet {
		t.Fatalf("status while entered = %v, want quiet", res.Status)
	}
	// Below threshold but inside the band: no leave yet.
	if res := mustClassify(t, c, signalMeasurement(-82), cond); res.Status != StatusQuiet {
		t.Fatalf("status inside leave band = %v, want quiet", res.Status)
	}
	res = mustClassify(t, c, signalMeasurement(-90), cond)
	if res.Status != StatusTriggered || res.Event.Entering {
		t.Fatalf("expected leaving event, got %v / %+v", res.Status, res.Event)
	}
	if res.Event.Confidence != 1 {
		t.Fatalf("leaving confidence = %v, want 1", res.Event.Confidence)
	}
}

func TestDualDistance(t *testing.T) {
	c := New(timectrl.NewManualClock(t0), nil)
	cond := model.TriggerCondition{
		ID:       "d1",
		Kind:     model.ConditionDualDistance,
		Distance: &model.DistanceParams{Thresh1Km: 1500, Thresh2Km: 1000, HysteresisKm: 50},
	}
	m := model.RawMeasurement{TerminalID: "ut-1", Distance1Km: model.Float(1540), Distance2Km: model.Float(800)}
	if res := mustClassify(t, c, m, cond); res.Status != StatusQuiet {
		t.Fatalf("serving side inside hysteresis: status = %v, want quiet", res.Status)
	}

	m.Distance1Km = model.Float(1600)
	res := mustClassify(t, c, m, cond)
	if res.Status != StatusTriggered || !res.Event.Entering {
		t.Fatalf("expected entering event, got %v", res.Status)
	}

	// Either side reversing leaves.
	m.Distance2Km = model.Float(1100)
	res = mustClassify(t, c, m, cond)
	if res.Status != StatusTriggered || res.Event.Entering {
		t.Fatalf("expected leaving event, got %v", res.Status)
	}
}

func TestMovingReferenceUsesSampleRange(t *testing.T) {
	c := New(timectrl.NewManualClock(t0), nil)
	cond := model.TriggerCondition{
		ID:       "d2",
		Kind:     model.ConditionMovingReference,
		Distance: &model.DistanceParams{Thresh1Km: 1500, Thresh2Km: 1200, HysteresisKm: 50},
	}
	m := model.RawMeasurement{TerminalID: "ut-1", Distance2Km: model.Float(900)}

	_, err := c.Classify(m, cond)
	if !errors.Is(err, ErrInvalidMeasurement) {
		t.Fatalf("missing reference: err = %v, want ErrInvalidMeasurement", err)
	}

	m.Reference = &model.OrbitalSample{SatelliteID: 7, Timestamp: t0, ElevationDeg: 20, RangeKm: 1700, LoadFactor: 0.3}
	res := mustClassify(t, c, m, cond)
	if res.Status != StatusTriggered {
		t.Fatalf("status = %v, want triggered", res.Status)
	}
}

func TestTimeWindow(t *testing.T) {
	c := New(timectrl.NewManualClock(t0), nil)
	cond := model.TriggerCondition{
		ID:     "t1",
		Kind:   model.ConditionTimeWindow,
		Window: &model.TimeWindowParams{ThresholdS: 300, DurationS: 60},
	}
	at := func(s float64) Result {
		return mustClassify(t, c, model.RawMeasurement{TerminalID: "ut-1", ElapsedS: model.Float(s)}, cond)
	}

	if res := at(300); res.Status != StatusQuiet {
		t.Fatalf("at threshold: status = %v, want quiet", res.Status)
	}
	res := at(301)
	if res.Status != StatusTriggered || !res.Event.Entering || res.Event.Confidence != 1 {
		t.Fatalf("after threshold: %v / %+v", res.Status, res.Event)
	}
	if res := at(359); res.Status != StatusQuiet {
		t.Fatalf("inside window: status = %v, want quiet", res.Status)
	}
	res = at(361)
	if res.Status != StatusTriggered || res.Event.Entering {
		t.Fatalf("after window: %v / %+v", res.Status, res.Event)
	}
}

func TestInvalidInput(t *testing.T) {
	c := New(timectrl.NewManualClock(t0), nil)
	tests := []struct {
		name string
		m    model.RawMeasurement
		cond model.TriggerCondition
		want error
	}{
		{"nan signal", signalMeasurement(math.NaN()), signalCondition(0), ErrInvalidMeasurement},
		{"missing signal", model.RawMeasurement{TerminalID: "ut-1"}, signalCondition(0), ErrInvalidMeasurement},
		{"missing terminal", model.RawMeasurement{SignalDBm: model.Float(-70)}, signalCondition(0), ErrInvalidMeasurement},
		{"wrong condition", model.RawMeasurement{TerminalID: "ut-1", ConditionID: "other", SignalDBm: model.Float(-70)}, signalCondition(0), ErrInvalidMeasurement},
		{
			"unsupported kind",
			signalMeasurement(-70),
			model.TriggerCondition{ID: "a4", Kind: "a3_offset", Signal: &model.SignalThresholdParams{}},
			ErrUnsupportedConditionKind,
		},
		{
			"unsupported kind without parameters",
			signalMeasurement(-70),
			model.TriggerCondition{ID: "a4", Kind: "a3_offset"},
			ErrUnsupportedConditionKind,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Classify(tt.m, tt.cond)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var cerr *ClassificationError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *ClassificationError, got %T", err)
			}
		})
	}
}

func TestResetDropsTerminalState(t *testing.T) {
	clock := timectrl.NewManualClock(t0)
	c := New(clock, nil)
	cond := signalCondition(100 * time.Millisecond)

	mustClassify(t, c, signalMeasurement(-70), cond)
	clock.Advance(90 * time.Millisecond)
	c.Reset("ut-1")
	clock.Advance(20 * time.Millisecond)

	res := mustClassify(t, c, signalMeasurement(-70), cond)
	if res.Status != StatusNotYetTriggered || res.HeldFor != 0 {
		t.Fatalf("after reset: status=%v held=%v, want a fresh hold", res.Status, res.HeldFor)
	}
}

func TestTimersAreKeyedPerTerminal(t *testing.T) {
	clock := timectrl.NewManualClock(t0)
	c := New(clock, nil)
	cond := signalCondition(100 * time.Millisecond)

	mustClassify(t, c, signalMeasurement(-70), cond)
	clock.Advance(100 * time.Millisecond)

	other := signalMeasurement(-70)
	other.TerminalID = "ut-2"
	if res := mustClassify(t, c, other, cond); res.Status != StatusNotYetTriggered {
		t.Fatalf("second terminal status = %v, want not_yet_triggered", res.Status)
	}
	if res := mustClassify(t, c, signalMeasurement(-70), cond); res.Status != StatusTriggered {
		t.Fatalf("first terminal status = %v, want triggered", res.Status)
	}
}

type recorder struct {
	got []string
}

func (r *recorder) ObserveClassification(kind, status string) {
	r.got = append(r.got, kind+"/"+status)
}

func TestMetricsRecorder(t *testing.T) {
	rec := &recorder{}
	c := New(timectrl.NewManualClock(t0), nil, WithMetricsRecorder(rec))

	mustClassify(t, c, signalMeasurement(-70), signalCondition(0))
	_, _ = c.Classify(signalMeasurement(math.NaN()), signalCondition(0))

	want := []string{"signal_threshold/triggered", "signal_threshold/error"}
	if len(rec.got) != len(want) {
		t.Fatalf("observations = %v, want %v", rec.got, want)
	}
	for i := range want {
		if rec.got[i] != want[i] {
			t.Fatalf("observation %d = %q, want %q", i, rec.got[i], want[i])
		}
	}
}
