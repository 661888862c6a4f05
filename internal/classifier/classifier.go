// Package classifier evaluates raw measurements against trigger conditions
// and emits processed events once a condition has held for its
// time-to-trigger.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/leo-handover/internal/logging"
	"github.com/signalsfoundry/leo-handover/model"
	"github.com/signalsfoundry/leo-handover/timectrl"
)

// ErrInvalidMeasurement is returned when a measurement lacks a field the
// condition family needs, or carries a non-finite value.
var ErrInvalidMeasurement = errors.New("invalid measurement")

// ErrUnsupportedConditionKind is returned for an unrecognised condition tag.
var ErrUnsupportedConditionKind = model.ErrUnsupportedConditionKind

// ClassificationError wraps a classifier failure with the condition it was
// evaluated against.
type ClassificationError struct {
	Kind        model.ConditionKind
	ConditionID string
	Err         error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %s condition %q: %v", e.Kind, e.ConditionID, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// Status is the outcome of a successful classification.
type Status int

const (
	// StatusQuiet means the relevant inequality does not hold.
	StatusQuiet Status = iota
	// StatusNotYetTriggered means the inequality holds but has not held for
	// the full time-to-trigger.
	StatusNotYetTriggered
	// StatusTriggered means an event was emitted.
	StatusTriggered
)

func (s Status) String() string {
	switch s {
	case StatusQuiet:
		return "quiet"
	case StatusNotYetTriggered:
		return "not_yet_triggered"
	case StatusTriggered:
		return "triggered"
	default:
		return "unknown"
	}
}

// Result is the outcome of Classify. Event is set only for StatusTriggered.
type Result struct {
	Status   Status
	Event    *model.ProcessedEvent
	HeldFor  time.Duration
	Required time.Duration
}

// MetricsRecorder receives one observation per classification.
type MetricsRecorder interface {
	ObserveClassification(kind, status string)
}

type holdKey struct {
	terminalID  string
	conditionID string
}

// hold tracks one (terminal, condition) pair. entered is the condition's
// current side; since is when the pending crossing started holding.
type hold struct {
	entered bool
	pending bool
	since   time.Time
}

// Classifier owns the hold timers for every (terminal, condition) pair. It is
// safe for concurrent use.
type Classifier struct {
	clock   timectrl.Clock
	log     logging.Logger
	metrics MetricsRecorder

	mu    sync.Mutex
	holds map[holdKey]*hold
}

// Option customises a Classifier.
type Option func(*Classifier)

// WithMetricsRecorder attaches a recorder for classification outcomes.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(c *Classifier) {
		c.metrics = m
	}
}

// New returns a Classifier that measures hold durations on clock.
func New(clock timectrl.Clock, log logging.Logger, opts ...Option) *Classifier {
	if clock == nil {
		clock = timectrl.SystemClock{}
	}
	if log == nil {
		log = logging.Noop()
	}
	c := &Classifier{
		clock: clock,
		log:   log,
		holds: make(map[holdKey]*hold),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// evaluation is the instantaneous state of both inequalities for one sample.
// Margins are in the condition's unit and positive when the inequality holds.
type evaluation struct {
	enter, leave             bool
	enterMargin, leaveMargin float64
	scale                    float64
	fixedConfidence          bool
}

// Classify evaluates m against cond. A NotYetTriggered or Quiet result is a
// normal negative outcome, not an error.
func (c *Classifier) Classify(m model.RawMeasurement, cond model.TriggerCondition) (Result, error) {
	res, err := c.classify(m, cond)
	status := "error"
	if err == nil {
		status = res.Status.String()
	}
	if c.metrics != nil {
		c.metrics.ObserveClassification(string(cond.Kind), status)
	}
	return res, err
}

func (c *Classifier) classify(m model.RawMeasurement, cond model.TriggerCondition) (Result, error) {
	fail := func(err error) (Result, error) {
		return Result{}, &ClassificationError{Kind: cond.Kind, ConditionID: cond.ID, Err: err}
	}
	if err := cond.Validate(); err != nil {
		return fail(err)
	}
	if m.TerminalID == "" {
		return fail(fmt.Errorf("%w: missing terminal id", ErrInvalidMeasurement))
	}
	if m.ConditionID != "" && m.ConditionID != cond.ID {
		return fail(fmt.Errorf("%w: measurement is for condition %q", ErrInvalidMeasurement, m.ConditionID))
	}

	ev, err := evaluate(m, cond)
	if err != nil {
		return fail(err)
	}

	now := c.clock.Now()
	key := holdKey{terminalID: m.TerminalID, conditionID: cond.ID}

	c.mu.Lock()
	h, ok := c.holds[key]
	if !ok {
		h = &hold{}
		c.holds[key] = h
	}
	// Only the inequality that would move the condition to its other side
	// is relevant.
	crossing, margin := ev.enter, ev.enterMargin
	if h.entered {
		crossing, margin = ev.leave, ev.leaveMargin
	}
	if !crossing {
		h.pending = false
		c.mu.Unlock()
		return Result{Status: StatusQuiet, Required: cond.TimeToTrigger}, nil
	}
	if !h.pending {
		h.pending = true
		h.since = now
	}
	held := now.Sub(h.since)
	if held < cond.TimeToTrigger {
		c.mu.Unlock()
		return Result{Status: StatusNotYetTriggered, HeldFor: held, Required: cond.TimeToTrigger}, nil
	}
	entering := !h.entered
	h.entered = entering
	h.pending = false
	c.mu.Unlock()

	confidence := 1.0
	if !ev.fixedConfidence {
		confidence = 0.5 + 0.5*math.Min(1, margin/ev.scale)
	}
	evaluatedAt := m.Timestamp
	if evaluatedAt.IsZero() {
		evaluatedAt = now
	}
	event := &model.ProcessedEvent{
		ID:                 uuid.NewString(),
		Kind:               cond.Kind,
		TerminalID:         m.TerminalID,
		ConditionID:        cond.ID,
		ServingSatelliteID: m.ServingSatelliteID,
		Raw:                m,
		EvaluatedAt:        evaluatedAt,
		Entering:           entering,
		Confidence:         confidence,
		Trigger:            cond,
	}
	c.log.Debug(context.Background(), "trigger condition fired",
		logging.String("terminal_id", m.TerminalID),
		logging.String("condition_id", cond.ID),
		logging.String("kind", string(cond.Kind)),
		logging.Bool("entering", entering),
		logging.Duration("held_for", held),
		logging.Float64("confidence", confidence),
	)
	return Result{Status: StatusTriggered, Event: event, HeldFor: held, Required: cond.TimeToTrigger}, nil
}

// Entered reports whether the terminal is currently inside the condition.
func (c *Classifier) Entered(terminalID, conditionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.holds[holdKey{terminalID: terminalID, conditionID: conditionID}]
	return ok && h.entered
}

// Reset drops every timer and condition state held for terminalID.
func (c *Classifier) Reset(terminalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.holds {
		if k.terminalID == terminalID {
			delete(c.holds, k)
		}
	}
}

func evaluate(m model.RawMeasurement, cond model.TriggerCondition) (evaluation, error) {
	switch cond.Kind {
	case model.ConditionSignalThreshold:
		sig, err := required("signal_dbm", m.SignalDBm)
		if err != nil {
			return evaluation{}, err
		}
		return evaluateSignal(sig, *cond.Signal), nil

	case model.ConditionDualDistance:
		d1, err := required("distance1_km", m.Distance1Km)
		if err != nil {
			return evaluation{}, err
		}
		d2, err := required("distance2_km", m.Distance2Km)
		if err != nil {
			return evaluation{}, err
		}
		return evaluateDistance(d1, d2, *cond.Distance), nil

	case model.ConditionMovingReference:
		if m.Reference == nil {
			return evaluation{}, fmt.Errorf("%w: missing reference sample", ErrInvalidMeasurement)
		}
		if err := m.Reference.Validate(); err != nil {
			return evaluation{}, fmt.Errorf("%w: reference sample: %v", ErrInvalidMeasurement, err)
		}
		d2, err := required("distance2_km", m.Distance2Km)
		if err != nil {
			return evaluation{}, err
		}
		return evaluateDistance(m.Reference.RangeKm, d2, *cond.Distance), nil

	case model.ConditionTimeWindow:
		elapsed, err := required("elapsed_s", m.ElapsedS)
		if err != nil {
			return evaluation{}, err
		}
		if elapsed < 0 {
			return evaluation{}, fmt.Errorf("%w: negative elapsed_s", ErrInvalidMeasurement)
		}
		return evaluateWindow(elapsed, *cond.Window), nil

	default:
		return evaluation{}, fmt.Errorf("%w: %q", ErrUnsupportedConditionKind, cond.Kind)
	}
}

func required(name string, v *float64) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidMeasurement, name)
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, fmt.Errorf("%w: %s is not finite", ErrInvalidMeasurement, name)
	}
	return *v, nil
}

func evaluateSignal(sig float64, p model.SignalThresholdParams) evaluation {
	v := sig + p.OffsetDB
	enterMargin := v - p.HysteresisDB - p.ThresholdDBm
	leaveMargin := p.ThresholdDBm - (v + p.HysteresisDB)
	return evaluation{
		enter:       enterMargin > 0,
		leave:       leaveMargin > 0,
		enterMargin: enterMargin,
		leaveMargin: leaveMargin,
		scale:       math.Max(p.HysteresisDB, 1),
	}
}

// evaluateDistance enters when the serving reference is far and the
// candidate reference is near; it leaves when either side reverses.
func evaluateDistance(d1, d2 float64, p model.DistanceParams) evaluation {
	far := d1 - p.HysteresisKm - p.Thresh1Km
	near := p.Thresh2Km - (d2 + p.HysteresisKm)
	back := p.Thresh1Km - (d1 + p.HysteresisKm)
	away := (d2 - p.HysteresisKm) - p.Thresh2Km
	return evaluation{
		enter:       far > 0 && near > 0,
		leave:       back > 0 || away > 0,
		enterMargin: math.Min(far, near),
		leaveMargin: math.Max(back, away),
		scale:       math.Max(p.HysteresisKm, 1),
	}
}

func evaluateWindow(elapsed float64, p model.TimeWindowParams) evaluation {
	end := p.ThresholdS + p.DurationS
	return evaluation{
		enter:           elapsed > p.ThresholdS,
		leave:           elapsed > end,
		enterMargin:     elapsed - p.ThresholdS,
		leaveMargin:     elapsed - end,
		scale:           1,
		fixedConfidence: true,
	}
}
