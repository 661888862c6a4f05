// Package orchestrator runs the per-terminal handover pipeline: it turns
// measurements into sessions, drives each session through scoring, policy,
// trigger-time refinement and execution, and fans the resulting decisions out
// to subscribers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/leo-handover/internal/classifier"
	"github.com/signalsfoundry/leo-handover/internal/config"
	"github.com/signalsfoundry/leo-handover/internal/logging"
	"github.com/signalsfoundry/leo-handover/internal/policy"
	"github.com/signalsfoundry/leo-handover/internal/refine"
	"github.com/signalsfoundry/leo-handover/internal/scoring"
	"github.com/signalsfoundry/leo-handover/kb"
	"github.com/signalsfoundry/leo-handover/model"
	"github.com/signalsfoundry/leo-handover/timectrl"
)

const tracerName = "github.com/signalsfoundry/leo-handover/internal/orchestrator"

var (
	// ErrIllegalTransition is returned for an edge the state machine does
	// not allow.
	ErrIllegalTransition = errors.New("illegal session transition")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator closed")
	// ErrNotEntering is returned by HandleEvent for events that do not open
	// a trigger window.
	ErrNotEntering = errors.New("event is not an entering event")
)

// Executor hands a decision to the execution collaborator. A nil error is a
// positive acknowledgment.
type Executor interface {
	Execute(ctx context.Context, d model.Decision) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, d model.Decision) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, d model.Decision) error { return f(ctx, d) }

// SampleSource is the read side of the orbital sample store.
type SampleSource interface {
	Pool() []model.OrbitalSample
	Fresh(id model.SatelliteID, now time.Time, maxAge time.Duration) (model.OrbitalSample, error)
	Predict(id model.SatelliteID, t time.Time) (model.OrbitalSample, error)
}

// Classifier evaluates measurements against trigger conditions.
type Classifier interface {
	Classify(m model.RawMeasurement, cond model.TriggerCondition) (classifier.Result, error)
	Reset(terminalID string)
}

// MetricsRecorder receives pipeline observations.
type MetricsRecorder interface {
	ObserveTransition(from, to string)
	ObserveDecision(policy string, latency time.Duration)
	ObserveFallback(reason string)
	ObserveRefinement(iterations int, lowConfidence bool)
	IncDroppedDecisions()
	SetActiveSessions(n int)
}

// TransitionEvent describes one state change of a session.
type TransitionEvent struct {
	SessionID  string             `json:"session_id"`
	TerminalID string             `json:"terminal_id"`
	From       model.SessionState `json:"-"`
	To         model.SessionState `json:"-"`
	Reason     string             `json:"reason,omitempty"`
	Attempt    int                `json:"attempt"`
	At         time.Time          `json:"at"`
}

// Status is a point-in-time summary of the orchestrator.
type Status struct {
	PolicyKind       string `json:"policy_kind"`
	Terminals        int    `json:"terminals"`
	ActiveSessions   int    `json:"active_sessions"`
	Completed        uint64 `json:"completed"`
	Failed           uint64 `json:"failed"`
	RolledBack       uint64 `json:"rolled_back"`
	Decisions        uint64 `json:"decisions"`
	Fallbacks        uint64 `json:"fallbacks"`
	DroppedDecisions uint64 `json:"dropped_decisions"`
	Subscribers      int    `json:"subscribers"`
}

// session is one handover attempt sequence for a terminal. snap is guarded
// by the owning terminal's mutex.
type session struct {
	snap   model.HandoverSession
	cancel context.CancelFunc
}

// terminal holds the per-terminal mutex. It guards state transitions of the
// terminal's sessions and nothing else.
type terminal struct {
	mu      sync.Mutex
	current *session
	visual  *model.VisualizationPayload
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg        config.Config
	conditions map[string]model.TriggerCondition

	samples    SampleSource
	classifier Classifier
	scorer     *scoring.Scorer
	primary    policy.Policy
	fallback   *policy.Heuristic
	refiner    *refine.Refiner
	executor   Executor

	clock       timectrl.Clock
	log         logging.Logger
	metrics     MetricsRecorder
	tracer      trace.Tracer
	transitions chan<- TransitionEvent

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.Mutex
	terminals map[string]*terminal
	subs      []chan model.Decision
	closed    bool
	closeOnce sync.Once

	active     atomic.Int64
	completed  atomic.Uint64
	failed     atomic.Uint64
	rolledBack atomic.Uint64
	decisions  atomic.Uint64
	fallbacks  atomic.Uint64
	dropped    atomic.Uint64
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock used for session timestamps.
func WithClock(c timectrl.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithMetricsRecorder attaches a recorder for pipeline metrics.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithTransitionSink delivers every transition to ch. Sends never block; a
// full channel drops the event.
func WithTransitionSink(ch chan<- TransitionEvent) Option {
	return func(o *Orchestrator) {
		o.transitions = ch
	}
}

// WithRefineOptions overrides the refiner options.
func WithRefineOptions(opts refine.Options) Option {
	return func(o *Orchestrator) {
		o.refiner = refine.New(o.cfg.RefinePrecision(), opts)
	}
}

// New wires an Orchestrator. cfg must already be valid; scoring weights and
// trigger conditions are checked again and fail with a *config.ConfigError.
// A nil primary selects the heuristic policy.
func New(cfg config.Config, samples SampleSource, cls Classifier, primary policy.Policy, exec Executor, log logging.Logger, opts ...Option) (*Orchestrator, error) {
	if samples == nil {
		return nil, errors.New("orchestrator: sample source is required")
	}
	if cls == nil {
		return nil, errors.New("orchestrator: classifier is required")
	}
	if exec == nil {
		return nil, errors.New("orchestrator: executor is required")
	}
	if log == nil {
		log = logging.Noop()
	}
	scorer, err := scoring.New(cfg, log)
	if err != nil {
		return nil, err
	}
	conds, err := cfg.TriggerConditions()
	if err != nil {
		return nil, err
	}
	fallback := policy.NewHeuristic(cfg.Policy.GapScale)
	if primary == nil {
		primary = fallback
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		conditions: make(map[string]model.TriggerCondition, len(conds)),
		samples:    samples,
		classifier: cls,
		scorer:     scorer,
		primary:    primary,
		fallback:   fallback,
		refiner:    refine.New(cfg.RefinePrecision(), refine.Options{}),
		executor:   exec,
		clock:      timectrl.SystemClock{},
		log:        log,
		tracer:     otel.Tracer(tracerName),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		terminals:  make(map[string]*terminal),
	}
	for _, c := range conds {
		o.conditions[c.ID] = c
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Condition returns the configured trigger condition with the given ID.
func (o *Orchestrator) Condition(id string) (model.TriggerCondition, bool) {
	c, ok := o.conditions[id]
	return c, ok
}

// SubmitMeasurement classifies m and opens a session when it completes an
// entering trigger. Invalid input and stale orbital data are returned to the
// caller; a measurement that does not (yet) trigger returns nil.
func (o *Orchestrator) SubmitMeasurement(ctx context.Context, terminalID string, m model.RawMeasurement) error {
	if m.TerminalID == "" {
		m.TerminalID = terminalID
	}
	if terminalID == "" || m.TerminalID != terminalID {
		return &classifier.ClassificationError{ConditionID: m.ConditionID,
			Err: fmt.Errorf("%w: terminal id %q does not match %q", classifier.ErrInvalidMeasurement, m.TerminalID, terminalID)}
	}
	cond, ok := o.conditions[m.ConditionID]
	if !ok {
		return &classifier.ClassificationError{ConditionID: m.ConditionID,
			Err: fmt.Errorf("%w: unknown condition %q", classifier.ErrInvalidMeasurement, m.ConditionID)}
	}

	ref := m.Timestamp
	if ref.IsZero() {
		ref = o.clock.Now()
	}
	if m.ServingSatelliteID != 0 {
		if _, err := o.samples.Fresh(m.ServingSatelliteID, ref, o.cfg.StaleDataAge()); err != nil && !errors.Is(err, kb.ErrUnknownSatellite) {
			return err
		}
	}
	if m.Reference != nil {
		if age := m.Reference.Age(ref); age > o.cfg.StaleDataAge() {
			return &kb.StaleDataError{SatelliteID: m.Reference.SatelliteID, Age: age, MaxAge: o.cfg.StaleDataAge()}
		}
	}

	res, err := o.classifier.Classify(m, cond)
	if err != nil {
		return err
	}
	if res.Status != classifier.StatusTriggered {
		return nil
	}
	if !res.Event.Entering {
		o.log.Info(ctx, "terminal left trigger condition",
			logging.String("terminal_id", terminalID),
			logging.String("condition_id", cond.ID),
			logging.String("event_id", res.Event.ID),
		)
		return nil
	}
	_, err = o.HandleEvent(ctx, res.Event)
	return err
}

// HandleEvent opens a session for an entering event. An active session for
// the same terminal is rolled back and its worker cancelled first. The
// pipeline runs on its own goroutine; the returned ID identifies the new
// session.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev *model.ProcessedEvent) (string, error) {
	if ev == nil || !ev.Entering {
		return "", ErrNotEntering
	}
	if ev.TerminalID == "" {
		return "", &classifier.ClassificationError{Kind: ev.Kind, ConditionID: ev.ConditionID,
			Err: fmt.Errorf("%w: missing terminal id", classifier.ErrInvalidMeasurement)}
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	t, ok := o.terminals[ev.TerminalID]
	if !ok {
		t = &terminal{}
		o.terminals[ev.TerminalID] = t
	}
	// Registering with the WaitGroup while holding o.mu keeps Close from
	// waiting before this worker is counted.
	o.wg.Add(1)
	o.mu.Unlock()

	// The worker outlives the caller's request but keeps its values.
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(o.baseCtx, cancel)

	now := o.clock.Now()
	s := &session{
		snap: model.HandoverSession{
			ID:         uuid.NewString(),
			TerminalID: ev.TerminalID,
			State:      model.SessionIdle,
			StateName:  model.SessionIdle.String(),
			Attempts:   1,
			Event:      ev,
			StartedAt:  now,
			UpdatedAt:  now,
		},
		cancel: func() {
			stop()
			cancel()
		},
	}

	t.mu.Lock()
	if old := t.current; old != nil && !old.snap.State.Terminal() {
		if err := o.transitionLocked(ctx, old, model.SessionRolledBack, "superseded by session "+s.snap.ID, nil); err != nil {
			o.log.Error(ctx, "rollback failed", logging.String("session_id", old.snap.ID), logging.Err(err))
		}
		old.cancel()
	}
	t.current = s
	o.setActive(o.active.Add(1))
	_ = o.transitionLocked(ctx, s, model.SessionPredicting, "entering event "+ev.ID, nil)
	t.mu.Unlock()

	go o.run(workerCtx, t, s)
	return s.snap.ID, nil
}

// transition applies one edge under the terminal mutex.
func (o *Orchestrator) transition(ctx context.Context, t *terminal, s *session, to model.SessionState, reason string, mutate func(*model.HandoverSession)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return o.transitionLocked(ctx, s, to, reason, mutate)
}

func (o *Orchestrator) transitionLocked(ctx context.Context, s *session, to model.SessionState, reason string, mutate func(*model.HandoverSession)) error {
	from := s.snap.State
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	now := o.clock.Now()
	s.snap.State = to
	s.snap.StateName = to.String()
	s.snap.Reason = reason
	s.snap.UpdatedAt = now
	if mutate != nil {
		mutate(&s.snap)
	}

	switch {
	case !from.Terminal() && to.Terminal():
		o.setActive(o.active.Add(-1))
	case from.Terminal() && !to.Terminal():
		o.setActive(o.active.Add(1))
	}
	switch to {
	case model.SessionComplete:
		o.completed.Add(1)
	case model.SessionRolledBack:
		o.rolledBack.Add(1)
	}

	o.log.Info(ctx, "session transition",
		logging.String("session_id", s.snap.ID),
		logging.String("terminal_id", s.snap.TerminalID),
		logging.String("from", from.String()),
		logging.String("to", to.String()),
		logging.String("reason", reason),
		logging.Int("attempt", s.snap.Attempts),
	)
	if o.metrics != nil {
		o.metrics.ObserveTransition(from.String(), to.String())
	}
	if o.transitions != nil {
		ev := TransitionEvent{
			SessionID:  s.snap.ID,
			TerminalID: s.snap.TerminalID,
			From:       from,
			To:         to,
			Reason:     reason,
			Attempt:    s.snap.Attempts,
			At:         now,
		}
		select {
		case o.transitions <- ev:
		default:
			o.log.Warn(ctx, "transition sink full; event dropped", logging.String("session_id", s.snap.ID))
		}
	}
	return nil
}

func (o *Orchestrator) setActive(n int64) {
	if o.metrics != nil {
		o.metrics.SetActiveSessions(int(n))
	}
}

// Subscribe returns a channel that receives every emitted decision. Sends
// never block: when the buffer is full the decision is dropped for that
// subscriber and counted. The channel is closed by Close.
func (o *Orchestrator) Subscribe(buffer int) <-chan model.Decision {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan model.Decision, buffer)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		close(ch)
		return ch
	}
	o.subs = append(o.subs, ch)
	return ch
}

func (o *Orchestrator) publish(ctx context.Context, d model.Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- d:
		default:
			o.dropped.Add(1)
			if o.metrics != nil {
				o.metrics.IncDroppedDecisions()
			}
			o.log.Warn(ctx, "decision subscriber full; decision dropped",
				logging.String("decision_id", d.ID),
				logging.String("terminal_id", d.TerminalID),
			)
		}
	}
}

// Session returns a copy of the terminal's latest session.
func (o *Orchestrator) Session(terminalID string) (model.HandoverSession, bool) {
	t := o.lookup(terminalID)
	if t == nil {
		return model.HandoverSession{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return model.HandoverSession{}, false
	}
	return t.current.snap, true
}

// Visualization returns the payload of the terminal's latest decision.
func (o *Orchestrator) Visualization(terminalID string) (model.VisualizationPayload, bool) {
	t := o.lookup(terminalID)
	if t == nil {
		return model.VisualizationPayload{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.visual == nil {
		return model.VisualizationPayload{}, false
	}
	return *t.visual, true
}

func (o *Orchestrator) lookup(terminalID string) *terminal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.terminals[terminalID]
}

// Status summarises the orchestrator.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	terminals := len(o.terminals)
	subs := len(o.subs)
	o.mu.Unlock()
	return Status{
		PolicyKind:       string(o.primary.Kind()),
		Terminals:        terminals,
		ActiveSessions:   int(o.active.Load()),
		Completed:        o.completed.Load(),
		Failed:           o.failed.Load(),
		RolledBack:       o.rolledBack.Load(),
		Decisions:        o.decisions.Load(),
		Fallbacks:        o.fallbacks.Load(),
		DroppedDecisions: o.dropped.Load(),
		Subscribers:      subs,
	}
}

// Close rolls back active sessions, waits for every worker and closes the
// subscriber channels. It is safe to call more than once.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		terms := make([]*terminal, 0, len(o.terminals))
		for _, t := range o.terminals {
			terms = append(terms, t)
		}
		o.mu.Unlock()

		ctx := context.Background()
		for _, t := range terms {
			t.mu.Lock()
			if s := t.current; s != nil && !s.snap.State.Terminal() {
				_ = o.transitionLocked(ctx, s, model.SessionRolledBack, "orchestrator shutting down", nil)
			}
			t.mu.Unlock()
		}
		o.baseCancel()
		o.wg.Wait()

		o.mu.Lock()
		for _, ch := range o.subs {
			close(ch)
		}
		o.subs = nil
		o.mu.Unlock()
	})
	return nil
}
