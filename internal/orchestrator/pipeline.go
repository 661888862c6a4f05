package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/leo-handover/internal/logging"
	"github.com/signalsfoundry/leo-handover/internal/policy"
	"github.com/signalsfoundry/leo-handover/kb"
	"github.com/signalsfoundry/leo-handover/model"
)

// failure is an attempt that ended without a decision.
type failure struct {
	reason string
	retry  bool
}

// errSuperseded marks an attempt abandoned because its session was rolled
// back or the orchestrator is closing.
var errSuperseded = errors.New("session superseded")

func (o *Orchestrator) run(ctx context.Context, t *terminal, s *session) {
	defer o.wg.Done()
	defer s.cancel()

	for {
		f, err := o.attempt(ctx, t, s)
		if err != nil {
			return
		}
		if f == nil {
			return
		}
		if !o.fail(ctx, t, s, *f) {
			return
		}
	}
}

// fail moves the session to Failed and, when the retry budget allows, back
// to Predicting in the same critical section. It reports whether another
// attempt should run.
func (o *Orchestrator) fail(ctx context.Context, t *terminal, s *session, f failure) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := o.transitionLocked(ctx, s, model.SessionFailed, f.reason, nil); err != nil {
		return false
	}
	if !f.retry || s.snap.Attempts > o.cfg.MaxRetryCount {
		o.failed.Add(1)
		return false
	}
	reason := fmt.Sprintf("retry %d of %d", s.snap.Attempts, o.cfg.MaxRetryCount)
	err := o.transitionLocked(ctx, s, model.SessionPredicting, reason, func(hs *model.HandoverSession) {
		hs.Attempts++
	})
	return err == nil
}

// attempt runs one pass of the pipeline from Predicting. It returns a nil
// failure on completion and errSuperseded when the session was taken away.
func (o *Orchestrator) attempt(ctx context.Context, t *terminal, s *session) (*failure, error) {
	t.mu.Lock()
	ev := s.snap.Event
	sessionID := s.snap.ID
	started := s.snap.StartedAt
	attempt := s.snap.Attempts
	t.mu.Unlock()

	ctx, span := o.tracer.Start(ctx, "handover.attempt", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("terminal_id", ev.TerminalID),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	ranked, err := o.score(ctx, ev)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errSuperseded
		}
		span.SetStatus(codes.Error, err.Error())
		return &failure{reason: err.Error()}, nil
	}
	if err := o.transition(ctx, t, s, model.SessionAwaitingPolicy, fmt.Sprintf("%d candidates ranked", len(model.Qualified(ranked))), nil); err != nil {
		return nil, errSuperseded
	}

	d, err := o.decide(ctx, sessionID, ev, ranked)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errSuperseded
		}
		span.SetStatus(codes.Error, err.Error())
		return &failure{reason: "policy: " + err.Error()}, nil
	}

	d.ID = uuid.NewString()
	d.SessionID = sessionID
	d.TerminalID = ev.TerminalID
	o.applyTriggerTime(ctx, ev, &d)
	d.CreatedAt = o.clock.Now()

	visual := model.NewVisualizationPayload(d, ranked)
	t.mu.Lock()
	err = o.transitionLocked(ctx, s, model.SessionExecuting, fmt.Sprintf("decision %s selects satellite %d", d.ID, d.SelectedSatelliteID), func(hs *model.HandoverSession) {
		hs.Decision = &d
	})
	if err == nil {
		t.visual = &visual
		// Published while the session is still current; a rollback cannot
		// slip in between the transition and the fan-out.
		o.decisions.Add(1)
		o.publish(ctx, d)
	}
	t.mu.Unlock()
	if err != nil {
		return nil, errSuperseded
	}

	if o.metrics != nil {
		o.metrics.ObserveDecision(string(d.PolicyUsed), o.clock.Now().Sub(started))
	}
	span.SetAttributes(
		attribute.Int("selected_satellite_id", int(d.SelectedSatelliteID)),
		attribute.String("policy_used", string(d.PolicyUsed)),
	)

	if !o.stillCurrent(ctx, t, s) {
		return nil, errSuperseded
	}
	if err := o.execute(ctx, d); err != nil {
		if ctx.Err() != nil {
			return nil, errSuperseded
		}
		span.SetStatus(codes.Error, err.Error())
		return &failure{reason: "execution: " + err.Error(), retry: true}, nil
	}
	if err := o.transition(ctx, t, s, model.SessionComplete, "execution acknowledged", nil); err != nil {
		return nil, errSuperseded
	}
	o.classifier.Reset(ev.TerminalID)
	return nil, nil
}

func (o *Orchestrator) score(ctx context.Context, ev *model.ProcessedEvent) ([]model.ScoredCandidate, error) {
	ctx, span := o.tracer.Start(ctx, "handover.score")
	defer span.End()
	pool := o.samples.Pool()
	span.SetAttributes(attribute.Int("pool_size", len(pool)))
	return o.scorer.Score(ctx, ev, pool)
}

// decide asks the primary policy and substitutes the heuristic when a
// learned policy times out or is unavailable.
func (o *Orchestrator) decide(ctx context.Context, sessionID string, ev *model.ProcessedEvent, ranked []model.ScoredCandidate) (model.Decision, error) {
	ctx, span := o.tracer.Start(ctx, "handover.policy", trace.WithAttributes(
		attribute.String("policy_kind", string(o.primary.Kind())),
	))
	defer span.End()

	req := policy.NewRequest(sessionID, ev, ranked)
	d, err := o.primary.Decide(ctx, req)
	if err == nil {
		return d, nil
	}
	var perr *policy.PolicyError
	if !errors.As(err, &perr) || o.primary.Kind() == policy.KindHeuristic {
		return model.Decision{}, err
	}

	reason := "unavailable"
	if errors.Is(err, policy.ErrPolicyTimeout) {
		reason = "timeout"
	}
	o.fallbacks.Add(1)
	if o.metrics != nil {
		o.metrics.ObserveFallback(reason)
	}
	o.log.Warn(ctx, "learned policy failed; using heuristic fallback",
		logging.String("session_id", sessionID),
		logging.String("terminal_id", ev.TerminalID),
		logging.String("reason", reason),
		logging.Err(err),
	)
	span.AddEvent("fallback", trace.WithAttributes(attribute.String("reason", reason)))

	d, ferr := o.fallback.Decide(ctx, req)
	if ferr != nil {
		return model.Decision{}, ferr
	}
	d.PolicyUsed = model.PolicyUsedFallback
	d.Warnings = append(d.Warnings, "learned policy "+reason+": "+err.Error())
	return d, nil
}

// applyTriggerTime sets the decision's trigger time: the instant within the
// prediction window at which the target's predicted signal first reaches the
// serving satellite's.
func (o *Orchestrator) applyTriggerTime(ctx context.Context, ev *model.ProcessedEvent, d *model.Decision) {
	ctx, span := o.tracer.Start(ctx, "handover.refine")
	defer span.End()

	start := ev.EvaluatedAt
	if start.IsZero() {
		start = o.clock.Now()
	}
	end := start.Add(o.cfg.PredictionWindow())
	target, serving := d.SelectedSatelliteID, ev.ServingSatelliteID

	pred := func(at time.Time) (bool, error) {
		tgt, err := o.samples.Predict(target, at)
		if err != nil {
			return false, err
		}
		srv, err := o.samples.Predict(serving, at)
		if errors.Is(err, kb.ErrUnknownSatellite) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return tgt.EstimatedSignalDBm >= srv.EstimatedSignalDBm, nil
	}

	d.TriggerTime = start
	if serving == 0 {
		d.ReasoningTrace = append(d.ReasoningTrace, "no serving satellite; trigger immediately")
		return
	}
	now, err := pred(start)
	if err != nil {
		o.lowConfidenceTrigger(ctx, d, 1, err)
		return
	}
	if now {
		d.ReasoningTrace = append(d.ReasoningTrace, "target already at or above serving signal; trigger immediately")
		o.observeRefinement(1, false)
		return
	}
	later, err := pred(end)
	if err != nil {
		o.lowConfidenceTrigger(ctx, d, 2, err)
		return
	}
	if !later {
		d.ReasoningTrace = append(d.ReasoningTrace, fmt.Sprintf("no signal crossing within %s; trigger immediately", o.cfg.PredictionWindow()))
		o.observeRefinement(2, false)
		return
	}

	res, err := o.refiner.Refine(ctx, start, end, pred)
	if err != nil {
		o.lowConfidenceTrigger(ctx, d, 2, err)
		return
	}
	iterations := res.Iterations + 2
	span.SetAttributes(attribute.Int("iterations", iterations))
	if res.LowConfidence {
		d.TriggerTime = res.TriggerTime
		o.lowConfidenceTrigger(ctx, d, iterations, res.Cause)
		return
	}
	d.TriggerTime = res.TriggerTime
	d.ReasoningTrace = append(d.ReasoningTrace, fmt.Sprintf("signal crossing refined to %s after %d evaluations",
		res.TriggerTime.Sub(start), iterations))
	o.observeRefinement(iterations, false)
}

func (o *Orchestrator) lowConfidenceTrigger(ctx context.Context, d *model.Decision, iterations int, cause error) {
	d.LowConfidenceTrigger = true
	msg := "trigger time refinement stopped early"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	d.Warnings = append(d.Warnings, msg)
	o.log.Warn(ctx, msg, logging.String("terminal_id", d.TerminalID), logging.Int("iterations", iterations))
	o.observeRefinement(iterations, true)
}

func (o *Orchestrator) observeRefinement(iterations int, low bool) {
	if o.metrics != nil {
		o.metrics.ObserveRefinement(iterations, low)
	}
}

// stillCurrent reports whether s is the terminal's live session and its
// context has not been cancelled.
func (o *Orchestrator) stillCurrent(ctx context.Context, t *terminal, s *session) bool {
	if ctx.Err() != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current == s && !s.snap.State.Terminal()
}

func (o *Orchestrator) execute(ctx context.Context, d model.Decision) error {
	ctx, span := o.tracer.Start(ctx, "handover.execute", trace.WithAttributes(
		attribute.String("decision_id", d.ID),
	))
	defer span.End()
	if err := o.executor.Execute(ctx, d); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// LogExecutor acknowledges every decision of a live session after logging
// it. It stands in for the execution collaborator when none is configured.
func LogExecutor(log logging.Logger) Executor {
	if log == nil {
		log = logging.Noop()
	}
	return ExecutorFunc(func(ctx context.Context, d model.Decision) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Info(ctx, "handover decision",
			logging.String("decision_id", d.ID),
			logging.String("terminal_id", d.TerminalID),
			logging.Int("selected_satellite_id", int(d.SelectedSatelliteID)),
			logging.String("policy_used", string(d.PolicyUsed)),
			logging.Float64("confidence", d.Confidence),
		)
		return nil
	})
}
