// Package policy maps scored candidates to a handover target. The set of
// policies is closed: Heuristic and Learned are the only implementations.
package policy

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/leo-handover/internal/config"
	"github.com/signalsfoundry/leo-handover/internal/logging"
	"github.com/signalsfoundry/leo-handover/model"
)

// Kind names a policy variant.
type Kind string

const (
	KindHeuristic Kind = "heuristic"
	KindLearned   Kind = "learned"
)

var (
	// ErrPolicyTimeout is returned when the model service misses its deadline.
	ErrPolicyTimeout = errors.New("policy timeout")
	// ErrPolicyUnavailable is returned when the model service fails, the
	// breaker is open, or the reply does not name a qualified candidate.
	ErrPolicyUnavailable = errors.New("policy unavailable")
	// ErrNoCandidates is returned when the request holds no qualified
	// candidate.
	ErrNoCandidates = errors.New("no qualified candidates")
)

// PolicyError wraps ErrPolicyTimeout or ErrPolicyUnavailable together with
// the underlying cause.
type PolicyError struct {
	Kind  Kind
	Err   error
	Cause error
}

func (e *PolicyError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s policy: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s policy: %v: %v", e.Kind, e.Err, e.Cause)
}

func (e *PolicyError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// Request is the input to a policy decision.
type Request struct {
	SessionID  string
	Event      *model.ProcessedEvent
	Candidates []model.ScoredCandidate

	// Urgency in [0,1] grows with how far past its threshold the trigger
	// fired. Stability in [0,1] is the geometric quality of the best
	// candidate.
	Urgency   float64
	Stability float64
}

// NewRequest derives urgency and stability from the event and ranking.
func NewRequest(sessionID string, ev *model.ProcessedEvent, ranked []model.ScoredCandidate) Request {
	req := Request{SessionID: sessionID, Event: ev, Candidates: ranked}
	if ev != nil {
		req.Urgency = clamp01(2 * (ev.Confidence - 0.5))
	}
	if q := model.Qualified(ranked); len(q) > 0 {
		req.Stability = clamp01(q[0].SubScores.Geometry)
	}
	return req
}

// Policy decides a handover target. The returned Decision carries the
// selection, confidence, alternatives, policy and reasoning; identity and
// timing fields are filled by the caller.
type Policy interface {
	Kind() Kind
	Decide(ctx context.Context, req Request) (model.Decision, error)

	sealed()
}

// New builds the policy named by kind. The learned policy needs a client.
func New(kind Kind, cfg config.Config, client ModelClient, log logging.Logger) (Policy, error) {
	switch kind {
	case KindHeuristic:
		return NewHeuristic(cfg.Policy.GapScale), nil
	case KindLearned:
		if client == nil {
			return nil, &config.ConfigError{Field: "policy.endpoint", Reason: "learned policy needs a model client"}
		}
		breaker := NewBreaker("decision-model", cfg.Policy.Breaker.MaxFailures, cfg.BreakerReset(), log)
		return NewLearned(client, cfg.PolicyTimeout(), cfg.Policy.DefaultAlgorithm, breaker, log), nil
	default:
		return nil, &config.ConfigError{Field: "policy.kind", Reason: fmt.Sprintf("unknown policy kind %q", kind)}
	}
}

// MaxAlternatives bounds the runner-up list attached to a decision.
const MaxAlternatives = 4

func alternatives(qualified []model.ScoredCandidate, selected model.SatelliteID) []model.Alternative {
	out := make([]model.Alternative, 0, MaxAlternatives)
	for _, sc := range qualified {
		if sc.Candidate.SatelliteID == selected {
			continue
		}
		if len(out) == MaxAlternatives {
			break
		}
		out = append(out, model.Alternative{SatelliteID: sc.Candidate.SatelliteID, Score: sc.Score})
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
