package policy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/leo-handover/internal/logging"
	"github.com/signalsfoundry/leo-handover/model"
)

// Algorithms understood by the decision-model service.
const (
	AlgorithmDQN = "dqn"
	AlgorithmSAC = "sac"
	AlgorithmPPO = "ppo"
)

// SelectAlgorithm picks the model algorithm for a request: dqn when the
// trigger is urgent, sac when the best candidate is geometrically unstable,
// ppo for large candidate sets, otherwise fallback.
func SelectAlgorithm(urgency, stability float64, candidates int, fallback string) string {
	switch {
	case urgency > 0.8:
		return AlgorithmDQN
	case stability < 0.3:
		return AlgorithmSAC
	case candidates > 10:
		return AlgorithmPPO
	case fallback != "":
		return fallback
	default:
		return AlgorithmDQN
	}
}

// CandidateFeatures is the per-candidate input of the decision model.
type CandidateFeatures struct {
	SatelliteID  model.SatelliteID
	Score        float64
	SignalDBm    float64
	ElevationDeg float64
	RangeKm      float64
	LoadFactor   float64
}

// ModelRequest is sent to the decision-model service.
type ModelRequest struct {
	TerminalID string
	SessionID  string
	Algorithm  string
	Urgency    float64
	Stability  float64
	Candidates []CandidateFeatures
}

// ModelResponse is the decision-model service's answer.
type ModelResponse struct {
	SatelliteID model.SatelliteID
	Confidence  float64
	Algorithm   string
}

// ModelClient calls the external decision-model service.
type ModelClient interface {
	Decide(ctx context.Context, req ModelRequest) (ModelResponse, error)
}

// Learned delegates selection to a ModelClient under a hard deadline.
type Learned struct {
	client           ModelClient
	timeout          time.Duration
	defaultAlgorithm string
	breaker          *Breaker
	log              logging.Logger
}

// NewLearned returns a Learned policy. breaker may be nil.
func NewLearned(client ModelClient, timeout time.Duration, defaultAlgorithm string, breaker *Breaker, log logging.Logger) *Learned {
	if log == nil {
		log = logging.Noop()
	}
	return &Learned{
		client:           client,
		timeout:          timeout,
		defaultAlgorithm: defaultAlgorithm,
		breaker:          breaker,
		log:              log,
	}
}

func (*Learned) sealed() {}

// Kind returns KindLearned.
func (*Learned) Kind() Kind { return KindLearned }

type modelResult struct {
	resp ModelResponse
	err  error
}

// Decide asks the model service for a target. The call is abandoned when the
// deadline passes or ctx is cancelled; a late reply is discarded. Cancellation
// of ctx is returned as is, every other failure as a *PolicyError.
func (l *Learned) Decide(ctx context.Context, req Request) (model.Decision, error) {
	q := model.Qualified(req.Candidates)
	if len(q) == 0 {
		return model.Decision{}, ErrNoCandidates
	}

	mreq := ModelRequest{
		SessionID:  req.SessionID,
		Algorithm:  SelectAlgorithm(req.Urgency, req.Stability, len(q), l.defaultAlgorithm),
		Urgency:    req.Urgency,
		Stability:  req.Stability,
		Candidates: make([]CandidateFeatures, 0, len(q)),
	}
	if req.Event != nil {
		mreq.TerminalID = req.Event.TerminalID
	}
	for _, sc := range q {
		mreq.Candidates = append(mreq.Candidates, CandidateFeatures{
			SatelliteID:  sc.Candidate.SatelliteID,
			Score:        sc.Score,
			SignalDBm:    sc.Candidate.Metrics.SignalDBm,
			ElevationDeg: sc.Candidate.Metrics.ElevationDeg,
			RangeKm:      sc.Candidate.Metrics.DistanceKm,
			LoadFactor:   sc.Candidate.Sample.LoadFactor,
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	done := make(chan modelResult, 1)
	go func() {
		var r modelResult
		call := func(ctx context.Context) error {
			r.resp, r.err = l.client.Decide(ctx, mreq)
			return r.err
		}
		if l.breaker != nil {
			r.err = l.breaker.Execute(callCtx, call)
		} else {
			r.err = call(callCtx)
		}
		done <- r
	}()

	var res modelResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}

	if err := ctx.Err(); err != nil {
		return model.Decision{}, err
	}
	if res.err != nil {
		perr := l.classify(res.err)
		l.log.Debug(ctx, "decision model call failed",
			logging.String("session_id", req.SessionID),
			logging.String("algorithm", mreq.Algorithm),
			logging.Err(perr),
		)
		return model.Decision{}, perr
	}

	selected, ok := findQualified(q, res.resp.SatelliteID)
	if !ok {
		return model.Decision{}, &PolicyError{Kind: KindLearned, Err: ErrPolicyUnavailable,
			Cause: fmt.Errorf("model selected satellite %d which is not a qualified candidate", res.resp.SatelliteID)}
	}
	conf := res.resp.Confidence
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return model.Decision{}, &PolicyError{Kind: KindLearned, Err: ErrPolicyUnavailable,
			Cause: fmt.Errorf("model confidence %v outside [0,1]", conf)}
	}
	algorithm := res.resp.Algorithm
	if algorithm == "" {
		algorithm = mreq.Algorithm
	}

	return model.Decision{
		SelectedSatelliteID: selected.Candidate.SatelliteID,
		Confidence:          conf,
		Alternatives:        alternatives(q, selected.Candidate.SatelliteID),
		PolicyUsed:          model.PolicyUsedLearned,
		Algorithm:           algorithm,
		ReasoningTrace: []string{
			fmt.Sprintf("learned: algorithm %s (urgency %.2f, stability %.2f, %d candidates)", algorithm, req.Urgency, req.Stability, len(q)),
			fmt.Sprintf("learned: model selected satellite %d (rank %d, score %.3f)", selected.Candidate.SatelliteID, selected.Rank, selected.Score),
		},
	}, nil
}

func (l *Learned) classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), status.Code(err) == codes.DeadlineExceeded:
		return &PolicyError{Kind: KindLearned, Err: ErrPolicyTimeout, Cause: err}
	default:
		return &PolicyError{Kind: KindLearned, Err: ErrPolicyUnavailable, Cause: err}
	}
}

func findQualified(q []model.ScoredCandidate, id model.SatelliteID) (model.ScoredCandidate, bool) {
	for _, sc := range q {
		if sc.Candidate.SatelliteID == id {
			return sc, true
		}
	}
	return model.ScoredCandidate{}, false
}
