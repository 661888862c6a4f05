package policy

import (
	"context"
	"fmt"
	"math"

	"github.com/signalsfoundry/leo-handover/model"
)

// DefaultGapScale is the score gap at which heuristic confidence reaches
// about 0.82.
const DefaultGapScale = 0.1

// Heuristic picks the top-ranked qualified candidate. Its confidence grows
// with the score gap to the runner-up.
type Heuristic struct {
	gapScale float64
}

// NewHeuristic returns a Heuristic. A non-positive gapScale selects
// DefaultGapScale.
func NewHeuristic(gapScale float64) *Heuristic {
	if gapScale <= 0 {
		gapScale = DefaultGapScale
	}
	return &Heuristic{gapScale: gapScale}
}

func (*Heuristic) sealed() {}

// Kind returns KindHeuristic.
func (*Heuristic) Kind() Kind { return KindHeuristic }

// Decide selects the first qualified candidate. It only fails when there is
// none.
func (h *Heuristic) Decide(_ context.Context, req Request) (model.Decision, error) {
	q := model.Qualified(req.Candidates)
	if len(q) == 0 {
		return model.Decision{}, ErrNoCandidates
	}
	top := q[0]
	second := 0.0
	if len(q) > 1 {
		second = q[1].Score
	}
	gap := math.Max(0, top.Score-second)

	return model.Decision{
		SelectedSatelliteID: top.Candidate.SatelliteID,
		Confidence:          h.Confidence(gap),
		Alternatives:        alternatives(q, top.Candidate.SatelliteID),
		PolicyUsed:          model.PolicyUsedHeuristic,
		ReasoningTrace: []string{
			fmt.Sprintf("heuristic: selected satellite %d (score %.3f, elevation %.1f deg, signal %.1f dBm)",
				top.Candidate.SatelliteID, top.Score, top.Candidate.Metrics.ElevationDeg, top.Candidate.Metrics.SignalDBm),
			fmt.Sprintf("heuristic: score gap %.3f over %d other qualified candidates", gap, len(q)-1),
		},
	}, nil
}

// Confidence maps a non-negative score gap into [0.5, 1).
func (h *Heuristic) Confidence(gap float64) float64 {
	return 0.5 + 0.5*(1-math.Exp(-gap/h.gapScale))
}
