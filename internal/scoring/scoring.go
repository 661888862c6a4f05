// Package scoring filters the visible satellite pool and ranks the remaining
// candidates with a weighted multi-factor score.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/leo-handover/internal/config"
	"github.com/signalsfoundry/leo-handover/internal/logging"
	"github.com/signalsfoundry/leo-handover/model"
)

// ErrNoCandidates is matched by *NoCandidatesError.
var ErrNoCandidates = errors.New("no qualified candidates")

// NoCandidatesError reports that every satellite in the pool was
// disqualified (or the pool was empty).
type NoCandidatesError struct {
	Pool         int
	Disqualified []model.ScoredCandidate
}

func (e *NoCandidatesError) Error() string {
	if e.Pool == 0 {
		return "no qualified candidates: visible pool is empty"
	}
	counts := map[model.DisqualifyReason]int{}
	for _, sc := range e.Disqualified {
		counts[sc.DisqualifyReason]++
	}
	return fmt.Sprintf("no qualified candidates among %d satellites: %v", e.Pool, counts)
}

func (e *NoCandidatesError) Unwrap() error { return ErrNoCandidates }

type params struct {
	weights        config.Weights
	minElevation   float64
	noiseFloor     float64
	ceiling        float64
	minRange       float64
	maxRange       float64
	loadSaturation float64
	staleAge       time.Duration
}

// Scorer ranks candidates. It holds no mutable state and is safe for
// concurrent use.
type Scorer struct {
	p   params
	log logging.Logger
}

// New builds a Scorer from cfg. Weights that do not sum to 1 fail with a
// *config.ConfigError.
func New(cfg config.Config, log logging.Logger) (*Scorer, error) {
	if err := cfg.ScoringWeights.Validate(); err != nil {
		return nil, err
	}
	if cfg.NoiseFloorDBm >= cfg.SignalCeilingDBm {
		return nil, &config.ConfigError{Field: "noise_floor_dbm", Reason: "must be below signal_ceiling_dbm"}
	}
	if cfg.MinRangeKm >= cfg.MaxRangeKm {
		return nil, &config.ConfigError{Field: "min_range_km", Reason: "must be below max_range_km"}
	}
	if cfg.MinElevationDeg >= 90 {
		return nil, &config.ConfigError{Field: "min_elevation_deg", Reason: "must be below 90"}
	}
	if cfg.LoadSaturation <= 0 || cfg.LoadSaturation > 1 {
		return nil, &config.ConfigError{Field: "load_saturation", Reason: "must be in (0, 1]"}
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Scorer{
		p: params{
			weights:        cfg.ScoringWeights,
			minElevation:   cfg.MinElevationDeg,
			noiseFloor:     cfg.NoiseFloorDBm,
			ceiling:        cfg.SignalCeilingDBm,
			minRange:       cfg.MinRangeKm,
			maxRange:       cfg.MaxRangeKm,
			loadSaturation: cfg.LoadSaturation,
			staleAge:       cfg.StaleDataAge(),
		},
		log: log,
	}, nil
}

// Score filters and ranks pool for ev. The result holds every satellite of
// the pool: qualified candidates first, ranked by descending score with the
// lower satellite ID winning ties, then disqualified entries with their
// reason codes. A zero ServingSatelliteID means no serving satellite is
// excluded. When nothing qualifies the full list is returned together with a
// *NoCandidatesError.
func (s *Scorer) Score(ctx context.Context, ev *model.ProcessedEvent, pool []model.OrbitalSample) ([]model.ScoredCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		ref     time.Time
		serving model.SatelliteID
	)
	if ev != nil {
		ref = ev.EvaluatedAt
		serving = ev.ServingSatelliteID
	}
	if ref.IsZero() {
		ref = time.Now()
	}

	samples := latestPerSatellite(pool)
	out := make([]model.ScoredCandidate, len(samples))

	// Each satellite is scored independently; results land at their own
	// index so the merge does not depend on goroutine scheduling.
	var wg sync.WaitGroup
	wg.Add(len(samples))
	for i := range samples {
		go func(i int) {
			defer wg.Done()
			out[i] = s.scoreOne(samples[i], ref, serving)
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	qualified := Rank(out)
	if qualified == 0 {
		return out, &NoCandidatesError{Pool: len(pool), Disqualified: out}
	}
	s.log.Debug(ctx, "candidates scored",
		logging.Int("pool", len(pool)),
		logging.Int("qualified", qualified),
		logging.Int("top_satellite", int(out[0].Candidate.SatelliteID)),
		logging.Float64("top_score", out[0].Score),
	)
	return out, nil
}

// Rank sorts scored into the total order and assigns 1-based ranks to the
// qualified entries. It returns the number of qualified entries.
func Rank(scored []model.ScoredCandidate) int {
	sort.Slice(scored, func(i, j int) bool {
		return model.RanksBefore(scored[i], scored[j])
	})
	qualified := 0
	for i := range scored {
		if scored[i].Disqualified {
			scored[i].Rank = 0
			continue
		}
		qualified++
		scored[i].Rank = qualified
	}
	return qualified
}

// latestPerSatellite keeps the newest sample for each satellite so that IDs
// are unique in the ranking.
func latestPerSatellite(pool []model.OrbitalSample) []model.OrbitalSample {
	idx := make(map[model.SatelliteID]int, len(pool))
	out := make([]model.OrbitalSample, 0, len(pool))
	for _, smp := range pool {
		if i, ok := idx[smp.SatelliteID]; ok {
			if smp.Timestamp.After(out[i].Timestamp) {
				out[i] = smp
			}
			continue
		}
		idx[smp.SatelliteID] = len(out)
		out = append(out, smp)
	}
	return out
}

func (s *Scorer) scoreOne(smp model.OrbitalSample, ref time.Time, serving model.SatelliteID) model.ScoredCandidate {
	sc := model.ScoredCandidate{
		Candidate: model.Candidate{
			SatelliteID: smp.SatelliteID,
			Sample:      smp,
			Metrics: model.CandidateMetrics{
				SignalDBm:    smp.EstimatedSignalDBm,
				DistanceKm:   smp.RangeKm,
				ElevationDeg: smp.ElevationDeg,
			},
		},
	}
	if reason := s.disqualify(smp, ref, serving); reason != model.ReasonNone {
		sc.Disqualified = true
		sc.DisqualifyReason = reason
		return sc
	}

	p := s.p
	sub := model.SubScores{
		Signal:   unit((smp.EstimatedSignalDBm - p.noiseFloor) / (p.ceiling - p.noiseFloor)),
		Geometry: unit((smp.ElevationDeg - p.minElevation) / (90 - p.minElevation)),
		Distance: unit((p.maxRange - smp.RangeKm) / (p.maxRange - p.minRange)),
		Load:     loadScore(smp.LoadFactor, p.loadSaturation),
	}
	w := p.weights
	sc.SubScores = sub
	sc.Score = unit(w.Signal*sub.Signal + w.Geometry*sub.Geometry + w.Distance*sub.Distance + w.Load*sub.Load)
	return sc
}

func (s *Scorer) disqualify(smp model.OrbitalSample, ref time.Time, serving model.SatelliteID) model.DisqualifyReason {
	switch {
	case smp.Validate() != nil:
		return model.ReasonInvalidSample
	case serving != 0 && smp.SatelliteID == serving:
		return model.ReasonServingSatellite
	case s.p.staleAge > 0 && smp.Age(ref) > s.p.staleAge:
		return model.ReasonStaleSample
	case smp.ElevationDeg < s.p.minElevation:
		return model.ReasonBelowMinElevation
	case smp.EstimatedSignalDBm < s.p.noiseFloor:
		return model.ReasonBelowNoiseFloor
	default:
		return model.ReasonNone
	}
}

// loadScore is 1-load up to the saturation point and falls quadratically to
// zero at full load beyond it.
func loadScore(load, saturation float64) float64 {
	load = unit(load)
	if load <= saturation || saturation >= 1 {
		return 1 - load
	}
	r := (1 - load) / (1 - saturation)
	return (1 - saturation) * r * r
}

func unit(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
