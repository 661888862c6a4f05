package scoring

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/signalsfoundry/leo-handover/internal/config"
	"github.com/signalsfoundry/leo-handover/model"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := New(config.Default(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func sample(id model.SatelliteID, elev, rangeKm, dbm, load float64) model.OrbitalSample {
	return model.OrbitalSample{
		SatelliteID:        id,
		Timestamp:          t0,
		ElevationDeg:       elev,
		AzimuthDeg:         180,
		RangeKm:            rangeKm,
		EstimatedSignalDBm: dbm,
		LoadFactor:         load,
	}
}

func event(serving model.SatelliteID) *model.ProcessedEvent {
	return &model.ProcessedEvent{TerminalID: "ut-1", ServingSatelliteID: serving, EvaluatedAt: t0.Add(time.Second), Entering: true}
}

func ids(scored []model.ScoredCandidate) []model.SatelliteID {
	out := make([]model.SatelliteID, len(scored))
	for i, sc := range scored {
		out[i] = sc.Candidate.SatelliteID
	}
	return out
}

func TestRankTieBreakExample(t *testing.T) {
	scored := []model.ScoredCandidate{
		{Candidate: model.Candidate{SatelliteID: 205}, Score: 0.82},
		{Candidate: model.Candidate{SatelliteID: 102}, Score: 0.82},
		{Candidate: model.Candidate{SatelliteID: 77}, Score: 0.41},
	}
	if n := Rank(scored); n != 3 {
		t.Fatalf("qualified = %d, want 3", n)
	}
	want := []model.SatelliteID{102, 205, 77}
	if got := ids(scored); !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i, sc := range scored {
		if sc.Rank != i+1 {
			t.Fatalf("rank[%d] = %d, want %d", i, sc.Rank, i+1)
		}
	}
}

func TestScoreEqualSamplesBreakTiesByID(t *testing.T) {
	s := newScorer(t)
	pool := []model.OrbitalSample{
		sample(205, 45, 900, -75, 0.3),
		sample(102, 45, 900, -75, 0.3),
		sample(77, 15, 2200, -100, 0.9),
	}
	scored, err := s.Score(context.Background(), event(0), pool)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if got, want := ids(scored), []model.SatelliteID{102, 205, 77}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if scored[0].Score != scored[1].Score {
		t.Fatalf("expected equal scores, got %v and %v", scored[0].Score, scored[1].Score)
	}
	if scored[2].Score >= scored[1].Score {
		t.Fatalf("expected 77 to score lower")
	}
}

func TestScoreIsDeterministicAndTotal(t *testing.T) {
	s := newScorer(t)
	var pool []model.OrbitalSample
	for i := 0; i < 40; i++ {
		// Several satellites share identical attributes to exercise ties.
		elev := 20 + float64(i%5)*10
		pool = append(pool, sample(model.SatelliteID(1000-i*7), elev, 800+float64(i%3)*300, -70-float64(i%4)*5, float64(i%6)/6))
	}

	first, err := s.Score(context.Background(), event(0), pool)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	for run := 0; run < 10; run++ {
		again, err := s.Score(context.Background(), event(0), pool)
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d produced a different ranking", run)
		}
	}
	for i := 0; i+1 < len(first); i++ {
		if !model.RanksBefore(first[i], first[i+1]) {
			t.Fatalf("entries %d and %d are not strictly ordered", i, i+1)
		}
	}
}

func TestDisqualificationReasons(t *testing.T) {
	s := newScorer(t)
	stale := sample(5, 40, 900, -75, 0.2)
	stale.Timestamp = t0.Add(-time.Minute)
	invalid := sample(6, 40, -1, -75, 0.2)

	pool := []model.OrbitalSample{
		sample(1, 5, 900, -75, 0.2),   // below elevation
		sample(2, 40, 900, -125, 0.2), // below noise floor
		sample(3, 40, 900, -75, 0.2),  // serving
		sample(4, 40, 900, -75, 0.2),  // qualifies
		stale,
		invalid,
	}
	scored, err := s.Score(context.Background(), event(3), pool)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	want := map[model.SatelliteID]model.DisqualifyReason{
		1: model.ReasonBelowMinElevation,
		2: model.ReasonBelowNoiseFloor,
		3: model.ReasonServingSatellite,
		4: model.ReasonNone,
		5: model.ReasonStaleSample,
		6: model.ReasonInvalidSample,
	}
	if len(scored) != len(want) {
		t.Fatalf("len(scored) = %d, want %d", len(scored), len(want))
	}
	if scored[0].Candidate.SatelliteID != 4 || scored[0].Rank != 1 {
		t.Fatalf("expected satellite 4 ranked first, got %+v", scored[0])
	}
	for _, sc := range scored {
		if sc.DisqualifyReason != want[sc.Candidate.SatelliteID] {
			t.Fatalf("satellite %d reason = %q, want %q", sc.Candidate.SatelliteID, sc.DisqualifyReason, want[sc.Candidate.SatelliteID])
		}
		if sc.Disqualified && (sc.Rank != 0 || sc.Score != 0) {
			t.Fatalf("disqualified satellite %d has rank %d score %v", sc.Candidate.SatelliteID, sc.Rank, sc.Score)
		}
	}
}

func TestNoCandidates(t *testing.T) {
	s := newScorer(t)
	pool := []model.OrbitalSample{sample(1, 2, 900, -75, 0.2), sample(2, 3, 900, -75, 0.2)}

	scored, err := s.Score(context.Background(), event(0), pool)
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("err = %v, want ErrNoCandidates", err)
	}
	var nc *NoCandidatesError
	if !errors.As(err, &nc) || nc.Pool != 2 || len(nc.Disqualified) != 2 {
		t.Fatalf("unexpected NoCandidatesError: %+v", nc)
	}
	if len(scored) != 2 {
		t.Fatalf("disqualified list should still be returned, got %d entries", len(scored))
	}

	if _, err := s.Score(context.Background(), event(0), nil); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("empty pool err = %v, want ErrNoCandidates", err)
	}
}

func TestNewRejectsUnnormalisedWeights(t *testing.T) {
	cfg := config.Default()
	cfg.ScoringWeights = config.Weights{Signal: 0.5, Geometry: 0.5, Distance: 0.5, Load: 0}

	_, err := New(cfg, nil)
	var cerr *config.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *config.ConfigError, got %v", err)
	}
}

func TestSubScores(t *testing.T) {
	s := newScorer(t)
	scored, err := s.Score(context.Background(), event(0), []model.OrbitalSample{sample(9, 50, 1500, -90, 0.4)})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	sub := scored[0].SubScores
	checks := []struct {
		name      string
		got, want float64
	}{
		{"signal", sub.Signal, 0.5},
		{"geometry", sub.Geometry, 0.5},
		{"distance", sub.Distance, 0.5},
		{"load", sub.Load, 0.6},
		{"score", scored[0].Score, 0.4*0.5 + 0.25*0.5 + 0.2*0.5 + 0.15*0.6},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > 1e-9 {
			t.Fatalf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadScoreKnee(t *testing.T) {
	if got := loadScore(0.8, 0.8); math.Abs(got-0.2) > 1e-9 {
		t.Fatalf("at saturation = %v, want 0.2", got)
	}
	if got := loadScore(1, 0.8); got != 0 {
		t.Fatalf("at full load = %v, want 0", got)
	}
	// Past the knee the score drops faster than the linear 1-load.
	if got := loadScore(0.9, 0.8); got >= 0.1 {
		t.Fatalf("past knee = %v, want < 0.1", got)
	}
}

func TestDuplicateSamplesKeepNewest(t *testing.T) {
	s := newScorer(t)
	old := sample(3, 20, 2000, -95, 0.5)
	newer := sample(3, 60, 700, -72, 0.1)
	newer.Timestamp = t0.Add(500 * time.Millisecond)

	scored, err := s.Score(context.Background(), event(0), []model.OrbitalSample{old, newer})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(scored) != 1 || scored[0].Candidate.Sample.ElevationDeg != 60 {
		t.Fatalf("expected only the newest sample, got %+v", scored)
	}
}

func TestScoreHonoursCancelledContext(t *testing.T) {
	s := newScorer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Score(ctx, event(0), []model.OrbitalSample{sample(1, 40, 900, -75, 0.2)}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
