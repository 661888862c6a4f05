package model

// CandidateMetrics are the derived per-satellite values used for scoring.
type CandidateMetrics struct {
	SignalDBm    float64 `json:"signal_dbm"`
	DistanceKm   float64 `json:"distance_km"`
	ElevationDeg float64 `json:"elevation_deg"`
}

// Candidate is a satellite considered as a handover target.
type Candidate struct {
	SatelliteID SatelliteID      `json:"satellite_id"`
	Sample      OrbitalSample    `json:"sample"`
	Metrics     CandidateMetrics `json:"metrics"`
}

// SubScores holds the normalised components of a candidate score.
type SubScores struct {
	Signal   float64 `json:"signal"`
	Geometry float64 `json:"geometry"`
	Distance float64 `json:"distance"`
	Load     float64 `json:"load"`
}

// DisqualifyReason is a reason code for a hard disqualification.
type DisqualifyReason string

const (
	ReasonNone              DisqualifyReason = ""
	ReasonBelowMinElevation DisqualifyReason = "below_min_elevation"
	ReasonBelowNoiseFloor   DisqualifyReason = "below_noise_floor"
	ReasonStaleSample       DisqualifyReason = "stale_sample"
	ReasonServingSatellite  DisqualifyReason = "serving_satellite"
	ReasonInvalidSample     DisqualifyReason = "invalid_sample"
)

// ScoredCandidate is a candidate with its score and position in the ranking.
// Disqualified candidates carry a zero score and rank.
type ScoredCandidate struct {
	Candidate        Candidate        `json:"candidate"`
	Score            float64          `json:"score"`
	SubScores        SubScores        `json:"sub_scores"`
	Rank             int              `json:"rank"`
	Disqualified     bool             `json:"disqualified"`
	DisqualifyReason DisqualifyReason `json:"disqualify_reason,omitempty"`
}

// RanksBefore reports whether a sorts strictly before b: qualified entries
// first, then higher score, then lower satellite ID.
func RanksBefore(a, b ScoredCandidate) bool {
	if a.Disqualified != b.Disqualified {
		return !a.Disqualified
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Candidate.SatelliteID < b.Candidate.SatelliteID
}

// Qualified returns the non-disqualified entries, preserving order.
func Qualified(scored []ScoredCandidate) []ScoredCandidate {
	out := make([]ScoredCandidate, 0, len(scored))
	for _, sc := range scored {
		if !sc.Disqualified {
			out = append(out, sc)
		}
	}
	return out
}
