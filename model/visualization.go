package model

import "time"

// VisualizationCandidate is one row of the presentation payload.
type VisualizationCandidate struct {
	SatelliteID  SatelliteID `json:"satellite_id"`
	Score        float64     `json:"score"`
	Rank         int         `json:"rank"`
	ElevationDeg float64     `json:"elevation_deg"`
	AzimuthDeg   float64     `json:"azimuth_deg"`
	RangeKm      float64     `json:"range_km"`
	SignalDBm    float64     `json:"signal_dbm"`
	Selected     bool        `json:"selected"`
}

// VisualizationPayload is produced for a separate presentation layer; the
// engine never renders it.
type VisualizationPayload struct {
	TerminalID  string                   `json:"terminal_id"`
	SessionID   string                   `json:"session_id"`
	Selected    SatelliteID              `json:"selected_satellite_id"`
	PolicyUsed  PolicyUsed               `json:"policy_used"`
	Confidence  float64                  `json:"confidence"`
	TriggerTime time.Time                `json:"trigger_time"`
	Candidates  []VisualizationCandidate `json:"candidates"`
}

// MaxVisualizationCandidates bounds the candidate rows in a payload.
const MaxVisualizationCandidates = 5

// NewVisualizationPayload builds the payload from a decision and the ranked
// list it was made from.
func NewVisualizationPayload(d Decision, ranked []ScoredCandidate) VisualizationPayload {
	rows := make([]VisualizationCandidate, 0, MaxVisualizationCandidates)
	for _, sc := range ranked {
		if sc.Disqualified {
			continue
		}
		if len(rows) == MaxVisualizationCandidates {
			break
		}
		s := sc.Candidate.Sample
		rows = append(rows, VisualizationCandidate{
			SatelliteID:  sc.Candidate.SatelliteID,
			Score:        sc.Score,
			Rank:         sc.Rank,
			ElevationDeg: s.ElevationDeg,
			AzimuthDeg:   s.AzimuthDeg,
			RangeKm:      s.RangeKm,
			SignalDBm:    s.EstimatedSignalDBm,
			Selected:     sc.Candidate.SatelliteID == d.SelectedSatelliteID,
		})
	}
	return VisualizationPayload{
		TerminalID:  d.TerminalID,
		SessionID:   d.SessionID,
		Selected:    d.SelectedSatelliteID,
		PolicyUsed:  d.PolicyUsed,
		Confidence:  d.Confidence,
		TriggerTime: d.TriggerTime,
		Candidates:  rows,
	}
}
