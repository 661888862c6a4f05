// Package kb keeps the latest orbital samples reported for each satellite.
package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/leo-handover/core"
	"github.com/signalsfoundry/leo-handover/model"
)

var (
	// ErrUnknownSatellite is returned when no sample has been ingested for a satellite.
	ErrUnknownSatellite = errors.New("unknown satellite")
	// ErrStaleData matches every *StaleDataError.
	ErrStaleData = errors.New("stale orbital data")
	// ErrOutOfOrder is returned when a sample is older than the one already held.
	ErrOutOfOrder = errors.New("out-of-order sample")
)

// StaleDataError reports that the newest sample for a satellite is older
// than the configured maximum age.
type StaleDataError struct {
	SatelliteID model.SatelliteID
	Age         time.Duration
	MaxAge      time.Duration
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("satellite %d: newest sample is %s old (max %s)", e.SatelliteID, e.Age, e.MaxAge)
}

// Is makes errors.Is(err, ErrStaleData) match.
func (e *StaleDataError) Is(target error) bool { return target == ErrStaleData }

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventSampleIngested EventType = iota
)

// Event is emitted to subscribers when a sample is accepted.
type Event struct {
	Type   EventType
	Sample model.OrbitalSample
}

// KnowledgeBase is an in-memory, thread-safe store of the two most recent
// samples per satellite.
type KnowledgeBase struct {
	mu sync.RWMutex

	latest   map[model.SatelliteID]model.OrbitalSample
	previous map[model.SatelliteID]model.OrbitalSample

	subs map[int]func(Event)
	next int
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		latest:   make(map[model.SatelliteID]model.OrbitalSample),
		previous: make(map[model.SatelliteID]model.OrbitalSample),
		subs:     make(map[int]func(Event)),
	}
}

// Ingest validates and stores a sample. A sample with the same timestamp as
// the held one replaces it; an older one is rejected with ErrOutOfOrder.
func (kb *KnowledgeBase) Ingest(s model.OrbitalSample) error {
	if err := s.Validate(); err != nil {
		return err
	}

	kb.mu.Lock()
	if cur, ok := kb.latest[s.SatelliteID]; ok {
		switch {
		case s.Timestamp.Before(cur.Timestamp):
			kb.mu.Unlock()
			return fmt.Errorf("%w: satellite %d sample at %s precedes %s", ErrOutOfOrder, s.SatelliteID, s.Timestamp, cur.Timestamp)
		case s.Timestamp.After(cur.Timestamp):
			kb.previous[s.SatelliteID] = cur
		}
	}
	kb.latest[s.SatelliteID] = s

	subs := make([]func(Event), 0, len(kb.subs))
	for _, fn := range kb.subs {
		subs = append(subs, fn)
	}
	kb.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	event := Event{Type: EventSampleIngested, Sample: s}
	for _, sub := range subs {
		sub(event)
	}
	return nil
}

// Latest returns the newest sample for a satellite.
func (kb *KnowledgeBase) Latest(id model.SatelliteID) (model.OrbitalSample, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	s, ok := kb.latest[id]
	return s, ok
}

// Fresh returns the newest sample for a satellite, failing with a
// *StaleDataError when it is older than maxAge at now. A non-positive maxAge
// disables the check.
func (kb *KnowledgeBase) Fresh(id model.SatelliteID, now time.Time, maxAge time.Duration) (model.OrbitalSample, error) {
	s, ok := kb.Latest(id)
	if !ok {
		return model.OrbitalSample{}, fmt.Errorf("%w: %d", ErrUnknownSatellite, id)
	}
	if maxAge > 0 {
		if age := s.Age(now); age > maxAge {
			return s, &StaleDataError{SatelliteID: id, Age: age, MaxAge: maxAge}
		}
	}
	return s, nil
}

// Pool returns the newest sample of every known satellite ordered by
// satellite ID. Staleness is left to the consumer.
func (kb *KnowledgeBase) Pool() []model.OrbitalSample {
	kb.mu.RLock()
	out := make([]model.OrbitalSample, 0, len(kb.latest))
	for _, s := range kb.latest {
		out = append(out, s)
	}
	kb.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SatelliteID < out[j].SatelliteID })
	return out
}

// Len returns the number of satellites with at least one sample.
func (kb *KnowledgeBase) Len() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.latest)
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	id := kb.next
	kb.next++
	kb.subs[id] = fn

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		delete(kb.subs, id)
	}
}

// Predict extrapolates a satellite's sample to t from its two newest
// samples. With a single sample the range moves at the reported relative
// velocity and elevation is held. Received power follows the range change.
func (kb *KnowledgeBase) Predict(id model.SatelliteID, t time.Time) (model.OrbitalSample, error) {
	kb.mu.RLock()
	cur, ok := kb.latest[id]
	prev, hasPrev := kb.previous[id]
	kb.mu.RUnlock()
	if !ok {
		return model.OrbitalSample{}, fmt.Errorf("%w: %d", ErrUnknownSatellite, id)
	}

	dt := t.Sub(cur.Timestamp).Seconds()
	rangeRate := cur.RelativeVelocityKmS
	elevRate := 0.0
	if hasPrev {
		if span := cur.Timestamp.Sub(prev.Timestamp).Seconds(); span > 0 {
			rangeRate = (cur.RangeKm - prev.RangeKm) / span
			elevRate = (cur.ElevationDeg - prev.ElevationDeg) / span
		}
	}

	out := cur
	out.Timestamp = t
	out.RangeKm = cur.RangeKm + rangeRate*dt
	if out.RangeKm < 1 {
		out.RangeKm = 1
	}
	out.ElevationDeg = cur.ElevationDeg + elevRate*dt
	if out.ElevationDeg > 90 {
		out.ElevationDeg = 90
	} else if out.ElevationDeg < -90 {
		out.ElevationDeg = -90
	}
	out.RelativeVelocityKmS = rangeRate
	out.EstimatedSignalDBm = core.RangeScaledSignalDBm(cur.EstimatedSignalDBm, cur.RangeKm, out.RangeKm)
	return out, nil
}
