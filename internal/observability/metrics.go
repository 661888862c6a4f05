package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/leo-handover/kb"
	"github.com/signalsfoundry/leo-handover/model"
)

// Collector bundles Prometheus metrics for the handover engine and its
// northbound gRPC surface.
type Collector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	Transitions       *prometheus.CounterVec
	Decisions         *prometheus.CounterVec
	Fallbacks         *prometheus.CounterVec
	Classifications   *prometheus.CounterVec
	DecisionLatency   prometheus.Histogram
	RefineIterations  prometheus.Histogram
	LowConfidenceRuns prometheus.Counter
	DroppedDecisions  prometheus.Counter
	ActiveSessions    prometheus.Gauge

	SamplesIngested   *prometheus.CounterVec
	TrackedSatellites prometheus.Gauge
}

// NewCollector registers the engine metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.RPCRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handover_rpc_requests_total",
		Help: "Total number of handled gRPC calls, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "handover_rpc_requests_total"); err != nil {
		return nil, err
	}
	if c.RPCDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "handover_rpc_duration_seconds",
		Help:    "gRPC call latency in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}, []string{"service", "method"}), "handover_rpc_duration_seconds"); err != nil {
		return nil, err
	}
	if c.Transitions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handover_session_transitions_total",
		Help: "Session state transitions, labeled by source and destination state.",
	}, []string{"from", "to"}), "handover_session_transitions_total"); err != nil {
		return nil, err
	}
	if c.Decisions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handover_decisions_total",
		Help: "Emitted decisions, labeled by the policy that produced them.",
	}, []string{"policy"}), "handover_decisions_total"); err != nil {
		return nil, err
	}
	if c.Fallbacks, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handover_policy_fallbacks_total",
		Help: "Heuristic substitutions after a learned-policy failure, labeled by reason.",
	}, []string{"reason"}), "handover_policy_fallbacks_total"); err != nil {
		return nil, err
	}
	if c.Classifications, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handover_classifications_total",
		Help: "Classifier results, labeled by condition kind and outcome.",
	}, []string{"kind", "status"}), "handover_classifications_total"); err != nil {
		return nil, err
	}
	if c.DecisionLatency, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "handover_decision_latency_seconds",
		Help:    "Time from session start to decision emission.",
		Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5},
	}), "handover_decision_latency_seconds"); err != nil {
		return nil, err
	}
	if c.RefineIterations, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "handover_refine_iterations",
		Help:    "Predicate evaluations used by trigger-time refinement.",
		Buckets: prometheus.LinearBuckets(0, 2, 12),
	}), "handover_refine_iterations"); err != nil {
		return nil, err
	}
	if c.LowConfidenceRuns, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "handover_refine_low_confidence_total",
		Help: "Refinements that ended on an inconsistent predicate.",
	}), "handover_refine_low_confidence_total"); err != nil {
		return nil, err
	}
	if c.DroppedDecisions, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "handover_dropped_decisions_total",
		Help: "Decisions not delivered to a subscriber whose buffer was full.",
	}), "handover_dropped_decisions_total"); err != nil {
		return nil, err
	}
	if c.ActiveSessions, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "handover_active_sessions",
		Help: "Sessions currently in a non-terminal state.",
	}), "handover_active_sessions"); err != nil {
		return nil, err
	}
	if c.SamplesIngested, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handover_samples_ingested_total",
		Help: "Orbital samples accepted by the knowledge base, labeled by whether the satellite was above the horizon.",
	}, []string{"visible"}), "handover_samples_ingested_total"); err != nil {
		return nil, err
	}
	if c.TrackedSatellites, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "handover_tracked_satellites",
		Help: "Satellites with at least one sample in the knowledge base.",
	}), "handover_tracked_satellites"); err != nil {
		return nil, err
	}

	return c, nil
}

// ObserveTransition counts a session state transition.
func (c *Collector) ObserveTransition(from, to string) {
	if c == nil || c.Transitions == nil {
		return
	}
	c.Transitions.WithLabelValues(from, to).Inc()
}

// ObserveDecision counts an emitted decision and its latency.
func (c *Collector) ObserveDecision(policy string, latency time.Duration) {
	if c == nil {
		return
	}
	if c.Decisions != nil {
		c.Decisions.WithLabelValues(policy).Inc()
	}
	if c.DecisionLatency != nil {
		c.DecisionLatency.Observe(latency.Seconds())
	}
}

// ObserveFallback counts a heuristic substitution.
func (c *Collector) ObserveFallback(reason string) {
	if c == nil || c.Fallbacks == nil {
		return
	}
	c.Fallbacks.WithLabelValues(reason).Inc()
}

// ObserveClassification counts one classifier result.
func (c *Collector) ObserveClassification(kind, status string) {
	if c == nil || c.Classifications == nil {
		return
	}
	c.Classifications.WithLabelValues(kind, status).Inc()
}

// ObserveRefinement records the cost and outcome of one refinement.
func (c *Collector) ObserveRefinement(iterations int, lowConfidence bool) {
	if c == nil {
		return
	}
	if c.RefineIterations != nil {
		c.RefineIterations.Observe(float64(iterations))
	}
	if lowConfidence && c.LowConfidenceRuns != nil {
		c.LowConfidenceRuns.Inc()
	}
}

// IncDroppedDecisions counts an undelivered decision.
func (c *Collector) IncDroppedDecisions() {
	if c == nil || c.DroppedDecisions == nil {
		return
	}
	c.DroppedDecisions.Inc()
}

// SetActiveSessions updates the active session gauge.
func (c *Collector) SetActiveSessions(n int) {
	if c == nil || c.ActiveSessions == nil {
		return
	}
	c.ActiveSessions.Set(float64(n))
}

// ObserveSample counts one accepted orbital sample.
func (c *Collector) ObserveSample(s model.OrbitalSample) {
	if c == nil || c.SamplesIngested == nil {
		return
	}
	visible := "false"
	if s.ElevationDeg > 0 {
		visible = "true"
	}
	c.SamplesIngested.WithLabelValues(visible).Inc()
}

// TrackKnowledgeBase subscribes to store so every accepted sample updates
// the ingestion metrics. The returned function stops tracking.
func (c *Collector) TrackKnowledgeBase(store *kb.KnowledgeBase) (untrack func()) {
	return store.Subscribe(func(ev kb.Event) {
		if ev.Type != kb.EventSampleIngested {
			return
		}
		c.ObserveSample(ev.Sample)
		if c != nil && c.TrackedSatellites != nil {
			c.TrackedSatellites.Set(float64(store.Len()))
		}
	})
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *Collector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
