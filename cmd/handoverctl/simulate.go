package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/leo-handover/core"
	"github.com/signalsfoundry/leo-handover/internal/classifier"
	"github.com/signalsfoundry/leo-handover/internal/config"
	"github.com/signalsfoundry/leo-handover/internal/logging"
	"github.com/signalsfoundry/leo-handover/internal/orchestrator"
	"github.com/signalsfoundry/leo-handover/internal/policy"
	"github.com/signalsfoundry/leo-handover/kb"
	"github.com/signalsfoundry/leo-handover/model"
	"github.com/signalsfoundry/leo-handover/timectrl"
)

// builtinTLEs is one orbital plane with four satellites spaced 6 degrees
// apart in mean anomaly, so a ground terminal sees consecutive passes.
const builtinTLEs = `SAT-1001
1 44713U 19074A   24060.50000000  .00000000  00000-0  00000-0 0  9990
2 44713  53.0540 120.0000 0001400  90.0000 270.0000 15.06400000 10000
SAT-1002
1 44714U 19074B   24060.50000000  .00000000  00000-0  00000-0 0  9991
2 44714  53.0540 120.0000 0001400  90.0000 264.0000 15.06400000 10001
SAT-1003
1 44715U 19074C   24060.50000000  .00000000  00000-0  00000-0 0  9992
2 44715  53.0540 120.0000 0001400  90.0000 258.0000 15.06400000 10002
SAT-1004
1 44716U 19074D   24060.50000000  .00000000  00000-0  00000-0 0  9993
2 44716  53.0540 120.0000 0001400  90.0000 252.0000 15.06400000 10003
`

type simOptions struct {
	configPath  string
	tlePath     string
	duration    time.Duration
	tick        time.Duration
	accelerated bool
	terminalID  string
	conditionID string
	latitude    float64
	longitude   float64
	observerSet bool
	settle      time.Duration
	sMeasure    float64
}

// tleEntry is one named two-line element set.
type tleEntry struct {
	name         string
	line1, line2 string
}

func simulateCmd() *cobra.Command {
	opts := simOptions{}
	c := &cobra.Command{
		Use:   "simulate",
		Short: "Run the engine against SGP4-propagated satellites and a synthetic terminal",
		Long: "simulate propagates TLEs with SGP4, feeds the knowledge base on every tick and " +
			"submits the terminal's measurements of its serving satellite to the orchestrator.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.observerSet = cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon")
			return runSimulation(cmd.Context(), opts, newLogger(), cmd.OutOrStdout())
		},
	}
	c.Flags().StringVar(&opts.configPath, "config", "", "engine YAML config (defaults when empty)")
	c.Flags().StringVar(&opts.tlePath, "tle", "", "three-line TLE file (built-in plane when empty)")
	c.Flags().DurationVar(&opts.duration, "duration", 15*time.Minute, "simulated duration")
	c.Flags().DurationVar(&opts.tick, "tick", time.Second, "simulation tick")
	c.Flags().BoolVar(&opts.accelerated, "accelerated", true, "step as fast as possible instead of wall-clock time")
	c.Flags().StringVar(&opts.terminalID, "terminal", "ut-sim-1", "terminal id")
	c.Flags().StringVar(&opts.conditionID, "condition", "a4-signal", "trigger condition the terminal reports against")
	c.Flags().Float64Var(&opts.latitude, "lat", 0, "terminal latitude (defaults to the first satellite's sub-point)")
	c.Flags().Float64Var(&opts.longitude, "lon", 0, "terminal longitude (defaults to the first satellite's sub-point)")
	c.Flags().Float64Var(&opts.sMeasure, "s-measure", -75, "serving signal (dBm) below which the terminal reports measurements; 0 always reports")
	c.Flags().DurationVar(&opts.settle, "settle", 2*time.Second, "wall-clock time to wait for an opened session to finish")
	return c
}

func runSimulation(ctx context.Context, opts simOptions, log logging.Logger, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.tick <= 0 {
		return fmt.Errorf("tick must be positive, got %s", opts.tick)
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	entries, err := loadTLEs(opts.tlePath)
	if err != nil {
		return err
	}
	start, err := tleEpoch(entries[0].line1)
	if err != nil {
		return err
	}

	sources := make([]*core.SGP4Source, 0, len(entries))
	for i, e := range entries {
		src := core.NewSGP4Source(model.SatelliteID(i+1), e.line1, e.line2, cfg.Radio)
		src.LoadFactor = 0.2 + 0.1*float64(i%4)
		sources = append(sources, src)
	}

	obs := core.Observer{LatitudeDeg: opts.latitude, LongitudeDeg: opts.longitude}
	if !opts.observerSet {
		obs = subPoint(sources[0].PositionECEF(start))
	}

	mode := timectrl.RealTime
	if opts.accelerated {
		mode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(start, opts.tick, mode)

	samples := kb.NewKnowledgeBase()
	cls := classifier.New(tc, log)
	orch, err := orchestrator.New(cfg, samples, cls, policy.NewHeuristic(cfg.Policy.GapScale), orchestrator.LogExecutor(log), log,
		orchestrator.WithClock(tc),
	)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Terminal %s at (%.3f, %.3f), %d satellites, start %s\n",
		opts.terminalID, obs.LatitudeDeg, obs.LongitudeDeg, len(sources), start.Format(time.RFC3339))

	sim := &simulation{
		opts:    opts,
		out:     out,
		log:     log,
		orch:    orch,
		samples: samples,
		sources: sources,
		names:   entries,
		obs:     obs,
	}

	decisions := orch.Subscribe(cfg.DecisionBuffer)
	var printer sync.WaitGroup
	printer.Add(1)
	go func() {
		defer printer.Done()
		for d := range decisions {
			sim.onDecision(d)
		}
	}()

	tc.AddListener(func(now time.Time) { sim.step(ctx, now) })

	stop := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(stop)
		case <-finished:
		}
	}()
	fmt.Fprintf(out, "Starting simulation: duration=%s, tick=%s, mode=%v\n", opts.duration, opts.tick, mode)
	<-tc.Start(opts.duration, stop)
	close(finished)

	if err := orch.Close(); err != nil {
		return err
	}
	printer.Wait()

	st := orch.Status()
	fmt.Fprintf(out, "Simulation complete: decisions=%d completed=%d failed=%d rolled_back=%d serving=%s\n",
		st.Decisions, st.Completed, st.Failed, st.RolledBack, sim.servingName())
	return nil
}

// simulation holds per-run state touched from the tick listener and the
// decision printer.
type simulation struct {
	opts    simOptions
	out     io.Writer
	log     logging.Logger
	orch    *orchestrator.Orchestrator
	samples *kb.KnowledgeBase
	sources []*core.SGP4Source
	names   []tleEntry
	obs     core.Observer

	mu           sync.Mutex
	serving      model.SatelliteID
	servingSince time.Time
	lastSession  string
}

func (s *simulation) step(ctx context.Context, now time.Time) {
	current := make([]model.OrbitalSample, 0, len(s.sources))
	for _, src := range s.sources {
		smp := src.SampleAt(now, s.obs)
		if err := s.samples.Ingest(smp); err != nil {
			s.log.Warn(ctx, "sample rejected", logging.Int("satellite_id", int(smp.SatelliteID)), logging.Err(err))
			continue
		}
		current = append(current, smp)
	}
	if len(current) == 0 {
		return
	}

	s.mu.Lock()
	if s.serving == 0 {
		best := highest(current)
		if best.ElevationDeg > 0 {
			s.serving = best.SatelliteID
			s.servingSince = now
			fmt.Fprintf(s.out, "[%s] attached to %s (elevation %.1f)\n", now.Format(time.RFC3339), s.nameOf(best.SatelliteID), best.ElevationDeg)
		}
	}
	serving, since := s.serving, s.servingSince
	s.mu.Unlock()
	if serving == 0 {
		return
	}

	m, ok := measurementFor(s.opts.terminalID, s.opts.conditionID, serving, since, now, current, s.opts.sMeasure)
	if !ok {
		return
	}
	if err := s.orch.SubmitMeasurement(ctx, s.opts.terminalID, m); err != nil {
		s.log.Debug(ctx, "measurement rejected", logging.String("terminal_id", s.opts.terminalID), logging.Err(err))
		return
	}
	s.awaitSession()
}

// awaitSession blocks the tick until a newly opened session settles, so
// accelerated runs do not outpace the pipeline.
func (s *simulation) awaitSession() {
	sess, ok := s.orch.Session(s.opts.terminalID)
	if !ok {
		return
	}
	s.mu.Lock()
	fresh := sess.ID != s.lastSession
	s.lastSession = sess.ID
	s.mu.Unlock()
	if !fresh {
		return
	}
	deadline := time.Now().Add(s.opts.settle)
	for time.Now().Before(deadline) {
		if cur, ok := s.orch.Session(s.opts.terminalID); ok && (cur.ID != sess.ID || cur.State.Terminal()) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	// The decision printer updates the serving satellite; give it a moment.
	time.Sleep(5 * time.Millisecond)
}

func (s *simulation) onDecision(d model.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "[%s] handover %s -> %s policy=%s confidence=%.2f alternatives=%d trigger=%s\n",
		d.CreatedAt.Format(time.RFC3339),
		s.nameOf(s.serving), s.nameOf(d.SelectedSatelliteID),
		d.PolicyUsed, d.Confidence, len(d.Alternatives), d.TriggerTime.Format(time.RFC3339Nano))
	for _, w := range d.Warnings {
		fmt.Fprintf(s.out, "    warning: %s\n", w)
	}
	s.serving = d.SelectedSatelliteID
	s.servingSince = d.TriggerTime
}

func (s *simulation) servingName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nameOf(s.serving)
}

func (s *simulation) nameOf(id model.SatelliteID) string {
	if id == 0 {
		return "none"
	}
	if i := int(id) - 1; i >= 0 && i < len(s.names) && s.names[i].name != "" {
		return s.names[i].name
	}
	return strconv.Itoa(int(id))
}

// measurementFor builds the terminal's report: best-neighbour signal,
// serving and best-neighbour ranges, time on the serving satellite and the
// serving sample as the moving reference. Nothing is reported while the
// serving signal is at or above sMeasure.
func measurementFor(terminalID, conditionID string, serving model.SatelliteID, since, now time.Time, current []model.OrbitalSample, sMeasure float64) (model.RawMeasurement, bool) {
	var (
		ref       *model.OrbitalSample
		neighbour *model.OrbitalSample
		nearest   = math.Inf(1)
	)
	for i := range current {
		smp := &current[i]
		if smp.SatelliteID == serving {
			ref = smp
			continue
		}
		if smp.ElevationDeg <= 0 {
			continue
		}
		if neighbour == nil || smp.EstimatedSignalDBm > neighbour.EstimatedSignalDBm {
			neighbour = smp
		}
		nearest = math.Min(nearest, smp.RangeKm)
	}
	if ref == nil || ref.EstimatedSignalDBm >= sMeasure {
		return model.RawMeasurement{}, false
	}
	m := model.RawMeasurement{
		TerminalID:         terminalID,
		ConditionID:        conditionID,
		ServingSatelliteID: serving,
		Timestamp:          now,
		Distance1Km:        model.Float(ref.RangeKm),
		ElapsedS:           model.Float(now.Sub(since).Seconds()),
		Reference:          ref,
	}
	if neighbour != nil {
		m.SignalDBm = model.Float(neighbour.EstimatedSignalDBm)
		m.Distance2Km = model.Float(nearest)
	}
	return m, true
}

func highest(samples []model.OrbitalSample) model.OrbitalSample {
	sorted := append([]model.OrbitalSample(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ElevationDeg > sorted[j].ElevationDeg })
	return sorted[0]
}

// subPoint returns the ground point directly below an ECEF position.
func subPoint(p core.Vec3) core.Observer {
	lat := math.Atan2(p.Z, math.Hypot(p.X, p.Y)) * 180 / math.Pi
	lon := math.Atan2(p.Y, p.X) * 180 / math.Pi
	return core.Observer{LatitudeDeg: lat, LongitudeDeg: lon}
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	cfg.ApplyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

func loadTLEs(path string) ([]tleEntry, error) {
	if path == "" {
		return parseTLEs(strings.NewReader(builtinTLEs))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open TLE file: %w", err)
	}
	defer f.Close()
	return parseTLEs(f)
}

// parseTLEs reads two- or three-line element sets. Name lines are optional.
func parseTLEs(r io.Reader) ([]tleEntry, error) {
	var (
		out  []tleEntry
		cur  tleEntry
		line int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), " \r")
		switch {
		case strings.TrimSpace(text) == "":
		case strings.HasPrefix(text, "1 ") && len(text) >= 64:
			cur.line1 = text
		case strings.HasPrefix(text, "2 ") && len(text) >= 63:
			if cur.line1 == "" {
				return nil, fmt.Errorf("TLE line %d: line 2 without line 1", line)
			}
			cur.line2 = text
			out = append(out, cur)
			cur = tleEntry{}
		default:
			if cur.line1 != "" {
				return nil, fmt.Errorf("TLE line %d: expected line 2", line)
			}
			cur.name = strings.TrimSpace(text)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("no TLEs found")
	}
	return out, nil
}

// tleEpoch decodes the YYDDD.DDDDDDDD epoch field of line 1.
func tleEpoch(line1 string) (time.Time, error) {
	if len(line1) < 32 {
		return time.Time{}, fmt.Errorf("TLE line 1 too short")
	}
	yy, err := strconv.Atoi(strings.TrimSpace(line1[18:20]))
	if err != nil {
		return time.Time{}, fmt.Errorf("TLE epoch year: %w", err)
	}
	day, err := strconv.ParseFloat(strings.TrimSpace(line1[20:32]), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("TLE epoch day: %w", err)
	}
	year := 2000 + yy
	if yy >= 57 {
		year = 1900 + yy
	}
	jan1 := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	return jan1.Add(time.Duration((day - 1) * float64(24*time.Hour))).Truncate(time.Second), nil
}
