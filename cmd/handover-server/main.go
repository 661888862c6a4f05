package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/leo-handover/internal/classifier"
	"github.com/signalsfoundry/leo-handover/internal/config"
	"github.com/signalsfoundry/leo-handover/internal/journal"
	"github.com/signalsfoundry/leo-handover/internal/kafkabus"
	"github.com/signalsfoundry/leo-handover/internal/logging"
	"github.com/signalsfoundry/leo-handover/internal/nbi"
	"github.com/signalsfoundry/leo-handover/internal/observability"
	"github.com/signalsfoundry/leo-handover/internal/orchestrator"
	"github.com/signalsfoundry/leo-handover/internal/policy"
	"github.com/signalsfoundry/leo-handover/kb"
	"github.com/signalsfoundry/leo-handover/timectrl"
)

// Config holds process-level settings. Engine tuning lives in the YAML file
// named by ConfigPath.
type Config struct {
	ListenAddress string
	HTTPAddress   string
	ConfigPath    string
	LogLevel      string
	LogFormat     string
	AccessLog     io.Writer
}

func main() {
	cfg := Config{AccessLog: os.Stdout}
	flag.StringVar(&cfg.ListenAddress, "grpc-addr", ":50051", "TCP address the handover gRPC server listens on")
	flag.StringVar(&cfg.HTTPAddress, "http-addr", ":8080", "HTTP address for health, status and /metrics (empty disables)")
	flag.StringVar(&cfg.ConfigPath, "config", os.Getenv("HANDOVER_CONFIG"), "Path to the engine YAML config")
	flag.StringVar(&cfg.LogLevel, "log-level", envOr("HANDOVER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", envOr("HANDOVER_LOG_FORMAT", "text"), "Log format (text, json)")
	flag.Parse()

	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.ListenAddress), logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "handover server exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then drains in-flight sessions and the
// journal before returning.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	engineCfg, err := loadEngineConfig(cfg.ConfigPath)
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	samples := kb.NewKnowledgeBase()
	defer collector.TrackKnowledgeBase(samples)()
	cls := classifier.New(timectrl.SystemClock{}, log, classifier.WithMetricsRecorder(collector))

	primary, closeModel, err := buildPolicy(engineCfg, log)
	if err != nil {
		return err
	}
	defer closeModel()

	var exec orchestrator.Executor = orchestrator.LogExecutor(log)
	if len(engineCfg.Kafka.Brokers) > 0 {
		pub, err := kafkabus.New(engineCfg.Kafka, log)
		if err != nil {
			return fmt.Errorf("init kafka publisher: %w", err)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				log.Warn(context.Background(), "kafka publisher close failed", logging.Err(err))
			}
		}()
		exec = pub
	}

	transitions := make(chan orchestrator.TransitionEvent, 256)
	orch, err := orchestrator.New(engineCfg, samples, cls, primary, exec, log,
		orchestrator.WithMetricsRecorder(collector),
		orchestrator.WithTransitionSink(transitions),
	)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	var journalWG sync.WaitGroup
	if engineCfg.Journal.Path != "" {
		j, err := journal.Open(engineCfg.Journal.Path, log)
		if err != nil {
			_ = orch.Close()
			return fmt.Errorf("open journal: %w", err)
		}
		decisions := orch.Subscribe(engineCfg.DecisionBuffer)
		journalWG.Add(1)
		go func() {
			defer journalWG.Done()
			defer j.Close()
			if err := j.Run(context.Background(), decisions, transitions); err != nil {
				log.Warn(context.Background(), "journal stopped", logging.Err(err))
			}
		}()
	} else {
		journalWG.Add(1)
		go func() {
			defer journalWG.Done()
			for range transitions {
			}
		}()
	}

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			nbi.RequestContextUnaryServerInterceptor(log),
			nbi.TracingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
	)
	nbi.RegisterHandoverServiceServer(server, nbi.NewHandoverService(orch, samples, log))

	var httpSrv *http.Server
	if cfg.HTTPAddress != "" {
		httpSrv = &http.Server{
			Addr:              cfg.HTTPAddress,
			Handler:           nbi.NewHTTPHandler(orch, collector.Handler(), log, cfg.AccessLog),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn(context.Background(), "http server exited", logging.Err(err))
			}
		}()
		log.Info(ctx, "serving HTTP", logging.String("addr", cfg.HTTPAddress))
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(lis)
	}()
	log.Info(ctx, "starting handover gRPC server",
		logging.String("addr", lis.Addr().String()),
		logging.String("policy", engineCfg.Policy.Kind),
	)

	var result error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			result = fmt.Errorf("grpc serve: %w", err)
		}
	}

	log.Info(context.Background(), "shutting down handover server")
	server.GracefulStop()
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if err := orch.Close(); err != nil {
		log.Warn(context.Background(), "orchestrator close failed", logging.Err(err))
	}
	close(transitions)
	journalWG.Wait()
	return result
}

func loadEngineConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// buildPolicy returns the primary policy and a closer for any model
// connection it opened.
func buildPolicy(cfg config.Config, log logging.Logger) (policy.Policy, func(), error) {
	kind := policy.Kind(cfg.Policy.Kind)
	if kind != policy.KindLearned {
		p, err := policy.New(kind, cfg, nil, log)
		return p, func() {}, err
	}
	client, err := policy.DialModelClient(cfg.Policy.Endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("dial decision model: %w", err)
	}
	p, err := policy.New(kind, cfg, client, log)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	log.Info(context.Background(), "learned policy enabled", logging.String("endpoint", cfg.Policy.Endpoint))
	return p, func() { _ = client.Close() }, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
