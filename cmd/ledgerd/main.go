package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emperorhan/custody-ledger/internal/admin"
	"github.com/emperorhan/custody-ledger/internal/alert"
	"github.com/emperorhan/custody-ledger/internal/circuitbreaker"
	"github.com/emperorhan/custody-ledger/internal/config"
	"github.com/emperorhan/custody-ledger/internal/history"
	"github.com/emperorhan/custody-ledger/internal/ledger"
	"github.com/emperorhan/custody-ledger/internal/metrics"
	"github.com/emperorhan/custody-ledger/internal/reconciliation"
	"github.com/emperorhan/custody-ledger/internal/reconstruction"
	"github.com/emperorhan/custody-ledger/internal/seed"
	"github.com/emperorhan/custody-ledger/internal/stream"
	"github.com/emperorhan/custody-ledger/internal/tracing"
	"github.com/emperorhan/custody-ledger/internal/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName       = "custody-ledger"
	alertSendTimeout  = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

var newRedisTransport = func(ctx context.Context, url string, maxLen int64) (stream.MessageTransport, error) {
	return stream.NewRedis(ctx, url, maxLen)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	logger.Info("starting custody-ledger",
		"api_port", cfg.Server.APIPort,
		"health_port", cfg.Server.HealthPort,
		"approval_latency_min", cfg.Approval.LatencyMin,
		"approval_latency_max", cfg.Approval.LatencyMax,
		"window_months", cfg.Reconstruction.WindowMonths,
		"history_stream", cfg.History.StreamEnabled,
		"seed_file", cfg.SeedFile,
	)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(context.Background(), serviceName, tracingEndpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint, "sample_ratio", cfg.Tracing.SampleRatio)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	alerter := buildAlerter(cfg.Alert, logger)

	feed, err := openFeed(ctx, cfg.History, logger)
	if err != nil {
		logger.Error("failed to open history feed", "error", err)
		os.Exit(1)
	}
	defer feed.Close()

	breaker := circuitbreaker.New(circuitbreaker.Config{
		OnStateChange: feedStateHandler(alerter, logger),
	})

	assets := ledger.New(logger)
	hist := history.New(logger, history.WithPublisher(feed, cfg.History.StreamName, breaker))

	if cfg.SeedFile != "" {
		stats, err := seed.LoadFile(ctx, cfg.SeedFile, assets, hist, logger)
		if err != nil {
			logger.Error("failed to load seed file", "path", cfg.SeedFile, "error", err)
			os.Exit(1)
		}
		logger.Info("seed loaded",
			"assets", stats.Assets,
			"entries", stats.Entries,
			"skipped_entries", stats.SkippedEntries,
		)
	}

	engineOpts := []reconstruction.Option{reconstruction.WithWindow(cfg.Reconstruction.WindowMonths)}
	if cfg.Reconstruction.CacheSize > 0 {
		engineOpts = append(engineOpts, reconstruction.WithCache(cfg.Reconstruction.CacheSize, cfg.Reconstruction.CacheTTL))
	}
	engine := reconstruction.New(assets, hist, logger, engineOpts...)

	wf := workflow.New(assets, hist, logger,
		workflow.WithLatency(cfg.Approval.LatencyMin, cfg.Approval.LatencyMax),
		workflow.WithAlerter(alerter),
	)

	recon := reconciliation.NewService(assets, engine, alerter, logger)

	api := admin.NewServer(assets, hist, logger,
		admin.WithSnapshotProvider(engine),
		admin.WithWorkflow(wf),
		admin.WithHistoryFeed(feed, cfg.History.StreamName),
		admin.WithReconcileRequester(recon),
	)
	rl := admin.NewRateLimitMiddleware(logger)
	defer rl.Stop()
	handler := rl.Wrap(admin.AuditMiddleware(logger, api.Handler()))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHTTPServer(gCtx, "api", cfg.Server.APIPort, handler, logger)
	})

	g.Go(func() error {
		return runHTTPServer(gCtx, "health", cfg.Server.HealthPort, healthHandler(logger), logger)
	})

	if cfg.Reconcile.Interval > 0 {
		g.Go(func() error {
			return recon.RunPeriodic(gCtx, cfg.Reconcile.Interval)
		})
	}

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("custody-ledger exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("custody-ledger shut down gracefully")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// alertChannels returns the configured delivery channels. The log channel is
// always present.
func alertChannels(cfg config.AlertConfig, logger *slog.Logger) []alert.Alerter {
	channels := []alert.Alerter{alert.NewLogAlerter(logger)}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	return channels
}

func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	return alert.NewMultiAlerter(cfg.Cooldown, logger, alertChannels(cfg, logger)...)
}

// openFeed connects the history feed. Without a Redis stream the feed lives
// in process memory, capped at StreamMaxLen entries.
func openFeed(ctx context.Context, cfg config.HistoryConfig, logger *slog.Logger) (stream.MessageTransport, error) {
	if !cfg.StreamEnabled {
		logger.Info("history feed kept in memory", "max_len", cfg.StreamMaxLen)
		return stream.NewInMemory(cfg.StreamMaxLen), nil
	}
	t, err := newRedisTransport(ctx, cfg.RedisURL, int64(cfg.StreamMaxLen))
	if err != nil {
		return nil, fmt.Errorf("connect history stream: %w", err)
	}
	logger.Info("history feed connected", "stream", cfg.StreamName, "max_len", cfg.StreamMaxLen)
	return t, nil
}

// feedStateHandler reports breaker transitions. It runs under the breaker
// lock, so alerts are delivered from a separate goroutine.
func feedStateHandler(alerter alert.Alerter, logger *slog.Logger) func(from, to circuitbreaker.State) {
	return func(from, to circuitbreaker.State) {
		metrics.HistoryFeedBreakerState.Set(float64(to))

		var a alert.Alert
		switch to {
		case circuitbreaker.StateOpen:
			logger.Warn("history feed breaker opened", "from", from.String())
			a = alert.Alert{
				Type:    alert.AlertTypeFeedDown,
				Title:   "History feed unavailable",
				Message: "Publishing to the history feed is suspended after repeated failures.",
			}
		case circuitbreaker.StateClosed:
			logger.Info("history feed breaker closed", "from", from.String())
			a = alert.Alert{
				Type:    alert.AlertTypeFeedRecovered,
				Title:   "History feed recovered",
				Message: "Publishing to the history feed has resumed.",
			}
		default:
			logger.Info("history feed breaker probing", "from", from.String())
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), alertSendTimeout)
			defer cancel()
			if err := alerter.Send(ctx, a); err != nil {
				logger.Warn("history feed alert failed", "type", a.Type, "error", err)
			}
		}()
	}
}

func healthHandler(logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func runHTTPServer(ctx context.Context, name string, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("server started", "server", name, "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
