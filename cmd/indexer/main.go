package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dexmeter/price-indexer/internal/alert"
	"github.com/dexmeter/price-indexer/internal/circuitbreaker"
	"github.com/dexmeter/price-indexer/internal/config"
	"github.com/dexmeter/price-indexer/internal/discovery"
	"github.com/dexmeter/price-indexer/internal/domain/model"
	"github.com/dexmeter/price-indexer/internal/metrics"
	"github.com/dexmeter/price-indexer/internal/pipeline/inference"
	"github.com/dexmeter/price-indexer/internal/pipeline/retry"
	"github.com/dexmeter/price-indexer/internal/provider/analytics"
	"github.com/dexmeter/price-indexer/internal/provider/chainprice"
	"github.com/dexmeter/price-indexer/internal/provider/harvester"
	"github.com/dexmeter/price-indexer/internal/provider/ratelimit"
	"github.com/dexmeter/price-indexer/internal/provider/tokenapi"
	"github.com/dexmeter/price-indexer/internal/quote"
	"github.com/dexmeter/price-indexer/internal/store/postgres"
	redispkg "github.com/dexmeter/price-indexer/internal/store/redis"
)

const migrationsDir = "migrations"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	logger.Info("starting price-indexer",
		"deployments", len(cfg.Deployments),
		"discovery_networks", strings.Join(cfg.Discovery.Networks, ","),
		"harvester_url", cfg.Providers.HarvesterURL,
		"inference_interval", cfg.Inference.Interval.String(),
		"discovery_interval", cfg.Discovery.Interval.String(),
	)

	// Connect to PostgreSQL
	db, err := postgres.New(postgres.Config{
		URL:                cfg.DB.URL,
		MaxOpenConns:       cfg.DB.MaxOpenConns,
		MaxIdleConns:       cfg.DB.MaxIdleConns,
		ConnMaxLifetime:    cfg.DB.ConnMaxLifetime,
		StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(migrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Repositories
	historyRepo := postgres.NewPriceHistoryRepo(db)
	quoteRepo := postgres.NewLatestQuoteRepo(db)
	checkpointRepo := postgres.NewCheckpointRepo(db)
	tokenRepo := postgres.NewDiscoveredTokenRepo(db)

	// Optional redis cache in front of the latest-quote table.
	var quoteCache quote.Cache
	if cfg.Redis.URL != "" {
		cache, err := redispkg.NewQuoteCache(cfg.Redis.URL, cfg.Quote.MaxAge, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer cache.Close()
		quoteCache = cache
		logger.Info("quote cache enabled", "redis_url", cfg.Redis.URL)
	}

	alerter := buildAlerter(cfg, logger)

	// External providers, each behind its own rate limiter and breaker.
	harvesterClient := harvester.NewClient(cfg.Providers.HarvesterURL, logger)
	chainPriceClient := chainprice.NewClient(cfg.Providers.ChainPriceURL, cfg.Providers.ChainPriceKey, logger,
		chainprice.WithRateLimiter(newLimiter(cfg, "chain_price")),
		chainprice.WithBreaker(newBreaker(cfg, "chain_price", logger, alerter)),
	)
	tokenAPIClient := tokenapi.NewClient(cfg.Providers.TokenAPIURL, cfg.Providers.TokenAPIKey, logger,
		tokenapi.WithRateLimiter(newLimiter(cfg, "token_api")),
		tokenapi.WithBreaker(newBreaker(cfg, "token_api", logger, alerter)),
	)
	analyticsClient := analytics.NewClient(cfg.Providers.AnalyticsURL, cfg.Providers.AnalyticsKey, logger,
		analytics.WithRateLimiter(newLimiter(cfg, "analytics")),
		analytics.WithBreaker(newBreaker(cfg, "analytics", logger, alerter)),
	)

	inferenceSvc := inference.NewService(harvesterClient, historyRepo, quoteRepo, checkpointRepo,
		inference.Config{
			Workers:   cfg.Inference.Workers,
			AnchorTTL: cfg.Inference.AnchorTTL,
		}, logger)

	resolver := quote.NewResolver(quoteRepo, historyRepo, quoteCache,
		chainPriceClient, tokenAPIClient, analyticsClient, cfg.Deployments,
		quote.Config{
			MaxAge:                cfg.Quote.MaxAge,
			BarsResolutionMinutes: cfg.Quote.BarsResolutionMinutes,
		}, logger)

	ingestor := discovery.NewIngestor(analyticsClient, tokenRepo, checkpointRepo, retry.Policy{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// Quote API + health + metrics
	g.Go(func() error {
		return runServer(gCtx, cfg.Server.HealthPort, resolver, historyRepo, logger)
	})

	// One inference loop per deployment
	for _, dep := range cfg.Deployments {
		dep := dep // per-iteration copy: go directive predates 1.22 loopvar semantics
		g.Go(func() error {
			return runInferenceLoop(gCtx, inferenceSvc, harvesterClient, dep, cfg.Inference.Interval, alerter, logger)
		})
	}

	// One discovery loop per network
	for _, network := range cfg.Discovery.Networks {
		network := network // per-iteration copy: go directive predates 1.22 loopvar semantics
		g.Go(func() error {
			return runDiscoveryLoop(gCtx, ingestor, network, cfg.Discovery.Interval, alerter, logger)
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

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("price-indexer exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("price-indexer shut down gracefully")
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

func newLimiter(cfg *config.Config, provider string) *ratelimit.Limiter {
	return ratelimit.NewLimiter(cfg.Providers.RateLimitPerSec, cfg.Providers.RateLimitBurst, provider)
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(channels) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, channels...)
}

func sendAlert(alerter alert.Alerter, logger *slog.Logger, a alert.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := alerter.Send(ctx, a); err != nil {
		logger.Warn("failed to send alert", "type", a.Type, "subject", a.Subject, "error", err)
	}
}

func newBreaker(cfg *config.Config, provider string, logger *slog.Logger, alerter alert.Alerter) *circuitbreaker.Breaker {
	return circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.Providers.BreakerThreshold,
		OpenTimeout:      cfg.Providers.BreakerCooldown,
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("provider circuit state changed",
				"provider", provider, "from", from.String(), "to", to.String())
			metrics.ProviderBreakerState.WithLabelValues(provider).Set(float64(to))

			switch to {
			case circuitbreaker.StateOpen:
				go sendAlert(alerter, logger, alert.Alert{
					Type:    alert.TypeProviderDown,
					Subject: provider,
					Title:   "Circuit breaker opened",
					Message: "Consecutive provider failures exceeded the threshold",
					Fields:  map[string]string{"from": from.String()},
				})
			case circuitbreaker.StateClosed:
				go sendAlert(alerter, logger, alert.Alert{
					Type:    alert.TypeProviderRecovery,
					Subject: provider,
					Title:   "Circuit breaker closed",
					Message: "Provider recovered",
					Fields:  map[string]string{"from": from.String()},
				})
			}
		},
	})
}

// runInferenceLoop drives one deployment: every tick it asks the harvester for
// the chain head and infers prices for all trade events up to it. A failed run
// leaves the checkpoint where it was, so the next tick retries the same range.
func runInferenceLoop(ctx context.Context, svc *inference.Service, head *harvester.Client, dep model.DeploymentContext, interval time.Duration, alerter alert.Alerter, logger *slog.Logger) error {
	logger = logger.With("chain", dep.Chain, "exchange", dep.Exchange)
	subject := fmt.Sprintf("%s/%s", dep.Chain, dep.Exchange)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		target, err := head.Head(ctx, dep)
		if err != nil {
			logger.Warn("failed to fetch chain head", "error", err)
		} else if result, err := svc.Run(ctx, target, dep); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("inference run failed", "error", err)
			sendAlert(alerter, logger, alert.Alert{
				Type:    alert.TypeInferenceFailed,
				Subject: subject,
				Title:   "Inference run failed",
				Message: err.Error(),
				Fields:  map[string]string{"target_block": strconv.FormatInt(target, 10)},
			})
		} else if result.Processed > 0 {
			logger.Info("inference run complete",
				"start_block", result.StartBlock,
				"end_block", result.EndBlock,
				"processed", result.Processed,
				"prices_updated", result.PricesUpdated,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func runDiscoveryLoop(ctx context.Context, ingestor *discovery.Ingestor, network string, interval time.Duration, alerter alert.Alerter, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := ingestor.Run(ctx, network); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("discovery run failed", "network", network, "error", err)
			sendAlert(alerter, logger, alert.Alert{
				Type:    alert.TypeDiscoveryFailed,
				Subject: network,
				Title:   "Discovery run failed",
				Message: err.Error(),
			})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func runServer(ctx context.Context, port int, resolver quoteResolver, history historyReader, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/quote", handleQuote(resolver, logger))
	mux.HandleFunc("GET /v1/history", handleHistory(history, logger))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("server shutdown error", "error", err)
		}
	}()

	logger.Info("server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
