package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/EconGraph/econ-graph-sub004/internal/api"
	"github.com/EconGraph/econ-graph-sub004/internal/config"
	"github.com/EconGraph/econ-graph-sub004/internal/db"
	"github.com/EconGraph/econ-graph-sub004/internal/ingest"
	"github.com/EconGraph/econ-graph-sub004/internal/metrics"
	"github.com/EconGraph/econ-graph-sub004/internal/observability"
	"github.com/EconGraph/econ-graph-sub004/internal/queue"
	"github.com/EconGraph/econ-graph-sub004/internal/ratelimit"
	"github.com/EconGraph/econ-graph-sub004/internal/scheduler"
	"github.com/EconGraph/econ-graph-sub004/internal/sources"
	"github.com/EconGraph/econ-graph-sub004/internal/worker"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// appConfig holds process-level configuration loaded from environment variables
type appConfig struct {
	Port                 string // HTTP port to listen on
	Env                  string // Environment (development/production)
	SentryDSN            string // Sentry DSN for error tracking
	LogLevel             string // Log level (debug, info, warn, error)
	ObservabilityEnabled bool   // Toggle OpenTelemetry + Prometheus exporters
	MetricsAddr          string // Address for Prometheus metrics endpoint (":9464" style)
	OTLPEndpoint         string // OTLP HTTP endpoint for trace export
	OTLPHeaders          string // Comma separated headers for OTLP exporter
	OTLPInsecure         bool   // Disable TLS verification for OTLP exporter

	FredAPIKey     string // FRED API key
	FredSeries     []string
	EdgarUserAgent string // SEC requires a contact User-Agent
	EdgarCIKs      []string
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	appCfg := &appConfig{
		Port:                 getEnvWithDefault("PORT", "8080"),
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		ObservabilityEnabled: getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		MetricsAddr:          getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:         getEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
		FredAPIKey:           os.Getenv("FRED_API_KEY"),
		FredSeries:           splitList(getEnvWithDefault("FRED_SERIES", "GDP,UNRATE,CPIAUCSL")),
		EdgarUserAgent:       getEnvWithDefault("EDGAR_USER_AGENT", "econ-graph-crawler admin@econgraph.dev"),
		EdgarCIKs:            splitList(os.Getenv("EDGAR_CIKS")),
	}

	setupLogging(appCfg)

	// Initialise Sentry for error tracking and performance monitoring
	if appCfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         appCfg.SentryDSN,
			Environment: appCfg.Env,
			TracesSampleRate: func() float64 {
				if appCfg.Env == "production" {
					return 0.1
				}
				return 1.0
			}(),
			AttachStacktrace: true,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", appCfg.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	var obsProviders *observability.Providers
	if appCfg.ObservabilityEnabled {
		var err error
		obsProviders, err = observability.Init(context.Background(), observability.Config{
			Enabled:        true,
			ServiceName:    "econ-graph-crawler",
			Environment:    appCfg.Env,
			OTLPEndpoint:   strings.TrimSpace(appCfg.OTLPEndpoint),
			OTLPHeaders:    parseOTLPHeaders(appCfg.OTLPHeaders),
			OTLPInsecure:   appCfg.OTLPInsecure,
			MetricsAddress: appCfg.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else if obsProviders != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()
		}
	}

	metrics.Init()

	// Engine configuration, validated before anything starts
	cfgStore, err := config.NewStore(config.FromEnv())
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid crawler configuration")
	}

	// Connect to PostgreSQL when configured; otherwise run memory-only
	var pgDB *db.DB
	if os.Getenv("DATABASE_URL") != "" || os.Getenv("POSTGRES_HOST") != "" {
		pgDB, err = db.InitFromEnvWithRetry(context.Background())
		if err != nil {
			sentry.CaptureException(err)
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
		}
		defer pgDB.Close()
		log.Info().Msg("Connected to PostgreSQL database")
	} else {
		log.Warn().Msg("No database configured, queue and source state will not survive restarts")
	}

	// Source registry: compiled-in defaults, overlaid with persisted state
	registry := sources.NewRegistry()
	engineCfg := cfgStore.Get()
	for _, src := range sources.Defaults(engineCfg.DefaultTimeout, engineCfg.DefaultRetryAttempts) {
		if err := registry.Register(src); err != nil {
			log.Fatal().Err(err).Str("source", src.Key).Msg("Invalid default source")
		}
	}
	if pgDB != nil {
		persisted, err := pgDB.LoadSources(context.Background())
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load persisted sources, using defaults")
		} else {
			for _, src := range persisted {
				if err := registry.Restore(src); err != nil {
					log.Warn().Err(err).Str("source", src.Key).Msg("Skipping invalid persisted source")
				}
			}
		}
	}

	// Per-source token buckets
	limiter := ratelimit.NewSourceLimiter()
	for _, src := range registry.List() {
		limiter.SetRate(src.Key, src.RateLimitPerMinute)
	}

	// Crawl queue, restored from the last snapshot when a database is present
	crawlQueue := queue.NewCrawlQueue(func() int { return cfgStore.Get().QueueSizeLimit })
	if pgDB != nil {
		snapshot, err := pgDB.LoadQueueSnapshot(context.Background())
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load queue snapshot")
		} else if len(snapshot) > 0 {
			crawlQueue.Restore(snapshot)
			log.Info().Int("attempts", len(snapshot)).Msg("Restored queue from snapshot")
		}
	}

	// Ingestion adapters
	httpClient := ingest.NewHTTPClient()
	var seriesStore ingest.SeriesStore
	var filingStore ingest.FilingStore
	if pgDB != nil {
		seriesStore = pgDB
		filingStore = pgDB
	}

	adapters := ingest.NewRegistry()
	adapters.Register(ingest.NewFredAdapter(httpClient, seriesStore, "", appCfg.FredAPIKey, appCfg.FredSeries))
	adapters.Register(ingest.NewEdgarAdapter(httpClient, filingStore, "", "", appCfg.EdgarUserAgent, appCfg.EdgarCIKs))
	log.Info().Strs("adapters", adapters.Keys()).Msg("Ingestion adapters registered")

	if pgDB != nil && len(appCfg.FredSeries) > 0 {
		if err := pgDB.SeedWork(context.Background(), sources.KeyFred, appCfg.FredSeries); err != nil {
			log.Warn().Err(err).Msg("Failed to seed FRED series")
		}
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Worker pool and scheduler
	pool := worker.NewPool(crawlQueue, registry, limiter, adapters, cfgStore)
	pool.Start(rootCtx)

	var schedStore scheduler.Store
	if pgDB != nil {
		schedStore = pgDB
	}
	sched := scheduler.New(crawlQueue, registry, adapters, cfgStore, pool, schedStore)
	sched.Start(rootCtx)

	aggregator := metrics.NewAggregator(crawlQueue, registry, cfgStore, pool, sched)

	// HTTP surface
	apiHandler := api.NewHandler(aggregator, sched, registry, limiter, cfgStore, crawlQueue, pgDB)
	mux := http.NewServeMux()
	apiHandler.SetupRoutes(mux)

	var handler http.Handler = mux
	handler = api.LoggingMiddleware(handler)
	handler = api.RequestIDMiddleware(handler)
	handler = observability.WrapHandler(handler, obsProviders)

	server := &http.Server{
		Addr:              ":" + appCfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var metricsSrv *http.Server
	if obsProviders != nil && obsProviders.MetricsHandler != nil && appCfg.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              appCfg.MetricsAddr,
			Handler:           obsProviders.MetricsHandler,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gCtx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		log.Info().Str("port", appCfg.Port).Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if metricsSrv != nil {
		g.Go(func() error {
			log.Info().Str("addr", appCfg.MetricsAddr).Msg("Metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
			}
		}

		sched.Stop()
		pool.Stop()

		// Final snapshot so pending and retrying work survives the restart
		if pgDB != nil {
			if err := pgDB.SaveQueueSnapshot(shutdownCtx, crawlQueue.Snapshot()); err != nil {
				log.Error().Err(err).Msg("Failed to save final queue snapshot")
			}
			if err := pgDB.SaveSources(shutdownCtx, registry.List()); err != nil {
				log.Error().Err(err).Msg("Failed to save final source state")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}
	log.Info().Msg("Server stopped")
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// splitList parses a comma separated environment value into trimmed entries
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}

		headers[key] = value
	}

	return headers
}

// setupLogging configures the logging system
func setupLogging(cfg *appConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "econ-graph-crawler").
			Logger()
	}
}
