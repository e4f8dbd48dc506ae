package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/devsync/pkg/ai"
	"github.com/haasonsaas/devsync/pkg/auth"
	"github.com/haasonsaas/devsync/pkg/config"
	"github.com/haasonsaas/devsync/pkg/github"
	"github.com/haasonsaas/devsync/pkg/health"
	"github.com/haasonsaas/devsync/pkg/jira"
	"github.com/haasonsaas/devsync/pkg/ratelimit"
	"github.com/haasonsaas/devsync/pkg/relay"
	"github.com/haasonsaas/devsync/pkg/retry"
	"github.com/haasonsaas/devsync/pkg/telemetry"
	"github.com/haasonsaas/devsync/pkg/webhook"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	configPath = flag.String("config", "devsync.yaml", "Config file path")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	dbPath     = flag.String("db", "", "Database path (overrides config)")
	Version    = "dev"
)

const serviceName = "devsync"

type eventRelay interface {
	Handle(ctx context.Context, event webhook.Event) (relay.Outcome, error)
}

type Server struct {
	deliveries *DeliveryStore
	signer     auth.Signer
	relay      eventRelay
	inbound    *ratelimit.Limiter
	aiLimiter  *ratelimit.Limiter
	probes     []health.Probe
	adminToken string
	logger     zerolog.Logger
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *dbPath != "" {
		cfg.Deliveries.DBPath = *dbPath
	}

	logger := setupLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server stopped")
	}
}

func setupLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.Logging.JSON || cfg.Env == "production" {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	logger = logger.With().Timestamp().Str("service", serviceName).Logger()
	log.Logger = logger
	return logger
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Str("version", Version).Str("env", cfg.Env).Msg("DevSync server starting")

	tp, err := telemetry.SetupTracing(ctx, telemetry.TracingOptions{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		LogSpans:       cfg.Tracing.LogSpans,
		Logger:         &logger,
	})
	if err != nil {
		return err
	}
	mp, err := telemetry.SetupMetrics(ctx, telemetry.MetricsOptions{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Stdout:         cfg.Metrics.Stdout,
		Interval:       time.Duration(cfg.Metrics.IntervalS) * time.Second,
	})
	if err != nil {
		return err
	}

	db, err := gorm.Open(sqlite.Open(cfg.Deliveries.DBPath), &gorm.Config{})
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(&WebhookDelivery{}); err != nil {
		return err
	}

	srv, err := newServer(cfg, db, logger)
	if err != nil {
		return err
	}
	if srv.adminToken == "" {
		logger.Warn().Msg("No admin token configured; admin routes are unauthenticated")
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine, err := newEngine(srv, cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	if cfg.RateLimit.SweepIntervalS > 0 {
		go sweepLimiters(ctx, time.Duration(cfg.RateLimit.SweepIntervalS)*time.Second, logger, srv.inbound, srv.aiLimiter)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Listen).Msg("Listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownS)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Tracer shutdown")
	}
	if err := mp.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Meter shutdown")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return nil
}

func newServer(cfg *config.Config, db *gorm.DB, logger zerolog.Logger) (*Server, error) {
	inbound, err := ratelimit.New(cfg.RateLimit.MaxCalls, time.Duration(cfg.RateLimit.WindowS)*time.Second)
	if err != nil {
		return nil, err
	}
	aiLimiter, err := ratelimit.New(cfg.AI.MaxCalls, time.Duration(cfg.AI.WindowS)*time.Second)
	if err != nil {
		return nil, err
	}
	retrier := retry.New(cfg.Retry.InitialMs, cfg.Retry.MaxMs, cfg.Retry.MaxRetries)

	gh := github.NewClient(cfg.GitHub.Token,
		github.WithBaseURL(cfg.GitHub.BaseURL),
		github.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.GitHub.TimeoutS) * time.Second}),
		github.WithRetrier(retrier),
		github.WithDefaultRepo(cfg.GitHub.Repo),
	)
	jc := jira.NewClient(cfg.Jira.BaseURL, cfg.Jira.Email, cfg.Jira.APIToken,
		jira.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Jira.TimeoutS) * time.Second}),
		jira.WithRetrier(retrier),
		jira.WithProjectKey(cfg.Jira.ProjectKey),
	)
	writer, err := ai.NewClient(cfg.AI.APIKey, aiLimiter,
		ai.WithBaseURL(cfg.AI.BaseURL),
		ai.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.AI.TimeoutS) * time.Second}),
		ai.WithRetrier(retrier),
	)
	if err != nil {
		return nil, err
	}

	transitions := relay.Transitions{
		BranchCreated:     cfg.Jira.Transitions.BranchCreated,
		PullRequestOpened: cfg.Jira.Transitions.PullRequestOpened,
		PullRequestMerged: cfg.Jira.Transitions.PullRequestMerged,
	}

	return &Server{
		deliveries: NewDeliveryStore(db, time.Duration(cfg.Deliveries.RetentionH)*time.Hour),
		signer:     auth.NewSigner(cfg.GitHub.WebhookSecret),
		relay:      relay.New(jc, gh, writer, transitions, logger),
		inbound:    inbound,
		aiLimiter:  aiLimiter,
		probes: []health.Probe{
			{Name: "github", URL: cfg.GitHub.BaseURL + "/rate_limit"},
			{Name: "jira", URL: cfg.Jira.BaseURL + "/status"},
			{Name: "ai", URL: cfg.AI.BaseURL},
		},
		adminToken: cfg.Server.AdminToken,
		logger:     logger,
	}, nil
}

func newEngine(s *Server, trustedProxies []string) (*gin.Engine, error) {
	r := gin.New()
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		return nil, err
	}
	r.Use(gin.Recovery(), withRequestContext(s.logger))

	r.POST("/github/webhook", rateLimit("inbound", s.inbound, clientIPKey, s.logger), s.handleWebhook)
	r.GET("/health", s.handleHealth)
	s.registerAdminRoutes(r)
	return r, nil
}

// sweepLimiters periodically drops idle limiter keys until ctx is done.
func sweepLimiters(ctx context.Context, interval time.Duration, logger zerolog.Logger, limiters ...*ratelimit.Limiter) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := 0
			for _, l := range limiters {
				removed += l.Sweep()
			}
			if removed > 0 {
				logger.Debug().Int("keys", removed).Msg("Swept idle rate limit keys")
			}
		}
	}
}
