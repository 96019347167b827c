package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"calltrack/internal/audit"
	"calltrack/internal/auth"
	"calltrack/internal/config"
	"calltrack/internal/finalize"
	"calltrack/internal/httpapi"
	"calltrack/internal/janitor"
	"calltrack/internal/metrics"
	"calltrack/internal/notify"
	"calltrack/internal/outcome"
	"calltrack/internal/pricing"
	"calltrack/internal/ratelimit"
	"calltrack/internal/sentiment"
	"calltrack/internal/session"
	"calltrack/internal/store"
	"calltrack/internal/telephony"
	"calltrack/pkg/logger"
	"calltrack/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the call tracker API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		return err
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		return err
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{ConnectAttempts: 5})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		return err
	}
	defer db.Close()

	// Redis is optional: without it the rate limit is per process and
	// finalize is arbitrated in-process only.
	var rdb *redis.Client
	if addr := cfg.RedisAddr(); addr != "" {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Error("redis init failed", "err", err)
			return err
		}
		defer rdb.Close()
	}

	m := metrics.New()
	repo := store.NewPostgres(db)
	writer := store.NewAsyncWriter(repo, store.WriterOptions{
		Logger: log,
		OnDrop: m.WriterDropped,
		Retry:  store.Backoff{Initial: cfg.Finalize.BackoffInitial, Max: cfg.Finalize.BackoffMax},
	})

	reg := session.NewRegistry(session.Options{
		GraceWindow:        cfg.Tracker.GraceWindow,
		TombstoneTTL:       cfg.Tracker.TombstoneTTL,
		InterruptThreshold: cfg.Tracker.InterruptThreshold,
		ReorderWindow:      cfg.Tracker.ReorderWindow,
		Observer:           session.Observers{writer, m},
		Logger:             log,
	})
	outcomes := outcome.NewStore(0)

	finOpts := finalize.Options{
		Repo:     repo,
		Sessions: reg,
		Outcomes: outcomes,
		Cost:     pricing.NewService(&pricing.MemoryRepo{Cards: []pricing.RateCard{rateCard(cfg.Pricing)}}),
		Metrics:  m,
		Location: cfg.Location(),
		Backoff: finalize.Backoff{
			Initial:     cfg.Finalize.BackoffInitial,
			Max:         cfg.Finalize.BackoffMax,
			MaxAttempts: cfg.Finalize.MaxAttempts,
		},
		AudioCodec: cfg.Finalize.AudioCodec,
		Logger:     log,
	}
	if cfg.OpenAI.APIKey != "" {
		finOpts.Sentiment = sentiment.New(sentiment.Config{
			APIKey:  cfg.OpenAI.APIKey,
			Model:   cfg.OpenAI.Model,
			BaseURL: cfg.OpenAI.BaseURL,
		})
	}
	if cfg.Webhook.URL != "" {
		finOpts.Notifier = notify.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Timeout)
	}

	var limiter ratelimit.Limiter = ratelimit.NewMemory(cfg.RateLimit.Calls, cfg.RateLimit.Window)
	if rdb != nil {
		finOpts.Claimer = finalize.NewRedisClaimer(rdb, 0)
		limiter = ratelimit.NewRedis(rdb, cfg.RateLimit.Calls, cfg.RateLimit.Window)
	}

	fin, err := finalize.New(finOpts)
	if err != nil {
		log.Error("finalizer init failed", "err", err)
		return err
	}

	jan, err := janitor.New(reg, fin, janitor.Options{
		SweepSchedule: cfg.Finalize.SweepSchedule,
		RetrySchedule: cfg.Finalize.RetrySchedule,
		OrphanAge:     2 * cfg.Tracker.GraceWindow,
		Logger:        log,
	})
	if err != nil {
		log.Error("janitor init failed", "err", err)
		return err
	}

	// The writer outlives the HTTP server so events from in-flight requests
	// are drained before exit.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		_ = writer.Run(writerCtx)
	}()
	jan.Start()

	h := httpapi.Handlers{
		Registry:  reg,
		Ingestor:  session.NewIngestor(reg),
		Finalizer: fin,
		Outcomes:  outcomes,
		Limiter:   limiter,
		Metrics:   m,
		Audit:     audit.NewService(audit.NewLogRepo(log)),
	}
	twilio := telephony.TwilioStatusHandler{
		Calls:     reg,
		Finalizer: fin,
		Limiter:   limiter,
		Metrics:   m,
		AuthToken: cfg.Twilio.AuthToken,
		BaseURL:   cfg.Twilio.WebhookBaseURL,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, auth.RequireToken(authManager), h, twilio, m, repo)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: transcript streams are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	if err := jan.Stop(shutdownCtx); err != nil {
		log.Error("janitor shutdown failed", "err", err)
	}
	fin.Wait()
	if n := fin.Queue().Len(); n > 0 {
		if _, err := fin.RetryPending(shutdownCtx); err != nil {
			log.Error("call logs lost on shutdown", "queued", fin.Queue().Len(), "err", err)
		}
	}

	stopWriter()
	select {
	case <-writerDone:
	case <-shutdownCtx.Done():
		log.Error("store writer did not drain before shutdown deadline")
	}
	return nil
}

// rateCard applies configured price overrides to the default card.
func rateCard(p config.PricingConfig) pricing.RateCard {
	card := pricing.DefaultRateCard()
	if p.STTPerMinuteUSD > 0 {
		card.STTPerMinuteUSD = p.STTPerMinuteUSD
	}
	if p.TTSPerMinuteUSD > 0 {
		card.TTSPerMinuteUSD = p.TTSPerMinuteUSD
	}
	if p.LLMPer1KCharsUSD > 0 {
		card.LLMPer1KCharsUSD = p.LLMPer1KCharsUSD
	}
	if p.EmbedPer4KCharUSD > 0 {
		card.EmbedPer4KCharsUSD = p.EmbedPer4KCharUSD
	}
	return card
}
