package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"CoachMail/internal/api"
	"CoachMail/internal/attachment"
	"CoachMail/internal/config"
	"CoachMail/internal/db"
	"CoachMail/internal/dispatcher"
	"CoachMail/internal/email"
	"CoachMail/internal/metrics"
	"CoachMail/internal/scheduler"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if cfg.CronSecret == "" {
		logger.Warn("CRON_SECRET is empty, the HTTP trigger will reject every request")
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(cfg.DatabaseURL, db.Settings{
		InProgressLease: cfg.InProgressLease,
		RetryBackoff:    cfg.RetryBackoff,
		MaxRetryDelay:   cfg.RetryMaxDelay,
	})
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.WaitReady(ctx, logger); err != nil {
		logger.Fatal("database not reachable", zap.Error(err))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Mail Transport
	// ------------------------------------------------
	smtpCfg := email.Config{
		Host:        cfg.SMTPHost,
		Port:        cfg.SMTPPort,
		Secure:      cfg.SMTPSecure,
		Username:    cfg.SMTPUser,
		Password:    cfg.SMTPPassword,
		From:        cfg.SMTPFrom,
		ReplyTo:     cfg.SMTPReplyTo,
		SendTimeout: cfg.SMTPSendTimeout,
		IdleTimeout: cfg.SMTPIdleTimeout,

		MaxAttachmentSize: cfg.AttachmentMaxSize,
	}

	transport := email.NewTransport(smtpCfg, email.NewDialer(smtpCfg), logger.Named("smtp"))
	defer transport.Close()

	// verified lazily on first send as well; failing here only warns
	if err := transport.Verify(); err != nil {
		logger.Warn("smtp verification failed at startup", zap.Error(err))
	}

	// ------------------------------------------------
	// Rate Limiter
	// ------------------------------------------------
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}

	// ------------------------------------------------
	// Dispatcher
	// ------------------------------------------------
	disp := dispatcher.New(
		store,
		transport,
		attachment.NewValidator(cfg.AttachmentMaxSize, cfg.AttachmentAllowedExtensions, cfg.AttachmentBaseDir),
		limiter,
		logger.Named("dispatcher"),
		dispatcher.Options{
			BatchSize:       cfg.BatchSize,
			MaxRetries:      cfg.MaxRetries,
			Workers:         cfg.WorkerCount,
			DefaultTimezone: cfg.DefaultTimezone,
		},
	)

	// ------------------------------------------------
	// In-process Trigger
	// ------------------------------------------------
	var sched *scheduler.Scheduler
	if cfg.DispatchSchedule != "" {
		sched, err = scheduler.New(cfg.DispatchSchedule, disp, cfg.InProgressLease, logger.Named("scheduler"))
		if err != nil {
			logger.Fatal("failed to create dispatch scheduler", zap.Error(err))
		}
		sched.Start()
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	gin.SetMode(gin.ReleaseMode)

	apiHandler := &api.Handler{
		Dispatcher: disp,
		Store:      store,
		Log:        logger.Named("api"),
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           api.NewRouter(apiHandler, cfg.CronSecret),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.SMTPSendTimeout+5*time.Second)
	defer shutdownCancel()

	if sched != nil {
		sched.Stop(shutdownCtx)
	}

	// lets an in-flight triggered run finish its current sends
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
