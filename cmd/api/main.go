package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"campushealth/internal/booking"
	"campushealth/internal/cloudinary"
	"campushealth/internal/config"
	"campushealth/internal/handler"
	"campushealth/internal/httpmiddleware"
	"campushealth/internal/logging"
	"campushealth/internal/notify"
	"campushealth/internal/queue"
	"campushealth/internal/store"
	"campushealth/internal/users"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, logger *zap.Logger) error {
	ctx := context.Background()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.EnsureSchema(ctx, db.Client); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		// No separate worker can see this queue; consume it in-process.
		mem := queue.NewInMemory(256)
		q = mem
		rt, mailer := transports(cfg)
		go func() {
			_ = notify.NewWorker(mem, rt, mailer, logger, cfg.DispatchMaxAttempts).Run(workerCtx)
		}()
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey, logger)
	}

	opts := booking.Options{LockTimeout: cfg.LockTimeout}
	// Cloudinary client (nil when not configured)
	if cdn := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder); cdn != nil {
		opts.Files = cdn
		logger.Info("cloudinary configured", zap.String("cloud", cfg.CloudinaryCloudName))
	} else {
		logger.Info("cloudinary not configured, prescription uploads disabled")
	}

	appts := booking.NewService(db.Client, booking.NewRepository(db.Client), notify.NewDispatcher(q, logger), logger, opts)
	sessions := users.NewService(users.NewRepository(db.Client), logger, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)

	r := gin.New()
	// ClientIP feeds the rate limiter; only listed proxies may override it.
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger, "/healthz", "/metrics"))
	r.Use(httpmiddleware.CORS(cfg.CORSOrigins))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin, logger).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := handler.New(appts, sessions, map[string]handler.Checker{"db": db, "redis": redisClient}, logger)
	h.Register(r, handler.Auth{SigningKey: cfg.JWTSigningKey, Issuer: cfg.JWTIssuer})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}

	logger.Info("server exited")
	return nil
}

func transports(cfg config.App) (notify.Realtime, notify.Mailer) {
	return notify.Transports(notify.TransportConfig{
		PusherAppID:   cfg.PusherAppID,
		PusherKey:     cfg.PusherKey,
		PusherSecret:  cfg.PusherSecret,
		PusherCluster: cfg.PusherCluster,
		SMTPHost:      cfg.SMTPHost,
		SMTPPort:      cfg.SMTPPort,
		SMTPUser:      cfg.SMTPUser,
		SMTPPassword:  cfg.SMTPPassword,
		SMTPFrom:      cfg.SMTPFrom,
	})
}
