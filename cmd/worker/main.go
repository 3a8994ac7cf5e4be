package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"campushealth/internal/booking"
	"campushealth/internal/config"
	"campushealth/internal/jobs"
	"campushealth/internal/logging"
	"campushealth/internal/notify"
	"campushealth/internal/queue"
	"campushealth/internal/store"
)

// Worker consumes side-effect tasks and runs the reminder schedule.
func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	q := openQueue(cfg, redisClient.Client, logger)

	rt, mailer := transports(cfg)
	if rt == nil {
		logger.Warn("pusher not configured, realtime events will be skipped")
	}
	if mailer == nil {
		logger.Warn("smtp not configured, emails will be skipped")
	}

	appts := booking.NewService(db.Client, booking.NewRepository(db.Client), notify.NewDispatcher(q, logger), logger,
		booking.Options{LockTimeout: cfg.LockTimeout})
	reminders, err := jobs.NewReminders(appts, logger).Schedule(ctx, cfg.ReminderSchedule)
	if err != nil {
		logger.Fatal("invalid reminder schedule", zap.String("schedule", cfg.ReminderSchedule), zap.Error(err))
	}
	reminders.Start()
	defer func() { <-reminders.Stop().Done() }()

	logger.Info("worker started, waiting for tasks", zap.Int("max_attempts", cfg.DispatchMaxAttempts))
	w := notify.NewWorker(q, rt, mailer, logger, cfg.DispatchMaxAttempts)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
		return
	}
	logger.Info("worker stopped")
}

func openQueue(cfg config.App, client *redis.Client, logger *zap.Logger) queue.Queue {
	if cfg.QueueBackend == "memory" {
		// The API process owns its in-memory queue; this one only sees
		// tasks published here, which are reminders.
		logger.Warn("memory queue backend: booking and status tasks stay in the API process, this worker only delivers reminders")
		return queue.NewInMemory(256)
	}
	return queue.NewRedisQueue(client, cfg.QueueKey, logger)
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
