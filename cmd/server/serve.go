package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/patient-care-reminder/internal/config"
	"github.com/iliyamo/patient-care-reminder/internal/database"
	"github.com/iliyamo/patient-care-reminder/internal/docstore"
	"github.com/iliyamo/patient-care-reminder/internal/handler"
	"github.com/iliyamo/patient-care-reminder/internal/middleware"
	"github.com/iliyamo/patient-care-reminder/internal/queue"
	"github.com/iliyamo/patient-care-reminder/internal/repository"
	"github.com/iliyamo/patient-care-reminder/internal/router"
	"github.com/iliyamo/patient-care-reminder/internal/scheduler"
	"github.com/iliyamo/patient-care-reminder/internal/service"
)

const shutdownTimeout = 10 * time.Second

// serve wires every component and blocks until SIGINT/SIGTERM or a fatal
// server error.
func serve(parent context.Context, cfg config.Config, logger *zap.Logger, migrateFirst bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if migrateFirst {
		version, err := database.Migrate(cfg)
		if err != nil {
			return err
		}
		logger.Info("schema up to date", zap.Uint("version", version))
	}

	db, err := database.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// MongoDB is connected lazily on first use and shared by every store.
	mongo := docstore.NewCache(cfg.Mongo, docstore.WithLogger(logger))
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mongo.Release(releaseCtx); err != nil {
			logger.Warn("release mongodb connection failed", zap.Error(err))
		}
	}()
	subs := docstore.NewSubscriptionStore(mongo)
	files := docstore.NewFileStore(mongo)
	if err := subs.EnsureIndexes(ctx); err != nil {
		// the API still serves MySQL-backed routes while MongoDB is down
		logger.Warn("ensure subscription indexes failed", zap.Error(err))
	}

	rdb, err := config.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable, rate limiting and response cache disabled", zap.Error(err))
	} else {
		defer rdb.Close()
	}

	pub := service.NewPublisher(cfg.RabbitURL, logger.Named("publisher"))
	defer pub.Close()

	logPath := cfg.NotifyLogPath
	if logPath == "" {
		logPath = queue.DefaultNotificationLog
	}
	notifyLog, err := queue.OpenNotificationLog(logPath)
	if err != nil {
		return err
	}
	defer notifyLog.Close()
	dispatcher := queue.NewDispatcher(subs, notifyLog, logger.Named("dispatcher"))

	users := repository.NewUserRepo(db)
	tokens := repository.NewTokenRepo(db)
	reminders := repository.NewReminderRepo(db)
	cache := middleware.NewResponseCache(cfg.Cache, rdb, logger.Named("cache"))

	e := router.New(logger)
	router.RegisterRoutes(e,
		handler.NewDBCheckHandler(mongo, db, logger),
		handler.NewFileHandler(files, logger))
	router.RegisterAuth(e,
		handler.NewAuthHandler(cfg, users, tokens, pub, logger),
		middleware.NewTokenBucket(cfg.RateLimit, rdb, logger.Named("ratelimit")))
	router.RegisterPatient(e, router.PatientHandlers{
		Users:         handler.NewUserHandler(users, tokens, files, cache, cfg.BcryptCost, cfg.UploadMaxBytes, logger),
		Subscriptions: handler.NewSubscriptionHandler(subs, logger),
		Reminders:     handler.NewReminderHandler(reminders, cache, logger),
	}, cfg.JWTSecret, cache)

	var wg sync.WaitGroup
	background := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	background(func() {
		queue.StartReminderConsumer(ctx, cfg.RabbitURL, dispatcher.HandleReminder, logger.Named("consumer"))
	})
	background(func() {
		queue.Consume(ctx, cfg.RabbitURL, queue.QueuePatientRegistered, dispatcher.HandleRegistration, logger.Named("consumer"))
	})
	background(func() {
		scheduler.NewSweeper(reminders, pub, cache, cfg.SweepInterval, logger).Run(ctx)
	})

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", ":"+cfg.Port), zap.String("env", cfg.Env))
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-srvErr:
		logger.Error("http server failed", zap.Error(runErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	wg.Wait()
	return runErr
}
