package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/uarflow/internal/api"
	"github.com/lalithlochan/uarflow/internal/audit"
	"github.com/lalithlochan/uarflow/internal/campaign"
	"github.com/lalithlochan/uarflow/internal/circuitbreaker"
	"github.com/lalithlochan/uarflow/internal/config"
	"github.com/lalithlochan/uarflow/internal/db"
	"github.com/lalithlochan/uarflow/internal/dispatch"
	"github.com/lalithlochan/uarflow/internal/observ"
	"github.com/lalithlochan/uarflow/internal/reconcile"
	"github.com/lalithlochan/uarflow/internal/redis"
	"github.com/lalithlochan/uarflow/internal/reminder"
	"github.com/lalithlochan/uarflow/internal/scheduler"
	"github.com/lalithlochan/uarflow/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	loc := cfg.Location()
	logger.Info("starting uarflow engine",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("timezone", loc.String()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Job locks fall back to the in-process guard without Redis.
	var locker scheduler.Locker
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, job locks are process-local",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer redisClient.Close()
		locker = redis.NewLocker(redisClient, logger)
	}

	sink := audit.Multi{audit.NewLogSink(logger)}
	var snsSink *audit.SNSSink
	auditCtx, auditCancel := context.WithCancel(context.Background())
	defer auditCancel()
	if cfg.AuditTopicARN != "" {
		snsSink, err = audit.NewSNSSink(ctx, audit.SNSConfig{
			Region:   cfg.AWSRegion,
			TopicARN: cfg.AuditTopicARN,
		}, logger)
		if err != nil {
			logger.Warn("sns audit sink unavailable, audit events are logged only", zap.Error(err))
		} else {
			sink = append(sink, snsSink)
			go snsSink.Run(auditCtx)
		}
	}

	generator := campaign.New(repo, sink, campaign.Config{
		SystemNoregPrefix:         cfg.SystemNoregPrefix,
		CorporateNoregPrefix:      cfg.CorporateNoregPrefix,
		DefaultApprovalOffsetDays: cfg.DefaultApprovalOffsetDays,
		Location:                  loc,
	}, logger.Named("campaign"))

	reminders := reminder.New(repo, sink, logger.Named("reminder"))

	webhookBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("webhook"), logger)
	webhook := dispatch.NewWebhookClient(dispatch.WebhookConfig{
		Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
	}, webhookBreaker, logger)
	dispatcher := dispatch.New(repo, webhook, sink, dispatch.Config{
		BatchSize: cfg.DispatchBatchSize,
		Locale:    cfg.TemplateLocale,
	}, logger.Named("dispatch"))

	sources, err := picSources(ctx, cfg, logger)
	if err != nil {
		return err
	}
	syncer := reconcile.New(repo, sources, reconcile.Config{SourceTimeout: cfg.PicSourceTimeout}, sink, logger.Named("reconcile"))

	sched := scheduler.New(locker, scheduler.Config{LockTTL: cfg.JobLockTTL}, logger)

	sched.Every(api.CampaignJob, cfg.ShortTick, func(ctx context.Context, logger *zap.Logger) error {
		due, err := repo.ListDueCampaigns(ctx, time.Now().In(loc))
		if err != nil {
			return fmt.Errorf("list due campaigns: %w", err)
		}
		for _, s := range due {
			result, err := generator.Generate(ctx, s.ReviewStartDate.Format("2006-01-02"), s.ApplicationID, "system")
			if err != nil {
				logger.Error("campaign generation failed", zap.String("application_id", s.ApplicationID), zap.Error(err))
				continue
			}
			logger.Info("campaign generated",
				zap.String("uar_id", result.UarID),
				zap.Int("queued", result.Queued),
			)
		}
		return nil
	})

	sched.Every("reconcile", cfg.ShortTick, func(ctx context.Context, logger *zap.Logger) error {
		apps, err := repo.ListOpenSyncWindows(ctx, time.Now().In(loc))
		if err != nil {
			return fmt.Errorf("list sync windows: %w", err)
		}
		for _, app := range apps {
			if _, err := syncer.Run(ctx, app); err != nil {
				logger.Error("pic sync failed", zap.String("application_id", app), zap.Error(err))
			}
		}
		return nil
	})

	sched.Every("dispatch", cfg.ShortTick, func(ctx context.Context, logger *zap.Logger) error {
		summary, err := dispatcher.Run(ctx)
		if errors.Is(err, dispatch.ErrNoWebhook) {
			logger.Warn("dispatch skipped, webhook url not configured")
			return nil
		}
		if err != nil {
			return err
		}
		if summary.Claimed > 0 {
			logger.Info("dispatch batch done",
				zap.Int("claimed", summary.Claimed),
				zap.Int("sent", summary.Sent),
				zap.Int("failed", summary.Failed),
				zap.Int("skipped", summary.Skipped),
			)
		}
		return nil
	})

	if err := sched.DailyAt("reminder", cfg.ReminderAt, loc, func(ctx context.Context, logger *zap.Logger) error {
		summary, err := reminders.Run(ctx, time.Now().In(loc))
		if err != nil {
			return err
		}
		logger.Info("reminders queued",
			zap.Int("considered", summary.Considered),
			zap.Int("queued", summary.Queued),
			zap.Int("failed", summary.Failed),
		)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to register reminder job: %w", err)
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Start(ctx)
	}()

	handler := api.NewHandler(logger, repo, generator, sched, dispatcher)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, logger, 2*time.Minute),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		stop(cancel, schedDone, auditCancel, snsSink)
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	stop(cancel, schedDone, auditCancel, snsSink)
	logger.Info("engine stopped gracefully")
	return nil
}

// stop waits for in-flight job runs before draining the audit queue.
func stop(cancelJobs context.CancelFunc, schedDone <-chan struct{}, cancelAudit context.CancelFunc, snsSink *audit.SNSSink) {
	cancelJobs()
	<-schedDone
	cancelAudit()
	if snsSink != nil {
		snsSink.Wait()
	}
}

func picSources(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]reconcile.Source, error) {
	client := &http.Client{Timeout: cfg.PicSourceTimeout}

	var sources []reconcile.Source
	for i, url := range cfg.PicSourceURLs {
		sources = append(sources, reconcile.NewHTTPSource(fmt.Sprintf("http-%d", i+1), url, client))
	}

	if cfg.PicSourceQueueURL != "" {
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.PicSourceQueueURL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create pic queue consumer: %w", err)
		}
		sources = append(sources, reconcile.NewQueueSource("queue", consumer, logger))
	}

	if len(sources) == 0 {
		logger.Warn("no pic sources configured, reconcile job will insert nothing")
	}
	return sources, nil
}
