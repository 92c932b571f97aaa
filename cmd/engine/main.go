package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/backoffice-engine/internal/api/http"
	"github.com/spec-kit/backoffice-engine/internal/api/http/handlers"
	"github.com/spec-kit/backoffice-engine/internal/auth"
	"github.com/spec-kit/backoffice-engine/internal/config"
	"github.com/spec-kit/backoffice-engine/internal/events"
	"github.com/spec-kit/backoffice-engine/internal/mq"
	"github.com/spec-kit/backoffice-engine/internal/notify"
	"github.com/spec-kit/backoffice-engine/internal/observability"
	"github.com/spec-kit/backoffice-engine/internal/persistence"
	"github.com/spec-kit/backoffice-engine/internal/repository"
	"github.com/spec-kit/backoffice-engine/internal/scheduler"
	"github.com/spec-kit/backoffice-engine/internal/service"
	"github.com/spec-kit/backoffice-engine/internal/sla"
	"github.com/spec-kit/backoffice-engine/internal/worker"
	"github.com/spec-kit/backoffice-engine/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		logger.Fatal("invalid scheduler timezone", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.Pool(), persistence.DefaultMigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	dispatcher := events.NewInMemoryDispatcher()
	healthDeps := []handlers.Dependency{
		{Name: "postgres", Pinger: pg, Critical: true},
		{Name: "redis", Pinger: redis},
	}

	var sink service.EventSink
	if cfg.AMQP.URL != "" {
		conn, err := mq.Dial(cfg.AMQP.URL, logger)
		if err != nil {
			logger.Fatal("failed to connect amqp", zap.Error(err))
		}
		defer conn.Close() //nolint:errcheck
		publisher, err := mq.NewPublisher(conn, cfg.AMQP.Exchange, logger)
		if err != nil {
			logger.Fatal("failed to declare amqp exchange", zap.Error(err))
		}
		sink = publisher
		healthDeps = append(healthDeps, handlers.Dependency{Name: "amqp", Pinger: conn})
	}
	eventWorker := worker.NewNotificationWorker(service.NewNotificationService(sink, logger.Named("events")).Handle, cfg.AMQP.Buffer, logger)
	eventWorker.Register(dispatcher)
	eventWorker.Start(ctx)

	pool := pg.Pool()
	staffRepo := repository.NewStaffRepository(pool)
	notifier := notify.NewDispatcher(
		notify.NewSender(cfg.Notification.WebhookURL, cfg.Notification.EmailFrom, logger),
		cfg.Notification.SendTimeout,
		logger,
		metrics,
	)

	segments := repository.NewSegmentRepository(pool)

	engine := workflow.NewEngine(workflow.Config{
		BatchSize:              cfg.Workflow.BatchSize,
		Concurrency:            cfg.Workflow.Concurrency,
		BatchDelay:             cfg.Workflow.BatchDelay,
		ReEngagementInactivity: cfg.Workflow.ReEngagementInactivity,
		ReEngagementBatch:      cfg.Workflow.ReEngagementBatch,
		ReEngagementCooldown:   cfg.Workflow.ReEngagementCooldown,
		Location:               loc,
	}, workflow.Dependencies{
		Automations: repository.NewAutomationRepository(pool),
		Executions:  repository.NewExecutionRepository(pool),
		StepLogs:    repository.NewStepLogRepository(pool),
		Recipients:  repository.NewRecipientRepository(pool),
		Segments:    segments,
		Notifier:    notifier,
		Events:      dispatcher,
		Metrics:     metrics,
		Logger:      logger.Named("workflow"),
	})

	tracker := sla.NewTracker(sla.Config{
		WarningWindow: cfg.SLA.WarningWindow,
		TicketBaseURL: cfg.Notification.TicketBaseURL,
		Location:      loc,
	}, sla.Dependencies{
		Tickets:   repository.NewTicketRepository(pool),
		Staff:     staffRepo,
		Policies:  repository.NewSlaPolicyRepository(pool),
		Tracking:  repository.NewSlaTrackingRepository(pool),
		Templates: repository.NewTemplateRepository(pool),
		Notifier:  notifier,
		Events:    dispatcher,
		Metrics:   metrics,
		Logger:    logger.Named("sla"),
	})

	marker, err := persistence.NewRedisRunMarker(redis)
	if err != nil {
		logger.Fatal("failed to init daily run marker", zap.Error(err))
	}
	var locker scheduler.Locker
	if cfg.Scheduler.LockTTL > 0 {
		redisLocker, err := persistence.NewRedisLocker(redis, cfg.Scheduler.LockTTL)
		if err != nil {
			logger.Fatal("failed to init run lock", zap.Error(err))
		}
		locker = redisLocker
	}

	sched := scheduler.New(scheduler.Config{
		WorkflowInterval:   cfg.Scheduler.WorkflowInterval,
		SLAInterval:        cfg.Scheduler.SLAInterval,
		DailyCheckInterval: cfg.Scheduler.DailyCheckInterval,
		DailyWindow:        cfg.Scheduler.DailyWindow,
		Location:           loc,
	}, scheduler.Dependencies{
		Workflow: func(ctx context.Context) error {
			_, err := engine.Tick(ctx)
			return err
		},
		SLA: func(ctx context.Context) error {
			_, err := tracker.Check(ctx)
			return err
		},
		Locker:  locker,
		Marker:  marker,
		Metrics: metrics,
		Logger:  logger.Named("scheduler"),
	})
	if err := sched.AddDaily(scheduler.JobBirthday, cfg.Scheduler.BirthdayCron, func(ctx context.Context) error {
		_, err := engine.RunBirthdayTrigger(ctx)
		return err
	}); err != nil {
		logger.Fatal("failed to register birthday trigger", zap.Error(err))
	}
	if err := sched.AddDaily(scheduler.JobReEngagement, cfg.Scheduler.ReEngagementCron, func(ctx context.Context) error {
		_, err := engine.RunReEngagementTrigger(ctx)
		return err
	}); err != nil {
		logger.Fatal("failed to register re-engagement trigger", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		DisableStartupMessage: true,
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, healthDeps...),
		Ops:            handlers.NewOpsHandler(engine, tracker, sched, segments),
		AuthMiddleware: auth.NewAuthMiddleware(auth.NewTokenManager(cfg.Auth.JWTSecret, auth.TokenOptions{
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			TTLMinutes: cfg.Auth.AccessTokenTTLMinutes,
		}), staffRepo),
		Gatherer:       registry,
	})

	if err := sched.Start(ctx); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	sched.Stop()
	cancel()
	eventWorker.Wait()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
