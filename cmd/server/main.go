package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/bpark/bparkd/internal/database"
	"github.com/bpark/bparkd/internal/dispatch"
	"github.com/bpark/bparkd/internal/ops"
	"github.com/bpark/bparkd/internal/parking"
	"github.com/bpark/bparkd/internal/platform/mailer"
	"github.com/bpark/bparkd/internal/platform/notify"
	"github.com/bpark/bparkd/internal/platform/ratelimit"
	"github.com/bpark/bparkd/internal/repo/postgres"
	"github.com/bpark/bparkd/internal/reports"
	"github.com/bpark/bparkd/internal/reservation"
	"github.com/bpark/bparkd/internal/scheduler"
	"github.com/bpark/bparkd/internal/server"
	"github.com/bpark/bparkd/internal/session"
	"github.com/bpark/bparkd/pkg/config"
	"github.com/bpark/bparkd/pkg/events"
	"github.com/bpark/bparkd/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(cfg.Database.URL); err != nil {
		logger.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	pool, err := database.NewPool(ctx, cfg.Database.URL, database.PoolOptions{
		Initial:        cfg.Pool.Initial,
		Max:            cfg.Pool.Max,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		PingTimeout:    cfg.Pool.PingTimeout,
	})
	if err != nil {
		logger.Error("Failed to open database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	eventBus, err := events.NewNATSEventBus(cfg.NATS.URL)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer eventBus.Close()

	// Client-facing repositories check connections out of the bounded pool.
	src := postgres.PoolSource{Pool: pool}
	spotRepo := postgres.NewSpotRepository(src)
	reservationRepo := postgres.NewReservationRepository(src)
	historyRepo := postgres.NewHistoryRepository(src)
	subscriberRepo := postgres.NewSubscriberRepository(src)
	workerRepo := postgres.NewWorkerRepository(src)
	tagRepo := postgres.NewTagReaderRepository(src)
	reportRepo := postgres.NewReportRepository(src)

	registry := session.NewRegistry(subscriberRepo, workerRepo, tagRepo, time.Now)
	engine := reservation.NewEngine(spotRepo, reservationRepo, historyRepo, eventBus, time.Now)
	manager := parking.NewManager(spotRepo, reservationRepo, historyRepo, eventBus, time.Now)
	generator := reports.NewGenerator(historyRepo, subscriberRepo, reportRepo, time.Now)

	limiter := buildLimiter(cfg)

	dispatcher := dispatch.NewDispatcher(
		registry, engine, manager,
		historyRepo, subscriberRepo, tagRepo, generator,
		limiter,
		dispatch.AuthConfig{JWTSecret: cfg.Auth.JWTSecret, SessionTTL: cfg.Auth.SessionTTL},
	)

	gateway := server.NewGateway(server.Config{
		Addr:           cfg.Server.Addr,
		MaxLineBytes:   cfg.Server.MaxLineBytes,
		QueueDepth:     cfg.Server.QueueDepth,
		MaxConcurrency: cfg.Pool.Max,
	}, dispatcher, registry)

	// The scheduler gets its own connection so periodic work never
	// competes with clients for the pool.
	bgConn, err := pool.Background(ctx)
	if err != nil {
		logger.Error("Failed to open background connection", "error", err)
		os.Exit(1)
	}
	defer bgConn.Close(context.Background())

	bgSrc := postgres.NewConnSource(bgConn)
	bgSpots := postgres.NewSpotRepository(bgSrc)
	bgReservations := postgres.NewReservationRepository(bgSrc)
	bgHistory := postgres.NewHistoryRepository(bgSrc)
	bgSubscribers := postgres.NewSubscriberRepository(bgSrc)
	bgReports := postgres.NewReportRepository(bgSrc)

	bgEngine := reservation.NewEngine(bgSpots, bgReservations, bgHistory, eventBus, time.Now)
	bgGenerator := reports.NewGenerator(bgHistory, bgSubscribers, bgReports, time.Now)

	sched := scheduler.New(scheduler.Config{
		Interval:           cfg.Scheduler.Interval,
		InactivityInterval: cfg.Scheduler.InactivityInterval,
		IdleCutoff:         cfg.Scheduler.IdleCutoff,
		WarnGrace:          cfg.Scheduler.WarnGrace,
		SupportPhone:       cfg.Email.SupportPhone,
		SupportEmail:       cfg.Email.SupportEmail,
	}, bgEngine, bgHistory, bgSpots, bgGenerator, registry, eventBus, time.Now)

	notifier := notify.New(eventBus, buildMailer(cfg))
	if err := notifier.Start(); err != nil {
		logger.Error("Failed to start notifier", "error", err)
		os.Exit(1)
	}

	opsServer := ops.NewServer(cfg.Ops.Addr, pool, generator, cfg.Auth.JWTSecret, cfg.Ops.Metrics)
	go func() {
		if err := opsServer.ListenAndServe(ctx); err != nil {
			logger.Error("Ops server error", "error", err)
		}
	}()

	go sched.Run(ctx)

	logger.Info("Starting bparkd",
		"addr", cfg.Server.Addr, "ops_addr", cfg.Ops.Addr,
		"pool_max", cfg.Pool.Max)
	if err := gateway.ListenAndServe(ctx); err != nil {
		logger.Error("Gateway error", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func buildLimiter(cfg *config.Config) ratelimit.Limiter {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Warn("Invalid REDIS_URL, sign-in rate limiting disabled", "error", err)
		return ratelimit.Unlimited{}
	}
	if cfg.Redis.Password != "" {
		opt.Password = cfg.Redis.Password
	}
	opt.DB = cfg.Redis.DB
	return ratelimit.NewRedisLimiter(redis.NewClient(opt), cfg.RateLimit.Requests, cfg.RateLimit.Window)
}

func buildMailer(cfg *config.Config) mailer.Service {
	switch {
	case cfg.Email.DevMode:
		return mailer.Dev{}
	case cfg.Email.MailerSendKey != "":
		return mailer.NewMailer(cfg.Email.MailerSendKey, "BPARK", cfg.Email.SMTPFrom)
	default:
		return mailer.NewSMTPMailer(cfg.Email.SMTPHost, cfg.Email.SMTPPort,
			cfg.Email.SMTPFrom, cfg.Email.SMTPUser, cfg.Email.SMTPPass)
	}
}
