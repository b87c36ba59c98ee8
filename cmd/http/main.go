package main

import (
	"context"
	"expvar"
	"log"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/studiocdz/collaborative-editor/internal/domain"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/archive"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/configs"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/events"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/lease"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/logging"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/messaging"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/metrics"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/ratelimiter"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/reporting"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/repository"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/storage"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/tracing"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/ws"
	"github.com/studiocdz/collaborative-editor/internal/persistence/db"
	auditRepository "github.com/studiocdz/collaborative-editor/internal/persistence/repository"
	"github.com/studiocdz/collaborative-editor/internal/presentation/api"
	"github.com/studiocdz/collaborative-editor/internal/presentation/handler/health"
	"github.com/studiocdz/collaborative-editor/internal/presentation/handler/sessions"
	"github.com/studiocdz/collaborative-editor/internal/presentation/handler/uploads"
)

const (
	serviceName = "collab-server"
)

func main() {
	configPath := configs.DetermineConfigPath()
	cfg, err := configs.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger := logging.NewLogger(&logging.LoggerConfig{
		FilePath: cfg.Logger.FilePath,
		Encoding: cfg.Logger.Encoding,
		Level:    cfg.Logger.Level,
		Logger:   cfg.Logger.Logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		tracerCfg := tracing.NewDefaultConfig(serviceName)
		tracerCfg.Endpoint = cfg.Tracing.Endpoint
		tracerCfg.Environment = cfg.Tracing.Environment

		sh, err := tracing.InitTracer(tracerCfg)
		if err != nil {
			logger.Fatal(logging.General, logging.Startup, "failed to initialize the tracer", map[logging.ExtraKey]any{logging.ErrorMessage: err.Error()})
		}
		defer func() { _ = sh(context.Background()) }()
	}

	m := metrics.New()
	deps := ws.SessionsDeps{Recorder: m}

	if cfg.Sentry.Enabled {
		flush, err := reporting.Init(reporting.Config{
			DSN:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     serviceName,
		})
		if err != nil {
			logger.Fatal(logging.General, logging.ExternalService, "failed to initialize sentry", map[logging.ExtraKey]any{logging.ErrorMessage: err.Error()})
		}
		defer flush()
		deps.OnFailure = reporting.SessionFailure
	}

	var rlCache ratelimiter.GetterSetter
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal(logging.Redis, logging.Startup, "failed to connect to redis", map[logging.ExtraKey]any{logging.ErrorMessage: err.Error()})
		}
		defer rdb.Close()

		deps.Lease = lease.NewRedisLease(rdb, cfg.Redis.LeaseTTL)
		if cfg.RateLimiter.Backend == "redis" {
			rlCache = ratelimiter.NewRedis(rdb, "collab:")
		}
		logger.Info(logging.Redis, logging.Startup, "redis connected", map[logging.ExtraKey]any{logging.Address: cfg.Redis.Addr})
	}

	var auditRepo domain.SessionAuditRepository
	if cfg.Mongo.Enabled {
		mongoCfg := &db.MongoConfig{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database}
		client, err := db.NewMongoClient(ctx, mongoCfg)
		if err != nil {
			logger.Fatal(logging.MongoDB, logging.Startup, "failed to connect to mongodb", map[logging.ExtraKey]any{logging.ErrorMessage: err.Error()})
		}
		defer func() { _ = db.DisconnectMongo(context.Background(), client) }()

		auditRepo = auditRepository.NewSessionAuditLogRepository(db.GetDatabase(client, mongoCfg))
		if err := auditRepo.EnsureIndexes(ctx); err != nil {
			logger.Warn(logging.MongoDB, logging.Startup, "failed to create audit indexes", map[logging.ExtraKey]any{logging.ErrorMessage: err.Error()})
		}
	}

	if cfg.RabbitMQ.Enabled {
		rabbitmq, err := messaging.NewRabbitMQ(cfg.RabbitMQ.URI, logger)
		if err != nil {
			logger.Fatal(logging.RabbitMQ, logging.Startup, "failed to connect to rabbitmq", map[logging.ExtraKey]any{logging.ErrorMessage: err.Error()})
		}
		defer rabbitmq.Close()

		deps.Observers = append(deps.Observers, events.NewSessionPublisher(rabbitmq, logger))

		if auditRepo != nil {
			consumer := events.NewAuditConsumer(rabbitmq, auditRepo, logger)
			go func() {
				if err := consumer.Listen(ctx); err != nil {
					logger.Error(logging.RabbitMQ, logging.Consume, "audit consumer stopped", map[logging.ExtraKey]any{logging.ErrorMessage: err.Error()})
				}
			}()
		}
	} else if auditRepo != nil {
		deps.Observers = append(deps.Observers, events.NewAuditObserver(auditRepo, logger))
	}

	var sessionArchive domain.SessionArchive
	if cfg.Archive.Enabled {
		boltArchive, err := archive.OpenBoltArchive(cfg.Archive.Path)
		if err != nil {
			logger.Fatal(logging.IO, logging.Startup, "failed to open session archive", map[logging.ExtraKey]any{logging.ErrorMessage: err.Error()})
		}
		defer boltArchive.Close()

		sessionArchive = boltArchive
		deps.Archive = boltArchive
	}

	frameLimiter := ratelimiter.NewFixedWindowRateLimiter(cfg.Session.FramesPerSecond, time.Second)
	defer frameLimiter.Close()
	deps.Limiter = frameLimiter

	manager := ws.NewSessions(ws.SessionsConfig{
		Core: ws.CoreConfig{
			SubmitTimeout:     cfg.Session.SubmitTimeout,
			ReconnectGrace:    cfg.Session.ReconnectGrace,
			IdleTTL:           cfg.Session.IdleTTL,
			ObserverQueueSize: cfg.Session.ObserverQueueSize,
		},
		Client: ws.ClientConfig{
			QueueSize:     cfg.Session.OutboundQueueSize,
			MaxFrameBytes: cfg.Session.MaxFrameBytes,
			PingInterval:  cfg.Session.PingInterval,
			IdleTimeout:   cfg.Session.IdleTimeout,
			WriteTimeout:  cfg.Session.WriteTimeout,
		},
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, deps, logger)

	fileRepository := repository.NewFileRepository(cfg.Uploads.Capacity)
	uploadStore, err := storage.NewUploadStore(cfg.Uploads.Dir, cfg.Uploads.PublicBaseURL, cfg.Uploads.MaxBytes, fileRepository)
	if err != nil {
		logger.Fatal(logging.IO, logging.Startup, "failed to prepare upload store", map[logging.ExtraKey]any{logging.ErrorMessage: err.Error()})
	}
	uploadStore.LimitBandwidth(cfg.Uploads.BandwidthBytesPerSecond)

	sessionsHandler := sessions.NewHandler(manager, sessionArchive, auditRepo, logger)
	uploadsHandler := uploads.NewHandler(uploadStore, cfg.Uploads.MaxBytes, m, logger)
	healthHandler := health.NewHandler(manager)

	rl := ratelimiter.New(ratelimiter.Options{
		MaxRatePerSecond: cfg.RateLimiter.MaxRatePerSecond,
		MaxBurst:         cfg.RateLimiter.MaxBurst,
		Cache:            rlCache,
		CacheTTL:         cfg.RateLimiter.CacheTTL,
		SourceHeaderKey:  cfg.RateLimiter.SourceHeaderKey,
	})
	app := api.NewApplication(*cfg, sessionsHandler, uploadsHandler, healthHandler, logger, rl, m)
	app.OnShutdown(manager.Shutdown)

	expvar.Publish("goroutines", expvar.Func(func() any {
		return runtime.NumGoroutine()
	}))

	mux := app.Mount()
	if err := app.Run(mux); err != nil {
		logger.Fatal(logging.General, logging.Shutdown, "server stopped", map[logging.ExtraKey]any{logging.ErrorMessage: err.Error()})
	}
}
