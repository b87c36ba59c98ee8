package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/configs"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/logging"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/metrics"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/ratelimiter"
	healthHandler "github.com/studiocdz/collaborative-editor/internal/presentation/handler/health"
	sessionsHandler "github.com/studiocdz/collaborative-editor/internal/presentation/handler/sessions"
	uploadsHandler "github.com/studiocdz/collaborative-editor/internal/presentation/handler/uploads"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const shutdownTimeout = 10 * time.Second

// ShutdownHook runs after the HTTP server stopped accepting requests.
type ShutdownHook func(ctx context.Context) error

type Application struct {
	config          configs.Config
	sessionsHandler *sessionsHandler.Handler
	uploadsHandler  *uploadsHandler.Handler
	healthHandler   *healthHandler.Handler
	logger          logging.Logger
	ratelimiter     ratelimiter.Limiter
	metrics         *metrics.Metrics
	hooks           []ShutdownHook
}

func NewApplication(
	config configs.Config,
	sessionsHandler *sessionsHandler.Handler,
	uploadsHandler *uploadsHandler.Handler,
	healthHandler *healthHandler.Handler,
	logger logging.Logger,
	ratelimiter ratelimiter.Limiter,
	metrics *metrics.Metrics,
) *Application {
	return &Application{
		config:          config,
		sessionsHandler: sessionsHandler,
		uploadsHandler:  uploadsHandler,
		healthHandler:   healthHandler,
		logger:          logger,
		ratelimiter:     ratelimiter,
		metrics:         metrics,
	}
}

// OnShutdown registers hooks run in order once the server has stopped.
func (app *Application) OnShutdown(hooks ...ShutdownHook) {
	app.hooks = append(app.hooks, hooks...)
}

func (app *Application) Mount() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(app.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(app.prometheusMiddleware)

	r.Use(app.rateLimiterMiddleware)
	r.Use(app.enableCors)

	// Websocket routes outlive any request timeout.
	r.Get("/ws", app.sessionsHandler.ServeWS)
	r.Get("/api/sessions/{sessionId}/ws", app.sessionsHandler.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/", app.healthHandler.GetBanner)
		r.Post("/upload", app.uploadsHandler.Upload)
		r.Get("/files/{name}", app.uploadsHandler.ServeFile)
		r.Handle("/metrics", app.metrics.Handler())

		r.Route("/api", func(r chi.Router) {
			r.Post("/upload", app.uploadsHandler.Upload)

			r.Route("/sessions/{sessionId}", func(r chi.Router) {
				r.Get("/", app.sessionsHandler.GetSnapshot)
				r.Get("/events", app.sessionsHandler.GetEvents)
				r.Get("/archive", app.sessionsHandler.GetArchive)
				r.Get("/audit", app.sessionsHandler.GetAudit)
			})

			r.Get("/health", app.healthHandler.GetHealth)
			r.Get("/healthz", app.healthHandler.GetHealth)
			r.Get("/ready", app.healthHandler.GetHealth)
			r.Get("/live", app.healthHandler.GetHealth)
		})
	})

	return otelhttp.NewHandler(r, "collab-http")
}

func (app *Application) Run(mux http.Handler) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", app.config.HTTP.Host, app.config.HTTP.Port),
		Handler:      mux,
		WriteTimeout: app.config.HTTP.WriteTimeout,
		ReadTimeout:  app.config.HTTP.ReadTimeout,
		IdleTimeout:  time.Minute,
	}

	shutdown := make(chan error)

	go func() {
		quit := make(chan os.Signal, 1)

		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		s := <-quit

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		app.logger.Info(logging.General, logging.Shutdown, "signal caught", map[logging.ExtraKey]any{"signal": s.String()})
		app.healthHandler.SetHealthy(false)

		shutdown <- app.shutdown(ctx, srv)
	}()

	app.logger.Info(logging.General, logging.Startup, "server has started", map[logging.ExtraKey]any{logging.Address: srv.Addr})

	err := srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	err = <-shutdown
	if err != nil {
		return err
	}

	app.logger.Info(logging.General, logging.Shutdown, "server has stopped", map[logging.ExtraKey]any{logging.Address: srv.Addr})

	return nil
}

func (app *Application) shutdown(ctx context.Context, srv *http.Server) error {
	errs := []error{srv.Shutdown(ctx)}
	for _, hook := range app.hooks {
		errs = append(errs, hook(ctx))
	}
	return errors.Join(errs...)
}
