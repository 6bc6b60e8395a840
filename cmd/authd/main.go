package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	auth "github.com/goliatone/go-auth-lifecycle"
	"github.com/goliatone/go-auth-lifecycle/config"
	"github.com/goliatone/go-auth-lifecycle/metrics"
	"github.com/goliatone/go-auth-lifecycle/notify"
	"github.com/goliatone/go-auth-lifecycle/ratelimit"
	"github.com/goliatone/go-auth-lifecycle/repository"
	"github.com/goliatone/go-errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type App struct {
	config   *config.Config
	logger   auth.SlogLogger
	bunDB    *bun.DB
	repo     auth.RepositoryManager
	service  *auth.Service
	registry *prometheus.Registry
	closers  []func()
	srv      *fiber.App
}

func (a *App) GetLogger(name string) auth.Logger {
	return a.logger.GetLogger(name)
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func main() {
	configPath := flag.String("config", "./config/config.yaml", "path to the config file")
	flag.Parse()

	cfg := config.MustLoad(*configPath)

	app := &App{
		config: cfg,
		logger: auth.NewSlogLogger(auth.NewLogger(cfg.Env, os.Stdout)),
	}
	defer app.Close()

	lgr := app.GetLogger("main")
	lgr.Info("starting auth service", "env", cfg.Env)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	steps := []func(context.Context, *App) error{
		WithPersistence,
		WithMetrics,
		WithService,
		WithHTTPServer,
	}
	for _, step := range steps {
		if err := step(ctx, app); err != nil {
			lgr.Error("startup failed", "error", err)
			app.Close()
			os.Exit(1)
		}
	}

	go PurgeVerificationTokens(ctx, app)

	go func() {
		lgr.Info("HTTP server is running", "address", cfg.HTTPServer.Address)
		if err := app.srv.Listen(cfg.HTTPServer.Address); err != nil {
			lgr.Error("server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	lgr.Info("shutting down HTTP server")

	if err := app.srv.ShutdownWithTimeout(5 * time.Second); err != nil {
		lgr.Error("server shutdown error", "error", err)
	}

	app.service.Wait()
	lgr.Info("auth service stopped")
}

// WithPersistence opens the database, applies migrations and builds the stores
func WithPersistence(ctx context.Context, app *App) error {
	cfg := app.config.Database

	var (
		sqldb *sql.DB
		err   error
	)

	switch cfg.Driver {
	case auth.DialectPostgres:
		sqldb, err = sql.Open("pgx", cfg.DSN)
		if err == nil {
			app.bunDB = bun.NewDB(sqldb, pgdialect.New())
		}
	default:
		sqldb, err = sql.Open(sqliteshim.ShimName, cfg.DSN)
		if err == nil {
			sqldb.SetMaxOpenConns(1)
			app.bunDB = bun.NewDB(sqldb, sqlitedialect.New())
		}
	}
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "failed to open database")
	}
	app.onClose(func() { _ = app.bunDB.Close() })

	if err := sqldb.PingContext(ctx); err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "failed to connect database")
	}

	if cfg.Migrate {
		if err := auth.Migrate(ctx, sqldb, cfg.Driver); err != nil {
			return err
		}
	}

	app.repo = auth.NewRepositoryManager(app.bunDB,
		auth.WithUsersRoleRegistry(auth.NewRoleRegistry()),
		auth.WithUsersHasher(auth.NewBcryptHasher(app.config.App.PasswordCost)),
	)
	return app.repo.Validate()
}

// WithMetrics creates the registry served on /metrics
func WithMetrics(_ context.Context, app *App) error {
	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return nil
}

// WithService wires notification delivery, login throttling, security
// events and the lifecycle service.
func WithService(ctx context.Context, app *App) error {
	cfg := app.config

	notifier, err := notificationSink(app)
	if err != nil {
		return err
	}

	activity, err := metrics.NewActivitySink(app.registry)
	if err != nil {
		return err
	}

	opts := []auth.ServiceOption{
		auth.WithLoggerProvider(app.logger),
		auth.WithActivitySink(auth.MultiActivitySink{
			activity,
			repository.NewSecurityEvents(app.bunDB),
		}),
		auth.WithHashidUserIDs(cfg.App.UseHashid),
		auth.WithPhoneRegion(cfg.App.PhoneRegion),
		auth.WithTxRunner(app.repo.InTx),
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return errors.Wrap(err, errors.CategoryInternal, "failed to connect redis")
		}
		app.onClose(func() { _ = client.Close() })

		opts = append(opts, auth.WithAttemptCounter(
			ratelimit.NewRedisCounter(client, cfg.Redis.Prefix),
			cfg.LoginAttempts.Max,
			cfg.LoginAttempts.Window,
		))
	}

	app.service, err = auth.NewService(cfg, app.repo.Users(), app.repo.VerificationTokens(), notifier, opts...)
	return err
}

func notificationSink(app *App) (auth.NotificationSink, error) {
	cfg := app.config
	lgr := app.GetLogger("notify")

	renderer, err := notify.NewRenderer()
	if err != nil {
		return nil, err
	}

	sinks := notify.MultiSink{}

	if cfg.SMTP.Host != "" {
		sinks = append(sinks, notify.NewSMTPSink(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, renderer))
	}

	if cfg.AMQP.URL != "" {
		sink, err := notify.DialAMQP(cfg.AMQP.URL, cfg.AMQP.QueueName, renderer)
		if err != nil {
			return nil, err
		}
		app.onClose(sink.Close)
		sinks = append(sinks, sink)
	}

	if len(sinks) == 0 || cfg.Env == auth.EnvLocal {
		lgr.Warn("no mail transport configured, notifications are only logged")
		sinks = append(sinks, notify.NewLogSink(lgr))
	}

	return sinks, nil
}

// WithHTTPServer mounts the auth routes and the metrics endpoint
func WithHTTPServer(_ context.Context, app *App) error {
	cfg := app.config.HTTPServer

	app.srv = fiber.New(fiber.Config{
		AppName:               "authd",
		ReadTimeout:           cfg.Timeout,
		WriteTimeout:          cfg.Timeout,
		IdleTimeout:           cfg.IdleTimeout,
		DisableStartupMessage: !cfg.Debug,
	})

	app.srv.Use(auth.RequestMetaMiddleware())

	auth.RegisterAuthRoutes(app.srv,
		auth.WithControllerService(app.service),
		auth.WithControllerLogger(app.GetLogger("http")),
		auth.WithControllerDebug(cfg.Debug),
	)

	app.srv.Get("/metrics", adaptor.HTTPHandler(metrics.Handler(app.registry)))
	app.srv.Get("/healthz", func(c *fiber.Ctx) error {
		if err := app.repo.Ping(c.UserContext()); err != nil {
			return c.SendStatus(fiber.StatusServiceUnavailable)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	return nil
}

// PurgeVerificationTokens sweeps used and expired verification tokens
// until ctx is done.
func PurgeVerificationTokens(ctx context.Context, app *App) {
	interval := app.config.App.PurgeInterval
	if interval <= 0 {
		return
	}

	lgr := app.GetLogger("purge")
	handler := auth.NewPurgeVerificationTokensHandler(app.service, lgr)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := handler.Execute(ctx, auth.PurgeVerificationTokensMessage{}); err != nil {
				lgr.Error("verification token purge failed", "error", err)
			}
		}
	}
}
