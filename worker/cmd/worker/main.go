package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/inboxrelay/relay/common/logging"
	"github.com/inboxrelay/relay/common/messaging"
	natsclient "github.com/inboxrelay/relay/common/messaging/nats"
	"github.com/inboxrelay/relay/common/registry"
	"github.com/inboxrelay/relay/common/render"
	"github.com/inboxrelay/relay/common/render/sanitize"
	"github.com/inboxrelay/relay/common/render/translation"
	"github.com/inboxrelay/relay/common/retry"
	"github.com/inboxrelay/relay/common/wsclient"
	"github.com/inboxrelay/relay/worker/internal/config"
	"github.com/inboxrelay/relay/worker/internal/handlers"
	workernats "github.com/inboxrelay/relay/worker/internal/nats"
	"github.com/inboxrelay/relay/worker/internal/presence"
	"github.com/inboxrelay/relay/worker/internal/repository"
	"github.com/inboxrelay/relay/worker/internal/server"
	"github.com/inboxrelay/relay/worker/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	migrationsPath := flag.String("migrations", "file://migrations", "golang-migrate source URL")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("worker"))
	logging.SetDefault(logger)

	slog.Info("Starting notification worker",
		slog.Int("port", cfg.Server.Port),
		slog.String("gateway", cfg.Gateway.URL),
		slog.Bool("postgres", cfg.Database.Enabled),
		slog.Bool("nats", cfg.NATS.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	readyChecks := map[string]handlers.ReadyCheck{}

	// Storage
	var repo repository.Repository
	if cfg.Database.Enabled {
		connString := cfg.Database.Postgres.ConnString()

		slog.Info("Running database migrations")
		m, err := migrate.New(*migrationsPath, connString)
		if err != nil {
			slog.Error("Failed to initialize migrations", logging.Error(err))
			os.Exit(1)
		}
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			slog.Error("Failed to run migrations", logging.Error(err))
			os.Exit(1)
		}
		slog.Info("Database migrations completed")

		pg, err := retry.Connect(ctx, "postgres", retry.DefaultPolicy(), logger.Logger,
			func(ctx context.Context) (*repository.PostgresRepository, error) {
				return repository.NewPostgresRepository(ctx, connString)
			})
		if err != nil {
			slog.Error("Failed to connect to PostgreSQL", logging.Error(err))
			os.Exit(1)
		}
		readyChecks["postgres"] = pg.Ping
		repo = pg
	} else {
		slog.Warn("database disabled; messages are kept in memory")
		repo = repository.NewInMemoryRepository()
	}
	defer repo.Close()

	// Gateway client. Presence is read straight from the shared registry
	// when Redis is configured.
	gwOpts := []wsclient.Option{wsclient.WithHTTPClient(&http.Client{Timeout: cfg.Gateway.Timeout})}
	if cfg.Redis.Enabled {
		reg, err := retry.Connect(ctx, "redis", retry.DefaultPolicy(), logger.Logger,
			func(ctx context.Context) (*registry.Redis, error) {
				return registry.NewRedisFromURL(ctx, cfg.Redis.URL, registry.WithLogger(logger.Logger))
			})
		if err != nil {
			slog.Error("Failed to connect to Redis", logging.Error(err))
			os.Exit(1)
		}
		defer reg.Close()
		readyChecks["redis"] = reg.Ping
		gwOpts = append(gwOpts, wsclient.WithRegistry(reg))
	}
	gw := wsclient.New(cfg.Gateway.URL, cfg.Auth.InternalKey, gwOpts...)

	router := presence.NewRouter(gw, repo,
		presence.WithCountCap(cfg.Presence.CountCap),
		presence.WithLogger(logger.Logger))

	translator := translation.NewTranslator(
		translation.StoreFunc(repo.TranslationContent), cfg.Translation.FallbackLocale, logger.Logger)
	pipeline := render.New(
		render.WithTranslator(translator),
		render.WithSanitizer(sanitize.New()),
		render.WithLogger(logger.Logger),
	)
	svc := service.NewService(repo, pipeline, router, logger.Logger).WithCountCap(cfg.Presence.CountCap)

	// Message bus intake
	var (
		bus        messaging.Client
		busHandler *workernats.Handler
	)
	if cfg.NATS.Enabled {
		natsCfg := natsclient.Config{
			URL:           cfg.NATS.URL,
			Name:          "relay-worker",
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
			Timeout:       5 * time.Second,
			Logger:        logger.Logger,
		}

		var steps workernats.StepSource
		if cfg.NATS.JetStream {
			js, err := retry.Connect(ctx, "nats", retry.DefaultPolicy(), logger.Logger,
				func(context.Context) (*natsclient.JetStreamClient, error) {
					return natsclient.NewJetStreamClient(natsCfg)
				})
			if err != nil {
				slog.Error("Failed to connect to NATS", logging.Error(err))
				os.Exit(1)
			}
			bus, steps = js, workernats.NewJetStreamSteps(js)
		} else {
			nc, err := retry.Connect(ctx, "nats", retry.DefaultPolicy(), logger.Logger,
				func(context.Context) (*natsclient.Client, error) {
					return natsclient.NewClient(natsCfg)
				})
			if err != nil {
				slog.Error("Failed to connect to NATS", logging.Error(err))
				os.Exit(1)
			}
			bus = nc
		}
		slog.Info("Connected to NATS", slog.String("url", cfg.NATS.URL), slog.Bool("jetstream", cfg.NATS.JetStream))
		readyChecks["nats"] = func(context.Context) error {
			if !bus.IsConnected() {
				return fmt.Errorf("not connected")
			}
			return nil
		}

		busHandler = workernats.NewHandler(bus, svc, workernats.NewPublisher(bus), steps, logger.Logger)
		if err := busHandler.Start(ctx); err != nil {
			slog.Error("Failed to start bus handler", logging.Error(err))
			os.Exit(1)
		}
	} else {
		slog.Info("NATS messaging disabled; jobs are accepted over HTTP only")
	}

	h := handlers.New(svc, logger.Logger)
	for name, check := range readyChecks {
		h.WithReadyCheck(name, check)
	}
	if cfg.Auth.InternalKey == "" {
		slog.Warn("auth.internal_key is empty; internal API is unauthenticated")
	}

	listenAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      server.NewRouter(h, cfg.Auth.InternalKey, logger.Logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("worker listening", slog.String("addr", listenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logging.Error(err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if busHandler != nil {
		busHandler.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", logging.Error(err))
	}
	if bus != nil {
		if err := bus.Drain(); err != nil {
			slog.Warn("NATS drain error", logging.Error(err))
		}
	}
	slog.Info("worker stopped")
}
