package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inboxrelay/relay/common/logging"
	"github.com/inboxrelay/relay/common/messaging"
	natsclient "github.com/inboxrelay/relay/common/messaging/nats"
	"github.com/inboxrelay/relay/common/models"
	"github.com/inboxrelay/relay/common/registry"
	"github.com/inboxrelay/relay/common/retry"
	"github.com/inboxrelay/relay/common/tokens"
	"github.com/inboxrelay/relay/ws/internal/config"
	"github.com/inboxrelay/relay/ws/internal/gateway"
	"github.com/inboxrelay/relay/ws/internal/handlers"
	"github.com/inboxrelay/relay/ws/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	addr := flag.String("addr", "", "override listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("ws"), logging.NodeID(cfg.Gateway.NodeID))
	logging.SetDefault(logger)

	slog.Info("Starting websocket gateway",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("nats", cfg.NATS.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	readyChecks := map[string]handlers.ReadyCheck{}

	// Connection registry: shared through Redis when clustered
	var reg registry.Registry
	if cfg.Redis.Enabled {
		redisReg, err := retry.Connect(ctx, "redis", retry.DefaultPolicy(), logger.Logger,
			func(ctx context.Context) (*registry.Redis, error) {
				return registry.NewRedisFromURL(ctx, cfg.Redis.URL,
					registry.WithNodeTTL(cfg.Gateway.NodeTTL),
					registry.WithLogger(logger.Logger))
			})
		if err != nil {
			slog.Error("Failed to connect to Redis", logging.Error(err))
			os.Exit(1)
		}
		readyChecks["redis"] = redisReg.Ping
		reg = redisReg
		slog.Info("Using Redis connection registry")
	} else {
		reg = registry.NewMemory()
		slog.Info("Using in-memory connection registry (single node)")
	}
	defer reg.Close()

	// Message bus: carries cross-node deliveries and presence changes
	var bus messaging.Client
	if cfg.NATS.Enabled {
		natsClient, err := retry.Connect(ctx, "nats", retry.DefaultPolicy(), logger.Logger,
			func(context.Context) (*natsclient.Client, error) {
				return natsclient.NewClient(natsclient.Config{
					URL:           cfg.NATS.URL,
					Name:          "relay-ws-" + cfg.Gateway.NodeID,
					MaxReconnects: cfg.NATS.MaxReconnects,
					ReconnectWait: cfg.NATS.ReconnectWait,
					Timeout:       5 * time.Second,
					Logger:        logger.Logger,
				})
			})
		if err != nil {
			slog.Error("Failed to connect to NATS", logging.Error(err))
			os.Exit(1)
		}
		slog.Info("Connected to NATS", slog.String("url", cfg.NATS.URL))
		readyChecks["nats"] = func(context.Context) error {
			if !natsClient.IsConnected() {
				return fmt.Errorf("not connected")
			}
			return nil
		}
		bus = natsClient
	} else {
		slog.Info("NATS messaging disabled")
	}

	opts := []gateway.Option{
		gateway.WithLogger(logger.Logger),
		gateway.WithSendTimeout(cfg.Gateway.SendTimeout),
		gateway.WithHeartbeatInterval(cfg.Gateway.HeartbeatInterval),
	}
	if bus != nil {
		opts = append(opts, gateway.WithPresenceHook(publishPresence(bus, logger.Logger)))
	}
	gw := gateway.New(cfg.Gateway.NodeID, reg, opts...)

	if bus != nil {
		if !cfg.Redis.Enabled {
			slog.Warn("NATS relay enabled without a shared registry; other nodes cannot see this node's connections")
		}
		if err := gw.AttachRelay(gateway.NewBusRelay(bus, cfg.Gateway.NodeID, logger.Logger)); err != nil {
			slog.Error("Failed to start relay", logging.Error(err))
			os.Exit(1)
		}
	}
	gw.Start(ctx)

	h := handlers.New(gw, tokens.NewIssuer(cfg.Auth.TokenSecret, 0), handlers.Options{
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		Keepalive: gateway.Keepalive{
			WriteWait:       cfg.Gateway.WriteWait,
			PongWait:        cfg.Gateway.PongWait,
			MaxMessageBytes: cfg.Gateway.MaxMessageBytes,
		},
		Logger: logger.Logger,
	})
	for name, check := range readyChecks {
		h.WithReadyCheck(name, check)
	}
	if cfg.Auth.InternalKey == "" {
		slog.Warn("auth.internal_key is empty; internal API is unauthenticated")
	}

	listenAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	if *addr != "" {
		listenAddr = *addr
	}
	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      server.NewRouter(h, cfg.Auth.InternalKey, logger.Logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("websocket gateway listening", slog.String("addr", listenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logging.Error(err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", logging.Error(err))
	}
	if err := gw.Close(shutdownCtx); err != nil {
		slog.Warn("gateway shutdown error", logging.Error(err))
	}
	if bus != nil {
		if err := bus.Drain(); err != nil {
			slog.Warn("NATS drain error", logging.Error(err))
		}
	}
	slog.Info("websocket gateway stopped")
}

// publishPresence forwards first-connect and last-disconnect transitions to
// the bus so subscriber online state can be persisted.
func publishPresence(bus messaging.Publisher, logger *slog.Logger) gateway.PresenceHook {
	return func(ctx context.Context, change models.PresenceChange) {
		b, err := json.Marshal(change)
		if err != nil {
			return
		}
		if err := bus.Publish(context.WithoutCancel(ctx), messaging.SubjectSubscriberPresence, b); err != nil {
			logger.Warn("failed to publish presence change",
				logging.SubscriberID(change.SubscriberID), logging.Error(err))
		}
	}
}
