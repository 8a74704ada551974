package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"vcam/internal/core/services"
	httphandlers "vcam/internal/handlers/http"
	"vcam/internal/infrastructure/events"
	"vcam/internal/infrastructure/ipc"
	"vcam/internal/infrastructure/middleware"
	"vcam/internal/infrastructure/monitoring"
	"vcam/pkg/config"
	"vcam/pkg/logger"
	"vcam/pkg/tracing"
	"vcam/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/vcam.yaml", "path to the YAML configuration")
	issueToken := flag.String("issue-token", "", "print a token for the given role and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("Failed to load configuration", "path", *configPath, "error", err)
	}

	auth, err := ipc.NewTokenAuthority(cfg.IPC.Secret, cfg.IPC.TokenTTL)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("Failed to create token authority", "error", err)
	}
	if *issueToken != "" {
		if err := validation.ValidateRole(*issueToken); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		token, err := auth.Issue(*issueToken)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("process", "helper")

	tp, err := tracing.Init(cfg.Tracing, tracing.ProcessKey.String("helper"))
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(registry)
	health := monitoring.NewHealthChecker(log.With("component", "health"))

	store := services.NewRemoteStateStore(cfg.Tracing.Version, nil, log.With("component", "remote_state"))
	health.AddCheck("host", func(context.Context) (bool, error) {
		if err := store.Fresh(3 * services.DefaultSyncInterval); err != nil {
			return false, err
		}
		return true, nil
	}, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckTimeout)

	var bus *events.RedisEventBus
	if cfg.Redis.Enabled {
		client, err := events.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.Retry, log)
		if err != nil {
			log.Fatalw("Failed to connect to Redis", "error", err)
		}
		defer client.Close()
		health.AddRedisCheck(client, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckTimeout)

		bus = events.NewRedisEventBus(client, cfg.Redis.Channel, uuid.NewString(), "", log.With("component", "events"))
		go func() {
			err := bus.Subscribe(ctx, func(ev *events.Event) error {
				log.Infow("Device event",
					"type", ev.Type,
					"device_id", ev.DeviceID,
					"instance_id", ev.InstanceID,
					"payload", string(ev.Payload),
				)
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("Event subscription ended", "error", err)
			}
		}()
	}
	health.StartBackgroundChecks(ctx)

	proxy := ipc.NewServer(store, auth, ipc.ServerConfig{
		PingInterval:      cfg.IPC.PingInterval,
		ReadTimeout:       cfg.IPC.ReadTimeout,
		WriteTimeout:      cfg.IPC.WriteTimeout,
		MessagesPerSecond: cfg.IPC.MessagesPerSecond,
		Burst:             cfg.IPC.Burst,
		MaxMessageSize:    cfg.IPC.MaxMessageSize,
		CloseGrace:        cfg.Server.ShutdownTimeout / 2,
	}, log.With("component", "proxy"), ipc.WithServerMetrics(collector))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ipcRouter := gin.New()
	ipcRouter.Use(middleware.RecoveryMiddleware(log))
	ipcRouter.GET(cfg.IPC.Path, proxy.HandleWebSocket)
	ipcSrv := &http.Server{
		Addr:              cfg.IPC.Address,
		Handler:           ipcRouter,
		ReadHeaderTimeout: cfg.IPC.HandshakeTimeout,
	}

	statusRouter := gin.New()
	statusRouter.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogger(logger.NewContextLogger(zapLogger)),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)
	httphandlers.NewStatusHandler(store, proxy, health, registry).SetupRoutes(statusRouter, auth)
	statusSrv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      statusRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		log.Infow("Starting server", "server", name, "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go serve("proxy", ipcSrv)
	go serve("status", statusSrv)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down vcam helper...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked proxy connections are not tracked by http.Server.
	proxy.Close()
	for name, srv := range map[string]*http.Server{"proxy": ipcSrv, "status": statusSrv} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error during server shutdown", "server", name, "error", err)
			_ = srv.Close()
		}
	}

	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Warnw("Error closing event bus", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error shutting down tracer provider", "error", err)
	}

	log.Info("vcam helper stopped")
}
