package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vcam/internal/core/domain"
	"vcam/internal/core/ports"
	"vcam/internal/core/services"
	"vcam/internal/infrastructure/device"
	"vcam/internal/infrastructure/events"
	"vcam/internal/infrastructure/ipc"
	"vcam/internal/infrastructure/monitoring"
	"vcam/internal/infrastructure/process"
	"vcam/pkg/config"
	"vcam/pkg/distributed"
	"vcam/pkg/logger"
	"vcam/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	proxyReconnectInterval = 5 * time.Second
	deviceLockTTL          = 15 * time.Second
)

func main() {
	configPath := flag.String("config", "configs/vcam.yaml", "path to the YAML configuration")
	installed := flag.Bool("installed", false, "start with the extension already installed")
	approvalDelay := flag.Duration("approval-delay", 2*time.Second, "simulated user approval time")
	readers := flag.Int("readers", 0, "attach this many simulated streaming clients")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("Failed to load configuration", "path", *configPath, "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("process", "host")

	devCfg, err := cfg.DeviceConfiguration()
	if err != nil {
		log.Fatalw("Invalid device configuration", "error", err)
	}

	tp, err := tracing.Init(cfg.Tracing, tracing.ProcessKey.String("host"), tracing.DeviceIDKey.String(devCfg.DeviceUUID.String()))
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(registry)
	health := monitoring.NewHealthChecker(log.With("component", "health"))

	instanceID := uuid.NewString()

	// Optional Redis fan-out of device events and device ownership.
	var publisher ports.EventPublisher
	var owner *distributed.Lock
	var lost <-chan struct{}
	if cfg.Redis.Enabled {
		client, err := events.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.Retry, log)
		if err != nil {
			log.Fatalw("Failed to connect to Redis", "error", err)
		}
		defer client.Close()

		owner = distributed.NewLock(client, distributed.DeviceLockKey(devCfg.DeviceUUID.String()), instanceID, deviceLockTTL, log.With("component", "lock"))
		if err := owner.TryLock(ctx); err != nil {
			log.Fatalw("Device is owned by another host", "device_id", devCfg.DeviceUUID, "error", err)
		}
		lost = owner.Lost()

		publisher = events.NewRedisEventBus(client, cfg.Redis.Channel, instanceID, devCfg.DeviceUUID.String(), log.With("component", "events"))
		health.AddRedisCheck(client, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckTimeout)
	}

	vdev, err := device.NewMemoryDevice(devCfg, log.With("component", "device"))
	if err != nil {
		log.Fatalw("Failed to create device", "error", err)
	}
	if err := vdev.Start(ctx); err != nil {
		log.Fatalw("Failed to start device log channel", "error", err)
	}
	defer vdev.Close()

	resolver := process.NewProcResolver("/proc", time.Minute)
	defer func() {
		stats := resolver.CacheStats()
		log.Debugw("Process name cache", "size", stats.Size, "hits", stats.Hits, "misses", stats.Misses)
		resolver.Close()
	}()

	bridgeOpts := []services.BridgeOption{
		services.WithProcessResolver(resolver),
		services.WithBridgeMetrics(collector),
		services.WithPumpOptions(services.WithTargetDelay(cfg.Bridge.TargetDelay)),
		services.WithLogThrottle(services.NewLogThrottle(cfg.Bridge.LogThrottleInterval)),
	}
	if publisher != nil {
		bridgeOpts = append(bridgeOpts, services.WithEventPublisher(publisher))
	}
	bridge, err := services.NewDeviceBridge(devCfg, vdev, log.With("component", "bridge"), bridgeOpts...)
	if err != nil {
		log.Fatalw("Failed to create device bridge", "error", err)
	}

	observers := services.LifecycleObservers{collector}
	if publisher != nil {
		observers = append(observers, events.NewLifecycleRelay(publisher, log.With("component", "events")))
	}
	tracker := services.NewLifecycleTracker(observers, log.With("component", "lifecycle"))

	manager := device.NewMemoryExtensionManager(*installed, *approvalDelay, log.With("component", "extension"))
	if _, err := tracker.Apply(services.EventForState(manager.Current())); err != nil {
		log.Fatalw("Failed to apply initial extension state", "error", err)
	}

	auth, err := ipc.NewTokenAuthority(cfg.IPC.Secret, cfg.IPC.TokenTTL)
	if err != nil {
		log.Fatalw("Failed to create token authority", "error", err)
	}
	clientCfg := ipc.DefaultClientConfig(cfg.IPCURL())
	clientCfg.HandshakeTimeout = cfg.IPC.HandshakeTimeout
	clientCfg.RequestTimeout = cfg.IPC.RequestTimeout
	clientCfg.WriteTimeout = cfg.IPC.WriteTimeout
	clientCfg.Retry = cfg.IPC.Retry
	clientCfg.Breaker = cfg.IPC.CircuitBreaker

	clientEvents := services.NewClientEventChannel(cfg.Bridge.ClientEventBuffer, log.With("component", "client_events"))

	var proxy *ipc.Client
	hostSync := services.NewHostSync(devCfg, bridge, tracker, manager, proxySink{&proxy}, log.With("component", "sync"))
	proxy = ipc.NewClient(clientCfg, auth, log.With("component", "proxy"),
		ipc.WithPushHandler(hostSync),
		ipc.WithClientMetrics(collector),
	)

	health.AddProxyCheck(proxy, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckTimeout)
	health.AddExtensionCheck(tracker, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckTimeout)
	health.StartBackgroundChecks(ctx)

	if err := bridge.Start(ctx, clientEvents); err != nil {
		log.Fatalw("Failed to start device bridge", "error", err)
	}

	go hostSync.Run(ctx, clientEvents.Events())
	go superviseProxy(ctx, proxy, hostSync, log)
	go device.NewTestPattern(devCfg.Resolution, devCfg.FrameRate, log.With("component", "pattern")).Run(ctx, bridge)

	for i := 0; i < *readers; i++ {
		reader, err := vdev.Attach(os.Getpid() + i)
		if err != nil {
			log.Warnw("Failed to attach simulated reader", "error", err)
			continue
		}
		defer reader.Close()
	}

	var metricsSrv *http.Server
	if cfg.Monitoring.PrometheusEnabled {
		metricsSrv = newMetricsServer(cfg.Monitoring.PrometheusAddress, registry, health)
		go func() {
			log.Infow("Starting metrics server", "address", cfg.Monitoring.PrometheusAddress)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("Metrics server failed", "error", err)
			}
		}()
	}

	log.Infow("vcam host started",
		"device", devCfg.Name,
		"device_id", devCfg.DeviceUUID,
		"resolution", devCfg.Resolution,
		"codec", devCfg.Codec,
		"proxy", cfg.IPCURL(),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	case <-lost:
		log.Errorw("Device ownership lost, shutting down", "device_id", devCfg.DeviceUUID)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	cancel()
	bridge.Stop()
	clientEvents.Close()
	proxy.Stop()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error during metrics server shutdown", "error", err)
		}
	}
	if owner != nil && owner.Held() {
		if err := owner.Unlock(shutdownCtx); err != nil {
			log.Warnw("Error releasing device lock", "error", err)
		}
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Warnw("Error closing event bus", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error shutting down tracer provider", "error", err)
	}

	log.Info("vcam host stopped")
}

// proxySink defers to the proxy client once it exists. The client and the
// sync service refer to each other.
type proxySink struct {
	client **ipc.Client
}

var _ ports.RemoteStateSink = proxySink{}

func (s proxySink) UpdateRemoteState(ctx context.Context, payload json.RawMessage) error {
	if *s.client == nil {
		return domain.ErrProxyNotRunning
	}
	return (*s.client).UpdateRemoteState(ctx, payload)
}

// superviseProxy keeps the proxy connected. The helper may start after the
// host or restart at any time.
func superviseProxy(ctx context.Context, proxy *ipc.Client, sync *services.HostSync, log *zap.SugaredLogger) {
	ticker := time.NewTicker(proxyReconnectInterval)
	defer ticker.Stop()

	for {
		if !proxy.Running() {
			if err := proxy.Start(ctx); err != nil {
				log.Debugw("Helper proxy unavailable", "error", err)
			} else {
				_ = sync.Push(ctx)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newMetricsServer(addr string, gatherer prometheus.Gatherer, health *monitoring.HealthChecker) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
