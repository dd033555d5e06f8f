package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"
	"camwatch/internal/core/services"
	httphandlers "camwatch/internal/handlers/http"
	"camwatch/internal/handlers/ws"
	"camwatch/internal/infrastructure/distributed"
	"camwatch/internal/infrastructure/drivers/hls"
	"camwatch/internal/infrastructure/drivers/mjpeg"
	"camwatch/internal/infrastructure/drivers/native"
	"camwatch/internal/infrastructure/drivers/whep"
	"camwatch/internal/infrastructure/middleware"
	"camwatch/internal/infrastructure/monitoring"
	"camwatch/internal/infrastructure/repositories"
	"camwatch/internal/infrastructure/sink"
	"camwatch/pkg/circuitbreaker"
	"camwatch/pkg/config"
	"camwatch/pkg/logger"
	"camwatch/pkg/retry"
	"camwatch/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func loadConfig() *config.Config {
	configPaths := []string{
		os.Getenv("CAMWATCH_CONFIG"),
		"configs/config.yaml",
		"/etc/camwatch/config.yaml",
		"config.yaml",
	}

	for _, path := range configPaths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		if err != nil {
			// a broken file is fatal; only a missing one falls back
			panic(err)
		}
		return cfg
	}

	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

func instanceID(cfg *config.Config) string {
	if cfg.Server.InstanceID != "" {
		return cfg.Server.InstanceID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "camwatch"
}

func buildDrivers(cfg *config.Config, collector *monitoring.PrometheusCollector, log *zap.SugaredLogger) []ports.Driver {
	reload := retry.DefaultConfig()
	reload.MaxAttempts = cfg.HLS.ReloadAttempts
	reload.InitialDelay = cfg.HLS.ReloadBackoff
	reload.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Debugw("manifest reload retry", "attempt", attempt, "delay", delay, "error", err)
	}

	engines := hls.NewEngineFactory(hls.EngineOptions{
		HTTPClient: &http.Client{Timeout: cfg.HLS.RequestTimeout},
		Reload:     reload,
		Logger:     log.Named("hls"),
		OnSegment:  collector.RecordSegmentDownload,
	})

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	breaker := circuitbreaker.DefaultConfig()
	breaker.FailureThreshold = cfg.WebRTC.BreakerFailures
	if cfg.WebRTC.BreakerReset > 0 {
		breaker.Timeout = cfg.WebRTC.BreakerReset
	}

	whepDriver := whep.NewDriver(
		whep.Config{
			ICEServers:       iceServers,
			SignalingTimeout: cfg.WebRTC.SignalingTimeout,
			Breaker:          breaker,
		},
		whep.NewPionFactory(cfg.WebRTC.PortRange.Min, cfg.WebRTC.PortRange.Max),
		&http.Client{Timeout: cfg.WebRTC.SignalingTimeout},
		log.Named("whep"),
	)

	return []ports.Driver{
		hls.NewDriver(engines, log.Named("hls")),
		whepDriver,
		mjpeg.NewDriver(&http.Client{Timeout: cfg.MJPEG.RequestTimeout}, cfg.MJPEG.MaxFrameBytes, log.Named("mjpeg")),
		native.NewDriver(log.Named("native")),
	}
}

func defaultOptions(cfg *config.Config) domain.StreamOptions {
	return domain.StreamOptions{
		Autoplay:        cfg.Streams.Autoplay,
		Muted:           cfg.Streams.Muted,
		Loop:            cfg.Streams.Loop,
		LowLatency:      cfg.Streams.LowLatency,
		MaxBufferLength: cfg.Streams.MaxBufferLength,
		StartLevel:      cfg.Streams.StartLevel,
		StartupTimeout:  cfg.Streams.StartupTimeout,
	}
}

// exportSessionGauges refreshes the per state gauges until ctx ends.
func exportSessionGauges(ctx context.Context, orch ports.Orchestrator, collector *monitoring.PrometheusCollector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, err := orch.ListStreams(ctx)
			if err == nil {
				collector.UpdateSessions(sessions)
			}
		}
	}
}

func main() {
	cfg := loadConfig()
	id := instanceID(cfg)

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		panic(err)
	}
	defer zapLogger.Sync()

	log := zapLogger.Sugar().With("instance_id", id)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "camwatch",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: os.Getenv("CAMWATCH_ENV"),
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, id, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	registry := repoFactory.SessionRegistry()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(reg)
	collector.RegisterDroppedEvents(registry.DroppedEvents)

	metricsService := services.NewMetricsService(collector)
	orch := services.NewOrchestrator(
		registry,
		buildDrivers(cfg, collector, log),
		services.NewSnapshotCapturer(cfg.Snapshot.JPEGQuality),
		metricsService,
		services.OrchestratorConfig{
			RTSPProxyBase:  cfg.Streams.RTSPProxyBase,
			DedupeByCamera: cfg.Streams.DedupeByCamera,
		},
		log.Named("orchestrator"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	health := monitoring.NewHealthChecker()
	health.AddRegistryCheck(registry, cfg.Streams.MaxSessions, 0, time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, cfg.Monitoring.MetricsInterval, 2*time.Second)
	}
	health.StartBackgroundChecks(ctx, func(name string, err error) {
		log.Warnw("health check failed", "check", name, "error", err)
	})

	go exportSessionGauges(ctx, orch, collector, cfg.Monitoring.MetricsInterval)

	mirror := repoFactory.CreateSessionMirror()
	var bridge *distributed.EventBridge
	bridgeDone := make(chan struct{})
	if client := repoFactory.RedisClient(); client != nil {
		bridge = distributed.NewEventBridge(client, distributed.BridgeConfig{
			Channel:        cfg.Redis.Channel,
			InstanceID:     id,
			BatchSize:      cfg.Redis.BatchSize,
			BatchInterval:  cfg.Redis.BatchInterval,
			ResyncInterval: cfg.Redis.ResyncInterval,
		}, mirror, log.Named("bridge"))

		events, unsubscribe := orch.Subscribe(256)
		go func() {
			defer close(bridgeDone)
			defer unsubscribe()
			if err := bridge.Run(ctx, events, orch.ListStreams); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("event bridge stopped", "error", err)
			}
		}()
	} else {
		close(bridgeDone)
	}

	sinks := sink.NewFactory(&http.Client{Timeout: cfg.HLS.RequestTimeout}, sink.DefaultTickInterval, log.Named("sink"))
	streamHandler := httphandlers.NewStreamHandler(
		orch, sinks, defaultOptions(cfg), cfg.Streams.RTSPProxyBase, cfg.Snapshot.CacheTTL, log.Named("api"),
	)
	defer streamHandler.Close()
	eventsHandler := ws.NewEventsHandler(orch, log.Named("events"))
	healthHandler := httphandlers.NewHealthHandler(health, orch, metricsService)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.LoggingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
	)

	api := router.Group("/api/v1")
	api.GET("/events", middleware.NewWebSocketRateLimitMiddleware(cfg), eventsHandler.HandleEvents)

	limited := api.Group("", middleware.NewHTTPRateLimitMiddleware(cfg))
	streamHandler.SetupRoutes(limited)
	healthHandler.SetupRoutes(router, limited)
	if mirror != nil {
		httphandlers.NewClusterHandler(mirror).SetupRoutes(limited)
	}
	if cfg.Monitoring.PrometheusEnabled {
		httphandlers.MetricsRoute(router, reg)
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting camwatch", "address", cfg.Server.Address, "redis", mirror != nil)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	eventsHandler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	if err := orch.StopAllStreams(shutdownCtx); err != nil {
		log.Errorw("error stopping streams", "error", err)
	}

	cancel()
	<-bridgeDone
	if bridge != nil {
		if err := bridge.Close(); err != nil {
			log.Warnw("error closing event bridge", "error", err)
		}
	}
	if mirror != nil {
		if err := mirror.DeleteInstance(shutdownCtx); err != nil {
			log.Warnw("error clearing mirrored sessions", "error", err)
		}
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error shutting down tracer provider", "error", err)
	}

	log.Info("camwatch stopped")
}
