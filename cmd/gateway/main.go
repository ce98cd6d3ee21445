package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaymesh/internal/core/services"
	httphandlers "relaymesh/internal/handlers/http"
	"relaymesh/internal/infrastructure/distributed"
	"relaymesh/internal/infrastructure/middleware"
	"relaymesh/internal/infrastructure/monitoring"
	"relaymesh/internal/infrastructure/repositories"
	signalinfra "relaymesh/internal/infrastructure/signal"
	webrtcinfra "relaymesh/internal/infrastructure/webrtc"
	"relaymesh/pkg/config"
	"relaymesh/pkg/logger"
	"relaymesh/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	flags := pflag.NewFlagSet("relaymesh-gateway", pflag.ContinueOnError)
	configPath := flags.String("config", "configs/config.yaml", "path to the YAML configuration file")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, log); err != nil {
		log.Errorw("gateway stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	startTime := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("failed to flush traces", "error", err)
		}
	}()

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	defer func() {
		if err := repoFactory.Close(); err != nil {
			log.Errorw("error closing redis client", "error", err)
		}
	}()
	registry := repoFactory.CreateStreamRegistry()

	if client := repoFactory.RedisClient(); client != nil {
		bus := distributed.NewEventBus(client, cfg.Redis.Channel, uuid.NewString(), log)
		stopMirror := bus.Mirror(registry)
		defer func() {
			stopMirror()
			bus.Close()
		}()
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := monitoring.NewPrometheusCollector(promRegistry)

	sessions := webrtcinfra.NewSessionFactory(sessionConfig(cfg), collector, log)
	gateway := services.NewGatewayService(registry, sessions, collector, log)
	gateway.SetConnectTimeout(cfg.Negotiation.ConnectTimeout)
	defer gateway.Close()

	wsServer := signalinfra.NewWebSocketServer(ctx, gateway, channelOptions(cfg), log)
	defer wsServer.Close()

	health := monitoring.NewHealthChecker(log)
	health.AddRegistryCheck(registry, 30*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 30*time.Second, 2*time.Second)
	}
	health.StartBackgroundChecks(ctx)

	router := newRouter(cfg, log, gateway, wsServer, health, promRegistry, startTime)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting relaymesh gateway", "address", cfg.Server.Address, "signal_path", cfg.Signal.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		_ = srv.Close()
	}

	log.Info("relaymesh gateway stopped")
	return nil
}

func newRouter(
	cfg *config.Config,
	log *zap.SugaredLogger,
	gateway *services.GatewayService,
	wsServer *signalinfra.WebSocketServer,
	health *monitoring.HealthChecker,
	promRegistry *prometheus.Registry,
	startTime time.Time,
) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))

	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if !status.Healthy() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status.Status,
			"checks":    status.Checks,
			"timestamp": status.Timestamp,
			"uptime":    time.Since(startTime).String(),
			"parties":   wsServer.ConnectionCount(),
			"streams":   gateway.Registry().Len(),
		})
	})

	router.GET(cfg.Signal.Path, gin.WrapF(wsServer.HandleWebSocket))

	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})))
		log.Infow("prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	api := router.Group("/",
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)
	httphandlers.NewStreamHandler(gateway).SetupRoutes(api)

	return router
}

func sessionConfig(cfg *config.Config) webrtcinfra.Config {
	out := webrtcinfra.Config{
		ICEServers:      iceServers(cfg),
		Relay:           true,
		IncludeLoopback: cfg.WebRTC.IncludeLoopback,
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return servers
}

func channelOptions(cfg *config.Config) signalinfra.ChannelOptions {
	options := signalinfra.ChannelOptions{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.Signal.MaxMessageSizeBytes,
	}
	if cfg.RateLimiting.Enabled {
		options.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		options.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return options
}
