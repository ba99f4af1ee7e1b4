package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"pairline/internal/core/ports"
	"pairline/internal/core/registry"
	"pairline/internal/core/services"
	httphandlers "pairline/internal/handlers/http"
	"pairline/internal/infrastructure/auth"
	"pairline/internal/infrastructure/events"
	"pairline/internal/infrastructure/middleware"
	"pairline/internal/infrastructure/monitoring"
	"pairline/internal/infrastructure/recording"
	redisinfra "pairline/internal/infrastructure/redis"
	signalws "pairline/internal/infrastructure/signal"
	"pairline/pkg/config"
	"pairline/pkg/logger"
	"pairline/pkg/tracing"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/pairline/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "pairline",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to init tracing", "error", err)
	}

	health := monitoring.NewHealthChecker()

	// Redis backs both the redis auth mode and the telemetry publisher.
	var redisClient *redis.Client
	if cfg.Auth.Mode == "redis" || cfg.Events.Enabled {
		redisClient, err = redisinfra.NewClient(
			cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			log.Fatalw("failed to connect to redis", "error", err)
		}
		defer redisinfra.Close(redisClient)
		health.AddRedisCheck(redisClient, 2*time.Second)
	}

	// Authorization backend per config.
	var authorizer ports.Authorizer
	switch cfg.Auth.Mode {
	case "jwt":
		authorizer = auth.NewJWTAuthorizer(cfg.Auth.JWTSecret)
	case "redis":
		authorizer = auth.NewRedisAuthorizer(redisClient, cfg.Redis.UsersKey)
	default:
		authorizer = auth.NewStaticAuthorizer(cfg.Auth.Users)
	}

	recorder, err := recording.NewFileRecorder(cfg.Recording.Dir, log)
	if err != nil {
		log.Fatalw("failed to init recorder", "error", err)
	}
	post := recording.NewScriptPostProcessor(cfg.Recording.Script, cfg.Recording.Dir, log)
	health.AddRecordingDirCheck(cfg.Recording.Dir, 2*time.Second)

	var metrics services.Metrics = services.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
	}

	reg := registry.New()
	svc := services.NewCallService(log, cfg, reg, nil, authorizer, recorder, post, metrics)

	wsServer := signalws.NewWebSocketServer(cfg, svc, log)
	svc.SetGateway(wsServer)

	if cfg.Events.Enabled {
		sink := events.NewRedisPublisher(redisClient, cfg.Events.Channel, log)
		defer sink.Close()
		svc.SetEventSink(sink)
		log.Infow("telemetry events enabled", "channel", cfg.Events.Channel)
	}

	svc.Start()

	// Signaling endpoint on its own listener.
	signalMux := http.NewServeMux()
	signalMux.HandleFunc("/signal", wsServer.HandleWebSocket)
	signalSrv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: signalMux,
	}

	// Introspection and health API.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	httphandlers.NewSessionHandler(svc, health).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("prometheus metrics enabled")
	}
	apiSrv := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	serverErr := make(chan error, 2)
	go func() {
		log.Infow("signaling server listening", "address", cfg.Signal.Address)
		if err := signalSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	go func() {
		log.Infow("api server listening", "address", cfg.HTTP.Address)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()

	if err := signalSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("signaling server shutdown error", "error", err)
	}
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("api server shutdown error", "error", err)
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Errorw("call service shutdown error", "error", err)
	}
	post.Close()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("tracing shutdown error", "error", err)
	}
	log.Info("pairline stopped")
}
