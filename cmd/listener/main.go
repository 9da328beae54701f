package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"sinklisten/internal/audio"
	"sinklisten/internal/connection"
	"sinklisten/internal/core/domain"
	httphandlers "sinklisten/internal/handlers/http"
	"sinklisten/internal/heartbeat"
	"sinklisten/internal/ice"
	"sinklisten/internal/infrastructure/middleware"
	"sinklisten/internal/infrastructure/monitoring"
	"sinklisten/internal/infrastructure/repositories"
	"sinklisten/internal/listener"
	"sinklisten/internal/whep"
	"sinklisten/pkg/config"
	"sinklisten/pkg/logger"
	"sinklisten/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/sinklisten/config.yaml",
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
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Initialize tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "sinklisten",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Initialize repository factory
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	statsRepo := repoFactory.CreateStatsRepository()

	// WHEP client against the audio server
	whepClient := whep.NewClient(cfg.WHEPBaseURL(), cfg.WHEP.RequestTimeout, log)

	// WebRTC configuration (including STUN/TURN from config)
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		// Fallback STUN server if not configured
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	// Connection stack: heartbeats, connection manager, orchestrator
	heartbeats := heartbeat.NewManager(whepClient, heartbeat.Config{
		Enabled:         cfg.Heartbeat.Enabled,
		Interval:        cfg.Heartbeat.Interval,
		MissedThreshold: cfg.Heartbeat.MissedThreshold,
	}, log)

	connManager := connection.NewManager(whepClient, heartbeats, connection.Config{
		ICEServers:           iceServers,
		ConnectTimeout:       cfg.Connection.Timeout,
		ReconnectEnabled:     cfg.Connection.Reconnect.Enabled,
		ReconnectBaseDelay:   cfg.Connection.Reconnect.BaseDelay,
		MaxReconnectDelay:    cfg.Connection.Reconnect.MaxDelay,
		MaxReconnectAttempts: cfg.Connection.Reconnect.MaxAttempts,
		Candidates: ice.Config{
			PollInterval:    cfg.Candidates.PollInterval,
			MaxPollDuration: cfg.Candidates.MaxPollDuration,
		},
	}, log)

	orch := listener.NewOrchestrator(connManager, statsRepo, listener.Config{
		StatsEnabled:  cfg.Stats.Enabled,
		StatsInterval: cfg.Stats.Interval,
	}, log)

	// Monitoring
	collector := monitoring.NewPrometheusCollector()

	var connectedMu sync.Mutex
	connected := make(map[domain.SinkID]bool)
	connectStarted := make(map[domain.SinkID]time.Time)
	orch.OnStateChange(func(sinkID domain.SinkID, state domain.ConnectionState) {
		connectedMu.Lock()
		defer connectedMu.Unlock()
		switch state {
		case domain.StateConnecting:
			connectStarted[sinkID] = time.Now()
		case domain.StateConnected:
			if started, ok := connectStarted[sinkID]; ok {
				delete(connectStarted, sinkID)
				collector.RecordConnectionSetup(time.Since(started))
			}
			if !connected[sinkID] {
				connected[sinkID] = true
				collector.RecordListenerStarted()
			}
		case domain.StateReconnecting:
			collector.RecordReconnect()
		case domain.StateDisconnected, domain.StateFailed:
			if connected[sinkID] {
				delete(connected, sinkID)
				collector.RecordListenerStopped(sinkID)
			}
		}
	})
	orch.OnError(func(sinkID domain.SinkID, classified *domain.ClassifiedError) {
		collector.RecordFailure(classified.Category)
	})
	orch.OnStats(func(sinkID domain.SinkID, stats *domain.AudioStats) {
		collector.UpdateSinkStats(stats)
	})
	heartbeats.OnMissed(func(session *domain.Session, missed int) {
		collector.RecordHeartbeatMissed()
	})

	// Drain received tracks so media keeps flowing
	orch.OnTrackChange(func(sinkID domain.SinkID, track *webrtc.TrackRemote) {
		if track == nil {
			return
		}
		drain := audio.NewDrain(sinkID, log)
		drain.Start(track, connManager.Receiver(sinkID))
	})

	// Health checks
	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddRepositoryCheck(statsRepo, 30*time.Second, 2*time.Second)
	healthChecker.AddPingCheck("redis", repoFactory.HealthCheck, 30*time.Second, 2*time.Second)

	// HTTP control API
	sinks := make([]domain.SinkID, 0, len(cfg.Sinks))
	for _, s := range cfg.Sinks {
		sinks = append(sinks, domain.SinkID(s))
	}
	handler := httphandlers.NewListenerHandler(orch, statsRepo, healthChecker, sinks)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	// Control API requires authentication when enabled
	handler.SetupRoutes(router, middleware.AuthMiddleware(cfg))

	// Readiness endpoint (checks Redis when enabled)
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := repoFactory.HealthCheck(ctx); err != nil {
			c.JSON(503, gin.H{
				"status":       "not_ready",
				"timestamp":    time.Now(),
				"dependencies": "unhealthy",
				"error":        err.Error(),
			})
			return
		}

		c.JSON(200, gin.H{
			"status":       "ready",
			"timestamp":    time.Now(),
			"dependencies": "ok",
			"uptime":       time.Since(startTime).String(),
		})
	})

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// Auto-start configured sinks
	for _, sinkID := range sinks {
		go func(sinkID domain.SinkID) {
			if err := orch.StartListening(context.Background(), sinkID); err != nil {
				log.Warnw("failed to auto-start sink", "sink_id", sinkID, "error", err)
			}
		}(sinkID)
	}

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting sink listener on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down sink listener...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Tear down listening sessions before the HTTP server goes away
	orch.Cleanup(shutdownCtx)

	// Shutdown HTTP server gracefully
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		// Force close if graceful shutdown fails
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	// Flush traces and close repositories
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("Sink listener stopped")
}
