package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/torbolabs/torbo-base/internal/agentconfig"
	"github.com/torbolabs/torbo-base/internal/bus"
	"github.com/torbolabs/torbo-base/internal/config"
	"github.com/torbolabs/torbo-base/internal/delegation"
	"github.com/torbolabs/torbo-base/internal/gateway/handler"
	"github.com/torbolabs/torbo-base/internal/health"
	"github.com/torbolabs/torbo-base/internal/iam"
	"github.com/torbolabs/torbo-base/internal/nodeid"
	"github.com/torbolabs/torbo-base/internal/tasks"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("torbod exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// ── Event bus + audit store ──────────────────────────────────────────────
	audit, err := bus.OpenAuditStore(filepath.Join(cfg.DataDir, cfg.AuditDBName), logger)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer audit.Close()

	eventBus := bus.New(cfg.RingBufferCapacity, audit, logger)
	logger.Info("event bus ready", zap.Int("capacity", cfg.RingBufferCapacity))

	// ── Agent config registry ────────────────────────────────────────────────
	agentStore := agentconfig.NewStore(filepath.Join(cfg.DataDir, "agents"), cfg.MaxAccessLevel, logger)
	if err := agentStore.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap agent registry: %w", err)
	}
	logger.Info("agent registry ready", zap.Int("agents", len(agentStore.List())))

	// ── IAM engine ───────────────────────────────────────────────────────────
	engine, err := iam.Open(filepath.Join(cfg.DataDir, cfg.IAMDBName), logger)
	if err != nil {
		return fmt.Errorf("open iam database: %w", err)
	}
	defer engine.Close()

	engine.SetEventSink(func(name string, payload map[string]string) {
		eventBus.Publish(name, payload, "iam")
	})

	var registered []iam.RegisteredAgent
	for _, a := range agentStore.List() {
		registered = append(registered, iam.RegisteredAgent{ID: a.ID, AccessLevel: a.AccessLevel})
	}
	if err := engine.AutoMigrateExistingAgents(registered); err != nil {
		logger.Warn("iam auto-migration incomplete", zap.Error(err))
	}
	logger.Info("iam engine ready", zap.Int("agents", len(registered)))

	// ── Node identity + peer directory ───────────────────────────────────────
	identity, err := nodeid.LoadOrCreate(cfg.DataDir, cfg.NodeDisplayName, logger)
	if err != nil {
		return fmt.Errorf("node identity: %w", err)
	}
	logger.Info("node identity ready", zap.String("node_id", identity.NodeID))

	keys := nodeid.NewKeyDirectory(5*time.Second, logger)

	// ── Task queue + delegation engine ───────────────────────────────────────
	queue := tasks.NewQueue()

	var peers []delegation.Peer
	for _, s := range cfg.Peers {
		host, port, err := config.ParsePeer(s)
		if err != nil {
			logger.Warn("skipping invalid peer entry", zap.String("peer", s), zap.Error(err))
			continue
		}
		peers = append(peers, delegation.Peer{Host: host, Port: port})
	}

	catalog := func() (skillIDs, agentIDs []string) {
		for _, a := range agentStore.List() {
			agentIDs = append(agentIDs, a.ID)
			skillIDs = append(skillIDs, a.EnabledSkillIDs...)
		}
		return skillIDs, agentIDs
	}

	delegationEngine := delegation.New(delegation.Config{
		StatePath:              filepath.Join(cfg.DataDir, "delegated_tasks.json"),
		DefaultTimeoutSeconds:  cfg.DelegationTimeoutDefaultSeconds,
		CapabilityTTL:          time.Duration(cfg.DelegationCapabilityTTLSeconds) * time.Second,
		MaxConcurrentInbound:   cfg.DelegationMaxConcurrentInbound,
		MaxAcceptedAccessLevel: cfg.DelegationMaxAcceptedAccessLevel,
		PeerRequestTimeout:     time.Duration(cfg.PeerRequestTimeoutSeconds) * time.Second,
		WatchdogInterval:       time.Duration(cfg.WatchdogIntervalSeconds) * time.Second,
	}, identity, keys, queue, catalog, func(name string, payload map[string]string) {
		eventBus.Publish(name, payload, "delegation")
	}, peers, logger)
	delegationEngine.SetOriginAddr("localhost", cfg.ServerPort)

	// ── Handlers ─────────────────────────────────────────────────────────────
	authHandler, err := handler.NewAuthHandler(cfg.AdminSecret, identity.PrivateForSigning(), logger)
	if err != nil {
		return fmt.Errorf("auth handler: %w", err)
	}
	agentsHandler := handler.NewAgentsHandler(agentStore, engine, authHandler, logger)
	iamHandler := handler.NewIAMHandler(engine, authHandler, logger)
	eventsHandler := handler.NewEventsHandler(eventBus, audit, logger)
	tasksHandler := handler.NewTasksHandler(queue, delegationEngine, authHandler, logger)
	delegationHandler := handler.NewDelegationHandler(delegationEngine, identity, logger)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: !containsWildcard(cfg.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(handler.RateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}

	router.Use(requestLogger(logger))
	router.Use(handler.PrometheusMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"node_id": identity.NodeID,
		})
	})
	router.GET("/metrics", handler.MetricsEndpoint())

	// Peer-facing wire routes live at the root.
	delegationHandler.Register(router)

	v1 := router.Group("/api/v1")
	authHandler.Register(v1)
	agentsHandler.Register(v1)
	iamHandler.Register(v1)
	eventsHandler.Register(v1)
	tasksHandler.Register(v1)

	peerChecker := health.New(peers, health.Config{
		CheckInterval: time.Duration(cfg.PeerCheckIntervalSeconds) * time.Second,
	}, func(name string, payload map[string]string) {
		eventBus.Publish(name, payload, "health")
	}, logger)
	v1.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"peers": peerChecker.Statuses()})
	})

	// ── Background workers ───────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go delegationEngine.RunWatchdog(ctx)

	if len(peers) > 0 {
		go peerChecker.Start(ctx)
		go func() {
			warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
			defer warmCancel()
			delegationEngine.RefreshPeerCapabilities(warmCtx)
		}()
	}

	if cfg.AnomalySweepIntervalSecond > 0 {
		go func() {
			interval := time.Duration(cfg.AnomalySweepIntervalSecond) * time.Second
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if _, err := engine.SweepAnomalies(); err != nil {
						logger.Warn("anomaly sweep error", zap.Error(err))
					}
				case <-ctx.Done():
					return
				}
			}
		}()
		logger.Info("anomaly sweep scheduled", zap.Int("interval_seconds", cfg.AnomalySweepIntervalSecond))
	}

	// ── Serve ────────────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("torbod listening", zap.Int("port", cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	eventBus.Publish("system.started", map[string]string{"node_id": identity.NodeID}, "system")

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down torbod...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("torbod stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
