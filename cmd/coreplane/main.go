// Command coreplane runs a single node of the coordination plane: the
// simulation service (C2), the signaling relay (C3), the CRDT document
// service (C4), and the edge gateway (C5) that fronts all three, all
// sharing one state substrate (C1) connection. Every node is identical
// and stateless beyond its substrate connection, so horizontal scaling
// is just running more of this binary behind a load balancer.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cosim-robotics/coreplane/internal/config"
	"github.com/cosim-robotics/coreplane/internal/document"
	"github.com/cosim-robotics/coreplane/internal/gateway"
	"github.com/cosim-robotics/coreplane/internal/signaling"
	"github.com/cosim-robotics/coreplane/internal/simulation"
	"github.com/cosim-robotics/coreplane/internal/simulation/drivers/mock"
	"github.com/cosim-robotics/coreplane/internal/simulation/drivers/mujoco"
	"github.com/cosim-robotics/coreplane/internal/simulation/drivers/pybullet"
	"github.com/cosim-robotics/coreplane/internal/substrate"
)

func main() {
	// Step 1: configuration. A missing SUBSTRATE_URL is a fatal config
	// error: exit 1, before anything else stands up.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "coreplane: config error:", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging.Level, cfg.Logging.Environment)
	defer logger.Sync()

	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID = simulation.NewNodeID()
	}
	logger = logger.With(zap.String("node_id", nodeID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 2: state substrate. Unreachable at startup is exit 2 — every
	// other component depends on it, there is nothing useful this node
	// can do without it.
	store, err := substrate.NewRedisStore(ctx, cfg.Substrate.URL, logger)
	if err != nil {
		logger.Error("substrate unavailable", zap.Error(err))
		os.Exit(2)
	}
	defer store.Close()
	logger.Info("connected to state substrate", zap.String("url", cfg.Substrate.URL))

	// Step 3: simulation service (C2), with engine dispatch deferred to
	// this factory rather than hard-coded into the service, the same
	// indirection the teacher gives its robot adapter registry.
	drivers := func(engine simulation.Engine) (simulation.Driver, error) {
		switch engine {
		case simulation.EngineMuJoCo:
			return mujoco.New(cfg.Simulation.MuJoCoBaseURL), nil
		case simulation.EnginePyBullet:
			return pybullet.New(cfg.Simulation.PyBulletBaseURL), nil
		default:
			// No sidecar configured for this engine name: fall back to
			// the in-process mock so a session can still be created
			// against an otherwise-unconfigured engine, e.g. in local
			// development.
			return mock.NewDriver(), nil
		}
	}
	simCfg := simulation.Config{
		NodeID:            nodeID,
		LeaseTTL:          cfg.Simulation.LeaseTTL,
		LeaseRenewEvery:   cfg.Simulation.LeaseRenewEvery,
		FrameBackpressure: cfg.Simulation.FrameBackpressure,
		ExecWallClock:     cfg.Simulation.ExecWallClock,
		FrameRingSize:     cfg.Simulation.FrameRingSize,
	}
	simSvc := simulation.NewService(store, drivers, simCfg, logger)

	// Step 4: signaling relay (C3) plus its server-presence heartbeat.
	relay := signaling.NewRelay(store, nodeID, logger)
	if err := relay.Start(ctx); err != nil {
		logger.Error("signaling relay failed to start", zap.Error(err))
		os.Exit(2)
	}
	heartbeat := signaling.NewHeartbeat(store, relay, nodeID, cfg.Signaling.HeartbeatInterval, cfg.Signaling.ServerTTL, logger)
	go heartbeat.Run(ctx)

	// Step 5: CRDT document service (C4).
	docSvc := document.NewService(store, nodeID, cfg.Document.PersistCoalesce, logger)

	// Step 6: edge gateway (C5), wired to the three services above plus
	// auth, rate limiting, and response caching.
	auth := gateway.NewAuthenticator(cfg.Gateway.JWTSigningKey, store, cfg.Gateway.AuthCacheTTL, logger)
	limiter := gateway.NewRateLimiter(store, toGatewayLimits(cfg.Gateway.RateLimits))
	respCache := gateway.NewResponseCache(store, "sim-state", cfg.Gateway.ResponseCacheTTL)
	router := gateway.NewRouter(simSvc, relay, docSvc, auth, limiter, respCache, logger)

	// Step 7: a janitor sweeps the gateway's in-process caches on a
	// fixed schedule so a node that runs for weeks doesn't slowly
	// accumulate stale auth cache entries or abandoned per-subject rate
	// limiters. This is housekeeping only; nothing in the hot path
	// depends on it running.
	janitor := cron.New()
	if _, err := janitor.AddFunc("@every 1m", func() {
		swept := auth.SweepCache()
		logger.Debug("janitor sweep",
			zap.Int("auth_cache_swept", swept),
			zap.Int("rate_limiter_subjects", limiter.LocalLimiterCount()),
		)
	}); err != nil {
		logger.Warn("janitor schedule failed, continuing without it", zap.Error(err))
	} else {
		janitor.Start()
		defer janitor.Stop()
	}

	// Step 8: HTTP server, started in the background so the main
	// goroutine is free to wait on the shutdown signal.
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Engine(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("coreplane node listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Step 9: wait for SIGINT/SIGTERM, then drain in reverse dependency
	// order: stop accepting new work, let in-flight requests finish,
	// then release the substrate connection last.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("coreplane node stopped")
}

// toGatewayLimits adapts config's RouteLimit (kept dependency-free of
// gateway so config has no reason to import it) into the type the
// gateway package expects.
func toGatewayLimits(in map[string]config.RouteLimit) map[string]gateway.RouteLimit {
	out := make(map[string]gateway.RouteLimit, len(in))
	for class, limit := range in {
		out[class] = gateway.RouteLimit{Capacity: limit.Capacity, Window: limit.Window}
	}
	return out
}

func initLogger(level, environment string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if environment == "development" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := zapCfg.Build()
	if err != nil {
		// zap itself failed to construct; fall back to a bare logger
		// rather than leaving the process with no logging at all.
		logger = zap.NewNop()
	}
	return logger
}
