// Command agentdeckd is the AgentDeck control-plane daemon: it launches,
// supervises, and proxies traffic to isolated per-user agent workers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/audit"
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/common/tracing"
	"github.com/agentdeck/agentdeck/internal/containerhost"
	"github.com/agentdeck/agentdeck/internal/eventbus"
	"github.com/agentdeck/agentdeck/internal/registry"
	"github.com/agentdeck/agentdeck/internal/router"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/sweeper"
)

const (
	shutdownGrace    = 10 * time.Second
	interruptTimeout = 5 * time.Second
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agentdeckd")

	// 3. Root context, canceled on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Touch the tracer once so OTEL_EXPORTER_OTLP_ENDPOINT is honored from boot.
	tracing.Tracer("agentdeckd")
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), interruptTimeout)
		defer shutdownCancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown error", zap.Error(err))
		}
	}()

	// 4. Event bus: NATS if configured, otherwise in-process.
	var bus eventbus.Bus
	if cfg.NATS.URL != "" {
		natsBus, err := eventbus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		bus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		bus = eventbus.NewMemoryBus(log)
		log.Info("using in-process event bus")
	}
	defer bus.Close()

	// 5. Container host client
	host, err := containerhost.New(cfg.Docker, log)
	if err != nil {
		log.Fatal("failed to initialize container host client", zap.Error(err))
	}
	defer host.Close()

	if err := host.Ping(ctx); err != nil {
		log.Fatal("failed to reach container host", zap.Error(err))
	}
	log.Info("connected to container host")

	// 6. Load persisted agent/session state
	store := registry.NewStore(cfg.Docker.StateDir, log)
	snapshot := store.Load()
	log.Info("loaded registry",
		zap.Int("agents", len(snapshot.Agents)),
		zap.Int("sessions", len(snapshot.Sessions)),
	)

	// 7. Container Manager
	agentMgr := agent.NewManager(host, bus, log, cfg.Docker.WorkerImage, cfg.Docker.StateDir, cfg.Docker.WorkerPort, snapshot.Agents)

	// 8. Session Manager, driving the Container Manager through a local
	// adapter so the two packages stay import-cycle-free leaves.
	sessionMgr := session.NewManager(&containerManagerAdapter{agents: agentMgr}, bus, log, cfg.Session.IdleTimeout(), snapshot.Sessions)

	persist := func() error {
		return store.Save(agentMgr.Snapshot(), sessionMgr.Snapshot())
	}
	agentMgr.SetPersist(persist)
	sessionMgr.SetPersist(persist)

	// 9. Audit trail, optional
	var trail *audit.Trail
	if cfg.Audit.Enabled {
		trail, err = audit.Open(cfg.Audit.Path, log)
		if err != nil {
			log.Error("failed to open audit trail, continuing without it", zap.Error(err))
		} else {
			trail.Subscribe(bus)
			log.Info("audit trail recording", zap.String("path", cfg.Audit.Path))
		}
	}

	// 10. Idle sweeper
	idleSweeper := sweeper.New(&sweeperSessionAdapter{sessions: sessionMgr}, log, cfg.Session.SweepInterval())

	// 11. HTTP/WebSocket surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := router.New(agentMgr, sessionMgr, host, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		return idleSweeper.Run(groupCtx)
	})

	// 12. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-groupCtx.Done():
		log.Warn("a daemon subsystem stopped unexpectedly, shutting down")
	}

	// 13. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	if err := group.Wait(); err != nil {
		log.Error("daemon subsystem error", zap.Error(err))
	}

	if trail != nil {
		if err := trail.Close(); err != nil {
			log.Error("audit trail close error", zap.Error(err))
		}
	}

	log.Info("agentdeckd stopped")
}

// containerManagerAdapter satisfies session.ContainerManager by translating
// between the session package's local types and the agent package's own.
type containerManagerAdapter struct {
	agents *agent.Manager
}

func (a *containerManagerAdapter) Spawn(ctx context.Context, opts session.SpawnOptions) (session.AgentRecord, error) {
	record, err := a.agents.Spawn(ctx, agent.SpawnOptions{
		APIKey:    opts.APIKey,
		Config:    opts.Config,
		MCPEnv:    opts.MCPEnv,
		SessionID: opts.SessionID,
	})
	if err != nil {
		return session.AgentRecord{}, err
	}
	return session.AgentRecord{
		AgentID:  record.AgentID,
		ConfigID: record.ConfigID,
		Status:   string(record.Status),
	}, nil
}

func (a *containerManagerAdapter) Stop(ctx context.Context, agentID string) error {
	return a.agents.Stop(ctx, agentID)
}

func (a *containerManagerAdapter) Start(ctx context.Context, agentID, ambientAPIKey string) (session.AgentRecord, bool, error) {
	record, recreated, err := a.agents.Start(ctx, agentID, ambientAPIKey)
	if err != nil {
		return session.AgentRecord{}, false, err
	}
	return session.AgentRecord{
		AgentID:  record.AgentID,
		ConfigID: record.ConfigID,
		Status:   string(record.Status),
	}, recreated, nil
}

func (a *containerManagerAdapter) Delete(ctx context.Context, agentID string) error {
	return a.agents.Delete(ctx, agentID)
}

// sweeperSessionAdapter satisfies sweeper.SessionManager by translating
// session.Manager's richer Record into the sweeper's minimal IdleRecord.
type sweeperSessionAdapter struct {
	sessions *session.Manager
}

func (a *sweeperSessionAdapter) IdleSessions() []sweeper.IdleRecord {
	records := a.sessions.IdleSessions()
	idle := make([]sweeper.IdleRecord, 0, len(records))
	for _, r := range records {
		idle = append(idle, sweeper.IdleRecord{SessionID: r.SessionID})
	}
	return idle
}

func (a *sweeperSessionAdapter) Stop(ctx context.Context, sessionID string) error {
	return a.sessions.Stop(ctx, sessionID)
}
