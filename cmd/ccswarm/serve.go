package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nwiizo/ccswarm/internal/approval"
	"github.com/nwiizo/ccswarm/internal/bus"
	"github.com/nwiizo/ccswarm/internal/common/logger"
	"github.com/nwiizo/ccswarm/internal/container"
	"github.com/nwiizo/ccswarm/internal/master"
	"github.com/nwiizo/ccswarm/internal/server"
	"github.com/nwiizo/ccswarm/internal/session"
	"github.com/nwiizo/ccswarm/internal/tracing"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			// Coordination bus: in-memory unless NATS is configured.
			var coordBus bus.Bus
			if cfg.NATS.URL != "" {
				natsBus, err := bus.NewNATSBus(cfg.NATS, log)
				if err != nil {
					return err
				}
				coordBus = natsBus
				log.Info("connected to NATS", zap.String("url", cfg.NATS.URL))
			} else {
				coordBus = bus.NewMemoryBus(log)
				log.Info("using in-memory coordination bus")
			}
			defer coordBus.Close()

			// Session pool, restored from the persisted registry.
			manager := session.NewManager(log)
			if restored, err := manager.LoadRegistry(cfg.Sessions.StateDir); err != nil {
				log.Warn("failed to load session registry", zap.Error(err))
			} else if restored > 0 {
				log.Info("restored sessions", zap.Int("count", restored))
			}
			defer func() {
				if err := manager.SaveRegistry(cfg.Sessions.StateDir); err != nil {
					log.Warn("failed to save session registry", zap.Error(err))
				}
				manager.StopAll()
			}()

			// Tracing actor, with the OTel bridge when configured.
			bridge, err := tracing.NewOTelBridge(cfg.Tracing.OTLPEndpoint, cfg.Tracing.ServiceName)
			if err != nil {
				log.Warn("otel bridge unavailable", zap.Error(err))
			}
			collector := tracing.NewCollector(bridge, log)
			defer func() {
				archiveTraces(collector, cfg.Sessions.StateDir, log)
				collector.Shutdown()
				_ = bridge.Shutdown(context.Background())
			}()

			// Optional Docker environments for isolated sessions.
			if cfg.Docker.Enabled {
				dockerClient, err := container.NewClient(cfg.Docker, log)
				if err != nil {
					log.Warn("docker unavailable, container sessions disabled", zap.Error(err))
				} else {
					defer dockerClient.Close()
					if err := dockerClient.Ping(ctx); err != nil {
						log.Warn("docker daemon unreachable, container sessions disabled", zap.Error(err))
					}
				}
			}

			// Proactive master.
			m := master.New(cfg.Master, coordBus, log)
			if err := m.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = m.Stop() }()

			// HITL approvals: the engine files requests here, operators
			// decide them over the /approvals endpoints, and the sweeper
			// times out the rest.
			approvals := approval.NewManager(cfg.Approval, log)
			go approvals.RunSweeper(ctx, time.Second)

			srv := server.New(cfg, manager, collector, approvals, log)
			log.Info("ccswarm serving")
			return srv.Run(ctx)
		},
	}
}

// archiveTraces writes the trace export next to the session registry.
// Export itself is pure; the disk write happens here.
func archiveTraces(collector *tracing.Collector, stateDir string, log *logger.Logger) {
	data, err := collector.Export(tracing.FormatJSON, nil)
	if err != nil {
		log.Warn("trace export failed", zap.Error(err))
		return
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		log.Warn("trace archive dir", zap.Error(err))
		return
	}
	path := filepath.Join(stateDir, "traces.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Warn("trace archive write failed", zap.Error(err))
	}
}
