package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kevklatman/distfs/internal/config"
	"github.com/kevklatman/distfs/internal/consistency"
	"github.com/kevklatman/distfs/internal/coordinator"
	"github.com/kevklatman/distfs/internal/directory"
	"github.com/kevklatman/distfs/internal/election"
	"github.com/kevklatman/distfs/internal/gossip"
	"github.com/kevklatman/distfs/internal/metrics"
	"github.com/kevklatman/distfs/internal/model"
	"github.com/kevklatman/distfs/internal/replication"
	"github.com/kevklatman/distfs/internal/storage"
	"github.com/kevklatman/distfs/internal/transport"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Node.NodeID),
		zap.String("region", cfg.Node.Region),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("quorum_size", cfg.Node.QuorumSize))

	// Local storage
	store, err := storage.NewDiskStore(cfg.Node.DataDir, logger)
	if err != nil {
		logger.Fatal("Failed to initialize local store", zap.Error(err))
	}

	// Membership, version bookkeeping, metrics
	dir := directory.New(cfg.Cluster.HeartbeatMaxAge, directory.DefaultScoringPolicy{}, logger)
	tracker := consistency.NewTracker(cfg.Node.QuorumSize, logger)
	m := metrics.NewMetrics()

	selfAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := dir.Register(model.NodeRecord{
		NodeID:        cfg.Node.NodeID,
		Address:       selfAddr,
		Status:        model.NodeStatusActive,
		Region:        cfg.Node.Region,
		LastHeartbeat: time.Now(),
	}); err != nil {
		logger.Fatal("Failed to register local node", zap.Error(err))
	}

	// Leader election
	var leaseStore election.LeaseStore
	switch cfg.Election.Store {
	case "redis":
		leaseStore = election.NewRedisLeaseStore(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	default:
		leaseStore = election.NewMemoryLeaseStore()
	}
	elector := election.NewElector(election.Config{
		NodeID:        cfg.Node.NodeID,
		LeaseName:     cfg.Election.LeaseName,
		LeaseDuration: cfg.Election.LeaseDuration,
		RenewInterval: cfg.Election.RenewInterval,
		RenewTimeout:  cfg.Election.RenewTimeout,
	}, leaseStore, logger)

	// Replication and coordination
	client := transport.NewHTTPPeerClient(cfg.Consistency.WriteTimeout, logger)
	engine := replication.NewEngine(dir, tracker, client, m, cfg.Cluster.MigrationRate, cfg.Node.Region, logger)

	coord := coordinator.New(coordinator.Config{
		NodeID:          cfg.Node.NodeID,
		Region:          cfg.Node.Region,
		QuorumSize:      cfg.Node.QuorumSize,
		MinReplicas:     cfg.Node.MinReplicas,
		WriteTimeout:    cfg.Consistency.WriteTimeout,
		ReadTimeout:     cfg.Consistency.ReadTimeout,
		EventualTimeout: cfg.Consistency.EventualTimeout,
		RepairAsync:     cfg.Consistency.RepairAsync,
		HeartbeatMaxAge: cfg.Cluster.HeartbeatMaxAge,
		DefaultLevel:    model.ConsistencyLevel(cfg.Consistency.DefaultLevel),
	}, dir, tracker, engine, client, store, elector, m, logger)
	defer coord.Stop(5 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Gossip membership, if enabled
	var agent *gossip.Agent
	if cfg.Gossip.Enabled {
		agent, err = gossip.NewAgent(gossip.Options{
			NodeID:         cfg.Node.NodeID,
			Address:        selfAddr,
			Region:         cfg.Node.Region,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, dir, logger)
		if err != nil {
			logger.Fatal("Failed to initialize gossip", zap.Error(err))
		}
		logger.Info("Gossip agent started", zap.Int("bind_port", cfg.Gossip.BindPort))

		go func() {
			ticker := time.NewTicker(cfg.Cluster.HeartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					agent.UpdateMetrics(coord.LocalMetrics())
				}
			}
		}()
	}

	// Background loops
	go elector.Run(ctx)

	health := coordinator.NewHealthLoop(coord, cfg.Cluster.HealthCheckInterval, cfg.Cluster.ProbeTimeout, logger)
	go health.Run(ctx)

	// Prometheus endpoint
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			logger.Info("Metrics server starting", zap.Int("port", cfg.Metrics.Port))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// Peer-facing HTTP server
	server := transport.NewServer(cfg.Node.NodeID, selfAddr, store, tracker, coord,
		cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, logger)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down gracefully...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if agent != nil {
			if err := agent.Shutdown(); err != nil {
				logger.Warn("Gossip shutdown failed", zap.Error(err))
			}
		}
		if err := elector.Release(shutdownCtx); err != nil {
			logger.Warn("Lease release failed", zap.Error(err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Metrics server shutdown failed", zap.Error(err))
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Coordination node starting",
		zap.String("node_id", cfg.Node.NodeID),
		zap.String("address", selfAddr))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("Failed to serve", zap.Error(err))
	}
}

// initLogger builds the zap logger from config.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
