package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meristem/core/internal/audit"
	"github.com/meristem/core/internal/auth"
	"github.com/meristem/core/internal/bus"
	"github.com/meristem/core/internal/config"
	"github.com/meristem/core/internal/guard"
	"github.com/meristem/core/internal/httpapi"
	"github.com/meristem/core/internal/ingest"
	"github.com/meristem/core/internal/metrics"
	"github.com/meristem/core/internal/netmode"
	"github.com/meristem/core/internal/plugin/bridge"
	"github.com/meristem/core/internal/plugin/catalog"
	"github.com/meristem/core/internal/plugin/health"
	"github.com/meristem/core/internal/plugin/isolate"
	"github.com/meristem/core/internal/plugin/lifecycle"
	"github.com/meristem/core/internal/shutdown"
	"github.com/meristem/core/internal/store"
	"github.com/meristem/core/internal/task"
	"github.com/meristem/core/internal/trace"
	"github.com/meristem/core/internal/trace/transport"
	"github.com/meristem/core/internal/wsfanout"
)

func newStartCmd(name string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: "Run the Core service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCore()
		},
	}
}

func runCore() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if homeFlag != "" {
		cfg.Runtime.Home = homeFlag
	}

	zl, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coordinator := shutdown.NewCoordinator(30*time.Second, zl)
	metricsSet := metrics.NewSet()
	metricsSet.SetNetworkMode(string(netmode.ModeDirect))

	// Persistence.
	st, err := store.Connect(ctx, cfg.Database.MongoURI, cfg.Database.Database,
		cfg.Database.QueryMaxTimeMS, zl)
	if err != nil {
		return err
	}
	coordinator.Register("store close", st.Close)
	if err := st.EnsureIndexes(ctx); err != nil {
		coordinator.Shutdown(context.Background())
		return err
	}

	// Bus and log stream.
	busClient, err := bus.Connect(cfg.NATS.URL, cfg.NATS.Token, zl)
	if err != nil {
		coordinator.Shutdown(context.Background())
		return err
	}
	coordinator.Register("bus close", func(context.Context) error {
		busClient.Close()
		return nil
	})
	if err := busClient.ProvisionLogStream(cfg.NATS.StreamReplicas, cfg.NATS.StreamMaxBytes); err != nil {
		coordinator.Shutdown(context.Background())
		return err
	}

	logTransport := transport.New(busClient, transport.Options{}, zl)
	coordinator.Register("log transport close", func(context.Context) error {
		logTransport.Close()
		return nil
	})

	// Audit pipeline.
	pipeline, err := audit.NewPipeline(st.Audit(), audit.Options{
		NodeID:           cfg.Server.NodeID,
		HMACSecret:       cfg.Audit.HMACSecret,
		HMACKeyID:        cfg.Audit.HMACKeyID,
		PartitionCount:   cfg.Audit.PartitionCount,
		BatchSize:        cfg.Audit.BatchSize,
		BacklogHardLimit: cfg.Audit.BacklogHardLimit,
		MaxRetryAttempts: cfg.Audit.MaxRetryAttempts,
		LeaseDuration:    cfg.Audit.LeaseDuration,
		DrainInterval:    cfg.Audit.DrainInterval,
		AnchorInterval:   cfg.Audit.AnchorInterval,
	}, zl)
	if err != nil {
		coordinator.Shutdown(context.Background())
		return err
	}
	pipeline.Start()
	coordinator.Register("audit pipeline stop", func(context.Context) error {
		pipeline.Stop()
		return nil
	})
	go pollBacklog(ctx, pipeline, metricsSet)

	onDenied := denialAuditor(pipeline, cfg.Server.NodeID, zl)

	// Auth.
	keyring, err := auth.NewKeyring(cfg.Security.JWTSignSecret,
		cfg.Security.JWTVerifySecrets, 24*time.Hour)
	if err != nil {
		coordinator.Shutdown(context.Background())
		return err
	}
	authSvc := auth.NewService(st.Users(), keyring, cfg.Security.BootstrapToken, zl)

	// Fanout.
	hub := wsfanout.NewHub(authSvc, zl)
	hub.OnDenied = onDenied

	// Plugin runtime.
	monitor := health.NewMonitor(health.Options{
		PingInterval:         cfg.Plugin.PingInterval,
		PongTimeout:          cfg.Plugin.PongTimeout,
		MemoryThresholdBytes: cfg.Plugin.MemoryLimitRSS,
		Logger:               zl,
	})
	monitor.Start(ctx)
	coordinator.Register("health monitor stop", func(context.Context) error {
		monitor.Stop()
		return nil
	})

	runtimeBin := os.Getenv("MERISTEM_PLUGIN_RUNTIME")
	if runtimeBin == "" {
		runtimeBin = "node"
	}
	registry := bridge.NewRegistry()
	manager := lifecycle.NewManager(lifecycle.Options{
		Factory: func(spec isolate.SpawnSpec) (*isolate.Isolate, error) {
			return isolate.SpawnProcess(spec, runtimeBin, zl)
		},
		Registry:      registry,
		Bus:           busClient,
		Health:        monitor,
		Versions:      st.Plugins(),
		OnDenied:      onDenied,
		StopTimeout:   cfg.Plugin.StopTimeout,
		ReloadTimeout: cfg.Plugin.ReloadTimeout,
		InvokeTimeout: cfg.Plugin.InvokeTimeout,
		Logger:        zl,
	})
	startInstalledPlugins(ctx, cfg, st, manager, hub, zl)

	// Network mode. Registered before ingest so shutdown stops the heartbeat
	// monitor while mode transitions can still run.
	modes := netmode.NewManager(manager, monitor, proposalReader(manager),
		busClient, hub, netmode.Options{FallbackToDirect: true}, zl)
	modes.Start(ctx)
	coordinator.Register("network mode stop", func(context.Context) error {
		modes.Stop()
		return nil
	})

	// Ingest.
	ingestLogger := trace.NewLogger(
		trace.NewContext(cfg.Server.NodeID, "ingest"), zl, logTransport)
	ingestor := ingest.NewIngestor(st.Nodes(), ingest.Options{}, ingestLogger, zl)
	if _, err := busClient.Subscribe(bus.SubjectHeartbeats, ingestor.HandleHeartbeat); err != nil {
		coordinator.Shutdown(context.Background())
		return err
	}
	if _, err := busClient.Subscribe(bus.SubjectPulse, ingestor.HandlePulse); err != nil {
		coordinator.Shutdown(context.Background())
		return err
	}
	go ingestor.RunMonitor(ctx)
	coordinator.Register("heartbeat monitor stop", func(context.Context) error {
		ingestor.Stop()
		return nil
	})

	// HTTP front.
	scheduler := task.NewScheduler(st.Tasks(), pipeline, task.Options{}, zl)
	server := httpapi.NewServer(httpapi.Options{
		Auth:      authSvc,
		Tasks:     scheduler,
		WSHandler: hub,
		WSPath:    cfg.Server.WSPath,
		Metrics:   metricsSet,
		NodeID:    cfg.Server.NodeID,
		Logger:    zl,
	})

	zl.Info("core started",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("port", cfg.Server.Port))
	err = server.Run(ctx, ":"+cfg.Server.Port)

	coordinator.Shutdown(context.Background())
	return err
}

// startInstalledPlugins loads every installed manifest and walks it to
// RUNNING. A plugin that fails keeps the rest booting.
func startInstalledPlugins(ctx context.Context, cfg *config.Config, st *store.Store,
	manager *lifecycle.Manager, hub *wsfanout.Hub, zl *zap.Logger) {
	cat := catalog.New(cfg.Runtime.Home, os.Getenv("MERISTEM_PLUGIN_REGISTRY"), zl)
	installed, err := cat.Installed()
	if err != nil {
		zl.Warn("installed plugin scan failed", zap.Error(err))
		return
	}
	for i := range installed {
		m := installed[i]
		version, err := st.Plugins().ConfigVersion(ctx, m.ID)
		if err != nil {
			zl.Warn("config version read failed", zap.String("plugin_id", m.ID), zap.Error(err))
			continue
		}
		entry := filepath.Join(cfg.Runtime.Home, "plugins", m.ID, m.Entry)
		if _, err := manager.Load(&m, entry, nil, version); err != nil {
			zl.Warn("plugin load failed", zap.String("plugin_id", m.ID), zap.Error(err))
			continue
		}
		traceID := uuid.NewString()
		if err := manager.Init(ctx, m.ID, traceID); err != nil {
			zl.Warn("plugin init failed", zap.String("plugin_id", m.ID), zap.Error(err))
			continue
		}
		if err := manager.Start(ctx, m.ID, traceID); err != nil {
			zl.Warn("plugin start failed", zap.String("plugin_id", m.ID), zap.Error(err))
			continue
		}
		for _, channel := range m.UIContract.Channels {
			hub.RegisterChannel(channel)
		}
	}
}

// proposalReader asks a provider for its mode proposal through its exported
// capability. Absence of a usable answer is not an error.
func proposalReader(manager *lifecycle.Manager) netmode.ProposalReader {
	return func(ctx context.Context, pluginID string) (*netmode.Mode, error) {
		result, err := manager.Invoke(ctx, pluginID, uuid.NewString(), netmode.CapabilityStatus, nil)
		if err != nil {
			return nil, err
		}
		if result == nil || len(result.Data) == 0 {
			return nil, nil
		}
		var body struct {
			Mode string `json:"mode"`
		}
		if err := json.Unmarshal(result.Data, &body); err != nil {
			return nil, err
		}
		switch netmode.Mode(body.Mode) {
		case netmode.ModeDirect, netmode.ModeMNet:
			m := netmode.Mode(body.Mode)
			return &m, nil
		}
		return nil, nil
	}
}

// denialAuditor records guard denials through the audit pipeline.
func denialAuditor(pipeline *audit.Pipeline, nodeID string, zl *zap.Logger) func(guard.DenialEvent) {
	return func(ev guard.DenialEvent) {
		_, err := pipeline.Record(context.Background(), audit.EventInput{
			TS:      trace.NowMillis(),
			Level:   string(trace.LevelWarn),
			NodeID:  nodeID,
			Source:  "guard",
			TraceID: uuid.NewString(),
			Content: ev.Event,
			Meta: map[string]interface{}{
				"actor":               ev.Actor,
				"subject":             ev.Subject,
				"required_permission": ev.RequiredPermission,
				"reason":              ev.Reason,
			},
		})
		if err != nil {
			zl.Warn("denial audit failed", zap.String("subject", ev.Subject), zap.Error(err))
		}
	}
}

func pollBacklog(ctx context.Context, pipeline *audit.Pipeline, set *metrics.Set) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			set.AuditBacklog.Set(float64(pipeline.Backlog()))
		case <-ctx.Done():
			return
		}
	}
}
