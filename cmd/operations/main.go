// Package main is the entry point for the mimolo-operations binary.
// It wires all internal packages together and runs the Orchestrator Core
// alongside the Control IPC Server.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Run the Runtime Bootstrap Coordinator (interpreter hydration, config seed)
//  4. Load runtime config, open the plugin store, build the metrics registry
//     and widget cache
//  5. Build the Orchestrator Core and register configured instances
//  6. Start the Control IPC Server
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/bootstrap"
	"github.com/mimolo/operations/internal/config"
	"github.com/mimolo/operations/internal/ipc"
	"github.com/mimolo/operations/internal/logging"
	"github.com/mimolo/operations/internal/metrics"
	"github.com/mimolo/operations/internal/orchestrator"
	"github.com/mimolo/operations/internal/pathtoken"
	"github.com/mimolo/operations/internal/pluginstore"
	"github.com/mimolo/operations/internal/pluginvalidator"
	"github.com/mimolo/operations/internal/widget"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit code sentinels — checked in main via errors.Is, per spec.md §6.5:
// 0 clean shutdown; 2 invalid CLI/config; 3 bootstrap failure; 4 fatal IPC
// bind failure; 1 unspecified failure.
var (
	errInvalidConfig  = errors.New("invalid configuration")
	errBootstrap      = errors.New("bootstrap failed")
	errIPCBindFailure = errors.New("ipc bind failed")
)

type appConfig struct {
	dataDir         string
	socketPath      string
	logLevel        string
	seedArchivePath string
	pluginPublicKey string
	pluginIssuer    string
	advertisedProto string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, errInvalidConfig):
		return 2
	case errors.Is(err, errBootstrap):
		return 3
	case errors.Is(err, errIPCBindFailure):
		return 4
	default:
		return 1
	}
}

func newRootCmd() *cobra.Command {
	cfg := &appConfig{}

	root := &cobra.Command{
		Use:   "mimolo-operations",
		Short: "MiMoLo Operations — supervises Agent subprocesses and exposes Control over IPC",
		Long: `mimolo-operations supervises a fleet of heterogeneous Agent
subprocesses over the JLP line-delimited-JSON protocol and exposes a
Control IPC socket for inspecting and managing them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("MIMOLO_DATA_DIR", defaultDataDir()), "Directory for Operations state (logs, registry cache, plugin store)")
	root.PersistentFlags().StringVar(&cfg.socketPath, "socket-path", envOrDefault("MIMOLO_SOCKET_PATH", ""), "Control IPC socket path (default: <data-dir>/operations.sock)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("MIMOLO_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.seedArchivePath, "seed-archive", envOrDefault("MIMOLO_SEED_ARCHIVE", ""), "Zip archive containing the portable interpreter (optional)")
	root.PersistentFlags().StringVar(&cfg.pluginPublicKey, "plugin-public-key", envOrDefault("MIMOLO_PLUGIN_PUBLIC_KEY", ""), "Path to a PEM-encoded RSA public key file used to verify plugin manifests (empty disables install/upgrade)")
	root.PersistentFlags().StringVar(&cfg.pluginIssuer, "plugin-issuer", envOrDefault("MIMOLO_PLUGIN_ISSUER", "mimolo-plugin-signer"), "Required issuer claim on plugin manifests")
	root.PersistentFlags().StringVar(&cfg.advertisedProto, "protocol-version", envOrDefault("MIMOLO_PROTOCOL_VERSION", "1.0"), "JLP protocol version advertised during handshake")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mimolo-operations %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *appConfig) error {
	if cfg.dataDir == "" {
		return fmt.Errorf("%w: --data-dir must not be empty", errInvalidConfig)
	}
	if cfg.socketPath == "" {
		cfg.socketPath = filepath.Join(cfg.dataDir, "operations.sock")
	}

	logger, err := logging.New(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("%w: %s", errInvalidConfig, err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting mimolo-operations",
		zap.String("version", version),
		zap.String("data_dir", cfg.dataDir),
		zap.String("socket_path", cfg.socketPath),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	coordinator := bootstrap.New(bootstrap.Config{
		DataDir:         cfg.dataDir,
		SeedArchivePath: cfg.seedArchivePath,
		LockTimeout:     10 * time.Second,
	}, logger)

	bootResult, err := coordinator.Run(ctx, func(rec bootstrap.StatusRecord) {
		logger.Info("bootstrap stage", zap.String("stage", string(rec.Stage)), zap.String("detail", rec.Detail))
	})
	if err != nil {
		if cfg.seedArchivePath == "" {
			logger.Warn("bootstrap skipped interpreter hydration — no seed archive configured", zap.Error(err))
		} else {
			return fmt.Errorf("%w: %s", errBootstrap, err)
		}
	}
	runtimeConfigPath := filepath.Join(cfg.dataDir, "runtime.toml")
	if bootResult != nil {
		runtimeConfigPath = bootResult.RuntimeConfigPath
	}

	configStore := config.NewStore(runtimeConfigPath)
	rt, err := configStore.Load()
	if err != nil {
		return fmt.Errorf("%w: load runtime config: %s", errInvalidConfig, err)
	}

	db, err := pluginstore.Open(pluginstore.Config{
		DSN:    filepath.Join(cfg.dataDir, "pluginstore.db"),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("%w: open plugin store: %s", errBootstrap, err)
	}
	templateStore := pluginstore.NewStore(db)

	var pluginManager ipc.PluginManager
	if cfg.pluginPublicKey != "" {
		keyPEM, err := os.ReadFile(cfg.pluginPublicKey)
		if err != nil {
			return fmt.Errorf("%w: read plugin public key: %s", errInvalidConfig, err)
		}
		validator, err := pluginvalidator.NewValidator(keyPEM, cfg.pluginIssuer)
		if err != nil {
			return fmt.Errorf("%w: build plugin validator: %s", errInvalidConfig, err)
		}
		pluginManager = pluginvalidator.NewManager(validator, templateStore)
	} else {
		logger.Warn("no plugin public key configured — install_plugin/upgrade_plugin will answer operations_not_managed")
	}

	metricsRegistry := metrics.New(logger)

	widgetCapacity := rt.Operations.WidgetCacheCapacity
	if widgetCapacity <= 0 {
		widgetCapacity = 64
	}
	widgetTTL := time.Duration(rt.Operations.WidgetCacheTTLSeconds * float64(time.Second))
	if widgetTTL <= 0 {
		widgetTTL = 5 * time.Minute
	}
	widgetCache := widget.NewCache(widgetCapacity, widgetTTL)

	orch, err := orchestrator.New(orchestrator.Config{
		DataDir:            cfg.dataDir,
		EvidencePath:       filepath.Join(cfg.dataDir, "logs", "evidence.jsonl"),
		DiagnosticsPath:    filepath.Join(cfg.dataDir, "logs", "diagnostics.jsonl"),
		AdvertisedProtocol: cfg.advertisedProto,
		AppVersion:         version,
		RotateBytes:        64 << 20,
		RotateKeep:         5,
	}, logger)
	if err != nil {
		return fmt.Errorf("%w: build orchestrator: %s", errBootstrap, err)
	}
	orch.SetMetrics(metricsRegistry)
	orch.SetWidgetCache(widgetCache)

	for label, inst := range rt.Instances {
		executable, args := inst.Executable, inst.Args
		if rewritten, rewrittenArgs, ok := coordinator.RewriteExecutable(executable, args); ok {
			executable, args = rewritten, rewrittenArgs
		}
		spec := orchestrator.InstanceSpec{
			Label:                    label,
			TemplateID:               inst.TemplateID,
			Enabled:                  inst.Enabled,
			Executable:               executable,
			Args:                     args,
			HeartbeatIntervalS:       inst.HeartbeatIntervalS,
			AgentFlushIntervalS:      inst.AgentFlushIntervalS,
			LaunchInSeparateTerminal: inst.LaunchInSeparateTerminal,
			CPUBudgetPercent:         inst.CPUBudgetPercent,
		}
		if _, err := orch.AddInstance(spec); err != nil {
			logger.Warn("skipping configured instance", zap.String("label", label), zap.Error(err))
		}
	}

	deps := ipc.Deps{
		Templates: pluginstore.NewTemplateLister(templateStore),
		Settings:  config.NewSettingsAdapter(configStore),
		Metrics:   ipc.NewMetricsAdapter(metricsRegistry, orch),
		Widgets:   ipc.NewWidgetAdapter(widgetCache, orch, pathtoken.New()),
		Plugins:   pluginManager,
	}

	server, err := ipc.New(cfg.socketPath, orch, deps, cancel, logger)
	if err != nil {
		return fmt.Errorf("%w: bind control socket: %s", errIPCBindFailure, err)
	}

	orchDone := make(chan error, 1)
	go func() { orchDone <- orch.Run(ctx) }()

	for label, inst := range rt.Instances {
		if !inst.Enabled {
			continue
		}
		if err := orch.StartInstance(ctx, label); err != nil {
			logger.Warn("failed to auto-start enabled instance", zap.String("label", label), zap.Error(err))
		}
	}

	serveErr := server.Serve(ctx)
	<-orchDone

	logger.Info("mimolo-operations stopped")
	return serveErr
}

// defaultDataDir returns the platform-appropriate default data directory.
// On Linux/macOS: ~/.mimolo/operations
func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".mimolo", "operations")
	}
	return filepath.Join(".mimolo", "operations")
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
