// Package main implements the qualityd daemon, which wires the session
// manager, quality-gate evaluator, and orchestrator together for
// standalone operation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qualityd/internal/analysis"
	"github.com/fyrsmithlabs/qualityd/internal/config"
	"github.com/fyrsmithlabs/qualityd/internal/gates"
	"github.com/fyrsmithlabs/qualityd/internal/logging"
	"github.com/fyrsmithlabs/qualityd/internal/orchestrator"
	"github.com/fyrsmithlabs/qualityd/internal/session"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "qualityd",
	Short: "Conversation quality monitoring daemon",
	Long: `qualityd monitors long-running conversations, runs one analysis
loop per session, evaluates quality gates against each analysis result,
and surfaces throttled intervention suggestions.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the qualityd daemon",
	Long: `Start the daemon and block until SIGINT or SIGTERM.

Configuration is read from the optional --config YAML file and QUALITYD_*
environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("qualityd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

// run starts the daemon and blocks until the context is cancelled by a
// termination signal.
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("starting qualityd",
		zap.String("version", version),
		zap.String("store_path", cfg.Store.Path),
	)

	store, err := session.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close session store", zap.Error(err))
		}
	}()

	manager, err := session.NewManager(&session.ManagerConfig{
		SessionTimeout:      cfg.Session.SessionTimeout(),
		CleanupInterval:     cfg.Session.CleanupInterval(),
		MaxSessionsPerOwner: cfg.Session.MaxSessionsPerOwner,
		EvictOnOwnerLimit:   cfg.Session.EvictOnOwnerLimit,
	}, store, logger)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	evaluator := gates.NewEvaluator(logger)
	if cfg.Gates.CustomGatesPath != "" {
		if err := evaluator.LoadCustomGates(cfg.Gates.CustomGatesPath); err != nil {
			return fmt.Errorf("failed to load custom gates: %w", err)
		}
		logger.Info("loaded custom gates", zap.String("path", cfg.Gates.CustomGatesPath))
	}

	analyzer := analysis.NewHeuristicAnalyzer()

	orch := orchestrator.New(&cfg.Orchestrator, manager, evaluator, analyzer, logger)
	orch.OnIntervention(func(ctx context.Context, result gates.Result) error {
		logger.Info("intervention suggested",
			zap.String("session_id", result.SessionID),
			zap.String("gate_id", result.GateID),
			zap.String("priority", string(result.Priority)),
			zap.Float64("confidence", result.Confidence),
		)
		return nil
	})

	if err := orch.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("qualityd ready")
	<-ctx.Done()
	stop()

	logger.Info("shutting down")
	if err := orch.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
