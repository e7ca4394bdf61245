package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/statecraft/statecraft/pkg/config"
	"github.com/statecraft/statecraft/pkg/state"
	"github.com/statecraft/statecraft/pkg/stores"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// buildVersion is the bare version string, kept for telemetry.
	buildVersion string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "statecraft",
		Short: "Statecraft - Distributed Infrastructure State Store",
		Long: `Statecraft tracks the declared state of infrastructure resources and
keeps it honest.

Features:
  - Versioned resources with order-independent content checksums
  - Event-sourced change journal with per-resource sequences
  - Drift detection against live infrastructure (SSH) or manifests
  - Conflict resolution for concurrent writers
  - Tiered read cache, snapshots, and point-in-time restore
  - CUE manifests and Rego admission policies`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newResourceCommand())
	rootCmd.AddCommand(newSnapshotCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newEventsCommand())

	return rootCmd
}

// loadConfig resolves the daemon configuration and aligns the global
// log level with it. --verbose wins over the configured level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	if level, err := zerolog.ParseLevel(cfg.Telemetry.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	return cfg, nil
}

// openStore builds and initializes the configured backend.
func openStore(ctx context.Context, cfg *config.Config) (state.Backend, error) {
	var backend state.Backend
	switch cfg.Store.Type {
	case "memory":
		backend = stores.NewMemoryStore(cfg.Store.Memory())
	default:
		sqlite, err := stores.NewSQLiteStore(cfg.Store.SQLite())
		if err != nil {
			return nil, fmt.Errorf("failed to build sqlite store: %w", err)
		}
		backend = sqlite
	}
	if err := backend.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize %s store: %w", cfg.Store.Type, err)
	}
	return backend, nil
}

// runtime is the shared plumbing for one-shot commands: resolved
// configuration, an initialized backend, and a manager with no
// background loops running.
type runtime struct {
	cfg     *config.Config
	backend state.Backend
	manager *state.Manager
}

func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	backend, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &runtime{
		cfg:     cfg,
		backend: backend,
		manager: state.NewManager(backend, cfg.ManagerOptions()),
	}, nil
}

func (rt *runtime) Close() {
	if err := rt.backend.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close store")
	}
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// readInput reads a document from path, or from stdin when path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
