package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/statecraft/statecraft/pkg/cache"
	"github.com/statecraft/statecraft/pkg/config"
	"github.com/statecraft/statecraft/pkg/discovery"
	"github.com/statecraft/statecraft/pkg/drift"
	"github.com/statecraft/statecraft/pkg/policy"
	"github.com/statecraft/statecraft/pkg/state"
	"github.com/statecraft/statecraft/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the state store daemon",
		Long: `Run the statecraft daemon.

The daemon tracks declared infrastructure resources in the configured
store and runs the background maintenance loops: periodic drift checks
against the configured discoverer, scheduled snapshots, and peer sync.
Admission policies gate writes when enabled, and a Prometheus endpoint
serves metrics.

The daemon shuts down gracefully on SIGINT or SIGTERM: loops drain,
telemetry flushes, and the store closes.`,
		Example: `  # Run with built-in defaults (sqlite store in the working directory)
  statecraft serve

  # Run against an explicit config file
  statecraft serve --config /etc/statecraft/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	tcfg := cfg.Telemetry.Telemetry()
	if buildVersion != "" {
		tcfg.ServiceVersion = buildVersion
	}

	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err := tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	backend, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close store")
		}
	}()

	opts := cfg.ManagerOptions()
	opts.Publisher = tel.Notifier()

	if cfg.Cache.Enabled {
		tiered := cache.New(cfg.Cache.Options())
		defer tiered.Close()
		opts.Cache = tiered
		if err := tel.Metrics.RegisterCacheStats(tiered.Stats); err != nil {
			log.Warn().Err(err).Msg("failed to register cache stats collector")
		}
	}

	if cfg.Drift.Enabled {
		opts.Analyzer = drift.NewAnalyzer(cfg.Drift.Rules)
		if cfg.Discovery.Type == "ssh" {
			disc, err := discovery.NewSSHDiscoverer(cfg.Discovery.SSH.Options(),
				log.With().Str("component", "discovery").Logger())
			if err != nil {
				return fmt.Errorf("failed to build ssh discoverer: %w", err)
			}
			defer func() {
				if err := disc.Close(); err != nil {
					log.Warn().Err(err).Msg("failed to close ssh discoverer")
				}
			}()
			opts.Discoverer = disc
		}
	}

	if cfg.Policy.Enabled {
		engine, err := policy.NewEngine(log.With().Str("component", "policy").Logger())
		if err != nil {
			return fmt.Errorf("failed to build policy engine: %w", err)
		}
		defer func() {
			if err := engine.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to stop policy watcher")
			}
		}()
		if len(cfg.Policy.Paths) > 0 {
			if err := engine.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				return fmt.Errorf("failed to load policies: %w", err)
			}
			if cfg.Policy.Watch {
				if err := engine.WatchPaths(ctx, cfg.Policy.Paths); err != nil {
					return fmt.Errorf("failed to watch policy paths: %w", err)
				}
			}
		}
		opts.Policy = engine
	}

	mgr := state.NewManager(backend, opts)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start state manager: %w", err)
	}

	go resourceGaugeLoop(ctx, mgr, tel.Metrics)

	log.Info().
		Str("node_id", cfg.Server.NodeID).
		Str("store", cfg.Store.Type).
		Str("version", buildVersion).
		Msg("statecraft daemon started")

	<-ctx.Done()
	log.Info().Msg("statecraft daemon stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	mgr.Stop()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown incomplete")
	}
	return nil
}

// resourceGaugeLoop keeps the tracked-resource gauges current. The
// gauge is informational; a failed refresh only logs.
func resourceGaugeLoop(ctx context.Context, mgr *state.Manager, metrics *telemetry.Metrics) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	refreshResourceGauges(ctx, mgr, metrics)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshResourceGauges(ctx, mgr, metrics)
		}
	}
}

func refreshResourceGauges(ctx context.Context, mgr *state.Manager, metrics *telemetry.Metrics) {
	resources, err := mgr.List(ctx, state.ResourceFilter{})
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("failed to refresh resource gauges")
		}
		return
	}

	type bucket struct{ resourceType, state string }
	counts := make(map[bucket]int)
	for _, r := range resources {
		counts[bucket{string(r.Type), string(r.State)}]++
	}

	metrics.ResetResourceCounts()
	for b, n := range counts {
		metrics.SetResourceCount(b.resourceType, b.state, float64(n))
	}
}
