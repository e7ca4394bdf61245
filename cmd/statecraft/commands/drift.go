package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/statecraft/statecraft/pkg/config"
	"github.com/statecraft/statecraft/pkg/discovery"
	"github.com/statecraft/statecraft/pkg/drift"
	"github.com/statecraft/statecraft/pkg/state"
)

func newDriftCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Drift detection",
		Long: `Detect divergence between the declared state the store tracks and
the state actually observed in the world.`,
	}

	cmd.AddCommand(newDriftDetectCommand())

	return cmd
}

func newDriftDetectCommand() *cobra.Command {
	var (
		manifests   []string
		sshHost     string
		sshUser     string
		sshPort     int
		sshKey      string
		sshInsecure bool
		failOnDrift bool
	)

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run a one-shot drift scan",
		Long: `Compare every tracked resource against an observed source and report
the findings.

The observed source is, in order of precedence: a CUE manifest given
with --manifest (the manifest stands in for the observed world, which
answers "how far has the store diverged from this declaration"), an
SSH target given with --ssh-host, or the discoverer from the daemon
configuration.

Findings are reported but not journaled; the serve daemon's drift loop
is what records findings as events and marks resources drifted.
Resources whose discovery fails are skipped, never reported as
missing.`,
		Example: `  # Scan against the configured discoverer
  statecraft drift detect

  # Compare the store against a manifest
  statecraft drift detect --manifest expected.cue

  # Probe a host over SSH
  statecraft drift detect --ssh-host web-01.internal --ssh-user probe

  # Fail the pipeline when anything drifted
  statecraft drift detect --manifest expected.cue --fail-on-drift`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			sshOpts := discovery.DefaultSSHOptions(sshHost, sshUser)
			sshOpts.Port = sshPort
			if sshKey != "" {
				sshOpts.PrivateKeyPath = sshKey
			}
			if sshInsecure {
				sshOpts.StrictHostKeyChecking = false
			}

			disc, closeDisc, err := buildScanDiscoverer(ctx, rt.cfg, manifests, sshOpts)
			if err != nil {
				return err
			}
			defer closeDisc()

			analyzer := drift.NewAnalyzer(rt.cfg.Drift.Rules)

			resources, err := rt.manager.List(ctx, state.ResourceFilter{})
			if err != nil {
				return err
			}

			findings := make([]state.DriftDetection, 0)
			skipped := 0
			for _, r := range resources {
				observed, derr := disc.Discover(ctx, r)
				if derr != nil {
					log.Warn().Err(derr).Str("resource_id", r.ID).Msg("discovery failed, resource skipped")
					skipped++
					continue
				}
				findings = append(findings, analyzer.Analyze(r, observed)...)
			}

			if jsonOutput {
				if err := printJSON(findings); err != nil {
					return err
				}
			} else {
				for _, f := range findings {
					fmt.Printf("%-8s %-18s %-28s %s\n",
						strings.ToUpper(string(f.Severity)), f.DriftType, f.ResourceID, f.Description)
				}
				fmt.Printf("%d findings across %d resources (%d skipped)\n",
					len(findings), len(resources), skipped)
			}

			if failOnDrift && len(findings) > 0 {
				return fmt.Errorf("drift detected: %d findings", len(findings))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&manifests, "manifest", "m", nil, "CUE manifest standing in for the observed world (repeatable)")
	cmd.Flags().StringVar(&sshHost, "ssh-host", "", "host to probe over SSH")
	cmd.Flags().StringVar(&sshUser, "ssh-user", "", "SSH user")
	cmd.Flags().IntVar(&sshPort, "ssh-port", 22, "SSH port")
	cmd.Flags().StringVar(&sshKey, "ssh-key", "", "private key path")
	cmd.Flags().BoolVar(&sshInsecure, "ssh-insecure", false, "skip host key verification")
	cmd.Flags().BoolVar(&failOnDrift, "fail-on-drift", false, "exit non-zero when findings exist")

	return cmd
}

// buildScanDiscoverer picks the observed source for a one-shot scan:
// manifest, explicit SSH target, or the configured discoverer.
func buildScanDiscoverer(ctx context.Context, cfg *config.Config, manifests []string, ssh discovery.SSHOptions) (state.Discoverer, func(), error) {
	noop := func() {}

	if len(manifests) > 0 {
		parser := config.NewCUEParser()
		declared, err := parser.Evaluate(ctx, manifests)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to evaluate manifest: %w", err)
		}
		return discovery.NewStaticDiscovererFromResources(declared), noop, nil
	}

	if ssh.Host == "" && cfg.Discovery.Type == "ssh" {
		ssh = cfg.Discovery.SSH.Options()
	}
	if ssh.Host != "" {
		disc, err := discovery.NewSSHDiscoverer(ssh, log.With().Str("component", "discovery").Logger())
		if err != nil {
			return nil, noop, fmt.Errorf("failed to build ssh discoverer: %w", err)
		}
		closer := func() {
			if err := disc.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close ssh discoverer")
			}
		}
		return disc, closer, nil
	}

	return nil, noop, fmt.Errorf("no observed source: pass --manifest or --ssh-host, or configure discovery")
}
