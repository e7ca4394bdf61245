package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/statecraft/statecraft/pkg/config"
	"github.com/statecraft/statecraft/pkg/state"
)

// applyResult is the per-resource outcome of an apply run.
type applyResult struct {
	ID       string `json:"id"`
	Action   string `json:"action"`
	Version  int64  `json:"version,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	Error    string `json:"error,omitempty"`
}

func newApplyCommand() *cobra.Command {
	var files []string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply CUE manifests to the store",
		Long: `Register or update the resources declared in CUE manifests.

Declared resources are evaluated, validated, and written through the
state manager: new IDs are registered, existing IDs get their declared
properties merged in, and a declared lifecycle state different from
the stored one is transitioned when the lifecycle permits it. Each
write journals its event; the version only moves when the content
checksum actually changes, so re-applying an unchanged manifest is a
no-op.

Resources that fail to apply are reported and skipped; the rest of the
manifest still goes through.`,
		Example: `  # Apply a manifest
  statecraft apply -f manifest.cue

  # Apply a base file composed with a production overlay
  statecraft apply -f base.cue -f prod.cue

  # Machine-readable outcome per resource
  statecraft apply -f manifest.cue --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			parser := config.NewCUEParser()
			declared, err := parser.Evaluate(ctx, files)
			if err != nil {
				return err
			}

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			results := make([]applyResult, 0, len(declared))
			counts := map[string]int{}
			for _, d := range declared {
				stored, action, err := applyResource(ctx, rt.manager, d)
				if err != nil {
					log.Error().Err(err).Str("resource_id", d.ID).Msg("failed to apply resource")
					results = append(results, applyResult{ID: d.ID, Action: "failed", Error: err.Error()})
					counts["failed"]++
					continue
				}
				results = append(results, applyResult{
					ID:       stored.ID,
					Action:   action,
					Version:  stored.Version,
					Checksum: stored.Checksum,
				})
				counts[action]++
			}

			if jsonOutput {
				if err := printJSON(results); err != nil {
					return err
				}
			} else {
				for _, res := range results {
					if res.Error != "" {
						fmt.Printf("%-10s %s: %s\n", res.Action, res.ID, res.Error)
						continue
					}
					fmt.Printf("%-10s %s version=%d\n", res.Action, res.ID, res.Version)
				}
				fmt.Printf("applied %d resources: %d registered, %d updated, %d unchanged, %d failed\n",
					len(declared), counts["registered"], counts["updated"], counts["unchanged"], counts["failed"])
			}

			if counts["failed"] > 0 {
				return fmt.Errorf("%d of %d resources failed to apply", counts["failed"], len(declared))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "manifest file or directory (repeatable)")
	cmd.MarkFlagRequired("file")

	return cmd
}

// applyResource writes one declared resource through the manager and
// reports what happened: registered, updated, or unchanged.
func applyResource(ctx context.Context, mgr *state.Manager, declared *state.Resource) (*state.Resource, string, error) {
	current, err := mgr.Get(ctx, declared.ID)
	if state.IsNotFound(err) {
		stored, rerr := mgr.Register(ctx, declared)
		if rerr != nil {
			return nil, "", rerr
		}
		return stored, "registered", nil
	}
	if err != nil {
		return nil, "", err
	}

	stored, err := mgr.Update(ctx, declared.ID, declared.Properties)
	if err != nil {
		return nil, "", err
	}
	action := "updated"
	if stored.Version == current.Version {
		action = "unchanged"
	}

	if declared.State != "" && declared.State != stored.State {
		stored, err = mgr.Transition(ctx, declared.ID, declared.State)
		if err != nil {
			return nil, "", err
		}
		action = "updated"
	}
	return stored, action, nil
}
