package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/statecraft/statecraft/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var files []string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate CUE manifests",
		Long: `Parse and validate CUE resource manifests without applying them.

All sources unify into a single manifest before validation, so a base
file plus an environment overlay are checked as the composed result.
Every problem in the manifest is reported, not just the first one.`,
		Example: `  # Validate a single manifest
  statecraft validate -f manifest.cue

  # Validate a base file composed with a production overlay
  statecraft validate -f base.cue -f prod.cue

  # Validate every manifest in a directory
  statecraft validate -f manifests/

  # Machine-readable report
  statecraft validate -f manifest.cue --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			parser := config.NewCUEParser()
			parsed, err := parser.Parse(cmd.Context(), files)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(parsed); err != nil {
					return err
				}
			} else if len(parsed.Errors) > 0 {
				for _, verr := range parsed.Errors {
					fmt.Println(verr.String())
				}
			} else {
				if parsed.Manifest.Name != "" {
					fmt.Printf("manifest %q is valid (%d resources)\n", parsed.Manifest.Name, len(parsed.Resources))
				} else {
					fmt.Printf("manifest is valid (%d resources)\n", len(parsed.Resources))
				}
				for _, r := range parsed.Resources {
					fmt.Printf("  %-14s %s\n", r.Type, r.ID)
				}
			}

			if len(parsed.Errors) > 0 {
				return fmt.Errorf("manifest has %d validation errors", len(parsed.Errors))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "manifest file or directory (repeatable)")
	cmd.MarkFlagRequired("file")

	return cmd
}
