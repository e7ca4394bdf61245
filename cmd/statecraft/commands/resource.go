package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/statecraft/statecraft/pkg/state"
)

func newResourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Inspect and mutate tracked resources",
		Long: `Work with individual tracked resources.

Resources are exchanged as JSON documents matching the stored shape:
id, type, name, state, properties, metadata, tags, parent_id. Server
side fields (version, checksum, shard_key, timestamps) are assigned by
the store and ignored on input.`,
	}

	cmd.AddCommand(newResourceGetCommand())
	cmd.AddCommand(newResourceListCommand())
	cmd.AddCommand(newResourceRegisterCommand())
	cmd.AddCommand(newResourceDeleteCommand())

	return cmd
}

func newResourceGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "get <id>",
		Short:   "Show one resource as JSON",
		Example: `  statecraft resource get web-01`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			r, err := rt.manager.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(r)
		},
	}

	return cmd
}

func newResourceListCommand() *cobra.Command {
	var (
		resourceType  string
		resourceState string
		shard         string
		tagFilters    []string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked resources",
		Long: `List tracked resources, optionally filtered by type, lifecycle
state, shard, and exact tag matches. All given filters must match.`,
		Example: `  # Everything the store tracks
  statecraft resource list

  # Active servers owned by the platform team
  statecraft resource list --type server --state active --tag owner=platform

  # Machine-readable
  statecraft resource list --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tags, err := parseTagFilters(tagFilters)
			if err != nil {
				return err
			}

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			resources, err := rt.manager.List(ctx, state.ResourceFilter{
				Type:     state.ResourceType(resourceType),
				State:    state.ResourceState(resourceState),
				ShardKey: shard,
				Tags:     tags,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(resources)
			}

			for _, r := range resources {
				fmt.Printf("%-28s %-14s %-12s v%-4d %s\n", r.ID, r.Type, r.State, r.Version, r.Name)
			}
			fmt.Printf("%d resources\n", len(resources))
			return nil
		},
	}

	cmd.Flags().StringVarP(&resourceType, "type", "t", "", "filter by resource type")
	cmd.Flags().StringVarP(&resourceState, "state", "s", "", "filter by lifecycle state")
	cmd.Flags().StringVar(&shard, "shard", "", "filter by shard key")
	cmd.Flags().StringSliceVar(&tagFilters, "tag", nil, "filter by tag (key=value, repeatable)")

	return cmd
}

func newResourceRegisterCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new resource from a JSON document",
		Long: `Register a resource the store does not yet track. The document is a
JSON object; the store assigns version 1, the shard key, and the
content checksum. Registering an existing ID is an error - use apply
for declarative upserts.`,
		Example: `  # From a file
  statecraft resource register -f web-01.json

  # From stdin
  echo '{"id":"web-01","type":"server","name":"web-01.fra"}' | statecraft resource register`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			data, err := readInput(file)
			if err != nil {
				return fmt.Errorf("failed to read resource document: %w", err)
			}
			var r state.Resource
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("failed to decode resource document: %w", err)
			}

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			stored, err := rt.manager.Register(ctx, &r)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(stored)
			}
			fmt.Printf("registered %s version=%d checksum=%s\n", stored.ID, stored.Version, stored.Checksum)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", `resource document (JSON), "-" for stdin`)

	return cmd
}

func newResourceDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a tracked resource",
		Long: `Remove a resource from the store. The deletion is journaled, so the
resource's event history survives it.`,
		Example: `  statecraft resource delete web-01`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.manager.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}

	return cmd
}

// parseTagFilters turns key=value pairs into a tag filter map.
func parseTagFilters(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid tag filter %q, expected key=value", pair)
		}
		tags[key] = value
	}
	return tags, nil
}
