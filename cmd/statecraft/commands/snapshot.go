package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create, list, and restore state snapshots",
		Long: `Snapshots capture the full resource state at a point in time, with a
checksum over the contained resources that is independent of ordering.
Restoring replaces current state with the snapshot's contents.`,
	}

	cmd.AddCommand(newSnapshotCreateCommand())
	cmd.AddCommand(newSnapshotListCommand())
	cmd.AddCommand(newSnapshotRestoreCommand())

	return cmd
}

func newSnapshotCreateCommand() *cobra.Command {
	var (
		description string
		shard       string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Snapshot the current state",
		Example: `  # Snapshot everything
  statecraft snapshot create --description "pre-upgrade"

  # Snapshot a single shard
  statecraft snapshot create --shard shard-07`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			snap, err := rt.manager.Snapshot(ctx, description, shard)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(snap)
			}
			fmt.Printf("snapshot %s: %d resources, checksum %s\n", snap.ID, len(snap.Resources), snap.Checksum)
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "operator-supplied label")
	cmd.Flags().StringVar(&shard, "shard", "", "restrict the snapshot to one shard")

	return cmd
}

func newSnapshotListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			snaps, err := rt.manager.ListSnapshots(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(snaps)
			}

			for _, s := range snaps {
				fmt.Printf("%-38s %-22s %5d  %s\n",
					s.ID, s.Timestamp.Format(time.RFC3339), len(s.Resources), s.Description)
			}
			fmt.Printf("%d snapshots\n", len(snaps))
			return nil
		},
	}

	return cmd
}

func newSnapshotRestoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Restore state from a snapshot",
		Long: `Replace current resource state with a snapshot's contents. Resources
registered after the snapshot are removed, changed ones revert, and
every restored resource keeps the exact checksum it had when the
snapshot was taken. The restore is journaled per resource.`,
		Example: `  statecraft snapshot restore 3d1f8c9a-5b2e-4f7d-9c1b-8a6e4d2f0b35`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			count, err := rt.manager.Restore(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("restored %d resources from snapshot %s\n", count, args[0])
			return nil
		},
	}

	return cmd
}
