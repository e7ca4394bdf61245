package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/statecraft/statecraft/pkg/state"
)

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the state event journal",
		Long: `Query the append-only event journal. Every mutation the store commits
is recorded here with a per-resource sequence number, so a resource's
history reads as an unbroken 1..n chain.`,
	}

	cmd.AddCommand(newEventsListCommand())

	return cmd
}

func newEventsListCommand() *cobra.Command {
	var (
		resourceID string
		types      []string
		since      time.Duration
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journaled events",
		Long: `List events from the journal, oldest first. Filters compose: a
resource ID restricts to one history, --type restricts to event kinds
(created, updated, deleted, state_changed, drift_detected,
conflict_resolved, snapshot_created, snapshot_restored), and --since
restricts by age.`,
		Example: `  # Full history of one resource
  statecraft events list --resource web-01

  # Recent drift findings across the store
  statecraft events list --type drift_detected --since 24h

  # Machine-readable
  statecraft events list --resource web-01 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			filter := state.EventFilter{
				ResourceID: resourceID,
				Limit:      limit,
			}
			for _, t := range types {
				filter.Types = append(filter.Types, state.EventType(t))
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			events, err := rt.manager.Events(ctx, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(events)
			}

			for _, ev := range events {
				fmt.Printf("%s  seq=%-5d %-18s %s\n",
					ev.Timestamp.Format(time.RFC3339), ev.SequenceNumber, ev.Type, ev.ResourceID)
			}
			fmt.Printf("%d events\n", len(events))
			return nil
		},
	}

	cmd.Flags().StringVarP(&resourceID, "resource", "r", "", "restrict to one resource's history")
	cmd.Flags().StringSliceVar(&types, "type", nil, "filter by event type (repeatable)")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this age (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of events returned")

	return cmd
}
