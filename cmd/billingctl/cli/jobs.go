package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/forwardly/forwardly/jobs"
)

func (r *runner) sweepCommand() *cobra.Command {
	var (
		age   time.Duration
		limit int
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Queue a pending-entry sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if r.deps.Queue == nil {
				return ErrNotConfigured
			}
			if age < 0 || limit < 0 {
				return fmt.Errorf("billingctl: --age and --limit must not be negative")
			}
			info, err := r.deps.Queue.EnqueueSweep(cmd.Context(), jobs.SweepPayload{
				AgeSeconds: int(age / time.Second),
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			out := map[string]string{"task_id": info.ID, "queue": info.Queue}
			return r.print(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "queued %s on %s\n", info.ID, info.Queue)
			})
		},
	}
	cmd.Flags().DurationVar(&age, "age", 0, "only entries pending longer than this (worker default when zero)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries to check (worker default when zero)")
	return cmd
}

func (r *runner) queueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show billing and default queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if r.deps.Inspector == nil {
				return ErrNotConfigured
			}
			stats, err := jobs.QueueStats(r.deps.Inspector)
			if err != nil {
				return err
			}
			return r.print(cmd.OutOrStdout(), stats, func(w io.Writer) {
				for _, s := range stats {
					if s.Error != "" {
						fmt.Fprintf(w, "%-8s unavailable: %s\n", s.Queue, s.Error)
						continue
					}
					fmt.Fprintf(w, "%-8s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
						s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
				}
			})
		},
	}
}
