package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func (r *runner) counterCommand() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "counter",
		Short: "Inspect or heal the daily invoice counter",
	}
	cmd.PersistentFlags().StringVar(&day, "day", "", "day key YYYYMMDD (defaults to today in the billing time zone)")

	dayKey := func() string {
		if day != "" {
			return day
		}
		return r.deps.Counters.Today()
	}

	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Compare the counter with the highest persisted invoice number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if r.deps.Counters == nil {
				return ErrNotConfigured
			}
			state, err := r.deps.Counters.Inspect(cmd.Context(), dayKey())
			if err != nil {
				return err
			}
			return r.print(cmd.OutOrStdout(), state, func(w io.Writer) { printState(w, state) })
		},
	}
	heal := &cobra.Command{
		Use:   "heal",
		Short: "Advance a lagging counter to the highest persisted invoice number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if r.deps.Counters == nil {
				return ErrNotConfigured
			}
			key := dayKey()
			before, err := r.deps.Counters.Inspect(cmd.Context(), key)
			if err != nil {
				return err
			}
			after, err := r.deps.Counters.Heal(cmd.Context(), key)
			if err != nil {
				return err
			}
			return r.print(cmd.OutOrStdout(), after, func(w io.Writer) {
				if before.Counter == after.Counter {
					fmt.Fprintln(w, "counter already current")
				} else {
					fmt.Fprintf(w, "counter advanced from %d\n", before.Counter)
				}
				printState(w, after)
			})
		},
	}
	cmd.AddCommand(inspect, heal)
	return cmd
}
