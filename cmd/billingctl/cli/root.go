// Package cli implements the billingctl operator commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/forwardly/forwardly/internal/billing/sequence"
	"github.com/forwardly/forwardly/internal/owners"
	"github.com/forwardly/forwardly/jobs"
)

// Counters inspects and heals the daily invoice counters.
type Counters interface {
	Today() string
	Inspect(ctx context.Context, dayKey string) (sequence.CounterState, error)
	Heal(ctx context.Context, dayKey string) (sequence.CounterState, error)
}

// SweepQueue enqueues pending sweeps.
type SweepQueue interface {
	EnqueueSweep(ctx context.Context, payload jobs.SweepPayload) (*asynq.TaskInfo, error)
}

// Migrator applies the embedded schema.
type Migrator interface {
	Migrate(ctx context.Context) ([]string, error)
}

// Deps are the backends a command may need. Nil members make the commands
// that need them fail with ErrNotConfigured.
type Deps struct {
	Counters  Counters
	Queue     SweepQueue
	Inspector jobs.QueueInspector
	Migrator  Migrator
	Owners    owners.Book
}

// Loader connects the backends lazily, so --help works without a database.
// The returned func releases them.
type Loader func(ctx context.Context) (Deps, func(), error)

// ErrNotConfigured is returned when a command's backend is missing.
var ErrNotConfigured = errors.New("billingctl: backend not configured")

type runner struct {
	load    Loader
	asJSON  bool
	deps    Deps
	release func()
}

// NewRootCommand builds the billingctl command tree.
func NewRootCommand(load Loader) *cobra.Command {
	r := &runner{load: load}
	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate the Forwardly billing ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if r.load == nil {
				return ErrNotConfigured
			}
			deps, release, err := r.load(cmd.Context())
			if err != nil {
				return err
			}
			r.deps, r.release = deps, release
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if r.release != nil {
				r.release()
			}
		},
	}
	root.PersistentFlags().BoolVar(&r.asJSON, "json", false, "print machine-readable JSON")
	root.AddCommand(r.counterCommand(), r.sweepCommand(), r.queueCommand(), r.migrateCommand(), r.ownerCommand())
	return root
}

func (r *runner) print(out io.Writer, v any, text func(io.Writer)) error {
	if r.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(out)
	return nil
}

func printState(w io.Writer, state sequence.CounterState) {
	verdict := "ok"
	if state.Behind() {
		verdict = "behind"
	}
	fmt.Fprintf(w, "day %s: counter=%d max_used=%d (%s)\n", state.DayKey, state.Counter, state.MaxUsed, verdict)
}
