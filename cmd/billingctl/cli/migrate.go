package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/forwardly/forwardly/internal/platform/db"
	"github.com/forwardly/forwardly/migrations"
)

func (r *runner) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if r.deps.Migrator == nil {
				return ErrNotConfigured
			}
			applied, err := r.deps.Migrator.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			return r.print(cmd.OutOrStdout(), map[string]any{"applied": applied}, func(w io.Writer) {
				if len(applied) == 0 {
					fmt.Fprintln(w, "schema up to date")
					return
				}
				for _, name := range applied {
					fmt.Fprintf(w, "applied %s\n", name)
				}
			})
		},
	}
}

// PGMigrator applies embedded migrations, one transaction per file, and
// records them in billing_schema_migrations.
type PGMigrator struct {
	Pool *pgxpool.Pool
}

// Migrate applies files not yet recorded.
func (m PGMigrator) Migrate(ctx context.Context) ([]string, error) {
	if m.Pool == nil {
		return nil, ErrNotConfigured
	}
	if _, err := m.Pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS billing_schema_migrations (
    name       TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return nil, fmt.Errorf("billingctl: prepare migrations table: %w", err)
	}
	all, err := migrations.All()
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, mig := range all {
		done := false
		err := db.WithTx(ctx, m.Pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `INSERT INTO billing_schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, mig.Name)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				done = true
				return nil
			}
			_, err = tx.Exec(ctx, mig.SQL)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("billingctl: migrate %s: %w", mig.Name, err)
		}
		if !done {
			applied = append(applied, mig.Name)
		}
	}
	return applied, nil
}
