package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/forwardly/forwardly/internal/billing/ledger"
	"github.com/forwardly/forwardly/internal/owners"
)

func (r *runner) ownerCommand() *cobra.Command {
	var kind, id string
	cmd := &cobra.Command{
		Use:   "owner",
		Short: "Manage the contact directory used for billing mail",
	}
	cmd.PersistentFlags().StringVar(&kind, "kind", "user", "owner kind (user or account)")
	cmd.PersistentFlags().StringVar(&id, "id", "", "owner id")

	get := &cobra.Command{
		Use:   "get",
		Short: "Show the contact of an owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if r.deps.Owners == nil {
				return ErrNotConfigured
			}
			c, err := r.deps.Owners.Lookup(cmd.Context(), ledger.OwnerRef{Kind: kind, ID: id})
			if err != nil {
				return err
			}
			return r.print(cmd.OutOrStdout(), c, func(w io.Writer) { printContact(w, c) })
		},
	}

	var email, name string
	set := &cobra.Command{
		Use:   "set",
		Short: "Create or replace the contact of an owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if r.deps.Owners == nil {
				return ErrNotConfigured
			}
			c := owners.Contact{Kind: kind, ID: id, Email: email, Name: name}
			if err := r.deps.Owners.Upsert(cmd.Context(), c); err != nil {
				return err
			}
			return r.print(cmd.OutOrStdout(), c, func(w io.Writer) { printContact(w, c) })
		},
	}
	set.Flags().StringVar(&email, "email", "", "billing e-mail address")
	set.Flags().StringVar(&name, "name", "", "display name")

	cmd.AddCommand(get, set)
	return cmd
}

func printContact(w io.Writer, c owners.Contact) {
	fmt.Fprintf(w, "%s:%s <%s> %s\n", c.Kind, c.ID, c.Email, c.Name)
}
