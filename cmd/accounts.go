package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	relay "github.com/bjoelf/trade-relay/adapter"
)

func newAccountsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List the account names advertised to the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := relay.LoadConfig(opts.loadOptions())
			if err != nil {
				return fmt.Errorf("%s: %w", relay.StatusForError(err), err)
			}
			for _, name := range cfg.Accounts.Names() {
				acc, _ := cfg.Accounts.Lookup(name)
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, acc.Address); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
