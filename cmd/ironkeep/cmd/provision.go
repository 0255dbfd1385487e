package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Set the first master password",
	Long: `Creates the master password record. The caller must be an administrator.
Their login receives a copy of the master password so later logins load it
automatically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := loginCredentials(cmd)
		if err != nil {
			return err
		}
		master := secretValue(cmd, "master", envMasterPassword)
		if master == "" {
			return fmt.Errorf("%w: use --master or %s", errMasterPasswordRequired, envMasterPassword)
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.service.Provision(ctx, []byte(master), &creds); err != nil {
				printFailure(cmd.OutOrStdout(), "provisioning failed")
				return err
			}
			printSuccess(cmd.OutOrStdout(), "master password provisioned")
			return nil
		})
	},
}

func init() {
	addLoginFlags(provisionCmd)
	rootCmd.AddCommand(provisionCmd)
}
