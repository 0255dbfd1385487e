package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironkeep/masterkey"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Check that a user's master password copy loads",
	Long: `Logs the user in and reports whether their stored copy of the master
password is usable. With --master, a missing or stale copy is replaced.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := loginCredentials(cmd)
		if err != nil {
			return err
		}
		master := secretValue(cmd, "master", envMasterPassword)
		return withApp(cmd, func(ctx context.Context, a *app) error {
			w := cmd.OutOrStdout()
			_, res, err := openSession(ctx, a, creds, master)
			if err != nil {
				printFailure(w, "login failed")
				return err
			}
			if res == masterkey.LoadOK {
				printSuccess(w, "master password loaded")
			} else {
				printSuccess(w, "master password copy updated (was %s)", res)
			}
			return nil
		})
	},
}

func init() {
	addLoginFlags(loginCmd)
	rootCmd.AddCommand(loginCmd)
}
