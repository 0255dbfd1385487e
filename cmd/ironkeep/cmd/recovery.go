package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Reset a forgotten login password",
}

var recoveryRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Send a recovery token to a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		login, _ := cmd.Flags().GetString("login")
		show, _ := cmd.Flags().GetBool("show-token")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			w := cmd.OutOrStdout()
			u, err := a.users.GetByLogin(ctx, login)
			if err != nil {
				return err
			}
			tok, err := a.service.RequestRecovery(ctx, u.ID)
			if err != nil {
				printFailure(w, "recovery not requested")
				return err
			}
			printSuccess(w, "recovery token sent to %s", u.Login)
			if show {
				printInfo(w, "token: %s", tok.String())
			}
			return nil
		})
	},
}

var recoveryCompleteCmd = &cobra.Command{
	Use:   "complete",
	Short: "Set a new login password with a recovery token",
	Long: `Consumes a recovery token and sets a new login password. The user's
stored master password copy stays sealed under the old login password, so
their next login asks for the master password or the old login password.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		password := secretValue(cmd, "new-password", envLoginPassword)
		if token == "" || password == "" {
			return errors.New("--token and --new-password are required")
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			w := cmd.OutOrStdout()
			if err := a.service.CompleteRecovery(ctx, token, password); err != nil {
				printFailure(w, "recovery failed")
				return err
			}
			printSuccess(w, "login password reset")
			printWarning(w, "the next login needs the master password or the previous login password")
			return nil
		})
	},
}

func init() {
	recoveryRequestCmd.Flags().String("login", "", "login name of the user")
	recoveryRequestCmd.Flags().Bool("show-token", false, "also print the token")
	_ = recoveryRequestCmd.MarkFlagRequired("login")

	recoveryCompleteCmd.Flags().String("token", "", "recovery token")
	recoveryCompleteCmd.Flags().String("new-password", "", "new login password (or "+envLoginPassword+")")

	recoveryCmd.AddCommand(recoveryRequestCmd, recoveryCompleteCmd)
	rootCmd.AddCommand(recoveryCmd)
}
