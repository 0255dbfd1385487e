package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

var tempCmd = &cobra.Command{
	Use:   "temp",
	Short: "Issue and redeem temporary master passwords",
}

var tempIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a temporary master password",
	Long: `Issues a time-limited token that lets users load the master password
without knowing it. Any earlier temporary password is replaced. Recipients
given with --notify are mailed the token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := loginCredentials(cmd)
		if err != nil {
			return err
		}
		master := secretValue(cmd, "master", envMasterPassword)
		ttl, _ := cmd.Flags().GetDuration("ttl")
		notify, _ := cmd.Flags().GetStringSlice("notify")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			w := cmd.OutOrStdout()
			if !cmd.Flags().Changed("ttl") {
				ttl = a.cfg.TempMaster.TTL
			}
			sc, _, err := openSession(ctx, a, creds, master)
			if err != nil {
				return err
			}
			defer a.vault.Destroy(ctx, sc)

			tok, err := a.service.IssueTemporaryMasterPassword(ctx, sc, ttl, notify...)
			if err != nil {
				printFailure(w, "temporary master password not issued")
				return err
			}
			printSuccess(w, "temporary master password issued, valid for %s", ttl)
			if len(notify) > 0 {
				printInfo(w, "sent to %d recipients", len(notify))
			}
			printInfo(w, "token: %s", tok.String())
			return nil
		})
	},
}

var tempRedeemCmd = &cobra.Command{
	Use:   "redeem",
	Short: "Store the master password for a user from a temporary token",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := loginCredentials(cmd)
		if err != nil {
			return err
		}
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			return errors.New("--token is required")
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			w := cmd.OutOrStdout()
			sc, err := a.service.UpdateMasterPasswordOnLogin(ctx, []byte(token), creds, newSessionContext())
			if err != nil {
				printFailure(w, "token not accepted")
				return err
			}
			defer a.vault.Destroy(ctx, sc)
			printSuccess(w, "master password stored for %s", creds.Login)
			return nil
		})
	},
}

func init() {
	addLoginFlags(tempIssueCmd)
	tempIssueCmd.Flags().Duration("ttl", 0, "validity of the token (default from config)")
	tempIssueCmd.Flags().StringSlice("notify", nil, "email addresses to send the token to")

	tempRedeemCmd.Flags().String("login", "", "login name")
	tempRedeemCmd.Flags().String("password", "", "login password (or "+envLoginPassword+")")
	tempRedeemCmd.Flags().String("token", "", "temporary master password token")
	_ = tempRedeemCmd.MarkFlagRequired("login")

	tempCmd.AddCommand(tempIssueCmd, tempRedeemCmd)
	rootCmd.AddCommand(tempCmd)
}
