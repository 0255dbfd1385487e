package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironkeep/secrets"
)

const envAccountSecret = "IRONKEEP_ACCOUNT_SECRET"

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Store and read account passwords",
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Store an account password",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := loginCredentials(cmd)
		if err != nil {
			return err
		}
		master := secretValue(cmd, "master", envMasterPassword)
		secret := secretValue(cmd, "secret", envAccountSecret)
		if secret == "" {
			return fmt.Errorf("account secret required: use --secret or %s", envAccountSecret)
		}
		name, _ := cmd.Flags().GetString("name")
		accountLogin, _ := cmd.Flags().GetString("account-login")
		url, _ := cmd.Flags().GetString("url")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			sc, _, err := openSession(ctx, a, creds, master)
			if err != nil {
				return err
			}
			defer a.vault.Destroy(ctx, sc)
			kr, err := a.service.Keyring(ctx, sc)
			if err != nil {
				return err
			}
			u, err := a.users.GetByLogin(ctx, creds.Login)
			if err != nil {
				return err
			}
			acct := &secrets.Account{UserID: u.ID, Name: name, Login: accountLogin, URL: url}
			if err := a.accounts.Create(ctx, kr, acct, []byte(secret)); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "stored account %s (%s)", acct.Name, acct.ID)
			return nil
		})
	},
}

var accountGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print an account password",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := loginCredentials(cmd)
		if err != nil {
			return err
		}
		master := secretValue(cmd, "master", envMasterPassword)
		id, _ := cmd.Flags().GetString("id")
		if id == "" {
			return errors.New("--id is required")
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			sc, _, err := openSession(ctx, a, creds, master)
			if err != nil {
				return err
			}
			defer a.vault.Destroy(ctx, sc)
			kr, err := a.service.Keyring(ctx, sc)
			if err != nil {
				return err
			}
			pw, err := a.accounts.GetPasswordForID(ctx, kr, id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(pw))
			return nil
		})
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts without decrypting them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			list, err := a.accounts.List(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(list) == 0 {
				printInfo(w, "no accounts")
			}
			for _, acct := range list {
				fmt.Fprintf(w, "%s  %-20s %s\n", acct.ID, acct.Name, acct.URL)
			}
			return nil
		})
	},
}

func init() {
	addLoginFlags(accountAddCmd)
	accountAddCmd.Flags().String("name", "", "account name")
	accountAddCmd.Flags().String("account-login", "", "login name stored with the account")
	accountAddCmd.Flags().String("url", "", "account URL")
	accountAddCmd.Flags().String("secret", "", "account password (or "+envAccountSecret+")")

	addLoginFlags(accountGetCmd)
	accountGetCmd.Flags().String("id", "", "account ID")

	accountCmd.AddCommand(accountAddCmd, accountGetCmd, accountListCmd)
	rootCmd.AddCommand(accountCmd)
}
