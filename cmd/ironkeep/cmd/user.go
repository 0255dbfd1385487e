package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironkeep/users"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		login, _ := cmd.Flags().GetString("login")
		name, _ := cmd.Flags().GetString("name")
		email, _ := cmd.Flags().GetString("email")
		admin, _ := cmd.Flags().GetBool("admin")
		password := secretValue(cmd, "password", envLoginPassword)
		return withApp(cmd, func(ctx context.Context, a *app) error {
			u, err := a.users.Create(ctx, login, name, email, password, admin)
			if err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "created user %s (%s)", u.Login, u.ID)
			return nil
		})
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			list, err := a.users.List(ctx)
			if err != nil {
				return err
			}
			printUsers(cmd.OutOrStdout(), list)
			return nil
		})
	},
}

func printUsers(w io.Writer, list []*users.User) {
	if len(list) == 0 {
		printInfo(w, "no users")
		return
	}
	for _, u := range list {
		flags := ""
		if u.IsAdmin {
			flags += color.CyanString(" admin")
		}
		if u.IsChangedPass {
			flags += color.YellowString(" password-reset")
		}
		if u.MasterPass == nil {
			flags += color.YellowString(" no-master-copy")
		}
		fmt.Fprintf(w, "%s  %-20s %s%s\n", u.ID, u.Login, u.Email, flags)
	}
}

func init() {
	userAddCmd.Flags().String("login", "", "login name")
	userAddCmd.Flags().String("name", "", "display name")
	userAddCmd.Flags().String("email", "", "email address for notifications")
	userAddCmd.Flags().String("password", "", "login password (or "+envLoginPassword+")")
	userAddCmd.Flags().Bool("admin", false, "grant administrator rights")
	_ = userAddCmd.MarkFlagRequired("login")

	userCmd.AddCommand(userAddCmd, userListCmd)
	rootCmd.AddCommand(userCmd)
}
