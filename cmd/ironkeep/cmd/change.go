package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironkeep/rekey"
)

var changeCmd = &cobra.Command{
	Use:   "change-master",
	Short: "Change the master password and re-encrypt every secret",
	Long: `Rotates the master password. Every secret-bearing row is re-wrapped under
the new key in a single transaction; on any failure nothing changes. The
caller must be an administrator. Other users are asked for the new master
password on their next login.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := loginCredentials(cmd)
		if err != nil {
			return err
		}
		master := secretValue(cmd, "master", envMasterPassword)
		newMaster := secretValue(cmd, "new-master", envNewMaster)
		if newMaster == "" {
			return fmt.Errorf("new master password required: use --new-master or %s", envNewMaster)
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			w := cmd.OutOrStdout()
			sc, _, err := openSession(ctx, a, creds, master)
			if err != nil {
				return err
			}
			defer func() { a.vault.Destroy(ctx, sc) }()

			res, next, err := a.service.UpdateMasterPassword(ctx, []byte(newMaster), creds, sc)
			sc = next
			if err != nil {
				if res != nil {
					printRotation(w, res)
				} else {
					printFailure(w, "master password unchanged")
				}
				return err
			}
			printRotation(w, res)
			return nil
		})
	},
}

func printRotation(w io.Writer, res *rekey.Result) {
	printSuccess(w, "master password changed: %d items re-encrypted in %s", res.Total, res.Duration)
	tables := make([]string, 0, len(res.Items))
	for t := range res.Items {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		printInfo(w, "%-16s %d", t, res.Items[t])
	}
}

func init() {
	addLoginFlags(changeCmd)
	changeCmd.Flags().String("new-master", "", "new master password (or "+envNewMaster+")")
	rootCmd.AddCommand(changeCmd)
}
