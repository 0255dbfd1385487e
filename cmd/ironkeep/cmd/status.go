package cmd

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironkeep/masterkey"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the master password state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			st, err := a.service.Status(ctx)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), a.cfg.Storage.Backend, st)
			return nil
		})
	},
}

func printStatus(w io.Writer, backend string, st *masterkey.Status) {
	printInfo(w, "backend: %s", backend)
	if !st.Provisioned {
		printWarning(w, "master password not provisioned")
		return
	}
	printSuccess(w, "provisioned, epoch %d, last changed %s", st.Epoch, st.LastUpdated.Format(time.RFC3339))
	if st.TemporaryActive {
		printWarning(w, "temporary master password active until %s", st.TemporaryExpireAt.Format(time.RFC3339))
	}
	if st.RotationInProgress {
		printWarning(w, "rotation in progress")
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
