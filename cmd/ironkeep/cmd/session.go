package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironkeep/internal/uuid"
	"github.com/jmcleod/ironkeep/masterkey"
	"github.com/jmcleod/ironkeep/sessionvault"
)

var errMasterPasswordRequired = errors.New("master password required")

// Secrets may come from flags or from the environment. The environment is
// preferred in scripts since flags show up in process listings.
const (
	envLoginPassword  = "IRONKEEP_LOGIN_PASSWORD"
	envMasterPassword = "IRONKEEP_MASTER_PASSWORD"
	envNewMaster      = "IRONKEEP_NEW_MASTER_PASSWORD"
)

func secretValue(cmd *cobra.Command, flag, env string) string {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v
	}
	return os.Getenv(env)
}

func addLoginFlags(cmd *cobra.Command) {
	cmd.Flags().String("login", "", "login name")
	cmd.Flags().String("password", "", "login password (or "+envLoginPassword+")")
	cmd.Flags().String("master", "", "master password, when the stored copy cannot be used (or "+envMasterPassword+")")
	_ = cmd.MarkFlagRequired("login")
}

func loginCredentials(cmd *cobra.Command) (masterkey.LoginCredentials, error) {
	login, _ := cmd.Flags().GetString("login")
	creds := masterkey.LoginCredentials{
		Login:    strings.TrimSpace(login),
		Password: secretValue(cmd, "password", envLoginPassword),
	}
	if creds.Password == "" {
		return creds, fmt.Errorf("login password required: use --password or %s", envLoginPassword)
	}
	return creds, nil
}

func newSessionContext() sessionvault.SessionContext {
	return sessionvault.SessionContext{ID: uuid.New(), StartedAt: time.Now()}
}

// openSession logs creds in and makes sure the session vault holds the
// master password. master is used only when the stored copy is missing,
// stale or sealed under an earlier login password.
func openSession(ctx context.Context, a *app, creds masterkey.LoginCredentials, master string) (sessionvault.SessionContext, masterkey.LoadResult, error) {
	return loadSession(ctx, a, newSessionContext(), creds, master)
}

// loadSession fills sc and returns the context to use from then on. Entering
// the master password re-keys the session, and so does a stored copy older
// than the re-key interval.
func loadSession(ctx context.Context, a *app, sc sessionvault.SessionContext, creds masterkey.LoginCredentials, master string) (sessionvault.SessionContext, masterkey.LoadResult, error) {
	res, err := a.service.LoadOnLogin(ctx, creds, sc)
	if err != nil {
		return sc, res, err
	}
	if res == masterkey.LoadOK {
		next, _, err := a.vault.ReKeyIfDue(ctx, sc)
		return next, res, err
	}
	if master == "" {
		return sc, res, fmt.Errorf("%w (%s)", errMasterPasswordRequired, res)
	}
	if res == masterkey.LoadNeedOldPassword {
		sc, err = a.service.UpdateMasterPasswordFromOldPassword(ctx, []byte(master), creds, sc)
	} else {
		sc, err = a.service.UpdateMasterPasswordOnLogin(ctx, []byte(master), creds, sc)
	}
	return sc, res, err
}
