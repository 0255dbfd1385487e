package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/jmcleod/ironkeep/config"
	"github.com/jmcleod/ironkeep/masterkey"
	"github.com/jmcleod/ironkeep/rekey"
	"github.com/jmcleod/ironkeep/secrets"
	"github.com/jmcleod/ironkeep/sessionvault"
	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/storage/bbolt"
	"github.com/jmcleod/ironkeep/storage/memory"
	"github.com/jmcleod/ironkeep/storage/postgres"
	"github.com/jmcleod/ironkeep/storage/sqlite"
	"github.com/jmcleod/ironkeep/users"
)

const (
	boltFileName   = "ironkeep.db"
	sqliteFileName = "ironkeep.sqlite"
)

// app wires one configured installation.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	repo     storage.Repository
	users    *users.Store
	accounts *secrets.AccountStore
	fields   *secrets.CustomFieldStore
	tokens   *secrets.AuthTokenStore
	vault    *sessionvault.Vault
	service  *masterkey.Service

	closers []func() error
}

// loadConfig reads the config file and applies environment and flag
// overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	overrides := map[string]*string{
		"backend":          &cfg.Storage.Backend,
		"data-dir":         &cfg.Storage.DataDir,
		"dsn":              &cfg.Storage.DSN,
		"epoch-cache-path": &cfg.Storage.EpochCachePath,
		"kdf-profile":      &cfg.KDFProfile,
		"log-level":        &cfg.Log.Level,
	}
	for name, dst := range overrides {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

// openApp opens the configured backend and builds the service graph on it.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	params, err := cfg.KDFParams()
	if err != nil {
		return nil, err
	}
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	epochs, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	a.users = users.NewStore(a.repo, params)
	guard := masterkey.RecordGuard{}
	a.accounts = secrets.NewAccountStore(a.repo, guard)
	a.fields = secrets.NewCustomFieldStore(a.repo, guard)
	a.tokens, err = secrets.NewAuthTokenStore(a.repo, guard, []byte(cfg.Secrets.InstanceSecret), params)
	if err != nil {
		return nil, err
	}

	a.vault, err = sessionvault.New(
		sessionvault.NewMemoryStore(cfg.Session.MaxIdle),
		[]byte(cfg.Secrets.SessionPepper),
		sessionvault.WithEpochSource(masterkey.EpochSource(a.repo)),
		sessionvault.WithReKeyInterval(cfg.Session.ReKeyInterval),
		sessionvault.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	coordinator := rekey.NewCoordinator(a.repo,
		[]rekey.Table{a.accounts, a.accounts.HistoryTable(), a.fields, a.tokens},
		rekey.WithLogger(logger),
		rekey.WithLockTTL(cfg.Rotation.LockTTL),
	)

	a.service, err = masterkey.NewService(a.repo, a.users, a.vault, coordinator,
		masterkey.WithLogger(logger),
		masterkey.WithKDFParams(params),
		masterkey.WithPasswordSalt([]byte(cfg.Secrets.PasswordSalt)),
		masterkey.WithEpochCache(epochs),
		masterkey.WithTempMaxAttempts(cfg.TempMaster.MaxAttempts),
		masterkey.WithRecoveryTTL(cfg.Recovery.TTL),
		masterkey.WithRecoveryLimit(cfg.Recovery.Limit),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// openStorage sets a.repo and returns the epoch cache guarding it.
func (a *app) openStorage(ctx context.Context) (masterkey.EpochCache, error) {
	sc := a.cfg.Storage
	switch sc.Backend {
	case config.BackendMemory:
		a.repo = memory.NewRepository()
		return masterkey.NewMemoryEpochCache(), nil

	case config.BackendPostgres:
		store, err := postgres.NewRepositoryFromDSN(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		a.repo = store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		if sc.EpochCachePath != "" {
			return a.openEpochCache(sc.EpochCachePath)
		}
		cache, err := postgres.NewEpochCache(ctx, store.Pool())
		if err != nil {
			return nil, err
		}
		return cache, nil

	case config.BackendBBolt, config.BackendSQLite:
		if err := os.MkdirAll(sc.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		if sc.Backend == config.BackendBBolt {
			store, err := bbolt.NewRepositoryFromFile(filepath.Join(sc.DataDir, boltFileName), &bolt.Options{Timeout: time.Second})
			if err != nil {
				return nil, err
			}
			a.repo = store
			a.closers = append(a.closers, store.Close)
		} else {
			store, err := sqlite.Open(ctx, filepath.Join(sc.DataDir, sqliteFileName))
			if err != nil {
				return nil, err
			}
			a.repo = store
			a.closers = append(a.closers, store.Close)
		}
		return a.openEpochCache(sc.EpochCachePath)
	}
	return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
}

func (a *app) openEpochCache(path string) (masterkey.EpochCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating epoch cache directory: %w", err)
	}
	cache, err := masterkey.NewBoltEpochCacheFromFile(path, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, cache.Close)
	return cache, nil
}

// Close releases storage in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withApp runs fn against an app opened from the command's configuration.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
