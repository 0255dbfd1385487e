// Package config loads the ironkeep YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/ironkeep/internal/util"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBBolt    = "bbolt"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

const minSecretLen = 16

// Config holds the ironkeep configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`

	// KDFProfile names the Argon2id profile: interactive, moderate or
	// sensitive.
	KDFProfile string `yaml:"kdf_profile"`

	Secrets    SecretsConfig    `yaml:"secrets"`
	Session    SessionConfig    `yaml:"session"`
	TempMaster TempMasterConfig `yaml:"temp_master"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Rotation   RotationConfig   `yaml:"rotation"`
	Log        LogConfig        `yaml:"log"`
}

// StorageConfig selects the record store.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`
	DSN     string `yaml:"dsn"`

	// EpochCachePath is the bbolt file remembering the newest master
	// password record seen. It must live outside data_dir so that restoring
	// a backup of the data does not restore it too. With postgres it may be
	// empty, in which case the cache is kept in the database.
	EpochCachePath string `yaml:"epoch_cache_path"`
}

// SecretsConfig holds installation secrets. Each may be overridden from the
// environment, see ApplyEnv.
type SecretsConfig struct {
	PasswordSalt   string `yaml:"password_salt"`
	SessionPepper  string `yaml:"session_pepper"`
	InstanceSecret string `yaml:"instance_secret"`
}

type SessionConfig struct {
	ReKeyInterval time.Duration `yaml:"rekey_interval"`
	MaxIdle       time.Duration `yaml:"max_idle"`
}

type TempMasterConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type RecoveryConfig struct {
	TTL   time.Duration `yaml:"ttl"`
	Limit int           `yaml:"limit"`
}

type RotationConfig struct {
	LockTTL time.Duration `yaml:"lock_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the default configuration. Secrets are left empty.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:        BackendBBolt,
			DataDir:        "./data",
			EpochCachePath: "./ironkeep-epoch.db",
		},
		KDFProfile: util.KDFProfileModerate,
		Session: SessionConfig{
			ReKeyInterval: 15 * time.Minute,
			MaxIdle:       time.Hour,
		},
		TempMaster: TempMasterConfig{
			TTL:         24 * time.Hour,
			MaxAttempts: 50,
		},
		Recovery: RecoveryConfig{
			TTL:   time.Hour,
			Limit: 3,
		},
		Rotation: RotationConfig{
			LockTTL: 15 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides secrets from IRONKEEP_PASSWORD_SALT,
// IRONKEEP_SESSION_PEPPER and IRONKEEP_INSTANCE_SECRET.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("IRONKEEP_PASSWORD_SALT"); v != "" {
		c.Secrets.PasswordSalt = v
	}
	if v := os.Getenv("IRONKEEP_SESSION_PEPPER"); v != "" {
		c.Secrets.SessionPepper = v
	}
	if v := os.Getenv("IRONKEEP_INSTANCE_SECRET"); v != "" {
		c.Secrets.InstanceSecret = v
	}
}

// Validate reports every problem with c.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBBolt, BackendSQLite:
		if c.Storage.DataDir == "" {
			errs = append(errs, fmt.Errorf("storage.data_dir is required for %s", c.Storage.Backend))
		}
		if c.Storage.EpochCachePath == "" {
			errs = append(errs, fmt.Errorf("storage.epoch_cache_path is required for %s", c.Storage.Backend))
		} else if c.Storage.DataDir != "" && within(c.Storage.DataDir, c.Storage.EpochCachePath) {
			errs = append(errs, errors.New("storage.epoch_cache_path must be outside storage.data_dir"))
		}
	case BackendPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if _, err := util.Argon2idProfile(c.KDFProfile); err != nil || c.KDFProfile == "" {
		errs = append(errs, fmt.Errorf("unknown kdf_profile %q", c.KDFProfile))
	}
	for name, v := range map[string]string{
		"secrets.password_salt":   c.Secrets.PasswordSalt,
		"secrets.session_pepper":  c.Secrets.SessionPepper,
		"secrets.instance_secret": c.Secrets.InstanceSecret,
	} {
		if len(v) < minSecretLen {
			errs = append(errs, fmt.Errorf("%s must be at least %d bytes", name, minSecretLen))
		}
	}
	if c.TempMaster.TTL < 0 || c.TempMaster.MaxAttempts < 1 {
		errs = append(errs, errors.New("temp_master.ttl must not be negative and max_attempts must be positive"))
	}
	if c.Recovery.TTL <= 0 || c.Recovery.Limit < 1 {
		errs = append(errs, errors.New("recovery.ttl and recovery.limit must be positive"))
	}
	if c.Rotation.LockTTL <= 0 {
		errs = append(errs, errors.New("rotation.lock_ttl must be positive"))
	}
	if c.Session.ReKeyInterval < 0 || c.Session.MaxIdle < 0 {
		errs = append(errs, errors.New("session intervals must not be negative"))
	}
	return errors.Join(errs...)
}

// within reports whether path lies inside dir.
func within(dir, path string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// KDFParams returns the Argon2id parameters of the configured profile.
func (c *Config) KDFParams() (util.Argon2idParams, error) {
	return util.Argon2idProfile(c.KDFProfile)
}
