// Package masterkey owns the master password lifecycle: provisioning, the
// per-user copy unwrapped at login, rotation across every secret-bearing
// table, temporary master passwords and login password recovery.
package masterkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/time/rate"

	"github.com/jmcleod/ironkeep/crypto"
	icrypto "github.com/jmcleod/ironkeep/internal/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/key"
	"github.com/jmcleod/ironkeep/rekey"
	"github.com/jmcleod/ironkeep/sessionvault"
	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/users"
)

const (
	DefaultTempMaxAttempts = 50
	DefaultRecoveryTTL     = time.Hour
	DefaultRecoveryLimit   = 3

	kdfSaltLen     = 32
	minPasswordLen = 1
)

// Service implements the master password lifecycle.
type Service struct {
	repo        storage.Repository
	users       *users.Store
	vault       *sessionvault.Vault
	coordinator *rekey.Coordinator

	logger       *slog.Logger
	mailer       Mailer
	params       util.Argon2idParams
	passwordSalt []byte
	epochs       EpochCache
	now          func() time.Time

	tempMaxAttempts int
	recoveryTTL     time.Duration
	recoveryLimit   int

	tempLimiter     *keyedLimiter
	recoveryLimiter *keyedLimiter

	mu      sync.Mutex
	keyring *Keyring
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMailer(m Mailer) Option {
	return func(s *Service) {
		s.mailer = m
	}
}

// WithKDFParams sets the Argon2id parameters for new records and for the
// per-user keys.
func WithKDFParams(p util.Argon2idParams) Option {
	return func(s *Service) {
		s.params = p
	}
}

// WithPasswordSalt sets the installation salt mixed into per-user keys.
// It is required.
func WithPasswordSalt(salt []byte) Option {
	return func(s *Service) {
		s.passwordSalt = util.CopyBytes(salt)
	}
}

func WithEpochCache(c EpochCache) Option {
	return func(s *Service) {
		s.epochs = c
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithTempMaxAttempts bounds redeem attempts per temporary master password.
func WithTempMaxAttempts(n int) Option {
	return func(s *Service) {
		s.tempMaxAttempts = n
	}
}

// WithRecoveryTTL sets how long a recovery token is valid. It is also the
// window over which recovery requests are counted.
func WithRecoveryTTL(d time.Duration) Option {
	return func(s *Service) {
		s.recoveryTTL = d
	}
}

// WithRecoveryLimit caps recovery requests per user per window.
func WithRecoveryLimit(n int) Option {
	return func(s *Service) {
		s.recoveryLimit = n
	}
}

// NewService returns a Service. coordinator must cover every
// secret-bearing table.
func NewService(repo storage.Repository, userStore *users.Store, vault *sessionvault.Vault, coordinator *rekey.Coordinator, opts ...Option) (*Service, error) {
	s := &Service{
		repo:            repo,
		users:           userStore,
		vault:           vault,
		coordinator:     coordinator,
		params:          util.DefaultArgon2idParams(),
		now:             time.Now,
		tempMaxAttempts: DefaultTempMaxAttempts,
		recoveryTTL:     DefaultRecoveryTTL,
		recoveryLimit:   DefaultRecoveryLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.passwordSalt) < 16 {
		return nil, errors.New("password salt must be at least 16 bytes")
	}
	if err := util.ValidateArgon2idParams(s.params); err != nil {
		return nil, err
	}
	if s.tempMaxAttempts < 1 || s.recoveryLimit < 1 || s.recoveryTTL <= 0 {
		return nil, errors.New("temporary attempts, recovery limit and recovery TTL must be positive")
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.logger = s.logger.With("component", "masterkey")
	if s.mailer == nil {
		s.mailer = LogMailer{Logger: s.logger}
	}
	if s.epochs == nil {
		s.epochs = NewMemoryEpochCache()
	}
	s.tempLimiter = newKeyedLimiter(rate.Every(time.Second), 10, time.Hour)
	s.recoveryLimiter = newKeyedLimiter(rate.Every(s.recoveryTTL/time.Duration(s.recoveryLimit)), s.recoveryLimit, s.recoveryTTL)
	return s, nil
}

// EpochSource returns a sessionvault.EpochSource reading the master password
// record epoch from repo. An unprovisioned installation reports epoch 0.
func EpochSource(repo storage.Repository) sessionvault.EpochSource {
	return sessionvault.EpochFunc(func(ctx context.Context) (uint64, error) {
		rec, _, err := loadRecord(ctx, repo)
		if errors.Is(err, ErrNotProvisioned) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return rec.Epoch, nil
	})
}

func loadRecord(ctx context.Context, r storage.Reader) (*MasterPasswordRecord, uint64, error) {
	var rec MasterPasswordRecord
	version, err := storage.GetJSON(ctx, r, recordTypeMaster, recordIDCurrent, &rec)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, ErrNotProvisioned
	}
	if err != nil {
		return nil, 0, fmt.Errorf("loading master password record: %w", err)
	}
	return &rec, version, nil
}

// record loads the master password record and checks it against the epoch
// cache.
func (s *Service) record(ctx context.Context) (*MasterPasswordRecord, uint64, error) {
	rec, version, err := loadRecord(ctx, s.repo)
	if err != nil {
		return nil, 0, err
	}
	if err := s.observe(ctx, rec); err != nil {
		return nil, 0, err
	}
	return rec, version, nil
}

func (s *Service) observe(ctx context.Context, rec *MasterPasswordRecord) error {
	err := s.epochs.Observe(ctx, epochScope, rec.Watermark())
	if errors.Is(err, ErrRollbackDetected) {
		s.audit(ctx, "rollback_detected", slog.Uint64("epoch", rec.Epoch), slog.String("error", err.Error()))
	}
	return err
}

// CurrentEpoch returns the epoch of the master password record.
func (s *Service) CurrentEpoch(ctx context.Context) (uint64, error) {
	rec, _, err := s.record(ctx)
	if err != nil {
		return 0, err
	}
	return rec.Epoch, nil
}

func newRecord(masterPassword []byte, params util.Argon2idParams, epoch uint64, now time.Time) (*MasterPasswordRecord, error) {
	if len(masterPassword) < minPasswordLen {
		return nil, errors.New("master password must not be empty")
	}
	hash, err := crypto.HashPassword(string(masterPassword), params)
	if err != nil {
		return nil, fmt.Errorf("hashing master password: %w", err)
	}
	salt, err := util.RandomBytes(kdfSaltLen)
	if err != nil {
		return nil, err
	}
	return &MasterPasswordRecord{
		VerificationHash: hash,
		KDFSalt:          salt,
		KDFParams:        params,
		Epoch:            epoch,
		LastUpdated:      now,
		CreatedAt:        now,
	}, nil
}

func verifyMaster(rec *MasterPasswordRecord, masterPassword []byte) error {
	ok, err := crypto.VerifyPassword(string(masterPassword), rec.VerificationHash)
	if err != nil {
		return fmt.Errorf("verifying master password: %w", err)
	}
	if !ok {
		return ErrInvalidMasterPassword
	}
	return nil
}

// Provision stores the first master password record. When creds is set the
// caller's copy is stored too. No secret can be sealed before a record
// exists, so there is nothing to re-wrap.
func (s *Service) Provision(ctx context.Context, masterPassword []byte, creds *LoginCredentials) error {
	now := s.now().UTC()
	rec, err := newRecord(masterPassword, s.params, 1, now)
	if err != nil {
		return err
	}

	var u *users.User
	if creds != nil {
		if u, err = s.users.Authenticate(ctx, creds.Login, creds.Password); err != nil {
			return err
		}
		if !u.IsAdmin {
			return ErrUnauthorized
		}
		if err := s.sealUserCopy(u, creds.Password, masterPassword, now); err != nil {
			return err
		}
	}

	data, err := storage.Encode(rec, 1)
	if err != nil {
		return err
	}
	err = s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(ctx, recordTypeMaster, recordIDCurrent, 0, data); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return ErrAlreadyProvisioned
			}
			return err
		}
		if u != nil {
			return s.users.SaveTx(ctx, tx, u)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.observe(ctx, rec); err != nil {
		return err
	}
	s.audit(ctx, "master_password_provisioned", slog.Uint64("epoch", rec.Epoch))
	return nil
}

func (s *Service) userKey(u *users.User, loginPassword string) (key.Key, error) {
	raw, err := icrypto.DeriveUserKey(u.Login, loginPassword, s.passwordSalt, s.params)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(raw)
	return key.NewWrappingKey("user:"+u.ID, raw)
}

func userCopyAAD(u *users.User) (keyAAD, dataAAD []byte) {
	return icrypto.AADUserMasterPass(u.ID, aadVersion),
		icrypto.AADItemContent(users.RecordType, u.ID, "master_pass", aadVersion)
}

// sealUserCopy stores masterPassword in u sealed under the login key. It
// does not persist u.
func (s *Service) sealUserCopy(u *users.User, loginPassword string, masterPassword []byte, now time.Time) error {
	k, err := s.userKey(u, loginPassword)
	if err != nil {
		return err
	}
	defer k.Wipe()
	keyAAD, dataAAD := userCopyAAD(u)
	sealed, err := key.Seal(masterPassword, k, keyAAD, dataAAD)
	if err != nil {
		return fmt.Errorf("sealing user master password: %w", err)
	}
	u.MasterPass = sealed
	u.MasterPassSavedAt = now
	u.IsChangedPass = false
	return nil
}

func (s *Service) openUserCopy(u *users.User, loginPassword string) ([]byte, error) {
	k, err := s.userKey(u, loginPassword)
	if err != nil {
		return nil, err
	}
	defer k.Wipe()
	keyAAD, dataAAD := userCopyAAD(u)
	return u.MasterPass.Open(k, keyAAD, dataAAD)
}

// LoadOnLogin authenticates creds and, if the user's stored copy of the
// master password is current and valid, installs it in the session vault.
// The master password itself is never returned.
func (s *Service) LoadOnLogin(ctx context.Context, creds LoginCredentials, sc sessionvault.SessionContext) (LoadResult, error) {
	inProgress, err := s.coordinator.InProgress(ctx)
	if err != nil {
		return 0, err
	}
	if inProgress {
		return 0, rekey.ErrRotationInProgress
	}

	u, err := s.users.Authenticate(ctx, creds.Login, creds.Password)
	if err != nil {
		return 0, err
	}
	rec, _, err := s.record(ctx)
	if errors.Is(err, ErrNotProvisioned) {
		return LoadNeedMasterPassword, nil
	}
	if err != nil {
		return 0, err
	}

	switch {
	case u.MasterPass == nil:
		return LoadNeedMasterPassword, nil
	case u.MasterPassSavedAt.Before(rec.LastUpdated):
		return LoadChanged, nil
	}

	if u.IsChangedPass {
		return LoadNeedOldPassword, nil
	}
	master, err := s.openUserCopy(u, creds.Password)
	if errors.Is(err, crypto.ErrCrypto) {
		return LoadNeedOldPassword, nil
	}
	if err != nil {
		return 0, err
	}
	defer util.WipeBytes(master)

	if err := verifyMaster(rec, master); err != nil {
		if errors.Is(err, ErrInvalidMasterPassword) {
			s.audit(ctx, "invalid_master_password", slog.String("user_id", u.ID), slog.String("source", "stored_copy"))
			return LoadInvalid, nil
		}
		return 0, err
	}

	// Only the login time is written; the rest of the row may have moved on
	// since Authenticate read it.
	now := s.now().UTC()
	_, err = s.users.Update(ctx, u.ID, func(cur *users.User) error {
		if cur.PasswordHash != u.PasswordHash {
			return users.ErrInvalidCredentials
		}
		if !cur.MasterPassSavedAt.Equal(u.MasterPassSavedAt) {
			return fmt.Errorf("%w: stored master password copy changed during login", storage.ErrCASFailed)
		}
		cur.LastLoginAt = now
		return nil
	})
	if err != nil {
		return 0, err
	}
	if _, err := s.vault.Save(ctx, sc, master, rec.Epoch); err != nil {
		return 0, err
	}
	return LoadOK, nil
}

// VerifyMasterPassword checks masterPassword against the current record.
func (s *Service) VerifyMasterPassword(ctx context.Context, masterPassword []byte) error {
	rec, _, err := s.record(ctx)
	if err != nil {
		return err
	}
	return verifyMaster(rec, masterPassword)
}

// UpdateMasterPasswordOnLogin stores a supplied master password as the
// user's copy after LoadOnLogin asked for it. The input may also be a
// temporary master password token. The session is re-keyed; the caller
// must continue with the returned context.
func (s *Service) UpdateMasterPasswordOnLogin(ctx context.Context, masterOrToken []byte, creds LoginCredentials, sc sessionvault.SessionContext) (sessionvault.SessionContext, error) {
	master := masterOrToken
	if tok, err := crypto.ParseToken(string(masterOrToken)); err == nil && tok.Kind() == crypto.TokenTempMaster {
		if master, err = s.RedeemTemporaryMasterPassword(ctx, string(masterOrToken)); err != nil {
			return sc, err
		}
		defer util.WipeBytes(master)
	}
	return s.storeUserCopy(ctx, master, creds, sc, "master_password_entered")
}

// UpdateMasterPasswordFromOldPassword re-wraps the master password under the
// user's current login password after an out-of-band reset. oldMaster is
// verified against the record first. Temporary master passwords are left
// alone: the master password itself does not change.
func (s *Service) UpdateMasterPasswordFromOldPassword(ctx context.Context, oldMaster []byte, creds LoginCredentials, sc sessionvault.SessionContext) (sessionvault.SessionContext, error) {
	return s.storeUserCopy(ctx, oldMaster, creds, sc, "master_password_rewrapped")
}

// UpdateMasterPasswordFromOldLoginPassword recovers the user's stored copy
// with the login password it was sealed under and re-wraps it under the
// current one.
func (s *Service) UpdateMasterPasswordFromOldLoginPassword(ctx context.Context, oldLoginPassword string, creds LoginCredentials, sc sessionvault.SessionContext) (sessionvault.SessionContext, error) {
	u, err := s.users.Authenticate(ctx, creds.Login, creds.Password)
	if err != nil {
		return sc, err
	}
	if u.MasterPass == nil {
		return sc, ErrInvalidMasterPassword
	}
	master, err := s.openUserCopy(u, oldLoginPassword)
	if errors.Is(err, crypto.ErrCrypto) {
		return sc, ErrInvalidMasterPassword
	}
	if err != nil {
		return sc, err
	}
	defer util.WipeBytes(master)
	return s.storeUserCopy(ctx, master, creds, sc, "master_password_rewrapped")
}

// storeUserCopy verifies master, stores it as the user's sealed copy and
// installs it in the session vault under a re-keyed session context.
func (s *Service) storeUserCopy(ctx context.Context, master []byte, creds LoginCredentials, sc sessionvault.SessionContext, event string) (sessionvault.SessionContext, error) {
	inProgress, err := s.coordinator.InProgress(ctx)
	if err != nil {
		return sc, err
	}
	if inProgress {
		return sc, rekey.ErrRotationInProgress
	}
	u, err := s.users.Authenticate(ctx, creds.Login, creds.Password)
	if err != nil {
		return sc, err
	}
	rec, _, err := s.record(ctx)
	if err != nil {
		return sc, err
	}
	if err := verifyMaster(rec, master); err != nil {
		if errors.Is(err, ErrInvalidMasterPassword) {
			s.audit(ctx, "invalid_master_password", slog.String("user_id", u.ID), slog.String("source", "entered"))
		}
		return sc, err
	}
	if err := s.sealUserCopy(u, creds.Password, master, s.now().UTC()); err != nil {
		return sc, err
	}

	// The copy is written only if the record and the user's login are
	// still the ones checked above.
	err = s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		current, _, err := claimRecord(ctx, tx)
		if err != nil {
			return err
		}
		if current.Watermark() != rec.Watermark() {
			return ErrInvalidMasterPassword
		}
		cur, err := s.users.GetTx(ctx, tx, u.ID)
		if err != nil {
			return err
		}
		if cur.PasswordHash != u.PasswordHash || cur.Login != u.Login {
			return users.ErrInvalidCredentials
		}
		cur.MasterPass = u.MasterPass
		cur.MasterPassSavedAt = u.MasterPassSavedAt
		cur.IsChangedPass = false
		return s.users.SaveTx(ctx, tx, cur)
	})
	if err != nil {
		return sc, err
	}

	next, err := s.install(ctx, sc, master, rec.Epoch)
	if err != nil {
		return sc, err
	}
	s.audit(ctx, event, slog.String("user_id", u.ID))
	return next, nil
}

// install seals master into the session vault and re-keys the session, so a
// context captured before the master password was entered no longer opens
// it.
func (s *Service) install(ctx context.Context, sc sessionvault.SessionContext, master []byte, epoch uint64) (sessionvault.SessionContext, error) {
	if _, err := s.vault.Save(ctx, sc, master, epoch); err != nil {
		return sc, err
	}
	return s.vault.ReKey(ctx, sc)
}

// Keyring returns the item keyring for the master password held in the
// session's vault.
func (s *Service) Keyring(ctx context.Context, sc sessionvault.SessionContext) (*Keyring, error) {
	buf, err := s.vault.Load(ctx, sc)
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	rec, _, err := s.record(ctx)
	if err != nil {
		return nil, err
	}
	return s.keyringFor(buf, rec)
}

func (s *Service) keyringFor(master *memguard.LockedBuffer, rec *MasterPasswordRecord) (*Keyring, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keyring != nil && s.keyring.epoch == rec.Epoch {
		return s.keyring, nil
	}
	kr, err := newKeyring(master.Bytes(), rec)
	if err != nil {
		return nil, err
	}
	s.keyring = kr
	return kr, nil
}

// UpdateMasterPassword rotates the master password. The caller must be an
// admin whose session holds the current master password. Every secret is
// re-wrapped and the new record written in one transaction; on failure
// nothing changes and the session keeps the old password. On success the
// session is re-keyed and the caller must continue with the returned
// context.
func (s *Service) UpdateMasterPassword(ctx context.Context, newMaster []byte, creds LoginCredentials, sc sessionvault.SessionContext) (*rekey.Result, sessionvault.SessionContext, error) {
	u, err := s.users.Authenticate(ctx, creds.Login, creds.Password)
	if err != nil {
		return nil, sc, err
	}
	if !u.IsAdmin {
		return nil, sc, ErrUnauthorized
	}
	buf, err := s.vault.Load(ctx, sc)
	if err != nil {
		return nil, sc, err
	}
	defer buf.Destroy()
	oldMaster := buf.Bytes()

	rec, version, err := s.record(ctx)
	if err != nil {
		return nil, sc, err
	}
	if err := verifyMaster(rec, oldMaster); err != nil {
		return nil, sc, err
	}
	if util.ConstantTimeEqual(oldMaster, newMaster) {
		return nil, sc, ErrSameMasterPassword
	}

	oldKR, err := s.keyringFor(buf, rec)
	if err != nil {
		return nil, sc, err
	}
	now := s.now().UTC()
	next, err := newRecord(newMaster, s.params, rec.Epoch+1, now)
	if err != nil {
		return nil, sc, err
	}
	next.CreatedAt = rec.CreatedAt
	newKR, err := newKeyring(newMaster, next)
	if err != nil {
		return nil, sc, err
	}
	nextRec, err := storage.Encode(next, version+1)
	if err != nil {
		return nil, sc, err
	}

	res, err := s.coordinator.Execute(ctx, &rekey.Rotation{
		Old:               oldKR,
		Next:              newKR,
		OldMasterPassword: oldMaster,
		NewMasterPassword: newMaster,
		// The record is replaced before any table is listed. Secret writes
		// claim the same row, so each one either commits before this and is
		// rotated, or fails afterwards with key.ErrStaleKeyring.
		Begin: func(ctx context.Context, tx storage.BatchTx) error {
			if err := tx.PutCAS(ctx, recordTypeMaster, recordIDCurrent, version, nextRec); err != nil {
				return fmt.Errorf("writing master password record: %w", err)
			}
			return nil
		},
		Finalize: func(ctx context.Context, tx storage.BatchTx) error {
			caller, err := s.users.GetTx(ctx, tx, u.ID)
			if err != nil {
				return err
			}
			if err := s.sealUserCopy(caller, creds.Password, newMaster, now); err != nil {
				return err
			}
			if err := s.users.SaveTx(ctx, tx, caller); err != nil {
				return err
			}
			if err := tx.Delete(ctx, recordTypeTempMaster, recordIDCurrent); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			return nil
		},
	})
	if err != nil {
		return nil, sc, err
	}

	if err := s.observe(ctx, next); err != nil {
		return nil, sc, err
	}
	s.mu.Lock()
	s.keyring = newKR
	s.mu.Unlock()
	nextSC, err := s.install(ctx, sc, newMaster, next.Epoch)
	if err != nil {
		return res, sc, fmt.Errorf("rotation committed, storing session copy: %w", err)
	}
	s.audit(ctx, "master_password_changed",
		slog.String("user_id", u.ID),
		slog.Uint64("epoch", next.Epoch),
		slog.Int("items", res.Total))
	return res, nextSC, nil
}

// Status reports the master password state.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{}
	inProgress, err := s.coordinator.InProgress(ctx)
	if err != nil {
		return nil, err
	}
	st.RotationInProgress = inProgress

	rec, _, err := s.record(ctx)
	if errors.Is(err, ErrNotProvisioned) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	st.Provisioned = true
	st.Epoch = rec.Epoch
	st.LastUpdated = rec.LastUpdated

	tmp, _, err := loadTemp(ctx, s.repo)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if tmp != nil && s.tempUsable(tmp, rec.Epoch) {
		st.TemporaryActive = true
		st.TemporaryExpireAt = tmp.ExpireAt
	}
	return st, nil
}

func (s *Service) audit(ctx context.Context, event string, attrs ...slog.Attr) {
	base := []slog.Attr{slog.String("event", event)}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit", append(base, attrs...)...)
}
