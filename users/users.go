// Package users stores user rows: the login password hash and the user's
// sealed copy of the master password.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmcleod/ironkeep/crypto"
	"github.com/jmcleod/ironkeep/internal/uuid"
	"github.com/jmcleod/ironkeep/key"
	"github.com/jmcleod/ironkeep/storage"
)

// RecordType is the storage record type for user rows.
const RecordType = "USER"

var (
	ErrNotFound           = errors.New("user not found")
	ErrLoginTaken         = errors.New("login already in use")
	ErrInvalidCredentials = errors.New("invalid login or password")
)

// User is one user row.
type User struct {
	ID           string `json:"id"`
	Login        string `json:"login"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	IsAdmin      bool   `json:"is_admin"`
	PasswordHash string `json:"password_hash"`
	// IsChangedPass is set when the login password changed outside the
	// user's control (recovery, admin reset). MasterPass is then sealed
	// under a key the user can no longer derive.
	IsChangedPass bool `json:"is_changed_pass"`
	// MasterPass is the master password sealed under a key derived from the
	// login credentials.
	MasterPass        *key.Sealed `json:"master_pass,omitempty"`
	MasterPassSavedAt time.Time   `json:"master_pass_saved_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	LastLoginAt       time.Time   `json:"last_login_at,omitempty"`
	// Version is the storage version the row was read at. Writes are
	// rejected with storage.ErrCASFailed if the row moved on since.
	Version uint64 `json:"-"`
}

// Store persists users in a storage.Repository.
type Store struct {
	repo   storage.Repository
	params crypto.Argon2idParams
	now    func() time.Time
}

// NewStore returns a Store. params configures login password hashing.
func NewStore(repo storage.Repository, params crypto.Argon2idParams) *Store {
	return &Store{repo: repo, params: params, now: time.Now}
}

// Create adds a user with the given login password.
func (s *Store) Create(ctx context.Context, login, name, email, password string, isAdmin bool) (*User, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return nil, fmt.Errorf("login must not be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password must not be empty")
	}
	hash, err := crypto.HashPassword(password, s.params)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	u := &User{
		ID:           uuid.New(),
		Login:        login,
		Name:         name,
		Email:        email,
		IsAdmin:      isAdmin,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}

	err = s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		if _, err := findByLogin(ctx, tx, login); err == nil {
			return fmt.Errorf("%s: %w", login, ErrLoginTaken)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		return s.SaveTx(ctx, tx, u)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Get loads a user by ID.
func (s *Store) Get(ctx context.Context, id string) (*User, error) {
	return get(ctx, s.repo, id)
}

// GetTx loads a user by ID inside a transaction.
func (s *Store) GetTx(ctx context.Context, tx storage.BatchTx, id string) (*User, error) {
	return get(ctx, tx, id)
}

func get(ctx context.Context, r storage.Reader, id string) (*User, error) {
	var u User
	version, err := storage.GetJSON(ctx, r, RecordType, id, &u)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	u.Version = version
	return &u, nil
}

// GetByLogin loads a user by login name.
func (s *Store) GetByLogin(ctx context.Context, login string) (*User, error) {
	return findByLogin(ctx, s.repo, strings.TrimSpace(login))
}

func findByLogin(ctx context.Context, r storage.Reader, login string) (*User, error) {
	ids, err := r.List(ctx, RecordType)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		u, err := get(ctx, r, id)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(u.Login, login) {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", login, ErrNotFound)
}

// List returns all users ordered by ID.
func (s *Store) List(ctx context.Context) ([]*User, error) {
	return list(ctx, s.repo)
}

// ListTx returns all users inside a transaction.
func (s *Store) ListTx(ctx context.Context, tx storage.BatchTx) ([]*User, error) {
	return list(ctx, tx)
}

func list(ctx context.Context, r storage.Reader) ([]*User, error) {
	ids, err := r.List(ctx, RecordType)
	if err != nil {
		return nil, err
	}
	out := make([]*User, 0, len(ids))
	for _, id := range ids {
		u, err := get(ctx, r, id)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// Save writes u if the stored row is still at u.Version.
func (s *Store) Save(ctx context.Context, u *User) error {
	if err := storage.PutJSONCAS(ctx, s.repo, RecordType, u.ID, u, u.Version); err != nil {
		return fmt.Errorf("saving user %s: %w", u.ID, err)
	}
	u.Version++
	return nil
}

// SaveTx writes u inside a transaction if the row is still at u.Version.
func (s *Store) SaveTx(ctx context.Context, tx storage.BatchTx, u *User) error {
	if err := storage.PutJSONCAS(ctx, tx, RecordType, u.ID, u, u.Version); err != nil {
		return fmt.Errorf("saving user %s: %w", u.ID, err)
	}
	u.Version++
	return nil
}

// Update re-reads the user in a transaction, applies fn and writes the
// result. An error from fn aborts the write.
func (s *Store) Update(ctx context.Context, id string, fn func(u *User) error) (*User, error) {
	var out *User
	err := s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		u, err := get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
		if err := s.SaveTx(ctx, tx, u); err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Authenticate checks a login password and returns the user. Unknown logins
// and wrong passwords return the same error.
func (s *Store) Authenticate(ctx context.Context, login, password string) (*User, error) {
	u, err := s.GetByLogin(ctx, login)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	ok, err := crypto.VerifyPassword(password, u.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying password for %s: %w", u.ID, err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// ResetPasswordTx replaces the login password of u on behalf of someone
// other than the user. The user's sealed master password can no longer be
// opened with the new password, so IsChangedPass is set.
func (s *Store) ResetPasswordTx(ctx context.Context, tx storage.BatchTx, u *User, newPassword string) error {
	if newPassword == "" {
		return fmt.Errorf("password must not be empty")
	}
	hash, err := crypto.HashPassword(newPassword, s.params)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	u.PasswordHash = hash
	u.IsChangedPass = true
	return s.SaveTx(ctx, tx, u)
}
