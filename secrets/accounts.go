package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/internal/uuid"
	"github.com/jmcleod/ironkeep/key"
	"github.com/jmcleod/ironkeep/rekey"
	"github.com/jmcleod/ironkeep/storage"
)

const fieldPass = "pass"

// Account is a stored credential. Only Pass is secret.
type Account struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	Name      string      `json:"name"`
	Login     string      `json:"login"`
	URL       string      `json:"url,omitempty"`
	Notes     string      `json:"notes,omitempty"`
	Pass      *key.Sealed `json:"pass"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	// Version is the storage version the row was read at.
	Version uint64 `json:"-"`
}

// AccountHistory is a previous password of an account. It is sealed under
// its own row key, so it is rotated like any other secret.
type AccountHistory struct {
	ID         string      `json:"id"`
	AccountID  string      `json:"account_id"`
	Pass       *key.Sealed `json:"pass"`
	ArchivedAt time.Time   `json:"archived_at"`
	Version    uint64      `json:"-"`
}

// AccountStore persists accounts and their password history.
type AccountStore struct {
	repo  storage.Repository
	guard Guard
	now   func() time.Time
}

var _ rekey.Table = (*AccountStore)(nil)

// NewAccountStore returns an AccountStore over repo. Writes are pinned to
// the epoch reported by guard.
func NewAccountStore(repo storage.Repository, guard Guard) *AccountStore {
	return &AccountStore{repo: repo, guard: guard, now: time.Now}
}

// Create stores a new account with its password sealed under kr. kr must
// belong to the current epoch.
func (s *AccountStore) Create(ctx context.Context, kr key.Keyring, a *Account, password []byte) error {
	if a.ID == "" {
		a.ID = uuid.New()
	}
	sealed, err := sealItem(kr, TableAccount, a.ID, fieldPass, password)
	if err != nil {
		return fmt.Errorf("sealing account password: %w", err)
	}
	now := s.now().UTC()
	a.Pass = sealed
	a.CreatedAt = now
	a.UpdatedAt = now
	err = s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		if err := pinKeyring(ctx, s.guard, tx, kr); err != nil {
			return err
		}
		return storage.PutJSONCAS(ctx, tx, TableAccount, a.ID, a, 0)
	})
	if err != nil {
		return err
	}
	a.Version = 1
	return nil
}

// Get returns an account without decrypting it.
func (s *AccountStore) Get(ctx context.Context, id string) (*Account, error) {
	return getAccount(ctx, s.repo, id)
}

func getAccount(ctx context.Context, r storage.Reader, id string) (*Account, error) {
	var a Account
	version, err := storage.GetJSON(ctx, r, TableAccount, id, &a)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	a.Version = version
	return &a, nil
}

// List returns all accounts in ID order.
func (s *AccountStore) List(ctx context.Context) ([]*Account, error) {
	ids, err := s.repo.List(ctx, TableAccount)
	if err != nil {
		return nil, err
	}
	out := make([]*Account, 0, len(ids))
	for _, id := range ids {
		a, err := getAccount(ctx, s.repo, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// GetPasswordForID decrypts an account's password.
func (s *AccountStore) GetPasswordForID(ctx context.Context, kr key.Keyring, id string) ([]byte, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return openItem(kr, TableAccount, a.ID, fieldPass, a.Pass)
}

// UpdatePassword replaces an account's password and archives the previous
// one in the history table, in one transaction.
func (s *AccountStore) UpdatePassword(ctx context.Context, kr key.Keyring, id string, password []byte) error {
	return s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		if err := pinKeyring(ctx, s.guard, tx, kr); err != nil {
			return err
		}
		a, err := getAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		previous, err := openItem(kr, TableAccount, a.ID, fieldPass, a.Pass)
		if err != nil {
			return fmt.Errorf("opening current password: %w", err)
		}
		defer util.WipeBytes(previous)

		h := &AccountHistory{ID: uuid.New(), AccountID: a.ID, ArchivedAt: s.now().UTC()}
		if h.Pass, err = sealItem(kr, TableAccountHistory, h.ID, fieldPass, previous); err != nil {
			return fmt.Errorf("sealing history: %w", err)
		}
		if err := storage.PutJSONCAS(ctx, tx, TableAccountHistory, h.ID, h, 0); err != nil {
			return err
		}

		if a.Pass, err = sealItem(kr, TableAccount, a.ID, fieldPass, password); err != nil {
			return fmt.Errorf("sealing account password: %w", err)
		}
		a.UpdatedAt = s.now().UTC()
		return storage.PutJSONCAS(ctx, tx, TableAccount, a.ID, a, a.Version)
	})
}

// UpdatePasswordMasterPass replaces the sealed password of an existing
// account within tx.
func (s *AccountStore) UpdatePasswordMasterPass(ctx context.Context, tx storage.BatchTx, id string, pass *key.Sealed) error {
	a, err := getAccount(ctx, tx, id)
	if err != nil {
		return err
	}
	a.Pass = pass
	return storage.PutJSONCAS(ctx, tx, TableAccount, a.ID, a, a.Version)
}

// Delete removes an account and its history.
func (s *AccountStore) Delete(ctx context.Context, id string) error {
	return s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		history, err := listHistory(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, h := range history {
			if err := tx.Delete(ctx, TableAccountHistory, h.ID); err != nil {
				return err
			}
		}
		if err := tx.Delete(ctx, TableAccount, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("account %s: %w", id, ErrNotFound)
			}
			return err
		}
		return nil
	})
}

// History returns the archived passwords of an account, oldest first.
func (s *AccountStore) History(ctx context.Context, accountID string) ([]*AccountHistory, error) {
	return listHistory(ctx, s.repo, accountID)
}

func listHistory(ctx context.Context, r storage.Reader, accountID string) ([]*AccountHistory, error) {
	ids, err := r.List(ctx, TableAccountHistory)
	if err != nil {
		return nil, err
	}
	var out []*AccountHistory
	for _, id := range ids {
		h, err := getHistory(ctx, r, id)
		if err != nil {
			return nil, err
		}
		if h.AccountID == accountID {
			out = append(out, h)
		}
	}
	sortHistory(out)
	return out, nil
}

// GetHistoryPassword decrypts one archived password.
func (s *AccountStore) GetHistoryPassword(ctx context.Context, kr key.Keyring, historyID string) ([]byte, error) {
	h, err := getHistory(ctx, s.repo, historyID)
	if err != nil {
		return nil, err
	}
	return openItem(kr, TableAccountHistory, h.ID, fieldPass, h.Pass)
}

func getHistory(ctx context.Context, r storage.Reader, id string) (*AccountHistory, error) {
	var h AccountHistory
	version, err := storage.GetJSON(ctx, r, TableAccountHistory, id, &h)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("account history %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	h.Version = version
	return &h, nil
}

func (s *AccountStore) Name() string {
	return TableAccount
}

func (s *AccountStore) ListIDs(ctx context.Context, r storage.Reader) ([]string, error) {
	return r.List(ctx, TableAccount)
}

func (s *AccountStore) Rotate(ctx context.Context, tx storage.BatchTx, id string, rot *rekey.Rotation) error {
	a, err := getAccount(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := rotateItem(rot, TableAccount, a.ID, a.Pass); err != nil {
		return err
	}
	return s.UpdatePasswordMasterPass(ctx, tx, a.ID, a.Pass)
}

// HistoryTable returns the rekey.Table for archived passwords.
func (s *AccountStore) HistoryTable() rekey.Table {
	return historyTable{}
}

type historyTable struct{}

func (historyTable) Name() string {
	return TableAccountHistory
}

func (historyTable) ListIDs(ctx context.Context, r storage.Reader) ([]string, error) {
	return r.List(ctx, TableAccountHistory)
}

func (historyTable) Rotate(ctx context.Context, tx storage.BatchTx, id string, rot *rekey.Rotation) error {
	h, err := getHistory(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := rotateItem(rot, TableAccountHistory, h.ID, h.Pass); err != nil {
		return err
	}
	return storage.PutJSONCAS(ctx, tx, TableAccountHistory, h.ID, h, h.Version)
}
