package secrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironkeep/crypto"
	icrypto "github.com/jmcleod/ironkeep/internal/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/internal/uuid"
	"github.com/jmcleod/ironkeep/key"
	"github.com/jmcleod/ironkeep/rekey"
	"github.com/jmcleod/ironkeep/storage"
)

const fieldVault = "vault"

// AuthToken is an API token. When the token's action needs the master
// password, Vault holds it sealed under a key derived from the token.
type AuthToken struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	Action    string      `json:"action"`
	Token     string      `json:"token"`
	Hash      string      `json:"hash"`
	Vault     *key.Sealed `json:"vault,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	ExpireAt  time.Time   `json:"expire_at,omitzero"`
	Version   uint64      `json:"-"`
}

// AuthTokenStore persists auth tokens and their master password vaults.
// During rotation it is walked per user: every vault of a user is refreshed
// to the new master password.
type AuthTokenStore struct {
	repo           storage.Repository
	guard          Guard
	instanceSecret *memguard.Enclave
	params         util.Argon2idParams
	now            func() time.Time
}

var _ rekey.Table = (*AuthTokenStore)(nil)

// NewAuthTokenStore returns a store whose vault keys are bound to
// instanceSecret. guard checks master passwords before they are stored.
func NewAuthTokenStore(repo storage.Repository, guard Guard, instanceSecret []byte, params util.Argon2idParams) (*AuthTokenStore, error) {
	if len(instanceSecret) < 16 {
		return nil, errors.New("instance secret must be at least 16 bytes")
	}
	return &AuthTokenStore{
		repo:           repo,
		guard:          guard,
		instanceSecret: memguard.NewEnclave(util.CopyBytes(instanceSecret)),
		params:         params,
		now:            time.Now,
	}, nil
}

// Create issues a token for userID protected by tokenPassword. A non-nil
// masterPassword is stored in the token's vault; it must be the current
// master password, checked in the same transaction as the write.
func (s *AuthTokenStore) Create(ctx context.Context, userID, action, tokenPassword string, masterPassword []byte, ttl time.Duration) (*AuthToken, error) {
	tokenStr, err := util.RandomHex(32)
	if err != nil {
		return nil, err
	}
	hash, err := crypto.HashPassword(tokenPassword, s.params)
	if err != nil {
		return nil, err
	}
	t := &AuthToken{
		ID:        uuid.New(),
		UserID:    userID,
		Action:    action,
		Token:     tokenStr,
		Hash:      hash,
		CreatedAt: s.now().UTC(),
	}
	if ttl > 0 {
		t.ExpireAt = t.CreatedAt.Add(ttl)
	}
	if masterPassword != nil {
		if t.Vault, err = s.sealVault(t, masterPassword); err != nil {
			return nil, err
		}
	}
	err = s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		if masterPassword != nil {
			if err := s.guard.VerifyMaster(ctx, tx, masterPassword); err != nil {
				return err
			}
		}
		return storage.PutJSONCAS(ctx, tx, TableAuthToken, t.ID, t, 0)
	})
	if err != nil {
		return nil, err
	}
	t.Version = 1
	return t, nil
}

func (s *AuthTokenStore) vaultKey(t *AuthToken) (key.Key, error) {
	secret, err := s.instanceSecret.Open()
	if err != nil {
		return nil, fmt.Errorf("opening instance secret: %w", err)
	}
	defer secret.Destroy()
	raw, err := icrypto.DeriveTokenVaultKey(t.Token, t.Hash, secret.Bytes())
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(raw)
	return key.NewWrappingKey("authtoken:"+t.ID, raw)
}

func (s *AuthTokenStore) sealVault(t *AuthToken, masterPassword []byte) (*key.Sealed, error) {
	k, err := s.vaultKey(t)
	if err != nil {
		return nil, err
	}
	defer k.Wipe()
	return key.Seal(masterPassword, k,
		icrypto.AADTokenVault(t.ID, aadVersion),
		icrypto.AADItemContent(TableAuthToken, t.ID, fieldVault, aadVersion))
}

func (s *AuthTokenStore) openVault(t *AuthToken) ([]byte, error) {
	k, err := s.vaultKey(t)
	if err != nil {
		return nil, err
	}
	defer k.Wipe()
	return t.Vault.Open(k,
		icrypto.AADTokenVault(t.ID, aadVersion),
		icrypto.AADItemContent(TableAuthToken, t.ID, fieldVault, aadVersion))
}

// OpenVault authenticates a token and returns the master password in its
// vault. Unknown, expired or mismatched tokens all return ErrInvalidToken.
func (s *AuthTokenStore) OpenVault(ctx context.Context, token, tokenPassword string) ([]byte, error) {
	tokens, err := listTokens(ctx, s.repo)
	if err != nil {
		return nil, err
	}
	for _, t := range tokens {
		if !util.ConstantTimeEqual([]byte(t.Token), []byte(token)) {
			continue
		}
		if !t.ExpireAt.IsZero() && !s.now().Before(t.ExpireAt) {
			return nil, ErrInvalidToken
		}
		ok, err := crypto.VerifyPassword(tokenPassword, t.Hash)
		if err != nil || !ok || t.Vault == nil {
			return nil, ErrInvalidToken
		}
		return s.openVault(t)
	}
	return nil, ErrInvalidToken
}

// ListByUser returns the tokens of one user.
func (s *AuthTokenStore) ListByUser(ctx context.Context, userID string) ([]*AuthToken, error) {
	return tokensForUser(ctx, s.repo, userID)
}

// Delete revokes a token.
func (s *AuthTokenStore) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, TableAuthToken, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("auth token %s: %w", id, ErrNotFound)
		}
		return err
	}
	return nil
}

// RefreshVaultByUserID replaces the vault payload of every token of userID
// with newMaster within tx. Each vault must currently hold oldMaster. It
// returns the number of vaults refreshed.
func (s *AuthTokenStore) RefreshVaultByUserID(ctx context.Context, tx storage.BatchTx, userID string, oldMaster, newMaster []byte) (int, error) {
	tokens, err := tokensForUser(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tokens {
		if t.Vault == nil {
			continue
		}
		current, err := s.openVault(t)
		if err != nil {
			return n, fmt.Errorf("auth token %s: %w", t.ID, err)
		}
		match := util.ConstantTimeEqual(current, oldMaster)
		util.WipeBytes(current)
		if !match {
			return n, fmt.Errorf("auth token %s: %w", t.ID, ErrVaultMismatch)
		}
		if t.Vault, err = s.sealVault(t, newMaster); err != nil {
			return n, err
		}
		if err := storage.PutJSONCAS(ctx, tx, TableAuthToken, t.ID, t, t.Version); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *AuthTokenStore) Name() string {
	return TableAuthToken
}

// ListIDs returns the IDs of users that own at least one vault.
func (s *AuthTokenStore) ListIDs(ctx context.Context, r storage.Reader) ([]string, error) {
	tokens, err := listTokens(ctx, r)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var users []string
	for _, t := range tokens {
		if t.Vault == nil {
			continue
		}
		if _, ok := seen[t.UserID]; ok {
			continue
		}
		seen[t.UserID] = struct{}{}
		users = append(users, t.UserID)
	}
	sort.Strings(users)
	return users, nil
}

func (s *AuthTokenStore) Rotate(ctx context.Context, tx storage.BatchTx, userID string, rot *rekey.Rotation) error {
	_, err := s.RefreshVaultByUserID(ctx, tx, userID, rot.OldMasterPassword, rot.NewMasterPassword)
	return err
}

func listTokens(ctx context.Context, r storage.Reader) ([]*AuthToken, error) {
	ids, err := r.List(ctx, TableAuthToken)
	if err != nil {
		return nil, err
	}
	out := make([]*AuthToken, 0, len(ids))
	for _, id := range ids {
		var t AuthToken
		version, err := storage.GetJSON(ctx, r, TableAuthToken, id, &t)
		if err != nil {
			return nil, err
		}
		t.Version = version
		out = append(out, &t)
	}
	return out, nil
}

func tokensForUser(ctx context.Context, r storage.Reader, userID string) ([]*AuthToken, error) {
	all, err := listTokens(ctx, r)
	if err != nil {
		return nil, err
	}
	var out []*AuthToken
	for _, t := range all {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}
