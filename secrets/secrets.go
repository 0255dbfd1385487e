// Package secrets stores the secret-bearing tables: account passwords and
// their history, custom field values, and API token vaults. Each value is
// envelope-encrypted under a per-row key from a key.Keyring, and each table
// implements rekey.Table so master password rotation can walk it.
package secrets

import (
	"context"
	"errors"
	"fmt"

	icrypto "github.com/jmcleod/ironkeep/internal/crypto"
	"github.com/jmcleod/ironkeep/key"
	"github.com/jmcleod/ironkeep/rekey"
	"github.com/jmcleod/ironkeep/storage"
)

// Table names, also used as storage record types.
const (
	TableAccount        = "ACCOUNT"
	TableAccountHistory = "ACCOUNT_HISTORY"
	TableCustomField    = "CUSTOM_FIELD"
	TableAuthToken      = "AUTH_TOKEN"
)

const aadVersion = 1

var (
	ErrNotFound      = errors.New("secret not found")
	ErrInvalidToken  = errors.New("invalid auth token")
	ErrVaultMismatch = errors.New("auth token vault does not hold the current master password")
)

// Guard ties secret writes to the current master password. Pin runs inside
// the write transaction and returns the current epoch; it must lock the
// master password record so a rotation cannot commit between the check and
// the write. VerifyMaster checks a master password against that record.
type Guard interface {
	Pin(ctx context.Context, tx storage.BatchTx) (uint64, error)
	VerifyMaster(ctx context.Context, tx storage.BatchTx, masterPassword []byte) error
}

// pinKeyring fails with key.ErrStaleKeyring unless kr belongs to the epoch
// pinned in tx.
func pinKeyring(ctx context.Context, g Guard, tx storage.BatchTx, kr key.Keyring) error {
	epoch, err := g.Pin(ctx, tx)
	if err != nil {
		return err
	}
	if kr.Epoch() != epoch {
		return fmt.Errorf("%w: keyring epoch %d, current %d", key.ErrStaleKeyring, kr.Epoch(), epoch)
	}
	return nil
}

func sealItem(kr key.Keyring, table, id, field string, plaintext []byte) (*key.Sealed, error) {
	k, err := kr.ItemKey(table, id)
	if err != nil {
		return nil, err
	}
	defer k.Wipe()
	return key.Seal(plaintext, k,
		icrypto.AADItemKeyWrap(table, id, aadVersion),
		icrypto.AADItemContent(table, id, field, aadVersion))
}

func openItem(kr key.Keyring, table, id, field string, s *key.Sealed) ([]byte, error) {
	k, err := kr.ItemKey(table, id)
	if err != nil {
		return nil, err
	}
	defer k.Wipe()
	return s.Open(k,
		icrypto.AADItemKeyWrap(table, id, aadVersion),
		icrypto.AADItemContent(table, id, field, aadVersion))
}

// rotateItem re-wraps the data key of s from the old item key to the new
// one. It fails if the data key does not unwrap under the old key.
func rotateItem(rot *rekey.Rotation, table, id string, s *key.Sealed) error {
	oldKey, err := rot.Old.ItemKey(table, id)
	if err != nil {
		return err
	}
	defer oldKey.Wipe()
	newKey, err := rot.Next.ItemKey(table, id)
	if err != nil {
		return err
	}
	defer newKey.Wipe()
	return s.Rotate(oldKey, newKey, icrypto.AADItemKeyWrap(table, id, aadVersion))
}
