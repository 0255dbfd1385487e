package masterkey

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/ironkeep/key"
	"github.com/jmcleod/ironkeep/secrets"
	"github.com/jmcleod/ironkeep/storage"
)

// RecordGuard pins secret writes to the stored master password record.
type RecordGuard struct{}

var _ secrets.Guard = RecordGuard{}

// Pin claims the master password record in tx and returns its epoch.
func (RecordGuard) Pin(ctx context.Context, tx storage.BatchTx) (uint64, error) {
	rec, _, err := claimRecord(ctx, tx)
	if err != nil {
		return 0, err
	}
	return rec.Epoch, nil
}

// VerifyMaster claims the record in tx and checks masterPassword against
// it. A mismatch returns ErrInvalidMasterPassword.
func (RecordGuard) VerifyMaster(ctx context.Context, tx storage.BatchTx, masterPassword []byte) error {
	rec, _, err := claimRecord(ctx, tx)
	if err != nil {
		return err
	}
	return verifyMaster(rec, masterPassword)
}

// claimRecord reads the master password record and rewrites it unchanged
// with PutCAS. The rewrite holds the row until tx ends, so a rotation that
// claimed it first makes this fail with key.ErrStaleKeyring.
func claimRecord(ctx context.Context, tx storage.BatchTx) (*MasterPasswordRecord, uint64, error) {
	raw, err := tx.Get(ctx, recordTypeMaster, recordIDCurrent)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, ErrNotProvisioned
	}
	if err != nil {
		return nil, 0, fmt.Errorf("loading master password record: %w", err)
	}
	var rec MasterPasswordRecord
	if err := storage.Decode(raw, &rec); err != nil {
		return nil, 0, fmt.Errorf("loading master password record: %w", err)
	}
	if err := tx.PutCAS(ctx, recordTypeMaster, recordIDCurrent, raw.Version, raw); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return nil, 0, fmt.Errorf("%w: master password record changed", key.ErrStaleKeyring)
		}
		return nil, 0, fmt.Errorf("claiming master password record: %w", err)
	}
	return &rec, raw.Version, nil
}
