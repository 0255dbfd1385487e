package masterkey

import (
	"fmt"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/ironkeep/internal/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/key"
)

// Keyring derives per-item wrapping keys from the master KEK of one epoch.
// The KEK is held in a memguard enclave.
type Keyring struct {
	epoch uint64
	kek   *memguard.Enclave
}

var _ key.Keyring = (*Keyring)(nil)

func newKeyring(masterPassword []byte, rec *MasterPasswordRecord) (*Keyring, error) {
	kek, err := icrypto.DeriveMasterKEK(string(masterPassword), rec.KDFSalt, rec.KDFParams)
	if err != nil {
		return nil, fmt.Errorf("deriving master KEK: %w", err)
	}
	// NewEnclave wipes kek.
	return &Keyring{epoch: rec.Epoch, kek: memguard.NewEnclave(kek)}, nil
}

// Epoch returns the master password epoch the keyring belongs to.
func (k *Keyring) Epoch() uint64 {
	return k.epoch
}

func (k *Keyring) ItemKey(table, itemID string) (key.Key, error) {
	buf, err := k.kek.Open()
	if err != nil {
		return nil, fmt.Errorf("opening master KEK: %w", err)
	}
	defer buf.Destroy()
	raw, err := icrypto.DeriveItemKey(buf.Bytes(), table, itemID)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(raw)
	return key.NewWrappingKey(fmt.Sprintf("master:%d", k.epoch), raw)
}
