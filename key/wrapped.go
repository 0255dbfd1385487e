package key

import (
	"fmt"

	"github.com/jmcleod/ironkeep/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
)

// ErrWrongKey is returned by Unwrap and Rotate when the wrapped key does not
// open under the supplied wrapping key. It matches crypto.ErrCrypto.
var ErrWrongKey = fmt.Errorf("%w: wrong wrapping key", crypto.ErrCrypto)

// WrappedKey is a data key sealed under a wrapping key. Wrapping uses a fresh
// nonce each time, so two wraps of the same key are unlinkable.
type WrappedKey struct {
	keyID     string
	wrappedBy string
	keyType   Type
	sealed    *crypto.Envelope
}

// Wrap seals dataKey under wrapping, bound to aad.
func Wrap(dataKey Key, wrapping Encrypter, aad []byte) (*WrappedKey, error) {
	k, ok := dataKey.(*key)
	if !ok {
		return nil, fmt.Errorf("unsupported key implementation %T", dataKey)
	}
	sealed, err := wrapping.Encrypt(k.bytes, aad)
	if err != nil {
		return nil, fmt.Errorf("wrapping key: %w", err)
	}
	return &WrappedKey{
		keyID:     k.keyID,
		wrappedBy: wrapping.ID(),
		keyType:   k.keyType,
		sealed:    sealed,
	}, nil
}

func (wk *WrappedKey) ID() string {
	return wk.keyID
}

// WrappedBy is the ID of the wrapping key last used. It is informational:
// Unwrap authenticates, it never trusts this field.
func (wk *WrappedKey) WrappedBy() string {
	return wk.wrappedBy
}

func (wk *WrappedKey) Type() Type {
	return wk.keyType
}

// Unwrap opens the data key. Every failure returns ErrWrongKey.
func (wk *WrappedKey) Unwrap(wrapping Decrypter, aad []byte) (Key, error) {
	raw, err := wrapping.Decrypt(wk.sealed, aad)
	if err != nil || len(raw) != crypto.KeySize {
		return nil, ErrWrongKey
	}
	defer util.WipeBytes(raw)
	return newWithIDAndTypeAndBytes(wk.keyID, wk.keyType, raw), nil
}

// Rotate re-wraps the data key from old to next in place. On error the
// wrapped key is left unchanged.
func (wk *WrappedKey) Rotate(old Decrypter, next Encrypter, aad []byte) error {
	dataKey, err := wk.Unwrap(old, aad)
	if err != nil {
		return err
	}
	defer dataKey.Wipe()

	rewrapped, err := Wrap(dataKey, next, aad)
	if err != nil {
		return fmt.Errorf("rewrapping key for rotation: %w", err)
	}

	wk.wrappedBy = rewrapped.wrappedBy
	wk.sealed = rewrapped.sealed

	return nil
}

func (wk *WrappedKey) Copy() *WrappedKey {
	c := *wk
	if wk.sealed != nil {
		s := *wk.sealed
		s.Nonce = util.CopyBytes(wk.sealed.Nonce)
		s.Ciphertext = util.CopyBytes(wk.sealed.Ciphertext)
		c.sealed = &s
	}
	return &c
}

// Equal reports whether two wrapped keys are byte-identical.
func (wk *WrappedKey) Equal(o *WrappedKey) bool {
	if wk == nil || o == nil {
		return wk == o
	}
	return wk.keyID == o.keyID && wk.wrappedBy == o.wrappedBy &&
		wk.keyType == o.keyType && wk.sealed.Equal(o.sealed)
}
