package key

import (
	"errors"
	"fmt"

	"github.com/jmcleod/ironkeep/crypto"
)

// ErrStaleKeyring is returned when a keyring belongs to a master password
// epoch other than the current one.
var ErrStaleKeyring = errors.New("keyring is not for the current master password epoch")

// Keyring derives the wrapping key for one row of a secret-bearing table.
// Epoch is the master password epoch the keys belong to.
type Keyring interface {
	Epoch() uint64
	ItemKey(table, itemID string) (Key, error)
}

// Sealed is an envelope-encrypted value: the payload is encrypted under a
// random data key, and the data key is wrapped under a caller-supplied
// wrapping key. Rotating the wrapping key only touches Key.
type Sealed struct {
	Key  *WrappedKey      `json:"key"`
	Data *crypto.Envelope `json:"data"`
}

// Seal encrypts plaintext under a fresh data key and wraps that key.
func Seal(plaintext []byte, wrapping Encrypter, keyAAD, dataAAD []byte) (*Sealed, error) {
	dataKey, err := NewDataKey()
	if err != nil {
		return nil, err
	}
	defer dataKey.Wipe()

	data, err := dataKey.Encrypt(plaintext, dataAAD)
	if err != nil {
		return nil, fmt.Errorf("sealing payload: %w", err)
	}
	wk, err := Wrap(dataKey, wrapping, keyAAD)
	if err != nil {
		return nil, err
	}
	return &Sealed{Key: wk, Data: data}, nil
}

// Open unwraps the data key and decrypts the payload. A wrong wrapping key
// returns ErrWrongKey; a payload that fails to authenticate returns
// crypto.ErrCrypto.
func (s *Sealed) Open(wrapping Decrypter, keyAAD, dataAAD []byte) ([]byte, error) {
	if s == nil || s.Key == nil || s.Data == nil {
		return nil, fmt.Errorf("%w: incomplete sealed value", crypto.ErrCrypto)
	}
	dataKey, err := s.Key.Unwrap(wrapping, keyAAD)
	if err != nil {
		return nil, err
	}
	defer dataKey.Wipe()
	return dataKey.Decrypt(s.Data, dataAAD)
}

// Rotate re-wraps the data key from old to next. The payload ciphertext is
// unchanged. On error s is left unchanged.
func (s *Sealed) Rotate(old Decrypter, next Encrypter, keyAAD []byte) error {
	if s == nil || s.Key == nil {
		return fmt.Errorf("%w: incomplete sealed value", crypto.ErrCrypto)
	}
	return s.Key.Rotate(old, next, keyAAD)
}

func (s *Sealed) Copy() *Sealed {
	if s == nil {
		return nil
	}
	c := &Sealed{}
	if s.Key != nil {
		c.Key = s.Key.Copy()
	}
	if s.Data != nil {
		d := *s.Data
		d.Nonce = append([]byte(nil), s.Data.Nonce...)
		d.Ciphertext = append([]byte(nil), s.Data.Ciphertext...)
		c.Data = &d
	}
	return c
}

// Equal reports whether two sealed values are byte-identical.
func (s *Sealed) Equal(o *Sealed) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.Key.Equal(o.Key) && s.Data.Equal(o.Data)
}
