package key

import (
	"fmt"

	"github.com/jmcleod/ironkeep/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/internal/uuid"
)

// Encrypter can seal data and identify itself.
type Encrypter interface {
	ID() string
	Encrypt(plaintext, aad []byte) (*crypto.Envelope, error)
}

// Decrypter can open data and identify itself.
type Decrypter interface {
	ID() string
	Decrypt(env *crypto.Envelope, aad []byte) ([]byte, error)
}

// Key is a symmetric AES-256 key that can both seal and open envelopes.
type Key interface {
	Type() Type
	Copy() Key
	// Wipe zeroes the key material. The key is unusable afterwards.
	Wipe()
	Encrypter
	Decrypter
}

type key struct {
	keyID   string
	keyType Type
	bytes   []byte
}

func (k *key) ID() string {
	return k.keyID
}

func (k *key) Type() Type {
	return k.keyType
}

func (k *key) Encrypt(plaintext, aad []byte) (*crypto.Envelope, error) {
	return crypto.Seal(k.bytes, plaintext, aad)
}

func (k *key) Decrypt(env *crypto.Envelope, aad []byte) ([]byte, error) {
	return crypto.Open(k.bytes, env, aad)
}

func (k *key) Copy() Key {
	return newWithIDAndTypeAndBytes(k.keyID, k.keyType, k.bytes)
}

func (k *key) Wipe() {
	util.WipeBytes(k.bytes)
}

func newWithIDAndTypeAndBytes(keyID string, t Type, bytes []byte) Key {
	return &key{
		keyID:   keyID,
		keyType: t,
		bytes:   util.CopyBytes(bytes),
	}
}

// NewDataKey generates a new random 256-bit data key.
func NewDataKey() (Key, error) {
	rawKey, err := crypto.GenerateKey(crypto.KeySize)
	if err != nil {
		return nil, fmt.Errorf("generating data key: %w", err)
	}
	defer util.WipeBytes(rawKey)
	return newWithIDAndTypeAndBytes(uuid.New(), Data, rawKey), nil
}

// NewWrappingKey builds a wrapping key from derived key material. The id is
// informational and is recorded on every key it wraps.
func NewWrappingKey(id string, raw []byte) (Key, error) {
	if len(raw) != crypto.KeySize {
		return nil, fmt.Errorf("wrapping key must be %d bytes, got %d", crypto.KeySize, len(raw))
	}
	return newWithIDAndTypeAndBytes(id, Wrapping, raw), nil
}
