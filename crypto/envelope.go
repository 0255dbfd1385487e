package crypto

import (
	"bytes"
	"fmt"

	"github.com/jmcleod/ironkeep/internal/util"
)

const (
	envelopeVersion = 1
	envelopeScheme  = "aes256gcm"
)

// Envelope is a sealed blob containing AES-256-GCM encrypted data. It is the
// persisted form of every ciphertext in the module.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Seal encrypts plaintext into an Envelope under key, bound to aad.
func Seal(key, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := EncryptWithAAD(plaintext, key, aad)
	if err != nil {
		return nil, err
	}

	// sealed is nonce || ciphertext || tag.
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     envelopeScheme,
		Nonce:      sealed[:util.AESNonceSize],
		Ciphertext: sealed[util.AESNonceSize:],
	}, nil
}

// Open decrypts an Envelope under key and aad.
func Open(key []byte, env *Envelope, aad []byte) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	if env.Ver != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Ver)
	}
	if env.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", env.Scheme)
	}

	full := make([]byte, len(env.Nonce)+len(env.Ciphertext))
	copy(full, env.Nonce)
	copy(full[len(env.Nonce):], env.Ciphertext)

	return DecryptWithAAD(full, key, aad)
}

// Equal reports whether two envelopes hold byte-identical ciphertext.
func (e *Envelope) Equal(o *Envelope) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.Ver == o.Ver && e.Scheme == o.Scheme &&
		bytes.Equal(e.Nonce, o.Nonce) && bytes.Equal(e.Ciphertext, o.Ciphertext)
}
