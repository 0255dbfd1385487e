package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	AESKeySize   = 32
	AESNonceSize = 12
)

// ErrDecrypt is returned for every authenticated decryption failure. The
// cause (wrong key, tampered ciphertext, wrong AAD) is deliberately not
// distinguished.
var ErrDecrypt = errors.New("message authentication failed")

func newGCM(rawKey []byte) (cipher.AEAD, error) {
	if len(rawKey) != AESKeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(rawKey), AESKeySize)
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

func EncryptAES(plainText, rawKey []byte) ([]byte, error) {
	return EncryptAESWithAAD(plainText, rawKey, nil)
}

// EncryptAESWithAAD seals plainText with AES-256-GCM under a fresh random
// nonce and returns nonce || ciphertext || tag.
func EncryptAESWithAAD(plainText, rawKey, aad []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plainText, aad), nil
}

func DecryptAES(cipherText, rawKey []byte) ([]byte, error) {
	return DecryptAESWithAAD(cipherText, rawKey, nil)
}

func DecryptAESWithAAD(cipherText, rawKey, aad []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}

	if len(cipherText) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrDecrypt
	}

	nonce, body := cipherText[:gcm.NonceSize()], cipherText[gcm.NonceSize():]

	plainText, err := gcm.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, ErrDecrypt
	}

	return plainText, nil
}

func NewAESKey() ([]byte, error) {
	rawKey := make([]byte, AESKeySize)
	if _, err := rand.Read(rawKey); err != nil {
		return nil, fmt.Errorf("generating AES key: %w", err)
	}
	return rawKey, nil
}
