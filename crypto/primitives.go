package crypto

import (
	"errors"
	"fmt"

	"github.com/jmcleod/ironkeep/internal/util"
)

// Argon2idParams configures Argon2id key derivation.
type Argon2idParams = util.Argon2idParams

// KeySize is the size in bytes of every symmetric key in the module.
const KeySize = util.AESKeySize

// Named KDF profiles for different deployment scenarios.
const (
	KDFProfileInteractive = util.KDFProfileInteractive // sub-second, dev/testing
	KDFProfileModerate    = util.KDFProfileModerate    // production default
	KDFProfileSensitive   = util.KDFProfileSensitive   // high-value secrets
)

// DefaultArgon2idParams returns the default Argon2id parameters (moderate profile).
func DefaultArgon2idParams() Argon2idParams {
	return util.DefaultArgon2idParams()
}

// Argon2idProfile returns the Argon2idParams for a named profile.
func Argon2idProfile(name string) (Argon2idParams, error) {
	return util.Argon2idProfile(name)
}

// ValidateArgon2idParams checks that the given parameters meet the minimum
// acceptable thresholds.
func ValidateArgon2idParams(p Argon2idParams) error {
	return util.ValidateArgon2idParams(p)
}

// GenerateKey returns length cryptographically secure random bytes.
func GenerateKey(length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("key length must be positive, got %d", length)
	}
	return util.RandomBytes(length)
}

// Encrypt seals plaintext under key with AES-256-GCM.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	return EncryptWithAAD(plaintext, key, nil)
}

// EncryptWithAAD seals plaintext under key, binding the ciphertext to aad.
func EncryptWithAAD(plaintext, key, aad []byte) ([]byte, error) {
	ct, err := util.EncryptAESWithAAD(plaintext, key, aad)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	return ct, nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	return DecryptWithAAD(ciphertext, key, nil)
}

// DecryptWithAAD opens a ciphertext produced by EncryptWithAAD. Any failure,
// including a malformed key, returns ErrCrypto and no plaintext.
func DecryptWithAAD(ciphertext, key, aad []byte) ([]byte, error) {
	pt, err := util.DecryptAESWithAAD(ciphertext, key, aad)
	if err != nil {
		return nil, ErrCrypto
	}
	return pt, nil
}

// HashPassword returns a self-describing, salted argon2id hash of password.
// Passwords are NFKD normalised first.
func HashPassword(password string, params Argon2idParams) (string, error) {
	return util.HashArgon2id(util.Normalize(password), params)
}

// VerifyPassword reports whether password matches hash. A malformed hash is
// an error rather than a mismatch.
func VerifyPassword(password, hash string) (bool, error) {
	ok, err := util.VerifyArgon2idHash(util.Normalize(password), hash)
	if err != nil {
		if errors.Is(err, util.ErrInvalidHash) {
			return false, err
		}
		return false, fmt.Errorf("verifying password: %w", err)
	}
	return ok, nil
}

// SignMessage returns an HMAC-SHA256 of message under key.
func SignMessage(message, key []byte) ([]byte, error) {
	return util.HMACSHA256(message, key)
}

// VerifySignature checks a signature produced by SignMessage in constant time.
func VerifySignature(message, signature, key []byte) bool {
	return util.VerifyHMACSHA256(message, signature, key)
}
