package util

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

type Argon2idParams struct {
	Time        uint32 `json:"time" yaml:"time"`
	MemoryKiB   uint32 `json:"memory" yaml:"memory"`
	Parallelism uint8  `json:"parallelism" yaml:"parallelism"`
	KeyLen      uint32 `json:"key_len" yaml:"key_len"`
}

// Named KDF profiles.
const (
	KDFProfileInteractive = "interactive"
	KDFProfileModerate    = "moderate"
	KDFProfileSensitive   = "sensitive"
)

const (
	minArgonTime      = 1
	minArgonMemoryKiB = 8 * 1024
	hashSaltLen       = 16
)

// ErrInvalidHash is returned when an encoded argon2id hash cannot be parsed.
var ErrInvalidHash = errors.New("invalid password hash")

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      32,
	}
}

// Argon2idProfile returns the parameters for a named profile.
func Argon2idProfile(name string) (Argon2idParams, error) {
	switch name {
	case KDFProfileInteractive:
		return Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, KeyLen: 32}, nil
	case KDFProfileModerate, "":
		return DefaultArgon2idParams(), nil
	case KDFProfileSensitive:
		return Argon2idParams{Time: 3, MemoryKiB: 256 * 1024, Parallelism: 4, KeyLen: 32}, nil
	default:
		return Argon2idParams{}, fmt.Errorf("unknown KDF profile %q", name)
	}
}

func ValidateArgon2idParams(p Argon2idParams) error {
	if p.Time < minArgonTime {
		return fmt.Errorf("argon2id time must be at least %d", minArgonTime)
	}
	if p.MemoryKiB < minArgonMemoryKiB {
		return fmt.Errorf("argon2id memory must be at least %d KiB", minArgonMemoryKiB)
	}
	if p.Parallelism == 0 {
		return fmt.Errorf("argon2id parallelism must be at least 1")
	}
	if p.KeyLen != 32 {
		return fmt.Errorf("argon2id key length must be 32 bytes")
	}
	return nil
}

func DeriveArgon2idKey(passphrase string, salt []byte, params Argon2idParams) ([]byte, error) {
	if params.KeyLen != 32 {
		return nil, fmt.Errorf("argon2id key length must be 32 bytes")
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("argon2id salt must not be empty")
	}
	key := argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	return key, nil
}

func CompareArgon2idKey(passphrase string, salt []byte, params Argon2idParams, expectedKey []byte) (bool, error) {
	key, err := DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		return false, err
	}
	defer WipeBytes(key)
	return subtle.ConstantTimeCompare(key, expectedKey) == 1, nil
}

// HashArgon2id returns a self-describing hash of the form
//
//	argon2id$m=<memory>,t=<time>,p=<parallelism>$<b64 salt>$<b64 key>
func HashArgon2id(passphrase string, params Argon2idParams) (string, error) {
	salt, err := RandomBytes(hashSaltLen)
	if err != nil {
		return "", err
	}
	key, err := DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		return "", err
	}
	defer WipeBytes(key)
	return fmt.Sprintf("argon2id$m=%d,t=%d,p=%d$%s$%s",
		params.MemoryKiB, params.Time, params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyArgon2idHash checks passphrase against a hash produced by HashArgon2id.
func VerifyArgon2idHash(passphrase, encoded string) (bool, error) {
	const prefix = "argon2id$"
	if !strings.HasPrefix(encoded, prefix) {
		return false, ErrInvalidHash
	}
	parts := strings.Split(encoded[len(prefix):], "$")
	if len(parts) != 3 {
		return false, ErrInvalidHash
	}

	var params Argon2idParams
	if _, err := fmt.Sscanf(parts[0], "m=%d,t=%d,p=%d", &params.MemoryKiB, &params.Time, &params.Parallelism); err != nil {
		return false, ErrInvalidHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil || len(salt) == 0 {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil || len(expected) != 32 {
		return false, ErrInvalidHash
	}
	params.KeyLen = uint32(len(expected))

	return CompareArgon2idKey(passphrase, salt, params, expected)
}
