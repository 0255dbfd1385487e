package util

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

// HKDF expands seed into a 32-byte key. Every derivation must name its
// purpose in info.
func HKDF(seed, salt, info []byte) ([]byte, error) {
	switch {
	case len(seed) == 0:
		return nil, errors.New("hkdf: empty input key material")
	case len(info) == 0:
		return nil, errors.New("hkdf: empty info")
	}
	k := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, salt, info), k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}
