package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

const HMACMinKeyLength = 16

// HMACSHA256 computes HMAC-SHA256 of message under key.
func HMACSHA256(message, key []byte) ([]byte, error) {
	if len(key) < HMACMinKeyLength {
		return nil, fmt.Errorf("hmac key too short: got %d, want at least %d", len(key), HMACMinKeyLength)
	}
	m := hmac.New(sha256.New, key)
	m.Write(message)
	return m.Sum(nil), nil
}

// VerifyHMACSHA256 reports whether mac is a valid HMAC-SHA256 of message
// under key.
func VerifyHMACSHA256(message, mac, key []byte) bool {
	expected, err := HMACSHA256(message, key)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, mac)
}

// SHA256Hex returns the hex-encoded SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return HexEncode(sum[:])
}
