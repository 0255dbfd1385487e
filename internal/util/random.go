package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// Unambiguous upper-case alphabet for tokens a human may have to type.
var allowedRandomChars = []rune("23456789ABCDEFGHJKLMNPQRSTVWXYZ")

func RandomChars(n int) (string, error) {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		idx, err := RandomIntn(len(allowedRandomChars))
		if err != nil {
			return "", fmt.Errorf("generating random char index: %w", err)
		}
		sb.WriteRune(allowedRandomChars[idx])
	}
	return sb.String(), nil
}

// IsRandomChars reports whether s only uses the RandomChars alphabet.
func IsRandomChars(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune(string(allowedRandomChars), r) {
			return false
		}
	}
	return true
}

func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomHex returns n random bytes hex encoded.
func RandomHex(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return HexEncode(b), nil
}
