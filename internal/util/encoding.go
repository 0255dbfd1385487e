package util

import (
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKD so that visually identical passwords typed on
// different platforms derive identical keys.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func B64Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func B64Decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
