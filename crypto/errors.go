package crypto

import "errors"

// ErrCrypto is returned by every operation that fails to authenticate a
// ciphertext or signature. The underlying cause is never exposed.
var ErrCrypto = errors.New("crypto: authentication failed")

// ErrInvalidToken is returned when a string is not a well-formed token.
var ErrInvalidToken = errors.New("crypto: invalid token format")
