package masterkey

import (
	"errors"

	"github.com/jmcleod/ironkeep/crypto"
)

var (
	ErrAlreadyProvisioned    = errors.New("master password already provisioned")
	ErrNotProvisioned        = errors.New("master password not provisioned")
	ErrInvalidMasterPassword = errors.New("invalid master password")
	ErrSameMasterPassword    = errors.New("new master password matches the current one")
	ErrUnauthorized          = errors.New("not authorized to change the master password")
	ErrExpired               = errors.New("token expired")
	ErrInvalidToken          = crypto.ErrInvalidToken
	ErrRateLimited           = errors.New("too many requests")
)
