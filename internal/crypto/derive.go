package icrypto

import (
	"fmt"
	"time"

	"github.com/jmcleod/ironkeep/internal/util"
)

const (
	masterKEKInfo  = "ironkeep:master-kek:v1"
	itemKeyInfo    = "ironkeep:item-key:v1"
	sessionKeyInfo = "ironkeep:session-key:v1"
	userKeyInfo    = "ironkeep:user-key:v1"
	tokenVaultInfo = "ironkeep:token-vault:v1"
	tempMasterInfo = "ironkeep:temp-master:v1"
)

// DeriveMasterKEK derives the long-term wrapping key from the master
// password. The verification hash uses its own salt and encoding, so the two
// values share no reversible step.
func DeriveMasterKEK(masterPassword string, salt []byte, params util.Argon2idParams) ([]byte, error) {
	stretched, err := util.DeriveArgon2idKey(util.Normalize(masterPassword), salt, params)
	if err != nil {
		return nil, fmt.Errorf("stretching master password: %w", err)
	}
	defer util.WipeBytes(stretched)
	return util.HKDF(stretched, salt, []byte(masterKEKInfo))
}

// DeriveItemKey derives the per-row wrapping key as a keyed digest of the
// row identity under the master KEK.
func DeriveItemKey(kek []byte, table, itemID string) ([]byte, error) {
	return util.HKDF(kek, buildAAD(table, itemID), []byte(itemKeyInfo))
}

// DeriveSessionKey derives the key sealing a session vault entry. The start
// time never leaves the server, so a captured session ID alone is not enough.
func DeriveSessionKey(sessionID string, startedAt time.Time, pepper []byte) ([]byte, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID must not be empty")
	}
	seed := buildAAD(sessionID, startedAt.UnixNano())
	return util.HKDF(seed, pepper, []byte(sessionKeyInfo))
}

// DeriveUserKey derives the key protecting a user's copy of the master
// password from the user's login credentials.
func DeriveUserKey(login, password string, passwordSalt []byte, params util.Argon2idParams) ([]byte, error) {
	salt := buildAAD(passwordSalt, login)
	stretched, err := util.DeriveArgon2idKey(util.Normalize(password), salt, params)
	if err != nil {
		return nil, fmt.Errorf("stretching login password: %w", err)
	}
	defer util.WipeBytes(stretched)
	return util.HKDF(stretched, salt, []byte(userKeyInfo))
}

// DeriveTokenVaultKey derives the key protecting an API token's vault.
func DeriveTokenVaultKey(token, tokenHash string, instanceSecret []byte) ([]byte, error) {
	return util.HKDF(buildAAD(tokenHash, token), instanceSecret, []byte(tokenVaultInfo))
}

// DeriveTempMasterKey derives the key protecting the temporary master
// password envelope from the token secret handed to users.
func DeriveTempMasterKey(secret string, salt []byte, params util.Argon2idParams) ([]byte, error) {
	stretched, err := util.DeriveArgon2idKey(secret, salt, params)
	if err != nil {
		return nil, fmt.Errorf("stretching temporary master password: %w", err)
	}
	defer util.WipeBytes(stretched)
	return util.HKDF(stretched, salt, []byte(tempMasterInfo))
}
