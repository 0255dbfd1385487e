package masterkey

import (
	"time"

	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/key"
)

const (
	recordTypeMaster       = "MASTER"
	recordTypeTempMaster   = "TEMP_MASTER"
	recordTypeRecovery     = "RECOVERY"
	recordTypeRecoveryUser = "RECOVERY_USER"
	recordIDCurrent        = "current"

	epochScope = "master"
	aadVersion = 1
)

// MasterPasswordRecord is the installation-wide master password row. The
// verification hash and the KDF salt are independent: the hash carries its
// own salt and is never used to derive keys.
type MasterPasswordRecord struct {
	VerificationHash string              `json:"verification_hash"`
	KDFSalt          []byte              `json:"kdf_salt"`
	KDFParams        util.Argon2idParams `json:"kdf_params"`
	Epoch            uint64              `json:"epoch"`
	LastUpdated      time.Time           `json:"last_updated"`
	CreatedAt        time.Time           `json:"created_at"`
}

// TemporaryMasterPassword holds the master password sealed under a key
// derived from a one-off token. At most one exists.
type TemporaryMasterPassword struct {
	ID          string              `json:"id"`
	Hash        string              `json:"hash"`
	Salt        []byte              `json:"salt"`
	KDFParams   util.Argon2idParams `json:"kdf_params"`
	Sealed      *key.Sealed         `json:"sealed"`
	MasterEpoch uint64              `json:"master_epoch"`
	CreatedAt   time.Time           `json:"created_at"`
	ExpireAt    time.Time           `json:"expire_at"`
	Attempts    int                 `json:"attempts"`
	MaxAttempts int                 `json:"max_attempts"`
}

// RecoveryToken authorizes one login password reset.
type RecoveryToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
	ExpireAt  time.Time `json:"expire_at"`
}

// recoveryState tracks a user's recovery requests in the current window.
type recoveryState struct {
	Count         int       `json:"count"`
	WindowStart   time.Time `json:"window_start"`
	ActiveTokenID string    `json:"active_token_id,omitempty"`
}

// LoginCredentials are the login name and password of the calling user.
type LoginCredentials struct {
	Login    string
	Password string
}

// LoadResult is the outcome of LoadOnLogin.
type LoadResult int

const (
	// LoadOK means the master password was loaded into the session vault.
	LoadOK LoadResult = iota
	// LoadNeedMasterPassword means there is no record yet or the user has
	// no stored copy.
	LoadNeedMasterPassword
	// LoadNeedOldPassword means the login password was reset and the stored
	// copy can only be recovered with the previous credential.
	LoadNeedOldPassword
	// LoadInvalid means the stored copy no longer matches the record.
	LoadInvalid
	// LoadChanged means the master password changed since the copy was
	// stored.
	LoadChanged
)

func (r LoadResult) String() string {
	switch r {
	case LoadOK:
		return "ok"
	case LoadNeedMasterPassword:
		return "need_master_password"
	case LoadNeedOldPassword:
		return "need_old_password"
	case LoadInvalid:
		return "invalid"
	case LoadChanged:
		return "changed"
	default:
		return "unknown"
	}
}

// Status summarises the master password state for operators.
type Status struct {
	Provisioned        bool
	Epoch              uint64
	LastUpdated        time.Time
	TemporaryActive    bool
	TemporaryExpireAt  time.Time
	RotationInProgress bool
}
