package icrypto

import (
	"bytes"
	"testing"
	"time"

	"github.com/jmcleod/ironkeep/internal/util"
)

func testParams(t *testing.T) util.Argon2idParams {
	t.Helper()
	p, err := util.Argon2idProfile(util.KDFProfileInteractive)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	return p
}

func TestAAD(t *testing.T) {
	aad1 := AADItemKeyWrap("ACCOUNT", "acc-1", 1)
	aad2 := AADItemKeyWrap("ACCOUNT", "acc-1", 1)
	if !bytes.Equal(aad1, aad2) {
		t.Error("AADItemKeyWrap should be deterministic")
	}

	if bytes.Equal(aad1, AADItemKeyWrap("ACCOUNT", "acc-2", 1)) {
		t.Error("AADItemKeyWrap should differ for different item IDs")
	}
	if bytes.Equal(aad1, AADItemKeyWrap("CUSTOM_FIELD", "acc-1", 1)) {
		t.Error("AADItemKeyWrap should differ for different tables")
	}

	// Length prefixes prevent ("AB","C") colliding with ("A","BC").
	if bytes.Equal(AADItemContent("AB", "C", "pass", 1), AADItemContent("A", "BC", "pass", 1)) {
		t.Error("AAD parts must be unambiguous")
	}

	if bytes.Equal(AADSessionVault("s1", 1), AADSessionVault("s1", 2)) {
		t.Error("AADSessionVault should differ per epoch")
	}
}

func TestDeriveMasterKEK(t *testing.T) {
	params := testParams(t)
	salt := []byte("0123456789abcdef")

	k1, err := DeriveMasterKEK("CorrectHorseBattery1", salt, params)
	if err != nil {
		t.Fatalf("DeriveMasterKEK failed: %v", err)
	}
	k2, _ := DeriveMasterKEK("CorrectHorseBattery1", salt, params)
	if !bytes.Equal(k1, k2) {
		t.Error("DeriveMasterKEK should be deterministic")
	}
	k3, _ := DeriveMasterKEK("CorrectHorseBattery1", []byte("fedcba9876543210"), params)
	if bytes.Equal(k1, k3) {
		t.Error("different salts must derive different keys")
	}
	k4, _ := DeriveMasterKEK("NewPhrase9!", salt, params)
	if bytes.Equal(k1, k4) {
		t.Error("different passwords must derive different keys")
	}

	// The KEK is not the bare argon2id output used for verification-style hashes.
	raw, _ := util.DeriveArgon2idKey("CorrectHorseBattery1", salt, params)
	if bytes.Equal(k1, raw) {
		t.Error("KEK must be domain separated from the raw stretched password")
	}
}

func TestDeriveItemKey(t *testing.T) {
	kek := bytes.Repeat([]byte{7}, 32)

	a, err := DeriveItemKey(kek, "ACCOUNT", "1")
	if err != nil {
		t.Fatalf("DeriveItemKey failed: %v", err)
	}
	b, _ := DeriveItemKey(kek, "ACCOUNT", "2")
	c, _ := DeriveItemKey(kek, "CUSTOM_FIELD", "1")
	if bytes.Equal(a, b) || bytes.Equal(a, c) {
		t.Error("item keys must be unique per table and row")
	}
}

func TestDeriveSessionKey(t *testing.T) {
	start := time.Unix(1700000000, 42)
	pepper := []byte("pepper")

	k1, err := DeriveSessionKey("sess-1", start, pepper)
	if err != nil {
		t.Fatalf("DeriveSessionKey failed: %v", err)
	}
	k2, _ := DeriveSessionKey("sess-1", start, pepper)
	if !bytes.Equal(k1, k2) {
		t.Error("DeriveSessionKey should be deterministic")
	}
	k3, _ := DeriveSessionKey("sess-1", start.Add(time.Nanosecond), pepper)
	if bytes.Equal(k1, k3) {
		t.Error("a different start time must derive a different key")
	}
	k4, _ := DeriveSessionKey("sess-2", start, pepper)
	if bytes.Equal(k1, k4) {
		t.Error("a different session ID must derive a different key")
	}
	if _, err := DeriveSessionKey("", start, pepper); err == nil {
		t.Error("expected error for empty session ID")
	}
}

func TestDeriveUserKey(t *testing.T) {
	params := testParams(t)
	salt := []byte("install-salt")

	k1, err := DeriveUserKey("alice", "pw", salt, params)
	if err != nil {
		t.Fatalf("DeriveUserKey failed: %v", err)
	}
	k2, _ := DeriveUserKey("bob", "pw", salt, params)
	if bytes.Equal(k1, k2) {
		t.Error("same password for different logins must derive different keys")
	}
}

func TestDeriveTokenAndTempKeys(t *testing.T) {
	params := testParams(t)

	v1, err := DeriveTokenVaultKey("tok", "hash", []byte("instance"))
	if err != nil {
		t.Fatalf("DeriveTokenVaultKey failed: %v", err)
	}
	v2, _ := DeriveTokenVaultKey("tok", "hash", []byte("other-instance"))
	if bytes.Equal(v1, v2) {
		t.Error("token vault key must depend on the instance secret")
	}

	t1, err := DeriveTempMasterKey("ABCDEF", []byte("salt-salt"), params)
	if err != nil {
		t.Fatalf("DeriveTempMasterKey failed: %v", err)
	}
	if len(t1) != util.HKDFKeyLength {
		t.Errorf("expected %d byte key, got %d", util.HKDFKeyLength, len(t1))
	}
}
