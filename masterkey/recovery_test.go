package masterkey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkeep/crypto"
	"github.com/jmcleod/ironkeep/storage/memory"
	"github.com/jmcleod/ironkeep/users"
)

func TestRecovery(t *testing.T) {
	e := newEnv(t, memory.NewRepository())
	ctx := t.Context()
	e.provision(t)

	bob := e.addUser(t, "bob", "bob-pw")
	_, err := e.svc.UpdateMasterPasswordOnLogin(ctx, []byte(originalMaster), bob, e.session())
	require.NoError(t, err)
	u, err := e.users.GetByLogin(ctx, "bob")
	require.NoError(t, err)

	tok, err := e.svc.RequestRecovery(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, crypto.TokenRecovery, tok.Kind())
	mail := e.mailer.last()
	assert.Equal(t, "bob@example.com", mail.recipient)
	assert.Contains(t, mail.message, tok.String())

	require.NoError(t, e.svc.CompleteRecovery(ctx, tok.String(), "bob-new"))
	assert.ErrorIs(t, e.svc.CompleteRecovery(ctx, tok.String(), "bob-newer"), ErrInvalidToken)

	_, err = e.svc.LoadOnLogin(ctx, bob, e.session())
	assert.ErrorIs(t, err, users.ErrInvalidCredentials)

	bob.Password = "bob-new"
	res, err := e.svc.LoadOnLogin(ctx, bob, e.session())
	require.NoError(t, err)
	assert.Equal(t, LoadNeedOldPassword, res)

	_, err = e.svc.UpdateMasterPasswordFromOldLoginPassword(ctx, "not-it", bob, e.session())
	assert.ErrorIs(t, err, ErrInvalidMasterPassword)
	_, err = e.svc.UpdateMasterPasswordFromOldLoginPassword(ctx, "bob-pw", bob, e.session())
	require.NoError(t, err)

	res, err = e.svc.LoadOnLogin(ctx, bob, e.session())
	require.NoError(t, err)
	assert.Equal(t, LoadOK, res)
}

func TestRecoveryFromOldMasterPassword(t *testing.T) {
	e := newEnv(t, memory.NewRepository())
	ctx := t.Context()
	sc := e.provision(t)

	temp, err := e.svc.IssueTemporaryMasterPassword(ctx, sc, time.Hour)
	require.NoError(t, err)

	tok, err := e.svc.RequestRecovery(ctx, e.admin.ID)
	require.NoError(t, err)
	require.NoError(t, e.svc.CompleteRecovery(ctx, tok.String(), "admin-new"))
	creds := LoginCredentials{Login: "admin", Password: "admin-new"}

	res, err := e.svc.LoadOnLogin(ctx, creds, e.session())
	require.NoError(t, err)
	assert.Equal(t, LoadNeedOldPassword, res)

	_, err = e.svc.UpdateMasterPasswordFromOldPassword(ctx, []byte("wrong"), creds, e.session())
	assert.ErrorIs(t, err, ErrInvalidMasterPassword)
	next, err := e.svc.UpdateMasterPasswordFromOldPassword(ctx, []byte(originalMaster), creds, e.session())
	require.NoError(t, err)

	buf, err := e.vault.Load(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, originalMaster, string(buf.Bytes()))
	buf.Destroy()

	// The master password did not change, so the temporary one stays live.
	got, err := e.svc.RedeemTemporaryMasterPassword(ctx, temp.String())
	require.NoError(t, err)
	assert.Equal(t, originalMaster, string(got))
}

func TestRecoveryExpired(t *testing.T) {
	e := newEnv(t, memory.NewRepository())
	ctx := t.Context()

	tok, err := e.svc.RequestRecovery(ctx, e.admin.ID)
	require.NoError(t, err)
	e.clock.Advance(DefaultRecoveryTTL)
	assert.ErrorIs(t, e.svc.CompleteRecovery(ctx, tok.String(), "admin-new"), ErrExpired)

	_, err = e.users.Authenticate(ctx, "admin", e.adminCreds.Password)
	assert.NoError(t, err)
}

func TestRecoveryLimit(t *testing.T) {
	e := newEnv(t, memory.NewRepository())
	ctx := t.Context()

	var toks []crypto.Token
	for range DefaultRecoveryLimit {
		tok, err := e.svc.RequestRecovery(ctx, e.admin.ID)
		require.NoError(t, err)
		toks = append(toks, tok)
	}
	_, err := e.svc.RequestRecovery(ctx, e.admin.ID)
	assert.ErrorIs(t, err, ErrRateLimited)

	// Only the newest token is live.
	assert.ErrorIs(t, e.svc.CompleteRecovery(ctx, toks[0].String(), "admin-new"), ErrInvalidToken)

	e.clock.Advance(2 * DefaultRecoveryTTL)
	tok, err := e.svc.RequestRecovery(ctx, e.admin.ID)
	require.NoError(t, err)
	assert.NoError(t, e.svc.CompleteRecovery(ctx, tok.String(), "admin-new"))
}

func TestRecoveryInvalid(t *testing.T) {
	e := newEnv(t, memory.NewRepository())
	ctx := t.Context()

	_, err := e.svc.RequestRecovery(ctx, "no-such-user")
	assert.ErrorIs(t, err, users.ErrNotFound)

	assert.ErrorIs(t, e.svc.CompleteRecovery(ctx, "garbage", "pw"), ErrInvalidToken)
	temp, err := crypto.NewToken(crypto.TokenTempMaster)
	require.NoError(t, err)
	assert.ErrorIs(t, e.svc.CompleteRecovery(ctx, temp.String(), "pw"), ErrInvalidToken)

	tok, err := e.svc.RequestRecovery(ctx, e.admin.ID)
	require.NoError(t, err)
	assert.Error(t, e.svc.CompleteRecovery(ctx, tok.String(), ""))
	// A failed reset leaves the token usable.
	assert.NoError(t, e.svc.CompleteRecovery(ctx, tok.String(), "admin-new"))
}
