package masterkey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkeep/crypto"
	"github.com/jmcleod/ironkeep/storage/memory"
)

func TestTemporaryMasterPasswordZeroTTL(t *testing.T) {
	e := newEnv(t, memory.NewRepository())
	sc := e.provision(t)

	tok, err := e.svc.IssueTemporaryMasterPassword(t.Context(), sc, 0)
	require.NoError(t, err)
	_, err = e.svc.RedeemTemporaryMasterPassword(t.Context(), tok.String())
	assert.ErrorIs(t, err, ErrExpired)
}

func TestTemporaryMasterPasswordRedeem(t *testing.T) {
	e := newEnv(t, memory.NewRepository())
	ctx := t.Context()
	sc := e.provision(t)

	tok, err := e.svc.IssueTemporaryMasterPassword(ctx, sc, time.Hour, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, crypto.TokenTempMaster, tok.Kind())
	mail := e.mailer.last()
	assert.Equal(t, "ops@example.com", mail.recipient)
	assert.Contains(t, mail.message, tok.String())

	got, err := e.svc.RedeemTemporaryMasterPassword(ctx, tok.String())
	require.NoError(t, err)
	assert.Equal(t, originalMaster, string(got))

	// A user without a copy can use the token in place of the master password.
	bob := e.addUser(t, "bob", "bob-pw")
	_, err = e.svc.UpdateMasterPasswordOnLogin(ctx, []byte(tok.String()), bob, e.session())
	require.NoError(t, err)
	res, err := e.svc.LoadOnLogin(ctx, bob, e.session())
	require.NoError(t, err)
	assert.Equal(t, LoadOK, res)

	tmp, _, err := loadTemp(ctx, e.repo)
	require.NoError(t, err)
	assert.Equal(t, 2, tmp.Attempts)
}

func TestTemporaryMasterPasswordInvalid(t *testing.T) {
	e := newEnv(t, memory.NewRepository())
	ctx := t.Context()
	sc := e.provision(t)

	_, err := e.svc.RedeemTemporaryMasterPassword(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := crypto.NewToken(crypto.TokenTempMaster)
	require.NoError(t, err)
	_, err = e.svc.RedeemTemporaryMasterPassword(ctx, other.String())
	assert.ErrorIs(t, err, ErrInvalidToken)

	first, err := e.svc.IssueTemporaryMasterPassword(ctx, sc, time.Hour)
	require.NoError(t, err)
	second, err := e.svc.IssueTemporaryMasterPassword(ctx, sc, time.Hour)
	require.NoError(t, err)

	_, err = e.svc.RedeemTemporaryMasterPassword(ctx, first.String())
	assert.ErrorIs(t, err, ErrInvalidToken)
	got, err := e.svc.RedeemTemporaryMasterPassword(ctx, second.String())
	require.NoError(t, err)
	assert.Equal(t, originalMaster, string(got))

	recovery, err := crypto.NewToken(crypto.TokenRecovery)
	require.NoError(t, err)
	_, err = e.svc.RedeemTemporaryMasterPassword(ctx, recovery.String())
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTemporaryMasterPasswordMaxAttempts(t *testing.T) {
	e := newEnv(t, memory.NewRepository(), WithTempMaxAttempts(2))
	ctx := t.Context()
	sc := e.provision(t)

	tok, err := e.svc.IssueTemporaryMasterPassword(ctx, sc, time.Hour)
	require.NoError(t, err)
	wrong, err := crypto.NewToken(crypto.TokenTempMaster)
	require.NoError(t, err)

	for range 2 {
		_, err = e.svc.RedeemTemporaryMasterPassword(ctx, wrong.String())
		assert.ErrorIs(t, err, ErrInvalidToken)
	}
	_, err = e.svc.RedeemTemporaryMasterPassword(ctx, tok.String())
	assert.ErrorIs(t, err, ErrExpired)
}

func TestTemporaryMasterPasswordExpiry(t *testing.T) {
	e := newEnv(t, memory.NewRepository())
	ctx := t.Context()
	sc := e.provision(t)

	tok, err := e.svc.IssueTemporaryMasterPassword(ctx, sc, time.Hour)
	require.NoError(t, err)
	e.clock.Advance(time.Hour)
	_, err = e.svc.RedeemTemporaryMasterPassword(ctx, tok.String())
	assert.ErrorIs(t, err, ErrExpired)

	_, err = e.svc.IssueTemporaryMasterPassword(ctx, sc, -time.Second)
	assert.Error(t, err)
}

func TestTemporaryMasterPasswordClearedByRotation(t *testing.T) {
	e := newEnv(t, memory.NewRepository())
	ctx := t.Context()
	sc := e.provision(t)

	tok, err := e.svc.IssueTemporaryMasterPassword(ctx, sc, time.Hour)
	require.NoError(t, err)
	_, _, err = e.svc.UpdateMasterPassword(ctx, []byte(newMaster), e.adminCreds, sc)
	require.NoError(t, err)

	_, err = e.svc.RedeemTemporaryMasterPassword(ctx, tok.String())
	assert.ErrorIs(t, err, ErrInvalidToken)

	st, err := e.svc.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.TemporaryActive)
}
