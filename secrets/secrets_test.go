package secrets

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkeep/crypto"
	icrypto "github.com/jmcleod/ironkeep/internal/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/key"
	"github.com/jmcleod/ironkeep/rekey"
	"github.com/jmcleod/ironkeep/storage"
	"github.com/jmcleod/ironkeep/storage/memory"
	"github.com/jmcleod/ironkeep/storage/storagetest"
)

type testKeyring struct {
	id    string
	epoch uint64
	kek   []byte
}

func newTestKeyring(t *testing.T, id string) *testKeyring {
	t.Helper()
	kek, err := util.RandomBytes(32)
	require.NoError(t, err)
	return &testKeyring{id: id, epoch: 1, kek: kek}
}

func (k *testKeyring) Epoch() uint64 {
	return k.epoch
}

func (k *testKeyring) ItemKey(table, itemID string) (key.Key, error) {
	raw, err := icrypto.DeriveItemKey(k.kek, table, itemID)
	if err != nil {
		return nil, err
	}
	return key.NewWrappingKey(k.id, raw)
}

func testParams(t *testing.T) util.Argon2idParams {
	t.Helper()
	p, err := util.Argon2idProfile(util.KDFProfileInteractive)
	require.NoError(t, err)
	return p
}

var errWrongMaster = errors.New("wrong master password")

// testGuard stands in for the master password record.
type testGuard struct {
	epoch  uint64
	master string
	pins   int
}

func (g *testGuard) Pin(context.Context, storage.BatchTx) (uint64, error) {
	g.pins++
	return g.epoch, nil
}

func (g *testGuard) VerifyMaster(_ context.Context, _ storage.BatchTx, masterPassword []byte) error {
	g.pins++
	if string(masterPassword) != g.master {
		return errWrongMaster
	}
	return nil
}

type fixture struct {
	repo     storage.Repository
	guard    *testGuard
	accounts *AccountStore
	fields   *CustomFieldStore
	tokens   *AuthTokenStore
}

func newFixture(t *testing.T, repo storage.Repository) *fixture {
	t.Helper()
	guard := &testGuard{epoch: 1, master: "old-master"}
	tokens, err := NewAuthTokenStore(repo, guard, []byte("instance-secret-0123456789"), testParams(t))
	require.NoError(t, err)
	return &fixture{
		repo:     repo,
		guard:    guard,
		accounts: NewAccountStore(repo, guard),
		fields:   NewCustomFieldStore(repo, guard),
		tokens:   tokens,
	}
}

func (f *fixture) coordinator() *rekey.Coordinator {
	return rekey.NewCoordinator(f.repo,
		[]rekey.Table{f.accounts, f.accounts.HistoryTable(), f.fields, f.tokens},
		rekey.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestAccountPassword(t *testing.T) {
	f := newFixture(t, memory.NewRepository())
	kr := newTestKeyring(t, "kr1")
	ctx := t.Context()

	a := &Account{UserID: "u1", Name: "mail", Login: "alice"}
	require.NoError(t, f.accounts.Create(ctx, kr, a, []byte("s3cr3t")))
	require.NotEmpty(t, a.ID)

	got, err := f.accounts.GetPasswordForID(ctx, kr, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", string(got))

	stored, err := f.accounts.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "mail", stored.Name)
	assert.NotContains(t, string(stored.Pass.Data.Ciphertext), "s3cr3t")

	_, err = f.accounts.GetPasswordForID(ctx, newTestKeyring(t, "other"), a.ID)
	assert.ErrorIs(t, err, crypto.ErrCrypto)

	_, err = f.accounts.GetPasswordForID(ctx, kr, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAccountRowsAreBound(t *testing.T) {
	f := newFixture(t, memory.NewRepository())
	kr := newTestKeyring(t, "kr1")
	ctx := t.Context()

	a := &Account{ID: "a", UserID: "u1"}
	b := &Account{ID: "b", UserID: "u1"}
	require.NoError(t, f.accounts.Create(ctx, kr, a, []byte("alpha")))
	require.NoError(t, f.accounts.Create(ctx, kr, b, []byte("bravo")))

	// Moving a's sealed value onto b must not decrypt.
	b.Pass = a.Pass
	require.NoError(t, storage.PutJSON(ctx, f.repo, TableAccount, b.ID, b, 0))
	_, err := f.accounts.GetPasswordForID(ctx, kr, "b")
	assert.ErrorIs(t, err, crypto.ErrCrypto)
}

func TestAccountUpdatePasswordArchives(t *testing.T) {
	f := newFixture(t, memory.NewRepository())
	kr := newTestKeyring(t, "kr1")
	ctx := t.Context()

	a := &Account{UserID: "u1", Name: "bank"}
	require.NoError(t, f.accounts.Create(ctx, kr, a, []byte("first")))
	require.NoError(t, f.accounts.UpdatePassword(ctx, kr, a.ID, []byte("second")))

	got, err := f.accounts.GetPasswordForID(ctx, kr, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	history, err := f.accounts.History(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	old, err := f.accounts.GetHistoryPassword(ctx, kr, history[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "first", string(old))

	require.NoError(t, f.accounts.Delete(ctx, a.ID))
	history, err = f.accounts.History(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.ErrorIs(t, f.accounts.Delete(ctx, a.ID), ErrNotFound)
}

func TestCustomFields(t *testing.T) {
	f := newFixture(t, memory.NewRepository())
	kr := newTestKeyring(t, "kr1")
	ctx := t.Context()

	_, err := f.fields.Set(ctx, kr, "acct-1", "pin", []byte("1234"))
	require.NoError(t, err)
	_, err = f.fields.Set(ctx, kr, "acct-1", "answer", []byte("blue"))
	require.NoError(t, err)
	_, err = f.fields.Set(ctx, kr, "acct-2", "pin", []byte("9999"))
	require.NoError(t, err)

	got, err := f.fields.Get(ctx, kr, "acct-1", "pin")
	require.NoError(t, err)
	assert.Equal(t, "1234", string(got))

	_, err = f.fields.Set(ctx, kr, "acct-1", "pin", []byte("4321"))
	require.NoError(t, err)
	got, err = f.fields.Get(ctx, kr, "acct-1", "pin")
	require.NoError(t, err)
	assert.Equal(t, "4321", string(got))

	mine, err := f.fields.ListForItem(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	all, err := f.fields.GetAllEncrypted(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, f.fields.Delete(ctx, "acct-1", "pin"))
	_, err = f.fields.Get(ctx, kr, "acct-1", "pin")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.fields.Set(ctx, kr, "", "pin", []byte("x"))
	assert.Error(t, err)
}

func TestAuthTokenVault(t *testing.T) {
	f := newFixture(t, memory.NewRepository())
	ctx := t.Context()

	tok, err := f.tokens.Create(ctx, "u1", "backup", "token-pass", []byte("old-master"), 0)
	require.NoError(t, err)
	assert.NotContains(t, tok.Hash, "token-pass")

	got, err := f.tokens.OpenVault(ctx, tok.Token, "token-pass")
	require.NoError(t, err)
	assert.Equal(t, "old-master", string(got))

	_, err = f.tokens.OpenVault(ctx, tok.Token, "wrong")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.tokens.OpenVault(ctx, "nope", "token-pass")
	assert.ErrorIs(t, err, ErrInvalidToken)

	plain, err := f.tokens.Create(ctx, "u1", "read", "token-pass", nil, 0)
	require.NoError(t, err)
	_, err = f.tokens.OpenVault(ctx, plain.Token, "token-pass")
	assert.ErrorIs(t, err, ErrInvalidToken)

	ids, err := f.tokens.ListIDs(ctx, f.repo)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, ids)

	require.NoError(t, f.tokens.Delete(ctx, tok.ID))
	_, err = f.tokens.OpenVault(ctx, tok.Token, "token-pass")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthTokenRefreshVault(t *testing.T) {
	f := newFixture(t, memory.NewRepository())
	ctx := t.Context()

	t1, err := f.tokens.Create(ctx, "u1", "backup", "p1", []byte("old-master"), 0)
	require.NoError(t, err)
	t2, err := f.tokens.Create(ctx, "u1", "backup", "p2", []byte("old-master"), 0)
	require.NoError(t, err)
	other, err := f.tokens.Create(ctx, "u2", "backup", "p3", []byte("old-master"), 0)
	require.NoError(t, err)

	var n int
	err = f.repo.Batch(ctx, func(tx storage.BatchTx) error {
		var err error
		n, err = f.tokens.RefreshVaultByUserID(ctx, tx, "u1", []byte("old-master"), []byte("new-master"))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, tc := range []struct {
		tok  *AuthToken
		pass string
		want string
	}{
		{t1, "p1", "new-master"},
		{t2, "p2", "new-master"},
		{other, "p3", "old-master"},
	} {
		got, err := f.tokens.OpenVault(ctx, tc.tok.Token, tc.pass)
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(got))
	}

	err = f.repo.Batch(ctx, func(tx storage.BatchTx) error {
		_, err := f.tokens.RefreshVaultByUserID(ctx, tx, "u2", []byte("not-it"), []byte("new-master"))
		return err
	})
	assert.ErrorIs(t, err, ErrVaultMismatch)
}

func TestWritesRejectStaleKeyring(t *testing.T) {
	f := newFixture(t, memory.NewRepository())
	kr := newTestKeyring(t, "kr1")
	ctx := t.Context()

	a := &Account{UserID: "u1", Name: "mail"}
	require.NoError(t, f.accounts.Create(ctx, kr, a, []byte("s3cr3t")))
	assert.Equal(t, uint64(1), a.Version)
	field, err := f.fields.Set(ctx, kr, a.ID, "pin", []byte("1234"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), field.Version)

	// The master password moved on; kr now belongs to an old epoch.
	f.guard.epoch = 2

	err = f.accounts.Create(ctx, kr, &Account{UserID: "u1", Name: "late"}, []byte("x"))
	assert.ErrorIs(t, err, key.ErrStaleKeyring)
	_, err = f.fields.Set(ctx, kr, a.ID, "pin", []byte("9999"))
	assert.ErrorIs(t, err, key.ErrStaleKeyring)
	assert.ErrorIs(t, f.accounts.UpdatePassword(ctx, kr, a.ID, []byte("new")), key.ErrStaleKeyring)

	accounts, err := f.accounts.List(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
	history, err := f.accounts.History(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
	got, err := f.fields.Get(ctx, kr, a.ID, "pin")
	require.NoError(t, err)
	assert.Equal(t, "1234", string(got))

	next := newTestKeyring(t, "kr2")
	next.epoch = 2
	_, err = f.fields.Set(ctx, next, a.ID, "answer", []byte("blue"))
	require.NoError(t, err)
}

func TestCustomFieldSetBumpsVersion(t *testing.T) {
	f := newFixture(t, memory.NewRepository())
	kr := newTestKeyring(t, "kr1")
	ctx := t.Context()

	first, err := f.fields.Set(ctx, kr, "acct-1", "pin", []byte("1234"))
	require.NoError(t, err)
	second, err := f.fields.Set(ctx, kr, "acct-1", "pin", []byte("4321"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Version)
	assert.Equal(t, uint64(2), second.Version)

	rec, err := f.repo.Get(ctx, TableCustomField, second.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version)
}

func TestAuthTokenCreateChecksMaster(t *testing.T) {
	f := newFixture(t, memory.NewRepository())
	ctx := t.Context()

	_, err := f.tokens.Create(ctx, "u1", "backup", "token-pass", []byte("not-the-master"), 0)
	require.ErrorIs(t, err, errWrongMaster)
	tokens, err := f.tokens.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, tokens)

	// Tokens without a vault never look at the master password.
	pins := f.guard.pins
	_, err = f.tokens.Create(ctx, "u1", "read", "token-pass", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, pins, f.guard.pins)
}

func seedAll(t *testing.T, f *fixture, kr key.Keyring) (accountID string, token *AuthToken) {
	t.Helper()
	ctx := t.Context()
	a := &Account{UserID: "u1", Name: "mail"}
	require.NoError(t, f.accounts.Create(ctx, kr, a, []byte("s3cr3t")))
	require.NoError(t, f.accounts.UpdatePassword(ctx, kr, a.ID, []byte("s3cr3t-2")))
	_, err := f.fields.Set(ctx, kr, a.ID, "pin", []byte("1234"))
	require.NoError(t, err)
	token, err = f.tokens.Create(ctx, "u1", "backup", "tp", []byte("old-master"), 0)
	require.NoError(t, err)
	return a.ID, token
}

func TestRotateAllTables(t *testing.T) {
	f := newFixture(t, memory.NewRepository())
	oldKR := newTestKeyring(t, "old")
	newKR := newTestKeyring(t, "new")
	ctx := t.Context()
	accountID, token := seedAll(t, f, oldKR)

	res, err := f.coordinator().Execute(ctx, &rekey.Rotation{
		Old:               oldKR,
		Next:              newKR,
		OldMasterPassword: []byte("old-master"),
		NewMasterPassword: []byte("new-master"),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		TableAccount:        1,
		TableAccountHistory: 1,
		TableCustomField:    1,
		TableAuthToken:      1,
	}, res.Items)

	got, err := f.accounts.GetPasswordForID(ctx, newKR, accountID)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-2", string(got))
	_, err = f.accounts.GetPasswordForID(ctx, oldKR, accountID)
	assert.ErrorIs(t, err, crypto.ErrCrypto)

	history, err := f.accounts.History(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	got, err = f.accounts.GetHistoryPassword(ctx, newKR, history[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", string(got))

	got, err = f.fields.Get(ctx, newKR, accountID, "pin")
	require.NoError(t, err)
	assert.Equal(t, "1234", string(got))

	got, err = f.tokens.OpenVault(ctx, token.Token, "tp")
	require.NoError(t, err)
	assert.Equal(t, "new-master", string(got))
}

func TestRotateRollsBackOnLastWrite(t *testing.T) {
	repo := storagetest.NewFailingRepository(memory.NewRepository())
	f := newFixture(t, repo)
	oldKR := newTestKeyring(t, "old")
	newKR := newTestKeyring(t, "new")
	ctx := t.Context()
	accountID, token := seedAll(t, f, oldKR)

	// One write per table; custom fields sort last.
	repo.FailOnWrite(4)
	_, err := f.coordinator().Execute(ctx, &rekey.Rotation{
		Old:               oldKR,
		Next:              newKR,
		OldMasterPassword: []byte("old-master"),
		NewMasterPassword: []byte("new-master"),
	})
	require.ErrorIs(t, err, rekey.ErrRotationFailed)
	var rfe *rekey.RotationFailedError
	require.ErrorAs(t, err, &rfe)
	assert.Equal(t, TableCustomField, rfe.Table)

	got, err := f.accounts.GetPasswordForID(ctx, oldKR, accountID)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-2", string(got))
	_, err = f.accounts.GetPasswordForID(ctx, newKR, accountID)
	assert.ErrorIs(t, err, crypto.ErrCrypto)

	got, err = f.fields.Get(ctx, oldKR, accountID, "pin")
	require.NoError(t, err)
	assert.Equal(t, "1234", string(got))

	got, err = f.tokens.OpenVault(ctx, token.Token, "tp")
	require.NoError(t, err)
	assert.Equal(t, "old-master", string(got))
}

func TestRotateWrongOldKeyring(t *testing.T) {
	f := newFixture(t, memory.NewRepository())
	kr := newTestKeyring(t, "real")
	ctx := t.Context()
	accountID, _ := seedAll(t, f, kr)

	_, err := f.coordinator().Execute(ctx, &rekey.Rotation{
		Old:               newTestKeyring(t, "imposter"),
		Next:              newTestKeyring(t, "next"),
		OldMasterPassword: []byte("old-master"),
		NewMasterPassword: []byte("new-master"),
	})
	require.ErrorIs(t, err, key.ErrWrongKey)

	got, err := f.accounts.GetPasswordForID(ctx, kr, accountID)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-2", string(got))
}
