package masterkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/ironkeep/crypto"
	icrypto "github.com/jmcleod/ironkeep/internal/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/key"
	"github.com/jmcleod/ironkeep/sessionvault"
	"github.com/jmcleod/ironkeep/storage"
)

const tempLimiterKey = "temp-master"

func loadTemp(ctx context.Context, r storage.Reader) (*TemporaryMasterPassword, uint64, error) {
	var t TemporaryMasterPassword
	version, err := storage.GetJSON(ctx, r, recordTypeTempMaster, recordIDCurrent, &t)
	if err != nil {
		return nil, 0, err
	}
	return &t, version, nil
}

func (s *Service) tempUsable(t *TemporaryMasterPassword, epoch uint64) bool {
	return t.MasterEpoch == epoch &&
		t.Attempts < t.MaxAttempts &&
		s.now().Before(t.ExpireAt)
}

func tempAAD(id string) (keyAAD, dataAAD []byte) {
	return icrypto.AADTempMaster(id, aadVersion),
		icrypto.AADItemContent(recordTypeTempMaster, id, "master", aadVersion)
}

func (s *Service) tempKey(tok crypto.Token, salt []byte, params util.Argon2idParams) (key.Key, error) {
	raw, err := icrypto.DeriveTempMasterKey(tok.Secret(), salt, params)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(raw)
	return key.NewWrappingKey("temp:"+tok.ID(), raw)
}

// IssueTemporaryMasterPassword seals the session's master password under a
// new token valid for ttl and replaces any earlier temporary password. Each
// recipient is sent the token.
func (s *Service) IssueTemporaryMasterPassword(ctx context.Context, sc sessionvault.SessionContext, ttl time.Duration, recipients ...string) (crypto.Token, error) {
	if ttl < 0 {
		return nil, errors.New("ttl must not be negative")
	}
	buf, err := s.vault.Load(ctx, sc)
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	rec, _, err := s.record(ctx)
	if err != nil {
		return nil, err
	}
	if err := verifyMaster(rec, buf.Bytes()); err != nil {
		return nil, err
	}

	tok, err := crypto.NewToken(crypto.TokenTempMaster)
	if err != nil {
		return nil, err
	}
	salt, err := util.RandomBytes(kdfSaltLen)
	if err != nil {
		return nil, err
	}
	k, err := s.tempKey(tok, salt, s.params)
	if err != nil {
		return nil, err
	}
	defer k.Wipe()
	keyAAD, dataAAD := tempAAD(tok.ID())
	sealed, err := key.Seal(buf.Bytes(), k, keyAAD, dataAAD)
	if err != nil {
		return nil, fmt.Errorf("sealing temporary master password: %w", err)
	}

	now := s.now().UTC()
	t := &TemporaryMasterPassword{
		ID:          tok.ID(),
		Hash:        crypto.HashToken(tok),
		Salt:        salt,
		KDFParams:   s.params,
		Sealed:      sealed,
		MasterEpoch: rec.Epoch,
		CreatedAt:   now,
		ExpireAt:    now.Add(ttl),
		MaxAttempts: s.tempMaxAttempts,
	}
	err = s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		_, version, err := loadTemp(ctx, tx)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return storage.PutJSON(ctx, tx, recordTypeTempMaster, recordIDCurrent, t, version+1)
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "temp_master_password_issued",
		slog.String("token_id", t.ID),
		slog.Time("expire_at", t.ExpireAt))

	msg := fmt.Sprintf("A temporary master password was issued.\n\n%s\n\nIt expires at %s.\n",
		tok, t.ExpireAt.Format(time.RFC3339))
	for _, r := range recipients {
		if err := s.mailer.Send(ctx, "Temporary master password", r, msg); err != nil {
			return tok, fmt.Errorf("notifying %s: %w", r, err)
		}
	}
	return tok, nil
}

// RedeemTemporaryMasterPassword returns the master password sealed under
// token. Every call against a live temporary password consumes one attempt.
func (s *Service) RedeemTemporaryMasterPassword(ctx context.Context, token string) ([]byte, error) {
	tok, err := crypto.ParseToken(token)
	if err != nil || tok.Kind() != crypto.TokenTempMaster {
		return nil, ErrInvalidToken
	}
	if !s.tempLimiter.allow(tempLimiterKey, s.now()) {
		return nil, ErrRateLimited
	}

	var (
		t       *TemporaryMasterPassword
		outcome error
	)
	err = s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		cur, version, err := loadTemp(ctx, tx)
		if errors.Is(err, storage.ErrNotFound) {
			outcome = ErrInvalidToken
			return nil
		}
		if err != nil {
			return err
		}
		rec, _, err := loadRecord(ctx, tx)
		if err != nil {
			return err
		}
		if !s.tempUsable(cur, rec.Epoch) {
			outcome = ErrExpired
			return nil
		}

		cur.Attempts++
		data, err := storage.Encode(cur, version+1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(ctx, recordTypeTempMaster, recordIDCurrent, version, data); err != nil {
			return err
		}
		if cur.ID != tok.ID() || !util.ConstantTimeEqual([]byte(cur.Hash), []byte(crypto.HashToken(tok))) {
			outcome = ErrInvalidToken
			return nil
		}
		t = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		s.audit(ctx, "temp_master_password_rejected", slog.String("reason", outcome.Error()))
		return nil, outcome
	}

	k, err := s.tempKey(tok, t.Salt, t.KDFParams)
	if err != nil {
		return nil, err
	}
	defer k.Wipe()
	keyAAD, dataAAD := tempAAD(t.ID)
	master, err := t.Sealed.Open(k, keyAAD, dataAAD)
	if err != nil {
		return nil, fmt.Errorf("opening temporary master password: %w", err)
	}
	s.audit(ctx, "temp_master_password_redeemed",
		slog.String("token_id", t.ID),
		slog.Int("attempts", t.Attempts))
	return master, nil
}
