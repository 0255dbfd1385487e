package masterkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/ironkeep/crypto"
	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/storage"
)

// RequestRecovery issues a login password recovery token for userID and
// mails it to the user. A user holds at most one live token; requesting a
// new one revokes the previous. Requests beyond the limit per window return
// ErrRateLimited.
func (s *Service) RequestRecovery(ctx context.Context, userID string) (crypto.Token, error) {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !s.recoveryLimiter.allow(u.ID, now) {
		s.audit(ctx, "recovery_rate_limited", slog.String("user_id", u.ID))
		return nil, ErrRateLimited
	}

	tok, err := crypto.NewToken(crypto.TokenRecovery)
	if err != nil {
		return nil, err
	}
	rt := &RecoveryToken{
		ID:        tok.ID(),
		UserID:    u.ID,
		Hash:      crypto.HashToken(tok),
		CreatedAt: now,
		ExpireAt:  now.Add(s.recoveryTTL),
	}
	err = s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		var st recoveryState
		if _, err := storage.GetJSON(ctx, tx, recordTypeRecoveryUser, u.ID, &st); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if st.WindowStart.IsZero() || !now.Before(st.WindowStart.Add(s.recoveryTTL)) {
			st.Count = 0
			st.WindowStart = now
		}
		if st.Count >= s.recoveryLimit {
			return ErrRateLimited
		}
		if st.ActiveTokenID != "" {
			if err := tx.Delete(ctx, recordTypeRecovery, st.ActiveTokenID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
		st.Count++
		st.ActiveTokenID = rt.ID
		if err := storage.PutJSON(ctx, tx, recordTypeRecovery, rt.ID, rt, 0); err != nil {
			return err
		}
		return storage.PutJSON(ctx, tx, recordTypeRecoveryUser, u.ID, &st, 0)
	})
	if errors.Is(err, ErrRateLimited) {
		s.audit(ctx, "recovery_rate_limited", slog.String("user_id", u.ID))
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "recovery_requested", slog.String("user_id", u.ID), slog.String("token_id", rt.ID))

	msg := fmt.Sprintf("A password reset was requested for %s.\n\nRecovery code: %s\n\nIt expires at %s.\n",
		u.Login, tok, rt.ExpireAt.Format(time.RFC3339))
	if err := s.mailer.Send(ctx, "Password recovery", u.Email, msg); err != nil {
		return tok, fmt.Errorf("sending recovery mail: %w", err)
	}
	return tok, nil
}

// CompleteRecovery sets a new login password for the token's user. The
// token is deleted in the same transaction as the password change. The
// user's next login reports LoadNeedOldPassword.
func (s *Service) CompleteRecovery(ctx context.Context, token, newLoginPassword string) error {
	tok, err := crypto.ParseToken(token)
	if err != nil || tok.Kind() != crypto.TokenRecovery {
		return ErrInvalidToken
	}

	var userID string
	err = s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		var rt RecoveryToken
		if _, err := storage.GetJSON(ctx, tx, recordTypeRecovery, tok.ID(), &rt); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrInvalidToken
			}
			return err
		}
		if !util.ConstantTimeEqual([]byte(rt.Hash), []byte(crypto.HashToken(tok))) {
			return ErrInvalidToken
		}
		if !s.now().Before(rt.ExpireAt) {
			return ErrExpired
		}

		u, err := s.users.GetTx(ctx, tx, rt.UserID)
		if err != nil {
			return err
		}
		if err := s.users.ResetPasswordTx(ctx, tx, u, newLoginPassword); err != nil {
			return err
		}
		if err := tx.Delete(ctx, recordTypeRecovery, rt.ID); err != nil {
			return err
		}

		var st recoveryState
		if _, err := storage.GetJSON(ctx, tx, recordTypeRecoveryUser, u.ID, &st); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if st.ActiveTokenID == rt.ID {
			st.ActiveTokenID = ""
			if err := storage.PutJSON(ctx, tx, recordTypeRecoveryUser, u.ID, &st, 0); err != nil {
				return err
			}
		}
		userID = u.ID
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrExpired) {
			s.audit(ctx, "recovery_rejected", slog.String("reason", err.Error()))
		}
		return err
	}
	s.audit(ctx, "recovery_completed", slog.String("user_id", userID))
	return nil
}
