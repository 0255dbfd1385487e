package masterkey

import (
	"context"
	"log/slog"
)

// Mailer delivers recovery links and temporary master password notices.
type Mailer interface {
	Send(ctx context.Context, subject, recipient, message string) error
}

// LogMailer records that a message was sent without its body, which may
// carry a token.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) Send(ctx context.Context, subject, recipient, _ string) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "mail",
		slog.String("subject", subject),
		slog.String("recipient", recipient))
	return nil
}
