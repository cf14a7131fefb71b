// Package mail delivers activation codes to newly registered users.
package mail

import (
	"context"

	"github.com/rs/zerolog"
)

// Mailer sends activation codes. Implementations must not block on slow
// delivery longer than ctx allows.
type Mailer interface {
	SendActivationCode(ctx context.Context, email, name, code string) error
}

// LogMailer writes activation codes to the log instead of sending mail.
// It is the default when no delivery backend is configured.
type LogMailer struct {
	log zerolog.Logger
}

func NewLogMailer(log zerolog.Logger) *LogMailer {
	return &LogMailer{log: log.With().Str("component", "mail").Logger()}
}

func (m *LogMailer) SendActivationCode(_ context.Context, email, name, code string) error {
	m.log.Info().
		Str("to", email).
		Str("name", name).
		Str("code", code).
		Msg("activation code issued")
	return nil
}
