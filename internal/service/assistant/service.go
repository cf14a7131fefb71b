package assistant

import (
	"context"
	"database/sql"
	"time"

	"chatstream/internal/mail"

	"github.com/rs/zerolog"
)

// PasswordHasher hashes and verifies user passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) (bool, error)
}

// Service owns users, conversations and messages.
type Service struct {
	db            *sql.DB
	hasher        PasswordHasher
	mailer        mail.Mailer
	log           zerolog.Logger
	activationTTL time.Duration
	now           func() time.Time
}

// NewService builds a new assistant service.
func NewService(db *sql.DB, hasher PasswordHasher, mailer mail.Mailer, activationTTL time.Duration, log zerolog.Logger) *Service {
	if activationTTL <= 0 {
		activationTTL = 24 * time.Hour
	}
	return &Service{
		db:            db,
		hasher:        hasher,
		mailer:        mailer,
		log:           log.With().Str("component", "assistant").Logger(),
		activationTTL: activationTTL,
		now:           time.Now,
	}
}

// Ping checks the database connection.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
