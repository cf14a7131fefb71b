package assistant

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"chatstream/internal/apperr"
	"chatstream/internal/models"
	"chatstream/internal/storage"
)

const (
	activationCodeDigits = 6
	// bcrypt ignores input past 72 bytes and GenerateFromPassword rejects it.
	maxPasswordBytes = 72
)

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

const userColumns = `id, email, password_hash, name, role, is_active, activation_code, activation_expires_at, created_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Role, &u.IsActive,
		&u.ActivationCode, &u.ActivationExpiresAt, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RegisterUser creates an inactive user and mails an activation code.
func (s *Service) RegisterUser(ctx context.Context, email, password, name string) (*models.User, error) {
	email = normalizeEmail(email)
	name = strings.TrimSpace(name)
	if email == "" || password == "" || name == "" {
		return nil, apperr.Validation("email, password and name are required")
	}
	if len(password) > maxPasswordBytes {
		return nil, apperr.ValidationFields("validation failed", map[string]string{
			"password": fmt.Sprintf("must be at most %d bytes", maxPasswordBytes),
		})
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)`, email,
	).Scan(&exists); err != nil {
		return nil, apperr.Persistence("lookup email", err)
	}
	if exists {
		return nil, apperr.Duplicate("email already registered")
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, apperr.Internal("hash password", err)
	}
	code, err := generateActivationCode()
	if err != nil {
		return nil, apperr.Internal("activation code", err)
	}
	now := s.now().UTC()
	user := &models.User{
		Email:               email,
		Name:                name,
		Role:                models.DefaultUserRole,
		PasswordHash:        hash,
		ActivationCode:      code,
		ActivationExpiresAt: now.Add(s.activationTTL),
		CreatedAt:           now,
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, password_hash, name, role, is_active, activation_code, activation_expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.Email, user.PasswordHash, user.Name, user.Role, false, user.ActivationCode, user.ActivationExpiresAt, user.CreatedAt,
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, apperr.Duplicate("email already registered")
		}
		return nil, apperr.Persistence("create user", err)
	}
	if user.ID, err = res.LastInsertId(); err != nil {
		return nil, apperr.Persistence("user id", err)
	}

	s.log.Info().Int64("user_id", user.ID).Msg("user registered")
	s.sendActivation(ctx, user)
	return user, nil
}

// ActivateUser flips the active flag when code matches the stored, unexpired
// code. The code stays stored, so activating twice succeeds.
func (s *Service) ActivateUser(ctx context.Context, userID int64, code string) error {
	if userID <= 0 || strings.TrimSpace(code) == "" {
		return apperr.Validation("user_id and code are required")
	}
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return apperr.Validation("invalid activation code")
		}
		return err
	}
	if user.ActivationCode == "" ||
		subtle.ConstantTimeCompare([]byte(user.ActivationCode), []byte(strings.TrimSpace(code))) != 1 {
		return apperr.Validation("invalid activation code")
	}
	if s.now().UTC().After(user.ActivationExpiresAt) {
		return apperr.Validation("activation code expired")
	}
	if user.IsActive {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET is_active = ? WHERE id = ?`, true, userID); err != nil {
		return apperr.Persistence("activate user", err)
	}
	s.log.Info().Int64("user_id", userID).Msg("user activated")
	return nil
}

// Login validates credentials and returns the user profile. The password is
// checked before the activation flag.
func (s *Service) Login(ctx context.Context, email, password string) (*models.User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, apperr.Validation("email and password are required")
	}

	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.burnHash(password)
			return nil, apperr.Unauthorized("invalid credentials")
		}
		return nil, apperr.Persistence("query user", err)
	}

	ok, err := s.hasher.Verify(user.PasswordHash, password)
	if err != nil {
		s.log.Warn().Err(err).Int64("user_id", user.ID).Msg("password verification failed")
	}
	if !ok {
		return nil, apperr.Unauthorized("invalid credentials")
	}
	if !user.IsActive {
		return nil, apperr.Inactive("account is not activated")
	}
	return user, nil
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Persistence("get user", err)
	}
	return user, nil
}

// ResendActivationCode issues a fresh code to an existing inactive user.
// Unknown and already active emails are ignored.
func (s *Service) ResendActivationCode(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return apperr.Validation("email is required")
	}
	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return apperr.Persistence("query user", err)
	}
	if user.IsActive {
		return nil
	}
	code, err := generateActivationCode()
	if err != nil {
		return apperr.Internal("activation code", err)
	}
	user.ActivationCode = code
	user.ActivationExpiresAt = s.now().UTC().Add(s.activationTTL)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET activation_code = ?, activation_expires_at = ? WHERE id = ?`,
		user.ActivationCode, user.ActivationExpiresAt, user.ID,
	); err != nil {
		return apperr.Persistence("store activation code", err)
	}
	s.sendActivation(ctx, user)
	return nil
}

// DeleteUser removes a user and cascaded data.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return apperr.Validation("invalid user id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return apperr.Persistence("delete user", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Persistence("rows affected", err)
	}
	if affected == 0 {
		return apperr.NotFound("user not found")
	}
	s.log.Info().Int64("user_id", id).Msg("user deleted")
	return nil
}

func (s *Service) sendActivation(ctx context.Context, user *models.User) {
	if s.mailer == nil {
		return
	}
	if err := s.mailer.SendActivationCode(ctx, user.Email, user.Name, user.ActivationCode); err != nil {
		// The user can ask for another code, so registration still succeeds.
		s.log.Warn().Err(err).Int64("user_id", user.ID).Msg("send activation code")
	}
}

// burnHash spends the same bcrypt work as a real check so unknown emails
// are not faster to reject.
func (s *Service) burnHash(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = s.hasher.Hash("chatstream-dummy-password")
	})
	if dummyHash != "" {
		_, _ = s.hasher.Verify(dummyHash, password)
	}
}

func generateActivationCode() (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(activationCodeDigits), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate activation code: %w", err)
	}
	return fmt.Sprintf("%0*d", activationCodeDigits, n.Int64()), nil
}
