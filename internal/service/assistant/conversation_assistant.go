package assistant

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"chatstream/internal/apperr"
	"chatstream/internal/models"
)

const maxTitleLength = 255

var errConversationNotFound = apperr.NotFound("conversation not found")

// CreateConversation inserts a new conversation owned by userID. A blank
// title is replaced by models.DefaultConversationTitle.
func (s *Service) CreateConversation(ctx context.Context, userID int64, title string) (*models.Conversation, error) {
	if userID <= 0 {
		return nil, apperr.Validation("user_id is required")
	}
	title, err := normalizeTitle(title, true)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		userID, title, now, now,
	)
	if err != nil {
		return nil, apperr.Persistence("create conversation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperr.Persistence("conversation id", err)
	}
	return &models.Conversation{ID: id, UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// ListConversations returns all conversations of a user ordered by last activity.
func (s *Service) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations
		 WHERE user_id = ? ORDER BY updated_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, apperr.Persistence("list conversations", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, apperr.Persistence("scan conversation", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("list conversations", err)
	}
	return conversations, nil
}

// GetConversation returns the conversation when it exists and belongs to
// userID. Both other cases yield the same not-found error.
func (s *Service) GetConversation(ctx context.Context, userID, conversationID int64) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errConversationNotFound
		}
		return nil, apperr.Persistence("get conversation", err)
	}
	return &c, nil
}

// GetConversationWithMessages returns one conversation and its ordered messages.
func (s *Service) GetConversationWithMessages(ctx context.Context, userID, conversationID int64) (*models.Conversation, []*models.Message, error) {
	conversation, err := s.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.ListMessages(ctx, userID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return conversation, messages, nil
}

// ListMessages returns the transcript of an owned conversation, oldest first.
func (s *Service) ListMessages(ctx context.Context, userID, conversationID int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.role, m.content, m.created_at
		 FROM messages m JOIN conversations c ON c.id = m.conversation_id
		 WHERE m.conversation_id = ? AND c.user_id = ?
		 ORDER BY m.created_at ASC, m.id ASC`,
		conversationID, userID,
	)
	if err != nil {
		return nil, apperr.Persistence("list messages", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, apperr.Persistence("scan message", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("list messages", err)
	}
	return messages, nil
}

// AppendMessage persists a message in an owned conversation without touching
// the conversation's updated_at.
func (s *Service) AppendMessage(ctx context.Context, userID, conversationID int64, role models.Role, content string) (*models.Message, error) {
	if !role.Valid() {
		return nil, apperr.Validation("unknown role %q", role)
	}
	if role == models.RoleUser && strings.TrimSpace(content) == "" {
		return nil, apperr.Validation("content cannot be empty")
	}
	if err := s.ensureOwned(ctx, s.db, userID, conversationID); err != nil {
		return nil, err
	}
	return s.insertMessage(ctx, s.db, conversationID, role, content, s.now().UTC())
}

// CompleteTurn stores the assistant reply and bumps the conversation's
// updated_at to the reply's creation time in one transaction.
func (s *Service) CompleteTurn(ctx context.Context, userID, conversationID int64, content string) (msg *models.Message, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Persistence("begin tx", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = s.ensureOwned(ctx, tx, userID, conversationID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	msg, err = s.insertMessage(ctx, tx, conversationID, models.RoleAssistant, content, now)
	if err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ? AND user_id = ?`,
		now, conversationID, userID,
	); err != nil {
		return nil, apperr.Persistence("touch conversation", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, apperr.Persistence("commit turn", err)
	}
	return msg, nil
}

// RenameConversation sets a new title on an owned conversation.
func (s *Service) RenameConversation(ctx context.Context, userID, conversationID int64, title string) (*models.Conversation, error) {
	title, err := normalizeTitle(title, false)
	if err != nil {
		return nil, err
	}
	if err := s.ensureOwned(ctx, s.db, userID, conversationID); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ? AND user_id = ?`,
		title, conversationID, userID,
	); err != nil {
		return nil, apperr.Persistence("rename conversation", err)
	}
	return s.GetConversation(ctx, userID, conversationID)
}

// DeleteConversation removes an owned conversation and all of its messages.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID int64) (err error) {
	if conversationID <= 0 {
		return errConversationNotFound
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Persistence("begin tx", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, conversationID, userID)
	if err != nil {
		return apperr.Persistence("delete conversation", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Persistence("conversation rows affected", err)
	}
	if affected == 0 {
		return errConversationNotFound
	}
	// The foreign key cascades; this covers connections opened without it.
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return apperr.Persistence("delete messages", err)
	}
	if err = tx.Commit(); err != nil {
		return apperr.Persistence("commit delete conversation", err)
	}
	return nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Service) ensureOwned(ctx context.Context, q execQuerier, userID, conversationID int64) error {
	if userID <= 0 || conversationID <= 0 {
		return errConversationNotFound
	}
	var exists bool
	if err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ? AND user_id = ?)`,
		conversationID, userID,
	).Scan(&exists); err != nil {
		return apperr.Persistence("verify conversation", err)
	}
	if !exists {
		return errConversationNotFound
	}
	return nil
}

func (s *Service) insertMessage(ctx context.Context, q execQuerier, conversationID int64, role models.Role, content string, at time.Time) (*models.Message, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		conversationID, role, content, at,
	)
	if err != nil {
		return nil, apperr.Persistence("insert message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperr.Persistence("message id", err)
	}
	return &models.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      at,
	}, nil
}

func normalizeTitle(title string, allowBlank bool) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		if allowBlank {
			return models.DefaultConversationTitle, nil
		}
		return "", apperr.ValidationFields("invalid request", map[string]string{"title": "title cannot be empty"})
	}
	if len([]rune(title)) > maxTitleLength {
		return "", apperr.ValidationFields("invalid request", map[string]string{"title": "title is too long"})
	}
	return title, nil
}
