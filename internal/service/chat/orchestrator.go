// Package chat runs one chat turn: it stores the user message, streams the
// model's reply to the caller and stores the reply once it is complete.
package chat

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatstream/internal/apperr"
	"chatstream/internal/metrics"
	"chatstream/internal/models"
	"chatstream/internal/service/ai"

	"github.com/rs/zerolog"
)

const defaultStreamTimeout = 2 * time.Minute

// Store is the conversation persistence the orchestrator needs.
type Store interface {
	GetConversation(ctx context.Context, userID, conversationID int64) (*models.Conversation, error)
	AppendMessage(ctx context.Context, userID, conversationID int64, role models.Role, content string) (*models.Message, error)
	ListMessages(ctx context.Context, userID, conversationID int64) ([]*models.Message, error)
	CompleteTurn(ctx context.Context, userID, conversationID int64, content string) (*models.Message, error)
}

// Orchestrator wires the store, the model provider and the turn lock.
type Orchestrator struct {
	store    Store
	provider ai.Provider
	locker   Locker
	metrics  *metrics.Metrics
	log      zerolog.Logger
	timeout  time.Duration
}

// NewOrchestrator builds an orchestrator. locker and m may be nil.
func NewOrchestrator(store Store, provider ai.Provider, locker Locker, m *metrics.Metrics, timeout time.Duration, log zerolog.Logger) *Orchestrator {
	if locker == nil {
		locker = NoLocker{}
	}
	if timeout <= 0 {
		timeout = defaultStreamTimeout
	}
	return &Orchestrator{
		store:    store,
		provider: provider,
		locker:   locker,
		metrics:  m,
		log:      log.With().Str("component", "chat").Logger(),
		timeout:  timeout,
	}
}

// Turn is one user message and the reply being generated for it.
type Turn struct {
	o              *Orchestrator
	userID         int64
	conversationID int64
	userMessage    *models.Message
	reply          *models.Message
	started        atomic.Bool
	unlock         func()
	closeOnce      sync.Once
}

// StreamTurn checks ownership, takes the conversation's turn lock and
// stores the user message. Nothing is written when it fails. The caller
// must Close the returned turn.
func (o *Orchestrator) StreamTurn(ctx context.Context, conversationID, ownerID int64, text string) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperr.ValidationFields("invalid request", map[string]string{"message": "message cannot be empty"})
	}
	if _, err := o.store.GetConversation(ctx, ownerID, conversationID); err != nil {
		return nil, err
	}
	unlock, err := o.locker.TryLock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	userMsg, err := o.store.AppendMessage(ctx, ownerID, conversationID, models.RoleUser, text)
	if err != nil {
		unlock()
		return nil, err
	}
	o.log.Debug().
		Int64("conversation_id", conversationID).
		Int64("message_id", userMsg.ID).
		Msg("turn started")
	return &Turn{
		o:              o,
		userID:         ownerID,
		conversationID: conversationID,
		userMessage:    userMsg,
		unlock:         unlock,
	}, nil
}

// UserMessage returns the stored user message of the turn.
func (t *Turn) UserMessage() *models.Message { return t.userMessage }

// Reply returns the stored assistant message once Fragments completed
// successfully, nil otherwise.
func (t *Turn) Reply() *models.Message { return t.reply }

// Close releases the turn lock. It is safe to call more than once.
func (t *Turn) Close() {
	t.closeOnce.Do(func() {
		if t.unlock != nil {
			t.unlock()
		}
	})
}

// Fragments loads the transcript, streams the reply and yields each fragment
// in vendor order. After the last fragment the full reply is stored. Any
// failure is yielded as the final element and no reply is stored. Stopping
// the range early, or cancelling ctx, aborts the vendor call. The sequence
// can be ranged over once.
func (t *Turn) Fragments(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !t.started.CompareAndSwap(false, true) {
			yield("", ai.ErrSequenceConsumed)
			return
		}
		o := t.o
		start := time.Now()
		result := metrics.TurnAborted
		count := 0
		o.metrics.StreamOpened()
		defer func() {
			o.metrics.StreamClosed()
			elapsed := time.Since(start)
			o.metrics.TurnFinished(result, elapsed)
			event := o.log.Info()
			if result != metrics.TurnCompleted {
				event = o.log.Warn()
			}
			event.
				Int64("conversation_id", t.conversationID).
				Str("provider", o.provider.Name()).
				Str("result", result).
				Int("fragments", count).
				Dur("duration", elapsed).
				Msg("turn finished")
		}()

		streamCtx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()

		fail := func(err error) {
			result = classify(ctx, err)
			yield("", describe(streamCtx, err))
		}

		history, err := o.store.ListMessages(streamCtx, t.userID, t.conversationID)
		if err != nil {
			fail(err)
			return
		}
		seq, err := o.provider.Stream(streamCtx, history)
		if err != nil {
			fail(err)
			return
		}

		var reply strings.Builder
		for fragment, err := range seq {
			if err != nil {
				fail(err)
				return
			}
			if count == 0 {
				o.metrics.FirstFragment(time.Since(start))
			}
			count++
			o.metrics.Fragment()
			reply.WriteString(fragment)
			if !yield(fragment, nil) {
				return
			}
		}
		if err := streamCtx.Err(); err != nil {
			fail(err)
			return
		}

		msg, err := o.store.CompleteTurn(ctx, t.userID, t.conversationID, reply.String())
		if err != nil {
			fail(err)
			return
		}
		t.reply = msg
		result = metrics.TurnCompleted
	}
}

// classify maps a turn failure to its metrics result.
func classify(parent context.Context, err error) string {
	switch {
	case parent.Err() != nil:
		return metrics.TurnAborted
	case apperr.Is(err, apperr.KindPersistence):
		return metrics.TurnPersistenceError
	default:
		return metrics.TurnProviderError
	}
}

var errTimedOut = errors.New("generation timed out")

// describe reports an expired stream timeout as a provider error.
func describe(streamCtx context.Context, err error) error {
	if errors.Is(streamCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Provider(errTimedOut)
	}
	return err
}
