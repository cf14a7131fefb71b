package chat

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"chatstream/internal/apperr"
	"chatstream/internal/config"
	"chatstream/internal/redis"

	"github.com/google/uuid"
)

const lockKeyPrefix = "turnlock:conversation:"

var errBusy = apperr.Busy("conversation already has a reply in progress")

// Locker serialises turns on one conversation. TryLock never waits: a held
// lock fails with a busy error.
type Locker interface {
	TryLock(ctx context.Context, conversationID int64) (unlock func(), err error)
}

// NewLocker returns the locker for a turn_lock mode.
func NewLocker(mode string, client *redis.Client, ttl time.Duration) (Locker, error) {
	switch mode {
	case "", config.TurnLockNone:
		return NoLocker{}, nil
	case config.TurnLockLocal:
		return NewLocalLocker(), nil
	case config.TurnLockRedis:
		if client == nil {
			return nil, fmt.Errorf("turn lock %q requires redis", mode)
		}
		return NewRedisLocker(client, ttl), nil
	default:
		return nil, fmt.Errorf("unknown turn lock %q", mode)
	}
}

// NoLocker lets concurrent turns on the same conversation interleave.
type NoLocker struct{}

func (NoLocker) TryLock(context.Context, int64) (func(), error) {
	return func() {}, nil
}

// LocalLocker is an in-process lock keyed by conversation id.
type LocalLocker struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[int64]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, conversationID int64) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[conversationID]; busy {
		return nil, errBusy
	}
	l.held[conversationID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, conversationID)
			l.mu.Unlock()
		})
	}, nil
}

// RedisLocker shares the lock between processes. The key expires after ttl
// so a crashed holder cannot block a conversation forever.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context, conversationID int64) (func(), error) {
	key := lockKeyPrefix + strconv.FormatInt(conversationID, 10)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl)
	if err != nil {
		return nil, apperr.Internal("acquire turn lock", err)
	}
	if !ok {
		return nil, errBusy
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _ = l.client.DelIfEquals(releaseCtx, key, token)
		})
	}, nil
}
