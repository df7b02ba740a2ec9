// Package lock содержит блокировки фоновых задач: распределённую на Redis и локальную.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld возвращается при освобождении блокировки, которой владеет уже кто-то другой.
var ErrNotHeld = errors.New("lock is not held")

// Releaser освобождает захваченную блокировку.
type Releaser func(ctx context.Context) error

// Locker захватывает именованную блокировку без ожидания.
// ok == false означает, что блокировку держит другой владелец.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release Releaser, ok bool, err error)
}

// Удаляет ключ, только если значение принадлежит нам.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker реализует Locker через SET NX с TTL.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker создаёт RedisLocker; ключи получают префикс prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// TryLock захватывает блокировку key на ttl.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Releaser, bool, error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %s: %w", fullKey, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		n, err := unlockScript.Run(ctx, l.client, []string{fullKey}, token).Int()
		if err != nil {
			return fmt.Errorf("redis unlock %s: %w", fullKey, err)
		}
		if n == 0 {
			return ErrNotHeld
		}
		return nil
	}
	return release, true, nil
}

// LocalLocker: блокировка в пределах процесса, когда Redis не настроен.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

// NewLocalLocker создаёт LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time)}
}

// TryLock захватывает блокировку key на ttl.
func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (Releaser, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, false, nil
	}
	expiresAt := now.Add(ttl)
	l.held[key] = expiresAt

	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if exp, ok := l.held[key]; !ok || !exp.Equal(expiresAt) {
			return ErrNotHeld
		}
		delete(l.held, key)
		return nil
	}
	return release, true, nil
}
