package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// TurnLock serializes AI turns per doctor. Acquire fails fast with
// ErrTurnInFlight while another turn holds the lock.
type TurnLock interface {
	Acquire(ctx context.Context, doctorID int64) (release func(), err error)
}

// MemoryTurnLock is a process-local TurnLock.
type MemoryTurnLock struct {
	mu     sync.Mutex
	active map[int64]struct{}
}

func NewMemoryTurnLock() *MemoryTurnLock {
	return &MemoryTurnLock{active: make(map[int64]struct{})}
}

func (l *MemoryTurnLock) Acquire(_ context.Context, doctorID int64) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.active[doctorID]; busy {
		return nil, ErrTurnInFlight
	}
	l.active[doctorID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, doctorID)
			l.mu.Unlock()
		})
	}, nil
}

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by another instance is left alone.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisTurnLock is a TurnLock shared by every instance. The TTL bounds how
// long a crashed holder can block a doctor.
type RedisTurnLock struct {
	rdb goredis.UniversalClient
	ttl time.Duration
}

func NewRedisTurnLock(rdb goredis.UniversalClient, ttl time.Duration) *RedisTurnLock {
	return &RedisTurnLock{rdb: rdb, ttl: ttl}
}

func turnKey(doctorID int64) string {
	return fmt.Sprintf("ma:turn:%d", doctorID)
}

func (l *RedisTurnLock) Acquire(ctx context.Context, doctorID int64) (func(), error) {
	token := uuid.New().String()
	key := turnKey(doctorID)

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire turn lock: %w", err)
	}
	if !ok {
		return nil, ErrTurnInFlight
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, l.rdb, []string{key}, token).Err()
		})
	}, nil
}
