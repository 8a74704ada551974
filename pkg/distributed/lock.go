package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrLockHeld is returned by TryLock when another owner holds the key.
	ErrLockHeld = errors.New("lock is held by another owner")
	// ErrLockNotHeld is returned by Unlock when this owner no longer holds the key.
	ErrLockNotHeld = errors.New("lock is not held by this owner")
)

// Deletes the key only if it still carries our value.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// LockClient is the subset of *redis.Client the lock uses.
type LockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// DeviceLockKey names the key that records which host process owns a device.
func DeviceLockKey(deviceID string) string {
	return "vcam:device:" + deviceID + ":host"
}

// Lock is a Redis-backed ownership lock with a TTL that is renewed at half
// its period while held. Only one host process may drive a given device.
type Lock struct {
	client LockClient
	key    string
	owner  string
	ttl    time.Duration
	logger *zap.SugaredLogger

	mu   sync.Mutex
	held bool
	stop chan struct{}
	done chan struct{}
	lost chan struct{}
}

func NewLock(client LockClient, key, owner string, ttl time.Duration, logger *zap.SugaredLogger) *Lock {
	return &Lock{
		client: client,
		key:    key,
		owner:  owner,
		ttl:    ttl,
		logger: logger,
		lost:   make(chan struct{}),
	}
}

// TryLock takes the lock without blocking and starts renewal.
func (l *Lock) TryLock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return nil
	}

	acquired, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !acquired {
		holder, _ := l.client.Get(ctx, l.key).Result()
		l.logger.Warnw("Lock held elsewhere", "key", l.key, "holder", holder)
		return ErrLockHeld
	}

	l.held = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.renew(l.stop, l.done)

	l.logger.Infow("Lock acquired", "key", l.key, "owner", l.owner, "ttl", l.ttl)
	return nil
}

// Held reports whether this owner currently holds the lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Lost is closed when renewal discovers the key expired or changed hands.
func (l *Lock) Lost() <-chan struct{} {
	return l.lost
}

// Unlock stops renewal and deletes the key if it is still ours.
func (l *Lock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return ErrLockNotHeld
	}
	l.held = false
	close(l.stop)
	done := l.done
	l.mu.Unlock()
	<-done

	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.owner).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}

	l.logger.Infow("Lock released", "key", l.key)
	return nil
}

func (l *Lock) renew(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
		current, err := l.client.Get(ctx, l.key).Result()
		switch {
		case errors.Is(err, redis.Nil) || (err == nil && current != l.owner):
			cancel()
			l.markLost(current)
			return
		case err != nil:
			// Transient; the key survives until ttl so try again next tick.
			l.logger.Warnw("Lock renewal failed", "key", l.key, "error", err)
		default:
			if err := l.client.Expire(ctx, l.key, l.ttl).Err(); err != nil {
				l.logger.Warnw("Lock renewal failed", "key", l.key, "error", err)
			}
		}
		cancel()
	}
}

func (l *Lock) markLost(holder string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.held = false
	l.logger.Errorw("Lock lost", "key", l.key, "holder", holder)
	close(l.lost)
}
