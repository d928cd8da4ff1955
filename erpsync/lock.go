package erpsync

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
)

// Locker hands out the per-tenant run lock.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (HeldLock, error)
}

// HeldLock is an obtained lock. Refresh extends it by ttl.
type HeldLock interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

type redisLocker struct {
	client *redislock.Client
}

// NewRedisLocker adapts a redislock client. A nil client disables locking.
func NewRedisLocker(client *redislock.Client) Locker {
	if client == nil {
		return nil
	}
	return redisLocker{client: client}
}

func (l redisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (HeldLock, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if err != nil {
		return nil, err
	}
	return redisHeldLock{lock}, nil
}

type redisHeldLock struct {
	*redislock.Lock
}

func (l redisHeldLock) Refresh(ctx context.Context, ttl time.Duration) error {
	return l.Lock.Refresh(ctx, ttl, nil)
}

func tenantLockKey(tenantId string) string {
	return "erpsync:lock:" + tenantId
}

// tenantLock is held for a whole RunAll. A nil lock (no locker configured)
// makes refresh and release no-ops.
type tenantLock struct {
	p    *Pipeline
	lock HeldLock
	ttl  time.Duration
}

func (p *Pipeline) lockTTL() time.Duration {
	if p.settings.LockTTL > 0 {
		return p.settings.LockTTL
	}
	return 15 * time.Minute
}

// lockTenant takes the per-tenant run lock.
func (p *Pipeline) lockTenant(ctx context.Context, tenantId string) (*tenantLock, error) {
	tl := &tenantLock{p: p, ttl: p.lockTTL()}
	if p.locker == nil {
		return tl, nil
	}
	lock, err := p.locker.Obtain(ctx, tenantLockKey(tenantId), tl.ttl)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrTenantBusy
	}
	if err != nil {
		return nil, err
	}
	tl.lock = lock
	return tl, nil
}

// refresh pushes the lock expiry a full ttl ahead. Called before every phase
// so long runs keep the tenant to themselves.
func (l *tenantLock) refresh(ctx context.Context) {
	if l == nil || l.lock == nil {
		return
	}
	if err := l.lock.Refresh(ctx, l.ttl); err != nil {
		l.p.log(ctx, "lockTenant").WithError(err).Warn("refresh tenant lock")
	}
}

func (l *tenantLock) release(ctx context.Context) {
	if l == nil || l.lock == nil {
		return
	}
	if err := l.lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		l.p.log(ctx, "lockTenant").WithError(err).Warn("release tenant lock")
	}
}
