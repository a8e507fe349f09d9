// Package lock provides named mutual exclusion for allocation critical
// sections. The etcd-backed Locker coordinates across server instances; the
// local Locker covers single-node deployments and tests.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a lock cannot be acquired within the
// configured window. Callers surface it as a retryable LOCK_TIMEOUT.
var ErrLockTimeout = errors.New("lock: acquisition timed out")

// DefaultTimeout bounds lock acquisition when the caller supplies none.
const DefaultTimeout = 10 * time.Second

// Locker serializes work under a named lock. The callback runs with the lock
// held; the lock is released when it returns, even on error or panic.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
	Close() error
}

// LocalLocker serializes by name within a single process.
type LocalLocker struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocalLocker creates a process-local Locker. A timeout of zero uses
// DefaultTimeout.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LocalLocker{
		timeout: timeout,
		locks:   make(map[string]chan struct{}),
	}
}

func (l *LocalLocker) sem(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[name] = ch
	}
	return ch
}

// WithLock runs fn while holding the named lock.
func (l *LocalLocker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ch := l.sem(name)

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-ch }()

	return fn(ctx)
}

// Close releases no resources for the local locker.
func (l *LocalLocker) Close() error { return nil }
