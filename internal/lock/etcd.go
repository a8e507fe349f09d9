package lock

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const lockKeyPrefix = "/brisk/locks/"

// EtcdLocker coordinates named locks across server instances via etcd.
type EtcdLocker struct {
	client  *clientv3.Client
	timeout time.Duration
}

// NewEtcdLocker connects to etcd. A timeout of zero uses DefaultTimeout.
func NewEtcdLocker(endpoints []string, timeout time.Duration) (*EtcdLocker, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("lock: connecting to etcd: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &EtcdLocker{client: cli, timeout: timeout}, nil
}

// WithLock runs fn while holding the named lock. Each acquisition uses its
// own session so a crashed holder's lease expires and frees the lock.
func (l *EtcdLocker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	session, err := concurrency.NewSession(l.client, concurrency.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("lock: creating session: %w", err)
	}
	defer session.Close()

	mutex := concurrency.NewMutex(session, lockKeyPrefix+name)

	lockCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := mutex.Lock(lockCtx); err != nil {
		if lockCtx.Err() == context.DeadlineExceeded {
			return ErrLockTimeout
		}
		return fmt.Errorf("lock: acquiring %q: %w", name, err)
	}
	defer mutex.Unlock(context.WithoutCancel(ctx))

	return fn(ctx)
}

// Close shuts down the etcd client.
func (l *EtcdLocker) Close() error {
	return l.client.Close()
}
