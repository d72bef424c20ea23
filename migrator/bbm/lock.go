package bbm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/tigrisdata/bbm/migrator/datastore"
)

// Locker coordinates processes so that at most one of them ticks a migration at a time.
type Locker interface {
	// Obtain takes the lease `key` for at most ttl. It fails with datastore.ErrBackgroundMigrationLockInUse when
	// another process holds it. The returned function releases the lease.
	Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// lockKey generates the lease key of a migration.
func lockKey(migration string) string {
	return fmt.Sprintf("bbm:lease:{%s}", migration)
}

type redisLocker struct {
	client *redislock.Client
}

// NewRedisLocker creates a Locker holding leases in Redis.
func NewRedisLocker(client redis.UniversalClient) Locker {
	return &redisLocker{client: redislock.New(client)}
}

func (r *redisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lock, err := r.client.Obtain(ctx, key, ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, datastore.ErrBackgroundMigrationLockInUse
		}
		return nil, fmt.Errorf("obtaining lease: %w", err)
	}
	return func() {
		// the lease expires on its own if the release fails
		_ = lock.Release(context.WithoutCancel(ctx))
	}, nil
}

type advisoryLocker struct {
	db datastore.Handler
}

// NewAdvisoryLocker creates a Locker holding leases as Postgres transaction advisory locks. The lease lasts until
// released, ttl is ignored.
func NewAdvisoryLocker(db datastore.Handler) Locker {
	return &advisoryLocker{db: db}
}

func (a *advisoryLocker) Obtain(ctx context.Context, key string, _ time.Duration) (func(), error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("creating database transaction: %w", err)
	}
	if err := StoreConstructor(tx).TryLock(ctx, key); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return func() { _ = tx.Rollback() }, nil
}
