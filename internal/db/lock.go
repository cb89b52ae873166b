package db

import (
	"errors"

	"gorm.io/gorm"
)

// ErrLockHeld is returned by WithAdvisoryLock when another session holds
// the lock. Retryable; not an error state of the data.
var ErrLockHeld = errors.New("advisory lock held by another session")

// Advisory lock identity for rollup mutual exclusion. Changing these
// values breaks cluster-wide coordination with older deployments.
const (
	LockNamespaceRollups = int32(7401)
	LockKeyRollups       = int32(1)
)

// WithAdvisoryLock runs fn while holding a Postgres advisory lock.
// Advisory locks are session-scoped, so the acquire, fn, and release all
// run on a single pinned connection. Acquisition is try-only: if the
// lock is held elsewhere, ErrLockHeld is returned immediately rather
// than queuing. The lock is released on every exit path.
func WithAdvisoryLock(db *gorm.DB, namespace, key int32, fn func(conn *gorm.DB) error) error {
	return db.Connection(func(conn *gorm.DB) error {
		var acquired bool
		if err := conn.Raw("SELECT pg_try_advisory_lock(?, ?)", namespace, key).Scan(&acquired).Error; err != nil {
			return Unavailable(err)
		}
		if !acquired {
			return ErrLockHeld
		}
		defer conn.Exec("SELECT pg_advisory_unlock(?, ?)", namespace, key)
		return fn(conn)
	})
}
