// Package cache holds short-lived coordination state: fetch locks so one
// client is never fetched twice at once, and per-client fetch cursors.
// Both come in an in-process and a redis flavour.
package cache

import (
	"context"
	"time"
)

// Locker grants exclusive, expiring locks by key.
type Locker interface {
	// TryLock reports whether the lock was acquired. It never blocks.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// CursorStore remembers the last successful fetch time per key. Get returns
// the zero time for unknown keys.
type CursorStore interface {
	Get(ctx context.Context, key string) (time.Time, error)
	Set(ctx context.Context, key string, t time.Time) error
}

// LockKey and CursorKey build the keys runners use for one client.
func LockKey(adapter, client string) string {
	return "fleet:lock:" + adapter + ":" + client
}

func CursorKey(adapter, client string) string {
	return "fleet:cursor:" + adapter + ":" + client
}
