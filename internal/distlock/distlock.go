// Package distlock provides single-writer locks for periodic jobs such as the
// escalation sweep. Redis is preferred; PostgreSQL advisory locks are the fallback,
// and a process-local lock covers single-instance (SQLite) deployments.
package distlock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is a non-blocking lock. An instance is meant to be used by one
// goroutine at a time; create one instance per critical section.
type DistLock interface {
	// Acquire tries to take the lock and reports whether it succeeded.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if it is still held by this instance.
	Release(ctx context.Context) error
}

// Factory creates a fresh lock for each critical section.
type Factory func() DistLock

// NewFactory returns a Factory for key using the best available backend: Redis when
// redisClient is set, PostgreSQL advisory locks when db is set, a process-local
// lock otherwise.
func NewFactory(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) Factory {
	switch {
	case redisClient != nil:
		return func() DistLock { return NewRedisLock(redisClient, key, ttl) }
	case db != nil:
		return func() DistLock { return NewPGAdvisoryLock(db, key) }
	default:
		local := localLocks.get(key)
		return func() DistLock { return &LocalLock{mu: local} }
	}
}

// PGAdvisoryLock implements DistLock with pg_try_advisory_lock. Advisory locks are
// session scoped, so the lock pins one pooled connection until Release.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewPGAdvisoryLock creates an advisory lock whose id is derived from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire implements DistLock.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get connection for advisory lock: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("failed to acquire advisory lock %d: %w", l.lockID, err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release implements DistLock.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}

// LocalLock guards a critical section within one process.
type LocalLock struct {
	mu   *sync.Mutex
	held bool
}

// Acquire implements DistLock.
func (l *LocalLock) Acquire(context.Context) (bool, error) {
	if l.held {
		return true, nil
	}
	l.held = l.mu.TryLock()
	return l.held, nil
}

// Release implements DistLock.
func (l *LocalLock) Release(context.Context) error {
	if l.held {
		l.held = false
		l.mu.Unlock()
	}
	return nil
}

type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var localLocks = &lockTable{locks: make(map[string]*sync.Mutex)}

func (t *lockTable) get(key string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.locks[key]
	if !ok {
		m = &sync.Mutex{}
		t.locks[key] = m
	}
	return m
}
