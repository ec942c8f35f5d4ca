package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisLock_SingleWriter(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)

	first := NewRedisLock(client, "escalation-sweep", time.Minute)
	second := NewRedisLock(client, "escalation-sweep", time.Minute)

	ok, err := first.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first Acquire = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = second.Acquire(ctx)
	if err != nil || ok {
		t.Fatalf("second Acquire = (%v, %v), want (false, nil)", ok, err)
	}

	// Releasing a lock owned by someone else leaves it in place.
	if err := second.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !mr.Exists("lock:escalation-sweep") {
		t.Fatal("foreign release must not delete the key")
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	ok, err = second.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("Acquire after release = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestRedisLock_ExpiresAndExtends(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)

	l := NewRedisLock(client, "sweep", time.Second)
	if ok, _ := l.Acquire(ctx); !ok {
		t.Fatal("expected lock to be acquired")
	}
	if err := l.Extend(ctx, time.Minute); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	mr.FastForward(30 * time.Second)
	if !mr.Exists("lock:sweep") {
		t.Fatal("extended lock should still exist")
	}
	mr.FastForward(31 * time.Second)
	other := NewRedisLock(client, "sweep", time.Second)
	if ok, _ := other.Acquire(ctx); !ok {
		t.Error("expired lock should be acquirable")
	}
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer db.Close()

	l := NewPGAdvisoryLock(db, "escalation-sweep")
	mock.ExpectQuery("SELECT pg_try_advisory_lock").WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").WithArgs(l.lockID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := l.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("Acquire = (%v, %v), want (true, nil)", ok, err)
	}
	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPGAdvisoryLock_Busy(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer db.Close()

	l := NewPGAdvisoryLock(db, "escalation-sweep")
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ok, err := l.Acquire(context.Background())
	if err != nil || ok {
		t.Fatalf("Acquire = (%v, %v), want (false, nil)", ok, err)
	}
	if err := l.Release(context.Background()); err != nil {
		t.Errorf("Release of an unheld lock should be a no-op, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestNewFactory_LocalFallback(t *testing.T) {
	ctx := context.Background()
	factory := NewFactory(nil, nil, "local-test", time.Minute)

	a, b := factory(), factory()
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("first local lock should be acquired")
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Fatal("second local lock should be busy")
	}
	a.Release(ctx)
	if ok, _ := b.Acquire(ctx); !ok {
		t.Fatal("local lock should be free after release")
	}
	b.Release(ctx)
}

func TestNewFactory_PrefersRedis(t *testing.T) {
	_, client := setupTestRedis(t)
	if _, ok := NewFactory(client, nil, "k", time.Minute)().(*RedisLock); !ok {
		t.Error("expected a RedisLock when a redis client is provided")
	}
}
