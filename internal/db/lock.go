package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"apitelemetry/internal/config"
)

// AggregationLockName identifies the aggregation job across every backend.
const AggregationLockName = "apitelemetry:aggregation"

// Locker is a cooperative, non-blocking mutual-exclusion primitive. TryLock
// never waits: ok is false when another holder owns the lock. release must
// be called exactly once when ok is true.
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

// LockKey maps a lock name to a PostgreSQL advisory lock key.
func LockKey(name string) int64 {
	return int64(xxhash.Sum64String(name))
}

// PostgresLocker uses a session-level advisory lock held on a dedicated
// pooled connection for the lifetime of the lock.
type PostgresLocker struct {
	db  *gorm.DB
	key int64
}

func NewPostgresLocker(db *gorm.DB, name string) *PostgresLocker {
	return &PostgresLocker{db: db, key: LockKey(name)}
}

func (l *PostgresLocker) TryLock(ctx context.Context) (func(), bool, error) {
	sqlDB, err := l.db.DB()
	if err != nil {
		return nil, false, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection for advisory lock: %w", err)
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return nil, false, nil
	}

	release := func() {
		// Unlock even if the job's context has been cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.key)
		_ = conn.Close()
	}
	return release, true, nil
}

// releaseScript deletes the lock only if it still holds our token, so an
// expired-then-reacquired lock is never released by the previous owner.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX lock with a TTL, for deployments where the job
// instances do not share a PostgreSQL session (e.g. behind a pooler in
// transaction mode).
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, name string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, key: "lock:" + name, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis SETNX %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
	}
	return release, true, nil
}

// LocalLocker only excludes runs within one process. It is the fallback for
// single-instance SQLite deployments and tests.
type LocalLocker struct {
	mu sync.Mutex
}

func (l *LocalLocker) TryLock(context.Context) (func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return l.mu.Unlock, true, nil
}

// NewLocker picks the lock backend from configuration. The returned close
// function releases backend resources (the redis client).
func NewLocker(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger) (Locker, func() error, error) {
	noop := func() error { return nil }
	backend := cfg.LockBackend
	if backend == "" || backend == "auto" {
		if IsPostgres(db) {
			backend = "postgres"
		} else {
			backend = "local"
		}
	}

	switch backend {
	case "postgres":
		if !IsPostgres(db) {
			return nil, noop, fmt.Errorf("postgres advisory lock requested but database is %s", db.Dialector.Name())
		}
		return NewPostgresLocker(db, AggregationLockName), noop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("connect redis lock backend: %w", err)
		}
		// The TTL outlives the job's hard budget so the lock cannot expire
		// under a still-running job.
		return NewRedisLocker(client, AggregationLockName, cfg.JobTimeout+time.Minute), client.Close, nil
	case "local":
		log.Warnw("using process-local aggregation lock; overlapping runs on other hosts are not excluded")
		return &LocalLocker{}, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown lock backend %q", backend)
	}
}
