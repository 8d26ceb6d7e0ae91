package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Leader решает, может ли этот экземпляр выполнять задачи reaper'а.
type Leader interface {
	IsLeader(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

// AlwaysLeader — единственный экземпляр (SQLite, dev).
type AlwaysLeader struct{}

func (AlwaysLeader) IsLeader(context.Context) (bool, error) { return true, nil }

func (AlwaysLeader) Release(context.Context) {}

// AdvisoryLock — лидерство через pg_try_advisory_lock.
//
// Блокировка сессионная, поэтому лидер держит за собой отдельное соединение
// из пула. Пока соединение живо, лидерство сохраняется; при его потере
// блокировку снимает сам Postgres.
type AdvisoryLock struct {
	pool       *pgxpool.Pool
	key        int64
	retryEvery time.Duration
	now        func() time.Time

	mu          sync.Mutex
	conn        *pgxpool.Conn
	lastAttempt time.Time
}

// NewAdvisoryLock создаёт AdvisoryLock. retryEvery ограничивает частоту
// попыток захвата, пока лидер — кто-то другой.
func NewAdvisoryLock(pool *pgxpool.Pool, key int64, retryEvery time.Duration) *AdvisoryLock {
	return &AdvisoryLock{pool: pool, key: key, retryEvery: retryEvery, now: time.Now}
}

// IsLeader подтверждает лидерство или пытается его получить.
func (l *AdvisoryLock) IsLeader(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		// Соединение потеряно вместе с блокировкой.
		l.conn.Release()
		l.conn = nil
	}

	now := l.now()
	if now.Sub(l.lastAttempt) < l.retryEvery {
		return false, nil
	}
	l.lastAttempt = now

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

// Release снимает блокировку и возвращает соединение в пул.
func (l *AdvisoryLock) Release(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return
	}
	_, _ = l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	l.conn.Release()
	l.conn = nil
}
