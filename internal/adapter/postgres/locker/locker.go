package locker

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	portlocker "github.com/alanyang/promptlab/internal/port/locker"
)

// namespace keeps promptlab lock ids apart from other users of the same database.
const namespace = "promptlab:"

var _ portlocker.AdvisoryLocker = (*Locker)(nil)

// Locker uses session-level advisory locks, so lock and unlock must run on the
// same connection. The connection is held for the whole critical section.
type Locker struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Locker {
	return &Locker{pool: pool}
}

func (l *Locker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for lock %q: %w", name, err)
	}
	defer conn.Release()

	key := Key(name)
	waitStart := time.Now()
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		return fmt.Errorf("acquire advisory lock %q: %w", name, err)
	}
	if waited := time.Since(waitStart); waited > time.Second {
		slog.InfoContext(ctx, "advisory lock acquired after wait", "lock", name, "waited", waited)
	}
	defer func() {
		// Background context: the unlock must run even when ctx is already cancelled.
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", key); err != nil {
			slog.Error("release advisory lock", "lock", name, "error", err)
		}
	}()

	return fn(ctx)
}

// Key maps a lock name to its advisory lock id.
func Key(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(namespace + name))
	return int64(h.Sum64())
}
