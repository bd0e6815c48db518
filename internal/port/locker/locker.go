package locker

import "context"

// AdvisoryLocker runs fn while holding the cluster-wide lock called name.
// Replicas sharing a database block on each other; a cancelled ctx abandons the wait.
type AdvisoryLocker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}
