package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// errLockTimeout surfaces lock-acquisition timeouts as retryable conflicts
// rather than letting an enrollment block indefinitely.
var errLockTimeout = errors.New("engine: subtree lock acquisition timed out")

const defaultLockTimeout = 5 * time.Second

// subtreeLocks serializes placements per matrix root. Placements under
// different roots proceed fully in parallel; two enrollments racing for the
// same open slot in one tree queue here instead of fighting over the unique
// index.
type subtreeLocks struct {
	mu      sync.Mutex
	slots   map[uuid.UUID]chan struct{}
	timeout time.Duration
}

func newSubtreeLocks(timeout time.Duration) *subtreeLocks {
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	return &subtreeLocks{
		slots:   make(map[uuid.UUID]chan struct{}),
		timeout: timeout,
	}
}

func (l *subtreeLocks) gate(id uuid.UUID) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	gate, ok := l.slots[id]
	if !ok {
		gate = make(chan struct{}, 1)
		l.slots[id] = gate
	}
	return gate
}

// acquire takes the exclusive lock for the subtree root, honoring context
// cancellation and the configured timeout. The returned release function
// must be called exactly once.
func (l *subtreeLocks) acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	gate := l.gate(id)
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()
	select {
	case gate <- struct{}{}:
		return func() { <-gate }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errLockTimeout
	}
}
