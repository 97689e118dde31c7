// Package locks provides named, reentrant, timed locks used to linearize
// message appends per thread and context merges per user. Locks are
// cooperative channel-based locks, not OS-level.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

// Namespaces used by the core.
const (
	NamespaceThread      = "thread"
	NamespaceUserContext = "user_context"
)

const (
	DefaultTimeout = 30 * time.Second
	defaultTTL     = time.Hour
)

// Stats is a snapshot of one lock's counters.
type Stats struct {
	Acquisitions int64
	Contentions  int64
	WaitTime     time.Duration
	HeldTime     time.Duration
}

type lockKey struct {
	namespace string
	key       string
}

type lockState struct {
	// sem is a one-slot semaphore; holding the token means holding the lock.
	sem chan struct{}

	mu         sync.Mutex
	owner      string
	depth      int
	acquiredAt time.Time
	lastUsed   time.Time
	stats      Stats
}

// Manager hands out locks keyed by (namespace, key). Reentrancy is tracked
// through the context: Acquire returns a context carrying an ownership
// token, and re-acquiring with that context nests instead of deadlocking.
type Manager struct {
	mu    sync.Mutex
	locks map[lockKey]*lockState
	ttl   time.Duration

	janitorStop chan struct{}
	janitorOnce sync.Once
}

type Option func(*Manager)

// WithTTL overrides how long idle unlocked entries survive before cleanup.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		locks:       make(map[lockKey]*lockState),
		ttl:         defaultTTL,
		janitorStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.janitor()
	return m
}

// Close stops the cleanup goroutine.
func (m *Manager) Close() {
	m.janitorOnce.Do(func() { close(m.janitorStop) })
}

type ownerKeyType struct{ lockKey }

// Acquire blocks until the lock is available, the timeout elapses or ctx is
// cancelled. The returned context must be used for nested acquisitions and
// for Release.
func (m *Manager) Acquire(ctx context.Context, namespace, key string, timeout time.Duration) (context.Context, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	k := lockKey{namespace: namespace, key: key}
	state := m.state(k)

	// Reentrant path: this context already holds the lock.
	if owner, ok := ctx.Value(ownerKeyType{k}).(string); ok {
		state.mu.Lock()
		if state.owner == owner && state.depth > 0 {
			state.depth++
			state.lastUsed = time.Now()
			state.mu.Unlock()
			return ctx, nil
		}
		state.mu.Unlock()
	}

	start := time.Now()
	contended := false

	select {
	case state.sem <- struct{}{}:
	default:
		contended = true
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case state.sem <- struct{}{}:
		case <-timer.C:
			m.recordTimeout(state)
			return nil, &protocol.LockTimeoutError{Namespace: namespace, Key: key, Timeout: timeout}
		case <-ctx.Done():
			m.recordTimeout(state)
			return nil, ctx.Err()
		}
	}

	owner := uuid.NewString()
	now := time.Now()

	state.mu.Lock()
	state.owner = owner
	state.depth = 1
	state.acquiredAt = now
	state.lastUsed = now
	state.stats.Acquisitions++
	if contended {
		state.stats.Contentions++
		state.stats.WaitTime += now.Sub(start)
	}
	state.mu.Unlock()

	return context.WithValue(ctx, ownerKeyType{k}, owner), nil
}

// Release is idempotent; releasing an unheld lock is a no-op. Nested
// acquisitions unwind before the lock is actually freed.
func (m *Manager) Release(ctx context.Context, namespace, key string) {
	k := lockKey{namespace: namespace, key: key}

	m.mu.Lock()
	state, ok := m.locks[k]
	m.mu.Unlock()
	if !ok {
		return
	}

	owner, _ := ctx.Value(ownerKeyType{k}).(string)

	state.mu.Lock()
	if state.depth == 0 || state.owner != owner {
		state.mu.Unlock()
		return
	}
	state.depth--
	if state.depth > 0 {
		state.lastUsed = time.Now()
		state.mu.Unlock()
		return
	}
	now := time.Now()
	state.stats.HeldTime += now.Sub(state.acquiredAt)
	state.owner = ""
	state.lastUsed = now
	state.mu.Unlock()

	<-state.sem
}

// WithLock runs fn while holding the lock, releasing on every exit path.
func (m *Manager) WithLock(ctx context.Context, namespace, key string, timeout time.Duration, fn func(ctx context.Context) error) error {
	lockCtx, err := m.Acquire(ctx, namespace, key, timeout)
	if err != nil {
		return err
	}
	defer m.Release(lockCtx, namespace, key)
	return fn(lockCtx)
}

// Stats returns a snapshot for one lock; zero value when never used.
func (m *Manager) Stats(namespace, key string) Stats {
	m.mu.Lock()
	state, ok := m.locks[lockKey{namespace: namespace, key: key}]
	m.mu.Unlock()
	if !ok {
		return Stats{}
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.stats
}

func (m *Manager) state(k lockKey) *lockState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.locks[k]
	if !ok {
		state = &lockState{sem: make(chan struct{}, 1), lastUsed: time.Now()}
		m.locks[k] = state
	}
	return state
}

func (m *Manager) recordTimeout(state *lockState) {
	state.mu.Lock()
	state.lastUsed = time.Now()
	state.mu.Unlock()
}

// janitor drops unlocked entries idle for longer than the TTL.
func (m *Manager) janitor() {
	interval := m.ttl / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.janitorStop:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, state := range m.locks {
		state.mu.Lock()
		idle := state.depth == 0 && now.Sub(state.lastUsed) > m.ttl
		state.mu.Unlock()
		if idle {
			delete(m.locks, k)
		}
	}
}
