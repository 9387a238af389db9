package schedule

import (
	"sync"
	"time"
)

// DefaultLockTTL bounds how long an acquired lock survives without release.
// A crashed or hung run loses its lock after the TTL, so the registry is
// self-healing. A run that legitimately outlives the TTL can overlap with the
// next run of the same task; that risk is accepted and logged, not hidden.
const DefaultLockTTL = 2 * time.Minute

// LockRegistry maps task ids to expiry deadlines. At any instant at most one
// live lock exists per task id.
type LockRegistry struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	locks map[string]time.Time
}

type LockOption func(*LockRegistry)

func WithLockTTL(ttl time.Duration) LockOption {
	return func(r *LockRegistry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock overrides the registry clock. Tests use it to drive expiry.
func WithClock(now func() time.Time) LockOption {
	return func(r *LockRegistry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewLockRegistry(opts ...LockOption) *LockRegistry {
	r := &LockRegistry{
		ttl:   DefaultLockTTL,
		now:   time.Now,
		locks: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TryAcquire takes the lock for taskID unless a live lock already exists.
// Expired entries count as absent.
func (r *LockRegistry) TryAcquire(taskID string) bool {
	if taskID == "" {
		return false
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if deadline, held := r.locks[taskID]; held && now.Before(deadline) {
		return false
	}
	r.locks[taskID] = now.Add(r.ttl)
	return true
}

// Release drops the lock. Releasing an unheld or already-expired lock is a
// no-op; the second return reports whether the entry had expired while still
// present, so callers can log runs that outlived their lock.
func (r *LockRegistry) Release(taskID string) (released, expired bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deadline, held := r.locks[taskID]
	if !held {
		return false, false
	}
	delete(r.locks, taskID)
	return true, !r.now().Before(deadline)
}

// TTL returns the configured lock lifetime.
func (r *LockRegistry) TTL() time.Duration {
	return r.ttl
}

// Sweep removes every expired entry and returns how many were dropped.
func (r *LockRegistry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for taskID, deadline := range r.locks {
		if !now.Before(deadline) {
			delete(r.locks, taskID)
			dropped++
		}
	}
	return dropped
}

// Held reports whether a live lock exists for taskID.
func (r *LockRegistry) Held(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	deadline, held := r.locks[taskID]
	return held && r.now().Before(deadline)
}
