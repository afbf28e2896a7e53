package httputil

import (
	"context"
	"sync/atomic"
)

// Semaphore bounds concurrent outbound work. The gateway uses one to cap
// in-flight honeypot replays so a burst of hostile traffic cannot pile
// goroutines onto the deception endpoint.
type Semaphore struct {
	slots   chan struct{}
	dropped atomic.Int64
}

// NewSemaphore creates a semaphore with the given capacity. Non-positive
// capacities get a default of 100.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 100
	}
	return &Semaphore{slots: make(chan struct{}, capacity)}
}

// TryAcquire takes a slot without blocking. A false return means the
// semaphore is saturated; the refusal is counted.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Acquire blocks for a slot until the context is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot. Releasing more than was acquired is a no-op.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
	}
}

// DroppedCount reports how many TryAcquire calls were refused.
func (s *Semaphore) DroppedCount() int64 {
	return s.dropped.Load()
}

// InUse reports how many slots are currently held.
func (s *Semaphore) InUse() int {
	return len(s.slots)
}

// Stats snapshots the semaphore for the status endpoint.
func (s *Semaphore) Stats() SemaphoreStats {
	return SemaphoreStats{
		Capacity:  cap(s.slots),
		InUse:     len(s.slots),
		Available: cap(s.slots) - len(s.slots),
		Dropped:   s.dropped.Load(),
	}
}

// SemaphoreStats is the JSON shape reported under /api/status.
type SemaphoreStats struct {
	Capacity  int   `json:"capacity"`
	InUse     int   `json:"in_use"`
	Available int   `json:"available"`
	Dropped   int64 `json:"dropped"`
}
