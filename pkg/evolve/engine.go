// Package evolve is the asynchronous learning loop: confirmed attacks are
// queued by the request path and folded into the attack memory by background
// workers, then shared to the hive and handed to the patch advisory. Nothing
// here runs on a request's critical path or under its cancellation.
package evolve

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sirengate/sirengate/pkg/config"
	"github.com/sirengate/sirengate/pkg/memory"
)

// Event is one confirmed hostile request handed to the learning loop.
type Event struct {
	RequestID   string
	Observation memory.Observation
}

// Reinforcer folds an observation into the attack memory.
type Reinforcer interface {
	Reinforce(ctx context.Context, obs memory.Observation) (*memory.Record, bool, error)
}

// Sharer publishes a record to the hive feed.
type Sharer interface {
	Share(ctx context.Context, rec memory.Record) error
}

// Advisor proposes a remediation for a recorded attack.
type Advisor interface {
	Propose(ctx context.Context, rec memory.Record, payload string) error
}

// Engine owns the bounded event queue and the worker pool. The queue drops
// its oldest event on overflow: under attack floods the freshest evidence
// wins and the gateway keeps serving.
type Engine struct {
	store   Reinforcer
	sharer  Sharer
	advisor Advisor
	cfg     *config.Manager
	logger  zerolog.Logger

	queue  chan Event
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	processed atomic.Int64
	dropped   atomic.Int64
	created   atomic.Int64
	merged    atomic.Int64
}

// NewEngine builds the loop. sharer and advisor may be nil when those
// integrations are not configured.
func NewEngine(store Reinforcer, sharer Sharer, advisor Advisor, cfg *config.Manager, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		sharer:  sharer,
		advisor: advisor,
		cfg:     cfg,
		logger:  logger.With().Str("component", "evolve").Logger(),
		queue:   make(chan Event, cfg.Current().Memory.QueueCapacity),
	}
}

// Start launches the worker pool.
func (e *Engine) Start(workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
}

// Stop closes the queue and waits for in-flight events to drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Submit enqueues an event without blocking. When the queue is full the
// oldest queued event is dropped with a warning to make room.
func (e *Engine) Submit(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}

	for {
		select {
		case e.queue <- ev:
			return true
		default:
		}
		select {
		case old := <-e.queue:
			e.dropped.Add(1)
			e.logger.Warn().Str("request_id", old.RequestID).Msg("learn queue full, dropped oldest event")
		default:
		}
	}
}

// Stats reports the loop's counters for the status endpoint.
func (e *Engine) Stats() map[string]int64 {
	return map[string]int64{
		"processed": e.processed.Load(),
		"dropped":   e.dropped.Load(),
		"created":   e.created.Load(),
		"merged":    e.merged.Load(),
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for ev := range e.queue {
		e.process(ev)
	}
}

// process reinforces with bounded retries, then runs the side feeds. Side
// feed failures are logged and never retried; the memory write is the part
// that must not be lost lightly.
func (e *Engine) process(ev Event) {
	snap := e.cfg.Current()

	rec, created, err := e.reinforceWithRetry(ev, snap.Memory.WriteRetries)
	if err != nil {
		e.logger.Warn().Err(err).Str("request_id", ev.RequestID).Msg("learn event dropped after retries")
		return
	}
	e.processed.Add(1)
	if created {
		e.created.Add(1)
	} else {
		e.merged.Add(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if e.sharer != nil && rec.Severity >= snap.Memory.ShareFloor {
		if err := e.sharer.Share(ctx, *rec); err != nil {
			e.logger.Warn().Err(err).Str("record_id", rec.ID).Msg("hive share failed")
		}
	}
	if e.advisor != nil {
		if err := e.advisor.Propose(ctx, *rec, ev.Observation.Payload); err != nil {
			e.logger.Warn().Err(err).Str("record_id", rec.ID).Msg("advisory proposal failed")
		}
	}
}

func (e *Engine) reinforceWithRetry(ev Event, retries int) (*memory.Record, bool, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff(attempt))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		rec, created, err := e.store.Reinforce(ctx, ev.Observation)
		cancel()
		if err == nil {
			return rec, created, nil
		}
		lastErr = err
		e.logger.Debug().Err(err).Int("attempt", attempt+1).Str("request_id", ev.RequestID).
			Msg("memory write retry")
	}
	return nil, false, lastErr
}

func backoff(attempt int) time.Duration {
	d := 100 * time.Millisecond << (attempt - 1)
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}
