// Package audit records every decision the gateway takes. One JSONL line
// per request to a dedicated file, optionally mirrored to Postgres. Audit
// writes happen off the request path and their failures never change a
// decision.
package audit

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sirengate/sirengate/pkg/cascade"
	"github.com/sirengate/sirengate/pkg/feature"
)

// StageEntry is one cascade stage's contribution as it appears in the log.
type StageEntry struct {
	Score    float64 `json:"score"`
	Degraded bool    `json:"degraded,omitempty"`
}

// Entry is the audit projection of one decision.
type Entry struct {
	RequestID    string                `json:"request_id"`
	Timestamp    time.Time             `json:"timestamp"`
	Endpoint     string                `json:"endpoint"`
	ClientIP     string                `json:"client_ip,omitempty"`
	Service      string                `json:"service,omitempty"`
	Stages       map[string]StageEntry `json:"stages"`
	FinalScore   float64               `json:"final_score"`
	State        string                `json:"state"`
	Action       string                `json:"action"`
	ThreatLevel  string                `json:"threat_level"`
	ShortCircuit bool                  `json:"short_circuit,omitempty"`
	Override     bool                  `json:"override,omitempty"`
	FailClosed   bool                  `json:"fail_closed,omitempty"`
	Challenged   bool                  `json:"challenged,omitempty"`
}

// NewEntry projects a decision and its request into an audit entry.
func NewEntry(d *cascade.Decision, fs *feature.FeatureSet) Entry {
	e := Entry{
		RequestID:   d.RequestID,
		Timestamp:   d.Timestamp,
		Endpoint:    fs.Path,
		ClientIP:    fs.ClientIP,
		Service:     fs.Service,
		Stages:      map[string]StageEntry{},
		State:       string(d.State),
		Action:      string(d.Action),
		ThreatLevel: d.ThreatLevel(),
		FailClosed:  d.FailClosed,
	}
	if f := d.Fusion; f != nil {
		e.FinalScore = f.FinalScore
		e.ShortCircuit = f.ShortCircuit
		e.Override = f.OverrideApplied
		for _, s := range []*cascade.StageScore{f.Pattern, f.Structural, f.Semantic} {
			if s != nil {
				e.Stages[s.Stage] = StageEntry{Score: s.Score, Degraded: s.Degraded}
			}
		}
	}
	return e
}

// Sink receives audit entries.
type Sink interface {
	Write(e Entry) error
	Close() error
}

// Writer fans entries out to its sinks from a single background goroutine.
// Submit never blocks; when the buffer is full the entry is dropped and
// counted.
type Writer struct {
	sinks  []Sink
	ch     chan Entry
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	logger zerolog.Logger

	written atomic.Int64
	dropped atomic.Int64
}

// NewWriter starts the audit writer over the given sinks.
func NewWriter(logger zerolog.Logger, sinks ...Sink) *Writer {
	w := &Writer{
		sinks:  sinks,
		ch:     make(chan Entry, 4096),
		logger: logger.With().Str("component", "audit").Logger(),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Submit queues an entry without blocking.
func (w *Writer) Submit(e Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- e:
	default:
		w.dropped.Add(1)
	}
}

// Stats reports writer counters.
func (w *Writer) Stats() map[string]int64 {
	return map[string]int64{
		"written": w.written.Load(),
		"dropped": w.dropped.Load(),
	}
}

// Close drains the queue and closes the sinks.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()
	w.wg.Wait()
	for _, s := range w.sinks {
		if err := s.Close(); err != nil {
			w.logger.Warn().Err(err).Msg("audit sink close failed")
		}
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	for e := range w.ch {
		persisted := false
		for _, s := range w.sinks {
			if err := s.Write(e); err != nil {
				w.logger.Warn().Err(err).Str("request_id", e.RequestID).Msg("audit write failed")
				continue
			}
			persisted = true
		}
		// An entry counts as written only when at least one sink kept it;
		// otherwise it is lost and the counters must say so.
		if persisted {
			w.written.Add(1)
		} else {
			w.dropped.Add(1)
		}
	}
}

// FileSink appends JSONL entries to a file through zerolog.
type FileSink struct {
	f   *os.File
	log zerolog.Logger
}

// NewFileSink opens (or creates) the audit log for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f, log: zerolog.New(f)}, nil
}

// Write implements Sink.
func (s *FileSink) Write(e Entry) error {
	evt := s.log.Log().
		Str("request_id", e.RequestID).
		Time("timestamp", e.Timestamp).
		Str("endpoint", e.Endpoint).
		Float64("final_score", e.FinalScore).
		Str("state", e.State).
		Str("action", e.Action).
		Str("threat_level", e.ThreatLevel).
		Interface("stages", e.Stages)
	if e.ClientIP != "" {
		evt = evt.Str("client_ip", e.ClientIP)
	}
	if e.Service != "" {
		evt = evt.Str("service", e.Service)
	}
	if e.ShortCircuit {
		evt = evt.Bool("short_circuit", true)
	}
	if e.Override {
		evt = evt.Bool("override", true)
	}
	if e.FailClosed {
		evt = evt.Bool("fail_closed", true)
	}
	if e.Challenged {
		evt = evt.Bool("challenged", true)
	}
	evt.Send()
	return nil
}

// Close implements Sink.
func (s *FileSink) Close() error {
	return s.f.Close()
}
