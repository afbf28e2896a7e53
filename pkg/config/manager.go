package config

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Manager serves the live configuration snapshot to request handlers and
// swaps in a new one on reload. Readers always see a fully-formed Config;
// fields are never mutated in place while requests hold a snapshot.
//
// Hot-reloadable: thresholds, fusion weights, stage timeouts, memory tuning,
// decode layer cap, challenge budget.
// NOT hot-reloadable (require restart): listen address, backend/deception
// URLs, Redis/NATS/Postgres connections, embedding backend.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
	logger  zerolog.Logger
}

// NewManager wraps an initial config. path may be empty when the config came
// purely from environment; Reload then rebuilds from the environment.
func NewManager(initial *Config, path string, logger zerolog.Logger) *Manager {
	m := &Manager{
		path:   path,
		logger: logger.With().Str("component", "config").Logger(),
	}
	m.current.Store(initial)
	return m
}

// Current returns the live snapshot. Callers must not mutate it.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Reload re-reads the config source and atomically swaps the snapshot.
// Connection-level settings from the old snapshot are preserved so a reload
// never silently repoints the gateway at different backends.
func (m *Manager) Reload() (*Config, error) {
	next, err := Load(m.path)
	if err != nil {
		return nil, fmt.Errorf("reload rejected: %w", err)
	}

	prev := m.current.Load()
	next.ListenAddr = prev.ListenAddr
	next.BackendURL = prev.BackendURL
	next.DeceptionURL = prev.DeceptionURL
	next.RedisAddr = prev.RedisAddr
	next.NATSURL = prev.NATSURL
	next.EmbedURL = prev.EmbedURL
	next.AuditDSN = prev.AuditDSN
	next.AdvisoryDSN = prev.AdvisoryDSN

	m.current.Store(next)
	m.logger.Info().
		Float64("threshold_suspicious", next.Thresholds.Suspicious).
		Float64("threshold_attack", next.Thresholds.Attack).
		Msg("configuration reloaded")
	return next, nil
}
