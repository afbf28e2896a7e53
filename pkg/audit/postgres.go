package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSink mirrors audit entries into Postgres for long-term queries.
type PGSink struct {
	pool *pgxpool.Pool
}

// NewPGSink connects to dsn and ensures the decisions table exists.
func NewPGSink(ctx context.Context, dsn string) (*PGSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect audit database: %w", err)
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS audit_decisions (
    request_id   TEXT PRIMARY KEY,
    ts           TIMESTAMPTZ NOT NULL,
    endpoint     TEXT NOT NULL,
    client_ip    TEXT,
    service      TEXT,
    stages       JSONB NOT NULL,
    final_score  DOUBLE PRECISION NOT NULL,
    state        TEXT NOT NULL,
    action       TEXT NOT NULL,
    threat_level TEXT NOT NULL,
    fail_closed  BOOLEAN NOT NULL DEFAULT FALSE
)`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}
	return &PGSink{pool: pool}, nil
}

// Write implements Sink.
func (s *PGSink) Write(e Entry) error {
	stages, err := json.Marshal(e.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = s.pool.Exec(ctx, `
INSERT INTO audit_decisions (request_id, ts, endpoint, client_ip, service, stages, final_score, state, action, threat_level, fail_closed)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (request_id) DO NOTHING`,
		e.RequestID, e.Timestamp, e.Endpoint, e.ClientIP, e.Service, stages,
		e.FinalScore, e.State, e.Action, e.ThreatLevel, e.FailClosed)
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *PGSink) Close() error {
	s.pool.Close()
	return nil
}
