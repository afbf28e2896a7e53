package advisory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is a proposal's position in the approval workflow.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Proposal is a stored patch proposal awaiting review.
type Proposal struct {
	ID         string      `json:"id"`
	RecordID   string      `json:"record_id"`
	AttackType string      `json:"attack_type"`
	Payload    string      `json:"payload"`
	Patch      PatchResult `json:"patch"`
	Status     Status      `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	DecidedAt  *time.Time  `json:"decided_at,omitempty"`
}

// ProposalStore persists proposals and their review outcomes.
type ProposalStore interface {
	Save(ctx context.Context, p Proposal) error
	Get(ctx context.Context, id string) (*Proposal, error)
	List(ctx context.Context, status Status) ([]Proposal, error)
	SetStatus(ctx context.Context, id string, status Status) error
}

// MemStore keeps proposals in process memory, the default when no database
// is configured.
type MemStore struct {
	mu        sync.RWMutex
	proposals map[string]Proposal
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{proposals: map[string]Proposal{}}
}

func (s *MemStore) Save(_ context.Context, p Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals[p.ID] = p
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, fmt.Errorf("proposal %s not found", id)
	}
	return &p, nil
}

func (s *MemStore) List(_ context.Context, status Status) ([]Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Proposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) SetStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return fmt.Errorf("proposal %s not found", id)
	}
	now := time.Now().UTC()
	p.Status = status
	p.DecidedAt = &now
	s.proposals[id] = p
	return nil
}

// PGStore persists proposals in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to dsn and ensures the proposals table exists.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect advisory database: %w", err)
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS advisory_proposals (
    id           TEXT PRIMARY KEY,
    record_id    TEXT NOT NULL,
    attack_type  TEXT NOT NULL,
    payload      TEXT NOT NULL,
    patched_code TEXT NOT NULL,
    unified_diff TEXT NOT NULL,
    explanation  TEXT NOT NULL,
    confidence   DOUBLE PRECISION NOT NULL,
    status       TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    decided_at   TIMESTAMPTZ
)`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create proposals table: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Save(ctx context.Context, p Proposal) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO advisory_proposals
    (id, record_id, attack_type, payload, patched_code, unified_diff, explanation, confidence, status, created_at, decided_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, decided_at = EXCLUDED.decided_at`,
		p.ID, p.RecordID, p.AttackType, p.Payload,
		p.Patch.PatchedCode, p.Patch.UnifiedDiff, p.Patch.Explanation, p.Patch.Confidence,
		p.Status, p.CreatedAt, p.DecidedAt)
	if err != nil {
		return fmt.Errorf("save proposal: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*Proposal, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, record_id, attack_type, payload, patched_code, unified_diff, explanation, confidence, status, created_at, decided_at
FROM advisory_proposals WHERE id = $1`, id)

	var p Proposal
	if err := row.Scan(&p.ID, &p.RecordID, &p.AttackType, &p.Payload,
		&p.Patch.PatchedCode, &p.Patch.UnifiedDiff, &p.Patch.Explanation, &p.Patch.Confidence,
		&p.Status, &p.CreatedAt, &p.DecidedAt); err != nil {
		return nil, fmt.Errorf("load proposal %s: %w", id, err)
	}
	return &p, nil
}

func (s *PGStore) List(ctx context.Context, status Status) ([]Proposal, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, record_id, attack_type, payload, patched_code, unified_diff, explanation, confidence, status, created_at, decided_at
FROM advisory_proposals WHERE ($1 = '' OR status = $1) ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		var p Proposal
		if err := rows.Scan(&p.ID, &p.RecordID, &p.AttackType, &p.Payload,
			&p.Patch.PatchedCode, &p.Patch.UnifiedDiff, &p.Patch.Explanation, &p.Patch.Confidence,
			&p.Status, &p.CreatedAt, &p.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) SetStatus(ctx context.Context, id string, status Status) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE advisory_proposals SET status = $2, decided_at = $3 WHERE id = $1`,
		id, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update proposal %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("proposal %s not found", id)
	}
	return nil
}

// Close releases the database pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

func newProposalID() string { return uuid.NewString() }
