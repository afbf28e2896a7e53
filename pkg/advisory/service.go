package advisory

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sirengate/sirengate/pkg/memory"
)

// Service ties the patch client to the proposal store. In the default
// co-pilot mode every proposal lands as pending and waits for Approve or
// Reject. Autopilot approves automatically and is an explicit opt-in.
type Service struct {
	client    *Client
	store     ProposalStore
	autopilot bool
	logger    zerolog.Logger
}

// NewService builds the advisory tier. A nil client disables it.
func NewService(client *Client, store ProposalStore, autopilot bool, logger zerolog.Logger) *Service {
	if client == nil {
		return nil
	}
	if store == nil {
		store = NewMemStore()
	}
	return &Service{
		client:    client,
		store:     store,
		autopilot: autopilot,
		logger:    logger.With().Str("component", "advisory").Logger(),
	}
}

// Propose asks the patch service for a fix and stores the proposal. Called
// from the evolution workers, never from the request path.
func (s *Service) Propose(ctx context.Context, rec memory.Record, payload string) error {
	if s == nil {
		return nil
	}

	patch, err := s.client.ProposePatch(ctx, ProposeRequest{
		AttackType:     rec.AttackType,
		AttackPayload:  payload,
		TargetEndpoint: rec.TargetEndpoint,
	})
	if err != nil {
		return fmt.Errorf("propose patch: %w", err)
	}

	p := Proposal{
		ID:         newProposalID(),
		RecordID:   rec.ID,
		AttackType: rec.AttackType,
		Payload:    payload,
		Patch:      *patch,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if s.autopilot {
		now := p.CreatedAt
		p.Status = StatusApproved
		p.DecidedAt = &now
	}

	if err := s.store.Save(ctx, p); err != nil {
		return fmt.Errorf("store proposal: %w", err)
	}

	s.logger.Info().
		Str("proposal_id", p.ID).
		Str("record_id", rec.ID).
		Str("status", string(p.Status)).
		Float64("confidence", patch.Confidence).
		Msg("patch proposal recorded")
	return nil
}

// Approve marks a pending proposal approved.
func (s *Service) Approve(ctx context.Context, id string) error {
	if s == nil {
		return fmt.Errorf("advisory disabled")
	}
	return s.store.SetStatus(ctx, id, StatusApproved)
}

// Reject marks a pending proposal rejected.
func (s *Service) Reject(ctx context.Context, id string) error {
	if s == nil {
		return fmt.Errorf("advisory disabled")
	}
	return s.store.SetStatus(ctx, id, StatusRejected)
}

// Pending lists proposals awaiting review.
func (s *Service) Pending(ctx context.Context) ([]Proposal, error) {
	if s == nil {
		return nil, nil
	}
	return s.store.List(ctx, StatusPending)
}
