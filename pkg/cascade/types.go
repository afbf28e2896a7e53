// Package cascade implements the multi-stage threat-scoring pipeline:
// signature matching with short-circuit, concurrent structural and semantic
// stages, deterministic fusion, and the threshold decision engine.
package cascade

import (
	"context"
	"time"

	"github.com/sirengate/sirengate/pkg/feature"
)

// Stage is the uniform capability every cascade stage implements: given a
// FeatureSet, produce an optional StageScore within the caller's deadline.
// A nil score with nil error means the stage has nothing to say (signature
// miss). Stages must degrade rather than fail: backend trouble is reported
// through StageScore.Degraded, not the error.
type Stage interface {
	Name() string
	Evaluate(ctx context.Context, fs *feature.FeatureSet) (*StageScore, error)
}

// Stage names as they appear in scores and audit records.
const (
	StageSignature  = "signature"
	StageStructural = "structural"
	StageSemantic   = "semantic"
)

// StageScore is one stage's verdict for one request. Ephemeral, owned by the
// request's processing context.
type StageScore struct {
	Stage    string         `json:"stage"`
	Score    float64        `json:"score"` // [0,1]
	Evidence map[string]any `json:"evidence,omitempty"`
	Degraded bool           `json:"degraded,omitempty"`
	Elapsed  time.Duration  `json:"elapsed_ns,omitempty"`
}

// FusionResult is the single combined verdict the decision engine consumes.
type FusionResult struct {
	FinalScore      float64     `json:"final_score"`
	Pattern         *StageScore `json:"pattern,omitempty"`
	Structural      *StageScore `json:"structural,omitempty"`
	Semantic        *StageScore `json:"semantic,omitempty"`
	OverrideApplied bool        `json:"override_applied"`
	// ShortCircuit marks a signature hit: the fusion step was bypassed and
	// FinalScore is the signature verdict.
	ShortCircuit bool `json:"short_circuit"`
}

// State is the terminal classification a request receives. Each request gets
// exactly one; there are no transitions afterwards.
type State string

const (
	StateSafe       State = "SAFE"
	StateSuspicious State = "SUSPICIOUS"
	StateAttack     State = "ATTACK"
)

// Action is what the transport does with the request.
type Action string

const (
	ActionForward   Action = "forward"
	ActionChallenge Action = "challenge"
	ActionDeceive   Action = "deceive"
)

// Decision pairs the classification with the fusion result that produced it.
// Logged for audit and never mutated afterwards.
type Decision struct {
	RequestID string        `json:"request_id"`
	State     State         `json:"state"`
	Action    Action        `json:"action"`
	Fusion    *FusionResult `json:"fusion"`
	Timestamp time.Time     `json:"timestamp"`
	// FailClosed marks decisions taken without a usable fusion result.
	FailClosed bool `json:"fail_closed,omitempty"`
}

// ThreatLevel maps the fused score onto the operator-facing severity label.
func (d *Decision) ThreatLevel() string {
	score := 0.0
	if d.Fusion != nil {
		score = d.Fusion.FinalScore
	}
	switch {
	case score < 0.3:
		return "low"
	case score < 0.6:
		return "medium"
	case score < 0.85:
		return "high"
	default:
		return "critical"
	}
}
