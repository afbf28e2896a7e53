package cascade

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sirengate/sirengate/pkg/config"
	"github.com/sirengate/sirengate/pkg/feature"
)

// Runner drives the cascade for one request: signature first (microsecond
// scale, short-circuits everything on a hit), then the structural classifier
// and the semantic memory matcher concurrently, then fusion and the decision
// engine. Stage failures degrade to neutral scores; the runner itself never
// errors.
type Runner struct {
	signature  Stage
	structural Stage
	semantic   Stage
	cfg        *config.Manager
	logger     zerolog.Logger
}

// NewRunner assembles the cascade. signature must be non-nil; structural and
// semantic may be nil when their backends are not configured, in which case
// they contribute neutral scores.
func NewRunner(signature, structural, semantic Stage, cfg *config.Manager, logger zerolog.Logger) *Runner {
	return &Runner{
		signature:  signature,
		structural: structural,
		semantic:   semantic,
		cfg:        cfg,
		logger:     logger.With().Str("component", "cascade").Logger(),
	}
}

// Score runs the cascade stages and fuses their output. Always returns a
// non-nil FusionResult.
func (r *Runner) Score(ctx context.Context, fs *feature.FeatureSet) *FusionResult {
	snap := r.cfg.Current()

	// Stage 1: fixed signatures. A hit bypasses everything else.
	if hit, err := r.signature.Evaluate(ctx, fs); err == nil && hit != nil {
		return shortCircuitResult(hit)
	} else if err != nil {
		r.logger.Warn().Err(err).Str("request_id", fs.RequestID).Msg("signature stage error")
	}

	// Stages 2+3 run concurrently; fusion blocks until both finish or their
	// individual timeouts elapse.
	structuralCh := r.dispatch(ctx, r.structural, StageStructural, fs, snap.Timeouts.Structural)
	semanticCh := r.dispatch(ctx, r.semantic, StageSemantic, fs, snap.Timeouts.Semantic)

	structural := <-structuralCh
	semantic := <-semanticCh

	return Fuse(nil, structural, semantic, snap.Weights, snap.Memory)
}

// Decide is the full per-request pipeline: score then classify against the
// live thresholds.
func (r *Runner) Decide(ctx context.Context, fs *feature.FeatureSet) *Decision {
	fusion := r.Score(ctx, fs)
	return Decide(fs.RequestID, fusion, r.cfg.Current().Thresholds)
}

// dispatch runs one stage on its own goroutine under its own timeout. The
// returned channel always yields exactly one value; a timed-out or failed
// stage yields a degraded neutral score so the request never stalls.
func (r *Runner) dispatch(ctx context.Context, st Stage, name string, fs *feature.FeatureSet, timeout time.Duration) <-chan *StageScore {
	out := make(chan *StageScore, 1)

	if st == nil {
		out <- &StageScore{Stage: name, Score: 0, Degraded: true,
			Evidence: map[string]any{"reason": "stage not configured"}}
		return out
	}

	go func() {
		stageCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		done := make(chan *StageScore, 1)
		go func() {
			score, err := st.Evaluate(stageCtx, fs)
			if err != nil || score == nil {
				if err != nil {
					r.logger.Debug().Err(err).Str("stage", name).Str("request_id", fs.RequestID).
						Msg("stage degraded")
				}
				done <- &StageScore{Stage: name, Score: 0, Degraded: true,
					Evidence: map[string]any{"reason": "stage error"}}
				return
			}
			done <- score
		}()

		select {
		case s := <-done:
			s.Elapsed = time.Since(start)
			out <- s
		case <-stageCtx.Done():
			// The stage goroutine is abandoned; it will observe the context
			// and unwind on its own.
			out <- &StageScore{Stage: name, Score: 0, Degraded: true, Elapsed: time.Since(start),
				Evidence: map[string]any{"reason": "timeout"}}
		}
	}()

	return out
}
