package memory

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sirengate/sirengate/pkg/cascade"
	"github.com/sirengate/sirengate/pkg/config"
	"github.com/sirengate/sirengate/pkg/feature"
)

// Matcher is the semantic cascade stage: nearest-neighbor search over the
// attack memory. An unreachable embedding backend degrades the stage rather
// than failing the request.
type Matcher struct {
	store  *Store
	cfg    *config.Manager
	logger zerolog.Logger
}

// NewMatcher wraps the store as a cascade stage.
func NewMatcher(store *Store, cfg *config.Manager, logger zerolog.Logger) *Matcher {
	return &Matcher{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "semantic").Logger(),
	}
}

// Name implements cascade.Stage.
func (m *Matcher) Name() string { return cascade.StageSemantic }

// Evaluate implements cascade.Stage. The score is the best-match similarity;
// evidence carries the raw similarity plus the matched neighbors so fusion
// and audit can see what the memory recalled.
func (m *Matcher) Evaluate(ctx context.Context, fs *feature.FeatureSet) (*cascade.StageScore, error) {
	snap := m.cfg.Current()

	matches, err := m.store.Search(ctx, fs.Combined(), snap.Memory.TopK)
	if err != nil {
		m.logger.Warn().Err(err).Str("request_id", fs.RequestID).Msg("memory search degraded")
		return &cascade.StageScore{
			Stage:    cascade.StageSemantic,
			Score:    0,
			Degraded: true,
			Evidence: map[string]any{"reason": "memory backend unreachable"},
		}, nil
	}

	if len(matches) == 0 {
		return &cascade.StageScore{
			Stage:    cascade.StageSemantic,
			Score:    0,
			Evidence: map[string]any{"matches": 0},
		}, nil
	}

	best := matches[0]
	bestSim := best.Similarity
	neighbors := make([]string, 0, len(matches))
	for _, mt := range matches {
		if mt.Similarity > bestSim {
			bestSim = mt.Similarity
			best = mt
		}
		neighbors = append(neighbors, mt.Record.ID)
	}

	return &cascade.StageScore{
		Stage: cascade.StageSemantic,
		Score: bestSim,
		Evidence: map[string]any{
			"best_similarity": bestSim,
			"record_id":       best.Record.ID,
			"attack_type":     best.Record.AttackType,
			"seen_count":      best.Record.SeenCount,
			"neighbors":       neighbors,
		},
	}, nil
}
