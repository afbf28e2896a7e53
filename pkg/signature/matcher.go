package signature

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sirengate/sirengate/pkg/cascade"
	"github.com/sirengate/sirengate/pkg/feature"
)

// Matcher is the cascade stage wrapping a Registry. It scans each normalized
// field and returns a categorical verdict (score 1.0) on the first hit, or
// nil when nothing matches.
type Matcher struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewMatcher wraps a registry as a cascade stage.
func NewMatcher(registry *Registry, logger zerolog.Logger) *Matcher {
	return &Matcher{
		registry: registry,
		logger:   logger.With().Str("component", "signature").Logger(),
	}
}

// Name implements cascade.Stage.
func (m *Matcher) Name() string { return cascade.StageSignature }

// Evaluate implements cascade.Stage. Field order is deterministic enough for
// audit purposes because the verdict is categorical either way: any hit is a
// 1.0.
func (m *Matcher) Evaluate(_ context.Context, fs *feature.FeatureSet) (*cascade.StageScore, error) {
	for field, text := range fs.Fields() {
		if text == "" {
			continue
		}
		if sig := m.registry.Match(text); sig != nil {
			m.logger.Debug().
				Str("request_id", fs.RequestID).
				Str("pattern_id", sig.ID).
				Str("field", field).
				Msg("signature hit")
			return &cascade.StageScore{
				Stage: cascade.StageSignature,
				Score: 1.0,
				Evidence: map[string]any{
					"pattern_id": sig.ID,
					"category":   string(sig.Category),
					"field":      field,
					"severity":   sig.Severity,
				},
			}, nil
		}
	}
	return nil, nil
}
