package cascade

import (
	"github.com/sirengate/sirengate/pkg/config"
)

// Fuse combines the stage scores into one FusionResult. Pure function:
// identical inputs always produce identical output, which audit replay
// depends on.
//
// The linear rule is a normalized weighted sum; a missing stage contributes
// zero. The override rule handles the case where the attack memory is nearly
// certain (similarity at or above the override floor) but the linear blend
// would land below the attack band: the result is raised to the configured
// override score so a remembered attack is never diluted by quiet stages.
func Fuse(pattern, structural, semantic *StageScore, w config.FusionWeights, mem config.Memory) *FusionResult {
	res := &FusionResult{
		Pattern:    pattern,
		Structural: structural,
		Semantic:   semantic,
	}

	total := w.Pattern + w.Structural + w.Semantic
	if total <= 0 {
		// Defensive; Validate rejects this at load time.
		total = 1
	}

	var sum float64
	sum += w.Pattern * scoreOf(pattern)
	sum += w.Structural * scoreOf(structural)
	sum += w.Semantic * scoreOf(semantic)
	res.FinalScore = clamp01(sum / total)

	if semantic != nil && !semantic.Degraded {
		if sim := semanticSimilarity(semantic); sim >= mem.OverrideFloor && res.FinalScore < mem.OverrideScore {
			res.FinalScore = mem.OverrideScore
			res.OverrideApplied = true
		}
	}

	return res
}

// shortCircuitResult builds the fusion result for a signature hit. The
// remaining stages were never run and the fusion step proper is bypassed.
func shortCircuitResult(pattern *StageScore) *FusionResult {
	return &FusionResult{
		FinalScore:   pattern.Score,
		Pattern:      pattern,
		ShortCircuit: true,
	}
}

func scoreOf(s *StageScore) float64 {
	if s == nil {
		return 0
	}
	return s.Score
}

// semanticSimilarity reads the raw best-match similarity out of the semantic
// stage's evidence; the stage score itself may be scaled.
func semanticSimilarity(s *StageScore) float64 {
	if s.Evidence != nil {
		if v, ok := s.Evidence["best_similarity"].(float64); ok {
			return v
		}
	}
	return s.Score
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
