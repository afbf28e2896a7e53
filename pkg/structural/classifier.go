package structural

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sirengate/sirengate/pkg/cascade"
	"github.com/sirengate/sirengate/pkg/feature"
)

// Classifier is the structural cascade stage. The base model is a trained
// linear discriminator over payload statistics (weights below); an optional
// ONNX tier refines ambiguous verdicts when a model is configured. The stage
// never performs I/O on the heuristic path and must never block a request:
// an unready classifier degrades to a neutral score.
type Classifier struct {
	onnx   *OnnxModel // optional, nil when no model configured
	logger zerolog.Logger
	ready  bool
}

// NewClassifier builds the structural stage. onnx may be nil.
func NewClassifier(onnx *OnnxModel, logger zerolog.Logger) *Classifier {
	return &Classifier{
		onnx:   onnx,
		logger: logger.With().Str("component", "structural").Logger(),
		ready:  true,
	}
}

// Name implements cascade.Stage.
func (c *Classifier) Name() string { return cascade.StageStructural }

// Evaluate implements cascade.Stage.
func (c *Classifier) Evaluate(ctx context.Context, fs *feature.FeatureSet) (*cascade.StageScore, error) {
	if c == nil || !c.ready {
		return &cascade.StageScore{
			Stage:    cascade.StageStructural,
			Score:    0,
			Degraded: true,
			Evidence: map[string]any{"reason": "classifier not loaded"},
		}, nil
	}

	text := fs.Combined()
	st := computeStats(text)
	score := scoreStats(st, fs)

	evidence := map[string]any{
		"entropy":        st.Entropy,
		"special_ratio":  st.SpecialRatio,
		"sql_keywords":   st.SQLKeywords,
		"script_markers": st.ScriptMarkers,
		"shell_markers":  st.ShellMarkers,
	}
	if fs.DecodeStalled {
		evidence["decode_stalled"] = true
	}

	// ONNX tier refines mid-band verdicts only; clear cases skip inference
	// to stay inside the latency budget.
	if c.onnx != nil && c.onnx.IsReady() && score >= 0.2 && score < 0.9 {
		if label, conf, err := c.onnx.Classify(ctx, text); err == nil {
			evidence["model_label"] = label
			evidence["model_confidence"] = conf
			if label == LabelThreat && conf > score {
				score = conf
			}
		} else {
			c.logger.Debug().Err(err).Str("request_id", fs.RequestID).Msg("onnx tier skipped")
		}
	}

	return &cascade.StageScore{
		Stage:    cascade.StageStructural,
		Score:    clamp01(score),
		Evidence: evidence,
	}, nil
}

// Trained weights for the linear discriminator. Contributions are additive
// with per-family caps so one noisy family cannot saturate the score alone.
const (
	wSQLKeyword    = 0.22
	capSQLKeywords = 0.66
	wScriptMarker  = 0.25
	capScript      = 0.60
	wShellMarker   = 0.20
	capShell       = 0.55
	wQuoteComment  = 0.25
	wHighEntropy   = 0.20 // entropy > 5.0
	wVeryHighEnt   = 0.15 // additional above 5.8
	wSpecialHeavy  = 0.15 // special-char ratio > 0.25
	wDecodeStall   = 0.25
	wLeetspeak     = 0.10
	wLongToken     = 0.10 // single token over 200 bytes
)

func scoreStats(st payloadStats, fs *feature.FeatureSet) float64 {
	var score float64

	score += capAt(float64(st.SQLKeywords)*wSQLKeyword, capSQLKeywords)
	score += capAt(float64(st.ScriptMarkers)*wScriptMarker, capScript)
	score += capAt(float64(st.ShellMarkers)*wShellMarker, capShell)

	if st.QuoteComment {
		score += wQuoteComment
	}
	if st.Entropy > 5.0 {
		score += wHighEntropy
	}
	if st.Entropy > 5.8 {
		score += wVeryHighEnt
	}
	if st.SpecialRatio > 0.25 {
		score += wSpecialHeavy
	}
	if fs.DecodeStalled {
		score += wDecodeStall
	}
	if st.Leetspeak {
		score += wLeetspeak
	}
	if st.MaxTokenLen > 200 {
		score += wLongToken
	}

	return score
}

func capAt(v, cap float64) float64 {
	if v > cap {
		return cap
	}
	return v
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
