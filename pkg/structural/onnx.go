package structural

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/options"
	"github.com/knights-analytics/hugot/pipelines"
	"github.com/rs/zerolog"
)

// Labels emitted by the payload classification models. Models trained on
// web-attack corpora use ATTACK/BENIGN or LABEL_1/LABEL_0 conventions.
const (
	LabelThreat = "threat"
	LabelBenign = "benign"
)

// OnnxModel wraps a local text classification model behind the heuristic
// stage. Inference runs fully local through ONNX Runtime when the shared
// library is present, otherwise through the pure Go backend.
type OnnxModel struct {
	session  *hugot.Session
	pipeline *pipelines.TextClassificationPipeline
	mu       sync.RWMutex
	ready    bool
	logger   zerolog.Logger
}

// LoadOnnxModel opens the model at modelPath. An empty path or a load
// failure returns nil; the caller runs on heuristics alone.
func LoadOnnxModel(modelPath string, logger zerolog.Logger) *OnnxModel {
	if modelPath == "" {
		return nil
	}
	if _, err := os.Stat(modelPath); err != nil {
		logger.Warn().Str("path", modelPath).Err(err).Msg("model path unavailable, structural stage runs heuristics only")
		return nil
	}

	m := &OnnxModel{logger: logger.With().Str("component", "structural.onnx").Logger()}
	if err := m.initialize(modelPath); err != nil {
		m.logger.Warn().Err(err).Msg("model load failed, structural stage runs heuristics only")
		return nil
	}
	return m
}

func (m *OnnxModel) initialize(modelPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := newSession(m.logger)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	pipeline, err := hugot.NewPipeline(session, hugot.TextClassificationConfig{
		ModelPath: modelPath,
		Name:      "payload-classifier",
	})
	if err != nil {
		if derr := session.Destroy(); derr != nil {
			m.logger.Warn().Err(derr).Msg("session cleanup failed")
		}
		return fmt.Errorf("create pipeline: %w", err)
	}

	m.session = session
	m.pipeline = pipeline
	m.ready = true
	m.logger.Info().Str("model", modelPath).Msg("payload classifier loaded")
	return nil
}

func newSession(logger zerolog.Logger) (*hugot.Session, error) {
	if libDir := onnxLibraryDir(); libDir != "" {
		session, err := hugot.NewORTSession(options.WithOnnxLibraryPath(libDir))
		if err == nil {
			return session, nil
		}
		logger.Warn().Err(err).Msg("onnx runtime unavailable, using Go backend")
	}
	return hugot.NewGoSession()
}

var onnxLibraryCandidates = []string{
	"/usr/lib/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.so",
}

func onnxLibraryDir() string {
	return libraryDir(onnxLibraryCandidates)
}

// libraryDir returns the directory of the first candidate that exists.
func libraryDir(candidates []string) string {
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return filepath.Dir(p)
		}
	}
	return ""
}

// IsReady reports whether the model can serve inference.
func (m *OnnxModel) IsReady() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Classify runs single-payload inference and maps the model's label
// convention onto LabelThreat / LabelBenign.
func (m *OnnxModel) Classify(ctx context.Context, text string) (string, float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.ready || m.pipeline == nil {
		return "", 0, fmt.Errorf("payload classifier not ready")
	}

	result, err := m.pipeline.RunPipeline([]string{text})
	if err != nil {
		return "", 0, fmt.Errorf("inference failed: %w", err)
	}
	if len(result.ClassificationOutputs) == 0 || len(result.ClassificationOutputs[0]) == 0 {
		return "", 0, fmt.Errorf("empty classification output")
	}

	out := result.ClassificationOutputs[0][0]
	return mapLabel(out.Label), float64(out.Score), nil
}

func mapLabel(label string) string {
	switch label {
	case "ATTACK", "INJECTION", "malicious", "LABEL_1":
		return LabelThreat
	default:
		return LabelBenign
	}
}

// Close releases the model session.
func (m *OnnxModel) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ready = false
	if m.session != nil {
		if err := m.session.Destroy(); err != nil {
			return fmt.Errorf("destroy session: %w", err)
		}
	}
	return nil
}
