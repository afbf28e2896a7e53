package signature

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// overlayFile is the YAML shape of a signature overlay file:
//
//	signatures:
//	  - id: custom_sqli_1
//	    pattern: "(?i)waitfor\\s+delay"
//	    category: sql_injection
//	    severity: 0.9
type overlayFile struct {
	Signatures []overlayEntry `yaml:"signatures"`
}

type overlayEntry struct {
	ID       string  `yaml:"id"`
	Pattern  string  `yaml:"pattern"`
	Category string  `yaml:"category"`
	Severity float64 `yaml:"severity"`
}

// LoadDir layers operator-supplied signatures from every *.yaml/*.yml file
// in dir on top of a registry. Invalid entries are skipped and logged, never
// fatal: one bad pattern must not take out the matching stage. Returns the
// number of signatures loaded.
func LoadDir(r *Registry, dir string, logger zerolog.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading signature dir %s: %w", dir, err)
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		n, err := loadFile(r, filepath.Join(dir, e.Name()), logger)
		if err != nil {
			logger.Warn().Err(err).Str("file", e.Name()).Msg("signature file skipped")
			continue
		}
		loaded += n
	}
	return loaded, nil
}

func loadFile(r *Registry, path string, logger zerolog.Logger) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var f overlayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}

	loaded := 0
	for _, entry := range f.Signatures {
		if entry.ID == "" || entry.Pattern == "" {
			logSkip(logger, entry.ID, fmt.Errorf("missing id or pattern"))
			continue
		}
		if err := r.Add(entry.ID, entry.Pattern, Category(entry.Category), entry.Severity); err != nil {
			logSkip(logger, entry.ID, err)
			continue
		}
		loaded++
	}
	return loaded, nil
}
