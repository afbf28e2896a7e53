// Package signature is the fixed-pattern cascade stage: a centralized
// registry of compiled attack signatures matched against each normalized
// request field. A hit is an instantaneous categorical verdict that
// short-circuits the rest of the cascade.
//
// Design principles:
// - COMPILE ONCE: built-in patterns compile at first use, not per-request
// - CATEGORIZED: signatures grouped by attack category for evidence reporting
// - FAIL SOFT: an invalid overlay pattern is skipped and logged, never fatal
package signature

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/rs/zerolog"
)

// Category labels an attack class for evidence and memory records.
type Category string

const (
	CategorySQLInjection  Category = "sql_injection"
	CategoryXSS           Category = "xss"
	CategoryPathTraversal Category = "path_traversal"
	CategoryCommandInj    Category = "command_injection"
	CategorySSRF          Category = "ssrf"
	CategoryCredProbe     Category = "credential_probe"
)

// Signature holds one compiled pattern with metadata.
type Signature struct {
	ID       string         // stable identifier, reported as evidence
	Regex    *regexp.Regexp // never nil once registered
	Category Category
	Severity float64 // [0,1], carried into memory records on confirmation
}

// Registry holds all compiled signatures, organized by category.
type Registry struct {
	mu         sync.RWMutex
	byCategory map[Category][]*Signature
	all        []*Signature
}

var (
	builtinRegistry *Registry
	builtinOnce     sync.Once
)

// Builtin returns the registry populated with the built-in signature library.
func Builtin() *Registry {
	builtinOnce.Do(func() {
		builtinRegistry = NewRegistry()
		registerBuiltins(builtinRegistry)
	})
	return builtinRegistry
}

// NewRegistry creates an empty registry (tests and overlay composition).
func NewRegistry() *Registry {
	return &Registry{byCategory: make(map[Category][]*Signature)}
}

// register compiles and adds one signature. Built-ins use MustCompile via
// registerBuiltins; overlay entries come through Add which reports errors.
func (r *Registry) register(id, pattern string, cat Category, severity float64) {
	r.addCompiled(&Signature{
		ID:       id,
		Regex:    regexp.MustCompile(pattern),
		Category: cat,
		Severity: severity,
	})
}

// Add compiles and registers a signature, returning an error for an invalid
// pattern instead of panicking. Used by the YAML overlay loader.
func (r *Registry) Add(id, pattern string, cat Category, severity float64) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("signature %s: %w", id, err)
	}
	if severity <= 0 || severity > 1 {
		severity = 1.0
	}
	r.addCompiled(&Signature{ID: id, Regex: re, Category: cat, Severity: severity})
	return nil
}

func (r *Registry) addCompiled(s *Signature) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCategory[s.Category] = append(r.byCategory[s.Category], s)
	r.all = append(r.all, s)
}

// Match returns the first signature that matches text, or nil. Early exit on
// first match keeps the hot path on microsecond scale.
func (r *Registry) Match(text string) *Signature {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.all {
		if s.Regex.MatchString(text) {
			return s
		}
	}
	return nil
}

// MatchCategory matches text against a single category.
func (r *Registry) MatchCategory(text string, cat Category) *Signature {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.byCategory[cat] {
		if s.Regex.MatchString(text) {
			return s
		}
	}
	return nil
}

// Len returns the total signature count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}

// CategoryCount returns the signature count for one category.
func (r *Registry) CategoryCount(cat Category) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCategory[cat])
}

// logSkip records an overlay entry that failed to compile. Kept here so the
// loader and tests share one format.
func logSkip(logger zerolog.Logger, id string, err error) {
	logger.Warn().Err(err).Str("signature", id).Msg("invalid signature skipped")
}
