// Package feature turns a raw inbound request into the immutable FeatureSet
// the scoring cascade operates on. Normalization never fails: malformed
// encodings degrade to best-effort passthrough so every request gets a
// feature set.
package feature

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RawRequest carries the fields of an inbound request the gateway inspects.
// The transport layer builds one per request before scoring.
type RawRequest struct {
	Method   string
	Path     string
	Query    string
	Body     string
	Headers  map[string]string
	ClientIP string
	// ServiceHint is routing metadata naming the protected target service
	// (e.g. an upstream name set by the ingress). Optional.
	ServiceHint string
}

// FeatureSet is the normalized, read-only input to every cascade stage.
// Created once at ingestion and discarded after the decision unless an
// attack is confirmed.
type FeatureSet struct {
	RequestID string
	Method    string
	Path      string
	Query     string
	Body      string
	Headers   map[string]string // inspection subset only
	ClientIP  string
	Service   string

	// RawPath, RawQuery and RawBody are the fields exactly as received,
	// before any decoding. Deception replay uses them so the honeypot sees
	// the attacker's request, not the normalized form.
	RawPath  string
	RawQuery string
	RawBody  string

	// DecodeLayers is how many encoding layers normalization peeled off.
	// DecodeStalled reports that the layer cap was hit while the payload
	// was still decoding, itself a structural signal.
	DecodeLayers  int
	DecodeStalled bool

	ReceivedAt time.Time
}

// headers worth scoring: attacker-controlled fields that routinely carry
// payloads.
var inspectedHeaders = []string{"user-agent", "x-forwarded-for", "referer", "cookie"}

// Combined renders the canonical text all text-oriented stages score.
// Stable layout so embeddings of identical requests are identical.
func (fs *FeatureSet) Combined() string {
	var b strings.Builder
	b.Grow(len(fs.Method) + len(fs.Path) + len(fs.Query) + len(fs.Body) + 64)
	b.WriteString("Method: ")
	b.WriteString(fs.Method)
	b.WriteString("\nPath: ")
	b.WriteString(fs.Path)
	b.WriteString("\nQuery: ")
	b.WriteString(fs.Query)
	b.WriteString("\nBody: ")
	b.WriteString(fs.Body)
	for _, h := range inspectedHeaders {
		if v, ok := fs.Headers[h]; ok && v != "" {
			b.WriteString("\n")
			b.WriteString(h)
			b.WriteString(": ")
			b.WriteString(v)
		}
	}
	return b.String()
}

// Fields returns the individually scorable strings (for signature matching,
// which runs per-field to report which field fired).
func (fs *FeatureSet) Fields() map[string]string {
	out := map[string]string{
		"path":  fs.Path,
		"query": fs.Query,
		"body":  fs.Body,
	}
	for _, h := range inspectedHeaders {
		if v, ok := fs.Headers[h]; ok && v != "" {
			out["header:"+h] = v
		}
	}
	return out
}

func newRequestID() string {
	return uuid.NewString()
}
