package feature

import (
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Normalizer canonicalizes raw request fields into a FeatureSet.
// It is a pure function of its input: no side effects, never fails.
type Normalizer struct {
	layerCap int
}

// NewNormalizer builds a Normalizer that peels at most layerCap encoding
// layers per field. The cap prevents decode-bomb amplification.
func NewNormalizer(layerCap int) *Normalizer {
	if layerCap < 1 {
		layerCap = 1
	}
	return &Normalizer{layerCap: layerCap}
}

// Normalize produces the per-request FeatureSet. Order matters: charset
// normalization first, then iterative decoding, then service extraction.
func (n *Normalizer) Normalize(raw RawRequest) *FeatureSet {
	fs := &FeatureSet{
		RequestID:  newRequestID(),
		Method:     strings.ToUpper(strings.TrimSpace(raw.Method)),
		ClientIP:   raw.ClientIP,
		RawPath:    raw.Path,
		RawQuery:   raw.Query,
		RawBody:    raw.Body,
		ReceivedAt: time.Now().UTC(),
	}

	fs.Path, _, _ = n.decodeField(canonicalize(raw.Path))

	var stalled bool
	var layers int
	fs.Query, layers, stalled = n.decodeField(canonicalize(raw.Query))
	fs.DecodeLayers = layers
	fs.DecodeStalled = stalled

	body, bodyLayers, bodyStalled := n.decodeField(canonicalize(raw.Body))
	fs.Body = body
	if bodyLayers > fs.DecodeLayers {
		fs.DecodeLayers = bodyLayers
	}
	fs.DecodeStalled = fs.DecodeStalled || bodyStalled

	fs.Headers = make(map[string]string, len(inspectedHeaders))
	for k, v := range raw.Headers {
		lk := strings.ToLower(k)
		for _, want := range inspectedHeaders {
			if lk == want {
				fs.Headers[lk] = canonicalize(v)
			}
		}
	}

	fs.Service = extractService(raw, fs.Path)
	return fs
}

// canonicalize applies NFKC unicode normalization and strips NUL bytes.
// Invalid UTF-8 passes through untouched rather than erroring.
func canonicalize(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\x00", "")
	if utf8.ValidString(s) {
		s = norm.NFKC.String(s)
	}
	return s
}

// decodeField iteratively peels percent-encoding and base64 layers until the
// value stops changing or the layer cap is hit. Returns the decoded value,
// the number of layers removed, and whether the cap stalled further decoding.
func (n *Normalizer) decodeField(s string) (string, int, bool) {
	cur := s
	for layer := 0; layer < n.layerCap; layer++ {
		next, changed := decodeOnce(cur)
		if !changed {
			return cur, layer, false
		}
		cur = next
	}
	// Cap reached: stalled only if another pass would still change the value.
	_, more := decodeOnce(cur)
	return cur, n.layerCap, more
}

// decodeOnce tries one decoding layer: percent-decoding first, then whole-
// token base64. A decode only counts when it succeeds and actually changes
// the string.
func decodeOnce(s string) (string, bool) {
	if strings.ContainsRune(s, '%') {
		if dec, err := url.QueryUnescape(s); err == nil && dec != s {
			return canonicalize(dec), true
		}
	}
	if dec, ok := tryBase64(s); ok {
		return canonicalize(dec), true
	}
	return s, false
}

var base64Shape = regexp.MustCompile(`^[A-Za-z0-9+/_-]+={0,2}$`)

// tryBase64 decodes s only when the whole trimmed value looks like base64
// and the result is printable text. Conservative on purpose: decoding random
// binary would destroy the very features the classifiers need.
func tryBase64(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if len(t) < 8 || len(t)%4 != 0 || !base64Shape.MatchString(t) {
		return "", false
	}
	// Values without any digit-or-case mix are usually plain words, not base64.
	if strings.ToLower(t) == t && !strings.ContainsAny(t, "0123456789+/=") {
		return "", false
	}

	var raw []byte
	var err error
	if strings.ContainsAny(t, "-_") {
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(t, "="))
	} else {
		raw, err = base64.StdEncoding.DecodeString(t)
	}
	if err != nil || len(raw) == 0 {
		return "", false
	}
	if !mostlyPrintable(raw) {
		return "", false
	}
	return string(raw), true
}

func mostlyPrintable(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	printable := 0
	total := 0
	for _, r := range string(b) {
		total++
		if r >= 0x20 && r != 0x7f || r == '\n' || r == '\t' || r == '\r' {
			printable++
		}
	}
	return total > 0 && printable*10 >= total*9
}

// extractService resolves the target-service identifier from routing
// metadata, falling back to the first path segment.
func extractService(raw RawRequest, path string) string {
	if raw.ServiceHint != "" {
		return raw.ServiceHint
	}
	for k, v := range raw.Headers {
		if strings.EqualFold(k, "x-target-service") && v != "" {
			return v
		}
	}
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i > 0 {
		return trimmed[:i]
	}
	if trimmed != "" {
		return trimmed
	}
	return "default"
}
