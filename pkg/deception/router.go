// Package deception routes ATTACK traffic to the deception environment.
// The attacker receives the environment's fabricated response verbatim and
// is never told the request left the real path. Per-attacker sessions let
// the environment keep a consistent story across a probing sequence.
package deception

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sirengate/sirengate/pkg/feature"
)

// sessionHeader carries the attacker's session to the deception
// environment. Internal only; stripped from anything client-facing.
const sessionHeader = "X-Siren-Session"

// Response is the fabricated reply, passed through to the attacker as-is.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Router replays requests to the deception endpoint. A nil Router means
// deception is unconfigured and the caller falls back to a plain refusal.
type Router struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]string

	served int64
}

// NewRouter points at the deception environment. Empty endpoint returns nil.
func NewRouter(endpoint string, logger zerolog.Logger) *Router {
	if endpoint == "" {
		return nil
	}
	return &Router{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With().Str("component", "deception").Logger(),
		sessions: map[string]string{},
	}
}

// Deceive replays the request into the deception environment and returns
// its response verbatim. Any failure is returned as an error; the caller
// must answer with the same generic 502 a real backend failure produces.
func (r *Router) Deceive(ctx context.Context, fs *feature.FeatureSet) (*Response, error) {
	target := r.endpoint + replayTarget(fs)

	req, err := http.NewRequestWithContext(ctx, fs.Method, target, strings.NewReader(replayBody(fs)))
	if err != nil {
		return nil, fmt.Errorf("build deception request: %w", err)
	}
	for k, v := range fs.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(sessionHeader, r.session(fs.ClientIP))
	req.Header.Set("X-Target-Service", fs.Service)

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn().Err(err).Str("request_id", fs.RequestID).Msg("deception endpoint unreachable")
		return nil, fmt.Errorf("deception endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read deception response: %w", err)
	}

	headers := resp.Header.Clone()
	headers.Del(sessionHeader)

	r.mu.Lock()
	r.served++
	r.mu.Unlock()

	r.logger.Info().
		Str("request_id", fs.RequestID).
		Str("client", fs.ClientIP).
		Int("status", resp.StatusCode).
		Msg("attacker routed to deception")

	return &Response{Status: resp.StatusCode, Headers: headers, Body: body}, nil
}

// Served reports how many requests went to the deception environment.
func (r *Router) Served() int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.served
}

// replayTarget rebuilds the request URI. The as-received path and query are
// preferred: the honeypot should see the attacker's wire form. When only the
// normalized fields are present they are re-encoded, since decoded payloads
// carry spaces and quotes that would make the request line unsendable.
func replayTarget(fs *feature.FeatureSet) string {
	if fs.RawPath != "" {
		if fs.RawQuery != "" {
			return fs.RawPath + "?" + fs.RawQuery
		}
		return fs.RawPath
	}
	u := url.URL{Path: fs.Path, RawQuery: encodeQuery(fs.Query)}
	return u.String()
}

func encodeQuery(q string) string {
	if q == "" {
		return ""
	}
	vals, err := url.ParseQuery(q)
	if err == nil || len(vals) > 0 {
		return vals.Encode()
	}
	return url.QueryEscape(q)
}

func replayBody(fs *feature.FeatureSet) string {
	if fs.RawBody != "" {
		return fs.RawBody
	}
	return fs.Body
}

// session returns the attacker's sticky session ID, minting one on first
// sight.
func (r *Router) session(clientIP string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.sessions[clientIP]; ok {
		return id
	}
	id := uuid.NewString()
	r.sessions[clientIP] = id
	return id
}
