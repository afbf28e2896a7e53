// Package httputil holds the shared HTTP plumbing used by the gateway's
// outbound calls: forwarding to protected services, honeypot replay,
// embedding lookups and patch proposals. All callers share one pooled
// transport so inline inspection does not pay a fresh TCP handshake per
// request.
package httputil

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// MaxBodyBytes caps how much of an upstream response body is read into
// memory. Responses larger than this are truncated at the limit.
const MaxBodyBytes = 10 * 1024 * 1024

var pooledTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ForceAttemptHTTP2:     true,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// TimeoutTier groups outbound calls by how long they are allowed to run.
type TimeoutTier int

const (
	// TierFast covers health probes and admin lookups (5s).
	TierFast TimeoutTier = iota
	// TierMedium covers forwarding to protected services and honeypot
	// replay (30s).
	TierMedium
	// TierSlow covers embedding and patch-proposal calls, which sit on
	// model inference (60s).
	TierSlow
)

func tierTimeout(tier TimeoutTier) time.Duration {
	switch tier {
	case TierFast:
		return 5 * time.Second
	case TierSlow:
		return 60 * time.Second
	default:
		return 30 * time.Second
	}
}

var (
	clientFast   *http.Client
	clientMedium *http.Client
	clientSlow   *http.Client
	clientOnce   sync.Once
)

func initClients() {
	clientFast = &http.Client{Timeout: tierTimeout(TierFast), Transport: pooledTransport}
	clientMedium = &http.Client{Timeout: tierTimeout(TierMedium), Transport: pooledTransport}
	clientSlow = &http.Client{Timeout: tierTimeout(TierSlow), Transport: pooledTransport}
}

// Client returns the shared client for a tier. All tiers draw from the
// same connection pool; callers must not mutate the returned client.
func Client(tier TimeoutTier) *http.Client {
	clientOnce.Do(initClients)
	switch tier {
	case TierFast:
		return clientFast
	case TierSlow:
		return clientSlow
	default:
		return clientMedium
	}
}

// FastClient returns the 5s client used for probes.
func FastClient() *http.Client {
	return Client(TierFast)
}

// MediumClient returns the 30s client used for forwarding traffic.
func MediumClient() *http.Client {
	return Client(TierMedium)
}

// SlowClient returns the 60s client used for inference-backed calls.
func SlowClient() *http.Client {
	return Client(TierSlow)
}

// ReadBody reads a response body up to maxBytes. A non-positive limit
// falls back to MaxBodyBytes.
func ReadBody(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = MaxBodyBytes
	}
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// ReadErrorBody reads an error response with a tight 1MB limit, enough
// for any upstream error message.
func ReadErrorBody(r io.Reader) ([]byte, error) {
	const maxErrBytes = 1 * 1024 * 1024
	return io.ReadAll(io.LimitReader(r, maxErrBytes))
}

// DrainAndClose empties and closes a response body so the underlying
// connection returns to the pool.
func DrainAndClose(body io.ReadCloser) {
	if body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, MaxBodyBytes))
		_ = body.Close()
	}
}
