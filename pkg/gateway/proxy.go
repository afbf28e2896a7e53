package gateway

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/sirengate/sirengate/pkg/audit"
	"github.com/sirengate/sirengate/pkg/cascade"
	"github.com/sirengate/sirengate/pkg/evolve"
	"github.com/sirengate/sirengate/pkg/feature"
	"github.com/sirengate/sirengate/pkg/httputil"
	"github.com/sirengate/sirengate/pkg/memory"
)

// hop-by-hop headers are connection-scoped and must not cross the proxy.
var hopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// handleInspect is the catch-all data path: normalize, score, act.
func (s *Server) handleInspect(c fiber.Ctx) error {
	fs := s.deps.Normalizer.Normalize(rawFromCtx(c))
	decision := s.deps.Runner.Decide(c.Context(), fs)
	entry := audit.NewEntry(decision, fs)

	switch decision.Action {
	case cascade.ActionChallenge:
		entry.Challenged = true
		verdict := s.deps.Limiter.Allow(c.Context(), fs.ClientIP, fs.Service)
		s.submitAudit(entry)
		if !verdict.Allowed {
			s.refused.Add(1)
			s.log.Info().
				Str("request_id", fs.RequestID).
				Str("client_ip", fs.ClientIP).
				Msg("challenged client over budget, refused")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "too many requests"})
		}
		s.challenged.Add(1)
		s.log.Info().
			Str("request_id", fs.RequestID).
			Float64("score", scoreOf(decision)).
			Int("remaining", verdict.Remaining).
			Bool("fail_open", verdict.FailOpen).
			Msg("suspicious request forwarded under challenge")
		return s.forward(c, fs)

	case cascade.ActionDeceive:
		s.submitAudit(entry)
		s.recordAttack(attackTypeOf(decision), decision.ThreatLevel())
		s.learn(decision, fs)
		return s.deceive(c, fs, decision)

	default:
		s.submitAudit(entry)
		return s.forward(c, fs)
	}
}

// rawFromCtx lifts the Fiber request into the normalizer's input shape.
// Multi-valued headers keep their first value; inspection does not need
// the rest.
func rawFromCtx(c fiber.Ctx) feature.RawRequest {
	headers := make(map[string]string)
	for k, vs := range c.GetReqHeaders() {
		if len(vs) > 0 {
			headers[strings.ToLower(k)] = vs[0]
		}
	}
	return feature.RawRequest{
		Method:      c.Method(),
		Path:        string(c.Request().URI().PathOriginal()),
		Query:       string(c.Request().URI().QueryString()),
		Body:        string(c.Body()),
		Headers:     headers,
		ClientIP:    c.IP(),
		ServiceHint: c.Get("X-Target-Service"),
	}
}

// forward replays the request against the protected service and copies the
// response back verbatim.
func (s *Server) forward(c fiber.Ctx, fs *feature.FeatureSet) error {
	backend := strings.TrimRight(s.deps.Config.Current().BackendURL, "/")
	req, err := http.NewRequestWithContext(c.Context(), c.Method(), backend+c.OriginalURL(), bytes.NewReader(c.Body()))
	if err != nil {
		s.upstreamErrs.Add(1)
		return badGateway(c)
	}
	for k, vs := range c.GetReqHeaders() {
		if hopHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("X-Forwarded-For", fs.ClientIP)
	req.Header.Set("X-Request-ID", fs.RequestID)

	resp, err := httputil.MediumClient().Do(req)
	if err != nil {
		s.upstreamErrs.Add(1)
		s.log.Error().Err(err).Str("request_id", fs.RequestID).Msg("upstream unreachable")
		return badGateway(c)
	}
	defer httputil.DrainAndClose(resp.Body)

	body, err := httputil.ReadBody(resp.Body, httputil.MaxBodyBytes)
	if err != nil {
		s.upstreamErrs.Add(1)
		return badGateway(c)
	}

	for k, vs := range resp.Header {
		if hopHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range vs {
			c.Set(k, v)
		}
	}
	s.forwarded.Add(1)
	return c.Status(resp.StatusCode).Send(body)
}

// deceive hands the request to the honeypot. Attackers with no honeypot
// configured get a flat 403; honeypot trouble looks like any overloaded
// upstream.
func (s *Server) deceive(c fiber.Ctx, fs *feature.FeatureSet, d *cascade.Decision) error {
	if s.deps.Deceiver == nil {
		s.blocked.Add(1)
		s.log.Warn().
			Str("request_id", fs.RequestID).
			Float64("score", scoreOf(d)).
			Msg("attack blocked, no deception endpoint configured")
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
	}
	if !s.replaySlots.TryAcquire() {
		s.log.Warn().Str("request_id", fs.RequestID).Msg("deception replay slots saturated")
		return badGateway(c)
	}
	defer s.replaySlots.Release()

	resp, err := s.deps.Deceiver.Deceive(c.Context(), fs)
	if err != nil {
		s.log.Error().Err(err).Str("request_id", fs.RequestID).Msg("deception replay failed")
		return badGateway(c)
	}
	for k, vs := range resp.Headers {
		for _, v := range vs {
			c.Set(k, v)
		}
	}
	s.deceived.Add(1)
	s.log.Info().
		Str("request_id", fs.RequestID).
		Str("client_ip", fs.ClientIP).
		Float64("score", scoreOf(d)).
		Msg("attack routed to deception")
	return c.Status(resp.Status).Send(resp.Body)
}

// learn queues a confirmed attack for reinforcement. Never blocks the
// request path.
func (s *Server) learn(d *cascade.Decision, fs *feature.FeatureSet) {
	if s.deps.Engine == nil {
		return
	}
	ok := s.deps.Engine.Submit(evolve.Event{
		RequestID: fs.RequestID,
		Observation: memory.Observation{
			Payload:    fs.Combined(),
			AttackType: attackTypeOf(d),
			Severity:   scoreOf(d),
			Endpoint:   fs.Path,
			ObservedAt: time.Now().UTC(),
		},
	})
	if !ok {
		s.log.Warn().Str("request_id", fs.RequestID).Msg("learn queue rejected event")
	}
}

// attackTypeOf labels the observation from the strongest available
// evidence: the signature category when one fired, otherwise the nearest
// remembered attack's type.
func attackTypeOf(d *cascade.Decision) string {
	if d.Fusion == nil {
		return "uncategorized"
	}
	if p := d.Fusion.Pattern; p != nil {
		if cat, ok := p.Evidence["category"].(string); ok && cat != "" {
			return cat
		}
	}
	if sem := d.Fusion.Semantic; sem != nil {
		if at, ok := sem.Evidence["attack_type"].(string); ok && at != "" {
			return at
		}
	}
	return "uncategorized"
}

func scoreOf(d *cascade.Decision) float64 {
	if d.Fusion == nil {
		return 0
	}
	return d.Fusion.FinalScore
}

func (s *Server) submitAudit(e audit.Entry) {
	if s.deps.Auditor != nil {
		s.deps.Auditor.Submit(e)
	}
}

// badGateway is the one refusal shape external callers see for any
// upstream trouble, honeypot included.
func badGateway(c fiber.Ctx) error {
	return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "bad gateway"})
}
