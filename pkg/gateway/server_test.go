package gateway

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/sirengate/sirengate/pkg/audit"
	"github.com/sirengate/sirengate/pkg/cascade"
	"github.com/sirengate/sirengate/pkg/challenge"
	"github.com/sirengate/sirengate/pkg/config"
	"github.com/sirengate/sirengate/pkg/deception"
	"github.com/sirengate/sirengate/pkg/feature"
	"github.com/sirengate/sirengate/pkg/memory"
	"github.com/sirengate/sirengate/pkg/signature"
	"github.com/sirengate/sirengate/pkg/structural"
)

// tokenEmbedder is a deterministic token-bag embedding so memory-backed
// routes can run without a model server.
type tokenEmbedder struct{ dim int }

func (e *tokenEmbedder) Dimension() int { return e.dim }

func (e *tokenEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32())%e.dim]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}

func newTestServer(t *testing.T, mutate func(*config.Config), tweak func(*Deps)) *Server {
	t.Helper()

	cfg := config.NewDefaultConfig()
	cfg.BackendURL = "http://127.0.0.1:1" // tests that forward override this
	if mutate != nil {
		mutate(cfg)
	}
	mgr := config.NewManager(cfg, "", zerolog.Nop())

	sig := signature.NewMatcher(signature.Builtin(), zerolog.Nop())
	cls := structural.NewClassifier(nil, zerolog.Nop())
	deps := Deps{
		Config:     mgr,
		Normalizer: feature.NewNormalizer(cfg.DecodeLayerCap),
		Runner:     cascade.NewRunner(sig, cls, nil, mgr, zerolog.Nop()),
		Deceiver:   deception.NewRouter(cfg.DeceptionURL, zerolog.Nop()),
		Logger:     zerolog.Nop(),
	}
	if tweak != nil {
		tweak(&deps)
	}
	return NewServer(deps)
}

func decodeBody(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp.Body)
	if body["status"] != "healthy" {
		t.Errorf("status field = %v, want healthy", body["status"])
	}
}

func TestSafeRequestForwarded(t *testing.T) {
	var gotXFF, gotReqID, gotBody, gotQuery string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotXFF = r.Header.Get("X-Forwarded-For")
		gotReqID = r.Header.Get("X-Request-ID")
		gotQuery = r.URL.RawQuery
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-Backend", "true")
		w.WriteHeader(200)
		w.Write([]byte(`{"profile":"alice"}`))
	}))
	defer backend.Close()

	srv := newTestServer(t, func(c *config.Config) { c.BackendURL = backend.URL }, nil)

	req := httptest.NewRequest("POST", "/api/profile?name=alice", strings.NewReader(`{"name":"alice"}`))
	resp, err := srv.App().Test(req)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Backend") != "true" {
		t.Error("backend response header not copied back")
	}
	raw, _ := io.ReadAll(resp.Body)
	if string(raw) != `{"profile":"alice"}` {
		t.Errorf("body = %q", raw)
	}
	if gotQuery != "name=alice" {
		t.Errorf("backend query = %q, want name=alice", gotQuery)
	}
	if gotBody != `{"name":"alice"}` {
		t.Errorf("backend body = %q", gotBody)
	}
	if gotXFF == "" || gotReqID == "" {
		t.Error("X-Forwarded-For and X-Request-ID should be set on the upstream request")
	}
	if srv.forwarded.Load() != 1 {
		t.Errorf("forwarded = %d, want 1", srv.forwarded.Load())
	}
}

func TestBackendDownIsBadGateway(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/api/profile", nil))
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != 502 {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if srv.upstreamErrs.Load() != 1 {
		t.Errorf("upstream_errors = %d, want 1", srv.upstreamErrs.Load())
	}
}

func TestAttackBlockedWithoutDeception(t *testing.T) {
	backendHits := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { backendHits++ }))
	defer backend.Close()

	srv := newTestServer(t, func(c *config.Config) { c.BackendURL = backend.URL }, nil)

	req := httptest.NewRequest("GET", "/api/users?id=1%20union%20select%20password%20from%20users", nil)
	resp, err := srv.App().Test(req)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != 403 {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if backendHits != 0 {
		t.Errorf("backend received %d hostile requests, want 0", backendHits)
	}
	if srv.blocked.Load() != 1 {
		t.Errorf("blocked = %d, want 1", srv.blocked.Load())
	}

	// the confirmed attack shows up in the status breakdown
	statusResp, err := srv.App().Test(httptest.NewRequest("GET", "/api/status", nil))
	if err != nil {
		t.Fatalf("Test status: %v", err)
	}
	status := decodeBody(t, statusResp.Body)
	attacks, ok := status["attacks"].(map[string]any)
	if !ok {
		t.Fatal("attacks breakdown missing from status")
	}
	byType, _ := attacks["by_type"].(map[string]any)
	if byType["sql_injection"] != float64(1) {
		t.Errorf("by_type = %v, want sql_injection: 1", byType)
	}
}

func TestAttackRoutedToDeception(t *testing.T) {
	backendHits := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { backendHits++ }))
	defer backend.Close()

	honeypot := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Powered-By", "PHP/5.4.0")
		w.WriteHeader(200)
		w.Write([]byte("mysql> 1 row in set"))
	}))
	defer honeypot.Close()

	srv := newTestServer(t, func(c *config.Config) {
		c.BackendURL = backend.URL
		c.DeceptionURL = honeypot.URL
	}, nil)

	req := httptest.NewRequest("GET", "/login", nil)
	req.Header.Set("User-Agent", "sqlmap' or '1'='1")
	resp, err := srv.App().Test(req)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want the honeypot's 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Powered-By") != "PHP/5.4.0" {
		t.Error("honeypot headers should pass through verbatim")
	}
	raw, _ := io.ReadAll(resp.Body)
	if string(raw) != "mysql> 1 row in set" {
		t.Errorf("body = %q", raw)
	}
	if backendHits != 0 {
		t.Error("hostile request must never reach the protected service")
	}
	if srv.deceived.Load() != 1 {
		t.Errorf("deceived = %d, want 1", srv.deceived.Load())
	}
}

func TestDeceptionFailureIsGenericBadGateway(t *testing.T) {
	honeypot := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := honeypot.URL
	honeypot.Close()

	srv := newTestServer(t, func(c *config.Config) { c.DeceptionURL = url }, nil)

	req := httptest.NewRequest("GET", "/etc/passwd", nil)
	req.Header.Set("Referer", "../../etc/passwd")
	resp, err := srv.App().Test(req)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != 502 {
		t.Fatalf("status = %d, want generic 502", resp.StatusCode)
	}
	body := decodeBody(t, resp.Body)
	if body["error"] != "bad gateway" {
		t.Errorf("error = %v, refusal must not reveal deception trouble", body["error"])
	}
}

// suspiciousStage pushes the fused score into the challenge band without
// tripping a signature.
type suspiciousStage struct{ score float64 }

func (s *suspiciousStage) Name() string { return cascade.StageSemantic }

func (s *suspiciousStage) Evaluate(_ context.Context, _ *feature.FeatureSet) (*cascade.StageScore, error) {
	return &cascade.StageScore{Stage: cascade.StageSemantic, Score: s.score}, nil
}

func newSuspiciousServer(t *testing.T, backendURL string, mutate func(*config.Config), tweak func(*Deps)) *Server {
	t.Helper()
	return newTestServer(t, func(c *config.Config) {
		c.BackendURL = backendURL
		// 0.4 semantic weight on a 0.85 stage score lands at 0.34.
		c.Thresholds = config.Thresholds{Suspicious: 0.30, Attack: 0.90}
		if mutate != nil {
			mutate(c)
		}
	}, func(d *Deps) {
		sig := signature.NewMatcher(signature.Builtin(), zerolog.Nop())
		cls := structural.NewClassifier(nil, zerolog.Nop())
		d.Runner = cascade.NewRunner(sig, cls, &suspiciousStage{score: 0.85}, d.Config, zerolog.Nop())
		if tweak != nil {
			tweak(d)
		}
	})
}

func TestSuspiciousForwardedUnderChallenge(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	srv := newSuspiciousServer(t, backend.URL, nil, nil)

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/api/orders", nil))
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200 (nil limiter fails open)", resp.StatusCode)
	}
	if srv.challenged.Load() != 1 {
		t.Errorf("challenged = %d, want 1", srv.challenged.Load())
	}
}

func TestSuspiciousRefusedOverBudget(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	mr := miniredis.RunT(t)
	srv := newSuspiciousServer(t, backend.URL, func(c *config.Config) {
		c.RedisAddr = mr.Addr()
		c.ChallengeBudget = 2
		c.ChallengeWindow = time.Minute
	}, func(d *Deps) {
		d.Limiter = challenge.NewLimiter(mr.Addr(), d.Config, zerolog.Nop())
	})

	for i := 0; i < 2; i++ {
		resp, err := srv.App().Test(httptest.NewRequest("GET", "/api/orders", nil))
		if err != nil {
			t.Fatalf("Test %d: %v", i, err)
		}
		if resp.StatusCode != 200 {
			t.Fatalf("request %d: status = %d, want 200 within budget", i, resp.StatusCode)
		}
	}

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/api/orders", nil))
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != 429 {
		t.Fatalf("status = %d, want 429 over budget", resp.StatusCode)
	}
	if srv.refused.Load() != 1 {
		t.Errorf("refused = %d, want 1", srv.refused.Load())
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/api/status", nil))
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp.Body)
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if _, ok := body["routing"].(map[string]any); !ok {
		t.Error("routing counters missing from status")
	}
}

func TestAttackSearch(t *testing.T) {
	cfg := config.NewDefaultConfig()
	store, err := memory.NewStore(&tokenEmbedder{dim: 128}, cfg.Memory, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, _, err := store.Reinforce(context.Background(), memory.Observation{
		Payload:    "id=1' union all select null from users --",
		AttackType: "sql_injection",
		Severity:   0.9,
		Endpoint:   "/api/users",
		ObservedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Reinforce: %v", err)
	}

	srv := newTestServer(t, nil, func(d *Deps) { d.Store = store })

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/api/attacks/search?q=union+all+select+null+from+users&top_k=3", nil))
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp.Body)
	if body["count"].(float64) < 1 {
		t.Error("expected at least one match for a remembered payload")
	}

	resp, err = srv.App().Test(httptest.NewRequest("GET", "/api/attacks/search", nil))
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Errorf("missing q: status = %d, want 400", resp.StatusCode)
	}
}

func TestAttackSearchDisabledWithoutStore(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/api/attacks/search?q=test", nil))
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != 503 {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestAdvisoryDisabled(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/advisory/proposals"},
		{"POST", "/api/advisory/proposals/abc/approve"},
		{"POST", "/api/advisory/proposals/abc/reject"},
	} {
		resp, err := srv.App().Test(httptest.NewRequest(tc.method, tc.path, nil))
		if err != nil {
			t.Fatalf("Test %s %s: %v", tc.method, tc.path, err)
		}
		if resp.StatusCode != 503 {
			t.Errorf("%s %s: status = %d, want 503", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestAuditTrailWritten(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	path := t.TempDir() + "/decisions.jsonl"
	sink, err := audit.NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	writer := audit.NewWriter(zerolog.Nop(), sink)

	srv := newSuspiciousServer(t, backend.URL, nil, func(d *Deps) {
		d.Auditor = writer
	})

	if _, err := srv.App().Test(httptest.NewRequest("GET", "/api/orders", nil)); err != nil {
		t.Fatalf("Test: %v", err)
	}
	writer.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry); err != nil {
		t.Fatalf("audit line not valid JSON: %v", err)
	}
	if entry["action"] != "challenge" {
		t.Errorf("action = %v, want challenge", entry["action"])
	}
	if entry["challenged"] != true {
		t.Error("challenged flag should be recorded")
	}
}

func TestReload(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	resp, err := srv.App().Test(httptest.NewRequest("POST", "/admin/reload", nil))
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp.Body)
	if body["status"] != "reloaded" {
		t.Errorf("status = %v, want reloaded", body["status"])
	}
}
