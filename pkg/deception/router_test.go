package deception

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sirengate/sirengate/pkg/feature"
)

func attackFeatureSet(clientIP string) *feature.FeatureSet {
	return &feature.FeatureSet{
		RequestID: "req-1",
		Method:    "GET",
		Path:      "/api/users",
		Query:     "id=1' OR '1'='1",
		ClientIP:  clientIP,
		Service:   "users",
		Headers:   map[string]string{"User-Agent": "sqlmap/1.7"},
	}
}

func TestDeceiveReturnsFabricatedResponseVerbatim(t *testing.T) {
	var gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = r.Header.Get("X-Siren-Session")
		w.Header().Set("X-Powered-By", "PHP/5.4.0")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[{"id":1,"user":"admin","password_hash":"5f4dcc3b"}]`))
	}))
	defer srv.Close()

	r := NewRouter(srv.URL, zerolog.Nop())
	resp, err := r.Deceive(context.Background(), attackFeatureSet("10.0.0.9"))
	if err != nil {
		t.Fatalf("Deceive: %v", err)
	}

	if resp.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.Status)
	}
	if resp.Headers.Get("X-Powered-By") != "PHP/5.4.0" {
		t.Error("fabricated header not passed through")
	}
	if string(resp.Body) == "" || resp.Body[0] != '[' {
		t.Errorf("fabricated body not passed through: %q", resp.Body)
	}
	if gotSession == "" {
		t.Error("no session ID sent to the deception environment")
	}
	if resp.Headers.Get("X-Siren-Session") != "" {
		t.Error("session header leaked into the client-facing response")
	}
}

func TestSessionStickyPerAttacker(t *testing.T) {
	sessions := map[string]bool{}
	var last string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		last = r.Header.Get("X-Siren-Session")
		sessions[last] = true
	}))
	defer srv.Close()

	r := NewRouter(srv.URL, zerolog.Nop())
	ctx := context.Background()

	if _, err := r.Deceive(ctx, attackFeatureSet("10.0.0.9")); err != nil {
		t.Fatalf("Deceive: %v", err)
	}
	first := last
	if _, err := r.Deceive(ctx, attackFeatureSet("10.0.0.9")); err != nil {
		t.Fatalf("Deceive: %v", err)
	}
	if last != first {
		t.Error("same attacker got a new session")
	}

	if _, err := r.Deceive(ctx, attackFeatureSet("172.16.0.4")); err != nil {
		t.Fatalf("Deceive: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("distinct attackers share a session: %d unique", len(sessions))
	}
}

func TestDeceiveReplaysDecodedPayload(t *testing.T) {
	var invoked bool
	var gotID, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		invoked = true
		gotPath = r.URL.Path
		gotID = r.URL.Query().Get("id")
		_, _ = w.Write([]byte("1 row in set"))
	}))
	defer srv.Close()

	r := NewRouter(srv.URL, zerolog.Nop())
	resp, err := r.Deceive(context.Background(), attackFeatureSet("10.0.0.9"))
	if err != nil {
		t.Fatalf("Deceive: %v", err)
	}
	if !invoked {
		t.Fatal("deception handler never ran; the request line must survive decoded payloads")
	}
	if resp.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.Status)
	}
	if gotPath != "/api/users" {
		t.Errorf("path = %q, want /api/users", gotPath)
	}
	if gotID != "1' OR '1'='1" {
		t.Errorf("id = %q, want the payload intact", gotID)
	}
}

func TestDeceiveReplaysWireFormWhenAvailable(t *testing.T) {
	var gotURI, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.RequestURI
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	fs := attackFeatureSet("10.0.0.9")
	fs.RawPath = "/api/users"
	fs.RawQuery = "id=1%27%20OR%20%271%27%3D%271"
	fs.Body = "q=1' UNION SELECT NULL--"
	fs.RawBody = "q=1%27%20UNION%20SELECT%20NULL--"

	r := NewRouter(srv.URL, zerolog.Nop())
	if _, err := r.Deceive(context.Background(), fs); err != nil {
		t.Fatalf("Deceive: %v", err)
	}
	if gotURI != "/api/users?id=1%27%20OR%20%271%27%3D%271" {
		t.Errorf("request URI = %q, want the attacker's wire form", gotURI)
	}
	if gotBody != "q=1%27%20UNION%20SELECT%20NULL--" {
		t.Errorf("body = %q, want the as-received body", gotBody)
	}
}

func TestDeceiveEndpointDown(t *testing.T) {
	r := NewRouter("http://127.0.0.1:1", zerolog.Nop())
	if _, err := r.Deceive(context.Background(), attackFeatureSet("10.0.0.9")); err == nil {
		t.Fatal("unreachable deception endpoint did not error")
	}
}

func TestUnconfiguredRouterIsNil(t *testing.T) {
	if NewRouter("", zerolog.Nop()) != nil {
		t.Error("NewRouter with empty endpoint did not return nil")
	}
	var r *Router
	if r.Served() != 0 {
		t.Error("nil router reports served requests")
	}
}
