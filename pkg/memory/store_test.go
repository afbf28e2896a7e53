package memory

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sirengate/sirengate/pkg/config"
)

// bagEmbedder is a deterministic token-bag embedding for tests: identical
// payloads embed identically, payloads with disjoint tokens are nearly
// orthogonal. No network, no model.
type bagEmbedder struct {
	dim  int
	mu   sync.Mutex
	fail bool
}

func newBagEmbedder() *bagEmbedder { return &bagEmbedder{dim: 256} }

func (b *bagEmbedder) Dimension() int { return b.dim }

func (b *bagEmbedder) setFail(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fail
}

func (b *bagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	b.mu.Lock()
	fail := b.fail
	b.mu.Unlock()
	if fail {
		return nil, errors.New("embedding backend down")
	}

	v := make([]float32, b.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		v[h.Sum32()%uint32(b.dim)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= scale
		}
	}
	return v, nil
}

func testMemoryConfig() config.Memory {
	return config.Memory{
		TopK:            5,
		SimilarityFloor: 0.75,
		ReinforceFloor:  0.90,
		OverrideFloor:   0.90,
		OverrideScore:   0.85,
		DecayHalfLife:   30 * 24 * time.Hour,
	}
}

func newTestStore(t *testing.T) (*Store, *bagEmbedder) {
	t.Helper()
	emb := newBagEmbedder()
	st, err := NewStore(emb, testMemoryConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return st, emb
}

const hostilePayload = "id=1' union all select null from users --"

func TestReinforceCreatesRecord(t *testing.T) {
	st, _ := newTestStore(t)

	rec, created, err := st.Reinforce(context.Background(), Observation{
		Payload:    hostilePayload,
		AttackType: "sql_injection",
		Severity:   0.9,
		Endpoint:   "/api/products",
	})
	if err != nil {
		t.Fatalf("Reinforce: %v", err)
	}
	if !created {
		t.Fatal("first observation did not create a record")
	}
	if rec.SeenCount != 1 {
		t.Errorf("SeenCount = %d, want 1", rec.SeenCount)
	}
	if st.Count() != 1 {
		t.Errorf("Count = %d, want 1", st.Count())
	}
}

func TestReinforceMergesRepeatObservations(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	obs := Observation{Payload: hostilePayload, AttackType: "sql_injection", Severity: 0.7, Endpoint: "/api/products"}
	var last *Record
	for i := 0; i < 3; i++ {
		rec, _, err := st.Reinforce(ctx, obs)
		if err != nil {
			t.Fatalf("Reinforce %d: %v", i, err)
		}
		last = rec
	}

	if st.Count() != 1 {
		t.Fatalf("Count = %d, want 1 after repeated observations", st.Count())
	}
	if last.SeenCount != 3 {
		t.Errorf("SeenCount = %d, want 3", last.SeenCount)
	}

	// Severity only ratchets upward.
	rec, created, err := st.Reinforce(ctx, Observation{Payload: hostilePayload, AttackType: "sql_injection", Severity: 0.95})
	if err != nil {
		t.Fatalf("Reinforce: %v", err)
	}
	if created {
		t.Error("repeat observation created a new record")
	}
	if rec.Severity != 0.95 {
		t.Errorf("Severity = %.2f, want 0.95", rec.Severity)
	}
	rec, _, err = st.Reinforce(ctx, Observation{Payload: hostilePayload, AttackType: "sql_injection", Severity: 0.1})
	if err != nil {
		t.Fatalf("Reinforce: %v", err)
	}
	if rec.Severity != 0.95 {
		t.Errorf("Severity dropped to %.2f after low-severity observation", rec.Severity)
	}
}

func TestReinforceDistinctPayloads(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	payloads := []string{
		hostilePayload,
		"host=localhost && cat /etc/passwd",
		"<script>document.cookie</script> injected comment body",
	}
	for _, p := range payloads {
		if _, _, err := st.Reinforce(ctx, Observation{Payload: p, AttackType: "probe", Severity: 0.8}); err != nil {
			t.Fatalf("Reinforce %q: %v", p, err)
		}
	}
	if st.Count() != len(payloads) {
		t.Errorf("Count = %d, want %d", st.Count(), len(payloads))
	}
}

func TestReinforceConcurrentSamePayload(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := st.Reinforce(ctx, Observation{Payload: hostilePayload, AttackType: "sql_injection", Severity: 0.9})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Reinforce: %v", err)
		}
	}

	if st.Count() != 1 {
		t.Fatalf("Count = %d, want 1 after concurrent identical observations", st.Count())
	}
	matches, err := st.Search(ctx, hostilePayload, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	if got := matches[0].Record.SeenCount; got != n {
		t.Errorf("SeenCount = %d, want %d", got, n)
	}
}

func TestSearchSimilarityFloor(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	if _, _, err := st.Reinforce(ctx, Observation{Payload: hostilePayload, AttackType: "sql_injection", Severity: 0.9}); err != nil {
		t.Fatalf("Reinforce: %v", err)
	}

	matches, err := st.Search(ctx, hostilePayload, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1 for near-identical query", len(matches))
	}
	if matches[0].Similarity < 0.95 {
		t.Errorf("Similarity = %.4f, want near 1.0", matches[0].Similarity)
	}

	matches, err = st.Search(ctx, "browse the autumn catalog please", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("benign query matched %d records below the floor", len(matches))
	}
}

func TestSearchEmptyStore(t *testing.T) {
	st, _ := newTestStore(t)
	matches, err := st.Search(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("Search on empty store: %v", err)
	}
	if matches != nil {
		t.Errorf("matches = %v, want nil", matches)
	}
}

func TestPriorityFavorsRepeatedRecentAttacks(t *testing.T) {
	st, _ := newTestStore(t)
	now := time.Now().UTC()

	fresh := Record{Severity: 0.8, SeenCount: 5, LastSeen: now}
	rare := Record{Severity: 0.8, SeenCount: 1, LastSeen: now}
	stale := Record{Severity: 0.8, SeenCount: 5, LastSeen: now.Add(-90 * 24 * time.Hour)}

	if st.priority(fresh, now) <= st.priority(rare, now) {
		t.Error("repeat sightings did not raise priority")
	}
	if st.priority(fresh, now) <= st.priority(stale, now) {
		t.Error("stale record not decayed below fresh record")
	}
}

func TestMergeRemoteIdempotent(t *testing.T) {
	st, emb := newTestStore(t)
	ctx := context.Background()

	vector, err := emb.Embed(ctx, "union select from admin tokens")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	created, err := st.MergeRemote(ctx, "remote-1", vector, "sql_injection", 0.9)
	if err != nil {
		t.Fatalf("MergeRemote: %v", err)
	}
	if !created {
		t.Fatal("first remote share did not create a record")
	}

	// Replaying the same share must converge, not duplicate.
	created, err = st.MergeRemote(ctx, "remote-1", vector, "sql_injection", 0.9)
	if err != nil {
		t.Fatalf("MergeRemote replay: %v", err)
	}
	if created {
		t.Error("replayed share created a second record")
	}
	if st.Count() != 1 {
		t.Errorf("Count = %d, want 1", st.Count())
	}

	// Higher remote severity ratchets the local record up.
	if _, err = st.MergeRemote(ctx, "remote-1", vector, "sql_injection", 0.99); err != nil {
		t.Fatalf("MergeRemote: %v", err)
	}
	matches, err := st.Search(ctx, "union select from admin tokens", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	if matches[0].Record.Severity != 0.99 {
		t.Errorf("Severity = %.2f, want 0.99", matches[0].Record.Severity)
	}
}

func TestMergeRemoteLocalRecordWins(t *testing.T) {
	st, emb := newTestStore(t)
	ctx := context.Background()

	if _, _, err := st.Reinforce(ctx, Observation{Payload: hostilePayload, AttackType: "sql_injection", Severity: 0.9}); err != nil {
		t.Fatalf("Reinforce: %v", err)
	}
	vector, err := emb.Embed(ctx, hostilePayload)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	created, err := st.MergeRemote(ctx, "zzz-remote", vector, "sql_injection", 0.5)
	if err != nil {
		t.Fatalf("MergeRemote: %v", err)
	}
	if created || st.Count() != 1 {
		t.Errorf("remote echo of a local record duplicated it (created=%v count=%d)", created, st.Count())
	}
}

func TestReinforceCanonicalizesCase(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	mixed := "id=1' UNION ALL SELECT NULL FROM users --"
	rec, created, err := st.Reinforce(ctx, Observation{Payload: mixed, AttackType: "sql_injection", Severity: 0.9})
	if err != nil {
		t.Fatalf("Reinforce: %v", err)
	}
	if !created {
		t.Fatal("first observation did not create a record")
	}
	if rec.Payload != strings.ToLower(mixed) {
		t.Errorf("stored payload %q, want lowercased form", rec.Payload)
	}

	// A case-varied repeat of the same payload merges instead of duplicating.
	if _, created, err = st.Reinforce(ctx, Observation{Payload: strings.ToUpper(mixed), AttackType: "sql_injection", Severity: 0.9}); err != nil {
		t.Fatalf("Reinforce: %v", err)
	}
	if created || st.Count() != 1 {
		t.Errorf("case-varied repeat duplicated the record (created=%v count=%d)", created, st.Count())
	}

	// Lookups hit the record regardless of query casing.
	for _, q := range []string{mixed, strings.ToLower(mixed), strings.ToUpper(mixed)} {
		matches, err := st.Search(ctx, q, 5)
		if err != nil {
			t.Fatalf("Search %q: %v", q, err)
		}
		if len(matches) != 1 {
			t.Errorf("Search %q matched %d records, want 1", q, len(matches))
		}
	}
}

func TestReinforceEmptyPayloadRejected(t *testing.T) {
	st, _ := newTestStore(t)
	if _, _, err := st.Reinforce(context.Background(), Observation{}); err == nil {
		t.Fatal("empty payload accepted")
	}
}
