package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/sirengate/sirengate/pkg/config"
)

// Record is one remembered attack. Payload text is the embedded content;
// everything else lives in document metadata.
type Record struct {
	ID             string    `json:"id"`
	Payload        string    `json:"payload"`
	AttackType     string    `json:"attack_type"`
	Severity       float64   `json:"severity"`
	TargetEndpoint string    `json:"target_endpoint"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	SeenCount      int       `json:"seen_count"`
}

// Observation is a confirmed hostile payload submitted for reinforcement.
type Observation struct {
	Payload    string
	AttackType string
	Severity   float64
	Endpoint   string
	ObservedAt time.Time
}

// Match pairs a stored record with its similarity to the query and its
// decayed retrieval priority.
type Match struct {
	Record     Record  `json:"record"`
	Similarity float64 `json:"similarity"`
	Priority   float64 `json:"priority"`
}

// Store is the vector-backed attack memory. Reads run concurrently; all
// writes serialize through a single writer lock so reinforcement is an
// atomic read-merge-write and two concurrent observations of the same
// payload can never produce two records.
type Store struct {
	collection *chromem.Collection
	cfg        config.Memory
	writeMu    sync.Mutex
	logger     zerolog.Logger
}

// NewStore builds an in-process store over the given embedding source.
func NewStore(embedder EmbeddingProvider, cfg config.Memory, logger zerolog.Logger) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is nil")
	}

	db := chromem.NewDB()
	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	collection, err := db.CreateCollection("attack_memory", nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	return &Store{
		collection: collection,
		cfg:        cfg,
		logger:     logger.With().Str("component", "memory").Logger(),
	}, nil
}

// canonical folds payload text to the form the store embeds and searches.
// Every entry point applies it so a payload reinforced from the gateway and
// the same payload queried by the semantic stage land on one record.
func canonical(text string) string {
	return strings.ToLower(text)
}

// Count returns the number of stored records.
func (s *Store) Count() int {
	return s.collection.Count()
}

// Search returns up to topK records at or above the similarity floor,
// ordered by decayed priority. An empty store yields an empty result, not
// an error.
func (s *Store) Search(ctx context.Context, text string, topK int) ([]Match, error) {
	n := s.collection.Count()
	if n == 0 {
		return nil, nil
	}
	if topK > n {
		topK = n
	}

	results, err := s.collection.Query(ctx, canonical(text), topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("memory query: %w", err)
	}

	now := time.Now().UTC()
	matches := make([]Match, 0, len(results))
	for _, r := range results {
		sim := float64(r.Similarity)
		if sim < s.cfg.SimilarityFloor {
			continue
		}
		rec := recordFromDocument(r.ID, r.Content, r.Metadata)
		matches = append(matches, Match{
			Record:     rec,
			Similarity: sim,
			Priority:   s.priority(rec, now),
		})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Priority > matches[j].Priority })
	return matches, nil
}

// Reinforce merges the observation into the nearest existing record when one
// sits at or above the reinforce floor, otherwise creates a new record.
// Returns the resulting record and whether it was newly created.
func (s *Store) Reinforce(ctx context.Context, obs Observation) (*Record, bool, error) {
	if obs.Payload == "" {
		return nil, false, fmt.Errorf("empty observation payload")
	}
	obs.Payload = canonical(obs.Payload)
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, embedding, err := s.nearestForMerge(ctx, obs.Payload)
	if err != nil {
		return nil, false, err
	}

	if existing != nil {
		existing.SeenCount++
		existing.LastSeen = obs.ObservedAt
		if obs.Severity > existing.Severity {
			existing.Severity = obs.Severity
		}
		if existing.TargetEndpoint == "" {
			existing.TargetEndpoint = obs.Endpoint
		}
		if err := s.put(ctx, *existing, embedding); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	rec := Record{
		ID:             uuid.NewString(),
		Payload:        obs.Payload,
		AttackType:     obs.AttackType,
		Severity:       obs.Severity,
		TargetEndpoint: obs.Endpoint,
		FirstSeen:      obs.ObservedAt,
		LastSeen:       obs.ObservedAt,
		SeenCount:      1,
	}
	if err := s.put(ctx, rec, nil); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// MergeRemote folds a vector received from the hive feed into the store.
// The operation is idempotent: an incoming vector that already matches a
// local record at or above the reinforce floor only ratchets severity, and
// an unmatched vector is inserted under its origin ID so a replayed share
// converges instead of duplicating.
func (s *Store) MergeRemote(ctx context.Context, id string, vector []float32, attackType string, severity float64) (bool, error) {
	if len(vector) == 0 {
		return false, fmt.Errorf("empty remote vector")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if n := s.collection.Count(); n > 0 {
		topK := s.cfg.TopK
		if topK > n {
			topK = n
		}
		results, err := s.collection.QueryEmbedding(ctx, vector, topK, nil, nil)
		if err != nil {
			return false, fmt.Errorf("remote merge lookup: %w", err)
		}

		var best *chromem.Result
		for i := range results {
			r := &results[i]
			if float64(r.Similarity) < s.cfg.ReinforceFloor {
				continue
			}
			if best == nil || r.Similarity > best.Similarity ||
				(r.Similarity == best.Similarity && r.ID < best.ID) {
				best = r
			}
		}
		if best != nil {
			rec := recordFromDocument(best.ID, best.Content, best.Metadata)
			if severity <= rec.Severity {
				return false, nil
			}
			rec.Severity = severity
			if err := s.put(ctx, rec, best.Embedding); err != nil {
				return false, err
			}
			return false, nil
		}
	}

	now := time.Now().UTC()
	rec := Record{
		ID:         id,
		AttackType: attackType,
		Severity:   severity,
		FirstSeen:  now,
		LastSeen:   now,
		SeenCount:  1,
	}
	if err := s.put(ctx, rec, vector); err != nil {
		return false, err
	}
	return true, nil
}

// nearestForMerge finds the merge target for a payload: the match with the
// highest similarity at or above the reinforce floor. Equal similarities
// break toward the lexically lowest ID so concurrent writers converge on
// the same record.
func (s *Store) nearestForMerge(ctx context.Context, payload string) (*Record, []float32, error) {
	n := s.collection.Count()
	if n == 0 {
		return nil, nil, nil
	}
	topK := s.cfg.TopK
	if topK > n {
		topK = n
	}

	results, err := s.collection.Query(ctx, payload, topK, nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("merge lookup: %w", err)
	}

	var best *chromem.Result
	for i := range results {
		r := &results[i]
		if float64(r.Similarity) < s.cfg.ReinforceFloor {
			continue
		}
		if best == nil || r.Similarity > best.Similarity ||
			(r.Similarity == best.Similarity && r.ID < best.ID) {
			best = r
		}
	}
	if best == nil {
		return nil, nil, nil
	}

	rec := recordFromDocument(best.ID, best.Content, best.Metadata)
	return &rec, best.Embedding, nil
}

// put writes the record back to the collection. A write with the record's
// existing ID replaces the old document; reusing the stored embedding skips
// a redundant round trip to the embedding backend.
func (s *Store) put(ctx context.Context, rec Record, embedding []float32) error {
	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Payload,
		Embedding: embedding,
		Metadata: map[string]string{
			"attack_type":     rec.AttackType,
			"severity":        strconv.FormatFloat(rec.Severity, 'f', 4, 64),
			"target_endpoint": rec.TargetEndpoint,
			"first_seen":      rec.FirstSeen.UTC().Format(time.RFC3339Nano),
			"last_seen":       rec.LastSeen.UTC().Format(time.RFC3339Nano),
			"seen_count":      strconv.Itoa(rec.SeenCount),
		},
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("memory write: %w", err)
	}
	return nil
}

// priority is the retrieval ranking: severity, boosted by repeat sightings,
// decayed by the time since the record was last seen.
func (s *Store) priority(rec Record, now time.Time) float64 {
	p := rec.Severity * (1 + math.Log2(float64(rec.SeenCount)+1))
	if s.cfg.DecayHalfLife > 0 {
		age := now.Sub(rec.LastSeen)
		if age > 0 {
			p *= math.Pow(0.5, age.Hours()/s.cfg.DecayHalfLife.Hours())
		}
	}
	return p
}

func recordFromDocument(id, content string, meta map[string]string) Record {
	rec := Record{
		ID:             id,
		Payload:        content,
		AttackType:     meta["attack_type"],
		TargetEndpoint: meta["target_endpoint"],
		SeenCount:      1,
	}
	if v, err := strconv.ParseFloat(meta["severity"], 64); err == nil {
		rec.Severity = v
	}
	if v, err := strconv.Atoi(meta["seen_count"]); err == nil {
		rec.SeenCount = v
	}
	if t, err := time.Parse(time.RFC3339Nano, meta["first_seen"]); err == nil {
		rec.FirstSeen = t
	}
	if t, err := time.Parse(time.RFC3339Nano, meta["last_seen"]); err == nil {
		rec.LastSeen = t
	}
	return rec
}
