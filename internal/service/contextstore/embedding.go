package contextstore

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/complyon/compliance-agent-backend/internal/domain/sharedctx"
)

// embeddingDim is the fixed dimensionality of entry embeddings.
const embeddingDim = 256

// similarityThreshold is the cosine similarity above which two entries
// count as near-duplicates.
const similarityThreshold = 0.9

// embeddingIndex keeps deterministic hash-mix vectors for entries of
// the learning and policy context types. The vectors catch
// near-duplicate payloads; they carry no semantic meaning.
type embeddingIndex struct {
	mu      sync.RWMutex
	vectors map[uuid.UUID][]float64
}

func newEmbeddingIndex() *embeddingIndex {
	return &embeddingIndex{vectors: make(map[uuid.UUID][]float64)}
}

// indexedType reports whether the context type participates in
// similarity lookup.
func indexedType(t sharedctx.ContextType) bool {
	return t == sharedctx.TypeLearning || t == sharedctx.TypePolicy
}

func (x *embeddingIndex) index(id uuid.UUID, t sharedctx.ContextType, data map[string]interface{}) {
	if !indexedType(t) {
		return
	}
	vec := Embed(data)
	x.mu.Lock()
	x.vectors[id] = vec
	x.mu.Unlock()
}

func (x *embeddingIndex) remove(id uuid.UUID) {
	x.mu.Lock()
	delete(x.vectors, id)
	x.mu.Unlock()
}

// similar returns entry IDs whose embeddings sit at or above the
// similarity threshold against the probe payload, best match first.
func (x *embeddingIndex) similar(data map[string]interface{}) []uuid.UUID {
	probe := Embed(data)

	type match struct {
		id    uuid.UUID
		score float64
	}

	x.mu.RLock()
	var matches []match
	for id, vec := range x.vectors {
		if score := Cosine(probe, vec); score >= similarityThreshold {
			matches = append(matches, match{id, score})
		}
	}
	x.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	ids := make([]uuid.UUID, len(matches))
	for i, m := range matches {
		ids[i] = m.id
	}
	return ids
}

// Embed maps a payload to a deterministic hash-mix vector. Each
// key/value pair contributes weight to dimensions selected by FNV
// hashes of its canonical JSON form, so equal payloads always produce
// equal vectors and small edits move few dimensions.
func Embed(data map[string]interface{}) []float64 {
	vec := make([]float64, embeddingDim)

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		encoded, err := json.Marshal(data[k])
		if err != nil {
			continue
		}
		token := k + "=" + string(encoded)

		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()

		// Spread each token across four dimensions with alternating sign.
		for i := 0; i < 4; i++ {
			dim := int(((sum >> (i * 16)) & 0xFFFF) % embeddingDim)
			sign := 1.0
			if (sum>>(i*16+15))&1 == 1 {
				sign = -1.0
			}
			vec[dim] += sign
		}
	}

	return normalize(vec)
}

func normalize(vec []float64) []float64 {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// FindSimilar looks up stored entries whose payload is a near-duplicate
// of the probe, subject to the requester's access rights. Only learning
// and policy entries participate.
func (s *Store) FindSimilar(ctx context.Context, data map[string]interface{}, req Requester) ([]*sharedctx.Entry, error) {
	ids := s.embeddings.similar(data)

	var results []*sharedctx.Entry
	for _, id := range ids {
		entry, err := s.Get(ctx, id, req)
		if err != nil {
			// Denied or expired candidates drop out silently.
			continue
		}
		results = append(results, entry)
	}
	return results, nil
}
