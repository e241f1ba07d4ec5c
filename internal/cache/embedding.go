package cache

import (
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/maypok86/otter/v2"
)

// Dimensions is the embedding vector width. It matches the stored column so
// entries written by other gateway versions stay comparable.
const Dimensions = 384

const embedMemoSize = 4096

// Embedder maps text to a deterministic unit vector via signed feature
// hashing over word unigrams, bigrams, and character trigrams. It runs fully
// in-process on the CPU; identical texts always produce identical vectors
// and near-identical texts land close in cosine space. Vectors are memoized
// in a W-TinyLFU cache since the same prompt is embedded on both lookup and
// store.
type Embedder struct {
	memo *otter.Cache[string, []float32]
}

// NewEmbedder creates an Embedder with a bounded memo cache.
func NewEmbedder() (*Embedder, error) {
	memo, err := otter.New[string, []float32](&otter.Options[string, []float32]{
		MaximumSize: embedMemoSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding memo: %w", err)
	}
	return &Embedder{memo: memo}, nil
}

// Embed returns the unit vector for text. The zero vector is returned for
// text with no features (empty or all punctuation).
func (e *Embedder) Embed(text string) []float32 {
	if v, ok := e.memo.GetIfPresent(text); ok {
		return v
	}
	v := embed(text)
	e.memo.Set(text, v)
	return v
}

func embed(text string) []float32 {
	vec := make([]float64, Dimensions)
	words := tokenize(text)

	for i, w := range words {
		addFeature(vec, "w:"+w, 1.0)
		if i+1 < len(words) {
			addFeature(vec, "b:"+w+" "+words[i+1], 0.5)
		}
		// Character trigrams give partial credit for word variants.
		for j := 0; j+3 <= len(w); j++ {
			addFeature(vec, "t:"+w[j:j+3], 0.25)
		}
	}

	var norm float64
	for _, x := range vec {
		norm += x * x
	}
	out := make([]float32, Dimensions)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range vec {
		out[i] = float32(x / norm)
	}
	return out
}

// addFeature hashes the feature into a bucket with a sign bit, the standard
// hashing-trick construction.
func addFeature(vec []float64, feature string, weight float64) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % Dimensions)
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// CosineSimilarity returns the cosine of the angle between two vectors, or 0
// when either is zero-length or the dimensions differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
