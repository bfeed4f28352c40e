// Package clusters maintains the semantic cluster registry: nearest
// centroid assignment for fresh embeddings plus the batch maintenance
// jobs that keep centroids honest over time.
package clusters

import (
	"fmt"
	"math"

	"github.com/pgvector/pgvector-go"
)

// CosineSimilarity returns the cosine of the angle between a and b.
// Zero vectors compare as 0.
func CosineSimilarity(a, b pgvector.Vector) (float64, error) {
	av, bv := a.Slice(), b.Slice()
	if len(av) != len(bv) {
		return 0, fmt.Errorf("vector dimensions differ: %d vs %d", len(av), len(bv))
	}

	var dot, normA, normB float64
	for i := range av {
		x, y := float64(av[i]), float64(bv[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// Mean computes the arithmetic mean of the embeddings, accumulating in
// float64 so long member lists do not drift.
func Mean(embeddings []pgvector.Vector) (pgvector.Vector, error) {
	if len(embeddings) == 0 {
		return pgvector.Vector{}, fmt.Errorf("cannot average zero embeddings")
	}

	dim := len(embeddings[0].Slice())
	sums := make([]float64, dim)
	for _, e := range embeddings {
		v := e.Slice()
		if len(v) != dim {
			return pgvector.Vector{}, fmt.Errorf("vector dimensions differ: %d vs %d", len(v), dim)
		}
		for i := range v {
			sums[i] += float64(v[i])
		}
	}

	n := float64(len(embeddings))
	mean := make([]float32, dim)
	for i := range sums {
		mean[i] = float32(sums[i] / n)
	}
	return pgvector.NewVector(mean), nil
}
