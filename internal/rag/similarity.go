package rag

import (
	"math"
	"sort"
)

// cosine returns the cosine similarity of a and b, or 0 when either vector
// has zero magnitude or the lengths differ.
func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// rankTopK sorts docs by descending score, breaking ties by ID so results are
// stable, and truncates to k.
func rankTopK(docs []Document, k int) []Document {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].ID < docs[j].ID
	})
	if k > 0 && len(docs) > k {
		docs = docs[:k]
	}
	return docs
}
