// Package search runs the hybrid retrieval pipeline: keyword and dense
// vector searches in parallel, reciprocal-rank fusion of the two lists,
// and an optional late-interaction rerank of the fused candidates.
package search

import (
	"sort"

	"github.com/coderift/semcode/internal/store"
)

// DefaultRRFConstant is the reciprocal-rank smoothing constant k. Each
// list contributes weight/(k+rank) per hit; 60 keeps single-list outliers
// from dominating the fused order.
const DefaultRRFConstant = 60

// fusedResult is one candidate after fusion. The chunk ID doubles as the
// fusion key: IDs are content-addressed (path hash + content hash), so the
// same chunk fuses to the same key across re-indexing runs, and the final
// tie-break on ID is deterministic.
type fusedResult struct {
	chunkID      string
	rrfScore     float64 // fused score, rescaled so the best candidate is 1
	bm25Score    float64
	vecScore     float64
	bm25Rank     int // 1-based position in the keyword list, 0 if absent
	vecRank      int // 1-based position in the dense list, 0 if absent
	inBothLists  bool
	matchedTerms []string
}

// fuseRRF merges a keyword result list and a dense result list by
// reciprocal-rank fusion: every hit contributes weight/(k+rank) to its
// chunk's score, hits absent from a list simply contribute nothing from
// that list. The fused order is deterministic for identical inputs.
func fuseRRF(keyword []*store.BM25Result, dense []*store.VectorResult, weights Weights, k int) []*fusedResult {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	if len(keyword) == 0 && len(dense) == 0 {
		return []*fusedResult{}
	}

	byID := make(map[string]*fusedResult, len(keyword)+len(dense))
	candidate := func(id string) *fusedResult {
		if c, ok := byID[id]; ok {
			return c
		}
		c := &fusedResult{chunkID: id}
		byID[id] = c
		return c
	}

	for i, hit := range keyword {
		c := candidate(hit.DocID)
		c.bm25Rank = i + 1
		c.bm25Score = hit.Score
		c.matchedTerms = hit.MatchedTerms
		c.rrfScore += weights.BM25 / float64(k+i+1)
	}
	for i, hit := range dense {
		c := candidate(hit.ID)
		c.vecRank = i + 1
		c.vecScore = float64(hit.Score)
		c.inBothLists = c.bm25Rank > 0
		c.rrfScore += weights.Semantic / float64(k+i+1)
	}

	fused := make([]*fusedResult, 0, len(byID))
	for _, c := range byID {
		fused = append(fused, c)
	}
	sort.Slice(fused, func(i, j int) bool {
		return lessFused(fused[i], fused[j])
	})

	rescaleScores(fused)
	return fused
}

// lessFused orders candidates by fused score, breaking ties first toward
// chunks both lists agreed on, then by keyword score (an exact-match
// signal), and finally by chunk ID so equal inputs always produce the
// same order.
func lessFused(a, b *fusedResult) bool {
	if a.rrfScore != b.rrfScore {
		return a.rrfScore > b.rrfScore
	}
	if a.inBothLists != b.inBothLists {
		return a.inBothLists
	}
	if a.bm25Score != b.bm25Score {
		return a.bm25Score > b.bm25Score
	}
	return a.chunkID < b.chunkID
}

// rescaleScores divides every fused score by the maximum so downstream
// consumers (min-score filtering, display) see values in [0, 1]. The
// relative order is unchanged.
func rescaleScores(fused []*fusedResult) {
	if len(fused) == 0 || fused[0].rrfScore == 0 {
		return
	}
	max := fused[0].rrfScore
	for _, c := range fused {
		c.rrfScore /= max
	}
}
