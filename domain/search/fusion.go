package search

import (
	"sort"

	"github.com/opennotes-dev/opennotes-server/pkg/mathutil"
)

// Fuse merges the two arms with a convex combination. Each arm's scores are
// min-max normalized over its own candidates (a lone candidate normalizes to
// 1.0, an empty arm contributes 0), then
// final = alpha*semantic + (1-alpha)*keyword. Ordering is deterministic:
// final desc, then semantic desc, then chunk id asc.
func Fuse(semantic, keyword []ArmResult, alpha float64) []Result {
	alpha = mathutil.Clamp01(alpha)

	byID := make(map[string]*Result)
	order := []string{}

	add := func(arm []ArmResult, setScore func(r *Result, norm float64)) {
		scores := make([]float64, len(arm))
		for i, a := range arm {
			scores[i] = a.Score
		}
		norm := mathutil.MinMaxNormalize(scores)
		for i, a := range arm {
			r, ok := byID[a.ChunkID]
			if !ok {
				r = &Result{ChunkID: a.ChunkID, ParentID: a.ParentID, Content: a.Content}
				byID[a.ChunkID] = r
				order = append(order, a.ChunkID)
			}
			setScore(r, norm[i])
		}
	}

	add(semantic, func(r *Result, norm float64) { r.SemanticScore = norm })
	add(keyword, func(r *Result, norm float64) { r.KeywordScore = norm })

	out := make([]Result, 0, len(order))
	for _, id := range order {
		r := byID[id]
		r.Score = alpha*r.SemanticScore + (1-alpha)*r.KeywordScore
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].SemanticScore != out[j].SemanticScore {
			return out[i].SemanticScore > out[j].SemanticScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}
