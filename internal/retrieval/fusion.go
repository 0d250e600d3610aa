package retrieval

import (
	"sort"

	"engram/internal/chunker"
)

// Candidate is one fused retrieval candidate across indices.
type Candidate struct {
	ID         string
	ArtifactID string
	IsChunk    bool
	Score      float64
	Indices    []string
	ranks      map[string]int
}

// FuseRRF merges per-index ranked id lists with reciprocal-rank fusion:
// an item at 1-based rank r in an index contributes 1/(k+r); items absent
// from an index contribute nothing. Output is sorted best-first with
// deterministic tie-breaks (presence in more indices, then lower rank sum,
// then id).
func FuseRRF(lists map[string][]string, k int) []Candidate {
	if k <= 0 {
		k = 60
	}
	byID := map[string]*Candidate{}
	var order []string
	indexNames := make([]string, 0, len(lists))
	for name := range lists {
		indexNames = append(indexNames, name)
	}
	sort.Strings(indexNames)
	for _, name := range indexNames {
		for i, id := range lists[name] {
			c, ok := byID[id]
			if !ok {
				c = &Candidate{
					ID:         id,
					ArtifactID: chunker.ArtifactIDOf(id),
					IsChunk:    chunker.IsChunkID(id),
					ranks:      map[string]int{},
				}
				byID[id] = c
				order = append(order, id)
			}
			if _, seen := c.ranks[name]; seen {
				continue
			}
			rank := i + 1
			c.ranks[name] = rank
			c.Score += 1.0 / float64(k+rank)
			c.Indices = append(c.Indices, name)
		}
	}
	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		// Presence in more lists wins at equal score, then lower rank sum.
		if len(out[i].ranks) != len(out[j].ranks) {
			return len(out[i].ranks) > len(out[j].ranks)
		}
		si, sj := rankSum(out[i].ranks), rankSum(out[j].ranks)
		if si != sj {
			return si < sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func rankSum(ranks map[string]int) int {
	sum := 0
	for _, r := range ranks {
		sum += r
	}
	return sum
}

// DedupByArtifact keeps one candidate per artifact: a chunk hit beats a
// full-artifact hit (more precise), and among chunks the higher RRF score
// wins. Order of survivors follows the input (already score-sorted).
func DedupByArtifact(candidates []Candidate) []Candidate {
	best := map[string]int{}
	var out []Candidate
	for _, c := range candidates {
		idx, seen := best[c.ArtifactID]
		if !seen {
			best[c.ArtifactID] = len(out)
			out = append(out, c)
			continue
		}
		existing := out[idx]
		replace := false
		switch {
		case c.IsChunk && !existing.IsChunk:
			replace = true
		case c.IsChunk && existing.IsChunk && c.Score > existing.Score:
			replace = true
		}
		if replace {
			out[idx] = c
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
