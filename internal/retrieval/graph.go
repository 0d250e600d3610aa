package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"engram/internal/store"
)

// Graph is the relational graph surface expansion walks over;
// *store.Store implements it.
type Graph interface {
	EntitiesForArtifacts(ctx context.Context, uids []string) ([]uuid.UUID, error)
	ArtifactsForEntities(ctx context.Context, entityIDs []uuid.UUID, relations []string) ([]store.ArtifactLink, error)
	EdgesTouching(ctx context.Context, entityIDs []uuid.UUID, edgeTypes []string) ([]store.EdgeRecord, error)
}

// GraphOptions bound one expansion run. Relations and weights come from
// configuration so the admissible edge set is explicit.
type GraphOptions struct {
	Relations            []string
	EdgeTypes            []string
	Depth                int
	Budget               int
	HopWeight            float64
	SharedEntityWeight   float64
	EdgeConfidenceWeight float64
}

// RelatedArtifact is a graph-expansion hit.
type RelatedArtifact struct {
	ArtifactUID    string
	Hop            int
	SharedEntities int
	EdgeConfidence float64
	Score          float64
}

// ExpandGraph walks the entity/event/artifact graph outward from the
// primary results. Cycles are permitted; the visited set is keyed by
// (entity, hop) so short cycles are not pruned while re-expansion is.
// On context expiry the partial result gathered so far is returned.
func ExpandGraph(ctx context.Context, g Graph, primaryUIDs []string,
	seedEntities []uuid.UUID, opt GraphOptions) ([]RelatedArtifact, []store.EdgeRecord) {
	if opt.Depth <= 0 || len(seedEntities) == 0 {
		return nil, nil
	}
	enabled := map[string]bool{}
	for _, r := range opt.Relations {
		enabled[r] = true
	}
	primary := map[string]bool{}
	for _, uid := range primaryUIDs {
		primary[uid] = true
	}

	visited := map[string]bool{}
	markVisited := func(id uuid.UUID, hop int) bool {
		key := fmt.Sprintf("%s|%d", id, hop)
		if visited[key] {
			return false
		}
		visited[key] = true
		return true
	}

	entityConf := map[uuid.UUID]float64{}
	related := map[string]*RelatedArtifact{}
	var traversed []store.EdgeRecord
	seenEdge := map[string]bool{}

	frontier := seedEntities
	for hop := 1; hop <= opt.Depth && len(frontier) > 0; hop++ {
		if ctx.Err() != nil {
			log.Warn().Int("hop", hop).Msg("graph_expansion_partial")
			break
		}

		links, err := g.ArtifactsForEntities(ctx, frontier, opt.Relations)
		if err != nil {
			log.Warn().Err(err).Int("hop", hop).Msg("graph_expansion_partial")
			break
		}
		var newUIDs []string
		for _, link := range links {
			if primary[link.ArtifactUID] {
				continue
			}
			var edgeSum float64
			for _, e := range link.EntityIDs {
				edgeSum += entityConf[e]
			}
			score := opt.HopWeight/float64(hop) +
				opt.SharedEntityWeight*float64(link.SharedEntities) +
				opt.EdgeConfidenceWeight*edgeSum
			existing, ok := related[link.ArtifactUID]
			if !ok {
				related[link.ArtifactUID] = &RelatedArtifact{
					ArtifactUID:    link.ArtifactUID,
					Hop:            hop,
					SharedEntities: link.SharedEntities,
					EdgeConfidence: edgeSum,
					Score:          score,
				}
				newUIDs = append(newUIDs, link.ArtifactUID)
			} else if score > existing.Score {
				existing.Score = score
				existing.SharedEntities = link.SharedEntities
				existing.EdgeConfidence = edgeSum
			}
		}

		var next []uuid.UUID
		if enabled[store.RelEntityEdge] {
			edges, err := g.EdgesTouching(ctx, frontier, opt.EdgeTypes)
			if err != nil {
				log.Warn().Err(err).Int("hop", hop).Msg("graph_expansion_partial")
				break
			}
			inFrontier := map[uuid.UUID]bool{}
			for _, e := range frontier {
				inFrontier[e] = true
			}
			for _, e := range edges {
				edgeKey := fmt.Sprintf("%s|%s|%s|%s",
					e.SourceEntityID, e.TargetEntityID, e.RelationshipType, e.ArtifactUID)
				if !seenEdge[edgeKey] {
					seenEdge[edgeKey] = true
					traversed = append(traversed, e)
				}
				for _, other := range []uuid.UUID{e.SourceEntityID, e.TargetEntityID} {
					if inFrontier[other] {
						continue
					}
					entityConf[other] += e.Confidence
					if markVisited(other, hop) {
						next = append(next, other)
					}
				}
			}
		}
		if enabled[store.RelRevisionMembership] && len(newUIDs) > 0 {
			ents, err := g.EntitiesForArtifacts(ctx, newUIDs)
			if err != nil {
				log.Warn().Err(err).Int("hop", hop).Msg("graph_expansion_partial")
				break
			}
			for _, e := range ents {
				if markVisited(e, hop) {
					next = append(next, e)
				}
			}
		}
		frontier = next
	}

	out := make([]RelatedArtifact, 0, len(related))
	for _, r := range related {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ArtifactUID < out[j].ArtifactUID
	})
	if opt.Budget > 0 && len(out) > opt.Budget {
		out = out[:opt.Budget]
	}
	return out, traversed
}
