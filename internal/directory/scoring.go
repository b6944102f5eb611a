package directory

import (
	"sort"

	"github.com/kevklatman/distfs/internal/model"
)

// ScoringPolicy ranks candidate nodes for replica placement. Higher
// scores win. Implementations must be safe for concurrent use.
type ScoringPolicy interface {
	Score(node model.NodeRecord, localRegion string) float64
}

// DefaultScoringPolicy weighs available storage, inverse load, inverse
// network latency and inverse error rate, and penalizes cross-region
// placement.
type DefaultScoringPolicy struct{}

// Score implements ScoringPolicy.
func (DefaultScoringPolicy) Score(node model.NodeRecord, localRegion string) float64 {
	storage := 0.0
	if node.TotalStorage > 0 {
		storage = float64(node.AvailableStorage) / float64(node.TotalStorage)
	}

	load := clamp01(node.Load)
	latency := clamp01(node.NetworkLatencyMs / 1000.0)
	errRate := clamp01(node.ErrorRate)

	score := storage*0.25 +
		(1-load)*0.35 +
		(1-latency)*0.20 +
		(1-errRate)*0.10

	if localRegion != "" && node.Region != localRegion {
		score -= 0.20
	}
	return score
}

// LeastLoadedPolicy ranks purely by load, used when migrating data off a
// degraded node where spreading by capacity matters less than relief speed.
type LeastLoadedPolicy struct{}

// Score implements ScoringPolicy.
func (LeastLoadedPolicy) Score(node model.NodeRecord, _ string) float64 {
	return 1 - clamp01(node.Load)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// rankNodes sorts candidates by descending score and returns the top n.
func rankNodes(candidates []model.NodeRecord, n int, localRegion string, policy ScoringPolicy) []model.NodeRecord {
	type scored struct {
		node  model.NodeRecord
		score float64
	}

	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, scored{node: c, score: policy.Score(c, localRegion)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]model.NodeRecord, 0, n)
	for _, s := range ranked[:n] {
		out = append(out, s.node)
	}
	return out
}
