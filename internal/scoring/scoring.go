package scoring

import (
	"math"

	"call-scorecard-go/internal/catalog"
	"call-scorecard-go/internal/types"
)

// Score rolls one call's assessments up into per-dimension scores and one
// overall score, each an integer in [0, 100]. Intermediate math stays in
// floating point; rounding happens once, at the output.
func Score(callID string, tags []types.CallTag, cat *catalog.Catalog, cfg types.ScoreConfig, rules []types.ScoringRule) types.CallScore {
	ruleFor := map[string]types.ScoringRule{}
	for _, r := range rules {
		ruleFor[r.TagCode] = r
	}

	sums := map[string]float64{}
	counts := map[string]int{}

	for _, ct := range tags {
		def, ok := cat.Tag(ct.TagCode)
		if !ok {
			continue
		}
		dim := def.Dimension
		adjusted := ct.Score

		// Rule adjustments live here, not on the stored assessment, so the
		// audit trail keeps "what was observed" apart from "how it scored".
		if r, ok := ruleFor[ct.TagCode]; ok {
			mult := r.WeightMultiplier
			if mult < 0.5 {
				mult = 0.5
			}
			if mult > 2.0 {
				mult = 2.0
			}
			adjusted += r.Adjustment * mult
			if adjusted < def.ScoreMin {
				adjusted = def.ScoreMin
			}
			if adjusted > def.ScoreMax {
				adjusted = def.ScoreMax
			}
			if r.Dimension != "" {
				dim = r.Dimension
			}
		}

		scaled := (adjusted - def.ScoreMin) / def.Range() * 100
		sums[dim] += scaled
		counts[dim]++
	}

	score := types.CallScore{CallID: callID, Dimensions: map[string]int{}}

	dimScores := map[string]float64{}
	for dim, sum := range sums {
		avg := sum / float64(counts[dim])
		dimScores[dim] = avg
		score.Dimensions[dim] = roundBounded(avg)
	}

	score.Overall = roundBounded(overall(dimScores, cfg.Weights))
	return score
}

// overall weights the dimension scores, re-normalizing the weights over the
// dimensions that actually produced a score. A weight sum of zero maps to an
// overall score of zero.
func overall(dimScores map[string]float64, weights map[string]float64) float64 {
	var weightSum, total float64
	for dim, s := range dimScores {
		w := weights[dim]
		if w <= 0 {
			continue
		}
		weightSum += w
		total += s * w
	}
	if weightSum == 0 {
		return 0
	}
	return total / weightSum
}

func roundBounded(v float64) int {
	n := int(math.Round(v))
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
