package anomaly

import (
	"fmt"
	"sort"

	"call-scorecard-go/internal/aggregator"
	"call-scorecard-go/internal/catalog"
	"call-scorecard-go/internal/types"
)

// Config tunes jitter detection. The thresholds are heuristics, so they are
// configuration rather than constants.
type Config struct {
	// DivergenceFrac flags a tag when two of its occurrences differ by more
	// than this fraction of the tag's score range.
	DivergenceFrac float64
	// HighConfidence is the confidence floor for opposed-tag conflicts.
	HighConfidence float64
	// OpposedPairs lists mutually exclusive tag pairs.
	OpposedPairs [][2]string
}

func DefaultConfig() Config {
	return Config{
		DivergenceFrac: 0.5,
		HighConfidence: 0.7,
		OpposedPairs: [][2]string{
			{"objection_resolved", "objection_ignored"},
			{"customer_high_intent", "customer_budget_constraint"},
		},
	}
}

// Detect inspects one call's aggregated occurrences for internal
// contradictions. A side channel for human review: anomalies never alter the
// assessments that get persisted.
func Detect(callID string, out aggregator.Output, cat *catalog.Catalog, cfg Config) []types.Anomaly {
	var anomalies []types.Anomaly

	byTag := map[string]types.CallTag{}
	for _, ct := range out.Tags {
		byTag[ct.TagCode] = ct
	}

	// (a) divergent scores for the same tag
	for _, ct := range out.Tags {
		if len(ct.Occurrences) < 2 {
			continue
		}
		tag, ok := cat.Tag(ct.TagCode)
		if !ok {
			continue
		}
		lo, hi := ct.Occurrences[0].Score, ct.Occurrences[0].Score
		for _, occ := range ct.Occurrences[1:] {
			if occ.Score < lo {
				lo = occ.Score
			}
			if occ.Score > hi {
				hi = occ.Score
			}
		}
		if hi-lo > cfg.DivergenceFrac*tag.Range() {
			anomalies = append(anomalies, types.Anomaly{
				CallID:      callID,
				TagCode:     ct.TagCode,
				Kind:        "score_divergence",
				Detail:      fmt.Sprintf("scores span %.1f-%.1f over range %.0f", lo, hi, tag.Range()),
				Occurrences: ct.Occurrences,
			})
		}
	}

	// (b) opposed tags both firing with high confidence
	for _, pair := range cfg.OpposedPairs {
		a, aOK := byTag[pair[0]]
		b, bOK := byTag[pair[1]]
		if !aOK || !bOK || a.IsMandatoryMissing || b.IsMandatoryMissing {
			continue
		}
		if a.Confidence >= cfg.HighConfidence && b.Confidence >= cfg.HighConfidence {
			anomalies = append(anomalies, types.Anomaly{
				CallID:      callID,
				TagCode:     pair[0],
				Kind:        "opposed_tags",
				Detail:      fmt.Sprintf("%s and %s both fired with confidence >= %.2f", pair[0], pair[1], cfg.HighConfidence),
				Occurrences: append(append([]types.SignalOccurrence{}, a.Occurrences...), b.Occurrences...),
			})
		}
	}

	sort.Slice(anomalies, func(i, j int) bool {
		if anomalies[i].TagCode != anomalies[j].TagCode {
			return anomalies[i].TagCode < anomalies[j].TagCode
		}
		return anomalies[i].Kind < anomalies[j].Kind
	})
	return anomalies
}
