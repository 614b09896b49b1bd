package actionable

import (
	"fmt"

	"call-scorecard-go/internal/pipeline"
	"call-scorecard-go/internal/types"
)

type ActionCard struct {
	Insight string `json:"insight"`
	Action  string `json:"action"`
	Impact  string `json:"impact"`
}

// Generate turns one batch's summary and scores into a short coaching card.
func Generate(summary pipeline.Summary, scores []types.CallScore) ActionCard {
	if summary.Processed > 0 && summary.Failed*5 >= summary.Processed {
		return ActionCard{
			Insight: fmt.Sprintf("%d of %d records failed to parse", summary.Failed, summary.Processed),
			Action:  "Review the parse-failures report and tighten the analysis prompt",
			Impact:  "Recover unscored calls on the next re-run",
		}
	}

	sums := map[string]int{}
	counts := map[string]int{}
	for _, cs := range scores {
		for dim, v := range cs.Dimensions {
			sums[dim] += v
			counts[dim]++
		}
	}
	worst := ""
	lowest := 101.0
	for dim, sum := range sums {
		avg := float64(sum) / float64(counts[dim])
		if avg < lowest {
			lowest = avg
			worst = dim
		}
	}
	if worst != "" && lowest < 50 {
		return ActionCard{
			Insight: fmt.Sprintf("Weakest dimension is %s (avg %.0f)", worst, lowest),
			Action:  fmt.Sprintf("Schedule targeted coaching on %s for the lowest-scoring agents", worst),
			Impact:  "Lift the weakest dimension and the overall score with it",
		}
	}
	return ActionCard{
		Insight: "No weak dimension or data-quality pattern detected",
		Action:  "Monitor and collect more calls",
		Impact:  "Low immediate intervention",
	}
}
