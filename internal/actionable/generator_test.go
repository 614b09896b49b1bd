package actionable

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"call-scorecard-go/internal/pipeline"
	"call-scorecard-go/internal/types"
)

func TestGenerateParseFailureCard(t *testing.T) {
	card := Generate(pipeline.Summary{Processed: 10, Failed: 4}, nil)
	assert.Contains(t, card.Insight, "4 of 10")
	assert.Contains(t, card.Action, "parse-failures report")
}

func TestGenerateWeakDimensionCard(t *testing.T) {
	scores := []types.CallScore{
		{CallID: "c-1", Dimensions: map[string]int{"process": 80, "skills": 30}},
		{CallID: "c-2", Dimensions: map[string]int{"process": 70, "skills": 40}},
	}
	card := Generate(pipeline.Summary{Processed: 2, Succeeded: 2}, scores)
	assert.Contains(t, card.Insight, "skills")
	assert.Contains(t, card.Insight, "35")
}

func TestGenerateDefaultCard(t *testing.T) {
	scores := []types.CallScore{
		{CallID: "c-1", Dimensions: map[string]int{"process": 80, "skills": 75}},
	}
	card := Generate(pipeline.Summary{Processed: 1, Succeeded: 1}, scores)
	assert.Equal(t, "Monitor and collect more calls", card.Action)
}
