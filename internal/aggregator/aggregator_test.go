package aggregator

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-scorecard-go/internal/catalog"
	"call-scorecard-go/internal/types"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	return cat
}

func tagByCode(tags []types.CallTag, code string) (types.CallTag, bool) {
	for _, ct := range tags {
		if ct.TagCode == code {
			return ct, true
		}
	}
	return types.CallTag{}, false
}

func TestAggregateRepresentativeByConfidence(t *testing.T) {
	cat := testCatalog(t)
	occs := []types.SignalOccurrence{
		{Code: "paraphrase_used", Score: 2, Confidence: 0.6, ContextText: "low"},
		{Code: "paraphrase_used", Score: 4, Confidence: 0.9, ContextText: "high"},
	}
	out := Aggregate("c-1", occs, cat)

	ct, ok := tagByCode(out.Tags, "listening_good")
	require.True(t, ok)
	assert.Equal(t, 4.0, ct.Score)
	assert.Equal(t, 0.9, ct.Confidence)
	assert.Equal(t, "high", ct.ContextText)
	assert.Len(t, ct.Occurrences, 2, "non-representative occurrences kept as provenance")
}

func TestAggregateDirectTagCodeOccurrences(t *testing.T) {
	cat := testCatalog(t)
	occs := []types.SignalOccurrence{
		{Code: "listening_good", Score: 2, Confidence: 0.6},
		{Code: "listening_good", Score: 5, Confidence: 0.9},
	}
	out := Aggregate("c-1", occs, cat)

	assert.Empty(t, out.MissingTagCodes)
	ct, ok := tagByCode(out.Tags, "listening_good")
	require.True(t, ok)
	assert.Equal(t, 5.0, ct.Score, "score of the 0.9-confidence occurrence, exactly")
}

func TestAggregateTieBreakByScore(t *testing.T) {
	cat := testCatalog(t)
	occs := []types.SignalOccurrence{
		{Code: "paraphrase_used", Score: 3, Confidence: 0.8},
		{Code: "paraphrase_used", Score: 5, Confidence: 0.8},
	}
	out := Aggregate("c-1", occs, cat)
	ct, ok := tagByCode(out.Tags, "listening_good")
	require.True(t, ok)
	assert.Equal(t, 5.0, ct.Score)
}

func TestAggregateDeterministicUnderReordering(t *testing.T) {
	cat := testCatalog(t)
	occs := []types.SignalOccurrence{
		{Code: "paraphrase_used", Score: 2, Confidence: 0.6, TimestampSec: 10},
		{Code: "paraphrase_used", Score: 4, Confidence: 0.9, TimestampSec: 50},
		{Code: "no_interrupt_streak", Score: 4, Confidence: 0.9, TimestampSec: 20},
		{Code: "discovery_question", Score: 3, Confidence: 0.7, TimestampSec: 30},
	}
	want := Aggregate("c-1", occs, cat)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]types.SignalOccurrence(nil), occs...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, Aggregate("c-1", shuffled, cat))
	}
}

func TestAggregateMandatoryMissing(t *testing.T) {
	cat := testCatalog(t)

	// zero parseable signals still yields a full set of mandatory rows
	out := Aggregate("c-1", nil, cat)
	require.Len(t, out.Tags, len(cat.MandatoryTags()))
	for _, ct := range out.Tags {
		tag, ok := cat.Tag(ct.TagCode)
		require.True(t, ok)
		assert.True(t, tag.Mandatory)
		assert.True(t, ct.IsMandatoryMissing)
		assert.Equal(t, tag.ScoreMin, ct.Score, "penalty is the range minimum")
	}
}

func TestAggregateObservedMandatoryNotFlagged(t *testing.T) {
	cat := testCatalog(t)
	out := Aggregate("c-1", []types.SignalOccurrence{
		{Code: "greeting_given", Score: 5, Confidence: 0.9},
	}, cat)

	ct, ok := tagByCode(out.Tags, "opening_complete")
	require.True(t, ok)
	assert.False(t, ct.IsMandatoryMissing)
	assert.Equal(t, 5.0, ct.Score)
}

func TestAggregateNonMandatoryAbsenceEmitsNothing(t *testing.T) {
	cat := testCatalog(t)
	out := Aggregate("c-1", []types.SignalOccurrence{
		{Code: "greeting_given", Score: 5, Confidence: 0.9},
	}, cat)

	_, ok := tagByCode(out.Tags, "listening_good")
	assert.False(t, ok, "absence is absence, not a zero")
}

func TestAggregateUnknownCodesCollected(t *testing.T) {
	cat := testCatalog(t)
	out := Aggregate("c-1", []types.SignalOccurrence{
		{Code: "zz_mystery", Score: 3, Confidence: 0.8},
		{Code: "aa_mystery", Score: 1, Confidence: 0.5},
		{Code: "zz_mystery", Score: 2, Confidence: 0.2},
	}, cat)

	assert.Equal(t, []string{"aa_mystery", "zz_mystery"}, out.MissingTagCodes)
	assert.Empty(t, out.Signals, "unknown codes are excluded from scoring")
}

func TestAggregateScoreClampedToRange(t *testing.T) {
	cat := testCatalog(t)
	out := Aggregate("c-1", []types.SignalOccurrence{
		{Code: "paraphrase_used", Score: 99, Confidence: 0.9},
	}, cat)
	ct, ok := tagByCode(out.Tags, "listening_good")
	require.True(t, ok)
	assert.Equal(t, 5.0, ct.Score)
}

func TestAggregateServiceIssueSeverity(t *testing.T) {
	cat := testCatalog(t)
	tests := []struct {
		name  string
		score float64
		want  int
	}{
		{"minimum score", 1, 1},
		{"mid score", 3, 2},
		{"maximum score", 5, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Aggregate("c-1", []types.SignalOccurrence{
				{Code: "talked_over_customer", Score: tt.score, Confidence: 0.9},
			}, cat)
			ct, ok := tagByCode(out.Tags, "agent_rude")
			require.True(t, ok)
			assert.Equal(t, tt.want, ct.Severity)
		})
	}
}

func TestAggregateSeverityOnlyForServiceIssues(t *testing.T) {
	cat := testCatalog(t)
	out := Aggregate("c-1", []types.SignalOccurrence{
		{Code: "paraphrase_used", Score: 5, Confidence: 0.9},
	}, cat)
	ct, ok := tagByCode(out.Tags, "listening_good")
	require.True(t, ok)
	assert.Zero(t, ct.Severity)
}

func TestAggregateSignalsCarryResolvedTag(t *testing.T) {
	cat := testCatalog(t)
	out := Aggregate("c-1", []types.SignalOccurrence{
		{Code: "greeting_given", Score: 4, Confidence: 0.9, TimestampSec: 3},
		{Code: "self_intro", Score: 5, Confidence: 0.8, TimestampSec: 8},
	}, cat)

	require.Len(t, out.Signals, 2)
	for _, sig := range out.Signals {
		assert.Equal(t, "opening_complete", sig.TagCode)
		assert.Equal(t, "c-1", sig.CallID)
	}
}
