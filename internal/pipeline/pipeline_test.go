package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-scorecard-go/internal/catalog"
	"call-scorecard-go/internal/store"
	"call-scorecard-go/internal/types"
)

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cat, err := catalog.Default()
	require.NoError(t, err)
	return New(st, cat), st
}

func insertRecord(t *testing.T, st *store.Store, callID, payload string, at time.Time) int64 {
	t.Helper()
	id, err := st.InsertRawRecord(context.Background(), types.RawAnalysisRecord{
		CallID:    callID,
		AgentID:   "a-1",
		Payload:   payload,
		CreatedAt: at,
	})
	require.NoError(t, err)
	return id
}

func TestRunCleanRecord(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	insertRecord(t, st, "c-1", `{"signals":[{"code":"greeting_given","score":5,"confidence":0.9}]}`, at)

	summary, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Zero(t, summary.Failed)

	tags, err := st.CallTags(ctx, "c-1")
	require.NoError(t, err)

	var observed, missing int
	for _, ct := range tags {
		if ct.IsMandatoryMissing {
			missing++
			continue
		}
		observed++
		assert.Equal(t, "opening_complete", ct.TagCode)
		assert.Equal(t, 5.0, ct.Score)
	}
	assert.Equal(t, 1, observed)
	assert.Equal(t, 3, missing, "remaining mandatory tags flagged missing")

	score, err := st.CallScore(ctx, "c-1")
	require.NoError(t, err)
	// process: 100 + three missing at 0 → 25
	assert.Equal(t, 25, score.Dimensions["process"])
	assert.Equal(t, 25, score.Overall)
}

func TestRunTagCodeReportedAsSignal(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	insertRecord(t, st, "c-1", `{"signals":[{"code":"opening_complete","score":5,"confidence":0.9}]}`, time.Now().UTC())

	summary, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, summary.MissingTagCodes, "a tag code used as signal code resolves via the catalog")

	tags, err := st.CallTags(ctx, "c-1")
	require.NoError(t, err)
	for _, ct := range tags {
		if ct.TagCode == "opening_complete" {
			assert.Equal(t, 5.0, ct.Score)
			assert.False(t, ct.IsMandatoryMissing)
		} else {
			assert.True(t, ct.IsMandatoryMissing)
		}
	}
}

func TestRunMalformedPayloadContinues(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	bad := insertRecord(t, st, "c-bad", "not json", at)
	insertRecord(t, st, "c-good", `{"signals":[{"code":"close_ask","score":4,"confidence":0.8}]}`, at.Add(time.Minute))

	summary, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.ParseFailures, 1)
	assert.Equal(t, bad, summary.ParseFailures[0].RecordID)
	assert.Equal(t, "c-bad", summary.ParseFailures[0].CallID)
	assert.Equal(t, "not json", summary.ParseFailures[0].Payload)

	// failed record produced no derived rows
	_, err = st.Call(ctx, "c-bad")
	assert.Error(t, err)
	_, err = st.Call(ctx, "c-good")
	assert.NoError(t, err)
}

func TestRunIdempotent(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	insertRecord(t, st, "c-1", `{"signals":[
		{"code":"greeting_given","score":5,"confidence":0.9},
		{"code":"paraphrase_used","score":4,"confidence":0.7},
		{"code":"paraphrase_used","score":3,"confidence":0.9}
	]}`, at)
	insertRecord(t, st, "c-2", `{"signals":[{"code":"budget_pushback","score":4,"confidence":0.6}]}`, at.Add(time.Minute))

	first, err := p.Run(ctx)
	require.NoError(t, err)

	type derived struct {
		tags    []types.CallTag
		signals []types.CallSignal
		score   types.CallScore
	}
	snapshot := func() map[string]derived {
		out := map[string]derived{}
		for _, id := range []string{"c-1", "c-2"} {
			tags, err := st.CallTags(ctx, id)
			require.NoError(t, err)
			signals, err := st.CallSignals(ctx, id)
			require.NoError(t, err)
			score, err := st.CallScore(ctx, id)
			require.NoError(t, err)
			out[id] = derived{tags, signals, score}
		}
		return out
	}

	before := snapshot()
	second, err := p.Run(ctx)
	require.NoError(t, err)
	after := snapshot()

	assert.Equal(t, before, after, "re-run yields identical derived state")
	for id, d := range before {
		require.NotEmpty(t, d.signals, id)
		assert.NotZero(t, d.signals[0].ID, "snapshot covers signal row ids")
	}
	assert.Equal(t, first.Succeeded, second.Succeeded)
	assert.Equal(t, first.Failed, second.Failed)
}

func TestRunDuplicateCallIDLatestWins(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	insertRecord(t, st, "c-1", `{"signals":[{"code":"greeting_given","score":2,"confidence":0.9}]}`, at)
	insertRecord(t, st, "c-1", `{"signals":[{"code":"greeting_given","score":5,"confidence":0.9}]}`, at.Add(time.Hour))

	summary, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.SkippedDuplicates)

	tags, err := st.CallTags(ctx, "c-1")
	require.NoError(t, err)
	for _, ct := range tags {
		if ct.TagCode == "opening_complete" {
			assert.Equal(t, 5.0, ct.Score, "latest record's score wins")
		}
	}
}

func TestDedupeOutOfOrderRecords(t *testing.T) {
	at := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	records := []types.RawAnalysisRecord{
		{ID: 3, CallID: "c-1", Payload: "newest", CreatedAt: at.Add(time.Hour)},
		{ID: 1, CallID: "c-1", Payload: "oldest", CreatedAt: at},
		{ID: 2, CallID: "c-2", Payload: "only", CreatedAt: at},
	}

	var summary Summary
	out := dedupe(records, &summary)
	require.Len(t, out, 2)
	assert.Equal(t, "newest", out[0].Payload, "latest creation time wins regardless of input order")
	assert.Equal(t, "only", out[1].Payload)
	assert.Equal(t, 1, summary.SkippedDuplicates)

	ties := []types.RawAnalysisRecord{
		{ID: 5, CallID: "c-1", Payload: "higher id", CreatedAt: at},
		{ID: 4, CallID: "c-1", Payload: "lower id", CreatedAt: at},
	}
	summary = Summary{}
	out = dedupe(ties, &summary)
	require.Len(t, out, 1)
	assert.Equal(t, "higher id", out[0].Payload, "id breaks creation-time ties")
}

func TestRunMandatoryCoverageOnEmptySignals(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	insertRecord(t, st, "c-1", `{"signals":[]}`, time.Now().UTC())

	summary, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded, "a call is never silently excluded from scoring")

	tags, err := st.CallTags(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, tags, 4)
	for _, ct := range tags {
		assert.True(t, ct.IsMandatoryMissing)
		assert.Equal(t, 1.0, ct.Score)
	}
	score, err := st.CallScore(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 0, score.Overall)
}

func TestRunUnknownSignalCodesSurfaced(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	at := time.Now().UTC()

	insertRecord(t, st, "c-1", `{"signals":[{"code":"zz_mystery","score":3,"confidence":0.9}]}`, at)
	insertRecord(t, st, "c-2", `{"signals":[{"code":"aa_mystery","score":3,"confidence":0.9}]}`, at.Add(time.Minute))

	summary, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"aa_mystery", "zz_mystery"}, summary.MissingTagCodes)
	assert.Equal(t, 2, summary.Succeeded, "unresolved codes drop occurrences, not records")
}

func TestRunAnomaliesReportedNotBlocking(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	insertRecord(t, st, "c-1", `{"signals":[
		{"code":"paraphrase_used","score":1,"confidence":0.8},
		{"code":"paraphrase_used","score":5,"confidence":0.7}
	]}`, time.Now().UTC())

	summary, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Anomalous)
	require.Len(t, summary.Anomalies, 1)
	assert.Equal(t, "score_divergence", summary.Anomalies[0].Kind)

	// the persisted assessment still reflects the representative pick
	tags, err := st.CallTags(ctx, "c-1")
	require.NoError(t, err)
	for _, ct := range tags {
		if ct.TagCode == "listening_good" {
			assert.Equal(t, 1.0, ct.Score)
		}
	}
	assert.Equal(t, 1, summary.Succeeded)
}

func TestRunMissingCallIDIsParseFailure(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	insertRecord(t, st, "", `{"signals":[]}`, time.Now().UTC())

	summary, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.ParseFailures, 1)
	assert.Equal(t, "record has no call id", summary.ParseFailures[0].Error)
}

func TestRunCallMetadataPersisted(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	insertRecord(t, st, "c-1", `{"outcome":"won","duration_sec":245,"audio_url":"https://audio/c-1.mp3","signals":[]}`, at)

	_, err := p.Run(ctx)
	require.NoError(t, err)

	call, err := st.Call(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeWon, call.Outcome)
	assert.Equal(t, 245, call.DurationSec)
	assert.Equal(t, "https://audio/c-1.mp3", call.AudioURL)
	assert.Equal(t, at, call.StartedAt)
}

func TestRunScoringRulesApplied(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	require.NoError(t, st.SaveScoringRule(ctx, types.ScoringRule{
		TagCode: "opening_complete", Adjustment: 2, WeightMultiplier: 1,
	}))
	insertRecord(t, st, "c-1", `{"signals":[
		{"code":"greeting_given","score":3,"confidence":0.9},
		{"code":"followup_scheduled","score":3,"confidence":0.9},
		{"code":"close_ask","score":3,"confidence":0.9},
		{"code":"discovery_question","score":3,"confidence":0.9}
	]}`, time.Now().UTC())

	_, err := p.Run(ctx)
	require.NoError(t, err)

	// stored assessment keeps the observed score; the rule shifts only the roll-up
	tags, err := st.CallTags(ctx, "c-1")
	require.NoError(t, err)
	for _, ct := range tags {
		if ct.TagCode == "opening_complete" {
			assert.Equal(t, 3.0, ct.Score)
		}
	}
	score, err := st.CallScore(ctx, "c-1")
	require.NoError(t, err)
	// scaled: opening 3+2→5→100, three others at 3→50 → avg 62.5 → 63
	assert.Equal(t, 63, score.Dimensions["process"])
}
