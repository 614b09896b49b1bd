// Package pipeline orchestrates one batch run: clear derived state, then for
// every raw analysis record parse, aggregate, detect anomalies, score and
// persist. No record's failure ever aborts the batch.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"call-scorecard-go/internal/aggregator"
	"call-scorecard-go/internal/anomaly"
	"call-scorecard-go/internal/catalog"
	"call-scorecard-go/internal/logger"
	"call-scorecard-go/internal/normalizer"
	"call-scorecard-go/internal/scoring"
	"call-scorecard-go/internal/types"
)

// Store is the persistence contract the orchestrator depends on. Injected so
// tests can substitute an in-memory database.
type Store interface {
	RawRecords(ctx context.Context) ([]types.RawAnalysisRecord, error)
	ClearDerived(ctx context.Context) error
	SaveCallResult(ctx context.Context, call types.Call, signals []types.CallSignal, tags []types.CallTag, score types.CallScore) error
	ScoreConfig(ctx context.Context) (types.ScoreConfig, error)
	ScoringRules(ctx context.Context) ([]types.ScoringRule, error)
}

// Summary is the batch-level report. The batch as a whole always completes;
// per-record failures are counts here, not errors.
type Summary struct {
	RunID             string               `json:"run_id"`
	Processed         int                  `json:"processed"`
	Succeeded         int                  `json:"succeeded"`
	Failed            int                  `json:"failed"`
	Anomalous         int                  `json:"anomalous"`
	SkippedDuplicates int                  `json:"skipped_duplicates"`
	DroppedEntries    int                  `json:"dropped_entries"`
	MissingTagCodes   []string             `json:"missing_tag_codes,omitempty"`
	OrphanSignalCodes []string             `json:"orphan_signal_codes,omitempty"`
	ParseFailures     []types.ParseFailure `json:"parse_failures,omitempty"`
	Anomalies         []types.Anomaly      `json:"anomalies,omitempty"`
	StartedAt         time.Time            `json:"started_at"`
	FinishedAt        time.Time            `json:"finished_at"`
}

type Pipeline struct {
	store      Store
	cat        *catalog.Catalog
	anomalyCfg anomaly.Config
	log        *logger.Logger
}

// Option tweaks pipeline construction.
type Option func(*Pipeline)

// WithAnomalyConfig overrides the default jitter thresholds.
func WithAnomalyConfig(cfg anomaly.Config) Option {
	return func(p *Pipeline) { p.anomalyCfg = cfg }
}

func New(store Store, cat *catalog.Catalog, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      store,
		cat:        cat,
		anomalyCfg: anomaly.DefaultConfig(),
		log:        logger.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one full batch: previously derived state is cleared, then the
// full set of raw records is rebuilt into calls, assessments and scores. The
// same raw records always yield the same derived state, however many times
// Run has been invoked before.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	runID := uuid.New().String()
	log := p.log.WithRun(runID).WithField("component", "pipeline")
	summary := Summary{
		RunID:             runID,
		StartedAt:         time.Now().UTC(),
		OrphanSignalCodes: p.cat.OrphanSignalCodes(),
	}

	cfg, err := p.store.ScoreConfig(ctx)
	if err != nil {
		return summary, fmt.Errorf("load score config: %w", err)
	}
	rules, err := p.store.ScoringRules(ctx)
	if err != nil {
		return summary, fmt.Errorf("load scoring rules: %w", err)
	}

	if err := p.store.ClearDerived(ctx); err != nil {
		return summary, fmt.Errorf("clear derived state: %w", err)
	}

	records, err := p.store.RawRecords(ctx)
	if err != nil {
		return summary, fmt.Errorf("load raw records: %w", err)
	}
	log.WithField("records", len(records)).Info("batch started")

	records = dedupe(records, &summary)
	missing := map[string]struct{}{}

	for _, rec := range records {
		summary.Processed++
		recLog := log.WithField("record_id", rec.ID).WithField("call_id", rec.CallID)

		if rec.CallID == "" {
			summary.Failed++
			summary.ParseFailures = append(summary.ParseFailures, types.ParseFailure{
				RecordID:  rec.ID,
				AgentID:   rec.AgentID,
				Error:     "record has no call id",
				Payload:   rec.Payload,
				Timestamp: time.Now().UTC(),
			})
			recLog.Warn("record skipped: no call id")
			continue
		}

		res, pf := normalizer.Normalize(rec)
		if pf != nil {
			summary.Failed++
			summary.ParseFailures = append(summary.ParseFailures, *pf)
			recLog.WithField("parse_error", pf.Error).Warn("record skipped: parse failure")
			continue
		}
		summary.DroppedEntries += res.Dropped

		agg := aggregator.Aggregate(rec.CallID, res.Signals, p.cat)
		for _, code := range agg.MissingTagCodes {
			missing[code] = struct{}{}
		}

		anomalies := anomaly.Detect(rec.CallID, agg, p.cat, p.anomalyCfg)
		if len(anomalies) > 0 {
			summary.Anomalous++
			summary.Anomalies = append(summary.Anomalies, anomalies...)
		}

		score := scoring.Score(rec.CallID, agg.Tags, p.cat, cfg, rules)
		call := buildCall(rec, res)

		if err := p.store.SaveCallResult(ctx, call, agg.Signals, agg.Tags, score); err != nil {
			summary.Failed++
			recLog.WithError(err).Error("persist failed, record skipped")
			continue
		}
		summary.Succeeded++
		recLog.WithField("overall", score.Overall).Debug("record persisted")
	}

	for code := range missing {
		summary.MissingTagCodes = append(summary.MissingTagCodes, code)
	}
	sort.Strings(summary.MissingTagCodes)
	summary.FinishedAt = time.Now().UTC()

	log.WithField("processed", summary.Processed).
		WithField("succeeded", summary.Succeeded).
		WithField("failed", summary.Failed).
		WithField("anomalous", summary.Anomalous).
		Info("batch completed")
	return summary, nil
}

/// dedupe keeps one record per call id: the latest by creation time, id as the
// final tie-break. The winner is chosen by comparing timestamps, not by input
// order.
func dedupe(records []types.RawAnalysisRecord, summary *Summary) []types.RawAnalysisRecord {
	latest := map[string]int{}
	for i, rec := range records {
		if rec.CallID == "" {
			continue
		}
		prev, seen := latest[rec.CallID]
		if !seen {
			latest[rec.CallID] = i
			continue
		}
		summary.SkippedDuplicates++
		if newer(rec, records[prev]) {
			latest[rec.CallID] = i
		}
	}
	out := make([]types.RawAnalysisRecord, 0, len(records))
	for i, rec := range records {
		if rec.CallID != "" && latest[rec.CallID] != i {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func newer(a, b types.RawAnalysisRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func buildCall(rec types.RawAnalysisRecord, res normalizer.Result) types.Call {
	outcome := types.Outcome(res.Outcome)
	switch outcome {
	case types.OutcomeWon, types.OutcomeLost:
	default:
		outcome = types.OutcomeUnknown
	}
	return types.Call{
		ID:          rec.CallID,
		AgentID:     rec.AgentID,
		Outcome:     outcome,
		StartedAt:   rec.CreatedAt,
		DurationSec: res.DurationSec,
		AudioURL:    res.AudioURL,
	}
}
