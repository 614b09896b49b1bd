// Package store persists raw analysis records and the derived scorecard rows
// in SQLite. The pipeline needs only transactional multi-row writes and point
// lookups, so everything goes through database/sql.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"call-scorecard-go/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS raw_analysis_records (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    call_id     TEXT NOT NULL,
    agent_id    TEXT NOT NULL,
    payload     TEXT NOT NULL,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_records_call ON raw_analysis_records(call_id);

CREATE TABLE IF NOT EXISTS calls (
    id            TEXT PRIMARY KEY,
    agent_id      TEXT NOT NULL,
    outcome       TEXT NOT NULL DEFAULT 'unknown',
    started_at    TEXT NOT NULL,
    duration_sec  INTEGER NOT NULL DEFAULT 0,
    audio_url     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS call_signals (
    id             INTEGER PRIMARY KEY,
    call_id        TEXT NOT NULL,
    tag_code       TEXT NOT NULL,
    signal_code    TEXT NOT NULL,
    score          REAL NOT NULL,
    confidence     REAL NOT NULL,
    timestamp_sec  REAL NOT NULL,
    context_text   TEXT NOT NULL DEFAULT '',
    reasoning      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_call_signals_call ON call_signals(call_id);

CREATE TABLE IF NOT EXISTS call_tags (
    call_id              TEXT NOT NULL,
    tag_code             TEXT NOT NULL,
    score                REAL NOT NULL,
    confidence           REAL NOT NULL,
    context_text         TEXT NOT NULL DEFAULT '',
    reasoning            TEXT NOT NULL DEFAULT '',
    polarity             TEXT NOT NULL,
    severity             INTEGER NOT NULL DEFAULT 0,
    is_mandatory_missing INTEGER NOT NULL DEFAULT 0,
    occurrences_json     TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (call_id, tag_code)
);

CREATE TABLE IF NOT EXISTS call_scores (
    call_id          TEXT PRIMARY KEY,
    dimensions_json  TEXT NOT NULL,
    overall          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scoring_rules (
    tag_code           TEXT PRIMARY KEY,
    dimension          TEXT NOT NULL DEFAULT '',
    adjustment         REAL NOT NULL,
    weight_multiplier  REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS score_config (
    id            INTEGER PRIMARY KEY CHECK (id = 1),
    weights_json  TEXT NOT NULL,
    method        TEXT NOT NULL DEFAULT 'weighted_average',
    formula       TEXT NOT NULL DEFAULT ''
);
`

// Store wraps the SQLite handle behind the pipeline's persistence contract.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and initializes the schema.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return New(db)
}

// New initializes the schema on an existing handle.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// InsertRawRecord appends one raw LLM output row and returns its id.
func (s *Store) InsertRawRecord(ctx context.Context, rec types.RawAnalysisRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_analysis_records (call_id, agent_id, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		rec.CallID, rec.AgentID, rec.Payload, rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert raw record: %w", err)
	}
	return res.LastInsertId()
}

// RawRecords returns every raw record ordered by creation time, then id, so
// a re-run always sees the same sequence.
func (s *Store) RawRecords(ctx context.Context) ([]types.RawAnalysisRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, call_id, agent_id, payload, created_at
		FROM raw_analysis_records ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list raw records: %w", err)
	}
	defer rows.Close()

	var out []types.RawAnalysisRecord
	for rows.Next() {
		var rec types.RawAnalysisRecord
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.CallID, &rec.AgentID, &rec.Payload, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ClearDerived deletes all derived rows in one transaction. Raw records are
// untouched; a following rebuild makes the whole run idempotent.
func (s *Store) ClearDerived(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	for _, table := range []string{"call_scores", "call_tags", "call_signals", "calls"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			tx.Rollback()
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// SaveCallResult writes one call's full derived state in a single
// transaction: the call row, its signals, its assessments and its score.
// A crash mid-record can never leave partial rows. Transient commit failures
// (locked database) are retried with backoff; anything else is permanent.
func (s *Store) SaveCallResult(ctx context.Context, call types.Call, signals []types.CallSignal, tags []types.CallTag, score types.CallScore) error {
	op := func() error {
		err := s.saveCallResultOnce(ctx, call, signals, tags, score)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func (s *Store) saveCallResultOnce(ctx context.Context, call types.Call, signals []types.CallSignal, tags []types.CallTag, score types.CallScore) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	// A later record for the same call id replaces the earlier rows.
	for _, stmt := range []string{
		"DELETE FROM call_scores WHERE call_id = ?",
		"DELETE FROM call_tags WHERE call_id = ?",
		"DELETE FROM call_signals WHERE call_id = ?",
		"DELETE FROM calls WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, call.ID); err != nil {
			return fmt.Errorf("replace call rows: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO calls (id, agent_id, outcome, started_at, duration_sec, audio_url)
		VALUES (?, ?, ?, ?, ?, ?)`,
		call.ID, call.AgentID, string(call.Outcome),
		call.StartedAt.UTC().Format(time.RFC3339Nano), call.DurationSec, call.AudioURL,
	); err != nil {
		return fmt.Errorf("insert call: %w", err)
	}

	for _, sig := range signals {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO call_signals
			(call_id, tag_code, signal_code, score, confidence, timestamp_sec, context_text, reasoning)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sig.CallID, sig.TagCode, sig.SignalCode, sig.Score, sig.Confidence,
			sig.TimestampSec, sig.ContextText, sig.Reasoning,
		); err != nil {
			return fmt.Errorf("insert call signal: %w", err)
		}
	}

	for _, ct := range tags {
		occJSON, err := json.Marshal(ct.Occurrences)
		if err != nil {
			return fmt.Errorf("marshal occurrences: %w", err)
		}
		missing := 0
		if ct.IsMandatoryMissing {
			missing = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO call_tags
			(call_id, tag_code, score, confidence, context_text, reasoning,
			 polarity, severity, is_mandatory_missing, occurrences_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ct.CallID, ct.TagCode, ct.Score, ct.Confidence, ct.ContextText, ct.Reasoning,
			string(ct.Polarity), ct.Severity, missing, string(occJSON),
		); err != nil {
			return fmt.Errorf("insert call tag: %w", err)
		}
	}

	dimJSON, err := json.Marshal(score.Dimensions)
	if err != nil {
		return fmt.Errorf("marshal dimensions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO call_scores (call_id, dimensions_json, overall) VALUES (?, ?, ?)`,
		score.CallID, string(dimJSON), score.Overall,
	); err != nil {
		return fmt.Errorf("insert call score: %w", err)
	}

	return tx.Commit()
}

func retryable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// Call looks up one call row by id.
func (s *Store) Call(ctx context.Context, id string) (types.Call, error) {
	var c types.Call
	var startedAt, outcome string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, outcome, started_at, duration_sec, audio_url
		FROM calls WHERE id = ?`, id,
	).Scan(&c.ID, &c.AgentID, &outcome, &startedAt, &c.DurationSec, &c.AudioURL)
	if err != nil {
		return types.Call{}, err
	}
	c.Outcome = types.Outcome(outcome)
	c.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	return c, nil
}

// CallTags returns the assessments for one call, ordered by tag code.
func (s *Store) CallTags(ctx context.Context, callID string) ([]types.CallTag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, tag_code, score, confidence, context_text, reasoning,
		       polarity, severity, is_mandatory_missing, occurrences_json
		FROM call_tags WHERE call_id = ? ORDER BY tag_code`, callID)
	if err != nil {
		return nil, fmt.Errorf("list call tags: %w", err)
	}
	defer rows.Close()

	var out []types.CallTag
	for rows.Next() {
		var ct types.CallTag
		var polarity, occJSON string
		var missing int
		if err := rows.Scan(&ct.CallID, &ct.TagCode, &ct.Score, &ct.Confidence,
			&ct.ContextText, &ct.Reasoning, &polarity, &ct.Severity, &missing, &occJSON); err != nil {
			return nil, err
		}
		ct.Polarity = types.Polarity(polarity)
		ct.IsMandatoryMissing = missing != 0
		if err := json.Unmarshal([]byte(occJSON), &ct.Occurrences); err != nil {
			return nil, fmt.Errorf("decode occurrences: %w", err)
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

// CallSignals returns the persisted occurrences for one call.
func (s *Store) CallSignals(ctx context.Context, callID string) ([]types.CallSignal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, call_id, tag_code, signal_code, score, confidence, timestamp_sec, context_text, reasoning
		FROM call_signals WHERE call_id = ? ORDER BY tag_code, timestamp_sec, signal_code`, callID)
	if err != nil {
		return nil, fmt.Errorf("list call signals: %w", err)
	}
	defer rows.Close()

	var out []types.CallSignal
	for rows.Next() {
		var sig types.CallSignal
		if err := rows.Scan(&sig.ID, &sig.CallID, &sig.TagCode, &sig.SignalCode, &sig.Score,
			&sig.Confidence, &sig.TimestampSec, &sig.ContextText, &sig.Reasoning); err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// CallScore returns the stored score row for one call.
func (s *Store) CallScore(ctx context.Context, callID string) (types.CallScore, error) {
	var cs types.CallScore
	var dimJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT call_id, dimensions_json, overall FROM call_scores WHERE call_id = ?`, callID,
	).Scan(&cs.CallID, &dimJSON, &cs.Overall)
	if err != nil {
		return types.CallScore{}, err
	}
	if err := json.Unmarshal([]byte(dimJSON), &cs.Dimensions); err != nil {
		return types.CallScore{}, fmt.Errorf("decode dimensions: %w", err)
	}
	return cs, nil
}

// CallScores returns every stored score row ordered by call id.
func (s *Store) CallScores(ctx context.Context) ([]types.CallScore, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT call_id, dimensions_json, overall FROM call_scores ORDER BY call_id`)
	if err != nil {
		return nil, fmt.Errorf("list call scores: %w", err)
	}
	defer rows.Close()

	var out []types.CallScore
	for rows.Next() {
		var cs types.CallScore
		var dimJSON string
		if err := rows.Scan(&cs.CallID, &dimJSON, &cs.Overall); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(dimJSON), &cs.Dimensions); err != nil {
			return nil, fmt.Errorf("decode dimensions: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// ScoreConfig returns the active configuration, falling back to equal default
// weights when none has been saved yet.
func (s *Store) ScoreConfig(ctx context.Context) (types.ScoreConfig, error) {
	var weightsJSON string
	var cfg types.ScoreConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT weights_json, method, formula FROM score_config WHERE id = 1`,
	).Scan(&weightsJSON, &cfg.AggregationMethod, &cfg.CustomFormula)
	if err == sql.ErrNoRows {
		return DefaultScoreConfig(), nil
	}
	if err != nil {
		return types.ScoreConfig{}, fmt.Errorf("load score config: %w", err)
	}
	if err := json.Unmarshal([]byte(weightsJSON), &cfg.Weights); err != nil {
		return types.ScoreConfig{}, fmt.Errorf("decode weights: %w", err)
	}
	return cfg, nil
}

// SaveScoreConfig replaces the single active configuration. Only explicit
// updates go through here, never the pipeline itself.
func (s *Store) SaveScoreConfig(ctx context.Context, cfg types.ScoreConfig) error {
	weightsJSON, err := json.Marshal(cfg.Weights)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO score_config (id, weights_json, method, formula) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET weights_json=excluded.weights_json,
			method=excluded.method, formula=excluded.formula`,
		string(weightsJSON), cfg.AggregationMethod, cfg.CustomFormula)
	if err != nil {
		return fmt.Errorf("save score config: %w", err)
	}
	return nil
}

// ScoringRules returns all active rules ordered by tag code.
func (s *Store) ScoringRules(ctx context.Context) ([]types.ScoringRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag_code, dimension, adjustment, weight_multiplier FROM scoring_rules ORDER BY tag_code`)
	if err != nil {
		return nil, fmt.Errorf("list scoring rules: %w", err)
	}
	defer rows.Close()

	var out []types.ScoringRule
	for rows.Next() {
		var r types.ScoringRule
		if err := rows.Scan(&r.TagCode, &r.Dimension, &r.Adjustment, &r.WeightMultiplier); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveScoringRule upserts one rule keyed by tag code.
func (s *Store) SaveScoringRule(ctx context.Context, r types.ScoringRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scoring_rules (tag_code, dimension, adjustment, weight_multiplier)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tag_code) DO UPDATE SET dimension=excluded.dimension,
			adjustment=excluded.adjustment, weight_multiplier=excluded.weight_multiplier`,
		r.TagCode, r.Dimension, r.Adjustment, r.WeightMultiplier)
	if err != nil {
		return fmt.Errorf("save scoring rule: %w", err)
	}
	return nil
}

// DefaultScoreConfig weights the three standard dimensions at 40/30/30.
func DefaultScoreConfig() types.ScoreConfig {
	return types.ScoreConfig{
		Weights: map[string]float64{
			"process":       40,
			"skills":        30,
			"communication": 30,
		},
		AggregationMethod: "weighted_average",
	}
}
