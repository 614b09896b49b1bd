package types

import "time"

// Outcome of a call as reported alongside the raw analysis.
type Outcome string

const (
	OutcomeWon     Outcome = "won"
	OutcomeLost    Outcome = "lost"
	OutcomeUnknown Outcome = "unknown"
)

// Polarity of a tag, fixed at catalog-seed time.
type Polarity string

const (
	PolarityPositive Polarity = "positive"
	PolarityNeutral  Polarity = "neutral"
	PolarityNegative Polarity = "negative"
)

// RawAnalysisRecord is one LLM invocation's output for one call. The payload
// is opaque text, possibly malformed; the pipeline only ever reads it.
type RawAnalysisRecord struct {
	ID        int64     `json:"id"`
	CallID    string    `json:"call_id"`
	AgentID   string    `json:"agent_id"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Call is the unit of analysis, rebuilt from a raw record on every run.
type Call struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Outcome     Outcome   `json:"outcome"`
	StartedAt   time.Time `json:"started_at"`
	DurationSec int       `json:"duration_sec"`
	AudioURL    string    `json:"audio_url,omitempty"`
}

// SignalOccurrence is one raw observation inside a call: a signal fired at
// some offset with its own score, confidence and supporting context.
type SignalOccurrence struct {
	Code         string  `json:"code"`
	Name         string  `json:"name,omitempty"`
	Score        float64 `json:"score"`
	Confidence   float64 `json:"confidence"`
	TimestampSec float64 `json:"timestamp_sec"`
	ContextText  string  `json:"context_text,omitempty"`
	Reasoning    string  `json:"reasoning,omitempty"`
}

// CallSignal is a persisted occurrence, resolved to its target tag.
type CallSignal struct {
	ID           int64   `json:"id,omitempty"`
	CallID       string  `json:"call_id"`
	TagCode      string  `json:"tag_code"`
	SignalCode   string  `json:"signal_code"`
	Score        float64 `json:"score"`
	Confidence   float64 `json:"confidence"`
	TimestampSec float64 `json:"timestamp_sec"`
	ContextText  string  `json:"context_text,omitempty"`
	Reasoning    string  `json:"reasoning,omitempty"`
}

// CallTag is the single combined assessment for a (call, tag) pair. At most
// one CallTag exists per pair; the score always lies within the tag's range.
type CallTag struct {
	CallID             string             `json:"call_id"`
	TagCode            string             `json:"tag_code"`
	Score              float64            `json:"score"`
	Confidence         float64            `json:"confidence"`
	ContextText        string             `json:"context_text,omitempty"`
	Reasoning          string             `json:"reasoning,omitempty"`
	Polarity           Polarity           `json:"polarity"`
	Severity           int                `json:"severity,omitempty"` // service_issue only, 1-3
	IsMandatoryMissing bool               `json:"is_mandatory_missing"`
	Occurrences        []SignalOccurrence `json:"occurrences,omitempty"`
}

// CallScore holds the per-dimension and overall scores for one call,
// each an integer in [0, 100].
type CallScore struct {
	CallID     string         `json:"call_id"`
	Dimensions map[string]int `json:"dimensions"`
	Overall    int            `json:"overall"`
}

// ScoringRule fine-tunes how one tag feeds into a dimension. The adjustment
// applies at scoring time only; the stored CallTag score stays untouched.
type ScoringRule struct {
	TagCode          string  `json:"tag_code"`
	Dimension        string  `json:"dimension"`
	Adjustment       float64 `json:"adjustment"`
	WeightMultiplier float64 `json:"weight_multiplier"` // 0.5-2.0
}

// ScoreConfig is the single active scoring configuration. Weights are
// percentages per dimension; they are re-normalized before use so a config
// summing to 90 or 110 still yields a well-formed overall score.
type ScoreConfig struct {
	Weights           map[string]float64 `json:"weights" yaml:"weights"`
	AggregationMethod string             `json:"aggregation_method" yaml:"aggregation_method"`
	CustomFormula     string             `json:"custom_formula,omitempty" yaml:"custom_formula,omitempty"`
}

// ParseFailure records one raw payload the normalizer could not turn into a
// structured result. Never fatal to a batch.
type ParseFailure struct {
	RecordID  int64     `json:"record_id"`
	CallID    string    `json:"call_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Error     string    `json:"error"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Anomaly flags an internal contradiction in one call's occurrences. A side
// channel for human review; it never blocks or mutates pipeline output.
type Anomaly struct {
	CallID      string             `json:"call_id"`
	TagCode     string             `json:"tag_code"`
	Kind        string             `json:"kind"` // score_divergence | opposed_tags
	Detail      string             `json:"detail"`
	Occurrences []SignalOccurrence `json:"occurrences"`
}
