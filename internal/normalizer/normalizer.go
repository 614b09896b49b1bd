package normalizer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"call-scorecard-go/internal/types"
)

// Result is the strict internal shape produced from one raw payload. All
// alias resolution happens here, once, at the boundary; nothing downstream
// re-checks key variants.
type Result struct {
	Signals []types.SignalOccurrence
	Dropped int // malformed individual entries dropped, not fatal

	// Optional call metadata carried on the payload's top level.
	Outcome     string
	DurationSec int
	AudioURL    string
}

// Normalize turns one raw analysis payload into a Result. Parse problems are
// returned as a structured ParseFailure, never as a panic or a lost record.
func Normalize(rec types.RawAnalysisRecord) (Result, *types.ParseFailure) {
	raw := extractJSON(rec.Payload)
	if raw == "" {
		return Result{}, failure(rec, "no JSON object found in payload")
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return Result{}, failure(rec, fmt.Sprintf("invalid JSON: %v", err))
	}

	list, ok := signalList(obj)
	if !ok {
		return Result{}, failure(rec, "payload has no signals array")
	}

	res := Result{
		Signals:     make([]types.SignalOccurrence, 0, len(list)),
		Outcome:     firstString(obj, "outcome", "call_outcome"),
		DurationSec: int(numberOrZero(obj["duration_sec"])),
		AudioURL:    firstString(obj, "audio_url"),
	}
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			res.Dropped++
			continue
		}
		occ, ok := normalizeEntry(entry)
		if !ok {
			res.Dropped++
			continue
		}
		res.Signals = append(res.Signals, occ)
	}
	return res, nil
}

func failure(rec types.RawAnalysisRecord, msg string) *types.ParseFailure {
	return &types.ParseFailure{
		RecordID:  rec.ID,
		CallID:    rec.CallID,
		AgentID:   rec.AgentID,
		Error:     msg,
		Payload:   rec.Payload,
		Timestamp: time.Now().UTC(),
	}
}

// signalList accepts either top-level key for the signal array.
func signalList(obj map[string]any) ([]any, bool) {
	for _, key := range []string{"signals", "signal_events"} {
		if list, ok := obj[key].([]any); ok {
			return list, true
		}
	}
	return nil, false
}

// normalizeEntry repairs field-name drift on one signal object. An entry
// without any code variant is unusable and gets dropped.
func normalizeEntry(entry map[string]any) (types.SignalOccurrence, bool) {
	occ := types.SignalOccurrence{
		Code:         firstString(entry, "code", "signal_code"),
		Name:         firstString(entry, "name", "signal_name"),
		Score:        numberOrZero(entry["score"]),
		Confidence:   numberOrZero(entry["confidence"]),
		TimestampSec: numberOrZero(entry["timestamp_sec"]),
		ContextText:  firstString(entry, "context_text", "context"),
		Reasoning:    firstString(entry, "reasoning"),
	}
	if occ.Code == "" {
		return types.SignalOccurrence{}, false
	}
	if occ.Confidence < 0 {
		occ.Confidence = 0
	}
	if occ.Confidence > 1 {
		occ.Confidence = 1
	}
	return occ, true
}

func firstString(entry map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := entry[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// numberOrZero coerces missing or non-numeric values to 0 instead of failing
// the whole record.
func numberOrZero(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
	}
	return 0
}

// extractJSON finds the first balanced JSON object in a string and returns it.
// It strips common markdown fences first.
func extractJSON(s string) string {
	if s == "" {
		return ""
	}

	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = stripFences(s)

	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[start : i+1])
			}
		}
	}
	return ""
}

// stripFences removes markdown fence lines while leaving backticks inside
// values untouched.
func stripFences(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
			switch rest {
			case "", "json", "yaml", "text":
				continue
			}
			line = strings.Replace(line, "```", "", 1)
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
