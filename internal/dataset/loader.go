package dataset

import (
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"call-scorecard-go/internal/types"
)

// Load reads raw analysis records from a spreadsheet export, auto-detecting
// columns by header heuristics. Rows without a payload are skipped quietly.
func Load(path string) ([]types.RawAnalysisRecord, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, fmt.Errorf("no data rows")
	}

	header := rows[0]
	callIDIdx := -1
	agentIdx := -1
	payloadIdx := -1
	createdIdx := -1
	for i, h := range header {
		l := strings.ToLower(strings.TrimSpace(h))
		switch {
		case strings.Contains(l, "call") && strings.Contains(l, "id"):
			if callIDIdx == -1 {
				callIDIdx = i
			}
		case strings.Contains(l, "agent"):
			if agentIdx == -1 {
				agentIdx = i
			}
		case strings.Contains(l, "payload") || strings.Contains(l, "analysis") || strings.Contains(l, "signals") || strings.Contains(l, "output"):
			if payloadIdx == -1 {
				payloadIdx = i
			}
		case strings.Contains(l, "created") || strings.Contains(l, "time") || strings.Contains(l, "date"):
			if createdIdx == -1 {
				createdIdx = i
			}
		}
	}
	if payloadIdx == -1 {
		// common export layout puts the payload last
		payloadIdx = len(header) - 1
	}

	var out []types.RawAnalysisRecord
	for i, r := range rows {
		if i == 0 {
			continue
		}
		rec := types.RawAnalysisRecord{CreatedAt: time.Now().UTC()}
		if callIDIdx >= 0 && callIDIdx < len(r) {
			rec.CallID = strings.TrimSpace(r[callIDIdx])
		}
		if agentIdx >= 0 && agentIdx < len(r) {
			rec.AgentID = strings.TrimSpace(r[agentIdx])
		}
		if payloadIdx >= 0 && payloadIdx < len(r) {
			rec.Payload = r[payloadIdx]
		}
		if createdIdx >= 0 && createdIdx < len(r) {
			if ts, err := parseTime(r[createdIdx]); err == nil {
				rec.CreatedAt = ts
			}
		}
		if strings.TrimSpace(rec.Payload) == "" {
			// skip empty rows quietly
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02", "01-02-06 15:04"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time: %q", s)
}
