// Package report writes the batch output artifacts: timestamped JSON files
// for parse failures and anomalies, plus a scorecard workbook. All artifacts
// are for offline human review.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"call-scorecard-go/internal/logger"
	"call-scorecard-go/internal/pipeline"
	"call-scorecard-go/internal/types"
)

type Writer struct {
	dir string
	log *logger.Logger
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir, log: logger.New()}
}

// WriteBatch writes the parse-failures and anomalies reports for one run.
// Empty reports are skipped. Returns the paths written.
func (w *Writer) WriteBatch(summary pipeline.Summary) ([]string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	stamp := summary.StartedAt.Format("20060102T150405Z")
	short := summary.RunID
	if len(short) > 8 {
		short = short[:8]
	}

	var paths []string
	if len(summary.ParseFailures) > 0 {
		p := filepath.Join(w.dir, fmt.Sprintf("parse_failures_%s_%s.json", stamp, short))
		if err := writeJSON(p, summary.ParseFailures); err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	if len(summary.Anomalies) > 0 {
		p := filepath.Join(w.dir, fmt.Sprintf("anomalies_%s_%s.json", stamp, short))
		if err := writeJSON(p, summary.Anomalies); err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	w.log.WithField("component", "report").
		WithField("paths", paths).Info("batch reports written")
	return paths, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// WriteScorecard writes one workbook with a Scores sheet (per-call dimension
// and overall scores) and a Summary sheet with the batch counts.
func (w *Writer) WriteScorecard(summary pipeline.Summary, scores []types.CallScore) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	stamp := summary.StartedAt.Format("20060102T150405Z")
	path := filepath.Join(w.dir, fmt.Sprintf("scorecard_%s.xlsx", stamp))

	f := excelize.NewFile()
	defer f.Close()

	const scoresSheet = "Scores"
	f.SetSheetName(f.GetSheetName(0), scoresSheet)

	dims := dimensionColumns(scores)
	header := append([]string{"call_id"}, dims...)
	header = append(header, "overall")
	for col, name := range header {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(scoresSheet, cell, name)
	}
	for row, cs := range scores {
		values := []any{cs.CallID}
		for _, d := range dims {
			if v, ok := cs.Dimensions[d]; ok {
				values = append(values, v)
			} else {
				values = append(values, "")
			}
		}
		values = append(values, cs.Overall)
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			f.SetCellValue(scoresSheet, cell, v)
		}
	}

	const summarySheet = "Summary"
	f.NewSheet(summarySheet)
	counts := [][2]any{
		{"run_id", summary.RunID},
		{"started_at", summary.StartedAt.Format(time.RFC3339)},
		{"processed", summary.Processed},
		{"succeeded", summary.Succeeded},
		{"failed", summary.Failed},
		{"anomalous", summary.Anomalous},
		{"skipped_duplicates", summary.SkippedDuplicates},
		{"dropped_entries", summary.DroppedEntries},
	}
	for row, kv := range counts {
		keyCell, _ := excelize.CoordinatesToCellName(1, row+1)
		valCell, _ := excelize.CoordinatesToCellName(2, row+1)
		f.SetCellValue(summarySheet, keyCell, kv[0])
		f.SetCellValue(summarySheet, valCell, kv[1])
	}

	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save scorecard: %w", err)
	}
	return path, nil
}

func dimensionColumns(scores []types.CallScore) []string {
	seen := map[string]struct{}{}
	for _, cs := range scores {
		for d := range cs.Dimensions {
			seen[d] = struct{}{}
		}
	}
	dims := make([]string, 0, len(seen))
	for d := range seen {
		dims = append(dims, d)
	}
	sort.Strings(dims)
	return dims
}
