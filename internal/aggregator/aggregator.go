package aggregator

import (
	"math"
	"sort"

	"call-scorecard-go/internal/catalog"
	"call-scorecard-go/internal/types"
)

// Output is the full derived state for one call: the combined per-tag
// assessments, the resolved occurrences kept as provenance, and the signal
// codes that had no catalog entry.
type Output struct {
	Tags            []types.CallTag
	Signals         []types.CallSignal
	MissingTagCodes []string
}

// Aggregate groups one call's normalized occurrences by target tag and
// collapses each group into a single assessment. Unknown signal codes are
// excluded from scoring and reported; mandatory tags with no occurrence get
// a penalty row so a call is never silently excluded from scoring.
func Aggregate(callID string, occs []types.SignalOccurrence, cat *catalog.Catalog) Output {
	groups := map[string][]types.SignalOccurrence{}
	missing := map[string]struct{}{}
	var out Output

	for _, occ := range occs {
		tag, ok := cat.TagForSignal(occ.Code)
		if !ok {
			missing[occ.Code] = struct{}{}
			continue
		}
		groups[tag.Code] = append(groups[tag.Code], occ)
		out.Signals = append(out.Signals, types.CallSignal{
			CallID:       callID,
			TagCode:      tag.Code,
			SignalCode:   occ.Code,
			Score:        occ.Score,
			Confidence:   occ.Confidence,
			TimestampSec: occ.TimestampSec,
			ContextText:  occ.ContextText,
			Reasoning:    occ.Reasoning,
		})
	}

	for _, tag := range cat.Tags() {
		group := groups[tag.Code]
		if len(group) == 0 {
			if !tag.Mandatory {
				continue // absence is absence, not a zero
			}
			out.Tags = append(out.Tags, types.CallTag{
				CallID:             callID,
				TagCode:            tag.Code,
				Score:              tag.ScoreMin,
				Polarity:           tag.Polarity,
				IsMandatoryMissing: true,
			})
			continue
		}

		sort.Slice(group, func(i, j int) bool { return better(group[i], group[j]) })
		rep := group[0]

		ct := types.CallTag{
			CallID:      callID,
			TagCode:     tag.Code,
			Score:       clamp(rep.Score, tag.ScoreMin, tag.ScoreMax),
			Confidence:  rep.Confidence,
			ContextText: rep.ContextText,
			Reasoning:   rep.Reasoning,
			Polarity:    tag.Polarity,
			Occurrences: group,
		}
		if tag.Category == catalog.CategoryServiceIssue {
			ct.Severity = severity(ct.Score, tag)
		}
		out.Tags = append(out.Tags, ct)
	}

	for code := range missing {
		out.MissingTagCodes = append(out.MissingTagCodes, code)
	}
	sort.Strings(out.MissingTagCodes)
	sort.Slice(out.Tags, func(i, j int) bool { return out.Tags[i].TagCode < out.Tags[j].TagCode })
	sort.Slice(out.Signals, func(i, j int) bool {
		a, b := out.Signals[i], out.Signals[j]
		if a.TagCode != b.TagCode {
			return a.TagCode < b.TagCode
		}
		if a.TimestampSec != b.TimestampSec {
			return a.TimestampSec < b.TimestampSec
		}
		return a.SignalCode < b.SignalCode
	})
	return out
}

// better is the representative-selection order: highest confidence wins, then
// highest score, then earliest timestamp. The remaining fields make the order
// total so the pick is stable under any input ordering.
func better(a, b types.SignalOccurrence) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.TimestampSec != b.TimestampSec {
		return a.TimestampSec < b.TimestampSec
	}
	if a.Code != b.Code {
		return a.Code < b.Code
	}
	return a.ContextText < b.ContextText
}

// severity maps a service-issue score onto the 1-3 severity scale.
func severity(score float64, tag catalog.TagDef) int {
	frac := (score - tag.ScoreMin) / tag.Range()
	sev := 1 + int(math.Round(frac*2))
	if sev < 1 {
		sev = 1
	}
	if sev > 3 {
		sev = 3
	}
	return sev
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
