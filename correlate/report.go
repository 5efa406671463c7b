package correlate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Report renders mismatches one per line, or "" when there are none
func Report(mismatches []Mismatch) string {
	if len(mismatches) == 0 {
		return ""
	}

	var sb strings.Builder
	noun := "mismatches"
	if len(mismatches) == 1 {
		noun = "mismatch"
	}
	fmt.Fprintf(&sb, "%d %s:\n", len(mismatches), noun)
	for _, m := range mismatches {
		sb.WriteString("  ")
		sb.WriteString(m.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Diff returns a unified diff of the indented JSON renderings of expected
// and actual, or "" when the renderings are identical
func Diff(expected, actual any) string {
	a, b := pretty(expected), pretty(actual)
	if a == b {
		return ""
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  3,
	})
	if err != nil {
		return fmt.Sprintf("failed to render diff: %v", err)
	}
	return diff
}

func pretty(v any) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%#v\n", v)
	}
	return string(raw) + "\n"
}
