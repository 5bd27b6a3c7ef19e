package domain

import (
	"slices"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Granularity selects how touched regions are compared for conflicts.
type Granularity string

// GranularityLine and related constants define supported conflict granularities.
const (
	GranularityLine Granularity = "line"
	GranularityFile Granularity = "file"
)

// ParseGranularity normalizes raw; empty input means line.
func ParseGranularity(raw string) (Granularity, error) {
	switch g := Granularity(strings.TrimSpace(strings.ToLower(raw))); g {
	case "":
		return GranularityLine, nil
	case GranularityLine, GranularityFile:
		return g, nil
	default:
		return "", ErrInvalidGranularity
	}
}

// Hunk replaces base lines [BaseStart, BaseEnd) with Lines. BaseStart == BaseEnd is a pure insertion.
type Hunk struct {
	BaseStart int      `json:"base_start"`
	BaseEnd   int      `json:"base_end"`
	Lines     []string `json:"lines"`
}

// Insertion reports whether h replaces no base lines.
func (h Hunk) Insertion() bool {
	return h.BaseStart == h.BaseEnd
}

// Equal reports whether two hunks make the same edit.
func (h Hunk) Equal(other Hunk) bool {
	return h.BaseStart == other.BaseStart && h.BaseEnd == other.BaseEnd && slices.Equal(h.Lines, other.Lines)
}

// Overlaps reports whether two hunks touch the same base region.
func (h Hunk) Overlaps(other Hunk) bool {
	switch {
	case h.Insertion() && other.Insertion():
		return h.BaseStart == other.BaseStart
	case h.Insertion():
		return other.BaseStart < h.BaseStart && h.BaseStart < other.BaseEnd
	case other.Insertion():
		return h.BaseStart < other.BaseStart && other.BaseStart < h.BaseEnd
	default:
		return h.BaseStart < other.BaseEnd && other.BaseStart < h.BaseEnd
	}
}

// FileChange is the set of touched regions one drop makes to one target path.
type FileChange struct {
	Path        string      `json:"path"`
	Doc         bool        `json:"doc"`
	BaseExists  bool        `json:"base_exists"`
	Base        []byte      `json:"base,omitempty"`
	Hunks       []Hunk      `json:"hunks"`
	ContentHash ContentHash `json:"content_hash"`
}

// Changeset is the validation artifact describing a drop's effect on its target.
type Changeset struct {
	DropID       string       `json:"drop_id"`
	TargetRef    string       `json:"target_ref"`
	BaseRevision int64        `json:"base_revision"`
	Files        []FileChange `json:"files"`
}

// Paths returns the touched paths in sorted order.
func (c Changeset) Paths() []string {
	out := make([]string, 0, len(c.Files))
	for _, f := range c.Files {
		out = append(out, f.Path)
	}
	slices.Sort(out)
	return out
}

// File returns the change for p, if any.
func (c Changeset) File(p string) (FileChange, bool) {
	for _, f := range c.Files {
		if f.Path == p {
			return f, true
		}
	}
	return FileChange{}, false
}

// ComputeFileChange diffs next against base. The bool is false when next leaves base unchanged.
func ComputeFileChange(p string, base []byte, baseExists bool, next []byte, doc bool) (FileChange, bool) {
	if baseExists && string(base) == string(next) {
		return FileChange{}, false
	}
	a := SplitLines(base)
	b := SplitLines(next)
	hunks := []Hunk{}
	for _, op := range difflib.NewMatcher(a, b).GetOpCodes() {
		if op.Tag == 'e' {
			continue
		}
		hunks = append(hunks, Hunk{
			BaseStart: op.I1,
			BaseEnd:   op.I2,
			Lines:     slices.Clone(b[op.J1:op.J2]),
		})
	}
	if baseExists && len(hunks) == 0 {
		return FileChange{}, false
	}
	return FileChange{
		Path:        p,
		Doc:         doc,
		BaseExists:  baseExists,
		Base:        slices.Clone(base),
		Hunks:       hunks,
		ContentHash: HashContent(next),
	}, true
}

// RebaseFileChange replays fc, recorded against an older base, onto the current target content.
// ok is false when the target changed a region fc also edits; the returned change then
// carries the drop's whole version of the file against current.
func RebaseFileChange(fc FileChange, dropID string, current []byte, currentExists bool) (next FileChange, changed, ok bool) {
	full := JoinLines(ApplyHunks(SplitLines(fc.Base), fc.Hunks))
	if currentExists == fc.BaseExists && string(current) == string(fc.Base) {
		return fc, true, true
	}
	moved, targetChanged := ComputeFileChange(fc.Path, fc.Base, fc.BaseExists, current, fc.Doc)
	if !targetChanged {
		next, changed = ComputeFileChange(fc.Path, current, currentExists, full, fc.Doc)
		return next, changed, true
	}
	merged := MergePath(fc.Path, fc.Base, fc.Doc, []PathVersion{
		{DropID: "target", Change: moved},
		{DropID: dropID, Change: fc},
	}, GranularityLine)
	if len(merged.Conflicts) > 0 {
		next, changed = ComputeFileChange(fc.Path, current, currentExists, full, fc.Doc)
		return next, changed, false
	}
	next, changed = ComputeFileChange(fc.Path, current, currentExists, merged.Content, fc.Doc)
	return next, changed, true
}

// ApplyHunks applies non-overlapping hunks to base. Hunks are applied in BaseStart order.
func ApplyHunks(base []string, hunks []Hunk) []string {
	ordered := slices.Clone(hunks)
	slices.SortStableFunc(ordered, compareHunks)
	out := make([]string, 0, len(base))
	cursor := 0
	for _, h := range ordered {
		start := min(max(h.BaseStart, cursor), len(base))
		out = append(out, base[cursor:start]...)
		out = append(out, h.Lines...)
		cursor = max(cursor, min(h.BaseEnd, len(base)))
	}
	if cursor < len(base) {
		out = append(out, base[cursor:]...)
	}
	return out
}

// compareHunks orders by start, placing insertions before replacements at the same line.
func compareHunks(a, b Hunk) int {
	if a.BaseStart != b.BaseStart {
		return a.BaseStart - b.BaseStart
	}
	if a.Insertion() != b.Insertion() {
		if a.Insertion() {
			return -1
		}
		return 1
	}
	return 0
}

// UnionLines merges next into current keeping every line from both, in order.
func UnionLines(current, next []string) []string {
	out := make([]string, 0, len(current)+len(next))
	for _, op := range difflib.NewMatcher(current, next).GetOpCodes() {
		switch op.Tag {
		case 'e', 'd':
			out = append(out, current[op.I1:op.I2]...)
		case 'i':
			out = append(out, next[op.J1:op.J2]...)
		case 'r':
			out = append(out, current[op.I1:op.I2]...)
			out = append(out, next[op.J1:op.J2]...)
		}
	}
	return out
}

// SplitLines splits data into lines that keep their trailing newline.
func SplitLines(data []byte) []string {
	if len(data) == 0 {
		return []string{}
	}
	s := string(data)
	out := []string{}
	for len(s) > 0 {
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:idx+1])
		s = s[idx+1:]
	}
	return out
}

// JoinLines is the inverse of SplitLines.
func JoinLines(lines []string) []byte {
	return []byte(strings.Join(lines, ""))
}

// UnifiedPatch renders a unified diff between two versions of p.
func UnifiedPatch(p, fromLabel, toLabel string, a, b []byte) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        SplitLines(a),
		B:        SplitLines(b),
		FromFile: fromLabel + "/" + p,
		ToFile:   toLabel + "/" + p,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return text
}
