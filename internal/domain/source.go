package domain

import (
	"maps"
	"path"
	"slices"
	"strings"
	"time"
)

// DefaultTargetRef is the integration target used when a source declares none.
const DefaultTargetRef = "main"

// Manifest describes one build manifest found in a drop.
type Manifest struct {
	Path  string `json:"path"`
	Kind  string `json:"kind"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// SourceDescriptor carries origin metadata and the static features the analyzer scores.
type SourceDescriptor struct {
	Location         string           `json:"location"`
	ByteSize         int64            `json:"byte_size"`
	FileCount        int              `json:"file_count"`
	PrimaryLanguage  string           `json:"primary_language"`
	Languages        map[string]int64 `json:"languages,omitempty"`
	Manifests        []Manifest       `json:"manifests,omitempty"`
	Intent           string           `json:"intent,omitempty"`
	TargetRef        string           `json:"target_ref"`
	CapturedAt       time.Time        `json:"captured_at"`
	SourceModifiedAt time.Time        `json:"source_modified_at"`
}

// Normalize trims and canonicalizes descriptor fields.
func (s SourceDescriptor) Normalize() SourceDescriptor {
	s.Location = strings.TrimSpace(s.Location)
	s.PrimaryLanguage = strings.TrimSpace(strings.ToLower(s.PrimaryLanguage))
	s.Intent = strings.TrimSpace(strings.ToLower(s.Intent))
	s.TargetRef = strings.TrimSpace(s.TargetRef)
	if s.TargetRef == "" {
		s.TargetRef = DefaultTargetRef
	}
	if s.ByteSize < 0 {
		s.ByteSize = 0
	}
	if s.FileCount < 0 {
		s.FileCount = 0
	}
	if len(s.Languages) > 0 {
		s.Languages = maps.Clone(s.Languages)
	}
	s.Manifests = slices.Clone(s.Manifests)
	slices.SortFunc(s.Manifests, func(a, b Manifest) int {
		return strings.Compare(a.Path, b.Path)
	})
	if !s.CapturedAt.IsZero() {
		s.CapturedAt = s.CapturedAt.UTC()
	}
	if !s.SourceModifiedAt.IsZero() {
		s.SourceModifiedAt = s.SourceModifiedAt.UTC()
	}
	return s
}

// HasValidManifest reports whether at least one manifest parsed cleanly.
func (s SourceDescriptor) HasValidManifest() bool {
	return slices.ContainsFunc(s.Manifests, func(m Manifest) bool { return m.Valid })
}

// SourceFile is one file carried by a drop payload.
type SourceFile struct {
	Path     string
	Content  []byte
	Modified time.Time
}

// CleanPath normalizes a payload path to a slash-separated relative form.
func CleanPath(raw string) (string, error) {
	p := strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/")
	p = path.Clean(strings.TrimPrefix(p, "/"))
	if p == "." || p == "" || p == ".." || strings.HasPrefix(p, "../") {
		return "", ErrInvalidPath
	}
	return p, nil
}

// DefaultDocPatterns match documentation-like files that merge by content union.
var DefaultDocPatterns = []string{
	"*.md",
	"*.markdown",
	"*.txt",
	"*.rst",
	"*.adoc",
	"docs/",
	"doc/",
	"README",
	"LICENSE",
	"CHANGELOG",
	"AUTHORS",
	"NOTICE",
}

// IsDocumentLike reports whether p matches any doc pattern. Patterns ending in "/" match a directory prefix.
func IsDocumentLike(p string, patterns []string) bool {
	if len(patterns) == 0 {
		patterns = DefaultDocPatterns
	}
	base := path.Base(p)
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if strings.HasSuffix(pattern, "/") {
			if strings.HasPrefix(p, pattern) || strings.Contains(p, "/"+pattern) {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
	}
	return false
}
