package app

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/mod/modfile"
	"gopkg.in/yaml.v3"

	"github.com/hylla/crc/internal/domain"
)

// maxPayloadFileSize bounds a single unpacked file.
const maxPayloadFileSize = 64 << 20

// DefaultMaxUnpackedBytes bounds the total unpacked size of one drop when the config leaves it unset.
const DefaultMaxUnpackedBytes = 512 << 20

// dropManifestNames are read for declared intent and target.
var dropManifestNames = []string{"crc.yaml", ".crc.yaml", "crc.yml", ".crc.yml"}

var languageByExt = map[string]string{
	".go":    "go",
	".rs":    "rust",
	".py":    "python",
	".js":    "javascript",
	".mjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".kt":    "kotlin",
	".c":     "c",
	".h":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".rb":    "ruby",
	".sh":    "shell",
	".swift": "swift",
	".cs":    "csharp",
}

// PayloadFeatures is what inspection learns about a drop's bytes.
type PayloadFeatures struct {
	FileCount   int
	ByteSize    int64
	Languages   map[string]int64
	Primary     string
	Manifests   []domain.Manifest
	ModifiedAt  time.Time
	Intent      string
	TargetRef   string
	Diagnostics []domain.Diagnostic
}

// Describe fills the detected fields of src. Caller-declared intent and target win over the drop manifest.
func (f PayloadFeatures) Describe(src domain.SourceDescriptor, now time.Time) domain.SourceDescriptor {
	src.FileCount = f.FileCount
	src.ByteSize = f.ByteSize
	src.Languages = f.Languages
	src.Manifests = f.Manifests
	if strings.TrimSpace(src.PrimaryLanguage) == "" {
		src.PrimaryLanguage = f.Primary
	}
	if src.SourceModifiedAt.IsZero() {
		src.SourceModifiedAt = f.ModifiedAt
	}
	if strings.TrimSpace(src.Intent) == "" {
		src.Intent = f.Intent
	}
	if strings.TrimSpace(src.TargetRef) == "" {
		src.TargetRef = f.TargetRef
	}
	if src.CapturedAt.IsZero() {
		src.CapturedAt = now
	}
	return src.Normalize()
}

// InspectPayload extracts the static features the analyzer scores. It never fails:
// unreadable or oversized payloads yield zero files plus a diagnostic.
func InspectPayload(name string, data []byte, maxUnpacked int64) PayloadFeatures {
	out := PayloadFeatures{Languages: map[string]int64{}}
	files, err := UnpackPayload(name, data, maxUnpacked)
	if err != nil {
		out.Diagnostics = append(out.Diagnostics, domain.Diagnostic{
			Stage:    "inspect",
			Severity: domain.SeverityError,
			Message:  err.Error(),
		})
		return out
	}
	for _, f := range files {
		out.FileCount++
		out.ByteSize += int64(len(f.Content))
		if f.Modified.After(out.ModifiedAt) {
			out.ModifiedAt = f.Modified.UTC()
		}
		if lang, ok := languageByExt[strings.ToLower(path.Ext(f.Path))]; ok {
			out.Languages[lang] += int64(len(f.Content))
		}
		if m, ok := inspectManifest(f); ok {
			out.Manifests = append(out.Manifests, m)
		}
		if path.Dir(f.Path) == "." && slices.Contains(dropManifestNames, path.Base(f.Path)) {
			if diag, ok := out.readDropManifest(f.Content); !ok {
				out.Diagnostics = append(out.Diagnostics, diag)
			}
		}
	}
	out.Primary = primaryLanguage(out.Languages)
	return out
}

func (f *PayloadFeatures) readDropManifest(content []byte) (domain.Diagnostic, bool) {
	var manifest struct {
		Intent    string `yaml:"intent"`
		TargetRef string `yaml:"target_ref"`
	}
	if err := yaml.Unmarshal(content, &manifest); err != nil {
		return domain.Diagnostic{
			Stage:    "inspect",
			Severity: domain.SeverityWarning,
			Message:  fmt.Sprintf("ignore drop manifest: %v", err),
		}, false
	}
	f.Intent = strings.TrimSpace(manifest.Intent)
	f.TargetRef = strings.TrimSpace(manifest.TargetRef)
	return domain.Diagnostic{}, true
}

func primaryLanguage(langs map[string]int64) string {
	best := ""
	var bestSize int64
	for lang, size := range langs {
		if size > bestSize || (size == bestSize && lang < best) {
			best, bestSize = lang, size
		}
	}
	return best
}

// inspectManifest recognizes build manifests and checks that they parse.
func inspectManifest(f domain.SourceFile) (domain.Manifest, bool) {
	var (
		kind string
		err  error
	)
	switch path.Base(f.Path) {
	case "go.mod":
		kind = "go"
		_, err = modfile.Parse(f.Path, f.Content, nil)
	case "Cargo.toml":
		kind = "cargo"
		err = requireTOMLName(f.Content, "package")
	case "pyproject.toml":
		kind = "pyproject"
		err = requireTOMLName(f.Content, "project")
	case "package.json":
		kind = "npm"
		var pkg struct {
			Name string `json:"name"`
		}
		if err = json.Unmarshal(f.Content, &pkg); err == nil && strings.TrimSpace(pkg.Name) == "" {
			err = fmt.Errorf("package.json: missing name")
		}
	default:
		return domain.Manifest{}, false
	}
	m := domain.Manifest{Path: f.Path, Kind: kind, Valid: err == nil}
	if err != nil {
		m.Error = err.Error()
	}
	return m, true
}

func requireTOMLName(content []byte, table string) error {
	var doc map[string]any
	if err := toml.Unmarshal(content, &doc); err != nil {
		return err
	}
	section, ok := doc[table].(map[string]any)
	if !ok {
		if tool, isMap := doc["tool"].(map[string]any); isMap {
			section, ok = tool["poetry"].(map[string]any)
		}
	}
	if !ok {
		return fmt.Errorf("missing [%s] table", table)
	}
	name, _ := section["name"].(string)
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("missing %s.name", table)
	}
	return nil
}

// UnpackPayload reads a drop as a zip archive, or as a single file named after the source.
// Each file is capped at 64 MiB and all files together at maxUnpacked bytes; a
// non-positive maxUnpacked means DefaultMaxUnpackedBytes.
func UnpackPayload(name string, data []byte, maxUnpacked int64) ([]domain.SourceFile, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if maxUnpacked <= 0 {
		maxUnpacked = DefaultMaxUnpackedBytes
	}
	if !bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		if int64(len(data)) > maxUnpacked {
			return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(data), maxUnpacked)
		}
		base := filepath.Base(strings.TrimSpace(name))
		if base == "." || base == string(filepath.Separator) || base == "" {
			base = "payload"
		}
		p, err := domain.CleanPath(base)
		if err != nil {
			return nil, err
		}
		return []domain.SourceFile{{Path: p, Content: data}}, nil
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip payload: %w", err)
	}
	files := make([]domain.SourceFile, 0, len(zr.File))
	seen := map[string]struct{}{}
	var total int64
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		p, err := domain.CleanPath(zf.Name)
		if err != nil {
			return nil, fmt.Errorf("zip entry %q: %w", zf.Name, err)
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("zip entry %q: duplicate path", zf.Name)
		}
		seen[p] = struct{}{}
		if zf.UncompressedSize64 > maxPayloadFileSize {
			return nil, fmt.Errorf("%w: zip entry %q exceeds %d bytes", ErrPayloadTooLarge, zf.Name, maxPayloadFileSize)
		}
		remaining := maxUnpacked - total
		if int64(zf.UncompressedSize64) > remaining {
			return nil, fmt.Errorf("%w: unpacked size exceeds %d bytes at zip entry %q", ErrPayloadTooLarge, maxUnpacked, zf.Name)
		}
		// Headers can understate sizes, so the read itself is bounded too.
		content, err := readZipEntry(zf, min(remaining, maxPayloadFileSize))
		if err != nil {
			return nil, err
		}
		total += int64(len(content))
		files = append(files, domain.SourceFile{Path: p, Content: content, Modified: zf.Modified})
	}
	slices.SortFunc(files, func(a, b domain.SourceFile) int { return strings.Compare(a.Path, b.Path) })
	return files, nil
}

// readZipEntry inflates zf, failing once it yields more than limit bytes.
func readZipEntry(zf *zip.File, limit int64) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, fmt.Errorf("open zip entry %q: %w", zf.Name, err)
	}
	defer rc.Close()
	content, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read zip entry %q: %w", zf.Name, err)
	}
	if int64(len(content)) > limit {
		return nil, fmt.Errorf("%w: zip entry %q inflates past %d bytes", ErrPayloadTooLarge, zf.Name, limit)
	}
	return content, nil
}
