package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	serveradapter "github.com/hylla/crc/internal/adapters/server"
	servercommon "github.com/hylla/crc/internal/adapters/server/common"
	"github.com/hylla/crc/internal/config"
)

// TestMain sets deterministic environment defaults for CLI tests.
func TestMain(m *testing.M) {
	home, err := os.MkdirTemp("", "crc-cli-test-")
	if err != nil {
		fmt.Fprintln(os.Stderr, "create test home:", err)
		os.Exit(1)
	}
	_ = os.Setenv("CRC_HOME", home)
	_ = os.Setenv("CRC_DEV_MODE", "false")
	_ = os.Unsetenv("CRC_CONFIG")
	_ = os.Unsetenv("CRC_DB_PATH")
	code := m.Run()
	_ = os.RemoveAll(home)
	os.Exit(code)
}

// writeTestConfig writes a config that keeps every store under dir.
func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	content := fmt.Sprintf(`
[database]
path = %q

[content]
dir = %q
sync_writes = false
gc_interval = "0s"

[workspace]
dir = %q

[logging]
level = "error"

[serve]
bind = "127.0.0.1:0"
`, filepath.Join(dir, "crc.db"), filepath.Join(dir, "content"), filepath.Join(dir, "workspace"))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

// writeCrateZip writes a small rust crate drop and returns its path and bytes.
func writeCrateZip(t *testing.T, dir string) (string, []byte) {
	t.Helper()
	files := map[string]string{
		"Cargo.toml": "[package]\nname = \"drop\"\nversion = \"0.1.0\"\n",
	}
	for i := range 9 {
		files[fmt.Sprintf("src/mod%d.rs", i)] = fmt.Sprintf("pub fn f%d() -> u32 {\n    %d\n}\n", i, i)
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	mod := time.Now().Add(-time.Hour)
	for name, body := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: mod})
		if err != nil {
			t.Fatalf("CreateHeader() error = %v", err)
		}
		if _, err := io.WriteString(w, body); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	path := filepath.Join(dir, "fork.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path, buf.Bytes()
}

// runJSON runs one command with -o json and decodes stdout into out.
func runJSON(t *testing.T, cfgPath string, out any, args ...string) {
	t.Helper()
	var stdout bytes.Buffer
	full := append([]string{"--config", cfgPath, "-o", "json"}, args...)
	if err := run(context.Background(), full, &stdout, io.Discard); err != nil {
		t.Fatalf("run(%v) error = %v", args, err)
	}
	if out == nil {
		return
	}
	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		t.Fatalf("decode %v output %q: %v", args, stdout.String(), err)
	}
}

// TestRunVersion verifies behavior for the covered scenario.
func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--version"}, &out, io.Discard); err != nil {
		t.Fatalf("run(version) error = %v", err)
	}
	if !strings.Contains(out.String(), version) {
		t.Fatalf("expected version output, got %q", out.String())
	}
}

// TestRunPathsHonorsConfigAndDBFlag verifies behavior for the covered scenario.
func TestRunPathsHonorsConfigAndDBFlag(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	var paths map[string]string
	runJSON(t, cfgPath, &paths, "paths")
	if paths["database"] != filepath.Join(dir, "crc.db") || paths["config"] != cfgPath {
		t.Fatalf("unexpected paths %#v", paths)
	}

	override := filepath.Join(dir, "other.db")
	runJSON(t, cfgPath, &paths, "--db", override, "paths")
	if paths["database"] != override {
		t.Fatalf("expected --db override, got %q", paths["database"])
	}
}

// TestRunInitWritesConfigOnce verifies init writes a loadable config and refuses to clobber it.
func TestRunInitWritesConfigOnce(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "etc", "config.toml")

	var written map[string]string
	runJSON(t, cfgPath, &written, "init")
	if written["config"] != cfgPath {
		t.Fatalf("unexpected init output %#v", written)
	}
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "granularity") {
		t.Fatalf("expected merge settings in written config, got %q", data)
	}

	if err := run(context.Background(), []string{"--config", cfgPath, "init"}, io.Discard, io.Discard); err == nil {
		t.Fatal("expected second init to fail without --force")
	}
	runJSON(t, cfgPath, nil, "init", "--force")
}

// TestRunIngestPipelineAndExtract verifies a drop travels from ingest to a verified extract.
func TestRunIngestPipelineAndExtract(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)
	dropPath, data := writeCrateZip(t, dir)

	var ingested servercommon.IngestDropResult
	runJSON(t, cfgPath, &ingested, "ingest", dropPath, "--target", "main")
	if ingested.DropID == "" || ingested.Duplicate {
		t.Fatalf("unexpected ingest result %#v", ingested)
	}

	var report struct {
		Sealed []string `json:"sealed"`
	}
	runJSON(t, cfgPath, &report, "run")
	if len(report.Sealed) != 1 || report.Sealed[0] != ingested.DropID {
		t.Fatalf("unexpected run report %#v", report)
	}

	var drop servercommon.Drop
	runJSON(t, cfgPath, &drop, "get", ingested.DropID)
	if drop.State != "archived" || drop.TargetRef != "main" {
		t.Fatalf("unexpected drop %#v", drop)
	}

	var history []servercommon.CLNode
	runJSON(t, cfgPath, &history, "history", ingested.DropID)
	if len(history) < 2 || history[0].DropID != ingested.DropID {
		t.Fatalf("unexpected history %#v", history)
	}

	var target servercommon.Target
	runJSON(t, cfgPath, &target, "target", "main")
	if target.Ref != "main" || target.Revision == 0 || len(target.Files) != 10 {
		t.Fatalf("unexpected target %#v", target)
	}
	var manifest bytes.Buffer
	if err := run(context.Background(), []string{"--config", cfgPath, "target", "main", "--file", "Cargo.toml"}, &manifest, io.Discard); err != nil {
		t.Fatalf("run(target --file) error = %v", err)
	}
	if !strings.Contains(manifest.String(), `name = "drop"`) {
		t.Fatalf("unexpected manifest content %q", manifest.String())
	}

	outPath := filepath.Join(dir, "extracted.zip")
	runJSON(t, cfgPath, nil, "extract", drop.ContentHash, "--out", outPath)
	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("extracted bytes differ from the ingested drop")
	}

	var again servercommon.IngestDropResult
	runJSON(t, cfgPath, &again, "ingest", dropPath, "--target", "main")
	if !again.Duplicate || again.DropID != ingested.DropID {
		t.Fatalf("expected duplicate of sealed drop, got %#v", again)
	}
}

// TestRunGetMissingDropFails verifies behavior for the covered scenario.
func TestRunGetMissingDropFails(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir())
	err := run(context.Background(), []string{"--config", cfgPath, "get", "missing"}, io.Discard, io.Discard)
	if err == nil {
		t.Fatal("expected not found error")
	}
}

// TestRunRecoverWithNothingStalled verifies recover reports an empty list on a clean ledger.
func TestRunRecoverWithNothingStalled(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir())
	var out struct {
		Failed []string `json:"failed"`
	}
	runJSON(t, cfgPath, &out, "recover")
	if out.Failed == nil || len(out.Failed) != 0 {
		t.Fatalf("unexpected recover output %#v", out)
	}
}

// TestRunServeWiresDependencies verifies serve hands the runner its config and adapters.
func TestRunServeWiresDependencies(t *testing.T) {
	orig := serveCommandRunner
	t.Cleanup(func() { serveCommandRunner = orig })

	var gotCfg serveradapter.Config
	var gotDeps serveradapter.Dependencies
	serveCommandRunner = func(ctx context.Context, cfg serveradapter.Config, deps serveradapter.Dependencies) error {
		gotCfg = cfg
		gotDeps = deps
		return deps.Ready(ctx)
	}

	cfgPath := writeTestConfig(t, t.TempDir())
	args := []string{"--config", cfgPath, "serve", "--bind", "127.0.0.1:9999", "--interval", "0"}
	if err := run(context.Background(), args, io.Discard, io.Discard); err != nil {
		t.Fatalf("run(serve) error = %v", err)
	}
	if gotCfg.HTTPBind != "127.0.0.1:9999" || gotCfg.APIEndpoint != "/api/v1" || gotCfg.MCPEndpoint != "/mcp" {
		t.Fatalf("unexpected serve config %#v", gotCfg)
	}
	if gotDeps.Service == nil || gotDeps.Metrics == nil || gotDeps.Background == nil {
		t.Fatalf("expected service, metrics and background deps, got %#v", gotDeps)
	}
}

// TestRunRejectsBadConfig verifies behavior for the covered scenario.
func TestRunRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(cfgPath, []byte("[merge]\ngranularity = \"word\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := run(context.Background(), []string{"--config", cfgPath, "run"}, io.Discard, io.Discard); err == nil {
		t.Fatal("expected config validation error")
	}
}

// TestWriteOutputYAMLKeepsJSONKeys verifies behavior for the covered scenario.
func TestWriteOutputYAMLKeepsJSONKeys(t *testing.T) {
	var out bytes.Buffer
	err := writeOutput(&out, outputYAML, servercommon.IngestDropResult{DropID: "d1", ContentHash: "true", Duplicate: true})
	if err != nil {
		t.Fatalf("writeOutput() error = %v", err)
	}
	want := "drop_id: d1\ncontent_hash: \"true\"\nduplicate: true\n"
	if out.String() != want {
		t.Fatalf("writeOutput() = %q, want %q", out.String(), want)
	}
	if err := writeOutput(&out, "xml", nil); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

// TestReadResolutionRequest verifies behavior for the covered scenario.
func TestReadResolutionRequest(t *testing.T) {
	doc := `{"merge_id":"m1","resolved_by":"rev","choices":[{"path":"src/lib.rs","drop_id":"d1"}]}`
	req, err := readResolutionRequest("-", strings.NewReader(doc))
	if err != nil {
		t.Fatalf("readResolutionRequest() error = %v", err)
	}
	if req.MergeID != "m1" || len(req.Choices) != 1 || req.Choices[0].DropID != "d1" {
		t.Fatalf("unexpected request %#v", req)
	}
	if _, err := readResolutionRequest("-", strings.NewReader(`{"merge":"m1"}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
}

// TestDevLogFilePath verifies behavior for the covered scenario.
func TestDevLogFilePath(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	got, err := devLogFilePath(dir, "crc/dev", now)
	if err != nil {
		t.Fatalf("devLogFilePath() error = %v", err)
	}
	if want := filepath.Join(dir, "crc-dev-20260221.log"); got != want {
		t.Fatalf("devLogFilePath() = %q, want %q", got, want)
	}
	if sanitizeLogFileStem("  ") != "crc" {
		t.Fatal("expected default stem for blank app name")
	}
}

// TestRuntimeLoggerDevFileUnderStateDir verifies the dev log lands in the state dir and carries With fields.
func TestRuntimeLoggerDevFileUnderStateDir(t *testing.T) {
	state := t.TempDir()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	cfg := config.LoggingConfig{Level: "debug", DevFile: config.DevFileConfig{Enabled: true, Dir: "log"}}
	logger, err := newRuntimeLogger(io.Discard, loggerOptions{appName: "crc", devMode: true, stateDir: state, now: func() time.Time { return now }}, cfg)
	if err != nil {
		t.Fatalf("newRuntimeLogger() error = %v", err)
	}
	want := filepath.Join(state, "log", "crc-20260221.log")
	if logger.DevLogPath() != want {
		t.Fatalf("DevLogPath() = %q, want %q", logger.DevLogPath(), want)
	}
	logger.With("command", "run").Info("pass complete", "sealed", 1)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "command=run") || !strings.Contains(string(data), "sealed=1") {
		t.Fatalf("unexpected dev log %q", data)
	}

	quiet, err := newRuntimeLogger(io.Discard, loggerOptions{appName: "crc", stateDir: state}, cfg)
	if err != nil {
		t.Fatalf("newRuntimeLogger(non-dev) error = %v", err)
	}
	if quiet.DevLogPath() != "" {
		t.Fatalf("expected no dev log outside dev mode, got %q", quiet.DevLogPath())
	}
}
