package steps

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hylla/crc/internal/app"
	"github.com/hylla/crc/internal/domain"
)

func stepInput() app.StepInput {
	return app.StepInput{
		Drop: domain.Drop{ID: "d1", Source: domain.SourceDescriptor{TargetRef: "main"}},
		Lane: domain.LaneFeature,
		Files: []domain.SourceFile{
			{Path: "src/lib.rs", Content: []byte("pub fn f() {}\n")},
			{Path: "Cargo.toml", Content: []byte("[package]\nname = \"x\"\n")},
		},
	}
}

func stepKinds(steps []app.ValidationStep) []domain.StepKind {
	out := []domain.StepKind{}
	for _, s := range steps {
		out = append(out, s.Kind())
	}
	return out
}

func TestProviderOrdersStepsAndPrefersLaneCommands(t *testing.T) {
	p, err := NewProvider(Config{
		ScratchDir: t.TempDir(),
		Commands: []Command{
			{Step: domain.StepBuild, Run: "true"},
			{Lane: domain.LaneBugfix, Step: domain.StepBuild, Run: "false"},
		},
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	feature := p.Steps(domain.LaneFeature)
	if got := stepKinds(feature); len(got) != 4 || got[0] != domain.StepBuild || got[3] != domain.StepScan {
		t.Fatalf("unexpected step order %v", got)
	}
	if _, ok := feature[0].(*ExecStep); !ok {
		t.Fatalf("expected exec build step, got %T", feature[0])
	}
	if _, ok := feature[1].(passStep); !ok {
		t.Fatalf("expected placeholder static step, got %T", feature[1])
	}

	ctx := context.Background()
	res, err := feature[0].Run(ctx, stepInput())
	if err != nil || !res.Passed {
		t.Fatalf("wildcard build = %#v, %v", res, err)
	}
	res, err = p.Steps(domain.LaneBugfix)[0].Run(ctx, stepInput())
	if err != nil || res.Passed {
		t.Fatalf("bugfix build = %#v, %v", res, err)
	}
	res, err = feature[2].Run(ctx, stepInput())
	if err != nil || !res.Passed || len(res.Diagnostics) != 1 || res.Diagnostics[0].Severity != domain.SeverityInfo {
		t.Fatalf("placeholder step = %#v, %v", res, err)
	}
}

func TestExecStepSeesExtractedFiles(t *testing.T) {
	p, err := NewProvider(Config{
		ScratchDir: t.TempDir(),
		Commands: []Command{
			{Step: domain.StepTest, Run: `test -f src/lib.rs && test -f Cargo.toml && echo "$CRC_DROP_ID/$CRC_LANE/$CRC_STEP"`},
		},
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	res, err := p.Steps(domain.LaneFeature)[2].Run(context.Background(), stepInput())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Passed || len(res.Diagnostics) != 1 || res.Diagnostics[0].Message != "d1/feature/test" {
		t.Fatalf("unexpected result %#v", res)
	}
}

func TestExecStepReportsExitStatusAndOutput(t *testing.T) {
	p, err := NewProvider(Config{
		ScratchDir: t.TempDir(),
		Commands:   []Command{{Step: domain.StepScan, Run: "echo found secret >&2; exit 3"}},
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	res, err := p.Steps(domain.LaneExperimental)[3].Run(context.Background(), stepInput())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Passed || len(res.Diagnostics) != 1 {
		t.Fatalf("unexpected result %#v", res)
	}
	msg := res.Diagnostics[0].Message
	if !strings.Contains(msg, "status 3") || !strings.Contains(msg, "found secret") {
		t.Fatalf("unexpected diagnostic %q", msg)
	}
}

func TestExecStepTimeoutIsFailedVerdict(t *testing.T) {
	p, err := NewProvider(Config{
		ScratchDir: t.TempDir(),
		Timeout:    50 * time.Millisecond,
		Commands:   []Command{{Step: domain.StepBuild, Run: "sleep 5"}},
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	res, err := p.Steps(domain.LaneFeature)[0].Run(context.Background(), stepInput())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Passed || !strings.Contains(res.Diagnostics[0].Message, "timed out") {
		t.Fatalf("unexpected result %#v", res)
	}
}

func TestExecStepMissingShellIsError(t *testing.T) {
	p, err := NewProvider(Config{
		ScratchDir: t.TempDir(),
		Shell:      "/nonexistent/shell",
		Commands:   []Command{{Step: domain.StepBuild, Run: "true"}},
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if _, err := p.Steps(domain.LaneFeature)[0].Run(context.Background(), stepInput()); err == nil {
		t.Fatal("expected error when the shell cannot start")
	}
}

func TestNewProviderRejectsBadCommands(t *testing.T) {
	cases := []Command{
		{Step: "deploy", Run: "true"},
		{Step: domain.StepBuild, Run: "  "},
		{Lane: "hotfix", Step: domain.StepBuild, Run: "true"},
	}
	for _, c := range cases {
		if _, err := NewProvider(Config{Commands: []Command{c}}); err == nil {
			t.Fatalf("NewProvider(%#v) expected error", c)
		}
	}
}

func TestLimitedWriterTruncates(t *testing.T) {
	var sb strings.Builder
	lw := &limitedWriter{w: &sb, limit: 4}
	n, err := lw.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	_, _ = lw.Write([]byte("gh"))
	if sb.String() != "abcd" {
		t.Fatalf("kept %q, want abcd", sb.String())
	}
}
