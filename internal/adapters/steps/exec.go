// Package steps runs configured shell commands as lane validation steps.
package steps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hylla/crc/internal/app"
	"github.com/hylla/crc/internal/domain"
)

// Defaults for command execution.
const (
	DefaultTimeout   = 10 * time.Minute
	DefaultMaxOutput = 64 << 10
	outputTail       = 2000
)

// Command binds a shell command to one step of a lane. An empty Lane applies to every lane.
type Command struct {
	Lane domain.Lane
	Step domain.StepKind
	Run  string
}

// Config configures a Provider.
type Config struct {
	Commands   []Command
	ScratchDir string
	Timeout    time.Duration
	MaxOutput  int
	Shell      string
}

// Provider builds the ordered step list for each lane.
type Provider struct {
	cfg      Config
	byLane   map[domain.Lane]map[domain.StepKind]string
	wildcard map[domain.StepKind]string
}

// NewProvider validates cfg and returns a provider.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if strings.TrimSpace(cfg.Shell) == "" {
		cfg.Shell = "sh"
	}
	p := &Provider{
		cfg:      cfg,
		byLane:   map[domain.Lane]map[domain.StepKind]string{},
		wildcard: map[domain.StepKind]string{},
	}
	for i, c := range cfg.Commands {
		if !isStep(c.Step) {
			return nil, fmt.Errorf("steps[%d]: unknown step %q", i, c.Step)
		}
		run := strings.TrimSpace(c.Run)
		if run == "" {
			return nil, fmt.Errorf("steps[%d]: command is required", i)
		}
		if c.Lane == "" {
			p.wildcard[c.Step] = run
			continue
		}
		if !c.Lane.Valid() {
			return nil, fmt.Errorf("steps[%d]: %w: %q", i, domain.ErrInvalidLane, c.Lane)
		}
		if p.byLane[c.Lane] == nil {
			p.byLane[c.Lane] = map[domain.StepKind]string{}
		}
		p.byLane[c.Lane][c.Step] = run
	}
	return p, nil
}

// Steps returns build, static, test and scan for lane in order.
// Steps without a command pass with an informational diagnostic.
func (p *Provider) Steps(lane domain.Lane) []app.ValidationStep {
	out := make([]app.ValidationStep, 0, len(domain.PipelineSteps()))
	for _, kind := range domain.PipelineSteps() {
		run, ok := p.byLane[lane][kind]
		if !ok {
			run, ok = p.wildcard[kind]
		}
		if !ok {
			out = append(out, passStep{kind: kind})
			continue
		}
		out = append(out, &ExecStep{kind: kind, run: run, cfg: p.cfg})
	}
	return out
}

func isStep(kind domain.StepKind) bool {
	return slices.Contains(domain.PipelineSteps(), kind)
}

// passStep stands in for a step with no configured command.
type passStep struct {
	kind domain.StepKind
}

func (s passStep) Kind() domain.StepKind { return s.kind }

func (s passStep) Run(context.Context, app.StepInput) (app.StepResult, error) {
	return app.StepResult{
		Passed: true,
		Diagnostics: []domain.Diagnostic{{
			Severity: domain.SeverityInfo,
			Message:  "no command configured; step passed",
		}},
	}, nil
}

// ExecStep runs a shell command against a scratch extraction of the drop.
type ExecStep struct {
	kind domain.StepKind
	run  string
	cfg  Config
}

// Kind returns the step kind.
func (s *ExecStep) Kind() domain.StepKind {
	return s.kind
}

// Run extracts the drop files read-only into a scratch dir and runs the command there.
// A non-zero exit or a timeout is a failed verdict; failing to start the command is an error.
func (s *ExecStep) Run(ctx context.Context, in app.StepInput) (app.StepResult, error) {
	if s.cfg.ScratchDir != "" {
		if err := os.MkdirAll(s.cfg.ScratchDir, 0o700); err != nil {
			return app.StepResult{}, fmt.Errorf("create scratch root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(s.cfg.ScratchDir, "crc-"+string(s.kind)+"-")
	if err != nil {
		return app.StepResult{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(dir)
	}()
	if err := extract(dir, in.Files); err != nil {
		return app.StepResult{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, s.cfg.Shell, "-c", s.run)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(),
		"CRC_DROP_ID="+in.Drop.ID,
		"CRC_LANE="+string(in.Lane),
		"CRC_STEP="+string(s.kind),
		"CRC_TARGET_REF="+in.Drop.Source.TargetRef,
	)
	var buf bytes.Buffer
	out := &limitedWriter{w: &buf, limit: s.cfg.MaxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	err = cmd.Run()
	output := tail(buf.String(), outputTail)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return app.StepResult{Diagnostics: []domain.Diagnostic{{
			Severity: domain.SeverityError,
			Message:  fmt.Sprintf("command timed out after %s", s.cfg.Timeout),
		}}}, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return app.StepResult{}, fmt.Errorf("run %s command: %w", s.kind, err)
		}
		msg := fmt.Sprintf("command exited with status %d", exitErr.ExitCode())
		if output != "" {
			msg += ": " + output
		}
		return app.StepResult{Diagnostics: []domain.Diagnostic{{Severity: domain.SeverityError, Message: msg}}}, nil
	}
	res := app.StepResult{Passed: true}
	if output != "" {
		res.Diagnostics = []domain.Diagnostic{{Severity: domain.SeverityInfo, Message: output}}
	}
	return res, nil
}

// extract writes files under dir with read-only permissions.
func extract(dir string, files []domain.SourceFile) error {
	for _, f := range files {
		rel, err := domain.CleanPath(f.Path)
		if err != nil {
			return fmt.Errorf("extract %q: %w", f.Path, err)
		}
		dst := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("extract %s: %w", rel, err)
		}
		if err := os.WriteFile(dst, f.Content, 0o444); err != nil {
			return fmt.Errorf("extract %s: %w", rel, err)
		}
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// limitedWriter keeps the first limit bytes and drops the rest.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return n, nil
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	w, err := lw.w.Write(p)
	lw.written += w
	if err != nil {
		return w, err
	}
	return n, nil
}
