package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hylla/crc/internal/app"
	"github.com/hylla/crc/internal/domain"
	"github.com/hylla/crc/internal/platform"
	toml "github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration written as a Go duration string ("30s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	Content    ContentConfig    `toml:"content"`
	Workspace  WorkspaceConfig  `toml:"workspace"`
	Logging    LoggingConfig    `toml:"logging"`
	Confidence ConfidenceConfig `toml:"confidence"`
	Lanes      LanesConfig      `toml:"lanes"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Merge      MergeConfig      `toml:"merge"`
	Watch      WatchConfig      `toml:"watch"`
	Serve      ServeConfig      `toml:"serve"`
	Tracing    TracingConfig    `toml:"tracing"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type ContentConfig struct {
	Dir              string   `toml:"dir"`
	SyncWrites       bool     `toml:"sync_writes"`
	GCInterval       Duration `toml:"gc_interval"`
	MaxUnpackedBytes int64    `toml:"max_unpacked_bytes"`
}

type WorkspaceConfig struct {
	Dir string `toml:"dir"`
}

type LoggingConfig struct {
	Level   string        `toml:"level"`
	DevFile DevFileConfig `toml:"dev_file"`
}

type DevFileConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type ConfidenceConfig struct {
	AutoApprove        float64       `toml:"auto_approve"`
	RejectFloor        float64       `toml:"reject_floor"`
	SupportedLanguages []string      `toml:"supported_languages"`
	Weights            WeightsConfig `toml:"weights"`
}

type WeightsConfig struct {
	Manifest float64 `toml:"manifest"`
	Language float64 `toml:"language"`
	Recency  float64 `toml:"recency"`
	Density  float64 `toml:"density"`
	NonEmpty float64 `toml:"non_empty"`
}

type LanesConfig struct {
	ScratchDir  string       `toml:"scratch_dir"`
	StepTimeout Duration     `toml:"step_timeout"`
	Steps       []StepConfig `toml:"steps"`
}

// StepConfig binds a shell command to a lane step. An empty lane applies to all lanes.
type StepConfig struct {
	Lane    string `toml:"lane"`
	Step    string `toml:"step"`
	Command string `toml:"command"`
}

type SchedulerConfig struct {
	Workers int `toml:"workers"`
}

type MergeConfig struct {
	Granularity string   `toml:"granularity"`
	DocPatterns []string `toml:"doc_patterns"`
}

type WatchConfig struct {
	Dir               string   `toml:"dir"`
	Settle            Duration `toml:"settle"`
	TargetRef         string   `toml:"target_ref"`
	Intent            string   `toml:"intent"`
	RemoveAfterIngest bool     `toml:"remove_after_ingest"`
}

type ServeConfig struct {
	Bind        string `toml:"bind"`
	APIEndpoint string `toml:"api_endpoint"`
	MCPEndpoint string `toml:"mcp_endpoint"`
}

type TracingConfig struct {
	Exporter string `toml:"exporter"`
	File     string `toml:"file"`
}

// Default returns the configuration used when no file overrides it.
func Default(paths platform.Paths) Config {
	policy := app.DefaultWeightedPolicy()
	thresholds := app.DefaultThresholds()
	return Config{
		Database:  DatabaseConfig{Path: paths.DBPath},
		Content: ContentConfig{
			Dir:              paths.ContentDir,
			SyncWrites:       true,
			GCInterval:       Duration{5 * time.Minute},
			MaxUnpackedBytes: app.DefaultMaxUnpackedBytes,
		},
		Workspace: WorkspaceConfig{Dir: paths.WorkspaceDir},
		Logging: LoggingConfig{
			Level: "info",
			DevFile: DevFileConfig{
				Enabled: true,
				Dir:     "log",
			},
		},
		Confidence: ConfidenceConfig{
			AutoApprove:        thresholds.AutoApprove,
			RejectFloor:        thresholds.RejectFloor,
			SupportedLanguages: slices.Clone(policy.SupportedLanguages),
			Weights: WeightsConfig{
				Manifest: policy.Weights.Manifest,
				Language: policy.Weights.Language,
				Recency:  policy.Weights.Recency,
				Density:  policy.Weights.Density,
				NonEmpty: policy.Weights.NonEmpty,
			},
		},
		Lanes: LanesConfig{
			ScratchDir:  paths.ScratchDir,
			StepTimeout: Duration{10 * time.Minute},
		},
		Scheduler: SchedulerConfig{Workers: app.DefaultWorkers},
		Merge: MergeConfig{
			Granularity: string(domain.GranularityLine),
			DocPatterns: slices.Clone(domain.DefaultDocPatterns),
		},
		Watch: WatchConfig{
			Dir:               paths.InboxDir,
			Settle:            Duration{2 * time.Second},
			RemoveAfterIngest: true,
		},
		Serve: ServeConfig{
			Bind:        "127.0.0.1:5437",
			APIEndpoint: "/api/v1",
			MCPEndpoint: "/mcp",
		},
		Tracing: TracingConfig{Exporter: "none"},
	}
}

// Load reads path over defaults. A missing or empty file yields defaults.
func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database path is required")
	}
	if strings.TrimSpace(c.Content.Dir) == "" {
		return errors.New("content dir is required")
	}
	if c.Content.MaxUnpackedBytes < 0 {
		return errors.New("content.max_unpacked_bytes must be >= 0")
	}
	if strings.TrimSpace(c.Workspace.Dir) == "" {
		return errors.New("workspace dir is required")
	}
	switch strings.TrimSpace(strings.ToLower(c.Logging.Level)) {
	case "", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}

	if err := c.Thresholds().Validate(); err != nil {
		return fmt.Errorf("invalid confidence thresholds: %w", err)
	}
	w := c.Confidence.Weights
	for name, v := range map[string]float64{"manifest": w.Manifest, "language": w.Language, "recency": w.Recency, "density": w.Density, "non_empty": w.NonEmpty} {
		if v < 0 {
			return fmt.Errorf("confidence.weights.%s must be >= 0", name)
		}
	}
	if w.Manifest+w.Language+w.Recency+w.Density+w.NonEmpty <= 0 {
		return errors.New("confidence.weights must not all be zero")
	}

	if c.Lanes.StepTimeout.Duration < 0 {
		return errors.New("lanes.step_timeout must be >= 0")
	}
	for i, step := range c.Lanes.Steps {
		if lane := strings.TrimSpace(step.Lane); lane != "" {
			if _, ok := domain.ParseLane(lane); !ok {
				return fmt.Errorf("lanes.steps[%d].lane references unknown lane %q", i, lane)
			}
		}
		if !slices.Contains(domain.PipelineSteps(), domain.StepKind(strings.TrimSpace(strings.ToLower(step.Step)))) {
			return fmt.Errorf("lanes.steps[%d].step references unknown step %q", i, step.Step)
		}
		if strings.TrimSpace(step.Command) == "" {
			return fmt.Errorf("lanes.steps[%d].command is required", i)
		}
	}

	if c.Scheduler.Workers < 0 {
		return errors.New("scheduler.workers must be >= 0")
	}
	if _, err := domain.ParseGranularity(c.Merge.Granularity); err != nil {
		return fmt.Errorf("invalid merge.granularity: %q", c.Merge.Granularity)
	}
	if c.Watch.Settle.Duration < 0 {
		return errors.New("watch.settle must be >= 0")
	}

	if strings.TrimSpace(c.Serve.Bind) == "" {
		return errors.New("serve.bind is required")
	}
	for name, ep := range map[string]string{"api_endpoint": c.Serve.APIEndpoint, "mcp_endpoint": c.Serve.MCPEndpoint} {
		if !strings.HasPrefix(strings.TrimSpace(ep), "/") {
			return fmt.Errorf("serve.%s must start with /: %q", name, ep)
		}
	}
	switch strings.TrimSpace(strings.ToLower(c.Tracing.Exporter)) {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("invalid tracing.exporter: %q", c.Tracing.Exporter)
	}
	return nil
}

// Thresholds returns the analyzer thresholds.
func (c Config) Thresholds() app.Thresholds {
	return app.Thresholds{AutoApprove: c.Confidence.AutoApprove, RejectFloor: c.Confidence.RejectFloor}
}

// ScoringPolicy returns the weighted policy with configured weights and languages.
func (c Config) ScoringPolicy() app.WeightedPolicy {
	policy := app.DefaultWeightedPolicy()
	w := c.Confidence.Weights
	policy.Weights = app.Weights{Manifest: w.Manifest, Language: w.Language, Recency: w.Recency, Density: w.Density, NonEmpty: w.NonEmpty}
	if len(c.Confidence.SupportedLanguages) > 0 {
		langs := make([]string, 0, len(c.Confidence.SupportedLanguages))
		for _, l := range c.Confidence.SupportedLanguages {
			if l = strings.TrimSpace(strings.ToLower(l)); l != "" {
				langs = append(langs, l)
			}
		}
		policy.SupportedLanguages = langs
	}
	return policy
}

// Granularity returns the parsed merge granularity.
func (c Config) Granularity() domain.Granularity {
	g, err := domain.ParseGranularity(c.Merge.Granularity)
	if err != nil {
		return domain.GranularityLine
	}
	return g
}

// Write encodes cfg as TOML at path, creating the parent directory.
// An existing file is left alone unless overwrite is set.
func Write(path string, cfg Config, overwrite bool) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("config path is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	content, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("write config: %w", err)
	}
	return f.Close()
}

// EnsureConfigDir creates the directory that holds path.
func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
