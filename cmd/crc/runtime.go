package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	badgerstore "github.com/hylla/crc/internal/adapters/storage/badger"
	"github.com/hylla/crc/internal/adapters/storage/sqlite"
	"github.com/hylla/crc/internal/adapters/steps"
	"github.com/hylla/crc/internal/adapters/workspace"
	"github.com/hylla/crc/internal/app"
	"github.com/hylla/crc/internal/config"
	"github.com/hylla/crc/internal/domain"
	"github.com/hylla/crc/internal/metrics"
	"github.com/hylla/crc/internal/platform"
	"github.com/hylla/crc/internal/telemetry"
)

// globalOptions holds root persistent flags.
type globalOptions struct {
	configPath string
	dbPath     string
	appName    string
	devMode    bool
}

// defaultGlobalOptions seeds flag defaults from the environment.
func defaultGlobalOptions() globalOptions {
	opts := globalOptions{appName: "crc", devMode: version == "dev"}
	if envDev, ok := parseBoolEnv("CRC_DEV_MODE"); ok {
		opts.devMode = envDev
	}
	if envApp := strings.TrimSpace(os.Getenv("CRC_APP_NAME")); envApp != "" {
		opts.appName = envApp
	}
	return opts
}

// resolvedConfig is the loaded configuration plus where it came from.
type resolvedConfig struct {
	paths      platform.Paths
	configPath string
	cfg        config.Config
}

// resolveConfig resolves paths, applies env and flag overrides, and loads TOML.
func resolveConfig(opts globalOptions) (resolvedConfig, error) {
	paths, err := platform.DefaultPathsWithOptions(platform.Options{
		AppName: opts.appName,
		DevMode: opts.devMode,
	})
	if err != nil {
		return resolvedConfig{}, err
	}

	configPath := strings.TrimSpace(opts.configPath)
	if configPath == "" {
		if envPath := strings.TrimSpace(os.Getenv("CRC_CONFIG")); envPath != "" {
			configPath = envPath
		} else {
			configPath = paths.ConfigPath
		}
	}
	dbPath := strings.TrimSpace(opts.dbPath)
	if dbPath == "" {
		dbPath = strings.TrimSpace(os.Getenv("CRC_DB_PATH"))
	}

	cfg, err := config.Load(configPath, config.Default(paths))
	if err != nil {
		return resolvedConfig{}, fmt.Errorf("load config %q: %w", configPath, err)
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return resolvedConfig{paths: paths, configPath: configPath, cfg: cfg}, nil
}

// runtime owns every adapter behind one command invocation.
type runtime struct {
	cfg     config.Config
	logger  *runtimeLogger
	repo    *sqlite.Repository
	store   *badgerstore.Store
	svc     *app.Service
	metrics *metrics.Recorder

	shutdownTracing telemetry.Shutdown
}

// openRuntime wires storage, validation steps, telemetry and the app service.
func openRuntime(ctx context.Context, opts globalOptions, command string, stderr io.Writer) (rt *runtime, err error) {
	resolved, err := resolveConfig(opts)
	if err != nil {
		return nil, err
	}
	cfg := resolved.cfg

	logger, err := newRuntimeLogger(stderr, loggerOptions{
		appName:  opts.appName,
		devMode:  opts.devMode,
		stateDir: resolved.paths.StateDir,
		now:      time.Now,
	}, cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("configure runtime logger: %w", err)
	}
	rt = &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			rt.Close(ctx)
			rt = nil
		}
	}()

	logger.Info("startup configuration resolved", "app", opts.appName, "dev_mode", opts.devMode, "command", command)
	logger.Debug("runtime paths resolved", "config_path", resolved.configPath, "data_dir", resolved.paths.DataDir, "db_path", cfg.Database.Path)
	if devPath := logger.DevLogPath(); devPath != "" {
		logger.Info("dev file logging enabled", "path", devPath)
	}

	traceOut := stderr
	if file := strings.TrimSpace(cfg.Tracing.File); file != "" && cfg.Tracing.Exporter == telemetry.ExporterStdout {
		f, openErr := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if openErr != nil {
			return rt, fmt.Errorf("open trace file: %w", openErr)
		}
		traceOut = f
		closeTraces := f.Close
		defer func() {
			if err != nil {
				_ = closeTraces()
			}
		}()
		rt.shutdownTracing = func(ctx context.Context) error { return closeTraces() }
	}
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    opts.appName,
		ServiceVersion: version,
		Exporter:       cfg.Tracing.Exporter,
		Writer:         traceOut,
	})
	if err != nil {
		return rt, fmt.Errorf("init tracing: %w", err)
	}
	rt.shutdownTracing = chainShutdown(shutdown, rt.shutdownTracing)

	logger.Info("opening sqlite repository", "db_path", cfg.Database.Path)
	rt.repo, err = sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("sqlite open failed", "db_path", cfg.Database.Path, "err", err)
		return rt, fmt.Errorf("open sqlite repository: %w", err)
	}
	logger.Info("sqlite repository ready", "db_path", cfg.Database.Path, "migrations", "ensured")

	storeCfg := badgerstore.DefaultConfig(cfg.Content.Dir)
	storeCfg.SyncWrites = cfg.Content.SyncWrites
	storeCfg.GCInterval = cfg.Content.GCInterval.Duration
	storeCfg.Logger = logger
	rt.store, err = badgerstore.Open(storeCfg)
	if err != nil {
		logger.Error("content store open failed", "dir", cfg.Content.Dir, "err", err)
		return rt, fmt.Errorf("open content store: %w", err)
	}

	ws, err := workspace.Open(cfg.Workspace.Dir)
	if err != nil {
		return rt, fmt.Errorf("open workspace: %w", err)
	}

	provider, err := steps.NewProvider(stepsConfig(cfg))
	if err != nil {
		return rt, fmt.Errorf("configure lane steps: %w", err)
	}

	rt.metrics = metrics.New()
	rt.svc, err = app.NewService(rt.repo, rt.store, ws, uuid.NewString, time.Now, app.ServiceConfig{
		Analyzer:         app.NewAnalyzer(cfg.ScoringPolicy(), cfg.Thresholds()),
		Steps:            provider.Steps,
		Workers:          cfg.Scheduler.Workers,
		Granularity:      cfg.Granularity(),
		DocPatterns:      cfg.Merge.DocPatterns,
		MaxUnpackedBytes: cfg.Content.MaxUnpackedBytes,
		Logger:           logger,
		Metrics:          rt.metrics,
	})
	if err != nil {
		return rt, fmt.Errorf("configure service: %w", err)
	}
	logger.Debug("application service initialized", "workers", cfg.Scheduler.Workers, "granularity", cfg.Granularity(), "configured_steps", len(cfg.Lanes.Steps))
	return rt, nil
}

// Close releases adapters in reverse order of opening.
func (rt *runtime) Close(ctx context.Context) {
	if rt == nil {
		return
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("content store close failed", "err", err)
		}
	}
	if rt.repo != nil {
		if err := rt.repo.Close(); err != nil {
			rt.logger.Warn("sqlite close failed", "db_path", rt.cfg.Database.Path, "err", err)
		}
	}
	if rt.shutdownTracing != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := rt.shutdownTracing(shutdownCtx); err != nil {
			rt.logger.Warn("tracing shutdown failed", "err", err)
		}
		cancel()
	}
	if err := rt.logger.Close(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "warning: close runtime log sink: %v\n", err)
	}
}

// Ready reports whether the database answers.
func (rt *runtime) Ready(ctx context.Context) error {
	if rt == nil || rt.repo == nil {
		return errors.New("runtime not open")
	}
	return rt.repo.Ping(ctx)
}

// stepsConfig maps [lanes] config onto the exec step provider.
func stepsConfig(cfg config.Config) steps.Config {
	out := steps.Config{
		ScratchDir: cfg.Lanes.ScratchDir,
		Timeout:    cfg.Lanes.StepTimeout.Duration,
	}
	for _, s := range cfg.Lanes.Steps {
		lane, _ := domain.ParseLane(s.Lane)
		out.Commands = append(out.Commands, steps.Command{
			Lane: lane,
			Step: domain.StepKind(strings.TrimSpace(strings.ToLower(s.Step))),
			Run:  s.Command,
		})
	}
	return out
}

// chainShutdown runs every non-nil shutdown and joins their errors.
func chainShutdown(fns ...telemetry.Shutdown) telemetry.Shutdown {
	return func(ctx context.Context) error {
		var errs []error
		for _, fn := range fns {
			if fn == nil {
				continue
			}
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// parseBoolEnv parses input into a normalized form.
func parseBoolEnv(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
