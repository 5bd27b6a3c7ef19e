package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"

	"github.com/hylla/crc/internal/config"
)

// defaultLogDir is the dev log directory, relative to the state dir.
const defaultLogDir = "log"

// loggerOptions carries the process facts the logger needs besides [logging].
type loggerOptions struct {
	appName  string
	devMode  bool
	stateDir string
	now      func() time.Time
}

// runtimeLogger writes every event to the console and, in dev mode, to a daily logfmt file.
type runtimeLogger struct {
	sinks   []*charmLog.Logger
	file    *os.File
	devPath string
}

func newRuntimeLogger(stderr io.Writer, opts loggerOptions, cfg config.LoggingConfig) (*runtimeLogger, error) {
	levelName := strings.TrimSpace(cfg.Level)
	if levelName == "" {
		levelName = "info"
	}
	level, err := charmLog.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("parse logging level %q: %w", cfg.Level, err)
	}
	if stderr == nil {
		stderr = io.Discard
	}

	l := &runtimeLogger{
		sinks: []*charmLog.Logger{newSink(stderr, opts.appName, level, charmLog.TextFormatter)},
	}
	if !opts.devMode || !cfg.DevFile.Enabled {
		return l, nil
	}

	now := opts.now
	if now == nil {
		now = time.Now
	}
	path, err := devLogFilePath(resolveLogDir(cfg.DevFile.Dir, opts.stateDir), opts.appName, now().UTC())
	if err != nil {
		return nil, fmt.Errorf("resolve dev log file path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dev log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dev log file: %w", err)
	}
	l.sinks = append(l.sinks, newSink(f, opts.appName, level, charmLog.LogfmtFormatter))
	l.file = f
	l.devPath = path
	return l, nil
}

func newSink(w io.Writer, prefix string, level charmLog.Level, formatter charmLog.Formatter) *charmLog.Logger {
	return charmLog.NewWithOptions(w, charmLog.Options{
		Level:           level,
		Prefix:          prefix,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	})
}

// With returns a logger that adds keyvals to every event. Closing it is a no-op.
func (l *runtimeLogger) With(keyvals ...any) *runtimeLogger {
	if l == nil {
		return nil
	}
	derived := &runtimeLogger{devPath: l.devPath, sinks: make([]*charmLog.Logger, 0, len(l.sinks))}
	for _, sink := range l.sinks {
		derived.sinks = append(derived.sinks, sink.With(keyvals...))
	}
	return derived
}

// DevLogPath returns the dev log file, or "" when file logging is off.
func (l *runtimeLogger) DevLogPath() string {
	if l == nil {
		return ""
	}
	return l.devPath
}

// Close closes the dev log file if this logger opened one.
func (l *runtimeLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *runtimeLogger) Debug(msg any, keyvals ...any) { l.emit(charmLog.DebugLevel, msg, keyvals) }
func (l *runtimeLogger) Info(msg any, keyvals ...any)  { l.emit(charmLog.InfoLevel, msg, keyvals) }
func (l *runtimeLogger) Warn(msg any, keyvals ...any)  { l.emit(charmLog.WarnLevel, msg, keyvals) }
func (l *runtimeLogger) Error(msg any, keyvals ...any) { l.emit(charmLog.ErrorLevel, msg, keyvals) }

func (l *runtimeLogger) emit(level charmLog.Level, msg any, keyvals []any) {
	if l == nil {
		return
	}
	for _, sink := range l.sinks {
		sink.Log(level, msg, keyvals...)
	}
}

// resolveLogDir places a relative [logging.dev_file] dir under the state dir.
func resolveLogDir(dir, stateDir string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = defaultLogDir
	}
	if filepath.IsAbs(dir) || strings.TrimSpace(stateDir) == "" {
		return dir
	}
	return filepath.Join(stateDir, dir)
}

// devLogFilePath returns <dir>/<app>-<yyyymmdd>.log as an absolute path.
func devLogFilePath(dir, appName string, now time.Time) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(abs, fmt.Sprintf("%s-%s.log", sanitizeLogFileStem(appName), now.Format("20060102"))), nil
}

// sanitizeLogFileStem turns an app name into a file name segment.
func sanitizeLogFileStem(appName string) string {
	stem := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '-'
		}
		return r
	}, strings.TrimSpace(appName))
	if stem = strings.Trim(stem, "-"); stem == "" {
		return "crc"
	}
	return stem
}
