// Package platform resolves where crc keeps its config, ledger, blobs and live working copies.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// HomeEnv names the variable that pins every crc path under one root.
const HomeEnv = "CRC_HOME"

// Paths holds the per-user locations for crc state.
type Paths struct {
	ConfigPath string
	// DataDir holds durable state: the ledger database and the content store.
	DataDir    string
	DBPath     string
	ContentDir string
	// StateDir holds live, disposable state: working copies and lane scratch space.
	StateDir     string
	WorkspaceDir string
	ScratchDir   string
	// InboxDir is the default drop folder for crc watch.
	InboxDir string
}

// Options selects the app namespace and dev-mode suffix.
type Options struct {
	AppName string
	DevMode bool
}

// Env is the environment a layout is resolved against.
type Env struct {
	GOOS          string
	Getenv        func(string) string
	UserConfigDir string
	Home          string
}

// DefaultPaths returns the paths for the crc app namespace.
func DefaultPaths() (Paths, error) {
	return DefaultPathsWithOptions(Options{AppName: "crc"})
}

// DefaultPathsWithOptions resolves paths against the current process environment.
func DefaultPathsWithOptions(opts Options) (Paths, error) {
	env := Env{GOOS: runtime.GOOS, Getenv: os.Getenv}
	if strings.TrimSpace(os.Getenv(HomeEnv)) == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return Paths{}, fmt.Errorf("user config dir: %w", err)
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, fmt.Errorf("user home dir: %w", err)
		}
		env.UserConfigDir = configDir
		env.Home = home
	}
	return Resolve(appNamespace(opts), env)
}

// appNamespace returns the directory name for opts.
func appNamespace(opts Options) string {
	name := strings.TrimSpace(opts.AppName)
	if name == "" {
		name = "crc"
	}
	if opts.DevMode {
		name += "-dev"
	}
	return name
}

// Resolve lays out paths for app under env.
//
// CRC_HOME puts everything under one directory. Otherwise config follows the platform config
// dir, durable data the platform data dir, and working copies the platform state dir
// (XDG_STATE_HOME on linux).
func Resolve(app string, env Env) (Paths, error) {
	app = strings.TrimSpace(app)
	if app == "" {
		return Paths{}, errors.New("empty app name")
	}
	getenv := env.Getenv
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	if root := strings.TrimSpace(getenv(HomeEnv)); root != "" {
		return layout(app, filepath.Join(root, "config.toml"), root, root), nil
	}
	if env.UserConfigDir == "" || env.Home == "" {
		return Paths{}, errors.New("empty base dirs")
	}

	configBase := env.UserConfigDir
	dataBase := env.UserConfigDir
	stateBase := env.UserConfigDir
	switch env.GOOS {
	case "linux":
		configBase = firstNonEmpty(getenv("XDG_CONFIG_HOME"), configBase)
		dataBase = firstNonEmpty(getenv("XDG_DATA_HOME"), filepath.Join(env.Home, ".local", "share"))
		stateBase = firstNonEmpty(getenv("XDG_STATE_HOME"), filepath.Join(env.Home, ".local", "state"))
	case "windows":
		configBase = firstNonEmpty(getenv("APPDATA"), configBase)
		dataBase = firstNonEmpty(getenv("LOCALAPPDATA"), dataBase)
		stateBase = dataBase
	}
	return layout(app, filepath.Join(configBase, app, "config.toml"), filepath.Join(dataBase, app), filepath.Join(stateBase, app)), nil
}

func layout(app, configPath, dataDir, stateDir string) Paths {
	return Paths{
		ConfigPath:   configPath,
		DataDir:      dataDir,
		DBPath:       filepath.Join(dataDir, app+".db"),
		ContentDir:   filepath.Join(dataDir, "content"),
		StateDir:     stateDir,
		WorkspaceDir: filepath.Join(stateDir, "workspace"),
		ScratchDir:   filepath.Join(stateDir, "scratch"),
		InboxDir:     filepath.Join(dataDir, "inbox"),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
