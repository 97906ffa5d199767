// Package config loads pybnd settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/pybnd/internal/python"
)

const (
	Filename = "config.yaml"

	ProgressAuto   = "auto"
	ProgressAlways = "always"
	ProgressNever  = "never"
)

// Environment variables. Each overrides the matching file setting.
const (
	EnvConfig      = "PYBND_CONFIG"
	EnvTempDir     = "PYBND_TMPDIR"
	EnvPython      = "PYBND_PYTHON"
	EnvEngine      = "PYBND_ENGINE"
	EnvLibPython   = "PYBND_LIBPYTHON"
	EnvKeepScratch = "PYBND_KEEP_SCRATCH"
	EnvProgress    = "PYBND_PROGRESS"
	EnvLogLevel    = "PYBND_LOG_LEVEL"
)

// Config holds settings shared by the builder and the launcher.
type Config struct {
	// Python is the interpreter used by the exec engine.
	Python string `yaml:"python,omitempty"`
	// Engine selects how scripts are compiled and run: python.EngineExec or
	// python.EngineEmbedded.
	Engine string `yaml:"engine,omitempty"`
	// LibPython is the shared library loaded by the embedded engine. Empty
	// means search the usual sonames.
	LibPython string `yaml:"libpython,omitempty"`

	// TempDir is where scratch payload files are written.
	TempDir string `yaml:"tempDir,omitempty"`
	// KeepScratch leaves extracted payloads on disk for inspection.
	KeepScratch bool `yaml:"keepScratch,omitempty"`

	Progress string `yaml:"progress,omitempty"`
	LogLevel string `yaml:"logLevel,omitempty"`
}

// Error reports an unusable configuration.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return "config " + e.Path + ": " + e.Err.Error()
	}
	return "config: " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// defaults returns the configuration used when no file or environment
// overrides are present.
func defaults() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Python == "" {
		c.Python = defaultPython()
	}
	if c.Engine == "" {
		c.Engine = python.EngineExec
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.Progress == "" {
		c.Progress = ProgressAuto
	}
	c.Engine = strings.ToLower(c.Engine)
	c.Progress = strings.ToLower(c.Progress)
	c.LogLevel = strings.ToLower(c.LogLevel)
}

func defaultPython() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

// Validate checks enumerated settings.
func (c Config) Validate() error {
	switch c.Engine {
	case python.EngineExec, python.EngineEmbedded:
	default:
		return fmt.Errorf("unknown engine %q (want %s or %s)", c.Engine, python.EngineExec, python.EngineEmbedded)
	}

	switch c.Progress {
	case ProgressAuto, ProgressAlways, ProgressNever:
	default:
		return fmt.Errorf("unknown progress mode %q", c.Progress)
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level returns the configured log level, or fallback when none is set.
func (c Config) Level(fallback slog.Level) slog.Level {
	if c.LogLevel == "" {
		return fallback
	}
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return fallback
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return level, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// DefaultPath returns the config file location, honoring PYBND_CONFIG.
func DefaultPath() (string, error) {
	if path := env.Str(EnvConfig); path != "" {
		return path, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("get user config dir: %w", err)
	}
	return filepath.Join(dir, "pybnd", Filename), nil
}

// Load reads the config file at DefaultPath, if any, and applies
// environment overrides. A missing file is not an error.
func Load() (Config, error) {
	path, err := DefaultPath()
	if err != nil {
		// Without a config dir there is no file to read; the environment
		// still applies.
		path = ""
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit file path. An empty path skips the file.
func LoadFile(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, &Error{Path: path, Err: err}
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, &Error{Path: path, Err: fmt.Errorf("parse: %w", err)}
			}
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, &Error{Path: path, Err: err}
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Python = env.Str(EnvPython, c.Python)
	c.Engine = env.Str(EnvEngine, c.Engine)
	c.LibPython = env.Str(EnvLibPython, c.LibPython)
	c.TempDir = env.Str(EnvTempDir, c.TempDir)
	c.Progress = env.Str(EnvProgress, c.Progress)
	c.LogLevel = env.Str(EnvLogLevel, c.LogLevel)
	if env.Has(EnvKeepScratch) {
		c.KeepScratch = env.Bool(EnvKeepScratch)
	}
}
