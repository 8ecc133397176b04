package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "tokenflow.yaml"
	// UserConfigDir is the directory for user-level config, under $HOME.
	UserConfigDir = ".config/tokenflow"
	// UserConfigFile is the name of the user-level config file.
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger  *slog.Logger
	homeDir string
	workDir string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHomeDir overrides the home directory the user config is read from.
func WithHomeDir(dir string) LoaderOption {
	return func(l *Loader) { l.homeDir = dir }
}

// WithWorkDir overrides the directory the project config search starts in.
func WithWorkDir(dir string) LoaderOption {
	return func(l *Loader) { l.workDir = dir }
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	if l.homeDir == "" {
		l.homeDir, _ = os.UserHomeDir()
	}
	if l.workDir == "" {
		l.workDir, _ = os.Getwd()
	}
	return l
}

// Load loads configuration with layered precedence:
//  1. Default config
//  2. User config (~/.config/tokenflow/config.yaml)
//  3. Project config (tokenflow.yaml in the working or a parent directory)
//  4. explicit, when non-empty (the --config flag)
//
// A missing user or project file is skipped; a missing explicit file is an
// error. The result is validated.
func (l *Loader) Load(explicit string) (*Config, error) {
	cfg := DefaultConfig()

	if l.homeDir != "" {
		userPath := filepath.Join(l.homeDir, UserConfigDir, UserConfigFile)
		if err := cfg.apply(userPath); err == nil {
			l.logger.Debug("loaded user config", "path", userPath)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	if projectPath := l.findProjectConfig(); projectPath != "" {
		if err := cfg.apply(projectPath); err != nil {
			return nil, err
		}
		l.logger.Debug("loaded project config", "path", projectPath)
	} else {
		l.logger.Debug("no project config found")
	}

	if explicit != "" {
		if err := cfg.apply(explicit); err != nil {
			return nil, err
		}
		l.logger.Debug("loaded config", "path", explicit)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findProjectConfig searches for tokenflow.yaml in the working directory
// and its parents.
func (l *Loader) findProjectConfig() string {
	if l.workDir == "" {
		return ""
	}
	dir := l.workDir
	for {
		path := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
