// Package config loads engine settings and properties files.
//
// Engine settings are a YAML file discovered with first-match semantics.
// Properties files carry parameter values keyed by entity name, and class
// defaults applied when an entity is created.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "instruflow.yaml"
	homeConfigName    = "config.yaml"
	homeConfigDir     = ".instruflow"
)

// Settings is the shape of instruflow.yaml.
type Settings struct {
	Workers    int              `yaml:"workers,omitempty"`
	Watchdog   WatchdogSettings `yaml:"watchdog,omitempty"`
	Log        LogSettings      `yaml:"log,omitempty"`
	Events     EventSettings    `yaml:"events,omitempty"`
	Properties []string         `yaml:"properties,omitempty"`

	// path is the file the settings were read from.
	path string
}

// WatchdogSettings configures the task watchdog.
type WatchdogSettings struct {
	Enabled *bool    `yaml:"enabled,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// LogSettings configures the engine log.
type LogSettings struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// EventSettings configures task event persistence.
type EventSettings struct {
	SQLiteDSN string `yaml:"sqlite_dsn,omitempty"`
}

// Duration is a time.Duration read from strings such as "15s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the settings used when no file is found.
func Default() Settings {
	enabled := true
	return Settings{
		Workers:  8,
		Watchdog: WatchdogSettings{Enabled: &enabled, Timeout: Duration(15 * time.Second)},
		Log:      LogSettings{Level: "info", Format: "text"},
	}
}

// WatchdogEnabled reports whether the watchdog is on. It defaults to true.
func (s Settings) WatchdogEnabled() bool {
	return s.Watchdog.Enabled == nil || *s.Watchdog.Enabled
}

// WatchdogTimeout returns the watchdog timeout, defaulting to 15s.
func (s Settings) WatchdogTimeout() time.Duration {
	if s.Watchdog.Timeout <= 0 {
		return 15 * time.Second
	}
	return time.Duration(s.Watchdog.Timeout)
}

// Path returns the file the settings were read from, or "".
func (s Settings) Path() string { return s.path }

// PropertiesPaths returns the properties files, relative ones resolved
// against the settings file directory.
func (s Settings) PropertiesPaths() []string {
	out := make([]string, 0, len(s.Properties))
	for _, p := range s.Properties {
		out = append(out, resolveRelative(filepath.Dir(s.path), os.ExpandEnv(p)))
	}
	return out
}

// DiscoverPath resolves the settings location with first-match semantics.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		if homeDir != "" {
			candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
		}
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// An explicit path must exist.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load discovers and reads the settings. Missing fields keep the values of
// Default; no file at all yields Default.
func Load(explicitPath string) (Settings, error) {
	path, found, err := DiscoverPath(explicitPath)
	if err != nil {
		return Settings{}, err
	}
	if !found {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads the settings at path over Default.
func LoadFile(path string) (Settings, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	s := Default()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if s.Workers < 0 {
		return Settings{}, fmt.Errorf("config %q: workers must not be negative", path)
	}
	s.path = path
	return s, nil
}

func resolveRelative(baseDir, p string) string {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) || baseDir == "" {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
