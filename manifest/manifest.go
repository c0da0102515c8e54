// Package manifest handles yx.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a yx.toml project configuration.
type Manifest struct {
	Project Project           `toml:"project"`
	Build   Build             `toml:"build"`
	VM      VMConfig          `toml:"vm"`
	Profile ProfileConfig     `toml:"profile"`
	Natives map[string]string `toml:"natives"`

	// Dir is the directory containing the yx.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Build configures compilation output.
type Build struct {
	Entry  string `toml:"entry"`
	Output string `toml:"output"`
	Cache  string `toml:"cache"`
}

// VMConfig tunes the interpreter.
type VMConfig struct {
	MaxCallDepth int `toml:"max-call-depth"`
}

// ProfileConfig configures the execution profile sink.
type ProfileConfig struct {
	Enabled bool   `toml:"enabled"`
	Output  string `toml:"output"`
}

// Load parses a yx.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "yx.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes manifest bytes and applies defaults.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Build.Entry == "" {
		m.Build.Entry = "main"
	}
	if m.Build.Output == "" {
		m.Build.Output = m.Project.Name + ".yxbc"
	}
	if m.VM.MaxCallDepth < 0 {
		return nil, fmt.Errorf("vm.max-call-depth must not be negative")
	}
	if m.Profile.Enabled && m.Profile.Output == "" {
		m.Profile.Output = "profile.duckdb"
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a yx.toml file, then loads
// and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "yx.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// OutputPath returns the absolute path of the compiled module image.
func (m *Manifest) OutputPath() string {
	return filepath.Join(m.Dir, m.Build.Output)
}

// CachePath returns the absolute path of the module cache database, or
// empty when caching is off.
func (m *Manifest) CachePath() string {
	if m.Build.Cache == "" {
		return ""
	}
	return filepath.Join(m.Dir, m.Build.Cache)
}

// ProfilePath returns the absolute path of the profile sink, or empty
// when profiling is off.
func (m *Manifest) ProfilePath() string {
	if !m.Profile.Enabled {
		return ""
	}
	return filepath.Join(m.Dir, m.Profile.Output)
}
