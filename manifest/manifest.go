// Package manifest handles tern.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Manifest represents a tern.toml runtime configuration.
type Manifest struct {
	Runtime   Runtime            `toml:"runtime"`
	Limits    Limits             `toml:"limits"`
	Snapshots SnapshotConfig     `toml:"snapshots"`
	Contexts  map[string]Sandbox `toml:"contexts"`

	// Dir is the directory containing the tern.toml file (set at load time).
	Dir string `toml:"-"`
}

// Runtime contains worker-pool and collector tuning.
type Runtime struct {
	Workers             int    `toml:"workers"`
	GCThresholdBytes    uint64 `toml:"gc-threshold-bytes"`
	MaintenanceInterval string `toml:"maintenance-interval"`
}

// Limits are the default resource ceilings applied to contexts that do not
// override them.
type Limits struct {
	MaxHeapBytes uint64 `toml:"max-heap-bytes"`
	MaxTasks     uint64 `toml:"max-tasks"`
	MaxSteps     uint64 `toml:"max-steps"`
}

// Sandbox describes a named context profile: its resource ceilings and the
// capability names it is granted.
type Sandbox struct {
	MaxHeapBytes uint64   `toml:"max-heap-bytes"`
	MaxTasks     uint64   `toml:"max-tasks"`
	MaxSteps     uint64   `toml:"max-steps"`
	Capabilities []string `toml:"capabilities"`
}

// SnapshotConfig configures snapshot persistence.
type SnapshotConfig struct {
	Store string `toml:"store"`
}

// Load parses a tern.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "tern.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a tern.toml file, then loads
// and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "tern.toml")
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

// MaintenanceInterval parses the configured sweep interval. Zero when
// unset.
func (m *Manifest) MaintenanceInterval() (time.Duration, error) {
	if m.Runtime.MaintenanceInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(m.Runtime.MaintenanceInterval)
	if err != nil {
		return 0, fmt.Errorf("bad maintenance-interval %q: %w", m.Runtime.MaintenanceInterval, err)
	}
	return d, nil
}

// StorePath returns the absolute path of the snapshot store database,
// defaulting to .tern/snapshots.db next to the manifest.
func (m *Manifest) StorePath() string {
	if m.Snapshots.Store != "" {
		if filepath.IsAbs(m.Snapshots.Store) {
			return m.Snapshots.Store
		}
		return filepath.Join(m.Dir, m.Snapshots.Store)
	}
	return filepath.Join(m.Dir, ".tern", "snapshots.db")
}

// Sandbox returns a named context profile, falling back to the global
// limits when the name is absent.
func (m *Manifest) Sandbox(name string) Sandbox {
	if sb, ok := m.Contexts[name]; ok {
		if sb.MaxHeapBytes == 0 {
			sb.MaxHeapBytes = m.Limits.MaxHeapBytes
		}
		if sb.MaxTasks == 0 {
			sb.MaxTasks = m.Limits.MaxTasks
		}
		if sb.MaxSteps == 0 {
			sb.MaxSteps = m.Limits.MaxSteps
		}
		return sb
	}
	return Sandbox{
		MaxHeapBytes: m.Limits.MaxHeapBytes,
		MaxTasks:     m.Limits.MaxTasks,
		MaxSteps:     m.Limits.MaxSteps,
	}
}
