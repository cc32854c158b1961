// Package manifest handles ellie.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/ellie-lang/ellie/vm"
)

// FileName is the manifest file looked up in a project directory.
const FileName = "ellie.toml"

// Manifest represents an ellie.toml project configuration.
type Manifest struct {
	Project Project       `toml:"project"`
	Program Program       `toml:"program"`
	VM      VMConfig      `toml:"vm"`
	Natives Natives       `toml:"natives"`
	Log     LogConfig     `toml:"log"`
	Inspect InspectConfig `toml:"inspect"`

	// Dir is the directory containing the ellie.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Program locates the program to run.
type Program struct {
	Source   string `toml:"source"`    // YAML source, assembled by `ellie pack`
	Image    string `toml:"image"`     // CBOR image
	StackLen int    `toml:"stack-len"` // main thread's frame window
}

// VMConfig overrides vm.DefaultConfig. Zero values keep the default.
type VMConfig struct {
	Width           int   `toml:"width"`
	StackCapacity   int   `toml:"stack-capacity"`
	ProgramCapacity int   `toml:"program-capacity"`
	MaxFrames       int   `toml:"max-frames"`
	Concurrent      *bool `toml:"concurrent"`
}

// Natives selects the native modules registered at startup.
type Natives struct {
	Modules []string `toml:"modules"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// InspectConfig configures the inspection server and dump sink.
type InspectConfig struct {
	Addr   string `toml:"addr"`
	DumpDB string `toml:"dump-db"`
}

// Default returns the manifest used when no ellie.toml is found.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Program.Image == "" {
		name := m.Project.Name
		if name == "" {
			name = "program"
		}
		m.Program.Image = name + ".eib"
	}
	if m.Program.StackLen == 0 {
		m.Program.StackLen = 16
	}
	if m.Natives.Modules == nil {
		m.Natives.Modules = []string{"std"}
	}
	if m.Inspect.Addr == "" {
		m.Inspect.Addr = "127.0.0.1:7474"
	}
}

// Load parses an ellie.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
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
	m.applyDefaults()

	if _, err := m.VMConfigValue(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find an ellie.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// VMConfigValue merges the [vm] section over vm.DefaultConfig and validates
// the result.
func (m *Manifest) VMConfigValue() (vm.Config, error) {
	cfg := vm.DefaultConfig()
	if m.VM.Width != 0 {
		cfg.Width = vm.Width(m.VM.Width)
	}
	if m.VM.StackCapacity != 0 {
		cfg.StackCapacity = m.VM.StackCapacity
	}
	if m.VM.ProgramCapacity != 0 {
		cfg.ProgramCapacity = m.VM.ProgramCapacity
	}
	if m.VM.MaxFrames != 0 {
		cfg.MaxFrames = m.VM.MaxFrames
	}
	if m.VM.Concurrent != nil {
		cfg.Concurrent = *m.VM.Concurrent
	}
	if err := cfg.Validate(); err != nil {
		return vm.Config{}, err
	}
	return cfg, nil
}

// Path resolves p against the manifest directory. Empty and absolute paths
// are returned unchanged.
func (m *Manifest) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// SourcePath returns the absolute path of the YAML program source.
func (m *Manifest) SourcePath() string { return m.Path(m.Program.Source) }

// ImagePath returns the absolute path of the program image.
func (m *Manifest) ImagePath() string { return m.Path(m.Program.Image) }

// DumpDBPath returns the absolute path of the SQLite dump database.
func (m *Manifest) DumpDBPath() string { return m.Path(m.Inspect.DumpDB) }

// LogFilePath returns the absolute path of the log file, or "" for stderr.
func (m *Manifest) LogFilePath() string { return m.Path(m.Log.File) }
