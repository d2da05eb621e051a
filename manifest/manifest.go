// Package manifest handles lumen.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/chazu/lumen/vm"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "lumen.toml"

// Manifest represents a lumen.toml file.
type Manifest struct {
	GC    GCConfig    `toml:"gc"`
	Stack StackConfig `toml:"stack"`
	Log   LogConfig   `toml:"log"`
	Run   RunConfig   `toml:"run"`

	// Dir is the directory containing the lumen.toml file (set at load time).
	Dir string `toml:"-"`
}

// GCConfig tunes the collector. Zero values select the runtime defaults.
type GCConfig struct {
	Pause       int   `toml:"pause"`
	StepMul     int   `toml:"step-mul"`
	StepSize    int   `toml:"step-size"`
	MemoryLimit int64 `toml:"memory-limit"`
}

// StackConfig bounds coroutine stacks and call depth.
type StackConfig struct {
	MaxSize        int `toml:"max-size"`
	MaxCalls       int `toml:"max-calls"`
	MaxNativeCalls int `toml:"max-native-calls"`
}

// LogConfig configures the commonlog backend.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// RunConfig names what `lumen run` executes when given no arguments.
type RunConfig struct {
	Entry        string `toml:"entry"`
	Profile      string `toml:"profile"`
	ProfileEvery int    `toml:"profile-every"`
}

// Load parses the lumen.toml file in dir.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a lumen.toml file, then loads
// and returns the manifest. Returns nil if no manifest is found.
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
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) validate() error {
	for _, f := range []struct {
		name string
		v    int64
	}{
		{"gc.pause", int64(m.GC.Pause)},
		{"gc.step-mul", int64(m.GC.StepMul)},
		{"gc.step-size", int64(m.GC.StepSize)},
		{"gc.memory-limit", m.GC.MemoryLimit},
		{"stack.max-size", int64(m.Stack.MaxSize)},
		{"stack.max-calls", int64(m.Stack.MaxCalls)},
		{"stack.max-native-calls", int64(m.Stack.MaxNativeCalls)},
		{"run.profile-every", int64(m.Run.ProfileEvery)},
	} {
		if f.v < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
	}
	return nil
}

// VMConfig converts the manifest to a runtime configuration. Unset fields
// keep the defaults of vm.DefaultConfig.
func (m *Manifest) VMConfig() vm.Config {
	cfg := vm.DefaultConfig()
	if m == nil {
		return cfg
	}
	set := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	set(&cfg.GCPause, m.GC.Pause)
	set(&cfg.GCStepMul, m.GC.StepMul)
	set(&cfg.GCStepSize, m.GC.StepSize)
	if m.GC.MemoryLimit > 0 {
		cfg.MemoryLimit = m.GC.MemoryLimit
	}
	set(&cfg.MaxStackSize, m.Stack.MaxSize)
	set(&cfg.MaxCalls, m.Stack.MaxCalls)
	set(&cfg.MaxNativeCalls, m.Stack.MaxNativeCalls)
	return cfg
}

// Path resolves a manifest-relative path.
func (m *Manifest) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}
