// Package manifest handles mjvm.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/mjvm/vm"
)

// FileName is the name of the configuration file.
const FileName = "mjvm.toml"

// DefaultDebugListen is the TCP address of the binary debugger protocol.
const DefaultDebugListen = "127.0.0.1:5555"

// Manifest represents an mjvm.toml configuration.
type Manifest struct {
	VM        VMConfig       `toml:"vm"`
	ClassPath ClassPath      `toml:"classpath"`
	GC        GCConfig       `toml:"gc"`
	Debugger  DebuggerConfig `toml:"debugger"`
	Trace     TraceConfig    `toml:"trace"`
	Log       LogConfig      `toml:"log"`
	Debug     DebugConfig    `toml:"debug"`

	// Dir is the directory containing the mjvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// VMConfig sizes the runtime.
type VMConfig struct {
	HeapSize  uint64 `toml:"heap-size"`
	StackSize int    `toml:"stack-size"`
	Main      string `toml:"main"`
}

// ClassPath lists the directories searched for class files.
type ClassPath struct {
	Dirs []string `toml:"dirs"`
}

// GCConfig configures the periodic collector.
type GCConfig struct {
	Interval      time.Duration `toml:"interval"`
	UnloadClasses bool          `toml:"unload-classes"`
}

// DebuggerConfig configures the debugger transports.
type DebuggerConfig struct {
	Listen         string `toml:"listen"`
	HTTP           string `toml:"http"`
	MaxBreakPoints int    `toml:"max-breakpoints"`
	StartStopped   bool   `toml:"start-stopped"`
}

// TraceConfig names the trace database. Empty disables tracing.
type TraceConfig struct {
	DB string `toml:"db"`
}

// LogConfig sets log verbosity.
type LogConfig struct {
	Verbosity int `toml:"verbosity"`
}

// DebugConfig toggles runtime self-checks.
type DebugConfig struct {
	DetectDeadlocks bool          `toml:"detect-deadlocks"`
	DeadlockTimeout time.Duration `toml:"deadlock-timeout"`
}

// Default returns the configuration used when no mjvm.toml exists.
func Default(dir string) *Manifest {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	m := &Manifest{Dir: dir}
	m.applyDefaults()
	return m
}

// Load parses an mjvm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return Parse(dir, data)
}

// Parse decodes configuration text as if read from dir.
func Parse(dir string, data []byte) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", filepath.Join(dir, FileName), err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", filepath.Join(dir, FileName), undecoded[0])
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Join(m.Dir, FileName), err)
	}
	m.applyDefaults()
	return &m, nil
}

// FindAndLoad walks up from startDir to find an mjvm.toml file,
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

func (m *Manifest) validate() error {
	switch {
	case m.VM.StackSize < 0:
		return fmt.Errorf("vm.stack-size must not be negative")
	case m.GC.Interval < 0:
		return fmt.Errorf("gc.interval must not be negative")
	case m.Debugger.MaxBreakPoints < 0:
		return fmt.Errorf("debugger.max-breakpoints must not be negative")
	}
	return nil
}

func (m *Manifest) applyDefaults() {
	if m.VM.HeapSize == 0 {
		m.VM.HeapSize = vm.DefaultHeapSize
	}
	if m.VM.StackSize == 0 {
		m.VM.StackSize = vm.DefaultStackSize
	}
	if len(m.ClassPath.Dirs) == 0 {
		m.ClassPath.Dirs = []string{"."}
	}
	if m.GC.Interval == 0 {
		m.GC.Interval = vm.DefaultGCInterval
	}
	if m.Debugger.Listen == "" {
		m.Debugger.Listen = DefaultDebugListen
	}
	if m.Debugger.MaxBreakPoints == 0 {
		m.Debugger.MaxBreakPoints = vm.DefaultMaxBreakPoints
	}
	if m.Debug.DeadlockTimeout == 0 {
		m.Debug.DeadlockTimeout = 30 * time.Second
	}
}

// ClassPathDirs returns absolute paths for the configured class path.
func (m *Manifest) ClassPathDirs() []string {
	var paths []string
	for _, d := range m.ClassPath.Dirs {
		if filepath.IsAbs(d) {
			paths = append(paths, d)
		} else {
			paths = append(paths, filepath.Join(m.Dir, d))
		}
	}
	return paths
}

// TracePath returns the absolute trace database path, or "" when tracing
// is off.
func (m *Manifest) TracePath() string {
	if m.Trace.DB == "" || filepath.IsAbs(m.Trace.DB) {
		return m.Trace.DB
	}
	return filepath.Join(m.Dir, m.Trace.DB)
}

// RuntimeConfig converts the manifest into a runtime configuration.
func (m *Manifest) RuntimeConfig() vm.Config {
	return vm.Config{
		HeapSize:      m.VM.HeapSize,
		StackSize:     m.VM.StackSize,
		ClassPath:     m.ClassPathDirs(),
		UnloadClasses: m.GC.UnloadClasses,
	}
}

// DebuggerOptions converts the [debugger] table into debugger options.
func (m *Manifest) DebuggerOptions() vm.DebuggerOptions {
	return vm.DebuggerOptions{
		MaxBreakPoints: m.Debugger.MaxBreakPoints,
		StartStopped:   m.Debugger.StartStopped,
	}
}
