package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/mjvm/vm"
)

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[vm]
heap-size = 1048576
stack-size = 512
main = "app/Main"

[classpath]
dirs = ["classes", "/opt/lib"]

[gc]
interval = "5s"
unload-classes = true

[debugger]
listen = "127.0.0.1:6000"
http = "127.0.0.1:8080"
max-breakpoints = 4
start-stopped = true

[trace]
db = "trace.db"

[log]
verbosity = 2

[debug]
detect-deadlocks = true
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.VM.HeapSize != 1<<20 || m.VM.StackSize != 512 {
		t.Errorf("vm = %+v", m.VM)
	}
	if m.VM.Main != "app/Main" {
		t.Errorf("main = %q, want app/Main", m.VM.Main)
	}
	if m.GC.Interval != 5*time.Second || !m.GC.UnloadClasses {
		t.Errorf("gc = %+v", m.GC)
	}
	if m.Debugger.Listen != "127.0.0.1:6000" || m.Debugger.HTTP != "127.0.0.1:8080" {
		t.Errorf("debugger addresses = %+v", m.Debugger)
	}
	if m.Log.Verbosity != 2 || !m.Debug.DetectDeadlocks {
		t.Errorf("log/debug = %+v %+v", m.Log, m.Debug)
	}
	if m.Debug.DeadlockTimeout != 30*time.Second {
		t.Errorf("deadlock timeout default = %v", m.Debug.DeadlockTimeout)
	}

	dirs := m.ClassPathDirs()
	if len(dirs) != 2 || dirs[0] != filepath.Join(m.Dir, "classes") || dirs[1] != "/opt/lib" {
		t.Errorf("ClassPathDirs = %v", dirs)
	}
	if got := m.TracePath(); got != filepath.Join(m.Dir, "trace.db") {
		t.Errorf("TracePath = %q", got)
	}

	cfg := m.RuntimeConfig()
	if cfg.HeapSize != 1<<20 || cfg.StackSize != 512 || !cfg.UnloadClasses || len(cfg.ClassPath) != 2 {
		t.Errorf("RuntimeConfig = %+v", cfg)
	}
	opts := m.DebuggerOptions()
	if opts.MaxBreakPoints != 4 || !opts.StartStopped {
		t.Errorf("DebuggerOptions = %+v", opts)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("[vm]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"heap-size", m.VM.HeapSize, uint64(vm.DefaultHeapSize)},
		{"stack-size", m.VM.StackSize, vm.DefaultStackSize},
		{"gc interval", m.GC.Interval, vm.DefaultGCInterval},
		{"listen", m.Debugger.Listen, DefaultDebugListen},
		{"max-breakpoints", m.Debugger.MaxBreakPoints, vm.DefaultMaxBreakPoints},
		{"trace", m.TracePath(), ""},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if dirs := m.ClassPathDirs(); len(dirs) != 1 || dirs[0] != m.Dir {
		t.Errorf("default class path = %v, want [%s]", dirs, m.Dir)
	}

	d := Default(dir)
	if d.VM.HeapSize != m.VM.HeapSize || d.Dir != m.Dir {
		t.Errorf("Default(%q) = %+v", dir, d)
	}
}

func TestLoadManifestErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"syntax", "[vm\n", "parse error"},
		{"unknown key", "[vm]\nheap = 1\n", "unknown key vm.heap"},
		{"bad duration", "[gc]\ninterval = \"soon\"\n", "parse error"},
		{"negative stack", "[vm]\nstack-size = -1\n", "stack-size"},
		{"negative breakpoints", "[debugger]\nmax-breakpoints = -2\n", "max-breakpoints"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(t.TempDir(), []byte(tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}

	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load without mjvm.toml should fail")
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("[vm]\nstack-size = 64\n"), 0644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("manifest not found from nested directory")
	}
	if m.VM.StackSize != 64 {
		t.Errorf("stack-size = %d, want 64", m.VM.StackSize)
	}
	abs, _ := filepath.Abs(root)
	if m.Dir != abs {
		t.Errorf("Dir = %q, want %q", m.Dir, abs)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	m, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil manifest, got %+v", m)
	}
}
