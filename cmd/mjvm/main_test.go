package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/mjvm/manifest"
	"github.com/chazu/mjvm/trace"
	"github.com/chazu/mjvm/vm"
)

// writeClasses writes app/Main and app/Boom under dir.
func writeClasses(t *testing.T, dir string) {
	t.Helper()

	// main stores args.length, so a null argument array throws
	b := vm.NewClassBuilder("app/Main", vm.ClassObject)
	b.Field(vm.AccStatic, "ran", "I")
	ran := b.FieldRef("app/Main", "ran", "I")
	b.Method(vm.AccPublic|vm.AccStatic, "main", "([Ljava/lang/String;)V").
		Op(vm.OpAload0).Op(vm.OpArraylength).U2(vm.OpPutstatic, ran).Op(vm.OpReturn)

	boom := vm.NewClassBuilder("app/Boom", vm.ClassObject)
	boom.Method(vm.AccPublic|vm.AccStatic, "main", "()V").
		Op(vm.OpIconst1).Op(vm.OpIconst0).Op(vm.OpIdiv).Op(vm.OpReturn)

	if err := os.MkdirAll(filepath.Join(dir, "app"), 0o755); err != nil {
		t.Fatal(err)
	}
	for name, data := range map[string][]byte{"Main": b.Bytes(), "Boom": boom.Bytes()} {
		if err := os.WriteFile(filepath.Join(dir, "app", name+".class"), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func testManifest(t *testing.T, main string) *manifest.Manifest {
	t.Helper()
	dir := t.TempDir()
	writeClasses(t, dir)
	m := manifest.Default(dir)
	m.VM.Main = main
	return m
}

// ---------------------------------------------------------------------------
// Flags
// ---------------------------------------------------------------------------

func TestApplyFlags(t *testing.T) {
	tests := []struct {
		name string
		o    options
		args []string
		want string
	}{
		{"positional", options{}, []string{"app/Main"}, "app/Main"},
		{"dotted", options{}, []string{"app.Main"}, "app/Main"},
		{"class file", options{}, []string{"app/Main.class"}, "app/Main"},
		{"flag wins", options{mainClass: "app/Other"}, []string{"app/Main"}, "app/Other"},
		{"manifest", options{}, nil, "app/Configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := manifest.Default(t.TempDir())
			m.VM.Main = "app/Configured"
			if err := applyFlags(m, tt.o, tt.args); err != nil {
				t.Fatal(err)
			}
			if m.VM.Main != tt.want {
				t.Errorf("main = %q, want %q", m.VM.Main, tt.want)
			}
		})
	}
}

func TestApplyFlagsOverrides(t *testing.T) {
	m := manifest.Default(t.TempDir())
	o := options{
		classPath:  "a" + string(os.PathListSeparator) + "b",
		httpAddr:   ":8080",
		stopped:    true,
		tracePath:  "trace.db",
		gcInterval: time.Second,
	}
	if err := applyFlags(m, o, nil); err != nil {
		t.Fatal(err)
	}
	if len(m.ClassPath.Dirs) != 2 || !filepath.IsAbs(m.ClassPath.Dirs[0]) {
		t.Errorf("class path = %v", m.ClassPath.Dirs)
	}
	if m.Debugger.HTTP != ":8080" || !m.Debugger.StartStopped {
		t.Errorf("debugger = %+v", m.Debugger)
	}
	if !filepath.IsAbs(m.TracePath()) || filepath.Base(m.TracePath()) != "trace.db" {
		t.Errorf("trace path = %q", m.TracePath())
	}
	if m.GC.Interval != time.Second {
		t.Errorf("gc interval = %v", m.GC.Interval)
	}
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

func TestDisassemble(t *testing.T) {
	m := testManifest(t, "app/Main")
	var out bytes.Buffer
	if err := disassemble(m, &out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"class app/Main extends java/lang/Object",
		"field app/Main.ran:I",
		"method app/Main.main([Ljava/lang/String;)V",
		"arraylength",
		"putstatic",
		"return",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("disassembly lacks %q:\n%s", want, out.String())
		}
	}

	m.VM.Main = "app/Missing"
	if err := disassemble(m, &out); err == nil {
		t.Error("disassembling a missing class should fail")
	}
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRunRecordsTraceAndSnapshot(t *testing.T) {
	m := testManifest(t, "app/Main")
	m.Trace.DB = filepath.Join(t.TempDir(), "trace.db")
	m.Debugger.Listen = "127.0.0.1:0"
	m.Debugger.HTTP = "127.0.0.1:0"
	snap := filepath.Join(t.TempDir(), "heap.cbor")

	if err := run(m, options{debug: true, snapshot: snap}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	data, err := os.ReadFile(snap)
	if err != nil {
		t.Fatal(err)
	}
	s, err := vm.DecodeSnapshot(data)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range s.Classes {
		found = found || c.Name == "app/Main"
	}
	if !found {
		t.Error("snapshot does not list app/Main")
	}

	rec, err := trace.Open(m.TracePath())
	if err != nil {
		t.Fatal(err)
	}
	defer rec.Close()
	execs, err := rec.Executions(trace.OutcomeOK)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Errorf("recorded %d successful executions, want 1", len(execs))
	}
}

func TestProgramArgs(t *testing.T) {
	tests := []struct {
		name string
		o    options
		args []string
		want []string
	}{
		{"none", options{}, nil, nil},
		{"class only", options{}, []string{"app/Main"}, []string{}},
		{"after class", options{}, []string{"app/Main", "a", "b"}, []string{"a", "b"}},
		{"main flag", options{mainClass: "app/Main"}, []string{"a"}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := programArgs(tt.o, tt.args)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") || len(got) != len(tt.want) {
				t.Errorf("programArgs = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMainReceivesArgumentArray(t *testing.T) {
	m := testManifest(t, "app/Main")
	rt := vm.NewRuntime(m.RuntimeConfig())
	defer rt.Close()
	cd, err := rt.Load("app/Main")
	if err != nil {
		t.Fatal(err)
	}

	for _, argv := range [][]string{nil, {"one", "two"}} {
		desc, args, release, err := mainDescriptor(rt, cd, argv)
		if err != nil {
			t.Fatal(err)
		}
		if desc != mainArgsDesc || len(args) != 1 || args[0].Ref() == vm.Null {
			t.Fatalf("mainDescriptor = %s %v, want a non-null String[]", desc, args)
		}
		rt.Lock()
		arr := rt.Get(args[0].Ref())
		n := arr.Len()
		var last string
		if n > 0 {
			last = rt.GoString(arr.RefAt(n - 1))
		}
		rt.Unlock()
		if n != len(argv) || (n > 0 && last != argv[n-1]) {
			t.Errorf("argument array has %d elements ending %q, want %q", n, last, argv)
		}

		if _, err := rt.NewExecution().Run("app/Main", mainName, desc, args...); err != nil {
			t.Errorf("main(%q) failed: %v", argv, err)
		}
		release()
	}

	if err := run(m, options{args: []string{"x", "y", "z"}}); err != nil {
		t.Errorf("run with arguments: %v", err)
	}
}

func TestRunUncaughtException(t *testing.T) {
	m := testManifest(t, "app/Boom")
	err := run(m, options{})
	var th *vm.Throwable
	if !errors.As(err, &th) || th.Class.Text != vm.ClassArithmetic {
		t.Fatalf("run = %v, want ArithmeticException", err)
	}
}

func TestRunWithoutMain(t *testing.T) {
	m := testManifest(t, "app/Main")
	m.VM.Main = "java/lang/Object"
	if err := run(m, options{}); err == nil || !strings.Contains(err.Error(), "no static main") {
		t.Errorf("run = %v, want missing main error", err)
	}
}
