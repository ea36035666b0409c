// mjvm runs a class's main method on the interpreter, optionally under
// the remote debugger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/mjvm/manifest"
	"github.com/chazu/mjvm/server"
	"github.com/chazu/mjvm/trace"
	"github.com/chazu/mjvm/vm"
)

const (
	mainName     = "main"
	mainArgsDesc = "([Ljava/lang/String;)V"
	mainVoidDesc = "()V"
)

type options struct {
	classPath  string
	configDir  string
	mainClass  string
	debug      bool
	stopped    bool
	httpAddr   string
	tracePath  string
	gcInterval time.Duration
	snapshot   string
	disasm     bool
	verbose    bool
	args       []string // passed to main(String[])
}

func main() {
	var o options
	flag.StringVar(&o.classPath, "cp", "", "Class path (directories separated by '"+string(os.PathListSeparator)+"')")
	flag.StringVar(&o.configDir, "config", "", "Directory holding mjvm.toml (default: search upwards from the working directory)")
	flag.StringVar(&o.mainClass, "main", "", "Class whose static main method runs (e.g. 'app/Main')")
	flag.BoolVar(&o.debug, "debug", false, "Serve the binary debugger protocol over TCP")
	flag.BoolVar(&o.stopped, "stopped", false, "With -debug, stop before the first instruction")
	flag.StringVar(&o.httpAddr, "http", "", "Serve the debug service and websocket debugger on this address")
	flag.StringVar(&o.tracePath, "trace", "", "Record collections, stops and outcomes in this SQLite database")
	flag.DurationVar(&o.gcInterval, "gc-interval", 0, "Interval between background collections")
	flag.StringVar(&o.snapshot, "snapshot", "", "Write a CBOR heap snapshot to this file after the run")
	flag.BoolVar(&o.disasm, "disasm", false, "Disassemble the main class instead of running it")
	flag.BoolVar(&o.verbose, "v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mjvm [options] [class [args...]]\n\n")
		fmt.Fprintf(os.Stderr, "Loads class files from the class path and runs the main method of a class.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  mjvm -cp build app/Main                # Run app/Main.main\n")
		fmt.Fprintf(os.Stderr, "  mjvm -disasm app/Main                  # Print the bytecode of app/Main\n")
		fmt.Fprintf(os.Stderr, "  mjvm -debug -stopped app/Main          # Wait for a debugger on 127.0.0.1:5555\n")
		fmt.Fprintf(os.Stderr, "  mjvm -debug -http :8080 app/Main       # Also serve the CBOR debug service\n")
		fmt.Fprintf(os.Stderr, "  mjvm -trace trace.db -gc-interval 1s app/Main\n")
		fmt.Fprintf(os.Stderr, "\nConfiguration:\n")
		fmt.Fprintf(os.Stderr, "  Settings are read from the nearest mjvm.toml; flags override them.\n")
	}
	flag.Parse()

	m, err := loadManifest(o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := applyFlags(m, o, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	o.args = programArgs(o, flag.Args())

	verbosity := m.Log.Verbosity
	if o.verbose && verbosity < 1 {
		verbosity = 1
	}
	commonlog.Configure(verbosity, nil)

	deadlock.Opts.Disable = !m.Debug.DetectDeadlocks
	deadlock.Opts.DeadlockTimeout = m.Debug.DeadlockTimeout

	if m.VM.Main == "" {
		fmt.Fprintf(os.Stderr, "Error: no main class (pass one, use -main, or set [vm] main)\n")
		flag.Usage()
		os.Exit(2)
	}

	if o.disasm {
		err = disassemble(m, os.Stdout)
	} else {
		err = run(m, o)
	}
	if err != nil {
		var th *vm.Throwable
		if errors.As(err, &th) {
			fmt.Fprintf(os.Stderr, "Exception in main: %v\n", th)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func loadManifest(o options) (*manifest.Manifest, error) {
	if o.configDir != "" {
		return manifest.Load(o.configDir)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	m, err := manifest.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default(wd)
	}
	return m, nil
}

// applyFlags lets command line flags override the manifest. Paths given on
// the command line are relative to the working directory.
func applyFlags(m *manifest.Manifest, o options, args []string) error {
	if o.classPath != "" {
		var dirs []string
		for _, d := range filepath.SplitList(o.classPath) {
			abs, err := filepath.Abs(d)
			if err != nil {
				return err
			}
			dirs = append(dirs, abs)
		}
		m.ClassPath.Dirs = dirs
	}
	switch {
	case o.mainClass != "":
		m.VM.Main = o.mainClass
	case len(args) > 0:
		m.VM.Main = args[0]
	}
	m.VM.Main = strings.ReplaceAll(strings.TrimSuffix(m.VM.Main, ".class"), ".", "/")

	if o.httpAddr != "" {
		m.Debugger.HTTP = o.httpAddr
	}
	if o.stopped {
		m.Debugger.StartStopped = true
	}
	if o.tracePath != "" {
		abs, err := filepath.Abs(o.tracePath)
		if err != nil {
			return err
		}
		m.Trace.DB = abs
	}
	if o.gcInterval > 0 {
		m.GC.Interval = o.gcInterval
	}
	return nil
}

// programArgs returns the command line arguments after the main class.
func programArgs(o options, args []string) []string {
	if o.mainClass != "" || len(args) == 0 {
		return args
	}
	return args[1:]
}

// mainDescriptor picks main(String[]) when the class declares it and
// falls back to main(). The argument array it allocates is pinned; the
// returned release unpins it.
func mainDescriptor(rt *vm.Runtime, cd *vm.ClassData, argv []string) (string, []vm.Value, func(), error) {
	if cd.FindMethodString(mainName, mainArgsDesc) != nil {
		arr, err := rt.NewStringArray(argv)
		if err != nil {
			return "", nil, nil, err
		}
		return mainArgsDesc, []vm.Value{vm.RefValue(arr)}, func() { rt.Unpin(arr) }, nil
	}
	if cd.FindMethodString(mainName, mainVoidDesc) != nil {
		return mainVoidDesc, nil, func() {}, nil
	}
	return "", nil, nil, fmt.Errorf("%s has no static main method", cd.Name())
}

func disassemble(m *manifest.Manifest, w io.Writer) error {
	rt := vm.NewRuntime(m.RuntimeConfig())
	defer rt.Close()

	cd, err := rt.Load(m.VM.Main)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "class %s", cd.Name())
	if super := cd.Super(); super != nil {
		fmt.Fprintf(w, " extends %s", super.Name())
	}
	fmt.Fprintln(w)
	for _, f := range cd.Fields {
		fmt.Fprintf(w, "  field %s\n", f)
	}
	for _, meth := range cd.Methods {
		fmt.Fprintf(w, "\n  method %s\n", meth)
		code := meth.Code()
		if code == nil {
			continue
		}
		fmt.Fprintf(w, "    max_stack=%d max_locals=%d\n", code.MaxStack, code.MaxLocals)
		for _, line := range strings.Split(strings.TrimRight(vm.Disassemble(code.Code), "\n"), "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
	return nil
}

func run(m *manifest.Manifest, o options) error {
	log := commonlog.GetLogger("mjvm")

	rt := vm.NewRuntime(m.RuntimeConfig())
	defer rt.Close()

	var recorder *trace.Recorder
	if path := m.TracePath(); path != "" {
		var err error
		if recorder, err = trace.Open(path); err != nil {
			return err
		}
		defer recorder.Close()
		rt.AddObserver(recorder)
		log.Infof("tracing to %s", path)
	}

	collector := vm.NewCollector(rt, m.GC.Interval)
	collector.Start()
	defer collector.Stop()

	cd, err := rt.Load(m.VM.Main)
	if err != nil {
		return err
	}
	desc, args, release, err := mainDescriptor(rt, cd, o.args)
	if err != nil {
		return err
	}
	defer release()

	exec := rt.NewExecution()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	runCtx, finished := context.WithCancel(gctx)
	defer finished()

	var srv *server.Server
	if m.Debugger.HTTP != "" {
		srv = server.New(rt, server.WithCollector(collector))
		g.Go(func() error { return srv.ListenAndServe(runCtx, m.Debugger.HTTP) })
	}

	if o.debug {
		opts := m.DebuggerOptions()
		opts.OnStop = func(ev vm.StopEvent) {
			log.Noticef("execution %d stopped (%s) at %s.%s%s pc=%d",
				ev.Execution, ev.Reason, ev.Top.Class, ev.Top.Method, ev.Top.Descriptor, ev.Top.PC)
			if recorder != nil {
				recorder.RecordStop(ev)
			}
		}
		ep := server.NewEndpoint(exec, opts)
		defer ep.Debugger().Close()

		tr := server.NewTCPTransport(m.Debugger.Listen, ep)
		if err := tr.Listen(); err != nil {
			return err
		}
		g.Go(func() error { return tr.Serve(runCtx) })

		if srv != nil {
			session := srv.Attach(m.VM.Main, ep)
			log.Noticef("debug session %s", session.ID)
		}
	}

	g.Go(func() error {
		defer finished()
		done := make(chan error, 1)
		go func() {
			v, err := exec.Run(m.VM.Main, mainName, desc, args...)
			if err == nil && o.verbose && v.Kind != vm.Void.Kind {
				fmt.Printf("main returned %v\n", v)
			}
			done <- err
		}()
		select {
		case err := <-done:
			return err
		case <-gctx.Done():
			return fmt.Errorf("interrupted: %w", context.Cause(gctx))
		}
	})

	err = g.Wait()

	if o.snapshot != "" {
		if serr := writeSnapshot(rt, o.snapshot); serr != nil && err == nil {
			err = serr
		}
	}
	if o.verbose {
		stats := rt.HeapStats()
		fmt.Fprintf(os.Stderr, "heap: %d/%d bytes, %d objects, %d classes, %d collections\n",
			stats.Used, stats.Capacity, stats.Objects, stats.Classes, collector.SweepCount())
	}
	return err
}

func writeSnapshot(rt *vm.Runtime, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}
	if err := vm.EncodeSnapshot(f, rt.Snapshot()); err != nil {
		f.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return f.Close()
}
