package vm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf16"

	"github.com/sasha-s/go-deadlock"
	"github.com/tliron/commonlog"
)

// Detection stays off unless the embedding program turns it on; a VM that
// blocks in a debugger would otherwise trip the detector's timeout.
func init() {
	deadlock.Opts.Disable = true
}

// DefaultStackSize is the slot count of an execution stack when none is
// configured.
const DefaultStackSize = 4096

// Config controls a Runtime.
type Config struct {
	HeapSize      uint64   // byte budget of the heap
	StackSize     int      // slots per execution stack
	ClassPath     []string // directories searched for <name>.class
	UnloadClasses bool     // let the collector unload unreachable classes
}

// Observer receives runtime events. Callbacks run synchronously, some of
// them under the runtime lock, and must not call back into the runtime.
type Observer interface {
	GCCompleted(stats GCStats)
	ExecutionFinished(e *Execution, err error)
}

// ---------------------------------------------------------------------------
// Runtime: process-wide VM state
// ---------------------------------------------------------------------------

// Runtime owns the heap, the class registry and the executions. A single
// lock guards allocation, field and array access, class registry mutation
// and collection. Executions take it through LockRuntime.
type Runtime struct {
	mu     deadlock.Mutex
	holder atomic.Pointer[Execution] // execution holding mu, nil for host callers

	// Goroutine ID -> execution running on it, for callers of Lock.
	callers     sync.Map
	callerCount atomic.Int32

	cfg  Config
	heap *Heap

	execs      []*Execution
	classes    *ClassData // registry list threaded through ClassData.next
	classIndex map[uint32][]*ClassData
	classCount int
	loading    map[string]bool

	sources   map[string][]byte
	strings   map[string]Ref
	mirrors   map[string]Ref
	pinned    map[Ref]int
	scratch   []Ref
	primTypes map[byte]*ConstUtf8
	closed    bool

	nativesMu sync.RWMutex
	natives   map[string]NativeFunc

	// Class initialisation waits. Never held while locking an execution.
	initMu   sync.Mutex
	initCond *sync.Cond

	observersMu sync.RWMutex
	observers   []Observer

	nextExecID atomic.Uint64
	gcCount    atomic.Uint64
	lastStats  atomic.Pointer[GCStats]

	log commonlog.Logger
}

// NewRuntime creates a runtime. Bootstrap classes are synthesized on first
// use; the built-in natives are registered immediately.
func NewRuntime(cfg Config) *Runtime {
	if cfg.StackSize <= 0 {
		cfg.StackSize = DefaultStackSize
	}
	rt := &Runtime{
		cfg:        cfg,
		heap:       NewHeap(cfg.HeapSize),
		classIndex: make(map[uint32][]*ClassData),
		loading:    make(map[string]bool),
		sources:    make(map[string][]byte),
		natives:    make(map[string]NativeFunc),
		strings:    make(map[string]Ref),
		mirrors:    make(map[string]Ref),
		pinned:     make(map[Ref]int),
		primTypes:  make(map[byte]*ConstUtf8),
		log:        commonlog.GetLogger("mjvm.runtime"),
	}
	rt.initCond = sync.NewCond(&rt.initMu)
	for _, nc := range builtinNatives() {
		rt.RegisterNatives(nc)
	}
	return rt
}

// Config returns the configuration the runtime was created with.
func (rt *Runtime) Config() Config { return rt.cfg }

// Heap returns the heap. Callers hold the runtime lock while using it.
func (rt *Runtime) Heap() *Heap { return rt.heap }

// Get returns the object behind r. Callers hold the runtime lock.
func (rt *Runtime) Get(r Ref) *Object { return rt.heap.Get(r) }

// AddObserver registers an event observer.
func (rt *Runtime) AddObserver(o Observer) {
	rt.observersMu.Lock()
	rt.observers = append(rt.observers, o)
	rt.observersMu.Unlock()
}

func (rt *Runtime) eachObserver(fn func(Observer)) {
	rt.observersMu.RLock()
	obs := rt.observers
	rt.observersMu.RUnlock()
	for _, o := range obs {
		fn(o)
	}
}

// ---------------------------------------------------------------------------
// Class registry and loading
// ---------------------------------------------------------------------------

// AddClassBytes registers an in-memory class source. It takes precedence
// over the class path and the bootstrap classes.
func (rt *Runtime) AddClassBytes(name string, data []byte) {
	rt.Lock()
	rt.sources[name] = data
	rt.Unlock()
}

// Load loads a class by file name ("pkg/Foo" or "pkg/Foo.class"). Classes
// loaded by the host are pinned and never unloaded by the collector.
func (rt *Runtime) Load(fileName string) (*ClassData, error) {
	rt.Lock()
	defer rt.Unlock()
	if rt.closed {
		return nil, ErrClosed
	}
	cd, err := rt.loadLocked(strings.TrimSuffix(fileName, ".class"))
	if err != nil {
		return nil, err
	}
	cd.pinned = true
	return cd, nil
}

// LoadN loads the class named by the first length bytes of fileName.
func (rt *Runtime) LoadN(fileName string, length int) (*ClassData, error) {
	if length < 0 || length > len(fileName) {
		return nil, &LoadError{FileName: fileName, Err: fmt.Errorf("length %d out of range", length)}
	}
	return rt.Load(fileName[:length])
}

// LoadUtf8 loads a class named by a constant pool entry.
func (rt *Runtime) LoadUtf8(name *ConstUtf8) (*ClassData, error) {
	return rt.Load(name.Text)
}

// Lookup returns a loaded class without loading it.
func (rt *Runtime) Lookup(name string) *ClassData {
	rt.Lock()
	defer rt.Unlock()
	return rt.lookupLocked(NewConstUtf8(name))
}

func (rt *Runtime) lookupLocked(name *ConstUtf8) *ClassData {
	for _, cd := range rt.classIndex[name.Hash()] {
		if cd.ThisClass.Equal(name) {
			return cd
		}
	}
	return nil
}

// ResolveMethod finds a method in cd or its ancestors, nearest first,
// then among default methods of its superinterfaces.
func (rt *Runtime) ResolveMethod(cd *ClassData, name, descriptor string) *MethodInfo {
	return cd.resolveMethod(NewConstUtf8(name), NewConstUtf8(descriptor))
}

// ResolveField finds a field in cd, its superinterfaces or its ancestors
// and returns it with the declaring class.
func (rt *Runtime) ResolveField(cd *ClassData, name, descriptor string) (*ClassData, *FieldInfo) {
	return cd.resolveField(&ConstNameAndType{Name: NewConstUtf8(name), Descriptor: NewConstUtf8(descriptor)})
}

// Classes returns the names of the loaded classes in registry order.
func (rt *Runtime) Classes() []string {
	rt.Lock()
	defer rt.Unlock()
	var names []string
	for cd := rt.classes; cd != nil; cd = cd.next {
		names = append(names, cd.Name())
	}
	return names
}

func (rt *Runtime) classBytes(name string) ([]byte, string, error) {
	if data, ok := rt.sources[name]; ok {
		return data, "memory:" + name, nil
	}
	for _, dir := range rt.cfg.ClassPath {
		path := filepath.Join(dir, filepath.FromSlash(name)+".class")
		data, err := os.ReadFile(path)
		if err == nil {
			return data, path, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, path, err
		}
	}
	if build, ok := bootstrapClasses[name]; ok {
		return build(), "bootstrap:" + name, nil
	}
	return nil, name, ErrClassNotFound
}

// loadLocked returns the named class, loading it and its ancestors first
// when needed. Callers hold the runtime lock.
func (rt *Runtime) loadLocked(name string) (*ClassData, error) {
	key := NewConstUtf8(name)
	if cd := rt.lookupLocked(key); cd != nil {
		return cd, nil
	}
	if strings.HasPrefix(name, "[") {
		return nil, &LoadError{FileName: name, Err: fmt.Errorf("array types have no class file")}
	}
	if rt.loading[name] {
		return nil, &LoadError{FileName: name, Err: fmt.Errorf("class circularity")}
	}
	rt.loading[name] = true
	defer delete(rt.loading, name)

	data, source, err := rt.classBytes(name)
	if err != nil {
		return nil, &LoadError{FileName: source, Err: err}
	}
	cf, err := ReadClass(data)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.FileName = source
			return nil, le
		}
		return nil, &LoadError{FileName: source, Err: err}
	}
	if !cf.ThisClass.Equal(key) {
		return nil, &LoadError{FileName: source, Err: fmt.Errorf("file defines %s", cf.ThisClass)}
	}

	var super *ClassData
	if cf.SuperClass != nil {
		if super, err = rt.loadLocked(cf.SuperClass.Text); err != nil {
			return nil, &LoadError{FileName: source, Err: fmt.Errorf("super class: %w", err)}
		}
	}
	var ifaces []*ClassData
	for _, in := range cf.Interfaces {
		icd, err := rt.loadLocked(in.Text)
		if err != nil {
			return nil, &LoadError{FileName: source, Err: fmt.Errorf("interface: %w", err)}
		}
		ifaces = append(ifaces, icd)
	}

	cd := newClassData(cf, super, ifaces)
	if _, ok := bootstrapClasses[name]; ok {
		cd.pinned = true
	}
	cd.next = rt.classes
	rt.classes = cd
	h := cd.ThisClass.Hash()
	rt.classIndex[h] = append(rt.classIndex[h], cd)
	rt.classCount++
	rt.log.Debug("class loaded", "class", name, "source", source,
		"fields", len(cf.Fields), "methods", len(cf.Methods))
	return cd, nil
}

// unlinkLocked removes a class from the registry.
func (rt *Runtime) unlinkLocked(target *ClassData) {
	for p := &rt.classes; *p != nil; p = &(*p).next {
		if *p == target {
			*p = target.next
			break
		}
	}
	h := target.ThisClass.Hash()
	list := rt.classIndex[h]
	for i, cd := range list {
		if cd == target {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(rt.classIndex, h)
	} else {
		rt.classIndex[h] = list
	}
	target.next = nil
	target.statics = nil
	target.mirror = Null
	rt.classCount--
}

// ErrClassInUse is returned when destroying a class another class extends.
var ErrClassInUse = errors.New("vm: class in use")

// DestroyClass removes a class from the registry. Its static storage is
// dropped; a later reference loads it afresh.
func (rt *Runtime) DestroyClass(cd *ClassData) error {
	rt.Lock()
	defer rt.Unlock()
	for k := rt.classes; k != nil; k = k.next {
		if k.super == cd {
			return fmt.Errorf("%w: %s extends %s", ErrClassInUse, k.Name(), cd.Name())
		}
		for _, i := range k.interfaces {
			if i == cd {
				return fmt.Errorf("%w: %s implements %s", ErrClassInUse, k.Name(), cd.Name())
			}
		}
	}
	rt.unlinkLocked(cd)
	rt.log.Info("class destroyed", "class", cd.Name())
	return nil
}

// ---------------------------------------------------------------------------
// Executions
// ---------------------------------------------------------------------------

// NewExecution creates an execution with the configured stack size.
func (rt *Runtime) NewExecution() *Execution {
	return rt.NewExecutionSize(rt.cfg.StackSize)
}

// NewExecutionSize creates an execution with a stack of n slots.
func (rt *Runtime) NewExecutionSize(n int) *Execution {
	if n <= 0 {
		n = rt.cfg.StackSize
	}
	e := newExecution(rt, rt.nextExecID.Add(1), n)
	rt.Lock()
	rt.execs = append(rt.execs, e)
	rt.Unlock()
	return e
}

// DestroyExecution removes an idle execution from the runtime.
func (rt *Runtime) DestroyExecution(e *Execution) error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrExecutionBusy
	}
	defer e.busy.Store(false)
	e.destroyed.Store(true)
	e.releaseMonitors()
	rt.Lock()
	defer rt.Unlock()
	for i, x := range rt.execs {
		if x == e {
			rt.execs = append(rt.execs[:i], rt.execs[i+1:]...)
			break
		}
	}
	return nil
}

// Executions returns the live executions.
func (rt *Runtime) Executions() []*Execution {
	rt.Lock()
	defer rt.Unlock()
	return append([]*Execution(nil), rt.execs...)
}

// Close drops every class, execution and object.
func (rt *Runtime) Close() error {
	rt.Lock()
	defer rt.Unlock()
	if rt.closed {
		return nil
	}
	for _, e := range rt.execs {
		if e.busy.Load() {
			return fmt.Errorf("close: execution %d: %w", e.ID, ErrExecutionBusy)
		}
	}
	rt.closed = true
	rt.execs = nil
	rt.classes = nil
	rt.classIndex = make(map[uint32][]*ClassData)
	rt.classCount = 0
	rt.strings = make(map[string]Ref)
	rt.mirrors = make(map[string]Ref)
	rt.pinned = make(map[Ref]int)
	rt.heap = NewHeap(rt.heap.Capacity())
	rt.log.Info("runtime closed")
	return nil
}

// ---------------------------------------------------------------------------
// Allocation (runtime lock held)
// ---------------------------------------------------------------------------

// protect keeps r alive across further allocations until release is
// called with the returned mark.
func (rt *Runtime) protect(r Ref) int {
	rt.scratch = append(rt.scratch, r)
	return len(rt.scratch) - 1
}

func (rt *Runtime) release(mark int) {
	rt.scratch = rt.scratch[:mark]
}

func (rt *Runtime) allocLocked(o *Object, size uint64) (Ref, error) {
	if rt.closed {
		return Null, ErrClosed
	}
	if !rt.heap.Malloc(size) {
		rt.collectLocked()
		if !rt.heap.Malloc(size) {
			rt.log.Warning("allocation failed", "bytes", size, "used", rt.heap.Used(), "capacity", rt.heap.Capacity())
			return Null, ErrOutOfMemory
		}
	}
	return rt.heap.insert(o, size), nil
}

// NewObject allocates a zeroed instance of cd. The result is unrooted;
// Pin it to keep it across a collection. Natives may call it with or
// without the runtime lock.
func (rt *Runtime) NewObject(cd *ClassData) (Ref, error) {
	defer rt.enter()()
	return rt.newInstanceLocked(cd)
}

// newInstanceLocked allocates a zeroed instance of cd.
func (rt *Runtime) newInstanceLocked(cd *ClassData) (Ref, error) {
	fields := LoadNonStatic(cd)
	o := &Object{Class: cd, Type: cd.ThisClass, fields: fields, Size: uint32(fields.byteSize())}
	return rt.allocLocked(o, objectHeaderSize+fields.byteSize())
}

func (rt *Runtime) primType(c byte) *ConstUtf8 {
	u, ok := rt.primTypes[c]
	if !ok {
		u = NewConstUtf8(string(c))
		rt.primTypes[c] = u
	}
	return u
}

// newArrayLocked allocates a one level array. elem is a class name when
// prim is 0; dims > 1 or prim == 0 gives a reference payload.
func (rt *Runtime) newArrayLocked(prim byte, elem *ConstUtf8, dims, length int) (Ref, error) {
	o := &Object{Type: elem, Prim: prim, Dimensions: uint8(dims)}
	if prim != 0 {
		o.Type = rt.primType(prim)
	}
	if dims == 1 && prim != 0 {
		o.data = make([]byte, length*primitiveSize(prim))
		o.Size = uint32(len(o.data))
	} else {
		o.refs = make([]Ref, length)
		o.Size = uint32(4 * length)
	}
	return rt.allocLocked(o, objectHeaderSize+uint64(o.Size))
}

// cloneLocked copies an array. Instances are rejected by the caller.
func (rt *Runtime) cloneLocked(src *Object) (Ref, error) {
	o := &Object{
		Class:      src.Class,
		Type:       src.Type,
		Prim:       src.Prim,
		Dimensions: src.Dimensions,
		Size:       src.Size,
	}
	if src.data != nil {
		o.data = append([]byte(nil), src.data...)
	}
	if src.refs != nil {
		o.refs = append([]Ref(nil), src.refs...)
	}
	if src.fields != nil {
		o.fields = src.fields.clone()
	}
	return rt.allocLocked(o, objectHeaderSize+uint64(o.Size))
}

// ---------------------------------------------------------------------------
// Strings and class mirrors
// ---------------------------------------------------------------------------

const (
	coderLatin1 = 0
	coderUTF16  = 1
)

// NewString allocates a java/lang/String for s.
func (rt *Runtime) NewString(s string) (Ref, error) {
	defer rt.enter()()
	return rt.newStringLocked(s)
}

func (rt *Runtime) newStringLocked(s string) (Ref, error) {
	cd, err := rt.loadLocked("java/lang/String")
	if err != nil {
		return Null, err
	}
	var payload []byte
	coder := int32(coderLatin1)
	latin1 := true
	for _, r := range s {
		if r > 0xFF {
			latin1 = false
			break
		}
	}
	if latin1 {
		for _, r := range s {
			payload = append(payload, byte(r))
		}
	} else {
		coder = coderUTF16
		for _, u := range utf16.Encode([]rune(s)) {
			payload = append(payload, byte(u), byte(u>>8))
		}
	}
	arr, err := rt.newArrayLocked('B', nil, 1, len(payload))
	if err != nil {
		return Null, err
	}
	copy(rt.heap.Get(arr).data, payload)
	mark := rt.protect(arr)
	defer rt.release(mark)

	ref, err := rt.newInstanceLocked(cd)
	if err != nil {
		return Null, err
	}
	fields := rt.heap.Get(ref).fields
	if v := fields.FindFieldObject("value", "[B"); v != nil {
		v.Value = arr
	}
	if c := fields.FindFieldData32("coder", "B"); c != nil {
		c.Value = coder
	}
	return ref, nil
}

// internLocked returns the canonical String for a literal.
func (rt *Runtime) internLocked(s string) (Ref, error) {
	if r, ok := rt.strings[s]; ok {
		return r, nil
	}
	r, err := rt.newStringLocked(s)
	if err != nil {
		return Null, err
	}
	rt.strings[s] = r
	return r, nil
}

// GoString decodes a java/lang/String. Callers hold the runtime lock.
func (rt *Runtime) GoString(r Ref) string {
	o := rt.heap.Get(r)
	if o == nil || o.fields == nil {
		return ""
	}
	v := o.fields.FindFieldObject("value", "[B")
	if v == nil {
		return ""
	}
	arr := rt.heap.Get(v.Value)
	if arr == nil {
		return ""
	}
	if c := o.fields.FindFieldData32("coder", "B"); c != nil && c.Value == coderUTF16 {
		units := make([]uint16, len(arr.data)/2)
		for i := range units {
			units[i] = uint16(arr.data[2*i]) | uint16(arr.data[2*i+1])<<8
		}
		return string(utf16.Decode(units))
	}
	runes := make([]rune, len(arr.data))
	for i, b := range arr.data {
		runes[i] = rune(b)
	}
	return string(runes)
}

// mirrorLocked returns the java/lang/Class object for a type name (a class
// name, an array descriptor or a primitive keyword such as "int").
func (rt *Runtime) mirrorLocked(name string) (Ref, error) {
	var cd *ClassData
	if !strings.HasPrefix(name, "[") && primitiveOfKeyword(name) == 0 {
		var err error
		if cd, err = rt.loadLocked(name); err != nil {
			return Null, err
		}
		if cd.mirror != Null {
			return cd.mirror, nil
		}
	} else if r, ok := rt.mirrors[name]; ok {
		return r, nil
	}

	classClass, err := rt.loadLocked("java/lang/Class")
	if err != nil {
		return Null, err
	}
	display, err := rt.newStringLocked(strings.ReplaceAll(name, "/", "."))
	if err != nil {
		return Null, err
	}
	mark := rt.protect(display)
	defer rt.release(mark)
	ref, err := rt.newInstanceLocked(classClass)
	if err != nil {
		return Null, err
	}
	if f := rt.heap.Get(ref).fields.FindFieldObject("name", "Ljava/lang/String;"); f != nil {
		f.Value = display
	}
	if cd != nil {
		cd.mirror = ref
	} else {
		rt.mirrors[name] = ref
	}
	return ref, nil
}

// ---------------------------------------------------------------------------
// Pinning
// ---------------------------------------------------------------------------

// Pin keeps r alive until a matching Unpin.
func (rt *Runtime) Pin(r Ref) {
	if r == Null {
		return
	}
	defer rt.enter()()
	rt.pinned[r]++
}

// Unpin releases one Pin of r.
func (rt *Runtime) Unpin(r Ref) {
	defer rt.enter()()
	if n := rt.pinned[r]; n > 1 {
		rt.pinned[r] = n - 1
	} else {
		delete(rt.pinned, r)
	}
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// HeapStats summarises heap and registry occupancy.
type HeapStats struct {
	Capacity   uint64
	Used       uint64
	Objects    int
	Classes    int
	Executions int
	Strings    int
}

// HeapStats returns a consistent snapshot of occupancy.
func (rt *Runtime) HeapStats() HeapStats {
	defer rt.enter()()
	return HeapStats{
		Capacity:   rt.heap.Capacity(),
		Used:       rt.heap.Used(),
		Objects:    rt.heap.Len(),
		Classes:    rt.classCount,
		Executions: len(rt.execs),
		Strings:    len(rt.strings),
	}
}
