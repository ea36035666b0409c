package vm

import (
	"time"

	"github.com/tliron/commonlog"
)

var gcLog = commonlog.GetLogger("mjvm.gc")

// GCStats describes one collection.
type GCStats struct {
	Marked          int
	Swept           int
	FreedBytes      uint64
	UnloadedClasses int
	Duration        time.Duration
	Time            time.Time
}

// ---------------------------------------------------------------------------
// Mark-sweep collection
// ---------------------------------------------------------------------------

// GarbageCollection runs a full collection and returns its statistics.
func (rt *Runtime) GarbageCollection() GCStats {
	defer rt.enter()()
	return rt.collectLocked()
}

// LastGC returns the statistics of the most recent collection, or nil.
func (rt *Runtime) LastGC() *GCStats { return rt.lastStats.Load() }

// GCCount is the number of collections run so far.
func (rt *Runtime) GCCount() uint64 { return rt.gcCount.Load() }

// collectLocked stops every execution at a safe point, marks from the
// roots and frees what is unreachable. Callers hold the runtime lock.
//
// Roots: the live words of every execution stack, pending throwables,
// allocation scratch, pinned references, interned strings, array class
// mirrors and, for every live class, its mirror and static references.
// When unloading is enabled a class is live only if it is pinned, is
// being initialised, has an active frame or a reachable instance or
// mirror, or is an ancestor of a live class. Dead classes are unlinked.
func (rt *Runtime) collectLocked() GCStats {
	start := time.Now()

	defer rt.stopWorldLocked()()

	m := &marker{heap: rt.heap}
	for _, e := range rt.execs {
		for i := 0; i < e.sp; i++ {
			if e.refs[i] {
				m.mark(Ref(uint32(e.stack[i])))
			}
		}
		if e.pending != nil {
			m.mark(e.pending.Object)
		}
	}
	for _, r := range rt.scratch {
		m.mark(r)
	}
	for r := range rt.pinned {
		m.mark(r)
	}
	for _, r := range rt.strings {
		m.mark(r)
	}
	for _, r := range rt.mirrors {
		m.mark(r)
	}
	m.drain()

	unloaded := 0
	if rt.cfg.UnloadClasses {
		unloaded = rt.traceClassesLocked(m)
	} else {
		for cd := rt.classes; cd != nil; cd = cd.next {
			m.markClass(cd)
		}
		m.drain()
	}

	stats := GCStats{Marked: m.count, Time: start, UnloadedClasses: unloaded}
	rt.heap.Each(func(r Ref, o *Object) {
		if o.marked {
			o.marked = false
			return
		}
		stats.FreedBytes += rt.heap.release(r)
		stats.Swept++
	})
	stats.Duration = time.Since(start)

	rt.gcCount.Add(1)
	rt.lastStats.Store(&stats)
	gcLog.Debug("collection finished",
		"marked", stats.Marked, "swept", stats.Swept, "freed", stats.FreedBytes,
		"unloaded", stats.UnloadedClasses, "duration", stats.Duration)
	rt.eachObserver(func(o Observer) { o.GCCompleted(stats) })
	return stats
}

// stopWorldLocked waits for every other execution to reach a safe point
// and keeps it there until the returned function is called.
func (rt *Runtime) stopWorldLocked() (resume func()) {
	var stopped []*Execution
	for _, e := range rt.execs {
		if e == rt.holder.Load() {
			continue
		}
		e.running.Lock()
		stopped = append(stopped, e)
	}
	return func() {
		for _, e := range stopped {
			e.running.Unlock()
		}
	}
}

// traceClassesLocked marks through live classes until no more become live,
// then unlinks the rest. It returns the number of classes unloaded.
func (rt *Runtime) traceClassesLocked(m *marker) int {
	for cd := rt.classes; cd != nil; cd = cd.next {
		cd.live = cd.pinned
	}
	rt.initMu.Lock()
	for cd := rt.classes; cd != nil; cd = cd.next {
		if cd.initState == classInitializing {
			cd.live = true
		}
	}
	rt.initMu.Unlock()
	for _, e := range rt.execs {
		for _, f := range e.frames {
			f.Class.live = true
		}
	}

	scanned := map[*ClassData]bool{}
	for {
		// Instances and mirrors found so far keep their classes.
		rt.heap.Each(func(_ Ref, o *Object) {
			if o.marked && o.Class != nil {
				o.Class.live = true
			}
		})
		for cd := rt.classes; cd != nil; cd = cd.next {
			if cd.mirror != Null && rt.heap.Get(cd.mirror) != nil && rt.heap.Get(cd.mirror).marked {
				cd.live = true
			}
		}
		for cd := rt.classes; cd != nil; cd = cd.next {
			if cd.live {
				markAncestors(cd)
			}
		}

		progress := false
		for cd := rt.classes; cd != nil; cd = cd.next {
			if cd.live && !scanned[cd] {
				scanned[cd] = true
				m.markClass(cd)
				progress = true
			}
		}
		if !progress {
			break
		}
		m.drain()
	}

	var dead []*ClassData
	for cd := rt.classes; cd != nil; cd = cd.next {
		if !cd.live {
			dead = append(dead, cd)
		}
	}
	for _, cd := range dead {
		rt.unlinkLocked(cd)
		gcLog.Info("class unloaded", "class", cd.Name())
	}
	return len(dead)
}

func markAncestors(cd *ClassData) {
	if k := cd.super; k != nil && !k.live {
		k.live = true
		markAncestors(k)
	}
	for _, i := range cd.interfaces {
		if !i.live {
			i.live = true
			markAncestors(i)
		}
	}
}

// ---------------------------------------------------------------------------
// Marker
// ---------------------------------------------------------------------------

type marker struct {
	heap  *Heap
	work  []*Object
	count int
}

func (m *marker) mark(r Ref) {
	o := m.heap.Get(r)
	if o == nil || o.marked {
		return
	}
	o.marked = true
	m.count++
	m.work = append(m.work, o)
}

func (m *marker) markClass(cd *ClassData) {
	m.mark(cd.mirror)
	if cd.statics != nil {
		for _, f := range cd.statics.FieldsObject {
			m.mark(f.Value)
		}
	}
}

// drain traces everything reachable from the marked objects.
func (m *marker) drain() {
	for len(m.work) > 0 {
		o := m.work[len(m.work)-1]
		m.work = m.work[:len(m.work)-1]
		for _, r := range o.refs {
			m.mark(r)
		}
		if o.fields != nil {
			for _, f := range o.fields.FieldsObject {
				m.mark(f.Value)
			}
		}
	}
}
