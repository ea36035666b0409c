package vm

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Snapshot is a point-in-time dump of a runtime: occupancy, the class
// registry, every live object and the frames of every execution.
type Snapshot struct {
	Time       time.Time           `cbor:"1,keyasint"`
	Heap       HeapStats           `cbor:"2,keyasint"`
	Classes    []ClassSnapshot     `cbor:"3,keyasint"`
	Objects    []ObjectSnapshot    `cbor:"4,keyasint"`
	Executions []ExecutionSnapshot `cbor:"5,keyasint"`
	GCCount    uint64              `cbor:"6,keyasint"`
}

// ClassSnapshot describes one loaded class.
type ClassSnapshot struct {
	Name       string   `cbor:"1,keyasint"`
	Super      string   `cbor:"2,keyasint,omitempty"`
	Interfaces []string `cbor:"3,keyasint,omitempty"`
	State      string   `cbor:"4,keyasint"`
	Instances  int      `cbor:"5,keyasint"`
	StaticRefs []Ref    `cbor:"6,keyasint,omitempty"`
	Pinned     bool     `cbor:"7,keyasint,omitempty"`
}

// ObjectSnapshot describes one heap object and its outgoing references.
type ObjectSnapshot struct {
	Ref        Ref    `cbor:"1,keyasint"`
	ID         uint32 `cbor:"2,keyasint"`
	Type       string `cbor:"3,keyasint"`
	Dimensions uint8  `cbor:"4,keyasint,omitempty"`
	Length     int    `cbor:"5,keyasint,omitempty"`
	Size       uint32 `cbor:"6,keyasint"`
	Refs       []Ref  `cbor:"7,keyasint,omitempty"`
}

// ExecutionSnapshot lists the frames of one execution, innermost first.
type ExecutionSnapshot struct {
	ID     uint64       `cbor:"1,keyasint"`
	Busy   bool         `cbor:"2,keyasint"`
	Frames []StackTrace `cbor:"3,keyasint,omitempty"`
}

var snapshotEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	snapshotEncMode = em
}

// Snapshot stops every execution at a safe point and records the runtime
// state. It must not be called from inside an execution.
func (rt *Runtime) Snapshot() *Snapshot {
	rt.Lock()
	defer rt.Unlock()
	defer rt.stopWorldLocked()()

	s := &Snapshot{Time: time.Now(), GCCount: rt.gcCount.Load()}
	s.Heap = HeapStats{
		Capacity:   rt.heap.Capacity(),
		Used:       rt.heap.Used(),
		Objects:    rt.heap.Len(),
		Classes:    rt.classCount,
		Executions: len(rt.execs),
		Strings:    len(rt.strings),
	}

	instances := map[*ClassData]int{}
	rt.heap.Each(func(r Ref, o *Object) {
		if o.Class != nil {
			instances[o.Class]++
		}
		obj := ObjectSnapshot{Ref: r, ID: o.ID, Type: o.TypeName(), Dimensions: o.Dimensions, Size: o.Size}
		if o.IsArray() {
			obj.Length = o.Len()
		}
		obj.Refs = append(obj.Refs, o.refs...)
		if o.fields != nil {
			for _, f := range o.fields.FieldsObject {
				obj.Refs = append(obj.Refs, f.Value)
			}
		}
		s.Objects = append(s.Objects, obj)
	})
	sort.Slice(s.Objects, func(i, j int) bool { return s.Objects[i].Ref < s.Objects[j].Ref })

	rt.initMu.Lock()
	for cd := rt.classes; cd != nil; cd = cd.next {
		cs := ClassSnapshot{
			Name:      cd.Name(),
			State:     cd.initState.String(),
			Instances: instances[cd],
			Pinned:    cd.pinned,
		}
		if cd.super != nil {
			cs.Super = cd.super.Name()
		}
		for _, i := range cd.interfaces {
			cs.Interfaces = append(cs.Interfaces, i.Name())
		}
		if cd.statics != nil {
			for _, f := range cd.statics.FieldsObject {
				cs.StaticRefs = append(cs.StaticRefs, f.Value)
			}
		}
		s.Classes = append(s.Classes, cs)
	}
	rt.initMu.Unlock()
	sort.Slice(s.Classes, func(i, j int) bool { return s.Classes[i].Name < s.Classes[j].Name })

	for _, e := range rt.execs {
		es := ExecutionSnapshot{ID: e.ID, Busy: e.busy.Load()}
		for i := len(e.frames) - 1; i >= 0; i-- {
			es.Frames = append(es.Frames, traceOf(len(e.frames)-1-i, e.frames[i]))
		}
		s.Executions = append(s.Executions, es)
	}
	return s
}

// EncodeSnapshot writes s as canonical CBOR.
func EncodeSnapshot(w io.Writer, s *Snapshot) error {
	data, err := snapshotEncMode.Marshal(s)
	if err != nil {
		return fmt.Errorf("vm: encode snapshot: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// DecodeSnapshot parses a snapshot written by EncodeSnapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("vm: decode snapshot: %w", err)
	}
	return &s, nil
}
