package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
)

var gcLog = commonlog.GetLogger("lumen.gc")

// ---------------------------------------------------------------------------
// Heap: the explicit runtime context
// ---------------------------------------------------------------------------

// Heap owns every collectable object of one runtime together with the
// collector state and the roots. It is passed explicitly to everything that
// allocates; there is no process-wide state.
//
// Objects live in an arena and are linked into one of two intrusive lists
// (strings, everything else) that the sweeper walks incrementally.
type Heap struct {
	arena   arena
	rootgc  int32
	strRoot int32
	strtab  map[string]*String

	registry   *Table
	globals    *Table
	metatables [numTypes]*Table
	main       *Coroutine
	running    *Coroutine
	coroutines map[*Coroutine]struct{}

	tmNames   [tmN]*String
	memErrMsg *String
	errErrMsg *String

	gc collector

	// fresh pins objects allocated since the last safe point; entries at
	// or above freshMark belong to the innermost active Go function.
	fresh     []object
	freshMark int

	finobj  []object
	tmudata []object

	cfg   Config
	stats GCStats
}

func newHeap(cfg Config) *Heap {
	h := &Heap{
		arena:      newArena(),
		rootgc:     -1,
		strRoot:    -1,
		strtab:     make(map[string]*String),
		coroutines: make(map[*Coroutine]struct{}),
		cfg:        cfg,
	}
	h.gc.init(cfg)
	h.gc.busy = true

	for i, name := range tmEventNames {
		h.tmNames[i] = h.fixedString(name)
	}
	h.memErrMsg = h.fixedString("not enough memory")
	h.errErrMsg = h.fixedString("error in error handling")

	h.main = h.newCoroutine()
	h.main.status = CoroutineRunning
	h.running = h.main
	h.registry = h.newTable(0, 4)
	h.globals = h.newTable(0, 32)

	h.fresh = h.fresh[:0]
	h.gc.busy = false
	h.gc.threshold = 4 * h.gc.totalBytes
	return h
}

func (h *Heap) fixedString(s string) *String {
	str := h.intern(s)
	str.marked |= bitFixed
	return str
}

// link registers a newly constructed object with the heap. It may run an
// emergency collection or raise a memory error before linking.
func (h *Heap) link(o object, kind objectKind, size int32) {
	h.reserve(int64(size))
	hd := o.hdr()
	hd.kind = kind
	hd.size = size
	hd.marked = h.gc.currentWhite
	hd.self = h.arena.insert(o)
	idx := int32(hd.self.index())
	if kind == kindString {
		hd.next = h.strRoot
		h.strRoot = idx
	} else {
		hd.next = h.rootgc
		h.rootgc = idx
	}
	h.gc.totalBytes += int64(size)
	h.fresh = append(h.fresh, o)
	h.stats.Allocations++
}

// resize updates the accounted size of o after it grew or shrank.
func (h *Heap) resize(o object, size int32) {
	hd := o.hdr()
	delta := int64(size) - int64(hd.size)
	if delta > 0 {
		h.reserve(delta)
	}
	hd.size = size
	h.gc.totalBytes += delta
}

// reserve makes room for size more bytes under the memory limit: one full
// collection, then a retry, then a memory error.
func (h *Heap) reserve(size int64) {
	limit := h.cfg.MemoryLimit
	if limit <= 0 || h.gc.totalBytes+size <= limit {
		return
	}
	if !h.gc.busy {
		h.emergencyGC()
		if h.gc.totalBytes+size <= limit {
			return
		}
	}
	h.stats.MemoryErrors++
	gcLog.Warningf("allocation of %d bytes refused: %d of %d in use", size, h.gc.totalBytes, limit)
	panic(h.memError())
}

func (h *Heap) memError() *Error {
	return &Error{
		Status:  ErrMem,
		Kind:    KindResource,
		Value:   h.memErrMsg.value(),
		Message: h.memErrMsg.s,
	}
}

// pin keeps the object behind v alive until the next safe point of the
// enclosing call boundary.
func (h *Heap) pin(v Value) {
	if v.IsCollectable() {
		h.fresh = append(h.fresh, h.object(v))
	}
}

func (h *Heap) pinAll(vs []Value) {
	for _, v := range vs {
		h.pin(v)
	}
}

// dropFresh releases the pins taken above the current mark.
func (h *Heap) dropFresh() {
	for i := h.freshMark; i < len(h.fresh); i++ {
		h.fresh[i] = nil
	}
	h.fresh = h.fresh[:h.freshMark]
}

// ---------------------------------------------------------------------------
// Object lookup
// ---------------------------------------------------------------------------

// object resolves v to its heap object. A stale handle means a value
// outlived its object, which is a bug in the caller.
func (h *Heap) object(v Value) object {
	o := h.arena.lookup(v.handle())
	if o == nil {
		panic(fmt.Errorf("vm: %w (%s)", ErrCollected, v.TypeName()))
	}
	return o
}

// alive reports whether v still resolves; non-collectable values always do.
func (h *Heap) alive(v Value) bool {
	return !v.IsCollectable() || h.arena.lookup(v.handle()) != nil
}

func (h *Heap) tableOf(v Value) *Table {
	if !v.IsTable() {
		return nil
	}
	return h.object(v).(*Table)
}

func (h *Heap) stringOf(v Value) *String {
	if !v.IsString() {
		return nil
	}
	return h.object(v).(*String)
}

func (h *Heap) coroutineOf(v Value) *Coroutine {
	if !v.IsCoroutine() {
		return nil
	}
	return h.object(v).(*Coroutine)
}

func (h *Heap) userdataOf(v Value) *Userdata {
	if !v.IsUserdata() {
		return nil
	}
	return h.object(v).(*Userdata)
}

// ---------------------------------------------------------------------------
// Strings
// ---------------------------------------------------------------------------

// intern returns the unique String with contents s. A string found dead in
// the middle of a sweep is resurrected rather than duplicated.
func (h *Heap) intern(s string) *String {
	if str, ok := h.strtab[s]; ok {
		if h.isDead(str) {
			h.changeWhite(str)
		}
		return str
	}
	str := &String{s: s}
	h.link(str, kindString, sizeString+int32(len(s)))
	h.strtab[s] = str
	return str
}

func (h *Heap) stringValue(s string) Value { return h.intern(s).value() }

// ---------------------------------------------------------------------------
// Userdata
// ---------------------------------------------------------------------------

func (h *Heap) newUserdata(data any) *Userdata {
	u := &Userdata{Data: data}
	h.link(u, kindUserdata, sizeUserdata)
	return u
}

// ---------------------------------------------------------------------------
// Metatables
// ---------------------------------------------------------------------------

func (h *Heap) metatable(v Value) *Table {
	switch v.Type() {
	case TypeTable:
		return h.tableOf(v).meta
	case TypeUserdata:
		return h.userdataOf(v).meta
	default:
		return h.metatables[v.Type()]
	}
}

// setMetatable installs mt (nil clears) on v with the matching barrier, and
// registers the object for finalization when mt carries __gc.
func (h *Heap) setMetatable(v Value, mt *Table) {
	var o object
	switch v.Type() {
	case TypeTable:
		t := h.tableOf(v)
		t.meta = mt
		if mt != nil {
			h.barrierBack(t, mt.value())
		}
		o = t
	case TypeUserdata:
		u := h.userdataOf(v)
		u.meta = mt
		if mt != nil {
			h.barrierObject(u, mt)
		}
		o = u
	default:
		h.metatables[v.Type()] = mt
		return
	}
	if mt != nil && o.hdr().marked&(bitFinobj|bitFinalized) == 0 {
		if !mt.getStr(h.tmNames[tmGC]).IsNil() {
			o.hdr().marked |= bitFinobj
			h.finobj = append(h.finobj, o)
		}
	}
}
