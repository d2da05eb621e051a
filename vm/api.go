package vm

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Runtime: the embedding surface
// ---------------------------------------------------------------------------

// Runtime is one independent interpreter instance: a heap, its main
// coroutine and its globals. A Runtime is not safe for concurrent use; all
// coroutines of a Runtime run on the goroutine that drives it.
//
// Values handed to the host (results, getters, constructors) stay valid
// until the next Call, PCall or Resume from the host. Values the host keeps
// longer must be anchored with Ref or stored in a global.
type Runtime struct {
	h         *Heap
	traceback Value
	lastTrace string
	refFree   []int
	refNext   int
	closed    bool
}

// RefNil is the reference Ref returns for nil.
const RefNil = -1

// New creates a Runtime. Zero fields of cfg take their defaults.
func New(cfg Config) *Runtime {
	rt := &Runtime{h: newHeap(cfg.withDefaults()), refNext: 1}
	tb := rt.h.newGoClosure("traceback", func(co *Coroutine, args []Value) ([]Value, error) {
		rt.lastTrace = co.Traceback("")
		if len(args) == 0 {
			return []Value{Nil}, nil
		}
		return args[:1], nil
	}, rt.h.globals, nil)
	rt.traceback = tb.value()
	rt.h.tableSet(rt.h.registry, rt.h.stringValue("lumen.traceback"), rt.traceback)
	rt.h.dropFresh()
	vmLog.Debugf("runtime created: pause=%d stepmul=%d stepsize=%d", rt.h.cfg.GCPause, rt.h.cfg.GCStepMul, rt.h.cfg.GCStepSize)
	return rt
}

// Heap returns the runtime's heap.
func (rt *Runtime) Heap() *Heap { return rt.h }

// Main returns the main coroutine.
func (rt *Runtime) Main() *Coroutine { return rt.h.main }

// Close runs the finalizers of every object that has one, reachable or
// not. The Runtime must not be used afterwards.
func (rt *Runtime) Close() {
	if rt.closed {
		return
	}
	h := rt.h
	h.gc.stopped = true
	h.separateFinalizable(true)
	for len(h.tmudata) > 0 {
		h.runFinalizer()
	}
	rt.closed = true
	vmLog.Debugf("runtime closed: %d finalizers run", h.stats.Finalized)
}

// atHostLevel reports whether no call is active, so pins held for the host
// can be released.
func (h *Heap) atHostLevel() bool {
	return h.running == h.main && h.main.cii == 0 && h.freshMark == 0
}

func (h *Heap) releaseHostPins() {
	if h.atHostLevel() {
		h.dropFresh()
	}
}

// ---------------------------------------------------------------------------
// Loading and calling
// ---------------------------------------------------------------------------

// Load verifies p and returns a function value for it whose globals are the
// runtime's global table.
func (rt *Runtime) Load(p *Prototype) (Value, error) {
	if err := p.Verify(); err != nil {
		return Nil, fmt.Errorf("load: %w", err)
	}
	h := rt.h
	h.checkGC()
	var fn Value
	if e := h.main.runProtected(func() {
		cl := h.newLuaClosure(h.newProto(p), h.globals)
		for i := range cl.upvals {
			cl.upvals[i] = h.newClosedUpvalue()
		}
		fn = cl.value()
	}); e != nil {
		return Nil, e
	}
	return fn, nil
}

// Call calls fn with args on the running coroutine. An error is returned
// as an *Error with a traceback; when the call came from the host with no
// protected call around it, Config.PanicHook sees it first.
func (rt *Runtime) Call(fn Value, args ...Value) ([]Value, error) {
	res, err := rt.protectedCall(fn, rt.traceback, args)
	if err != nil {
		err.Traceback = rt.lastTrace
		rt.lastTrace = ""
		if hook := rt.h.cfg.PanicHook; hook != nil && rt.h.atHostLevel() {
			hook(err)
		}
		return nil, err
	}
	return res, nil
}

// PCall calls fn in protected mode with an optional message handler.
func (rt *Runtime) PCall(fn, handler Value, args ...Value) ([]Value, error) {
	res, err := rt.protectedCall(fn, handler, args)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (rt *Runtime) protectedCall(fn, handler Value, args []Value) ([]Value, *Error) {
	co := rt.h.running
	host := rt.h.atHostLevel()
	oldTop := co.top
	ef := 0
	var at int
	if e := co.runProtected(func() {
		if !handler.IsNil() {
			co.checkStack(1)
			co.stack[co.top] = handler
			ef = co.top
			co.top++
		}
		at = co.pushArgs(fn, args)
	}); e != nil {
		co.top = oldTop
		return nil, e
	}
	if host {
		rt.h.releaseHostPins()
	}
	err := co.pcall(func() { co.call(at, MultRet) }, at, ef)
	if err != nil {
		co.top = oldTop
		rt.h.pin(err.Value)
		return nil, err
	}
	res := copyValues(co.stack[at:co.top])
	co.top = oldTop
	rt.h.pinAll(res)
	return res, nil
}

// NewCoroutine creates a suspended coroutine that will run fn. The running
// coroutine's hook is inherited.
func (rt *Runtime) NewCoroutine(fn Value) (*Coroutine, error) {
	if !fn.IsFunction() {
		return nil, fmt.Errorf("new coroutine: function expected, got %s", fn.TypeName())
	}
	return rt.h.running.newThread(fn), nil
}

func (co *Coroutine) newThread(fn Value) *Coroutine {
	h := co.h
	h.checkGC()
	nc := h.newCoroutine()
	nc.hook = co.hook
	nc.hookMask = co.hookMask
	nc.baseHookCount = co.baseHookCount
	nc.hookCount = co.baseHookCount
	nc.stack[nc.top] = fn
	nc.top++
	return nc
}

// Resume resumes co from the host. See Coroutine.Resume.
func (rt *Runtime) Resume(co *Coroutine, args ...Value) (Status, []Value, error) {
	return co.Resume(nil, args...)
}

// ---------------------------------------------------------------------------
// Values
// ---------------------------------------------------------------------------

// NewString returns the interned string s.
func (rt *Runtime) NewString(s string) Value {
	rt.h.checkGC()
	return rt.h.stringValue(s)
}

// NewTable returns an empty table with preallocated parts.
func (rt *Runtime) NewTable(narray, nhash int) Value {
	rt.h.checkGC()
	return rt.h.newTable(narray, nhash).value()
}

// NewUserdata wraps a host value.
func (rt *Runtime) NewUserdata(data any) Value {
	rt.h.checkGC()
	return rt.h.newUserdata(data).value()
}

// UserdataValue returns the host value of a userdata, or nil.
func (rt *Runtime) UserdataValue(v Value) any {
	if u := rt.h.userdataOf(v); u != nil {
		return u.Data
	}
	return nil
}

// NewFunction wraps fn as a function value. upvals seed its upvalue slots.
func (rt *Runtime) NewFunction(name string, fn GoFunction, upvals ...Value) Value {
	rt.h.checkGC()
	return rt.h.newGoClosure(name, fn, rt.h.globals, upvals).value()
}

// SetGlobal assigns a global variable without metamethods.
func (rt *Runtime) SetGlobal(name string, v Value) {
	rt.h.pin(v)
	rt.h.tableSet(rt.h.globals, rt.h.stringValue(name), v)
}

// GetGlobal reads a global variable without metamethods.
func (rt *Runtime) GetGlobal(name string) Value {
	v := rt.h.globals.get(rt.h.stringValue(name))
	rt.h.pin(v)
	return v
}

// Globals returns the global table.
func (rt *Runtime) Globals() Value { return rt.h.globals.value() }

// Registry returns the registry table.
func (rt *Runtime) Registry() Value { return rt.h.registry.value() }

// RawGet reads t[k] without metamethods.
func (rt *Runtime) RawGet(t, k Value) (Value, error) {
	tbl := rt.h.tableOf(t)
	if tbl == nil {
		return Nil, fmt.Errorf("rawget: table expected, got %s", t.TypeName())
	}
	v := tbl.get(k)
	rt.h.pin(v)
	return v, nil
}

// RawSet writes t[k] = v without metamethods.
func (rt *Runtime) RawSet(t, k, v Value) error {
	tbl := rt.h.tableOf(t)
	if tbl == nil {
		return fmt.Errorf("rawset: table expected, got %s", t.TypeName())
	}
	if err := checkKey(k); err != nil {
		return err
	}
	rt.h.tableSet(tbl, k, v)
	return nil
}

func checkKey(k Value) error {
	if k.IsNil() {
		return fmt.Errorf("table index is nil")
	}
	if k.IsNumber() && math.IsNaN(k.Number()) {
		return fmt.Errorf("table index is NaN")
	}
	return nil
}

// Len returns the raw length of a table or string.
func (rt *Runtime) Len(v Value) int {
	switch {
	case v.IsTable():
		return rt.h.tableOf(v).length()
	case v.IsString():
		return len(rt.h.stringOf(v).s)
	}
	return 0
}

// SetMetatable sets (or, with Nil, clears) the metatable of v. For values
// other than tables and userdata it sets the metatable shared by their
// type.
func (rt *Runtime) SetMetatable(v, mt Value) error {
	if !mt.IsNil() && !mt.IsTable() {
		return fmt.Errorf("setmetatable: nil or table expected, got %s", mt.TypeName())
	}
	rt.h.setMetatable(v, rt.h.tableOf(mt))
	return nil
}

// GetMetatable returns the metatable of v, or Nil.
func (rt *Runtime) GetMetatable(v Value) Value {
	if mt := rt.h.metatable(v); mt != nil {
		return mt.value()
	}
	return Nil
}

// ToString renders v without calling metamethods.
func (rt *Runtime) ToString(v Value) string { return rt.h.rawToString(v) }

// TypeName returns the type name of v.
func (rt *Runtime) TypeName(v Value) string { return v.TypeName() }

func (h *Heap) rawToString(v Value) string {
	switch v.Type() {
	case TypeNil:
		return "nil"
	case TypeBoolean:
		if v.Bool() {
			return "true"
		}
		return "false"
	case TypeNumber:
		return formatNumber(v.Number())
	case TypeString:
		return h.stringOf(v).s
	}
	return fmt.Sprintf("%s: 0x%08x", v.TypeName(), uint64(v.handle()))
}

// StringValue returns the contents of a string value.
func (rt *Runtime) StringValue(v Value) (string, bool) {
	if s := rt.h.stringOf(v); s != nil {
		return s.s, true
	}
	return "", false
}

// ---------------------------------------------------------------------------
// References
// ---------------------------------------------------------------------------

// Ref anchors v in the registry and returns a handle for Deref. Nil is
// never stored and yields RefNil.
func (rt *Runtime) Ref(v Value) int {
	if v.IsNil() {
		return RefNil
	}
	var ref int
	if n := len(rt.refFree); n > 0 {
		ref = rt.refFree[n-1]
		rt.refFree = rt.refFree[:n-1]
	} else {
		ref = rt.refNext
		rt.refNext++
	}
	rt.h.tableSetInt(rt.h.registry, ref, v)
	return ref
}

// Deref returns the value anchored under ref.
func (rt *Runtime) Deref(ref int) Value {
	if ref <= 0 {
		return Nil
	}
	v := rt.h.registry.getInt(ref)
	rt.h.pin(v)
	return v
}

// Unref releases ref.
func (rt *Runtime) Unref(ref int) {
	if ref <= 0 || rt.h.registry.getInt(ref).IsNil() {
		return
	}
	rt.h.tableSetInt(rt.h.registry, ref, Nil)
	rt.refFree = append(rt.refFree, ref)
}

// ---------------------------------------------------------------------------
// Hooks and collector control
// ---------------------------------------------------------------------------

// SetHook installs a debug hook on the main coroutine. Coroutines created
// afterwards inherit it.
func (rt *Runtime) SetHook(fn Hook, mask HookMask, count int) {
	rt.h.main.SetHook(fn, mask, count)
}

// FullGC runs a complete collection cycle.
func (rt *Runtime) FullGC() { rt.h.fullGC() }

// Step performs a collection step sized for n kilobytes of allocation and
// reports whether it finished a cycle.
func (rt *Runtime) Step(n int) bool { return rt.h.stepKB(n) }

// Stop suspends automatic collection.
func (rt *Runtime) Stop() { rt.h.gc.stopped = true }

// Restart resumes automatic collection.
func (rt *Runtime) Restart() {
	rt.h.gc.stopped = false
	rt.h.gc.threshold = rt.h.gc.totalBytes
}

// SetPause sets the collector pause and returns the previous value.
func (rt *Runtime) SetPause(n int) int {
	old := rt.h.gc.pause
	rt.h.gc.pause = n
	return old
}

// SetStepMul sets the collector step multiplier and returns the previous
// value.
func (rt *Runtime) SetStepMul(n int) int {
	old := rt.h.gc.stepMul
	rt.h.gc.stepMul = n
	return old
}

// Count returns the accounted heap size in bytes.
func (rt *Runtime) Count() int64 { return rt.h.gc.totalBytes }

// Stats returns a snapshot of collector statistics.
func (rt *Runtime) Stats() GCStats { return rt.h.Stats() }

// State returns the collector phase.
func (rt *Runtime) State() GCState { return rt.h.gc.state }

// Color names the tri-color state of v's object.
func (rt *Runtime) Color(v Value) string { return rt.h.Color(v) }

// CheckInvariant verifies the tri-color invariant.
func (rt *Runtime) CheckInvariant() error { return rt.h.CheckInvariant() }

// Alive reports whether v's object has not been freed.
func (rt *Runtime) Alive(v Value) bool { return rt.h.alive(v) }

// Stats returns a snapshot of collector statistics.
func (h *Heap) Stats() GCStats {
	s := h.stats
	s.State = h.gc.state
	s.TotalBytes = h.gc.totalBytes
	s.Threshold = h.gc.threshold
	s.Estimate = h.gc.estimate
	s.LiveObjects = h.arena.live
	return s
}

// stepKB is collectgarbage("step", n).
func (h *Heap) stepKB(n int) bool {
	g := &h.gc
	if g.busy {
		return false
	}
	a := int64(n) << 10
	if a <= g.totalBytes {
		g.threshold = g.totalBytes - a
	} else {
		g.threshold = 0
	}
	for g.threshold <= g.totalBytes {
		h.step()
		if g.state == GCPause {
			return true
		}
	}
	return false
}
