package vm

// ---------------------------------------------------------------------------
// Coroutine: an execution stack with its own call records
// ---------------------------------------------------------------------------

// CoroutineStatus is the lifecycle state of a coroutine.
type CoroutineStatus uint8

const (
	// CoroutineSuspended covers both never-started and yielded coroutines.
	CoroutineSuspended CoroutineStatus = iota
	CoroutineRunning
	// CoroutineNormal is a coroutine that resumed another and is waiting.
	CoroutineNormal
	CoroutineDead
)

var coroutineStatusNames = [...]string{
	CoroutineSuspended: "suspended",
	CoroutineRunning:   "running",
	CoroutineNormal:    "normal",
	CoroutineDead:      "dead",
}

func (s CoroutineStatus) String() string { return coroutineStatusNames[s] }

// CallInfo is the activation record of one call. All positions are stack
// indices, so they survive stack reallocation.
type CallInfo struct {
	fn        int // slot holding the called function
	base      int // first register
	top       int // frame limit
	savedPC   int // index of the next instruction (Lua frames)
	nResults  int // expected results, MultRet for all
	tailCalls int // tail calls folded into this record (saturating)
	lua       bool
}

// Coroutine owns a value stack, a stack of CallInfos and its open upvalues.
// The host's main coroutine is created with the Runtime; others are created
// with Runtime.NewCoroutine or coroutine.create.
type Coroutine struct {
	header
	h *Heap

	stack []Value
	top   int
	ci    []CallInfo
	cii   int

	status  CoroutineStatus
	started bool
	yielded bool
	nYield  int
	resumer *Coroutine

	// openUpvals is sorted by stack index, highest last.
	openUpvals []*Upvalue

	nCcalls    int
	baseCcalls int
	errfunc    int

	allowHook     bool
	hook          Hook
	hookMask      HookMask
	hookCount     int
	baseHookCount int
	hookOldPC     int
}

func (h *Heap) newCoroutine() *Coroutine {
	co := &Coroutine{h: h, allowHook: true}
	co.stack = make([]Value, BasicStackSize+ExtraStack)
	fillNil(co.stack)
	co.ci = make([]CallInfo, basicCISize)
	co.ci[0] = CallInfo{fn: 0, base: 1, top: 1 + MinStack, nResults: MultRet}
	co.top = 1
	h.link(co, kindCoroutine, co.byteSize())
	h.coroutines[co] = struct{}{}
	return co
}

func (co *Coroutine) byteSize() int32 {
	return int32(sizeCoroutine + len(co.stack)*sizeValue + len(co.ci)*sizeCallInfo)
}

// Heap returns the heap the coroutine belongs to.
func (co *Coroutine) Heap() *Heap { return co.h }

// Status returns the coroutine's lifecycle state.
func (co *Coroutine) Status() CoroutineStatus { return co.status }

// Value returns the Value referring to this coroutine.
func (co *Coroutine) Value() Value { return co.value() }

// IsMain reports whether co is the runtime's main coroutine.
func (co *Coroutine) IsMain() bool { return co == co.h.main }

// Depth returns the number of active call records above the base record.
func (co *Coroutine) Depth() int { return co.cii }

// StackSize returns the current capacity of the value stack in slots.
func (co *Coroutine) StackSize() int { return len(co.stack) - ExtraStack }

// ---------------------------------------------------------------------------
// Stack growth
// ---------------------------------------------------------------------------

// checkStack guarantees n free slots above top.
func (co *Coroutine) checkStack(n int) {
	if len(co.stack)-ExtraStack-co.top <= n {
		co.growStack(n)
	}
}

func (co *Coroutine) growStack(n int) {
	size := len(co.stack) - ExtraStack
	max := co.h.cfg.MaxStackSize
	if size > max {
		// already running on the error headroom
		co.throw(co.errErr())
	}
	needed := co.top + n + 1
	newSize := 2 * size
	if newSize < needed {
		newSize = needed
	}
	if newSize > max {
		newSize = max
	}
	if needed > max {
		co.reallocStack(max + errorStackSize)
		co.runError(KindResource, "stack overflow")
	}
	co.reallocStack(newSize)
}

// reallocStack moves the stack to a new array of size usable slots and
// fixes every open upvalue that aliased the old array.
func (co *Coroutine) reallocStack(size int) {
	old := co.stack
	ns := make([]Value, size+ExtraStack)
	n := copy(ns, old)
	fillNil(ns[n:])
	co.stack = ns
	co.correctStack()
	co.h.resize(co, co.byteSize())
}

// nextCI pushes a fresh CallInfo and returns its index. Pointers into co.ci
// taken before the call are invalid afterwards.
func (co *Coroutine) nextCI() int {
	if co.cii+1 >= len(co.ci) {
		co.growCI()
	}
	co.cii++
	return co.cii
}

func (co *Coroutine) growCI() {
	max := co.h.cfg.MaxCalls
	if len(co.ci) > max {
		co.throw(co.errErr())
	}
	newLen := 2 * len(co.ci)
	if len(co.ci) == max {
		newLen = max + errorStackSize
	} else if newLen > max {
		newLen = max
	}
	ns := make([]CallInfo, newLen)
	copy(ns, co.ci)
	co.ci = ns
	co.h.resize(co, co.byteSize())
	if len(co.ci) > max {
		co.runError(KindResource, "stack overflow")
	}
}

// shrinkStack gives back memory after an error unwound a deep stack.
func (co *Coroutine) shrinkStack() {
	inuse := co.top
	for i := 0; i <= co.cii; i++ {
		if co.ci[i].top > inuse {
			inuse = co.ci[i].top
		}
	}
	good := inuse + inuse/8 + 2*ExtraStack
	if good < BasicStackSize {
		good = BasicStackSize
	}
	if max := co.h.cfg.MaxStackSize; good > max {
		good = max
	}
	if inuse <= co.h.cfg.MaxStackSize && co.StackSize() > good {
		co.reallocStack(good)
	}
	if max := co.h.cfg.MaxCalls; len(co.ci) > max && co.cii+1 < max {
		ns := make([]CallInfo, max)
		copy(ns, co.ci[:co.cii+1])
		co.ci = ns
		co.h.resize(co, co.byteSize())
	}
}

// unlinkUpvalue removes uv from the open list when it is freed while open.
func (co *Coroutine) unlinkUpvalue(uv *Upvalue) {
	for i, u := range co.openUpvals {
		if u == uv {
			co.openUpvals = append(co.openUpvals[:i], co.openUpvals[i+1:]...)
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Resume and yield
// ---------------------------------------------------------------------------

// Resume starts or continues co with args, running until it yields, returns
// or fails. from is the coroutine doing the resuming (nil for the host).
//
// The Status is StatusYield when co yielded and StatusOK when its body
// returned; in both cases the values are the yielded or returned values.
// A failure marks co dead and is returned as an *Error.
func (co *Coroutine) Resume(from *Coroutine, args ...Value) (Status, []Value, error) {
	h := co.h
	switch co.status {
	case CoroutineDead:
		return ErrRun, nil, co.protocolError(KindProtocol, "cannot resume dead coroutine")
	case CoroutineRunning, CoroutineNormal:
		return ErrRun, nil, co.protocolError(KindProtocol, "cannot resume non-suspended coroutine")
	}
	if co == h.main {
		return ErrRun, nil, co.protocolError(KindProtocol, "cannot resume non-suspended coroutine")
	}
	if from == nil {
		from = h.running
	}
	if from.nCcalls >= h.cfg.MaxNativeCalls {
		return ErrRun, nil, co.protocolError(KindResource, "C stack overflow")
	}

	if e := co.runProtected(func() { co.checkStack(len(args)) }); e != nil {
		return e.Status, nil, e
	}
	for _, a := range args {
		co.stack[co.top] = a
		co.top++
	}
	firstArg := co.top - len(args)

	co.status = CoroutineRunning
	co.resumer = from
	from.status = CoroutineNormal
	prevRunning := h.running
	h.running = co
	co.nCcalls = from.nCcalls + 1
	co.baseCcalls = co.nCcalls

	mark := h.freshMark
	h.freshMark = len(h.fresh)
	err := co.runProtected(func() { co.resume(firstArg) })
	h.dropFresh()
	h.freshMark = mark

	h.running = prevRunning
	from.status = CoroutineRunning
	co.resumer = nil
	co.nCcalls = 0
	co.baseCcalls = 0

	if err != nil {
		co.status = CoroutineDead
		co.yielded = false
		vmLog.Debugf("coroutine died: %s", err.Message)
		if h.alive(err.Value) {
			h.pin(err.Value)
		}
		return err.Status, nil, err
	}
	if co.yielded {
		co.yielded = false
		co.status = CoroutineSuspended
		n := co.nYield
		res := copyValues(co.stack[co.top-n : co.top])
		co.top -= n
		h.pinAll(res)
		return StatusYield, res, nil
	}
	co.status = CoroutineDead
	base := co.ci[0].base
	res := copyValues(co.stack[base:co.top])
	co.top = base
	h.pinAll(res)
	return StatusOK, res, nil
}

func (co *Coroutine) resume(firstArg int) {
	if !co.started {
		co.started = true
		if co.precall(firstArg-1, MultRet) != pcrLua {
			return
		}
		co.execute(1)
		return
	}
	if !co.ci[co.cii].lua {
		// finish the Go function that yielded; resume args are its results
		if co.poscall(firstArg) != 0 {
			co.top = co.ci[co.cii].top
		}
	}
	if co.cii > 0 && co.ci[co.cii].lua {
		co.execute(co.cii)
	}
}

// Yield suspends the coroutine running the calling Go function. It must be
// used as that function's return: return co.Yield(values...).
func (co *Coroutine) Yield(vals ...Value) ([]Value, error) {
	if co == co.h.main {
		co.runError(KindProtocol, "attempt to yield from outside a coroutine")
	}
	if co.nCcalls > co.baseCcalls {
		co.runError(KindProtocol, "attempt to yield across metamethod/C-call boundary")
	}
	co.checkStack(len(vals))
	for _, v := range vals {
		co.stack[co.top] = v
		co.top++
	}
	co.nYield = len(vals)
	co.yielded = true
	return nil, errYield
}

func (co *Coroutine) protocolError(kind ErrorKind, msg string) *Error {
	return &Error{Status: ErrRun, Kind: kind, Value: co.h.stringValue(msg), Message: msg}
}

func copyValues(vs []Value) []Value {
	if len(vs) == 0 {
		return nil
	}
	out := make([]Value, len(vs))
	copy(out, vs)
	return out
}
