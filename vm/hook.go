package vm

// ---------------------------------------------------------------------------
// Debug hooks
// ---------------------------------------------------------------------------

// HookMask selects the events a hook receives.
type HookMask uint8

const (
	HookCall HookMask = 1 << iota
	HookReturn
	HookLine
	HookCount
)

// HookEventKind identifies a hook event.
type HookEventKind uint8

const (
	EventCall HookEventKind = iota
	EventReturn
	EventLine
	EventCount
)

var hookEventNames = [...]string{
	EventCall:   "call",
	EventReturn: "return",
	EventLine:   "line",
	EventCount:  "count",
}

func (k HookEventKind) String() string { return hookEventNames[k] }

// HookEvent describes the frame a hook fired in.
type HookEvent struct {
	Kind     HookEventKind
	Line     int    // current line for line events, -1 otherwise
	Function Value  // function running in the frame
	Source   string // chunk name, "[C]" for Go functions
}

// Hook is called synchronously from the interpreter. Hooks are disabled
// while one runs; a hook may call back into the runtime through co.
type Hook func(co *Coroutine, ev HookEvent)

// SetHook installs fn for the events in mask. With HookCount, fn fires every
// count instructions. A nil fn or zero mask removes the hook.
func (co *Coroutine) SetHook(fn Hook, mask HookMask, count int) {
	if fn == nil || mask == 0 {
		fn, mask = nil, 0
	}
	if count <= 0 {
		mask &^= HookCount
		count = 0
	}
	co.hook = fn
	co.hookMask = mask
	co.baseHookCount = count
	co.hookCount = count
}

// callHook runs the hook for an event in the current frame.
func (co *Coroutine) callHook(kind HookEventKind, line int) {
	if co.hook == nil || !co.allowHook {
		return
	}
	ev := HookEvent{Kind: kind, Line: line, Function: co.stack[co.ci[co.cii].fn], Source: "[C]"}
	if co.ci[co.cii].lua {
		ev.Source = chunkID(co.protoAt(co.cii).Source)
	}
	savedTop := co.top
	ciTop := co.ci[co.cii].top
	co.checkStack(MinStack)
	if co.ci[co.cii].top < co.top+MinStack {
		co.ci[co.cii].top = co.top + MinStack
	}
	co.allowHook = false
	co.hook(co, ev)
	co.allowHook = true
	co.ci[co.cii].top = ciTop
	co.top = savedTop
}

// callReturnHook fires the return event; results above firstResult are
// left intact.
func (co *Coroutine) callReturnHook(firstResult int) int {
	co.callHook(EventReturn, -1)
	return firstResult
}

// traceExec fires count and line events before the instruction at pc-1 of
// the current Lua frame runs.
func (co *Coroutine) traceExec(pc int) {
	mask := co.hookMask
	if mask&HookCount != 0 {
		co.hookCount--
		if co.hookCount <= 0 {
			co.hookCount = co.baseHookCount
			co.callHook(EventCount, -1)
		}
	}
	if mask&HookLine == 0 {
		return
	}
	p := co.protoAt(co.cii)
	npc := pc - 1
	newline := lineAt(p, npc)
	oldpc := co.hookOldPC
	// a new line, a backward jump, or entry to a function
	if npc == 0 || npc <= oldpc || newline != lineAt(p, oldpc) {
		co.callHook(EventLine, newline)
	}
	co.hookOldPC = npc
}
