package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Call machinery
// ---------------------------------------------------------------------------

// precall outcomes
const (
	pcrLua   = iota // a Lua frame was pushed; the caller must execute it
	pcrGo           // a Go function ran to completion
	pcrYield        // a Go function yielded
)

// precall prepares a call to the function at stack slot fn with arguments
// up to top. Go functions run immediately; Lua functions get a new frame.
func (co *Coroutine) precall(fn int, nResults int) int {
	if !co.stack[fn].IsFunction() {
		co.tryFuncTM(fn)
	}
	switch cl := co.h.object(co.stack[fn]).(type) {
	case *LuaClosure:
		p := cl.proto.p
		co.checkStack(p.MaxStackSize)
		var base int
		if !p.IsVararg {
			base = fn + 1
			if co.top > base+p.NumParams {
				co.top = base + p.NumParams
			}
		} else {
			base = co.adjustVarargs(p, co.top-fn-1)
		}
		ci := co.nextCI()
		co.ci[ci] = CallInfo{
			fn:       fn,
			base:     base,
			top:      base + p.MaxStackSize,
			nResults: nResults,
			lua:      true,
		}
		for st := co.top; st < co.ci[ci].top; st++ {
			co.stack[st] = Nil
		}
		co.top = co.ci[ci].top
		if co.hookMask&HookCall != 0 {
			co.callHook(EventCall, -1)
		}
		return pcrLua

	case *GoClosure:
		co.checkStack(MinStack)
		ci := co.nextCI()
		co.ci[ci] = CallInfo{
			fn:       fn,
			base:     fn + 1,
			top:      co.top + MinStack,
			nResults: nResults,
		}
		if co.hookMask&HookCall != 0 {
			co.callHook(EventCall, -1)
		}
		args := copyValues(co.stack[fn+1 : co.top])
		h := co.h
		mark := h.freshMark
		h.freshMark = len(h.fresh)
		rets, err := cl.fn(co, args)
		h.freshMark = mark
		if err != nil {
			if err == errYield {
				return pcrYield
			}
			co.raiseGoError(err)
		}
		for _, r := range rets {
			if !h.alive(r) {
				co.runError(KindHost, "'%s' returned a collected %s", cl.name, r.TypeName())
			}
		}
		co.checkStack(len(rets))
		first := co.top
		for _, r := range rets {
			co.stack[co.top] = r
			co.top++
		}
		co.poscall(first)
		return pcrGo

	default:
		panic(fmt.Sprintf("vm: call of non-function %T", cl))
	}
}

// tryFuncTM replaces a non-function callee by its __call metamethod,
// shifting the original value in as the first argument.
func (co *Coroutine) tryFuncTM(fn int) {
	f := co.stack[fn]
	tm := co.tmByObj(f, tmCall)
	if !tm.IsFunction() {
		co.typeError(f, "call")
	}
	co.checkStack(1)
	for p := co.top; p > fn; p-- {
		co.stack[p] = co.stack[p-1]
	}
	co.top++
	co.stack[fn] = tm
}

// adjustVarargs moves the fixed parameters above the actual arguments so
// the extra arguments stay below the new base. It returns the new base.
func (co *Coroutine) adjustVarargs(p *Prototype, actual int) int {
	for ; actual < p.NumParams; actual++ {
		co.stack[co.top] = Nil
		co.top++
	}
	fixed := co.top - actual
	base := co.top
	for i := 0; i < p.NumParams; i++ {
		co.stack[co.top] = co.stack[fixed+i]
		co.stack[fixed+i] = Nil
		co.top++
	}
	return base
}

// poscall moves results starting at firstResult into place over the
// finished frame's function slot and pops the frame. It returns zero when
// the caller asked for all results.
func (co *Coroutine) poscall(firstResult int) int {
	if co.hookMask&HookReturn != 0 {
		firstResult = co.callReturnHook(firstResult)
	}
	ci := co.ci[co.cii]
	res := ci.fn
	wanted := ci.nResults
	co.cii--
	i := wanted
	for ; i != 0 && firstResult < co.top; i-- {
		co.stack[res] = co.stack[firstResult]
		res++
		firstResult++
	}
	for ; i > 0; i-- {
		co.stack[res] = Nil
		res++
	}
	co.top = res
	return wanted - MultRet
}

// call runs the function at slot fn to completion as a nested call. Yields
// cannot cross it.
func (co *Coroutine) call(fn int, nResults int) {
	co.nCcalls++
	if max := co.h.cfg.MaxNativeCalls; co.nCcalls >= max {
		if co.nCcalls == max {
			co.runError(KindResource, "C stack overflow")
		} else if co.nCcalls >= max+max>>3 {
			co.throw(co.errErr())
		}
	}
	h := co.h
	mark := h.freshMark
	h.freshMark = len(h.fresh)
	if co.precall(fn, nResults) == pcrLua {
		co.execute(1)
	}
	co.nCcalls--
	co.safePoint()
	h.freshMark = mark
}

// safePoint is reached when every live value is anchored on a stack or in
// the heap: pins taken since the innermost call boundary are dropped and the
// collector may take a step.
func (co *Coroutine) safePoint() {
	co.h.dropFresh()
	co.h.checkGC()
}

// ---------------------------------------------------------------------------
// Protected execution
// ---------------------------------------------------------------------------

// runProtected runs f, converting a raised *Error into a return value.
// Foreign panics keep unwinding.
func (co *Coroutine) runProtected(f func()) (err *Error) {
	oldNC := co.nCcalls
	oldMark := co.h.freshMark
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(*Error)
			if !ok {
				panic(r)
			}
			co.nCcalls = oldNC
			co.h.freshMark = oldMark
			err = e
		}
	}()
	f()
	return nil
}

// pcall runs f as a protected call. On error the coroutine is restored to
// the state it had at entry: upvalues above oldTop are closed, the error
// value is left at oldTop, and the call records and hook state are reset.
// ef is the stack slot of the message handler, or 0.
func (co *Coroutine) pcall(f func(), oldTop int, ef int) *Error {
	oldCI := co.cii
	oldAllowHook := co.allowHook
	oldErrfunc := co.errfunc
	co.errfunc = ef
	err := co.runProtected(f)
	if err != nil {
		co.closeUpvalues(oldTop)
		co.setErrorObj(err, oldTop)
		co.cii = oldCI
		co.allowHook = oldAllowHook
		co.shrinkStack()
	}
	co.errfunc = oldErrfunc
	return err
}

// ---------------------------------------------------------------------------
// Calls from Go
// ---------------------------------------------------------------------------

func (co *Coroutine) pushArgs(fn Value, args []Value) int {
	co.checkStack(len(args) + 1)
	at := co.top
	co.stack[co.top] = fn
	co.top++
	for _, a := range args {
		co.stack[co.top] = a
		co.top++
	}
	return at
}

// Call calls fn with args from a Go function running on co and returns all
// results. Errors propagate as raises to the nearest protected call.
func (co *Coroutine) Call(fn Value, args ...Value) []Value {
	at := co.pushArgs(fn, args)
	co.call(at, MultRet)
	res := copyValues(co.stack[at:co.top])
	co.top = at
	co.h.pinAll(res)
	return res
}

// PCall calls fn in protected mode. handler, when not nil, is called with
// the error value at the raise point and its result becomes the error
// value. The coroutine is left exactly as it was on entry.
func (co *Coroutine) PCall(fn, handler Value, args ...Value) ([]Value, error) {
	oldTop := co.top
	ef := 0
	if !handler.IsNil() {
		co.checkStack(1)
		co.stack[co.top] = handler
		ef = co.top
		co.top++
	}
	var at int
	if e := co.runProtected(func() { at = co.pushArgs(fn, args) }); e != nil {
		co.top = oldTop
		return nil, e
	}
	err := co.pcall(func() { co.call(at, MultRet) }, at, ef)
	if err != nil {
		co.top = oldTop
		return nil, err
	}
	res := copyValues(co.stack[at:co.top])
	co.top = oldTop
	co.h.pinAll(res)
	return res, nil
}
