package vm

import (
	"github.com/tliron/commonlog"
)

var vmLog = commonlog.GetLogger("lumen.vm")

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// rk resolves an RK operand of the frame at base.
func (co *Coroutine) rk(base int, k []Value, x int) Value {
	if IsK(x) {
		return k[IndexK(x)]
	}
	return co.stack[base+x]
}

// execute runs Lua frames until nexeccalls of them have returned. Calls to
// Lua functions stay in this loop; only Go functions and metamethods
// recurse.
//
// The stack slice is re-read after anything that can call out, because
// growth reallocates it. Frame positions are indices and stay valid.
func (co *Coroutine) execute(nexeccalls int) {
	h := co.h
reentry:
	cl := h.object(co.stack[co.ci[co.cii].fn]).(*LuaClosure)
	proto := cl.proto
	code := proto.p.Code
	k := proto.k
	base := co.ci[co.cii].base
	pc := co.ci[co.cii].savedPC
	co.hookOldPC = pc - 1

	for {
		i := code[pc]
		pc++
		co.ci[co.cii].savedPC = pc
		if co.hookMask&(HookLine|HookCount) != 0 && co.allowHook {
			co.traceExec(pc)
		}
		a := i.A()
		ra := base + a

		switch i.Op() {
		case OpMove:
			co.stack[ra] = co.stack[base+i.B()]

		case OpLoadK:
			co.stack[ra] = k[i.Bx()]

		case OpLoadBool:
			co.stack[ra] = FromBool(i.B() != 0)
			if i.C() != 0 {
				pc++
			}

		case OpLoadNil:
			for r := base + i.B(); r >= ra; r-- {
				co.stack[r] = Nil
			}

		case OpGetUpval:
			co.stack[ra] = *cl.upvals[i.B()].v

		case OpGetGlobal:
			v := co.getTable(cl.env.value(), k[i.Bx()])
			co.stack[ra] = v

		case OpGetTable:
			v := co.getTable(co.stack[base+i.B()], co.rk(base, k, i.C()))
			co.stack[ra] = v

		case OpSetGlobal:
			co.setTable(cl.env.value(), k[i.Bx()], co.stack[ra])

		case OpSetUpval:
			uv := cl.upvals[i.B()]
			*uv.v = co.stack[ra]
			h.barrierForward(uv, *uv.v)

		case OpSetTable:
			co.setTable(co.stack[ra], co.rk(base, k, i.B()), co.rk(base, k, i.C()))

		case OpNewTable:
			t := h.newTable(fb2int(i.B()), fb2int(i.C()))
			co.stack[ra] = t.value()
			co.safePoint()

		case OpSelf:
			rb := co.stack[base+i.B()]
			co.stack[ra+1] = rb
			v := co.getTable(rb, co.rk(base, k, i.C()))
			co.stack[ra] = v

		case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow:
			rb := co.rk(base, k, i.B())
			rc := co.rk(base, k, i.C())
			e := arithEvents[i.Op()-OpAdd]
			if rb.IsNumber() && rc.IsNumber() {
				co.stack[ra] = FromNumber(arithNumber(e, rb.Number(), rc.Number()))
			} else {
				v := co.arith(rb, rc, e)
				co.stack[ra] = v
			}

		case OpUnm:
			rb := co.stack[base+i.B()]
			if rb.IsNumber() {
				co.stack[ra] = FromNumber(-rb.Number())
			} else {
				v := co.arith(rb, rb, tmUnm)
				co.stack[ra] = v
			}

		case OpNot:
			co.stack[ra] = FromBool(co.stack[base+i.B()].IsFalsy())

		case OpLen:
			v := co.objLen(co.stack[base+i.B()])
			co.stack[ra] = v

		case OpConcat:
			b, c := i.B(), i.C()
			co.concat(c-b+1, base+c)
			co.stack[ra] = co.stack[base+b]
			co.safePoint()

		case OpJmp:
			pc += i.SBx()

		case OpEq:
			if co.equalValues(co.rk(base, k, i.B()), co.rk(base, k, i.C())) == (a != 0) {
				pc += code[pc].SBx()
			}
			pc++

		case OpLt:
			if co.lessThan(co.rk(base, k, i.B()), co.rk(base, k, i.C())) == (a != 0) {
				pc += code[pc].SBx()
			}
			pc++

		case OpLe:
			if co.lessEqual(co.rk(base, k, i.B()), co.rk(base, k, i.C())) == (a != 0) {
				pc += code[pc].SBx()
			}
			pc++

		case OpTest:
			if co.stack[ra].IsFalsy() != (i.C() != 0) {
				pc += code[pc].SBx()
			}
			pc++

		case OpTestSet:
			rb := co.stack[base+i.B()]
			if rb.IsFalsy() != (i.C() != 0) {
				co.stack[ra] = rb
				pc += code[pc].SBx()
			}
			pc++

		case OpCall:
			if b := i.B(); b != 0 {
				co.top = ra + b
			}
			nresults := i.C() - 1
			switch co.precall(ra, nresults) {
			case pcrLua:
				nexeccalls++
				goto reentry
			case pcrGo:
				if nresults >= 0 {
					co.top = co.ci[co.cii].top
				}
			case pcrYield:
				return
			}

		case OpTailCall:
			if b := i.B(); b != 0 {
				co.top = ra + b
			}
			switch co.precall(ra, MultRet) {
			case pcrLua:
				co.tailCall()
				goto reentry
			case pcrGo:
				// results are at top; the RETURN that follows returns them
			case pcrYield:
				return
			}

		case OpReturn:
			if b := i.B(); b != 0 {
				co.top = ra + b - 1
			}
			if len(co.openUpvals) > 0 {
				co.closeUpvalues(base)
			}
			fixed := co.poscall(ra)
			nexeccalls--
			if nexeccalls == 0 {
				return
			}
			if fixed != 0 {
				co.top = co.ci[co.cii].top
			}
			goto reentry

		case OpForLoop:
			step := co.stack[ra+2].Number()
			idx := co.stack[ra].Number() + step
			limit := co.stack[ra+1].Number()
			if (step > 0 && idx <= limit) || (step <= 0 && limit <= idx) {
				pc += i.SBx()
				co.stack[ra] = FromNumber(idx)
				co.stack[ra+3] = FromNumber(idx)
			}

		case OpForPrep:
			init, ok := h.toNumber(co.stack[ra])
			if !ok {
				co.runError(KindRuntime, "'for' initial value must be a number")
			}
			limit, ok := h.toNumber(co.stack[ra+1])
			if !ok {
				co.runError(KindRuntime, "'for' limit must be a number")
			}
			step, ok := h.toNumber(co.stack[ra+2])
			if !ok {
				co.runError(KindRuntime, "'for' step must be a number")
			}
			co.stack[ra] = FromNumber(init - step)
			co.stack[ra+1] = FromNumber(limit)
			co.stack[ra+2] = FromNumber(step)
			pc += i.SBx()

		case OpTForLoop:
			cb := ra + 3
			co.stack[cb+2] = co.stack[ra+2]
			co.stack[cb+1] = co.stack[ra+1]
			co.stack[cb] = co.stack[ra]
			co.top = cb + 3
			co.call(cb, i.C())
			co.top = co.ci[co.cii].top
			if v := co.stack[cb]; !v.IsNil() {
				co.stack[cb-1] = v
				pc += code[pc].SBx()
			}
			pc++

		case OpSetList:
			n, c := i.B(), i.C()
			multret := n == 0
			if multret {
				n = co.top - ra - 1
			}
			if c == 0 {
				c = int(code[pc])
				pc++
			}
			t := h.tableOf(co.stack[ra])
			last := (c-1)*FieldsPerFlush + n
			if last > len(t.array) {
				h.resizeArray(t, last)
			}
			t.flags = 0
			for ; n > 0; n-- {
				v := co.stack[ra+n]
				t.array[last-1] = v
				h.barrierBack(t, v)
				last--
			}
			if multret {
				co.top = co.ci[co.cii].top
			}

		case OpClose:
			co.closeUpvalues(ra)

		case OpClosure:
			np := proto.protos[i.Bx()]
			ncl := h.newLuaClosure(np, cl.env)
			co.stack[ra] = ncl.value()
			for j := range ncl.upvals {
				capture := code[pc]
				pc++
				if capture.Op() == OpGetUpval {
					ncl.upvals[j] = cl.upvals[capture.B()]
				} else {
					ncl.upvals[j] = co.findUpvalue(base + capture.B())
				}
			}
			co.safePoint()

		case OpVararg:
			b := i.B() - 1
			ci := co.ci[co.cii]
			n := ci.base - ci.fn - 1 - proto.p.NumParams
			if n < 0 {
				n = 0
			}
			if b == MultRet {
				co.checkStack(n)
				b = n
				co.top = ra + n
			}
			for j := 0; j < b; j++ {
				if j < n {
					co.stack[ra+j] = co.stack[ci.base-n+j]
				} else {
					co.stack[ra+j] = Nil
				}
			}

		default:
			co.runError(KindRuntime, "bad opcode %d", i.Op())
		}
	}
}

var arithEvents = [...]tmEvent{tmAdd, tmSub, tmMul, tmDiv, tmMod, tmPow}

// tailCall folds the frame precall just pushed into the caller's record and
// moves the callee's function and arguments down over the caller's.
func (co *Coroutine) tailCall() {
	callee := co.ci[co.cii]
	prev := &co.ci[co.cii-1]
	if len(co.openUpvals) > 0 {
		co.closeUpvalues(prev.base)
	}
	fn := prev.fn
	pfn := callee.fn
	prev.base = fn + (callee.base - pfn)
	n := 0
	for ; pfn+n < co.top; n++ {
		co.stack[fn+n] = co.stack[pfn+n]
	}
	co.top = fn + n
	prev.top = co.top
	prev.savedPC = 0
	prev.lua = true
	if prev.tailCalls < maxTailCount {
		prev.tailCalls++
	}
	co.cii--
}

// maxTailCount saturates the per-record tail call counter.
const maxTailCount = 1 << 30
