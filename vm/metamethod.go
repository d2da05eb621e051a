package vm

import (
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Metamethod events
// ---------------------------------------------------------------------------

type tmEvent uint8

// The events up to tmEq are looked up often enough on tables that their
// absence is cached in Table.flags.
const (
	tmIndex tmEvent = iota
	tmNewIndex
	tmGC
	tmMode
	tmEq
	tmAdd
	tmSub
	tmMul
	tmDiv
	tmMod
	tmPow
	tmUnm
	tmLen
	tmLt
	tmLe
	tmConcat
	tmCall
	tmN
)

var tmEventNames = [tmN]string{
	"__index", "__newindex", "__gc", "__mode", "__eq",
	"__add", "__sub", "__mul", "__div", "__mod", "__pow", "__unm",
	"__len", "__lt", "__le", "__concat", "__call",
}

// maxTagLoop bounds __index and __newindex chains.
const maxTagLoop = 100

// fastTM looks up a cacheable event in mt, remembering misses.
func (h *Heap) fastTM(mt *Table, e tmEvent) Value {
	if mt == nil || mt.flags&(1<<e) != 0 {
		return Nil
	}
	tm := mt.getStr(h.tmNames[e])
	if tm.IsNil() {
		mt.flags |= 1 << e
	}
	return tm
}

func (co *Coroutine) tmByObj(v Value, e tmEvent) Value {
	mt := co.h.metatable(v)
	if mt == nil {
		return Nil
	}
	return mt.getStr(co.h.tmNames[e])
}

// callTMRes calls f(a, b) and returns its first result.
func (co *Coroutine) callTMRes(f, a, b Value) Value {
	co.checkStack(3)
	fn := co.top
	co.stack[fn] = f
	co.stack[fn+1] = a
	co.stack[fn+2] = b
	co.top += 3
	co.call(fn, 1)
	co.top--
	return co.stack[co.top]
}

func (co *Coroutine) callTM(f, a, b, c Value) {
	co.checkStack(4)
	fn := co.top
	co.stack[fn] = f
	co.stack[fn+1] = a
	co.stack[fn+2] = b
	co.stack[fn+3] = c
	co.top += 4
	co.call(fn, 0)
}

// ---------------------------------------------------------------------------
// Indexing
// ---------------------------------------------------------------------------

// getTable returns t[key], following __index.
func (co *Coroutine) getTable(t, key Value) Value {
	h := co.h
	for loop := 0; loop < maxTagLoop; loop++ {
		var tm Value
		if t.IsTable() {
			tbl := h.tableOf(t)
			if res := tbl.get(key); !res.IsNil() {
				return res
			}
			if tm = h.fastTM(tbl.meta, tmIndex); tm.IsNil() {
				return Nil
			}
		} else if tm = co.tmByObj(t, tmIndex); tm.IsNil() {
			co.typeError(t, "index")
		}
		if tm.IsFunction() {
			return co.callTMRes(tm, t, key)
		}
		t = tm
	}
	co.runError(KindRuntime, "loop in gettable")
	return Nil
}

// setTable performs t[key] = v, following __newindex.
func (co *Coroutine) setTable(t, key, v Value) {
	h := co.h
	for loop := 0; loop < maxTagLoop; loop++ {
		var tm Value
		if t.IsTable() {
			tbl := h.tableOf(t)
			old := tbl.get(key)
			if !old.IsNil() {
				h.tableSet(tbl, key, v)
				return
			}
			if tm = h.fastTM(tbl.meta, tmNewIndex); tm.IsNil() {
				co.rawSet(tbl, key, v)
				return
			}
		} else if tm = co.tmByObj(t, tmNewIndex); tm.IsNil() {
			co.typeError(t, "index")
		}
		if tm.IsFunction() {
			co.callTM(tm, t, key, v)
			return
		}
		t = tm
	}
	co.runError(KindRuntime, "loop in settable")
}

// rawSet validates key and stores without metamethods.
func (co *Coroutine) rawSet(t *Table, key, v Value) {
	if key.IsNil() {
		co.runError(KindRuntime, "table index is nil")
	}
	if key.IsNumber() && math.IsNaN(key.Number()) {
		co.runError(KindRuntime, "table index is NaN")
	}
	co.h.tableSet(t, key, v)
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// toNumber converts numbers and numeric strings.
func (h *Heap) toNumber(v Value) (float64, bool) {
	if v.IsNumber() {
		return v.Number(), true
	}
	if v.IsString() {
		return parseNumber(h.stringOf(v).s)
	}
	return 0, false
}

// toStringRaw converts strings and numbers to their text.
func (h *Heap) toStringRaw(v Value) (string, bool) {
	switch {
	case v.IsString():
		return h.stringOf(v).s, true
	case v.IsNumber():
		return formatNumber(v.Number()), true
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func arithNumber(e tmEvent, a, b float64) float64 {
	switch e {
	case tmAdd:
		return a + b
	case tmSub:
		return a - b
	case tmMul:
		return a * b
	case tmDiv:
		return a / b
	case tmMod:
		return a - math.Floor(a/b)*b
	case tmPow:
		return math.Pow(a, b)
	case tmUnm:
		return -a
	}
	panic("vm: bad arithmetic event")
}

// arith is the slow path of the arithmetic opcodes: numeric strings are
// coerced, then the operands' metamethods are tried.
func (co *Coroutine) arith(b, c Value, e tmEvent) Value {
	if nb, ok := co.h.toNumber(b); ok {
		if nc, ok := co.h.toNumber(c); ok {
			return FromNumber(arithNumber(e, nb, nc))
		}
	}
	tm := co.tmByObj(b, e)
	if tm.IsNil() {
		tm = co.tmByObj(c, e)
	}
	if tm.IsNil() {
		bad := c
		if _, ok := co.h.toNumber(b); !ok {
			bad = b
		}
		co.typeError(bad, "perform arithmetic on")
	}
	return co.callTMRes(tm, b, c)
}

// objLen implements the length operator.
func (co *Coroutine) objLen(v Value) Value {
	switch v.Type() {
	case TypeString:
		return FromInt(len(co.h.stringOf(v).s))
	case TypeTable:
		t := co.h.tableOf(v)
		if t.meta != nil {
			if tm := t.meta.getStr(co.h.tmNames[tmLen]); !tm.IsNil() {
				return co.callTMRes(tm, v, Nil)
			}
		}
		return FromInt(t.length())
	}
	tm := co.tmByObj(v, tmLen)
	if tm.IsNil() {
		co.typeError(v, "get length of")
	}
	return co.callTMRes(tm, v, Nil)
}

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

// equalValues implements ==, consulting __eq only for two tables or two
// userdata sharing the same handler.
func (co *Coroutine) equalValues(a, b Value) bool {
	if a.Type() != b.Type() {
		return false
	}
	if rawEqual(a, b) {
		return true
	}
	var mt1, mt2 *Table
	switch a.Type() {
	case TypeTable:
		mt1, mt2 = co.h.tableOf(a).meta, co.h.tableOf(b).meta
	case TypeUserdata:
		mt1, mt2 = co.h.userdataOf(a).meta, co.h.userdataOf(b).meta
	default:
		return false
	}
	tm := co.compTM(mt1, mt2, tmEq)
	if tm.IsNil() {
		return false
	}
	return !co.callTMRes(tm, a, b).IsFalsy()
}

func (co *Coroutine) compTM(mt1, mt2 *Table, e tmEvent) Value {
	tm1 := co.h.fastTM(mt1, e)
	if tm1.IsNil() {
		return Nil
	}
	if mt1 == mt2 {
		return tm1
	}
	tm2 := co.h.fastTM(mt2, e)
	if tm2.IsNil() || !rawEqual(tm1, tm2) {
		return Nil
	}
	return tm1
}

// callOrderTM calls the shared order metamethod of a and b. ok is false
// when they have none.
func (co *Coroutine) callOrderTM(a, b Value, e tmEvent) (res, ok bool) {
	tm1 := co.tmByObj(a, e)
	if tm1.IsNil() {
		return false, false
	}
	tm2 := co.tmByObj(b, e)
	if !rawEqual(tm1, tm2) {
		return false, false
	}
	return !co.callTMRes(tm1, a, b).IsFalsy(), true
}

func (co *Coroutine) lessThan(a, b Value) bool {
	switch {
	case a.Type() != b.Type():
		co.orderError(a, b)
	case a.IsNumber():
		return a.Number() < b.Number()
	case a.IsString():
		return co.h.stringOf(a).s < co.h.stringOf(b).s
	}
	if res, ok := co.callOrderTM(a, b, tmLt); ok {
		return res
	}
	co.orderError(a, b)
	return false
}

func (co *Coroutine) lessEqual(a, b Value) bool {
	switch {
	case a.Type() != b.Type():
		co.orderError(a, b)
	case a.IsNumber():
		return a.Number() <= b.Number()
	case a.IsString():
		return co.h.stringOf(a).s <= co.h.stringOf(b).s
	}
	if res, ok := co.callOrderTM(a, b, tmLe); ok {
		return res
	}
	if res, ok := co.callOrderTM(b, a, tmLt); ok {
		return !res
	}
	co.orderError(a, b)
	return false
}

// ---------------------------------------------------------------------------
// Concatenation
// ---------------------------------------------------------------------------

// concat joins the total values ending at stack slot last, leaving the
// result in the first of them. Runs of strings and numbers are joined in
// one allocation; anything else goes through __concat pairwise from the
// right.
func (co *Coroutine) concat(total, last int) {
	h := co.h
	for total > 1 {
		top := last + 1
		n := 2
		a, b := co.stack[top-2], co.stack[top-1]
		_, aok := h.toStringRaw(a)
		bs, bok := h.toStringRaw(b)
		switch {
		case !aok || !bok:
			tm := co.tmByObj(a, tmConcat)
			if tm.IsNil() {
				tm = co.tmByObj(b, tmConcat)
			}
			if tm.IsNil() {
				bad := a
				if aok {
					bad = b
				}
				co.typeError(bad, "concatenate")
			}
			res := co.callTMRes(tm, a, b)
			co.stack[top-2] = res
		case bs == "":
			s, _ := h.toStringRaw(a)
			res := h.stringValue(s)
			co.stack[top-2] = res
		default:
			for n < total {
				if _, ok := h.toStringRaw(co.stack[top-n-1]); !ok {
					break
				}
				n++
			}
			var sb strings.Builder
			for i := top - n; i < top; i++ {
				s, _ := h.toStringRaw(co.stack[i])
				sb.WriteString(s)
			}
			res := h.stringValue(sb.String())
			co.stack[top-n] = res
		}
		total -= n - 1
		last -= n - 1
	}
}
