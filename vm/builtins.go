package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Base library
// ---------------------------------------------------------------------------

// OpenBase installs the base functions and the coroutine table into the
// globals. It is the only library the runtime ships; everything else is
// left to the embedder.
func (rt *Runtime) OpenBase() {
	h := rt.h
	g := h.globals
	reg := func(t *Table, name string, fn GoFunction) {
		cl := h.newGoClosure(name, fn, g, nil)
		h.tableSet(t, h.stringValue(name), cl.value())
	}
	h.tableSet(g, h.stringValue("_G"), g.value())
	h.tableSet(g, h.stringValue("_VERSION"), h.stringValue("Lua 5.1"))
	for _, b := range []struct {
		name string
		fn   GoFunction
	}{
		{"print", rt.basePrint},
		{"type", baseType},
		{"tostring", baseToString},
		{"tonumber", baseToNumber},
		{"pcall", basePCall},
		{"xpcall", baseXPCall},
		{"error", baseError},
		{"assert", baseAssert},
		{"select", baseSelect},
		{"unpack", baseUnpack},
		{"setmetatable", baseSetMetatable},
		{"getmetatable", baseGetMetatable},
		{"rawget", baseRawGet},
		{"rawset", baseRawSet},
		{"rawequal", baseRawEqual},
		{"next", baseNext},
		{"collectgarbage", rt.baseCollectGarbage},
	} {
		reg(g, b.name, b.fn)
	}

	// pairs and ipairs keep their iterators in upvalues so the collector
	// sees them even after the globals are reassigned
	next := g.getStr(h.intern("next"))
	pairs := h.newGoClosure("pairs", basePairs, g, []Value{next})
	h.tableSet(g, h.stringValue("pairs"), pairs.value())
	ipairsAux := h.newGoClosure("ipairs_aux", baseIPairsAux, g, nil)
	ipairs := h.newGoClosure("ipairs", baseIPairs, g, []Value{ipairsAux.value()})
	h.tableSet(g, h.stringValue("ipairs"), ipairs.value())

	lib := h.newTable(0, 8)
	h.tableSet(g, h.stringValue("coroutine"), lib.value())
	reg(lib, "create", coCreate)
	reg(lib, "resume", coResume)
	reg(lib, "yield", coYield)
	reg(lib, "status", coStatus)
	reg(lib, "wrap", coWrap)
	reg(lib, "running", coRunning)
}

// ---------------------------------------------------------------------------
// Argument checking
// ---------------------------------------------------------------------------

// NewError builds an error raised with the position of the Lua code that
// called the running Go function.
func (co *Coroutine) NewError(format string, args ...any) *Error {
	msg := co.where(1) + fmt.Sprintf(format, args...)
	return &Error{Status: ErrRun, Kind: KindRuntime, Value: co.h.stringValue(msg), Message: msg}
}

// goSelf returns the Go closure running in the current frame.
func (co *Coroutine) goSelf() *GoClosure {
	return co.h.object(co.stack[co.ci[co.cii].fn]).(*GoClosure)
}

// SetUpvalue replaces upvalue i of the running Go function, letting it keep
// state between calls. Panics if the current frame is not a Go function.
func (co *Coroutine) SetUpvalue(i int, v Value) {
	co.h.setGoUpvalue(co.goSelf(), i, v)
}

// ArgError reports a bad argument n (1-based) of the running Go function.
func (co *Coroutine) ArgError(n int, msg string) *Error {
	name := "?"
	if kind, fname := co.funcName(co.cii); kind != "" {
		name = fname
		if kind == "method" {
			n--
			if n == 0 {
				return co.NewError("calling '%s' on bad self (%s)", name, msg)
			}
		}
	} else if gc, ok := co.h.object(co.stack[co.ci[co.cii].fn]).(*GoClosure); ok && gc.name != "" {
		name = gc.name
	}
	return co.NewError("bad argument #%d to '%s' (%s)", n, name, msg)
}

func (co *Coroutine) typeArgError(n int, want string, got Value) *Error {
	return co.ArgError(n, fmt.Sprintf("%s expected, got %s", want, got.TypeName()))
}

func argAt(args []Value, i int) Value {
	if i < len(args) {
		return args[i]
	}
	return Nil
}

// checkArg verifies the type of argument i (0-based).
func (co *Coroutine) checkArg(args []Value, i int, t Type) error {
	v := argAt(args, i)
	if v.Type() != t {
		if i >= len(args) {
			return co.ArgError(i+1, fmt.Sprintf("%s expected, got no value", t))
		}
		return co.typeArgError(i+1, t.String(), v)
	}
	return nil
}

func (co *Coroutine) checkAny(args []Value, i int) error {
	if i >= len(args) {
		return co.ArgError(i+1, "value expected")
	}
	return nil
}

func (co *Coroutine) optInt(args []Value, i int, def int) (int, error) {
	v := argAt(args, i)
	if v.IsNil() {
		return def, nil
	}
	f, ok := co.h.toNumber(v)
	if !ok {
		return 0, co.typeArgError(i+1, "number", v)
	}
	return int(f), nil
}

// ---------------------------------------------------------------------------
// Conversion with metamethods
// ---------------------------------------------------------------------------

// ToString converts v as tostring does, honoring __tostring.
func (co *Coroutine) ToString(v Value) Value {
	if mt := co.h.metatable(v); mt != nil {
		if tm := mt.getStr(co.h.intern("__tostring")); !tm.IsNil() {
			return co.callTMRes(tm, v, Nil)
		}
	}
	if v.IsString() {
		return v
	}
	return co.h.stringValue(co.h.rawToString(v))
}

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

func (rt *Runtime) basePrint(co *Coroutine, args []Value) ([]Value, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		s := co.ToString(a)
		if !s.IsString() {
			return nil, co.NewError("'tostring' must return a string to 'print'")
		}
		parts[i] = co.h.stringOf(s).s
	}
	_, err := fmt.Fprintln(rt.h.cfg.Stdout, strings.Join(parts, "\t"))
	return nil, err
}

func baseType(co *Coroutine, args []Value) ([]Value, error) {
	if err := co.checkAny(args, 0); err != nil {
		return nil, err
	}
	return []Value{co.h.stringValue(args[0].TypeName())}, nil
}

func baseToString(co *Coroutine, args []Value) ([]Value, error) {
	if err := co.checkAny(args, 0); err != nil {
		return nil, err
	}
	return []Value{co.ToString(args[0])}, nil
}

func baseToNumber(co *Coroutine, args []Value) ([]Value, error) {
	base, err := co.optInt(args, 1, 10)
	if err != nil {
		return nil, err
	}
	v := argAt(args, 0)
	if base == 10 {
		if f, ok := co.h.toNumber(v); ok {
			return []Value{FromNumber(f)}, nil
		}
		return []Value{Nil}, nil
	}
	if base < 2 || base > 36 {
		return nil, co.ArgError(2, "base out of range")
	}
	s, ok := co.h.toStringRaw(v)
	if !ok {
		return nil, co.typeArgError(1, "string", v)
	}
	n, perr := strconv.ParseUint(strings.TrimSpace(strings.ToLower(s)), base, 64)
	if perr != nil {
		return []Value{Nil}, nil
	}
	return []Value{FromNumber(float64(n))}, nil
}

func basePCall(co *Coroutine, args []Value) ([]Value, error) {
	if err := co.checkAny(args, 0); err != nil {
		return nil, err
	}
	res, err := co.PCall(args[0], Nil, args[1:]...)
	return protectedResults(res, err), nil
}

func baseXPCall(co *Coroutine, args []Value) ([]Value, error) {
	if len(args) < 2 {
		return nil, co.ArgError(2, "value expected")
	}
	res, err := co.PCall(args[0], args[1], args[2:]...)
	return protectedResults(res, err), nil
}

func protectedResults(res []Value, err error) []Value {
	if err != nil {
		return []Value{False, err.(*Error).Value}
	}
	return append([]Value{True}, res...)
}

func baseError(co *Coroutine, args []Value) ([]Value, error) {
	v := argAt(args, 0)
	level, err := co.optInt(args, 1, 1)
	if err != nil {
		return nil, err
	}
	if v.IsString() && level > 0 {
		if where := co.where(level); where != "" {
			v = co.h.stringValue(where + co.h.stringOf(v).s)
		}
	}
	return nil, &Error{Status: ErrRun, Kind: KindRuntime, Value: v, Message: co.h.describe(v)}
}

func baseAssert(co *Coroutine, args []Value) ([]Value, error) {
	if err := co.checkAny(args, 0); err != nil {
		return nil, err
	}
	if args[0].IsFalsy() {
		if len(args) > 1 {
			msg, ok := co.h.toStringRaw(args[1])
			if !ok {
				return nil, co.typeArgError(2, "string", args[1])
			}
			return nil, co.NewError("%s", msg)
		}
		return nil, co.NewError("assertion failed!")
	}
	return args, nil
}

func baseSelect(co *Coroutine, args []Value) ([]Value, error) {
	n := argAt(args, 0)
	if n.IsString() && co.h.stringOf(n).s == "#" {
		return []Value{FromInt(len(args) - 1)}, nil
	}
	f, ok := co.h.toNumber(n)
	if !ok {
		return nil, co.typeArgError(1, "number", n)
	}
	i := int(f)
	if i < 0 {
		i = len(args) + i
	} else if i > len(args)-1 {
		i = len(args)
	}
	if i < 1 {
		return nil, co.ArgError(1, "index out of range")
	}
	return args[i:], nil
}

func baseUnpack(co *Coroutine, args []Value) ([]Value, error) {
	if err := co.checkArg(args, 0, TypeTable); err != nil {
		return nil, err
	}
	t := co.h.tableOf(args[0])
	i, err := co.optInt(args, 1, 1)
	if err != nil {
		return nil, err
	}
	j, err := co.optInt(args, 2, t.length())
	if err != nil {
		return nil, err
	}
	if i > j {
		return nil, nil
	}
	if j-i >= co.h.cfg.MaxStackSize {
		return nil, co.NewError("too many results to unpack")
	}
	out := make([]Value, 0, j-i+1)
	for k := i; k <= j; k++ {
		out = append(out, t.getInt(k))
	}
	return out, nil
}

func baseSetMetatable(co *Coroutine, args []Value) ([]Value, error) {
	if err := co.checkArg(args, 0, TypeTable); err != nil {
		return nil, err
	}
	mt := argAt(args, 1)
	if !mt.IsNil() && !mt.IsTable() {
		return nil, co.typeArgError(2, "nil or table", mt)
	}
	if old := co.h.tableOf(args[0]).meta; old != nil {
		if !old.getStr(co.h.intern("__metatable")).IsNil() {
			return nil, co.NewError("cannot change a protected metatable")
		}
	}
	co.h.setMetatable(args[0], co.h.tableOf(mt))
	return args[:1], nil
}

func baseGetMetatable(co *Coroutine, args []Value) ([]Value, error) {
	if err := co.checkAny(args, 0); err != nil {
		return nil, err
	}
	mt := co.h.metatable(args[0])
	if mt == nil {
		return []Value{Nil}, nil
	}
	if protected := mt.getStr(co.h.intern("__metatable")); !protected.IsNil() {
		return []Value{protected}, nil
	}
	return []Value{mt.value()}, nil
}

func baseRawGet(co *Coroutine, args []Value) ([]Value, error) {
	if err := co.checkArg(args, 0, TypeTable); err != nil {
		return nil, err
	}
	if err := co.checkAny(args, 1); err != nil {
		return nil, err
	}
	return []Value{co.h.tableOf(args[0]).get(args[1])}, nil
}

func baseRawSet(co *Coroutine, args []Value) ([]Value, error) {
	if err := co.checkArg(args, 0, TypeTable); err != nil {
		return nil, err
	}
	if err := co.checkAny(args, 2); err != nil {
		return nil, err
	}
	co.rawSet(co.h.tableOf(args[0]), args[1], args[2])
	return args[:1], nil
}

func baseRawEqual(co *Coroutine, args []Value) ([]Value, error) {
	if err := co.checkAny(args, 1); err != nil {
		return nil, err
	}
	return []Value{FromBool(rawEqual(args[0], args[1]))}, nil
}

func baseNext(co *Coroutine, args []Value) ([]Value, error) {
	if err := co.checkArg(args, 0, TypeTable); err != nil {
		return nil, err
	}
	k, v, ok, valid := co.h.tableOf(args[0]).next(argAt(args, 1))
	if !valid {
		return nil, co.NewError("invalid key to 'next'")
	}
	if !ok {
		return []Value{Nil}, nil
	}
	return []Value{k, v}, nil
}

func basePairs(co *Coroutine, args []Value) ([]Value, error) {
	if err := co.checkArg(args, 0, TypeTable); err != nil {
		return nil, err
	}
	return []Value{co.goSelf().upvals[0], args[0], Nil}, nil
}

func baseIPairs(co *Coroutine, args []Value) ([]Value, error) {
	if err := co.checkArg(args, 0, TypeTable); err != nil {
		return nil, err
	}
	return []Value{co.goSelf().upvals[0], args[0], FromInt(0)}, nil
}

func baseIPairsAux(co *Coroutine, args []Value) ([]Value, error) {
	i := int(argAt(args, 1).Number()) + 1
	v := co.h.tableOf(args[0]).getInt(i)
	if v.IsNil() {
		return []Value{Nil}, nil
	}
	return []Value{FromInt(i), v}, nil
}

func (rt *Runtime) baseCollectGarbage(co *Coroutine, args []Value) ([]Value, error) {
	opt := "collect"
	if len(args) > 0 && !args[0].IsNil() {
		s, ok := co.h.toStringRaw(args[0])
		if !ok {
			return nil, co.typeArgError(1, "string", args[0])
		}
		opt = s
	}
	n, err := co.optInt(args, 1, 0)
	if err != nil {
		return nil, err
	}
	switch opt {
	case "collect":
		rt.FullGC()
		return []Value{FromInt(0)}, nil
	case "count":
		return []Value{FromNumber(float64(rt.Count()) / 1024)}, nil
	case "step":
		return []Value{FromBool(rt.Step(n))}, nil
	case "stop":
		rt.Stop()
		return []Value{FromInt(0)}, nil
	case "restart":
		rt.Restart()
		return []Value{FromInt(0)}, nil
	case "setpause":
		return []Value{FromInt(rt.SetPause(n))}, nil
	case "setstepmul":
		return []Value{FromInt(rt.SetStepMul(n))}, nil
	}
	return nil, co.ArgError(1, fmt.Sprintf("invalid option '%s'", opt))
}

// ---------------------------------------------------------------------------
// Coroutine library
// ---------------------------------------------------------------------------

func coCreate(co *Coroutine, args []Value) ([]Value, error) {
	if err := co.checkArg(args, 0, TypeFunction); err != nil {
		return nil, err
	}
	return []Value{co.newThread(args[0]).value()}, nil
}

func coResume(co *Coroutine, args []Value) ([]Value, error) {
	if err := co.checkArg(args, 0, TypeCoroutine); err != nil {
		return nil, err
	}
	target := co.h.coroutineOf(args[0])
	_, res, err := target.Resume(co, args[1:]...)
	return protectedResults(res, err), nil
}

func coYield(co *Coroutine, args []Value) ([]Value, error) {
	return co.Yield(args...)
}

func coStatus(co *Coroutine, args []Value) ([]Value, error) {
	if err := co.checkArg(args, 0, TypeCoroutine); err != nil {
		return nil, err
	}
	return []Value{co.h.stringValue(co.h.coroutineOf(args[0]).Status().String())}, nil
}

func coRunning(co *Coroutine, args []Value) ([]Value, error) {
	if co.IsMain() {
		return []Value{Nil}, nil
	}
	return []Value{co.value()}, nil
}

func coWrap(co *Coroutine, args []Value) ([]Value, error) {
	if err := co.checkArg(args, 0, TypeFunction); err != nil {
		return nil, err
	}
	thread := co.newThread(args[0]).value()
	wrapped := co.h.newGoClosure("wrap", coWrapAux, co.ci[co.cii].envOf(co), []Value{thread})
	return []Value{wrapped.value()}, nil
}

func coWrapAux(co *Coroutine, args []Value) ([]Value, error) {
	self := co.goSelf()
	target := co.h.coroutineOf(self.upvals[0])
	_, res, err := target.Resume(co, args...)
	if err != nil {
		e := err.(*Error)
		v := e.Value
		if v.IsString() {
			if where := co.where(1); where != "" {
				v = co.h.stringValue(where + co.h.stringOf(v).s)
			}
		}
		return nil, &Error{Status: e.Status, Kind: e.Kind, Value: v, Message: co.h.describe(v)}
	}
	return res, nil
}

// envOf returns the environment of the function running in ci.
func (ci CallInfo) envOf(co *Coroutine) *Table {
	switch cl := co.h.object(co.stack[ci.fn]).(type) {
	case *LuaClosure:
		return cl.env
	case *GoClosure:
		return cl.env
	}
	return co.h.globals
}
