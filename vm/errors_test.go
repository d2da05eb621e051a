package vm

import (
	"fmt"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Runtime error messages
// ---------------------------------------------------------------------------

func TestErrorCallNilGlobal(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{})
	e := runErr(t, rt, callGlobal("missing"))
	if want := "test:1: attempt to call global 'missing' (a nil value)"; e.Message != want {
		t.Errorf("message = %q, want %q", e.Message, want)
	}
	if e.Kind != KindRuntime || e.Status != ErrRun {
		t.Errorf("kind/status = %s/%s", e.Kind, e.Status)
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder)
		want  string
	}{
		{
			name: "index local",
			build: func(b *Builder) {
				b.Local("t", 0, 3)
				b.ABC(OpLoadNil, 0, 0, 0)
				b.ABC(OpGetTable, 1, 0, b.KString("x"))
			},
			want: "test:1: attempt to index local 't' (a nil value)",
		},
		{
			name: "arithmetic on field",
			build: func(b *Builder) {
				b.ABC(OpNewTable, 0, 0, 0)
				b.ABC(OpGetTable, 1, 0, b.KString("x"))
				b.ABC(OpAdd, 1, 1, b.KNumber(1))
			},
			want: "test:1: attempt to perform arithmetic on field 'x' (a nil value)",
		},
		{
			name: "call upvalue",
			build: func(b *Builder) {
				c := NewBuilder("=test", 0).Defined(1, 1)
				c.Upvalue("cb")
				c.Line(1)
				c.ABC(OpGetUpval, 0, 0, 0)
				c.Call(0, 0, 0)
				c.Return(0, 0)
				b.ABC(OpLoadNil, 0, 0, 0)
				b.Closure(1, b.Child(c.MustBuild()), CaptureLocal(0))
				b.Call(1, 0, 0)
			},
			want: "test:1: attempt to call upvalue 'cb' (a nil value)",
		},
		{
			name: "length of number",
			build: func(b *Builder) {
				b.ABx(OpLoadK, 0, b.Number(1))
				b.ABC(OpLen, 1, 0, 0)
			},
			want: "test:1: attempt to get length of a number value",
		},
		{
			name: "compare",
			build: func(b *Builder) {
				b.ABC(OpNewTable, 0, 0, 0)
				b.ABC(OpLt, 1, b.KNumber(1), 0)
				b.AsBx(OpJmp, 0, 0)
			},
			want: "test:1: attempt to compare number with table",
		},
		{
			name: "compare same type",
			build: func(b *Builder) {
				b.ABC(OpNewTable, 0, 0, 0)
				b.ABC(OpNewTable, 1, 0, 0)
				b.ABC(OpLe, 1, 0, 1)
				b.AsBx(OpJmp, 0, 0)
			},
			want: "test:1: attempt to compare two table values",
		},
		{
			name: "concatenate",
			build: func(b *Builder) {
				b.ABx(OpLoadK, 0, b.String("a"))
				b.ABC(OpNewTable, 1, 0, 0)
				b.ABC(OpConcat, 2, 0, 1)
			},
			want: "test:1: attempt to concatenate a table value",
		},
		{
			name: "for limit",
			build: func(b *Builder) {
				loop := b.NewLabel()
				b.ABx(OpLoadK, 0, b.Number(1))
				b.ABx(OpLoadK, 1, b.String("x"))
				b.ABx(OpLoadK, 2, b.Number(1))
				b.Jump(OpForPrep, 0, loop)
				b.Mark(loop)
				b.AsBx(OpForLoop, 0, -1)
			},
			want: "test:1: 'for' limit must be a number",
		},
		{
			name: "nil index",
			build: func(b *Builder) {
				b.ABC(OpNewTable, 0, 0, 0)
				b.ABC(OpSetTable, 0, 1, b.KNumber(1))
			},
			want: "test:1: table index is nil",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, _ := newTestRuntime(t, Config{})
			b := NewBuilder("=test", 0)
			b.Line(1)
			tt.build(b)
			b.Return(0, 0)
			b.MaxStack(4)
			e := runErr(t, rt, b.MustBuild())
			if e.Message != tt.want {
				t.Errorf("message = %q, want %q", e.Message, tt.want)
			}
		})
	}
}

func TestErrorMetamethodLoop(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{})

	// a table that is its own __index never resolves a missing key
	tbl := rt.NewTable(0, 0)
	mt := rt.NewTable(0, 0)
	if err := rt.RawSet(mt, rt.NewString("__index"), tbl); err != nil {
		t.Fatal(err)
	}
	if err := rt.SetMetatable(tbl, mt); err != nil {
		t.Fatal(err)
	}
	rt.SetGlobal("t", tbl)

	b := NewBuilder("=test", 0)
	b.Line(1)
	b.ABx(OpGetGlobal, 0, b.String("t"))
	b.ABC(OpGetTable, 0, 0, b.KString("x"))
	b.Return(0, 0)
	e := runErr(t, rt, b.MustBuild())
	if e.Message != "test:1: loop in gettable" {
		t.Errorf("message = %q", e.Message)
	}
}

// ---------------------------------------------------------------------------
// error, pcall and xpcall
// ---------------------------------------------------------------------------

// pcallProto is
//
//	local function f()
//	  local v = 42
//	  g = function() return v end
//	  error("boom")
//	end
//	return pcall(f)
func pcallProto() *Prototype {
	get := NewBuilder("=test", 0).Defined(3, 3)
	get.Upvalue("v")
	get.Line(3)
	get.ABC(OpGetUpval, 0, 0, 0)
	get.Return(0, 1)
	get.Return(0, 0)

	f := NewBuilder("=test", 0).Defined(1, 5)
	f.Line(2)
	f.ABx(OpLoadK, 0, f.Number(42))
	f.Line(3)
	f.Closure(1, f.Child(get.MustBuild()), CaptureLocal(0))
	f.ABx(OpSetGlobal, 1, f.String("g"))
	f.Line(4)
	f.ABx(OpGetGlobal, 1, f.String("error"))
	f.ABx(OpLoadK, 2, f.String("boom"))
	f.Call(1, 1, 0)
	f.Line(5)
	f.Return(0, 0)

	m := NewBuilder("=test", 0)
	m.Line(6)
	m.ABx(OpGetGlobal, 0, m.String("pcall"))
	m.ABx(OpClosure, 1, m.Child(f.MustBuild()))
	m.Call(0, 1, MultRet)
	m.Return(0, MultRet)
	m.Return(0, 0)
	return m.MustBuild()
}

func TestPCallRecovers(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{})

	res := run(t, rt, pcallProto())
	if len(res) != 2 || res[0] != False {
		t.Fatalf("pcall returned %d values, want false and a message", len(res))
	}
	wantString(t, rt, res[1], "test:4: boom")

	// the upvalue captured by the failed frame was closed with its value
	out, err := rt.Call(rt.GetGlobal("g"))
	if err != nil {
		t.Fatal(err)
	}
	wantNumbers(t, out, 42)

	main := rt.Main()
	if main.Depth() != 0 {
		t.Errorf("depth = %d after recovery", main.Depth())
	}
	if len(main.openUpvals) != 0 {
		t.Errorf("%d upvalues left open", len(main.openUpvals))
	}
	if main.top != 1 {
		t.Errorf("top = %d after recovery, want 1", main.top)
	}
}

// raisingLevel builds level k of a call chain of the given depth:
//
//	local v = k
//	gk = function() return v end
//	level<k+1>()   -- or error("deep") at the last level
func raisingLevel(k, depth int) *Prototype {
	get := NewBuilder("=get", 0).Defined(2, 2)
	get.Upvalue("v")
	get.ABC(OpGetUpval, 0, 0, 0)
	get.Return(0, 1)
	get.Return(0, 0)

	f := NewBuilder("=level", 0).Defined(1, 4)
	f.ABx(OpLoadK, 0, f.Number(float64(k)))
	f.Closure(1, f.Child(get.MustBuild()), CaptureLocal(0))
	f.ABx(OpSetGlobal, 1, f.String(fmt.Sprintf("g%d", k)))
	if k == depth {
		f.ABx(OpGetGlobal, 1, f.String("error"))
		f.ABx(OpLoadK, 2, f.String("deep"))
		f.Call(1, 1, 0)
	} else {
		f.ABx(OpGetGlobal, 1, f.String(fmt.Sprintf("level%d", k+1)))
		f.Call(1, 0, 0)
	}
	f.Return(0, 0)
	return f.MustBuild()
}

func TestPCallRecoversFromDeepFrames(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{})

	// checkpoint records the frame count, stack top and open upvalues
	// seen from the same register before and after the pcall
	type checkpoint struct{ depth, top, open int }
	var marks []checkpoint
	rt.SetGlobal("checkpoint", rt.NewFunction("checkpoint", func(co *Coroutine, args []Value) ([]Value, error) {
		marks = append(marks, checkpoint{co.Depth(), co.top, len(co.openUpvals)})
		return nil, nil
	}))

	const depth = 5
	m := NewBuilder("=test", 0)
	for k := 1; k <= depth; k++ {
		m.ABx(OpClosure, 0, m.Child(raisingLevel(k, depth)))
		m.ABx(OpSetGlobal, 0, m.String(fmt.Sprintf("level%d", k)))
	}
	m.ABx(OpGetGlobal, 2, m.String("checkpoint"))
	m.Call(2, 0, 0)
	m.ABx(OpGetGlobal, 0, m.String("pcall"))
	m.ABx(OpGetGlobal, 1, m.String("level1"))
	m.Call(0, 1, 2)
	m.ABx(OpGetGlobal, 2, m.String("checkpoint"))
	m.Call(2, 0, 0)
	m.Return(0, 2)
	m.Return(0, 0)

	res := run(t, rt, m.MustBuild())
	if len(res) != 2 || res[0] != False {
		t.Fatalf("pcall returned %v, want false and a message", res)
	}
	if s, _ := rt.StringValue(res[1]); !strings.HasSuffix(s, "deep") {
		t.Errorf("message = %q", s)
	}
	if len(marks) != 2 {
		t.Fatalf("checkpoint ran %d times", len(marks))
	}
	if marks[0] != marks[1] {
		t.Errorf("state before pcall %+v, after recovery %+v", marks[0], marks[1])
	}

	// every level's upvalue was closed with the value it held
	for k := 1; k <= depth; k++ {
		out, err := rt.Call(rt.GetGlobal(fmt.Sprintf("g%d", k)))
		if err != nil {
			t.Fatal(err)
		}
		wantNumbers(t, out, float64(k))
	}
	if n := len(rt.Main().openUpvals); n != 0 {
		t.Errorf("%d upvalues left open", n)
	}
}

func TestErrorLevels(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{})

	// local function f() error("lvl", 2) end   -- line 1
	// f()                                       -- line 2
	f := NewBuilder("=test", 0).Defined(1, 1)
	f.Line(1)
	f.ABx(OpGetGlobal, 0, f.String("error"))
	f.ABx(OpLoadK, 1, f.String("lvl"))
	f.ABx(OpLoadK, 2, f.Number(2))
	f.Call(0, 2, 0)
	f.Return(0, 0)

	m := NewBuilder("=test", 0)
	m.Line(2)
	m.ABx(OpClosure, 0, m.Child(f.MustBuild()))
	m.Call(0, 0, 0)
	m.Return(0, 0)
	e := runErr(t, rt, m.MustBuild())
	if e.Message != "test:2: lvl" {
		t.Errorf("message = %q, want %q", e.Message, "test:2: lvl")
	}
}

func TestErrorNonStringValue(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{})

	// return pcall(error, {code = 7})
	b := NewBuilder("=test", 0)
	b.ABx(OpGetGlobal, 0, b.String("pcall"))
	b.ABx(OpGetGlobal, 1, b.String("error"))
	b.ABC(OpNewTable, 2, 0, 1)
	b.ABC(OpSetTable, 2, b.KString("code"), b.KNumber(7))
	b.Call(0, 2, MultRet)
	b.Return(0, MultRet)
	b.Return(0, 0)
	res := run(t, rt, b.MustBuild())
	if res[0] != False || !res[1].IsTable() {
		t.Fatalf("pcall results = %s, %s", res[0].TypeName(), res[1].TypeName())
	}
	code, _ := rt.RawGet(res[1], rt.NewString("code"))
	wantNumbers(t, []Value{code}, 7)
}

func TestPCallWithHandler(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{})

	var depthAtHandler int
	handler := rt.NewFunction("handler", func(co *Coroutine, args []Value) ([]Value, error) {
		// the failing frames are still on the stack
		depthAtHandler = co.Depth()
		msg, _ := co.Heap().toStringRaw(args[0])
		return []Value{co.Heap().stringValue("handled: " + msg)}, nil
	})
	rt.SetGlobal("handler", handler)
	fn := mustLoad(t, rt, callGlobal("missing"))
	_, err := rt.PCall(fn, rt.GetGlobal("handler"))
	if err == nil {
		t.Fatal("PCall succeeded")
	}
	e := err.(*Error)
	if want := "handled: test:1: attempt to call global 'missing' (a nil value)"; e.Message != want {
		t.Errorf("message = %q, want %q", e.Message, want)
	}
	if depthAtHandler < 2 {
		t.Errorf("handler ran at depth %d, want inside the failing frame", depthAtHandler)
	}
}

func TestErrorInHandler(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{})

	handler := rt.NewFunction("handler", func(co *Coroutine, args []Value) ([]Value, error) {
		return nil, co.NewError("handler failed")
	})
	_, err := rt.PCall(mustLoad(t, rt, callGlobal("missing")), handler)
	e, ok := err.(*Error)
	if !ok || e.Status != ErrErr {
		t.Fatalf("err = %v, want error in error handling", err)
	}
	if e.Message != "error in error handling" {
		t.Errorf("message = %q", e.Message)
	}
}

func TestRuntimeCallTraceback(t *testing.T) {
	var hooked *Error
	rt, _ := newTestRuntime(t, Config{PanicHook: func(err *Error) { hooked = err }})

	// function f() missing() end   -- line 1
	// f()                           -- line 2
	f := NewBuilder("=test", 0).Defined(1, 1)
	f.Line(1)
	f.ABx(OpGetGlobal, 0, f.String("missing"))
	f.Call(0, 0, 0)
	f.Return(0, 0)

	m := NewBuilder("=test", 0)
	m.Line(2)
	m.ABx(OpClosure, 0, m.Child(f.MustBuild()))
	m.ABx(OpSetGlobal, 0, m.String("f"))
	m.ABx(OpGetGlobal, 0, m.String("f"))
	m.Call(0, 0, 0)
	m.Return(0, 0)

	e := runErr(t, rt, m.MustBuild())
	for _, want := range []string{"stack traceback:", "test:1: in function 'f'", "test:2: in main chunk"} {
		if !strings.Contains(e.Traceback, want) {
			t.Errorf("traceback missing %q:\n%s", want, e.Traceback)
		}
	}
	if !strings.Contains(e.Error(), e.Traceback) {
		t.Error("Error() does not include the traceback")
	}
	if hooked != e {
		t.Error("PanicHook did not see the error")
	}
}

func TestHostErrorKeepsCause(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{})

	cause := &ProtoError{Source: "=x", PC: -1, Reason: "bad"}
	rt.SetGlobal("fail", rt.NewFunction("fail", func(co *Coroutine, args []Value) ([]Value, error) {
		return nil, cause
	}))
	e := runErr(t, rt, callGlobal("fail"))
	if e.Kind != KindHost {
		t.Errorf("kind = %s, want host", e.Kind)
	}
	if e.Cause != cause {
		t.Errorf("cause = %v", e.Cause)
	}
	if !strings.HasPrefix(e.Message, "test:1: ") {
		t.Errorf("message = %q, want a position prefix", e.Message)
	}
}

// ---------------------------------------------------------------------------
// Resource limits
// ---------------------------------------------------------------------------

func TestStackOverflow(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{MaxCalls: 500})

	// function f() return 1 + f() end
	f := NewBuilder("=test", 0).Defined(1, 1)
	f.Line(1)
	f.ABx(OpGetGlobal, 0, f.String("f"))
	f.Call(0, 0, 1)
	f.ABC(OpAdd, 0, f.KNumber(1), 0)
	f.Return(0, 1)
	f.Return(0, 0)

	m := NewBuilder("=test", 0)
	m.ABx(OpClosure, 0, m.Child(f.MustBuild()))
	m.ABx(OpSetGlobal, 0, m.String("f"))
	m.ABx(OpGetGlobal, 0, m.String("f"))
	m.Call(0, 0, 1)
	m.Return(0, 1)
	m.Return(0, 0)
	p := m.MustBuild()

	for round := 0; round < 2; round++ {
		e := runErr(t, rt, p)
		if e.Kind != KindResource || !strings.Contains(e.Message, "stack overflow") {
			t.Fatalf("round %d: %s error %q, want stack overflow", round, e.Kind, e.Message)
		}
		if d := rt.Main().Depth(); d != 0 {
			t.Fatalf("round %d: depth %d after overflow", round, d)
		}
	}
	wantNumbers(t, run(t, rt, returnConst(NumberConst(3))), 3)
}

func TestNativeCallOverflow(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{MaxNativeCalls: 50})

	rec := rt.NewFunction("rec", func(co *Coroutine, args []Value) ([]Value, error) {
		return co.Call(args[0], args[0]), nil
	})
	_, err := rt.Call(rec, rec)
	e, ok := err.(*Error)
	if !ok {
		t.Fatalf("err = %v", err)
	}
	if e.Message != "C stack overflow" || e.Kind != KindResource {
		t.Errorf("error = %s %q, want resource C stack overflow", e.Kind, e.Message)
	}
	wantNumbers(t, run(t, rt, returnConst(NumberConst(1))), 1)
}
