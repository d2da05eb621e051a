package vm

import (
	"bytes"
	"errors"
	"testing"
)

// newTestRuntime returns a runtime with the base library whose print output
// goes to the returned buffer.
func newTestRuntime(t *testing.T, cfg Config) (*Runtime, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	if cfg.Stdout == nil {
		cfg.Stdout = out
	}
	rt := New(cfg)
	rt.OpenBase()
	t.Cleanup(rt.Close)
	return rt, out
}

func mustLoad(t *testing.T, rt *Runtime, p *Prototype) Value {
	t.Helper()
	fn, err := rt.Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return fn
}

// run loads p, calls it with args and fails the test on error.
func run(t *testing.T, rt *Runtime, p *Prototype, args ...Value) []Value {
	t.Helper()
	res, err := rt.Call(mustLoad(t, rt, p), args...)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	return res
}

// runErr loads p, calls it and returns the raised error.
func runErr(t *testing.T, rt *Runtime, p *Prototype) *Error {
	t.Helper()
	_, err := rt.Call(mustLoad(t, rt, p))
	if err == nil {
		t.Fatal("Call succeeded, want error")
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("error %T is not *Error", err)
	}
	return e
}

func wantNumbers(t *testing.T, got []Value, want ...float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d results, want %d", len(got), len(want))
	}
	for i, w := range want {
		if !got[i].IsNumber() {
			t.Errorf("result %d is a %s, want %v", i, got[i].TypeName(), w)
		} else if got[i].Number() != w {
			t.Errorf("result %d = %v, want %v", i, got[i].Number(), w)
		}
	}
}

func wantString(t *testing.T, rt *Runtime, v Value, want string) {
	t.Helper()
	s, ok := rt.StringValue(v)
	if !ok {
		t.Fatalf("got %s, want string %q", v.TypeName(), want)
	}
	if s != want {
		t.Errorf("got %q, want %q", s, want)
	}
}

// returnConst builds a function returning a single constant.
func returnConst(c Constant) *Prototype {
	b := NewBuilder("=const", 0).Defined(1, 1)
	b.ABx(OpLoadK, 0, b.Constant(c))
	b.Return(0, 1)
	b.Return(0, 0)
	return b.MustBuild()
}

// fibProto is
//
//	function fib(n) if n < 2 then return n end return fib(n-1) + fib(n-2) end
//	return fib(...)
func fibProto() *Prototype {
	f := NewBuilder("=fib", 1).Defined(1, 3)
	f.Local("n", 0, 12)
	rec := f.NewLabel()
	f.Line(1)
	f.ABC(OpLt, 0, 0, f.KNumber(2))
	f.Jump(OpJmp, 0, rec)
	f.Return(0, 1)
	f.Mark(rec)
	f.Line(2)
	f.ABx(OpGetGlobal, 1, f.String("fib"))
	f.ABC(OpSub, 2, 0, f.KNumber(1))
	f.Call(1, 1, 1)
	f.ABx(OpGetGlobal, 2, f.String("fib"))
	f.ABC(OpSub, 3, 0, f.KNumber(2))
	f.Call(2, 1, 1)
	f.ABC(OpAdd, 1, 1, 2)
	f.Return(1, 1)
	f.Line(3)
	f.Return(0, 0)

	m := NewBuilder("=test", 0).Vararg()
	m.Line(1)
	m.ABx(OpClosure, 0, m.Child(f.MustBuild()))
	m.ABx(OpSetGlobal, 0, m.String("fib"))
	m.ABx(OpGetGlobal, 0, m.String("fib"))
	m.ABC(OpVararg, 1, 2, 0)
	m.Call(0, 1, MultRet)
	m.Return(0, MultRet)
	m.Return(0, 0)
	return m.MustBuild()
}

// callGlobal builds a chunk that calls global name with no arguments, all
// on line 1.
func callGlobal(name string) *Prototype {
	b := NewBuilder("=test", 0)
	b.Line(1)
	b.ABx(OpGetGlobal, 0, b.String(name))
	b.Call(0, 0, MultRet)
	b.Return(0, MultRet)
	b.Return(0, 0)
	return b.MustBuild()
}
