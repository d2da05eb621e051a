package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/chazu/lumen/vm"
	"github.com/chazu/lumen/vm/chunk"
)

// demos are hand-assembled sample programs written by `lumen demo`.
var demos = map[string]func() *vm.Prototype{
	"fib":       fibDemo,
	"closures":  closuresDemo,
	"generator": generatorDemo,
	"garbage":   garbageDemo,
}

func demoNames() []string {
	names := make([]string, 0, len(demos))
	for name := range demos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// writeDemos writes every demo chunk into dir and returns the paths.
func writeDemos(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	var paths []string
	for _, name := range demoNames() {
		path := filepath.Join(dir, name+".lch")
		if err := chunk.WriteFile(path, demos[name]()); err != nil {
			return nil, fmt.Errorf("writing %s: %w", name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// emitField loads global lib.field into register a.
func emitField(b *vm.Builder, a int, lib, field string) {
	b.ABx(vm.OpGetGlobal, a, b.String(lib))
	b.ABC(vm.OpGetTable, a, a, b.KString(field))
}

// emitDefault sets register r to n when it holds nil or false.
func emitDefault(b *vm.Builder, r int, n float64) {
	skip := b.NewLabel()
	b.ABC(vm.OpTest, r, 0, 1)
	b.Jump(vm.OpJmp, 0, skip)
	b.ABx(vm.OpLoadK, r, b.Number(n))
	b.Mark(skip)
}

// fibDemo is
//
//	local function fib(n)
//	  if n < 2 then return n end
//	  return fib(n-1) + fib(n-2)
//	end
//	local n = ... or 20
//	return fib(n)
func fibDemo() *vm.Prototype {
	f := vm.NewBuilder("@fib.lua", 1).Defined(1, 4)
	f.Upvalue("fib")
	f.Local("n", 0, 12)
	rec := f.NewLabel()
	f.Line(2)
	f.ABC(vm.OpLt, 0, 0, f.KNumber(2))
	f.Jump(vm.OpJmp, 0, rec)
	f.Return(0, 1)
	f.Mark(rec)
	f.Line(3)
	f.ABC(vm.OpGetUpval, 1, 0, 0)
	f.ABC(vm.OpSub, 2, 0, f.KNumber(1))
	f.Call(1, 1, 1)
	f.ABC(vm.OpGetUpval, 2, 0, 0)
	f.ABC(vm.OpSub, 3, 0, f.KNumber(2))
	f.Call(2, 1, 1)
	f.ABC(vm.OpAdd, 1, 1, 2)
	f.Return(1, 1)
	f.Line(4)
	f.Return(0, 0)

	m := vm.NewBuilder("@fib.lua", 0).Vararg()
	m.Local("fib", 1, 11).Local("n", 5, 11)
	m.Line(1)
	m.Closure(0, m.Child(f.MustBuild()), vm.CaptureLocal(0))
	m.Line(5)
	m.ABC(vm.OpVararg, 1, 2, 0)
	emitDefault(m, 1, 20)
	m.Line(6)
	m.ABC(vm.OpMove, 2, 0, 0)
	m.ABC(vm.OpMove, 3, 1, 0)
	m.Call(2, 1, vm.MultRet)
	m.Return(2, vm.MultRet)
	m.Return(0, 0)
	return m.MustBuild()
}

// closuresDemo is
//
//	local function counter(step)
//	  local n = 0
//	  return function() n = n + step; return n end
//	end
//	local a, b = counter(1), counter(10)
//	a(); b()
//	print(a(), b())
//	return a(), b()
func closuresDemo() *vm.Prototype {
	inc := vm.NewBuilder("@closures.lua", 0).Defined(3, 3)
	inc.Upvalue("n")
	inc.Upvalue("step")
	inc.Line(3)
	inc.ABC(vm.OpGetUpval, 0, 0, 0)
	inc.ABC(vm.OpGetUpval, 1, 1, 0)
	inc.ABC(vm.OpAdd, 0, 0, 1)
	inc.ABC(vm.OpSetUpval, 0, 0, 0)
	inc.Return(0, 1)
	inc.Return(0, 0)

	counter := vm.NewBuilder("@closures.lua", 1).Defined(1, 4)
	counter.Local("step", 0, 5).Local("n", 1, 5)
	counter.Line(2)
	counter.ABx(vm.OpLoadK, 1, counter.Number(0))
	counter.Line(3)
	counter.Closure(2, counter.Child(inc.MustBuild()), vm.CaptureLocal(1), vm.CaptureLocal(0))
	counter.Return(2, 1)
	counter.Line(4)
	counter.Return(0, 0)

	m := vm.NewBuilder("@closures.lua", 0)
	m.Line(1)
	m.ABx(vm.OpClosure, 0, m.Child(counter.MustBuild()))
	m.Line(5)
	m.ABC(vm.OpMove, 1, 0, 0)
	m.ABx(vm.OpLoadK, 2, m.Number(1))
	m.Call(1, 1, 1)
	m.ABC(vm.OpMove, 2, 0, 0)
	m.ABx(vm.OpLoadK, 3, m.Number(10))
	m.Call(2, 1, 1)
	m.Line(6)
	m.ABC(vm.OpMove, 3, 1, 0)
	m.Call(3, 0, 0)
	m.ABC(vm.OpMove, 3, 2, 0)
	m.Call(3, 0, 0)
	m.Line(7)
	m.ABx(vm.OpGetGlobal, 3, m.String("print"))
	m.ABC(vm.OpMove, 4, 1, 0)
	m.Call(4, 0, 1)
	m.ABC(vm.OpMove, 5, 2, 0)
	m.Call(5, 0, 1)
	m.Call(3, 2, 0)
	m.Line(8)
	m.ABC(vm.OpMove, 3, 1, 0)
	m.Call(3, 0, 1)
	m.ABC(vm.OpMove, 4, 2, 0)
	m.Call(4, 0, 1)
	m.Return(3, 2)
	m.Return(0, 0)
	return m.MustBuild()
}

// generatorDemo is
//
//	local squares = coroutine.wrap(function(n)
//	  for i = 1, n do coroutine.yield(i * i) end
//	end)
//	local n = ... or 10
//	local sum = squares(n)
//	for i = 2, n do sum = sum + squares() end
//	return sum
func generatorDemo() *vm.Prototype {
	body := vm.NewBuilder("@generator.lua", 1).Defined(1, 3)
	body.Local("n", 0, 10)
	loop, top := body.NewLabel(), body.NewLabel()
	body.Line(2)
	body.ABx(vm.OpLoadK, 1, body.Number(1))
	body.ABC(vm.OpMove, 2, 0, 0)
	body.ABx(vm.OpLoadK, 3, body.Number(1))
	body.Jump(vm.OpForPrep, 1, loop)
	body.Mark(top)
	emitField(body, 5, "coroutine", "yield")
	body.ABC(vm.OpMul, 6, 4, 4)
	body.Call(5, 1, 0)
	body.Mark(loop)
	body.Jump(vm.OpForLoop, 1, top)
	body.Line(3)
	body.Return(0, 0)

	m := vm.NewBuilder("@generator.lua", 0).Vararg()
	m.Local("squares", 3, 20).Local("n", 5, 20).Local("sum", 9, 20)
	loop2, top2 := m.NewLabel(), m.NewLabel()
	m.Line(1)
	emitField(m, 0, "coroutine", "wrap")
	m.ABx(vm.OpClosure, 1, m.Child(body.MustBuild()))
	m.Call(0, 1, 1)
	m.Line(4)
	m.ABC(vm.OpVararg, 1, 2, 0)
	emitDefault(m, 1, 10)
	m.Line(5)
	m.ABC(vm.OpMove, 2, 0, 0)
	m.ABC(vm.OpMove, 3, 1, 0)
	m.Call(2, 1, 1)
	m.Line(6)
	m.ABx(vm.OpLoadK, 3, m.Number(2))
	m.ABC(vm.OpMove, 4, 1, 0)
	m.ABx(vm.OpLoadK, 5, m.Number(1))
	m.Jump(vm.OpForPrep, 3, loop2)
	m.Mark(top2)
	m.ABC(vm.OpMove, 7, 0, 0)
	m.Call(7, 0, 1)
	m.ABC(vm.OpAdd, 2, 2, 7)
	m.Mark(loop2)
	m.Jump(vm.OpForLoop, 3, top2)
	m.Line(7)
	m.Return(2, 1)
	m.Return(0, 0)
	return m.MustBuild()
}

// garbageDemo churns through short-lived tables and reports the heap size:
//
//	local keep
//	for i = 1, (... or 100000) do
//	  local t = {i, i + 1, name = "x"}
//	  if i % 1000 == 0 then keep = t end
//	end
//	return keep[1], collectgarbage("count")
func garbageDemo() *vm.Prototype {
	m := vm.NewBuilder("@garbage.lua", 0).Vararg()
	m.Local("keep", 1, 20)
	loop, top, skip := m.NewLabel(), m.NewLabel(), m.NewLabel()
	m.Line(1)
	m.ABC(vm.OpLoadNil, 0, 0, 0)
	m.Line(2)
	m.ABx(vm.OpLoadK, 1, m.Number(1))
	m.ABC(vm.OpVararg, 2, 2, 0)
	emitDefault(m, 2, 100000)
	m.ABx(vm.OpLoadK, 3, m.Number(1))
	m.Jump(vm.OpForPrep, 1, loop)
	m.Mark(top)
	m.Line(3)
	m.ABC(vm.OpNewTable, 5, 2, 1)
	m.ABC(vm.OpMove, 6, 4, 0)
	m.ABC(vm.OpAdd, 7, 4, m.KNumber(1))
	m.ABC(vm.OpSetTable, 5, m.KString("name"), m.KString("x"))
	m.ABC(vm.OpSetList, 5, 2, 1)
	m.Line(4)
	m.ABC(vm.OpMod, 6, 4, m.KNumber(1000))
	m.ABC(vm.OpEq, 0, 6, m.KNumber(0))
	m.Jump(vm.OpJmp, 0, skip)
	m.ABC(vm.OpMove, 0, 5, 0)
	m.Mark(skip)
	m.Mark(loop)
	m.Line(2)
	m.Jump(vm.OpForLoop, 1, top)
	m.Line(6)
	m.ABC(vm.OpGetTable, 1, 0, m.KNumber(1))
	m.ABx(vm.OpGetGlobal, 2, m.String("collectgarbage"))
	m.ABx(vm.OpLoadK, 3, m.String("count"))
	m.Call(2, 1, 1)
	m.Return(1, 2)
	m.Return(0, 0)
	return m.MustBuild()
}
