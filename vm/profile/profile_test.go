package profile

import (
	"path/filepath"
	"testing"

	"github.com/chazu/lumen/vm"
)

// fibChunk is
//
//	function fib(n) if n < 2 then return n end return fib(n-1) + fib(n-2) end
//	return fib(...)
func fibChunk() *vm.Prototype {
	f := vm.NewBuilder("=fib", 1).Defined(1, 3)
	rec := f.NewLabel()
	f.Line(1)
	f.ABC(vm.OpLt, 0, 0, f.KNumber(2))
	f.Jump(vm.OpJmp, 0, rec)
	f.Return(0, 1)
	f.Mark(rec)
	f.Line(2)
	f.ABx(vm.OpGetGlobal, 1, f.String("fib"))
	f.ABC(vm.OpSub, 2, 0, f.KNumber(1))
	f.Call(1, 1, 1)
	f.ABx(vm.OpGetGlobal, 2, f.String("fib"))
	f.ABC(vm.OpSub, 3, 0, f.KNumber(2))
	f.Call(2, 1, 1)
	f.ABC(vm.OpAdd, 1, 1, 2)
	f.Return(1, 1)
	f.Line(3)
	f.Return(0, 0)

	m := vm.NewBuilder("=fib", 0).Vararg()
	m.Line(1)
	m.ABx(vm.OpClosure, 0, m.Child(f.MustBuild()))
	m.ABx(vm.OpSetGlobal, 0, m.String("fib"))
	m.Line(4)
	m.ABx(vm.OpGetGlobal, 0, m.String("fib"))
	m.ABC(vm.OpVararg, 1, 2, 0)
	m.Call(0, 1, vm.MultRet)
	m.Return(0, vm.MultRet)
	m.Return(0, 0)
	return m.MustBuild()
}

func profileFib(t *testing.T, every, n int) *Profiler {
	t.Helper()
	rt := vm.New(vm.Config{})
	t.Cleanup(rt.Close)
	fn, err := rt.Load(fibChunk())
	if err != nil {
		t.Fatal(err)
	}
	p := New(every)
	p.Attach(rt)
	res, err := rt.Call(fn, vm.FromInt(n))
	p.Detach()
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 {
		t.Fatalf("fib returned %d values", len(res))
	}
	return p
}

func TestProfilerCounts(t *testing.T) {
	p := profileFib(t, 100, 15)

	funcs := p.Functions()
	var fib, main *FuncStats
	for i := range funcs {
		switch funcs[i].Name {
		case "fib":
			fib = &funcs[i]
		case "main chunk":
			main = &funcs[i]
		}
	}
	if fib == nil || main == nil {
		t.Fatalf("functions = %+v", funcs)
	}
	// fib(15) makes 2*fib(16)-1 calls
	if fib.Calls != 1973 {
		t.Errorf("fib calls = %d, want 1973", fib.Calls)
	}
	if fib.Source != "fib" || fib.LineDefined != 1 {
		t.Errorf("fib key = %+v", fib.FuncKey)
	}
	if main.Calls != 1 {
		t.Errorf("main calls = %d, want 1", main.Calls)
	}
	if fib.Samples == 0 || fib.Samples < main.Samples {
		t.Errorf("fib samples = %d, main samples = %d", fib.Samples, main.Samples)
	}
	if funcs[0].Name != "fib" {
		t.Errorf("hottest function = %q, want fib", funcs[0].Name)
	}

	var total int64
	for _, fs := range funcs {
		total += fs.Samples
	}
	if p.Instructions != total*100 {
		t.Errorf("instructions = %d, want %d", p.Instructions, total*100)
	}
	for _, ls := range p.Lines() {
		if ls.Source != "fib" || ls.Line < 1 || ls.Line > 4 {
			t.Errorf("unexpected line sample %+v", ls)
		}
	}
}

func TestProfilerDetachAndReset(t *testing.T) {
	p := profileFib(t, 50, 10)
	if len(p.Functions()) == 0 {
		t.Fatal("nothing recorded")
	}
	p.Reset()
	if len(p.Functions()) != 0 || len(p.Lines()) != 0 || p.Instructions != 0 {
		t.Error("Reset left data behind")
	}
	p.Detach()
}

func TestDefaultEvery(t *testing.T) {
	if got := New(0).Every(); got != DefaultEvery {
		t.Errorf("Every = %d, want %d", got, DefaultEvery)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	p := profileFib(t, 100, 12)

	s, err := OpenStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	id, err := s.Save("fib 12", p)
	if err != nil {
		t.Fatal(err)
	}
	runs, err := s.Runs()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != id || runs[0].Label != "fib 12" || runs[0].Every != 100 {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].Instructions != p.Instructions {
		t.Errorf("instructions = %d, want %d", runs[0].Instructions, p.Instructions)
	}

	got, err := s.Functions(id)
	if err != nil {
		t.Fatal(err)
	}
	want := p.Functions()
	if len(got) != len(want) {
		t.Fatalf("stored %d functions, want %d", len(got), len(want))
	}
	byKey := map[FuncKey]FuncStats{}
	for _, fs := range got {
		byKey[fs.FuncKey] = fs
	}
	for _, fs := range want {
		if byKey[fs.FuncKey] != fs {
			t.Errorf("stored %+v, want %+v", byKey[fs.FuncKey], fs)
		}
	}

	lines, err := s.Lines(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != len(p.Lines()) {
		t.Errorf("stored %d lines, want %d", len(lines), len(p.Lines()))
	}
}

func TestStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.db")
	p := profileFib(t, 100, 10)

	s, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	first, err := s.Save("first", p)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Save("second", p)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	runs, err := s.Runs()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != second || runs[1].ID != first {
		t.Errorf("runs = %+v", runs)
	}
}
