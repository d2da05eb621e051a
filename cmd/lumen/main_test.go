package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/lumen/vm"
)

func runDemo(t *testing.T, name string, args ...vm.Value) ([]vm.Value, string) {
	t.Helper()
	var out bytes.Buffer
	rt := vm.New(vm.Config{Stdout: &out})
	defer rt.Close()
	rt.OpenBase()
	fn, err := rt.Load(demos[name]())
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	res, err := rt.Call(fn, args...)
	if err != nil {
		t.Fatalf("run %s: %v", name, err)
	}
	return res, out.String()
}

func wantNumbers(t *testing.T, got []vm.Value, want ...float64) {
	t.Helper()
	if len(got) < len(want) {
		t.Fatalf("got %d results, want %d", len(got), len(want))
	}
	for i, w := range want {
		if !got[i].IsNumber() || got[i].Number() != w {
			t.Errorf("result %d = %v, want %v", i, got[i], w)
		}
	}
}

func TestFibDemo(t *testing.T) {
	res, _ := runDemo(t, "fib", vm.FromInt(10))
	wantNumbers(t, res, 55)

	// no argument falls back to 20
	res, _ = runDemo(t, "fib")
	wantNumbers(t, res, 6765)
}

func TestClosuresDemo(t *testing.T) {
	res, out := runDemo(t, "closures")
	wantNumbers(t, res, 3, 30)
	if out != "2\t20\n" {
		t.Errorf("printed %q", out)
	}
}

func TestGeneratorDemo(t *testing.T) {
	res, _ := runDemo(t, "generator")
	wantNumbers(t, res, 385)

	res, _ = runDemo(t, "generator", vm.FromInt(1))
	wantNumbers(t, res, 1)
}

func TestGarbageDemo(t *testing.T) {
	res, _ := runDemo(t, "garbage", vm.FromInt(5000))
	wantNumbers(t, res, 5000)
	if len(res) != 2 || !res[1].IsNumber() || res[1].Number() <= 0 {
		t.Errorf("heap size result = %v", res)
	}
}

func TestChunkArgs(t *testing.T) {
	rt := vm.New(vm.Config{})
	defer rt.Close()

	vals := chunkArgs(rt, []string{"25", "-3", "name", "1.5"})
	if vals[0].Number() != 25 || vals[1].Number() != -3 || vals[3].Number() != 1.5 {
		t.Errorf("numeric args = %v", vals)
	}
	if s, ok := rt.StringValue(vals[2]); !ok || s != "name" {
		t.Errorf("string arg = %q, %v", s, ok)
	}
}

func TestCountFlag(t *testing.T) {
	var c countFlag
	c.Set("true")
	c.Set("true")
	if c != 2 {
		t.Errorf("two -v flags counted %d", c)
	}
	if err := c.Set("5"); err != nil || c != 5 {
		t.Errorf("-v=5 gave %d, %v", c, err)
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func lumen(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := realMain(args, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func TestDemoRunAndDis(t *testing.T) {
	dir := t.TempDir()
	out, errOut, code := lumen(t, "demo", "-o", dir)
	if code != 0 {
		t.Fatalf("demo exited %d: %s", code, errOut)
	}
	if n := strings.Count(out, ".lch"); n != len(demos) {
		t.Errorf("demo wrote %d chunks, want %d", n, len(demos))
	}

	fib := filepath.Join(dir, "fib.lch")
	out, errOut, code = lumen(t, "run", fib, "12")
	if code != 0 {
		t.Fatalf("run exited %d: %s", code, errOut)
	}
	if out != "144\n" {
		t.Errorf("run printed %q, want 144", out)
	}

	out, _, code = lumen(t, "run", "-stats", filepath.Join(dir, "garbage.lch"), "2000")
	if code != 0 || !strings.HasPrefix(out, "2000\t") {
		t.Errorf("garbage run = %q, exit %d", out, code)
	}

	out, _, code = lumen(t, "dis", fib)
	if code != 0 || !strings.Contains(out, "function <fib.lua:1,4>") {
		t.Errorf("dis output:\n%s", out)
	}
}

func TestRunProfile(t *testing.T) {
	dir := t.TempDir()
	if _, errOut, code := lumen(t, "demo", "-o", dir); code != 0 {
		t.Fatalf("demo: %s", errOut)
	}
	db := filepath.Join(dir, "prof.db")
	if _, errOut, code := lumen(t, "run", "-profile", db, "-every", "10", filepath.Join(dir, "fib.lch"), "15"); code != 0 {
		t.Fatalf("run: %s", errOut)
	}

	out, errOut, code := lumen(t, "profile", db)
	if code != 0 {
		t.Fatalf("profile: %s", errOut)
	}
	if !strings.Contains(out, "fib.lch") {
		t.Errorf("run list lacks the chunk:\n%s", out)
	}

	out, _, code = lumen(t, "profile", "-run", "1", db)
	if code != 0 || !strings.Contains(out, "1,973") {
		t.Errorf("function list lacks fib's call count:\n%s", out)
	}
}

func TestErrors(t *testing.T) {
	if _, _, code := lumen(t); code != 2 {
		t.Errorf("no command exited %d", code)
	}
	if _, errOut, code := lumen(t, "frobnicate"); code != 2 || !strings.Contains(errOut, "unknown command") {
		t.Errorf("unknown command: %d %q", code, errOut)
	}
	if _, errOut, code := lumen(t, "run", filepath.Join(t.TempDir(), "missing.lch")); code != 1 || !strings.HasPrefix(errOut, "Error: ") {
		t.Errorf("missing chunk: %d %q", code, errOut)
	}
}
