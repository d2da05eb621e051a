package vm

import (
	"math"
	"testing"
)

// ---------------------------------------------------------------------------
// Number boxing
// ---------------------------------------------------------------------------

func TestNumberRoundTrip(t *testing.T) {
	tests := []float64{
		0.0,
		1.0,
		-1.0,
		3.14159265358979,
		math.MaxFloat64,
		math.SmallestNonzeroFloat64,
		-math.MaxFloat64,
		math.Inf(1),
		math.Inf(-1),
	}

	for _, f := range tests {
		v := FromNumber(f)
		if !v.IsNumber() {
			t.Errorf("FromNumber(%v).IsNumber() = false", f)
			continue
		}
		if got := v.Number(); got != f {
			t.Errorf("FromNumber(%v).Number() = %v", f, got)
		}
	}
}

func TestNumberNaN(t *testing.T) {
	// any NaN payload is canonicalized so it cannot alias a tagged value
	weird := math.Float64frombits(0x7FFB000000000123)
	v := FromNumber(weird)
	if !v.IsNumber() {
		t.Fatal("NaN is not a number")
	}
	if !math.IsNaN(v.Number()) {
		t.Error("NaN did not survive boxing")
	}
	if rawEqual(v, v) {
		t.Error("NaN compares equal to itself")
	}
}

func TestZeroValueIsNumber(t *testing.T) {
	var v Value
	if !v.IsNumber() || v.Number() != 0 {
		t.Errorf("zero Value = %s", v.TypeName())
	}
	if v.IsNil() {
		t.Error("zero Value is nil")
	}
}

// ---------------------------------------------------------------------------
// Types and truthiness
// ---------------------------------------------------------------------------

func TestTypeNames(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{})

	co, err := rt.NewCoroutine(rt.NewFunction("f", func(*Coroutine, []Value) ([]Value, error) { return nil, nil }))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		v    Value
		want string
	}{
		{Nil, "nil"},
		{True, "boolean"},
		{False, "boolean"},
		{FromInt(1), "number"},
		{rt.NewString("s"), "string"},
		{rt.NewTable(0, 0), "table"},
		{rt.GetGlobal("print"), "function"},
		{rt.NewUserdata(struct{}{}), "userdata"},
		{co.Value(), "thread"},
	}
	for _, tc := range tests {
		if got := tc.v.TypeName(); got != tc.want {
			t.Errorf("TypeName = %q, want %q", got, tc.want)
		}
	}
}

func TestFalsy(t *testing.T) {
	for _, v := range []Value{Nil, False} {
		if !v.IsFalsy() {
			t.Errorf("%s is not falsy", v.TypeName())
		}
	}
	for _, v := range []Value{True, FromInt(0), FromNumber(math.NaN())} {
		if v.IsFalsy() {
			t.Errorf("%s is falsy", v.TypeName())
		}
	}
}

func TestStringsInterned(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{})

	a := rt.NewString("hello")
	b := rt.NewString("hel" + "lo")
	if a != b {
		t.Error("equal strings have different values")
	}
	if s, ok := rt.StringValue(a); !ok || s != "hello" {
		t.Errorf("StringValue = %q, %v", s, ok)
	}
}

// ---------------------------------------------------------------------------
// Number conversions
// ---------------------------------------------------------------------------

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		f    float64
		want string
	}{
		{0, "0"},
		{42, "42"},
		{-7, "-7"},
		{0.1, "0.1"},
		{1.0 / 3, "0.33333333333333"},
		{1e14, "1e+14"},
		{123456789012, "123456789012"},
		{2.5e-7, "2.5e-07"},
		{math.Inf(1), "inf"},
		{math.Inf(-1), "-inf"},
		{math.NaN(), "nan"},
	}
	for _, tc := range tests {
		if got := formatNumber(tc.f); got != tc.want {
			t.Errorf("formatNumber(%v) = %q, want %q", tc.f, got, tc.want)
		}
	}
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		s    string
		want float64
		ok   bool
	}{
		{"10", 10, true},
		{" \t10\n", 10, true},
		{"-2.5", -2.5, true},
		{"1e3", 1000, true},
		{"0x10", 16, true},
		{"-0xff", -255, true},
		{"", 0, false},
		{"  ", 0, false},
		{"1_000", 0, false},
		{"0x", 0, false},
		{"abc", 0, false},
		{"1e400", math.Inf(1), true},
	}
	for _, tc := range tests {
		got, ok := parseNumber(tc.s)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("parseNumber(%q) = %v, %v; want %v, %v", tc.s, got, ok, tc.want, tc.ok)
		}
	}
}

// ---------------------------------------------------------------------------
// Tables
// ---------------------------------------------------------------------------

func TestTableArrayAndHash(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{})

	tv := rt.NewTable(0, 0)
	for i := 1; i <= 100; i++ {
		if err := rt.RawSet(tv, FromInt(i), FromInt(i*i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := rt.RawSet(tv, rt.NewString("name"), True); err != nil {
		t.Fatal(err)
	}
	if err := rt.RawSet(tv, FromNumber(2.5), False); err != nil {
		t.Fatal(err)
	}

	tbl := rt.h.tableOf(tv)
	if len(tbl.array) < 64 {
		t.Errorf("array part has %d slots after 100 sequential stores", len(tbl.array))
	}
	for _, i := range []int{1, 50, 100} {
		if got, _ := rt.RawGet(tv, FromInt(i)); got.Number() != float64(i*i) {
			t.Errorf("t[%d] = %v", i, got.Number())
		}
	}
	if got, _ := rt.RawGet(tv, rt.NewString("name")); got != True {
		t.Error("t.name lost")
	}
	if got, _ := rt.RawGet(tv, FromNumber(2.5)); got != False {
		t.Error("t[2.5] lost")
	}
	if n := rt.Len(tv); n != 100 {
		t.Errorf("#t = %d, want 100", n)
	}
}

func TestTableNegativeZeroKey(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{})

	tv := rt.NewTable(0, 0)
	if err := rt.RawSet(tv, FromNumber(math.Copysign(0, -1)), True); err != nil {
		t.Fatal(err)
	}
	if got, _ := rt.RawGet(tv, FromInt(0)); got != True {
		t.Error("-0 and 0 address different slots")
	}
}

func TestTableBadKeys(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{})

	tv := rt.NewTable(0, 0)
	if err := rt.RawSet(tv, Nil, True); err == nil {
		t.Error("nil key accepted")
	}
	if err := rt.RawSet(tv, FromNumber(math.NaN()), True); err == nil {
		t.Error("NaN key accepted")
	}
}

func TestTableLengthBorder(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{})

	tv := rt.NewTable(8, 0)
	for i := 1; i <= 5; i++ {
		rt.RawSet(tv, FromInt(i), True)
	}
	if n := rt.Len(tv); n != 5 {
		t.Errorf("#t = %d, want 5", n)
	}
	rt.RawSet(tv, FromInt(5), Nil)
	if n := rt.Len(tv); n != 4 {
		t.Errorf("#t after clearing t[5] = %d, want 4", n)
	}
	// a table grown one key at a time
	empty := rt.NewTable(0, 0)
	rt.RawSet(empty, FromInt(1), True)
	rt.RawSet(empty, FromInt(2), True)
	if n := rt.Len(empty); n != 2 {
		t.Errorf("#t = %d, want 2", n)
	}
}

func TestTableNextVisitsEveryEntry(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{})

	tv := rt.NewTable(0, 0)
	want := map[string]float64{"a": 1, "b": 2, "c": 3}
	for k, v := range want {
		rt.RawSet(tv, rt.NewString(k), FromNumber(v))
	}
	rt.RawSet(tv, FromInt(1), FromInt(10))
	rt.RawSet(tv, FromInt(2), FromInt(20))

	tbl := rt.h.tableOf(tv)
	seen := map[string]float64{}
	ints := 0
	k := Nil
	for {
		nk, nv, ok, valid := tbl.next(k)
		if !valid {
			t.Fatal("next rejected its own key")
		}
		if !ok {
			break
		}
		if s, isStr := rt.StringValue(nk); isStr {
			seen[s] = nv.Number()
		} else {
			ints++
		}
		k = nk
	}
	if ints != 2 || len(seen) != 3 {
		t.Errorf("visited %d int keys and %d string keys", ints, len(seen))
	}
	for k, v := range want {
		if seen[k] != v {
			t.Errorf("t.%s = %v, want %v", k, seen[k], v)
		}
	}

	if _, _, _, valid := tbl.next(rt.NewString("missing")); valid {
		t.Error("next accepted a key that is not in the table")
	}
}

func TestTableNextAfterClearing(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{})

	// assigning nil to the current key during traversal is allowed
	tv := rt.NewTable(0, 0)
	for _, k := range []string{"x", "y", "z"} {
		rt.RawSet(tv, rt.NewString(k), True)
	}
	tbl := rt.h.tableOf(tv)
	n := 0
	k := Nil
	for {
		nk, _, ok, valid := tbl.next(k)
		if !valid {
			t.Fatal("key cleared during traversal became invalid")
		}
		if !ok {
			break
		}
		rt.RawSet(tv, nk, Nil)
		n++
		k = nk
	}
	if n != 3 {
		t.Errorf("visited %d entries, want 3", n)
	}
}

// ---------------------------------------------------------------------------
// Handles
// ---------------------------------------------------------------------------

func TestArenaStaleHandleNeverResolves(t *testing.T) {
	a := newArena()
	first := a.insert(&String{s: "first"})

	// cycle the same slot through every generation
	h := first
	for i := 0; i < maxGen; i++ {
		a.remove(h)
		h = a.insert(&String{s: "again"})
		if h.index() != first.index() {
			t.Fatalf("reuse %d went to slot %d", i, h.index())
		}
	}
	if h.gen() != maxGen {
		t.Fatalf("generation = %d, want %d", h.gen(), maxGen)
	}

	// the exhausted slot is retired, not wrapped back to generation 0
	a.remove(h)
	next := a.insert(&String{s: "fresh"})
	if next.index() == first.index() {
		t.Fatal("exhausted slot was reused")
	}
	if a.lookup(first) != nil || a.lookup(h) != nil {
		t.Error("stale handle resolved")
	}
	if a.lookup(next) == nil {
		t.Error("fresh handle did not resolve")
	}
	if a.retired != 1 || a.live != 1 {
		t.Errorf("retired = %d, live = %d", a.retired, a.live)
	}
}
