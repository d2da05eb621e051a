// Package profile samples a running Runtime through its debug hooks. Call
// events count invocations per function; count events fire every N
// instructions and charge a sample to the running function and line.
// Results can be persisted to SQLite with Store.
package profile

import (
	"cmp"
	"slices"

	"github.com/chazu/lumen/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("lumen.profile")

// DefaultEvery is the sampling period in instructions.
const DefaultEvery = 1000

// FuncKey identifies a function by where it was defined.
type FuncKey struct {
	Source      string
	LineDefined int
	Name        string
}

// FuncStats accumulates the counts of one function.
type FuncStats struct {
	FuncKey
	Calls   int64
	Samples int64
}

// LineStats is the sample count of one source line.
type LineStats struct {
	Source  string
	Line    int
	Samples int64
}

type lineKey struct {
	source string
	line   int
}

// Profiler collects call counts and instruction samples. It is not safe for
// concurrent use; a Runtime runs hooks on a single goroutine.
type Profiler struct {
	every int
	funcs map[FuncKey]*FuncStats
	lines map[lineKey]int64
	rt    *vm.Runtime

	// Instructions is the number of instructions covered by samples.
	Instructions int64
}

// New returns a profiler sampling every n instructions (DefaultEvery when
// n <= 0).
func New(every int) *Profiler {
	if every <= 0 {
		every = DefaultEvery
	}
	return &Profiler{
		every: every,
		funcs: make(map[FuncKey]*FuncStats),
		lines: make(map[lineKey]int64),
	}
}

// Every returns the sampling period.
func (p *Profiler) Every() int { return p.every }

// Attach installs the profiler as rt's hook. Coroutines created afterwards
// are profiled too.
func (p *Profiler) Attach(rt *vm.Runtime) {
	p.rt = rt
	rt.SetHook(p.hook, vm.HookCall|vm.HookCount, p.every)
	log.Debugf("attached, sampling every %d instructions", p.every)
}

// Detach removes the hook installed by Attach.
func (p *Profiler) Detach() {
	if p.rt == nil {
		return
	}
	p.rt.SetHook(nil, 0, 0)
	p.rt = nil
}

func (p *Profiler) hook(co *vm.Coroutine, ev vm.HookEvent) {
	frame, ok := co.Frame(0)
	if !ok {
		return
	}
	key := FuncKey{Source: frame.Source, LineDefined: frame.LineDefined, Name: frame.Name}
	if key.Name == "" && frame.LineDefined == 0 {
		key.Name = "main chunk"
	}
	fs := p.funcs[key]
	if fs == nil {
		fs = &FuncStats{FuncKey: key}
		p.funcs[key] = fs
	}
	switch ev.Kind {
	case vm.EventCall:
		fs.Calls++
	case vm.EventCount:
		fs.Samples++
		p.Instructions += int64(p.every)
		if frame.CurrentLine > 0 {
			p.lines[lineKey{frame.Source, frame.CurrentLine}]++
		}
	}
}

// Functions returns the per-function statistics, most sampled first and
// then most called.
func (p *Profiler) Functions() []FuncStats {
	out := make([]FuncStats, 0, len(p.funcs))
	for _, fs := range p.funcs {
		out = append(out, *fs)
	}
	slices.SortFunc(out, func(a, b FuncStats) int {
		if c := cmp.Compare(b.Samples, a.Samples); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Calls, a.Calls); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Source, b.Source); c != 0 {
			return c
		}
		return cmp.Compare(a.LineDefined, b.LineDefined)
	})
	return out
}

// Lines returns the sampled lines, hottest first.
func (p *Profiler) Lines() []LineStats {
	out := make([]LineStats, 0, len(p.lines))
	for k, n := range p.lines {
		out = append(out, LineStats{Source: k.source, Line: k.line, Samples: n})
	}
	slices.SortFunc(out, func(a, b LineStats) int {
		if c := cmp.Compare(b.Samples, a.Samples); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Source, b.Source); c != 0 {
			return c
		}
		return cmp.Compare(a.Line, b.Line)
	})
	return out
}

// Reset discards everything collected so far.
func (p *Profiler) Reset() {
	clear(p.funcs)
	clear(p.lines)
	p.Instructions = 0
}
