package vm

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Collector state
// ---------------------------------------------------------------------------

// GCState is the phase of the incremental collector.
type GCState uint8

const (
	GCPause GCState = iota
	GCPropagate
	GCAtomic
	GCSweepStrings
	GCSweep
	GCFinalize
)

var gcStateNames = [...]string{
	GCPause:        "pause",
	GCPropagate:    "propagate",
	GCAtomic:       "atomic",
	GCSweepStrings: "sweepstring",
	GCSweep:        "sweep",
	GCFinalize:     "finalize",
}

func (s GCState) String() string { return gcStateNames[s] }

// Work costs, in the same units as bytes traversed.
const (
	gcSweepMax     = 40
	gcSweepCost    = 10
	gcFinalizeCost = 100
	maxWorkPerStep = math.MaxInt64 / 2
)

type collector struct {
	state        GCState
	currentWhite uint8

	gray      []object
	grayAgain []object
	weak      []*Table

	sweepStrPrev int32
	sweepObjPrev int32

	totalBytes int64
	threshold  int64
	estimate   int64
	debt       int64

	pause    int
	stepMul  int
	stepSize int

	stopped    bool
	busy       bool
	emergency  bool
	cycleStart time.Time
}

func (g *collector) init(cfg Config) {
	g.state = GCPause
	g.currentWhite = bitWhite0
	g.pause = cfg.GCPause
	g.stepMul = cfg.GCStepMul
	g.stepSize = cfg.GCStepSize
	g.sweepStrPrev = -1
	g.sweepObjPrev = -1
}

func (g *collector) otherWhite() uint8 { return g.currentWhite ^ whiteBits }

// setThreshold schedules the next cycle once the heap grows by pause
// percent over the live estimate.
func (g *collector) setThreshold() {
	g.threshold = (g.estimate / 100) * int64(g.pause)
}

// GCStats is a snapshot of collector counters.
type GCStats struct {
	State                GCState
	TotalBytes           int64
	Threshold            int64
	Estimate             int64
	LiveObjects          int
	Cycles               uint64
	Steps                uint64
	Allocations          uint64
	Freed                uint64
	FreedBytes           uint64
	Finalized            uint64
	FinalizerErrors      uint64
	EmergencyCollections uint64
	MemoryErrors         uint64
	LastCycle            time.Duration
}

// ---------------------------------------------------------------------------
// Color helpers
// ---------------------------------------------------------------------------

func (h *Heap) makeWhite(o object) {
	hd := o.hdr()
	hd.marked = hd.marked&maskMarks | h.gc.currentWhite
}

func (h *Heap) changeWhite(o object) { o.hdr().marked ^= whiteBits }

// isDead reports whether o was left unmarked by the cycle currently being
// swept.
func (h *Heap) isDead(o object) bool {
	hd := o.hdr()
	return hd.marked&h.gc.otherWhite()&whiteBits != 0 && hd.marked&bitFixed == 0
}

// Color names the tri-color state of the object behind v: "white", "gray",
// "black", or "" for non-collectable values.
func (h *Heap) Color(v Value) string {
	if !v.IsCollectable() {
		return ""
	}
	o := h.object(v)
	switch {
	case isWhite(o):
		return "white"
	case isBlack(o):
		return "black"
	default:
		return "gray"
	}
}

// ---------------------------------------------------------------------------
// Marking
// ---------------------------------------------------------------------------

func (h *Heap) markValue(v Value) {
	if v.IsCollectable() {
		h.markObject(h.object(v))
	}
}

func (h *Heap) markObject(o object) {
	if o != nil && isWhite(o) {
		h.reallyMark(o)
	}
}

// reallyMark moves a white object to gray, or straight to black when it has
// nothing left to traverse.
func (h *Heap) reallyMark(o object) {
	white2gray(o)
	switch x := o.(type) {
	case *String:
		gray2black(x)
	case *Userdata:
		gray2black(x)
		if x.meta != nil {
			h.markObject(x.meta)
		}
	case *Upvalue:
		h.markValue(*x.v)
		if !x.isOpen() {
			gray2black(x)
		}
	case *Table, *LuaClosure, *GoClosure, *Proto, *Coroutine:
		h.gc.gray = append(h.gc.gray, o)
	default:
		panic(fmt.Sprintf("vm: mark of unknown object %T", o))
	}
}

func (h *Heap) markMetatables() {
	for _, mt := range h.metatables {
		if mt != nil {
			h.markObject(mt)
		}
	}
}

// markRoot starts a cycle by graying the root set.
func (h *Heap) markRoot() {
	g := &h.gc
	g.gray = g.gray[:0]
	g.grayAgain = g.grayAgain[:0]
	g.weak = g.weak[:0]
	h.markObject(h.main)
	h.markObject(h.globals)
	h.markObject(h.registry)
	h.markMetatables()
	h.markActiveCoroutines()
	h.markFresh()
	g.state = GCPropagate
	g.cycleStart = time.Now()
}

func (h *Heap) markActiveCoroutines() {
	for co := h.running; co != nil; co = co.resumer {
		h.markObject(co)
	}
}

func (h *Heap) markFresh() {
	for _, o := range h.fresh {
		h.markObject(o)
	}
}

// markTmu keeps objects awaiting finalization alive until their finalizer
// has run.
func (h *Heap) markTmu() {
	for _, o := range h.tmudata {
		h.makeWhite(o)
		h.reallyMark(o)
	}
}

// remarkUpvalues marks values of open upvalues whose owners might not be
// traversed again in this cycle.
func (h *Heap) remarkUpvalues() {
	for co := range h.coroutines {
		for _, uv := range co.openUpvals {
			if isGray(uv) {
				h.markValue(*uv.v)
			}
		}
	}
}

// propagateMark blackens one gray object and grays its children. It
// returns an estimate of the work done.
func (h *Heap) propagateMark() int64 {
	g := &h.gc
	n := len(g.gray) - 1
	o := g.gray[n]
	g.gray[n] = nil
	g.gray = g.gray[:n]
	gray2black(o)
	switch x := o.(type) {
	case *Table:
		if h.traverseTable(x) {
			black2gray(x)
		}
		return int64(x.size)
	case *LuaClosure:
		h.markObject(x.proto)
		if x.env != nil {
			h.markObject(x.env)
		}
		for _, uv := range x.upvals {
			if uv != nil {
				h.markObject(uv)
			}
		}
		return int64(x.size)
	case *GoClosure:
		if x.env != nil {
			h.markObject(x.env)
		}
		for _, v := range x.upvals {
			h.markValue(v)
		}
		return int64(x.size)
	case *Proto:
		for _, k := range x.k {
			h.markValue(k)
		}
		for _, child := range x.protos {
			if child != nil {
				h.markObject(child)
			}
		}
		return int64(x.size)
	case *Coroutine:
		black2gray(x)
		g.grayAgain = append(g.grayAgain, x)
		h.traverseStack(x)
		return int64(x.size)
	default:
		panic(fmt.Sprintf("vm: gray object of kind %s", kindNames[o.hdr().kind]))
	}
}

func (h *Heap) propagateAll() {
	for len(h.gc.gray) > 0 {
		h.propagateMark()
	}
}

// traverseTable marks the strong parts of t and reports whether t is weak
// and must stay gray.
func (h *Heap) traverseTable(t *Table) bool {
	weakKeys, weakValues := false, false
	if t.meta != nil {
		h.markObject(t.meta)
		if mode := t.meta.getStr(h.tmNames[tmMode]); mode.IsString() {
			s := h.stringOf(mode).s
			weakKeys = strings.IndexByte(s, 'k') >= 0
			weakValues = strings.IndexByte(s, 'v') >= 0
		}
	}
	t.weakKeys, t.weakValues = weakKeys, weakValues
	if weakKeys || weakValues {
		h.gc.weak = append(h.gc.weak, t)
		if weakKeys && weakValues {
			return true
		}
	}
	if !weakValues {
		for _, v := range t.array {
			h.markValue(v)
		}
	}
	for i := range t.nodes {
		n := &t.nodes[i]
		if n.val.IsNil() {
			continue
		}
		if !weakKeys {
			h.markValue(n.key)
		}
		if !weakValues {
			h.markValue(n.val)
		}
	}
	return weakKeys || weakValues
}

// traverseStack marks a coroutine's stack below top and clears everything
// above it, so a dead slot can neither retain garbage nor expose a stale
// handle when a frame later raises top over it. Registers a frame still
// needs always sit below top at a safe point.
func (h *Heap) traverseStack(co *Coroutine) {
	for i := 0; i < co.top; i++ {
		h.markValue(co.stack[i])
	}
	for i := co.top; i < len(co.stack); i++ {
		co.stack[i] = Nil
	}
	for _, uv := range co.openUpvals {
		h.markObject(uv)
	}
}

// ---------------------------------------------------------------------------
// Atomic phase
// ---------------------------------------------------------------------------

func (h *Heap) atomic() int64 {
	g := &h.gc
	h.remarkUpvalues()
	h.propagateAll()

	// weak tables are traversed again after all strong paths are known
	g.gray = append(g.gray, weakObjects(g.weak)...)
	g.weak = g.weak[:0]
	h.markActiveCoroutines()
	h.markMetatables()
	h.markFresh()
	h.propagateAll()

	g.gray = append(g.gray, g.grayAgain...)
	g.grayAgain = g.grayAgain[:0]
	h.propagateAll()

	h.separateFinalizable(false)
	h.markTmu()
	h.propagateAll()

	h.clearWeakTables()

	g.currentWhite = g.otherWhite()
	g.sweepStrPrev = -1
	g.sweepObjPrev = -1
	g.state = GCSweepStrings
	g.estimate = g.totalBytes
	return g.totalBytes / 16
}

func weakObjects(ts []*Table) []object {
	out := make([]object, len(ts))
	for i, t := range ts {
		out[i] = t
	}
	return out
}

// separateFinalizable moves unreachable objects with a __gc metamethod to
// the finalization queue. all forces every registered object in.
func (h *Heap) separateFinalizable(all bool) {
	kept := h.finobj[:0]
	for _, o := range h.finobj {
		hd := o.hdr()
		if hd.marked&bitFinalized != 0 {
			continue
		}
		if !all && !isWhite(o) {
			kept = append(kept, o)
			continue
		}
		hd.marked |= bitFinalized
		hd.marked &^= bitFinobj
		h.tmudata = append(h.tmudata, o)
	}
	for i := len(kept); i < len(h.finobj); i++ {
		h.finobj[i] = nil
	}
	h.finobj = kept
}

// isCleared reports whether a weak slot holding v must be emptied.
func (h *Heap) isCleared(v Value, isKey bool) bool {
	if !v.IsCollectable() {
		return false
	}
	o := h.object(v)
	if s, ok := o.(*String); ok {
		h.markObject(s)
		return false
	}
	if isWhite(o) {
		return true
	}
	if !isKey {
		if u, ok := o.(*Userdata); ok && u.marked&bitFinalized != 0 {
			return true
		}
	}
	return false
}

func (h *Heap) clearWeakTables() {
	for _, t := range h.gc.weak {
		if t.weakValues {
			for i, v := range t.array {
				if h.isCleared(v, false) {
					t.array[i] = Nil
				}
			}
		}
		for i := range t.nodes {
			n := &t.nodes[i]
			if n.val.IsNil() {
				continue
			}
			if (t.weakKeys && h.isCleared(n.key, true)) || (t.weakValues && h.isCleared(n.val, false)) {
				n.val = Nil
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Sweeping
// ---------------------------------------------------------------------------

// sweepList frees up to max dead objects of the list starting at *head,
// resuming after *prev. It returns true when the list is exhausted.
func (h *Heap) sweepList(head *int32, prev *int32, max int) bool {
	dead := h.gc.otherWhite()
	for ; max > 0; max-- {
		var cur int32
		if *prev < 0 {
			cur = *head
		} else {
			cur = h.arena.at(*prev).hdr().next
		}
		if cur < 0 {
			return true
		}
		o := h.arena.at(cur)
		hd := o.hdr()
		if hd.marked&dead&whiteBits == 0 || hd.marked&bitFixed != 0 {
			h.makeWhite(o)
			*prev = cur
			continue
		}
		if *prev < 0 {
			*head = hd.next
		} else {
			h.arena.at(*prev).hdr().next = hd.next
		}
		h.freeObject(o)
	}
	return false
}

func (h *Heap) freeObject(o object) {
	hd := o.hdr()
	switch x := o.(type) {
	case *String:
		delete(h.strtab, x.s)
	case *Coroutine:
		for _, uv := range x.openUpvals {
			h.closeUpvalue(uv)
		}
		x.openUpvals = nil
		delete(h.coroutines, x)
		x.status = CoroutineDead
	case *Upvalue:
		if x.isOpen() && x.co != nil {
			x.co.unlinkUpvalue(x)
		}
	case *Table, *LuaClosure, *GoClosure, *Proto, *Userdata:
	default:
		panic(fmt.Sprintf("vm: free of unknown object %T", o))
	}
	h.gc.totalBytes -= int64(hd.size)
	h.stats.Freed++
	h.stats.FreedBytes += uint64(hd.size)
	h.arena.remove(hd.self)
}

// ---------------------------------------------------------------------------
// Finalization
// ---------------------------------------------------------------------------

// runFinalizer calls __gc for the next queued object under a protected call
// on the running coroutine. Errors are logged and counted, never raised.
func (h *Heap) runFinalizer() {
	o := h.tmudata[0]
	h.tmudata[0] = nil
	h.tmudata = h.tmudata[1:]
	h.makeWhite(o)

	var mt *Table
	switch x := o.(type) {
	case *Userdata:
		mt = x.meta
	case *Table:
		mt = x.meta
	}
	if mt == nil {
		return
	}
	tm := mt.getStr(h.tmNames[tmGC])
	if !tm.IsFunction() {
		return
	}
	co := h.running
	oldAllowHook := co.allowHook
	oldThreshold := h.gc.threshold
	co.allowHook = false
	h.gc.threshold = 2 * h.gc.totalBytes
	top := co.top
	co.checkStack(2)
	co.stack[co.top] = tm
	co.stack[co.top+1] = o.hdr().value()
	co.top += 2
	err := co.pcall(func() { co.call(top, 0) }, top, 0)
	co.top = top
	co.allowHook = oldAllowHook
	h.gc.threshold = oldThreshold
	h.stats.Finalized++
	if err != nil {
		h.stats.FinalizerErrors++
		gcLog.Errorf("error in __gc metamethod: %s", err.Message)
	}
}

// ---------------------------------------------------------------------------
// Stepping
// ---------------------------------------------------------------------------

// singleStep advances the collector by one unit and returns the work done.
func (h *Heap) singleStep() int64 {
	g := &h.gc
	switch g.state {
	case GCPause:
		h.markRoot()
		return 0
	case GCPropagate:
		if len(g.gray) > 0 {
			return h.propagateMark()
		}
		g.state = GCAtomic
		return 0
	case GCAtomic:
		return h.atomic()
	case GCSweepStrings:
		old := g.totalBytes
		if h.sweepList(&h.strRoot, &g.sweepStrPrev, gcSweepMax) {
			g.state = GCSweep
		}
		g.estimate -= old - g.totalBytes
		return gcSweepCost
	case GCSweep:
		old := g.totalBytes
		if h.sweepList(&h.rootgc, &g.sweepObjPrev, gcSweepMax) {
			g.state = GCFinalize
		}
		g.estimate -= old - g.totalBytes
		return gcSweepMax * gcSweepCost
	case GCFinalize:
		if len(h.tmudata) > 0 && !g.emergency {
			h.runFinalizer()
			if g.estimate > gcFinalizeCost {
				g.estimate -= gcFinalizeCost
			}
			return gcFinalizeCost
		}
		g.state = GCPause
		g.debt = 0
		h.stats.Cycles++
		h.stats.LastCycle = time.Since(g.cycleStart)
		gcLog.Debugf("cycle %d done: %d bytes live, %d objects", h.stats.Cycles, g.totalBytes, h.arena.live)
		return 0
	}
	return 0
}

// step performs one increment of collection work proportional to the
// allocation debt.
func (h *Heap) step() {
	g := &h.gc
	g.busy = true
	defer func() { g.busy = false }()
	h.stats.Steps++

	limit := int64(g.stepSize/100) * int64(g.stepMul)
	if limit == 0 {
		limit = maxWorkPerStep
	}
	g.debt += g.totalBytes - g.threshold
	for {
		limit -= h.singleStep()
		if g.state == GCPause || limit <= 0 {
			break
		}
	}
	if g.state != GCPause {
		if g.debt < int64(g.stepSize) {
			g.threshold = g.totalBytes + int64(g.stepSize)
		} else {
			g.debt -= int64(g.stepSize)
			g.threshold = g.totalBytes
		}
	} else {
		g.setThreshold()
	}
}

// fullGC runs a complete cycle, abandoning any mark in progress.
func (h *Heap) fullGC() {
	g := &h.gc
	wasBusy := g.busy
	g.busy = true
	defer func() { g.busy = wasBusy }()

	if g.state <= GCAtomic {
		// restart sweeping from scratch; nothing is other-white yet
		g.sweepStrPrev = -1
		g.sweepObjPrev = -1
		for _, o := range g.gray {
			h.makeWhite(o)
		}
		for _, o := range g.grayAgain {
			h.makeWhite(o)
		}
		for _, t := range g.weak {
			h.makeWhite(t)
		}
		g.gray = g.gray[:0]
		g.grayAgain = g.grayAgain[:0]
		g.weak = g.weak[:0]
		g.state = GCSweepStrings
	}
	for g.state != GCFinalize {
		h.singleStep()
	}
	h.markRoot()
	for g.state != GCPause {
		h.singleStep()
	}
	g.setThreshold()
}

// emergencyGC collects everything unreachable without running finalizers,
// which would execute program code at an arbitrary allocation point.
func (h *Heap) emergencyGC() {
	h.stats.EmergencyCollections++
	gcLog.Noticef("emergency collection at %d bytes", h.gc.totalBytes)
	h.gc.emergency = true
	defer func() { h.gc.emergency = false }()
	h.fullGC()
}

// checkGC runs a collection step once allocation debt passes the
// threshold.
func (h *Heap) checkGC() {
	g := &h.gc
	if g.totalBytes >= g.threshold && !g.stopped && !g.busy {
		h.step()
	}
}

// ---------------------------------------------------------------------------
// Invariant checking
// ---------------------------------------------------------------------------

// CheckInvariant verifies that no black object references a white one
// through a strong reference. It only reports during the mark phase, when
// the invariant must hold.
func (h *Heap) CheckInvariant() error {
	g := &h.gc
	if g.state != GCPropagate && g.state != GCAtomic {
		return nil
	}
	var violation error
	check := func(parent object, child Value) {
		if violation != nil || !child.IsCollectable() {
			return
		}
		c := h.object(child)
		if isWhite(c) {
			violation = fmt.Errorf("black %s references white %s", kindNames[parent.hdr().kind], kindNames[c.hdr().kind])
		}
	}
	checkObj := func(parent, child object) {
		if child != nil {
			check(parent, child.hdr().value())
		}
	}
	for _, s := range h.arena.slots {
		o := s.obj
		if o == nil || !isBlack(o) {
			continue
		}
		switch x := o.(type) {
		case *Table:
			if x.meta != nil {
				checkObj(x, x.meta)
			}
			if x.weakKeys || x.weakValues {
				continue
			}
			for _, v := range x.array {
				check(x, v)
			}
			for _, n := range x.nodes {
				if !n.val.IsNil() {
					check(x, n.key)
					check(x, n.val)
				}
			}
		case *LuaClosure:
			checkObj(x, x.proto)
			if x.env != nil {
				checkObj(x, x.env)
			}
			for _, uv := range x.upvals {
				if uv != nil {
					checkObj(x, uv)
				}
			}
		case *GoClosure:
			if x.env != nil {
				checkObj(x, x.env)
			}
			for _, v := range x.upvals {
				check(x, v)
			}
		case *Proto:
			for _, k := range x.k {
				check(x, k)
			}
			for _, child := range x.protos {
				if child != nil {
					checkObj(x, child)
				}
			}
		case *Upvalue:
			check(x, *x.v)
		case *Userdata:
			if x.meta != nil {
				checkObj(x, x.meta)
			}
		case *Coroutine:
			violation = fmt.Errorf("coroutine left black")
		}
		if violation != nil {
			return violation
		}
	}
	return nil
}
