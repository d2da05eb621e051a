package vm

// ---------------------------------------------------------------------------
// Write barriers
// ---------------------------------------------------------------------------
//
// The mutator may store a reference to a white object into a black one only
// through a barrier. Closed upvalues, userdata and Go closures use the
// forward barrier (gray the child); tables, which are written often, use the
// backward barrier (gray the table again). Coroutine stacks need none: a
// coroutine is never left black and is rescanned in the atomic phase.

// barrierForward keeps the tri-color invariant after o gained a reference
// to v. While marking, v is grayed; while sweeping, o is whitened instead so
// the next cycle sees it fresh.
func (h *Heap) barrierForward(o object, v Value) {
	if !v.IsCollectable() || !isBlack(o) {
		return
	}
	h.barrierObject(o, h.object(v))
}

// barrierValue is barrierForward for callers holding a Value.
func (h *Heap) barrierValue(o object, v Value) { h.barrierForward(o, v) }

func (h *Heap) barrierObject(o, child object) {
	if !isBlack(o) || !isWhite(child) {
		return
	}
	switch h.gc.state {
	case GCPropagate, GCAtomic:
		h.reallyMark(child)
	default:
		h.makeWhite(o)
	}
}

// barrierBack regrays a black table that gained a reference to a white
// object; the table is traversed again in the atomic phase.
func (h *Heap) barrierBack(t *Table, v Value) {
	if !isBlack(t) || !v.IsCollectable() {
		return
	}
	if !isWhite(h.object(v)) {
		return
	}
	black2gray(t)
	h.gc.grayAgain = append(h.gc.grayAgain, t)
}
