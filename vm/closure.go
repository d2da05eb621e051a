package vm

// GoFunction is a host function callable from programs. args is a copy of
// the call's arguments; the returned values become the call's results.
//
// Returning an *Error raises its value unchanged. Any other non-nil error is
// raised as a host error carrying err.Error(). To suspend the running
// coroutine, return co.Yield(values...).
type GoFunction func(co *Coroutine, args []Value) ([]Value, error)

// LuaClosure pairs a prototype with captured upvalues and an environment
// table used for global access.
type LuaClosure struct {
	header
	proto  *Proto
	upvals []*Upvalue
	env    *Table
}

// GoClosure wraps a GoFunction with optional upvalue slots.
type GoClosure struct {
	header
	fn     GoFunction
	name   string
	upvals []Value
	env    *Table
}

// Name returns the name the function was registered under.
func (c *GoClosure) Name() string { return c.name }

// Upvalue returns upvalue slot i.
func (c *GoClosure) Upvalue(i int) Value { return c.upvals[i] }

// Upvalue is a captured variable. While open, v aliases a slot of the owning
// coroutine's stack (index idx). Once closed, v points at closed.
type Upvalue struct {
	header
	v      *Value
	closed Value
	co     *Coroutine
	idx    int
}

func (u *Upvalue) isOpen() bool { return u.v != &u.closed }

// Get returns the captured variable's current value.
func (u *Upvalue) Get() Value { return *u.v }

// ---------------------------------------------------------------------------
// Upvalue management
// ---------------------------------------------------------------------------

// findUpvalue returns the open upvalue for stack slot idx, creating it if
// needed. The coroutine's open list stays sorted by slot index.
func (co *Coroutine) findUpvalue(idx int) *Upvalue {
	h := co.h
	pos := len(co.openUpvals)
	for pos > 0 {
		uv := co.openUpvals[pos-1]
		if uv.idx == idx {
			if h.isDead(uv) {
				h.changeWhite(uv)
			}
			return uv
		}
		if uv.idx < idx {
			break
		}
		pos--
	}
	uv := &Upvalue{co: co, idx: idx}
	uv.v = &co.stack[idx]
	h.link(uv, kindUpvalue, sizeUpvalue)
	co.openUpvals = append(co.openUpvals, nil)
	copy(co.openUpvals[pos+1:], co.openUpvals[pos:])
	co.openUpvals[pos] = uv
	return uv
}

// closeUpvalues closes every open upvalue at or above stack slot level.
func (co *Coroutine) closeUpvalues(level int) {
	for n := len(co.openUpvals); n > 0; n-- {
		uv := co.openUpvals[n-1]
		if uv.idx < level {
			break
		}
		co.openUpvals[n-1] = nil
		co.openUpvals = co.openUpvals[:n-1]
		co.h.closeUpvalue(uv)
	}
}

// closeUpvalue copies the aliased slot into the upvalue and redirects it.
func (h *Heap) closeUpvalue(uv *Upvalue) {
	uv.closed = *uv.v
	uv.v = &uv.closed
	uv.co = nil
	if isGray(uv) {
		if h.gc.state == GCPropagate || h.gc.state == GCAtomic {
			gray2black(uv)
			h.barrierForward(uv, uv.closed)
		} else {
			h.makeWhite(uv)
		}
	}
}

// correctStack re-points open upvalues after the stack was reallocated.
func (co *Coroutine) correctStack() {
	for _, uv := range co.openUpvals {
		uv.v = &co.stack[uv.idx]
	}
}

// newClosedUpvalue creates a detached upvalue holding nil, used for the
// upvalues of a loaded main function.
func (h *Heap) newClosedUpvalue() *Upvalue {
	uv := &Upvalue{closed: Nil}
	uv.v = &uv.closed
	h.link(uv, kindUpvalue, sizeUpvalue)
	return uv
}

// ---------------------------------------------------------------------------
// Closure construction
// ---------------------------------------------------------------------------

func (h *Heap) newLuaClosure(p *Proto, env *Table) *LuaClosure {
	cl := &LuaClosure{
		proto:  p,
		upvals: make([]*Upvalue, len(p.p.Upvalues)),
		env:    env,
	}
	h.link(cl, kindLuaClosure, sizeClosure+int32(len(cl.upvals))*sizeValue)
	return cl
}

func (h *Heap) newGoClosure(name string, fn GoFunction, env *Table, upvals []Value) *GoClosure {
	cl := &GoClosure{
		fn:     fn,
		name:   name,
		upvals: append([]Value(nil), upvals...),
		env:    env,
	}
	h.link(cl, kindGoClosure, sizeClosure+int32(len(cl.upvals))*sizeValue)
	return cl
}

// setGoUpvalue stores into upvalue slot i of a Go closure.
func (h *Heap) setGoUpvalue(c *GoClosure, i int, v Value) {
	c.upvals[i] = v
	h.barrierValue(c, v)
}
