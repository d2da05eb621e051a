package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Frame inspection
// ---------------------------------------------------------------------------

// protoAt returns the prototype running in Lua frame idx.
func (co *Coroutine) protoAt(idx int) *Prototype {
	cl := co.h.object(co.stack[co.ci[idx].fn]).(*LuaClosure)
	return cl.proto.p
}

// currentPC is the index of the instruction frame idx is executing.
func (co *Coroutine) currentPC(idx int) int {
	pc := co.ci[idx].savedPC - 1
	if pc < 0 {
		return 0
	}
	return pc
}

func lineAt(p *Prototype, pc int) int {
	if pc >= 0 && pc < len(p.LineInfo) {
		return p.LineInfo[pc]
	}
	return -1
}

// currentLine returns the source line of frame idx, or -1.
func (co *Coroutine) currentLine(idx int) int {
	if !co.ci[idx].lua {
		return -1
	}
	return lineAt(co.protoAt(idx), co.currentPC(idx))
}

// where returns "chunk:line: " for the frame level calls below the current
// one, or "" when that frame is not a Lua function with line information.
func (co *Coroutine) where(level int) string {
	idx := co.cii - level
	if idx < 1 || !co.ci[idx].lua {
		return ""
	}
	p := co.protoAt(idx)
	if line := lineAt(p, co.currentPC(idx)); line > 0 {
		return fmt.Sprintf("%s:%d: ", chunkID(p.Source), line)
	}
	return ""
}

// Where is the position prefix error() adds for level.
func (co *Coroutine) Where(level int) string { return co.where(level) }

// ---------------------------------------------------------------------------
// Naming operands
// ---------------------------------------------------------------------------

// localName returns the name of the n-th (1-based) active local at pc.
func localName(p *Prototype, n, pc int) string {
	for _, lv := range p.LocVars {
		if lv.StartPC > pc {
			break
		}
		if pc < lv.EndPC {
			n--
			if n == 0 {
				return lv.Name
			}
		}
	}
	return ""
}

// findSetReg returns the pc of the last instruction before lastpc that
// wrote reg, or -1.
func findSetReg(p *Prototype, lastpc, reg int) int {
	setreg := -1
	for pc := 0; pc < lastpc; pc++ {
		i := p.Code[pc]
		op := i.Op()
		a := i.A()
		switch op {
		case OpLoadNil:
			if a <= reg && reg <= i.B() {
				setreg = pc
			}
		case OpTForLoop:
			if reg >= a+2 {
				setreg = pc
			}
		case OpCall, OpTailCall:
			if reg >= a {
				setreg = pc
			}
		case OpJmp:
			dest := pc + 1 + i.SBx()
			if pc < dest && dest <= lastpc {
				pc += i.SBx()
			}
		case OpClosure:
			if a == reg {
				setreg = pc
			}
			pc += closureCaptures(p, i)
		case OpSetList:
			if i.C() == 0 {
				pc++
			}
		default:
			if op.Info().SetsA && a == reg {
				setreg = pc
			}
		}
	}
	return setreg
}

func closureCaptures(p *Prototype, i Instruction) int {
	if bx := i.Bx(); bx < len(p.Protos) {
		return len(p.Protos[bx].Upvalues)
	}
	return 0
}

func constantName(p *Prototype, x int) string {
	if IsK(x) {
		if k := IndexK(x); k < len(p.Constants) && p.Constants[k].Kind == ConstString {
			return p.Constants[k].Str
		}
	}
	return "?"
}

// objName describes what register reg held at pc: a local, global, field,
// upvalue or method, with its name.
func objName(p *Prototype, pc, reg int) (kind, name string) {
	for depth := 0; depth < 16; depth++ {
		if name = localName(p, reg+1, pc); name != "" {
			return "local", name
		}
		setpc := findSetReg(p, pc, reg)
		if setpc < 0 {
			return "", ""
		}
		i := p.Code[setpc]
		switch i.Op() {
		case OpGetGlobal:
			return "global", constantName(p, RKAsK(i.Bx()))
		case OpMove:
			if b := i.B(); b < i.A() {
				pc, reg = setpc, b
				continue
			}
		case OpGetTable:
			return "field", constantName(p, i.C())
		case OpGetUpval:
			if b := i.B(); b < len(p.Upvalues) {
				return "upvalue", p.Upvalues[b].Name
			}
			return "upvalue", "?"
		case OpSelf:
			return "method", constantName(p, i.C())
		}
		return "", ""
	}
	return "", ""
}

// operandRegs lists the registers an instruction reads as operands.
func operandRegs(i Instruction) []int {
	var regs []int
	addRK := func(x int) {
		if !IsK(x) {
			regs = append(regs, x)
		}
	}
	switch i.Op() {
	case OpGetTable, OpSelf, OpUnm, OpLen, OpMove:
		regs = append(regs, i.B())
		if i.Op() != OpUnm && i.Op() != OpLen && i.Op() != OpMove {
			addRK(i.C())
		}
	case OpSetTable:
		regs = append(regs, i.A())
		addRK(i.B())
		addRK(i.C())
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow, OpEq, OpLt, OpLe:
		addRK(i.B())
		addRK(i.C())
	case OpConcat:
		for r := i.B(); r <= i.C(); r++ {
			regs = append(regs, r)
		}
	case OpCall, OpTailCall, OpForPrep, OpTForLoop:
		regs = append(regs, i.A())
	}
	return regs
}

// varInfo names v when it sits in an operand register of the instruction
// the current Lua frame is executing.
func (co *Coroutine) varInfo(v Value) string {
	idx := co.cii
	if idx < 1 || !co.ci[idx].lua {
		return ""
	}
	p := co.protoAt(idx)
	pc := co.currentPC(idx)
	base := co.ci[idx].base
	for _, reg := range operandRegs(p.Code[pc]) {
		if base+reg < len(co.stack) && co.stack[base+reg] == v {
			if kind, name := objName(p, pc, reg); kind != "" {
				return fmt.Sprintf(" %s '%s'", kind, name)
			}
		}
	}
	return ""
}

// ---------------------------------------------------------------------------
// Error helpers
// ---------------------------------------------------------------------------

func (co *Coroutine) typeError(v Value, op string) {
	if info := co.varInfo(v); info != "" {
		co.runError(KindRuntime, "attempt to %s%s (a %s value)", op, info, v.TypeName())
	}
	co.runError(KindRuntime, "attempt to %s a %s value", op, v.TypeName())
}

func (co *Coroutine) orderError(a, b Value) {
	t1, t2 := a.TypeName(), b.TypeName()
	if t1 == t2 {
		co.runError(KindRuntime, "attempt to compare two %s values", t1)
	}
	co.runError(KindRuntime, "attempt to compare %s with %s", t1, t2)
}

// ---------------------------------------------------------------------------
// Function names and tracebacks
// ---------------------------------------------------------------------------

// funcName names the function running in frame idx from the instruction
// that called it.
func (co *Coroutine) funcName(idx int) (kind, name string) {
	if idx < 2 || co.ci[idx].tailCalls > 0 || !co.ci[idx-1].lua {
		return "", ""
	}
	p := co.protoAt(idx - 1)
	pc := co.currentPC(idx - 1)
	i := p.Code[pc]
	switch i.Op() {
	case OpCall, OpTailCall:
		return objName(p, pc, i.A())
	case OpTForLoop:
		return "for iterator", "for iterator"
	}
	return "", ""
}

const (
	tracebackLevels1 = 12
	tracebackLevels2 = 10
)

// Traceback renders the call chain of co, innermost frame first. msg, when
// not empty, is placed on the first line.
func (co *Coroutine) Traceback(msg string) string {
	var sb strings.Builder
	if msg != "" {
		sb.WriteString(msg)
		sb.WriteString("\n")
	}
	sb.WriteString("stack traceback:")
	n := co.cii
	for idx := n; idx >= 1; idx-- {
		level := n - idx
		if level == tracebackLevels1 && idx > tracebackLevels2 {
			sb.WriteString("\n\t...")
			idx = tracebackLevels2 + 1
			continue
		}
		sb.WriteString("\n\t")
		sb.WriteString(co.frameLine(idx))
		if co.ci[idx].tailCalls > 0 {
			sb.WriteString("\n\t(tail call): ?")
		}
	}
	return sb.String()
}

func (co *Coroutine) frameLine(idx int) string {
	ci := co.ci[idx]
	kind, name := co.funcName(idx)
	if !ci.lua {
		if name == "" {
			if gc, ok := co.h.object(co.stack[ci.fn]).(*GoClosure); ok && gc.name != "" {
				name = gc.name
			}
		}
		if name != "" {
			return fmt.Sprintf("[C]: in function '%s'", name)
		}
		return "[C]: ?"
	}
	p := co.protoAt(idx)
	src := chunkID(p.Source)
	var sb strings.Builder
	sb.WriteString(src)
	sb.WriteString(":")
	if line := lineAt(p, co.currentPC(idx)); line > 0 {
		fmt.Fprintf(&sb, "%d:", line)
	}
	switch {
	case kind != "":
		fmt.Fprintf(&sb, " in function '%s'", name)
	case p.LineDefined == 0:
		sb.WriteString(" in main chunk")
	default:
		fmt.Fprintf(&sb, " in function <%s:%d>", src, p.LineDefined)
	}
	return sb.String()
}

// FrameInfo describes one active call for hooks and profilers.
type FrameInfo struct {
	Source      string // chunk name, "[C]" for Go functions
	LineDefined int    // -1 for Go functions, 0 for a main chunk
	CurrentLine int    // -1 when unknown
	Name        string // called name when the caller's code gives one
}

// Frame describes the call level frames below the running one (0 is the
// running function). ok is false past the bottom of the stack.
func (co *Coroutine) Frame(level int) (info FrameInfo, ok bool) {
	idx := co.cii - level
	if level < 0 || idx < 1 {
		return FrameInfo{}, false
	}
	_, info.Name = co.funcName(idx)
	if !co.ci[idx].lua {
		info.Source = "[C]"
		info.LineDefined = -1
		info.CurrentLine = -1
		if info.Name == "" {
			if gc, isGo := co.h.object(co.stack[co.ci[idx].fn]).(*GoClosure); isGo {
				info.Name = gc.name
			}
		}
		return info, true
	}
	p := co.protoAt(idx)
	info.Source = chunkID(p.Source)
	info.LineDefined = p.LineDefined
	info.CurrentLine = lineAt(p, co.currentPC(idx))
	return info, true
}
