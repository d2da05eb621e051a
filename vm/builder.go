package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Builder: assembling prototypes by hand
// ---------------------------------------------------------------------------

// Builder assembles a Prototype instruction by instruction. It interns
// constants, tracks the current source line, resolves jump labels and
// sizes the register window.
type Builder struct {
	p        *Prototype
	line     int
	consts   map[Constant]int
	labels   []*Label
	maxStack int
}

// NewBuilder starts a prototype for a function with numParams fixed
// parameters. source names the chunk in messages ("@file", "=name").
func NewBuilder(source string, numParams int) *Builder {
	return &Builder{
		p: &Prototype{
			Source:    source,
			NumParams: numParams,
		},
		consts: make(map[Constant]int),
	}
}

// Vararg marks the function as taking variable arguments.
func (b *Builder) Vararg() *Builder {
	b.p.IsVararg = true
	return b
}

// Defined records the source lines the function spans. A zero first line
// marks a main chunk.
func (b *Builder) Defined(first, last int) *Builder {
	b.p.LineDefined = first
	b.p.LastLineDefined = last
	return b
}

// Line sets the source line attached to following instructions.
func (b *Builder) Line(n int) *Builder {
	b.line = n
	return b
}

// MaxStack overrides the computed register window size.
func (b *Builder) MaxStack(n int) *Builder {
	b.maxStack = n
	return b
}

// PC returns the index the next instruction will get.
func (b *Builder) PC() int { return len(b.p.Code) }

// ---------------------------------------------------------------------------
// Constants, upvalues, locals, children
// ---------------------------------------------------------------------------

// Constant adds c to the pool (once) and returns its index.
func (b *Builder) Constant(c Constant) int {
	if idx, ok := b.consts[c]; ok {
		return idx
	}
	idx := len(b.p.Constants)
	b.p.Constants = append(b.p.Constants, c)
	b.consts[c] = idx
	return idx
}

// String returns the pool index of string constant s.
func (b *Builder) String(s string) int { return b.Constant(StringConst(s)) }

// Number returns the pool index of number constant f.
func (b *Builder) Number(f float64) int { return b.Constant(NumberConst(f)) }

// K returns the RK operand naming constant c.
func (b *Builder) K(c Constant) int { return RKAsK(b.Constant(c)) }

// KString returns the RK operand naming string constant s.
func (b *Builder) KString(s string) int { return RKAsK(b.String(s)) }

// KNumber returns the RK operand naming number constant f.
func (b *Builder) KNumber(f float64) int { return RKAsK(b.Number(f)) }

// Upvalue declares the next upvalue slot and returns its index.
func (b *Builder) Upvalue(name string) int {
	b.p.Upvalues = append(b.p.Upvalues, UpvalueDesc{Name: name})
	return len(b.p.Upvalues) - 1
}

// Local declares a named local live on [startPC, endPC). Locals must be
// declared in register order.
func (b *Builder) Local(name string, startPC, endPC int) *Builder {
	b.p.LocVars = append(b.p.LocVars, LocVar{Name: name, StartPC: startPC, EndPC: endPC})
	return b
}

// Child adds a nested prototype and returns its index for CLOSURE.
func (b *Builder) Child(p *Prototype) int {
	b.p.Protos = append(b.p.Protos, p)
	return len(b.p.Protos) - 1
}

// ---------------------------------------------------------------------------
// Emitting
// ---------------------------------------------------------------------------

func (b *Builder) emit(i Instruction) int {
	b.p.Code = append(b.p.Code, i)
	b.p.LineInfo = append(b.p.LineInfo, b.line)
	return len(b.p.Code) - 1
}

// ABC emits an instruction in A B C form and returns its pc.
func (b *Builder) ABC(op Opcode, a, bb, c int) int {
	return b.emit(CreateABC(op, a, bb, c))
}

// ABx emits an instruction in A Bx form.
func (b *Builder) ABx(op Opcode, a, bx int) int {
	return b.emit(CreateABx(op, a, bx))
}

// AsBx emits an instruction with a signed offset.
func (b *Builder) AsBx(op Opcode, a, sbx int) int {
	return b.emit(CreateAsBx(op, a, sbx))
}

// Raw emits a data word, such as the SETLIST batch number.
func (b *Builder) Raw(word uint32) int {
	return b.emit(Instruction(word))
}

// Closure emits CLOSURE for child proto index idx followed by one capture
// per upvalue: a Capture with Local set captures a register, otherwise an
// upvalue of the enclosing function.
func (b *Builder) Closure(a, idx int, captures ...Capture) int {
	pc := b.ABx(OpClosure, a, idx)
	for _, c := range captures {
		if c.Local {
			b.ABC(OpMove, 0, c.Index, 0)
		} else {
			b.ABC(OpGetUpval, 0, c.Index, 0)
		}
	}
	return pc
}

// Capture describes how a new closure obtains one upvalue.
type Capture struct {
	Local bool
	Index int
}

// CaptureLocal captures register r of the enclosing frame.
func CaptureLocal(r int) Capture { return Capture{Local: true, Index: r} }

// CaptureUpvalue shares upvalue u of the enclosing function.
func CaptureUpvalue(u int) Capture { return Capture{Index: u} }

// Return emits RETURN of the n values starting at register a. n < 0 returns
// everything up to top.
func (b *Builder) Return(a, n int) int {
	return b.ABC(OpReturn, a, n+1, 0)
}

// Call emits CALL of the function in register a with nargs arguments and
// nresults results; MultRet for either uses top.
func (b *Builder) Call(a, nargs, nresults int) int {
	return b.ABC(OpCall, a, nargs+1, nresults+1)
}

// ---------------------------------------------------------------------------
// Labels
// ---------------------------------------------------------------------------

// Label is a jump target that may be marked after it is used.
type Label struct {
	resolved bool
	position int
	refs     []int
}

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel() *Label {
	l := &Label{refs: make([]int, 0, 2)}
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves label to the next instruction and patches earlier jumps.
func (b *Builder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = b.PC()
	for _, ref := range label.refs {
		b.patch(ref, label.position)
	}
	label.refs = nil
}

func (b *Builder) patch(pc, target int) {
	i := b.p.Code[pc]
	b.p.Code[pc] = CreateAsBx(i.Op(), i.A(), target-(pc+1))
}

// Jump emits an sBx-form instruction (JMP, FORPREP, FORLOOP) targeting
// label.
func (b *Builder) Jump(op Opcode, a int, label *Label) int {
	pc := b.AsBx(op, a, 0)
	if label.resolved {
		b.patch(pc, label.position)
	} else {
		label.refs = append(label.refs, pc)
	}
	return pc
}

// ---------------------------------------------------------------------------
// Finishing
// ---------------------------------------------------------------------------

// Build checks the assembled code and returns the prototype.
func (b *Builder) Build() (*Prototype, error) {
	for _, l := range b.labels {
		if !l.resolved && len(l.refs) > 0 {
			return nil, fmt.Errorf("unresolved label used at pc %d", l.refs[0]+1)
		}
	}
	p := b.p
	if b.maxStack > 0 {
		p.MaxStackSize = b.maxStack
	} else {
		p.MaxStackSize = b.estimateStack()
	}
	if err := p.Verify(); err != nil {
		return nil, err
	}
	return p, nil
}

// MustBuild is Build for prototypes known to be valid.
func (b *Builder) MustBuild() *Prototype {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}

// estimateStack sizes the register window from the registers the code
// names, with room for the call and loop conventions.
func (b *Builder) estimateStack() int {
	need := b.p.NumParams
	if need < 2 {
		need = 2
	}
	use := func(r int) {
		if r+1 > need {
			need = r + 1
		}
	}
	code := b.p.Code
	for pc := 0; pc < len(code); pc++ {
		i := code[pc]
		op := i.Op()
		info := op.Info()
		if op != OpJmp && op != OpEq && op != OpLt && op != OpLe {
			use(i.A())
		}
		if info.Mode == ModeABC {
			if info.B == ArgR || (info.B == ArgK && !IsK(i.B())) {
				use(i.B())
			}
			if info.C == ArgR || (info.C == ArgK && !IsK(i.C())) {
				use(i.C())
			}
		}
		switch op {
		case OpForLoop, OpForPrep:
			use(i.A() + 3)
		case OpTForLoop:
			use(i.A() + 2 + i.C())
		case OpCall, OpTailCall:
			use(i.A() + i.B() - 1)
			use(i.A() + i.C() - 2)
		case OpReturn, OpVararg:
			use(i.A() + i.B() - 2)
		case OpSetList:
			use(i.A() + i.B())
			if i.C() == 0 {
				pc++
			}
		case OpClosure:
			if bx := i.Bx(); bx < len(b.p.Protos) {
				for j := 0; j < len(b.p.Protos[bx].Upvalues) && pc+1 < len(code); j++ {
					pc++
					if c := code[pc]; c.Op() == OpMove {
						use(c.B())
					}
				}
			}
		}
	}
	if need > MaxArgA+1 {
		need = MaxArgA + 1
	}
	return need
}
