package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Function prototypes
// ---------------------------------------------------------------------------

// Prototype is the immutable compiled form of a function. It is produced by
// a compiler (or Builder) independently of any Runtime and instantiated into
// a heap with Runtime.Load.
type Prototype struct {
	Source          string        `cbor:"1,keyasint,omitempty"`
	LineDefined     int           `cbor:"2,keyasint,omitempty"`
	LastLineDefined int           `cbor:"3,keyasint,omitempty"`
	NumParams       int           `cbor:"4,keyasint"`
	IsVararg        bool          `cbor:"5,keyasint"`
	MaxStackSize    int           `cbor:"6,keyasint"`
	Code            []Instruction `cbor:"7,keyasint"`
	Constants       []Constant    `cbor:"8,keyasint,omitempty"`
	Protos          []*Prototype  `cbor:"9,keyasint,omitempty"`
	Upvalues        []UpvalueDesc `cbor:"10,keyasint,omitempty"`
	LineInfo        []int         `cbor:"11,keyasint,omitempty"`
	LocVars         []LocVar      `cbor:"12,keyasint,omitempty"`
}

// ConstKind tags a Constant.
type ConstKind uint8

const (
	ConstNil ConstKind = iota
	ConstBool
	ConstNumber
	ConstString
)

// Constant is a literal in a prototype's constant pool.
type Constant struct {
	Kind ConstKind `cbor:"1,keyasint"`
	Bool bool      `cbor:"2,keyasint,omitempty"`
	Num  float64   `cbor:"3,keyasint,omitempty"`
	Str  string    `cbor:"4,keyasint,omitempty"`
}

func NilConst() Constant { return Constant{Kind: ConstNil} }
func BoolConst(b bool) Constant { return Constant{Kind: ConstBool, Bool: b} }
func NumberConst(f float64) Constant { return Constant{Kind: ConstNumber, Num: f} }
func StringConst(s string) Constant { return Constant{Kind: ConstString, Str: s} }

func (c Constant) String() string {
	switch c.Kind {
	case ConstBool:
		if c.Bool {
			return "true"
		}
		return "false"
	case ConstNumber:
		return formatNumber(c.Num)
	case ConstString:
		return c.Str
	default:
		return "nil"
	}
}

// UpvalueDesc names an upvalue for debugging. How each upvalue is captured
// is given by the pseudo-instructions that follow CLOSURE.
type UpvalueDesc struct {
	Name string `cbor:"1,keyasint"`
}

// LocVar gives the name and live pc range [StartPC, EndPC) of a local.
type LocVar struct {
	Name    string `cbor:"1,keyasint"`
	StartPC int    `cbor:"2,keyasint"`
	EndPC   int    `cbor:"3,keyasint"`
}

// ProtoError reports a structurally invalid prototype.
type ProtoError struct {
	Source string
	PC     int
	Reason string
}

func (e *ProtoError) Error() string {
	if e.PC >= 0 {
		return fmt.Sprintf("invalid prototype %s at pc %d: %s", chunkID(e.Source), e.PC+1, e.Reason)
	}
	return fmt.Sprintf("invalid prototype %s: %s", chunkID(e.Source), e.Reason)
}

// Verify checks that every operand of p and its children stays inside the
// bounds the interpreter relies on.
func (p *Prototype) Verify() error {
	bad := func(pc int, format string, args ...any) error {
		return &ProtoError{Source: p.Source, PC: pc, Reason: fmt.Sprintf(format, args...)}
	}
	if p.MaxStackSize > MaxArgA+1 || p.MaxStackSize < p.NumParams {
		return bad(-1, "bad max stack size %d", p.MaxStackSize)
	}
	if len(p.Code) == 0 || p.Code[len(p.Code)-1].Op() != OpReturn {
		return bad(-1, "code must end with RETURN")
	}
	if len(p.LineInfo) != 0 && len(p.LineInfo) != len(p.Code) {
		return bad(-1, "line info does not match code")
	}
	reg := func(pc, r int) error {
		if r >= p.MaxStackSize {
			return bad(pc, "register %d out of range", r)
		}
		return nil
	}
	rk := func(pc, x int) error {
		if IsK(x) {
			if IndexK(x) >= len(p.Constants) {
				return bad(pc, "constant %d out of range", IndexK(x))
			}
			return nil
		}
		return reg(pc, x)
	}
	for pc := 0; pc < len(p.Code); pc++ {
		ins := p.Code[pc]
		op := ins.Op()
		if op >= NumOpcodes {
			return bad(pc, "unknown opcode %d", op)
		}
		info := opcodeTable[op]
		if op != OpJmp && op != OpEq && op != OpLt && op != OpLe {
			if err := reg(pc, ins.A()); err != nil {
				return err
			}
		}
		if info.Mode == ModeABC {
			if info.B == ArgR || info.B == ArgK {
				var err error
				if info.B == ArgK {
					err = rk(pc, ins.B())
				} else {
					err = reg(pc, ins.B())
				}
				if err != nil {
					return err
				}
			}
			if info.C == ArgR || info.C == ArgK {
				var err error
				if info.C == ArgK {
					err = rk(pc, ins.C())
				} else {
					err = reg(pc, ins.C())
				}
				if err != nil {
					return err
				}
			}
		}
		if info.Test && pc+1 < len(p.Code) && p.Code[pc+1].Op() != OpJmp && op != OpTForLoop {
			return bad(pc, "%s must be followed by JMP", info.Name)
		}
		switch op {
		case OpLoadK, OpGetGlobal, OpSetGlobal:
			if ins.Bx() >= len(p.Constants) {
				return bad(pc, "constant %d out of range", ins.Bx())
			}
			if op != OpLoadK && p.Constants[ins.Bx()].Kind != ConstString {
				return bad(pc, "global name must be a string")
			}
		case OpGetUpval, OpSetUpval:
			if ins.B() >= len(p.Upvalues) {
				return bad(pc, "upvalue %d out of range", ins.B())
			}
		case OpLoadBool:
			if ins.C() != 0 && pc+2 > len(p.Code) {
				return bad(pc, "LOADBOOL skip runs off code")
			}
		case OpJmp, OpForLoop, OpForPrep:
			dest := pc + 1 + ins.SBx()
			if dest < 0 || dest >= len(p.Code) {
				return bad(pc, "jump target %d out of range", dest+1)
			}
			if op != OpJmp {
				if err := reg(pc, ins.A()+3); err != nil {
					return err
				}
			}
		case OpTForLoop:
			if err := reg(pc, ins.A()+2+ins.C()); err != nil {
				return err
			}
		case OpCall, OpTailCall:
			if b := ins.B(); b > 0 {
				if err := reg(pc, ins.A()+b-1); err != nil {
					return err
				}
			}
			if c := ins.C(); c > 1 {
				if err := reg(pc, ins.A()+c-2); err != nil {
					return err
				}
			}
		case OpReturn:
			if b := ins.B(); b > 1 {
				if err := reg(pc, ins.A()+b-2); err != nil {
					return err
				}
			}
		case OpSetList:
			if ins.C() == 0 {
				pc++
				if pc >= len(p.Code) {
					return bad(pc-1, "missing SETLIST batch word")
				}
			}
		case OpClosure:
			if ins.Bx() >= len(p.Protos) {
				return bad(pc, "prototype %d out of range", ins.Bx())
			}
			child := p.Protos[ins.Bx()]
			for j := 0; j < len(child.Upvalues); j++ {
				pc++
				if pc >= len(p.Code) {
					return bad(pc-1, "missing upvalue capture")
				}
				capture := p.Code[pc]
				switch capture.Op() {
				case OpMove:
					if err := reg(pc, capture.B()); err != nil {
						return err
					}
				case OpGetUpval:
					if capture.B() >= len(p.Upvalues) {
						return bad(pc, "upvalue %d out of range", capture.B())
					}
				default:
					return bad(pc, "bad upvalue capture %s", capture.Op())
				}
			}
		case OpVararg:
			if !p.IsVararg {
				return bad(pc, "VARARG in non-vararg function")
			}
		}
	}
	for _, child := range p.Protos {
		if err := child.Verify(); err != nil {
			return err
		}
	}
	return nil
}

// chunkID shortens a source name for messages: "=name" and "@file" are
// shown bare, anything else is quoted as a string chunk.
func chunkID(source string) string {
	switch {
	case strings.HasPrefix(source, "="):
		return source[1:]
	case strings.HasPrefix(source, "@"):
		return source[1:]
	case source == "":
		return "?"
	}
	first := source
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i] + "..."
	}
	if len(first) > 40 {
		first = first[:37] + "..."
	}
	return fmt.Sprintf("[string %q]", first)
}

// ---------------------------------------------------------------------------
// Heap-resident prototype
// ---------------------------------------------------------------------------

// Proto is a Prototype instantiated in a heap: its constants are boxed
// Values (strings interned) and its children are Protos.
type Proto struct {
	header
	p      *Prototype
	k      []Value
	protos []*Proto
}

// Prototype returns the compiled description behind the heap object.
func (p *Proto) Prototype() *Prototype { return p.p }

// newProto instantiates p and its children in the heap.
func (h *Heap) newProto(p *Prototype) *Proto {
	pr := &Proto{p: p}
	h.link(pr, kindProto, sizeProto+int32(len(p.Constants))*sizeValue+int32(len(p.Code))*4)
	pr.k = make([]Value, len(p.Constants))
	fillNil(pr.k)
	for i, c := range p.Constants {
		var v Value
		switch c.Kind {
		case ConstBool:
			v = FromBool(c.Bool)
		case ConstNumber:
			v = FromNumber(c.Num)
		case ConstString:
			v = h.stringValue(c.Str)
		default:
			v = Nil
		}
		pr.k[i] = v
	}
	pr.protos = make([]*Proto, len(p.Protos))
	for i, child := range p.Protos {
		pr.protos[i] = h.newProto(child)
	}
	return pr
}
