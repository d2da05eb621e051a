package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Instruction encoding
// ---------------------------------------------------------------------------

// Instruction is a fixed-width 32-bit register instruction.
//
// Layout (bit 0 is least significant):
//
//	iABC:  op:6 | A:8 | C:9 | B:9
//	iABx:  op:6 | A:8 | Bx:18
//	iAsBx: op:6 | A:8 | sBx:18 (Bx biased by MaxArgSBx)
type Instruction uint32

const (
	sizeOp = 6
	sizeA  = 8
	sizeB  = 9
	sizeC  = 9
	sizeBx = sizeB + sizeC

	posOp = 0
	posA  = posOp + sizeOp
	posC  = posA + sizeA
	posB  = posC + sizeC
	posBx = posC

	MaxArgA   = 1<<sizeA - 1
	MaxArgB   = 1<<sizeB - 1
	MaxArgC   = 1<<sizeC - 1
	MaxArgBx  = 1<<sizeBx - 1
	MaxArgSBx = MaxArgBx >> 1

	// BitRK marks a B/C operand as a constant index rather than a register.
	BitRK = 1 << (sizeB - 1)
	// MaxIndexRK is the largest constant index an RK operand can address.
	MaxIndexRK = BitRK - 1

	// FieldsPerFlush is the number of list items SETLIST stores per batch.
	FieldsPerFlush = 50

	// MultRet requests all results of a call.
	MultRet = -1
)

// IsK reports whether an RK operand names a constant.
func IsK(x int) bool { return x&BitRK != 0 }

// IndexK extracts the constant index from an RK operand.
func IndexK(x int) int { return x &^ BitRK }

// RKAsK encodes constant index k as an RK operand.
func RKAsK(k int) int { return k | BitRK }

func CreateABC(op Opcode, a, b, c int) Instruction {
	return Instruction(uint32(op)<<posOp | uint32(a)<<posA | uint32(b)<<posB | uint32(c)<<posC)
}

func CreateABx(op Opcode, a, bx int) Instruction {
	return Instruction(uint32(op)<<posOp | uint32(a)<<posA | uint32(bx)<<posBx)
}

func CreateAsBx(op Opcode, a, sbx int) Instruction {
	return CreateABx(op, a, sbx+MaxArgSBx)
}

func (i Instruction) Op() Opcode { return Opcode(i >> posOp & (1<<sizeOp - 1)) }
func (i Instruction) A() int     { return int(i >> posA & MaxArgA) }
func (i Instruction) B() int     { return int(i >> posB & MaxArgB) }
func (i Instruction) C() int     { return int(i >> posC & MaxArgC) }
func (i Instruction) Bx() int    { return int(i >> posBx & MaxArgBx) }
func (i Instruction) SBx() int   { return i.Bx() - MaxArgSBx }

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode selects the operation an instruction performs.
type Opcode uint8

const (
	OpMove     Opcode = iota // A B     R(A) := R(B)
	OpLoadK                  // A Bx    R(A) := Kst(Bx)
	OpLoadBool               // A B C   R(A) := (Bool)B; if (C) pc++
	OpLoadNil                // A B     R(A) := ... := R(B) := nil
	OpGetUpval               // A B     R(A) := UpValue[B]
	OpGetGlobal              // A Bx    R(A) := Gbl[Kst(Bx)]
	OpGetTable               // A B C   R(A) := R(B)[RK(C)]
	OpSetGlobal              // A Bx    Gbl[Kst(Bx)] := R(A)
	OpSetUpval               // A B     UpValue[B] := R(A)
	OpSetTable               // A B C   R(A)[RK(B)] := RK(C)
	OpNewTable               // A B C   R(A) := {} (size = B,C)
	OpSelf                   // A B C   R(A+1) := R(B); R(A) := R(B)[RK(C)]
	OpAdd                    // A B C   R(A) := RK(B) + RK(C)
	OpSub                    // A B C   R(A) := RK(B) - RK(C)
	OpMul                    // A B C   R(A) := RK(B) * RK(C)
	OpDiv                    // A B C   R(A) := RK(B) / RK(C)
	OpMod                    // A B C   R(A) := RK(B) % RK(C)
	OpPow                    // A B C   R(A) := RK(B) ^ RK(C)
	OpUnm                    // A B     R(A) := -R(B)
	OpNot                    // A B     R(A) := not R(B)
	OpLen                    // A B     R(A) := length of R(B)
	OpConcat                 // A B C   R(A) := R(B).. ... ..R(C)
	OpJmp                    // sBx     pc += sBx
	OpEq                     // A B C   if ((RK(B) == RK(C)) ~= A) then pc++
	OpLt                     // A B C   if ((RK(B) <  RK(C)) ~= A) then pc++
	OpLe                     // A B C   if ((RK(B) <= RK(C)) ~= A) then pc++
	OpTest                   // A C     if not (R(A) <=> C) then pc++
	OpTestSet                // A B C   if (R(B) <=> C) then R(A) := R(B) else pc++
	OpCall                   // A B C   R(A), ... ,R(A+C-2) := R(A)(R(A+1), ... ,R(A+B-1))
	OpTailCall               // A B C   return R(A)(R(A+1), ... ,R(A+B-1))
	OpReturn                 // A B     return R(A), ... ,R(A+B-2)
	OpForLoop                // A sBx   R(A)+=R(A+2); if R(A) <?= R(A+1) then { pc+=sBx; R(A+3)=R(A) }
	OpForPrep                // A sBx   R(A)-=R(A+2); pc+=sBx
	OpTForLoop               // A C     R(A+3), ... ,R(A+2+C) := R(A)(R(A+1), R(A+2)); if R(A+3) ~= nil then R(A+2)=R(A+3) else pc++
	OpSetList                // A B C   R(A)[(C-1)*FPF+i] := R(A+i), 1 <= i <= B
	OpClose                  // A       close all variables in the stack up to (>=) R(A)
	OpClosure                // A Bx    R(A) := closure(KPROTO[Bx], R(A), ... ,R(A+n))
	OpVararg                 // A B     R(A), R(A+1), ..., R(A+B-1) = vararg

	NumOpcodes
)

// OpMode is the operand format of an opcode.
type OpMode uint8

const (
	ModeABC OpMode = iota
	ModeABx
	ModeAsBx
)

// ArgMode describes how a B or C operand is used.
type ArgMode uint8

const (
	ArgN ArgMode = iota // unused
	ArgU                // used as a plain number
	ArgR                // register or jump offset
	ArgK                // constant or register/constant
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name  string
	Mode  OpMode
	B, C  ArgMode
	SetsA bool // instruction writes register A
	Test  bool // next instruction is a jump
}

var opcodeTable = [NumOpcodes]OpcodeInfo{
	OpMove:      {"MOVE", ModeABC, ArgR, ArgN, true, false},
	OpLoadK:     {"LOADK", ModeABx, ArgK, ArgN, true, false},
	OpLoadBool:  {"LOADBOOL", ModeABC, ArgU, ArgU, true, false},
	OpLoadNil:   {"LOADNIL", ModeABC, ArgR, ArgN, true, false},
	OpGetUpval:  {"GETUPVAL", ModeABC, ArgU, ArgN, true, false},
	OpGetGlobal: {"GETGLOBAL", ModeABx, ArgK, ArgN, true, false},
	OpGetTable:  {"GETTABLE", ModeABC, ArgR, ArgK, true, false},
	OpSetGlobal: {"SETGLOBAL", ModeABx, ArgK, ArgN, false, false},
	OpSetUpval:  {"SETUPVAL", ModeABC, ArgU, ArgN, false, false},
	OpSetTable:  {"SETTABLE", ModeABC, ArgK, ArgK, false, false},
	OpNewTable:  {"NEWTABLE", ModeABC, ArgU, ArgU, true, false},
	OpSelf:      {"SELF", ModeABC, ArgR, ArgK, true, false},
	OpAdd:       {"ADD", ModeABC, ArgK, ArgK, true, false},
	OpSub:       {"SUB", ModeABC, ArgK, ArgK, true, false},
	OpMul:       {"MUL", ModeABC, ArgK, ArgK, true, false},
	OpDiv:       {"DIV", ModeABC, ArgK, ArgK, true, false},
	OpMod:       {"MOD", ModeABC, ArgK, ArgK, true, false},
	OpPow:       {"POW", ModeABC, ArgK, ArgK, true, false},
	OpUnm:       {"UNM", ModeABC, ArgR, ArgN, true, false},
	OpNot:       {"NOT", ModeABC, ArgR, ArgN, true, false},
	OpLen:       {"LEN", ModeABC, ArgR, ArgN, true, false},
	OpConcat:    {"CONCAT", ModeABC, ArgR, ArgR, true, false},
	OpJmp:       {"JMP", ModeAsBx, ArgR, ArgN, false, false},
	OpEq:        {"EQ", ModeABC, ArgK, ArgK, false, true},
	OpLt:        {"LT", ModeABC, ArgK, ArgK, false, true},
	OpLe:        {"LE", ModeABC, ArgK, ArgK, false, true},
	OpTest:      {"TEST", ModeABC, ArgR, ArgU, true, true},
	OpTestSet:   {"TESTSET", ModeABC, ArgR, ArgU, true, true},
	OpCall:      {"CALL", ModeABC, ArgU, ArgU, true, false},
	OpTailCall:  {"TAILCALL", ModeABC, ArgU, ArgU, true, false},
	OpReturn:    {"RETURN", ModeABC, ArgU, ArgN, false, false},
	OpForLoop:   {"FORLOOP", ModeAsBx, ArgR, ArgN, true, false},
	OpForPrep:   {"FORPREP", ModeAsBx, ArgR, ArgN, true, false},
	OpTForLoop:  {"TFORLOOP", ModeABC, ArgN, ArgU, false, true},
	OpSetList:   {"SETLIST", ModeABC, ArgU, ArgU, false, false},
	OpClose:     {"CLOSE", ModeABC, ArgN, ArgN, false, false},
	OpClosure:   {"CLOSURE", ModeABx, ArgU, ArgN, true, false},
	OpVararg:    {"VARARG", ModeABC, ArgU, ArgN, true, false},
}

// Info returns metadata for op.
func (op Opcode) Info() OpcodeInfo {
	if op < NumOpcodes {
		return opcodeTable[op]
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(%d)", op)}
}

func (op Opcode) String() string { return op.Info().Name }

// ---------------------------------------------------------------------------
// Table size encoding ("floating point byte")
// ---------------------------------------------------------------------------

// int2fb encodes x as eeeeexxx, meaning (1xxx) * 2^(eeeee-1) when eeeee > 0.
// The result rounds up.
func int2fb(x int) int {
	e := 0
	for x >= 16 {
		x = (x + 1) >> 1
		e++
	}
	if x < 8 {
		return x
	}
	return ((e + 1) << 3) | (x - 8)
}

func fb2int(x int) int {
	e := (x >> 3) & 31
	if e == 0 {
		return x
	}
	return ((x & 7) + 8) << (e - 1)
}

// ---------------------------------------------------------------------------
// Disassembler
// ---------------------------------------------------------------------------

// DisassembleInstruction renders a single instruction of p at pc.
func DisassembleInstruction(p *Prototype, pc int) string {
	ins := p.Code[pc]
	op := ins.Op()
	info := op.Info()
	line := 0
	if pc < len(p.LineInfo) {
		line = p.LineInfo[pc]
	}

	var operands string
	switch info.Mode {
	case ModeABC:
		operands = fmt.Sprintf("%d", ins.A())
		if info.B != ArgN {
			operands += " " + rkOperand(ins.B(), info.B)
		}
		if info.C != ArgN {
			operands += " " + rkOperand(ins.C(), info.C)
		}
	case ModeABx:
		if info.B == ArgK {
			operands = fmt.Sprintf("%d %d", ins.A(), -1-ins.Bx())
		} else {
			operands = fmt.Sprintf("%d %d", ins.A(), ins.Bx())
		}
	case ModeAsBx:
		if op == OpJmp {
			operands = fmt.Sprintf("%d", ins.SBx())
		} else {
			operands = fmt.Sprintf("%d %d", ins.A(), ins.SBx())
		}
	}

	var comment string
	switch op {
	case OpLoadK, OpGetGlobal, OpSetGlobal:
		comment = constantString(p, ins.Bx())
	case OpGetUpval, OpSetUpval:
		if ins.B() < len(p.Upvalues) {
			comment = p.Upvalues[ins.B()].Name
		}
	case OpGetTable, OpSelf:
		if IsK(ins.C()) {
			comment = constantString(p, IndexK(ins.C()))
		}
	case OpSetTable, OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow, OpEq, OpLt, OpLe:
		var parts []string
		if IsK(ins.B()) {
			parts = append(parts, constantString(p, IndexK(ins.B())))
		} else {
			parts = append(parts, "-")
		}
		if IsK(ins.C()) {
			parts = append(parts, constantString(p, IndexK(ins.C())))
		} else {
			parts = append(parts, "-")
		}
		if IsK(ins.B()) || IsK(ins.C()) {
			comment = strings.Join(parts, " ")
		}
	case OpJmp, OpForLoop, OpForPrep:
		comment = fmt.Sprintf("to %d", pc+2+ins.SBx())
	case OpClosure:
		comment = fmt.Sprintf("proto %d", ins.Bx())
	}

	s := fmt.Sprintf("%4d\t[%d]\t%-9s\t%s", pc+1, line, info.Name, operands)
	if comment != "" {
		s += "\t; " + comment
	}
	return s
}

func rkOperand(x int, mode ArgMode) string {
	if mode == ArgK && IsK(x) {
		return fmt.Sprintf("%d", -1-IndexK(x))
	}
	return fmt.Sprintf("%d", x)
}

func constantString(p *Prototype, idx int) string {
	if idx < 0 || idx >= len(p.Constants) {
		return "?"
	}
	c := p.Constants[idx]
	if c.Kind == ConstString {
		return fmt.Sprintf("%q", c.Str)
	}
	return c.String()
}

// Disassemble renders p and its nested prototypes.
func Disassemble(p *Prototype) string {
	var sb strings.Builder
	disassembleInto(&sb, p)
	return sb.String()
}

func disassembleInto(sb *strings.Builder, p *Prototype) {
	kind := "function"
	if p.LineDefined == 0 {
		kind = "main"
	}
	vararg := ""
	if p.IsVararg {
		vararg = "+"
	}
	fmt.Fprintf(sb, "\n%s <%s:%d,%d> (%d instructions)\n", kind, chunkID(p.Source), p.LineDefined, p.LastLineDefined, len(p.Code))
	fmt.Fprintf(sb, "%d%s params, %d slots, %d upvalues, %d locals, %d constants, %d functions\n",
		p.NumParams, vararg, p.MaxStackSize, len(p.Upvalues), len(p.LocVars), len(p.Constants), len(p.Protos))
	for pc := range p.Code {
		sb.WriteString(DisassembleInstruction(p, pc))
		sb.WriteByte('\n')
	}
	for _, child := range p.Protos {
		disassembleInto(sb, child)
	}
}
