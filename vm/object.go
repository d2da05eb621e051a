package vm

// ---------------------------------------------------------------------------
// Heap object layout
// ---------------------------------------------------------------------------

// objectKind identifies the concrete type behind an object. The set is
// closed: every switch over kinds is exhaustive.
type objectKind uint8

const (
	kindString objectKind = iota
	kindTable
	kindLuaClosure
	kindGoClosure
	kindUserdata
	kindCoroutine
	kindProto
	kindUpvalue
)

var kindNames = [...]string{
	kindString:     "string",
	kindTable:      "table",
	kindLuaClosure: "function",
	kindGoClosure:  "function",
	kindUserdata:   "userdata",
	kindCoroutine:  "thread",
	kindProto:      "proto",
	kindUpvalue:    "upvalue",
}

var kindTags = [...]uint64{
	kindString:     tagString,
	kindTable:      tagTable,
	kindLuaClosure: tagFunction,
	kindGoClosure:  tagFunction,
	kindUserdata:   tagUserdata,
	kindCoroutine:  tagCoroutine,
	kindProto:      tagInternal,
	kindUpvalue:    tagInternal,
}

// Mark bits
const (
	bitWhite0 uint8 = 1 << iota
	bitWhite1
	bitBlack
	bitFinalized // __gc already run, or never needed
	bitFixed     // never collected
	bitFinobj    // registered for finalization

	whiteBits = bitWhite0 | bitWhite1
	maskMarks = ^(bitBlack | whiteBits)
)

// header is embedded in every heap object. next links the object into the
// heap's object list (or string list) by arena index; -1 ends the list.
type header struct {
	next   int32
	self   handle
	kind   objectKind
	marked uint8
	size   int32
}

func (o *header) hdr() *header { return o }

// value returns the Value that refers to this object.
func (o *header) value() Value { return fromHandle(kindTags[o.kind], o.self) }

// object is any heap-resident value.
type object interface {
	hdr() *header
}

func isWhite(o object) bool { return o.hdr().marked&whiteBits != 0 }
func isBlack(o object) bool { return o.hdr().marked&bitBlack != 0 }
func isGray(o object) bool  { return o.hdr().marked&(whiteBits|bitBlack) == 0 }

func white2gray(o object) { o.hdr().marked &^= whiteBits }
func gray2black(o object) { o.hdr().marked |= bitBlack }
func black2gray(o object) { o.hdr().marked &^= bitBlack }

// ---------------------------------------------------------------------------
// Arena
// ---------------------------------------------------------------------------

// arena stores every live object in a slot. Freed slots go on a free list
// and bump their generation so old handles stop resolving. A slot whose
// generation is exhausted is retired instead of reused, so a stale handle
// can never alias a newer object.
type arena struct {
	slots    []slot
	freeHead int32
	live     int
	retired  int
}

const maxGen = 1<<16 - 1

type slot struct {
	obj      object
	gen      uint16
	nextFree int32
}

func newArena() arena {
	return arena{freeHead: -1}
}

func (a *arena) insert(o object) handle {
	var idx int32
	if a.freeHead >= 0 {
		idx = a.freeHead
		a.freeHead = a.slots[idx].nextFree
	} else {
		idx = int32(len(a.slots))
		a.slots = append(a.slots, slot{})
	}
	s := &a.slots[idx]
	s.obj = o
	s.nextFree = -1
	a.live++
	return makeHandle(uint32(idx), s.gen)
}

func (a *arena) remove(h handle) {
	s := &a.slots[h.index()]
	s.obj = nil
	a.live--
	if s.gen == maxGen {
		s.nextFree = -1
		a.retired++
		return
	}
	s.gen++
	s.nextFree = a.freeHead
	a.freeHead = int32(h.index())
}

// lookup returns the object behind h, or nil if h is stale.
func (a *arena) lookup(h handle) object {
	idx := h.index()
	if int(idx) >= len(a.slots) {
		return nil
	}
	s := &a.slots[idx]
	if s.gen != h.gen() || s.obj == nil {
		return nil
	}
	return s.obj
}

func (a *arena) at(idx int32) object { return a.slots[idx].obj }

// ---------------------------------------------------------------------------
// Simple object kinds
// ---------------------------------------------------------------------------

// String is an immutable interned byte string.
type String struct {
	header
	s string
}

func (s *String) String() string { return s.s }

// Userdata is an opaque host value with an optional metatable.
type Userdata struct {
	header
	Data any
	meta *Table
}

// Approximate byte costs charged to the allocation accounting.
const (
	sizeString    = 24
	sizeTable     = 64
	sizeNode      = 16
	sizeClosure   = 40
	sizeUpvalue   = 40
	sizeUserdata  = 40
	sizeCoroutine = 120
	sizeProto     = 96
	sizeCallInfo  = 56
	sizeValue     = 8
)
