package vm

import (
	"math"
	"math/bits"
)

// ---------------------------------------------------------------------------
// Table
// ---------------------------------------------------------------------------

// Table is an associative array with an array part for keys 1..n and a hash
// part kept in insertion order. Entries whose value is nil are dead; their
// keys linger until the next rehash so that next() can continue past them.
type Table struct {
	header
	array []Value
	nodes []node
	index map[Value]int32
	meta  *Table

	// flags caches the absence of fast metamethods (bit per event).
	flags uint8

	weakKeys   bool
	weakValues bool
}

type node struct {
	key Value
	val Value
}

func (h *Heap) newTable(narray, nhash int) *Table {
	t := &Table{}
	if narray > 0 {
		t.array = make([]Value, narray)
		fillNil(t.array)
	}
	if nhash > 0 {
		t.nodes = make([]node, 0, ceilPow2(nhash))
		t.index = make(map[Value]int32, nhash)
	}
	h.link(t, kindTable, t.byteSize())
	return t
}

func (t *Table) byteSize() int32 {
	return int32(sizeTable + len(t.array)*sizeValue + cap(t.nodes)*sizeNode)
}

func fillNil(vs []Value) {
	for i := range vs {
		vs[i] = Nil
	}
}

func ceilPow2(n int) int {
	if n <= 1 {
		return n
	}
	return 1 << bits.Len(uint(n-1))
}

// normKey folds -0 into 0 so both address the same slot.
func normKey(k Value) Value {
	if k.IsNumber() && k.Number() == 0 {
		return FromNumber(0)
	}
	return k
}

// arrayIndex returns k as a 1-based array index, or 0.
func arrayIndex(k Value) int {
	if !k.IsNumber() {
		return 0
	}
	f := k.Number()
	i := int(f)
	if float64(i) != f || i < 1 {
		return 0
	}
	return i
}

// ---------------------------------------------------------------------------
// Raw access
// ---------------------------------------------------------------------------

func (t *Table) get(k Value) Value {
	if i := arrayIndex(k); i > 0 && i <= len(t.array) {
		return t.array[i-1]
	}
	if k.IsNil() || t.index == nil {
		return Nil
	}
	if pos, ok := t.index[normKey(k)]; ok {
		return t.nodes[pos].val
	}
	return Nil
}

func (t *Table) getInt(i int) Value {
	if i >= 1 && i <= len(t.array) {
		return t.array[i-1]
	}
	if t.index == nil {
		return Nil
	}
	if pos, ok := t.index[FromNumber(float64(i))]; ok {
		return t.nodes[pos].val
	}
	return Nil
}

func (t *Table) getStr(s *String) Value {
	if t.index == nil {
		return Nil
	}
	if pos, ok := t.index[s.value()]; ok {
		return t.nodes[pos].val
	}
	return Nil
}

// set stores v under k. The caller has validated k (not nil, not NaN).
func (h *Heap) tableSet(t *Table, k, v Value) {
	t.flags = 0
	if i := arrayIndex(k); i > 0 && i <= len(t.array) {
		t.array[i-1] = v
		h.barrierBack(t, v)
		return
	}
	k = normKey(k)
	if pos, ok := t.index[k]; ok {
		t.nodes[pos].val = v
		h.barrierBack(t, v)
		return
	}
	if v.IsNil() {
		return
	}
	if len(t.nodes) == cap(t.nodes) {
		h.rehash(t, k)
		if i := arrayIndex(k); i > 0 && i <= len(t.array) {
			t.array[i-1] = v
			h.barrierBack(t, v)
			return
		}
	}
	if t.index == nil {
		t.index = make(map[Value]int32)
	}
	t.index[k] = int32(len(t.nodes))
	t.nodes = append(t.nodes, node{key: k, val: v})
	h.barrierBack(t, k)
	h.barrierBack(t, v)
}

func (h *Heap) tableSetInt(t *Table, i int, v Value) {
	h.tableSet(t, FromNumber(float64(i)), v)
}

// ---------------------------------------------------------------------------
// Rehash
// ---------------------------------------------------------------------------

const maxABits = 26

// computeSizes picks the largest n such that more than half of the slots
// 1..n would be in use.
func computeSizes(nums *[maxABits + 1]int, narray int) (na, size int) {
	a := 0
	twotoi := 1
	for i := 0; i <= maxABits && twotoi/2 < narray; i++ {
		if nums[i] > 0 {
			a += nums[i]
			if a > twotoi/2 {
				size = twotoi
				na = a
			}
		}
		if a == narray {
			break
		}
		twotoi *= 2
	}
	return na, size
}

// countKey adds k to nums if it is a candidate array index.
func countKey(nums *[maxABits + 1]int, k Value) int {
	i := arrayIndex(k)
	if i == 0 || i > 1<<maxABits {
		return 0
	}
	nums[bits.Len(uint(i-1))]++
	return 1
}

func (h *Heap) rehash(t *Table, extra Value) {
	var nums [maxABits + 1]int
	nasize := 0
	for i, v := range t.array {
		if !v.IsNil() {
			nums[bits.Len(uint(i))]++
			nasize++
		}
	}
	total := nasize
	for _, n := range t.nodes {
		if n.val.IsNil() {
			continue
		}
		nasize += countKey(&nums, n.key)
		total++
	}
	nasize += countKey(&nums, extra)
	total++
	na, size := computeSizes(&nums, nasize)
	h.resizeTable(t, size, total-na)
}

// resizeTable rebuilds t with an array part of nasize slots and room for
// nhsize hash entries, dropping dead entries.
func (h *Heap) resizeTable(t *Table, nasize, nhsize int) {
	oldArray := t.array
	oldNodes := t.nodes

	var array []Value
	if nasize > 0 {
		array = make([]Value, nasize)
		fillNil(array)
		copy(array, oldArray)
	}
	var nodes []node
	var index map[Value]int32
	if nhsize > 0 {
		nodes = make([]node, 0, ceilPow2(nhsize))
		index = make(map[Value]int32, nhsize)
	}
	add := func(k, v Value) {
		if i := arrayIndex(k); i > 0 && i <= nasize {
			array[i-1] = v
			return
		}
		if len(nodes) == cap(nodes) {
			grown := make([]node, len(nodes), ceilPow2(len(nodes)+1))
			copy(grown, nodes)
			nodes = grown
		}
		if index == nil {
			index = make(map[Value]int32)
		}
		index[k] = int32(len(nodes))
		nodes = append(nodes, node{key: k, val: v})
	}
	for i := nasize; i < len(oldArray); i++ {
		if !oldArray[i].IsNil() {
			add(FromNumber(float64(i+1)), oldArray[i])
		}
	}
	for _, n := range oldNodes {
		if !n.val.IsNil() {
			add(n.key, n.val)
		}
	}
	t.array = array
	t.nodes = nodes
	t.index = index
	h.resize(t, t.byteSize())
}

// resizeArray grows the array part to at least n slots, as SETLIST needs.
func (h *Heap) resizeArray(t *Table, n int) {
	if n <= len(t.array) {
		return
	}
	live := 0
	for _, nd := range t.nodes {
		if !nd.val.IsNil() {
			if i := arrayIndex(nd.key); i == 0 || i > n {
				live++
			}
		}
	}
	h.resizeTable(t, n, live)
}

// ---------------------------------------------------------------------------
// Length and traversal
// ---------------------------------------------------------------------------

// length returns a border: an index n with t[n] non-nil and t[n+1] nil (or
// 0 when t[1] is nil).
func (t *Table) length() int {
	j := len(t.array)
	if j > 0 && t.array[j-1].IsNil() {
		i := 0
		for j-i > 1 {
			m := (i + j) / 2
			if t.array[m-1].IsNil() {
				j = m
			} else {
				i = m
			}
		}
		return i
	}
	if len(t.nodes) == 0 {
		return j
	}
	return t.unboundSearch(j)
}

func (t *Table) unboundSearch(j int) int {
	i := j
	j++
	for !t.getInt(j).IsNil() {
		i = j
		if j > math.MaxInt32/2 {
			// pathological table: fall back to a linear scan
			i = 1
			for !t.getInt(i).IsNil() {
				i++
			}
			return i - 1
		}
		j *= 2
	}
	for j-i > 1 {
		m := (i + j) / 2
		if t.getInt(m).IsNil() {
			j = m
		} else {
			i = m
		}
	}
	return i
}

// next returns the entry following key in traversal order (array part
// first, then the hash part in insertion order). ok is false at the end.
// valid is false when key is not present in t.
func (t *Table) next(key Value) (k, v Value, ok, valid bool) {
	start := 0
	if !key.IsNil() {
		if i := arrayIndex(key); i > 0 && i <= len(t.array) {
			start = i
		} else {
			pos, found := t.index[normKey(key)]
			if !found {
				return Nil, Nil, false, false
			}
			start = len(t.array) + int(pos) + 1
		}
	}
	for i := start; i < len(t.array); i++ {
		if !t.array[i].IsNil() {
			return FromNumber(float64(i + 1)), t.array[i], true, true
		}
	}
	for i := start - len(t.array); i < len(t.nodes); i++ {
		if i < 0 {
			i = 0
		}
		if n := t.nodes[i]; !n.val.IsNil() {
			return n.key, n.val, true, true
		}
	}
	return Nil, Nil, false, true
}

// Len returns the border of t as the length operator sees it.
func (t *Table) Len() int { return t.length() }
