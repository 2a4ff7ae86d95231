package regalloc

import (
	"github.com/google/btree"

	orizonerrors "github.com/orizon-lang/orizon/internal/errors"
)

// slot distinguishes the four sub-positions of one instruction's index.
type slot uint8

const (
	slotBlock slot = iota
	slotEarlyClobber
	slotRegister
	slotDead
	slotCount
)

// InstrDist is the default spacing between consecutive instructions' base
// index values, leaving room for slotCount sub-slots at each.
const InstrDist = 4 * int(slotCount)

// indexListEntry is one node of the doubly linked list that gives every
// indexed instruction (and every block boundary) a stable identity. Entries
// are allocated out of entryArena and never moved, so a *indexListEntry
// remains valid and comparable for the entry's entire lifetime — including
// across a renumberIndexes pass, which only ever mutates the index field of
// entries already reachable from a live SlotIndex.
type indexListEntry struct {
	instr      Instruction
	prev, next *indexListEntry
	index      uint32
}

// SlotIndex is an opaque, totally-ordered handle into one SlotIndexes list.
// It is a direct analogue of a pointer-plus-subslot pair: two SlotIndex
// values compare correctly against each other without consulting the owning
// SlotIndexes, because the ordering key (the entry's index field OR'd with
// the slot) is reachable straight off the handle.
type SlotIndex struct {
	entry *indexListEntry
	slot  slot
}

// IsValid reports whether s names a real position in some index list.
func (s SlotIndex) IsValid() bool { return s.entry != nil }

func (s SlotIndex) raw() uint32 {
	if s.entry == nil {
		return 0
	}

	return s.entry.index | uint32(s.slot)
}

// Compare returns -1, 0 or 1 as s is less than, equal to, or greater than o.
func (s SlotIndex) Compare(o SlotIndex) int {
	sr, or := s.raw(), o.raw()

	switch {
	case sr < or:
		return -1
	case sr > or:
		return 1
	default:
		return 0
	}
}

// Less reports whether s precedes o in instruction order.
func (s SlotIndex) Less(o SlotIndex) bool { return s.raw() < o.raw() }

// LessEqual reports whether s precedes or equals o.
func (s SlotIndex) LessEqual(o SlotIndex) bool { return s.raw() <= o.raw() }

// Equal reports whether s and o name the same entry and slot.
func (s SlotIndex) Equal(o SlotIndex) bool { return s.entry == o.entry && s.slot == o.slot }

// IsSameInstr reports whether s and o index the same instruction,
// regardless of sub-slot.
func (s SlotIndex) IsSameInstr(o SlotIndex) bool { return s.entry == o.entry }

// IsEarlierInstr reports whether s's instruction strictly precedes o's.
func (s SlotIndex) IsEarlierInstr(o SlotIndex) bool { return s.entry.index < o.entry.index }

// BaseIndex returns the Block-slot index for s's instruction.
func (s SlotIndex) BaseIndex() SlotIndex { return SlotIndex{s.entry, slotBlock} }

// BoundaryIndex is an alias of BaseIndex using LLVM-derived terminology:
// the earliest sub-slot of the instruction, used as a half-open range
// boundary.
func (s SlotIndex) BoundaryIndex() SlotIndex { return SlotIndex{s.entry, slotBlock} }

// RegSlot returns the Register (or EarlyClobber) sub-slot of s's instruction.
func (s SlotIndex) RegSlot(earlyClobber bool) SlotIndex {
	if earlyClobber {
		return SlotIndex{s.entry, slotEarlyClobber}
	}

	return SlotIndex{s.entry, slotRegister}
}

// DeadSlot returns the Dead sub-slot of s's instruction.
func (s SlotIndex) DeadSlot() SlotIndex { return SlotIndex{s.entry, slotDead} }

// IsBlock, IsEarlyClobber, IsRegister and IsDead report which sub-slot s
// names.
func (s SlotIndex) IsBlock() bool         { return s.slot == slotBlock }
func (s SlotIndex) IsEarlyClobber() bool  { return s.slot == slotEarlyClobber }
func (s SlotIndex) IsRegister() bool      { return s.slot == slotRegister }
func (s SlotIndex) IsDead() bool          { return s.slot == slotDead }

// NextSlot returns the next sub-slot of the same instruction, saturating at
// Dead.
func (s SlotIndex) NextSlot() SlotIndex {
	if s.slot == slotDead {
		return s
	}

	return SlotIndex{s.entry, s.slot + 1}
}

// PrevSlot returns the previous sub-slot of the same instruction, saturating
// at Block.
func (s SlotIndex) PrevSlot() SlotIndex {
	if s.slot == slotBlock {
		return s
	}

	return SlotIndex{s.entry, s.slot - 1}
}

// NextIndex returns the Block-slot index of the next entry in the list
// (which may be a hole or another block's boundary), or an invalid
// SlotIndex if s is the list's tail sentinel.
func (s SlotIndex) NextIndex() SlotIndex {
	if s.entry == nil || s.entry.next == nil {
		return SlotIndex{}
	}

	return SlotIndex{s.entry.next, slotBlock}
}

// PrevIndex returns the Block-slot index of the previous entry in the list,
// or an invalid SlotIndex if s is the list's head sentinel.
func (s SlotIndex) PrevIndex() SlotIndex {
	if s.entry == nil || s.entry.prev == nil {
		return SlotIndex{}
	}

	return SlotIndex{s.entry.prev, slotBlock}
}

// Distance returns the raw sub-slot distance from s to o (positive if o
// follows s). It is not an instruction count; use InstrDistance for that.
func (s SlotIndex) Distance(o SlotIndex) int64 { return int64(o.raw()) - int64(s.raw()) }

// InstrDistance returns the number of instructions between s and o, rounding
// toward zero.
func (s SlotIndex) InstrDistance(o SlotIndex) int64 { return s.Distance(o) / int64(InstrDist) }

// entryArena hands out stable *indexListEntry pointers from fixed-capacity
// chunks: a chunk's backing array is never reallocated, so a pointer into it
// survives every later allocation, matching the lifetime LLVM gets from its
// BumpPtrAllocator-backed intrusive list.
type entryArena struct {
	chunks    [][]indexListEntry
	chunkSize int
}

func newEntryArena() *entryArena {
	return &entryArena{chunkSize: 256}
}

func (a *entryArena) alloc(instr Instruction, index uint32) *indexListEntry {
	if len(a.chunks) == 0 || len(a.chunks[len(a.chunks)-1]) == cap(a.chunks[len(a.chunks)-1]) {
		a.chunks = append(a.chunks, make([]indexListEntry, 0, a.chunkSize))
	}

	last := &a.chunks[len(a.chunks)-1]
	*last = append(*last, indexListEntry{instr: instr, index: index})

	return &(*last)[len(*last)-1]
}

// mbbRange records the half-open [start, end) SlotIndex span of one block.
type mbbRange struct {
	start, end SlotIndex
}

// idxMBBItem is a btree.Item ordering block starts by their raw index, used
// to answer MBBFromIndex by floor lookup instead of linear scan.
type idxMBBItem struct {
	start uint32
	block int
}

func (it idxMBBItem) Less(than btree.Item) bool { return it.start < than.(idxMBBItem).start }

// SlotIndexes numbers every instruction of one Function with SlotIndex
// values that remain stable (comparable, orderable) across later insertion,
// removal and replacement — renumbering, when it occurs, is local to the
// edited region (spec §4.1).
type SlotIndexes struct {
	arena     *entryArena
	front     *indexListEntry
	back      *indexListEntry
	mi2idx    map[Instruction]SlotIndex
	mbbRanges []mbbRange
	idx2mbb   *btree.BTree
}

// NewSlotIndexes builds a fresh numbering for fn. Blocks are visited in
// fn.Blocks() order, which becomes the instruction order encoded by the
// resulting indices.
func NewSlotIndexes(fn Function) *SlotIndexes {
	ix := &SlotIndexes{
		arena:   newEntryArena(),
		mi2idx:  make(map[Instruction]SlotIndex),
		idx2mbb: btree.New(32),
	}
	ix.build(fn)

	return ix
}

func (ix *SlotIndexes) build(fn Function) {
	blocks := fn.Blocks()
	ix.mbbRanges = make([]mbbRange, len(blocks))

	var n uint32

	var prev *indexListEntry

	appendEntry := func(instr Instruction) *indexListEntry {
		e := ix.arena.alloc(instr, n*uint32(InstrDist))
		n++

		if prev != nil {
			prev.next = e
			e.prev = prev
		} else {
			ix.front = e
		}

		prev = e

		return e
	}

	for bi, block := range blocks {
		startEntry := appendEntry(nil)
		ix.mbbRanges[bi].start = SlotIndex{startEntry, slotBlock}
		ix.idx2mbb.ReplaceOrInsert(idxMBBItem{start: startEntry.index, block: bi})

		for _, instr := range block.Instructions() {
			e := appendEntry(instr)
			ix.mi2idx[instr] = SlotIndex{e, slotBlock}
		}
	}

	tail := appendEntry(nil)
	ix.back = tail

	for i := range ix.mbbRanges {
		if i+1 < len(ix.mbbRanges) {
			ix.mbbRanges[i].end = ix.mbbRanges[i+1].start
		} else {
			ix.mbbRanges[i].end = SlotIndex{tail, slotBlock}
		}
	}
}

// ZeroIndex returns the index before the first instruction of the function.
func (ix *SlotIndexes) ZeroIndex() SlotIndex { return SlotIndex{ix.front, slotBlock} }

// LastIndex returns the list's tail sentinel, one-past the last instruction.
func (ix *SlotIndexes) LastIndex() SlotIndex { return SlotIndex{ix.back, slotBlock} }

// HasIndex reports whether instr currently has an assigned SlotIndex.
func (ix *SlotIndexes) HasIndex(instr Instruction) bool {
	_, ok := ix.mi2idx[instr]

	return ok
}

// InstructionIndex returns the Block-slot index of instr. It panics if instr
// is not indexed; callers must check HasIndex first when that is possible.
func (ix *SlotIndexes) InstructionIndex(instr Instruction) SlotIndex {
	idx, ok := ix.mi2idx[instr]
	if !ok {
		panic(orizonerrors.PreconditionViolation("SlotIndexes.InstructionIndex", "instruction has no assigned index"))
	}

	return idx
}

// InstructionFromIndex returns the instruction at idx, or nil if idx names a
// block boundary or a hole left by RemoveInstructionFromMaps.
func (ix *SlotIndexes) InstructionFromIndex(idx SlotIndex) Instruction {
	if !idx.IsValid() {
		return nil
	}

	return idx.entry.instr
}

// NextNonNullIndex walks forward from idx, skipping holes and block
// boundaries with no instruction, and returns the first real instruction
// index found, or LastIndex if none remains.
func (ix *SlotIndexes) NextNonNullIndex(idx SlotIndex) SlotIndex {
	e := idx.entry.next

	for e != nil {
		if e.instr != nil {
			return SlotIndex{e, slotBlock}
		}

		e = e.next
	}

	return ix.LastIndex()
}

// MBBStartIdx returns the index of block's boundary entry.
func (ix *SlotIndexes) MBBStartIdx(block int) SlotIndex { return ix.mbbRanges[block].start }

// MBBEndIdx returns the index one-past block's last instruction (the next
// block's start, or LastIndex for the final block).
func (ix *SlotIndexes) MBBEndIdx(block int) SlotIndex { return ix.mbbRanges[block].end }

// MBBFromIndex returns the number of the block containing idx: the last block
// whose start is at or before idx, so LastIndex maps to the final block. It
// panics if no block starts at or before idx, which happens only for a
// function with no blocks.
func (ix *SlotIndexes) MBBFromIndex(idx SlotIndex) int {
	block := -1

	ix.idx2mbb.DescendLessOrEqual(idxMBBItem{start: idx.entry.index}, func(item btree.Item) bool {
		block = item.(idxMBBItem).block

		return false
	})

	if block == -1 {
		panic(orizonerrors.PreconditionViolation("SlotIndexes.MBBFromIndex", "index does not fall within any block"))
	}

	return block
}

// IndexBefore returns the index of the nearest indexed instruction strictly
// before position pos in block (pos indexes block.Instructions()), or the
// block's start boundary if none is indexed yet.
func (ix *SlotIndexes) IndexBefore(block Block, pos int) SlotIndex {
	insns := block.Instructions()
	for i := pos - 1; i >= 0; i-- {
		if idx, ok := ix.mi2idx[insns[i]]; ok {
			return idx
		}
	}

	return ix.MBBStartIdx(block.Number())
}

// IndexAfter returns the index of the nearest indexed instruction strictly
// after position pos in block, or the block's end boundary if none is
// indexed yet.
func (ix *SlotIndexes) IndexAfter(block Block, pos int) SlotIndex {
	insns := block.Instructions()
	for i := pos + 1; i < len(insns); i++ {
		if idx, ok := ix.mi2idx[insns[i]]; ok {
			return idx
		}
	}

	return ix.MBBEndIdx(block.Number())
}

// InsertInstructionInMaps assigns a fresh SlotIndex to instr, which must sit
// at position pos within block.Instructions() and must not already be
// indexed. late controls which neighbour the index is computed relative to
// when pos itself has no unambiguous neighbour on one side; it matters only
// for tie-breaking against simultaneously-inserted instructions.
func (ix *SlotIndexes) InsertInstructionInMaps(block Block, pos int, instr Instruction, late bool) SlotIndex {
	if _, ok := ix.mi2idx[instr]; ok {
		panic(orizonerrors.PreconditionViolation("SlotIndexes.InsertInstructionInMaps", "instruction is already indexed"))
	}

	var prevE, nextE *indexListEntry

	if late {
		nextIdx := ix.IndexAfter(block, pos)
		nextE = nextIdx.entry
		prevE = nextE.prev
	} else {
		prevIdx := ix.IndexBefore(block, pos)
		prevE = prevIdx.entry
		nextE = prevE.next
	}

	dist := ((nextE.index - prevE.index) / 2) &^ uint32(slotCount-1)

	newEntry := ix.arena.alloc(instr, prevE.index+dist)
	newEntry.prev = prevE
	newEntry.next = nextE
	prevE.next = newEntry

	if nextE != nil {
		nextE.prev = newEntry
	} else {
		ix.back = newEntry
	}

	if dist == 0 {
		ix.renumberIndexes(newEntry)
	}

	newIdx := SlotIndex{newEntry, slotBlock}
	ix.mi2idx[instr] = newIdx

	return newIdx
}

// renumberIndexes re-spaces entries starting at start by InstrDist,
// continuing forward while the next entry's index is not greater than the
// index the walk would give it; it stops at the first entry that already
// lies more than InstrDist past the entry just renumbered.
func (ix *SlotIndexes) renumberIndexes(start *indexListEntry) {
	cur := start
	index := cur.prev.index + uint32(InstrDist)

	for {
		cur.index = index
		index += uint32(InstrDist)

		next := cur.next
		if next == nil || next.index > index {
			break
		}

		cur = next
	}
}

// RemoveInstructionFromMaps clears instr's entry from the map while leaving
// a hole in the list, so numbering of surrounding instructions is
// undisturbed.
func (ix *SlotIndexes) RemoveInstructionFromMaps(instr Instruction) {
	idx, ok := ix.mi2idx[instr]
	if !ok {
		return
	}

	idx.entry.instr = nil
	delete(ix.mi2idx, instr)
}

// ReplaceInstructionInMaps transfers old's SlotIndex to newInstr and returns
// it, or an invalid SlotIndex if old was not indexed.
func (ix *SlotIndexes) ReplaceInstructionInMaps(old, newInstr Instruction) SlotIndex {
	idx, ok := ix.mi2idx[old]
	if !ok {
		return SlotIndex{}
	}

	idx.entry.instr = newInstr
	delete(ix.mi2idx, old)
	ix.mi2idx[newInstr] = idx

	return idx
}

// RepairIndexesInRange re-scans block.Instructions()[begin:end] and
// reconciles the index map with it: entries in that span whose instruction
// is no longer present become holes, and instructions in the span with no
// assigned index are inserted.
func (ix *SlotIndexes) RepairIndexesInRange(block Block, begin, end int) {
	insns := block.Instructions()

	present := make(map[Instruction]bool, end-begin)
	for i := begin; i < end; i++ {
		present[insns[i]] = true
	}

	lo := ix.IndexBefore(block, begin)

	var hi SlotIndex
	if end >= len(insns) {
		hi = ix.MBBEndIdx(block.Number())
	} else {
		hi = ix.IndexAfter(block, end-1)
	}

	for cur := lo.entry.next; cur != nil && cur != hi.entry; cur = cur.next {
		if cur.instr != nil && !present[cur.instr] {
			delete(ix.mi2idx, cur.instr)
			cur.instr = nil
		}
	}

	for i := begin; i < end; i++ {
		if _, ok := ix.mi2idx[insns[i]]; !ok {
			ix.InsertInstructionInMaps(block, i, insns[i], false)
		}
	}
}

// ReleaseMemory drops every reference held by ix, allowing the arena and
// maps to be garbage collected. Every SlotIndex previously handed out
// remains individually valid (its entry pointer is unaffected) but ix
// itself must not be used again.
func (ix *SlotIndexes) ReleaseMemory() {
	ix.arena = nil
	ix.front = nil
	ix.back = nil
	ix.mi2idx = nil
	ix.mbbRanges = nil
	ix.idx2mbb = nil
}
