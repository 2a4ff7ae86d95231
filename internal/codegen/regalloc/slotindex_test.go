package regalloc

import (
	"testing"

	"github.com/orizon-lang/orizon/internal/lir"
)

func buildTestIndexes(t *testing.T, fn *lir.Function) (*SlotIndexes, Function) {
	t.Helper()

	tables := NewRegisterTables()
	adapted := AdaptFunction(fn, tables)
	indexes := NewSlotIndexes(adapted)

	return indexes, adapted
}

func simpleFunction() *lir.Function {
	return &lir.Function{
		Name: "f",
		Blocks: []*lir.BasicBlock{
			{
				Label: "entry",
				Insns: []lir.Insn{
					lir.Mov{Src: "1", Dst: "%1"},
					lir.Mov{Src: "2", Dst: "%2"},
					lir.Add{Dst: "%3", LHS: "%1", RHS: "%2"},
					lir.Ret{Src: "%3"},
				},
			},
		},
	}
}

func TestSlotIndexesOrdering(t *testing.T) {
	indexes, adapted := buildTestIndexes(t, simpleFunction())

	insns := adapted.Blocks()[0].Instructions()
	if len(insns) != 4 {
		t.Fatalf("expected 4 instructions, got %d", len(insns))
	}

	var prev SlotIndex

	for i, insn := range insns {
		idx := indexes.InstructionIndex(insn)
		if !idx.IsValid() {
			t.Fatalf("instruction %d has no index", i)
		}

		if i > 0 && !prev.Less(idx) {
			t.Fatalf("instruction %d index did not increase: prev=%v cur=%v", i, prev, idx)
		}

		prev = idx

		back := indexes.InstructionFromIndex(idx)
		if back != insn {
			t.Fatalf("InstructionFromIndex did not round-trip for instruction %d", i)
		}
	}
}

func TestSlotIndexSlotOrderingWithinInstruction(t *testing.T) {
	indexes, adapted := buildTestIndexes(t, simpleFunction())

	insn := adapted.Blocks()[0].Instructions()[0]
	idx := indexes.InstructionIndex(insn)

	base := idx.BaseIndex()
	reg := idx.RegSlot(false)
	early := idx.RegSlot(true)
	dead := idx.DeadSlot()

	if !base.Less(early) || !early.Less(reg) || !reg.Less(dead) {
		t.Fatalf("expected block < earlyclobber < register < dead, got %v %v %v %v", base, early, reg, dead)
	}

	if !base.IsSameInstr(dead) {
		t.Fatalf("expected slots of the same instruction to share instruction identity")
	}
}

func TestMBBFromIndex(t *testing.T) {
	fn := &lir.Function{
		Name: "f",
		Blocks: []*lir.BasicBlock{
			{Label: "a", Insns: []lir.Insn{lir.Mov{Src: "1", Dst: "%1"}}},
			{Label: "b", Insns: []lir.Insn{lir.Mov{Src: "2", Dst: "%2"}, lir.Ret{Src: "%2"}}},
		},
	}

	indexes, adapted := buildTestIndexes(t, fn)

	for _, b := range adapted.Blocks() {
		for _, insn := range b.Instructions() {
			idx := indexes.InstructionIndex(insn)

			mbb := indexes.MBBFromIndex(idx)
			if mbb != b.Number() {
				t.Fatalf("MBBFromIndex(%v) = %d, want %d", idx, mbb, b.Number())
			}
		}
	}
}

// TestRenumberingPreservesOrder forces enough insertions between two
// existing instructions that renumberIndexes must re-space the list, and
// checks that every previously issued SlotIndex still orders correctly
// relative to the others afterward (the pointer-based design's whole
// point: old SlotIndex values stay valid across a renumber, since every
// SlotIndex reads its neighbour's current .index through a live pointer
// rather than caching a now-stale packed integer).
func TestRenumberingPreservesOrder(t *testing.T) {
	fn := simpleFunction()
	indexes, adapted := buildTestIndexes(t, fn)

	block, ok := adapted.Blocks()[0].(*lirBlock)
	if !ok {
		t.Fatalf("expected *lirBlock")
	}

	first := indexes.InstructionIndex(block.insns[0])
	last := indexes.InstructionIndex(block.insns[len(block.insns)-1])

	var inserted []SlotIndex

	// Repeatedly insert a new instruction immediately after the first one,
	// shrinking the gap between consecutive entries until renumberIndexes
	// must fire.
	pos := 1
	for i := 0; i < 16; i++ {
		extra := &lirInsn{insn: lir.Mov{Src: "0", Dst: "%x"}}

		newInsns := make([]Instruction, 0, len(block.insns)+1)
		newInsns = append(newInsns, block.insns[:pos]...)
		newInsns = append(newInsns, extra)
		newInsns = append(newInsns, block.insns[pos:]...)
		block.insns = newInsns

		idx := indexes.InsertInstructionInMaps(block, pos, extra, false)
		inserted = append(inserted, idx)

		pos++
	}

	if !first.LessEqual(indexes.InstructionIndex(block.insns[0])) {
		t.Fatalf("first instruction's index should not have moved backward")
	}

	if !first.Less(last) {
		t.Fatalf("expected first < last to still hold after renumbering")
	}

	for i := 1; i < len(inserted); i++ {
		if !inserted[i-1].Less(inserted[i]) {
			t.Fatalf("inserted index %d did not order after index %d", i, i-1)
		}
	}

	if !first.Less(inserted[0]) || !inserted[len(inserted)-1].Less(last) {
		t.Fatalf("inserted indexes escaped the [first, last] window")
	}
}
