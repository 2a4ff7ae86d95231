package regalloc

// blockUseDef holds the local use/def virtual-register sets of one block,
// computed once and reused both by the whole-function liveIn/liveOut
// dataflow and by per-register interval construction.
type blockUseDef struct {
	uses map[RegRef]bool
	defs map[RegRef]bool
}

// computeBlockUseDef scans every instruction of block once, classifying
// each virtual-register operand as a local use or def in the standard
// liveness sense: an operand counts as a use only if the register was not
// already defined earlier in the same block (so a pure local round-trip
// never escapes as a false live-in).
func computeBlockUseDef(block Block) blockUseDef {
	ud := blockUseDef{uses: map[RegRef]bool{}, defs: map[RegRef]bool{}}

	for _, instr := range block.Instructions() {
		ops := instr.Operands()

		// An instruction reads its operands before it writes any, so its own
		// defs must not hide its uses.
		for _, op := range ops {
			if op.Reg.IsVirtual() && op.IsUse && !ud.defs[op.Reg] {
				ud.uses[op.Reg] = true
			}
		}

		for _, op := range ops {
			if op.Reg.IsVirtual() && op.IsDef {
				ud.defs[op.Reg] = true
			}
		}
	}

	return ud
}

// computeLiveSets runs the classic backward liveness dataflow to a fixed
// point:
//
//	liveIn[b]  = uses[b] ∪ (liveOut[b] \ defs[b])
//	liveOut[b] = ∪ liveIn[s] for s in successors(b)
//
// It covers only virtual registers; physical register liveness is handled
// separately via register-unit ranges (see computeRegUnitRanges in
// liveintervals.go).
func computeLiveSets(fn Function) (liveIn, liveOut []map[RegRef]bool, ud []blockUseDef) {
	blocks := fn.Blocks()
	n := len(blocks)

	liveIn = make([]map[RegRef]bool, n)
	liveOut = make([]map[RegRef]bool, n)
	ud = make([]blockUseDef, n)

	for i, b := range blocks {
		ud[i] = computeBlockUseDef(b)
		liveIn[i] = map[RegRef]bool{}
		liveOut[i] = map[RegRef]bool{}
	}

	for changed := true; changed; {
		changed = false

		for i := n - 1; i >= 0; i-- {
			b := blocks[i]

			for _, s := range b.Successors() {
				for r := range liveIn[s] {
					if !liveOut[i][r] {
						liveOut[i][r] = true
						changed = true
					}
				}
			}

			for r := range liveOut[i] {
				if ud[i].defs[r] {
					continue
				}

				if !liveIn[i][r] {
					liveIn[i][r] = true
					changed = true
				}
			}

			for r := range ud[i].uses {
				if !liveIn[i][r] {
					liveIn[i][r] = true
					changed = true
				}
			}
		}
	}

	return liveIn, liveOut, ud
}

// localDef records one definition of a register within a block, in program
// order.
type localDef struct {
	pos            int
	idx            SlotIndex
	isEarlyClobber bool
	vni            *VNInfo
}
