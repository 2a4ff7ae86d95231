package regalloc

import "sort"

// LiveIntervals is the full liveness analysis for one Function: one
// LiveInterval per virtual register, one LiveRange per register unit, and
// the set of instructions whose register-mask operand must be checked for
// interference (spec §3/§4.2).
type LiveIntervals struct {
	fn      Function
	indexes *SlotIndexes
	target  TargetInfo

	intervals map[RegRef]*LiveInterval
	regUnits  map[RegUnit]*LiveRange

	regMasks []regMaskPoint
}

type regMaskPoint struct {
	idx  SlotIndex
	mask RegMask
}

// BuildLiveIntervals computes liveness for every virtual register and
// register unit referenced in fn, using indexes for instruction ordering
// and target to resolve physical-register aliasing.
func BuildLiveIntervals(fn Function, indexes *SlotIndexes, target TargetInfo) *LiveIntervals {
	li := &LiveIntervals{
		fn:        fn,
		indexes:   indexes,
		target:    target,
		intervals: make(map[RegRef]*LiveInterval),
		regUnits:  make(map[RegUnit]*LiveRange),
	}

	liveIn, liveOut, ud := computeLiveSets(fn)

	regs := collectVirtualRegs(fn)
	for _, r := range regs {
		li.intervals[r] = li.computeVirtRegInterval(r, liveIn, liveOut, ud)
	}

	li.computeRegUnitRanges()
	li.collectRegMasks()

	return li
}

func collectVirtualRegs(fn Function) []RegRef {
	seen := map[RegRef]bool{}

	var out []RegRef

	for _, b := range fn.Blocks() {
		for _, instr := range b.Instructions() {
			for _, op := range instr.Operands() {
				if op.Reg.IsVirtual() && !seen[op.Reg] {
					seen[op.Reg] = true

					out = append(out, op.Reg)
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// Interval returns the LiveInterval for a virtual register, or nil if the
// register is never defined or used.
func (li *LiveIntervals) Interval(reg RegRef) *LiveInterval { return li.intervals[reg] }

// RegUnitRange returns the LiveRange occupied by a physical register unit,
// or nil if no physical-register operand in the function touches it.
// Register-mask clobbers do not create or extend these ranges.
func (li *LiveIntervals) RegUnitRange(u RegUnit) *LiveRange { return li.regUnits[u] }

// computeVirtRegInterval builds one register's LiveInterval from the
// whole-function liveIn/liveOut sets and local use/def records, resolving
// PHI joins conservatively at every live multi-predecessor block boundary.
func (li *LiveIntervals) computeVirtRegInterval(
	reg RegRef, liveIn, liveOut []map[RegRef]bool, ud []blockUseDef,
) *LiveInterval {
	blocks := li.fn.Blocks()
	n := len(blocks)

	interval := NewLiveInterval(reg)

	localDefs := make([][]localDef, n)
	lastUsePos := make([]int, n)

	for i := range lastUsePos {
		lastUsePos[i] = -1
	}

	for i, b := range blocks {
		for pos, instr := range b.Instructions() {
			idx := li.indexes.InstructionIndex(instr)

			for _, op := range instr.Operands() {
				if op.Reg != reg {
					continue
				}

				if op.IsUse {
					lastUsePos[i] = pos
				}

				if op.IsDef {
					vni := interval.CreateValNo(idx.RegSlot(op.IsEarlyClobber), false)
					localDefs[i] = append(localDefs[i], localDef{
						pos: pos, idx: idx, isEarlyClobber: op.IsEarlyClobber, vni: vni,
					})
				}
			}
		}
	}

	reaching := make([]*VNInfo, n)

	outVN := func(b int) *VNInfo {
		if defs := localDefs[b]; len(defs) > 0 {
			return defs[len(defs)-1].vni
		}

		return reaching[b]
	}

	for pass, changed := 0, true; changed && pass <= n; pass++ {
		changed = false

		for i, b := range blocks {
			if !liveIn[i][reg] || reaching[i] != nil {
				continue
			}

			preds := b.Predecessors()

			switch {
			case len(preds) == 0:
				reaching[i] = interval.CreateValNo(li.indexes.MBBStartIdx(i), false)
				changed = true
			case len(preds) >= 2:
				reaching[i] = interval.CreateValNo(li.indexes.MBBStartIdx(i), true)
				changed = true
			default:
				if vn := outVN(preds[0]); vn != nil {
					reaching[i] = vn
					changed = true
				}
			}
		}
	}

	for i, b := range blocks {
		var (
			cur      *VNInfo
			segStart SlotIndex
		)

		if liveIn[i][reg] {
			cur = reaching[i]
			segStart = li.indexes.MBBStartIdx(i)
		}

		defIdx := 0

		for pos, instr := range b.Instructions() {
			if defIdx < len(localDefs[i]) && localDefs[i][defIdx].pos == pos {
				d := localDefs[i][defIdx]
				defIdx++

				if cur != nil {
					interval.addSegment(Segment{Start: segStart, End: d.idx.BaseIndex(), VNI: cur})
				}

				cur = d.vni
				segStart = d.idx.RegSlot(d.isEarlyClobber)

				if lastUsePos[i] < pos && !liveOut[i][reg] {
					interval.addSegment(Segment{Start: segStart, End: segStart.DeadSlot(), VNI: cur})
					cur = nil
				}
			}

			_ = instr
		}

		if cur == nil {
			continue
		}

		if liveOut[i][reg] {
			interval.addSegment(Segment{Start: segStart, End: li.indexes.MBBEndIdx(i), VNI: cur})
		} else if lastUsePos[i] >= 0 {
			lastInstr := b.Instructions()[lastUsePos[i]]
			endIdx := li.indexes.InstructionIndex(lastInstr).RegSlot(false)
			interval.addSegment(Segment{Start: segStart, End: endIdx, VNI: cur})
		} else {
			interval.addSegment(Segment{Start: segStart, End: segStart.DeadSlot(), VNI: cur})
		}
	}

	return interval
}

// computeRegUnitRanges builds a LiveRange per physical register unit from
// every def/use of a physical RegRef. Register-mask operands are skipped
// here; collectRegMasks records them separately for
// CheckRegMaskInterference.
func (li *LiveIntervals) computeRegUnitRanges() {
	for _, b := range li.fn.Blocks() {
		for _, instr := range b.Instructions() {
			idx := li.indexes.InstructionIndex(instr)

			for _, op := range instr.Operands() {
				if op.IsRegMask || op.Reg.IsVirtual() || op.Reg == "" {
					continue
				}

				for _, u := range li.target.RegUnits(op.Reg) {
					lr := li.regUnitRange(u)
					vni := lr.CreateValNo(idx.RegSlot(op.IsEarlyClobber), false)

					end := idx.DeadSlot()
					if op.IsDef {
						end = idx.RegSlot(false).NextSlot()
					}

					lr.addSegment(Segment{Start: idx.RegSlot(op.IsEarlyClobber), End: end, VNI: vni})
				}
			}
		}
	}
}

func (li *LiveIntervals) regUnitRange(u RegUnit) *LiveRange {
	lr, ok := li.regUnits[u]
	if !ok {
		lr = &LiveRange{}
		li.regUnits[u] = lr
	}

	return lr
}

// collectRegMasks records every instruction carrying a register-mask
// operand, sorted by index, for checkRegMaskInterference.
func (li *LiveIntervals) collectRegMasks() {
	for _, b := range li.fn.Blocks() {
		for _, instr := range b.Instructions() {
			for _, op := range instr.Operands() {
				if !op.IsRegMask {
					continue
				}

				idx := li.indexes.InstructionIndex(instr)
				li.regMasks = append(li.regMasks, regMaskPoint{idx: idx, mask: op.Mask})
			}
		}
	}

	sort.Slice(li.regMasks, func(i, j int) bool { return li.regMasks[i].idx.Less(li.regMasks[j].idx) })
}

// CheckRegMaskInterference reports whether reg's interval overlaps any
// register-mask operand that clobbers reg's assigned physical register unit
// phys, and if so returns the set of mask-carrying indices that conflict
// (spec §4.2, checkRegMaskInterference). It returns false with a nil slice
// when no register-mask operand exists in the function at all, matching the
// spec's defined non-error outcome for that case.
func (li *LiveIntervals) CheckRegMaskInterference(reg RegRef, phys RegRef) (bool, []SlotIndex) {
	if len(li.regMasks) == 0 {
		return false, nil
	}

	interval := li.intervals[reg]
	if interval == nil {
		return false, nil
	}

	units := li.target.RegUnits(phys)

	var conflicts []SlotIndex

	for _, rmp := range li.regMasks {
		if !interval.Liveness(rmp.idx) {
			continue
		}

		for _, u := range units {
			if rmp.mask.Clobbers(u) {
				conflicts = append(conflicts, rmp.idx)

				break
			}
		}
	}

	return len(conflicts) > 0, conflicts
}

// ExtendToIndices extends vni's reach through the CFG, via backward flood
// fill from each target, to cover every index in targets, stopping at any
// block whose start index appears in undefs — those targets are left
// uncovered rather than erroring, matching the spec's defined no-op outcome
// for undef-dominated extension targets (spec §7).
func (lr *LiveRange) ExtendToIndices(indexes *SlotIndexes, fn Function, vni *VNInfo, targets, undefs []SlotIndex) {
	undefSet := make(map[SlotIndex]bool, len(undefs))
	for _, u := range undefs {
		undefSet[u] = true
	}

	blocks := fn.Blocks()

	for _, t := range targets {
		if lr.Liveness(t) {
			continue
		}

		startBlock := indexes.MBBFromIndex(t)
		visited := make(map[int]bool)

		var walk func(b int, end SlotIndex)

		walk = func(b int, end SlotIndex) {
			if visited[b] {
				return
			}

			visited[b] = true

			start := indexes.MBBStartIdx(b)
			if undefSet[start] {
				return
			}

			lr.addSegment(Segment{Start: start, End: end, VNI: vni})

			if lr.Liveness(start.PrevIndex()) {
				return
			}

			for _, p := range blocks[b].Predecessors() {
				walk(p, indexes.MBBEndIdx(p))
			}
		}

		walk(startBlock, t)
	}
}

// PruneValue removes every segment of vni at or after killPoint, splitting
// a segment that straddles killPoint. Any dropped segment that had reached
// a successor block's boundary has that boundary recorded into endPoints,
// so a caller reconstructing a different value's reach knows where it must
// pick up the slack (spec §4.2, pruneValue).
func (lr *LiveRange) PruneValue(vni *VNInfo, killPoint SlotIndex, endPoints *[]SlotIndex) {
	kept := lr.Segments[:0]

	for _, seg := range lr.Segments {
		if seg.VNI != vni {
			kept = append(kept, seg)

			continue
		}

		switch {
		case seg.End.LessEqual(killPoint):
			kept = append(kept, seg)
		case seg.Start.Less(killPoint):
			kept = append(kept, Segment{Start: seg.Start, End: killPoint, VNI: vni})

			if seg.End.IsBlock() {
				*endPoints = append(*endPoints, seg.End)
			}
		default:
			if seg.End.IsBlock() {
				*endPoints = append(*endPoints, seg.End)
			}
		}
	}

	lr.Segments = kept
}

// ShrinkToUses recomputes every value's reach in li to end at its actual
// last remaining use (per the current operand lists reachable from fn),
// returning the def points whose value now has no use at all — candidates
// for dead-code elimination of the defining instruction (spec §4.2,
// shrinkToUses).
func (li *LiveIntervals) ShrinkToUses(interval *LiveInterval) []SlotIndex {
	lastUse := make(map[*VNInfo]SlotIndex)

	for _, b := range li.fn.Blocks() {
		for _, instr := range b.Instructions() {
			for _, op := range instr.Operands() {
				if op.Reg != interval.Reg || !op.IsUse {
					continue
				}

				idx := li.indexes.InstructionIndex(instr).RegSlot(false)
				if seg := interval.SegmentContaining(idx); seg != nil {
					if cur, ok := lastUse[seg.VNI]; !ok || cur.Less(idx) {
						lastUse[seg.VNI] = idx
					}
				}
			}
		}
	}

	var dead []SlotIndex

	kept := interval.Segments[:0]

	for _, seg := range interval.Segments {
		end, used := lastUse[seg.VNI]
		if !used {
			if !seg.VNI.IsPHIDef {
				dead = append(dead, seg.VNI.Def)
			}

			if seg.Start.Equal(seg.VNI.Def.BaseIndex()) || seg.Start.Equal(seg.VNI.Def.RegSlot(true)) ||
				seg.Start.Equal(seg.VNI.Def.RegSlot(false)) {
				kept = append(kept, Segment{Start: seg.Start, End: seg.Start.DeadSlot(), VNI: seg.VNI})
			}

			continue
		}

		newEnd := end.NextSlot()
		if newEnd.Less(seg.End) {
			kept = append(kept, Segment{Start: seg.Start, End: newEnd, VNI: seg.VNI})
		} else {
			kept = append(kept, seg)
		}
	}

	interval.Segments = kept

	return dead
}

// SplitSeparateComponents partitions interval into one LiveInterval per
// connected component of its value-number graph (two values are connected
// when a segment of one ends exactly where a segment of the other starts),
// returning the newly created intervals beyond
// the first component, which is kept in place as interval itself (spec
// §4.2, splitSeparateComponents). Components are identified purely by
// segment/value adjacency, since this package does not track PHI operand
// provenance beyond the join point itself.
func (li *LiveIntervals) SplitSeparateComponents(interval *LiveInterval) []*LiveInterval {
	if len(interval.ValNos) <= 1 {
		return nil
	}

	parent := make(map[*VNInfo]*VNInfo, len(interval.ValNos))
	for _, vni := range interval.ValNos {
		parent[vni] = vni
	}

	var find func(*VNInfo) *VNInfo

	find = func(v *VNInfo) *VNInfo {
		for parent[v] != v {
			parent[v] = parent[parent[v]]
			v = parent[v]
		}

		return v
	}

	union := func(a, b *VNInfo) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	sorted := append([]Segment(nil), interval.Segments...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Less(sorted[j].Start) })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start.Equal(sorted[i-1].End) {
			union(sorted[i].VNI, sorted[i-1].VNI)
		}
	}

	groups := make(map[*VNInfo]*LiveInterval)

	var order []*VNInfo

	for _, seg := range sorted {
		root := find(seg.VNI)

		group, ok := groups[root]
		if !ok {
			group = NewLiveInterval(interval.Reg)
			group.Weight = interval.Weight
			groups[root] = group

			order = append(order, root)
		}

		group.Segments = append(group.Segments, seg)
	}

	if len(order) <= 1 {
		return nil
	}

	for _, root := range order {
		g := groups[root]
		g.ValNos = append(g.ValNos, dedupeValNos(g.Segments)...)
	}

	*interval = *groups[order[0]]

	rest := make([]*LiveInterval, 0, len(order)-1)
	for _, root := range order[1:] {
		rest = append(rest, groups[root])
	}

	return rest
}

func dedupeValNos(segs []Segment) []*VNInfo {
	seen := map[*VNInfo]bool{}

	var out []*VNInfo

	for _, s := range segs {
		if !seen[s.VNI] {
			seen[s.VNI] = true

			out = append(out, s.VNI)
		}
	}

	return out
}

// RepairIntervalsInRange re-derives liveness for every virtual register
// touched by block.Instructions()[begin:end] after the surrounding
// SlotIndexes have already been repaired via
// SlotIndexes.RepairIndexesInRange. It is a coarse, whole-function rebuild
// of the affected registers' intervals rather than a minimal incremental
// patch, trading precision for the simplicity of reusing
// computeVirtRegInterval unchanged.
func (li *LiveIntervals) RepairIntervalsInRange(block Block, begin, end int) {
	touched := map[RegRef]bool{}

	insns := block.Instructions()
	for i := begin; i < end && i < len(insns); i++ {
		for _, op := range insns[i].Operands() {
			if op.Reg.IsVirtual() {
				touched[op.Reg] = true
			}
		}
	}

	if len(touched) == 0 {
		return
	}

	liveIn, liveOut, ud := computeLiveSets(li.fn)

	for r := range touched {
		li.intervals[r] = li.computeVirtRegInterval(r, liveIn, liveOut, ud)
	}
}

// AddKillFlags tags, on every instruction, the use operand that is the last
// use of its register within its live segment, by calling the Instruction's
// SetKill (spec §4.2, addKillFlags). A segment's End coincides with a real
// use's own register slot only when that use is the value's last one in the
// segment — a redefinition ends the prior segment at the def's block-slot
// boundary instead, and a dead def ends it at its own dead-slot — so
// comparing each use's slot against every segment end of its register's
// interval is sufficient to find exactly the uses that should be killed.
func (li *LiveIntervals) AddKillFlags() {
	for _, b := range li.fn.Blocks() {
		for _, instr := range b.Instructions() {
			ops := instr.Operands()

			for i, op := range ops {
				if !op.IsUse {
					continue
				}

				interval := li.intervals[op.Reg]
				if interval == nil {
					continue
				}

				useIdx := li.indexes.InstructionIndex(instr).RegSlot(false)

				for _, seg := range interval.Segments {
					if seg.End.Equal(useIdx) {
						instr.SetKill(i, true)

						break
					}
				}
			}
		}
	}
}

// AddSegmentToEndOfBlock appends [start.RegSlot, block.endIdx) to reg's
// interval, with a fresh value number defined at start's register slot
// (spec §4.2, addSegmentToEndOfBlock). It is used to extend a register's
// liveness from one instruction through to the end of its containing block,
// e.g. after repair work introduces a new def that must stay live out.
// reg's interval is created empty if it does not already exist.
func (li *LiveIntervals) AddSegmentToEndOfBlock(reg RegRef, start Instruction) Segment {
	startIdx := li.indexes.InstructionIndex(start).RegSlot(false)
	block := li.indexes.MBBFromIndex(startIdx)
	endIdx := li.indexes.MBBEndIdx(block)

	interval := li.intervals[reg]
	if interval == nil {
		interval = NewLiveInterval(reg)
		li.intervals[reg] = interval
	}

	vni := interval.CreateValNo(startIdx, false)
	seg := Segment{Start: startIdx, End: endIdx, VNI: vni}
	interval.addSegment(seg)

	return seg
}
