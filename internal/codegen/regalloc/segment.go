package regalloc

import "fmt"

// VNInfo identifies one value number: a definition point and whether that
// definition is a PHI join rather than a real instruction (spec GLOSSARY).
type VNInfo struct {
	ID       int
	Def      SlotIndex
	IsPHIDef bool
}

// Segment is a half-open [Start, End) range of SlotIndex space during which
// one value (VNI) is live. Start is a register or early-clobber slot (a
// definition point), or a block's start boundary for a value live into that
// block. End is the register slot of the last use, a block's end boundary
// for a range that continues into a successor, the Block slot of a later
// redefinition in the same block, or the def's own Dead slot for a value
// that is never read. ShrinkToUses ends a shortened segment at the last
// use's Dead slot instead.
type Segment struct {
	Start SlotIndex
	End   SlotIndex
	VNI   *VNInfo
}

// Contains reports whether idx falls in [Start, End).
func (s Segment) Contains(idx SlotIndex) bool {
	return s.Start.LessEqual(idx) && idx.Less(s.End)
}

// Overlaps reports whether s and o share any instant of SlotIndex space.
func (s Segment) Overlaps(o Segment) bool {
	return s.Start.Less(o.End) && o.Start.Less(s.End)
}

func (s Segment) String() string {
	return fmt.Sprintf("[%d,%d:%d)", s.Start.raw(), s.End.raw(), s.VNI.ID)
}

// LiveRange is a sorted, non-overlapping sequence of Segments plus the value
// numbers that own them. It is the structure shared by LiveInterval's main
// range, its subranges, and register-unit ranges (spec §3).
type LiveRange struct {
	Segments []Segment
	ValNos   []*VNInfo
}

// CreateValNo allocates a fresh value number defined at def.
func (lr *LiveRange) CreateValNo(def SlotIndex, isPHIDef bool) *VNInfo {
	vni := &VNInfo{ID: len(lr.ValNos), Def: def, IsPHIDef: isPHIDef}
	lr.ValNos = append(lr.ValNos, vni)

	return vni
}

// find returns the index of the first segment whose End is strictly after
// idx (i.e. the segment that would contain idx, or where it would be
// inserted), using binary search since Segments is kept sorted by Start.
func (lr *LiveRange) find(idx SlotIndex) int {
	lo, hi := 0, len(lr.Segments)

	for lo < hi {
		mid := (lo + hi) / 2
		if lr.Segments[mid].End.LessEqual(idx) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	return lo
}

// SegmentContaining returns the segment covering idx, or nil if idx falls in
// a gap.
func (lr *LiveRange) SegmentContaining(idx SlotIndex) *Segment {
	i := lr.find(idx)
	if i < len(lr.Segments) && lr.Segments[i].Start.LessEqual(idx) {
		return &lr.Segments[i]
	}

	return nil
}

// Liveness reports whether idx is covered by some segment.
func (lr *LiveRange) Liveness(idx SlotIndex) bool { return lr.SegmentContaining(idx) != nil }

// VNInfoAt returns the value live at idx, or nil if idx falls in a gap.
func (lr *LiveRange) VNInfoAt(idx SlotIndex) *VNInfo {
	if seg := lr.SegmentContaining(idx); seg != nil {
		return seg.VNI
	}

	return nil
}

// addSegment inserts seg, merging with an adjacent or overlapping segment of
// the same value number where possible, and keeps Segments sorted.
func (lr *LiveRange) addSegment(seg Segment) {
	i := lr.find(seg.Start)

	// Merge with the segment immediately before, if contiguous/same value.
	if i > 0 {
		prev := &lr.Segments[i-1]
		if prev.VNI == seg.VNI && seg.Start.LessEqual(prev.End) {
			if seg.End.Less(prev.End) {
				return
			}

			prev.End = seg.End
			lr.coalesceForward(i - 1)

			return
		}
	}

	lr.Segments = append(lr.Segments, Segment{})
	copy(lr.Segments[i+1:], lr.Segments[i:])
	lr.Segments[i] = seg
	lr.coalesceForward(i)
}

// coalesceForward merges Segments[i] with any immediately following segments
// it now overlaps or abuts, given the same value number.
func (lr *LiveRange) coalesceForward(i int) {
	for i+1 < len(lr.Segments) {
		next := lr.Segments[i+1]
		if next.VNI != lr.Segments[i].VNI || lr.Segments[i].End.Less(next.Start) {
			break
		}

		if lr.Segments[i].End.Less(next.End) {
			lr.Segments[i].End = next.End
		}

		lr.Segments = append(lr.Segments[:i+1], lr.Segments[i+2:]...)
	}
}

// removeBefore trims away the portion of every segment before idx, dropping
// segments that end up empty.
func (lr *LiveRange) removeBefore(idx SlotIndex) {
	kept := lr.Segments[:0]

	for _, seg := range lr.Segments {
		switch {
		case seg.End.LessEqual(idx):
			continue
		case seg.Start.Less(idx):
			seg.Start = idx

			kept = append(kept, seg)
		default:
			kept = append(kept, seg)
		}
	}

	lr.Segments = kept
}

// empty reports whether the range covers no SlotIndex.
func (lr *LiveRange) empty() bool { return len(lr.Segments) == 0 }
