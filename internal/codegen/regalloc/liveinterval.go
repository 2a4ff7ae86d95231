package regalloc

// SubRange is a LiveRange restricted to a subset of a register's lanes
// (spec GLOSSARY: "Subrange"). Subranges exist only where a caller adds
// them with CreateSubRange; BuildLiveIntervals creates none, and operand
// SubregIndex values are not consulted when intervals are built.
type SubRange struct {
	LiveRange
	LaneMask LaneBitmask
}

// LiveInterval is the full liveness description of one virtual register: a
// main LiveRange covering every lane, plus any SubRanges added with
// CreateSubRange (spec §3).
type LiveInterval struct {
	LiveRange
	Reg       RegRef
	Weight    float64
	SubRanges []*SubRange
}

// NewLiveInterval creates an empty interval for reg.
func NewLiveInterval(reg RegRef) *LiveInterval {
	return &LiveInterval{Reg: reg}
}

// HasSubRanges reports whether this interval tracks lane-level subranges.
func (li *LiveInterval) HasSubRanges() bool { return len(li.SubRanges) > 0 }

// CreateSubRange adds and returns a new SubRange for the given lane mask.
func (li *LiveInterval) CreateSubRange(mask LaneBitmask) *SubRange {
	sr := &SubRange{LaneMask: mask}
	li.SubRanges = append(li.SubRanges, sr)

	return sr
}

// SubRangeFor returns the subrange whose mask intersects lanes, or nil.
func (li *LiveInterval) SubRangeFor(lanes LaneBitmask) *SubRange {
	for _, sr := range li.SubRanges {
		if sr.LaneMask.Intersects(lanes) {
			return sr
		}
	}

	return nil
}

// constructMainRangeFromSubranges rebuilds the main range as the union of
// every subrange's segments, merging overlapping/adjacent spans of the same
// value number. It must be called after any edit that touches SubRanges
// directly, since the main range is otherwise not kept in sync (spec
// §4.2's constructMainRangeFromSubranges).
func (li *LiveInterval) constructMainRangeFromSubranges() {
	li.Segments = li.Segments[:0]

	type item struct {
		seg Segment
	}

	var merged []item

	for _, sr := range li.SubRanges {
		for _, seg := range sr.Segments {
			merged = append(merged, item{seg})
		}
	}

	// Insertion sort by Start; subrange segment counts are small (lane
	// counts are single digits), so this stays cheap in practice.
	for i := 1; i < len(merged); i++ {
		for j := i; j > 0 && merged[j].seg.Start.Less(merged[j-1].seg.Start); j-- {
			merged[j], merged[j-1] = merged[j-1], merged[j]
		}
	}

	for _, m := range merged {
		li.addSegment(m.seg)
	}
}

// Empty reports whether the interval (main range) is currently dead.
func (li *LiveInterval) Empty() bool { return li.empty() }
