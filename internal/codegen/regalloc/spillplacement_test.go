package regalloc

import "testing"

// fakeBundles is a minimal EdgeBundles fixture: one bundle per block side,
// no shared sides, for exercising SpillPlacer in isolation from the rest of
// the analysis pipeline.
type fakeBundles struct {
	n       int
	inOf    map[int]int
	outOf   map[int]int
	members map[int][]BlockSide
}

func newFakeBundles(blocks int) *fakeBundles {
	fb := &fakeBundles{
		inOf:    make(map[int]int),
		outOf:   make(map[int]int),
		members: make(map[int][]BlockSide),
	}

	for b := 0; b < blocks; b++ {
		in := fb.n
		fb.n++
		out := fb.n
		fb.n++

		fb.inOf[b] = in
		fb.outOf[b] = out
		fb.members[in] = []BlockSide{{Block: b, Out: false}}
		fb.members[out] = []BlockSide{{Block: b, Out: true}}
	}

	return fb
}

func (fb *fakeBundles) NumBundles() int { return fb.n }

func (fb *fakeBundles) Bundle(block int, out bool) int {
	if out {
		return fb.outOf[block]
	}

	return fb.inOf[block]
}

func (fb *fakeBundles) Blocks(bundle int) []BlockSide { return fb.members[bundle] }

type fakeFreq struct{ perBlock map[int]BlockFrequency }

func (f *fakeFreq) BlockFreq(block int) BlockFrequency { return f.perBlock[block] }
func (f *fakeFreq) EntryFreq() BlockFrequency          { return 1 }

func TestSpillPlacerMustSpillSaturates(t *testing.T) {
	bundles := newFakeBundles(1)
	freqs := &fakeFreq{perBlock: map[int]BlockFrequency{0: 4096}}

	sp := NewSpillPlacer(bundles, freqs)
	sp.AddConstraints(freqs, []BlockConstraint{
		{Block: 0, Entry: MustSpill, Exit: DontCare},
	})

	sp.Iterate()
	sp.Finish()

	in := bundles.Bundle(0, false)
	if !sp.MustSpill(in) {
		t.Fatalf("expected MustSpill constraint to force the bundle to spill")
	}
}

func TestSpillPlacerPreferRegWithNoOpposition(t *testing.T) {
	bundles := newFakeBundles(1)
	freqs := &fakeFreq{perBlock: map[int]BlockFrequency{0: 10}}

	sp := NewSpillPlacer(bundles, freqs)
	sp.AddConstraints(freqs, []BlockConstraint{
		{Block: 0, Entry: PreferReg, Exit: DontCare},
	})

	sp.Iterate()
	sp.Finish()

	in := bundles.Bundle(0, false)
	if !sp.PreferReg(in) {
		t.Fatalf("expected unopposed PreferReg constraint to settle on the register side")
	}
}

func TestSpillPlacerEnergyDoesNotIncrease(t *testing.T) {
	bundles := newFakeBundles(2)
	freqs := &fakeFreq{perBlock: map[int]BlockFrequency{0: 4096, 1: 10}}

	sp := NewSpillPlacer(bundles, freqs)
	sp.AddConstraints(freqs, []BlockConstraint{
		{Block: 0, Entry: MustSpill, Exit: DontCare},
		{Block: 1, Entry: PreferReg, Exit: DontCare},
	})

	before := sp.Energy() // every node still valueUnknown: zero contribution

	sp.Iterate()
	sp.Finish()

	after := sp.Energy()

	if after > before {
		t.Fatalf("expected energy to not increase after relaxation: before=%v after=%v", before, after)
	}
}

// TestSpillPlacerThresholdSharedAcrossNodes checks that every node's dead
// zone is derived from the same function-wide entry frequency (spec §4.3),
// not from each bundle's own peak block frequency.
func TestSpillPlacerThresholdSharedAcrossNodes(t *testing.T) {
	bundles := newFakeBundles(2)
	freqs := &fakeFreq{perBlock: map[int]BlockFrequency{0: 1 << 20, 1: 1}}

	sp := NewSpillPlacer(bundles, freqs)

	want := setThreshold(freqs.EntryFreq())
	for i, n := range sp.nodes {
		if n.threshold != want {
			t.Fatalf("node %d threshold = %v, want %v (entry-frequency derived)", i, n.threshold, want)
		}

		if n.sumLinkWeights != want {
			t.Fatalf("node %d sumLinkWeights = %v, want %v before any links are added", i, n.sumLinkWeights, want)
		}
	}
}

// TestSpillPlacerSumLinkWeightsTracksLinks checks the invariant that
// sumLinkWeights stays equal to threshold plus the sum of a node's link
// weights as AddLinks accrues them.
func TestSpillPlacerSumLinkWeightsTracksLinks(t *testing.T) {
	bundles := newFakeBundles(3)
	freqs := &fakeFreq{perBlock: map[int]BlockFrequency{0: 10, 1: 10, 2: 10}}

	sp := NewSpillPlacer(bundles, freqs)

	a := bundles.Bundle(0, true)
	b := bundles.Bundle(1, false)
	c := bundles.Bundle(2, false)

	sp.AddLinks([]BundleLink{{A: a, B: b, Weight: 3}, {A: a, B: c, Weight: 5}})

	threshold := setThreshold(freqs.EntryFreq())
	if want := threshold + 8; sp.nodes[a].sumLinkWeights != want {
		t.Fatalf("sumLinkWeights for a = %v, want %v", sp.nodes[a].sumLinkWeights, want)
	}

	if want := threshold + 3; sp.nodes[b].sumLinkWeights != want {
		t.Fatalf("sumLinkWeights for b = %v, want %v", sp.nodes[b].sumLinkWeights, want)
	}

	if sp.nodes[a].sumLinkWeights < sp.nodes[a].threshold {
		t.Fatalf("expected sumLinkWeights >= threshold after activation")
	}
}

func TestSpillPlacerFinishBreaksTiesTowardSpill(t *testing.T) {
	bundles := newFakeBundles(1)
	freqs := &fakeFreq{perBlock: map[int]BlockFrequency{0: 0}}

	sp := NewSpillPlacer(bundles, freqs)
	// No constraints at all: the bundle is never activated, so it should
	// report neither MustSpill nor PreferReg.
	in := bundles.Bundle(0, false)
	if sp.MustSpill(in) || sp.PreferReg(in) {
		t.Fatalf("expected an unactivated bundle to report neither placement")
	}

	// Activate it through AddLinks alone with a zero-weight link, so no
	// bias is ever added and the node's net bias stays a perfect tie at zero.
	sp.AddLinks([]BundleLink{{A: in, B: bundles.Bundle(0, true), Weight: 0}})
	sp.Iterate()
	sp.Finish()

	if !sp.MustSpill(in) {
		t.Fatalf("expected Finish to break a zero-bias tie toward spill")
	}
}
