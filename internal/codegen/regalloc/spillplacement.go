package regalloc

import "github.com/bits-and-blooms/bitset"

// PlacementHint is the constraint a block places on the bundle touching one
// of its sides: how strongly it wants that side kept in a register versus
// spilled to the stack.
type PlacementHint int

const (
	DontCare PlacementHint = iota
	PreferReg
	PreferSpill
	MustSpill
)

// BlockConstraint names one block's entry and exit placement preference
// (spec §3, SpillPlacer.BlockConstraint). ChangesValue marks a block that
// itself converts register to spilled form (or vice versa), so its entry
// and exit bundles must not be linked as if the value passed through
// unchanged.
type BlockConstraint struct {
	Block        int
	Entry, Exit  PlacementHint
	ChangesValue bool
}

// BundleLink couples two bundle nodes with a frequency-derived weight,
// modelling a block that carries its value from entry to exit bundle
// without itself forcing a placement (spec §4.3, addLinks).
type BundleLink struct {
	A, B   int
	Weight float64
}

// nodeValue is the tri-state settled placement of one bundle node.
type nodeValue int8

const (
	valueReg     nodeValue = -1
	valueUnknown nodeValue = 0
	valueSpill   nodeValue = 1
)

// mustSpillBias is large enough that no realistic sum of neighbour link
// weights can overturn a MustSpill constraint during relaxation.
const mustSpillBias = 1e9

type nodeLink struct {
	bundle int
	weight float64
}

type spillNode struct {
	biasP, biasN float64
	threshold    float64

	// sumLinkWeights caches threshold plus the sum of every linked
	// neighbour's weight, so mustSpill-style saturation checks can test a
	// node's bias against its full possible swing in O(1) instead of
	// walking links (spec §4.3). AddLinks keeps it current as links accrue.
	sumLinkWeights float64

	value nodeValue
	links []nodeLink
}

// mustSpill reports whether n's positive bias alone, regardless of what its
// neighbours eventually settle on, is already enough to force it to the
// spill side (spec §4.3: a saturation check against sumLinkWeights).
func (n *spillNode) mustSpill() bool {
	return n.biasP-n.biasN > n.sumLinkWeights
}

func (n *spillNode) netBias() float64 { return n.biasP - n.biasN }

// addBias folds one placement hint, scaled by freq, into the node's bias
// accumulators. PreferReg/PreferSpill contribute freq; MustSpill saturates.
func (n *spillNode) addBias(freq float64, hint PlacementHint) {
	switch hint {
	case PreferReg:
		n.biasN += freq
	case PreferSpill:
		n.biasP += freq
	case MustSpill:
		n.biasP += freq * mustSpillBias
	case DontCare:
	}
}

// update recomputes the node's value from its net bias plus every linked
// neighbour's current value, applying a dead zone of [-threshold,
// +threshold] in which the node stays undecided. It reports whether the
// value changed.
func (n *spillNode) update(nodes []spillNode) bool {
	if n.mustSpill() {
		if n.value == valueSpill {
			return false
		}

		n.value = valueSpill

		return true
	}

	sum := n.netBias()

	for _, l := range n.links {
		sum += l.weight * float64(nodes[l.bundle].value)
	}

	var nv nodeValue

	switch {
	case sum > n.threshold:
		nv = valueSpill
	case sum < -n.threshold:
		nv = valueReg
	default:
		nv = valueUnknown
	}

	if nv == n.value {
		return false
	}

	n.value = nv

	return true
}

// setThreshold derives the convergence dead zone from a frequency (the
// function's entry frequency, see NewSpillPlacer): freq / 2^13, rounded half
// up. The result is not clamped, so it is 0 for frequencies below 2^12.
func setThreshold(freq BlockFrequency) float64 {
	base := freq >> 13
	extra := uint64(0)

	if freq&(1<<12) != 0 {
		extra = 1
	}

	return float64(base + BlockFrequency(extra))
}

// SpillPlacer runs the Hopfield-network relaxation that decides, per edge
// bundle, whether a live range should be spilled or kept in a register
// across that bundle (spec §4.3). It is a single-use, single-function
// object: construct one per spill-placement query via NewSpillPlacer,
// drive it with AddConstraints/AddLinks, then Iterate and Finish.
type SpillPlacer struct {
	bundles EdgeBundles
	nodes   []spillNode
	active  *bitset.BitSet
	todo    []int
}

// NewSpillPlacer creates a placer with one node per bundle. Every node
// shares the same convergence dead zone, derived once from the function's
// entry frequency (spec §4.3: "threshold = setThreshold(entryFreq)"), not
// from any per-bundle frequency — a hot loop biases its bundles through
// AddConstraints' freq-scaled bias, not through a bigger dead zone.
func NewSpillPlacer(bundles EdgeBundles, freqs BlockFrequencyInfo) *SpillPlacer {
	n := bundles.NumBundles()
	sp := &SpillPlacer{
		bundles: bundles,
		nodes:   make([]spillNode, n),
		active:  bitset.New(uint(n)),
	}

	threshold := setThreshold(freqs.EntryFreq())

	for i := 0; i < n; i++ {
		sp.nodes[i].threshold = threshold
		sp.nodes[i].sumLinkWeights = threshold
	}

	return sp
}

// activate marks bundle as participating in relaxation and schedules it for
// the first update pass.
func (sp *SpillPlacer) activate(bundle int) {
	if sp.active.Test(uint(bundle)) {
		return
	}

	sp.active.Set(uint(bundle))
	sp.todo = append(sp.todo, bundle)
}

// AddConstraints folds every block's entry/exit placement preference into
// its touching bundle nodes and activates them.
func (sp *SpillPlacer) AddConstraints(freqs BlockFrequencyInfo, cs []BlockConstraint) {
	for _, c := range cs {
		if c.Entry == DontCare && c.Exit == DontCare {
			continue
		}

		freq := float64(freqs.BlockFreq(c.Block))
		in := sp.bundles.Bundle(c.Block, false)
		out := sp.bundles.Bundle(c.Block, true)

		if c.Entry != DontCare {
			sp.activate(in)
			sp.nodes[in].addBias(freq, c.Entry)
		}

		if c.Exit != DontCare {
			sp.activate(out)
			sp.nodes[out].addBias(freq, c.Exit)
		}
	}
}

// AddPrefSpill biases every listed bundle toward spilling without forcing
// it (strong scales the bias by mustSpillBias, matching a MustSpill-grade
// hint without permanently excluding the bundle from relaxation).
func (sp *SpillPlacer) AddPrefSpill(bundlesIn []int, freq BlockFrequency, strong bool) {
	scale := 1.0
	if strong {
		scale = mustSpillBias
	}

	for _, b := range bundlesIn {
		sp.activate(b)
		sp.nodes[b].biasP += float64(freq) * scale
	}
}

// AddLinks couples bundle pairs that a non-value-changing block carries a
// value across unchanged, and activates both sides. Each side's
// sumLinkWeights grows by the link's weight, keeping it equal to threshold
// plus the sum of that node's link weights (spec §4.3).
func (sp *SpillPlacer) AddLinks(links []BundleLink) {
	for _, l := range links {
		sp.activate(l.A)
		sp.activate(l.B)
		sp.nodes[l.A].links = append(sp.nodes[l.A].links, nodeLink{bundle: l.B, weight: l.Weight})
		sp.nodes[l.B].links = append(sp.nodes[l.B].links, nodeLink{bundle: l.A, weight: l.Weight})
		sp.nodes[l.A].sumLinkWeights += l.Weight
		sp.nodes[l.B].sumLinkWeights += l.Weight
	}
}

// Iterate relaxes every active node until no node's value changes or the
// iteration budget (10 per active bundle) is exhausted, whichever comes
// first — the engine is not guaranteed to converge, so Finish must always
// follow.
func (sp *SpillPlacer) Iterate() {
	budget := 10 * len(sp.todo)
	if budget == 0 {
		budget = 10 * int(sp.active.Count())
	}

	queue := append([]int(nil), sp.todo...)
	sp.todo = sp.todo[:0]

	for len(queue) > 0 && budget > 0 {
		i := queue[0]
		queue = queue[1:]
		budget--

		if !sp.active.Test(uint(i)) {
			continue
		}

		if sp.nodes[i].update(sp.nodes) {
			for _, l := range sp.nodes[i].links {
				if sp.active.Test(uint(l.bundle)) {
					queue = append(queue, l.bundle)
				}
			}
		}
	}
}

// Finish resolves every active node still undecided (valueUnknown) after
// Iterate by looking at its net bias alone, defaulting a perfect tie to
// spill — the safe choice, since leaving a value in a register it was never
// confirmed to need would be the one that could corrupt codegen.
func (sp *SpillPlacer) Finish() {
	for i := range sp.nodes {
		if !sp.active.Test(uint(i)) || sp.nodes[i].value != valueUnknown {
			continue
		}

		if sp.nodes[i].netBias() < 0 {
			sp.nodes[i].value = valueReg
		} else {
			sp.nodes[i].value = valueSpill
		}
	}
}

// MustSpill reports whether bundle settled on the spill side.
func (sp *SpillPlacer) MustSpill(bundle int) bool {
	return sp.active.Test(uint(bundle)) && sp.nodes[bundle].value == valueSpill
}

// PreferReg reports whether bundle settled on the register side.
func (sp *SpillPlacer) PreferReg(bundle int) bool {
	return sp.active.Test(uint(bundle)) && sp.nodes[bundle].value == valueReg
}

// Energy returns the Hopfield network's current Lyapunov energy,
// E = -Σ Vn·(Bn + Σ Vm·Fnm), which Iterate never increases (spec §8,
// testable property).
func (sp *SpillPlacer) Energy() float64 {
	var e float64

	for i := range sp.nodes {
		if !sp.active.Test(uint(i)) {
			continue
		}

		n := &sp.nodes[i]
		sum := n.netBias()

		for _, l := range n.links {
			sum += l.weight * float64(sp.nodes[l.bundle].value)
		}

		e -= float64(n.value) * sum
	}

	return e
}
