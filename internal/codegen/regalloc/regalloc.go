// Package regalloc implements a full register allocation system for x64 code generation.
// Liveness itself comes from the SlotIndex/LiveInterval/EdgeBundles analyses
// in this package (slotindex.go, liveintervals.go, edgebundles.go,
// spillplacement.go); RegisterAllocator is their linear-scan consumer,
// replacing the naive stack-slot-only approach with proper physical
// register utilization.
package regalloc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/orizon-lang/orizon/internal/lir"
)

// RegisterClass represents different register classes for x64
type RegisterClass int

const (
	RegClassGPR RegisterClass = iota // General Purpose Registers
	RegClassXMM                      // XMM (floating point) Registers
)

// PhysicalRegister represents a physical x64 register
type PhysicalRegister struct {
	Name  string
	Class RegisterClass
	Index int
	// Callee-saved registers must be preserved across function calls
	CalleeSaved bool
}

// Available x64 registers for allocation
var (
	// General Purpose Registers (caller-saved, except RBX, RBP, R12-R15)
	GPRRegisters = []PhysicalRegister{
		{Name: "rax", Class: RegClassGPR, Index: 0, CalleeSaved: false}, // Return value
		{Name: "rcx", Class: RegClassGPR, Index: 1, CalleeSaved: false}, // Arg 1
		{Name: "rdx", Class: RegClassGPR, Index: 2, CalleeSaved: false}, // Arg 2
		{Name: "r8", Class: RegClassGPR, Index: 3, CalleeSaved: false},  // Arg 3
		{Name: "r9", Class: RegClassGPR, Index: 4, CalleeSaved: false},  // Arg 4
		{Name: "r10", Class: RegClassGPR, Index: 5, CalleeSaved: false}, // Scratch
		{Name: "r11", Class: RegClassGPR, Index: 6, CalleeSaved: false}, // Scratch
		{Name: "rbx", Class: RegClassGPR, Index: 7, CalleeSaved: true},  // Callee-saved
		{Name: "r12", Class: RegClassGPR, Index: 8, CalleeSaved: true},  // Callee-saved
		{Name: "r13", Class: RegClassGPR, Index: 9, CalleeSaved: true},  // Callee-saved
		{Name: "r14", Class: RegClassGPR, Index: 10, CalleeSaved: true}, // Callee-saved
		{Name: "r15", Class: RegClassGPR, Index: 11, CalleeSaved: true}, // Callee-saved
	}

	// XMM Registers (floating point, XMM6-XMM15 are callee-saved on Windows)
	XMMRegisters = []PhysicalRegister{
		{Name: "xmm0", Class: RegClassXMM, Index: 0, CalleeSaved: false}, // Arg 1
		{Name: "xmm1", Class: RegClassXMM, Index: 1, CalleeSaved: false}, // Arg 2
		{Name: "xmm2", Class: RegClassXMM, Index: 2, CalleeSaved: false}, // Arg 3
		{Name: "xmm3", Class: RegClassXMM, Index: 3, CalleeSaved: false}, // Arg 4
		{Name: "xmm4", Class: RegClassXMM, Index: 4, CalleeSaved: false}, // Scratch
		{Name: "xmm5", Class: RegClassXMM, Index: 5, CalleeSaved: false}, // Scratch
		{Name: "xmm6", Class: RegClassXMM, Index: 6, CalleeSaved: true},  // Callee-saved
		{Name: "xmm7", Class: RegClassXMM, Index: 7, CalleeSaved: true},  // Callee-saved
	}
)

// scanInterval is the coarsened, single-span view of a virtual register's
// LiveInterval that linear scan consumes: the overall [Start, End) of every
// segment, collapsing any internal holes. Precise hole-aware allocation is
// possible directly off LiveInterval.Segments but isn't needed for a linear
// scan pass, which only ever asks "is this register live across this
// point".
type scanInterval struct {
	Reg       RegRef
	Start     SlotIndex
	End       SlotIndex
	Class     RegisterClass
	SpillCost float64
	UseCount  int
}

// RegisterAllocator performs linear scan register allocation
type RegisterAllocator struct {
	function      *lir.Function
	analysis      *Analysis
	intervals     []scanInterval
	active        []scanInterval        // Currently active intervals
	gprAllocated  map[int]scanInterval   // GPR allocations (reg index -> interval)
	xmmAllocated  map[int]scanInterval   // XMM allocations (reg index -> interval)
	allocation    map[string]Allocation // Final register/spill allocation
	spillSlots    map[string]int        // Spilled values -> stack slot offset
	nextSpillSlot int                   // Next available spill slot offset
	callSites     []SlotIndex           // Instruction indices with function calls
}

// Allocation represents the final allocation decision for a virtual register
type Allocation struct {
	Type      AllocationType
	Register  PhysicalRegister // If allocated to register
	SpillSlot int              // If spilled to stack (offset from rbp)
}

// AllocationType indicates how a virtual register was allocated
type AllocationType int

const (
	AllocRegister AllocationType = iota
	AllocSpill
)

// NewRegisterAllocator creates a new register allocator for a function
func NewRegisterAllocator(function *lir.Function) *RegisterAllocator {
	return &RegisterAllocator{
		function:      function,
		gprAllocated:  make(map[int]scanInterval),
		xmmAllocated:  make(map[int]scanInterval),
		allocation:    make(map[string]Allocation),
		spillSlots:    make(map[string]int),
		nextSpillSlot: 8, // Start after frame pointer
	}
}

// AllocateRegisters performs complete register allocation for the function
func (ra *RegisterAllocator) AllocateRegisters() error {
	// Step 1: run the slot-index / live-interval / edge-bundle analyses and
	// coarsen them into linear-scan intervals.
	if err := ra.buildLiveIntervals(); err != nil {
		return fmt.Errorf("liveness analysis failed: %w", err)
	}

	// Step 2: identify call sites for caller-saved register handling
	ra.identifyCallSites()

	// Step 3: sort intervals by start point (linear scan requirement)
	sort.Slice(ra.intervals, func(i, j int) bool {
		return ra.intervals[i].Start.Less(ra.intervals[j].Start)
	})

	// Step 4: perform linear scan allocation
	if err := ra.linearScanAllocation(); err != nil {
		return fmt.Errorf("linear scan allocation failed: %w", err)
	}

	return nil
}

// buildLiveIntervals runs the shared analysis pipeline and coarsens each
// virtual register's LiveInterval into one [Start, End) scanInterval.
func (ra *RegisterAllocator) buildLiveIntervals() error {
	tables := NewRegisterTables()
	fn := AdaptFunction(ra.function, tables)
	freqs := computeLoopFrequencyInfo(fn)

	ra.analysis = Build(fn, tables, freqs)

	regClass := classifyRegisters(ra.function)

	for reg, interval := range ra.analysis.Intervals.intervals {
		if interval.Empty() {
			continue
		}

		start, end := interval.Segments[0].Start, interval.Segments[0].End
		for _, seg := range interval.Segments[1:] {
			if seg.Start.Less(start) {
				start = seg.Start
			}

			if end.Less(seg.End) {
				end = seg.End
			}
		}

		useCount := countUses(fn, reg)

		ra.intervals = append(ra.intervals, scanInterval{
			Reg:       reg,
			Start:     start,
			End:       end,
			Class:     regClass[reg],
			SpillCost: ra.calculateSpillCost(fn, freqs, reg, useCount),
			UseCount:  useCount,
		})
	}

	return nil
}

// classifyRegisters infers each virtual register's required register class
// directly from the LIR: only a Call's floating-point return class hint
// ever puts a register in RegClassXMM in this target's instruction set.
func classifyRegisters(fn *lir.Function) map[RegRef]RegisterClass {
	classes := make(map[RegRef]RegisterClass)

	for _, block := range fn.Blocks {
		for _, instr := range block.Insns {
			call, ok := instr.(lir.Call)
			if !ok || call.Dst == "" {
				continue
			}

			if call.RetClass == "f32" || call.RetClass == "f64" {
				classes[RegRef(call.Dst)] = RegClassXMM
			} else if _, seen := classes[RegRef(call.Dst)]; !seen {
				classes[RegRef(call.Dst)] = RegClassGPR
			}
		}
	}

	return classes
}

func countUses(fn Function, reg RegRef) int {
	n := 0

	for _, b := range fn.Blocks() {
		for _, instr := range b.Instructions() {
			for _, op := range instr.Operands() {
				if op.Reg == reg && op.IsUse {
					n++
				}
			}
		}
	}

	return n
}

// calculateSpillCost computes the cost of spilling a register based on usage patterns
func (ra *RegisterAllocator) calculateSpillCost(fn Function, freqs *loopFrequencyInfo, reg RegRef, useCount int) float64 {
	baseCost := float64(useCount)

	loopFactor := 1.0

	for _, b := range fn.Blocks() {
		inLoop := freqs.IsInLoop(b.Number())
		if !inLoop {
			continue
		}

		for _, instr := range b.Instructions() {
			for _, op := range instr.Operands() {
				if op.Reg == reg && (op.IsUse || op.IsDef) {
					loopFactor += 0.5

					break
				}
			}
		}
	}

	return baseCost * loopFactor
}

// identifyCallSites finds all function call instructions for caller-saved register handling
func (ra *RegisterAllocator) identifyCallSites() {
	for _, b := range ra.analysis.Function.Blocks() {
		for _, instr := range b.Instructions() {
			if instr.IsCall() {
				ra.callSites = append(ra.callSites, ra.analysis.Indexes.InstructionIndex(instr))
			}
		}
	}
}

// linearScanAllocation performs the main linear scan register allocation algorithm
func (ra *RegisterAllocator) linearScanAllocation() error {
	for _, interval := range ra.intervals {
		// Remove expired intervals from active list
		ra.expireOldIntervals(interval.Start)

		// Try to allocate a register for this interval
		if ra.tryAllocateRegister(interval) {
			// Successfully allocated to register
			ra.active = append(ra.active, interval)
			// Keep active list sorted by end point
			sort.Slice(ra.active, func(i, j int) bool {
				return ra.active[i].End.Less(ra.active[j].End)
			})
		} else {
			// No register available - must spill
			if err := ra.spillInterval(interval); err != nil {
				return fmt.Errorf("failed to spill interval %s: %w", interval.Reg, err)
			}
		}
	}

	return nil
}

// expireOldIntervals removes intervals that have ended from the active list
func (ra *RegisterAllocator) expireOldIntervals(currentStart SlotIndex) {
	newActive := make([]scanInterval, 0, len(ra.active))

	for _, active := range ra.active {
		if currentStart.LessEqual(active.End) {
			// Still active
			newActive = append(newActive, active)
		} else {
			// Expired - free its register
			if alloc, exists := ra.allocation[string(active.Reg)]; exists {
				if alloc.Type == AllocRegister {
					switch alloc.Register.Class {
					case RegClassGPR:
						delete(ra.gprAllocated, alloc.Register.Index)
					case RegClassXMM:
						delete(ra.xmmAllocated, alloc.Register.Index)
					}
				}
			}
		}
	}

	ra.active = newActive
}

// tryAllocateRegister attempts to allocate a physical register for the given interval
func (ra *RegisterAllocator) tryAllocateRegister(interval scanInterval) bool {
	var availableRegs []PhysicalRegister

	var allocatedMap map[int]scanInterval

	// Select register set based on required class
	switch interval.Class {
	case RegClassGPR:
		availableRegs = GPRRegisters
		allocatedMap = ra.gprAllocated
	case RegClassXMM:
		availableRegs = XMMRegisters
		allocatedMap = ra.xmmAllocated
	default:
		return false
	}

	// Find an available register
	for _, reg := range availableRegs {
		if _, allocated := allocatedMap[reg.Index]; !allocated {
			// Check if this register conflicts with call sites for caller-saved registers
			if !reg.CalleeSaved && ra.spansCallSite(interval) {
				// Caller-saved register spanning call site - prefer callee-saved if available
				continue
			}

			// Allocate this register
			allocatedMap[reg.Index] = interval
			ra.allocation[string(interval.Reg)] = Allocation{
				Type:     AllocRegister,
				Register: reg,
			}

			return true
		}
	}

	// No register available
	return false
}

// spansCallSite checks if an interval spans any function call sites
func (ra *RegisterAllocator) spansCallSite(interval scanInterval) bool {
	for _, callSite := range ra.callSites {
		if interval.Start.LessEqual(callSite) && callSite.LessEqual(interval.End) {
			return true
		}
	}

	return false
}

// spillInterval handles spilling when no registers are available
func (ra *RegisterAllocator) spillInterval(interval scanInterval) error {
	// Find the best interval to spill (highest end point, lowest spill cost)
	var spillCandidate *scanInterval

	bestScore := -1.0

	// Consider currently active intervals for spilling
	for i := range ra.active {
		active := &ra.active[i]
		if active.Class != interval.Class {
			continue
		}

		// Score based on end point (later is better) and spill cost (lower is better)
		score := float64(active.End.Distance(SlotIndex{})) / (active.SpillCost + 1.0)
		if score > bestScore && interval.End.Less(active.End) {
			bestScore = score
			spillCandidate = active
		}
	}

	if spillCandidate != nil {
		// Read the candidate's register before doSpill replaces its allocation
		alloc, exists := ra.allocation[string(spillCandidate.Reg)]

		// Spill the candidate and allocate its register to current interval
		if err := ra.doSpill(*spillCandidate); err != nil {
			return fmt.Errorf("failed to spill candidate %s: %w", spillCandidate.Reg, err)
		}

		// Allocate the freed register to current interval
		if exists && alloc.Type == AllocRegister {
			ra.allocation[string(interval.Reg)] = Allocation{
				Type:     AllocRegister,
				Register: alloc.Register,
			}

			// Update allocated map
			switch interval.Class {
			case RegClassGPR:
				ra.gprAllocated[alloc.Register.Index] = interval
			case RegClassXMM:
				ra.xmmAllocated[alloc.Register.Index] = interval
			}

			// Remove spilled interval from active list
			for i, active := range ra.active {
				if active.Reg == spillCandidate.Reg {
					ra.active = append(ra.active[:i], ra.active[i+1:]...)

					break
				}
			}

			// Add current interval to active list
			ra.active = append(ra.active, interval)
		}
	} else {
		// Spill current interval
		if err := ra.doSpill(interval); err != nil {
			return fmt.Errorf("failed to spill current interval %s: %w", interval.Reg, err)
		}
	}

	return nil
}

// doSpill performs the actual spilling of an interval to a stack slot
func (ra *RegisterAllocator) doSpill(interval scanInterval) error {
	// Allocate a new spill slot
	spillSlot := ra.nextSpillSlot
	ra.nextSpillSlot += 8 // Each slot is 8 bytes

	// Record spill allocation
	ra.spillSlots[string(interval.Reg)] = spillSlot
	ra.allocation[string(interval.Reg)] = Allocation{
		Type:      AllocSpill,
		SpillSlot: spillSlot,
	}

	return nil
}

// GetAllocation returns the final register allocation for a virtual register
func (ra *RegisterAllocator) GetAllocation(virtualReg string) (Allocation, bool) {
	alloc, exists := ra.allocation[virtualReg]

	return alloc, exists
}

// GetSpillSlots returns the complete mapping of spilled registers to stack slots
func (ra *RegisterAllocator) GetSpillSlots() map[string]int {
	return ra.spillSlots
}

// GetTotalSpillSlots returns the total number of spill slots needed
func (ra *RegisterAllocator) GetTotalSpillSlots() int {
	return (ra.nextSpillSlot - 8) / 8 // Number of 8-byte slots allocated
}

// Analysis exposes the slot-index/live-interval/edge-bundle analysis this
// allocator was driven by, for callers that need finer-grained liveness
// queries than the allocation decision alone (e.g. a spill-placement query
// scoped to one candidate register).
func (ra *RegisterAllocator) Analysis() *Analysis { return ra.analysis }

// PrintAllocationResults outputs the allocation results for debugging
func (ra *RegisterAllocator) PrintAllocationResults() string {
	var result strings.Builder

	result.WriteString("Register Allocation Results:\n")

	// Sort allocations for consistent output
	var regs []string
	for reg := range ra.allocation {
		regs = append(regs, reg)
	}

	sort.Strings(regs)

	for _, reg := range regs {
		alloc := ra.allocation[reg]
		switch alloc.Type {
		case AllocRegister:
			result.WriteString(fmt.Sprintf("  %s -> %s\n", reg, alloc.Register.Name))
		case AllocSpill:
			result.WriteString(fmt.Sprintf("  %s -> spill slot [rbp-%d]\n", reg, alloc.SpillSlot))
		}
	}

	result.WriteString(fmt.Sprintf("Total spill slots: %d\n", ra.GetTotalSpillSlots()))

	return result.String()
}
