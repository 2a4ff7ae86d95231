package regalloc

import "github.com/orizon-lang/orizon/internal/lir"

// lirInsn adapts one lir.Insn occurrence to the Instruction interface. It is
// always handed out as a pointer: lir.Insn concrete types (lir.Call in
// particular) carry slice fields, which are not comparable, so the adapter
// must never be compared by value — callers that need per-occurrence
// identity (SlotIndexes' instruction map, in particular) rely on pointer
// identity here, not on lir.Insn's own equality.
type lirInsn struct {
	insn       lir.Insn
	regClasses *RegisterTables

	// kills records, by index into the slice buildOperands returns, which
	// use operands AddKillFlags has marked as the last use of their
	// register in their live segment. lir.Insn itself has no kill bit, so
	// the adapter carries it instead (spec §4.2, addKillFlags).
	kills map[int]bool
}

// IsCall reports whether the wrapped instruction is a call.
func (a *lirInsn) IsCall() bool {
	_, ok := a.insn.(lir.Call)

	return ok
}

// SetKill marks (or clears) the kill bit on the operand at opIndex, an
// index into the slice Operands() returns.
func (a *lirInsn) SetKill(opIndex int, kill bool) {
	if !kill {
		delete(a.kills, opIndex)

		return
	}

	if a.kills == nil {
		a.kills = make(map[int]bool)
	}

	a.kills[opIndex] = true
}

// Operands implements Instruction by switching on the concrete lir.Insn
// type, generalizing the def/use extraction regalloc.go's linear-scan
// allocator used to do inline, then applying any kill bits SetKill has
// recorded.
func (a *lirInsn) Operands() []Operand {
	ops := a.buildOperands()

	for i := range ops {
		if a.kills[i] {
			ops[i].IsKill = true
		}
	}

	return ops
}

func (a *lirInsn) buildOperands() []Operand {
	switch inst := a.insn.(type) {
	case lir.Add:
		return defUse(inst.Dst, inst.LHS, inst.RHS)
	case lir.Sub:
		return defUse(inst.Dst, inst.LHS, inst.RHS)
	case lir.Mul:
		return defUse(inst.Dst, inst.LHS, inst.RHS)
	case lir.Div:
		return defUse(inst.Dst, inst.LHS, inst.RHS)
	case lir.Cmp:
		return defUse(inst.Dst, inst.LHS, inst.RHS)
	case lir.Load:
		return defUse(inst.Dst, inst.Addr)
	case lir.Store:
		return useOnly(inst.Addr, inst.Val)
	case lir.BrCond:
		return useOnly(inst.Cond)
	case lir.Alloc:
		return defUse(inst.Dst)
	case lir.Mov:
		return defUse(inst.Dst, inst.Src)
	case lir.Call:
		ops := make([]Operand, 0, len(inst.Args)+2)
		if inst.Dst != "" {
			ops = append(ops, Operand{Reg: RegRef(inst.Dst), IsDef: true})
		}

		for _, arg := range inst.Args {
			if RegRef(arg).IsVirtual() {
				ops = append(ops, Operand{Reg: RegRef(arg), IsUse: true})
			}
		}

		ops = append(ops, Operand{IsRegMask: true, Mask: a.regClasses.CallClobberMask()})

		return ops
	case lir.Ret:
		return useOnly(inst.Src)
	default:
		return nil
	}
}

// defUse builds an Operand list for an instruction with one def and zero or
// more uses, skipping any operand that is not a virtual register (e.g. an
// empty string, an immediate, or a physical register name already resolved
// by an earlier pass).
func defUse(def string, uses ...string) []Operand {
	var ops []Operand

	if RegRef(def).IsVirtual() {
		ops = append(ops, Operand{Reg: RegRef(def), IsDef: true})
	}

	ops = append(ops, useOnly(uses...)...)

	return ops
}

func useOnly(uses ...string) []Operand {
	var ops []Operand

	for _, u := range uses {
		if RegRef(u).IsVirtual() {
			ops = append(ops, Operand{Reg: RegRef(u), IsUse: true})
		}
	}

	return ops
}

// lirBlock adapts a *lir.BasicBlock to the Block interface.
type lirBlock struct {
	bb    *lir.BasicBlock
	insns []Instruction
}

func (b *lirBlock) Number() int              { return b.bb.Number }
func (b *lirBlock) Instructions() []Instruction { return b.insns }
func (b *lirBlock) Successors() []int        { return b.bb.Succs }
func (b *lirBlock) Predecessors() []int      { return b.bb.Preds }

// lirFunction adapts a *lir.Function to the Function interface.
type lirFunction struct {
	fn     *lir.Function
	blocks []Block
}

func (f *lirFunction) Blocks() []Block { return f.blocks }
func (f *lirFunction) NumBlocks() int  { return len(f.blocks) }

// AdaptFunction wraps fn for consumption by SlotIndexes, BuildLiveIntervals
// and NewEdgeBundles, rebuilding fn's CFG edges first. tables resolves the
// physical-register operands (e.g. a call's clobber mask) fn's instructions
// reference.
func AdaptFunction(fn *lir.Function, tables *RegisterTables) Function {
	fn.BuildCFG()

	blocks := make([]Block, len(fn.Blocks))

	for i, bb := range fn.Blocks {
		insns := make([]Instruction, len(bb.Insns))
		for j, insn := range bb.Insns {
			insns[j] = &lirInsn{insn: insn, regClasses: tables}
		}

		blocks[i] = &lirBlock{bb: bb, insns: insns}
	}

	return &lirFunction{fn: fn, blocks: blocks}
}
