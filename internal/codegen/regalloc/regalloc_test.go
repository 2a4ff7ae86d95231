package regalloc

import (
	"strconv"
	"strings"
	"testing"

	"github.com/orizon-lang/orizon/internal/lir"
)

func TestRegisterAllocatorSimpleFunction(t *testing.T) {
	fn := simpleFunction()

	ra := NewRegisterAllocator(fn)
	if err := ra.AllocateRegisters(); err != nil {
		t.Fatalf("AllocateRegisters failed: %v", err)
	}

	for _, reg := range []string{"%1", "%2", "%3"} {
		if _, ok := ra.GetAllocation(reg); !ok {
			t.Fatalf("expected an allocation decision for %s", reg)
		}
	}

	if !strings.Contains(ra.PrintAllocationResults(), "Total spill slots:") {
		t.Fatalf("expected PrintAllocationResults to report spill slot count")
	}
}

func TestRegisterAllocatorSpillsUnderPressure(t *testing.T) {
	insns := []lir.Insn{}
	for i := 1; i <= 20; i++ {
		insns = append(insns, lir.Mov{Src: "0", Dst: regName(i)})
	}

	sum := regName(1)
	for i := 2; i <= 20; i++ {
		next := "%sum" + regName(i)
		insns = append(insns, lir.Add{Dst: next, LHS: sum, RHS: regName(i)})
		sum = next
	}

	insns = append(insns, lir.Ret{Src: sum})

	fn := &lir.Function{
		Name:   "pressure",
		Blocks: []*lir.BasicBlock{{Label: "entry", Insns: insns}},
	}

	ra := NewRegisterAllocator(fn)
	if err := ra.AllocateRegisters(); err != nil {
		t.Fatalf("AllocateRegisters failed: %v", err)
	}

	if ra.GetTotalSpillSlots() == 0 {
		t.Fatalf("expected register pressure to force at least one spill")
	}
}

func regName(i int) string {
	return "%v" + strconv.Itoa(i)
}
