package mmio

import (
	"fmt"
	"io"

	"github.com/zboralski/bootrace/internal/arm"
)

// NoAddr is the ADDR shown when a dump is not tied to an access.
const NoAddr = 0xABADC0DE

// DumpState prints the argument registers, LR, PC, SP and CPSR.
// Registers the core cannot read print as zero.
func DumpState(w io.Writer, regs arm.Registers, tag string, addr uint32) {
	r := func(reg arm.Reg) uint32 { return arm.Value(regs, reg) }
	fmt.Fprintf(w, "[%s] ADDR=%08x | R0 = 0x%08x | R1 = 0x%08x | R2 = 0x%08x | R3 = 0x%08x | LR = 0x%08x\n",
		tag, addr, r(arm.R0), r(arm.R1), r(arm.R2), r(arm.R3), r(arm.LR))
	fmt.Fprintf(w, "       PC=0x%08x | SP=0x%08x | CPSR=0x%08x\n",
		r(arm.PC), r(arm.SP), r(arm.CPSR))
}
