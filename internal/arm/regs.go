// Package arm names the 32-bit ARM registers the tracer reads and writes.
// It carries no emulator dependency so hook logic can be tested against
// plain fakes.
package arm

import (
	"fmt"
	"strings"
)

// Reg identifies an architectural register.
type Reg int

const (
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	SP
	LR
	PC
	CPSR
	numRegs
)

// ThumbBit is the CPSR T flag.
const ThumbBit = 1 << 5

var regNames = [numRegs]string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "r11", "r12", "sp", "lr", "pc", "cpsr",
}

var aliases = map[string]Reg{
	"r13": SP,
	"r14": LR,
	"r15": PC,
	"ip":  R12,
	"fp":  R11,
}

func (r Reg) String() string {
	if r < 0 || r >= numRegs {
		return fmt.Sprintf("reg(%d)", int(r))
	}
	return regNames[r]
}

// ParseReg resolves a register name, case-insensitively.
func ParseReg(name string) (Reg, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, rn := range regNames {
		if rn == n {
			return Reg(i), nil
		}
	}
	if r, ok := aliases[n]; ok {
		return r, nil
	}
	return 0, fmt.Errorf("unknown register %q", name)
}

// GPRs returns R0 through R12.
func GPRs() []Reg {
	out := make([]Reg, 0, 13)
	for r := R0; r <= R12; r++ {
		out = append(out, r)
	}
	return out
}

// All returns every named register in order.
func All() []Reg {
	out := make([]Reg, 0, numRegs)
	for r := R0; r < numRegs; r++ {
		out = append(out, r)
	}
	return out
}

// Registers reads register values from a CPU.
type Registers interface {
	RegRead(reg Reg) (uint32, error)
}

// RegisterFile reads and writes register values.
type RegisterFile interface {
	Registers
	RegWrite(reg Reg, val uint32) error
}

// Value reads reg, returning zero if the core refuses.
func Value(regs Registers, reg Reg) uint32 {
	v, err := regs.RegRead(reg)
	if err != nil {
		return 0
	}
	return v
}
