package emulator

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm/armasm"
)

// Disasm decodes the instruction at addr. armasm only decodes ARM mode, so
// Thumb code and undecodable words come back as .word/.hword directives.
func (e *Emulator) Disasm(addr uint32, thumb bool) string {
	if thumb {
		b, err := e.MemRead(addr, 2)
		if err != nil {
			return "???"
		}
		return fmt.Sprintf(".hword 0x%04x", binary.BigEndian.Uint16(b))
	}
	b, err := e.MemRead(addr, 4)
	if err != nil {
		return "???"
	}
	return DecodeARM(binary.BigEndian.Uint32(b))
}

// DecodeARM disassembles one ARM-mode instruction word.
func DecodeARM(word uint32) string {
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], word)
	inst, err := armasm.Decode(le[:], armasm.ModeARM)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", word)
	}
	return inst.String()
}
