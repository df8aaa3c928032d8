package memory

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	. "github.com/tracekit/observer/debugger/common"
)

const (
	maxX64InstructionLength = 15
)

type DisassembledInstruction struct {
	Address VirtualAddress
	x86asm.Inst
}

func (inst DisassembledInstruction) String() string {
	return fmt.Sprintf(
		"0x%016x: %s",
		uint64(inst.Address),
		x86asm.GNUSyntax(inst.Inst, uint64(inst.Address), nil))
}

type BreakPointBytes interface {
	// If an installed break point is in the range
	//    [startAddr, startAddr + len(memorySlice))
	// replace the trap opcode with the original data byte in the memorySlice.
	ReplaceBreakPointBytes(startAddr VirtualAddress, memorySlice []byte)
}

type Disassembler struct {
	memory      *VirtualMemory
	breakPoints BreakPointBytes
}

func NewDisassembler(
	memory *VirtualMemory,
	breakPoints BreakPointBytes,
) *Disassembler {
	return &Disassembler{
		memory:      memory,
		breakPoints: breakPoints,
	}
}

func (disassembler *Disassembler) Disassemble(
	startAddress VirtualAddress,
	numInstructions int,
) (
	[]DisassembledInstruction,
	error,
) {
	if numInstructions < 0 {
		return nil, fmt.Errorf(
			"%w. invalid number of instructions to disassemble: %d",
			ErrInvalidArgument,
			numInstructions)
	} else if numInstructions == 0 {
		return nil, nil
	}

	data := make([]byte, numInstructions*maxX64InstructionLength)
	count, err := disassembler.memory.Read(startAddress, data)
	if err != nil {
		return nil, err
	}
	data = data[:count]

	disassembler.breakPoints.ReplaceBreakPointBytes(startAddress, data)

	return decode(startAddress, data, numInstructions), nil
}

func decode(
	address VirtualAddress,
	data []byte,
	numInstructions int,
) []DisassembledInstruction {
	result := make([]DisassembledInstruction, 0, numInstructions)
	for len(data) > 0 && len(result) < numInstructions {
		// NOTE: x86asm is unable to decode all x64 instructions.  Stop at the
		// first undecodable instruction.
		inst, err := x86asm.Decode(data, 64)
		if err != nil {
			break
		}

		result = append(
			result,
			DisassembledInstruction{
				Address: address,
				Inst:    inst,
			})

		data = data[inst.Len:]
		address += VirtualAddress(inst.Len)
	}

	return result
}
