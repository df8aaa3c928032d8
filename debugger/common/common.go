package common

import (
	"fmt"
	"strconv"
)

var (
	ErrInvalidArgument     = fmt.Errorf("invalid argument")
	ErrSpawn               = fmt.Errorf("failed to spawn traced process")
	ErrMemoryAccess        = fmt.Errorf("memory access error")
	ErrProcessExited       = fmt.Errorf("process exited")
	ErrDuplicateBreakPoint = fmt.Errorf("duplicate break point")
	ErrNoSuchBreakPoint    = fmt.Errorf("no such break point")
)

const (
	// int3.  Executing it advances the program counter by one byte before the
	// kernel stops the tracee with SIGTRAP.
	TrapOpcode = byte(0xcc)

	TrapOpcodeLength = 1
)

type TrapKind string

const (
	UnknownTrap    = TrapKind("")
	SoftwareTrap   = TrapKind("software break")
	HardwareTrap   = TrapKind("hardware break")
	SingleStepTrap = TrapKind("single step")
	UserTrap       = TrapKind("user signal")
)

func TrapCodeToKind(code int32) TrapKind {
	// NOTE: on x64, linux incorrect report software trap as SI_KERNEL (0x80)
	// when it should have reported of TRAP_BRKPT (1).
	switch code {
	case 0x80, 1: // SI_KERNEL, TRAP_BRKPT
		return SoftwareTrap
	case 4: // TRAP_HWBKPT
		return HardwareTrap
	case 2: // TRAP_TRACE
		return SingleStepTrap
	case 0, -6: // SI_USER, SI_TKILL
		return UserTrap
	default:
		return UnknownTrap
	}
}

type VirtualAddress uint64

func (addr VirtualAddress) String() string {
	return fmt.Sprintf("0x%016x", uint64(addr))
}

func ParseVirtualAddress(value string) (VirtualAddress, error) {
	addr, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return 0, fmt.Errorf(
			"%w. failed to parse virtual address (%s): %v",
			ErrInvalidArgument,
			value,
			err)
	}

	return VirtualAddress(addr), nil
}

type VirtualAddresses []VirtualAddress

func (s VirtualAddresses) Len() int {
	return len(s)
}

func (s VirtualAddresses) Less(i int, j int) bool {
	return uint64(s[i]) < uint64(s[j])
}

func (s VirtualAddresses) Swap(i int, j int) {
	s[i], s[j] = s[j], s[i]
}
