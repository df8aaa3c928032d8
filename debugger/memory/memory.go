package memory

import (
	"errors"
	"fmt"
	"syscall"

	. "github.com/tracekit/observer/debugger/common"
)

const (
	wordSize = 8
)

// Tracer is the subset of *ptrace.Tracer used for memory access.
type Tracer interface {
	PeekWord(addr uintptr) (uint64, error)
	PokeWord(addr uintptr, word uint64) error
	ReadFromVirtualMemory(addr uintptr, data []byte) (int, error)
}

// VirtualMemory is the only component that mutates the traced process'
// memory.  Byte accesses are implemented as a read-modify-write of the
// (8-byte aligned) machine word containing the byte; the other bytes in the
// word are written back unmodified.
type VirtualMemory struct {
	pid    int
	tracer Tracer
}

func New(pid int, tracer Tracer) *VirtualMemory {
	return &VirtualMemory{
		pid:    pid,
		tracer: tracer,
	}
}

func wordAddress(addr VirtualAddress) (uintptr, uint) {
	aligned := addr &^ (wordSize - 1)
	return uintptr(aligned), uint(addr-aligned) * 8
}

func (vm *VirtualMemory) accessError(
	op string,
	addr VirtualAddress,
	err error,
) error {
	kind := ErrMemoryAccess
	if errors.Is(err, syscall.ESRCH) {
		kind = ErrProcessExited
	}

	return fmt.Errorf(
		"%w. failed to %s virtual memory at %s for process %d: %w",
		kind,
		op,
		addr,
		vm.pid,
		err)
}

func (vm *VirtualMemory) ReadByte(addr VirtualAddress) (byte, error) {
	wordAddr, shift := wordAddress(addr)

	word, err := vm.tracer.PeekWord(wordAddr)
	if err != nil {
		return 0, vm.accessError("read", addr, err)
	}

	return byte(word >> shift), nil
}

func (vm *VirtualMemory) WriteByte(addr VirtualAddress, value byte) error {
	wordAddr, shift := wordAddress(addr)

	word, err := vm.tracer.PeekWord(wordAddr)
	if err != nil {
		return vm.accessError("write", addr, err)
	}

	word = (word &^ (0xff << shift)) | (uint64(value) << shift)

	err = vm.tracer.PokeWord(wordAddr, word)
	if err != nil {
		return vm.accessError("write", addr, err)
	}

	return nil
}

// Read returns the raw memory content, i.e., installed break point opcodes
// are not masked out.  A short read is returned without error when the
// range runs into an unmapped region.
func (vm *VirtualMemory) Read(addr VirtualAddress, out []byte) (int, error) {
	count, err := vm.tracer.ReadFromVirtualMemory(uintptr(addr), out)
	if err != nil {
		return 0, vm.accessError("read", addr, err)
	}

	return count, nil
}
