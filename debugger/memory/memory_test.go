package memory

import (
	"encoding/binary"
	"errors"
	"syscall"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
	"golang.org/x/arch/x86/x86asm"

	. "github.com/tracekit/observer/debugger/common"
)

// fakeTracer backs a contiguous range of memory starting at base.
type fakeTracer struct {
	base   uintptr
	memory []byte

	err error

	peeks int
	pokes int
}

func (tracer *fakeTracer) inRange(addr uintptr, size int) bool {
	return tracer.base <= addr &&
		addr+uintptr(size) <= tracer.base+uintptr(len(tracer.memory))
}

func (tracer *fakeTracer) PeekWord(addr uintptr) (uint64, error) {
	tracer.peeks++
	if tracer.err != nil {
		return 0, tracer.err
	}
	if addr%wordSize != 0 {
		panic("unaligned peek")
	}
	if !tracer.inRange(addr, wordSize) {
		return 0, syscall.EIO
	}

	offset := addr - tracer.base
	return binary.LittleEndian.Uint64(tracer.memory[offset:]), nil
}

func (tracer *fakeTracer) PokeWord(addr uintptr, word uint64) error {
	tracer.pokes++
	if tracer.err != nil {
		return tracer.err
	}
	if addr%wordSize != 0 {
		panic("unaligned poke")
	}
	if !tracer.inRange(addr, wordSize) {
		return syscall.EIO
	}

	offset := addr - tracer.base
	binary.LittleEndian.PutUint64(tracer.memory[offset:], word)
	return nil
}

func (tracer *fakeTracer) ReadFromVirtualMemory(
	addr uintptr,
	data []byte,
) (
	int,
	error,
) {
	if tracer.err != nil {
		return 0, tracer.err
	}
	if !tracer.inRange(addr, 1) {
		return 0, syscall.EFAULT
	}

	offset := addr - tracer.base
	return copy(data, tracer.memory[offset:]), nil
}

func newFakeTracer() *fakeTracer {
	memory := make([]byte, 32)
	for idx := range memory {
		memory[idx] = byte(0x10 + idx)
	}

	return &fakeTracer{
		base:   0x1000,
		memory: memory,
	}
}

type MemorySuite struct{}

func TestMemory(t *testing.T) {
	suite.RunTests(t, &MemorySuite{})
}

func (MemorySuite) TestReadByte(t *testing.T) {
	tracer := newFakeTracer()
	mem := New(42, tracer)

	for idx := 0; idx < len(tracer.memory); idx++ {
		b, err := mem.ReadByte(VirtualAddress(0x1000 + idx))
		expect.Nil(t, err)
		expect.Equal(t, byte(0x10+idx), b)
	}
}

func (MemorySuite) TestWriteByteOnlyModifiesOneByte(t *testing.T) {
	for offset := 0; offset < 16; offset++ {
		tracer := newFakeTracer()
		mem := New(42, tracer)

		original := make([]byte, len(tracer.memory))
		copy(original, tracer.memory)

		err := mem.WriteByte(VirtualAddress(0x1000+offset), TrapOpcode)
		expect.Nil(t, err)
		expect.Equal(t, 1, tracer.pokes)

		for idx, b := range tracer.memory {
			if idx == offset {
				expect.Equal(t, TrapOpcode, b)
			} else {
				expect.Equal(t, original[idx], b)
			}
		}

		b, err := mem.ReadByte(VirtualAddress(0x1000 + offset))
		expect.Nil(t, err)
		expect.Equal(t, TrapOpcode, b)
	}
}

func (MemorySuite) TestUnmappedAccess(t *testing.T) {
	mem := New(42, newFakeTracer())

	_, err := mem.ReadByte(0x9000)
	expect.True(t, errors.Is(err, ErrMemoryAccess))
	expect.Error(t, err, "failed to read virtual memory at 0x0000000000009000")

	err = mem.WriteByte(0x9000, TrapOpcode)
	expect.True(t, errors.Is(err, ErrMemoryAccess))
}

func (MemorySuite) TestDeadProcessAccess(t *testing.T) {
	tracer := newFakeTracer()
	tracer.err = syscall.ESRCH
	mem := New(42, tracer)

	_, err := mem.ReadByte(0x1000)
	expect.True(t, errors.Is(err, ErrProcessExited))
	expect.False(t, errors.Is(err, ErrMemoryAccess))

	err = mem.WriteByte(0x1000, 0x90)
	expect.True(t, errors.Is(err, ErrProcessExited))
	expect.Equal(t, 0, tracer.pokes)
}

func (MemorySuite) TestRead(t *testing.T) {
	mem := New(42, newFakeTracer())

	out := make([]byte, 64)
	n, err := mem.Read(0x1010, out)
	expect.Nil(t, err)
	expect.Equal(t, 16, n)
	expect.Equal(t, byte(0x20), out[0])

	_, err = mem.Read(0x9000, out)
	expect.True(t, errors.Is(err, ErrMemoryAccess))
}

type fakeBreakPoints map[VirtualAddress]byte

func (bps fakeBreakPoints) ReplaceBreakPointBytes(
	startAddr VirtualAddress,
	memorySlice []byte,
) {
	for addr, original := range bps {
		if startAddr <= addr && addr < startAddr+VirtualAddress(len(memorySlice)) {
			memorySlice[addr-startAddr] = original
		}
	}
}

func (MemorySuite) TestDisassembleMasksBreakPoints(t *testing.T) {
	tracer := &fakeTracer{
		base: 0x2000,
		memory: []byte{
			TrapOpcode,       // push %rbp, with an installed break point
			0x48, 0x89, 0xe5, // mov %rsp,%rbp
			0xc3, // ret
		},
	}

	disassembler := NewDisassembler(
		New(42, tracer),
		fakeBreakPoints{0x2000: 0x55})

	insts, err := disassembler.Disassemble(0x2000, 5)
	expect.Nil(t, err)
	expect.Equal(t, 3, len(insts))

	expect.Equal(t, VirtualAddress(0x2000), insts[0].Address)
	expect.Equal(t, x86asm.PUSH, insts[0].Op)

	expect.Equal(t, VirtualAddress(0x2001), insts[1].Address)
	expect.Equal(t, x86asm.MOV, insts[1].Op)

	expect.Equal(t, VirtualAddress(0x2004), insts[2].Address)
	expect.Equal(t, x86asm.RET, insts[2].Op)

	// raw memory is untouched
	expect.Equal(t, TrapOpcode, tracer.memory[0])
}

func (MemorySuite) TestDisassembleInvalidCount(t *testing.T) {
	disassembler := NewDisassembler(New(42, newFakeTracer()), fakeBreakPoints{})

	_, err := disassembler.Disassemble(0x1000, -1)
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	insts, err := disassembler.Disassemble(0x1000, 0)
	expect.Nil(t, err)
	expect.Equal(t, 0, len(insts))
}
