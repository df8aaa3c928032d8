package ptrace

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

type Options int

const (
	vmPageSize = 0x1000

	// argument to pass to personality syscall to query the current value.
	personalityQuery = 0xffffffff

	// ADDR_NO_RANDOMIZE personality flag (see <linux/personality.h>)
	AddrNoRandomize = 0x0040000

	O_EXITKILL = Options(unix.PTRACE_O_EXITKILL)
)

// This matches user_regs_struct (64bit variant) defined in <sys/user.h>
type UserRegs = syscall.PtraceRegs

type SigInfo = unix.Siginfo

func ptrace(request int, pid int, addr uintptr, data uintptr) error {
	_, _, err := syscall.Syscall6(
		syscall.SYS_PTRACE,
		uintptr(request),
		uintptr(pid),
		addr,
		data,
		0,
		0)
	if err == 0 {
		return nil
	}
	return err
}

func ptracePtr(request int, pid int, addr uintptr, data unsafe.Pointer) error {
	return ptrace(request, pid, addr, uintptr(data))
}

// The stdlib's PtraceSingleStep does not support signal injection.
func singleStep(pid int, signal int) error {
	return ptrace(syscall.PTRACE_SINGLESTEP, pid, 0, uintptr(signal))
}

func peekWord(pid int, addr uintptr) (uint64, error) {
	// Since we're issuing Syscall6 directly, we need to pass in a valid output
	// pointer.  See "C library/kernel differences" in ptrace man(2) page for
	// detail.
	word := uint64(0)
	err := ptracePtr(syscall.PTRACE_PEEKDATA, pid, addr, unsafe.Pointer(&word))
	return word, err
}

func pokeWord(pid int, addr uintptr, word uint64) error {
	return ptrace(syscall.PTRACE_POKEDATA, pid, addr, uintptr(word))
}

func getSigInfo(pid int, out *SigInfo) error {
	return ptracePtr(syscall.PTRACE_GETSIGINFO, pid, 0, unsafe.Pointer(out))
}

// disableAddressSpaceRandomization sets ADDR_NO_RANDOMIZE on the calling
// os thread.  The returned function restores the previous personality.
func disableAddressSpaceRandomization() (func(), error) {
	old, _, errno := syscall.Syscall(
		unix.SYS_PERSONALITY,
		personalityQuery,
		0,
		0)
	if errno != 0 {
		return nil, errno
	}

	_, _, errno = syscall.Syscall(
		unix.SYS_PERSONALITY,
		old|AddrNoRandomize,
		0,
		0)
	if errno != 0 {
		return nil, errno
	}

	return func() {
		_, _, _ = syscall.Syscall(unix.SYS_PERSONALITY, old, 0, 0)
	}, nil
}

func readVirtualMemory(pid int, addr uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	localIovs := make([]unix.Iovec, 1)
	localIovs[0].Base = &data[0]
	localIovs[0].SetLen(len(data))

	var remoteIovs []unix.RemoteIovec

	remaining := len(data)

	// NOTE: We need to ensure RemoteIovec entries are page aligned.
	if addr%vmPageSize != 0 {
		pageEndAddr := ((addr + vmPageSize - 1) / vmPageSize) * vmPageSize

		size := int(pageEndAddr - addr)
		if remaining < size {
			size = remaining
		}

		remoteIovs = append(
			remoteIovs,
			unix.RemoteIovec{
				Base: addr,
				Len:  size,
			})
		remaining -= size
		addr += uintptr(size)
	}

	for remaining > 0 {
		size := remaining
		if size > vmPageSize {
			size = vmPageSize
		}

		remoteIovs = append(
			remoteIovs,
			unix.RemoteIovec{
				Base: addr,
				Len:  size,
			})

		remaining -= size
		addr += uintptr(size)
	}

	return unix.ProcessVMReadv(pid, localIovs, remoteIovs, 0)
}
