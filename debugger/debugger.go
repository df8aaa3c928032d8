package debugger

import (
	"fmt"
	"os/exec"

	. "github.com/tracekit/observer/debugger/common"
	"github.com/tracekit/observer/debugger/memory"
	"github.com/tracekit/observer/ptrace"
)

// Returned by RunUntilBreakPoint once the target has exited.  No break point
// can be registered at this address since it is never mapped.
const ExitedSentinel = VirtualAddress(0)

// Debugger drives a single traced process.  Memory accessors hide installed
// trap opcodes from the caller, i.e., the caller always observes the
// target's real instruction bytes.
type Debugger struct {
	Pid int

	Process *Process

	*Controller
	*memory.Disassembler
}

func newDebugger(process *Process) *Debugger {
	controller := NewController(process)
	return &Debugger{
		Pid:          process.Pid,
		Process:      process,
		Controller:   controller,
		Disassembler: memory.NewDisassembler(process.Memory(), controller.registry),
	}
}

func StartAndAttachTo(cmd *exec.Cmd) (*Debugger, error) {
	process, err := StartProcess(cmd)
	if err != nil {
		return nil, err
	}

	return newDebugger(process), nil
}

func StartCmdAndAttachTo(name string, args ...string) (*Debugger, error) {
	process, err := StartProcessCmd(name, args...)
	if err != nil {
		return nil, err
	}

	return newDebugger(process), nil
}

func (db *Debugger) Close() error {
	return db.Process.Close()
}

func (db *Debugger) Exited() bool {
	return db.Process.State().IsTerminal()
}

// RunUntilBreakPoint runs the target until one of the registered break
// points is hit and returns the break point's address.  Unknown traps are
// skipped.  ExitedSentinel is returned once the target is gone.
func (db *Debugger) RunUntilBreakPoint() (VirtualAddress, error) {
	for {
		if db.Controller.State() == TargetExited {
			return ExitedSentinel, nil
		}

		event, err := db.RunUntilEvent()
		if err != nil {
			return 0, err
		}

		switch event.Kind {
		case HitEvent:
			return event.Address, nil
		case UnknownTrapEvent:
			db.log.Infof("skipped %s", event)
		default:
			return ExitedSentinel, nil
		}
	}
}

func (db *Debugger) ReadByte(addr VirtualAddress) (byte, error) {
	err := db.Process.checkAlive()
	if err != nil {
		return 0, err
	}

	bp, ok := db.registry.Lookup(addr)
	if ok && bp.IsInstalled() {
		original, _ := bp.OriginalData()
		return original, nil
	}

	return db.Process.ReadByte(addr)
}

// WriteByte patches a byte of the target.  When an installed break point
// occupies addr, only the break point's saved byte is updated; the patch
// takes effect when the break point is uninstalled.
func (db *Debugger) WriteByte(addr VirtualAddress, value byte) error {
	err := db.Process.checkAlive()
	if err != nil {
		return err
	}

	if db.registry.UpdateOriginalData(addr, value) {
		return nil
	}

	return db.Process.WriteByte(addr, value)
}

func (db *Debugger) ReadMemory(addr VirtualAddress, size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf(
			"%w. invalid read size: %d",
			ErrInvalidArgument,
			size)
	}

	out := make([]byte, size)
	n, err := db.Process.ReadMemory(addr, out)
	if err != nil {
		return nil, err
	}

	out = out[:n]
	db.registry.ReplaceBreakPointBytes(addr, out)
	return out, nil
}

func (db *Debugger) Disassemble(
	addr VirtualAddress,
	numInstructions int,
) (
	[]memory.DisassembledInstruction,
	error,
) {
	err := db.Process.checkAlive()
	if err != nil {
		return nil, err
	}

	return db.Disassembler.Disassemble(addr, numInstructions)
}

func (db *Debugger) InstructionPointer() (VirtualAddress, error) {
	return db.Process.InstructionPointer()
}

func (db *Debugger) SetInstructionPointer(addr VirtualAddress) error {
	return db.Process.SetInstructionPointer(addr)
}

func (db *Debugger) Registers() (*ptrace.UserRegs, error) {
	return db.Process.Registers()
}

func (db *Debugger) SetRegisters(regs *ptrace.UserRegs) error {
	return db.Process.SetRegisters(regs)
}
