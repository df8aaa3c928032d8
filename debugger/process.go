package debugger

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/sirupsen/logrus"

	. "github.com/tracekit/observer/debugger/common"
	"github.com/tracekit/observer/debugger/memory"
	"github.com/tracekit/observer/logflags"
	"github.com/tracekit/observer/ptrace"
)

// Process is a single threaded process traced from launch.  Process is not
// thread safe.
type Process struct {
	Pid int

	tracer *ptrace.Tracer
	signal *Signaler
	memory *memory.VirtualMemory

	log *logrus.Entry

	state ProcessState

	// Only populated once the process reaches a terminal state.
	exitReason StopReason
}

// StartProcess starts cmd with address space randomization disabled and
// returns once the process is parked at its post-exec trap.
func StartProcess(cmd *exec.Cmd) (*Process, error) {
	tracer, err := ptrace.StartAndAttachToProcess(cmd, true)
	if err != nil {
		return nil, fmt.Errorf("%w (%s): %w", ErrSpawn, cmd.Path, err)
	}

	log := logflags.DebuggerLogger().WithField("pid", tracer.Pid)

	process := &Process{
		Pid:    tracer.Pid,
		tracer: tracer,
		signal: NewSignaler(tracer.Pid, log),
		memory: memory.New(tracer.Pid, tracer),
		log:    log,
		state:  NotStarted,
	}

	waitStatus, err := process.signal.FromProcess()
	if err != nil {
		process.abandon()
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	if !waitStatus.Stopped() || waitStatus.StopSignal() != syscall.SIGTRAP {
		if waitStatus.Stopped() {
			_ = process.signal.KillToProcess()
			_, _ = process.signal.FromProcess()
		}
		process.abandon()
		return nil, fmt.Errorf(
			"%w. unexpected initial wait status for process %d (0x%x)",
			ErrSpawn,
			process.Pid,
			uint32(waitStatus))
	}

	process.state = StoppedAtTrap

	err = tracer.SetOptions(ptrace.O_EXITKILL)
	if err != nil {
		_ = process.Close()
		return nil, fmt.Errorf(
			"%w. failed to set ptrace options for process %d: %w",
			ErrSpawn,
			process.Pid,
			err)
	}

	process.signal.ForwardInterruptToProcess()

	if logflags.Debugger() {
		process.log.Debugf("started %s", cmd.Path)
	}

	return process, nil
}

func StartProcessCmd(name string, args ...string) (*Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return StartProcess(cmd)
}

func (process *Process) abandon() {
	process.tracer.Shutdown()
	_ = process.signal.Close()
}

func (process *Process) State() ProcessState {
	return process.state
}

// ExitReason returns the final stop reason.  The second return value is
// false while the process is still alive.
func (process *Process) ExitReason() (StopReason, bool) {
	return process.exitReason, process.state.IsTerminal()
}

func (process *Process) checkAlive() error {
	if process.state.IsTerminal() {
		return &ExitError{StopReason: process.exitReason}
	}
	return nil
}

func (process *Process) Memory() *memory.VirtualMemory {
	return process.memory
}

func (process *Process) ReadByte(addr VirtualAddress) (byte, error) {
	err := process.checkAlive()
	if err != nil {
		return 0, err
	}

	return process.memory.ReadByte(addr)
}

func (process *Process) WriteByte(addr VirtualAddress, value byte) error {
	err := process.checkAlive()
	if err != nil {
		return err
	}

	return process.memory.WriteByte(addr, value)
}

func (process *Process) ReadMemory(addr VirtualAddress, out []byte) (int, error) {
	err := process.checkAlive()
	if err != nil {
		return 0, err
	}

	return process.memory.Read(addr, out)
}

func (process *Process) Registers() (*ptrace.UserRegs, error) {
	err := process.checkAlive()
	if err != nil {
		return nil, err
	}

	regs, err := process.tracer.GetGeneralRegisters()
	if err != nil {
		return nil, fmt.Errorf(
			"failed to get registers for process %d: %w",
			process.Pid,
			err)
	}

	return regs, nil
}

func (process *Process) SetRegisters(regs *ptrace.UserRegs) error {
	err := process.checkAlive()
	if err != nil {
		return err
	}

	err = process.tracer.SetGeneralRegisters(regs)
	if err != nil {
		return fmt.Errorf(
			"failed to set registers for process %d: %w",
			process.Pid,
			err)
	}

	return nil
}

func (process *Process) InstructionPointer() (VirtualAddress, error) {
	regs, err := process.Registers()
	if err != nil {
		return 0, err
	}

	return VirtualAddress(regs.Rip), nil
}

func (process *Process) SetInstructionPointer(addr VirtualAddress) error {
	regs, err := process.Registers()
	if err != nil {
		return err
	}

	regs.Rip = uint64(addr)
	return process.SetRegisters(regs)
}

// wait blocks until the process changes state.  Stops by signals other than
// SIGTRAP are not reported; the returned signal is the one which should be
// delivered on the next resume (SIGSTOP is suppressed).
func (process *Process) wait() (*StopReason, int, error) {
	waitStatus, err := process.signal.FromProcess()
	if err != nil {
		return nil, 0, err
	}

	if waitStatus.Exited() {
		process.terminate(StopReason{
			Kind:       ExitedStop,
			ExitStatus: waitStatus.ExitStatus(),
		})
		return &process.exitReason, 0, nil
	}

	if waitStatus.Signaled() {
		process.terminate(StopReason{
			Kind:   SignaledStop,
			Signal: waitStatus.Signal(),
		})
		return &process.exitReason, 0, nil
	}

	if !waitStatus.Stopped() {
		return nil, 0, fmt.Errorf(
			"unexpected wait status for process %d (0x%x)",
			process.Pid,
			uint32(waitStatus))
	}

	process.state = StoppedAtTrap

	signal := waitStatus.StopSignal()
	if signal != syscall.SIGTRAP {
		if logflags.Debugger() {
			process.log.Debugf("swallowed stop signal %v", signal)
		}

		if signal == syscall.SIGSTOP {
			return nil, 0, nil
		}
		return nil, int(signal), nil
	}

	info, err := process.tracer.GetSigInfo()
	if err != nil {
		return nil, 0, fmt.Errorf(
			"failed to get signal info for process %d: %w",
			process.Pid,
			err)
	}

	pc, err := process.InstructionPointer()
	if err != nil {
		return nil, 0, err
	}

	return &StopReason{
		Kind:           TrappedStop,
		ProgramCounter: pc,
		TrapKind:       TrapCodeToKind(info.Code),
	}, 0, nil
}

func (process *Process) terminate(reason StopReason) {
	process.state = Exited
	if reason.Kind == SignaledStop {
		process.state = Terminated
	}
	process.exitReason = reason

	process.tracer.Shutdown()
	_ = process.signal.Close()

	if logflags.Debugger() {
		process.log.Debugf("process %s", reason)
	}
}

// SingleStep executes exactly one instruction.  If the process exits during
// the step, an *ExitError is returned.
func (process *Process) SingleStep() error {
	err := process.checkAlive()
	if err != nil {
		return err
	}

	signal := 0
	for {
		err := process.tracer.SingleStep(signal)
		if err != nil {
			return fmt.Errorf(
				"failed to single step process %d: %w",
				process.Pid,
				err)
		}
		process.state = Running

		reason, nextSignal, err := process.wait()
		if err != nil {
			return err
		}

		if reason == nil {
			signal = nextSignal
			continue
		}

		if reason.Kind != TrappedStop {
			return &ExitError{StopReason: *reason}
		}

		return nil
	}
}

// ResumeUntilStop continues the process until it traps or exits.
func (process *Process) ResumeUntilStop() (StopReason, error) {
	err := process.checkAlive()
	if err != nil {
		return StopReason{}, err
	}

	signal := 0
	for {
		err := process.tracer.Resume(signal)
		if err != nil {
			return StopReason{}, fmt.Errorf(
				"failed to resume process %d: %w",
				process.Pid,
				err)
		}
		process.state = Running

		reason, nextSignal, err := process.wait()
		if err != nil {
			return StopReason{}, err
		}

		if reason == nil {
			signal = nextSignal
			continue
		}

		return *reason, nil
	}
}

// Close detaches from and kills the process, stopping it first if it is
// still running.  Close is a no-op once the process has exited.
func (process *Process) Close() error {
	if process.state.IsTerminal() {
		return nil
	}

	defer func() {
		_ = process.signal.Close()
		process.tracer.Shutdown()
	}()

	// ptrace requests (including detach) require a stopped tracee.
	if process.state == Running {
		err := process.signal.StopToProcess()
		if err != nil {
			return err
		}

		waitStatus, err := process.signal.FromProcess()
		if err != nil {
			return err
		}

		if waitStatus.Exited() {
			process.state = Exited
			process.exitReason = StopReason{
				Kind:       ExitedStop,
				ExitStatus: waitStatus.ExitStatus(),
			}
			return nil
		}

		if waitStatus.Signaled() {
			process.state = Terminated
			process.exitReason = StopReason{
				Kind:   SignaledStop,
				Signal: waitStatus.Signal(),
			}
			return nil
		}

		process.state = StoppedAtTrap
	}

	err := process.tracer.Detach()
	if err != nil {
		return err
	}

	err = process.signal.ContinueToProcess()
	if err != nil {
		return err
	}

	err = process.signal.KillToProcess()
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}

	// reap
	_, err = process.signal.FromProcess()
	if err != nil && !errors.Is(err, syscall.ECHILD) {
		return err
	}

	process.state = Terminated
	process.exitReason = StopReason{
		Kind:   SignaledStop,
		Signal: syscall.SIGKILL,
	}

	return nil
}
