package debugger

import (
	"fmt"
	"syscall"

	. "github.com/tracekit/observer/debugger/common"
)

type ProcessState string

const (
	NotStarted    = ProcessState("not started")
	Running       = ProcessState("running")
	StoppedAtTrap = ProcessState("stopped")
	Exited        = ProcessState("exited")
	Terminated    = ProcessState("terminated")
)

// Terminal process states reject every further operation with
// ErrProcessExited.
func (state ProcessState) IsTerminal() bool {
	return state == Exited || state == Terminated
}

type StopKind string

const (
	TrappedStop  = StopKind("trapped")
	ExitedStop   = StopKind("exited")
	SignaledStop = StopKind("signaled")
)

type StopReason struct {
	Kind StopKind

	// Only populated for TrappedStop.  The program counter as reported by the
	// kernel, i.e., one past the trap opcode for software traps.
	ProgramCounter VirtualAddress
	TrapKind

	// Only populated for ExitedStop.
	ExitStatus int

	// Only populated for SignaledStop.
	Signal syscall.Signal
}

func (reason StopReason) String() string {
	switch reason.Kind {
	case TrappedStop:
		kind := reason.TrapKind
		if kind == UnknownTrap {
			kind = "unknown trap"
		}
		return fmt.Sprintf("trapped at %s (%s)", reason.ProgramCounter, kind)
	case ExitedStop:
		return fmt.Sprintf("exited with status %d", reason.ExitStatus)
	case SignaledStop:
		return fmt.Sprintf("terminated by signal %v", reason.Signal)
	default:
		return "invalid stop reason"
	}
}

// ExitError is returned when the process exits in the middle of an operation
// which expected the process to stop (e.g., a single step).
type ExitError struct {
	StopReason
}

func (err *ExitError) Error() string {
	return fmt.Sprintf("%s. %s", ErrProcessExited, err.StopReason)
}

func (err *ExitError) Unwrap() error {
	return ErrProcessExited
}

type EventKind string

const (
	HitEvent         = EventKind("hit")
	UnknownTrapEvent = EventKind("unknown trap")
	ExitedEvent      = EventKind("exited")
	TerminatedEvent  = EventKind("terminated")
)

type Event struct {
	Kind EventKind

	// Only populated for HitEvent and UnknownTrapEvent.
	Address VirtualAddress

	// Only populated for ExitedEvent.
	ExitStatus int

	// Only populated for TerminatedEvent.
	Signal syscall.Signal
}

func (event Event) IsExit() bool {
	return event.Kind == ExitedEvent || event.Kind == TerminatedEvent
}

func (event Event) String() string {
	switch event.Kind {
	case HitEvent:
		return fmt.Sprintf("hit break point at %s", event.Address)
	case UnknownTrapEvent:
		return fmt.Sprintf("unknown trap at %s", event.Address)
	case ExitedEvent:
		return fmt.Sprintf("exited with status %d", event.ExitStatus)
	case TerminatedEvent:
		return fmt.Sprintf("terminated by signal %v", event.Signal)
	default:
		return "invalid event"
	}
}

func exitEvent(reason StopReason) Event {
	if reason.Kind == SignaledStop {
		return Event{
			Kind:   TerminatedEvent,
			Signal: reason.Signal,
		}
	}

	return Event{
		Kind:       ExitedEvent,
		ExitStatus: reason.ExitStatus,
	}
}
