package debugger

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tracekit/observer/debugger/breakpoint"
	. "github.com/tracekit/observer/debugger/common"
	"github.com/tracekit/observer/logflags"
)

// Target is the execution surface driven by the Controller.  *Process
// implements Target.
type Target interface {
	ReadByte(addr VirtualAddress) (byte, error)
	WriteByte(addr VirtualAddress, value byte) error

	InstructionPointer() (VirtualAddress, error)
	SetInstructionPointer(addr VirtualAddress) error

	// Returns an *ExitError if the target exits during the step.
	SingleStep() error

	ResumeUntilStop() (StopReason, error)
}

type ControllerState string

const (
	Idle         = ControllerState("idle")
	Installing   = ControllerState("installing")
	Resuming     = ControllerState("resuming")
	HandlingTrap = ControllerState("handling trap")
	Stepped      = ControllerState("stepped")

	// Terminal.
	TargetExited = ControllerState("exited")
)

// Controller owns the break point registry and drives the target from one
// event to the next.  Between calls, every registered break point is either
// installed, or uninstalled with its original byte restored.
type Controller struct {
	target   Target
	registry *breakpoint.Registry

	log *logrus.Entry

	state     ControllerState
	lastEvent Event
}

func NewController(target Target) *Controller {
	return &Controller{
		target:   target,
		registry: breakpoint.NewRegistry(),
		log:      logflags.DebuggerLogger(),
		state:    Idle,
	}
}

func (controller *Controller) State() ControllerState {
	return controller.state
}

// LastEvent returns the most recent event returned by RunUntilEvent.
func (controller *Controller) LastEvent() Event {
	return controller.lastEvent
}

func (controller *Controller) checkAlive() error {
	if controller.state == TargetExited {
		return fmt.Errorf("%w. %s", ErrProcessExited, controller.lastEvent)
	}
	return nil
}

func (controller *Controller) AddBreakPoint(
	addr VirtualAddress,
) (
	*breakpoint.BreakPoint,
	error,
) {
	err := controller.checkAlive()
	if err != nil {
		return nil, err
	}

	bp, err := controller.registry.Add(addr)
	if err != nil {
		return nil, err
	}

	if logflags.Debugger() {
		controller.log.Debugf("added break point at %s", addr)
	}

	return bp, nil
}

// RemoveBreakPoint uninstalls the break point (if installed) before
// unregistering it.
func (controller *Controller) RemoveBreakPoint(addr VirtualAddress) error {
	err := controller.checkAlive()
	if err != nil {
		return err
	}

	bp, ok := controller.registry.Lookup(addr)
	if !ok {
		return fmt.Errorf("%w at %s", ErrNoSuchBreakPoint, addr)
	}

	err = controller.registry.Uninstall(bp, controller.target)
	if err != nil {
		return err
	}

	err = controller.registry.Remove(addr)
	if err != nil {
		return err
	}

	if logflags.Debugger() {
		controller.log.Debugf("removed break point at %s", addr)
	}

	return nil
}

func (controller *Controller) ListBreakPoints() []*breakpoint.BreakPoint {
	return controller.registry.List()
}

// InstallAll writes the trap opcode for every registered break point that is
// not installed.  Calling InstallAll repeatedly has no further effect on
// memory.
func (controller *Controller) InstallAll() error {
	err := controller.checkAlive()
	if err != nil {
		return err
	}

	controller.state = Installing
	err = controller.registry.InstallAll(controller.target)
	if err != nil {
		return err
	}

	controller.state = Idle
	return nil
}

func (controller *Controller) exited(reason StopReason) Event {
	controller.state = TargetExited
	controller.lastEvent = exitEvent(reason)

	if logflags.Debugger() {
		controller.log.Debugf("target %s", controller.lastEvent)
	}

	return controller.lastEvent
}

// stepOverCurrentBreakPoint single steps past an uninstalled break point
// that sits at the current program counter (i.e., the one just hit), so that resuming from a hit does not
// immediately retrap at the same address.  The returned bool is true when
// the target exited during the step.
func (controller *Controller) stepOverCurrentBreakPoint() (Event, bool, error) {
	pc, err := controller.target.InstructionPointer()
	if err != nil {
		return Event{}, false, err
	}

	// An installed break point at pc has not executed yet.  Resuming will
	// trap on it.
	bp, ok := controller.registry.Lookup(pc)
	if !ok || bp.IsInstalled() {
		return Event{}, false, nil
	}

	err = controller.target.SingleStep()
	if err != nil {
		exitErr := &ExitError{}
		if errors.As(err, &exitErr) {
			return controller.exited(exitErr.StopReason), true, nil
		}
		return Event{}, false, err
	}

	controller.state = Stepped
	return Event{}, false, nil
}

// RunUntilEvent resumes the target until a break point is hit, an unknown
// trap is encountered, or the target exits.  On a hit, the program counter
// is rewound to the break point's address and the break point is
// uninstalled, i.e., the target looks as if it stopped right before
// executing the original instruction.
func (controller *Controller) RunUntilEvent() (Event, error) {
	err := controller.checkAlive()
	if err != nil {
		return Event{}, err
	}

	event, exited, err := controller.stepOverCurrentBreakPoint()
	if err != nil {
		return Event{}, err
	}

	if exited {
		return event, nil
	}

	err = controller.InstallAll()
	if err != nil {
		return Event{}, err
	}

	controller.state = Resuming
	reason, err := controller.target.ResumeUntilStop()
	if err != nil {
		return Event{}, err
	}

	if reason.Kind != TrappedStop {
		return controller.exited(reason), nil
	}

	controller.state = HandlingTrap
	event, err = controller.handleTrap(reason)
	if err != nil {
		return Event{}, err
	}

	controller.state = Idle
	controller.lastEvent = event

	if logflags.Debugger() {
		controller.log.Debugf("target %s", event)
	}

	return event, nil
}

func (controller *Controller) handleTrap(reason StopReason) (Event, error) {
	if reason.TrapKind != SoftwareTrap {
		return Event{
			Kind:    UnknownTrapEvent,
			Address: reason.ProgramCounter,
		}, nil
	}

	addr := reason.ProgramCounter - TrapOpcodeLength

	bp, ok := controller.registry.Lookup(addr)
	if !ok || !bp.IsInstalled() {
		// Not ours (e.g., an int3 compiled into the target).  The program
		// counter is left pointing past the trap since rewinding onto a trap
		// opcode we do not own would retrap on every resume.
		return Event{
			Kind:    UnknownTrapEvent,
			Address: addr,
		}, nil
	}

	err := controller.target.SetInstructionPointer(addr)
	if err != nil {
		return Event{}, err
	}

	err = controller.registry.Uninstall(bp, controller.target)
	if err != nil {
		return Event{}, err
	}

	return Event{
		Kind:    HitEvent,
		Address: addr,
	}, nil
}
