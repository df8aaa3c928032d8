package debugger

import (
	"context"
	"errors"
	"fmt"
	"os"
	osSignal "os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

type Signaler struct {
	pid int

	log *logrus.Entry

	ctx    context.Context
	cancel func()
}

func NewSignaler(pid int, log *logrus.Entry) *Signaler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Signaler{
		pid:    pid,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (signaler *Signaler) Close() error {
	signaler.cancel()
	return nil
}

// ForwardToProcess relays the signal received by the tracer to the traced
// process until the signaler is closed.  The traced process runs in its own
// process group and would otherwise never see terminal generated signals.
func (signaler *Signaler) ForwardToProcess(signal syscall.Signal) {
	signalChan := make(chan os.Signal, 1)
	osSignal.Notify(signalChan, signal)

	go func() {
		defer osSignal.Stop(signalChan)

		for {
			select {
			case <-signaler.ctx.Done():
				return
			case <-signalChan:
				err := signaler.ToProcess(signal)
				if err != nil && !errors.Is(err, syscall.ESRCH) {
					signaler.log.Warnf("failed to forward signal: %v", err)
				}
			}
		}
	}()
}

func (signaler *Signaler) ForwardInterruptToProcess() {
	signaler.ForwardToProcess(syscall.SIGINT)
}

func (signaler *Signaler) ToProcess(signal syscall.Signal) error {
	err := syscall.Kill(signaler.pid, signal)
	if err != nil {
		return fmt.Errorf("failed to signal to process %d (%v): %w",
			signaler.pid,
			signal,
			err)
	}

	return nil
}

func (signaler *Signaler) ContinueToProcess() error {
	return signaler.ToProcess(syscall.SIGCONT)
}

func (signaler *Signaler) StopToProcess() error {
	return signaler.ToProcess(syscall.SIGSTOP)
}

func (signaler *Signaler) KillToProcess() error {
	return signaler.ToProcess(syscall.SIGKILL)
}

func (signaler *Signaler) FromProcess() (syscall.WaitStatus, error) {
	// NOTE: golang does not support waitpid
	var waitStatus syscall.WaitStatus
	for {
		_, err := syscall.Wait4(signaler.pid, &waitStatus, 0, nil)
		if err == syscall.EINTR {
			continue
		}

		if err != nil {
			return 0, fmt.Errorf(
				"failed to wait for process %d: %w",
				signaler.pid,
				err)
		}

		return waitStatus, nil
	}
}
