package ptrace

import (
	"context"
	"fmt"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/tracekit/observer/logflags"
)

type traceServer struct {
	cancel func()
	ctx    context.Context

	log *logrus.Entry

	// Reminder: requestChan is blocking. responseChan(s) are non-blocking.
	requestChan chan request
}

func newTraceServer() *traceServer {
	ctx, cancel := context.WithCancel(context.Background())

	server := &traceServer{
		cancel:      cancel,
		ctx:         ctx,
		log:         logflags.PtraceLogger(),
		requestChan: make(chan request),
	}

	go server.processRequests()
	return server
}

func (server *traceServer) processRequests() {
	runtime.LockOSThread()
	defer func() {
		server.cancel()
		runtime.UnlockOSThread()
	}()

	for req := range server.requestChan {
		if logflags.Ptrace() {
			server.log.Debugf(
				"%s (pid=%d addr=0x%x signal=%d)",
				req.opType,
				req.pid,
				req.addr,
				req.signal)
		}

		switch req.opType {
		case startOp:
			req.responseChan <- server.start(req)
		case detachOp:
			req.responseChan <- server.detach(req)
			return
		case resumeOp:
			req.responseChan <- server.resume(req)
		case singleStepOp:
			req.responseChan <- server.singleStep(req)
		case setOptionsOp:
			req.responseChan <- server.setOptions(req)
		case getRegsOp:
			req.responseChan <- server.getRegs(req)
		case setRegsOp:
			req.responseChan <- server.setRegs(req)
		case peekWordOp:
			req.responseChan <- server.peekWord(req)
		case pokeWordOp:
			req.responseChan <- server.pokeWord(req)
		case readMemoryOp:
			req.responseChan <- server.readMemory(req)
		case getSigInfoOp:
			req.responseChan <- server.getSigInfo(req)
		}
	}
}

// NOTE: personality is inherited across fork / exec, and is a per-thread
// attribute.  Since the server's os thread is the one forking the child,
// we temporarily modify the server thread's personality.
func (server *traceServer) start(req request) response {
	if req.disableASLR {
		restore, err := disableAddressSpaceRandomization()
		if err != nil {
			return response{
				err: fmt.Errorf("failed to disable aslr: %w", err),
			}
		}
		defer restore()
	}

	err := req.cmd.Start()
	if err != nil {
		err = fmt.Errorf("failed to start process: %w", err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) detach(req request) response {
	err := syscall.PtraceDetach(req.pid)
	if err != nil {
		err = fmt.Errorf("failed to detach from process %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) resume(req request) response {
	err := syscall.PtraceCont(req.pid, req.signal)
	if err != nil {
		err = fmt.Errorf("failed to resume process %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) singleStep(req request) response {
	err := singleStep(req.pid, req.signal)
	if err != nil {
		err = fmt.Errorf("failed to single step process %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) setOptions(req request) response {
	err := syscall.PtraceSetOptions(req.pid, int(req.options))
	if err != nil {
		err = fmt.Errorf("failed to set options for process %d: %w", req.pid, err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) getRegs(req request) response {
	err := syscall.PtraceGetRegs(req.pid, req.regs)
	if err != nil {
		err = fmt.Errorf(
			"failed to get general register values from process %d: %w",
			req.pid,
			err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) setRegs(req request) response {
	err := syscall.PtraceSetRegs(req.pid, req.regs)
	if err != nil {
		err = fmt.Errorf(
			"failed to set general register values for process %d: %w",
			req.pid,
			err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) peekWord(req request) response {
	word, err := peekWord(req.pid, req.addr)

	resp := response{}
	if err == nil {
		resp.word = word
	} else {
		resp.err = fmt.Errorf(
			"failed to peek data (0x%x) for process %d: %w",
			req.addr,
			req.pid,
			err)
	}

	return resp
}

func (server *traceServer) pokeWord(req request) response {
	err := pokeWord(req.pid, req.addr, req.word)
	if err != nil {
		err = fmt.Errorf(
			"failed to poke data (0x%x ; 0x%016x) for process %d: %w",
			req.addr,
			req.word,
			req.pid,
			err)
	}

	return response{
		err: err,
	}
}

func (server *traceServer) readMemory(req request) response {
	count, err := readVirtualMemory(req.pid, req.addr, req.data)
	if err != nil {
		err = fmt.Errorf(
			"failed to process_vm_readv at 0x%x (%d) from process %d: %w",
			req.addr,
			len(req.data),
			req.pid,
			err)
	}

	return response{
		count: count,
		err:   err,
	}
}

func (server *traceServer) getSigInfo(req request) response {
	out := &SigInfo{}
	err := getSigInfo(req.pid, out)
	if err != nil {
		out = nil
		err = fmt.Errorf(
			"failed to get signal information from process %d: %w",
			req.pid,
			err)
	}

	return response{
		sigInfo: out,
		err:     err,
	}
}
