package ptrace

import (
	"fmt"
	"os/exec"
	"syscall"
)

// NOTE: ptrace is implemented as a single os-threaded server serving Tracer
// clients in arbitrary goroutines since all ptrace calls to a process,
// including PTRACE_TRACEME in os.StartProcess / exec.Cmd.Start, must
// originate from the same os thread.
//
// https://github.com/golang/go/issues/7699
// https://github.com/golang/go/issues/43685
type Tracer struct {
	Pid int

	server *traceServer
}

// StartAndAttachToProcess starts cmd as a traced child.  When disableASLR is
// set, the child is started with ADDR_NO_RANDOMIZE personality so that its
// load addresses are stable across runs.
//
// The caller must wait for the child's post-exec trap before issuing any
// other request.
func StartAndAttachToProcess(
	cmd *exec.Cmd,
	disableASLR bool,
) (
	*Tracer,
	error,
) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}

	// Child process invokes PTRACE_TRACEME on start.
	cmd.SysProcAttr.Ptrace = true

	// Set pgid to a different group to ensure signals sent to the tracer
	// process won't be forwarded to the child command process.
	cmd.SysProcAttr.Setpgid = true

	server := newTraceServer()

	tracer := &Tracer{
		server: server,
	}

	_, err := tracer.send(request{
		opType:      startOp,
		cmd:         cmd,
		disableASLR: disableASLR,
	})
	if err != nil {
		close(server.requestChan) // shutdown server
		return nil, err
	}

	tracer.Pid = cmd.Process.Pid
	return tracer, nil
}

func (tracer *Tracer) Close() error {
	select {
	case <-tracer.server.ctx.Done():
		return nil
	default:
		return tracer.Detach()
	}
}

// Shutdown stops the trace server without issuing PTRACE_DETACH.  This is
// used once the traced process is gone.
func (tracer *Tracer) Shutdown() {
	select {
	case <-tracer.server.ctx.Done():
	default:
		close(tracer.server.requestChan)
		<-tracer.server.ctx.Done()
	}
}

func (tracer *Tracer) send(req request) (response, error) {
	respChan := make(chan response, 1)
	req.pid = tracer.Pid
	req.responseChan = respChan

	select {
	case <-tracer.server.ctx.Done():
		return response{}, fmt.Errorf(
			"invalid operation. tracer has detached from process %d",
			tracer.Pid)
	case tracer.server.requestChan <- req:
		resp := <-respChan
		return resp, resp.err
	}
}

func (tracer *Tracer) Detach() error {
	_, err := tracer.send(request{
		opType: detachOp,
	})
	return err
}

func (tracer *Tracer) Resume(signal int) error {
	_, err := tracer.send(request{
		opType: resumeOp,
		signal: signal,
	})
	return err
}

func (tracer *Tracer) SingleStep(signal int) error {
	_, err := tracer.send(request{
		opType: singleStepOp,
		signal: signal,
	})
	return err
}

func (tracer *Tracer) SetOptions(options Options) error {
	_, err := tracer.send(request{
		opType:  setOptionsOp,
		options: options,
	})
	return err
}

func (tracer *Tracer) GetGeneralRegisters() (*UserRegs, error) {
	out := &UserRegs{}
	_, err := tracer.send(request{
		opType: getRegsOp,
		regs:   out,
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (tracer *Tracer) SetGeneralRegisters(in *UserRegs) error {
	_, err := tracer.send(request{
		opType: setRegsOp,
		regs:   in,
	})
	return err
}

// PeekWord reads the machine word at addr via PTRACE_PEEKDATA.
func (tracer *Tracer) PeekWord(addr uintptr) (uint64, error) {
	resp, err := tracer.send(request{
		opType: peekWordOp,
		addr:   addr,
	})

	return resp.word, err
}

// PokeWord writes the machine word at addr via PTRACE_POKEDATA.  Unlike
// process_vm_writev, this can write to read-only text pages.
func (tracer *Tracer) PokeWord(addr uintptr, word uint64) error {
	_, err := tracer.send(request{
		opType: pokeWordOp,
		addr:   addr,
		word:   word,
	})

	return err
}

// This uses process_vm_readv instead of PTRACE_PEEK_DATA for reading
// efficiency.  This is included as part of the tracer since the read
// permission is governed by ptrace.
func (tracer *Tracer) ReadFromVirtualMemory(
	addr uintptr,
	data []byte,
) (
	int,
	error,
) {
	resp, err := tracer.send(request{
		opType: readMemoryOp,
		addr:   addr,
		data:   data,
	})

	return resp.count, err
}

func (tracer *Tracer) GetSigInfo() (*SigInfo, error) {
	resp, err := tracer.send(request{
		opType: getSigInfoOp,
	})
	return resp.sigInfo, err
}
