package ptrace

import (
	"os/exec"
)

type opType string

const (
	startOp      = opType("start")
	detachOp     = opType("detach")
	resumeOp     = opType("resume")
	singleStepOp = opType("singleStep")
	setOptionsOp = opType("setOptions")
	getRegsOp    = opType("getRegs")
	setRegsOp    = opType("setRegs")
	peekWordOp   = opType("peekWord")
	pokeWordOp   = opType("pokeWord")
	readMemoryOp = opType("readMemory")
	getSigInfoOp = opType("getSigInfo")
)

type request struct {
	opType

	cmd         *exec.Cmd // only used by start
	disableASLR bool      // only used by start

	pid int // used by all except start

	signal int // resume / single step

	options Options // set options

	regs *UserRegs // get/set regs

	addr uintptr // peek/poke word, read memory
	word uint64  // poke word
	data []byte  // read memory

	responseChan chan response
}

type response struct {
	word uint64 // peek word

	count int // read memory

	sigInfo *SigInfo // get sig info

	err error
}
