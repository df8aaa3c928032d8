package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/tracekit/observer/debugger"
	. "github.com/tracekit/observer/debugger/common"
	"github.com/tracekit/observer/procfs"
	"github.com/tracekit/observer/ptrace"
)

type session struct {
	db      *debugger.Debugger
	symbols *SymbolTable
}

type command struct {
	name  string
	usage string
	run   func(*session, []string) error
}

var (
	commands []command
)

func init() {
	commands = []command{
		{
			name:  "continue",
			usage: "continue until the next break point or program exit",
			run:   (*session).continueCmd,
		},
		{
			name:  "break",
			usage: "break <address | symbol>",
			run:   (*session).setBreakPoint,
		},
		{
			name:  "delete",
			usage: "delete <address | symbol>",
			run:   (*session).removeBreakPoint,
		},
		{
			name:  "list",
			usage: "list break points",
			run:   (*session).listBreakPoints,
		},
		{
			name:  "regs",
			usage: "print general registers",
			run:   (*session).printRegisters,
		},
		{
			name:  "read",
			usage: "read <address> [size]",
			run:   (*session).readMemory,
		},
		{
			name:  "write",
			usage: "write <address> <byte> [byte ...]",
			run:   (*session).writeMemory,
		},
		{
			name:  "disas",
			usage: "disas [address] [count]",
			run:   (*session).disassemble,
		},
		{
			name:  "maps",
			usage: "print memory mapped regions",
			run:   (*session).printMappedRegions,
		},
		{
			name:  "help",
			usage: "print this message",
			run:   (*session).printHelp,
		},
	}
}

func (sess *session) interact() error {
	rl, err := readline.New("observe > ")
	if err != nil {
		return err
	}
	defer rl.Close()

	lastLine := ""
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			line = lastLine
		}
		lastLine = line

		if line == "" {
			continue
		}

		args := strings.Fields(line)
		if strings.HasPrefix("quit", args[0]) {
			return nil
		}

		cmd, ok := lookupCommand(args[0])
		if !ok {
			fmt.Println("invalid command:", args[0])
			continue
		}

		err = cmd.run(sess, args[1:])
		if err != nil {
			return err
		}
	}
}

// lookupCommand returns the first command matching the (possibly
// abbreviated) name.
func lookupCommand(name string) (command, bool) {
	for _, cmd := range commands {
		if strings.HasPrefix(cmd.name, name) {
			return cmd, true
		}
	}
	return command{}, false
}

func (sess *session) describe(addr VirtualAddress) string {
	name := sess.symbols.Describe(addr)
	if name == "" {
		return addr.String()
	}
	return fmt.Sprintf("%s (%s)", addr, name)
}

func (sess *session) resolveLocation(location string) (VirtualAddress, error) {
	addr, err := ParseVirtualAddress(location)
	if err == nil {
		return addr, nil
	}

	addr, ok := sess.symbols.Lookup(location)
	if !ok {
		return 0, fmt.Errorf(
			"%w. no such address or symbol: %s",
			ErrInvalidArgument,
			location)
	}

	return addr, nil
}

func (sess *session) addBreakPoint(location string) error {
	addr, err := sess.resolveLocation(location)
	if err != nil {
		return err
	}

	_, err = sess.db.AddBreakPoint(addr)
	if err != nil {
		return err
	}

	fmt.Println("break point set at", sess.describe(addr))
	return nil
}

// runToExit prints every break point hit until the program exits.
func (sess *session) runToExit() error {
	for {
		addr, err := sess.db.RunUntilBreakPoint()
		if err != nil {
			return err
		}

		if addr == debugger.ExitedSentinel {
			fmt.Println("process", sess.db.Controller.LastEvent())
			return nil
		}

		fmt.Println("hit", sess.describe(addr))
	}
}

func (sess *session) continueCmd(args []string) error {
	event, err := sess.db.RunUntilEvent()
	if err != nil {
		if errors.Is(err, ErrProcessExited) {
			fmt.Println(err)
			return nil
		}
		return err
	}

	switch event.Kind {
	case debugger.HitEvent:
		fmt.Println("hit break point at", sess.describe(event.Address))
	case debugger.UnknownTrapEvent:
		fmt.Println("unknown trap at", sess.describe(event.Address))
	default:
		fmt.Println("process", event)
	}

	if !event.IsExit() {
		return sess.disassemble(nil)
	}

	return nil
}

func (sess *session) setBreakPoint(args []string) error {
	if len(args) < 1 {
		fmt.Println("failed to set break point. address not specified")
		return nil
	}

	err := sess.addBreakPoint(args[0])
	if err != nil {
		if errors.Is(err, ErrInvalidArgument) ||
			errors.Is(err, ErrDuplicateBreakPoint) ||
			errors.Is(err, ErrProcessExited) {

			fmt.Println("failed to set break point:", err)
			return nil
		}
		return err
	}

	return nil
}

func (sess *session) removeBreakPoint(args []string) error {
	if len(args) < 1 {
		fmt.Println("failed to remove break point. address not specified")
		return nil
	}

	addr, err := sess.resolveLocation(args[0])
	if err != nil {
		fmt.Println("failed to remove break point:", err)
		return nil
	}

	err = sess.db.RemoveBreakPoint(addr)
	if err != nil {
		if errors.Is(err, ErrNoSuchBreakPoint) ||
			errors.Is(err, ErrProcessExited) {

			fmt.Println("failed to remove break point:", err)
			return nil
		}
		return err
	}

	return nil
}

func (sess *session) listBreakPoints(args []string) error {
	bps := sess.db.ListBreakPoints()
	if len(bps) == 0 {
		fmt.Println("No break points set")
		return nil
	}

	fmt.Println("Current break points")
	for _, bp := range bps {
		fmt.Printf(
			"  %s installed = %v\n",
			sess.describe(bp.Address),
			bp.IsInstalled())
	}

	return nil
}

func generalRegisters(regs *ptrace.UserRegs) []struct {
	name  string
	value uint64
} {
	return []struct {
		name  string
		value uint64
	}{
		{"rax", regs.Rax},
		{"rbx", regs.Rbx},
		{"rcx", regs.Rcx},
		{"rdx", regs.Rdx},
		{"rsi", regs.Rsi},
		{"rdi", regs.Rdi},
		{"rbp", regs.Rbp},
		{"rsp", regs.Rsp},
		{"r8", regs.R8},
		{"r9", regs.R9},
		{"r10", regs.R10},
		{"r11", regs.R11},
		{"r12", regs.R12},
		{"r13", regs.R13},
		{"r14", regs.R14},
		{"r15", regs.R15},
		{"rip", regs.Rip},
		{"eflags", regs.Eflags},
		{"cs", regs.Cs},
		{"fs", regs.Fs},
		{"gs", regs.Gs},
		{"ss", regs.Ss},
		{"ds", regs.Ds},
		{"es", regs.Es},
		{"fs_base", regs.Fs_base},
		{"gs_base", regs.Gs_base},
		{"orig_rax", regs.Orig_rax},
	}
}

func (sess *session) printRegisters(args []string) error {
	regs, err := sess.db.Registers()
	if err != nil {
		if errors.Is(err, ErrProcessExited) {
			fmt.Println(err)
			return nil
		}
		return err
	}

	for _, reg := range generalRegisters(regs) {
		if len(args) > 0 && args[0] != reg.name {
			continue
		}
		fmt.Printf("%s:\t\t0x%016x\n", reg.name, reg.value)
	}

	return nil
}

func (sess *session) readMemory(args []string) error {
	if len(args) == 0 {
		fmt.Println("failed to read from memory. address not specified")
		return nil
	}

	addr, err := sess.resolveLocation(args[0])
	if err != nil {
		fmt.Println("failed to read from memory:", err)
		return nil
	}

	size := 32
	if len(args) > 1 {
		val, err := strconv.ParseInt(args[1], 0, 32)
		if err != nil {
			fmt.Println("failed to parse output size:", err)
			return nil
		}
		size = int(val)

		if size < 1 {
			fmt.Println("invalid output size:", size)
			return nil
		}
	}

	out, err := sess.db.ReadMemory(addr, size)
	if err != nil {
		fmt.Println("failed to read from memory:", err)
		return nil
	}

	if len(out) < size {
		fmt.Printf(
			"WARNING: requested %d bytes but only read %d bytes.\n",
			size,
			len(out))
	}

	for len(out) > 0 {
		line := fmt.Sprintf("%s:", addr)

		size = 16
		if len(out) < size {
			size = len(out)
		}

		for _, b := range out[:size] {
			line += fmt.Sprintf(" %02x", b)
		}
		fmt.Println(line)

		out = out[size:]
		addr += VirtualAddress(size)
	}

	return nil
}

func (sess *session) writeMemory(args []string) error {
	if len(args) == 0 {
		fmt.Println("failed to write to memory. address not specified.")
		return nil
	}

	addr, err := sess.resolveLocation(args[0])
	if err != nil {
		fmt.Println("failed to write to memory:", err)
		return nil
	}

	data := []byte{}
	for idx, arg := range args[1:] {
		val, err := strconv.ParseUint(arg, 0, 8)
		if err != nil {
			fmt.Printf(
				"failed to parse byte at argument %d: %s\n",
				idx+1,
				err)
			return nil
		}

		data = append(data, byte(val))
	}

	if len(data) == 0 {
		fmt.Println("failed to write to memory. no bytes specified.")
		return nil
	}

	for idx, b := range data {
		err := sess.db.WriteByte(addr+VirtualAddress(idx), b)
		if err != nil {
			fmt.Printf("failed to write to memory (%d bytes written): %s\n", idx, err)
			return nil
		}
	}

	return nil
}

func (sess *session) disassemble(args []string) error {
	var addr VirtualAddress
	count := 5

	if len(args) > 0 {
		var err error
		addr, err = sess.resolveLocation(args[0])
		if err != nil {
			fmt.Println("failed to disassemble:", err)
			return nil
		}
	} else {
		pc, err := sess.db.InstructionPointer()
		if err != nil {
			fmt.Println("failed to disassemble:", err)
			return nil
		}
		addr = pc
	}

	if len(args) > 1 {
		val, err := strconv.ParseInt(args[1], 0, 32)
		if err != nil {
			fmt.Println("failed to parse instruction count:", err)
			return nil
		}
		count = int(val)
	}

	instructions, err := sess.db.Disassemble(addr, count)
	if err != nil {
		fmt.Println("failed to disassemble:", err)
		return nil
	}

	for _, inst := range instructions {
		fmt.Println(" ", inst)
	}

	return nil
}

func (sess *session) printMappedRegions(args []string) error {
	regions, err := procfs.GetMappedMemoryRegions(sess.db.Pid)
	if err != nil {
		fmt.Println("failed to read memory mapped regions:", err)
		return nil
	}

	for _, region := range regions {
		fmt.Println(region)
	}

	return nil
}

func (sess *session) printHelp(args []string) error {
	for _, cmd := range commands {
		fmt.Printf("  %-10s %s\n", cmd.name, cmd.usage)
	}
	fmt.Printf("  %-10s %s\n", "quit", "kill the program and exit")
	return nil
}
