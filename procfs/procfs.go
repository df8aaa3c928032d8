package procfs

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type ProcessState string

const (
	Running        = ProcessState("running")
	Sleeping       = ProcessState("sleeping")
	WaitingForDisk = ProcessState("waiting for disk")
	Zombie         = ProcessState("zombie")
	Stopped        = ProcessState("stopped")
	TracingStop    = ProcessState("tracing stop")
	Dead           = ProcessState("dead")
	Idle           = ProcessState("idle")
)

type ProcessStatus struct {
	Pid   int
	Comm  string
	State ProcessState
	Ppid  int
	Pgrp  int

	// NOTE: See man page for the full list of (52) fields.
}

func GetProcessStatus(pid int) (ProcessStatus, error) {
	content, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return ProcessStatus{}, fmt.Errorf(
			"failed to read process %d status: %w",
			pid,
			err)
	}

	return parseProcessStatus(string(content))
}

func parseProcessStatus(content string) (ProcessStatus, error) {
	// comm may contain spaces and parentheses.
	commStart := strings.Index(content, "(")
	commEnd := strings.LastIndex(content, ")")
	if commStart < 0 || commEnd < commStart || len(content) < commEnd+2 {
		return ProcessStatus{}, fmt.Errorf("malformed stat entry: %q", content)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(content[:commStart]))
	if err != nil {
		return ProcessStatus{}, fmt.Errorf("failed to parse pid: %w", err)
	}

	chunks := strings.Fields(content[commEnd+1:])
	if len(chunks) < 3 {
		return ProcessStatus{}, fmt.Errorf("malformed stat entry: %q", content)
	}

	var state ProcessState
	switch chunks[0] {
	case "R":
		state = Running
	case "S":
		state = Sleeping
	case "D":
		state = WaitingForDisk
	case "Z":
		state = Zombie
	case "T":
		state = Stopped
	case "t":
		state = TracingStop
	case "X":
		state = Dead
	case "I":
		state = Idle
	}

	ppid, err := strconv.Atoi(chunks[1])
	if err != nil {
		return ProcessStatus{}, fmt.Errorf("failed to parse ppid: %w", err)
	}

	pgrp, err := strconv.Atoi(chunks[2])
	if err != nil {
		return ProcessStatus{}, fmt.Errorf("failed to parse pgrp: %w", err)
	}

	return ProcessStatus{
		Pid:   pid,
		Comm:  content[commStart+1 : commEnd],
		State: state,
		Ppid:  ppid,
		Pgrp:  pgrp,
	}, nil
}

// GetPersonality returns the process' execution domain flags (see
// personality(2)).  Access is governed by ptrace.
func GetPersonality(pid int) (uint64, error) {
	content, err := os.ReadFile(fmt.Sprintf("/proc/%d/personality", pid))
	if err != nil {
		return 0, fmt.Errorf("failed to read process %d personality: %w", pid, err)
	}

	value, err := strconv.ParseUint(strings.TrimSpace(string(content)), 16, 64)
	if err != nil {
		return 0, fmt.Errorf(
			"failed to parse process %d personality: %w",
			pid,
			err)
	}

	return value, nil
}

// See elf.h for the full list of auxiliary vector entry types, system v abi
// amd64 supplement section 3.4.3 for description.
type AuxiliaryVectorEntryType uint64

const (
	// AT_NULL. last entry of the vector
	AT_EndOfVector = AuxiliaryVectorEntryType(0)

	// AT_IGNORE. entry with no meaning
	AT_Ignore = AuxiliaryVectorEntryType(1)

	// AT_PHDR
	AT_ProgramHeader = AuxiliaryVectorEntryType(3)

	// AT_PAGESZ. system page size in bytes
	AT_PageSize = AuxiliaryVectorEntryType(6)

	// AT_BASE. base address at which the interpreter program was loaded into
	// memory.
	AT_BaseAddress = AuxiliaryVectorEntryType(7)

	// AT_ENTRY. entry point of the application program
	AT_Entry = AuxiliaryVectorEntryType(9)
)

// NOTE: access to this is governed by ptrace
func GetAuxiliaryVector(pid int) (map[AuxiliaryVectorEntryType]uint64, error) {
	content, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", pid))
	if err != nil {
		return nil, fmt.Errorf(
			"failed to read process %d's auxiliary vector: %w",
			pid,
			err)
	}

	result, err := parseAuxiliaryVector(content)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to decode process %d's auxiliary vector: %w",
			pid,
			err)
	}

	return result, nil
}

func parseAuxiliaryVector(
	content []byte,
) (
	map[AuxiliaryVectorEntryType]uint64,
	error,
) {
	result := map[AuxiliaryVectorEntryType]uint64{}
	for {
		if len(content) < 8 {
			return nil, fmt.Errorf("truncated auxiliary vector")
		}

		entryType := AuxiliaryVectorEntryType(
			binary.LittleEndian.Uint64(content))
		content = content[8:]

		if entryType == AT_EndOfVector {
			return result, nil
		}

		if len(content) < 8 {
			return nil, fmt.Errorf("truncated auxiliary vector")
		}

		value := binary.LittleEndian.Uint64(content)
		content = content[8:]

		if entryType == AT_Ignore {
			continue
		}

		result[entryType] = value
	}
}

type MappedMemoryRegion struct {
	LowAddress  uint64
	HighAddress uint64

	Read    bool
	Write   bool
	Execute bool
	Private bool // (copy on write)

	Offset uint64

	Pathname string
}

func (region MappedMemoryRegion) Contains(addr uint64) bool {
	return region.LowAddress <= addr && addr < region.HighAddress
}

func (region MappedMemoryRegion) String() string {
	perms := []byte("----")
	if region.Read {
		perms[0] = 'r'
	}
	if region.Write {
		perms[1] = 'w'
	}
	if region.Execute {
		perms[2] = 'x'
	}
	if region.Private {
		perms[3] = 'p'
	} else {
		perms[3] = 's'
	}

	return fmt.Sprintf(
		"0x%016x-0x%016x %s %08x %s",
		region.LowAddress,
		region.HighAddress,
		perms,
		region.Offset,
		region.Pathname)
}

func GetMappedMemoryRegions(pid int) ([]MappedMemoryRegion, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	result := []MappedMemoryRegion{}
	for _, line := range strings.Split(string(content), "\n") {
		if line == "" {
			break
		}

		region, err := parseMappedMemoryRegion(line)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}

		result = append(result, region)
	}

	return result, nil
}

func parseMappedMemoryRegion(line string) (MappedMemoryRegion, error) {
	region := MappedMemoryRegion{}

	chunks := strings.Fields(line)
	if len(chunks) < 5 {
		return region, fmt.Errorf("malformed maps entry: %q", line)
	}

	addresses := strings.SplitN(chunks[0], "-", 2)
	if len(addresses) != 2 {
		return region, fmt.Errorf("malformed address range: %q", chunks[0])
	}

	lowAddr, err := strconv.ParseUint(addresses[0], 16, 64)
	if err != nil {
		return region, fmt.Errorf("failed to parse low address: %w", err)
	}
	region.LowAddress = lowAddr

	highAddr, err := strconv.ParseUint(addresses[1], 16, 64)
	if err != nil {
		return region, fmt.Errorf("failed to parse high address: %w", err)
	}
	region.HighAddress = highAddr

	for idx, b := range []byte(chunks[1]) {
		switch idx {
		case 0:
			region.Read = b == 'r'
		case 1:
			region.Write = b == 'w'
		case 2:
			region.Execute = b == 'x'
		case 3:
			region.Private = b == 'p'
		}
	}

	offset, err := strconv.ParseUint(chunks[2], 16, 64)
	if err != nil {
		return region, fmt.Errorf("failed to parse offset: %w", err)
	}
	region.Offset = offset

	if len(chunks) > 5 {
		region.Pathname = strings.Join(chunks[5:], " ")
	}

	return region, nil
}

func GetExecutableSymlinkPath(pid int) string {
	return fmt.Sprintf("/proc/%d/exe", pid)
}
