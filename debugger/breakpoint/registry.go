package breakpoint

import (
	"fmt"
	"sort"

	. "github.com/tracekit/observer/debugger/common"
)

// Memory is the byte-granular view of the traced process used to install /
// uninstall break points.
type Memory interface {
	ReadByte(addr VirtualAddress) (byte, error)
	WriteByte(addr VirtualAddress, value byte) error
}

type BreakPoint struct {
	Address VirtualAddress

	// Only valid when captured is true.  This is the real instruction byte;
	// it never holds the trap opcode written by the registry.
	originalData byte
	captured     bool

	installed bool
}

func (bp *BreakPoint) IsInstalled() bool {
	return bp.installed
}

// OriginalData returns the saved instruction byte.  The second return value
// is false when the byte has not been captured yet (the break point was never
// installed).
func (bp *BreakPoint) OriginalData() (byte, bool) {
	return bp.originalData, bp.captured
}

func (bp *BreakPoint) String() string {
	state := "pending"
	if bp.installed {
		state = "installed"
	} else if bp.captured {
		state = "uninstalled"
	}

	return fmt.Sprintf("break point at %s (%s)", bp.Address, state)
}

// Registry maps addresses to break points.  For every registered break
// point, target memory at the address holds the trap opcode if and only if
// the break point is installed.  All memory modifications go through
// Install / Uninstall to preserve this.
type Registry struct {
	breakPoints map[VirtualAddress]*BreakPoint
}

func NewRegistry() *Registry {
	return &Registry{
		breakPoints: map[VirtualAddress]*BreakPoint{},
	}
}

func (registry *Registry) Len() int {
	return len(registry.breakPoints)
}

// Add registers a new break point without touching memory.
func (registry *Registry) Add(addr VirtualAddress) (*BreakPoint, error) {
	_, ok := registry.breakPoints[addr]
	if ok {
		return nil, fmt.Errorf("%w at %s", ErrDuplicateBreakPoint, addr)
	}

	bp := &BreakPoint{
		Address: addr,
	}
	registry.breakPoints[addr] = bp
	return bp, nil
}

// Remove unregisters the break point.  Installed break points must be
// uninstalled first, otherwise the trap opcode would be stranded in memory.
func (registry *Registry) Remove(addr VirtualAddress) error {
	bp, ok := registry.breakPoints[addr]
	if !ok {
		return fmt.Errorf("%w at %s", ErrNoSuchBreakPoint, addr)
	}

	if bp.installed {
		return fmt.Errorf(
			"%w. cannot remove installed break point at %s",
			ErrInvalidArgument,
			addr)
	}

	delete(registry.breakPoints, addr)
	return nil
}

func (registry *Registry) Lookup(addr VirtualAddress) (*BreakPoint, bool) {
	bp, ok := registry.breakPoints[addr]
	return bp, ok
}

// List returns all break points sorted by address.
func (registry *Registry) List() []*BreakPoint {
	result := make([]*BreakPoint, 0, len(registry.breakPoints))
	for _, bp := range registry.breakPoints {
		result = append(result, bp)
	}

	sort.Slice(
		result,
		func(i int, j int) bool {
			return result[i].Address < result[j].Address
		})

	return result
}

func (registry *Registry) checkRegistered(bp *BreakPoint) error {
	found := registry.breakPoints[bp.Address]
	if found != bp {
		return fmt.Errorf("%w at %s", ErrNoSuchBreakPoint, bp.Address)
	}
	return nil
}

// Install writes the trap opcode at the break point's address.  The
// original byte is captured on first installation only.
func (registry *Registry) Install(bp *BreakPoint, mem Memory) error {
	err := registry.checkRegistered(bp)
	if err != nil {
		return err
	}

	if bp.installed {
		return nil
	}

	if !bp.captured {
		original, err := mem.ReadByte(bp.Address)
		if err != nil {
			return fmt.Errorf("failed to install break point: %w", err)
		}

		bp.originalData = original
		bp.captured = true
	}

	err = mem.WriteByte(bp.Address, TrapOpcode)
	if err != nil {
		return fmt.Errorf("failed to install break point: %w", err)
	}

	bp.installed = true
	return nil
}

// Uninstall restores the original byte at the break point's address.
func (registry *Registry) Uninstall(bp *BreakPoint, mem Memory) error {
	err := registry.checkRegistered(bp)
	if err != nil {
		return err
	}

	if !bp.installed {
		return nil
	}

	err = mem.WriteByte(bp.Address, bp.originalData)
	if err != nil {
		return fmt.Errorf("failed to uninstall break point: %w", err)
	}

	bp.installed = false
	return nil
}

// InstallAll installs every registered break point that is not already
// installed.  Installed break points are left untouched.
func (registry *Registry) InstallAll(mem Memory) error {
	for _, bp := range registry.List() {
		err := registry.Install(bp, mem)
		if err != nil {
			return fmt.Errorf("cannot install %s: %w", bp, err)
		}
	}
	return nil
}

func (registry *Registry) UninstallAll(mem Memory) error {
	for _, bp := range registry.List() {
		err := registry.Uninstall(bp, mem)
		if err != nil {
			return fmt.Errorf("cannot uninstall %s: %w", bp, err)
		}
	}
	return nil
}

// UpdateOriginalData records a caller initiated code patch at addr.  The
// returned bool is true when the patch must not be written to memory since
// an installed trap opcode occupies the address.
func (registry *Registry) UpdateOriginalData(
	addr VirtualAddress,
	value byte,
) bool {
	bp, ok := registry.breakPoints[addr]
	if !ok {
		return false
	}

	if bp.captured {
		bp.originalData = value
	}

	return bp.installed
}

func (registry *Registry) ReplaceBreakPointBytes(
	startAddr VirtualAddress,
	memorySlice []byte,
) {
	endAddr := startAddr + VirtualAddress(len(memorySlice))
	for _, bp := range registry.breakPoints {
		if !bp.installed {
			continue
		}

		if startAddr <= bp.Address && bp.Address < endAddr {
			memorySlice[int(bp.Address-startAddr)] = bp.originalData
		}
	}
}
