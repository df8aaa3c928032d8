package main

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/ianlancetaylor/demangle"

	. "github.com/tracekit/observer/debugger/common"
	"github.com/tracekit/observer/procfs"
)

type Symbol struct {
	Name          string
	DemangledName string

	// File address.  The runtime address is Address + load bias.
	Address VirtualAddress
	Size    uint64
}

func (symbol Symbol) PrettyName() string {
	if symbol.DemangledName != "" {
		return symbol.DemangledName
	}
	return symbol.Name
}

// SymbolTable holds the executable's function symbols, sorted by address.
type SymbolTable struct {
	fileType   elf.Type
	entryPoint VirtualAddress

	symbols  []Symbol
	loadBias VirtualAddress
}

func LoadSymbolTable(path string) (*SymbolTable, error) {
	file, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open elf file %s: %w", path, err)
	}
	defer file.Close()

	elfSymbols, err := file.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		elfSymbols, err = file.DynamicSymbols()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read symbols from %s: %w", path, err)
	}

	return newSymbolTable(file.Type, file.Entry, elfSymbols), nil
}

// LoadProcessSymbols loads the symbol table of the executable the process
// is actually running, which may differ from the command name (e.g., a
// program found via PATH).  The load bias is set accordingly.
func LoadProcessSymbols(pid int) (*SymbolTable, string, error) {
	path, err := os.Readlink(procfs.GetExecutableSymlinkPath(pid))
	if err != nil {
		return nil, "", fmt.Errorf(
			"failed to resolve executable of process %d: %w",
			pid,
			err)
	}

	table, err := LoadSymbolTable(path)
	if err != nil {
		return nil, path, err
	}

	err = table.SetLoadBias(pid)
	if err != nil {
		return nil, path, err
	}

	return table, path, nil
}

func newSymbolTable(
	fileType elf.Type,
	entryPoint uint64,
	elfSymbols []elf.Symbol,
) *SymbolTable {
	symbols := []Symbol{}
	for _, sym := range elfSymbols {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 {
			continue
		}

		symbol := Symbol{
			Name:    sym.Name,
			Address: VirtualAddress(sym.Value),
			Size:    sym.Size,
		}

		demangled, err := demangle.ToString(sym.Name)
		if err == nil {
			symbol.DemangledName = demangled
		}

		symbols = append(symbols, symbol)
	}

	sort.SliceStable(
		symbols,
		func(i int, j int) bool {
			return symbols[i].Address < symbols[j].Address
		})

	return &SymbolTable{
		fileType:   fileType,
		entryPoint: VirtualAddress(entryPoint),
		symbols:    symbols,
	}
}

// SetLoadBias computes where a position independent executable is loaded by
// comparing the runtime entry point (from the auxiliary vector) against the
// file's entry point.  Fixed position executables have no load bias.
func (table *SymbolTable) SetLoadBias(pid int) error {
	if table.fileType != elf.ET_DYN {
		return nil
	}

	auxv, err := procfs.GetAuxiliaryVector(pid)
	if err != nil {
		return err
	}

	entry, ok := auxv[procfs.AT_Entry]
	if !ok {
		return fmt.Errorf("entry point not found in auxiliary vector")
	}

	table.loadBias = VirtualAddress(entry) - table.entryPoint
	return nil
}

func (table *SymbolTable) LoadBias() VirtualAddress {
	return table.loadBias
}

// Lookup returns the runtime address of the function with the given name.
// Both mangled and demangled names are accepted.
func (table *SymbolTable) Lookup(name string) (VirtualAddress, bool) {
	for _, symbol := range table.symbols {
		if symbol.Name == name || symbol.DemangledName == name {
			return symbol.Address + table.loadBias, true
		}
	}
	return 0, false
}

// Describe returns "<function>+<offset>" for the runtime address, or an
// empty string if the address is not inside a known function.
func (table *SymbolTable) Describe(addr VirtualAddress) string {
	fileAddr := addr - table.loadBias

	idx := sort.Search(
		len(table.symbols),
		func(i int) bool {
			return table.symbols[i].Address > fileAddr
		})

	for idx > 0 {
		idx--
		symbol := table.symbols[idx]

		offset := fileAddr - symbol.Address
		if offset == 0 {
			return symbol.PrettyName()
		}

		if uint64(offset) < symbol.Size {
			return fmt.Sprintf("%s+0x%x", symbol.PrettyName(), uint64(offset))
		}
	}

	return ""
}
