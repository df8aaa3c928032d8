package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
)

const (
	fixtureLoadAddress = 0x400000

	// Right after the elf header and the single program header.
	fixtureEntryPoint = fixtureLoadAddress + 64 + 56
)

// nop ; mov eax, 60 ; mov edi, 0 ; syscall
var fixtureText = []byte{
	0x90,
	0xb8, 60, 0, 0, 0,
	0xbf, 0, 0, 0, 0,
	0x0f, 0x05,
}

type fixtureSymbol struct {
	name  string
	typ   elf.SymType
	value uint64
	size  uint64
}

var fixtureSymbols = []fixtureSymbol{
	{"_start", elf.STT_FUNC, fixtureEntryPoint, 1},
	{"_ZN3foo3barEv", elf.STT_FUNC, fixtureEntryPoint + 1, 12},
	{"counter", elf.STT_OBJECT, fixtureEntryPoint + 16, 8},
}

func align8(buffer *bytes.Buffer) {
	for buffer.Len()%8 != 0 {
		buffer.WriteByte(0)
	}
}

// writeFixture writes a static x86-64 executable which exits with status 0.
// When withSymbols is set, the file carries a symbol table describing
// fixtureSymbols.
func writeFixture(t *testing.T, withSymbols bool) string {
	textOffset := uint64(fixtureEntryPoint - fixtureLoadAddress)
	loadSize := textOffset + uint64(len(fixtureText))

	body := &bytes.Buffer{}
	body.Write(make([]byte, textOffset))
	body.Write(fixtureText)

	header := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     fixtureEntryPoint,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
	}
	copy(header.Ident[:], elf.ELFMAG)
	header.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	header.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	header.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	header.Ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)

	sections := []elf.Section64{{}}
	if withSymbols {
		strtab := []byte{0}
		symtab := &bytes.Buffer{}
		err := binary.Write(symtab, binary.LittleEndian, elf.Sym64{})
		expect.Nil(t, err)

		for _, sym := range fixtureSymbols {
			err := binary.Write(
				symtab,
				binary.LittleEndian,
				elf.Sym64{
					Name:  uint32(len(strtab)),
					Info:  elf.ST_INFO(elf.STB_GLOBAL, sym.typ),
					Shndx: 1,
					Value: sym.value,
					Size:  sym.size,
				})
			expect.Nil(t, err)

			strtab = append(strtab, sym.name...)
			strtab = append(strtab, 0)
		}

		shstrtab := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")

		align8(body)
		symtabOffset := uint64(body.Len())
		body.Write(symtab.Bytes())

		strtabOffset := uint64(body.Len())
		body.Write(strtab)

		shstrtabOffset := uint64(body.Len())
		body.Write(shstrtab)

		sections = append(
			sections,
			elf.Section64{
				Name:      1,
				Type:      uint32(elf.SHT_PROGBITS),
				Flags:     uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
				Addr:      fixtureEntryPoint,
				Off:       textOffset,
				Size:      uint64(len(fixtureText)),
				Addralign: 1,
			},
			elf.Section64{
				Name:      7,
				Type:      uint32(elf.SHT_SYMTAB),
				Off:       symtabOffset,
				Size:      uint64(symtab.Len()),
				Link:      3,
				Info:      1,
				Addralign: 8,
				Entsize:   24,
			},
			elf.Section64{
				Name:      15,
				Type:      uint32(elf.SHT_STRTAB),
				Off:       strtabOffset,
				Size:      uint64(len(strtab)),
				Addralign: 1,
			},
			elf.Section64{
				Name:      23,
				Type:      uint32(elf.SHT_STRTAB),
				Off:       shstrtabOffset,
				Size:      uint64(len(shstrtab)),
				Addralign: 1,
			})

		align8(body)
		header.Shoff = uint64(body.Len())
		header.Shentsize = 64
		header.Shnum = uint16(len(sections))
		header.Shstrndx = 4
	}

	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Vaddr:  fixtureLoadAddress,
		Paddr:  fixtureLoadAddress,
		Filesz: loadSize,
		Memsz:  loadSize,
		Align:  0x1000,
	}

	headers := &bytes.Buffer{}
	err := binary.Write(headers, binary.LittleEndian, header)
	expect.Nil(t, err)
	err = binary.Write(headers, binary.LittleEndian, prog)
	expect.Nil(t, err)

	content := body.Bytes()
	copy(content, headers.Bytes())

	if withSymbols {
		for _, section := range sections {
			err := binary.Write(body, binary.LittleEndian, section)
			expect.Nil(t, err)
		}
		content = body.Bytes()
	}

	fileName := path.Join(t.TempDir(), "fixture")
	err = os.WriteFile(fileName, content, 0755)
	expect.Nil(t, err)

	return fileName
}
