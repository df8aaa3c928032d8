package procfs

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type ProcfsSuite struct{}

func TestProcfs(t *testing.T) {
	suite.RunTests(t, &ProcfsSuite{})
}

func (ProcfsSuite) TestParseProcessStatus(t *testing.T) {
	status, err := parseProcessStatus(
		"4242 (weird (name)) t 17 4242 4242 0 -1 4194560 105 0 0 0\n")
	expect.Nil(t, err)
	expect.Equal(t, 4242, status.Pid)
	expect.Equal(t, "weird (name)", status.Comm)
	expect.Equal(t, TracingStop, status.State)
	expect.Equal(t, 17, status.Ppid)
	expect.Equal(t, 4242, status.Pgrp)
}

func (ProcfsSuite) TestParseMalformedProcessStatus(t *testing.T) {
	_, err := parseProcessStatus("garbage")
	expect.Error(t, err, "malformed stat entry")
}

func (ProcfsSuite) TestGetOwnProcessStatus(t *testing.T) {
	status, err := GetProcessStatus(os.Getpid())
	expect.Nil(t, err)
	expect.Equal(t, os.Getpid(), status.Pid)
	expect.Equal(t, os.Getppid(), status.Ppid)
}

func (ProcfsSuite) TestParseAuxiliaryVector(t *testing.T) {
	content := []byte{}
	for _, value := range []uint64{
		uint64(AT_PageSize), 0x1000,
		uint64(AT_Ignore), 0xdead,
		uint64(AT_Entry), 0x401000,
		uint64(AT_EndOfVector), 0,
	} {
		content = binary.LittleEndian.AppendUint64(content, value)
	}

	auxv, err := parseAuxiliaryVector(content)
	expect.Nil(t, err)
	expect.Equal(t, 2, len(auxv))
	expect.Equal(t, uint64(0x1000), auxv[AT_PageSize])
	expect.Equal(t, uint64(0x401000), auxv[AT_Entry])

	_, err = parseAuxiliaryVector(content[:12])
	expect.Error(t, err, "truncated auxiliary vector")
}

func (ProcfsSuite) TestGetOwnAuxiliaryVector(t *testing.T) {
	auxv, err := GetAuxiliaryVector(os.Getpid())
	expect.Nil(t, err)

	_, ok := auxv[AT_Entry]
	expect.True(t, ok)
}

func (ProcfsSuite) TestParseMappedMemoryRegion(t *testing.T) {
	region, err := parseMappedMemoryRegion(
		"00400000-00401000 r-xp 00000000 08:01 1234    /tmp/my target")
	expect.Nil(t, err)
	expect.Equal(t, uint64(0x400000), region.LowAddress)
	expect.Equal(t, uint64(0x401000), region.HighAddress)
	expect.True(t, region.Read)
	expect.False(t, region.Write)
	expect.True(t, region.Execute)
	expect.True(t, region.Private)
	expect.Equal(t, "/tmp/my target", region.Pathname)
	expect.True(t, region.Contains(0x400fff))
	expect.False(t, region.Contains(0x401000))
	expect.Equal(
		t,
		"0x0000000000400000-0x0000000000401000 r-xp 00000000 /tmp/my target",
		region.String())

	region, err = parseMappedMemoryRegion(
		"7ffd1000-7ffd3000 rw-p 00000000 00:00 0")
	expect.Nil(t, err)
	expect.Equal(t, "", region.Pathname)
}

func (ProcfsSuite) TestGetOwnMappedMemoryRegions(t *testing.T) {
	regions, err := GetMappedMemoryRegions(os.Getpid())
	expect.Nil(t, err)
	expect.True(t, len(regions) > 0)
}
