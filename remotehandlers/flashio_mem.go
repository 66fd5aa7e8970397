//go:build !tinygo

package remotehandlers

import (
	"fmt"

	"openenterprise/wifimgr/flashrange"
)

// MemFlash is an in-memory FlashAccess + Rebooter for host tests, modeling
// a two-partition RP2350-shaped layout without any real flash or reboot.
type MemFlash struct {
	Mem              []byte
	RAM              []byte
	RAMBase          uintptr
	SectorSz         uint32
	PartitionOff     [2]uint32
	PartitionMaxSz   uint32
	CurrentPart      int
	ConfirmCalls     int
	RebootedTo       int
	RebootedToCalled bool
	RebootCalled     bool
	BootloaderCalled bool
}

// NewMemFlash allocates a MemFlash with the given total size and a simple
// two-partition layout covering the remainder after offset 0.
func NewMemFlash(size int) *MemFlash {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = 0xFF
	}
	half := uint32(size / 2)
	return &MemFlash{
		Mem:            mem,
		RAM:            make([]byte, 4096),
		RAMBase:        0x20000000,
		SectorSz:       4096,
		PartitionOff:   [2]uint32{0, half},
		PartitionMaxSz: half,
		CurrentPart:    0,
		RebootedTo:     -1,
	}
}

// MemoryMap returns a map consistent with the MemFlash's own layout:
// partition 0 is the running program, the last sector holds settings, the
// simulated RAM window sits at RAMBase.
func (m *MemFlash) MemoryMap() MemoryMap {
	return MemoryMap{
		Flash: flashrange.Layout{
			FlashSize:    uint32(len(m.Mem)),
			ProgramStart: m.PartitionOff[m.CurrentPart],
			ProgramEnd:   m.PartitionOff[m.CurrentPart] + m.PartitionMaxSz,
			Settings: flashrange.FlashRange{
				StartOffset: uint32(len(m.Mem)) - m.SectorSz,
				Size:        m.SectorSz,
			},
		},
		Platform: flashrange.Platform{XIPBase: 0x10000000, FlashSize: uint32(len(m.Mem))},
		SRAM:     flashrange.LogicalRange{StartPtr: m.RAMBase, Size: uint32(len(m.RAM))},
	}
}

// ReadRAM serves reads out of the simulated RAM window.
func (m *MemFlash) ReadRAM(l flashrange.LogicalRange) ([]byte, error) {
	if l.StartPtr < m.RAMBase || l.End() > m.RAMBase+uintptr(len(m.RAM)) {
		return nil, fmt.Errorf("remotehandlers: RAM range %+v out of bounds", l)
	}
	off := l.StartPtr - m.RAMBase
	out := make([]byte, l.Size)
	copy(out, m.RAM[off:off+uintptr(l.Size)])
	return out, nil
}

func (m *MemFlash) SectorSize() uint32 { return m.SectorSz }

func (m *MemFlash) EraseSector(offset uint32) error {
	if int(offset)+int(m.SectorSz) > len(m.Mem) {
		return fmt.Errorf("remotehandlers: erase at %d out of bounds", offset)
	}
	for i := offset; i < offset+m.SectorSz; i++ {
		m.Mem[i] = 0xFF
	}
	return nil
}

func (m *MemFlash) WriteFlash(offset uint32, data []byte) error {
	if int(offset)+len(data) > len(m.Mem) {
		return fmt.Errorf("remotehandlers: write at %d len %d out of bounds", offset, len(data))
	}
	for i, b := range data {
		m.Mem[int(offset)+i] &= b
	}
	return nil
}

func (m *MemFlash) ReadFlash(r flashrange.FlashRange) ([]byte, error) {
	if r.End() > uint32(len(m.Mem)) {
		return nil, fmt.Errorf("remotehandlers: read range %+v out of bounds", r)
	}
	out := make([]byte, r.Size)
	copy(out, m.Mem[r.StartOffset:r.End()])
	return out, nil
}

func (m *MemFlash) CurrentPartition() int { return m.CurrentPart }
func (m *MemFlash) TargetPartition() int {
	if m.CurrentPart == 0 {
		return 1
	}
	return 0
}
func (m *MemFlash) PartitionOffset(partition int) uint32 { return m.PartitionOff[partition] }
func (m *MemFlash) PartitionMaxSize() uint32             { return m.PartitionMaxSz }
func (m *MemFlash) ConfirmPartition() error {
	m.ConfirmCalls++
	return nil
}
func (m *MemFlash) RebootToPartition(partition int) {
	m.RebootedTo = partition
	m.RebootedToCalled = true
}
func (m *MemFlash) Reboot()             { m.RebootCalled = true }
func (m *MemFlash) RebootToBootloader() { m.BootloaderCalled = true }
