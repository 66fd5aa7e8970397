//go:build !tinygo

package settings

import (
	"fmt"

	"openenterprise/wifimgr/flashrange"
)

// MemFlashWriter is an in-memory FlashWriter standing in for real flash in
// host tests, mirroring the dual-build split the rest of this module uses
// between a tinygo hardware backend and a portable one.
type MemFlashWriter struct {
	Mem      []byte
	PageSz   uint32
	SectorSz uint32

	EraseCalls   int
	ProgramCalls int

	// CorruptNextProgram flips one bit of the next programmed page after
	// writing it, modeling a flash fault Save's verify pass must catch.
	CorruptNextProgram bool
}

// NewMemFlashWriter allocates a MemFlashWriter of the given total size,
// pre-erased (all 0xFF) as real NOR flash is after erase.
func NewMemFlashWriter(size int) *MemFlashWriter {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = 0xFF
	}
	return &MemFlashWriter{Mem: mem, PageSz: 256, SectorSz: 4096}
}

func (m *MemFlashWriter) PageSize() uint32 { return m.PageSz }

func (m *MemFlashWriter) EraseRegion(r flashrange.FlashRange) error {
	m.EraseCalls++
	aligned := r.AlignOut(m.SectorSz)
	if aligned.End() > uint32(len(m.Mem)) {
		return fmt.Errorf("settings: erase range %+v out of bounds", aligned)
	}
	for i := aligned.StartOffset; i < aligned.End(); i++ {
		m.Mem[i] = 0xFF
	}
	return nil
}

func (m *MemFlashWriter) ProgramPage(offset uint32, page []byte) error {
	m.ProgramCalls++
	if int(offset)+len(page) > len(m.Mem) {
		return fmt.Errorf("settings: program at %d len %d out of bounds", offset, len(page))
	}
	for i, b := range page {
		// Real NOR flash can only clear bits on program, never set them;
		// model that so a test writing to a non-erased page fails loudly.
		m.Mem[int(offset)+i] &= b
	}
	if m.CorruptNextProgram {
		m.CorruptNextProgram = false
		m.Mem[offset] ^= 0x01
	}
	return nil
}

func (m *MemFlashWriter) ReadRegion(r flashrange.FlashRange) ([]byte, error) {
	if r.End() > uint32(len(m.Mem)) {
		return nil, fmt.Errorf("settings: read range %+v out of bounds", r)
	}
	out := make([]byte, r.Size)
	copy(out, m.Mem[r.StartOffset:r.End()])
	return out, nil
}

func (m *MemFlashWriter) SafeExecute(fn func()) { fn() }
