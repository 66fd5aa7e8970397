//go:build tinygo

package settings

import (
	"sync"
	"unsafe"

	"openenterprise/wifimgr/flashrange"
	"openenterprise/wifimgr/ota"
)

var safeExecuteMu sync.Mutex

// unsafeReadLogical returns a copy of the bytes at the given XIP-mapped
// logical range. Flash is memory-mapped for reads on RP2350, so this is a
// plain slice copy from the address window.
func unsafeReadLogical(l flashrange.LogicalRange) []byte {
	src := unsafe.Slice((*byte)(unsafe.Pointer(l.StartPtr)), l.Size)
	out := make([]byte, l.Size)
	copy(out, src)
	return out
}

// RP2350FlashWriter implements FlashWriter over the RP2350 bootrom ROM
// functions, reusing the same low-level erase/program primitives the
// firmware-update path uses (see the ota package), applied here to the
// settings region instead of a firmware partition.
type RP2350FlashWriter struct{}

// PageSize returns the RP2350's flash write granularity.
func (RP2350FlashWriter) PageSize() uint32 { return ota.PageSize }

// EraseRegion erases every sector covered by r. An r that is not
// sector-aligned is first widened with FlashRange.AlignOut(ota.SectorSize).
func (RP2350FlashWriter) EraseRegion(r flashrange.FlashRange) error {
	if !r.Aligned(ota.SectorSize) {
		r = r.AlignOut(ota.SectorSize)
	}
	for off := r.StartOffset; off < r.End(); off += ota.SectorSize {
		if err := ota.EraseSector(off); err != nil {
			return err
		}
	}
	return nil
}

// ProgramPage writes page at the given raw flash offset.
func (RP2350FlashWriter) ProgramPage(offset uint32, page []byte) error {
	return ota.Program(offset, page)
}

// ReadRegion reads directly from the XIP-mapped flash window. The settings
// sector sits in the tail past both application partitions, so translation
// uses the bootrom's XIP base directly rather than a partition offset.
func (RP2350FlashWriter) ReadRegion(r flashrange.FlashRange) ([]byte, error) {
	platform := flashrange.Platform{XIPBase: ota.XIPBase, FlashSize: ota.FlashCapacity}
	logical, err := platform.Translate(r)
	if err != nil {
		return nil, err
	}
	return unsafeReadLogical(logical), nil
}

// SafeExecute runs fn with the settings write serialized against the other
// core, matching the interrupt-disable discipline ota's C helpers already
// apply around each individual erase/program call; at this layer it also
// ensures no other goroutine observes a half-written blob.
func (RP2350FlashWriter) SafeExecute(fn func()) {
	safeExecuteMu.Lock()
	defer safeExecuteMu.Unlock()
	fn()
}
