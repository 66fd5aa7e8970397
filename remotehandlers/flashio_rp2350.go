//go:build tinygo

package remotehandlers

import (
	"unsafe"

	"openenterprise/wifimgr/flashrange"
	"openenterprise/wifimgr/ota"
)

func readLogical(l flashrange.LogicalRange) []byte {
	src := unsafe.Slice((*byte)(unsafe.Pointer(l.StartPtr)), l.Size)
	out := make([]byte, l.Size)
	copy(out, src)
	return out
}

// RP2350Flash implements FlashAccess and Rebooter over the ota package's
// bootrom bindings: the same erase/program primitives the settings store
// uses, applied here to caller-specified ranges, plus the A/B partition
// map and reboot paths.
type RP2350Flash struct{}

// RP2350MemoryMap returns the memory map matching the ota package's
// partition constants and the RP2350's main SRAM window.
func RP2350MemoryMap() MemoryMap {
	current := ota.CurrentPartition()
	start := ota.PartitionOffset(current)
	return MemoryMap{
		Flash: flashrange.Layout{
			FlashSize:    ota.FlashCapacity,
			ProgramStart: start,
			ProgramEnd:   start + ota.PartitionMaxSize(),
			Settings: flashrange.FlashRange{
				StartOffset: ota.FlashCapacity - ota.SectorSize,
				Size:        ota.SectorSize,
			},
		},
		Platform: flashrange.Platform{XIPBase: ota.XIPBase, FlashSize: ota.FlashCapacity},
		SRAM:     flashrange.LogicalRange{StartPtr: 0x20000000, Size: 520 * 1024},
	}
}

func (RP2350Flash) SectorSize() uint32 { return ota.SectorSize }

func (RP2350Flash) EraseSector(offset uint32) error { return ota.EraseSector(offset) }

func (RP2350Flash) WriteFlash(offset uint32, data []byte) error {
	return ota.Program(offset, data)
}

func (RP2350Flash) ReadFlash(r flashrange.FlashRange) ([]byte, error) {
	platform := flashrange.Platform{XIPBase: ota.XIPBase, FlashSize: ota.FlashCapacity}
	logical, err := platform.Translate(r)
	if err != nil {
		return nil, err
	}
	return readLogical(logical), nil
}

func (RP2350Flash) ReadRAM(l flashrange.LogicalRange) ([]byte, error) {
	return readLogical(l), nil
}

func (RP2350Flash) CurrentPartition() int                { return ota.CurrentPartition() }
func (RP2350Flash) TargetPartition() int                 { return ota.TargetPartition() }
func (RP2350Flash) PartitionOffset(partition int) uint32 { return ota.PartitionOffset(partition) }
func (RP2350Flash) PartitionMaxSize() uint32             { return ota.PartitionMaxSize() }
func (RP2350Flash) ConfirmPartition() error              { return ota.Confirm() }
func (RP2350Flash) RebootToPartition(partition int)      { ota.BootInto(partition) }
func (RP2350Flash) RebootToBootloader()                  { ota.EnterBootloader() }
func (RP2350Flash) Reboot()                              { ota.ResetViaWatchdog() }
