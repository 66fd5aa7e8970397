package remotehandlers

import "openenterprise/wifimgr/flashrange"

// FlashAccess abstracts the raw memory operations the READ_FLASH and
// WRITE_FLASH built-in handlers and the OTA finalize step need.
// Implementations live in flashio_rp2350.go (tinygo, over the ota
// package's bootrom bindings) and flashio_mem.go (host tests).
type FlashAccess interface {
	ReadFlash(r flashrange.FlashRange) ([]byte, error)
	ReadRAM(l flashrange.LogicalRange) ([]byte, error)
	EraseSector(offset uint32) error
	WriteFlash(offset uint32, data []byte) error
	SectorSize() uint32
}

// Rebooter abstracts the partition and reset operations the OTA and
// update-and-reboot handlers need: which partition is active, which is
// the update target, confirming a trial boot, and the three ways off the
// running image (into a partition, into the bootloader, plain reset).
type Rebooter interface {
	CurrentPartition() int
	TargetPartition() int
	PartitionOffset(partition int) uint32
	PartitionMaxSize() uint32
	ConfirmPartition() error
	RebootToPartition(partition int)
	RebootToBootloader()
	Reboot()
}

// MemoryMap bounds what the raw read/write handlers may touch: the flash
// layout and its CPU-address translation, plus the on-chip SRAM window
// readable over the remote channel.
type MemoryMap struct {
	Flash    flashrange.Layout
	Platform flashrange.Platform
	SRAM     flashrange.LogicalRange
}

// flashWindow returns the CPU-address range flash appears at.
func (m MemoryMap) flashWindow() flashrange.LogicalRange {
	return flashrange.LogicalRange{StartPtr: m.Platform.XIPBase, Size: m.Flash.FlashSize}
}
