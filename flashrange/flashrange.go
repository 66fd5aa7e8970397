// Package flashrange implements the address-space math shared by the
// settings store and the remote firmware/flash handlers: translating a
// flash-relative byte range into the CPU-addressable window a platform
// maps it to, and aligning ranges to erase-sector boundaries.
package flashrange

import "fmt"

// FlashRange is a byte range expressed relative to the start of flash.
type FlashRange struct {
	StartOffset uint32
	Size        uint32
}

// End returns the exclusive end offset of r.
func (r FlashRange) End() uint32 { return r.StartOffset + r.Size }

// Contains reports whether r fully contains other.
func (r FlashRange) Contains(other FlashRange) bool {
	return other.StartOffset >= r.StartOffset && other.End() <= r.End()
}

// Overlaps reports whether r and other share any byte.
func (r FlashRange) Overlaps(other FlashRange) bool {
	return r.StartOffset < other.End() && other.StartOffset < r.End()
}

// AlignOut rounds r outward to whole multiples of sectorSize: StartOffset
// rounds down, the end rounds up. sectorSize must be a power of two.
func (r FlashRange) AlignOut(sectorSize uint32) FlashRange {
	mask := sectorSize - 1
	start := r.StartOffset &^ mask
	end := (r.End() + mask) &^ mask
	return FlashRange{StartOffset: start, Size: end - start}
}

// Aligned reports whether both StartOffset and Size are multiples of
// sectorSize.
func (r FlashRange) Aligned(sectorSize uint32) bool {
	return r.StartOffset%sectorSize == 0 && r.Size%sectorSize == 0
}

// LogicalRange is a CPU-readable view of a FlashRange: a base pointer and
// size in the address space the core actually executes/reads from.
type LogicalRange struct {
	StartPtr uintptr
	Size     uint32
}

// End returns the exclusive end address of l.
func (l LogicalRange) End() uintptr { return l.StartPtr + uintptr(l.Size) }

// Platform describes the constants needed to translate a flash-relative
// FlashRange into a LogicalRange on a given target. On RP2350, XIPBase is
// the bootrom's execute-in-place base address (0x10000000) and FlashSize is
// the total flash capacity in bytes.
type Platform struct {
	XIPBase   uintptr
	FlashSize uint32
}

// ErrOutOfRange is returned when a FlashRange falls outside the platform's
// flash capacity.
type ErrOutOfRange struct {
	Range    FlashRange
	Capacity uint32
}

func (e ErrOutOfRange) Error() string {
	return fmt.Sprintf("flashrange: range [%d,%d) exceeds flash capacity %d",
		e.Range.StartOffset, e.Range.End(), e.Capacity)
}

// Translate maps r onto the platform's CPU-addressable window. It returns
// ErrOutOfRange if r.End() exceeds p.FlashSize.
func (p Platform) Translate(r FlashRange) (LogicalRange, error) {
	if r.End() > p.FlashSize {
		return LogicalRange{}, ErrOutOfRange{Range: r, Capacity: p.FlashSize}
	}
	return LogicalRange{
		StartPtr: p.XIPBase + uintptr(r.StartOffset),
		Size:     r.Size,
	}, nil
}

// Layout answers the four region queries the settings store and the OTA
// handlers validate against: the space occupied by the running program,
// the settings blob, the reusable area between them, and flash as a
// whole. The boundaries are supplied by the application at startup, so
// the same query logic serves any partition table.
type Layout struct {
	FlashSize uint32

	// ProgramStart and ProgramEnd bound the region occupied by the
	// currently running program image (e.g. whichever OTA partition is
	// active, which need not start at offset zero on a partitioned
	// device).
	ProgramStart uint32
	ProgramEnd   uint32

	// Settings is the fixed settings-blob region; it sits above the program
	// image, with any platform-reserved tail immediately below it.
	Settings FlashRange

	// ReservedTail is a number of bytes at the very end of the reusable
	// area the platform keeps off-limits (e.g. a last-resort recovery
	// sector). It is excluded from Reusable but not from WholeFlash.
	ReservedTail uint32
}

// Program returns the region occupied by the running program image.
func (l Layout) Program() FlashRange {
	return FlashRange{StartOffset: l.ProgramStart, Size: l.ProgramEnd - l.ProgramStart}
}

// SettingsRegion returns the fixed settings-blob region.
func (l Layout) SettingsRegion() FlashRange {
	return l.Settings
}

// WholeFlash returns the entire flash device as one range.
func (l Layout) WholeFlash() FlashRange {
	return FlashRange{StartOffset: 0, Size: l.FlashSize}
}

// Reusable returns the area safe for dynamic writes: everything between
// the end of the program image and the start of the settings region,
// minus any platform-reserved tail taken off the high end of that span.
func (l Layout) Reusable() FlashRange {
	start := l.ProgramEnd
	end := l.Settings.StartOffset
	if end > start && l.ReservedTail < end-start {
		end -= l.ReservedTail
	} else {
		end = start
	}
	return FlashRange{StartOffset: start, Size: end - start}
}

// Writable reports whether r may be dynamically rewritten: wholly inside
// flash, clear of the running program image, the settings region, and the
// platform-reserved tail. On a partitioned device this admits the
// inactive partition regardless of which one is currently executing,
// which the contiguous Reusable span cannot express.
func (l Layout) Writable(r FlashRange) bool {
	if !l.WholeFlash().Contains(r) {
		return false
	}
	if r.Overlaps(l.Program()) || r.Overlaps(l.Settings) {
		return false
	}
	if l.ReservedTail > 0 {
		tail := FlashRange{StartOffset: l.Settings.StartOffset - l.ReservedTail, Size: l.ReservedTail}
		if r.Overlaps(tail) {
			return false
		}
	}
	return true
}
