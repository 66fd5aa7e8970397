//go:build tinygo

// Package ota owns the RP2350 boot and flash plumbing the remote-control
// handlers and the settings store sit on top of: raw bootrom erase/program,
// the A/B application partition map, TBYB trial-boot confirmation, and the
// reboot paths (into a partition, into the BOOTSEL bootloader, or through
// the watchdog).
package ota

/*
#include <stdint.h>
#include <stdbool.h>
#include <stddef.h>

// Bootrom function table access. The RP2350 publishes well-known ROM
// routines through a lookup table at a fixed offset; resolving by 16-bit
// two-character code is the only supported way in, so every primitive in
// this file starts from wm_rom_lookup.

#define WM_ROM_CODE(c1, c2) ((c1) | ((c2) << 8))

#define WM_ROM_REBOOT        WM_ROM_CODE('R', 'B')
#define WM_ROM_EXPLICIT_BUY  WM_ROM_CODE('E', 'B')
#define WM_ROM_GET_SYS_INFO  WM_ROM_CODE('G', 'S')
#define WM_ROM_CONNECT_FLASH WM_ROM_CODE('I', 'F')
#define WM_ROM_EXIT_XIP      WM_ROM_CODE('E', 'X')
#define WM_ROM_RANGE_ERASE   WM_ROM_CODE('R', 'E')
#define WM_ROM_RANGE_PROGRAM WM_ROM_CODE('R', 'P')
#define WM_ROM_FLUSH_CACHE   WM_ROM_CODE('F', 'C')

#define WM_BOOTROM_TABLE_LOOKUP_OFFSET (0x14 + 2)
#define WM_RT_FLAG_FUNC_ARM_SEC 0x0004

typedef void *(*wm_rom_table_lookup_fn)(uint32_t code, uint32_t mask);

// TinyGo runs the RP2350 in the Secure state (TrustZone is not configured),
// so lookups always use the ARM-secure flag.
__attribute__((always_inline))
static void *wm_rom_lookup(uint32_t code) {
    wm_rom_table_lookup_fn lookup =
        (wm_rom_table_lookup_fn)(uintptr_t)*(uint16_t *)(WM_BOOTROM_TABLE_LOOKUP_OFFSET);
    return lookup(code, WM_RT_FLAG_FUNC_ARM_SEC);
}

// Reboot flags, RP2350 datasheet 5.4.8.24.
#define WM_REBOOT_TYPE_NORMAL       0x0
#define WM_REBOOT_TYPE_BOOTSEL      0x2
#define WM_REBOOT_TYPE_FLASH_UPDATE 0x4
#define WM_REBOOT_NO_RETURN         0x100

typedef int (*wm_rom_reboot_fn)(uint32_t flags, uint32_t delay_ms, uint32_t p0, uint32_t p1);
typedef int (*wm_rom_explicit_buy_fn)(uint8_t *buffer, uint32_t buffer_size);
typedef int (*wm_rom_get_sys_info_fn)(uint32_t *out, uint32_t out_words, uint32_t flags);

static int wm_last_reboot_result = 0;

static int wm_reboot(uint32_t flags, uint32_t delay_ms, uint32_t p0, uint32_t p1) {
    wm_rom_reboot_fn fn = (wm_rom_reboot_fn)wm_rom_lookup(WM_ROM_REBOOT);
    if (!fn) return -1;
    return fn(flags, delay_ms, p0, p1);
}

// TBYB confirm. Must run within the bootrom's 16.7s window after a
// flash-update boot or the previous partition is restored.
static int wm_confirm(void) {
    wm_rom_explicit_buy_fn fn = (wm_rom_explicit_buy_fn)wm_rom_lookup(WM_ROM_EXPLICIT_BUY);
    if (!fn) return -1;
    uint32_t workarea[64];
    return fn((uint8_t *)workarea, sizeof(workarea));
}

// FLASH_UPDATE reboot into the partition whose image starts at the given
// XIP address. p1 stays 0, matching the SDK's own usage. Spins until the
// reset takes hold; falls through only on a bootrom error.
static void wm_reboot_flash_update(uint32_t xip_addr) {
    wm_last_reboot_result = wm_reboot(
        WM_REBOOT_TYPE_FLASH_UPDATE | WM_REBOOT_NO_RETURN, 1000, xip_addr, 0);
    if (wm_last_reboot_result == 0) {
        for (volatile uint32_t i = 0; i < 20000000; i++) { }
        while (1) { __asm__("wfi"); }
    }
}

// BOOTSEL reboot: hand the chip back to the USB bootloader.
static void wm_reboot_bootsel(void) {
    wm_last_reboot_result = wm_reboot(
        WM_REBOOT_TYPE_BOOTSEL | WM_REBOOT_NO_RETURN, 100, 0, 0);
    if (wm_last_reboot_result == 0) {
        while (1) { __asm__("wfi"); }
    }
}

static int wm_reboot_result(void) {
    return wm_last_reboot_result;
}

// Which partition the bootrom loaded us from. GET_SYS_INFO with the
// BOOT_INFO flag returns 0xttppbbdd in word 1; pp is the boot partition,
// 0xFF when the chip booted without a partition table at all.
#define WM_SYS_INFO_BOOT_INFO 0x0040

static int wm_boot_partition(void) {
    wm_rom_get_sys_info_fn fn = (wm_rom_get_sys_info_fn)wm_rom_lookup(WM_ROM_GET_SYS_INFO);
    if (!fn) return 0;
    uint32_t buf[5];
    if (fn(buf, 5, WM_SYS_INFO_BOOT_INFO) < 0) return 0;
    if (!(buf[0] & WM_SYS_INFO_BOOT_INFO)) return 0;
    uint8_t p = (buf[1] >> 16) & 0xFF;
    if (p == 0xFF) return 0;
    return (int)p;
}

// Raw flash erase/program. Offsets are relative to the start of flash,
// bypassing TinyGo's machine.Flash (whose offsets are shifted by the data
// partition base). Interrupts stay off for the whole ROM sequence; XIP is
// unusable between exit_xip and flush, so nothing here may touch flash-
// resident code or data.

#define WM_SECTOR_SIZE 4096
#define WM_SECTOR_ERASE_CMD 0x20

typedef void (*wm_flash_connect_fn)(void);
typedef void (*wm_flash_exit_xip_fn)(void);
typedef void (*wm_flash_erase_fn)(uint32_t addr, size_t count, uint32_t block_size, uint8_t block_cmd);
typedef void (*wm_flash_program_fn)(uint32_t addr, const uint8_t *data, size_t count);
typedef void (*wm_flash_flush_fn)(void);

static int wm_flash_op(uint32_t offset, const uint8_t *data, uint32_t len, bool erase) {
    wm_flash_connect_fn connect = (wm_flash_connect_fn)wm_rom_lookup(WM_ROM_CONNECT_FLASH);
    wm_flash_exit_xip_fn exit_xip = (wm_flash_exit_xip_fn)wm_rom_lookup(WM_ROM_EXIT_XIP);
    wm_flash_flush_fn flush = (wm_flash_flush_fn)wm_rom_lookup(WM_ROM_FLUSH_CACHE);
    if (!connect || !exit_xip || !flush) return -1;

    uint32_t primask;
    __asm__ volatile ("mrs %0, primask" : "=r" (primask));
    __asm__ volatile ("cpsid i");

    int rc = 0;
    connect();
    exit_xip();
    if (erase) {
        wm_flash_erase_fn fn = (wm_flash_erase_fn)wm_rom_lookup(WM_ROM_RANGE_ERASE);
        if (fn) fn(offset, len, WM_SECTOR_SIZE, WM_SECTOR_ERASE_CMD);
        else rc = -1;
    } else {
        wm_flash_program_fn fn = (wm_flash_program_fn)wm_rom_lookup(WM_ROM_RANGE_PROGRAM);
        if (fn) fn(offset, data, len);
        else rc = -1;
    }
    flush();

    __asm__ volatile ("msr primask, %0" : : "r" (primask));
    return rc;
}
*/
import "C"

import (
	"errors"
	"runtime/volatile"
	"unsafe"
)

// Partition indexes into the fixed two-slot application map.
const (
	PartitionA = 0
	PartitionB = 1
)

// Flash geometry for the Pico 2 W's 4 MiB part.
const (
	SectorSize    = 4096 // erase granularity
	PageSize      = 256  // program granularity
	FlashCapacity = 0x400000
	XIPBase       = uintptr(0x10000000)
)

// Fixed partition map, verified against `picotool partition info`:
// an 8 KiB partition table, then two equal application slots, then the
// tail holding the settings sector.
//
//	0x000000  partition table
//	0x002000  partition A
//	0x1F2000  partition B
//	0x3E2000  tail (settings sector lives at the very end)
const (
	partitionAOffset = 0x2000
	partitionBOffset = 0x1F2000
	partitionMaxSize = 0x1F0000
)

var (
	ErrConfirmFailed = errors.New("ota: trial-boot confirm rejected by bootrom")
	ErrEraseFailed   = errors.New("ota: bootrom erase unavailable")
	ErrProgramFailed = errors.New("ota: bootrom program unavailable")
	ErrBadLength     = errors.New("ota: erase length not a whole number of sectors")
)

// CurrentPartition returns the partition the bootrom loaded this image
// from: PartitionA or PartitionB.
func CurrentPartition() int {
	return int(C.wm_boot_partition())
}

// TargetPartition returns the inactive partition, the one OTA staging
// writes into.
func TargetPartition() int {
	if CurrentPartition() == PartitionA {
		return PartitionB
	}
	return PartitionA
}

// PartitionOffset returns the flash offset of a partition's first byte.
func PartitionOffset(partition int) uint32 {
	if partition == PartitionA {
		return partitionAOffset
	}
	return partitionBOffset
}

// PartitionMaxSize returns the capacity of one application partition.
func PartitionMaxSize() uint32 { return partitionMaxSize }

// PartitionXIP returns the CPU address a partition's image appears at in
// the execute-in-place window.
func PartitionXIP(partition int) uintptr {
	return XIPBase + uintptr(PartitionOffset(partition))
}

// Confirm accepts the currently running image after a trial boot (TBYB).
// It must be called within the bootrom's post-boot window or the previous
// partition is restored on the next reset. Calling it when no trial is
// pending succeeds.
func Confirm() error {
	if C.wm_confirm() != 0 {
		return ErrConfirmFailed
	}
	return nil
}

// ConfirmCode is Confirm exposing the raw bootrom return code, for the
// info handler's diagnostics.
func ConfirmCode() int { return int(C.wm_confirm()) }

// preReboot, when set, runs before any reboot path so the caller can put
// the radio into a quiet state first.
var preReboot func()

// OnReboot registers fn to run immediately before any of the reboot
// entry points below.
func OnReboot(fn func()) { preReboot = fn }

// BootInto reboots through the bootrom's FLASH_UPDATE path so the given
// partition boots in trial (TBYB) mode. Does not return on success;
// BootResult reports the bootrom code after a failed attempt.
func BootInto(partition int) {
	if preReboot != nil {
		preReboot()
	}
	C.wm_reboot_flash_update(C.uint32_t(PartitionXIP(partition)))
}

// BootResult returns the bootrom code of the most recent failed reboot
// attempt, 0 if none failed.
func BootResult() int { return int(C.wm_reboot_result()) }

// EnterBootloader reboots into the BOOTSEL USB bootloader. Does not
// return on success.
func EnterBootloader() {
	if preReboot != nil {
		preReboot()
	}
	C.wm_reboot_bootsel()
}

// RP2350 watchdog block. Direct register writes, not machine.Watchdog:
// the reboot paths below run with interrupts off and cannot rely on any
// runtime-serviced abstraction.
const watchdogBase = 0x400d8000

var (
	watchdogCtrl = (*volatile.Register32)(unsafe.Pointer(uintptr(watchdogBase + 0x00)))
	watchdogLoad = (*volatile.Register32)(unsafe.Pointer(uintptr(watchdogBase + 0x04)))
)

const (
	watchdogCtrlTrigger = 1 << 31
	watchdogCtrlEnable  = 1 << 30
)

// ResetViaWatchdog forces an immediate full-chip reset. Does not return.
func ResetViaWatchdog() {
	if preReboot != nil {
		preReboot()
	}
	watchdogCtrl.Set(watchdogCtrlTrigger)
	for {
	}
}

// ArmWatchdog starts the hardware watchdog with the given load value so a
// long flash operation that wedges still ends in a reset. The watchdog
// counts at 1 MHz; RefreshWatchdog must be called before the count
// reaches zero.
func ArmWatchdog(loadTicks uint32) {
	watchdogLoad.Set(loadTicks)
	watchdogCtrl.Set(watchdogCtrlEnable)
}

// RefreshWatchdog reloads the armed watchdog counter.
func RefreshWatchdog(loadTicks uint32) {
	watchdogLoad.Set(loadTicks)
}

// Erase erases length bytes of flash starting at offset. Both must be
// sector-multiples; offset is relative to the start of flash.
func Erase(offset, length uint32) error {
	if offset%SectorSize != 0 || length%SectorSize != 0 {
		return ErrBadLength
	}
	if length == 0 {
		return nil
	}
	if C.wm_flash_op(C.uint32_t(offset), nil, C.uint32_t(length), true) != 0 {
		return ErrEraseFailed
	}
	return nil
}

// EraseSector erases the single sector at offset.
func EraseSector(offset uint32) error { return Erase(offset, SectorSize) }

// Program writes data at offset. The range must have been erased first;
// offset is relative to the start of flash.
func Program(offset uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if C.wm_flash_op(C.uint32_t(offset), (*C.uint8_t)(&data[0]), C.uint32_t(len(data)), false) != 0 {
		return ErrProgramFailed
	}
	return nil
}
