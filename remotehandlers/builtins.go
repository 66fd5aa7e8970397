package remotehandlers

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"openenterprise/wifimgr/flashrange"
	"openenterprise/wifimgr/remotecrypto"
	"openenterprise/wifimgr/settings"
)

// DeviceInfo supplies the identity fields the info handler reports;
// Uptime and IPv4 are functions so each request reflects the current
// moment.
type DeviceInfo struct {
	BoardID   [8]byte
	Version   string
	GitSHA    string
	BuildDate string
	Hostname  string
	Uptime    func() time.Duration
	IPv4      func() string
}

// SettingsAccess is the subset of the settings package a handler needs:
// the live in-RAM store, where and how to persist it, and a hook run
// after every successful settings write so the owner can re-derive the
// hashed secret and hostname from the new blob.
type SettingsAccess struct {
	Store     *settings.Store
	Writer    settings.FlashWriter
	Region    settings.Region
	OnApplied func()
}

// RegisterBuiltins installs the built-in handlers into r.
func RegisterBuiltins(r *Registry, info DeviceInfo, sa *SettingsAccess, flash FlashAccess, reboot Rebooter, mmap MemoryMap) {
	r.Register(MsgPicoInfo, infoHandler(info, reboot, mmap))
	r.Register(MsgUpdateSettings, updateSettingsHandler(sa))
	r.Register(MsgUpdateAndReboot, updateSettingsAndRebootHandler(sa, reboot))
	r.Register(MsgReadFlash, readHandler(flash, mmap))
	r.Register(MsgWriteFlash, writeFlashHandler(flash, mmap))
	r.Register(MsgOTAFirmwareUpdate, otaFirmwareUpdateHandler(flash, reboot, mmap))
}

// infoHandler reports board identity, build metadata, and the flash
// layout as newline-separated key=value text, with no side effects. The
// request must carry no payload and a zero parameter.
func infoHandler(info DeviceInfo, reboot Rebooter, mmap MemoryMap) Handler {
	return OneShot{Run: func(req Request) (Response, error) {
		if len(req.Data) != 0 || req.Param != 0 {
			return Response{}, ErrBadParameter{Reason: "info takes no payload or parameter"}
		}
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "board_id=%X\n", info.BoardID)
		fmt.Fprintf(&buf, "version=%s\n", info.Version)
		fmt.Fprintf(&buf, "git_sha=%s\n", info.GitSHA)
		fmt.Fprintf(&buf, "build_date=%s\n", info.BuildDate)
		if info.Hostname != "" {
			fmt.Fprintf(&buf, "name=%s\n", info.Hostname)
		}
		if info.IPv4 != nil {
			fmt.Fprintf(&buf, "ip=%s\n", info.IPv4())
		}
		if info.Uptime != nil {
			fmt.Fprintf(&buf, "uptime_s=%d\n", int64(info.Uptime().Seconds()))
		}
		writeRange := func(name string, r flashrange.FlashRange) {
			fmt.Fprintf(&buf, "%s=0x%x:0x%x\n", name, r.StartOffset, r.Size)
		}
		writeRange("program", mmap.Flash.Program())
		writeRange("reusable", mmap.Flash.Reusable())
		writeRange("settings", mmap.Flash.SettingsRegion())
		if reboot != nil {
			fmt.Fprintf(&buf, "partition=%d\n", reboot.CurrentPartition())
			target := reboot.TargetPartition()
			fmt.Fprintf(&buf, "target_offset=0x%x\n", reboot.PartitionOffset(target))
			fmt.Fprintf(&buf, "target_max=0x%x\n", reboot.PartitionMaxSize())
		}
		return Response{Result: 0, Data: buf.Bytes()}, nil
	}}
}

// updateSettingsHandler replaces the settings blob with the request
// payload (a full set of key=value lines) and persists it, without
// rebooting. The result is the number of bytes written.
func updateSettingsHandler(sa *SettingsAccess) Handler {
	return OneShot{Run: func(req Request) (Response, error) {
		if err := applySettingsUpdate(sa, req.Data); err != nil {
			return Response{Result: 1}, err
		}
		return Response{Result: uint32(len(req.Data))}, nil
	}}
}

// updateSettingsAndRebootHandler persists the new settings (when the
// payload is nonempty) during Verify, so the client still gets a failure
// response for a malformed or oversized blob; the reboot only happens in
// Commit, after the response has been flushed. A request parameter of 1
// reboots into the bootloader instead of restarting the firmware.
func updateSettingsAndRebootHandler(sa *SettingsAccess, reboot Rebooter) Handler {
	return TwoStage{
		Verify: func(req Request) (Response, error) {
			if len(req.Data) > 0 {
				if err := applySettingsUpdate(sa, req.Data); err != nil {
					return Response{Result: 1}, err
				}
			}
			return Response{Result: uint32(len(req.Data))}, nil
		},
		Commit: func(req Request) {
			if reboot == nil {
				return
			}
			if req.Param == 1 {
				reboot.RebootToBootloader()
				return
			}
			reboot.Reboot()
		},
	}
}

func applySettingsUpdate(sa *SettingsAccess, data []byte) error {
	if sa == nil {
		return fmt.Errorf("remotehandlers: settings access not configured")
	}
	newStore := settings.Parse(data)
	if err := newStore.Save(sa.Writer, sa.Region); err != nil {
		return err
	}
	*sa.Store = *newStore
	if sa.OnApplied != nil {
		sa.OnApplied()
	}
	return nil
}

// readHandler serves raw memory reads: the payload carries a 4-byte
// little-endian CPU address, the parameter the byte count. The range must
// lie entirely inside the flash XIP window or the on-chip SRAM window;
// anything else is refused.
func readHandler(flash FlashAccess, mmap MemoryMap) Handler {
	return OneShot{Run: func(req Request) (Response, error) {
		if flash == nil {
			return Response{Result: 1}, fmt.Errorf("remotehandlers: flash access not configured")
		}
		if len(req.Data) != 4 {
			return Response{}, ErrBadParameter{Reason: "read expects a 4-byte address"}
		}
		addr := uintptr(binary.LittleEndian.Uint32(req.Data[:4]))
		size := req.Param
		if size == 0 || size > MaxReadSize {
			return Response{}, ErrBadParameter{Reason: "read size out of range"}
		}
		want := flashrange.LogicalRange{StartPtr: addr, Size: size}

		flashWin := mmap.flashWindow()
		if addr >= flashWin.StartPtr && want.End() <= flashWin.End() {
			data, err := flash.ReadFlash(flashrange.FlashRange{
				StartOffset: uint32(addr - flashWin.StartPtr),
				Size:        size,
			})
			if err != nil {
				return Response{Result: 1}, err
			}
			return Response{Result: 0, Data: data}, nil
		}
		if addr >= mmap.SRAM.StartPtr && want.End() <= mmap.SRAM.End() {
			data, err := flash.ReadRAM(want)
			if err != nil {
				return Response{Result: 1}, err
			}
			return Response{Result: 0, Data: data}, nil
		}
		return Response{}, ErrBadParameter{Reason: "address outside flash and SRAM"}
	}}
}

// MaxReadSize caps a single raw read at the channel's payload limit.
const MaxReadSize = 4096

// writeFlashHandler erases and programs a sector-aligned flash range: the
// parameter is the target offset, the payload the data. The offset must
// be sector-aligned, the payload a whole number of sectors, and the
// target range dynamically writable (clear of the running program, the
// settings region, and any reserved tail). Programming is verified by
// readback.
func writeFlashHandler(flash FlashAccess, mmap MemoryMap) Handler {
	return OneShot{Run: func(req Request) (Response, error) {
		if flash == nil {
			return Response{Result: 1}, fmt.Errorf("remotehandlers: flash access not configured")
		}
		offset := req.Param
		sectorSz := flash.SectorSize()
		if offset%sectorSz != 0 {
			return Response{}, ErrBadParameter{Reason: "target offset not sector-aligned"}
		}
		if len(req.Data) == 0 || uint32(len(req.Data))%sectorSz != 0 {
			return Response{}, ErrBadParameter{Reason: "payload not a whole number of sectors"}
		}
		target := flashrange.FlashRange{StartOffset: offset, Size: uint32(len(req.Data))}
		if !mmap.Flash.Writable(target) {
			return Response{}, ErrBadParameter{Reason: "target range not writable"}
		}
		for s := target.StartOffset; s < target.End(); s += sectorSz {
			if err := flash.EraseSector(s); err != nil {
				return Response{Result: 1}, err
			}
		}
		if err := flash.WriteFlash(offset, req.Data); err != nil {
			return Response{Result: 1}, err
		}
		got, err := flash.ReadFlash(target)
		if err != nil {
			return Response{Result: 1}, err
		}
		if !bytes.Equal(got, req.Data) {
			return Response{Result: 1}, fmt.Errorf("remotehandlers: flash readback mismatch at 0x%x", offset)
		}
		return Response{Result: uint32(len(req.Data))}, nil
	}}
}

// otaFirmwareUpdateHandler finalizes an OTA update staged into the target
// partition via prior writeFlashHandler calls: Verify reads back
// req.Param bytes from the target partition and checks them against the
// 32-byte SHA-256 carried in the payload; Commit reboots into the
// now-verified partition, which boots in trial (TBYB) mode and is
// confirmed by the new firmware after it comes up healthy.
func otaFirmwareUpdateHandler(flash FlashAccess, reboot Rebooter, mmap MemoryMap) Handler {
	return TwoStage{
		Verify: func(req Request) (Response, error) {
			if flash == nil || reboot == nil {
				return Response{Result: 1}, fmt.Errorf("remotehandlers: OTA not configured")
			}
			if len(req.Data) != sha256.Size {
				return Response{}, ErrBadParameter{Reason: "OTA finalize expects a 32-byte hash"}
			}
			size := req.Param
			if size == 0 || size > reboot.PartitionMaxSize() {
				return Response{}, ErrBadParameter{Reason: "image size out of range"}
			}
			target := reboot.TargetPartition()
			staged := flashrange.FlashRange{StartOffset: reboot.PartitionOffset(target), Size: size}
			if !mmap.Flash.Writable(staged) {
				return Response{}, ErrBadParameter{Reason: "staged image range not writable"}
			}
			data, err := flash.ReadFlash(staged)
			if err != nil {
				return Response{Result: 1}, err
			}
			got := sha256.Sum256(data)
			if !remotecrypto.ConstantTimeEqual(got[:], req.Data) {
				return Response{Result: 1}, fmt.Errorf("remotehandlers: OTA image hash mismatch")
			}
			return Response{Result: 0}, nil
		},
		Commit: func(req Request) {
			reboot.RebootToPartition(reboot.TargetPartition())
		},
	}
}
