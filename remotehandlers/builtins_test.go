package remotehandlers

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"openenterprise/wifimgr/settings"
)

func newTestRegistry(t *testing.T) (*Registry, *SettingsAccess, *MemFlash) {
	t.Helper()
	store := &settings.Store{}
	store.Set("ssid1", "homenet")
	flash := NewMemFlash(512 * 1024)
	mmap := flash.MemoryMap()
	sa := &SettingsAccess{
		Store:  store,
		Writer: settings.NewMemFlashWriter(512 * 1024),
		Region: settings.Region{Range: mmap.Flash.Settings},
	}
	if err := store.Save(sa.Writer, sa.Region); err != nil {
		t.Fatalf("seed save: %v", err)
	}
	reg := NewRegistry()
	info := DeviceInfo{
		BoardID:   [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		Version:   "1.0.0",
		GitSHA:    "abc123",
		BuildDate: "2026-01-01",
		Hostname:  "testdev",
		Uptime:    func() time.Duration { return 5 * time.Minute },
	}
	RegisterBuiltins(reg, info, sa, flash, flash, mmap)
	return reg, sa, flash
}

func infoField(t *testing.T, text, key string) string {
	t.Helper()
	for _, line := range strings.Split(text, "\n") {
		if v, ok := strings.CutPrefix(line, key+"="); ok {
			return v
		}
	}
	t.Fatalf("info output missing %q:\n%s", key, text)
	return ""
}

func TestInfoHandlerReportsKeyValueText(t *testing.T) {
	reg, _, flash := newTestRegistry(t)
	resp, commit, err := reg.Dispatch(Request{MsgType: MsgPicoInfo})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if commit != nil {
		t.Fatalf("expected no commit for a OneShot handler")
	}
	text := string(resp.Data)
	if got := infoField(t, text, "board_id"); got != "0102030405060708" {
		t.Fatalf("board_id = %q", got)
	}
	if got := infoField(t, text, "version"); got != "1.0.0" {
		t.Fatalf("version = %q", got)
	}
	if got := infoField(t, text, "uptime_s"); got != "300" {
		t.Fatalf("uptime_s = %q", got)
	}
	if got := infoField(t, text, "partition"); got != "0" {
		t.Fatalf("partition = %q", got)
	}
	wantTarget := flash.PartitionOffset(flash.TargetPartition())
	gotTarget, err := strconv.ParseUint(strings.TrimPrefix(infoField(t, text, "target_offset"), "0x"), 16, 32)
	if err != nil || uint32(gotTarget) != wantTarget {
		t.Fatalf("target_offset = %q, want 0x%x (%v)", infoField(t, text, "target_offset"), wantTarget, err)
	}
}

func TestInfoHandlerRejectsPayload(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, _, err := reg.Dispatch(Request{MsgType: MsgPicoInfo, Data: []byte("x")})
	var bad ErrBadParameter
	if !errors.As(err, &bad) {
		t.Fatalf("err = %v, want ErrBadParameter", err)
	}
	_, _, err = reg.Dispatch(Request{MsgType: MsgPicoInfo, Param: 7})
	if !errors.As(err, &bad) {
		t.Fatalf("err = %v, want ErrBadParameter for nonzero param", err)
	}
}

func TestUpdateSettingsHandler(t *testing.T) {
	reg, sa, _ := newTestRegistry(t)
	applied := 0
	sa.OnApplied = func() { applied++ }
	newBlob := []byte("ssid1=othernet\npass1=newpass\n")
	resp, commit, err := reg.Dispatch(Request{MsgType: MsgUpdateSettings, Data: newBlob})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if commit != nil {
		t.Fatalf("expected no commit")
	}
	if resp.Result != uint32(len(newBlob)) {
		t.Fatalf("result = %d, want written size %d", resp.Result, len(newBlob))
	}
	if applied != 1 {
		t.Fatalf("OnApplied ran %d times, want 1", applied)
	}
	if v, _ := sa.Store.Lookup("ssid1"); v != "othernet" {
		t.Fatalf("store not updated in place: ssid1 = %q", v)
	}
	reloaded, err := settings.Load(sa.Writer, sa.Region)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v, _ := reloaded.Lookup("ssid1"); v != "othernet" {
		t.Fatalf("persisted blob not updated: ssid1 = %q", v)
	}
}

func TestUpdateAndRebootHandlerDefersReboot(t *testing.T) {
	reg, _, flash := newTestRegistry(t)
	resp, commit, err := reg.Dispatch(Request{MsgType: MsgUpdateAndReboot, Data: []byte("ssid1=x\n")})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Result != uint32(len("ssid1=x\n")) {
		t.Fatalf("result = %d", resp.Result)
	}
	if flash.RebootCalled {
		t.Fatalf("reboot must not happen before commit runs")
	}
	if commit == nil {
		t.Fatalf("expected a commit callback")
	}
	commit()
	if !flash.RebootCalled {
		t.Fatalf("expected reboot after commit")
	}
	if flash.BootloaderCalled {
		t.Fatalf("param 0 must not enter the bootloader")
	}
}

func TestUpdateAndRebootHandlerParamOneEntersBootloader(t *testing.T) {
	reg, _, flash := newTestRegistry(t)
	_, commit, err := reg.Dispatch(Request{MsgType: MsgUpdateAndReboot, Param: 1})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	commit()
	if !flash.BootloaderCalled {
		t.Fatalf("expected bootloader reboot for param 1")
	}
	if flash.RebootCalled {
		t.Fatalf("plain reboot must not also run")
	}
}

func TestReadWriteFlashHandlers(t *testing.T) {
	reg, _, flash := newTestRegistry(t)
	// Stage into the inactive partition: the only dynamically writable
	// area besides the tail slack.
	offset := flash.PartitionOffset(flash.TargetPartition())
	payload := bytes.Repeat([]byte{0x42}, int(flash.SectorSize()))

	resp, _, err := reg.Dispatch(Request{MsgType: MsgWriteFlash, Param: offset, Data: payload})
	if err != nil {
		t.Fatalf("write Dispatch: %v", err)
	}
	if resp.Result != uint32(len(payload)) {
		t.Fatalf("write result = %d, want %d", resp.Result, len(payload))
	}

	var addrBuf [4]byte
	binary.LittleEndian.PutUint32(addrBuf[:], 0x10000000+offset)
	readReq := Request{MsgType: MsgReadFlash, Param: uint32(len(payload)), Data: addrBuf[:]}
	readResp, _, err := reg.Dispatch(readReq)
	if err != nil {
		t.Fatalf("read Dispatch: %v", err)
	}
	if !bytes.Equal(readResp.Data, payload) {
		t.Fatalf("read back %d bytes, mismatch", len(readResp.Data))
	}
}

func TestReadHandlerServesSRAM(t *testing.T) {
	reg, _, flash := newTestRegistry(t)
	copy(flash.RAM, []byte("ram contents"))
	var addrBuf [4]byte
	binary.LittleEndian.PutUint32(addrBuf[:], uint32(flash.RAMBase))
	resp, _, err := reg.Dispatch(Request{MsgType: MsgReadFlash, Param: 12, Data: addrBuf[:]})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(resp.Data) != "ram contents" {
		t.Fatalf("RAM read = %q", resp.Data)
	}
}

func TestReadHandlerRefusesOutsideWindows(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	var addrBuf [4]byte
	binary.LittleEndian.PutUint32(addrBuf[:], 0x30000000)
	_, _, err := reg.Dispatch(Request{MsgType: MsgReadFlash, Param: 16, Data: addrBuf[:]})
	var bad ErrBadParameter
	if !errors.As(err, &bad) {
		t.Fatalf("err = %v, want ErrBadParameter for stray address", err)
	}
}

func TestWriteFlashHandlerValidation(t *testing.T) {
	reg, _, flash := newTestRegistry(t)
	sector := int(flash.SectorSize())
	stageable := flash.PartitionOffset(flash.TargetPartition())

	cases := []struct {
		name   string
		offset uint32
		data   []byte
	}{
		{"unaligned offset", stageable + 1, bytes.Repeat([]byte{1}, sector)},
		{"partial sector", stageable, bytes.Repeat([]byte{1}, sector-1)},
		{"inside running program", flash.PartitionOffset(flash.CurrentPartition()), bytes.Repeat([]byte{1}, sector)},
		{"inside settings region", uint32(len(flash.Mem)) - flash.SectorSz, bytes.Repeat([]byte{1}, sector)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, _, err := reg.Dispatch(Request{MsgType: MsgWriteFlash, Param: c.offset, Data: c.data})
			var bad ErrBadParameter
			if !errors.As(err, &bad) {
				t.Fatalf("err = %v, want ErrBadParameter", err)
			}
		})
	}
}

func stageFirmware(t *testing.T, reg *Registry, flash *MemFlash, firmware []byte) {
	t.Helper()
	offset := flash.PartitionOffset(flash.TargetPartition())
	if _, _, err := reg.Dispatch(Request{MsgType: MsgWriteFlash, Param: offset, Data: firmware}); err != nil {
		t.Fatalf("stage firmware: %v", err)
	}
}

func TestOTAFirmwareUpdateHandler(t *testing.T) {
	reg, _, flash := newTestRegistry(t)
	target := flash.TargetPartition()
	firmware := bytes.Repeat([]byte{0x55}, 8192)
	stageFirmware(t, reg, flash, firmware)

	hash := sha256.Sum256(firmware)
	resp, commit, err := reg.Dispatch(Request{
		MsgType: MsgOTAFirmwareUpdate,
		Param:   uint32(len(firmware)),
		Data:    hash[:],
	})
	if err != nil {
		t.Fatalf("OTA verify: %v", err)
	}
	if resp.Result != 0 {
		t.Fatalf("OTA verify result = %d", resp.Result)
	}
	if flash.RebootedToCalled {
		t.Fatalf("reboot must not happen before commit")
	}
	commit()
	if !flash.RebootedToCalled || flash.RebootedTo != target {
		t.Fatalf("expected reboot to partition %d, got called=%v to=%d", target, flash.RebootedToCalled, flash.RebootedTo)
	}
}

func TestOTAFirmwareUpdateHandlerRejectsBadHash(t *testing.T) {
	reg, _, flash := newTestRegistry(t)
	firmware := bytes.Repeat([]byte{0x77}, 4096)
	stageFirmware(t, reg, flash, firmware)

	badHash := sha256.Sum256([]byte("not the firmware"))
	_, _, err := reg.Dispatch(Request{
		MsgType: MsgOTAFirmwareUpdate,
		Param:   uint32(len(firmware)),
		Data:    badHash[:],
	})
	if err == nil {
		t.Fatalf("expected hash mismatch error")
	}
	if flash.RebootedToCalled {
		t.Fatalf("must not reboot on hash mismatch")
	}
}

func TestOTAFirmwareUpdateHandlerRejectsOversizedImage(t *testing.T) {
	reg, _, flash := newTestRegistry(t)
	hash := sha256.Sum256([]byte("whatever"))
	_, _, err := reg.Dispatch(Request{
		MsgType: MsgOTAFirmwareUpdate,
		Param:   flash.PartitionMaxSize() + 1,
		Data:    hash[:],
	})
	var bad ErrBadParameter
	if !errors.As(err, &bad) {
		t.Fatalf("err = %v, want ErrBadParameter", err)
	}
	if flash.RebootedToCalled {
		t.Fatalf("must not reboot for an oversized image")
	}
}

func TestOTAFirmwareUpdateHandlerRejectsSettingsOverlap(t *testing.T) {
	reg, _, flash := newTestRegistry(t)
	// An image filling the whole target partition reaches into the
	// settings sector at the end of flash; the writable check must refuse
	// it before any hash comparison happens.
	hash := sha256.Sum256(bytes.Repeat([]byte{0x11}, int(flash.PartitionMaxSize())))
	_, _, err := reg.Dispatch(Request{
		MsgType: MsgOTAFirmwareUpdate,
		Param:   flash.PartitionMaxSize(),
		Data:    hash[:],
	})
	var bad ErrBadParameter
	if !errors.As(err, &bad) {
		t.Fatalf("err = %v, want ErrBadParameter when image overlaps settings", err)
	}
	if flash.RebootedToCalled {
		t.Fatalf("must not reboot when target overlaps settings")
	}
}

func TestDispatchUnknownMessageType(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, _, err := reg.Dispatch(Request{MsgType: 200})
	var unknown ErrUnknownMessageType
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want ErrUnknownMessageType", err)
	}
}
