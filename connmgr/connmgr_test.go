package connmgr

import (
	"net/netip"
	"testing"
	"time"

	"openenterprise/wifimgr/settings"
)

func newTestManager(driver *mockDriver, store *settings.Store) *Manager {
	cfg := Config{
		ScanHoldoff:    10 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
	m := New(driver, store, cfg)
	if err := m.Init(); err != nil {
		panic(err)
	}
	return m
}

func TestEmptySettingsYieldsStorageEmptyError(t *testing.T) {
	store := &settings.Store{}
	m := newTestManager(&mockDriver{}, store)
	m.Connect()
	if m.State() != StateTryToConnect {
		t.Fatalf("state after Connect = %v, want StateTryToConnect", m.State())
	}
	m.Tick(time.Now())
	if m.State() != StateStorageEmptyError {
		t.Fatalf("state = %v, want StateStorageEmptyError", m.State())
	}

	// Once a slot appears, the next tick recovers to TRY_TO_CONNECT.
	store.Set("ssid1", "homenet")
	m.Tick(time.Now())
	if m.State() != StateTryToConnect {
		t.Fatalf("state after recovery = %v, want StateTryToConnect", m.State())
	}
}

func TestFullJoinSequence(t *testing.T) {
	store := &settings.Store{}
	store.Set("ssid1", "homenet")
	store.Set("pass1", "hunter2")

	driver := &mockDriver{
		scanResults: []ScanResult{{SSID: "homenet", RSSI: -40}},
		linkStatus:  LinkUp,
		ip:          netip.MustParseAddr("192.168.1.50"),
		hasIP:       true,
	}
	m := newTestManager(driver, store)
	m.Connect()

	now := time.Now()
	m.Tick(now) // TRY_TO_CONNECT -> SCANNING
	if m.State() != StateScanning {
		t.Fatalf("state = %v, want StateScanning", m.State())
	}
	if m.SlotStatus(1) != SlotFound {
		t.Fatalf("slot status after scan = %v, want SlotFound", m.SlotStatus(1))
	}
	m.Tick(now) // SCANNING -> CONNECTING (slot 1 joined)
	if m.State() != StateConnecting {
		t.Fatalf("state = %v, want StateConnecting", m.State())
	}
	if m.SelectedSlot() != 1 {
		t.Fatalf("selected slot = %d, want 1", m.SelectedSlot())
	}
	if driver.joinedReq.SSID != "homenet" || driver.joinedReq.Pass != "hunter2" {
		t.Fatalf("join request = %+v", driver.joinedReq)
	}

	m.Tick(now) // CONNECTING -> CONNECTED_IP
	if m.State() != StateConnectedIP {
		t.Fatalf("state = %v, want StateConnectedIP", m.State())
	}
	if m.SlotStatus(1) != SlotSuccess {
		t.Fatalf("slot status = %v, want SlotSuccess", m.SlotStatus(1))
	}
	if !m.IsConnected() {
		t.Fatalf("expected IsConnected true")
	}
	addr, ok := m.IPv4()
	if !ok || addr.String() != "192.168.1.50" {
		t.Fatalf("IPv4 = %v, %v", addr, ok)
	}
}

func TestScanActiveDelaysSlotSelection(t *testing.T) {
	store := &settings.Store{}
	store.Set("ssid1", "homenet")
	driver := &mockDriver{
		scanResults: []ScanResult{{SSID: "homenet"}},
		scanBusy:    2,
		linkStatus:  LinkJoining,
	}
	m := newTestManager(driver, store)
	m.Connect()
	now := time.Now()
	m.Tick(now)
	for i := 0; i < 2; i++ {
		m.Tick(now)
		if m.State() != StateScanning {
			t.Fatalf("tick %d: state = %v, want StateScanning while scan active", i, m.State())
		}
		if driver.joinCalls != 0 {
			t.Fatalf("joined before the scan completed")
		}
	}
	m.Tick(now)
	if m.State() != StateConnecting {
		t.Fatalf("state = %v, want StateConnecting once scan settles", m.State())
	}
}

func TestLowestFoundSlotWinsAndBadAuthAdvances(t *testing.T) {
	store := &settings.Store{}
	for n := 1; n <= 4; n++ {
		store.Set("ssid"+string(rune('0'+n)), "SSID_"+string(rune('0'+n)))
	}
	// Scan sees slots 4 and 2; the manager must join slot 2 first.
	driver := &mockDriver{
		scanResults: []ScanResult{{SSID: "SSID_4"}, {SSID: "SSID_2"}},
		linkStatus:  LinkJoining,
	}
	m := newTestManager(driver, store)
	m.Connect()
	now := time.Now()
	m.Tick(now) // scan
	m.Tick(now) // join slot 2
	if m.SelectedSlot() != 2 {
		t.Fatalf("selected slot = %d, want 2 (lowest FOUND)", m.SelectedSlot())
	}
	if driver.joinedReq.SSID != "SSID_2" {
		t.Fatalf("joined SSID = %q, want SSID_2", driver.joinedReq.SSID)
	}

	// The join is rejected with bad credentials: the slot is marked
	// BADAUTH and the next tick selects slot 4 without rescanning.
	driver.linkSequence = []LinkStatus{LinkBadAuth}
	m.Tick(now)
	if m.State() != StateScanning {
		t.Fatalf("state after BADAUTH = %v, want StateScanning", m.State())
	}
	if m.SlotStatus(2) != SlotBadAuth {
		t.Fatalf("slot 2 status = %v, want SlotBadAuth", m.SlotStatus(2))
	}
	m.Tick(now)
	if m.SelectedSlot() != 4 {
		t.Fatalf("selected slot after BADAUTH = %d, want 4", m.SelectedSlot())
	}
	if driver.joinedReq.SSID != "SSID_4" {
		t.Fatalf("joined SSID = %q, want SSID_4", driver.joinedReq.SSID)
	}
}

func TestExhaustedSlotsReturnToTryToConnectWithHoldoff(t *testing.T) {
	store := &settings.Store{}
	store.Set("ssid1", "onlynet")
	driver := &mockDriver{
		scanResults: []ScanResult{{SSID: "onlynet"}},
		linkStatus:  LinkJoining,
	}
	m := newTestManager(driver, store)
	m.Connect()
	now := time.Now()
	m.Tick(now) // scan
	m.Tick(now) // join slot 1
	driver.linkSequence = []LinkStatus{LinkJoinFailed}
	m.Tick(now) // slot 1 FAILED -> SCANNING
	if m.SlotStatus(1) != SlotFailed {
		t.Fatalf("slot 1 status = %v, want SlotFailed", m.SlotStatus(1))
	}
	m.Tick(now) // no FOUND slots left -> TRY_TO_CONNECT + holdoff
	if m.State() != StateTryToConnect {
		t.Fatalf("state = %v, want StateTryToConnect", m.State())
	}
	if m.SelectedSlot() != 0 {
		t.Fatalf("selected slot = %d, want 0 after exhaustion", m.SelectedSlot())
	}

	// Holdoff not yet elapsed: no new scan on the next tick.
	scans := driver.joinCalls
	m.Tick(now.Add(time.Second))
	if m.State() != StateTryToConnect {
		t.Fatalf("state during holdoff = %v, want StateTryToConnect", m.State())
	}
	if driver.joinCalls != scans {
		t.Fatalf("unexpected join during holdoff")
	}

	// After the holdoff the manager rescans, finds the slot again (its
	// status was reset to NOT_FOUND), and retries it.
	m.Tick(now.Add(11 * time.Second))
	if m.State() != StateScanning {
		t.Fatalf("state after holdoff = %v, want StateScanning", m.State())
	}
	if m.SlotStatus(1) != SlotFound {
		t.Fatalf("slot 1 status after rescan = %v, want SlotFound", m.SlotStatus(1))
	}
}

func TestJoinTimeoutMarksSlot(t *testing.T) {
	store := &settings.Store{}
	store.Set("ssid1", "homenet")
	driver := &mockDriver{
		scanResults: []ScanResult{{SSID: "homenet"}},
		linkStatus:  LinkJoining,
	}
	m := newTestManager(driver, store)
	m.Connect()
	now := time.Now()
	m.Tick(now)
	m.Tick(now)
	if m.State() != StateConnecting {
		t.Fatalf("state = %v, want StateConnecting", m.State())
	}
	m.Tick(now.Add(10 * time.Second))
	if m.State() != StateScanning {
		t.Fatalf("state after timeout = %v, want StateScanning", m.State())
	}
	if m.SlotStatus(1) != SlotTimeout {
		t.Fatalf("slot status = %v, want SlotTimeout", m.SlotStatus(1))
	}
}

func TestRecordDisappearingMidScanMarksAttempt(t *testing.T) {
	store := &settings.Store{}
	store.Set("ssid1", "ghostnet")
	driver := &mockDriver{
		scanResults: []ScanResult{{SSID: "ghostnet"}},
	}
	m := newTestManager(driver, store)
	m.Connect()
	now := time.Now()
	m.Tick(now) // scan marks slot 1 FOUND
	if m.SlotStatus(1) != SlotFound {
		t.Fatalf("slot status = %v, want SlotFound", m.SlotStatus(1))
	}

	// The settings are rewritten before the join is attempted.
	store.Delete("ssid1")
	store.Set("ssid2", "othernet")
	m.Tick(now)
	if m.State() != StateTryToConnect {
		t.Fatalf("state = %v, want StateTryToConnect (no join attempted)", m.State())
	}
	if m.SlotStatus(1) != SlotAttempt {
		t.Fatalf("slot status = %v, want SlotAttempt", m.SlotStatus(1))
	}
	if driver.joinCalls != 0 {
		t.Fatalf("join must not be attempted for a vanished record")
	}
}

func TestLinkLossWhileConnectedRetriesImmediately(t *testing.T) {
	store := &settings.Store{}
	store.Set("ssid1", "homenet")
	driver := &mockDriver{
		scanResults: []ScanResult{{SSID: "homenet"}},
		linkStatus:  LinkUp,
		ip:          netip.MustParseAddr("10.0.0.5"),
		hasIP:       true,
	}
	m := newTestManager(driver, store)
	m.Connect()
	now := time.Now()
	m.Tick(now)
	m.Tick(now)
	m.Tick(now)
	if m.State() != StateConnectedIP {
		t.Fatalf("state = %v, want StateConnectedIP", m.State())
	}

	driver.linkStatus = LinkDown
	m.Tick(now.Add(time.Second))
	if m.State() != StateTryToConnect {
		t.Fatalf("state after link loss = %v, want StateTryToConnect", m.State())
	}
	if m.SlotStatus(1) != SlotLost {
		t.Fatalf("slot status = %v, want SlotLost", m.SlotStatus(1))
	}

	// Loss of connectivity clears any scan holdoff: the very next tick
	// starts a fresh scan.
	driver.linkStatus = LinkJoining
	m.Tick(now.Add(2 * time.Second))
	if m.State() != StateScanning {
		t.Fatalf("state = %v, want StateScanning immediately after loss", m.State())
	}
}

func TestBSSIDMatchOverridesSSID(t *testing.T) {
	store := &settings.Store{}
	store.Set("bssid1", "aa:bb:cc:dd:ee:ff")
	store.Set("pass1", "secret")
	store.Set("ssid2", "SSID_2")
	driver := &mockDriver{
		scanResults: []ScanResult{
			// Slot 1's BSSID under a different name: still a slot-1 match.
			{SSID: "some-ap-name", BSSID: [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}},
		},
		linkStatus: LinkJoining,
	}
	m := newTestManager(driver, store)
	m.Connect()
	now := time.Now()
	m.Tick(now)
	if m.SlotStatus(1) != SlotFound {
		t.Fatalf("slot 1 status = %v, want SlotFound via BSSID", m.SlotStatus(1))
	}
	m.Tick(now)
	if m.SelectedSlot() != 1 {
		t.Fatalf("expected slot 1 selected via BSSID match")
	}
	if !driver.joinedReq.UseBSSID || driver.joinedReq.SSID != "" {
		t.Fatalf("BSSID join must not carry an SSID: %+v", driver.joinedReq)
	}
	if driver.joinedReq.BSSID != [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff} {
		t.Fatalf("joined BSSID = %x", driver.joinedReq.BSSID)
	}
}

func TestBSSIDSlotIgnoresSSIDOnlyMatch(t *testing.T) {
	store := &settings.Store{}
	store.Set("ssid2", "SSID_2")
	store.Set("bssid2", "00:00:00:00:00:02")
	driver := &mockDriver{
		// Right name, wrong BSSID: slot 2 is configured by address, so
		// this result must not mark it FOUND.
		scanResults: []ScanResult{{SSID: "SSID_2", BSSID: [6]byte{9, 9, 9, 9, 9, 9}}},
	}
	m := newTestManager(driver, store)
	m.Connect()
	m.Tick(time.Now())
	if m.SlotStatus(2) != SlotNotFound {
		t.Fatalf("slot 2 status = %v, want SlotNotFound", m.SlotStatus(2))
	}
}

func TestConnectIsIdempotentOutsideDisconnected(t *testing.T) {
	store := &settings.Store{}
	store.Set("ssid1", "homenet")
	driver := &mockDriver{
		scanResults: []ScanResult{{SSID: "homenet"}},
		linkStatus:  LinkUp,
		ip:          netip.MustParseAddr("10.0.0.5"),
		hasIP:       true,
	}
	m := newTestManager(driver, store)
	m.Connect()
	now := time.Now()
	m.Tick(now)
	m.Tick(now)
	m.Tick(now)
	if m.State() != StateConnectedIP {
		t.Fatalf("state = %v, want StateConnectedIP", m.State())
	}
	m.Connect() // no effect while connected
	if m.State() != StateConnectedIP {
		t.Fatalf("Connect while connected changed state to %v", m.State())
	}
}

func TestDisconnectFromAnyStateEndsDisconnected(t *testing.T) {
	store := &settings.Store{}
	store.Set("ssid1", "homenet")
	driver := &mockDriver{
		scanResults: []ScanResult{{SSID: "homenet"}},
		linkStatus:  LinkJoining,
	}
	m := newTestManager(driver, store)
	m.Connect()
	now := time.Now()
	m.Tick(now)
	m.Tick(now)
	if m.State() != StateConnecting {
		t.Fatalf("state = %v, want StateConnecting", m.State())
	}
	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Fatalf("state after Disconnect = %v, want StateDisconnected", m.State())
	}
	if m.SelectedSlot() != 0 {
		t.Fatalf("selected slot = %d, want 0", m.SelectedSlot())
	}
	m.Disconnect() // stays disconnected
	if m.State() != StateDisconnected {
		t.Fatalf("second Disconnect moved state to %v", m.State())
	}
}

func TestDeinitIsIdempotent(t *testing.T) {
	store := &settings.Store{}
	store.Set("ssid1", "homenet")
	driver := &mockDriver{}
	m := newTestManager(driver, store)
	m.Deinit()
	if m.State() != StateUninitialised {
		t.Fatalf("state after Deinit = %v, want StateUninitialised", m.State())
	}
	m.Deinit() // must be a no-op
	if m.State() != StateUninitialised {
		t.Fatalf("state after second Deinit = %v, want StateUninitialised", m.State())
	}
	if err := m.Init(); err != nil {
		t.Fatalf("re-Init after Deinit: %v", err)
	}
	if err := m.Init(); err == nil {
		t.Fatalf("expected error from double Init")
	}
}

func TestParseBSSID(t *testing.T) {
	got, ok := parseBSSID("aa:bb:cc:dd:ee:ff")
	if !ok || got != [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff} {
		t.Fatalf("parseBSSID = %x, %v", got, ok)
	}
	for _, bad := range []string{"", "aa:bb:cc:dd:ee", "aa:bb:cc:dd:ee:fg", "aabbccddeeff0011x"} {
		if _, ok := parseBSSID(bad); ok {
			t.Fatalf("parseBSSID(%q) unexpectedly succeeded", bad)
		}
	}
}

func TestStatusText(t *testing.T) {
	store := &settings.Store{}
	store.Set("ssid1", "homenet")
	m := newTestManager(&mockDriver{}, store)
	if got := m.HWStatusText(); got != "ok" {
		t.Fatalf("HWStatusText = %q, want %q", got, "ok")
	}
	if got := m.IPStatusText(); got != "none" {
		t.Fatalf("IPStatusText = %q, want %q", got, "none")
	}
	if got := m.ConnectStatusText(); got != "DISCONNECTED" {
		t.Fatalf("ConnectStatusText = %q, want %q", got, "DISCONNECTED")
	}
}
