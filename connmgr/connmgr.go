// Package connmgr implements the Connection Manager: a periodic state
// machine that scans for configured access points, selects one by
// slot-priority order, joins it, and monitors link and IP health,
// retrying against the remaining scanned slots before rescanning.
package connmgr

import (
	"net/netip"
	"strconv"
	"time"

	"openenterprise/wifimgr/settings"
)

// State is one phase of the connection state machine.
type State int

const (
	StateUninitialised State = iota
	StateInitialisationError
	StateStorageEmptyError
	StateDisconnected
	StateTryToConnect
	StateScanning
	StateConnecting
	StateConnectedIP
)

func (s State) String() string {
	switch s {
	case StateUninitialised:
		return "UNINITIALISED"
	case StateInitialisationError:
		return "INITIALISATION_ERROR"
	case StateStorageEmptyError:
		return "STORAGE_EMPTY_ERROR"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateTryToConnect:
		return "TRY_TO_CONNECT"
	case StateScanning:
		return "SCANNING"
	case StateConnecting:
		return "CONNECTING"
	case StateConnectedIP:
		return "CONNECTED_IP"
	default:
		return "UNKNOWN"
	}
}

// SlotStatus tracks the outcome of the most recent scan and join activity
// against one configured slot.
type SlotStatus int

const (
	SlotNotFound SlotStatus = iota
	SlotFound
	SlotAttempt
	SlotFailed
	SlotBadAuth
	SlotTimeout
	SlotSuccess
	SlotLost
)

func (s SlotStatus) String() string {
	switch s {
	case SlotNotFound:
		return "NOT_FOUND"
	case SlotFound:
		return "FOUND"
	case SlotAttempt:
		return "ATTEMPT"
	case SlotFailed:
		return "FAILED"
	case SlotBadAuth:
		return "BADAUTH"
	case SlotTimeout:
		return "TIMEOUT"
	case SlotSuccess:
		return "SUCCESS"
	case SlotLost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// CountryCode is a two-letter regulatory domain hint, e.g. "GB", "US".
// The zero value means "platform default".
type CountryCode [2]byte

// ScanResult is one access point observed during a scan.
type ScanResult struct {
	SSID    string
	BSSID   [6]byte
	RSSI    int16
	HasAuth bool
}

// JoinRequest describes the access point the driver should join. When
// UseBSSID is set the driver joins by BSSID alone and SSID is left empty;
// an empty Pass means an open network, anything else WPA2-AES-PSK.
type JoinRequest struct {
	SSID     string
	BSSID    [6]byte
	UseBSSID bool
	Pass     string
}

// LinkStatus reports the driver's current physical/association state,
// independent of whether an IP address has been obtained yet.
type LinkStatus int

const (
	LinkDown LinkStatus = iota
	LinkJoining
	LinkBadAuth
	LinkJoinFailed
	LinkUp
)

// WiFiDriver is the hardware seam the Connection Manager drives. Scan
// begins a scan and delivers results through cb; ScanActive reports
// whether a begun scan is still running (a driver that scans
// synchronously inside Scan simply always returns false). The production
// implementation (driver_cyw43439.go) adapts github.com/soypat/cyw43439;
// tests use a scripted mock (see mockdriver_test.go).
type WiFiDriver interface {
	Init(country CountryCode) error
	Deinit()
	Scan(cb func(ScanResult)) error
	ScanActive() bool
	Join(req JoinRequest) error
	LeaveAndReset()
	LinkStatus() LinkStatus
	IPv4() (netip.Addr, bool)
}

// Config tunes the manager's timing and retry behavior.
type Config struct {
	ScanHoldoff    time.Duration // wait before rescanning after a scan found nothing usable
	ConnectTimeout time.Duration // time allowed for a join attempt before giving up
	Country        CountryCode
}

// DefaultConfig returns the baseline timings.
func DefaultConfig() Config {
	return Config{
		ScanHoldoff:    10 * time.Second,
		ConnectTimeout: 30 * time.Second,
	}
}

func (c Config) scanHoldoff() time.Duration {
	if c.ScanHoldoff <= 0 {
		return DefaultConfig().ScanHoldoff
	}
	return c.ScanHoldoff
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return DefaultConfig().ConnectTimeout
	}
	return c.ConnectTimeout
}

// Manager owns the connection state machine. It is driven by periodic
// calls to Tick from the host's single cooperative event loop; it performs
// no locking of its own, consistent with the single-threaded concurrency
// model everything in this module runs under.
type Manager struct {
	driver WiFiDriver
	store  *settings.Store
	cfg    Config

	state           State
	selectedSlot    int
	slotStatus      [settings.MaxSSIDs + 1]SlotStatus
	scanHoldoffEnds time.Time
	connectDeadline time.Time
	hwErr           error
}

// New constructs a Manager in StateUninitialised.
func New(driver WiFiDriver, store *settings.Store, cfg Config) *Manager {
	return &Manager{driver: driver, store: store, cfg: cfg, state: StateUninitialised}
}

// State returns the manager's current phase.
func (m *Manager) State() State { return m.state }

// SelectedSlot returns the join-priority slot currently selected, or 0 if
// none is selected.
func (m *Manager) SelectedSlot() int { return m.selectedSlot }

// SlotStatus returns the status of slot n (1-based).
func (m *Manager) SlotStatus(n int) SlotStatus {
	if n < 1 || n >= len(m.slotStatus) {
		return SlotNotFound
	}
	return m.slotStatus[n]
}

// HasNoWiFiDetails reports whether slot 1 is entirely unconfigured
// (neither ssid1 nor bssid1 exists), the signal cmd/device uses to fall
// back to provisioning's first-boot seed.
func (m *Manager) HasNoWiFiDetails() bool { return !m.store.Slot(1).Valid }

// InitError returns the error that put the manager into
// StateInitialisationError, if any.
func (m *Manager) InitError() error { return m.hwErr }

// IsConnected reports whether the manager has an IP address and the
// driver still reports the link as up.
func (m *Manager) IsConnected() bool {
	return m.state == StateConnectedIP && m.driver.LinkStatus() == LinkUp
}

// IPv4 returns the current IPv4 address, if connected.
func (m *Manager) IPv4() (netip.Addr, bool) {
	if m.state != StateConnectedIP {
		return netip.Addr{}, false
	}
	return m.driver.IPv4()
}

// Init brings the WiFi driver up and leaves the manager in
// StateDisconnected, awaiting Connect. It fails if the manager is already
// initialised; a driver failure parks the manager in
// StateInitialisationError until Deinit.
func (m *Manager) Init() error {
	if m.state != StateUninitialised {
		return errAlreadyInitialised
	}
	if err := m.driver.Init(m.cfg.Country); err != nil {
		m.hwErr = err
		m.state = StateInitialisationError
		return err
	}
	m.state = StateDisconnected
	return nil
}

// Connect requests a connection: from StateDisconnected it moves the
// machine to StateTryToConnect for the next Tick to act on. In any other
// state it is a no-op.
func (m *Manager) Connect() {
	if m.state == StateDisconnected {
		m.state = StateTryToConnect
	}
}

// Disconnect tears down any active or in-progress connection, clears the
// selected slot, and returns the manager to StateDisconnected. A manager
// in StateUninitialised or StateInitialisationError is left unchanged.
func (m *Manager) Disconnect() {
	switch m.state {
	case StateUninitialised, StateInitialisationError:
		return
	case StateTryToConnect, StateScanning, StateConnecting, StateConnectedIP:
		m.driver.LeaveAndReset()
	}
	m.selectedSlot = 0
	m.state = StateDisconnected
}

// Deinit tears down any active connection and releases the WiFi driver,
// returning the manager to StateUninitialised. Calling Deinit on an
// already-uninitialised manager is a no-op.
func (m *Manager) Deinit() {
	if m.state == StateUninitialised {
		return
	}
	if m.state == StateConnectedIP || m.state == StateConnecting {
		m.driver.LeaveAndReset()
	}
	m.driver.Deinit()
	m.state = StateUninitialised
	m.selectedSlot = 0
	m.hwErr = nil
}

// Tick advances the state machine. It should be called roughly once per
// second from the host's main loop.
func (m *Manager) Tick(now time.Time) {
	switch m.state {
	case StateUninitialised, StateInitialisationError, StateDisconnected:
		return
	case StateStorageEmptyError:
		if m.store.HasAnySSID() {
			m.state = StateTryToConnect
		}
	case StateTryToConnect:
		m.tickTryToConnect(now)
	case StateScanning:
		m.tickScanning(now)
	case StateConnecting:
		m.tickConnecting(now)
	case StateConnectedIP:
		m.tickConnected(now)
	}
}

func (m *Manager) tickTryToConnect(now time.Time) {
	if !m.store.HasAnySSID() {
		m.driver.LeaveAndReset()
		m.selectedSlot = 0
		m.state = StateStorageEmptyError
		return
	}
	if now.Before(m.scanHoldoffEnds) {
		return
	}
	m.driver.LeaveAndReset()
	m.selectedSlot = 0
	for n := range m.slotStatus {
		m.slotStatus[n] = SlotNotFound
	}
	if err := m.driver.Scan(m.recordScanResult); err != nil {
		m.scanHoldoffEnds = now.Add(m.cfg.scanHoldoff())
		return
	}
	m.state = StateScanning
}

// recordScanResult marks configured slots seen by the scan. A BSSID match
// takes priority and overrides SSID conflicts: when any slot's configured
// BSSID equals the result's, only that slot is marked. Slots already past
// NOT_FOUND (a failed join from this scan cycle) are left alone until the
// next scan resets them.
func (m *Manager) recordScanResult(r ScanResult) {
	for n := 1; n <= settings.MaxSSIDs; n++ {
		slot := m.store.Slot(n)
		if !slot.Valid || slot.BSSID == "" {
			continue
		}
		if want, ok := parseBSSID(slot.BSSID); ok && want == r.BSSID {
			if m.slotStatus[n] == SlotNotFound {
				m.slotStatus[n] = SlotFound
			}
			return
		}
	}
	for n := 1; n <= settings.MaxSSIDs; n++ {
		slot := m.store.Slot(n)
		if !slot.Valid || slot.BSSID != "" {
			continue
		}
		if slot.SSID == r.SSID && m.slotStatus[n] == SlotNotFound {
			m.slotStatus[n] = SlotFound
		}
	}
}

func (m *Manager) tickScanning(now time.Time) {
	if m.driver.ScanActive() {
		return
	}
	n := m.lowestFoundSlot()
	if n == 0 {
		// Every found slot has been tried (or none was found): hold off,
		// then rescan from scratch.
		m.selectedSlot = 0
		m.scanHoldoffEnds = now.Add(m.cfg.scanHoldoff())
		m.state = StateTryToConnect
		return
	}

	// Re-read the slot: settings may have been rewritten over the remote
	// channel since the scan matched it.
	slot := m.store.Slot(n)
	if !slot.Valid {
		m.slotStatus[n] = SlotAttempt
		m.selectedSlot = 0
		m.state = StateTryToConnect
		return
	}

	req := JoinRequest{Pass: slot.Pass}
	if slot.BSSID != "" {
		bssid, ok := parseBSSID(slot.BSSID)
		if !ok {
			m.slotStatus[n] = SlotFailed
			return
		}
		req.BSSID = bssid
		req.UseBSSID = true
	} else {
		req.SSID = slot.SSID
	}

	m.driver.LeaveAndReset()
	if err := m.driver.Join(req); err != nil {
		m.slotStatus[n] = SlotFailed
		return
	}
	m.selectedSlot = n
	m.slotStatus[n] = SlotAttempt
	m.connectDeadline = now.Add(m.cfg.connectTimeout())
	m.state = StateConnecting
}

func (m *Manager) lowestFoundSlot() int {
	for n := 1; n <= settings.MaxSSIDs; n++ {
		if m.slotStatus[n] == SlotFound {
			return n
		}
	}
	return 0
}

func (m *Manager) tickConnecting(now time.Time) {
	switch m.driver.LinkStatus() {
	case LinkUp:
		if addr, ok := m.driver.IPv4(); ok && addr.IsValid() && !addr.IsUnspecified() {
			m.slotStatus[m.selectedSlot] = SlotSuccess
			m.state = StateConnectedIP
			return
		}
	case LinkBadAuth:
		m.slotStatus[m.selectedSlot] = SlotBadAuth
		m.driver.LeaveAndReset()
		m.state = StateScanning
		return
	case LinkJoinFailed:
		m.slotStatus[m.selectedSlot] = SlotFailed
		m.driver.LeaveAndReset()
		m.state = StateScanning
		return
	}
	if !now.Before(m.connectDeadline) {
		m.slotStatus[m.selectedSlot] = SlotTimeout
		m.driver.LeaveAndReset()
		m.state = StateScanning
	}
}

func (m *Manager) tickConnected(now time.Time) {
	if m.driver.LinkStatus() != LinkUp {
		m.lostConnection(now)
		return
	}
	if addr, ok := m.driver.IPv4(); !ok || !addr.IsValid() || addr.IsUnspecified() {
		m.lostConnection(now)
	}
}

func (m *Manager) lostConnection(now time.Time) {
	m.slotStatus[m.selectedSlot] = SlotLost
	m.driver.LeaveAndReset()
	m.selectedSlot = 0
	m.scanHoldoffEnds = time.Time{}
	m.state = StateTryToConnect
}

// ConnectStatusText summarizes the current connection phase and selected
// slot in one line, for display or MQTT status publication.
func (m *Manager) ConnectStatusText() string {
	if m.selectedSlot == 0 {
		return m.state.String()
	}
	return m.state.String() + " slot=" + strconv.Itoa(m.selectedSlot)
}

// HWStatusText summarizes hardware-level status: any init error, or "ok".
func (m *Manager) HWStatusText() string {
	if m.hwErr != nil {
		return "error: " + m.hwErr.Error()
	}
	return "ok"
}

// IPStatusText summarizes the current IPv4 address, or "none" if not
// connected.
func (m *Manager) IPStatusText() string {
	addr, ok := m.IPv4()
	if !ok {
		return "none"
	}
	return addr.String()
}

var errAlreadyInitialised = connmgrErr("connmgr: already initialised")

type connmgrErr string

func (e connmgrErr) Error() string { return string(e) }

// parseBSSID decodes the settings store's xx:xx:xx:xx:xx:xx form.
func parseBSSID(s string) ([6]byte, bool) {
	var out [6]byte
	if len(s) != 17 {
		return out, false
	}
	for i := 0; i < 6; i++ {
		hi, ok1 := hexNibble(s[i*3])
		lo, ok2 := hexNibble(s[i*3+1])
		if !ok1 || !ok2 {
			return out, false
		}
		if i < 5 && s[i*3+2] != ':' {
			return out, false
		}
		out[i] = hi<<4 | lo
	}
	return out, true
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
