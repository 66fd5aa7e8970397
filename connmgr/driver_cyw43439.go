//go:build tinygo

package connmgr

import (
	"errors"
	"net/netip"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
)

// ErrBSSIDJoinUnsupported is returned for BSSID-only join requests: cywnet
// configures an association by SSID and exposes no BSSID pinning, so a
// slot configured with bssid<N> and no ssid<N> cannot be joined on this
// driver.
var ErrBSSIDJoinUnsupported = errors.New("connmgr: cywnet joins by SSID, BSSID-only slot unsupported")

// CYW43439Driver adapts the cyw43439/cywnet stack to the WiFiDriver seam,
// generalized from a single fixed SSID/password pair to the Connection
// Manager's scan-then-join-by-slot flow: Scan surfaces what the chip sees,
// and Join brings up a stack configured for whichever slot the manager
// selected.
type CYW43439Driver struct {
	hostname string
	maxPorts int

	stack   *cywnet.Stack
	devcfg  cyw43439.Config
	country CountryCode
}

// NewCYW43439Driver builds a driver that will bring up a stack with the
// given hostname and TCP port budget once Join is called.
func NewCYW43439Driver(hostname string, maxTCPPorts int) *CYW43439Driver {
	return &CYW43439Driver{hostname: hostname, maxPorts: maxTCPPorts}
}

// Stack exposes the underlying cywnet.Stack once Join has succeeded, for
// cmd/device to hand to remotesession, discovery, telemetry, and
// mqttstatus.
func (d *CYW43439Driver) Stack() *cywnet.Stack { return d.stack }

func (d *CYW43439Driver) Init(country CountryCode) error {
	d.country = country
	d.devcfg = cyw43439.DefaultWifiConfig()
	return nil
}

func (d *CYW43439Driver) Deinit() {
	// TinyGo's cyw43439 driver has no full deinit path; there is nothing
	// more to clean up here than letting the stack go out of scope.
	d.stack = nil
}

// Scan reports access points visible to the chip. cyw43439 surfaces scan
// results through the device's own scan callback once a device exists; a
// Connection Manager scan therefore briefly exercises a throwaway
// association-less device purely for the scan. The scan completes before
// Scan returns, so ScanActive is always false.
func (d *CYW43439Driver) Scan(cb func(ScanResult)) error {
	dev, err := cyw43439.NewDevice(d.devcfg)
	if err != nil {
		return err
	}
	return dev.Scan(func(ap cyw43439.ScanResult) {
		var res ScanResult
		res.SSID = string(ap.SSID[:ap.SSIDLength])
		copy(res.BSSID[:], ap.BSSID[:])
		res.RSSI = int16(ap.RSSI)
		res.HasAuth = ap.AuthMode != cyw43439.AuthModeOpen
		cb(res)
	})
}

func (d *CYW43439Driver) ScanActive() bool { return false }

func (d *CYW43439Driver) Join(req JoinRequest) error {
	if req.UseBSSID {
		return ErrBSSIDJoinUnsupported
	}
	stack, err := cywnet.NewConfiguredPicoWithStack(
		req.SSID,
		req.Pass,
		d.devcfg,
		cywnet.StackConfig{
			Hostname:    d.hostname,
			MaxTCPPorts: d.maxPorts,
		},
	)
	if err != nil {
		return err
	}
	d.stack = stack
	return nil
}

func (d *CYW43439Driver) LeaveAndReset() {
	d.stack = nil
}

func (d *CYW43439Driver) LinkStatus() LinkStatus {
	if d.stack == nil {
		return LinkDown
	}
	return LinkUp
}

func (d *CYW43439Driver) IPv4() (netip.Addr, bool) {
	if d.stack == nil {
		return netip.Addr{}, false
	}
	addr := d.stack.LnetoStack().Addr()
	if !addr.Is4() {
		return netip.Addr{}, false
	}
	return addr, true
}
