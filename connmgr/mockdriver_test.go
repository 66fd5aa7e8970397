package connmgr

import "net/netip"

// mockDriver is a scripted WiFiDriver for state-machine tests. It is not
// build-tagged: the Connection Manager's core logic is meant to be fully
// testable on the host, per this module's transport/driver abstraction.
type mockDriver struct {
	scanResults []ScanResult
	scanErr     error
	scanBusy    int // ScanActive returns true this many times before the scan completes

	joinErr      error
	joinCalls    int
	joinedReq    JoinRequest
	linkStatus   LinkStatus
	linkSequence []LinkStatus // consumed one per LinkStatus() call, then linkStatus sticks
	ip           netip.Addr
	hasIP        bool
	leaveCalls   int
}

func (m *mockDriver) Init(CountryCode) error { return nil }
func (m *mockDriver) Deinit()                {}

func (m *mockDriver) Scan(cb func(ScanResult)) error {
	if m.scanErr != nil {
		return m.scanErr
	}
	for _, r := range m.scanResults {
		cb(r)
	}
	return nil
}

func (m *mockDriver) ScanActive() bool {
	if m.scanBusy > 0 {
		m.scanBusy--
		return true
	}
	return false
}

func (m *mockDriver) Join(req JoinRequest) error {
	m.joinCalls++
	m.joinedReq = req
	return m.joinErr
}

func (m *mockDriver) LeaveAndReset() {
	m.leaveCalls++
}

func (m *mockDriver) LinkStatus() LinkStatus {
	if len(m.linkSequence) > 0 {
		next := m.linkSequence[0]
		m.linkSequence = m.linkSequence[1:]
		return next
	}
	return m.linkStatus
}

func (m *mockDriver) IPv4() (netip.Addr, bool) { return m.ip, m.hasIP }
