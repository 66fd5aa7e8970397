//go:build tinygo

package telemetry

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

// Exporter timing.
const (
	flushInterval = 30 * time.Second
	httpTimeout   = 10 * time.Second
	dialRetries   = 2
)

var (
	stack     *xnet.StackAsync
	logger    *slog.Logger
	collector netip.AddrPort

	// One connection at a time: rx plus a tx buffer big enough for the
	// body and headers.
	exportRxBuf [512]byte
	exportTxBuf [2560]byte
	respBuf     [256]byte
)

// Init points the exporter at an OTLP collector and starts the background
// flush loop. Span/trace randomness is redirected to the stack's PRNG.
func Init(s *xnet.StackAsync, log *slog.Logger, collectorAddr netip.AddrPort) error {
	mu.Lock()
	stack = s
	logger = log
	collector = collectorAddr
	enabled = true
	mu.Unlock()
	SetRandSource(s.Prand32)

	go senderLoop()

	if log != nil {
		log.Info("telemetry:init", slog.String("collector", collectorAddr.String()))
	}
	return nil
}

func senderLoop() {
	for {
		time.Sleep(flushInterval)
		mu.Lock()
		run := enabled && !paused
		mu.Unlock()
		if !run {
			continue
		}
		Flush()
	}
}

// Flush ships every queue immediately instead of waiting for the next
// interval.
func Flush() {
	ship("/v1/logs", BuildLogsJSON, func(n int) { sentLogs += n })
	ship("/v1/metrics", BuildMetricsJSON, func(n int) { sentMetrics += n })
	ship("/v1/traces", BuildSpansJSON, func(n int) { sentSpans += n })
}

// ship builds one payload under the lock (which also clears that queue),
// then posts it. A failed post drops the batch: the device keeps running
// and the next interval ships fresher data instead of retrying stale
// history.
func ship(path string, build func() int, credit func(int)) {
	mu.Lock()
	if !enabled || paused {
		mu.Unlock()
		return
	}
	var count int
	switch path {
	case "/v1/logs":
		count = logCount
	case "/v1/metrics":
		count = metricCount
	default:
		count = pendingSpanCountLocked()
	}
	bodyLen := build()
	mu.Unlock()
	if bodyLen == 0 {
		return
	}

	if err := postJSON(path, bodyLen); err != nil {
		mu.Lock()
		sendErrors++
		mu.Unlock()
		if logger != nil {
			logger.Debug("telemetry:ship-failed", slog.String("path", path), slog.String("err", err.Error()))
		}
		return
	}
	mu.Lock()
	credit(count)
	mu.Unlock()
}

// postJSON sends bodyBuf[:bodyLen] as an HTTP/1.1 POST over a fresh
// lneto TCP connection and checks for a 2xx status line. The handshake
// pacing sleeps give the single-threaded stack time to move segments
// between our writes.
func postJSON(path string, bodyLen int) error {
	sendingWg.Add(1)
	defer sendingWg.Done()

	mu.Lock()
	s := stack
	c := collector
	mu.Unlock()
	if s == nil {
		return errors.New("telemetry: no stack")
	}

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{
		RxBuf:             exportRxBuf[:],
		TxBuf:             exportTxBuf[:],
		TxPacketQueueSize: 3,
	}); err != nil {
		return err
	}

	rstack := s.StackRetrying(5 * time.Millisecond)
	lport := uint16(s.Prand32()>>17) + 1024
	if err := rstack.DoDialTCP(&conn, lport, c, httpTimeout, dialRetries); err != nil {
		conn.Abort()
		return err
	}
	time.Sleep(50 * time.Millisecond)
	if !conn.State().IsSynchronized() {
		conn.Abort()
		return errors.New("telemetry: connection not established")
	}

	conn.SetDeadline(time.Now().Add(httpTimeout))
	conn.Write([]byte("POST "))
	conn.Write([]byte(path))
	conn.Write([]byte(" HTTP/1.1\r\nHost: "))
	conn.Write([]byte(c.Addr().String()))
	conn.Write([]byte("\r\nContent-Type: application/json\r\nContent-Length: "))
	writeAscii(&conn, bodyLen)
	conn.Write([]byte("\r\nConnection: close\r\n\r\n"))
	conn.Flush()
	time.Sleep(50 * time.Millisecond)

	// The tx buffer may not hold the whole body: write in slices, flush
	// each, and yield to the stack between them.
	for written := 0; written < bodyLen; {
		chunk := bodyLen - written
		if chunk > 1024 {
			chunk = 1024
		}
		n, err := conn.Write(bodyBuf[written : written+chunk])
		if err != nil {
			conn.Abort()
			return errors.New("telemetry: body write failed")
		}
		written += n
		conn.Flush()
		time.Sleep(50 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	respLen, _ := conn.Read(respBuf[:])

	conn.Close()
	for i := 0; i < 10 && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()
	s.DiscardResolveHardwareAddress6(c.Addr())

	// "HTTP/1.1 2xx ..." — byte 9 is the status class.
	if respLen >= 12 && respBuf[9] == '2' {
		return nil
	}
	return errors.New("telemetry: http error")
}

func writeAscii(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	conn.Write(buf[i:])
}
