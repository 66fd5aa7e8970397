// Package telemetry buffers structured logs, metrics, and trace spans in
// fixed-size rings and ships them to an OTLP collector as hand-built JSON
// over HTTP. Everything is sized for a TinyGo heap: no encoding/json, no
// net/http, no per-event allocation. The ring and JSON layers build on
// any platform so the host test suite exercises the real code; only the
// network exporter (export_lneto.go) is device-specific.
package telemetry

import (
	"sync"
	"time"
)

// OTLP severity numbers.
const (
	SeverityDebug = 5
	SeverityInfo  = 9
	SeverityWarn  = 13
	SeverityError = 17
)

// OTLP span status codes.
const (
	SpanStatusUnset = 0
	SpanStatusOK    = 1
	SpanStatusError = 2
)

// OTLP span kinds.
const (
	SpanKindInternal = 1
	SpanKindServer   = 2
	SpanKindClient   = 3
)

// Ring capacities. Small on purpose: the flush interval bounds how much
// history is worth keeping, and an overwhelmed queue drops the oldest
// entries rather than growing.
const (
	logRingSize    = 8
	metricRingSize = 8
	spanRingSize   = 4
)

// LogEntry is one buffered log record.
type LogEntry struct {
	Timestamp int64
	Severity  uint8
	BodyLen   uint8
	Body      [96]byte
	TraceID   [16]byte
	SpanID    [8]byte
	HasTrace  bool
}

// MetricPoint is one buffered gauge or counter sample.
type MetricPoint struct {
	Timestamp int64
	Value     int64
	NameLen   uint8
	Name      [32]byte
	IsGauge   bool
}

// Span is one trace span, active until EndSpan and pending until the next
// flush ships it.
type Span struct {
	TraceID    [16]byte
	SpanID     [8]byte
	ParentID   [8]byte
	PrevSpanID [8]byte // restored as the current span when this one ends
	StartTime  int64
	EndTime    int64
	NameLen    uint8
	Name       [32]byte
	Kind       uint8
	StatusLen  uint8
	StatusMsg  [48]byte
	StatusOK   bool
	Active     bool
}

var (
	mu        sync.Mutex
	enabled   bool
	paused    bool           // set while OTA or another critical operation owns the network
	sendingWg sync.WaitGroup // tracks in-flight HTTP posts so Pause can drain them

	logRing  [logRingSize]LogEntry
	logHead  int
	logCount int

	metricRing  [metricRingSize]MetricPoint
	metricHead  int
	metricCount int

	spanRing [spanRingSize]Span
	spanHead int

	// Current trace context, set by GenerateTraceID / SetTraceContext.
	currentTraceID [16]byte
	currentSpanID  [8]byte
	hasTraceCtx    bool

	// Counters reported by Status.
	sentLogs    int
	sentMetrics int
	sentSpans   int
	sendErrors  int
)

// randU32 supplies span/trace randomness. The exporter points it at the
// network stack's PRNG; the default is a xorshift so host builds work
// without one.
var randU32 = func() func() uint32 {
	state := uint32(0x9E3779B9)
	return func() uint32 {
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		return state
	}
}()

// SetRandSource redirects span/trace ID generation to fn.
func SetRandSource(fn func() uint32) {
	mu.Lock()
	randU32 = fn
	mu.Unlock()
}

// Log queues one record at the given severity, stamped with the current
// trace context. The oldest record is dropped when the ring is full.
func Log(severity uint8, msg string) {
	mu.Lock()
	defer mu.Unlock()
	if !enabled || paused {
		return
	}
	idx := (logHead + logCount) % logRingSize
	if logCount >= logRingSize {
		logHead = (logHead + 1) % logRingSize
	} else {
		logCount++
	}
	e := &logRing[idx]
	e.Timestamp = time.Now().UnixNano()
	e.Severity = severity
	e.BodyLen = uint8(copy(e.Body[:], msg))
	e.HasTrace = hasTraceCtx
	if hasTraceCtx {
		e.TraceID = currentTraceID
		e.SpanID = currentSpanID
	}
}

func LogDebug(msg string) { Log(SeverityDebug, msg) }
func LogInfo(msg string)  { Log(SeverityInfo, msg) }
func LogWarn(msg string)  { Log(SeverityWarn, msg) }
func LogError(msg string) { Log(SeverityError, msg) }

// RecordGauge queues a point-in-time sample.
func RecordGauge(name string, value int64) { record(name, value, true) }

// RecordCounter queues a monotonic counter sample.
func RecordCounter(name string, value int64) { record(name, value, false) }

func record(name string, value int64, isGauge bool) {
	mu.Lock()
	defer mu.Unlock()
	if !enabled || paused {
		return
	}
	idx := (metricHead + metricCount) % metricRingSize
	if metricCount >= metricRingSize {
		metricHead = (metricHead + 1) % metricRingSize
	} else {
		metricCount++
	}
	p := &metricRing[idx]
	p.Timestamp = time.Now().UnixNano()
	p.Value = value
	p.IsGauge = isGauge
	p.NameLen = uint8(copy(p.Name[:], name))
}

// GenerateTraceID establishes a fresh trace context: an X-Ray-compatible
// trace ID (leading 4 bytes are the Unix time in seconds) and a root span
// ID, both drawn from the registered random source.
func GenerateTraceID() {
	mu.Lock()
	defer mu.Unlock()
	ts := uint32(time.Now().Unix())
	currentTraceID[0] = byte(ts >> 24)
	currentTraceID[1] = byte(ts >> 16)
	currentTraceID[2] = byte(ts >> 8)
	currentTraceID[3] = byte(ts)
	fillRandom(currentTraceID[4:])
	fillRandom(currentSpanID[:])
	hasTraceCtx = true
}

// SetTraceContext installs an explicit trace context; used by tests and by
// callers propagating an inbound context.
func SetTraceContext(traceID [16]byte, spanID [8]byte) {
	mu.Lock()
	defer mu.Unlock()
	currentTraceID = traceID
	currentSpanID = spanID
	hasTraceCtx = true
}

// GetCurrentSpanID reports the span new child spans would parent under.
func GetCurrentSpanID() [8]byte {
	mu.Lock()
	defer mu.Unlock()
	return currentSpanID
}

func fillRandom(dst []byte) {
	for i := 0; i < len(dst); i += 4 {
		r := randU32()
		for j := 0; j < 4 && i+j < len(dst); j++ {
			dst[i+j] = byte(r >> (24 - 8*j))
		}
	}
}

// StartSpan opens a span under the current context and makes it the
// parent of subsequent spans and logs. It prefers a free ring slot and
// falls back to overwriting the oldest one; -1 means telemetry is off.
func StartSpan(name string) int {
	mu.Lock()
	defer mu.Unlock()
	if !enabled || paused {
		return -1
	}
	idx := -1
	for i := 0; i < spanRingSize; i++ {
		if !spanRing[i].Active && spanRing[i].EndTime == 0 {
			idx = i
			break
		}
	}
	if idx == -1 {
		idx = spanHead
		spanHead = (spanHead + 1) % spanRingSize
	}
	s := &spanRing[idx]
	*s = Span{Active: true, StartTime: time.Now().UnixNano(), Kind: SpanKindInternal}
	s.TraceID = currentTraceID
	s.ParentID = currentSpanID
	s.PrevSpanID = currentSpanID
	fillRandom(s.SpanID[:])
	currentSpanID = s.SpanID
	s.NameLen = uint8(copy(s.Name[:], name))
	return idx
}

// SetSpanStatus attaches a short status message to an active span.
func SetSpanStatus(idx int, msg string) {
	mu.Lock()
	defer mu.Unlock()
	if idx < 0 || idx >= spanRingSize || !spanRing[idx].Active {
		return
	}
	s := &spanRing[idx]
	s.StatusLen = uint8(copy(s.StatusMsg[:], msg))
}

// EndSpan completes a span; it stays pending in its slot until the next
// flush ships it. The previous span becomes current again so siblings
// parent correctly.
func EndSpan(idx int, statusOK bool) {
	mu.Lock()
	defer mu.Unlock()
	if idx < 0 || idx >= spanRingSize {
		return
	}
	s := &spanRing[idx]
	if !s.Active {
		return
	}
	s.EndTime = time.Now().UnixNano()
	s.StatusOK = statusOK
	s.Active = false
	currentSpanID = s.PrevSpanID
}

// Pause stops queueing and sending until Resume, blocking until in-flight
// HTTP posts finish; used around OTA and other operations that need the
// network and flash to themselves.
func Pause() {
	mu.Lock()
	paused = true
	mu.Unlock()
	sendingWg.Wait()
}

// Resume re-enables telemetry after a Pause.
func Resume() {
	mu.Lock()
	paused = false
	mu.Unlock()
}

// IsPaused reports whether telemetry is paused.
func IsPaused() bool {
	mu.Lock()
	defer mu.Unlock()
	return paused
}

// Enable turns queueing on; Init does this implicitly.
func Enable() {
	mu.Lock()
	enabled = true
	mu.Unlock()
}

// Disable turns queueing off.
func Disable() {
	mu.Lock()
	enabled = false
	mu.Unlock()
}

// Status reports queue depths, ship counters, and error count.
func Status() (isEnabled bool, queuedLogs, queuedMetrics, pendingSpans, shippedLogs, shippedMetrics, shippedSpans, errs int) {
	mu.Lock()
	defer mu.Unlock()
	return enabled, logCount, metricCount, pendingSpanCountLocked(),
		sentLogs, sentMetrics, sentSpans, sendErrors
}

func pendingSpanCountLocked() int {
	n := 0
	for i := range spanRing {
		if !spanRing[i].Active && spanRing[i].EndTime != 0 {
			n++
		}
	}
	return n
}

// GetPendingSpanCount reports completed-but-unflushed spans.
func GetPendingSpanCount() int {
	mu.Lock()
	defer mu.Unlock()
	return pendingSpanCountLocked()
}

// GetActiveSpanCount reports spans started but not yet ended.
func GetActiveSpanCount() int {
	mu.Lock()
	defer mu.Unlock()
	n := 0
	for i := range spanRing {
		if spanRing[i].Active {
			n++
		}
	}
	return n
}

// GetLogQueue snapshots the buffered log records in arrival order.
func GetLogQueue() []LogEntry {
	mu.Lock()
	defer mu.Unlock()
	out := make([]LogEntry, logCount)
	for i := 0; i < logCount; i++ {
		out[i] = logRing[(logHead+i)%logRingSize]
	}
	return out
}

// GetMetricQueue snapshots the buffered metric points in arrival order.
func GetMetricQueue() []MetricPoint {
	mu.Lock()
	defer mu.Unlock()
	out := make([]MetricPoint, metricCount)
	for i := 0; i < metricCount; i++ {
		out[i] = metricRing[(metricHead+i)%metricRingSize]
	}
	return out
}

// GetSpanQueue snapshots completed, unflushed spans.
func GetSpanQueue() []Span {
	mu.Lock()
	defer mu.Unlock()
	var out []Span
	for i := range spanRing {
		if !spanRing[i].Active && spanRing[i].EndTime != 0 {
			out = append(out, spanRing[i])
		}
	}
	return out
}

// FlushSpans builds and discards the pending-span payload, freeing their
// ring slots; the exporter uses the same path but ships the bytes first.
func FlushSpans() {
	mu.Lock()
	BuildSpansJSON()
	mu.Unlock()
}

// ResetState clears every ring and counter and re-enables queueing; for
// tests.
func ResetState() {
	mu.Lock()
	defer mu.Unlock()
	logHead, logCount = 0, 0
	metricHead, metricCount = 0, 0
	spanHead = 0
	for i := range logRing {
		logRing[i] = LogEntry{}
	}
	for i := range metricRing {
		metricRing[i] = MetricPoint{}
	}
	for i := range spanRing {
		spanRing[i] = Span{}
	}
	enabled = true
	paused = false
	hasTraceCtx = false
	currentTraceID = [16]byte{}
	currentSpanID = [8]byte{}
	sentLogs, sentMetrics, sentSpans, sendErrors = 0, 0, 0, 0
}
