package telemetry

import (
	"openenterprise/wifimgr/version"
)

// bodyBuf holds one flush's OTLP JSON payload; the exporter streams it
// straight out of this buffer. One payload is built and shipped at a
// time, serialized by mu.
var bodyBuf [2048]byte

// otlpWriter appends JSON into bodyBuf without allocating. Writes past
// the end are dropped; a truncated payload is rejected by the collector
// and counted as a send error rather than crashing the device.
type otlpWriter struct {
	pos int
}

func (w *otlpWriter) len() int { return w.pos }

func (w *otlpWriter) raw(s string) {
	if w.pos+len(s) > len(bodyBuf) {
		return
	}
	copy(bodyBuf[w.pos:], s)
	w.pos += len(s)
}

func (w *otlpWriter) byte(b byte) {
	if w.pos < len(bodyBuf) {
		bodyBuf[w.pos] = b
		w.pos++
	}
}

// str writes a quoted, escaped JSON string. Control and non-ASCII bytes
// are dropped; everything this module logs is ASCII.
func (w *otlpWriter) str(s string) {
	w.byte('"')
	for i := 0; i < len(s); i++ {
		switch b := s[i]; b {
		case '"':
			w.raw(`\"`)
		case '\\':
			w.raw(`\\`)
		case '\n':
			w.raw(`\n`)
		case '\r':
			w.raw(`\r`)
		case '\t':
			w.raw(`\t`)
		default:
			if b >= 32 && b < 127 {
				w.byte(b)
			}
		}
	}
	w.byte('"')
}

func (w *otlpWriter) strBytes(b []byte, n int) {
	if n > len(b) {
		n = len(b)
	}
	w.str(string(b[:n]))
}

// i64 writes an integer as a JSON string, the OTLP encoding for 64-bit
// values.
func (w *otlpWriter) i64(n int64) {
	w.byte('"')
	w.int(n)
	w.byte('"')
}

func (w *otlpWriter) int(n int64) {
	if n == 0 {
		w.byte('0')
		return
	}
	if n < 0 {
		w.byte('-')
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	for ; i < len(buf); i++ {
		w.byte(buf[i])
	}
}

func (w *otlpWriter) hex(b []byte) {
	const digits = "0123456789abcdef"
	w.byte('"')
	for _, v := range b {
		w.byte(digits[v>>4])
		w.byte(digits[v&0xF])
	}
	w.byte('"')
}

// resource writes the common OTLP resource block identifying this device.
func (w *otlpWriter) resource() {
	w.raw(`"resource":{"attributes":[`)
	w.raw(`{"key":"service.name","value":{"stringValue":"wifimgr"}},`)
	w.raw(`{"key":"service.version","value":{"stringValue":`)
	w.str(version.Version)
	w.raw(`}},`)
	w.raw(`{"key":"service.instance.id","value":{"stringValue":`)
	w.str(shortSHA())
	w.raw(`}},`)
	w.raw(`{"key":"host.name","value":{"stringValue":"wifimgr-pico2w"}}`)
	w.raw(`]}`)
}

func shortSHA() string {
	if len(version.GitSHA) >= 7 {
		return version.GitSHA[:7]
	}
	return version.GitSHA
}

// BuildLogsJSON serializes the buffered log records into bodyBuf and
// clears the log ring, returning the payload length (0 when there is
// nothing to ship). Caller holds mu.
func BuildLogsJSON() int {
	if logCount == 0 {
		return 0
	}
	var w otlpWriter
	w.raw(`{"resourceLogs":[{`)
	w.resource()
	w.raw(`,"scopeLogs":[{"scope":{"name":"wifimgr"},"logRecords":[`)
	for i := 0; i < logCount; i++ {
		e := &logRing[(logHead+i)%logRingSize]
		if i > 0 {
			w.byte(',')
		}
		w.raw(`{"timeUnixNano":`)
		w.i64(e.Timestamp)
		w.raw(`,"severityNumber":`)
		w.int(int64(e.Severity))
		w.raw(`,"body":{"stringValue":`)
		w.strBytes(e.Body[:], int(e.BodyLen))
		w.byte('}')
		if e.HasTrace {
			w.raw(`,"traceId":`)
			w.hex(e.TraceID[:])
			w.raw(`,"spanId":`)
			w.hex(e.SpanID[:])
		}
		w.byte('}')
	}
	w.raw(`]}]}]}`)
	logHead, logCount = 0, 0
	return w.len()
}

// BuildMetricsJSON serializes the buffered metric points into bodyBuf and
// clears the metric ring, returning the payload length. Caller holds mu.
func BuildMetricsJSON() int {
	if metricCount == 0 {
		return 0
	}
	var w otlpWriter
	w.raw(`{"resourceMetrics":[{`)
	w.resource()
	w.raw(`,"scopeMetrics":[{"scope":{"name":"wifimgr"},"metrics":[`)
	for i := 0; i < metricCount; i++ {
		p := &metricRing[(metricHead+i)%metricRingSize]
		if i > 0 {
			w.byte(',')
		}
		w.raw(`{"name":`)
		w.strBytes(p.Name[:], int(p.NameLen))
		if p.IsGauge {
			w.raw(`,"gauge":{"dataPoints":[{"timeUnixNano":`)
			w.i64(p.Timestamp)
			w.raw(`,"asInt":`)
			w.i64(p.Value)
			w.raw(`}]}`)
		} else {
			w.raw(`,"sum":{"dataPoints":[{"timeUnixNano":`)
			w.i64(p.Timestamp)
			w.raw(`,"asInt":`)
			w.i64(p.Value)
			w.raw(`}],"aggregationTemporality":2,"isMonotonic":true}`)
		}
		w.byte('}')
	}
	w.raw(`]}]}]}`)
	metricHead, metricCount = 0, 0
	return w.len()
}

// BuildSpansJSON serializes completed spans into bodyBuf and frees their
// ring slots, returning the payload length. Caller holds mu.
func BuildSpansJSON() int {
	pending := pendingSpanCountLocked()
	if pending == 0 {
		return 0
	}
	var w otlpWriter
	w.raw(`{"resourceSpans":[{`)
	w.resource()
	w.raw(`,"scopeSpans":[{"scope":{"name":"wifimgr"},"spans":[`)
	first := true
	for i := range spanRing {
		s := &spanRing[i]
		if s.Active || s.EndTime == 0 {
			continue
		}
		if !first {
			w.byte(',')
		}
		first = false
		w.raw(`{"traceId":`)
		w.hex(s.TraceID[:])
		w.raw(`,"spanId":`)
		w.hex(s.SpanID[:])
		if s.ParentID != ([8]byte{}) {
			w.raw(`,"parentSpanId":`)
			w.hex(s.ParentID[:])
		}
		w.raw(`,"name":`)
		w.strBytes(s.Name[:], int(s.NameLen))
		w.raw(`,"kind":`)
		w.int(int64(s.Kind))
		w.raw(`,"startTimeUnixNano":`)
		w.i64(s.StartTime)
		w.raw(`,"endTimeUnixNano":`)
		w.i64(s.EndTime)
		w.raw(`,"status":{"code":`)
		if s.StatusOK {
			w.int(SpanStatusOK)
		} else {
			w.int(SpanStatusError)
		}
		if s.StatusLen > 0 {
			w.raw(`,"message":`)
			w.strBytes(s.StatusMsg[:], int(s.StatusLen))
		}
		w.raw(`}}`)
		*s = Span{}
	}
	w.raw(`]}]}]}`)
	return w.len()
}
