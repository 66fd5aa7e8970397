package telemetry

import (
	"context"
	"io"
	"log/slog"
)

// SlogHandler bridges log/slog to both a text console (typically
// machine.Serial) and the telemetry log ring, so one logger call feeds
// the local serial output and the collector.
type SlogHandler struct {
	textHandler slog.Handler
	level       slog.Leveler
	group       string
}

// NewSlogHandler builds a handler writing text records to w and queueing
// Info-and-above records to telemetry.
func NewSlogHandler(w io.Writer, opts *slog.HandlerOptions) *SlogHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &SlogHandler{
		textHandler: slog.NewTextHandler(w, opts),
		level:       opts.Level,
	}
}

func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.textHandler.Enabled(ctx, level)
}

// Handle writes the record to the console and, for Info and above, queues
// a compacted one-line form to the telemetry ring (Debug is kept off the
// ring to save buffer space).
func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.textHandler.Handle(ctx, r)
	if r.Level >= slog.LevelInfo {
		Log(severityFor(r.Level), compactMessage(h.group, r))
	}
	return err
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SlogHandler{
		textHandler: h.textHandler.WithAttrs(attrs),
		level:       h.level,
		group:       h.group,
	}
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &SlogHandler{
		textHandler: h.textHandler.WithGroup(name),
		level:       h.level,
		group:       group,
	}
}

func severityFor(level slog.Level) uint8 {
	switch {
	case level >= slog.LevelError:
		return SeverityError
	case level >= slog.LevelWarn:
		return SeverityWarn
	case level >= slog.LevelInfo:
		return SeverityInfo
	default:
		return SeverityDebug
	}
}

// compactMessage flattens a record into "group:msg key=val key2=val2",
// capped to the log ring's body size and at most four attributes, built
// in a stack buffer to stay allocation-free until the final string.
func compactMessage(group string, r slog.Record) string {
	var buf [96]byte
	pos := 0
	if group != "" {
		pos = appendStr(buf[:], pos, group)
		pos = appendByte(buf[:], pos, ':')
	}
	pos = appendStr(buf[:], pos, r.Message)

	attrs := 0
	r.Attrs(func(a slog.Attr) bool {
		if attrs >= 4 || pos >= len(buf)-8 {
			return false
		}
		pos = appendByte(buf[:], pos, ' ')
		pos = appendStr(buf[:], pos, a.Key)
		pos = appendByte(buf[:], pos, '=')
		pos = appendValue(buf[:], pos, a.Value)
		attrs++
		return true
	})
	return string(buf[:pos])
}

func appendByte(buf []byte, pos int, b byte) int {
	if pos < len(buf) {
		buf[pos] = b
		pos++
	}
	return pos
}

func appendStr(buf []byte, pos int, s string) int {
	return pos + copy(buf[pos:], s)
}

func appendValue(buf []byte, pos int, v slog.Value) int {
	switch v.Kind() {
	case slog.KindString:
		return appendStr(buf, pos, v.String())
	case slog.KindInt64:
		return appendInt(buf, pos, v.Int64())
	case slog.KindUint64:
		return appendUint(buf, pos, v.Uint64())
	case slog.KindBool:
		if v.Bool() {
			return appendStr(buf, pos, "true")
		}
		return appendStr(buf, pos, "false")
	case slog.KindDuration:
		return appendDuration(buf, pos, int64(v.Duration()))
	case slog.KindFloat64:
		return appendInt(buf, pos, int64(v.Float64()))
	default:
		return appendByte(buf, pos, '?')
	}
}

func appendInt(buf []byte, pos int, n int64) int {
	if n < 0 {
		pos = appendByte(buf, pos, '-')
		n = -n
	}
	return appendUint(buf, pos, uint64(n))
}

func appendUint(buf []byte, pos int, n uint64) int {
	if n == 0 {
		return appendByte(buf, pos, '0')
	}
	var digits [20]byte
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	for ; i < len(digits); i++ {
		pos = appendByte(buf, pos, digits[i])
	}
	return pos
}

// appendDuration renders a duration in its largest whole unit, matching
// the compact style of the rest of the line.
func appendDuration(buf []byte, pos int, d int64) int {
	switch {
	case d == 0:
		return appendStr(buf, pos, "0s")
	case d >= 1e9:
		pos = appendInt(buf, pos, d/1e9)
		return appendStr(buf, pos, "s")
	case d >= 1e6:
		pos = appendInt(buf, pos, d/1e6)
		return appendStr(buf, pos, "ms")
	case d >= 1e3:
		pos = appendInt(buf, pos, d/1e3)
		return appendStr(buf, pos, "us")
	default:
		pos = appendInt(buf, pos, d)
		return appendStr(buf, pos, "ns")
	}
}
