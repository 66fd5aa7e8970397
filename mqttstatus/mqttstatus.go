// Package mqttstatus periodically publishes a small JSON status line
// (connection state, selected join slot, uptime, active remote session
// count) to a configured MQTT broker.
package mqttstatus

import (
	"fmt"
	"time"
)

// DefaultInterval is how often Runner.Tick actually publishes, absent an
// explicit Config.Interval.
const DefaultInterval = 5 * time.Minute

// DefaultTopic is used when the settings store has no mqtt_topic entry.
const DefaultTopic = "wifimgr/status"

// Status is the JSON-shaped payload published on each tick.
type Status struct {
	State      string `json:"state"`
	SlotNumber int    `json:"slot"`
	UptimeSec  int64  `json:"uptime_s"`
	SessionsUp int    `json:"sessions"`
}

// MarshalCompact renders s as a small, allocation-light JSON object,
// matching this codebase's telemetry package's own hand-rolled JSON
// writer instead of reaching for encoding/json on a TinyGo target.
func (s Status) MarshalCompact() []byte {
	return []byte(fmt.Sprintf(
		`{"state":%q,"slot":%d,"uptime_s":%d,"sessions":%d}`,
		s.State, s.SlotNumber, s.UptimeSec, s.SessionsUp,
	))
}

// Publisher is the transport seam this package is coded against: one
// fire-and-forget publish per tick. The TinyGo implementation
// (publisher_lneto.go) wraps github.com/soypat/natiu-mqtt; tests use a
// recording stub.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// StatusSource supplies the live values Status is built from.
type StatusSource struct {
	State      func() string
	SlotNumber func() int
	BootTime   time.Time
	Sessions   func() int
}

func (s StatusSource) snapshot(now time.Time) Status {
	st := Status{}
	if s.State != nil {
		st.State = s.State()
	}
	if s.SlotNumber != nil {
		st.SlotNumber = s.SlotNumber()
	}
	if s.Sessions != nil {
		st.SessionsUp = s.Sessions()
	}
	if !s.BootTime.IsZero() {
		st.UptimeSec = int64(now.Sub(s.BootTime).Seconds())
	}
	return st
}

// Config tunes the publish cadence and destination.
type Config struct {
	Interval time.Duration
	Topic    string
}

func (c Config) intervalOrDefault() time.Duration {
	if c.Interval <= 0 {
		return DefaultInterval
	}
	return c.Interval
}

func (c Config) topicOrDefault() string {
	if c.Topic == "" {
		return DefaultTopic
	}
	return c.Topic
}

// Runner drives periodic publishing: the caller invokes Tick on its own
// schedule, and Tick publishes at most once per interval.
type Runner struct {
	pub    Publisher
	src    StatusSource
	cfg    Config
	lastAt time.Time
}

// NewRunner builds a Runner. If pub is nil, Tick is a no-op: a missing or
// unreachable broker never blocks the rest of the device.
func NewRunner(pub Publisher, src StatusSource, cfg Config) *Runner {
	return &Runner{pub: pub, src: src, cfg: cfg}
}

// Tick publishes a status update if the configured interval has elapsed
// since the last publish. Publish errors are discarded without being
// logged; a failed publish still starts a new interval, so the next
// attempt waits for it like any other.
func (r *Runner) Tick(now time.Time) {
	if r.pub == nil {
		return
	}
	if !r.lastAt.IsZero() && now.Sub(r.lastAt) < r.cfg.intervalOrDefault() {
		return
	}
	r.lastAt = now
	status := r.src.snapshot(now)
	_ = r.pub.Publish(r.cfg.topicOrDefault(), status.MarshalCompact())
}
