// Package settings implements the flat key=value settings blob: a fixed
// size, flash-resident text region holding WiFi join slots, the remote
// service's shared secret, and a handful of optional overrides.
package settings

import (
	"bytes"
	"fmt"
	"strconv"

	"openenterprise/wifimgr"
	"openenterprise/wifimgr/flashrange"
)

// MaxSSIDs is the number of join-priority slots the store supports.
const MaxSSIDs = 4

// Size is the fixed size of the in-RAM and on-flash settings region. It is
// expected to equal one erase sector on the target platform.
const Size = 4096

// terminators are the bytes that end the live portion of the blob: a NUL,
// the legacy DOS EOF marker, and the flash-erased-byte value.
var terminators = [3]byte{0x00, 0x1A, 0xFF}

func isTerminator(b byte) bool {
	return b == terminators[0] || b == terminators[1] || b == terminators[2]
}

// Lines end at either EOL byte; a bare '\r' terminates a value just as
// '\n' does.
func isEOL(r rune) bool { return r == '\n' || r == '\r' }

// entry is one key=value line, order-preserved.
type entry struct {
	key   string
	value string
}

// Store holds a parsed settings blob in RAM. The zero Store is empty and
// valid to use.
type Store struct {
	entries []entry
}

// Parse decodes raw flash bytes into a Store. Parsing stops at the first
// terminator byte or at the end of raw, whichever comes first. Blank lines
// and lines without an '=' are skipped; malformed lines do not abort
// parsing of the rest of the blob.
func Parse(raw []byte) *Store {
	end := len(raw)
	for i, b := range raw {
		if isTerminator(b) {
			end = i
			break
		}
	}
	s := &Store{}
	for _, line := range bytes.FieldsFunc(raw[:end], isEOL) {
		if len(line) == 0 {
			continue
		}
		idx := bytes.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key := string(line[:idx])
		if key == "" {
			continue
		}
		s.entries = append(s.entries, entry{key: key, value: string(line[idx+1:])})
	}
	return s
}

// Lookup returns the value of the first entry matching key and whether it
// was found.
func (s *Store) Lookup(key string) (string, bool) {
	for _, e := range s.entries {
		if e.key == key {
			return e.value, true
		}
	}
	return "", false
}

// Set inserts or overwrites the first entry matching key, preserving its
// position; a new key is appended at the end.
func (s *Store) Set(key, value string) {
	for i := range s.entries {
		if s.entries[i].key == key {
			s.entries[i].value = value
			return
		}
	}
	s.entries = append(s.entries, entry{key: key, value: value})
}

// Delete removes every entry matching key.
func (s *Store) Delete(key string) {
	out := s.entries[:0]
	for _, e := range s.entries {
		if e.key != key {
			out = append(out, e)
		}
	}
	s.entries = out
}

// Keys returns all keys in blob order, including duplicates.
func (s *Store) Keys() []string {
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.key
	}
	return out
}

// Encode serializes the store back into key=value lines terminated by a
// single NUL, as Save expects to write it. The returned slice is at most
// Size bytes long; callers pad/erase the remainder.
func (s *Store) Encode() ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range s.entries {
		buf.WriteString(e.key)
		buf.WriteByte('=')
		buf.WriteString(e.value)
		buf.WriteByte('\n')
	}
	buf.WriteByte(0x00)
	if buf.Len() > Size {
		return nil, fmt.Errorf("settings: encoded blob %d bytes exceeds store size %d", buf.Len(), Size)
	}
	return buf.Bytes(), nil
}

// SSIDSlot returns the ssid/bssid/pass settings for join slot n (1-based).
type SSIDSlot struct {
	SSID  string
	BSSID string
	Pass  string
	Valid bool
}

// Slot returns the configuration for join-priority slot n (1-based, up to
// MaxSSIDs). Valid is false if neither ssid<n> nor bssid<n> is set.
func (s *Store) Slot(n int) SSIDSlot {
	suffix := strconv.Itoa(n)
	ssid, hasSSID := s.Lookup("ssid" + suffix)
	bssid, hasBSSID := s.Lookup("bssid" + suffix)
	pass, _ := s.Lookup("pass" + suffix)
	return SSIDSlot{SSID: ssid, BSSID: bssid, Pass: pass, Valid: hasSSID || hasBSSID}
}

// HasAnySSID reports whether at least one join slot is configured.
func (s *Store) HasAnySSID() bool {
	for n := 1; n <= MaxSSIDs; n++ {
		if s.Slot(n).Valid {
			return true
		}
	}
	return false
}

// UpdateSecret returns the configured remote-service shared secret, if any.
func (s *Store) UpdateSecret() (string, bool) { return s.Lookup("update_secret") }

// FlashWriter abstracts the flash operations Save needs: erase-then-program
// of the settings region, with a SafeExecute scope the caller uses to
// serialize the whole operation against the other core and interrupts.
// Implementations live in flash_rp2350.go (tinygo) and flash_mem.go (host
// tests).
type FlashWriter interface {
	EraseRegion(flashrange.FlashRange) error
	ProgramPage(offset uint32, page []byte) error
	ReadRegion(flashrange.FlashRange) ([]byte, error)
	PageSize() uint32
	SafeExecute(func())
}

// Region is the settings store's fixed location in flash, injected by the
// application at startup.
type Region struct {
	Range flashrange.FlashRange
}

// Load reads the settings region from w and parses it.
func Load(w FlashWriter, region Region) (*Store, error) {
	raw, err := w.ReadRegion(region.Range)
	if err != nil {
		return nil, fmt.Errorf("settings: read region: %w", err)
	}
	return Parse(raw), nil
}

// Save erases the settings region and reprograms it with s's current
// contents inside w's SafeExecute scope: one erase of the whole region,
// then only the ceil(size/page) pages the blob occupies (the final short
// page padded with 0xFF), then a byte-for-byte readback comparison, plus a
// check that the byte after a short blob still reads erased so the file
// terminator is in place. It returns StatusInvalidArgument without
// touching flash if s does not fit in region, and StatusInvalidData if the
// readback does not match what was programmed.
func (s *Store) Save(w FlashWriter, region Region) error {
	blob, err := s.Encode()
	if err != nil {
		return err
	}
	if uint32(len(blob)) > region.Range.Size {
		return wifimgr.New(wifimgr.StatusInvalidArgument,
			fmt.Sprintf("settings: encoded blob %d bytes exceeds region size %d", len(blob), region.Range.Size))
	}
	page := w.PageSize()
	written := uint32(len(blob))
	paddedLen := (written + page - 1) / page * page
	padded := make([]byte, paddedLen)
	copy(padded, blob)
	for i := written; i < paddedLen; i++ {
		padded[i] = 0xFF
	}

	var saveErr error
	w.SafeExecute(func() {
		if err := w.EraseRegion(region.Range); err != nil {
			saveErr = fmt.Errorf("settings: erase: %w", err)
			return
		}
		for off := uint32(0); off < paddedLen; off += page {
			if err := w.ProgramPage(region.Range.StartOffset+off, padded[off:off+page]); err != nil {
				saveErr = fmt.Errorf("settings: program page at %d: %w", off, err)
				return
			}
		}

		got, err := w.ReadRegion(flashrange.FlashRange{StartOffset: region.Range.StartOffset, Size: paddedLen})
		if err != nil {
			saveErr = fmt.Errorf("settings: verify read: %w", err)
			return
		}
		if !bytes.Equal(got, padded) {
			saveErr = wifimgr.New(wifimgr.StatusInvalidData, "settings: programmed region does not match source")
			return
		}
		if paddedLen < region.Range.Size {
			tail, err := w.ReadRegion(flashrange.FlashRange{StartOffset: region.Range.StartOffset + paddedLen, Size: 1})
			if err != nil {
				saveErr = fmt.Errorf("settings: verify tail read: %w", err)
				return
			}
			if tail[0] != 0xFF {
				saveErr = wifimgr.New(wifimgr.StatusInvalidData, "settings: byte after blob is not erased")
				return
			}
		}
	})
	return saveErr
}
