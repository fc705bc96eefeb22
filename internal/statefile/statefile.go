// Package statefile persists the small amount of runtime state worth keeping
// across a deep sleep cycle: the smoothed battery voltage and the filter's
// reading ring. Deep sleep is a full power down, so without this snapshot
// every wake would start with a settling transient.
//
// Layout: magic byte, version, saved-at unix seconds (4 bytes), battery
// millivolts (2 bytes, 0 when unseeded), reading count, readings as
// millimeters (2 bytes each), CRC-8 over everything before it.
package statefile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sigurn/crc8"
)

const (
	magicByte   = 0x7A
	version     = 1
	maxReadings = 5

	// DefaultPath under the state directory.
	DefaultFileName = "monitor-state.bin"
)

// ErrCorrupt means the snapshot failed validation; callers start clean.
var ErrCorrupt = errors.New("statefile: corrupt snapshot")

var crcTable = crc8.MakeTable(crc8.Params{
	Poly:   0x31, // Polynomial 1 + x^4 + x^5 + x^8
	Init:   0xFF,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
})

// State is the snapshot payload.
type State struct {
	SavedAt          time.Time
	BatterySmoothedV float64
	BatterySeeded    bool
	FilterReadingsCM []float64
}

func encode(s State) []byte {
	readings := s.FilterReadingsCM
	if len(readings) > maxReadings {
		readings = readings[len(readings)-maxReadings:]
	}

	data := []byte{magicByte, version}
	data = binary.BigEndian.AppendUint32(data, uint32(s.SavedAt.Unix()))

	mv := uint16(0)
	if s.BatterySeeded {
		mv = uint16(s.BatterySmoothedV * 1000)
	}
	data = binary.BigEndian.AppendUint16(data, mv)

	data = append(data, byte(len(readings)))
	for _, r := range readings {
		if r < 0 {
			r = 0
		}
		data = binary.BigEndian.AppendUint16(data, uint16(r*10))
	}

	return append(data, crc8.Checksum(data, crcTable))
}

func decode(data []byte) (State, error) {
	// Magic, version, time, millivolts, count, CRC.
	const headerLen = 1 + 1 + 4 + 2 + 1 + 1
	if len(data) < headerLen {
		return State{}, ErrCorrupt
	}
	if crc8.Checksum(data[:len(data)-1], crcTable) != data[len(data)-1] {
		return State{}, ErrCorrupt
	}
	if data[0] != magicByte || data[1] != version {
		return State{}, ErrCorrupt
	}

	s := State{
		SavedAt: time.Unix(int64(binary.BigEndian.Uint32(data[2:6])), 0),
	}
	if mv := binary.BigEndian.Uint16(data[6:8]); mv > 0 {
		s.BatterySmoothedV = float64(mv) / 1000
		s.BatterySeeded = true
	}

	count := int(data[8])
	if count > maxReadings || len(data) != headerLen+2*count {
		return State{}, ErrCorrupt
	}
	for i := 0; i < count; i++ {
		mm := binary.BigEndian.Uint16(data[9+2*i : 11+2*i])
		s.FilterReadingsCM = append(s.FilterReadingsCM, float64(mm)/10)
	}
	return s, nil
}

// Save writes the snapshot. Called on the sleep entry path, so failures are
// reported but the caller sleeps regardless.
func Save(path string, s State) error {
	if err := os.WriteFile(path, encode(s), 0644); err != nil {
		return fmt.Errorf("writing state snapshot: %w", err)
	}
	return nil
}

// LoadAndRemove reads and deletes the snapshot so a crash can never replay
// stale state twice. A missing file returns os.ErrNotExist, a damaged one
// ErrCorrupt.
func LoadAndRemove(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	// Remove before validating; even a good snapshot must only be used once.
	if err := os.Remove(path); err != nil {
		return State{}, err
	}
	return decode(data)
}
