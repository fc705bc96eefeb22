/*
tank-monitor - battery aware water tank level monitoring
Copyright (C) 2024, Wheelhouse

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// Package sensor drives the ultrasonic distance sensor connected over UART.
//
// The sensor speaks a minimal half duplex protocol: the host writes a single
// trigger byte (0x55) and the sensor answers with a 4 byte frame of
// 0xFF, distance high byte, distance low byte, checksum. The checksum is the
// low byte of the sum of the first three bytes. Distances are reported in
// millimeters and only the range (50, 5000) mm is trusted, the sensor emits
// junk outside of its rated window.
package sensor

import (
	"time"

	"github.com/wheelhouse-io/tank-monitor/internal/logging"
)

const (
	triggerByte = 0x55
	frameHeader = 0xFF
	frameLen    = 4

	// Rated measurement window of the sensor, exclusive bounds.
	MinRangeMM = 50
	MaxRangeMM = 5000

	// DefaultResponseTimeout is how long a blocking read waits for a frame
	// after each trigger.
	DefaultResponseTimeout = 60 * time.Millisecond

	retryBackoff = 20 * time.Millisecond

	// Polled reads re-trigger at most every pollTriggerSpacing and give up
	// on an unanswered trigger after pollResponseTimeout.
	pollTriggerSpacing  = 50 * time.Millisecond
	pollResponseTimeout = 80 * time.Millisecond
)

// Port is the serial channel to the sensor. The driver is the only owner of
// the channel, nothing else may read or write it.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
}

// Sample is a single raw observation from the sensor.
type Sample struct {
	RawMM uint16
	Valid bool
	At    time.Time
}

// Reading is a validated, calibrated distance.
type Reading struct {
	DistanceCM float64
	RawMM      uint16
	At         time.Time
}

// Stats counts what the driver has seen since the last reset.
type Stats struct {
	Triggers         uint64
	Frames           uint64
	ChecksumFailures uint64
	RangeRejections  uint64
	Timeouts         uint64
}

type pollPhase int

const (
	phaseIdle pollPhase = iota
	phaseAwaitingResponse
)

// Driver reads distances from the sensor. It supports a blocking burst read
// for diagnostics and a non blocking polled read for the tick loop.
type Driver struct {
	port     Port
	offsetCM float64
	log      *logging.Logger

	phase       pollPhase
	lastTrigger time.Time
	frame       []byte

	stats Stats

	sleep func(time.Duration)
}

func NewDriver(port Port, offsetCM float64, log *logging.Logger) *Driver {
	return &Driver{
		port:     port,
		offsetCM: offsetCM,
		log:      log,
		frame:    make([]byte, 0, frameLen),
		sleep:    time.Sleep,
	}
}

// SetCalibrationOffset updates the signed calibration offset in centimeters.
func (d *Driver) SetCalibrationOffset(cm float64) {
	d.offsetCM = cm
}

func (d *Driver) Stats() Stats {
	return d.stats
}

func (d *Driver) ResetStats() {
	d.stats = Stats{}
}

// TriggerAndWait performs a blocking burst read: trigger, wait for a frame,
// retry on failure. It stalls the caller for at most
// attempts * (timeout + backoff) and is only meant for on-demand diagnostic
// reads, the tick loop uses Poll instead.
func (d *Driver) TriggerAndWait(attempts int, perAttemptTimeout time.Duration) (Reading, error) {
	if attempts < 1 {
		attempts = 1
	}
	if perAttemptTimeout <= 0 {
		perAttemptTimeout = DefaultResponseTimeout
	}

	// A burst read takes over the channel, drop any half finished polled
	// request.
	d.phase = phaseIdle
	d.frame = d.frame[:0]

	var lastErr error = ErrTimeout
	for i := 0; i < attempts; i++ {
		if i > 0 {
			d.sleep(retryBackoff)
		}
		reading, err := d.attempt(perAttemptTimeout)
		if err == nil {
			return reading, nil
		}
		lastErr = err
		d.log.Debugf("burst read attempt %d/%d failed: %v", i+1, attempts, err)
	}
	return Reading{}, lastErr
}

func (d *Driver) attempt(timeout time.Duration) (Reading, error) {
	if err := d.port.Flush(); err != nil {
		return Reading{}, err
	}
	if _, err := d.port.Write([]byte{triggerByte}); err != nil {
		return Reading{}, err
	}
	d.stats.Triggers++

	frame := make([]byte, 0, frameLen)
	buf := make([]byte, frameLen)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n, err := d.port.Read(buf[:frameLen-len(frame)])
		if err != nil {
			return Reading{}, err
		}
		frame = append(frame, buf[:n]...)
		if len(frame) >= frameLen {
			mm, err := parseFrame(frame, &d.stats)
			if err != nil {
				return Reading{}, err
			}
			return d.reading(mm, time.Now()), nil
		}
	}
	d.stats.Timeouts++
	return Reading{}, ErrTimeout
}

// Poll advances the non blocking read state machine. Call it once per tick;
// it never blocks beyond the port's short read timeout. The second return is
// true when a new validated reading is available.
func (d *Driver) Poll(now time.Time) (Reading, bool) {
	switch d.phase {
	case phaseIdle:
		if now.Sub(d.lastTrigger) < pollTriggerSpacing {
			return Reading{}, false
		}
		if err := d.port.Flush(); err != nil {
			d.log.Debugf("flush before trigger: %v", err)
			return Reading{}, false
		}
		if _, err := d.port.Write([]byte{triggerByte}); err != nil {
			d.log.Debugf("trigger write: %v", err)
			return Reading{}, false
		}
		d.stats.Triggers++
		d.lastTrigger = now
		d.phase = phaseAwaitingResponse
		d.frame = d.frame[:0]
		return Reading{}, false

	case phaseAwaitingResponse:
		buf := make([]byte, frameLen)
		n, err := d.port.Read(buf[:frameLen-len(d.frame)])
		if err == nil && n > 0 {
			d.frame = append(d.frame, buf[:n]...)
		}
		if len(d.frame) >= frameLen {
			d.phase = phaseIdle
			mm, perr := parseFrame(d.frame, &d.stats)
			d.frame = d.frame[:0]
			if perr != nil {
				d.log.Debugf("polled frame rejected: %v", perr)
				return Reading{}, false
			}
			return d.reading(mm, now), true
		}
		if now.Sub(d.lastTrigger) >= pollResponseTimeout {
			d.stats.Timeouts++
			d.phase = phaseIdle
			d.frame = d.frame[:0]
		}
		return Reading{}, false
	}
	return Reading{}, false
}

func (d *Driver) reading(mm uint16, at time.Time) Reading {
	return Reading{
		DistanceCM: float64(mm)/10 + d.offsetCM,
		RawMM:      mm,
		At:         at,
	}
}

func parseFrame(frame []byte, stats *Stats) (uint16, error) {
	stats.Frames++
	if frame[0] != frameHeader {
		stats.ChecksumFailures++
		return 0, ErrBadFrame
	}
	sum := byte(frame[0] + frame[1] + frame[2])
	if sum != frame[3] {
		stats.ChecksumFailures++
		return 0, ErrBadFrame
	}
	mm := uint16(frame[1])<<8 | uint16(frame[2])
	if mm <= MinRangeMM || mm >= MaxRangeMM {
		stats.RangeRejections++
		return 0, ErrOutOfRange
	}
	return mm, nil
}
