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

// Package battery samples the pack voltage through a divider, smooths it and
// enforces the low-voltage policy. One board variant has no sense circuit at
// all; a disabled monitor stays a no-op and never alters scheduling.
package battery

import (
	"time"

	"github.com/wheelhouse-io/tank-monitor/internal/logging"
)

const (
	// Charge curve anchors for a single li-ion cell behind the divider.
	EmptyVoltage   = 3.0
	FullVoltage    = 4.2
	WarningVoltage = 3.3

	// Single pole low-pass against ADC noise.
	lowPassNewWeight = 0.7

	// One voltage sample is the mean of this many ADC reads.
	burstReads   = 10
	burstSpacing = 5 * time.Millisecond

	// DefaultScale converts divider millivolts to pack volts, empirically
	// derived from the divider ratio on the sense circuit.
	DefaultScale = 5.0

	// DefaultCheckInterval between policy evaluations.
	DefaultCheckInterval = 30 * time.Second

	// CriticalSleep is the extended sleep forced below EmptyVoltage,
	// bypassing the configured sleep duration.
	CriticalSleep = time.Hour
)

// ADC is the voltage sense capability. ReadMillivolts returns the divider
// voltage at the ADC pin.
type ADC interface {
	ReadMillivolts() (float64, error)
}

// Mode is the policy outcome for the current voltage.
type Mode int

const (
	Normal Mode = iota
	Warning
	Critical
)

func (m Mode) String() string {
	switch m {
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "normal"
	}
}

// Status is the battery view exposed to status reporting.
type Status struct {
	Voltage float64 `json:"voltage"`
	Percent float64 `json:"percent"`
	Mode    string  `json:"mode"`
	Enabled bool    `json:"enabled"`
}

// Monitor holds the smoothing state and policy cadence.
type Monitor struct {
	adc           ADC
	scale         float64
	checkInterval time.Duration

	smoothed  float64
	seeded    bool
	lastCheck time.Time
	lastMode  Mode

	log *logging.Logger

	sleep func(time.Duration)
}

func New(adc ADC, scale float64, checkInterval time.Duration, log *logging.Logger) *Monitor {
	if scale <= 0 {
		scale = DefaultScale
	}
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	return &Monitor{
		adc:           adc,
		scale:         scale,
		checkInterval: checkInterval,
		log:           log,
		sleep:         time.Sleep,
	}
}

// Disabled returns a monitor for the board variant without a sense circuit.
func Disabled(log *logging.Logger) *Monitor {
	return &Monitor{log: log, sleep: time.Sleep}
}

func (m *Monitor) Enabled() bool {
	return m.adc != nil
}

// SampleVoltage takes one smoothed pack voltage reading: a burst of ADC
// reads averaged, scaled by the divider calibration, then low-pass filtered.
// The first sample seeds the filter directly so there is no artificial
// settling transient.
func (m *Monitor) SampleVoltage() (float64, error) {
	sum := 0.0
	for i := 0; i < burstReads; i++ {
		if i > 0 {
			m.sleep(burstSpacing)
		}
		mv, err := m.adc.ReadMillivolts()
		if err != nil {
			return 0, err
		}
		sum += mv
	}
	v := sum / burstReads / 1000 * m.scale

	if !m.seeded {
		m.smoothed = v
		m.seeded = true
	} else {
		m.smoothed = lowPassNewWeight*v + (1-lowPassNewWeight)*m.smoothed
	}
	return m.smoothed, nil
}

// Percent maps a pack voltage to charge percentage, clamped linear between
// the empty and full anchors.
func Percent(v float64) float64 {
	if v <= EmptyVoltage {
		return 0
	}
	if v >= FullVoltage {
		return 100
	}
	return (v - EmptyVoltage) / (FullVoltage - EmptyVoltage) * 100
}

func modeFor(v float64) Mode {
	switch {
	case v < EmptyVoltage:
		return Critical
	case v < WarningVoltage:
		return Warning
	default:
		return Normal
	}
}

// Check runs one policy evaluation if the check interval has lapsed. The
// second return is false when the check was skipped (not yet due, monitor
// disabled, or a sampling glitch, none of which are fatal).
func (m *Monitor) Check(now time.Time) (Status, bool) {
	if !m.Enabled() {
		return Status{Mode: Normal.String()}, false
	}
	if !m.lastCheck.IsZero() && now.Sub(m.lastCheck) < m.checkInterval {
		return m.Status(), false
	}
	m.lastCheck = now

	v, err := m.SampleVoltage()
	if err != nil {
		m.log.Errorf("battery sample failed: %v", err)
		return m.Status(), false
	}

	mode := modeFor(v)
	if mode != m.lastMode {
		m.log.Infof("battery mode %s -> %s at %.2fV", m.lastMode, mode, v)
		m.lastMode = mode
	}
	return m.Status(), true
}

// Status is the last evaluated state; it does not touch the hardware.
func (m *Monitor) Status() Status {
	if !m.Enabled() {
		return Status{Mode: Normal.String()}
	}
	return Status{
		Voltage: m.smoothed,
		Percent: Percent(m.smoothed),
		Mode:    modeFor(m.smoothed).String(),
		Enabled: true,
	}
}

// Smoothed exposes the filter state for persistence across a sleep cycle.
func (m *Monitor) Smoothed() (float64, bool) {
	return m.smoothed, m.seeded
}

// RestoreSmoothed seeds the low-pass filter from a pre-sleep snapshot.
func (m *Monitor) RestoreSmoothed(v float64) {
	if v <= 0 {
		return
	}
	m.smoothed = v
	m.seeded = true
	m.lastMode = modeFor(v)
}
