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

// Package schedule tracks the active/sleep duty cycle. Deep sleep is a full
// power down with RAM loss, so there is no in-process Sleeping state: the
// scheduler's whole job while awake is to detect the window boundary and
// hand off to the sleep transition. The window start is set exactly once per
// wake cycle, at boot.
package schedule

import (
	"time"

	"github.com/wheelhouse-io/tank-monitor/internal/logging"
)

// placeholderEpoch anchors human-readable times when wall clock sync is
// unavailable. Scheduling itself only ever uses elapsed monotonic time.
var placeholderEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Config is the schedule's portion of the persisted configuration.
type Config struct {
	ActiveWindow    time.Duration
	SleepDuration   time.Duration
	PublishInterval time.Duration
	SleepEnabled    bool
}

// Status is the read-only view used for status reporting. The derived
// durations here are never authoritative for the sleep transition, Expired
// checks raw elapsed time itself.
type Status struct {
	ActiveElapsed   time.Duration `json:"active_elapsed"`
	ActiveRemaining time.Duration `json:"active_remaining"`
	SleepDuration   time.Duration `json:"sleep_duration"`
	NextTransition  time.Time     `json:"next_transition"`
	SleepEnabled    bool          `json:"sleep_enabled"`
	Inhibited       bool          `json:"inhibited"`
	ClockSynced     bool          `json:"clock_synced"`
}

type Schedule struct {
	cfg         Config
	windowStart time.Time
	expired     bool

	inhibited    bool
	inhibitUntil time.Time

	lastPublish time.Time

	log *logging.Logger
}

// New starts a fresh active window at bootAt.
func New(cfg Config, bootAt time.Time, log *logging.Logger) *Schedule {
	return &Schedule{
		cfg:         cfg,
		windowStart: bootAt,
		log:         log,
	}
}

// SetConfig applies updated schedule parameters to the running window.
func (s *Schedule) SetConfig(cfg Config) {
	s.cfg = cfg
}

func (s *Schedule) Config() Config {
	return s.cfg
}

// Expired reports whether the active window has ended. It returns true at
// most once per process instance; entering sleep is terminal so a repeat
// answer could only mean a bug in the caller.
func (s *Schedule) Expired(now time.Time) bool {
	if s.expired || !s.cfg.SleepEnabled {
		return false
	}
	if s.inhibited || now.Before(s.inhibitUntil) {
		return false
	}
	if now.Sub(s.windowStart) >= s.cfg.ActiveWindow {
		s.expired = true
		return true
	}
	return false
}

// Inhibit suspends sleep indefinitely, for configuration and maintenance.
func (s *Schedule) Inhibit() {
	s.inhibited = true
}

// Release lifts an Inhibit and any StayAwakeUntil extension.
func (s *Schedule) Release() {
	s.inhibited = false
	s.inhibitUntil = time.Time{}
}

func (s *Schedule) Inhibited() bool {
	return s.inhibited
}

// StayAwakeUntil keeps the device awake until at least t.
func (s *Schedule) StayAwakeUntil(t time.Time) {
	if t.After(s.inhibitUntil) {
		s.inhibitUntil = t
	}
}

// Remaining is the time left in the active window, zero once it has passed.
func (s *Schedule) Remaining(now time.Time) time.Duration {
	if !s.cfg.SleepEnabled {
		return 0
	}
	left := s.cfg.ActiveWindow - now.Sub(s.windowStart)
	if left < 0 {
		return 0
	}
	return left
}

func (s *Schedule) SleepDuration() time.Duration {
	return s.cfg.SleepDuration
}

// PublishDue gates the publish cadence. The first call after boot is due
// immediately so consumers get a reading as soon as one settles.
func (s *Schedule) PublishDue(now time.Time) bool {
	if !s.lastPublish.IsZero() && now.Sub(s.lastPublish) < s.cfg.PublishInterval {
		return false
	}
	s.lastPublish = now
	return true
}

// Status builds the reporting view. With no wall clock sync the transition
// timestamp is computed against a placeholder epoch plus uptime so a
// human-readable "next online" time is always available.
func (s *Schedule) Status(now time.Time, uptime time.Duration, clockSynced bool) Status {
	elapsed := now.Sub(s.windowStart)
	remaining := s.Remaining(now)

	base := now
	if !clockSynced {
		base = placeholderEpoch.Add(uptime)
	}
	next := base.Add(remaining)
	if s.expired {
		// Already heading into sleep; next transition is the wake.
		next = base.Add(s.cfg.SleepDuration)
	}

	return Status{
		ActiveElapsed:   elapsed,
		ActiveRemaining: remaining,
		SleepDuration:   s.cfg.SleepDuration,
		NextTransition:  next,
		SleepEnabled:    s.cfg.SleepEnabled,
		Inhibited:       s.inhibited || now.Before(s.inhibitUntil),
		ClockSynced:     clockSynced,
	}
}
