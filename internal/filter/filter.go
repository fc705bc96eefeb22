// Package filter smooths raw distance readings with a small ring of recent
// values and rejects statistical outliers against the rolling mean.
package filter

import (
	"time"

	"github.com/wheelhouse-io/tank-monitor/internal/logging"
)

const (
	// Capacity of the reading ring.
	Capacity = 5

	// Below this many buffered readings every value is accepted, there is
	// no meaningful average to gate against yet.
	minReadingsForGate = 3

	// OutlierThresholdCM is the maximum deviation from the rolling mean a
	// reading may have and still be accepted. Water level cannot move more
	// than this between ~1Hz samples.
	OutlierThresholdCM = 20.0

	// After this many consecutive rejections the ring is cleared so a
	// genuine persistent change (obstruction, sensor swap) can win through.
	maxConsecutiveRejections = 4

	// DefaultFreshness is the staleness threshold for health reporting.
	DefaultFreshness = 5 * time.Second
)

// Filter owns the reading ring exclusively. Callers only ever see the derived
// mean and freshness, never the ring contents.
type Filter struct {
	ring  [Capacity]float64
	count int
	next  int

	consecutiveRejections int
	lifetimeRejections    uint64
	lastAccept            time.Time

	log *logging.Logger
}

func New(log *logging.Logger) *Filter {
	return &Filter{log: log}
}

// Accept offers a raw centimeter reading to the filter. It returns the
// rolling mean and true when the reading was admitted, or the unchanged mean
// and false when rejected. After the fourth consecutive rejection the ring
// and counter reset so the next reading is admitted unconditionally.
func (f *Filter) Accept(rawCM float64, now time.Time) (float64, bool) {
	if f.count >= minReadingsForGate {
		avg := f.Average()
		dev := rawCM - avg
		if dev < 0 {
			dev = -dev
		}
		if dev > OutlierThresholdCM {
			f.consecutiveRejections++
			f.lifetimeRejections++
			if f.consecutiveRejections >= maxConsecutiveRejections {
				f.log.Debugf("filter reset after %d consecutive rejections (last raw %.1fcm, mean %.1fcm)",
					f.consecutiveRejections, rawCM, avg)
				f.clear()
			}
			return avg, false
		}
	}

	f.ring[f.next] = rawCM
	f.next = (f.next + 1) % Capacity
	if f.count < Capacity {
		f.count++
	}
	f.consecutiveRejections = 0
	f.lastAccept = now
	return f.Average(), true
}

// Average is the arithmetic mean over the populated slots, zero when empty.
func (f *Filter) Average() float64 {
	if f.count == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < f.count; i++ {
		sum += f.ring[i]
	}
	return sum / float64(f.count)
}

// Fresh reports whether a reading was accepted within maxAge of now.
func (f *Filter) Fresh(maxAge time.Duration, now time.Time) bool {
	if f.lastAccept.IsZero() {
		return false
	}
	if maxAge <= 0 {
		maxAge = DefaultFreshness
	}
	return now.Sub(f.lastAccept) < maxAge
}

func (f *Filter) ValidCount() int {
	return f.count
}

// Rejections is the lifetime rejected-sample counter, surfaced for telemetry.
func (f *Filter) Rejections() uint64 {
	return f.lifetimeRejections
}

// Reset clears the ring and all counters.
func (f *Filter) Reset() {
	f.clear()
	f.lifetimeRejections = 0
	f.lastAccept = time.Time{}
}

func (f *Filter) clear() {
	f.count = 0
	f.next = 0
	f.consecutiveRejections = 0
}

// Snapshot returns the buffered readings oldest first, for persistence
// across a sleep cycle.
func (f *Filter) Snapshot() []float64 {
	out := make([]float64, 0, f.count)
	start := 0
	if f.count == Capacity {
		start = f.next
	}
	for i := 0; i < f.count; i++ {
		out = append(out, f.ring[(start+i)%Capacity])
	}
	return out
}

// Restore seeds the ring from a snapshot taken before sleep.
func (f *Filter) Restore(readings []float64, at time.Time) {
	f.clear()
	for _, r := range readings {
		if f.count == Capacity {
			break
		}
		f.ring[f.next] = r
		f.next = (f.next + 1) % Capacity
		f.count++
	}
	if f.count > 0 {
		f.lastAccept = at
	}
}
