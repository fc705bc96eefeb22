// Package host abstracts the pieces of the platform the monitor core must
// not depend on directly: timed deep sleep and monotonic uptime. The monitor
// logic stays testable against the simulated host.
package host

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/wheelhouse-io/tank-monitor/internal/logging"
)

// Host is the platform capability the monitor needs.
type Host interface {
	// Suspend powers the system down for roughly d and is terminal for the
	// current process instance: on hardware it does not return on success,
	// the process resumes from boot after the timed wake.
	Suspend(d time.Duration) error

	// Uptime is monotonic time since boot, available even without wall
	// clock sync.
	Uptime() time.Duration
}

// SystemHost implements Host on the real board: the SoC RTC is programmed
// for a timed wake, then the system powers off.
type SystemHost struct {
	log *logging.Logger

	// SkipPowerOff leaves the system running after arming the wake timer,
	// for bench testing a deployed unit without killing the session.
	SkipPowerOff bool
}

func NewSystemHost(log *logging.Logger) *SystemHost {
	return &SystemHost{log: log}
}

func (h *SystemHost) Suspend(d time.Duration) error {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}

	h.log.Infof("arming wake timer for %s", d)
	out, err := exec.Command("rtcwake", "--mode", "no", "--seconds", strconv.Itoa(secs)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("arming rtc wake: %v, output: %s", err, out)
	}

	if h.SkipPowerOff {
		h.log.Info("skipping power off")
		return nil
	}

	h.log.Info("powering down")
	time.Sleep(3 * time.Second)
	out, err = exec.Command("poweroff").CombinedOutput()
	if err != nil {
		return fmt.Errorf("powering off: %v, output: %s", err, out)
	}
	// Block until the OS takes us down.
	select {}
}

func (h *SystemHost) Uptime() time.Duration {
	b, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return 0
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// ErrSuspended is returned by SimHost.Suspend so callers can treat the
// simulated sleep as the terminal action it would be on hardware.
var ErrSuspended = errors.New("host: suspended")

// SimHost is the test and simulation implementation. Suspend records the
// requested duration and returns ErrSuspended.
type SimHost struct {
	Suspended     bool
	SleepDuration time.Duration
	uptime        time.Duration
}

func (h *SimHost) Suspend(d time.Duration) error {
	h.Suspended = true
	h.SleepDuration = d
	return ErrSuspended
}

func (h *SimHost) Uptime() time.Duration {
	return h.uptime
}

// AdvanceUptime moves the simulated monotonic clock forward.
func (h *SimHost) AdvanceUptime(d time.Duration) {
	h.uptime += d
}
