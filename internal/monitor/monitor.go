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

// Package monitor is the daemon: it owns the device context, runs the
// cooperative tick loop and exposes the D-Bus command surface.
package monitor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	arg "github.com/alexflint/go-arg"

	"github.com/wheelhouse-io/tank-monitor/internal/battery"
	"github.com/wheelhouse-io/tank-monitor/internal/config"
	"github.com/wheelhouse-io/tank-monitor/internal/filter"
	"github.com/wheelhouse-io/tank-monitor/internal/host"
	"github.com/wheelhouse-io/tank-monitor/internal/logging"
	"github.com/wheelhouse-io/tank-monitor/internal/schedule"
	"github.com/wheelhouse-io/tank-monitor/internal/sensor"
	"github.com/wheelhouse-io/tank-monitor/internal/statefile"
	"github.com/wheelhouse-io/tank-monitor/internal/tank"
)

const (
	// Tick cadence of the cooperative loop; everything called inside a
	// tick is non blocking.
	tickInterval = 50 * time.Millisecond

	DefaultStateDir = "/var/lib/tank-monitor"

	portOpenRetries    = 10
	portOpenRetryDelay = 3 * time.Second
)

var version = "<not set>"

type Args struct {
	ConfigDir    string `arg:"-c,--config" help:"configuration folder"`
	StateDir     string `arg:"--state-dir" help:"folder for the pre-sleep state snapshot"`
	SkipPowerOff bool   `arg:"--skip-power-off" help:"arm the wake timer but don't power down"`
	logging.LogArgs
}

var defaultArgs = Args{
	ConfigDir: config.DefaultConfigDir,
	StateDir:  DefaultStateDir,
}

func procArgs(input []string) (Args, error) {
	args := defaultArgs
	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

// Device is the owned context shared by every component. All access from the
// D-Bus surface and the tick loop goes through mu, preserving the sensor
// channel's and reading buffer's single-owner rule.
type Device struct {
	mu sync.Mutex

	cfg    *config.Config
	driver *sensor.Driver
	port   io.Closer
	filt   *filter.Filter
	geom   tank.Geometry
	sched  *schedule.Schedule
	batt   *battery.Monitor
	adc    battery.ADC
	hst    host.Host

	statePath string
	log       *logging.Logger

	lastAverage float64
	haveAverage bool
}

// Reading is the current-level view consumed by the excluded UI and
// publishing layers.
type Reading struct {
	DistanceCM        float64 `json:"distance_cm"`
	Percent           float64 `json:"percent"`
	VolumeLiters      float64 `json:"volume_liters"`
	SensorFresh       bool    `json:"sensor_fresh"`
	ValidReadingCount int     `json:"valid_reading_count"`
	RejectedSamples   uint64  `json:"rejected_samples"`
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	log := logging.NewLogger(args.LogLevel)
	log.Info("running version: ", version)

	cfg, err := config.New(args.ConfigDir, log)
	if err != nil {
		return err
	}

	sensorConf := cfg.Sensor()
	port, err := openPortWithRetries(sensorConf.Device, sensorConf.Baud, log)
	if err != nil {
		return err
	}

	var adc battery.ADC
	if cfg.Battery().Enabled {
		a, err := battery.OpenI2CADC(battery.DefaultADCAddress)
		if err != nil {
			// This board variant has no sense circuit; the policy
			// stays a no-op and must not alter scheduling.
			log.Infof("battery sensing unavailable: %v", err)
		} else {
			adc = a
		}
	}

	hst := host.NewSystemHost(log)
	hst.SkipPowerOff = args.SkipPowerOff

	d := NewDevice(cfg, port, port, adc, hst, args.StateDir, log)

	stop, err := startService(d)
	if err != nil {
		return err
	}

	return d.run(stop)
}

func openPortWithRetries(device string, baud int, log *logging.Logger) (*sensor.SerialPort, error) {
	var lastErr error
	for i := 0; i < portOpenRetries; i++ {
		if i > 0 {
			time.Sleep(portOpenRetryDelay)
		}
		port, err := sensor.OpenSerialPort(device, baud)
		if err == nil {
			return port, nil
		}
		lastErr = err
		log.Infof("opening sensor port failed (%d/%d): %v", i+1, portOpenRetries, err)
	}
	return nil, lastErr
}

// NewDevice wires the components from configuration, restoring any pre-sleep
// snapshot. port is the driver's channel, closer releases it on sleep entry.
func NewDevice(cfg *config.Config, port sensor.Port, closer io.Closer, adc battery.ADC,
	hst host.Host, stateDir string, log *logging.Logger) *Device {

	now := time.Now()
	tankConf := cfg.Tank()
	schedConf := cfg.Schedule()
	battConf := cfg.Battery()

	d := &Device{
		cfg:    cfg,
		driver: sensor.NewDriver(port, tankConf.CalibrationOffsetCM, log),
		port:   closer,
		filt:   filter.New(log),
		geom:   geometryFor(tankConf),
		sched: schedule.New(schedule.Config{
			ActiveWindow:    time.Duration(schedConf.ActiveWindowMins) * time.Minute,
			SleepDuration:   time.Duration(schedConf.SleepDurationMins) * time.Minute,
			PublishInterval: time.Duration(schedConf.PublishIntervalSecs) * time.Second,
			SleepEnabled:    schedConf.SleepEnabled,
		}, now, log),
		adc:       adc,
		hst:       hst,
		statePath: filepath.Join(stateDir, statefile.DefaultFileName),
		log:       log,
	}

	if adc != nil && battConf.Enabled {
		d.batt = battery.New(adc, battConf.Scale,
			time.Duration(battConf.CheckIntervalSecs)*time.Second, log)
	} else {
		d.batt = battery.Disabled(log)
	}

	d.restoreState(now)
	return d
}

func geometryFor(t config.Tank) tank.Geometry {
	if t.Manual {
		return tank.Manual(t.ManualWidthCM, t.ManualHeightCM)
	}
	return tank.Preset(t.Preset)
}

func (d *Device) restoreState(now time.Time) {
	state, err := statefile.LoadAndRemove(d.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			d.log.Infof("discarding state snapshot: %v", err)
		}
		return
	}
	if state.BatterySeeded {
		d.batt.RestoreSmoothed(state.BatterySmoothedV)
	}
	// The buffered readings are from before the sleep so they are stale by
	// definition; seed the ring but not the freshness timestamp.
	d.filt.Restore(state.FilterReadingsCM, time.Time{})
	if len(state.FilterReadingsCM) > 0 {
		d.lastAverage = d.filt.Average()
		d.haveAverage = true
	}
	d.log.Debugf("restored state snapshot from %s", state.SavedAt.Format(time.RFC3339))
}

// run drives the tick loop until a sleep transition. stop closes the D-Bus
// service on the way out.
func (d *Device) run(stop func()) error {
	for {
		now := time.Now()
		if dur, reason, sleeping := d.tick(now); sleeping {
			return d.enterSleep(dur, reason, stop)
		}
		time.Sleep(tickInterval)
	}
}

// tick runs one pass of the cooperative loop. Ordering matters: the sensor
// is polled before the expiry check so a reading taken in the final moments
// of the window is still captured before sleep. The returned values are the
// sleep duration and reason when a transition is demanded.
func (d *Device) tick(now time.Time) (time.Duration, string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.driver.Poll(now); ok {
		if avg, accepted := d.filt.Accept(r.DistanceCM, now); accepted {
			d.lastAverage = avg
			d.haveAverage = true
		}
	}

	if d.sched.PublishDue(now) && d.filt.Fresh(filter.DefaultFreshness, now) {
		r := d.currentReadingLocked(now)
		d.log.Infof("level: %.1fcm down, %.1f%% full, %.0fL", r.DistanceCM, r.Percent, r.VolumeLiters)
	}

	// The battery policy may preempt the normal window exit; below the
	// critical threshold an extended sleep is forced unconditionally, even
	// with sleep disabled.
	if st, checked := d.batt.Check(now); checked && st.Mode == battery.Critical.String() {
		return battery.CriticalSleep, fmt.Sprintf("battery critical at %.2fV", st.Voltage), true
	}

	if d.sched.Expired(now) {
		return d.sched.SleepDuration(), "active window expired", true
	}

	return 0, "", false
}

// enterSleep is the terminal sleep transition: flush everything, release the
// hardware, suspend. It is non-cancelable, all cleanup completes before the
// power goes.
func (d *Device) enterSleep(dur time.Duration, reason string, stop func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Infof("entering deep sleep for %s: %s", dur, reason)

	smoothed, seeded := d.batt.Smoothed()
	state := statefile.State{
		SavedAt:          time.Now(),
		BatterySmoothedV: smoothed,
		BatterySeeded:    seeded,
		FilterReadingsCM: d.filt.Snapshot(),
	}
	if err := statefile.Save(d.statePath, state); err != nil {
		d.log.Errorf("saving state snapshot: %v", err)
	}

	if err := d.cfg.Flush(); err != nil {
		d.log.Errorf("flushing config: %v", err)
	}

	if stop != nil {
		stop()
	}
	if d.port != nil {
		if err := d.port.Close(); err != nil {
			d.log.Errorf("closing sensor port: %v", err)
		}
	}

	err := d.hst.Suspend(dur)
	if err != nil && !errors.Is(err, host.ErrSuspended) {
		return err
	}
	return nil
}

func (d *Device) currentReadingLocked(now time.Time) Reading {
	r := Reading{
		SensorFresh:       d.filt.Fresh(filter.DefaultFreshness, now),
		ValidReadingCount: d.filt.ValidCount(),
		RejectedSamples:   d.filt.Rejections(),
	}
	if d.haveAverage {
		r.DistanceCM = d.lastAverage
		r.Percent = tank.LevelPercent(d.lastAverage, d.geom.HeightCM)
		r.VolumeLiters = tank.VolumeLiters(d.lastAverage, d.geom)
	}
	return r
}

// CurrentReading is the query surface for external consumers.
func (d *Device) CurrentReading() Reading {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentReadingLocked(time.Now())
}

// ScheduleStatus reports the duty cycle state. With no wall clock sync the
// timestamps are anchored to a placeholder epoch rather than failing.
func (d *Device) ScheduleStatus() schedule.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	return d.sched.Status(now, d.hst.Uptime(), clockSynced(now))
}

func (d *Device) BatteryStatus() battery.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.batt.Status()
}

// clockSynced guesses whether NTP has run; an unsynced board boots in the
// distant past.
func clockSynced(now time.Time) bool {
	return now.Year() >= 2024
}
