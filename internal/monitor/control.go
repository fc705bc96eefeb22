package monitor

import (
	"fmt"
	"time"

	"github.com/wheelhouse-io/tank-monitor/internal/battery"
	"github.com/wheelhouse-io/tank-monitor/internal/schedule"
	"github.com/wheelhouse-io/tank-monitor/internal/sensor"
)

// Configuration setters consumed by the external form/storage layers. Each
// one validates, persists and applies live in one step.

func (d *Device) SetTankPreset(i int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.cfg.SetTankPreset(i); err != nil {
		return err
	}
	d.geom = geometryFor(d.cfg.Tank())
	return d.cfg.Flush()
}

func (d *Device) SetTankManual(widthCM, heightCM float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.cfg.SetTankManual(widthCM, heightCM); err != nil {
		return err
	}
	d.geom = geometryFor(d.cfg.Tank())
	return d.cfg.Flush()
}

func (d *Device) SetCalibrationOffset(cm float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.cfg.SetCalibrationOffset(cm); err != nil {
		return err
	}
	d.driver.SetCalibrationOffset(cm)
	return d.cfg.Flush()
}

func (d *Device) SetSchedule(activeMins, sleepMins, publishSecs int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.cfg.SetSchedule(activeMins, sleepMins, publishSecs); err != nil {
		return err
	}
	d.applyScheduleLocked()
	return d.cfg.Flush()
}

func (d *Device) SetSleepEnabled(enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.SetSleepEnabled(enabled)
	d.applyScheduleLocked()
	return d.cfg.Flush()
}

func (d *Device) applyScheduleLocked() {
	c := d.cfg.Schedule()
	d.sched.SetConfig(schedule.Config{
		ActiveWindow:    time.Duration(c.ActiveWindowMins) * time.Minute,
		SleepDuration:   time.Duration(c.SleepDurationMins) * time.Minute,
		PublishInterval: time.Duration(c.PublishIntervalSecs) * time.Second,
		SleepEnabled:    c.SleepEnabled,
	})
}

func (d *Device) SetBatteryMonitoring(enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.SetBatteryMonitoring(enabled)
	if !enabled {
		d.batt = battery.Disabled(d.log)
	} else if d.adc != nil {
		c := d.cfg.Battery()
		d.batt = battery.New(d.adc, c.Scale,
			time.Duration(c.CheckIntervalSecs)*time.Second, d.log)
	} else {
		d.log.Info("battery monitoring enabled in config but this board has no sense circuit")
	}
	return d.cfg.Flush()
}

// StayAwake suspends sleep for m minutes so a maintenance session isn't cut
// off by the window boundary.
func (d *Device) StayAwake(m int) error {
	if m < 1 {
		return fmt.Errorf("stay-awake minutes must be positive")
	}
	if m > 12*60 {
		return fmt.Errorf("can not stay awake over 12 hours")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	until := time.Now().Add(time.Duration(m) * time.Minute)
	d.sched.StayAwakeUntil(until)
	d.log.Info("staying awake until ", until.Format(time.UnixDate))
	return nil
}

// AllowSleep lifts any stay-awake or inhibit.
func (d *Device) AllowSleep() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sched.Release()
}

// BurstResult is one blocking diagnostic read.
type BurstResult struct {
	DistanceCM float64 `json:"distance_cm"`
	RawMM      uint16  `json:"raw_mm"`
	LatencyMS  float64 `json:"latency_ms"`
}

// BurstRead answers an external query with a blocking read. The stall is
// bounded by attempts * the per-attempt timeout.
func (d *Device) BurstRead(attempts int) (BurstResult, error) {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 10 {
		attempts = 10
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	r, err := d.driver.TriggerAndWait(attempts, sensor.DefaultResponseTimeout)
	if err != nil {
		return BurstResult{}, err
	}
	return BurstResult{
		DistanceCM: r.DistanceCM,
		RawMM:      r.RawMM,
		LatencyMS:  float64(time.Since(start).Microseconds()) / 1000,
	}, nil
}

// BenchmarkReport aggregates a timed benchmark run.
type BenchmarkReport struct {
	Iterations  int       `json:"iterations"`
	Successes   int       `json:"successes"`
	SuccessRate float64   `json:"success_rate"`
	LatenciesMS []float64 `json:"latencies_ms"`
	MinMS       float64   `json:"min_ms"`
	MaxMS       float64   `json:"max_ms"`
	MeanMS      float64   `json:"mean_ms"`
	Stats       sensor.Stats `json:"driver_stats"`
}

// Benchmark runs n timed blocking reads, n clamped to [5, 30], and reports
// per-iteration latency plus the aggregate success rate.
func (d *Device) Benchmark(n int) BenchmarkReport {
	if n < 5 {
		n = 5
	}
	if n > 30 {
		n = 30
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	report := BenchmarkReport{
		Iterations:  n,
		LatenciesMS: make([]float64, 0, n),
	}
	var sum float64
	for i := 0; i < n; i++ {
		start := time.Now()
		_, err := d.driver.TriggerAndWait(1, sensor.DefaultResponseTimeout)
		lat := float64(time.Since(start).Microseconds()) / 1000
		report.LatenciesMS = append(report.LatenciesMS, lat)
		if err == nil {
			report.Successes++
		}
		sum += lat
		if report.MinMS == 0 || lat < report.MinMS {
			report.MinMS = lat
		}
		if lat > report.MaxMS {
			report.MaxMS = lat
		}
	}
	report.SuccessRate = float64(report.Successes) / float64(n) * 100
	report.MeanMS = sum / float64(n)
	report.Stats = d.driver.Stats()
	return report
}

// ResetStats clears the filter and driver counters.
func (d *Device) ResetStats() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filt.Reset()
	d.driver.ResetStats()
	d.haveAverage = false
	d.lastAverage = 0
}
