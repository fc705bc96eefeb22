// Package config owns the persisted configuration. It follows a
// section-per-concern layout on top of viper; every field is range validated
// at load and out-of-range values are silently replaced with the documented
// default, a bad stored value must never stop the monitor from booting.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/viper"

	"github.com/wheelhouse-io/tank-monitor/internal/logging"
)

const (
	DefaultConfigDir = "/etc/tank-monitor"
	configFileName   = "config.yaml"
	lockFileName     = ".config.lock"

	lockTimeout = 5 * time.Second
)

// Tank is the geometry and calibration section.
type Tank struct {
	Preset              int     `mapstructure:"preset"`
	Manual              bool    `mapstructure:"manual"`
	ManualWidthCM       float64 `mapstructure:"manual-width-cm"`
	ManualHeightCM      float64 `mapstructure:"manual-height-cm"`
	CalibrationOffsetCM float64 `mapstructure:"calibration-offset-cm"`
}

func DefaultTank() Tank {
	return Tank{
		Preset:         0,
		ManualWidthCM:  100,
		ManualHeightCM: 100,
	}
}

// Schedule is the duty cycle section.
type Schedule struct {
	ActiveWindowMins    int  `mapstructure:"active-window-mins"`
	SleepDurationMins   int  `mapstructure:"sleep-duration-mins"`
	PublishIntervalSecs int  `mapstructure:"publish-interval-secs"`
	SleepEnabled        bool `mapstructure:"sleep-enabled"`
}

func DefaultSchedule() Schedule {
	return Schedule{
		ActiveWindowMins:    15,
		SleepDurationMins:   60,
		PublishIntervalSecs: 60,
		SleepEnabled:        true,
	}
}

// Battery is the voltage monitoring section.
type Battery struct {
	Enabled           bool    `mapstructure:"enabled"`
	Scale             float64 `mapstructure:"scale"`
	CheckIntervalSecs int     `mapstructure:"check-interval-secs"`
}

func DefaultBattery() Battery {
	return Battery{
		Enabled:           true,
		Scale:             5.0,
		CheckIntervalSecs: 30,
	}
}

// Sensor is the serial channel section.
type Sensor struct {
	Device string `mapstructure:"device"`
	Baud   int    `mapstructure:"baud"`
}

func DefaultSensor() Sensor {
	return Sensor{
		Device: "/dev/serial0",
		Baud:   9600,
	}
}

// Config wraps the backing store. Setters update the in-memory view
// immediately; Flush persists it under a file lock.
type Config struct {
	v    *viper.Viper
	lock *flock.Flock
	path string
	log  *logging.Logger
}

func New(dir string, log *logging.Logger) (*Config, error) {
	if dir == "" {
		dir = DefaultConfigDir
	}
	path := filepath.Join(dir, configFileName)

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading %s: %w", path, err)
			}
		}
		log.Infof("no config file at %s, using defaults", path)
	}

	return &Config{
		v:    v,
		lock: flock.New(filepath.Join(dir, lockFileName)),
		path: path,
		log:  log,
	}, nil
}

func (c *Config) section(key string, out interface{}) {
	if !c.v.IsSet(key) {
		return
	}
	if err := c.v.UnmarshalKey(key, out); err != nil {
		c.log.Errorf("config section %s unreadable, keeping defaults: %v", key, err)
	}
}

// Tank returns the validated tank section.
func (c *Config) Tank() Tank {
	t := DefaultTank()
	c.section("tank", &t)
	def := DefaultTank()
	t.Preset = c.intInRange("tank.preset", t.Preset, 0, 4, def.Preset)
	t.ManualWidthCM = c.floatInRange("tank.manual-width-cm", t.ManualWidthCM, 10, 1000, def.ManualWidthCM)
	t.ManualHeightCM = c.floatInRange("tank.manual-height-cm", t.ManualHeightCM, 10, 1000, def.ManualHeightCM)
	t.CalibrationOffsetCM = c.floatInRange("tank.calibration-offset-cm", t.CalibrationOffsetCM, -100, 100, def.CalibrationOffsetCM)
	return t
}

// Schedule returns the validated schedule section.
func (c *Config) Schedule() Schedule {
	s := DefaultSchedule()
	c.section("schedule", &s)
	def := DefaultSchedule()
	s.ActiveWindowMins = c.intInRange("schedule.active-window-mins", s.ActiveWindowMins, 1, 60, def.ActiveWindowMins)
	s.SleepDurationMins = c.intInRange("schedule.sleep-duration-mins", s.SleepDurationMins, 1, 120, def.SleepDurationMins)
	s.PublishIntervalSecs = c.intInRange("schedule.publish-interval-secs", s.PublishIntervalSecs, 10, 300, def.PublishIntervalSecs)
	return s
}

// Battery returns the validated battery section.
func (c *Config) Battery() Battery {
	b := DefaultBattery()
	c.section("battery", &b)
	def := DefaultBattery()
	b.Scale = c.floatInRange("battery.scale", b.Scale, 0.5, 10, def.Scale)
	b.CheckIntervalSecs = c.intInRange("battery.check-interval-secs", b.CheckIntervalSecs, 5, 300, def.CheckIntervalSecs)
	return b
}

// Sensor returns the validated sensor section.
func (c *Config) Sensor() Sensor {
	s := DefaultSensor()
	c.section("sensor", &s)
	if s.Device == "" {
		s.Device = DefaultSensor().Device
	}
	if s.Baud <= 0 {
		s.Baud = DefaultSensor().Baud
	}
	return s
}

func (c *Config) intInRange(key string, val, min, max, def int) int {
	if val < min || val > max {
		c.log.Debugf("config %s=%d outside [%d, %d], using default %d", key, val, min, max, def)
		return def
	}
	return val
}

func (c *Config) floatInRange(key string, val, min, max, def float64) float64 {
	if val < min || val > max {
		c.log.Debugf("config %s=%v outside [%v, %v], using default %v", key, val, min, max, def)
		return def
	}
	return val
}

func (c *Config) SetTankPreset(i int) error {
	if i < 0 || i > 4 {
		return fmt.Errorf("tank preset %d outside [0, 4]", i)
	}
	c.v.Set("tank.preset", i)
	c.v.Set("tank.manual", false)
	return nil
}

func (c *Config) SetTankManual(widthCM, heightCM float64) error {
	if widthCM < 10 || widthCM > 1000 || heightCM < 10 || heightCM > 1000 {
		return fmt.Errorf("manual tank dimensions %vx%vcm outside [10, 1000]", widthCM, heightCM)
	}
	c.v.Set("tank.manual", true)
	c.v.Set("tank.manual-width-cm", widthCM)
	c.v.Set("tank.manual-height-cm", heightCM)
	return nil
}

func (c *Config) SetCalibrationOffset(cm float64) error {
	if cm < -100 || cm > 100 {
		return fmt.Errorf("calibration offset %vcm outside [-100, 100]", cm)
	}
	c.v.Set("tank.calibration-offset-cm", cm)
	return nil
}

func (c *Config) SetSchedule(activeMins, sleepMins, publishSecs int) error {
	if activeMins < 1 || activeMins > 60 {
		return fmt.Errorf("active window %dmin outside [1, 60]", activeMins)
	}
	if sleepMins < 1 || sleepMins > 120 {
		return fmt.Errorf("sleep duration %dmin outside [1, 120]", sleepMins)
	}
	if publishSecs < 10 || publishSecs > 300 {
		return fmt.Errorf("publish interval %ds outside [10, 300]", publishSecs)
	}
	c.v.Set("schedule.active-window-mins", activeMins)
	c.v.Set("schedule.sleep-duration-mins", sleepMins)
	c.v.Set("schedule.publish-interval-secs", publishSecs)
	return nil
}

func (c *Config) SetSleepEnabled(enabled bool) {
	c.v.Set("schedule.sleep-enabled", enabled)
}

func (c *Config) SetBatteryMonitoring(enabled bool) {
	c.v.Set("battery.enabled", enabled)
}

// Flush persists the current configuration under the config file lock. It is
// called before every deep sleep and after every setter from the command
// surface.
func (c *Config) Flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := c.lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("locking config: %w", err)
	}
	if !locked {
		return fmt.Errorf("config lock held by another process")
	}
	defer c.lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return c.v.WriteConfigAs(c.path)
}
