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

package monitor

import (
	"encoding/json"
	"errors"

	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"
)

const (
	dbusName = "io.wheelhouse.TankMonitor"
	dbusPath = "/io/wheelhouse/TankMonitor"
)

type service struct {
	device *Device
}

// startService exports the command surface on the system bus. The returned
// stop function releases the bus name on sleep entry.
func startService(d *Device) (func(), error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, errors.New("dbus name already taken")
	}

	s := &service{device: d}
	conn.Export(s, dbusPath, dbusName)
	conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")

	return func() {
		conn.ReleaseName(dbusName)
	}, nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

func makeDbusError(name string, err error) *dbus.Error {
	return &dbus.Error{
		Name: dbusName + name,
		Body: []interface{}{err.Error()},
	}
}

func jsonReply(v interface{}, errName string) (string, *dbus.Error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", makeDbusError(errName, err)
	}
	return string(data), nil
}

// CurrentReading returns the smoothed level view as JSON.
func (s service) CurrentReading() (string, *dbus.Error) {
	return jsonReply(s.device.CurrentReading(), ".CurrentReading")
}

// ScheduleStatus returns the duty cycle state as JSON.
func (s service) ScheduleStatus() (string, *dbus.Error) {
	return jsonReply(s.device.ScheduleStatus(), ".ScheduleStatus")
}

// BatteryStatus returns the battery state as JSON.
func (s service) BatteryStatus() (string, *dbus.Error) {
	return jsonReply(s.device.BatteryStatus(), ".BatteryStatus")
}

func (s service) SetTankPreset(i int32) *dbus.Error {
	if err := s.device.SetTankPreset(int(i)); err != nil {
		return makeDbusError(".SetTankPreset", err)
	}
	return nil
}

func (s service) SetTankManual(widthCM, heightCM float64) *dbus.Error {
	if err := s.device.SetTankManual(widthCM, heightCM); err != nil {
		return makeDbusError(".SetTankManual", err)
	}
	return nil
}

func (s service) SetCalibrationOffset(cm float64) *dbus.Error {
	if err := s.device.SetCalibrationOffset(cm); err != nil {
		return makeDbusError(".SetCalibrationOffset", err)
	}
	return nil
}

func (s service) SetSchedule(activeMins, sleepMins, publishSecs int32) *dbus.Error {
	if err := s.device.SetSchedule(int(activeMins), int(sleepMins), int(publishSecs)); err != nil {
		return makeDbusError(".SetSchedule", err)
	}
	return nil
}

func (s service) SetSleepEnabled(enabled bool) *dbus.Error {
	if err := s.device.SetSleepEnabled(enabled); err != nil {
		return makeDbusError(".SetSleepEnabled", err)
	}
	return nil
}

func (s service) SetBatteryMonitoring(enabled bool) *dbus.Error {
	if err := s.device.SetBatteryMonitoring(enabled); err != nil {
		return makeDbusError(".SetBatteryMonitoring", err)
	}
	return nil
}

// StayAwake delays sleep for m minutes.
func (s service) StayAwake(m int32) *dbus.Error {
	if err := s.device.StayAwake(int(m)); err != nil {
		return makeDbusError(".StayAwake", err)
	}
	return nil
}

func (s service) AllowSleep() *dbus.Error {
	s.device.AllowSleep()
	return nil
}

// BurstRead performs a blocking diagnostic read and returns it as JSON.
func (s service) BurstRead(attempts int32) (string, *dbus.Error) {
	r, err := s.device.BurstRead(int(attempts))
	if err != nil {
		return "", makeDbusError(".BurstRead", err)
	}
	return jsonReply(r, ".BurstRead")
}

// Benchmark runs a timed benchmark and returns the report as JSON.
func (s service) Benchmark(iterations int32) (string, *dbus.Error) {
	return jsonReply(s.device.Benchmark(int(iterations)), ".Benchmark")
}

func (s service) ResetStats() *dbus.Error {
	s.device.ResetStats()
	return nil
}
