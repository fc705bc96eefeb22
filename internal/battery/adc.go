package battery

import (
	"encoding/binary"
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// The sense circuit feeds an ADS1015 style 12-bit converter on the I2C bus.
const (
	DefaultADCAddress = 0x48

	adcRegConversion = 0x00
	adcRegConfig     = 0x01

	// Single shot conversion, AIN0 vs ground, 4.096V full scale range,
	// 1600 SPS, comparator disabled.
	adcConfigSingleShot = 0xC383

	// 4.096V over 11 effective bits.
	adcMillivoltsPerLSB = 2.0

	adcConversionWait = 2 * time.Millisecond
)

// I2CADC reads the battery divider voltage from the on-board converter.
type I2CADC struct {
	dev i2c.Dev
	bus i2c.BusCloser
}

// OpenI2CADC initialises the periph host and claims the converter on the
// first available I2C bus.
func OpenI2CADC(addr uint16) (*I2CADC, error) {
	if addr == 0 {
		addr = DefaultADCAddress
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("initialising periph host: %w", err)
	}
	bus, err := i2creg.Open("")
	if err != nil {
		return nil, fmt.Errorf("opening i2c bus: %w", err)
	}
	a := &I2CADC{
		dev: i2c.Dev{Bus: bus, Addr: addr},
		bus: bus,
	}
	// Probe the device so a missing sense circuit fails at boot, not at
	// the first policy check.
	if _, err := a.ReadMillivolts(); err != nil {
		bus.Close()
		return nil, err
	}
	return a, nil
}

func (a *I2CADC) ReadMillivolts() (float64, error) {
	cfg := []byte{adcRegConfig, adcConfigSingleShot >> 8, adcConfigSingleShot & 0xFF}
	if err := a.dev.Tx(cfg, nil); err != nil {
		return 0, fmt.Errorf("starting conversion: %w", err)
	}
	time.Sleep(adcConversionWait)

	buf := make([]byte, 2)
	if err := a.dev.Tx([]byte{adcRegConversion}, buf); err != nil {
		return 0, fmt.Errorf("reading conversion: %w", err)
	}
	raw := int16(binary.BigEndian.Uint16(buf)) >> 4
	if raw < 0 {
		raw = 0
	}
	return float64(raw) * adcMillivoltsPerLSB, nil
}

func (a *I2CADC) Close() error {
	return a.bus.Close()
}
