package battery

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-io/tank-monitor/internal/logging"
)

type fakeADC struct {
	mv    float64
	err   error
	reads int
}

func (a *fakeADC) ReadMillivolts() (float64, error) {
	a.reads++
	return a.mv, a.err
}

func newTestMonitor(adc ADC) *Monitor {
	m := New(adc, DefaultScale, DefaultCheckInterval, logging.NewLogger("error"))
	m.sleep = func(time.Duration) {}
	return m
}

func TestPercentAnchors(t *testing.T) {
	assert.InDelta(t, 0, Percent(3.0), 0.001)
	assert.InDelta(t, 100, Percent(4.2), 0.001)
	assert.InDelta(t, 50, Percent(3.6), 0.001)
	assert.InDelta(t, 25, Percent(3.3), 0.001)

	// Clamped outside the anchors.
	assert.InDelta(t, 0, Percent(2.5), 0.001)
	assert.InDelta(t, 100, Percent(4.5), 0.001)
}

func TestSampleVoltageAveragesAndScales(t *testing.T) {
	// 720mV at the pin, divider scale 5 => 3.6V pack voltage.
	adc := &fakeADC{mv: 720}
	m := newTestMonitor(adc)

	v, err := m.SampleVoltage()
	require.NoError(t, err)
	assert.InDelta(t, 3.6, v, 0.001)
	assert.Equal(t, 10, adc.reads, "one sample is a burst of 10 reads")
}

func TestLowPassSeedsOnFirstSample(t *testing.T) {
	adc := &fakeADC{mv: 720}
	m := newTestMonitor(adc)

	// First sample seeds the filter directly, no settling transient.
	v, err := m.SampleVoltage()
	require.NoError(t, err)
	assert.InDelta(t, 3.6, v, 0.001)

	// Subsequent samples blend 70/30.
	adc.mv = 800 // 4.0V
	v, err = m.SampleVoltage()
	require.NoError(t, err)
	assert.InDelta(t, 0.7*4.0+0.3*3.6, v, 0.001)
}

func TestCheckModes(t *testing.T) {
	tests := []struct {
		name string
		mv   float64
		want Mode
	}{
		{"critical below empty", 580, Critical}, // 2.9V
		{"warning band", 640, Warning},          // 3.2V
		{"normal at threshold", 660, Normal},    // 3.3V
		{"normal full", 840, Normal},            // 4.2V
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMonitor(&fakeADC{mv: tc.mv})

			st, checked := m.Check(time.Now())
			require.True(t, checked)
			assert.Equal(t, tc.want.String(), st.Mode)
		})
	}
}

func TestCheckHonorsInterval(t *testing.T) {
	adc := &fakeADC{mv: 720}
	m := newTestMonitor(adc)
	base := time.Now()

	_, checked := m.Check(base)
	require.True(t, checked)
	readsAfterFirst := adc.reads

	_, checked = m.Check(base.Add(10 * time.Second))
	assert.False(t, checked, "second check inside the interval is skipped")
	assert.Equal(t, readsAfterFirst, adc.reads, "skipped check must not touch the ADC")

	_, checked = m.Check(base.Add(31 * time.Second))
	assert.True(t, checked)
}

func TestCheckSamplingGlitchIsNotFatal(t *testing.T) {
	adc := &fakeADC{mv: 720}
	m := newTestMonitor(adc)
	base := time.Now()

	_, checked := m.Check(base)
	require.True(t, checked)

	adc.err = errors.New("bus glitch")
	st, checked := m.Check(base.Add(time.Minute))
	assert.False(t, checked)
	// Last good state survives the glitch.
	assert.InDelta(t, 3.6, st.Voltage, 0.001)
}

func TestCriticalRegardlessOfTrend(t *testing.T) {
	// Even a rising voltage is critical while below the threshold.
	adc := &fakeADC{mv: 560} // 2.8V
	m := newTestMonitor(adc)
	base := time.Now()

	st, _ := m.Check(base)
	assert.Equal(t, Critical.String(), st.Mode)

	adc.mv = 590 // 2.95V, rising but still below empty
	st, _ = m.Check(base.Add(time.Minute))
	assert.Equal(t, Critical.String(), st.Mode)
}

func TestCriticalSleepOverridesConfigured(t *testing.T) {
	assert.Equal(t, time.Hour, CriticalSleep)
}

func TestDisabledMonitorIsNoOp(t *testing.T) {
	m := Disabled(logging.NewLogger("error"))

	assert.False(t, m.Enabled())
	st, checked := m.Check(time.Now())
	assert.False(t, checked)
	assert.Equal(t, Normal.String(), st.Mode)
	assert.False(t, st.Enabled)
}

func TestRestoreSmoothedSeedsFilter(t *testing.T) {
	adc := &fakeADC{mv: 800} // 4.0V
	m := newTestMonitor(adc)
	m.RestoreSmoothed(3.6)

	v, err := m.SampleVoltage()
	require.NoError(t, err)
	// The restored value counts as the seed, so the new sample blends.
	assert.InDelta(t, 0.7*4.0+0.3*3.6, v, 0.001)
}
