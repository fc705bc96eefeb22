package monitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-io/tank-monitor/internal/battery"
	"github.com/wheelhouse-io/tank-monitor/internal/config"
	"github.com/wheelhouse-io/tank-monitor/internal/host"
	"github.com/wheelhouse-io/tank-monitor/internal/logging"
	"github.com/wheelhouse-io/tank-monitor/internal/statefile"
)

type fakePort struct {
	responses [][]byte
	current   []byte
	closed    bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	if len(p.responses) > 0 {
		p.current = p.responses[0]
		p.responses = p.responses[1:]
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	n := copy(b, p.current)
	p.current = p.current[n:]
	return n, nil
}

func (p *fakePort) Flush() error { return nil }

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

type fakeADC struct {
	mv float64
}

func (a *fakeADC) ReadMillivolts() (float64, error) {
	return a.mv, nil
}

func frame(mm uint16) []byte {
	hi := byte(mm >> 8)
	lo := byte(mm)
	return []byte{0xFF, hi, lo, byte(0xFF + hi + lo)}
}

func framesFor(distancesCM []float64) [][]byte {
	out := make([][]byte, 0, len(distancesCM))
	for _, cm := range distancesCM {
		out = append(out, frame(uint16(cm*10)))
	}
	return out
}

func testLog() *logging.Logger {
	return logging.NewLogger("error")
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	c, err := config.New(t.TempDir(), testLog())
	require.NoError(t, err)
	return c
}

func TestEndToEndOutlierCausesNoSpike(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, cfg.SetTankManual(80, 162))

	distances := []float64{80, 81, 79, 82, 200, 80}
	port := &fakePort{responses: framesFor(distances)}
	sim := &host.SimHost{}
	d := NewDevice(cfg, port, port, nil, sim, t.TempDir(), testLog())

	base := time.Now()
	var percents []float64
	for i := 0; i < 2*len(distances); i++ {
		_, _, sleeping := d.tick(base.Add(time.Duration(i) * 60 * time.Millisecond))
		require.False(t, sleeping)

		if r := d.CurrentReading(); r.ValidReadingCount > 0 {
			percents = append(percents, r.Percent)
		}
	}

	r := d.CurrentReading()
	assert.Equal(t, uint64(1), r.RejectedSamples, "only the 200cm outlier is rejected")
	assert.Equal(t, 5, r.ValidReadingCount)

	// Level stays near (162-80)/162 throughout; the outlier would read as
	// an almost empty tank if it leaked through.
	require.NotEmpty(t, percents)
	for i, p := range percents {
		assert.Greater(t, p, 45.0, "percent %d dipped: %v", i, percents)
		assert.Less(t, p, 56.0, "percent %d spiked: %v", i, percents)
	}
	for i := 1; i < len(percents); i++ {
		diff := percents[i] - percents[i-1]
		if diff < 0 {
			diff = -diff
		}
		assert.Less(t, diff, 5.0, "discontinuous jump at %d: %v", i, percents)
	}
}

func TestWindowExpiryEntersSleep(t *testing.T) {
	cfg := newTestConfig(t)
	port := &fakePort{}
	sim := &host.SimHost{}
	stateDir := t.TempDir()
	d := NewDevice(cfg, port, port, nil, sim, stateDir, testLog())

	base := time.Now()
	_, _, sleeping := d.tick(base)
	require.False(t, sleeping)

	// Default window is 15 minutes.
	dur, reason, sleeping := d.tick(base.Add(15*time.Minute + time.Second))
	require.True(t, sleeping)
	assert.Equal(t, 60*time.Minute, dur, "configured sleep duration")
	assert.Contains(t, reason, "window expired")

	require.NoError(t, d.enterSleep(dur, reason, nil))
	assert.True(t, sim.Suspended)
	assert.Equal(t, 60*time.Minute, sim.SleepDuration)
	assert.True(t, port.closed, "serial released before suspension")

	// The pre-sleep snapshot was written.
	_, err := os.Stat(filepath.Join(stateDir, statefile.DefaultFileName))
	assert.NoError(t, err)
}

func TestBatteryCriticalForcesExtendedSleep(t *testing.T) {
	cfg := newTestConfig(t)
	// Critical must override even a disabled sleep schedule.
	cfg.SetSleepEnabled(false)

	port := &fakePort{}
	sim := &host.SimHost{}
	adc := &fakeADC{mv: 580} // 2.9V pack voltage at scale 5
	d := NewDevice(cfg, port, port, adc, sim, t.TempDir(), testLog())

	dur, reason, sleeping := d.tick(time.Now())
	require.True(t, sleeping)
	assert.Equal(t, battery.CriticalSleep, dur, "1 hour sleep bypasses the configured duration")
	assert.Contains(t, reason, "battery critical")

	require.NoError(t, d.enterSleep(dur, reason, nil))
	assert.Equal(t, time.Hour, sim.SleepDuration)
}

func TestBatteryWarningDoesNotSleep(t *testing.T) {
	cfg := newTestConfig(t)
	port := &fakePort{}
	adc := &fakeADC{mv: 640} // 3.2V
	d := NewDevice(cfg, port, port, adc, &host.SimHost{}, t.TempDir(), testLog())

	_, _, sleeping := d.tick(time.Now())
	assert.False(t, sleeping)
	assert.Equal(t, "warning", d.BatteryStatus().Mode)
}

func TestStateRestoredAfterWake(t *testing.T) {
	stateDir := t.TempDir()
	require.NoError(t, statefile.Save(filepath.Join(stateDir, statefile.DefaultFileName), statefile.State{
		SavedAt:          time.Now(),
		BatterySmoothedV: 3.7,
		BatterySeeded:    true,
		FilterReadingsCM: []float64{80, 81, 79},
	}))

	cfg := newTestConfig(t)
	port := &fakePort{}
	adc := &fakeADC{mv: 740}
	d := NewDevice(cfg, port, port, adc, &host.SimHost{}, stateDir, testLog())

	r := d.CurrentReading()
	assert.Equal(t, 3, r.ValidReadingCount)
	assert.InDelta(t, 80.0, r.DistanceCM, 0.1)
	assert.False(t, r.SensorFresh, "pre-sleep readings are stale by definition")

	// Snapshot is single use.
	_, err := os.Stat(filepath.Join(stateDir, statefile.DefaultFileName))
	assert.True(t, os.IsNotExist(err))

	// The battery filter was seeded from the snapshot.
	st := d.BatteryStatus()
	assert.InDelta(t, 3.7, st.Voltage, 0.001)
}

func TestStayAwakeDefersExpiry(t *testing.T) {
	cfg := newTestConfig(t)
	port := &fakePort{}
	d := NewDevice(cfg, port, port, nil, &host.SimHost{}, t.TempDir(), testLog())

	require.NoError(t, d.StayAwake(60))
	_, _, sleeping := d.tick(time.Now().Add(20 * time.Minute))
	assert.False(t, sleeping)
}

func TestBurstReadAndBenchmark(t *testing.T) {
	cfg := newTestConfig(t)
	responses := make([][]byte, 0, 12)
	for i := 0; i < 12; i++ {
		responses = append(responses, frame(800))
	}
	port := &fakePort{responses: responses}
	d := NewDevice(cfg, port, port, nil, &host.SimHost{}, t.TempDir(), testLog())

	burst, err := d.BurstRead(3)
	require.NoError(t, err)
	assert.InDelta(t, 80.0, burst.DistanceCM, 0.001)

	report := d.Benchmark(2) // clamped up to 5
	assert.Equal(t, 5, report.Iterations)
	assert.Equal(t, 5, report.Successes)
	assert.InDelta(t, 100.0, report.SuccessRate, 0.001)
	assert.Len(t, report.LatenciesMS, 5)
}

func TestResetStatsClearsCounters(t *testing.T) {
	cfg := newTestConfig(t)
	port := &fakePort{responses: framesFor([]float64{80})}
	d := NewDevice(cfg, port, port, nil, &host.SimHost{}, t.TempDir(), testLog())

	base := time.Now()
	d.tick(base)
	d.tick(base.Add(60 * time.Millisecond))
	require.Equal(t, 1, d.CurrentReading().ValidReadingCount)

	d.ResetStats()
	r := d.CurrentReading()
	assert.Equal(t, 0, r.ValidReadingCount)
	assert.Zero(t, r.DistanceCM)
}
