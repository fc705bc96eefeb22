package statefile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sigurn/crc8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState() State {
	return State{
		SavedAt:          time.Now().Truncate(time.Second),
		BatterySmoothedV: 3.72,
		BatterySeeded:    true,
		FilterReadingsCM: []float64{80.1, 81.5, 79.9, 82.0, 80.4},
	}
}

func TestSaveLoadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	want := testState()
	require.NoError(t, Save(path, want))

	got, err := LoadAndRemove(path)
	require.NoError(t, err)

	assert.True(t, got.BatterySeeded)
	assert.InDelta(t, want.BatterySmoothedV, got.BatterySmoothedV, 0.001)
	require.Len(t, got.FilterReadingsCM, len(want.FilterReadingsCM))
	for i := range want.FilterReadingsCM {
		assert.InDelta(t, want.FilterReadingsCM[i], got.FilterReadingsCM[i], 0.1)
	}
	assert.Equal(t, want.SavedAt.Unix(), got.SavedAt.Unix())

	// The snapshot is single use.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadAndRemove(filepath.Join(t.TempDir(), DefaultFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestCorruptSnapshotRejected(t *testing.T) {
	dir := t.TempDir()

	flip := func(mutate func([]byte)) error {
		path := filepath.Join(dir, DefaultFileName)
		require.NoError(t, Save(path, testState()))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		mutate(data)
		require.NoError(t, os.WriteFile(path, data, 0644))
		_, err = LoadAndRemove(path)
		return err
	}

	assert.ErrorIs(t, flip(func(b []byte) { b[len(b)-1]++ }), ErrCorrupt, "bad crc")
	assert.ErrorIs(t, flip(func(b []byte) { b[0] = 0x00; fixCRC(b) }), ErrCorrupt, "bad magic")
	assert.ErrorIs(t, flip(func(b []byte) { b[1] = 99; fixCRC(b) }), ErrCorrupt, "unknown version")
}

func fixCRC(b []byte) {
	b[len(b)-1] = crc8.Checksum(b[:len(b)-1], crcTable)
}

func TestTruncatedSnapshotRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte{magicByte, version}, 0644))

	_, err := LoadAndRemove(path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestUnseededBatteryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	s := testState()
	s.BatterySeeded = false
	s.BatterySmoothedV = 0
	require.NoError(t, Save(path, s))

	got, err := LoadAndRemove(path)
	require.NoError(t, err)
	assert.False(t, got.BatterySeeded)
}
