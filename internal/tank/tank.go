// Package tank maps a sensor distance and tank geometry to fill level and
// volume. Everything here is pure arithmetic, the sensor is mounted at the
// tank top measuring down to the water surface.
package tank

// Geometry describes a tank. VolumeFactor is liters of water per centimeter
// of water column.
type Geometry struct {
	WidthCM      float64
	HeightCM     float64
	VolumeFactor float64
}

// Factory presets selectable by index 0-4. Factors are the measured
// cross-section of each tank scaled to liters per cm.
var presets = []Geometry{
	{WidthCM: 72, HeightCM: 92, VolumeFactor: 5.2},    // 500L round
	{WidthCM: 95, HeightCM: 120, VolumeFactor: 8.3},   // 1000L slimline
	{WidthCM: 100, HeightCM: 116, VolumeFactor: 10.0}, // 1000L IBC
	{WidthCM: 130, HeightCM: 155, VolumeFactor: 13.5}, // 2000L round
	{WidthCM: 190, HeightCM: 180, VolumeFactor: 28.0}, // 5000L round
}

// NumPresets is the count of selectable factory presets.
const NumPresets = 5

// Preset returns the factory geometry for index i. Out of range indexes fall
// back to preset 0.
func Preset(i int) Geometry {
	if i < 0 || i >= len(presets) {
		return presets[0]
	}
	return presets[i]
}

// Manual builds a geometry from user-entered dimensions. The volume factor
// assumes a square footprint scaled to liters (width squared over 1000).
// That ignores any contribution a separately measured footprint depth would
// make; it matches the behaviour of installed units, so changing it would
// silently rescale every stored manual geometry.
func Manual(widthCM, heightCM float64) Geometry {
	return Geometry{
		WidthCM:      widthCM,
		HeightCM:     heightCM,
		VolumeFactor: widthCM * widthCM / 1000,
	}
}

// waterColumn is the sensed water height clamped to the physical tank.
func waterColumn(distanceCM, heightCM float64) float64 {
	col := heightCM - distanceCM
	if col < 0 {
		return 0
	}
	if col > heightCM {
		return heightCM
	}
	return col
}

// LevelPercent maps a distance-from-top to percent full, clamped to [0, 100]
// so readings beyond the physical bounds never break downstream display.
func LevelPercent(distanceCM, heightCM float64) float64 {
	if heightCM <= 0 {
		return 0
	}
	return waterColumn(distanceCM, heightCM) / heightCM * 100
}

// VolumeLiters maps a distance-from-top to liters for the given geometry.
func VolumeLiters(distanceCM float64, g Geometry) float64 {
	return waterColumn(distanceCM, g.HeightCM) * g.VolumeFactor
}
