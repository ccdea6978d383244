package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// grid places n fits at the centre of each zone of a 300x300 frame, with
// the given FWHM per zone.
func grid(n int, fwhm map[Zone]float64) []PSF {
	var fits []PSF
	for z, w := range fwhm {
		col, row := int(z)%3, int(z)/3
		x := 50 + 100*float64(col)
		y := 250 - 100*float64(row)
		sigma := w / sigmaToFWHM
		for i := 0; i < n; i++ {
			fits = append(fits, PSF{X: x + float64(i), Y: y, SigmaX: sigma, SigmaY: sigma})
		}
	}
	return fits
}

func TestAnalyzeFieldTilt(t *testing.T) {
	fwhm := map[Zone]float64{}
	for _, z := range Zones {
		fwhm[z] = 3
	}
	fwhm[ZoneTopRight] = 4.5
	fwhm[ZoneBottomLeft] = 2.7

	field := AnalyzeField(grid(3, fwhm), 300, 300)
	require.NotNil(t, field)
	assert.True(t, field.Reliable)
	assert.True(t, field.HasTilt)
	assert.Equal(t, ZoneBottomLeft, field.BestCorner)
	assert.Equal(t, ZoneTopRight, field.WorstCorner)
	assert.InDelta(t, 60, field.TiltPct, 1e-9)
	assert.InDelta(t, 3, field.Zones[ZoneCenter].MedianFWHM, 1e-9)
	assert.Equal(t, 3, field.Zones[ZoneTop].Count)
	assert.Equal(t, "TR", field.WorstCorner.String())
}

func TestAnalyzeFieldSparse(t *testing.T) {
	assert.Nil(t, AnalyzeField(nil, 100, 100))

	field := AnalyzeField(grid(2, map[Zone]float64{ZoneCenter: 3, ZoneTopLeft: 4}), 300, 300)
	require.NotNil(t, field)
	assert.False(t, field.Reliable)
	assert.False(t, field.HasTilt)
	assert.Zero(t, field.OffAxisPct)
}

func TestZoneOfUsesFITSOrientation(t *testing.T) {
	assert.Equal(t, ZoneBottomLeft, zoneOf(0, 0, 25, 75, 25, 75))
	assert.Equal(t, ZoneTopRight, zoneOf(99, 99, 25, 75, 25, 75))
	assert.Equal(t, ZoneCenter, zoneOf(50, 50, 25, 75, 25, 75))
}
