package overlay

import (
	"bytes"
	"image/jpeg"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyreduce/pkg/fitsframe"
)

func field(w, h int) *fitsframe.Frame {
	f := fitsframe.New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x-w/2), float64(y-h/2)
			f.Set(x, y, 100+float64((x*7+y*13)%5)+900*math.Exp(-(dx*dx+dy*dy)/8))
		}
	}
	return f
}

func TestRenderBytesScalesWideFrames(t *testing.T) {
	marks := []Mark{
		{X: 800, Y: 300, A: 3, B: 2, Theta: 0.3, Matched: true, Label: "567-1"},
		{X: 100, Y: 100, A: 2, B: 2},
	}
	data, err := RenderBytes(field(1600, 600), marks, Summary{Title: "m31_calibrated.fits", Sources: 2, Matched: 1, ZeroPoint: 21.4})
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 800, img.Bounds().Dx())
	assert.Equal(t, 300+summaryH, img.Bounds().Dy())
}

func TestRenderKeepsSmallFramesAtNativeSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay", "small.jpg")
	require.NoError(t, Render(path, field(64, 48), nil, Summary{Title: "small"}))
	assert.FileExists(t, path)
}

func TestStretchLimitsHandlesFlatFrames(t *testing.T) {
	lo, hi := stretchLimits([]float64{5, 5, 5, 5})
	assert.Less(t, lo, 5.0)
	assert.Greater(t, hi, 5.0)

	lo, hi = stretchLimits([]float64{math.NaN()})
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 1.0, hi)
}
