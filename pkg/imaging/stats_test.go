package imaging

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMedian(t *testing.T) {
	assert.Equal(t, 2.0, Median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 3, 2}))
	assert.True(t, math.IsNaN(Median(nil)))

	in := []float64{3, 1, 2}
	Median(in)
	assert.Equal(t, []float64{3, 1, 2}, in, "input is not reordered")
}

func TestMedianStackOrderInvariant(t *testing.T) {
	a := []float64{1, 10, 100}
	b := []float64{2, 20, 50}
	c := []float64{3, 5, 75}

	first, err := MedianStack([][]float64{a, b, c})
	require.NoError(t, err)
	second, err := MedianStack([][]float64{c, a, b})
	require.NoError(t, err)

	assert.Equal(t, []float64{2, 10, 75}, first)
	assert.Equal(t, first, second)
	assert.Equal(t, []float64{1, 10, 100}, a, "planes are not modified")
}

func TestMedianStackErrors(t *testing.T) {
	_, err := MedianStack(nil)
	assert.ErrorIs(t, err, ErrEmptyStack)

	_, err = MedianStack([][]float64{{1, 2}, {1}})
	assert.Error(t, err)
}

func TestClipAboveDropsHighOutliersOnly(t *testing.T) {
	values := make([]float64, 0, 41)
	for i := 0; i < 20; i++ {
		values = append(values, 10, 12)
	}
	values = append(values, 500)

	kept := ClipAbove(values, 3, 3)
	assert.Len(t, kept, 40)
	assert.NotContains(t, kept, 500.0)

	low := append(append([]float64(nil), values[:40]...), -500)
	assert.Len(t, ClipAbove(low, 3, 3), 41, "low values are never clipped")
}

func TestSigmaClip(t *testing.T) {
	values := []float64{9, 10, 11, 10, 9, 11, 10, 10, 1000, math.NaN()}
	res := SigmaClip(values, 2, 5)
	assert.Equal(t, 8, res.Kept)
	assert.InDelta(t, 10, res.Median, 1e-9)
	assert.InDelta(t, 10, res.Mean, 1e-9)
}

func TestMedianMAD(t *testing.T) {
	m, mad := MedianMAD([]float64{1, 2, 3, 4, 100})
	assert.Equal(t, 3.0, m)
	assert.InDelta(t, 1.4826, mad, 1e-9)
}

func TestFiniteMax(t *testing.T) {
	assert.Equal(t, 7.0, FiniteMax([]float64{1, math.Inf(1), 7, math.NaN()}))
	assert.True(t, math.IsNaN(FiniteMax([]float64{math.NaN()})))
}
