package match

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyreduce/pkg/catalog"
	"skyreduce/pkg/detect"
	"skyreduce/pkg/photometry"
	"skyreduce/pkg/store"
)

func measurement(id int, ra, dec, instMag float64) photometry.Measurement {
	return photometry.Measurement{
		Source:     detect.Source{ID: id, RA: ra, Dec: dec},
		InstMag:    instMag,
		InstMagErr: 0.01,
	}
}

func star(id string, ra, dec, v float64) catalog.Star {
	return catalog.Star{ID: id, RA: ra, Dec: dec, Mags: map[catalog.Band]float64{
		catalog.BandV: v,
		catalog.BandR: math.NaN(),
		catalog.BandB: v + 0.6,
	}}
}

type failingCatalog struct{}

func (failingCatalog) Nearest(context.Context, catalog.Query) (catalog.Result, error) {
	return catalog.Result{}, errors.New("timeout")
}

func TestMatchDuplicateStarCreditedOnce(t *testing.T) {
	cat := catalog.NewStatic([]catalog.Star{star("567-1", 10, 20, 12)})
	m := NewMatcher(cat, 3, nil)

	set, err := m.Match(context.Background(), catalog.BandV, []photometry.Measurement{
		measurement(1, 10, 20.0001, -8),
		measurement(2, 10, 19.9998, -8.1),
	})
	require.NoError(t, err)
	require.Len(t, set.Matches, 2)

	assert.Equal(t, Matched, set.Matches[0].Outcome)
	assert.Equal(t, Duplicate, set.Matches[1].Outcome)
	assert.Equal(t, 1, set.Matched())
	assert.Equal(t, 1, set.Misfires())
}

func TestMatchOutcomes(t *testing.T) {
	cat := catalog.NewStatic([]catalog.Star{
		star("a", 10, 20, 12),
		star("b", 11, 20, 13),
	})
	set, err := NewMatcher(cat, 3, nil).Match(context.Background(), catalog.BandR, []photometry.Measurement{
		measurement(1, 10, 20, -8),
		measurement(2, 50, 50, -8),
	})
	require.NoError(t, err)

	assert.Equal(t, Matched, set.Matches[0].Outcome)
	assert.False(t, set.Matches[0].Eligible, "no R magnitude in catalog")
	assert.Equal(t, Unmatched, set.Matches[1].Outcome)

	inst, catMags := set.Eligible()
	assert.Empty(t, inst)
	assert.Empty(t, catMags)
}

func TestMatchQueryFailureIsMisfire(t *testing.T) {
	set, err := NewMatcher(failingCatalog{}, 3, nil).Match(context.Background(), catalog.BandV, []photometry.Measurement{
		measurement(1, 10, 20, -8),
	})
	require.NoError(t, err)
	assert.Equal(t, QueryFailed, set.Matches[0].Outcome)
	assert.Equal(t, "timeout", set.Matches[0].Reason)
	assert.True(t, set.Matches[0].Misfire())
}

func TestMatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMatcher(catalog.NewStatic(nil), 3, nil).Match(ctx, catalog.BandV, []photometry.Measurement{measurement(1, 0, 0, 0)})
	assert.ErrorIs(t, err, context.Canceled)
}

func scatter(n int, zp, sigma float64) (inst, cat []float64) {
	for i := 0; i < n; i++ {
		m := -10 + 0.1*float64(i)
		inst = append(inst, m)
		cat = append(cat, m+zp+sigma*math.Sin(float64(i)*1.7))
	}
	return inst, cat
}

func TestZeroPointRobustToOutlier(t *testing.T) {
	const sigma = 0.02
	inst, cat := scatter(30, 21.5, sigma)
	clean, err := EstimateZeroPoint(inst, cat, ErrorSEM)
	require.NoError(t, err)
	assert.InDelta(t, 21.5, clean.Value, sigma)

	inst = append(inst, -7)
	cat = append(cat, -7+21.5+10*sigma)
	dirty, err := EstimateZeroPoint(inst, cat, ErrorSEM)
	require.NoError(t, err)

	assert.Equal(t, 1, dirty.Rejected)
	assert.Less(t, math.Abs(dirty.Value-clean.Value), clipKappa*sigma)
}

func TestZeroPointErrorModes(t *testing.T) {
	inst := []float64{-10, -9, -8, -7}
	cat := []float64{11, 12, 13.2, 13.8}

	sem, err := EstimateZeroPoint(inst, cat, ErrorSEM)
	require.NoError(t, err)
	std, err := EstimateZeroPoint(inst, cat, ErrorStd)
	require.NoError(t, err)

	assert.InDelta(t, 21, sem.Value, 1e-12)
	assert.InDelta(t, std.Err/2, sem.Err, 1e-12)
	assert.InDelta(t, math.Sqrt(0.02), std.Err, 1e-12)
}

func TestZeroPointErrors(t *testing.T) {
	_, err := EstimateZeroPoint([]float64{1, 2}, []float64{3, math.NaN()}, ErrorSEM)
	assert.ErrorIs(t, err, ErrCountMismatch)

	_, err = EstimateZeroPoint(nil, []float64{math.NaN()}, ErrorSEM)
	assert.ErrorIs(t, err, ErrNoCalibrators)

	zp, err := EstimateZeroPoint([]float64{1, 2}, []float64{math.NaN(), 3, 4}, ErrorSEM)
	require.NoError(t, err)
	assert.Equal(t, 2.0, zp.Value)
}

func TestApply(t *testing.T) {
	zp := ZeroPoint{Value: 20, Err: 0.04}
	mag, magErr := zp.Apply(-8, 0.03)
	assert.Equal(t, 12.0, mag)
	assert.InDelta(t, 0.05, magErr, 1e-12)
}

func TestRecordsPopulateOwnBandOnly(t *testing.T) {
	cat := catalog.NewStatic([]catalog.Star{star("567-1", 10, 20, 12)})
	set, err := NewMatcher(cat, 3, nil).Match(context.Background(), catalog.BandV, []photometry.Measurement{
		measurement(1, 10, 20, -8),
		measurement(2, 40, 40, -7),
	})
	require.NoError(t, err)

	observed := time.Date(2019, 3, 4, 22, 15, 30, 123456000, time.UTC)
	recs := Records(set, ZeroPoint{Value: 20}, Frame{Name: "m31_calibrated.fits", ObservedAt: observed})
	require.Len(t, recs, 2)

	row := recs[0].Row()
	col := func(name string) string {
		for i, c := range store.Columns {
			if c == name {
				return row[i]
			}
		}
		t.Fatalf("no column %s", name)
		return ""
	}
	assert.Equal(t, "567-1", col("id"))
	assert.Equal(t, "12", col("MAG_V"))
	assert.Equal(t, "12", col("CMAG_V"))
	assert.Equal(t, store.Missing, col("MAG_R"))
	assert.Equal(t, store.Missing, col("CMAG_B"))
	assert.Equal(t, "2019-03-04 22:15:30.123456", col("DATETIME"))

	unmatched := recs[1]
	assert.Equal(t, "nan", unmatched.ID)
	assert.True(t, math.IsNaN(unmatched.CMag[catalog.BandV]))
	assert.Equal(t, 13.0, unmatched.Mag[catalog.BandV])
	assert.Equal(t, 40.0, unmatched.RAMeasured)
}
