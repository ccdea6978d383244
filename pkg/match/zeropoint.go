package match

import (
	"errors"
	"fmt"
	"math"
	"time"

	"skyreduce/pkg/catalog"
	"skyreduce/pkg/imaging"
	"skyreduce/pkg/store"
)

var (
	ErrCountMismatch = errors.New("instrumental and catalog magnitude counts differ")
	ErrNoCalibrators = errors.New("no catalog stars with magnitudes in band")
)

// ErrorMode selects the zero-point uncertainty.
type ErrorMode string

const (
	// ErrorSEM is the standard error of the mean, std/sqrt(N).
	ErrorSEM ErrorMode = "sem"
	// ErrorStd is the standard deviation of the surviving differences.
	ErrorStd ErrorMode = "std"
)

const (
	clipKappa  = 3
	clipPasses = 3
)

// ZeroPoint converts instrumental to catalog magnitudes.
type ZeroPoint struct {
	Value    float64
	Err      float64
	N        int
	Rejected int
}

// EstimateZeroPoint takes catalog minus instrumental magnitude for every
// pair, drops outliers above mean + 3 sigma in three passes and returns the
// median of the rest. NaN catalog magnitudes are skipped; the number of
// defined ones must equal len(inst).
func EstimateZeroPoint(inst, cat []float64, mode ErrorMode) (ZeroPoint, error) {
	defined := make([]float64, 0, len(cat))
	for _, c := range cat {
		if !math.IsNaN(c) {
			defined = append(defined, c)
		}
	}
	if len(defined) != len(inst) {
		return ZeroPoint{}, fmt.Errorf("%w: %d instrumental, %d catalog", ErrCountMismatch, len(inst), len(defined))
	}
	if len(inst) == 0 {
		return ZeroPoint{}, ErrNoCalibrators
	}

	diffs := make([]float64, len(inst))
	for i := range inst {
		diffs[i] = defined[i] - inst[i]
	}
	kept := imaging.ClipAbove(diffs, clipKappa, clipPasses)
	if len(kept) == 0 {
		return ZeroPoint{}, ErrNoCalibrators
	}

	_, std := imaging.MeanStd(kept)
	zp := ZeroPoint{
		Value:    imaging.Median(kept),
		Err:      std,
		N:        len(kept),
		Rejected: len(diffs) - len(kept),
	}
	if mode != ErrorStd {
		zp.Err = std / math.Sqrt(float64(len(kept)))
	}
	return zp, nil
}

// UndefinedZeroPoint is used for frames without calibrators; every
// magnitude it produces is NaN.
func UndefinedZeroPoint() ZeroPoint {
	return ZeroPoint{Value: math.NaN(), Err: math.NaN()}
}

// Apply returns the calibrated magnitude and its uncertainty.
func (zp ZeroPoint) Apply(instMag, instErr float64) (mag, err float64) {
	return instMag + zp.Value, math.Hypot(instErr, zp.Err)
}

// Calibrate applies zp to every match, matched or not.
func Calibrate(set *Set, zp ZeroPoint) (mags, errs []float64) {
	mags = make([]float64, len(set.Matches))
	errs = make([]float64, len(set.Matches))
	for i, m := range set.Matches {
		mags[i], errs[i] = zp.Apply(m.Measurement.InstMag, m.Measurement.InstMagErr)
	}
	return mags, errs
}

// Frame describes the image the records come from.
type Frame struct {
	Name       string
	ObservedAt time.Time
	RunTime    time.Time
}

// Records builds one output row per match. Only the set's band is filled
// in; unmatched rows carry NaN catalog fields.
func Records(set *Set, zp ZeroPoint, frame Frame) []store.Record {
	mags, errs := Calibrate(set, zp)
	out := make([]store.Record, 0, len(set.Matches))
	for i, m := range set.Matches {
		rec := store.Record{
			ID:          "nan",
			RACatalog:   math.NaN(),
			DecCatalog:  math.NaN(),
			RAMeasured:  m.Measurement.Source.RA,
			DecMeasured: m.Measurement.Source.Dec,
			Residual:    math.NaN(),
			Mag:         map[catalog.Band]float64{set.Band: mags[i]},
			CMag:        map[catalog.Band]float64{set.Band: math.NaN()},
			MagErr:      errs[i],
			ObservedAt:  frame.ObservedAt,
			Image:       frame.Name,
			RunTime:     frame.RunTime,
		}
		if m.Outcome == Matched {
			rec.ID = m.Star.ID
			rec.RACatalog, rec.DecCatalog = m.Star.RA, m.Star.Dec
			rec.Residual = m.Star.Residual
			rec.CMag[set.Band] = m.Star.Mag(set.Band)
		}
		out = append(out, rec)
	}
	return out
}
