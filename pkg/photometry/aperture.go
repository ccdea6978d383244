// Package photometry measures background-subtracted circular aperture fluxes
// and converts them to instrumental magnitudes.
package photometry

import (
	"math"

	"skyreduce/pkg/fitsframe"
	"skyreduce/pkg/imaging"
)

// Extraction flags.
const (
	FlagTruncated    = 16
	FlagNonFinite    = 32
	FlagNoBackground = 64
)

// Params controls the aperture geometry.
type Params struct {
	// BaseAperture is the aperture radius at 1x1 binning, in pixels.
	BaseAperture float64
	// AnnulusInner and AnnulusOuter are multiples of the aperture radius.
	AnnulusInner float64
	AnnulusOuter float64
	// Cutoff enables one-sided clipping of bright annulus pixels.
	Cutoff     bool
	ClipKappa  float64
	ClipPasses int
	// Subsample is the per-axis subpixel count for boundary pixels.
	Subsample int
}

func DefaultParams() Params {
	return Params{
		BaseAperture: 30,
		AnnulusInner: 1.5,
		AnnulusOuter: 2.0,
		Cutoff:       true,
		ClipKappa:    3,
		ClipPasses:   3,
		Subsample:    5,
	}
}

// Radius is the aperture radius for a frame binned by xbin.
func (p Params) Radius(xbin int) float64 {
	if xbin < 1 {
		xbin = 1
	}
	return p.BaseAperture / float64(xbin)
}

// AnnulusBackground returns the mean of the annulus pixels around (cx, cy)
// after clipping. ok is false when no pixel survives.
func AnnulusBackground(f *fitsframe.Frame, cx, cy, radius float64, p Params) (bkg float64, n int, ok bool) {
	rIn, rOut := p.AnnulusInner*radius, p.AnnulusOuter*radius
	x0, x1 := int(math.Floor(cx-rOut)), int(math.Ceil(cx+rOut))
	y0, y1 := int(math.Floor(cy-rOut)), int(math.Ceil(cy+rOut))

	values := make([]float64, 0, int(4*rOut*rOut))
	for y := max(y0, 0); y <= min(y1, f.Height-1); y++ {
		for x := max(x0, 0); x <= min(x1, f.Width-1); x++ {
			d := math.Hypot(float64(x)-cx, float64(y)-cy)
			if d < rIn || d >= rOut {
				continue
			}
			v := f.At(x, y)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			values = append(values, v)
		}
	}
	if p.Cutoff {
		values = imaging.ClipAbove(values, p.ClipKappa, p.ClipPasses)
	}
	if len(values) == 0 {
		return 0, 0, false
	}
	mean, _ := imaging.MeanStd(values)
	return mean, len(values), true
}

// SumCircle sums f minus bkg within radius of (cx, cy). Pixels wholly inside
// the circle count fully; pixels crossing its edge are weighted by the
// fraction of subsamples x subsamples points that fall inside.
func SumCircle(f *fitsframe.Frame, cx, cy, radius, bkg float64, subsamples int) (sum, area float64, flag int) {
	if subsamples < 1 {
		subsamples = 1
	}
	const halfDiag = math.Sqrt2 / 2
	x0, x1 := int(math.Floor(cx-radius-0.5)), int(math.Ceil(cx+radius+0.5))
	y0, y1 := int(math.Floor(cy-radius-0.5)), int(math.Ceil(cy+radius+0.5))

	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			d := math.Hypot(float64(x)-cx, float64(y)-cy)
			var w float64
			switch {
			case d+halfDiag <= radius:
				w = 1
			case d-halfDiag >= radius:
				continue
			default:
				w = overlap(float64(x)-cx, float64(y)-cy, radius, subsamples)
				if w == 0 {
					continue
				}
			}
			if !f.Contains(x, y) {
				flag |= FlagTruncated
				continue
			}
			v := f.At(x, y)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				flag |= FlagNonFinite
				continue
			}
			sum += w * (v - bkg)
			area += w
		}
	}
	return sum, area, flag
}

// overlap estimates the fraction of the unit pixel centred at (dx, dy)
// lying within radius of the origin.
func overlap(dx, dy, radius float64, n int) float64 {
	step := 1.0 / float64(n)
	r2 := radius * radius
	inside := 0
	for j := 0; j < n; j++ {
		sy := dy - 0.5 + (float64(j)+0.5)*step
		for i := 0; i < n; i++ {
			sx := dx - 0.5 + (float64(i)+0.5)*step
			if sx*sx+sy*sy <= r2 {
				inside++
			}
		}
	}
	return float64(inside) / float64(n*n)
}
