/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package detect

import (
	"context"
	"errors"
	"image"
	"math"

	"skyreduce/pkg/fitsframe"
	"skyreduce/pkg/imaging"
	"skyreduce/pkg/wcs"
)

var ErrEmptyFrame = errors.New("frame has no pixels")

// Detect models the background of frame, thresholds the background
// subtracted image at Threshold times the local RMS and returns one Source
// per 8-connected component of at least MinArea/(xbin*ybin) pixels.
func Detect(ctx context.Context, frame *fitsframe.Frame, p Params) (*Result, error) {
	if frame.Len() == 0 {
		return nil, ErrEmptyFrame
	}
	width, height := frame.Width, frame.Height

	bg := EstimateBackground(frame.Pixels, width, height, p)
	defer bg.Close()

	subtracted := make([]float64, frame.Len())
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			subtracted[i] = frame.Pixels[i] - bg.Level(x, y)
		}
	}

	// Step 1: optional matched filter on the significance input
	filtered := imaging.FromPixels(subtracted, width, height)
	defer filtered.Close()
	if p.FilterFWHM > 0 {
		imaging.ConvolveGaussian(&filtered, &filtered, imaging.SigmaFromFWHM(p.FilterFWHM))
	}

	// Step 2: significance map, binarized at Threshold
	data := filtered.DataFloat32()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			v := float64(data[i])
			switch rms := bg.RMS(x, y); {
			case math.IsNaN(v) || v <= 0:
				data[i] = 0
			case rms > 0:
				data[i] = float32(v / rms)
			default:
				// noiseless background: any positive residual is significant
				data[i] = math.MaxFloat32
			}
		}
	}
	mask := imaging.NewMat()
	defer mask.Close()
	imaging.Binarize(&filtered, &mask, p.Threshold)

	xbin, ybin := frame.Header.Binning()
	res := &Result{
		GlobalRMS: bg.GlobalRMS,
		MinArea:   float64(p.MinArea) / float64(xbin*ybin),
	}

	// Step 3: scan for components
	if err := scanSources(ctx, mask, subtracted, width, height, res); err != nil {
		return nil, err
	}
	return res, nil
}

// scanSources walks the mask in row order, collecting each 8-connected
// component and clearing it so it is visited once.
func scanSources(ctx context.Context, mask imaging.Mat, subtracted []float64, width, height int, res *Result) error {
	const zeroThreshold float32 = 0.5

	maskData := mask.DataFloat32()
	points := make([]image.Point, 0, 1024)
	stack := make([]image.Point, 0, 1024)

	for yTop := 0; yTop < height; yTop++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for xLeft := 0; xLeft < width; xLeft++ {
			if maskData[yTop*width+xLeft] < zeroThreshold {
				continue
			}

			points = points[:0]
			bounds := image.Rect(xLeft, yTop, xLeft+1, yTop+1)
			maskData[yTop*width+xLeft] = 0
			stack = append(stack[:0], image.Pt(xLeft, yTop))
			for len(stack) > 0 {
				pt := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				points = append(points, pt)
				bounds = bounds.Union(image.Rect(pt.X, pt.Y, pt.X+1, pt.Y+1))

				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := pt.X+dx, pt.Y+dy
						if nx < 0 || ny < 0 || nx >= width || ny >= height {
							continue
						}
						if maskData[ny*width+nx] < zeroThreshold {
							continue
						}
						maskData[ny*width+nx] = 0
						stack = append(stack, image.Pt(nx, ny))
					}
				}
			}

			res.Metrics.Components++
			src, ok := evaluateComponent(points, bounds, subtracted, width, height, res)
			if !ok {
				continue
			}
			res.Metrics.Detected++
			src.ID = len(res.Sources) + 1
			res.Sources = append(res.Sources, src)
		}
	}
	return nil
}

func evaluateComponent(points []image.Point, bounds image.Rectangle, subtracted []float64, width, height int, res *Result) (Source, bool) {
	if float64(len(points)) < res.MinArea {
		res.Metrics.TooSmall++
		return Source{}, false
	}

	var sw, sx, sy, peak float64
	for _, pt := range points {
		v := subtracted[pt.Y*width+pt.X]
		if v <= 0 || math.IsNaN(v) {
			continue
		}
		sw += v
		sx += v * float64(pt.X)
		sy += v * float64(pt.Y)
		peak = math.Max(peak, v)
	}
	if sw <= 0 {
		res.Metrics.Degenerate++
		return Source{}, false
	}
	cx, cy := sx/sw, sy/sw

	var x2, y2, xy float64
	for _, pt := range points {
		v := subtracted[pt.Y*width+pt.X]
		if v <= 0 || math.IsNaN(v) {
			continue
		}
		dx, dy := float64(pt.X)-cx, float64(pt.Y)-cy
		x2 += v * dx * dx
		y2 += v * dy * dy
		xy += v * dx * dy
	}
	x2, y2, xy = x2/sw, y2/sw, xy/sw
	a, b, theta := ellipse(x2, y2, xy)

	src := Source{
		X:      cx,
		Y:      cy,
		A:      a,
		B:      b,
		Theta:  theta,
		Flux:   sw,
		Peak:   peak,
		NPix:   len(points),
		Bounds: bounds,
	}
	if bounds.Min.X == 0 || bounds.Min.Y == 0 || bounds.Max.X >= width || bounds.Max.Y >= height {
		res.Metrics.OnBorder++
		src.Flag |= FlagEdge
	}
	return src, true
}

// ellipse converts second moments to semi-axes and position angle. Moments
// below the variance of a uniform pixel are raised to it.
func ellipse(x2, y2, xy float64) (a, b, theta float64) {
	const pixelVariance = 1.0 / 12
	x2 = math.Max(x2, pixelVariance)
	y2 = math.Max(y2, pixelVariance)

	mean := (x2 + y2) / 2
	diff := math.Sqrt((x2-y2)*(x2-y2)/4 + xy*xy)
	a = math.Sqrt(mean + diff)
	b = math.Sqrt(math.Max(mean-diff, 0))
	theta = 0.5 * math.Atan2(2*xy, x2-y2)
	return a, b, theta
}

// MapToSky fills RA and Dec for every source from the frame's WCS. It
// returns wcs.ErrNoWCS when the header carries no solution.
func MapToSky(h *fitsframe.Header, sources []Source) error {
	sol, err := wcs.FromHeader(h)
	if err != nil {
		return err
	}
	for i := range sources {
		sources[i].RA, sources[i].Dec = sol.PixelToWorld(sources[i].X+1, sources[i].Y+1)
	}
	return nil
}
