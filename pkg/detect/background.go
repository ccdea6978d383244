package detect

import (
	"math"

	"skyreduce/pkg/imaging"
)

// Background is a smooth model of the sky level and its RMS, held as a
// coarse mesh and interpolated bilinearly to full resolution.
type Background struct {
	level imaging.Mat
	rms   imaging.Mat
	box   int

	GlobalLevel float64
	GlobalRMS   float64
}

// EstimateBackground splits the image into box x box cells, estimates a
// clipped median and standard deviation per cell, median filters the mesh
// and keeps it for interpolation. Cells with no usable pixels take the
// global estimate.
func EstimateBackground(pixels []float64, width, height int, p Params) *Background {
	box := p.BoxSize
	if box <= 0 {
		box = 64
	}
	nx := (width + box - 1) / box
	ny := (height + box - 1) / box

	levels := make([]float64, nx*ny)
	rmss := make([]float64, nx*ny)
	cell := make([]float64, 0, box*box)
	for my := 0; my < ny; my++ {
		for mx := 0; mx < nx; mx++ {
			cell = cell[:0]
			for y := my * box; y < min((my+1)*box, height); y++ {
				row := pixels[y*width : (y+1)*width]
				cell = append(cell, row[mx*box:min((mx+1)*box, width)]...)
			}
			r := imaging.SigmaClip(cell, p.ClipSigma, p.ClipIterations)
			levels[my*nx+mx] = r.Median
			rmss[my*nx+mx] = r.Sigma
		}
	}

	global := imaging.SigmaClip(pixels, p.ClipSigma, p.ClipIterations)
	fill(levels, global.Median)
	fill(rmss, global.Sigma)

	bg := &Background{
		level:       imaging.FromPixels(levels, nx, ny),
		rms:         imaging.FromPixels(rmss, nx, ny),
		box:         box,
		GlobalLevel: global.Median,
		GlobalRMS:   global.Sigma,
	}
	imaging.MedianBlur(&bg.level, &bg.level, 3)
	imaging.MedianBlur(&bg.rms, &bg.rms, 3)
	return bg
}

func fill(values []float64, v float64) {
	for i, x := range values {
		if math.IsNaN(x) {
			values[i] = v
		}
	}
}

func (bg *Background) mesh(x, y int) (float64, float64) {
	b := float64(bg.box)
	return (float64(y)+0.5)/b - 0.5, (float64(x)+0.5)/b - 0.5
}

// Level is the interpolated sky level at pixel (x, y).
func (bg *Background) Level(x, y int) float64 {
	my, mx := bg.mesh(x, y)
	return imaging.BilinearSamplePixelValue(bg.level, my, mx)
}

// RMS is the interpolated sky noise at pixel (x, y).
func (bg *Background) RMS(x, y int) float64 {
	my, mx := bg.mesh(x, y)
	return imaging.BilinearSamplePixelValue(bg.rms, my, mx)
}

func (bg *Background) Close() {
	bg.level.Close()
	bg.rms.Close()
}
