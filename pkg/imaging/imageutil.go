/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

// Package imaging holds the image-processing primitives shared by the
// reduction stages: a float32 Mat with native (gocv) and pure Go backends,
// separable Gaussian smoothing, median filtering and robust statistics.
package imaging

import (
	"math"
)

// FromPixels converts row-major float64 pixels to a CV_32F Mat.
func FromPixels(pixels []float64, width, height int) Mat {
	m := NewMatWithSize(height, width)
	dest := m.DataFloat32()
	for i := 0; i < width*height; i++ {
		dest[i] = float32(pixels[i])
	}
	return m
}

// ToPixels copies a Mat back to row-major float64 pixels.
func ToPixels(m Mat) []float64 {
	n := m.Rows() * m.Cols()
	src := m.DataFloat32()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = float64(src[i])
	}
	return out
}

// GaussianKernelSize returns the odd kernel width covering +/-3 sigma.
func GaussianKernelSize(sigma float64) int {
	size := 2*int(math.Ceil(3*sigma)) + 1
	if size < 3 {
		size = 3
	}
	return size
}

// ConvolveGaussian applies a separated Gaussian convolution of the given
// sigma in pixels. src and dst may be the same Mat.
func ConvolveGaussian(src, dst *Mat, sigma float64) {
	if sigma <= 0 {
		panic("sigma must be positive")
	}
	kernel := getGaussianKernel1D(GaussianKernelSize(sigma), sigma)
	defer kernel.Close()
	sepFilter2DReflect(*src, dst, kernel, kernel)
}

// SigmaFromFWHM converts a Gaussian FWHM to its standard deviation.
func SigmaFromFWHM(fwhm float64) float64 {
	return fwhm / (2 * math.Sqrt(2*math.Ln2))
}

// MedianBlur applies a ksize x ksize median filter. src and dst may be the
// same Mat.
func MedianBlur(src, dst *Mat, ksize int) {
	if ksize < 3 || ksize%2 == 0 {
		panic("ksize must be a positive odd number >= 3")
	}
	medianBlur(*src, dst, ksize)
}

// Binarize sets pixels above threshold to 1 and the rest to 0, returning the
// number of pixels set.
func Binarize(src, dst *Mat, threshold float64) int {
	thresholdBinary(*src, dst, float32(threshold), 1.0)
	return countNonZero(*dst)
}

// BilinearSamplePixelValue samples m at fractional (y, x), clamping to the
// matrix edge.
func BilinearSamplePixelValue(m Mat, y, x float64) float64 {
	rows, cols := m.Rows(), m.Cols()
	y = math.Min(math.Max(y, 0), float64(rows-1))
	x = math.Min(math.Max(x, 0), float64(cols-1))

	y0 := int(math.Floor(y))
	y1 := min(y0+1, rows-1)
	x0 := int(math.Floor(x))
	x1 := min(x0+1, cols-1)
	yRatio := y - float64(y0)
	xRatio := x - float64(x0)

	data := m.DataFloat32()
	p00 := float64(data[y0*cols+x0])
	p01 := float64(data[y0*cols+x1])
	p10 := float64(data[y1*cols+x0])
	p11 := float64(data[y1*cols+x1])
	interpolatedX0 := p00 + xRatio*(p01-p00)
	interpolatedX1 := p10 + xRatio*(p11-p10)
	return interpolatedX0 + yRatio*(interpolatedX1-interpolatedX0)
}
