/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

// Package detect finds sources on calibrated frames and maps their pixel
// centroids to sky coordinates.
package detect

import (
	"fmt"
	"image"
)

// FlagEdge marks a source whose pixels touch the frame border.
const FlagEdge = 8

// Source is one connected region above the detection threshold.
type Source struct {
	ID int
	// X and Y are the 0-indexed centroid; pixel centres sit on integers.
	X, Y float64
	// A and B are the semi-major and semi-minor axes in pixels; Theta is
	// the position angle of A in radians, counter-clockwise from +x.
	A, B, Theta float64
	Flux        float64
	Peak        float64
	NPix        int
	Bounds      image.Rectangle
	Flag        int

	RA, Dec float64
}

func (s Source) String() string {
	return fmt.Sprintf("#%d (%.2f, %.2f) a=%.2f b=%.2f npix=%d", s.ID, s.X, s.Y, s.A, s.B, s.NPix)
}

// Params controls background modelling and extraction.
type Params struct {
	// BoxSize is the background mesh cell size in pixels.
	BoxSize int
	// ClipSigma and ClipIterations drive the per-cell sigma clipping.
	ClipSigma      float64
	ClipIterations int
	// Threshold is the detection level in units of the background RMS.
	Threshold float64
	// MinArea is the minimum component size at 1x1 binning; it is divided
	// by XBINNING*YBINNING for binned frames.
	MinArea int
	// FilterFWHM enables a Gaussian matched filter when positive.
	FilterFWHM float64
}

func DefaultParams() Params {
	return Params{
		BoxSize:        64,
		ClipSigma:      3,
		ClipIterations: 3,
		Threshold:      4,
		MinArea:        120,
	}
}

// Metrics counts what happened to the connected components.
type Metrics struct {
	Components int
	TooSmall   int
	Degenerate int
	OnBorder   int
	Detected   int
}

// Result is the output of Detect.
type Result struct {
	Sources   []Source
	GlobalRMS float64
	MinArea   float64
	Metrics   Metrics
}
