// Package fitsframe models single-HDU FITS images as float64 frames and
// reads and writes them with astrogo/fitsio.
package fitsframe

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrShapeMismatch = errors.New("frame dimensions differ")
	ErrNotImage      = errors.New("primary HDU is not an image")
	ErrExists        = errors.New("file already exists")
)

// ImageType classifies a frame by its IMAGETYP keyword.
type ImageType int

const (
	TypeUnknown ImageType = iota
	TypeBias
	TypeDark
	TypeFlat
	TypeLight
)

func (t ImageType) String() string {
	switch t {
	case TypeBias:
		return "bias"
	case TypeDark:
		return "dark"
	case TypeFlat:
		return "flat"
	case TypeLight:
		return "light"
	}
	return "unknown"
}

// ParseImageType accepts both the long camera-control forms ("Bias Frame",
// "Flat Field") and bare names, case-insensitively.
func ParseImageType(s string) ImageType {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(s, "bias") || strings.HasPrefix(s, "zero"):
		return TypeBias
	case strings.HasPrefix(s, "dark"):
		return TypeDark
	case strings.HasPrefix(s, "flat"):
		return TypeFlat
	case strings.HasPrefix(s, "light") || s == "object" || s == "science":
		return TypeLight
	}
	return TypeUnknown
}

// Frame is a 2D image with its header. Pixels are row-major with x varying
// fastest, matching NAXIS1/NAXIS2 order on disk.
type Frame struct {
	Name   string
	Width  int
	Height int
	Pixels []float64
	Header *Header
}

// New returns a zero-filled frame with an empty header.
func New(width, height int) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Pixels: make([]float64, width*height),
		Header: NewHeader(),
	}
}

func (f *Frame) Len() int                { return f.Width * f.Height }
func (f *Frame) At(x, y int) float64     { return f.Pixels[y*f.Width+x] }
func (f *Frame) Set(x, y int, v float64) { f.Pixels[y*f.Width+x] = v }
func (f *Frame) SameShape(o *Frame) bool { return f.Width == o.Width && f.Height == o.Height }
func (f *Frame) String() string          { return fmt.Sprintf("%s (%dx%d)", f.Name, f.Width, f.Height) }
func (f *Frame) Contains(x, y int) bool  { return x >= 0 && y >= 0 && x < f.Width && y < f.Height }

// Clone deep-copies pixels and header.
func (f *Frame) Clone() *Frame {
	px := make([]float64, len(f.Pixels))
	copy(px, f.Pixels)
	var hdr *Header
	if f.Header != nil {
		hdr = f.Header.Clone()
	} else {
		hdr = NewHeader()
	}
	return &Frame{Name: f.Name, Width: f.Width, Height: f.Height, Pixels: px, Header: hdr}
}

func (f *Frame) derive(op func(i int) float64) *Frame {
	out := f.Clone()
	for i := range out.Pixels {
		out.Pixels[i] = op(i)
	}
	return out
}

func (f *Frame) check(o *Frame) error {
	if !f.SameShape(o) {
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrShapeMismatch, f.Width, f.Height, o.Width, o.Height)
	}
	return nil
}

// Sub returns f - o.
func (f *Frame) Sub(o *Frame) (*Frame, error) {
	return f.SubScaled(o, 1)
}

// SubScaled returns f - k*o.
func (f *Frame) SubScaled(o *Frame, k float64) (*Frame, error) {
	if err := f.check(o); err != nil {
		return nil, err
	}
	return f.derive(func(i int) float64 { return f.Pixels[i] - k*o.Pixels[i] }), nil
}

// Div returns f / o pixelwise. Division by zero follows IEEE 754.
func (f *Frame) Div(o *Frame) (*Frame, error) {
	if err := f.check(o); err != nil {
		return nil, err
	}
	return f.derive(func(i int) float64 { return f.Pixels[i] / o.Pixels[i] }), nil
}

// Scale returns k*f.
func (f *Frame) Scale(k float64) *Frame {
	return f.derive(func(i int) float64 { return k * f.Pixels[i] })
}
