// Package overlay renders a reduced frame with its measured sources marked,
// for visual inspection of a run.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"skyreduce/pkg/fitsframe"
	"skyreduce/pkg/imaging"
)

// Mark is one source ellipse in frame pixel coordinates (0-indexed).
type Mark struct {
	X, Y    float64
	A, B    float64
	Theta   float64
	Matched bool
	Label   string
}

// Summary is printed below the image.
type Summary struct {
	Title     string
	Sources   int
	Matched   int
	ZeroPoint float64
	ZeroErr   float64
}

const (
	targetWidth = 800
	summaryH    = 44
)

// ellipseScale enlarges source ellipses so faint sources stay visible.
const ellipseScale = 6

var (
	matchedColor   = color.RGBA{80, 220, 80, 255}
	unmatchedColor = color.RGBA{255, 80, 80, 255}
	textColor      = color.RGBA{220, 220, 220, 255}
)

// Render writes the overlay JPEG to path.
func Render(path string, f *fitsframe.Frame, marks []Mark, s Summary) error {
	img := renderImage(f, marks, s)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create overlay file: %w", err)
	}
	defer out.Close()
	return jpeg.Encode(out, img, &jpeg.Options{Quality: 90})
}

// RenderBytes returns the overlay as JPEG bytes.
func RenderBytes(f *fitsframe.Frame, marks []Mark, s Summary) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, renderImage(f, marks, s), &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderImage(f *fitsframe.Frame, marks []Mark, s Summary) *image.RGBA {
	scale := math.Min(1, float64(targetWidth)/float64(f.Width))
	imgW := max(int(float64(f.Width)*scale), 1)
	imgH := max(int(float64(f.Height)*scale), 1)
	img := image.NewRGBA(image.Rect(0, 0, imgW, imgH+summaryH))

	lo, hi := stretchLimits(f.Pixels)
	for y := 0; y < imgH; y++ {
		// FITS row 0 is the bottom of the sky image
		sy := f.Height - 1 - min(int(float64(y)/scale), f.Height-1)
		for x := 0; x < imgW; x++ {
			sx := min(int(float64(x)/scale), f.Width-1)
			img.Set(x, y, gray(f.At(sx, sy), lo, hi))
		}
	}
	for y := imgH; y < imgH+summaryH; y++ {
		for x := 0; x < imgW; x++ {
			img.Set(x, y, color.RGBA{0, 0, 0, 255})
		}
	}

	face := basicfont.Face7x13
	for _, m := range marks {
		c := unmatchedColor
		if m.Matched {
			c = matchedColor
		}
		cx := m.X * scale
		cy := float64(imgH-1) - m.Y*scale
		drawEllipse(img, cx, cy, ellipseScale*m.A*scale, ellipseScale*m.B*scale, -m.Theta, c)
		if m.Label != "" {
			drawText(img, face, m.Label, int(cx)+4, int(cy)-4, c)
		}
	}

	drawText(img, face, s.Title, 10, imgH+15, textColor)
	drawText(img, face, fmt.Sprintf("sources: %d  matched: %d  zp: %.3f +/- %.3f", s.Sources, s.Matched, s.ZeroPoint, s.ZeroErr), 10, imgH+33, textColor)
	return img
}

// stretchLimits maps median - 2 sigma .. median + 8 sigma to black .. white.
func stretchLimits(pixels []float64) (lo, hi float64) {
	step := max(len(pixels)/100000, 1)
	sample := make([]float64, 0, len(pixels)/step+1)
	for i := 0; i < len(pixels); i += step {
		if v := pixels[i]; !math.IsNaN(v) && !math.IsInf(v, 0) {
			sample = append(sample, v)
		}
	}
	median, sigma := imaging.MedianMAD(sample)
	if math.IsNaN(median) {
		return 0, 1
	}
	if !(sigma > 0) {
		sigma = 1
	}
	return median - 2*sigma, median + 8*sigma
}

func gray(v, lo, hi float64) color.Gray {
	t := (v - lo) / (hi - lo)
	if math.IsNaN(t) {
		t = 0
	}
	t = math.Min(math.Max(t, 0), 1)
	return color.Gray{Y: uint8(255 * math.Sqrt(t))}
}

// drawEllipse strokes an ellipse with semi-axes a, b rotated by theta.
func drawEllipse(img *image.RGBA, cx, cy, a, b, theta float64, c color.RGBA) {
	a, b = math.Max(a, 2), math.Max(b, 2)
	steps := int(math.Max(2*math.Pi*a, 24))
	sin, cos := math.Sincos(theta)
	for i := 0; i < steps; i++ {
		t := 2 * math.Pi * float64(i) / float64(steps)
		ex, ey := a*math.Cos(t), b*math.Sin(t)
		img.Set(int(cx+ex*cos-ey*sin), int(cy+ex*sin+ey*cos), c)
	}
}

func drawText(img *image.RGBA, face font.Face, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}
