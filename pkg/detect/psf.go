/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package detect

import (
	"errors"
	"image"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"skyreduce/pkg/fitsframe"
)

var ErrPSFFit = errors.New("PSF fit rejected")

var sigmaToFWHM = 2.0 * math.Sqrt(2.0*math.Log(2.0))

// MinRSquared is the goodness of fit below which a PSF is rejected.
const MinRSquared = 0.9

// PSF is an elliptical Gaussian fitted to one source. SigmaX is the major
// axis; Theta is measured from +X.
type PSF struct {
	X, Y       float64
	Peak       float64
	Background float64
	SigmaX     float64
	SigmaY     float64
	Theta      float64
	RSquared   float64
}

func (p PSF) FWHMX() float64 { return p.SigmaX * sigmaToFWHM }
func (p PSF) FWHMY() float64 { return p.SigmaY * sigmaToFWHM }
func (p PSF) FWHM() float64  { return (p.FWHMX() + p.FWHMY()) / 2 }

func (p PSF) Eccentricity() float64 {
	if p.SigmaX <= 0 {
		return 0
	}
	r := p.SigmaY / p.SigmaX
	return math.Sqrt(1 - r*r)
}

// FitPSF fits a rotated Gaussian plus constant to the pixels around src,
// using its detection bounds grown by margin pixels.
func FitPSF(f *fitsframe.Frame, src Source, margin int) (PSF, error) {
	box := src.Bounds.Inset(-margin).Intersect(image.Rect(0, 0, f.Width, f.Height))
	if box.Dx()*box.Dy() < 7 {
		return PSF{}, ErrPSFFit
	}

	var inputs [][2]float64
	var outputs, edge []float64
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			v := f.At(x, y)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			inputs = append(inputs, [2]float64{float64(x) - src.X, float64(y) - src.Y})
			outputs = append(outputs, v)
			if x == box.Min.X || y == box.Min.Y || x == box.Max.X-1 || y == box.Max.Y-1 {
				edge = append(edge, v)
			}
		}
	}
	if len(inputs) < 7 || len(edge) == 0 {
		return PSF{}, ErrPSFFit
	}

	// fit in units of the peak above the box edge level
	sort.Float64s(edge)
	background := edge[len(edge)/2]
	scale := 0.0
	for _, v := range outputs {
		scale = math.Max(scale, v-background)
	}
	if scale <= 0 {
		return PSF{}, ErrPSFFit
	}
	for i := range outputs {
		outputs[i] = (outputs[i] - background) / scale
	}

	w, h := float64(box.Dx()), float64(box.Dy())
	sigmaUpper := math.Hypot(w, h) / 2
	dxLimit, dyLimit := math.Max(w/8, 1), math.Max(h/8, 1)
	x0 := []float64{1, 0, 0, 0, math.Max(src.A, 0.5), math.Max(src.B, 0.5), src.Theta}
	lower := []float64{0, -1, -dxLimit, -dyLimit, 0.1, 0.1, -math.Pi / 2}
	upper := []float64{2, 1, dxLimit, dyLimit, sigmaUpper, sigmaUpper, math.Pi / 2}
	damping := []float64{0.01, 0.01, 0.1, 0.1, 1, 1, 1}

	p := levenbergMarquardt(inputs, outputs, x0, lower, upper, damping, 1e-8, 200)
	sigX, sigY := p[4], p[5]
	if math.IsNaN(sigX) || math.IsNaN(sigY) {
		return PSF{}, ErrPSFFit
	}

	theta := euclideanModulus(p[6], math.Pi)
	if theta > math.Pi/2 {
		theta -= math.Pi
	}
	if sigY > sigX {
		if theta < 0 {
			theta += math.Pi / 2
		} else {
			theta -= math.Pi / 2
		}
		sigX, sigY = sigY, sigX
	}

	psf := PSF{
		X:          src.X + p[2],
		Y:          src.Y + p[3],
		Peak:       p[0] * scale,
		Background: background + p[1]*scale,
		SigmaX:     sigX,
		SigmaY:     sigY,
		Theta:      theta,
		RSquared:   rSquared(inputs, outputs, p),
	}
	if psf.RSquared < MinRSquared {
		return psf, ErrPSFFit
	}
	return psf, nil
}

func euclideanModulus(x, y float64) float64 {
	return math.Mod(math.Mod(x, y)+y, y)
}

// gaussianModel evaluates the model p = (A, B, x0, y0, sx, sy, theta) at in and,
// when grad is non-nil, its partial derivatives.
func gaussianModel(p []float64, in [2]float64, grad []float64) float64 {
	a, b := p[0], p[1]
	u, v := p[4], p[5]
	sinT, cosT := math.Sincos(p[6])
	dx, dy := in[0]-p[2], in[1]-p[3]
	X := dx*cosT + dy*sinT
	Y := -dx*sinT + dy*cosT
	u2, v2 := u*u, v*v
	e := math.Exp(-(X*X/(2*u2) + Y*Y/(2*v2)))
	if grad != nil {
		grad[0] = e
		grad[1] = 1
		grad[2] = a * (cosT*X/u2 - sinT*Y/v2) * e
		grad[3] = a * (sinT*X/u2 + cosT*Y/v2) * e
		grad[4] = a * X * X / (u2 * u) * e
		grad[5] = a * Y * Y / (v2 * v) * e
		grad[6] = a * X * Y * (1/v2 - 1/u2) * e
	}
	return b + a*e
}

func rSquared(inputs [][2]float64, outputs, p []float64) float64 {
	mean := 0.0
	for _, o := range outputs {
		mean += o
	}
	mean /= float64(len(outputs))

	var tss, rss float64
	for i, in := range inputs {
		r := gaussianModel(p, in, nil) - outputs[i]
		d := outputs[i] - mean
		rss += r * r
		tss += d * d
	}
	if tss > 0 {
		return 1 - rss/tss
	}
	return 0
}

// levenbergMarquardt minimises the squared residuals of the Gaussian model
// with box constraints, solving the damped normal equations with gonum.
func levenbergMarquardt(inputs [][2]float64, outputs, x0, lower, upper, damping []float64, tolerance float64, maxIter int) []float64 {
	n, m := len(x0), len(inputs)
	x := make([]float64, n)
	for j := range x0 {
		x[j] = clamp(x0[j], lower[j], upper[j])
	}

	jac := mat.NewDense(m, n, nil)
	res := mat.NewVecDense(m, nil)
	grad := make([]float64, n)
	evaluate := func(p []float64, withJac bool) float64 {
		cost := 0.0
		for k, in := range inputs {
			var g []float64
			if withJac {
				g = grad
			}
			r := gaussianModel(p, in, g) - outputs[k]
			cost += r * r
			if withJac {
				res.SetVec(k, r)
				jac.SetRow(k, grad)
			}
		}
		return cost
	}
	cost := evaluate(x, true)

	lambda, nu := 1e-3, 2.0
	var jtj mat.Dense
	var jtr, step mat.VecDense
	xNew := make([]float64, n)
	for iter := 0; iter < maxIter; iter++ {
		jtj.Mul(jac.T(), jac)
		jtr.MulVec(jac.T(), res)
		if mat.Norm(&jtr, 2) < tolerance*cost {
			break
		}

		improved := false
		for tries := 0; tries < 20 && !improved; tries++ {
			a := mat.DenseCopyOf(&jtj)
			for i := 0; i < n; i++ {
				a.Set(i, i, a.At(i, i)+lambda*damping[i]*damping[i])
			}
			rhs := mat.VecDenseCopyOf(&jtr)
			rhs.ScaleVec(-1, rhs)
			if err := step.SolveVec(a, rhs); err != nil {
				lambda *= nu
				continue
			}
			for j := range x {
				xNew[j] = clamp(x[j]+step.AtVec(j), lower[j], upper[j])
			}
			costNew := evaluate(xNew, false)
			if costNew >= cost {
				lambda *= nu
				nu *= 2
				if lambda > 1e16 {
					return x
				}
				continue
			}

			gain := (cost - costNew) / cost
			copy(x, xNew)
			cost = evaluate(x, true)
			lambda, nu = math.Max(lambda/3, 1e-15), 2
			if gain < tolerance {
				return x
			}
			improved = true
		}
		if !improved {
			break
		}
	}
	return x
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
