// Package wcs maps FITS pixel coordinates to sky coordinates using the
// linear plus gnomonic (TAN) solution written by plate solvers.
package wcs

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"skyreduce/pkg/fitsframe"
)

var (
	ErrNoWCS       = errors.New("image has no WCS solution")
	ErrIncomplete  = errors.New("WCS solution is incomplete")
	ErrSingularWCS = errors.New("WCS transform matrix is singular")
)

const deg = math.Pi / 180

// Solution is a parsed celestial WCS.
type Solution struct {
	CRPix      [2]float64
	CRVal      [2]float64
	Projection string

	cd  *mat.Dense
	inv *mat.Dense
}

// FromHeader parses the solution from h. Headers without WCSVER are treated
// as unsolved.
func FromHeader(h *fitsframe.Header) (*Solution, error) {
	if !h.Has("WCSVER") {
		return nil, ErrNoWCS
	}
	s := &Solution{Projection: projection(h.GetString("CTYPE1"))}

	for i, k := range []string{"CRPIX1", "CRPIX2"} {
		v, ok := h.GetFloat(k)
		if !ok {
			return nil, fmt.Errorf("%w: %s missing", ErrIncomplete, k)
		}
		s.CRPix[i] = v
	}
	for i, k := range []string{"CRVAL1", "CRVAL2"} {
		v, ok := h.GetFloat(k)
		if !ok {
			return nil, fmt.Errorf("%w: %s missing", ErrIncomplete, k)
		}
		s.CRVal[i] = v
	}

	cd, err := cdMatrix(h)
	if err != nil {
		return nil, err
	}
	return s, s.setCD(cd)
}

// New builds a TAN solution from explicit parameters.
func New(crpix, crval [2]float64, cd [4]float64) (*Solution, error) {
	s := &Solution{CRPix: crpix, CRVal: crval, Projection: "TAN"}
	return s, s.setCD(mat.NewDense(2, 2, cd[:]))
}

func (s *Solution) setCD(cd *mat.Dense) error {
	var inv mat.Dense
	if err := inv.Inverse(cd); err != nil {
		return fmt.Errorf("%w: %w", ErrSingularWCS, err)
	}
	s.cd, s.inv = cd, &inv
	return nil
}

func projection(ctype string) string {
	if i := strings.LastIndex(ctype, "-"); i >= 0 {
		return strings.TrimSpace(ctype[i+1:])
	}
	return ""
}

func cdMatrix(h *fitsframe.Header) (*mat.Dense, error) {
	keys := []string{"CD1_1", "CD1_2", "CD2_1", "CD2_2"}
	if h.Has("CD1_1") {
		vals := make([]float64, 4)
		for i, k := range keys {
			vals[i], _ = h.GetFloat(k)
		}
		return mat.NewDense(2, 2, vals), nil
	}

	cdelt1, ok1 := h.GetFloat("CDELT1")
	cdelt2, ok2 := h.GetFloat("CDELT2")
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: neither CD nor CDELT keywords present", ErrIncomplete)
	}
	if h.Has("PC1_1") {
		pc := []float64{1, 0, 0, 1}
		for i, k := range []string{"PC1_1", "PC1_2", "PC2_1", "PC2_2"} {
			if v, ok := h.GetFloat(k); ok {
				pc[i] = v
			}
		}
		var cd mat.Dense
		cd.Mul(mat.NewDiagDense(2, []float64{cdelt1, cdelt2}), mat.NewDense(2, 2, pc))
		return &cd, nil
	}
	rot, _ := h.GetFloat("CROTA2")
	sin, cos := math.Sincos(rot * deg)
	return mat.NewDense(2, 2, []float64{
		cdelt1 * cos, -cdelt2 * sin,
		cdelt1 * sin, cdelt2 * cos,
	}), nil
}

// PixelToWorld converts 1-indexed FITS pixel coordinates to RA and Dec in
// degrees, with RA in [0, 360).
func (s *Solution) PixelToWorld(x, y float64) (ra, dec float64) {
	var w mat.VecDense
	w.MulVec(s.cd, mat.NewVecDense(2, []float64{x - s.CRPix[0], y - s.CRPix[1]}))
	xi, eta := w.AtVec(0), w.AtVec(1)

	if s.Projection != "TAN" {
		return normRA(s.CRVal[0] + xi), s.CRVal[1] + eta
	}

	xi, eta = xi*deg, eta*deg
	ra0, dec0 := s.CRVal[0]*deg, s.CRVal[1]*deg
	sd, cd := math.Sincos(dec0)
	den := cd - eta*sd
	ra = ra0 + math.Atan2(xi, den)
	dec = math.Atan2(eta*cd+sd, math.Hypot(den, xi))
	return normRA(ra / deg), dec / deg
}

// WorldToPixel is the inverse of PixelToWorld. ok is false for points on the
// far hemisphere of a TAN projection.
func (s *Solution) WorldToPixel(ra, dec float64) (x, y float64, ok bool) {
	var xi, eta float64
	if s.Projection != "TAN" {
		xi, eta = wrap180(ra-s.CRVal[0]), dec-s.CRVal[1]
	} else {
		ra0, dec0 := s.CRVal[0]*deg, s.CRVal[1]*deg
		sd0, cd0 := math.Sincos(dec0)
		sd, cd := math.Sincos(dec * deg)
		sda, cda := math.Sincos(ra*deg - ra0)
		cosc := sd0*sd + cd0*cd*cda
		if cosc <= 0 {
			return 0, 0, false
		}
		xi = cd * sda / cosc / deg
		eta = (cd0*sd - sd0*cd*cda) / cosc / deg
	}

	var p mat.VecDense
	p.MulVec(s.inv, mat.NewVecDense(2, []float64{xi, eta}))
	return p.AtVec(0) + s.CRPix[0], p.AtVec(1) + s.CRPix[1], true
}

func normRA(ra float64) float64 {
	ra = math.Mod(ra, 360)
	if ra < 0 {
		ra += 360
	}
	return ra
}

func wrap180(d float64) float64 {
	d = normRA(d)
	if d > 180 {
		d -= 360
	}
	return d
}

// Separation is the angular distance between two sky positions in degrees.
func Separation(ra1, dec1, ra2, dec2 float64) float64 {
	sd1, cd1 := math.Sincos(dec1 * deg)
	sd2, cd2 := math.Sincos(dec2 * deg)
	sdra, cdra := math.Sincos((ra2 - ra1) * deg)
	num := math.Hypot(cd2*sdra, cd1*sd2-sd1*cd2*cdra)
	return math.Atan2(num, sd1*sd2+cd1*cd2*cdra) / deg
}
