// Package catalog looks up reference stars around a sky position, either
// from the VizieR UCAC4 service or from an in-memory list.
package catalog

import (
	"context"
	"math"
	"sort"
	"strings"

	"skyreduce/pkg/wcs"
)

// Band is a photometric passband with catalog magnitudes.
type Band string

const (
	BandR Band = "R"
	BandV Band = "V"
	BandB Band = "B"
)

// Bands lists the photometric bands in output column order.
var Bands = []Band{BandR, BandV, BandB}

// ParseBand maps a FILTER header value to a photometric band. Narrow-band
// and colour filters (Halpha, Lum, Red, Green, Blue) are not photometric.
func ParseBand(filter string) (Band, bool) {
	switch Band(strings.TrimSpace(filter)) {
	case BandR:
		return BandR, true
	case BandV:
		return BandV, true
	case BandB:
		return BandB, true
	}
	return "", false
}

// Star is a catalog entry. Mags holds NaN for bands the catalog lacks.
type Star struct {
	ID  string
	RA  float64
	Dec float64
	// Residual is the distance from the query position in arcseconds.
	Residual float64
	Mags     map[Band]float64
}

// Mag returns the catalog magnitude in band, or NaN.
func (s Star) Mag(band Band) float64 {
	if m, ok := s.Mags[band]; ok {
		return m
	}
	return math.NaN()
}

// Query asks for the star nearest to (RA, Dec) within Radius arcseconds.
type Query struct {
	RA     float64
	Dec    float64
	Radius float64
	Band   Band
}

// Result is the answer to a Query; Star is only meaningful when Found.
type Result struct {
	Found bool
	Star  Star
}

// Catalog finds the nearest reference star to a position.
type Catalog interface {
	Nearest(ctx context.Context, q Query) (Result, error)
}

// Static is a Catalog backed by a fixed list of stars.
type Static struct {
	stars []Star
}

func NewStatic(stars []Star) *Static {
	s := &Static{stars: append([]Star(nil), stars...)}
	sort.Slice(s.stars, func(i, j int) bool { return s.stars[i].Dec < s.stars[j].Dec })
	return s
}

func (s *Static) Nearest(ctx context.Context, q Query) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	radius := q.Radius / 3600
	lo := sort.Search(len(s.stars), func(i int) bool { return s.stars[i].Dec >= q.Dec-radius })

	best, bestSep := -1, math.Inf(1)
	for i := lo; i < len(s.stars) && s.stars[i].Dec <= q.Dec+radius; i++ {
		sep := wcs.Separation(q.RA, q.Dec, s.stars[i].RA, s.stars[i].Dec)
		if sep <= radius && sep < bestSep {
			best, bestSep = i, sep
		}
	}
	if best < 0 {
		return Result{}, nil
	}
	star := s.stars[best]
	star.Residual = bestSep * 3600
	return Result{Found: true, Star: star}, nil
}
