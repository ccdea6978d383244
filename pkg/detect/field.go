package detect

import (
	"math"

	"skyreduce/pkg/imaging"
)

const (
	fieldEdgeFraction   = 0.25
	minFitsPerZone      = 3
	minTotalFitsForTilt = 20
)

// Zone is a cell of the 3x3 field grid. Top is high y, since FITS row 0
// is the bottom of the image.
type Zone int

const (
	ZoneTopLeft Zone = iota
	ZoneTop
	ZoneTopRight
	ZoneLeft
	ZoneCenter
	ZoneRight
	ZoneBottomLeft
	ZoneBottom
	ZoneBottomRight
)

// Zones lists the grid in reading order.
var Zones = []Zone{
	ZoneTopLeft, ZoneTop, ZoneTopRight,
	ZoneLeft, ZoneCenter, ZoneRight,
	ZoneBottomLeft, ZoneBottom, ZoneBottomRight,
}

var zoneLabels = [...]string{"TL", "T", "TR", "L", "Center", "R", "BL", "B", "BR"}

func (z Zone) String() string { return zoneLabels[z] }

var corners = []Zone{ZoneTopLeft, ZoneTopRight, ZoneBottomLeft, ZoneBottomRight}

// ZoneStats summarises the PSF fits in one zone.
type ZoneStats struct {
	Count      int
	MedianFWHM float64
}

// Field is the focus and tilt picture of a frame.
type Field struct {
	Zones       [9]ZoneStats
	TiltPct     float64
	BestCorner  Zone
	WorstCorner Zone
	HasTilt     bool
	OffAxisPct  float64
	Reliable    bool
}

// AnalyzeField buckets PSF fits into a 3x3 grid and compares corner and
// off-axis FWHM against the centre. It returns nil when there are no fits.
func AnalyzeField(fits []PSF, width, height int) *Field {
	if len(fits) == 0 {
		return nil
	}

	xLo := float64(width) * fieldEdgeFraction
	xHi := float64(width) * (1 - fieldEdgeFraction)
	yLo := float64(height) * fieldEdgeFraction
	yHi := float64(height) * (1 - fieldEdgeFraction)

	var fwhm [9][]float64
	for _, p := range fits {
		z := zoneOf(p.X, p.Y, xLo, xHi, yLo, yHi)
		fwhm[z] = append(fwhm[z], p.FWHM())
	}

	field := &Field{}
	for z, values := range fwhm {
		field.Zones[z].Count = len(values)
		if len(values) > 0 {
			field.Zones[z].MedianFWHM = imaging.Median(values)
		}
	}

	center := field.Zones[ZoneCenter].MedianFWHM
	if center <= 0 {
		return field
	}

	best, worst := math.MaxFloat64, 0.0
	validCorners := 0
	for _, z := range corners {
		zs := field.Zones[z]
		if zs.Count < minFitsPerZone {
			continue
		}
		validCorners++
		if zs.MedianFWHM < best {
			best, field.BestCorner = zs.MedianFWHM, z
		}
		if zs.MedianFWHM > worst {
			worst, field.WorstCorner = zs.MedianFWHM, z
		}
	}
	if validCorners >= 2 {
		field.TiltPct = (worst - best) / center * 100
		field.HasTilt = true
	}

	var offAxis float64
	n := 0
	for _, z := range Zones {
		zs := field.Zones[z]
		if z == ZoneCenter || zs.Count < minFitsPerZone {
			continue
		}
		offAxis += zs.MedianFWHM
		n++
	}
	if n > 0 {
		field.OffAxisPct = (offAxis/float64(n) - center) / center * 100
	}

	field.Reliable = len(fits) >= minTotalFitsForTilt && validCorners == len(corners) &&
		field.Zones[ZoneCenter].Count >= minFitsPerZone
	return field
}

func zoneOf(x, y, xLo, xHi, yLo, yHi float64) Zone {
	col := 1
	switch {
	case x < xLo:
		col = 0
	case x >= xHi:
		col = 2
	}
	row := 1
	switch {
	case y >= yHi:
		row = 0
	case y < yLo:
		row = 2
	}
	return Zone(row*3 + col)
}
