package photometry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"skyreduce/pkg/detect"
	"skyreduce/pkg/fitsframe"
)

var ErrCountMismatch = errors.New("measurement and coordinate counts differ")

// Measurement is the photometry of one detected source.
type Measurement struct {
	Source     detect.Source
	Flux       float64
	FluxErr    float64
	Area       float64
	Background float64
	Flag       int
	InstMag    float64
	InstMagErr float64
}

// SkyCoord is a mapped source position in degrees.
type SkyCoord struct {
	RA, Dec float64
}

// Result holds the measurements that survived the discard rules together
// with their sky coordinates, index for index.
type Result struct {
	Measurements []Measurement
	Coords       []SkyCoord
	Radius       float64
	Truncated    int
	Negative     int
}

// Photometer runs aperture photometry over a frame's sources.
type Photometer struct {
	params Params
	logger *slog.Logger
}

func NewPhotometer(params Params, logger *slog.Logger) *Photometer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Photometer{params: params, logger: logger.With("module", "photometry")}
}

// Measure computes the flux of every source. Sources with an incomplete
// aperture or a non-positive flux are dropped; other flags are kept with a
// warning. Sources without finite sky coordinates are dropped from Coords
// only, which makes the result inconsistent and returns ErrCountMismatch.
func (p *Photometer) Measure(ctx context.Context, f *fitsframe.Frame, sources []detect.Source) (*Result, error) {
	xbin, _ := f.Header.Binning()
	gain := f.Header.Gain()
	res := &Result{Radius: p.params.Radius(xbin)}
	log := p.logger.With("image", f.Name)

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m := p.measureOne(f, src, res.Radius, gain)

		if m.Flag&FlagTruncated != 0 {
			res.Truncated++
			log.Debug("aperture incomplete, source discarded", "source", src.ID, "x", src.X, "y", src.Y)
			continue
		}
		if m.Flag != 0 {
			log.Warn("source measured with extraction flag", "source", src.ID, "flag", m.Flag)
		}
		if m.Flux <= 0 {
			res.Negative++
			log.Info("non-positive flux, source discarded", "source", src.ID, "flux", m.Flux)
			continue
		}

		res.Measurements = append(res.Measurements, m)
		if finite(src.RA) && finite(src.Dec) {
			res.Coords = append(res.Coords, SkyCoord{RA: src.RA, Dec: src.Dec})
		}
	}

	if len(res.Measurements) != len(res.Coords) {
		err := fmt.Errorf("%w: %d fluxes, %d coordinates", ErrCountMismatch, len(res.Measurements), len(res.Coords))
		log.Error("photometry inconsistent", "error", err)
		return res, err
	}
	return res, nil
}

func (p *Photometer) measureOne(f *fitsframe.Frame, src detect.Source, radius, gain float64) Measurement {
	m := Measurement{Source: src}
	bkg, _, ok := AnnulusBackground(f, src.X, src.Y, radius, p.params)
	if !ok {
		m.Flag |= FlagNoBackground
	}
	m.Background = bkg

	sum, area, flag := SumCircle(f, src.X, src.Y, radius, bkg, p.params.Subsample)
	m.Flux, m.Area = sum, area
	m.Flag |= flag
	m.FluxErr = math.Sqrt(math.Max(sum, 0) / gain)
	m.InstMag, m.InstMagErr = InstrumentalMagnitude(m.Flux, m.FluxErr)
	return m
}

// InstrumentalMagnitude returns -2.5 log10(flux) and the reciprocal of the
// flux error as its uncertainty, +Inf when the error is zero.
func InstrumentalMagnitude(flux, fluxErr float64) (mag, magErr float64) {
	mag = -2.5 * math.Log10(flux)
	if fluxErr == 0 {
		return mag, math.Inf(1)
	}
	return mag, 1 / fluxErr
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
