// Package store appends photometry records to the results table, as CSV
// and optionally SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"skyreduce/pkg/catalog"
)

const (
	// TimeLayout is the DATETIME column format (observation time, UTC).
	TimeLayout = "2006-01-02 15:04:05.000000"
	// RunTimeLayout is the RUNTIME column format.
	RunTimeLayout = "2006-01-02 15:04 GMT"

	// Missing marks magnitude columns of bands other than the frame's own.
	Missing = "---"
	nan     = "nan"
)

var ErrBadRecord = errors.New("malformed record")

// Columns is the header row of the results table.
var Columns = []string{
	"id", "RA_C", "DEC_C", "RA_M", "DEC_M", "DIF",
	"MAG_R", "MAG_V", "MAG_B", "MAG_err",
	"CMAG_R", "CMAG_V", "CMAG_B",
	"DATETIME", "IMGNAME", "RUNTIME",
}

// Record is one measured source. Mag and CMag hold only the bands the
// frame was taken in; NaN marks an undefined value.
type Record struct {
	ID          string
	RACatalog   float64
	DecCatalog  float64
	RAMeasured  float64
	DecMeasured float64
	Residual    float64
	Mag         map[catalog.Band]float64
	MagErr      float64
	CMag        map[catalog.Band]float64
	ObservedAt  time.Time
	Image       string
	RunTime     time.Time
}

// Sink receives batches of records. Implementations serialise Append.
type Sink interface {
	Append(ctx context.Context, records []Record) error
	Close() error
}

// MultiSink appends to every sink in order and stops at the first error.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, records []Record) error {
	for _, s := range m {
		if err := s.Append(ctx, records); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return nan
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) (float64, error) {
	if s == nan || s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

func formatBand(m map[catalog.Band]float64, b catalog.Band) string {
	v, ok := m[b]
	if !ok {
		return Missing
	}
	return formatFloat(v)
}

// Row renders r in Columns order.
func (r Record) Row() []string {
	row := []string{
		r.ID,
		formatFloat(r.RACatalog),
		formatFloat(r.DecCatalog),
		formatFloat(r.RAMeasured),
		formatFloat(r.DecMeasured),
		formatFloat(r.Residual),
	}
	for _, b := range catalog.Bands {
		row = append(row, formatBand(r.Mag, b))
	}
	row = append(row, formatFloat(r.MagErr))
	for _, b := range catalog.Bands {
		row = append(row, formatBand(r.CMag, b))
	}
	return append(row,
		r.ObservedAt.UTC().Format(TimeLayout),
		r.Image,
		r.RunTime.UTC().Format(RunTimeLayout),
	)
}

// ParseRow is the inverse of Row.
func ParseRow(row []string) (Record, error) {
	if len(row) != len(Columns) {
		return Record{}, fmt.Errorf("%w: %d fields, want %d", ErrBadRecord, len(row), len(Columns))
	}
	r := Record{
		ID:    row[0],
		Mag:   make(map[catalog.Band]float64),
		CMag:  make(map[catalog.Band]float64),
		Image: row[14],
	}

	floats := []*float64{&r.RACatalog, &r.DecCatalog, &r.RAMeasured, &r.DecMeasured, &r.Residual}
	for i, dst := range floats {
		v, err := parseFloat(row[1+i])
		if err != nil {
			return Record{}, fmt.Errorf("%w: %s: %w", ErrBadRecord, Columns[1+i], err)
		}
		*dst = v
	}
	for i, b := range catalog.Bands {
		if err := parseBand(r.Mag, b, row[6+i]); err != nil {
			return Record{}, err
		}
		if err := parseBand(r.CMag, b, row[10+i]); err != nil {
			return Record{}, err
		}
	}
	var err error
	if r.MagErr, err = parseFloat(row[9]); err != nil {
		return Record{}, fmt.Errorf("%w: MAG_err: %w", ErrBadRecord, err)
	}
	if r.ObservedAt, err = time.Parse(TimeLayout, row[13]); err != nil {
		return Record{}, fmt.Errorf("%w: DATETIME: %w", ErrBadRecord, err)
	}
	if r.RunTime, err = time.Parse(RunTimeLayout, strings.TrimSpace(row[15])); err != nil {
		return Record{}, fmt.Errorf("%w: RUNTIME: %w", ErrBadRecord, err)
	}
	return r, nil
}

func parseBand(m map[catalog.Band]float64, b catalog.Band, s string) error {
	if s == Missing {
		return nil
	}
	v, err := parseFloat(s)
	if err != nil {
		return fmt.Errorf("%w: band %s: %w", ErrBadRecord, b, err)
	}
	m[b] = v
	return nil
}
