// Package match cross-matches measured sources against a reference catalog
// and derives the photometric zero point of a frame.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"skyreduce/pkg/catalog"
	"skyreduce/pkg/photometry"
)

// Outcome classifies the catalog lookup for one source.
type Outcome int

const (
	Matched Outcome = iota
	Unmatched
	Duplicate
	QueryFailed
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case Unmatched:
		return "unmatched"
	case Duplicate:
		return "duplicate"
	case QueryFailed:
		return "query_failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Match is a measurement with its catalog resolution. Star is set only for
// Matched; Reason only for QueryFailed.
type Match struct {
	Measurement photometry.Measurement
	Outcome     Outcome
	Star        catalog.Star
	Reason      string
	// Eligible marks matches whose catalog magnitude in the frame's band is
	// defined, so they can contribute to the zero point.
	Eligible bool
}

// Misfire reports whether the source ends up without a catalog star.
func (m Match) Misfire() bool { return m.Outcome != Matched }

// Set is the match result for one frame.
type Set struct {
	Band    catalog.Band
	Matches []Match
}

// Misfires counts sources that did not get a catalog star.
func (s *Set) Misfires() int {
	n := 0
	for _, m := range s.Matches {
		if m.Misfire() {
			n++
		}
	}
	return n
}

// Matched counts sources with a catalog star.
func (s *Set) Matched() int { return len(s.Matches) - s.Misfires() }

// Eligible returns the instrumental and catalog magnitudes of the
// zero-point eligible matches, index for index.
func (s *Set) Eligible() (inst, cat []float64) {
	for _, m := range s.Matches {
		if !m.Eligible {
			continue
		}
		inst = append(inst, m.Measurement.InstMag)
		cat = append(cat, m.Star.Mag(s.Band))
	}
	return inst, cat
}

// Matcher resolves measurements against a catalog.
type Matcher struct {
	catalog catalog.Catalog
	radius  float64
	logger  *slog.Logger
}

// NewMatcher searches within radius arcseconds of each source.
func NewMatcher(cat catalog.Catalog, radius float64, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Matcher{catalog: cat, radius: radius, logger: logger.With("module", "match")}
}

// Match looks up every measurement in order. A catalog star already credited
// to an earlier source of the same frame is not matched again. Lookup
// failures become QueryFailed; only cancellation of ctx returns an error.
func (m *Matcher) Match(ctx context.Context, band catalog.Band, ms []photometry.Measurement) (*Set, error) {
	set := &Set{Band: band, Matches: make([]Match, 0, len(ms))}
	used := make(map[string]int)

	for _, meas := range ms {
		q := catalog.Query{RA: meas.Source.RA, Dec: meas.Source.Dec, Radius: m.radius, Band: band}
		res, err := m.catalog.Nearest(ctx, q)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		match := Match{Measurement: meas}
		switch {
		case err != nil:
			match.Outcome = QueryFailed
			match.Reason = err.Error()
			m.logger.Warn("catalog query failed, source unmatched", "source", meas.Source.ID, "error", err)
		case !res.Found:
			match.Outcome = Unmatched
		default:
			if first, dup := used[res.Star.ID]; dup {
				match.Outcome = Duplicate
				m.logger.Debug("catalog star already matched", "star", res.Star.ID, "source", meas.Source.ID, "first", first)
				break
			}
			used[res.Star.ID] = meas.Source.ID
			match.Outcome = Matched
			match.Star = res.Star
			match.Eligible = !math.IsNaN(res.Star.Mag(band))
		}
		set.Matches = append(set.Matches, match)
	}
	return set, nil
}
