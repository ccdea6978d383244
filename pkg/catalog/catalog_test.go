package catalog

import (
	"context"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vizierURL = `=~^https://vizier\.cds\.unistra\.fr/viz-bin/asu-tsv`

const ucac4Response = `#
#   VizieR Astronomical Server vizier.cds.unistra.fr
#INFO	votable-version=1.99+ (14-Oct-2013)
#RESOURCE=yCat_1322
#Name: I/322A
#Title: UCAC4 Catalogue (Zacharias+, 2012)
#Column	UCAC4	(a10)	UCAC4 recommended identifier (ZZZ-NNNNNN)	[ucd=meta.id;meta.main]
#Column	_r	(F6.3)	Distance from center	[ucd=pos.angDistance]

UCAC4	_r	RAJ2000	DEJ2000	Bmag	Vmag	rmag
	arcmin	deg	deg	mag	mag	mag
----------	------	-----------	-----------	------	------	------
567-001234	 0.012	010.6847083	+23.2687500	13.512	12.904
`

func testClient(t *testing.T) (*VizieR, *httpmock.MockTransport) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	cfg := DefaultConfig()
	cfg.Backoff = time.Millisecond
	cfg.RatePerSecond = 1000
	return NewVizieR(cfg, nil, WithHTTPClient(&http.Client{Transport: mt})), mt
}

func TestParseTSV(t *testing.T) {
	stars, err := ParseTSV(strings.NewReader(ucac4Response))
	require.NoError(t, err)
	require.Len(t, stars, 1)

	s := stars[0]
	assert.Equal(t, "567-001234", s.ID)
	assert.InDelta(t, 10.6847083, s.RA, 1e-9)
	assert.InDelta(t, 23.26875, s.Dec, 1e-9)
	assert.Equal(t, 12.904, s.Mag(BandV))
	assert.Equal(t, 13.512, s.Mag(BandB))
	assert.True(t, math.IsNaN(s.Mag(BandR)), "blank rmag")
}

func TestParseTSVRejectsRowWithoutPosition(t *testing.T) {
	body := "UCAC4\tRAJ2000\tDEJ2000\n\tdeg\tdeg\n---\t---\t---\n567-1\tabc\t+1.0\n"
	_, err := ParseTSV(strings.NewReader(body))
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestVizieRNearest(t *testing.T) {
	v, mt := testClient(t)
	var query string
	mt.RegisterResponder("GET", vizierURL, func(req *http.Request) (*http.Response, error) {
		query = req.URL.RawQuery
		return httpmock.NewStringResponse(http.StatusOK, ucac4Response), nil
	})

	res, err := v.Nearest(context.Background(), Query{RA: 10.6847, Dec: 23.2687, Radius: 3, Band: BandV})
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "567-001234", res.Star.ID)
	assert.Less(t, res.Star.Residual, 1.0)

	assert.Contains(t, query, "-source=I%2F322A")
	assert.Contains(t, query, "-out.max=1")
	assert.Contains(t, query, "-c.rs=3")
}

func TestVizieRNotFound(t *testing.T) {
	v, mt := testClient(t)
	mt.RegisterResponder("GET", vizierURL, httpmock.NewStringResponder(http.StatusOK, "#INFO\n"))

	res, err := v.Nearest(context.Background(), Query{RA: 1, Dec: 2, Radius: 3})
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestVizieRCachesResults(t *testing.T) {
	v, mt := testClient(t)
	mt.RegisterResponder("GET", vizierURL, httpmock.NewStringResponder(http.StatusOK, ucac4Response))

	q := Query{RA: 10.6847, Dec: 23.2687, Radius: 3}
	for i := 0; i < 3; i++ {
		_, err := v.Nearest(context.Background(), q)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestVizieRRetriesServerErrors(t *testing.T) {
	v, mt := testClient(t)
	var calls atomic.Int32
	mt.RegisterResponder("GET", vizierURL, func(*http.Request) (*http.Response, error) {
		if calls.Add(1) < 3 {
			return httpmock.NewStringResponse(http.StatusServiceUnavailable, ""), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, ucac4Response), nil
	})

	res, err := v.Nearest(context.Background(), Query{RA: 10.6847, Dec: 23.2687, Radius: 3})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.EqualValues(t, 3, calls.Load())
}

func TestVizieRRetriesRateLimited(t *testing.T) {
	v, mt := testClient(t)
	var calls atomic.Int32
	mt.RegisterResponder("GET", vizierURL, func(*http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return httpmock.NewStringResponse(http.StatusTooManyRequests, ""), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, ucac4Response), nil
	})

	res, err := v.Nearest(context.Background(), Query{RA: 10.6847, Dec: 23.2687, Radius: 3})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.EqualValues(t, 2, calls.Load())
}

func TestVizieRGivesUpAfterRetries(t *testing.T) {
	v, mt := testClient(t)
	mt.RegisterResponder("GET", vizierURL, httpmock.NewStringResponder(http.StatusBadGateway, ""))

	_, err := v.Nearest(context.Background(), Query{RA: 1, Dec: 2, Radius: 3})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.Equal(t, 3, mt.GetTotalCallCount())
}

func TestVizieRDoesNotRetryClientErrors(t *testing.T) {
	v, mt := testClient(t)
	mt.RegisterResponder("GET", vizierURL, httpmock.NewStringResponder(http.StatusBadRequest, ""))

	_, err := v.Nearest(context.Background(), Query{RA: 1, Dec: 2, Radius: 3})
	assert.ErrorIs(t, err, ErrStatus)
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestStaticNearest(t *testing.T) {
	c := NewStatic([]Star{
		{ID: "a", RA: 10, Dec: 20},
		{ID: "b", RA: 10.0005, Dec: 20},
		{ID: "c", RA: 50, Dec: -5},
	})

	res, err := c.Nearest(context.Background(), Query{RA: 10.0004, Dec: 20, Radius: 3})
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "b", res.Star.ID)
	assert.InDelta(t, 0.0001*3600*math.Cos(20*math.Pi/180), res.Star.Residual, 1e-3)

	res, err = c.Nearest(context.Background(), Query{RA: 30, Dec: 0, Radius: 3})
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestParseBand(t *testing.T) {
	for _, f := range []string{"R", "V", "B"} {
		b, ok := ParseBand(f)
		assert.True(t, ok)
		assert.Equal(t, Band(f), b)
	}
	for _, f := range []string{"Halpha", "Lum", "Red", "Green", "Blue", ""} {
		_, ok := ParseBand(f)
		assert.False(t, ok, f)
	}
}
