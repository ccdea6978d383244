package pipeline

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"skyreduce/internal/config"
	"skyreduce/pkg/catalog"
	"skyreduce/pkg/fitsframe"
	"skyreduce/pkg/store"
	"skyreduce/pkg/wcs"
)

const (
	night   = "20190304"
	side    = 80
	zpTruth = 22.0
)

type star struct {
	id     string
	x, y   float64
	amp    float64
	sigma  float64
	vMag   float64
	ra, de float64
}

var fieldStars = []star{
	{id: "567-000001", x: 20, y: 25, amp: 3000, sigma: 1.5},
	{id: "567-000002", x: 55, y: 30, amp: 2000, sigma: 1.5},
	{id: "567-000003", x: 40, y: 60, amp: 4000, sigma: 1.5},
}

func fieldWCS(t *testing.T) *wcs.Solution {
	t.Helper()
	sol, err := wcs.New([2]float64{40.5, 40.5}, [2]float64{150, 20}, [4]float64{-1.0 / 3600, 0, 0, 1.0 / 3600})
	require.NoError(t, err)
	return sol
}

func truthStars(t *testing.T) []star {
	t.Helper()
	sol := fieldWCS(t)
	out := make([]star, len(fieldStars))
	for i, s := range fieldStars {
		s.ra, s.de = sol.PixelToWorld(s.x+1, s.y+1)
		s.vMag = -2.5*math.Log10(2*math.Pi*s.sigma*s.sigma*s.amp) + zpTruth
		out[i] = s
	}
	return out
}

func staticCatalog(t *testing.T) *catalog.Static {
	var cs []catalog.Star
	for _, s := range truthStars(t) {
		cs = append(cs, catalog.Star{ID: s.id, RA: s.ra, Dec: s.de, Mags: map[catalog.Band]float64{
			catalog.BandV: s.vMag,
			catalog.BandB: s.vMag + 0.5,
		}})
	}
	return catalog.NewStatic(cs)
}

func writeFrame(t *testing.T, path string, w, h int, cards map[string]any, pixel func(x, y int) float64) {
	t.Helper()
	f := fitsframe.New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			f.Set(x, y, pixel(x, y))
		}
	}
	for k, v := range cards {
		f.Header.Set(k, v, "")
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, fitsframe.WriteFile(path, f, false))
}

func constant(v float64) func(x, y int) float64 { return func(int, int) float64 { return v } }

func lightCards(filter string, withWCS bool) map[string]any {
	cards := map[string]any{
		"IMAGETYP": "Light Frame",
		"FILTER":   filter,
		"XBINNING": 1,
		"YBINNING": 1,
		"EXPTIME":  60.0,
		"CCD-TEMP": -10.0,
		"DATE-OBS": "2019-03-04T22:15:30.5",
	}
	if withWCS {
		cards["WCSVER"] = "1"
		cards["CTYPE1"] = "RA---TAN"
		cards["CTYPE2"] = "DEC--TAN"
		cards["CRPIX1"] = 40.5
		cards["CRPIX2"] = 40.5
		cards["CRVAL1"] = 150.0
		cards["CRVAL2"] = 20.0
		cards["CD1_1"] = -1.0 / 3600
		cards["CD1_2"] = 0.0
		cards["CD2_1"] = 0.0
		cards["CD2_2"] = 1.0 / 3600
	}
	return cards
}

func starField(seed uint64) func(x, y int) float64 {
	rng := rand.New(rand.NewPCG(seed, 7))
	return func(x, y int) float64 {
		// bias 100, dark 10, sky 50
		v := 160 + 3*rng.NormFloat64()
		for _, s := range fieldStars {
			dx, dy := float64(x)-s.x, float64(y)-s.y
			v += s.amp * math.Exp(-(dx*dx+dy*dy)/(2*s.sigma*s.sigma))
		}
		return v
	}
}

// nightFixture lays out one night of calibration and science frames under root.
func nightFixture(t *testing.T, root string) {
	t.Helper()
	cal := filepath.Join(root, "ArchCal", night)
	for i := 1; i <= 3; i++ {
		writeFrame(t, filepath.Join(cal, "bias"+string(rune('0'+i))+".fit"), side, side,
			map[string]any{"IMAGETYP": "Bias Frame", "XBINNING": 1, "EXPTIME": 0.0}, constant(100))
	}
	for i := 1; i <= 2; i++ {
		writeFrame(t, filepath.Join(cal, "dark"+string(rune('0'+i))+".fit"), side, side,
			map[string]any{"IMAGETYP": "Dark Frame", "XBINNING": 1, "EXPTIME": 60.0}, constant(110))
		writeFrame(t, filepath.Join(cal, "flatV"+string(rune('0'+i))+".fit"), side, side,
			map[string]any{"IMAGETYP": "Flat Field", "FILTER": "V", "XBINNING": 1, "EXPTIME": 10.0}, constant(5000))
	}

	sky := filepath.Join(root, "ArchSky", night)
	writeFrame(t, filepath.Join(sky, "m1_V.fits"), side, side, lightCards("V", true), starField(1))
	writeFrame(t, filepath.Join(sky, "nowcs_V.fits"), side, side, lightCards("V", false), starField(2))
	writeFrame(t, filepath.Join(sky, "subframe_V.fits"), 40, 40, lightCards("V", true), constant(160))
	writeFrame(t, filepath.Join(sky, "notes.txt"), 2, 2, nil, constant(0))
}

func testConfig(t *testing.T, root string, workers int) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("paths.cal_root", filepath.Join(root, "ArchCal"))
	v.Set("paths.sky_root", filepath.Join(root, "ArchSky"))
	v.Set("paths.masters_root", filepath.Join(root, "MasterCal"))
	v.Set("paths.calibrated_root", filepath.Join(root, "ReducedImages"))
	v.Set("paths.results_csv", filepath.Join(root, "sources.csv"))
	v.Set("calibration.sizes", []string{"80x80"})
	v.Set("detection.box_size", 16)
	v.Set("detection.min_area", 5)
	v.Set("photometry.base_aperture", 5.0)
	v.Set("pipeline.workers", workers)
	v.Set("metrics.textfile", filepath.Join(root, "skyreduce.prom"))
	v.Set("output.overlay_dir", filepath.Join(root, "overlays"))

	var c config.Config
	require.NoError(t, v.Unmarshal(&c))
	require.NoError(t, c.Validate())
	return &c
}

type recordingNotifier struct {
	mu       sync.Mutex
	failed   []*FrameError
	complete []*Summary
}

func (n *recordingNotifier) ImageFailed(_ context.Context, err *FrameError) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, err)
}

func (n *recordingNotifier) RunComplete(_ context.Context, s *Summary) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.complete = append(n.complete, s)
}

func newTestPipeline(t *testing.T, root string, workers int, cat catalog.Catalog) (*Pipeline, *store.CSVSink, *recordingNotifier) {
	t.Helper()
	cfg := testConfig(t, root, workers)
	sink, err := store.OpenCSV(cfg.Paths.ResultsCSV)
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })

	n := &recordingNotifier{}
	clock := func() time.Time { return time.Date(2019, 3, 5, 8, 0, 0, 0, time.UTC) }
	p, err := New(cfg, cat, sink, WithNotifier(n), WithClock(clock))
	require.NoError(t, err)
	return p, sink, n
}

func TestRunNightEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	nightFixture(t, root)
	p, sink, n := newTestPipeline(t, root, 2, staticCatalog(t))

	sum, err := p.RunNight(context.Background(), night)
	require.NoError(t, err)

	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 3, sum.FramesSeen)
	assert.Equal(t, 1, sum.Calibrated)
	assert.Equal(t, 1, sum.Rejected, "subframe")
	assert.Equal(t, 1, sum.Skipped, "frame without WCS")
	assert.Equal(t, 0, sum.ImagesFailed)
	assert.Equal(t, 1, sum.ImagesExtracted)
	assert.Equal(t, 3, sum.Matched)
	assert.Equal(t, 0, sum.Misfires)
	assert.Equal(t, 3, sum.UniqueStars)
	assert.Equal(t, 3, sum.RowsWritten)

	require.Len(t, n.complete, 1)
	assert.Same(t, sum, n.complete[0])
	assert.Empty(t, n.failed)

	for _, name := range []string{"m1_V_calibrated.fits", "nowcs_V_calibrated.fits"} {
		assert.FileExists(t, filepath.Join(root, "ReducedImages", night, name))
	}
	assert.NoFileExists(t, filepath.Join(root, "ReducedImages", night, "subframe_V_calibrated.fits"))
	assert.FileExists(t, filepath.Join(root, "MasterCal", "binning1", "flat_master_V.fit"))
	assert.FileExists(t, filepath.Join(root, "overlays", night, "m1_V.jpg"))
	assert.FileExists(t, filepath.Join(root, "skyreduce.prom"))

	require.NoError(t, sink.Close())
	recs, err := store.ReadCSV(filepath.Join(root, "sources.csv"))
	require.NoError(t, err)
	require.Len(t, recs, 3)

	truth := make(map[string]float64)
	for _, s := range truthStars(t) {
		truth[s.id] = s.vMag
	}
	for _, r := range recs {
		assert.Equal(t, "m1_V.fits", r.Image)
		assert.InDelta(t, truth[r.ID], r.CMag[catalog.BandV], 1e-6)
		assert.InDelta(t, truth[r.ID], r.Mag[catalog.BandV], 0.05, r.ID)
		assert.Less(t, r.Residual, 1.0)
		_, hasB := r.Mag[catalog.BandB]
		assert.False(t, hasB)
	}
}

func TestRunWithoutMastersSkipsFrames(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	nightFixture(t, root)
	require.NoError(t, os.RemoveAll(filepath.Join(root, "ArchCal")))
	p, _, _ := newTestPipeline(t, root, 1, staticCatalog(t))

	sum, err := p.RunNight(context.Background(), night)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 1, sum.Rejected)
	assert.Equal(t, 0, sum.RowsWritten)
}

type panickingCatalog struct{}

func (panickingCatalog) Nearest(context.Context, catalog.Query) (catalog.Result, error) {
	panic("catalog exploded")
}

func TestPanicAbortsRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	nightFixture(t, root)
	p, _, n := newTestPipeline(t, root, 2, panickingCatalog{})

	sum, err := p.RunNight(context.Background(), night)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, BatchFatal, fe.Kind)
	assert.Equal(t, "m1_V.fits", fe.Image)
	assert.Equal(t, err, sum.Err)
	require.Len(t, n.complete, 1)
}

type unreachableCatalog struct{}

func (unreachableCatalog) Nearest(context.Context, catalog.Query) (catalog.Result, error) {
	return catalog.Result{}, errors.New("catalog timeout")
}

func TestCatalogOutageKeepsRows(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	nightFixture(t, root)
	p, sink, n := newTestPipeline(t, root, 1, unreachableCatalog{})

	sum, err := p.RunNight(context.Background(), night)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped, "only the frame without WCS")
	assert.Equal(t, 1, sum.ImagesExtracted)
	assert.Equal(t, 0, sum.Matched)
	assert.Equal(t, 3, sum.Misfires)
	assert.Equal(t, sum.SourcesMeasured, sum.RowsWritten)
	assert.Equal(t, 3, sum.RowsWritten)
	assert.Zero(t, sum.UniqueStars)
	assert.Empty(t, n.failed)

	require.NoError(t, sink.Close())
	recs, err := store.ReadCSV(filepath.Join(root, "sources.csv"))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.Equal(t, "nan", r.ID)
		assert.True(t, math.IsNaN(r.Mag[catalog.BandV]))
		assert.True(t, math.IsNaN(r.MagErr))
	}
}

func TestNewRejectsZeroWorkers(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 1)
	cfg.Pipeline.Workers = 0

	_, err := New(cfg, staticCatalog(t), store.MultiSink{})
	assert.ErrorContains(t, err, "Workers")
}

func TestCancelledRunSchedulesNothing(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	nightFixture(t, root)
	p, _, n := newTestPipeline(t, root, 1, staticCatalog(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := p.RunNight(ctx, night)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, sum.FramesSeen)
	require.Len(t, n.complete, 1)
}

func TestImageFatalNotifies(t *testing.T) {
	root := t.TempDir()
	p, _, n := newTestPipeline(t, root, 1, staticCatalog(t))

	sum := &Summary{}
	fe := &FrameError{Kind: ImageFatal, Image: "a.fits", Stage: StagePhotometry, Err: errors.New("count mismatch")}
	require.NoError(t, p.collect(context.Background(), frameResult{image: "a.fits", err: fe}, sum, map[string]struct{}{}))

	assert.Equal(t, 1, sum.ImagesFailed)
	require.Len(t, n.failed, 1)
	assert.Same(t, fe, n.failed[0])
}

func TestRecentNights(t *testing.T) {
	now := time.Date(2019, 3, 1, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, []string{"20190228", "20190227"}, RecentNights(now, 2))
}

func TestMeanMisfires(t *testing.T) {
	assert.Equal(t, 0.0, (&Summary{}).MeanMisfires())
	assert.Equal(t, 1.5, (&Summary{ImagesExtracted: 2, Misfires: 3}).MeanMisfires())
}
