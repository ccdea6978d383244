// Package pipeline runs the nightly reduction: masters first, then every
// science frame through calibration, detection, photometry and catalog
// matching, with the resulting rows appended to the output store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"skyreduce/internal/config"
	"skyreduce/pkg/calib"
	"skyreduce/pkg/catalog"
	"skyreduce/pkg/detect"
	"skyreduce/pkg/fitsframe"
	"skyreduce/pkg/master"
	"skyreduce/pkg/match"
	"skyreduce/pkg/overlay"
	"skyreduce/pkg/photometry"
	"skyreduce/pkg/store"
)

// NightLayout names the per-night directories.
const NightLayout = "20060102"

// Pipeline holds the stage components shared by all frames of a run.
type Pipeline struct {
	cfg        *config.Config
	policy     calib.Policy
	masters    *master.Store
	builder    *master.Builder
	detect     detect.Params
	photometer *photometry.Photometer
	matcher    *match.Matcher
	errorMode  match.ErrorMode
	sink       store.Sink
	notifier   Notifier
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option      { return func(p *Pipeline) { p.logger = l } }
func WithNotifier(n Notifier) Option        { return func(p *Pipeline) { p.notifier = n } }
func WithMetrics(m *Metrics) Option         { return func(p *Pipeline) { p.metrics = m } }
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// New wires the stages from cfg. Rows are appended to sink; catalog lookups
// go to cat.
func New(cfg *config.Config, cat catalog.Catalog, sink store.Sink, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	policy, err := cfg.Calibration.Policy()
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:       cfg,
		policy:    policy,
		detect:    cfg.Detection.Params(),
		errorMode: cfg.Photometry.ErrorMode(),
		sink:      sink,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	if p.notifier == nil {
		p.notifier = LogNotifier{Logger: p.logger}
	}
	if p.metrics == nil {
		if p.metrics, err = NewMetrics(); err != nil {
			return nil, err
		}
	}

	p.masters = master.NewStore(cfg.Paths.MastersRoot)
	p.builder = master.NewBuilder(p.masters, p.logger)
	p.photometer = photometry.NewPhotometer(cfg.Photometry.Params(), p.logger)
	p.matcher = match.NewMatcher(countingCatalog{next: cat, queries: p.metrics.CatalogQueries}, cfg.Catalog.Radius, p.logger)
	p.logger = p.logger.With("module", "pipeline")
	return p, nil
}

func (p *Pipeline) Metrics() *Metrics { return p.metrics }

// RecentNights lists the daysOld nights before now, most recent first.
func RecentNights(now time.Time, daysOld int) []string {
	nights := make([]string, 0, daysOld)
	for j := 1; j <= daysOld; j++ {
		nights = append(nights, now.UTC().AddDate(0, 0, -j).Format(NightLayout))
	}
	return nights
}

// RunNight processes a single night.
func (p *Pipeline) RunNight(ctx context.Context, night string) (*Summary, error) {
	return p.Run(ctx, []string{night})
}

// Run processes nights in order, or the configured number of recent nights
// when nights is empty. Cancelling ctx stops scheduling new frames; frames
// already started run to completion. The summary is returned and passed to
// the notifier even when the run aborts.
func (p *Pipeline) Run(ctx context.Context, nights []string) (*Summary, error) {
	start := p.now().UTC()
	if len(nights) == 0 {
		nights = RecentNights(start, p.cfg.Pipeline.DaysOld)
	}
	sum := &Summary{RunID: uuid.NewString(), Start: start, Nights: nights}
	p.logger.Info("run started", "run_id", sum.RunID, "nights", nights, "workers", p.cfg.Pipeline.Workers)

	stars := make(map[string]struct{})
	var err error
	for _, night := range nights {
		if err = ctx.Err(); err != nil {
			break
		}
		if err = p.runNight(ctx, night, start, sum, stars); err != nil {
			break
		}
	}
	if err == nil {
		err = ctx.Err()
	}

	sum.UniqueStars = len(stars)
	sum.End = p.now().UTC()
	sum.Err = err
	if path := p.cfg.Metrics.Textfile; path != "" {
		if werr := p.metrics.WriteTextfile(path); werr != nil {
			p.logger.Warn("writing metrics textfile failed", "path", path, "error", werr)
		}
	}
	p.notifier.RunComplete(context.WithoutCancel(ctx), sum)
	return sum, err
}

// BuildMasters builds and publishes the masters of one night. Missing
// directories and failed groups are warnings.
func (p *Pipeline) BuildMasters(ctx context.Context, night string) (*master.Result, error) {
	dir := filepath.Join(p.cfg.Paths.CalRoot, night)
	res, err := p.builder.BuildNight(ctx, dir, p.cfg.Pipeline.OverwriteMasters)
	switch {
	case errors.Is(err, master.ErrNoDirectory), errors.Is(err, master.ErrNoCalibrationFrames):
		return nil, nil
	case err != nil:
		return res, err
	}
	return res, nil
}

// frameResult is sent from a frame task to the night's writer.
type frameResult struct {
	image     string
	state     calib.State
	err       *FrameError
	extracted bool
	measured  int
	discarded int
	matched   int
	misfires  int
	records   []store.Record
}

func (p *Pipeline) runNight(ctx context.Context, night string, runTime time.Time, sum *Summary, stars map[string]struct{}) error {
	log := p.logger.With("night", night)

	// Masters are published before any frame of the night is calibrated.
	if _, err := p.BuildMasters(ctx, night); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("building masters failed", "error", err)
	}

	skyDir := filepath.Join(p.cfg.Paths.SkyRoot, night)
	frames, err := listFrames(skyDir)
	if err != nil {
		log.Warn("no science frames for night, skipping", "dir", skyDir, "error", err)
		return nil
	}
	log.Info("science frames found", "dir", skyDir, "frames", len(frames))

	calibrator := calib.NewCalibrator(p.policy, p.masters, filepath.Join(p.cfg.Paths.CalibratedRoot, night), p.logger)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	results := make(chan frameResult)
	writerDone := make(chan error, 1)
	go func() {
		var werr error
		for r := range results {
			if werr != nil {
				continue
			}
			if werr = p.collect(ctx, r, sum, stars); werr != nil {
				cancel(werr)
			}
		}
		writerDone <- werr
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Pipeline.Workers)
	for _, path := range frames {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return p.frameTask(context.WithoutCancel(gctx), calibrator, night, path, runTime, results)
		})
	}
	taskErr := g.Wait()
	close(results)
	if werr := <-writerDone; werr != nil {
		return werr
	}
	return taskErr
}

// frameTask processes one frame. A panic is converted to a BatchFatal error,
// which stops the night.
func (p *Pipeline) frameTask(ctx context.Context, cal *calib.Calibrator, night, path string, runTime time.Time, out chan<- frameResult) (err error) {
	image := filepath.Base(path)
	defer func() {
		if r := recover(); r != nil {
			err = &FrameError{Kind: BatchFatal, Image: image, Stage: "task", Err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
			p.logger.Error("frame task panicked, aborting run", "image", image, "error", err)
		}
	}()

	start := time.Now()
	res := p.processFrame(ctx, cal, night, path, runTime)
	p.metrics.FrameDuration.Observe(time.Since(start).Seconds())
	out <- res
	return nil
}

func (p *Pipeline) processFrame(ctx context.Context, cal *calib.Calibrator, night, path string, runTime time.Time) frameResult {
	res := frameResult{image: filepath.Base(path)}
	log := p.logger.With("image", res.image)

	raw, err := fitsframe.ReadFile(path)
	if err != nil {
		res.err = &FrameError{Kind: SkipFrame, Image: res.image, Stage: StageRead, Err: err}
		return res
	}
	outcome, err := cal.Calibrate(ctx, raw)
	if outcome != nil {
		res.state = outcome.State
	}
	if err != nil {
		res.err = frameError(res.image, StageCalibrate, err)
		return res
	}
	if outcome.State.Rejected() {
		return res
	}

	band, ok := catalog.ParseBand(raw.Header.Filter())
	if !ok {
		log.Info("filter not photometric, extraction skipped", "filter", raw.Header.Filter())
		return res
	}

	frame, err := fitsframe.ReadFile(outcome.Path)
	if err != nil {
		res.err = frameError(res.image, StageRead, err)
		return res
	}
	frame.Name = res.image

	det, err := detect.Detect(ctx, frame, p.detect)
	if err != nil {
		res.err = frameError(res.image, StageDetect, err)
		return res
	}
	if err := detect.MapToSky(frame.Header, det.Sources); err != nil {
		res.err = frameError(res.image, StageMap, err)
		return res
	}

	phot, err := p.photometer.Measure(ctx, frame, det.Sources)
	if phot != nil {
		res.measured = len(phot.Measurements)
		res.discarded = phot.Truncated + phot.Negative
		if res.discarded > 0 {
			log.Info("sources discarded", "kind", DiscardSource.String(),
				"truncated", phot.Truncated, "negative", phot.Negative)
		}
	}
	if err != nil {
		res.err = frameError(res.image, StagePhotometry, err)
		return res
	}

	set, err := p.matcher.Match(ctx, band, phot.Measurements)
	if err != nil {
		res.err = frameError(res.image, StageMatch, err)
		return res
	}
	res.matched, res.misfires = set.Matched(), set.Misfires()

	inst, catMags := set.Eligible()
	zp, err := match.EstimateZeroPoint(inst, catMags, p.errorMode)
	switch {
	case errors.Is(err, match.ErrNoCalibrators):
		// rows are still written, with undefined magnitudes
		log.Warn("no calibrators, zero point undefined", "band", string(band),
			"matched", res.matched, "misfires", res.misfires)
		zp = match.UndefinedZeroPoint()
	case err != nil:
		res.err = frameError(res.image, StageZeroPoint, err)
		return res
	default:
		log.Info("zero point estimated", "band", string(band), "zero_point", zp.Value, "error", zp.Err,
			"calibrators", zp.N, "rejected", zp.Rejected)
	}

	observed, _ := frame.Header.ObservedAt()
	res.records = match.Records(set, zp, match.Frame{Name: res.image, ObservedAt: observed, RunTime: runTime})
	res.extracted = true

	if dir := p.cfg.Output.OverlayDir; dir != "" {
		p.renderOverlay(filepath.Join(dir, night, strings.TrimSuffix(res.image, filepath.Ext(res.image))+".jpg"), frame, set, zp, log)
	}
	return res
}

func (p *Pipeline) renderOverlay(path string, f *fitsframe.Frame, set *match.Set, zp match.ZeroPoint, log *slog.Logger) {
	marks := make([]overlay.Mark, len(set.Matches))
	for i, m := range set.Matches {
		src := m.Measurement.Source
		marks[i] = overlay.Mark{X: src.X, Y: src.Y, A: src.A, B: src.B, Theta: src.Theta, Matched: m.Outcome == match.Matched}
		if marks[i].Matched {
			marks[i].Label = m.Star.ID
		}
	}
	s := overlay.Summary{
		Title:     fmt.Sprintf("%s  %s", f.Name, set.Band),
		Sources:   len(set.Matches),
		Matched:   set.Matched(),
		ZeroPoint: zp.Value,
		ZeroErr:   zp.Err,
	}
	if err := overlay.Render(path, f, marks, s); err != nil {
		log.Warn("overlay rendering failed", "path", path, "error", err)
	}
}

// collect runs on the night's single writer goroutine: it appends rows to
// the sink and folds the frame outcome into the summary.
func (p *Pipeline) collect(ctx context.Context, r frameResult, sum *Summary, stars map[string]struct{}) error {
	sum.FramesSeen++
	label := calib.StatusOf(r.state).String()

	switch {
	case r.err != nil && r.err.Kind == SkipFrame:
		sum.Skipped++
		label = "skipped"
		p.logger.Warn("frame skipped", "image", r.image, "stage", r.err.Stage, "reason", r.err.Err)
	case r.err != nil:
		sum.ImagesFailed++
		label = "failed"
		p.notifier.ImageFailed(ctx, r.err)
	case r.state.Rejected():
		sum.Rejected++
	case r.state == calib.AlreadyCalibrated:
		sum.Redundant++
	default:
		sum.Calibrated++
	}
	p.metrics.Frames.WithLabelValues(label).Inc()

	sum.SourcesMeasured += r.measured
	sum.SourcesDiscarded += r.discarded
	p.metrics.Sources.WithLabelValues("discarded").Add(float64(r.discarded))
	if !r.extracted {
		return nil
	}

	sum.ImagesExtracted++
	sum.Matched += r.matched
	sum.Misfires += r.misfires
	p.metrics.Sources.WithLabelValues("matched").Add(float64(r.matched))
	p.metrics.Sources.WithLabelValues("misfire").Add(float64(r.misfires))

	if err := p.sink.Append(context.WithoutCancel(ctx), r.records); err != nil {
		return &FrameError{Kind: BatchFatal, Image: r.image, Stage: "store", Err: err}
	}
	sum.RowsWritten += len(r.records)
	for _, rec := range r.records {
		if rec.ID != "nan" {
			stars[rec.ID] = struct{}{}
		}
	}
	return nil
}

// listFrames returns the non-hidden .fit and .fits files of dir in name order.
func listFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".fit", ".fits":
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	return paths, nil
}
