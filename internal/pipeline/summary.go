package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// Summary describes one run.
type Summary struct {
	RunID      string
	Start, End time.Time
	Nights     []string

	FramesSeen int
	Calibrated int
	Redundant  int
	Rejected   int
	Skipped    int

	ImagesExtracted int
	ImagesFailed    int

	SourcesMeasured  int
	SourcesDiscarded int
	Matched          int
	Misfires         int
	UniqueStars      int
	RowsWritten      int

	// Err is set when the run was aborted.
	Err error
}

// MeanMisfires is the average number of unmatched sources per extracted image.
func (s *Summary) MeanMisfires() float64 {
	if s.ImagesExtracted == 0 {
		return 0
	}
	return float64(s.Misfires) / float64(s.ImagesExtracted)
}

func (s *Summary) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("run_id", s.RunID),
		slog.Time("start", s.Start),
		slog.Time("end", s.End),
		slog.Any("nights", s.Nights),
		slog.Int("frames", s.FramesSeen),
		slog.Int("calibrated", s.Calibrated),
		slog.Int("redundant", s.Redundant),
		slog.Int("rejected", s.Rejected),
		slog.Int("skipped", s.Skipped),
		slog.Int("images_extracted", s.ImagesExtracted),
		slog.Int("images_failed", s.ImagesFailed),
		slog.Int("sources_measured", s.SourcesMeasured),
		slog.Int("sources_discarded", s.SourcesDiscarded),
		slog.Int("matched", s.Matched),
		slog.Int("misfires", s.Misfires),
		slog.Float64("mean_misfires", s.MeanMisfires()),
		slog.Int("unique_stars", s.UniqueStars),
		slog.Int("rows", s.RowsWritten),
	}
	if s.Err != nil {
		attrs = append(attrs, slog.String("error", s.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// Notifier is told about aborted images and completed runs.
type Notifier interface {
	ImageFailed(ctx context.Context, err *FrameError)
	RunComplete(ctx context.Context, s *Summary)
}

// LogNotifier reports through the logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) ImageFailed(ctx context.Context, err *FrameError) {
	n.logger().ErrorContext(ctx, "image processing aborted",
		"image", err.Image, "stage", err.Stage, "kind", err.Kind.String(), "error", err.Err)
}

func (n LogNotifier) RunComplete(ctx context.Context, s *Summary) {
	level := slog.LevelInfo
	if s.Err != nil {
		level = slog.LevelError
	}
	n.logger().Log(ctx, level, "run complete", "summary", s)
}

func (n LogNotifier) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return n.Logger.With("module", "notify")
}
