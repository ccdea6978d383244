package pipeline

import (
	"errors"
	"fmt"

	"skyreduce/pkg/calib"
	"skyreduce/pkg/wcs"
)

// Kind is the recovery boundary of a failure.
type Kind int

const (
	// SkipFrame excludes one frame; the night continues.
	SkipFrame Kind = iota + 1
	// DiscardSource drops one source from its image.
	DiscardSource
	// ImageFatal aborts one image and raises a notification.
	ImageFatal
	// BatchFatal aborts the whole run.
	BatchFatal
)

func (k Kind) String() string {
	switch k {
	case SkipFrame:
		return "skip_frame"
	case DiscardSource:
		return "discard_source"
	case ImageFatal:
		return "image_fatal"
	case BatchFatal:
		return "batch_fatal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// FrameError records where and why a frame stopped.
type FrameError struct {
	Kind  Kind
	Image string
	Stage string
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %s failed (%s): %v", e.Image, e.Stage, e.Kind, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Pipeline stages, used in FrameError and logs.
const (
	StageRead       = "read"
	StageCalibrate  = "calibrate"
	StageDetect     = "detect"
	StageMap        = "map"
	StagePhotometry = "photometry"
	StageMatch      = "match"
	StageZeroPoint  = "zeropoint"
)

func classify(err error) Kind {
	switch {
	case errors.Is(err, calib.ErrMissingMaster),
		errors.Is(err, calib.ErrNoExposure),
		errors.Is(err, wcs.ErrNoWCS),
		errors.Is(err, wcs.ErrIncomplete),
		errors.Is(err, wcs.ErrSingularWCS):
		return SkipFrame
	}
	// count mismatches and unexpected I/O failures abort the image
	return ImageFatal
}

func frameError(image, stage string, err error) *FrameError {
	return &FrameError{Kind: classify(err), Image: image, Stage: stage, Err: err}
}
