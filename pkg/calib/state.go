// Package calib decides whether a raw light frame can be calibrated and
// applies bias, dark and flat correction with the published masters.
package calib

import (
	"fmt"
	"math"
	"strings"

	"skyreduce/pkg/fitsframe"
)

// State is the calibration decision for one raw frame.
type State int

const (
	NeedsFull State = iota
	NeedsDarkOnly
	AlreadyCalibrated
	RejectedTemperature
	RejectedGeometry
)

var stateNames = [...]string{"needs_full", "needs_dark_only", "already_calibrated", "rejected_temperature", "rejected_geometry"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Rejected reports whether the frame produces no output.
func (s State) Rejected() bool { return s == RejectedTemperature || s == RejectedGeometry }

// Status tags a frame after the calibration stage has run.
type Status int

const (
	Uncalibrated Status = iota
	Calibrated
	OnlyDarkApplied
	Redundant
	RejectedTemp
	RejectedSize
)

var statusNames = [...]string{"uncalibrated", "calibrated", "only_dark_applied", "redundant", "rejected_temp", "rejected_size"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// StatusOf maps a decision to the status carried by the resulting frame.
func StatusOf(s State) Status {
	switch s {
	case NeedsFull:
		return Calibrated
	case NeedsDarkOnly:
		return OnlyDarkApplied
	case AlreadyCalibrated:
		return Redundant
	case RejectedTemperature:
		return RejectedTemp
	case RejectedGeometry:
		return RejectedSize
	}
	return Uncalibrated
}

// Size is a full-frame sensor geometry at some binning.
type Size struct {
	Width  int
	Height int
}

func (s Size) Pixels() int { return s.Width * s.Height }

// DarkOnlyPolicy selects whether the bias master is subtracted from frames
// whose camera already applied an automatic dark.
type DarkOnlyPolicy string

const (
	SubtractBias DarkOnlyPolicy = "subtract"
	SkipBias     DarkOnlyPolicy = "skip"
)

// Policy holds the eligibility limits.
type Policy struct {
	Sizes    []Size
	MaxTemp  float64
	DarkOnly DarkOnlyPolicy
}

// DefaultPolicy matches the observatory camera at 1x1, 2x2 and 3x3 binning.
func DefaultPolicy() Policy {
	return Policy{
		Sizes: []Size{
			{Width: 3352, Height: 2532},
			{Width: 1676, Height: 1266},
			{Width: 1117, Height: 844},
		},
		MaxTemp:  -3.0,
		DarkOnly: SubtractBias,
	}
}

// CALSTAT markers written by the camera software and by this package.
const (
	MarkerFull     = "BDF"
	MarkerDarkFlat = "DF"
	MarkerDarkOnly = "D"
)

// Classify is a pure function of frame geometry, CCD temperature and the
// CALSTAT marker. Checks run in order geometry, temperature, marker. A NaN
// temperature (keyword absent) is rejected since the frame cannot be shown
// to have been taken cold. Unknown markers are treated as uncalibrated.
func Classify(size Size, temp float64, calstat string, p Policy) State {
	supported := false
	for _, s := range p.Sizes {
		if s.Pixels() == size.Pixels() {
			supported = true
			break
		}
	}
	if !supported {
		return RejectedGeometry
	}
	if !(temp <= p.MaxTemp) {
		return RejectedTemperature
	}
	switch strings.ToUpper(strings.TrimSpace(calstat)) {
	case MarkerFull, MarkerDarkFlat:
		return AlreadyCalibrated
	case MarkerDarkOnly:
		return NeedsDarkOnly
	}
	return NeedsFull
}

// ClassifyFrame reads the inputs to Classify from a frame.
func ClassifyFrame(f *fitsframe.Frame, p Policy) State {
	temp, ok := f.Header.CCDTemp()
	if !ok {
		temp = math.NaN()
	}
	return Classify(Size{Width: f.Width, Height: f.Height}, temp, f.Header.CalStat(), p)
}
