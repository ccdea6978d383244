package calib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"skyreduce/pkg/fitsframe"
	"skyreduce/pkg/master"
)

var (
	ErrMissingMaster = errors.New("required master frame missing")
	ErrNoExposure    = errors.New("exposure time missing")
)

// Masters locates published master frames.
type Masters interface {
	Load(key master.Key) (*fitsframe.Frame, error)
}

// Outcome is the result of calibrating one raw frame. Frame and Path are
// empty for rejected frames.
type Outcome struct {
	State  State
	Status Status
	Frame  *fitsframe.Frame
	Path   string
}

// Calibrator applies master frames to raw light frames and writes the
// result next to other calibrated frames in OutDir.
type Calibrator struct {
	policy  Policy
	masters Masters
	outDir  string
	logger  *slog.Logger
	now     func() time.Time
}

func NewCalibrator(policy Policy, masters Masters, outDir string, logger *slog.Logger) *Calibrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Calibrator{
		policy:  policy,
		masters: masters,
		outDir:  outDir,
		logger:  logger.With("module", "calib"),
		now:     time.Now,
	}
}

// OutputName inserts the _calibrated suffix before the extension.
func OutputName(name string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "_calibrated" + ext
}

// Calibrate classifies raw and, unless it is rejected, corrects and writes
// it. Rejections are logged once and return a nil error; missing masters
// return ErrMissingMaster.
func (c *Calibrator) Calibrate(ctx context.Context, raw *fitsframe.Frame) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := c.logger.With("image", raw.Name)
	state := ClassifyFrame(raw, c.policy)
	out := &Outcome{State: state, Status: StatusOf(state)}

	switch state {
	case RejectedGeometry:
		log.Warn("rejected calibration, captured with subframe or non-standard binning",
			"width", raw.Width, "height", raw.Height)
		return out, nil
	case RejectedTemperature:
		temp, _ := raw.Header.CCDTemp()
		log.Warn("rejected calibration, CCD too warm", "ccd_temp", temp, "max_temp", c.policy.MaxTemp)
		return out, nil
	case AlreadyCalibrated:
		log.Warn("redundant calibration attempted", "calstat", raw.Header.CalStat())
		out.Frame = raw.Clone()
	default:
		frame, err := c.correct(raw, state)
		if err != nil {
			log.Error("calibration skipped", "error", err)
			return out, err
		}
		out.Frame = frame
	}

	out.Frame.Name = OutputName(raw.Name)
	out.Path = filepath.Join(c.outDir, out.Frame.Name)
	if err := fitsframe.WriteFile(out.Path, out.Frame, true); err != nil {
		return out, fmt.Errorf("writing calibrated frame: %w", err)
	}
	log.Info("calibrated frame written", "state", state.String(), "path", out.Path)
	return out, nil
}

func (c *Calibrator) load(key master.Key) (*fitsframe.Frame, error) {
	f, err := c.masters.Load(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMissingMaster, key, err)
	}
	return f, nil
}

func (c *Calibrator) correct(raw *fitsframe.Frame, state State) (*fitsframe.Frame, error) {
	binning, _ := raw.Header.Binning()
	bias, err := c.load(master.BiasKey(binning))
	if err != nil {
		return nil, err
	}
	flat, err := c.load(master.FlatKey(binning, raw.Header.Filter()))
	if err != nil {
		return nil, err
	}

	var dark *fitsframe.Frame
	var ratio float64
	if state == NeedsFull {
		if dark, err = c.load(master.DarkKey(binning)); err != nil {
			return nil, err
		}
		lightExp, ok := raw.Header.ExposureTime()
		if !ok {
			return nil, fmt.Errorf("%w: light frame", ErrNoExposure)
		}
		darkExp, ok := dark.Header.ExposureTime()
		if !ok || darkExp <= 0 {
			return nil, fmt.Errorf("%w: dark master", ErrNoExposure)
		}
		ratio = lightExp / darkExp
	}

	out, err := Apply(raw, bias, dark, flat, ratio, state, c.policy.DarkOnly)
	if err != nil {
		return nil, err
	}

	stamp := c.now().UTC().Format("2006-01-02 15:04 GMT")
	out.Header.Set("CALSTAT", MarkerFull, "Status of Calibration")
	for _, m := range []*fitsframe.Frame{dark, flat, bias} {
		if m == nil || (m == bias && state == NeedsDarkOnly && c.policy.DarkOnly == SkipBias) {
			continue
		}
		out.Header.AddHistory(fmt.Sprintf("skyreduce correction with %s %s", m.Name, stamp))
	}
	return out, nil
}

// Apply performs the pixel arithmetic for a state. For NeedsFull it computes
// (light - bias - dark*darkScale) / flat; for NeedsDarkOnly (light - bias) /
// flat, or light / flat when the policy skips the bias. Other states return
// an unchanged copy.
func Apply(light, bias, dark, flat *fitsframe.Frame, darkScale float64, state State, policy DarkOnlyPolicy) (*fitsframe.Frame, error) {
	var (
		out = light
		err error
	)
	switch state {
	case NeedsFull:
		if out, err = out.Sub(bias); err != nil {
			return nil, err
		}
		if out, err = out.SubScaled(dark, darkScale); err != nil {
			return nil, err
		}
	case NeedsDarkOnly:
		if policy != SkipBias {
			if out, err = out.Sub(bias); err != nil {
				return nil, err
			}
		}
	default:
		return light.Clone(), nil
	}
	return out.Div(flat)
}
