package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"skyreduce/pkg/detect"
	"skyreduce/pkg/fitsframe"
	"skyreduce/pkg/imaging"
	"skyreduce/pkg/overlay"
)

const psfMargin = 4

func detectCommand(a *app) *cobra.Command {
	var overlayPath string
	cmd := &cobra.Command{
		Use:   "detect <file>",
		Short: "Detect sources on a calibrated frame and report focus metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closer, err := a.setup()
			if err != nil {
				return err
			}
			defer closer.Close()

			fmt.Fprintf(a.stdout, "Loading: %s\n", args[0])
			start := time.Now()
			f, err := fitsframe.ReadFile(args[0])
			if err != nil {
				return err
			}
			res, err := detect.Detect(cmd.Context(), f, cfg.Detection.Params())
			if err != nil {
				return fmt.Errorf("detecting sources: %w", err)
			}
			fits, err := fitPSFs(cmd.Context(), f, res.Sources)
			if err != nil {
				return err
			}
			logger.Debug("detection finished", "image", f.Name, "sources", len(res.Sources), "psf", len(fits))

			report(a.stdout, time.Since(start), f, res.Sources, fits)

			if overlayPath != "" {
				marks := make([]overlay.Mark, len(res.Sources))
				for i, s := range res.Sources {
					marks[i] = overlay.Mark{X: s.X, Y: s.Y, A: s.A, B: s.B, Theta: s.Theta, Label: fmt.Sprint(s.ID)}
				}
				summary := overlay.Summary{Title: f.Name, Sources: len(marks), ZeroPoint: math.NaN(), ZeroErr: math.NaN()}
				if err := overlay.Render(overlayPath, f, marks, summary); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Overlay: %s\n", overlayPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&overlayPath, "overlay", "", "write a JPEG overlay of the detections")
	return cmd
}

// fitPSFs fits every source in parallel and keeps the accepted fits in
// source order.
func fitPSFs(ctx context.Context, f *fitsframe.Frame, sources []detect.Source) ([]detect.PSF, error) {
	fitted := make([]*detect.PSF, len(sources))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, s := range sources {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if psf, err := detect.FitPSF(f, s, psfMargin); err == nil {
				fitted[i] = &psf
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fits := make([]detect.PSF, 0, len(sources))
	for _, p := range fitted {
		if p != nil {
			fits = append(fits, *p)
		}
	}
	return fits, nil
}

func report(w io.Writer, elapsed time.Duration, f *fitsframe.Frame, sources []detect.Source, fits []detect.PSF) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "=== Source Detection Results (%.1fs) ===\n", elapsed.Seconds())
	fmt.Fprintf(w, "  Image size:      %d x %d\n", f.Width, f.Height)
	fmt.Fprintf(w, "  Sources:         %d\n", len(sources))
	fmt.Fprintf(w, "  With PSF:        %d\n", len(fits))

	if len(fits) > 0 {
		fwhm := make([]float64, len(fits))
		ecc := make([]float64, len(fits))
		for i, p := range fits {
			fwhm[i] = p.FWHM()
			ecc[i] = p.Eccentricity()
		}
		fwhmMedian, fwhmMAD := imaging.MedianMAD(fwhm)
		eccMedian, eccMAD := imaging.MedianMAD(ecc)
		fmt.Fprintf(w, "  FWHM (median):   %.3f +/- %.3f px\n", fwhmMedian, fwhmMAD)
		fmt.Fprintf(w, "  Eccentricity:    %.3f +/- %.3f\n", eccMedian, eccMAD)
	}
	fmt.Fprintln(w, "==============================")

	field := detect.AnalyzeField(fits, f.Width, f.Height)
	if field == nil {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Field Analysis (3x3) ===")
	for i, z := range detect.Zones {
		zs := field.Zones[z]
		fmt.Fprintf(w, "  %-8s FWHM=%.3f  n=%d\n", z, zs.MedianFWHM, zs.Count)
		if (i+1)%3 == 0 && i < 8 {
			fmt.Fprintln(w, "  ---")
		}
	}
	if field.HasTilt {
		fmt.Fprintf(w, "\n  Tilt:     %.1f%% (best: %s, worst: %s)\n", field.TiltPct, field.BestCorner, field.WorstCorner)
	}
	fmt.Fprintf(w, "  Off-axis: %.1f%%\n", field.OffAxisPct)
	if !field.Reliable {
		fmt.Fprintln(w, "  [LOW SOURCE COUNT - UNRELIABLE]")
	}
	fmt.Fprintln(w, "==============================")
}
