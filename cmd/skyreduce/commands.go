package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"skyreduce/internal/pipeline"
	"skyreduce/pkg/calib"
	"skyreduce/pkg/catalog"
	"skyreduce/pkg/fitsframe"
	"skyreduce/pkg/master"
	"skyreduce/pkg/store"
)

func runCommand(a *app) *cobra.Command {
	var dates []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build masters, calibrate and measure recent nights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			for _, d := range dates {
				if _, perr := time.Parse(pipeline.NightLayout, d); perr != nil {
					return fmt.Errorf("invalid --date %q: want YYYYMMDD", d)
				}
			}
			cfg, logger, closer, err := a.setup()
			if err != nil {
				return err
			}
			defer closer.Close()

			csvSink, err := store.OpenCSV(cfg.Paths.ResultsCSV)
			if err != nil {
				return err
			}
			sinks := store.MultiSink{csvSink}
			if cfg.Output.SQLitePath != "" {
				db, err := store.OpenSQLite(cfg.Output.SQLitePath)
				if err != nil {
					csvSink.Close()
					return err
				}
				sinks = append(sinks, db)
			}
			defer func() {
				if cerr := sinks.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			cat := catalog.NewVizieR(cfg.Catalog.VizieR(), logger)
			p, err := pipeline.New(cfg, cat, sinks,
				pipeline.WithLogger(logger),
				pipeline.WithNotifier(pipeline.LogNotifier{Logger: logger}),
			)
			if err != nil {
				return err
			}

			sum, err := p.Run(cmd.Context(), dates)
			if sum != nil {
				fmt.Fprintf(a.stdout, "run %s: %d frames, %d calibrated, %d images measured, %d rows\n",
					sum.RunID, sum.FramesSeen, sum.Calibrated, sum.ImagesExtracted, sum.RowsWritten)
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&dates, "date", nil, "night to process as YYYYMMDD (repeatable; default: the last --days-old nights)")
	flags.Int("days-old", 1, "number of recent nights to process")
	flags.Int("workers", 1, "frames processed concurrently")
	flags.Bool("overwrite-masters", false, "replace masters that already exist")
	if err := bindFlags(a.v, flags, map[string]string{
		"pipeline.days_old":          "days-old",
		"pipeline.workers":           "workers",
		"pipeline.overwrite_masters": "overwrite-masters",
	}); err != nil {
		panic(err)
	}
	return cmd
}

func mastersCommand(a *app) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "masters <YYYYMMDD|dir>",
		Short: "Build master bias, dark and flat frames for one night",
		Long:  "Build masters from a night under paths.cal_root or from any directory of raw calibration frames.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closer, err := a.setup()
			if err != nil {
				return err
			}
			defer closer.Close()

			dir := args[0]
			if _, err := time.Parse(pipeline.NightLayout, dir); err == nil {
				dir = filepath.Join(cfg.Paths.CalRoot, dir)
			}
			builder := master.NewBuilder(master.NewStore(cfg.Paths.MastersRoot), logger)
			res, err := builder.BuildNight(cmd.Context(), dir, overwrite)
			if err != nil {
				return err
			}
			for _, key := range res.Keys() {
				if m, ok := res.Masters[key]; ok {
					fmt.Fprintf(a.stdout, "%-20s %2d frames\n", key, m.Count)
				} else {
					fmt.Fprintf(a.stdout, "%-20s failed: %v\n", key, res.Failures[key])
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace masters that already exist")
	return cmd
}

func calibrateCommand(a *app) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "calibrate <file>...",
		Short: "Calibrate raw light frames against published masters",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closer, err := a.setup()
			if err != nil {
				return err
			}
			defer closer.Close()

			policy, err := cfg.Calibration.Policy()
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = cfg.Paths.CalibratedRoot
			}
			cal := calib.NewCalibrator(policy, master.NewStore(cfg.Paths.MastersRoot), outDir, logger)

			var errs []error
			for _, path := range args {
				raw, err := fitsframe.ReadFile(path)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				out, err := cal.Calibrate(cmd.Context(), raw)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", raw.Name, err))
					continue
				}
				fmt.Fprintf(a.stdout, "%s: %s (%s) %s\n", raw.Name, out.Status, out.State, out.Path)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (default paths.calibrated_root)")
	return cmd
}
