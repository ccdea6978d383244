// Package config loads skyreduce settings from file, environment and flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"skyreduce/pkg/calib"
	"skyreduce/pkg/catalog"
	"skyreduce/pkg/detect"
	"skyreduce/pkg/match"
	"skyreduce/pkg/photometry"
)

// EnvPrefix is prepended to environment overrides, e.g. SKYREDUCE_PIPELINE_WORKERS.
const EnvPrefix = "SKYREDUCE"

// Config is the full pipeline configuration.
type Config struct {
	Paths       PathsConfig       `mapstructure:"paths" yaml:"paths"`
	Calibration CalibrationConfig `mapstructure:"calibration" yaml:"calibration"`
	Detection   DetectionConfig   `mapstructure:"detection" yaml:"detection"`
	Photometry  PhotometryConfig  `mapstructure:"photometry" yaml:"photometry"`
	Catalog     CatalogConfig     `mapstructure:"catalog" yaml:"catalog"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline" yaml:"pipeline"`
	Output      OutputConfig      `mapstructure:"output" yaml:"output"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

// PathsConfig locates the nightly directories. CalRoot, SkyRoot and
// CalibratedRoot contain one YYYYMMDD subdirectory per night.
type PathsConfig struct {
	CalRoot        string `mapstructure:"cal_root" yaml:"cal_root"`
	SkyRoot        string `mapstructure:"sky_root" yaml:"sky_root"`
	MastersRoot    string `mapstructure:"masters_root" yaml:"masters_root"`
	CalibratedRoot string `mapstructure:"calibrated_root" yaml:"calibrated_root"`
	ResultsCSV     string `mapstructure:"results_csv" yaml:"results_csv"`
}

func (c *PathsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.CalRoot, validation.Required),
		validation.Field(&c.SkyRoot, validation.Required),
		validation.Field(&c.MastersRoot, validation.Required),
		validation.Field(&c.CalibratedRoot, validation.Required),
		validation.Field(&c.ResultsCSV, validation.Required),
	)
}

type CalibrationConfig struct {
	// Sizes lists the accepted frame geometries as WIDTHxHEIGHT.
	Sizes        []string `mapstructure:"sizes" yaml:"sizes"`
	MaxTemp      float64  `mapstructure:"max_temp" yaml:"max_temp"`
	DarkOnlyBias string   `mapstructure:"dark_only_bias" yaml:"dark_only_bias"`
}

func (c *CalibrationConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Sizes, validation.Required, validation.Each(validation.By(checkSize))),
		validation.Field(&c.DarkOnlyBias, validation.Required,
			validation.In(string(calib.SubtractBias), string(calib.SkipBias))),
	)
}

// Policy converts the section into a calibration policy.
func (c *CalibrationConfig) Policy() (calib.Policy, error) {
	p := calib.Policy{MaxTemp: c.MaxTemp, DarkOnly: calib.DarkOnlyPolicy(c.DarkOnlyBias)}
	for _, s := range c.Sizes {
		size, err := parseSize(s)
		if err != nil {
			return calib.Policy{}, err
		}
		p.Sizes = append(p.Sizes, size)
	}
	return p, nil
}

func parseSize(s string) (calib.Size, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return calib.Size{}, fmt.Errorf("size %q: want WIDTHxHEIGHT", s)
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return calib.Size{}, fmt.Errorf("size %q: want positive WIDTHxHEIGHT", s)
	}
	return calib.Size{Width: width, Height: height}, nil
}

func checkSize(value any) error {
	s, _ := value.(string)
	_, err := parseSize(s)
	return err
}

type DetectionConfig struct {
	BoxSize        int     `mapstructure:"box_size" yaml:"box_size"`
	ClipSigma      float64 `mapstructure:"clip_sigma" yaml:"clip_sigma"`
	ClipIterations int     `mapstructure:"clip_iterations" yaml:"clip_iterations"`
	Threshold      float64 `mapstructure:"threshold" yaml:"threshold"`
	MinArea        int     `mapstructure:"min_area" yaml:"min_area"`
	FilterFWHM     float64 `mapstructure:"filter_fwhm" yaml:"filter_fwhm"`
}

func (c *DetectionConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BoxSize, validation.Required, validation.Min(8)),
		validation.Field(&c.ClipSigma, validation.Required, validation.Min(0.0).Exclusive()),
		validation.Field(&c.ClipIterations, validation.Required, validation.Min(1)),
		validation.Field(&c.Threshold, validation.Required, validation.Min(0.0).Exclusive()),
		validation.Field(&c.MinArea, validation.Required, validation.Min(1)),
		validation.Field(&c.FilterFWHM, validation.Min(0.0)),
	)
}

func (c *DetectionConfig) Params() detect.Params {
	return detect.Params{
		BoxSize:        c.BoxSize,
		ClipSigma:      c.ClipSigma,
		ClipIterations: c.ClipIterations,
		Threshold:      c.Threshold,
		MinArea:        c.MinArea,
		FilterFWHM:     c.FilterFWHM,
	}
}

type PhotometryConfig struct {
	BaseAperture   float64 `mapstructure:"base_aperture" yaml:"base_aperture"`
	AnnulusInner   float64 `mapstructure:"annulus_inner" yaml:"annulus_inner"`
	AnnulusOuter   float64 `mapstructure:"annulus_outer" yaml:"annulus_outer"`
	Cutoff         bool    `mapstructure:"cutoff" yaml:"cutoff"`
	ZeroPointError string  `mapstructure:"zero_point_error" yaml:"zero_point_error"`
}

func (c *PhotometryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseAperture, validation.Required, validation.Min(0.0).Exclusive()),
		validation.Field(&c.AnnulusInner, validation.Required, validation.Min(1.0)),
		validation.Field(&c.AnnulusOuter, validation.Required, validation.Min(c.AnnulusInner).Exclusive()),
		validation.Field(&c.ZeroPointError, validation.Required,
			validation.In(string(match.ErrorSEM), string(match.ErrorStd))),
	)
}

func (c *PhotometryConfig) Params() photometry.Params {
	p := photometry.DefaultParams()
	p.BaseAperture = c.BaseAperture
	p.AnnulusInner = c.AnnulusInner
	p.AnnulusOuter = c.AnnulusOuter
	p.Cutoff = c.Cutoff
	return p
}

func (c *PhotometryConfig) ErrorMode() match.ErrorMode { return match.ErrorMode(c.ZeroPointError) }

type CatalogConfig struct {
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	Source        string        `mapstructure:"source" yaml:"source"`
	Radius        float64       `mapstructure:"radius" yaml:"radius"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries       int           `mapstructure:"retries" yaml:"retries"`
	Backoff       time.Duration `mapstructure:"backoff" yaml:"backoff"`
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

func (c *CatalogConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required),
		validation.Field(&c.Source, validation.Required),
		validation.Field(&c.Radius, validation.Required, validation.Min(0.0).Exclusive()),
		validation.Field(&c.Timeout, validation.Required, validation.Min(time.Duration(0)).Exclusive()),
		validation.Field(&c.Retries, validation.Min(0)),
		validation.Field(&c.RatePerSecond, validation.Required, validation.Min(0.0).Exclusive()),
	)
}

func (c *CatalogConfig) VizieR() catalog.Config {
	return catalog.Config{
		BaseURL:       c.BaseURL,
		Source:        c.Source,
		Timeout:       c.Timeout,
		Retries:       c.Retries,
		Backoff:       c.Backoff,
		RatePerSecond: c.RatePerSecond,
		CacheTTL:      c.CacheTTL,
	}
}

type PipelineConfig struct {
	Workers          int  `mapstructure:"workers" yaml:"workers"`
	DaysOld          int  `mapstructure:"days_old" yaml:"days_old"`
	OverwriteMasters bool `mapstructure:"overwrite_masters" yaml:"overwrite_masters"`
}

func (c *PipelineConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Required, validation.Min(1)),
		validation.Field(&c.DaysOld, validation.Required, validation.Min(1)),
	)
}

// OutputConfig holds the optional outputs; empty paths disable them.
type OutputConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	OverlayDir string `mapstructure:"overlay_dir" yaml:"overlay_dir"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

func (c *LogConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Format, validation.In("text", "json")),
	)
}

// Validate checks every section.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    validation.Validatable
	}{
		{"paths", &c.Paths},
		{"calibration", &c.Calibration},
		{"detection", &c.Detection},
		{"photometry", &c.Photometry},
		{"catalog", &c.Catalog},
		{"pipeline", &c.Pipeline},
		{"log", &c.Log},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// SetDefaults registers the defaults of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("paths.cal_root", "ArchCal")
	v.SetDefault("paths.sky_root", "ArchSky")
	v.SetDefault("paths.masters_root", "MasterCal")
	v.SetDefault("paths.calibrated_root", "ReducedImages")
	v.SetDefault("paths.results_csv", "sources.csv")

	policy := calib.DefaultPolicy()
	sizes := make([]string, len(policy.Sizes))
	for i, s := range policy.Sizes {
		sizes[i] = fmt.Sprintf("%dx%d", s.Width, s.Height)
	}
	v.SetDefault("calibration.sizes", sizes)
	v.SetDefault("calibration.max_temp", policy.MaxTemp)
	v.SetDefault("calibration.dark_only_bias", string(policy.DarkOnly))

	dp := detect.DefaultParams()
	v.SetDefault("detection.box_size", dp.BoxSize)
	v.SetDefault("detection.clip_sigma", dp.ClipSigma)
	v.SetDefault("detection.clip_iterations", dp.ClipIterations)
	v.SetDefault("detection.threshold", dp.Threshold)
	v.SetDefault("detection.min_area", dp.MinArea)
	v.SetDefault("detection.filter_fwhm", dp.FilterFWHM)

	pp := photometry.DefaultParams()
	v.SetDefault("photometry.base_aperture", pp.BaseAperture)
	v.SetDefault("photometry.annulus_inner", pp.AnnulusInner)
	v.SetDefault("photometry.annulus_outer", pp.AnnulusOuter)
	v.SetDefault("photometry.cutoff", pp.Cutoff)
	v.SetDefault("photometry.zero_point_error", string(match.ErrorSEM))

	cc := catalog.DefaultConfig()
	v.SetDefault("catalog.base_url", cc.BaseURL)
	v.SetDefault("catalog.source", cc.Source)
	v.SetDefault("catalog.radius", 3.0)
	v.SetDefault("catalog.timeout", cc.Timeout)
	v.SetDefault("catalog.retries", cc.Retries)
	v.SetDefault("catalog.backoff", cc.Backoff)
	v.SetDefault("catalog.rate_per_second", cc.RatePerSecond)
	v.SetDefault("catalog.cache_ttl", cc.CacheTTL)

	v.SetDefault("pipeline.workers", 1)
	v.SetDefault("pipeline.days_old", 1)
	v.SetDefault("pipeline.overwrite_masters", false)

	v.SetDefault("output.sqlite_path", "")
	v.SetDefault("output.overlay_dir", "")
	v.SetDefault("metrics.textfile", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "errorlog.txt")
}

// Load reads configuration into v and returns the validated result. When
// file is empty, skyreduce.yaml is searched in the working directory and in
// $HOME/.config/skyreduce; a missing file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("skyreduce")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "skyreduce"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("error validating config: %w", err)
	}
	return &c, nil
}

// Dump writes c as YAML.
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}
