package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"skyreduce/pkg/fitsframe"
	"skyreduce/pkg/imaging"
)

var (
	ErrMissingBias         = errors.New("no bias master for binning")
	ErrMissingDark         = errors.New("no dark master for binning")
	ErrDegenerateFlat      = errors.New("flat median has no positive peak")
	ErrNoDarkExposure      = errors.New("dark master has no exposure time")
	ErrNoDirectory         = errors.New("calibration directory does not exist")
	ErrNoCalibrationFrames = errors.New("no calibration frames found")
	ErrMasterNotFound      = errors.New("master frame not found")
)

// Master is a combined calibration frame with its provenance.
type Master struct {
	Key   Key
	Frame *fitsframe.Frame
	Count int
}

// Result collects the masters built for one night and the per-group failures.
// A failed group never prevents the others from being built.
type Result struct {
	Masters  map[Key]*Master
	Failures map[Key]error
}

// Keys lists every built or failed group in index order.
func (r *Result) Keys() []Key {
	keys := make([]Key, 0, len(r.Masters)+len(r.Failures))
	for k := range r.Masters {
		keys = append(keys, k)
	}
	for k := range r.Failures {
		if _, ok := r.Masters[k]; !ok {
			keys = append(keys, k)
		}
	}
	sortKeys(keys)
	return keys
}

func newResult() *Result {
	return &Result{Masters: make(map[Key]*Master), Failures: make(map[Key]error)}
}

// Builder combines raw calibration frames and publishes them to a Store.
type Builder struct {
	store  *Store
	logger *slog.Logger
	now    func() time.Time
}

func NewBuilder(store *Store, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Builder{store: store, logger: logger.With("module", "master"), now: time.Now}
}

// BuildNight indexes dir, builds every master it can and publishes them.
func (b *Builder) BuildNight(ctx context.Context, dir string, overwrite bool) (*Result, error) {
	if _, err := os.Stat(dir); err != nil {
		b.logger.Warn("calibration directory missing, skipping date", "dir", dir)
		return nil, fmt.Errorf("%s: %w", dir, ErrNoDirectory)
	}
	idx, err := IndexDir(dir, b.logger)
	if err != nil {
		return nil, fmt.Errorf("indexing %s: %w", dir, err)
	}
	if idx.Len() == 0 {
		b.logger.Warn("no calibration frames found, skipping date", "dir", dir)
		return nil, fmt.Errorf("%s: %w", dir, ErrNoCalibrationFrames)
	}

	res, err := b.Build(ctx, idx)
	if err != nil {
		return res, err
	}
	b.Publish(res, overwrite)
	return res, nil
}

// Build combines the indexed frames. Biases are built first, then darks from
// the biases, then flats from both, so dependencies always come from the same
// night.
func (b *Builder) Build(ctx context.Context, idx *Index) (*Result, error) {
	res := newResult()
	keys := idx.Keys()

	for _, stage := range []fitsframe.ImageType{fitsframe.TypeBias, fitsframe.TypeDark, fitsframe.TypeFlat} {
		for _, key := range keys {
			if key.Type != stage {
				continue
			}
			if err := ctx.Err(); err != nil {
				return res, err
			}
			m, err := b.buildGroup(key, idx.Groups[key], res)
			if err != nil {
				b.logger.Warn("master build failed", "master", key.String(), "frames", len(idx.Groups[key]), "error", err)
				res.Failures[key] = err
				continue
			}
			b.logger.Info("master built", "master", key.String(), "frames", m.Count)
			res.Masters[key] = m
		}
	}
	return res, nil
}

func (b *Builder) buildGroup(key Key, entries []Entry, res *Result) (*Master, error) {
	var bias, dark *Master
	if key.Type != fitsframe.TypeBias {
		if bias = res.Masters[BiasKey(key.Binning)]; bias == nil {
			return nil, ErrMissingBias
		}
	}
	if key.Type == fitsframe.TypeFlat {
		if dark = res.Masters[DarkKey(key.Binning)]; dark == nil {
			return nil, ErrMissingDark
		}
	}

	var darkExp float64
	if dark != nil {
		darkExp, _ = dark.Frame.Header.ExposureTime()
		if darkExp <= 0 {
			return nil, ErrNoDarkExposure
		}
	}

	planes := make([][]float64, 0, len(entries))
	var first *fitsframe.Frame
	for _, e := range entries {
		f, err := fitsframe.ReadFile(e.Path)
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = f
		} else if !f.SameShape(first) {
			return nil, fmt.Errorf("%s: %w", f.Name, fitsframe.ErrShapeMismatch)
		}

		switch key.Type {
		case fitsframe.TypeDark:
			if f, err = f.Sub(bias.Frame); err != nil {
				return nil, err
			}
		case fitsframe.TypeFlat:
			if f, err = f.Sub(bias.Frame); err != nil {
				return nil, err
			}
			if f, err = f.SubScaled(dark.Frame, e.Exposure/darkExp); err != nil {
				return nil, err
			}
		}
		planes = append(planes, f.Pixels)
	}

	combined, err := imaging.MedianStack(planes)
	if err != nil {
		return nil, err
	}

	if key.Type == fitsframe.TypeFlat {
		peak := imaging.FiniteMax(combined)
		if math.IsNaN(peak) || peak <= 0 {
			return nil, ErrDegenerateFlat
		}
		for i := range combined {
			combined[i] /= peak
		}
	}

	out := &fitsframe.Frame{
		Name:   key.FileName(),
		Width:  first.Width,
		Height: first.Height,
		Pixels: combined,
		Header: b.masterHeader(key, first.Header, len(entries)),
	}
	if key.Type == fitsframe.TypeDark {
		b.warnMixedExposure(key, entries)
	}
	return &Master{Key: key, Frame: out, Count: len(entries)}, nil
}

func (b *Builder) masterHeader(key Key, src *fitsframe.Header, n int) *fitsframe.Header {
	h := src.Clone()
	h.Delete("CALSTAT")
	h.Set("IMAGETYP", map[fitsframe.ImageType]string{
		fitsframe.TypeBias: "Bias Frame",
		fitsframe.TypeDark: "Dark Frame",
		fitsframe.TypeFlat: "Flat Field",
	}[key.Type], "Type of image")
	h.Set("XBINNING", key.Binning, "Binning factor in width")
	h.Set("YBINNING", key.Binning, "Binning factor in height")
	if key.Type == fitsframe.TypeFlat {
		h.Set("FILTER", key.Filter, "Filter used")
	}
	h.Set("NCOMBINE", n, "Number of frames combined")
	h.Set("COMBMETH", "median", "Combination method")
	h.AddHistory(fmt.Sprintf("master %s combined from %d frames %s", key.Type, n, b.now().UTC().Format("2006-01-02 15:04 GMT")))
	return h
}

func (b *Builder) warnMixedExposure(key Key, entries []Entry) {
	for _, e := range entries[1:] {
		if e.Exposure != entries[0].Exposure {
			b.logger.Warn("dark frames have mixed exposure times, using the first",
				"master", key.String(), "exptime", entries[0].Exposure, "other", e.Exposure)
			return
		}
	}
}

// Publish writes every built master to the store. Existing masters are kept
// unless overwrite is set. It returns the paths written.
func (b *Builder) Publish(res *Result, overwrite bool) []string {
	var written []string
	for _, key := range sortedKeys(res.Masters) {
		m := res.Masters[key]
		path := b.store.Path(key)
		err := fitsframe.WriteFile(path, m.Frame, overwrite)
		switch {
		case errors.Is(err, fitsframe.ErrExists):
			b.logger.Info("master already exists, keeping it", "path", path)
		case err != nil:
			b.logger.Error("writing master failed", "path", path, "error", err)
		default:
			b.logger.Info("master published", "path", path)
			written = append(written, path)
		}
	}
	b.store.Invalidate()
	return written
}

func sortedKeys(m map[Key]*Master) []Key {
	keys := make([]Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// Store locates published masters under a root directory laid out as
// <root>/binning<N>/<name>.fit and caches them once loaded.
type Store struct {
	root  string
	cache *frameCache
}

func NewStore(root string) *Store {
	return &Store{root: root, cache: newFrameCache()}
}

func (s *Store) Root() string { return s.root }

func (s *Store) Path(key Key) string {
	return filepath.Join(s.root, fmt.Sprintf("binning%d", key.Binning), key.FileName())
}

// Load returns the published master for key. The returned frame is shared
// and must not be modified.
func (s *Store) Load(key Key) (*fitsframe.Frame, error) {
	path := s.Path(key)
	return s.cache.get(path, func() (*fitsframe.Frame, error) {
		f, err := fitsframe.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrMasterNotFound)
		}
		return f, err
	})
}

// Invalidate drops cached masters so the next Load rereads them.
func (s *Store) Invalidate() { s.cache.reset() }
