// Package master builds median-combined bias, dark and flat master frames
// from a night's raw calibration frames and publishes them per binning.
package master

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"skyreduce/pkg/fitsframe"
)

// Key identifies one master: flats are additionally keyed by filter.
type Key struct {
	Type    fitsframe.ImageType
	Binning int
	Filter  string
}

func (k Key) String() string {
	if k.Type == fitsframe.TypeFlat {
		return fmt.Sprintf("%s/bin%d/%s", k.Type, k.Binning, k.Filter)
	}
	return fmt.Sprintf("%s/bin%d", k.Type, k.Binning)
}

// FileName is the published file name inside the binning directory.
func (k Key) FileName() string {
	if k.Type == fitsframe.TypeFlat {
		return fmt.Sprintf("flat_master_%s.fit", k.Filter)
	}
	return fmt.Sprintf("%s_master.fit", k.Type)
}

func BiasKey(binning int) Key { return Key{Type: fitsframe.TypeBias, Binning: binning} }
func DarkKey(binning int) Key { return Key{Type: fitsframe.TypeDark, Binning: binning} }
func FlatKey(binning int, filter string) Key {
	return Key{Type: fitsframe.TypeFlat, Binning: binning, Filter: filter}
}

// Entry is one raw calibration frame found while indexing.
type Entry struct {
	Path     string
	Exposure float64
}

// Index groups raw calibration frames by Key.
type Index struct {
	Groups  map[Key][]Entry
	Skipped []string
}

// Keys returns the indexed keys ordered by type, binning and filter.
func (idx *Index) Keys() []Key {
	keys := make([]Key, 0, len(idx.Groups))
	for k := range idx.Groups {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Binning != b.Binning {
			return a.Binning < b.Binning
		}
		return a.Filter < b.Filter
	})
}

// Len is the number of indexed frames.
func (idx *Index) Len() int {
	n := 0
	for _, g := range idx.Groups {
		n += len(g)
	}
	return n
}

// IndexDir classifies every regular, non-hidden file in dir. Files that cannot
// be read as FITS, or that are not bias, dark or flat frames, are skipped.
func IndexDir(dir string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	idx := &Index{Groups: make(map[Key][]Entry)}
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		frame, err := fitsframe.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable calibration file", "file", e.Name(), "error", err)
			idx.Skipped = append(idx.Skipped, path)
			continue
		}

		hdr := frame.Header
		binning, _ := hdr.Binning()
		exp, _ := hdr.ExposureTime()
		var key Key
		switch t := hdr.ImageType(); t {
		case fitsframe.TypeBias, fitsframe.TypeDark:
			key = Key{Type: t, Binning: binning}
		case fitsframe.TypeFlat:
			key = FlatKey(binning, hdr.Filter())
		default:
			continue
		}
		idx.Groups[key] = append(idx.Groups[key], Entry{Path: path, Exposure: exp})
	}
	return idx, nil
}
