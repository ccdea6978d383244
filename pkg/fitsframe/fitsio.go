package fitsframe

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/astrogo/fitsio"
)

// ReadFile reads the primary image HDU of a FITS file. Name is set to the
// file's base name.
func ReadFile(path string) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer f.Close()

	frame, err := Read(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	frame.Name = filepath.Base(path)
	return frame, nil
}

// Read decodes the primary image HDU from r, applying BZERO and BSCALE.
func Read(r io.Reader) (*Frame, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("decoding FITS: %w", err)
	}
	defer f.Close()

	hdu := f.HDU(0)
	img, ok := hdu.(fitsio.Image)
	if !ok {
		return nil, ErrNotImage
	}
	hdr := hdu.Header()
	axes := hdr.Axes()
	if len(axes) < 2 || axes[0] == 0 || axes[1] == 0 {
		return nil, fmt.Errorf("invalid FITS: NAXIS=%d, axes=%v", len(axes), axes)
	}
	width, height := axes[0], axes[1]

	header := NewHeader()
	bzero, bscale := 0.0, 1.0
	for i := range hdr.Keys() {
		card := hdr.Card(i)
		if card == nil {
			continue
		}
		name := strings.ToUpper(card.Name)
		switch name {
		case "BZERO":
			bzero = toFloat(card.Value, 0)
			continue
		case "BSCALE":
			bscale = toFloat(card.Value, 1)
			continue
		}
		if structural(name) {
			continue
		}
		header.cards = append(header.cards, Card{Name: name, Value: card.Value, Comment: card.Comment})
	}

	pixels, err := decodePixels(img.Raw(), hdr.Bitpix(), width*height, bzero, bscale)
	if err != nil {
		return nil, err
	}
	return &Frame{Width: width, Height: height, Pixels: pixels, Header: header}, nil
}

func decodePixels(raw []byte, bitpix, numPixels int, bzero, bscale float64) ([]float64, error) {
	size := bitpix / 8
	if size < 0 {
		size = -size
	}
	if size == 0 || len(raw) < numPixels*size {
		return nil, fmt.Errorf("short pixel data: BITPIX=%d, have %d bytes for %d pixels", bitpix, len(raw), numPixels)
	}

	pixels := make([]float64, numPixels)
	for i := range pixels {
		var v float64
		switch bitpix {
		case 8:
			v = float64(raw[i])
		case 16:
			v = float64(int16(binary.BigEndian.Uint16(raw[i*2:])))
		case 32:
			v = float64(int32(binary.BigEndian.Uint32(raw[i*4:])))
		case 64:
			v = float64(int64(binary.BigEndian.Uint64(raw[i*8:])))
		case -32:
			v = float64(math.Float32frombits(binary.BigEndian.Uint32(raw[i*4:])))
		case -64:
			v = math.Float64frombits(binary.BigEndian.Uint64(raw[i*8:]))
		default:
			return nil, fmt.Errorf("unsupported BITPIX: %d", bitpix)
		}
		pixels[i] = v*bscale + bzero
	}
	return pixels, nil
}

func structural(name string) bool {
	switch name {
	case "SIMPLE", "BITPIX", "NAXIS", "EXTEND", "END", "XTENSION", "PCOUNT", "GCOUNT", "BZERO", "BSCALE":
		return true
	}
	return strings.HasPrefix(name, "NAXIS")
}

func toFloat(v any, def float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return def
}

// Write encodes the frame as a single BITPIX=-64 image HDU.
func Write(w io.Writer, frame *Frame) error {
	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("creating FITS stream: %w", err)
	}

	img := fitsio.NewImage(-64, []int{frame.Width, frame.Height})
	defer img.Close()

	if frame.Header != nil {
		cards := make([]fitsio.Card, 0, len(frame.Header.cards))
		for _, c := range frame.Header.cards {
			if structural(c.Name) {
				continue
			}
			cards = append(cards, fitsio.Card{Name: c.Name, Value: encodable(c.Value), Comment: c.Comment})
		}
		if err := img.Header().Append(cards...); err != nil {
			return fmt.Errorf("writing header: %w", err)
		}
	}

	if err := img.Write(&frame.Pixels); err != nil {
		return fmt.Errorf("writing pixels: %w", err)
	}
	if err := f.Write(img); err != nil {
		return fmt.Errorf("writing HDU: %w", err)
	}
	return f.Close()
}

func encodable(v any) any {
	switch t := v.(type) {
	case nil, string, bool, int, int64, float64:
		return t
	case float32:
		return float64(t)
	case int32:
		return int(t)
	}
	return fmt.Sprint(v)
}

// WriteFile writes the frame to path atomically: the data goes to a temporary
// file in the same directory, which is then published under path. With
// overwrite false an existing file is left untouched and ErrExists returned.
func WriteFile(path string, frame *Frame, overwrite bool) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	if !overwrite {
		if _, statErr := os.Stat(path); statErr == nil {
			return fmt.Errorf("%s: %w", path, ErrExists)
		}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err = Write(bw, frame); err != nil {
		tmp.Close()
		return err
	}
	if err = bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing %s: %w", tmpName, err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}

	if overwrite {
		if err = os.Rename(tmpName, path); err != nil {
			return fmt.Errorf("publishing %s: %w", path, err)
		}
		return nil
	}

	// A hard link fails if path appeared since the Stat above.
	if err = os.Link(tmpName, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			err = fmt.Errorf("%s: %w", path, ErrExists)
			return err
		}
		return fmt.Errorf("publishing %s: %w", path, err)
	}
	os.Remove(tmpName)
	return nil
}
