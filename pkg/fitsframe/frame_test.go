package fitsframe

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filled(w, h int, v float64) *Frame {
	f := New(w, h)
	for i := range f.Pixels {
		f.Pixels[i] = v
	}
	return f
}

func TestParseImageType(t *testing.T) {
	cases := map[string]ImageType{
		"Bias Frame":  TypeBias,
		"DARK":        TypeDark,
		"Flat Field":  TypeFlat,
		"Light Frame": TypeLight,
		"light":       TypeLight,
		"":            TypeUnknown,
		"Tricolor":    TypeUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseImageType(in), in)
	}
}

func TestHeaderAccessors(t *testing.T) {
	h := NewHeader()
	h.Set("imagetyp", "Light Frame", "")
	h.Set("XBINNING", 2, "")
	h.Set("EXPOSURE", 30.0, "")
	h.Set("CCD-TEMP", "-10.5", "")
	h.Set("calstat", "d", "")
	h.Set("DATE-OBS", "2019-03-04T05:06:07.250000", "")

	assert.Equal(t, TypeLight, h.ImageType())
	x, y := h.Binning()
	assert.Equal(t, 2, x)
	assert.Equal(t, 2, y, "YBINNING falls back to XBINNING")

	exp, ok := h.ExposureTime()
	require.True(t, ok)
	assert.Equal(t, 30.0, exp)

	temp, ok := h.CCDTemp()
	require.True(t, ok)
	assert.Equal(t, -10.5, temp)
	assert.Equal(t, "D", h.CalStat())
	assert.Equal(t, 1.0, h.Gain())

	obs, ok := h.ObservedAt()
	require.True(t, ok)
	assert.Equal(t, time.Date(2019, 3, 4, 5, 6, 7, 250000000, time.UTC), obs)

	h.Set("CALSTAT", "BDF", "")
	assert.Equal(t, "BDF", h.CalStat())
	assert.Len(t, h.Cards(), 6, "Set replaces existing keys")
}

func TestHeaderHistoryRepeats(t *testing.T) {
	h := NewHeader()
	h.AddHistory("one")
	h.AddHistory("two")
	assert.Equal(t, []string{"one", "two"}, h.History())

	c := h.Clone()
	c.AddHistory("three")
	assert.Len(t, h.History(), 2)
}

func TestArithmetic(t *testing.T) {
	light := filled(3, 2, 150)
	bias := filled(3, 2, 100)

	diff, err := light.Sub(bias)
	require.NoError(t, err)
	assert.Equal(t, 50.0, diff.At(2, 1))
	assert.Equal(t, 150.0, light.At(2, 1), "inputs are not modified")

	scaled, err := light.SubScaled(bias, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 100.0, scaled.At(0, 0))

	q, err := diff.Div(filled(3, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, 25.0, q.At(1, 1))

	_, err = light.Sub(filled(2, 3, 0))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestWriteReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "bias_master.fit")

	f := New(4, 3)
	for i := range f.Pixels {
		f.Pixels[i] = float64(i) - 2.5
	}
	f.Header.Set("IMAGETYP", "Bias Frame", "")
	f.Header.Set("XBINNING", 1, "")
	f.Header.Set("EXPTIME", 0.0, "")

	require.NoError(t, WriteFile(path, f, false))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bias_master.fit", got.Name)
	assert.Equal(t, 4, got.Width)
	assert.Equal(t, 3, got.Height)
	assert.Equal(t, f.Pixels, got.Pixels)
	assert.Equal(t, TypeBias, got.Header.ImageType())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files remain after publish")
}

func TestWriteFileRespectsOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dark_master.fit")
	require.NoError(t, WriteFile(path, filled(2, 2, 1), false))

	err := WriteFile(path, filled(2, 2, 9), false)
	assert.ErrorIs(t, err, ErrExists)

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.At(0, 0), "existing master is kept")

	require.NoError(t, WriteFile(path, filled(2, 2, 9), true))
	got, err = ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9.0, got.At(0, 0))
}

func TestDecodePixelsAppliesScaling(t *testing.T) {
	raw := []byte{0x80, 0x00, 0x7f, 0xff}
	px, err := decodePixels(raw, 16, 2, 32768, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 65535}, px)

	_, err = decodePixels(raw, 16, 3, 0, 1)
	assert.Error(t, err)
}
