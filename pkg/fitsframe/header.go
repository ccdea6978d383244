package fitsframe

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Card is a single FITS header record.
type Card struct {
	Name    string
	Value   any
	Comment string
}

// Header holds FITS header cards in file order. HISTORY and COMMENT cards may
// repeat; every other keyword is unique.
type Header struct {
	cards []Card
}

// NewHeader creates an empty Header.
func NewHeader() *Header {
	return &Header{}
}

// Cards returns a copy of the cards in order.
func (h *Header) Cards() []Card {
	out := make([]Card, len(h.cards))
	copy(out, h.cards)
	return out
}

// Clone returns a deep copy of the header.
func (h *Header) Clone() *Header {
	return &Header{cards: h.Cards()}
}

func (h *Header) index(key string) int {
	key = strings.ToUpper(key)
	for i, c := range h.cards {
		if c.Name == key {
			return i
		}
	}
	return -1
}

// Has reports whether key is present.
func (h *Header) Has(key string) bool {
	return h.index(key) >= 0
}

// Get returns the raw value of key.
func (h *Header) Get(key string) (any, bool) {
	i := h.index(key)
	if i < 0 {
		return nil, false
	}
	return h.cards[i].Value, true
}

// Set replaces the value of key, or appends a new card when absent.
func (h *Header) Set(key string, value any, comment string) {
	key = strings.ToUpper(key)
	if i := h.index(key); i >= 0 && !repeatable(key) {
		h.cards[i].Value = value
		if comment != "" {
			h.cards[i].Comment = comment
		}
		return
	}
	h.cards = append(h.cards, Card{Name: key, Value: value, Comment: comment})
}

// Delete removes every card named key.
func (h *Header) Delete(key string) {
	key = strings.ToUpper(key)
	kept := h.cards[:0]
	for _, c := range h.cards {
		if c.Name != key {
			kept = append(kept, c)
		}
	}
	h.cards = kept
}

// AddHistory appends a HISTORY card.
func (h *Header) AddHistory(text string) {
	h.cards = append(h.cards, Card{Name: "HISTORY", Comment: text})
}

// History returns the text of every HISTORY card.
func (h *Header) History() []string {
	var out []string
	for _, c := range h.cards {
		if c.Name == "HISTORY" {
			out = append(out, cardText(c))
		}
	}
	return out
}

func repeatable(key string) bool {
	return key == "HISTORY" || key == "COMMENT" || key == ""
}

func cardText(c Card) string {
	if s, ok := c.Value.(string); ok && s != "" {
		return s
	}
	return c.Comment
}

func (h *Header) GetString(key string) string {
	v, ok := h.Get(key)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func (h *Header) GetFloat(key string) (float64, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case string:
		d, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return d, true
	}
	return 0, false
}

func (h *Header) GetInt(key string) (int, bool) {
	d, ok := h.GetFloat(key)
	if !ok || d != math.Trunc(d) {
		return 0, false
	}
	return int(d), true
}

var timeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (h *Header) GetTime(key string) (time.Time, bool) {
	s := h.GetString(key)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Convenience accessors for the keywords the pipeline depends on.

func (h *Header) ImageType() ImageType { return ParseImageType(h.GetString("IMAGETYP")) }
func (h *Header) Filter() string       { return h.GetString("FILTER") }
func (h *Header) CalStat() string      { return strings.ToUpper(h.GetString("CALSTAT")) }

// Binning returns XBINNING and YBINNING, defaulting each to 1.
func (h *Header) Binning() (int, int) {
	x, ok := h.GetInt("XBINNING")
	if !ok || x < 1 {
		x = 1
	}
	y, ok := h.GetInt("YBINNING")
	if !ok || y < 1 {
		y = x
	}
	return x, y
}

func (h *Header) ExposureTime() (float64, bool) {
	if v, ok := h.GetFloat("EXPTIME"); ok {
		return v, true
	}
	return h.GetFloat("EXPOSURE")
}

func (h *Header) CCDTemp() (float64, bool) { return h.GetFloat("CCD-TEMP") }

// Gain returns EGAIN in e-/ADU, or 1 when absent or non-positive.
func (h *Header) Gain() float64 {
	g, ok := h.GetFloat("EGAIN")
	if !ok || g <= 0 || math.IsNaN(g) {
		return 1
	}
	return g
}

func (h *Header) ObservedAt() (time.Time, bool) { return h.GetTime("DATE-OBS") }
