package catalog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"skyreduce/pkg/wcs"
)

var (
	ErrBadResponse = errors.New("malformed catalog response")
	ErrStatus      = errors.New("catalog service returned an error status")
)

// StatusError carries the HTTP status of a failed catalog request.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("catalog HTTP status %d", e.Code) }
func (e *StatusError) Unwrap() error { return ErrStatus }

// Temporary reports whether the request is worth retrying: server errors
// and rate limiting.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Config tunes the VizieR client.
type Config struct {
	BaseURL       string
	Source        string
	Timeout       time.Duration
	Retries       int
	Backoff       time.Duration
	RatePerSecond float64
	CacheTTL      time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL:       "https://vizier.cds.unistra.fr/viz-bin/asu-tsv",
		Source:        "I/322A",
		Timeout:       10 * time.Second,
		Retries:       2,
		Backoff:       500 * time.Millisecond,
		RatePerSecond: 5,
		CacheTTL:      time.Hour,
	}
}

// columns requested from UCAC4, in this order.
var columns = []string{"UCAC4", "_r", "RAJ2000", "DEJ2000", "Bmag", "Vmag", "rmag"}

var bandColumns = map[string]Band{"rmag": BandR, "Vmag": BandV, "Bmag": BandB}

// VizieR queries the UCAC4 catalogue over the ASU-TSV interface.
type VizieR struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *cache.Cache
	logger     *slog.Logger
}

// Option customises a VizieR client.
type Option func(*VizieR)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(v *VizieR) { v.httpClient = c }
}

func NewVizieR(config Config, logger *slog.Logger, opts ...Option) *VizieR {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Source == "" {
		config.Source = def.Source
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Backoff <= 0 {
		config.Backoff = def.Backoff
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = def.RatePerSecond
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = def.CacheTTL
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	v := &VizieR{
		config:     config,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(config.RatePerSecond), 1),
		cache:      cache.New(config.CacheTTL, config.CacheTTL*2),
		logger:     logger.With("module", "catalog"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func cacheKey(q Query) string {
	return fmt.Sprintf("%.5f:%+.5f:%.2f", q.RA, q.Dec, q.Radius)
}

// Nearest returns the closest UCAC4 star within q.Radius arcseconds.
// Results, including misses, are cached for CacheTTL.
func (v *VizieR) Nearest(ctx context.Context, q Query) (Result, error) {
	key := cacheKey(q)
	if cached, found := v.cache.Get(key); found {
		if res, ok := cached.(Result); ok {
			return res, nil
		}
	}

	body, err := v.fetchWithRetry(ctx, v.queryURL(q))
	if err != nil {
		return Result{}, err
	}
	stars, err := ParseTSV(strings.NewReader(body))
	if err != nil {
		return Result{}, err
	}

	var res Result
	if len(stars) > 0 {
		star := stars[0]
		star.Residual = wcs.Separation(q.RA, q.Dec, star.RA, star.Dec) * 3600
		res = Result{Found: true, Star: star}
	}
	v.cache.Set(key, res, cache.DefaultExpiration)
	return res, nil
}

func (v *VizieR) queryURL(q Query) string {
	params := url.Values{}
	params.Set("-source", v.config.Source)
	params.Set("-c", fmt.Sprintf("%.6f %+.6f", q.RA, q.Dec))
	params.Set("-c.eq", "J2000")
	params.Set("-c.rs", strconv.FormatFloat(q.Radius, 'f', -1, 64))
	params.Set("-out", strings.Join(columns, ","))
	params.Set("-sort", "_r")
	params.Set("-out.max", "1")
	return v.config.BaseURL + "?" + params.Encode()
}

func (v *VizieR) fetchWithRetry(ctx context.Context, rawURL string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= v.config.Retries; attempt++ {
		body, err := v.fetch(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return "", err
		}
		if ctx.Err() != nil {
			return "", lastErr
		}
		if attempt == v.config.Retries {
			break
		}

		delay := v.config.Backoff << attempt
		v.logger.Warn("catalog query failed, retrying",
			"attempt", attempt+1,
			"max_retries", v.config.Retries,
			"delay_ms", delay.Milliseconds(),
			"error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("catalog query failed after %d attempts: %w", v.config.Retries+1, lastErr)
}

func (v *VizieR) fetch(ctx context.Context, rawURL string) (string, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return "", err
	}
	reqCtx, cancel := context.WithTimeout(ctx, v.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", &StatusError{Code: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseTSV reads a VizieR ASU-TSV table. Comment lines start with '#'; the
// first remaining line names the columns, and the unit and dashed separator
// lines before the data are skipped. Blank magnitudes become NaN.
func ParseTSV(r io.Reader) ([]Star, error) {
	sc := bufio.NewScanner(r)
	var header []string
	inData := false
	var stars []Star

	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		switch {
		case header == nil:
			header = make([]string, len(fields))
			for i, f := range fields {
				header[i] = strings.TrimSpace(f)
			}
			continue
		case !inData:
			if strings.HasPrefix(strings.TrimSpace(line), "-") {
				inData = true
			}
			continue
		}

		star, err := parseRow(header, fields)
		if err != nil {
			return nil, err
		}
		stars = append(stars, star)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return stars, nil
}

func parseRow(header, fields []string) (Star, error) {
	star := Star{Mags: make(map[Band]float64, len(bandColumns))}
	for _, b := range bandColumns {
		star.Mags[b] = math.NaN()
	}
	var haveRA, haveDec bool

	for i, name := range header {
		if i >= len(fields) {
			break
		}
		raw := strings.TrimSpace(fields[i])
		switch name {
		case "UCAC4":
			star.ID = raw
		case "RAJ2000", "DEJ2000":
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return Star{}, fmt.Errorf("%w: %s %q", ErrBadResponse, name, raw)
			}
			if name == "RAJ2000" {
				star.RA, haveRA = v, true
			} else {
				star.Dec, haveDec = v, true
			}
		default:
			band, ok := bandColumns[name]
			if !ok || raw == "" {
				continue
			}
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				star.Mags[band] = v
			}
		}
	}
	if star.ID == "" || !haveRA || !haveDec {
		return Star{}, fmt.Errorf("%w: row without id or position", ErrBadResponse)
	}
	return star, nil
}
