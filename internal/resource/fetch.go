// Package resource holds the external collaborators assets use: the HTTP
// fetcher, the raw file lander, DuckDB and the dbt CLI.
package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"taxiflow/internal/task/engine"
	logx "taxiflow/pkg/logx"
)

type FetcherConfig struct {
	Timeout    time.Duration
	RatePerSec int
	UserAgent  string
	// MaxBytes caps a response body; 0 means unlimited.
	MaxBytes int64
}

// Fetcher performs GET requests for the pipeline's external datasets. All
// requests share one client and one rate limiter.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	cfg     FetcherConfig
	log     logx.Logger
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

var ErrTooLarge = errors.New("response body exceeds limit")

func NewFetcher(cfg FetcherConfig, log logx.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "taxiflow/1.0"
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetcher{
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: lim,
		cfg:     cfg,
		log:     log.With(logx.Comp("fetch")),
	}
}

// Open issues a GET and returns the body of a 2xx response. The caller
// closes it. Failures are classified for the run engine: 4xx other than
// 429 is permanent, 429 and 503 honour Retry-After.
func (f *Fetcher) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, engine.NoRetry(err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	f.log.Debug("fetched", logx.String("url", url), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if f.cfg.MaxBytes > 0 && resp.ContentLength > f.cfg.MaxBytes {
			_ = resp.Body.Close()
			return nil, engine.NoRetry(fmt.Errorf("GET %s: %w (%d bytes)", url, ErrTooLarge, resp.ContentLength))
		}
		if f.cfg.MaxBytes > 0 {
			return &limitedBody{rc: resp.Body, left: f.cfg.MaxBytes}, nil
		}
		return resp.Body, nil
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	return nil, classify(&StatusError{URL: url, Code: resp.StatusCode}, resp.Header.Get("Retry-After"))
}

// Get reads the whole body.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	body, err := f.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %w", url, err)
	}
	return b, nil
}

func classify(err *StatusError, retryAfter string) error {
	switch {
	case err.Code == http.StatusTooManyRequests || err.Code == http.StatusServiceUnavailable:
		if d, ok := parseRetryAfter(retryAfter, time.Now()); ok {
			return engine.RetryAfter(err, d)
		}
		return err
	case err.Code >= 400 && err.Code < 500:
		return engine.NoRetry(err)
	default:
		return err
	}
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

type limitedBody struct {
	rc   io.ReadCloser
	left int64
}

func (l *limitedBody) Read(p []byte) (int, error) {
	if l.left <= 0 {
		// One more byte means the server sent more than it may.
		var one [1]byte
		if n, _ := l.rc.Read(one[:]); n > 0 {
			return 0, engine.NoRetry(ErrTooLarge)
		}
		return 0, io.EOF
	}
	if int64(len(p)) > l.left {
		p = p[:l.left]
	}
	n, err := l.rc.Read(p)
	l.left -= int64(n)
	return n, err
}

func (l *limitedBody) Close() error { return l.rc.Close() }
