// Package transport uploads cached artifacts to remote HTTP endpoints with
// progress reporting.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/capturekit/core/infra/logging"
	"github.com/cordum/capturekit/core/infra/metrics"
	"github.com/go-playground/validator/v10"
)

const component = "transport"

// Options describes one upload.
type Options struct {
	URL             string `validate:"required,url"`
	Method          string `validate:"oneof=PUT POST"`
	Headers         map[string]string
	WithCredentials bool
	Timeout         time.Duration `validate:"gte=0"`
	ContentType     string

	// OnProgress receives whole percentages. It is called synchronously and
	// must not block for long.
	OnProgress func(percent int)
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithHTTPClient replaces the HTTP client. Its cookie jar is ignored; use WithCookieJar.
func WithHTTPClient(c *http.Client) Option {
	return func(u *Uploader) {
		if c != nil {
			clone := *c
			clone.Jar = nil
			u.client = &clone
		}
	}
}

// WithCookieJar sets the jar used for credentialed uploads.
func WithCookieJar(j http.CookieJar) Option {
	return func(u *Uploader) {
		if j != nil {
			u.jar = j
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Metrics) Option {
	return func(u *Uploader) {
		if m != nil {
			u.metrics = m
		}
	}
}

// Uploader sends payloads with PUT or POST. It never retries.
type Uploader struct {
	client   *http.Client
	jar      http.CookieJar
	metrics  metrics.Metrics
	validate *validator.Validate
}

// New builds an Uploader.
func New(opts ...Option) *Uploader {
	jar, _ := cookiejar.New(nil)
	u := &Uploader{
		client:   &http.Client{},
		jar:      jar,
		metrics:  metrics.Noop{},
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Jar returns the cookie jar sent with credentialed uploads.
func (u *Uploader) Jar() http.CookieJar { return u.jar }

// Upload sends payload as the request body.
func (u *Uploader) Upload(ctx context.Context, payload []byte, opts Options) error {
	return u.UploadReader(ctx, bytes.NewReader(payload), int64(len(payload)), opts)
}

// UploadReader streams size bytes from r. A negative size means unknown
// length; no progress is reported then. Errors are *NetworkError,
// *TimeoutError or *HTTPError, or ctx.Err() when the caller cancels.
func (u *Uploader) UploadReader(ctx context.Context, r io.Reader, size int64, opts Options) error {
	opts.Method = strings.ToUpper(strings.TrimSpace(opts.Method))
	if opts.Method == "" {
		opts.Method = http.MethodPut
	}
	if err := u.validate.Struct(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	reqCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	prog := newProgress(size, opts.OnProgress)
	var body io.Reader = http.NoBody
	if size != 0 && r != nil {
		body = &progressReader{r: r, p: prog}
	}
	req, err := http.NewRequestWithContext(reqCtx, opts.Method, opts.URL, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	req.ContentLength = size
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if opts.ContentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}
	if opts.WithCredentials && u.jar != nil {
		for _, c := range u.jar.Cookies(req.URL) {
			req.AddCookie(c)
		}
	}

	start := time.Now()
	resp, err := u.client.Do(req)
	if err != nil {
		prog.resolve(false)
		outErr := classify(ctx, reqCtx, opts.Timeout, err)
		u.observe(outcomeOf(outErr), start)
		logging.Warn(component, "upload failed", "url", opts.URL, "method", opts.Method, "error", err)
		return outErr
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if opts.WithCredentials && u.jar != nil {
		if cookies := resp.Cookies(); len(cookies) > 0 {
			u.jar.SetCookies(req.URL, cookies)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		prog.resolve(false)
		u.observe("http", start)
		herr := &HTTPError{Status: resp.StatusCode, Reason: statusText(resp)}
		logging.Warn(component, "upload rejected", "url", opts.URL, "status", resp.StatusCode)
		return herr
	}
	prog.resolve(true)
	u.observe("ok", start)
	logging.Debug(component, "upload complete", "url", opts.URL, "method", opts.Method, "bytes", size)
	return nil
}

func (u *Uploader) observe(outcome string, start time.Time) {
	u.metrics.IncUploads(outcome)
	u.metrics.ObserveUploadDuration(outcome, time.Since(start).Seconds())
}

func classify(parent, reqCtx context.Context, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if timeout > 0 && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Timeout: timeout}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &TimeoutError{Timeout: timeout}
	}
	return &NetworkError{Err: err}
}

func outcomeOf(err error) string {
	var (
		nerr *NetworkError
		terr *TimeoutError
	)
	switch {
	case errors.As(err, &terr):
		return "timeout"
	case errors.As(err, &nerr):
		return "network"
	default:
		return "canceled"
	}
}

// statusText prefers the reason phrase sent by the server.
func statusText(resp *http.Response) string {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return reason
}
