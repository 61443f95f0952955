// Package transport provides the pooled, retried, bearer-authenticated
// HTTP client shared by the uploader, downloader and writer pool.
//
// Grounded on rclone's fs/fshttp.NewClient: one *http.Transport per
// logical pool, sized to the caller's worker count, wrapped in
// RoundTrippers that add auth, gzip non-streaming bodies, and retry
// transient failures with pacer's backoff+jitter.
package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/nominal-io/nominal-client-sub001/fserrors"
	"github.com/nominal-io/nominal-client-sub001/pacer"
)

// Options configures a Client.
type Options struct {
	// Token is the bearer credential sent with every request.
	Token string
	// PoolSize sizes the per-host connection pool; it should track the
	// number of concurrent callers (worker count) of the largest consumer.
	PoolSize int
	// MaxRetries bounds the number of retry attempts for transient failures.
	MaxRetries int
	// Timeout bounds a single request/response round trip.
	Timeout time.Duration
	// DisableGzip turns off request-body gzip compression, e.g. for
	// streaming PUTs the object store does not decode.
	DisableGzip bool
}

func (o Options) withDefaults() Options {
	if o.PoolSize <= 0 {
		o.PoolSize = 10
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// Client is a pooled, retried, bearer-authenticated HTTP client.
type Client struct {
	http  *http.Client
	pacer *pacer.Pacer
	opts  Options
}

// New builds a Client from opts.
func New(opts Options) *Client {
	opts = opts.withDefaults()

	base := &http.Transport{
		MaxIdleConns:        opts.PoolSize * 2,
		MaxIdleConnsPerHost: opts.PoolSize,
		MaxConnsPerHost:     opts.PoolSize,
		IdleConnTimeout:     90 * time.Second,
	}

	rt := roundTripperChain(base, opts)

	return &Client{
		http:  &http.Client{Transport: rt, Timeout: opts.Timeout},
		pacer: pacer.New(pacer.RetriesOption(opts.MaxRetries), pacer.MaxConnectionsOption(opts.PoolSize)),
		opts:  opts,
	}
}

func roundTripperChain(base http.RoundTripper, opts Options) http.RoundTripper {
	rt := base
	if !opts.DisableGzip {
		rt = &gzipRoundTripper{next: rt}
	}
	rt = &authRoundTripper{next: rt, token: opts.Token}
	return rt
}

// authRoundTripper injects the bearer credential into every request.
type authRoundTripper struct {
	next  http.RoundTripper
	token string
}

func (a *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	return a.next.RoundTrip(req)
}

// gzipRoundTripper transparently gzips non-streaming POST bodies.
//
// Streaming PUTs (identified by the X-Nominal-No-Gzip marker header set by
// callers that stream arbitrarily large chunk bodies to an object store
// that does not decode Content-Encoding) are passed through untouched, per
// spec.md §4.A.
type gzipRoundTripper struct {
	next http.RoundTripper
}

const noGzipHeader = "X-Nominal-No-Gzip"

func (g *gzipRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodPost || req.Body == nil || req.Header.Get(noGzipHeader) != "" {
		req.Header.Del(noGzipHeader)
		return g.next.RoundTrip(req)
	}
	req.Header.Del(noGzipHeader)

	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	req = req.Clone(req.Context())
	compressed := buf.Bytes()
	req.Body = io.NopCloser(bytes.NewReader(compressed))
	req.ContentLength = int64(len(compressed))
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Accept-Encoding", "gzip")

	return g.next.RoundTrip(req)
}

// NoGzip marks req's body as a streaming upload that must not be gzipped.
func NoGzip(req *http.Request) {
	req.Header.Set(noGzipHeader, "1")
}

// retriableStatus is the transient-failure status set from spec.md §4.A.
func retriableStatus(code int) bool {
	switch code {
	case 308, 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Do executes req, retrying transient network errors and the
// transient-status set with pacer's exponential backoff + jitter.
//
// req.GetBody must be set (as it is for requests built with
// http.NewRequest from a []byte/bytes.Reader body) if the body needs to be
// replayed across retries. A MaxRetries of 0 or less is replaced by the
// default of 3, so a Client always retries; a body without GetBody is
// reused as-is on a retry. The uploader avoids Do for its streaming PUTs:
// it re-signs and rebuilds the request per attempt on a plain
// *http.Client.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := c.pacer.Call(func() (bool, error) {
		var attemptErr error
		attemptReq := req
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return false, err
			}
			attemptReq = req.Clone(req.Context())
			attemptReq.Body = body
		}

		resp, attemptErr = c.http.Do(attemptReq)
		if attemptErr != nil {
			return fserrors.ShouldRetry(attemptErr), attemptErr
		}
		if retriableStatus(resp.StatusCode) {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			_ = resp.Body.Close()
			return true, &fserrors.HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: body}
		}
		return false, nil
	})
	return resp, err
}

// HTTPClient returns the underlying *http.Client for callers (like the
// downloader's streaming range GETs) that need direct access, e.g. to set
// per-request contexts without going through Do's retry wrapper.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// NewRequest builds a POST/PUT request with GetBody populated so Do can
// replay the body across retries.
func NewRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.ContentLength = int64(len(body))
	return req, nil
}
