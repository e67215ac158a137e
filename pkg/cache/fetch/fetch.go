// Package fetch is the network capability used by the lifecycle and the
// interception policy.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/valandreev/offlinenav/pkg/cache/store"
)

// ErrBadStatus marks a non-2xx response where the caller requires success.
var ErrBadStatus = errors.New("cache fetch: unexpected status")

// ErrBodyTooLarge is returned when a response body exceeds MaxBodyBytes.
var ErrBodyTooLarge = errors.New("cache fetch: response body too large")

// Request describes an outbound resource fetch.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Get builds a GET request for u.
func Get(u *url.URL) Request {
	return Request{Method: http.MethodGet, URL: u}
}

// IsGet reports whether the request is cacheable by method.
func (r Request) IsGet() bool {
	return r.Method == "" || r.Method == http.MethodGet
}

// Fetcher performs network fetches. Any resolved response, whatever its
// status, is returned as a snapshot; only transport failures are errors.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (store.Snapshot, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req Request) (store.Snapshot, error)

func (f FetcherFunc) Fetch(ctx context.Context, req Request) (store.Snapshot, error) {
	return f(ctx, req)
}

// Options configures an HTTPFetcher.
type Options struct {
	Timeout time.Duration
	// MaxBodyBytes caps the captured body; larger responses fail with
	// ErrBodyTooLarge. Zero means 32 MiB.
	MaxBodyBytes int64
	Transport    http.RoundTripper
}

// HTTPFetcher fetches resources with net/http.
type HTTPFetcher struct {
	client  *http.Client
	maxBody int64
}

// NewHTTPFetcher builds a fetcher. A zero timeout means 30 seconds.
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 32 << 20
	}
	return &HTTPFetcher{
		client: &http.Client{
			Transport: opts.Transport,
			Timeout:   timeout,
		},
		maxBody: maxBody,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (store.Snapshot, error) {
	if req.URL == nil {
		return store.Snapshot{}, errors.New("cache fetch: request url is required")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL.String(), body)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("build request %s: %w", req.URL, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("read %s: %w", req.URL, err)
	}
	if int64(len(data)) > f.maxBody {
		return store.Snapshot{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrBodyTooLarge, req.URL, f.maxBody)
	}

	return store.Snapshot{
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, nil
}

// RequireOK turns a non-2xx snapshot into an ErrBadStatus error.
func RequireOK(snap store.Snapshot) error {
	if snap.OK() {
		return nil
	}
	return fmt.Errorf("%w: %s returned %d", ErrBadStatus, snap.URL, snap.StatusCode)
}
