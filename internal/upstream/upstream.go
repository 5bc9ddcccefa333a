// Package upstream provides the gateway's single outbound HTTP client,
// consolidating what the teacher built as a per-provider-package
// NewTransport/ForwardRequest pair into one shared transport and POST
// helper used by every dialect's dispatch, per SPEC_FULL.md's note that
// one dnscache-backed transport, not N duplicate ones, should serve every
// provider.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// defaultTimeout is the §5 "Upstream requests have a default timeout
// (120s)" rule; callers override per-dialect via context deadline.
const defaultTimeout = 120 * time.Second

// Client wraps a shared, dnscache-backed *http.Client used for every
// outbound provider call.
type Client struct {
	http     *http.Client
	resolver *dnscache.Resolver
}

// New returns a Client with connection pooling tuned for many concurrent
// upstream hosts and a background DNS cache refresh loop.
func New() *Client {
	resolver := &dnscache.Resolver{}
	go refreshLoop(resolver)

	transport := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		},
	}
	return &Client{http: &http.Client{Transport: transport, Timeout: defaultTimeout}, resolver: resolver}
}

// NewWithHTTPClient wraps an already-constructed *http.Client, bypassing
// the dnscache-backed transport. Used by tests and by callers embedding
// plexus in a process that already manages its own transport.
func NewWithHTTPClient(httpClient *http.Client) *Client {
	return &Client{http: httpClient}
}

func refreshLoop(resolver *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		resolver.Refresh(true)
	}
}

// Response is the materialized result of a Post call: status, headers, and
// either a fully-read body (non-streaming) or an open stream the caller
// must close (streaming).
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte          // populated when !Stream
	Stream  readCloser      // populated and left open when the caller asked to stream
	Request *http.Request
}

type readCloser = httpBodyCloser

// httpBodyCloser is the subset of io.ReadCloser upstream hands back,
// named distinctly so callers importing this package don't need to
// remember whether it's http's or io's ReadCloser (it's the same type,
// http.Response.Body).
type httpBodyCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

// Post issues a JSON POST to targetURL with the given headers and body.
// When stream is true, Response.Stream is the live response body (caller
// must close it); otherwise Response.Body is fully read and the
// connection's response body is closed before returning.
func (c *Client) Post(ctx context.Context, targetURL string, headers map[string]string, body []byte, stream bool) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: do request: %w", err)
	}

	out := &Response{Status: resp.StatusCode, Header: resp.Header, Request: req}
	if stream {
		out.Stream = resp.Body
		return out, nil
	}

	defer resp.Body.Close()
	const maxBody = 64 << 20
	buf := make([]byte, 0, 64*1024)
	reader := &limitedReader{r: resp.Body, limit: maxBody}
	for {
		chunk := make([]byte, 32*1024)
		n, rerr := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	out.Body = buf
	return out, nil
}

// limitedReader caps how many bytes will be read from r, guarding against
// a misbehaving upstream causing unbounded memory growth (mirrors the
// teacher's io.LimitReader usage in ForwardRequest, expressed as a small
// reader here since Post accumulates into a []byte rather than copying
// straight to an http.ResponseWriter).
type limitedReader struct {
	r     httpBodyCloser
	limit int64
	read  int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.read >= l.limit {
		return 0, fmt.Errorf("upstream: response exceeded %d byte cap", l.limit)
	}
	if remaining := l.limit - l.read; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := l.r.Read(p)
	l.read += int64(n)
	return n, err
}
