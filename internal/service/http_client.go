package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	largeBodyThreshold = 10 << 10 // 10 KiB
	writeChunkSize     = 8 << 10  // 8 KiB
	heartbeatInterval  = 30 * time.Second
)

// TransportErrorKind classifies connectivity failures without deciding a
// remediation; classification into actions is the error classifier's job.
type TransportErrorKind string

const (
	KindConnectionRefused TransportErrorKind = "connection_refused"
	KindDNSFailure        TransportErrorKind = "dns_failure"
	KindConnectionReset   TransportErrorKind = "connection_reset"
	KindSocketHangUp      TransportErrorKind = "socket_hang_up"
	KindTimeout           TransportErrorKind = "timeout"
	KindOther             TransportErrorKind = "other"
)

// TransportError is a raw connectivity failure from the outbound call.
type TransportError struct {
	Kind TransportErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamError is a non-2xx HTTP response from the provider.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// UpstreamResponse is the raw outcome of one successful HTTP exchange.
type UpstreamResponse struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// RequestOptions carries everything one outbound call needs.
type RequestOptions struct {
	Method  string // default POST
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// HTTPClient owns the outbound call: pooled keep-alive connections, chunked
// writes for large bodies, and a heartbeat log while a large request is
// awaiting its first bytes. It never classifies; raw outcomes surface as
// TransportError or UpstreamResponse.
type HTTPClient struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPClient creates an HTTPClient with a pooled transport.
func NewHTTPClient(logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			// Per-request timeouts come from the request context.
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// Do performs one outbound HTTP exchange and reads the full response body.
func (c *HTTPClient) Do(ctx context.Context, rawURL string, opts RequestOptions) (*UpstreamResponse, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &TransportError{Kind: KindOther, Err: fmt.Errorf("invalid url %q", rawURL)}
	}

	method := opts.Method
	if method == "" {
		method = http.MethodPost
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	large := len(opts.Body) > largeBodyThreshold
	var body io.Reader = bytes.NewReader(opts.Body)
	if large {
		body = &chunkedReader{data: opts.Body}
	}

	req, err := http.NewRequestWithContext(callCtx, method, rawURL, body)
	if err != nil {
		return nil, &TransportError{Kind: KindOther, Err: err}
	}
	req.ContentLength = int64(len(opts.Body))
	req.Header.Set("Content-Length", strconv.Itoa(len(opts.Body)))
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if large {
		req.Header.Set("Connection", "keep-alive")
		req.Header.Set("Keep-Alive", "timeout=300, max=10")
	}

	var stopHeartbeat func()
	if large {
		stopHeartbeat = c.startHeartbeat(callCtx, rawURL, len(opts.Body))
		defer stopHeartbeat()
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Kind: classifyTransport(err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Kind: classifyTransport(err), Err: fmt.Errorf("read response body: %w", err)}
	}

	return &UpstreamResponse{
		StatusCode: resp.StatusCode,
		Body:       data,
		Headers:    resp.Header,
	}, nil
}

// startHeartbeat logs a warning every 30 s of silence on a large request.
func (c *HTTPClient) startHeartbeat(ctx context.Context, rawURL string, bodyLen int) func() {
	done := make(chan struct{})
	start := time.Now()
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.logger.Warn("large request still awaiting upstream response",
					zap.String("url", rawURL),
					zap.Int("body_bytes", bodyLen),
					zap.Duration("elapsed", time.Since(start)))
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}

// chunkedReader yields the body in 8 KiB slices so large payloads stream to
// the socket without intermediate copies.
type chunkedReader struct {
	data []byte
	off  int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := len(p)
	if n > writeChunkSize {
		n = writeChunkSize
	}
	if rem := len(r.data) - r.off; n > rem {
		n = rem
	}
	copy(p, r.data[r.off:r.off+n])
	r.off += n
	return n, nil
}

// classifyTransport maps a transport failure to its kind.
func classifyTransport(err error) TransportErrorKind {
	if err == nil {
		return KindOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNSFailure
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return KindConnectionReset
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindSocketHangUp
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return KindConnectionRefused
	case strings.Contains(msg, "connection reset"):
		return KindConnectionReset
	case strings.Contains(msg, "no such host"):
		return KindDNSFailure
	case strings.Contains(msg, "EOF"), strings.Contains(msg, "broken pipe"):
		return KindSocketHangUp
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	default:
		return KindOther
	}
}
