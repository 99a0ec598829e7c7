//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPClientDo(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "v", r.Header.Get("X-K"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"in":1}`, string(body))
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"out":2}`))
	}))
	defer ts.Close()

	c := NewHTTPClient(zap.NewNop())
	resp, err := c.Do(context.Background(), ts.URL, RequestOptions{
		Headers: map[string]string{"X-K": "v"},
		Body:    []byte(`{"in":1}`),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, `{"out":2}`, string(resp.Body))
}

func TestHTTPClientInvalidURL(t *testing.T) {
	c := NewHTTPClient(zap.NewNop())
	_, err := c.Do(context.Background(), "ftp://nope", RequestOptions{})
	require.Error(t, err)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindOther, te.Kind)
}

func TestHTTPClientTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer ts.Close()

	c := NewHTTPClient(zap.NewNop())
	_, err := c.Do(context.Background(), ts.URL, RequestOptions{Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindTimeout, te.Kind)
}

func TestClassifyTransportKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want TransportErrorKind
	}{
		{"nil", nil, KindOther},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"dns", &net.DNSError{Err: "no such host", Name: "x"}, KindDNSFailure},
		{"refused", syscall.ECONNREFUSED, KindConnectionRefused},
		{"reset", syscall.ECONNRESET, KindConnectionReset},
		{"unexpected eof", io.ErrUnexpectedEOF, KindSocketHangUp},
		{"eof", io.EOF, KindSocketHangUp},
		{"refused text", errors.New("dial tcp: connection refused"), KindConnectionRefused},
		{"reset text", errors.New("read: connection reset by peer"), KindConnectionReset},
		{"no host text", errors.New("lookup x: no such host"), KindDNSFailure},
		{"broken pipe text", errors.New("write: broken pipe"), KindSocketHangUp},
		{"timeout text", errors.New("i/o timeout"), KindTimeout},
		{"other", errors.New("something odd"), KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyTransport(tt.err))
		})
	}
}

func TestChunkedReader(t *testing.T) {
	data := make([]byte, writeChunkSize+100)
	for i := range data {
		data[i] = byte(i % 251)
	}
	r := &chunkedReader{data: data}

	buf := make([]byte, writeChunkSize*2)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, writeChunkSize, n, "reads cap at the chunk size")

	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	_, err = r.Read(buf)
	assert.Equal(t, io.EOF, err)

	out, err := io.ReadAll(&chunkedReader{data: data})
	require.NoError(t, err)
	assert.Equal(t, data, out, "content survives chunking intact")
}
