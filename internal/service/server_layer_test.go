//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/llm-router-go/internal/models"
	"go.uber.org/zap"
)

func newTestServerLayer() *ServerLayer {
	return NewServerLayer(NewHTTPClient(zap.NewNop()), zap.NewNop())
}

func TestServerLayerSuccess(t *testing.T) {
	var gotAuth, gotContentType string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	s := newTestServerLayer()
	body, err := s.Execute(context.Background(), &ProcessingContext{
		PipelineID: "openrouter-gpt-4o-0",
		URL:        ts.URL,
		APIKey:     "sk-test",
		Timeout:    5 * time.Second,
	}, []byte(`{"model":"gpt-4o"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
}

func TestServerLayerAnthropicHeaders(t *testing.T) {
	var gotKey, gotVersion, gotAuth, gotCustom string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Custom")
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	s := newTestServerLayer()
	_, err := s.Execute(context.Background(), &ProcessingContext{
		PipelineID:   "anthropic-claude-0",
		ProviderType: models.ProviderAnthropicNative,
		URL:          ts.URL,
		APIKey:       "sk-ant",
		Headers:      map[string]string{"X-Custom": "yes"},
		Timeout:      5 * time.Second,
	}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "sk-ant", gotKey)
	assert.Equal(t, "2023-06-01", gotVersion)
	assert.Empty(t, gotAuth, "native providers do not get a bearer token")
	assert.Equal(t, "yes", gotCustom)
}

func TestServerLayerUpstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"overloaded"}`))
	}))
	defer ts.Close()

	s := newTestServerLayer()
	_, err := s.Execute(context.Background(), &ProcessingContext{
		PipelineID: "p-0",
		URL:        ts.URL,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
	}, []byte(`{}`))
	require.Error(t, err)

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusServiceUnavailable, ue.StatusCode)
	assert.Contains(t, string(ue.Body), "overloaded")
}

func TestServerLayerNoRetryOnStatus(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	s := newTestServerLayer()
	_, err := s.Execute(context.Background(), &ProcessingContext{
		PipelineID: "p-0",
		URL:        ts.URL,
		Timeout:    5 * time.Second,
		MaxRetries: 3,
	}, []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "HTTP statuses escalate without local retries")
}

func TestServerLayerConnectionRefused(t *testing.T) {
	// Reserve a port and close it so the dial is refused.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	s := newTestServerLayer()
	_, err := s.Execute(context.Background(), &ProcessingContext{
		PipelineID: "p-0",
		URL:        url,
		Timeout:    2 * time.Second,
		MaxRetries: 3,
	}, []byte(`{}`))
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindConnectionRefused, te.Kind, "refusals escalate immediately")
}

func TestRetryableHere(t *testing.T) {
	s := newTestServerLayer()

	reset := &TransportError{Kind: KindConnectionReset, Err: errors.New("reset")}
	assert.True(t, s.retryableHere(reset, 0, 2))
	assert.False(t, s.retryableHere(reset, 2, 2), "budget exhausted")

	hangup := &TransportError{Kind: KindSocketHangUp, Err: errors.New("eof")}
	assert.True(t, s.retryableHere(hangup, 1, 2))

	timeout := &TransportError{Kind: KindTimeout, Err: errors.New("deadline")}
	assert.True(t, s.retryableHere(timeout, 0, 1))

	refused := &TransportError{Kind: KindConnectionRefused, Err: errors.New("refused")}
	assert.False(t, s.retryableHere(refused, 0, 2))

	assert.False(t, s.retryableHere(&UpstreamError{StatusCode: 502}, 0, 2))
}

func TestRetryDelay(t *testing.T) {
	s := newTestServerLayer()

	timeout := &TransportError{Kind: KindTimeout, Err: errors.New("deadline")}
	assert.Equal(t, 1*time.Second, s.retryDelay(timeout, 1))
	assert.Equal(t, 2*time.Second, s.retryDelay(timeout, 2))
	assert.Equal(t, 4*time.Second, s.retryDelay(timeout, 3))
	assert.Equal(t, 10*time.Second, s.retryDelay(timeout, 5), "capped at ten seconds")

	hangup := &TransportError{Kind: KindSocketHangUp, Err: errors.New("eof")}
	assert.Equal(t, 2*time.Second, s.retryDelay(hangup, 1), "first hang-up retry waits longer")
	assert.Equal(t, 2*time.Second, s.retryDelay(hangup, 2))

	pressure := &TransportError{Kind: KindOther, Err: errors.New("cannot allocate memory")}
	assert.Equal(t, 5*time.Second, s.retryDelay(pressure, 1))
	assert.Equal(t, 10*time.Second, s.retryDelay(pressure, 2))
	assert.Equal(t, 30*time.Second, s.retryDelay(pressure, 3))
	assert.Equal(t, 30*time.Second, s.retryDelay(pressure, 4), "slow ladder saturates")
}

func TestIsBufferPressure(t *testing.T) {
	assert.True(t, isBufferPressure(errors.New("ENOBUFS: buffer space exhausted")))
	assert.True(t, isBufferPressure(errors.New("runtime: out of memory")))
	assert.False(t, isBufferPressure(errors.New("connection reset by peer")))
	assert.False(t, isBufferPressure(nil))
}
