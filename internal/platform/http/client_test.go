package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(opts ClientOptions) *Client {
	opts.RequestsPerSec = 1000
	opts.InitialInterval = time.Millisecond
	return NewClient(opts)
}

func TestDoRequest(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
		wantCode  int
	}{
		{name: "ok", statuses: []int{200}, wantCalls: 1},
		{name: "retries server errors", statuses: []int{500, 502, 200}, wantCalls: 3},
		{name: "retries rate limit", statuses: []int{429, 200}, wantCalls: 2},
		{name: "client error is permanent", statuses: []int{404, 200}, wantCalls: 1, wantCode: 404},
		{name: "gives up after max retries", statuses: []int{503, 503, 503, 503, 503}, wantCalls: 3, wantCode: 503},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.statuses[int(n)-1])
			}))
			defer srv.Close()

			c := testClient(ClientOptions{Name: tt.name, MaxRetries: 2})
			req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
			require.NoError(t, err)

			resp, err := c.DoRequest(context.Background(), req)
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
			if tt.wantCode == 0 {
				require.NoError(t, err)
				resp.Body.Close()
				return
			}
			var statusErr *HTTPStatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.wantCode, statusErr.StatusCode)
		})
	}
}

func TestDoRequest_BreakerOpens(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(ClientOptions{Name: "breaker", MaxRetries: 1, BreakerFailures: 2, BreakerCooldown: time.Minute})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = c.DoRequest(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, c.Breaker.State())

	_, err = c.DoRequest(context.Background(), req)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "an open breaker does not reach the server")
}

func TestDoRequest_ClientErrorsKeepBreakerClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(ClientOptions{Name: "bad-request", BreakerFailures: 1})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = c.DoRequest(context.Background(), req)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, c.Breaker.State())
}

func TestDoRequest_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(ClientOptions{Name: "cancelled"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = c.DoRequest(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)
}
