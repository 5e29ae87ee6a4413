package hubtransport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := New(srv.URL, "client-1", "test", WrapClient(srv.Client()))
	return c, srv
}

func TestEndpointURL(t *testing.T) {
	c := New("https://hub.example.com", "abc", "prod", nil)
	assert.Equal(t, "https://hub.example.com/v2/abc/prod/sync", c.Endpoint("sync"))
}

func TestEndpointDefaultsBaseURL(t *testing.T) {
	c := New("", "abc", "prod", nil)
	assert.Equal(t, defaultBaseURL+"/v2/abc/prod/startup", c.Endpoint("startup"))
}

func TestPostJSONSuccess(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	outcome, resp, err := c.PostJSON(context.Background(), c.Endpoint("sync"), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPostJSONTerminalNotFound(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	outcome, _, err := c.PostJSON(context.Background(), c.Endpoint("sync"), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminalUnknownClient, outcome)
}

func TestPostJSONSchemaRejected(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	defer srv.Close()

	outcome, _, err := c.PostJSON(context.Background(), c.Endpoint("sync"), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSchemaRejected, outcome)
}

func TestPostJSONRetriesThenSucceeds(t *testing.T) {
	var calls int32
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()
	c.Retry.Delay = 0

	outcome, _, err := c.PostJSON(context.Background(), c.Endpoint("sync"), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestPostJSONTransientAfterExhaustingRetries(t *testing.T) {
	var calls int32
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer srv.Close()
	c.Retry.Delay = 0

	outcome, _, err := c.PostJSON(context.Background(), c.Endpoint("sync"), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransient, outcome)
	assert.EqualValues(t, 4, atomic.LoadInt32(&calls))
}

func TestPostJSONSuspendLoggingOn402(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusPaymentRequired)
	})
	defer srv.Close()

	outcome, resp, err := c.PostJSON(context.Background(), c.Endpoint("log"), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuspendLogging, outcome)

	seconds, ok := RetryAfterSeconds(resp)
	require.True(t, ok)
	assert.Equal(t, 60, seconds)
}

func TestRetryAfterSecondsMissing(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	_, ok := RetryAfterSeconds(resp)
	assert.False(t, ok)
}

func TestPostCompressedSuccess(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	outcome, _, err := c.PostCompressed(context.Background(), c.Endpoint("log"), []byte{0x1f, 0x8b})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)
}
