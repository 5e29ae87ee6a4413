package apitally

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apitally/apitally-go/adapter"
	"github.com/apitally/apitally-go/consumerregistry"
	"github.com/apitally/apitally-go/errortracking"
	"github.com/apitally/apitally-go/internal/errkit"
	"github.com/apitally/apitally-go/internal/hubtransport"
	"github.com/apitally/apitally-go/internal/scheduler"
	"github.com/apitally/apitally-go/requestcounter"
	"github.com/apitally/apitally-go/requestlog"
	"github.com/apitally/apitally-go/types"
)

const testClientID = "11111111-1111-4111-8111-111111111111"

// releaseSingleton tears down a Client built via NewClient without
// going through Shutdown's network round trip, so tests that only
// exercise construction don't pay for a real Hub POST attempt.
func releaseSingleton(c *Client) {
	c.ticker.Stop()
	c.requestLogger.Close()
	singletonMu.Lock()
	if singleton == c {
		singleton = nil
	}
	singletonMu.Unlock()
}

// newHubClient builds a Client wired directly to srv, bypassing
// NewClient's SaferClient (which refuses loopback addresses) and the
// process-wide singleton guard. Intervals default fast enough for
// scheduler-driven scenarios to resolve in well under a second.
func newHubClient(t *testing.T, srv *httptest.Server, logCfg requestlog.Config) *Client {
	t.Helper()
	c := &Client{
		cfg:            Config{ClientID: testClientID, Env: "test"},
		instanceUUID:   "test-instance",
		requestCounter: requestcounter.New(),
		consumers:      consumerregistry.New(),
		validationErrs: errortracking.NewValidationErrorCounter(),
		serverErrs:     errortracking.NewServerErrorCounter(nil),
		requestLogger:  requestlog.New(logCfg),
		hub:            hubtransport.New(srv.URL, testClientID, "test", hubtransport.WrapClient(srv.Client())),
		ticker: &scheduler.Ticker{
			BurstDuration:  time.Hour,
			BurstInterval:  20 * time.Millisecond,
			SteadyInterval: 20 * time.Millisecond,
		},
		now: time.Now,
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.requestLogger.Start(ctx)
	t.Cleanup(func() {
		cancel()
		c.ticker.Stop()
		c.requestLogger.Close()
	})
	return c
}

func TestNewClientRejectsInvalidClientID(t *testing.T) {
	_, err := NewClient(Config{ClientID: "not-a-uuid", Env: "prod"})
	require.Error(t, err)
	kind, ok := errkit.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errkit.ConfigInvalid, kind)
}

func TestNewClientRejectsInvalidEnv(t *testing.T) {
	_, err := NewClient(Config{ClientID: testClientID, Env: strings.Repeat("x", 64)})
	require.Error(t, err)
	kind, ok := errkit.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errkit.ConfigInvalid, kind)
}

func TestNewClientSingletonGuard(t *testing.T) {
	c1, err := NewClient(Config{ClientID: testClientID, Env: "prod", HubBaseURL: "https://hub.invalid.test"})
	require.NoError(t, err)
	defer releaseSingleton(c1)

	_, err = NewClient(Config{ClientID: testClientID, Env: "staging", HubBaseURL: "https://hub.invalid.test"})
	require.Error(t, err)
	kind, ok := errkit.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errkit.AlreadyInitialized, kind)

	releaseSingleton(c1)

	c2, err := NewClient(Config{ClientID: testClientID, Env: "prod", HubBaseURL: "https://hub.invalid.test"})
	require.NoError(t, err)
	releaseSingleton(c2)
}

func TestNewClientNormalizesEnv(t *testing.T) {
	c, err := NewClient(Config{ClientID: testClientID, Env: "Local_Dev", HubBaseURL: "https://hub.invalid.test"})
	require.NoError(t, err)
	defer releaseSingleton(c)
	assert.Equal(t, "local-dev", c.cfg.Env)
}

func TestNewClientDefaultsEnvToDev(t *testing.T) {
	c, err := NewClient(Config{ClientID: testClientID, HubBaseURL: "https://hub.invalid.test"})
	require.NoError(t, err)
	defer releaseSingleton(c)
	assert.Equal(t, "dev", c.cfg.Env)
}

func TestOnExchangeFeedsCountersAndRegistry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c := newHubClient(t, srv, requestlog.Config{Enabled: true, LogRequestBody: true, LogResponseBody: true})

	c.OnExchange(adapter.Exchange{
		Request: adapter.Request{
			Method:       "GET",
			URL:          "https://api.example.com/items/42",
			PathTemplate: "/items/:id",
			Consumer:     &types.Consumer{Identifier: "user-1", Name: "User One"},
		},
		Response: adapter.Response{
			StatusCode:     200,
			ResponseTimeMS: 12.5,
		},
	})

	items := c.requestCounter.GetAndResetRequests()
	require.Len(t, items, 1)
	assert.Equal(t, "GET", items[0].Method)
	assert.Equal(t, "/items/:id", items[0].Path)

	consumers := c.consumers.GetAndResetUpdatedConsumers()
	require.Len(t, consumers, 1)
	assert.Equal(t, "user-1", consumers[0].Identifier)
}

func TestOnExchangeRecordsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c := newHubClient(t, srv, requestlog.Config{})

	c.OnExchange(adapter.Exchange{
		Request:  adapter.Request{Method: "POST", URL: "https://api.example.com/items", PathTemplate: "/items"},
		Response: adapter.Response{StatusCode: 500},
		Exception: &adapter.Exception{
			Type:    "RuntimeError",
			Message: "boom",
		},
	})

	errs := c.serverErrs.GetAndResetServerErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, "RuntimeError", errs[0].Type)
}

func TestAddValidationErrorAddServerErrorAddConsumerDelegate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c := newHubClient(t, srv, requestlog.Config{})

	c.AddValidationError(types.ValidationErrorInfo{Method: "GET", Path: "/items", Loc: []string{"query", "limit"}, Msg: "must be an integer"})
	c.AddServerError(types.ServerErrorInfo{Method: "GET", Path: "/items", Type: "ValueError", Msg: "bad value"})
	c.AddOrUpdateConsumer(&types.Consumer{Identifier: "user-2", Name: "User Two"})

	assert.Len(t, c.validationErrs.GetAndResetValidationErrors(), 1)
	assert.Len(t, c.serverErrs.GetAndResetServerErrors(), 1)
	assert.Len(t, c.consumers.GetAndResetUpdatedConsumers(), 1)
}

func TestSetStartupDataSendsOnSuccess(t *testing.T) {
	var mu sync.Mutex
	var startupCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/startup") {
			mu.Lock()
			startupCalls++
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c := newHubClient(t, srv, requestlog.Config{})

	c.SetStartupData([]PathInfo{{Method: "GET", Path: "/items"}}, "1.2.3")

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.startupSent
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.GreaterOrEqual(t, startupCalls, 1)
	mu.Unlock()
}

// TestHub404StopsSync is Scenario 4: once the Hub tells us the client
// id is unknown, the scheduler must stop within a second and no
// further sync requests go out.
func TestHub404StopsSync(t *testing.T) {
	var mu sync.Mutex
	var syncCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/sync") {
			mu.Lock()
			syncCalls++
			mu.Unlock()
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c := newHubClient(t, srv, requestlog.Config{})
	c.ticker.Start(context.Background(), c.tick)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return syncCalls >= 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	after := syncCalls
	mu.Unlock()

	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	settled := syncCalls
	mu.Unlock()

	assert.Equal(t, after, settled, "sync must stop firing once the Hub rejects the client id")
}

// TestHub402SuspendsLogging is Scenario 5: a 402 with Retry-After on a
// log upload suspends request logging for that many seconds, after
// which the maintenance loop re-enables it automatically.
func TestHub402SuspendsLogging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/log") {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c := newHubClient(t, srv, requestlog.Config{Enabled: true})

	require.NoError(t, c.requestLogger.RequeueLogFile("preexisting", []byte("placeholder-gzip-bytes")))
	require.False(t, c.requestLogger.Suspended())

	c.sendLog(context.Background())

	assert.True(t, c.requestLogger.Suspended())

	require.Eventually(t, func() bool {
		return !c.requestLogger.Suspended()
	}, 2*time.Second, 50*time.Millisecond)
}

func TestShutdownPerformsFinalSyncAndLog(t *testing.T) {
	var mu sync.Mutex
	var syncCalls, logCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/sync"):
			syncCalls++
		case strings.HasSuffix(r.URL.Path, "/log"):
			logCalls++
		}
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c := newHubClient(t, srv, requestlog.Config{Enabled: true})
	require.NoError(t, c.requestLogger.RequeueLogFile("pending-file", []byte("placeholder-gzip-bytes")))

	c.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, syncCalls)
	assert.Equal(t, 1, logCalls)
}
