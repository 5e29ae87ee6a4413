package apitally

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apitally/apitally-go/adapter"
	"github.com/apitally/apitally-go/consumerregistry"
	"github.com/apitally/apitally-go/errortracking"
	"github.com/apitally/apitally-go/instanceid"
	"github.com/apitally/apitally-go/internal/agentlog"
	"github.com/apitally/apitally-go/internal/agentversion"
	"github.com/apitally/apitally-go/internal/backoff"
	"github.com/apitally/apitally-go/internal/errkit"
	"github.com/apitally/apitally-go/internal/hubtransport"
	"github.com/apitally/apitally-go/internal/scheduler"
	"github.com/apitally/apitally-go/internal/util"
	"github.com/apitally/apitally-go/requestcounter"
	"github.com/apitally/apitally-go/requestlog"
	"github.com/apitally/apitally-go/types"
)

const (
	burstDuration  = 3600 * time.Second
	burstInterval  = 10 * time.Second
	steadyInterval = 60 * time.Second

	syncQueueMaxAge    = 3_600_000 * time.Millisecond
	maxLogFilesPerTick = 10

	postJitterMin = 100 * time.Millisecond
	postJitterMax = 500 * time.Millisecond

	// defaultEnv is applied when Config.Env is left blank, per §6.
	defaultEnv = "dev"
)

var (
	singletonMu sync.Mutex
	singleton   *Client
)

// Client owns lifecycle: scheduler, Hub transport, and every
// component that feeds a SyncPayload. Exactly one Client may be live
// per process.
type Client struct {
	cfg          Config
	instanceUUID string

	requestCounter *requestcounter.Counter
	consumers      *consumerregistry.Registry
	validationErrs *errortracking.ValidationErrorCounter
	serverErrs     *errortracking.ServerErrorCounter
	requestLogger  *requestlog.Logger

	hub *hubtransport.Client

	ticker *scheduler.Ticker

	mu             sync.Mutex
	startupSent    bool
	startupPayload *StartupPayload
	syncQueue      []queuedSync
	stopped        bool

	now func() time.Time
}

type queuedSync struct {
	payload  SyncPayload
	body     []byte
	queuedAt time.Time
}

// NewClient validates cfg, claims the process-wide singleton slot,
// and starts the scheduler. A second call while a Client is live
// fails with errkit.AlreadyInitialized.
func NewClient(cfg Config) (*Client, error) {
	if !validateClientID(cfg.ClientID) {
		return nil, errkit.WithKind(errkit.ConfigInvalid, errkit.Newf("invalid client id %q", cfg.ClientID))
	}
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = defaultEnv
	}
	cfg.Env = normalizeEnv(cfg.Env)
	if !validateEnv(cfg.Env) {
		return nil, errkit.WithKind(errkit.ConfigInvalid, errkit.Newf("invalid env %q", cfg.Env))
	}

	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton != nil {
		return nil, errkit.WithKind(errkit.AlreadyInitialized, errkit.New("a Client is already running in this process"))
	}

	if cfg.Logger != nil {
		agentlog.Configure(cfg.Logger)
	}

	baseURL := cfg.HubBaseURL
	if baseURL == "" {
		baseURL = os.Getenv("APITALLY_HUB_BASE_URL")
	}

	c := &Client{
		cfg:            cfg,
		instanceUUID:   instanceid.Resolve(cfg.ClientID, cfg.Env),
		requestCounter: requestcounter.New(),
		consumers:      consumerregistry.New(),
		validationErrs: errortracking.NewValidationErrorCounter(),
		serverErrs:     errortracking.NewServerErrorCounter(nil),
		requestLogger:  requestlog.New(cfg.RequestLogging),
		hub:            hubtransport.New(baseURL, cfg.ClientID, cfg.Env, hubtransport.NewSaferClient(30*time.Second)),
		ticker: &scheduler.Ticker{
			BurstDuration:  burstDuration,
			BurstInterval:  burstInterval,
			SteadyInterval: steadyInterval,
		},
		now: time.Now,
	}

	ctx := context.Background()
	c.requestLogger.Start(ctx)
	c.ticker.Start(ctx, c.tick)

	singleton = c
	return c, nil
}

// OnExchange implements adapter.Hook: it feeds one completed HTTP
// exchange into the counters, registries, and request logger.
func (c *Client) OnExchange(ex adapter.Exchange) {
	reqInfo := types.RequestInfo{
		Consumer:       ex.Request.Consumer,
		Method:         ex.Request.Method,
		Path:           ex.Request.PathTemplate,
		StatusCode:     ex.Response.StatusCode,
		ResponseTimeMS: ex.Response.ResponseTimeMS,
	}
	if size, ok := headerSize(ex.Request.Headers, "Content-Length"); ok {
		reqInfo.RequestSize = util.Ptr(size)
	}
	if size, ok := headerSize(ex.Response.Headers, "Content-Length"); ok {
		reqInfo.ResponseSize = util.Ptr(size)
	}
	c.requestCounter.AddRequest(reqInfo)

	if ex.Request.Consumer != nil {
		c.consumers.AddOrUpdateConsumer(ex.Request.Consumer)
	}

	if ex.Exception != nil {
		c.serverErrs.AddServerError(types.ServerErrorInfo{
			Consumer:      ex.Request.Consumer,
			Method:        ex.Request.Method,
			Path:          ex.Request.PathTemplate,
			Type:          ex.Exception.Type,
			Msg:           ex.Exception.Message,
			Traceback:     ex.Exception.Stacktrace,
			SentryEventID: ex.Exception.SentryEventID,
		})
	}

	c.requestLogger.LogRequest(requestlog.RawExchange{
		Method:          ex.Request.Method,
		URL:             ex.Request.URL,
		PathTemplate:    ex.Request.PathTemplate,
		Consumer:        consumerIdentifier(ex.Request.Consumer),
		RequestHeaders:  ex.Request.Headers,
		RequestBody:     ex.Request.Body,
		StatusCode:      ex.Response.StatusCode,
		ResponseTimeMS:  ex.Response.ResponseTimeMS,
		ResponseHeaders: ex.Response.Headers,
		ResponseBody:    ex.Response.Body,
		Exception:       toLogException(ex.Exception),
		Logs:            toLogRecords(ex.Logs),
	})
}

func consumerIdentifier(c *types.Consumer) string {
	if c == nil {
		return ""
	}
	return c.Identifier
}

func toLogException(e *adapter.Exception) *types.Exception {
	if e == nil {
		return nil
	}
	return &types.Exception{
		Type:          e.Type,
		Message:       e.Message,
		Stacktrace:    e.Stacktrace,
		SentryEventID: e.SentryEventID,
	}
}

func toLogRecords(logs []adapter.CapturedLog) []types.LogRecord {
	if len(logs) == 0 {
		return nil
	}
	out := make([]types.LogRecord, len(logs))
	for i, l := range logs {
		out[i] = types.LogRecord{Timestamp: l.Timestamp, Logger: l.Logger, Level: l.Level, Message: l.Message}
	}
	return out
}

func headerSize(headers []types.Header, name string) (int64, bool) {
	for _, h := range headers {
		if h.Name == name {
			return requestcounter.ParseSize(h.Value)
		}
	}
	return 0, false
}

// AddValidationError records a validation failure observed while
// serving a request.
func (c *Client) AddValidationError(err types.ValidationErrorInfo) {
	c.validationErrs.AddValidationError(err)
}

// AddServerError records an unhandled exception observed while
// serving a request.
func (c *Client) AddServerError(err types.ServerErrorInfo) {
	c.serverErrs.AddServerError(err)
}

// AddOrUpdateConsumer records a consumer identity update outside the
// request path (e.g. during authentication).
func (c *Client) AddOrUpdateConsumer(consumer *types.Consumer) {
	c.consumers.AddOrUpdateConsumer(consumer)
}

// SetStartupData stores the one-time startup payload and eagerly
// triggers its publication outside the regular tick.
func (c *Client) SetStartupData(paths []PathInfo, appVersion string) {
	if appVersion == "" {
		appVersion = c.cfg.AppVersion
	}
	c.mu.Lock()
	c.startupPayload = &StartupPayload{
		InstanceUUID: c.instanceUUID,
		MessageUUID:  uuid.NewString(),
		Paths:        paths,
		Versions:     agentversion.Versions(appVersion),
		Client:       c.cfg.ClientID,
	}
	c.startupSent = false
	c.mu.Unlock()

	go c.sendStartup(context.Background())
}

// tick runs one scheduler iteration: sendSync, sendLog, and (until
// acknowledged) sendStartup, in parallel.
func (c *Client) tick(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.sendSync(ctx)
	}()
	go func() {
		defer wg.Done()
		c.sendLog(ctx)
	}()
	if c.needsStartupSend() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.sendStartup(ctx)
		}()
	}
	wg.Wait()
}

func (c *Client) needsStartupSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startupPayload != nil && !c.startupSent
}

func (c *Client) sendStartup(ctx context.Context) {
	c.mu.Lock()
	payload := c.startupPayload
	already := c.startupSent
	c.mu.Unlock()
	if payload == nil || already {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		agentlog.Logger.Warnw("marshaling startup payload", "error", err)
		return
	}

	outcome, _, err := c.hub.PostJSON(ctx, c.hub.Endpoint("startup"), body)
	if err != nil {
		agentlog.Logger.Warnw("startup POST failed", "error", err)
		return
	}
	switch outcome {
	case hubtransport.OutcomeSuccess:
		c.mu.Lock()
		c.startupSent = true
		c.mu.Unlock()
	case hubtransport.OutcomeTerminalUnknownClient:
		agentlog.Logger.Errorw("Hub rejected client id on startup; stopping scheduler")
		go c.ticker.Stop()
	case hubtransport.OutcomeSchemaRejected:
		agentlog.Logger.Warnw("Hub rejected startup payload schema")
	}
}

// sendSync builds a SyncPayload from the current counter/registry
// state, enqueues it, then drains the queue: payloads older than
// syncQueueMaxAge are dropped; a transient failure stops further
// draining this tick and leaves the payload at the front of the
// queue. A short jitter separates back-to-back POSTs.
func (c *Client) sendSync(ctx context.Context) {
	payload := SyncPayload{
		Timestamp:        float64(c.now().UnixNano()) / 1e9,
		InstanceUUID:     c.instanceUUID,
		MessageUUID:      uuid.NewString(),
		Requests:         c.requestCounter.GetAndResetRequests(),
		ValidationErrors: c.validationErrs.GetAndResetValidationErrors(),
		ServerErrors:     c.serverErrs.GetAndResetServerErrors(),
		Consumers:        c.consumers.GetAndResetUpdatedConsumers(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		agentlog.Logger.Warnw("marshaling sync payload", "error", err)
		return
	}

	c.mu.Lock()
	c.syncQueue = append(c.syncQueue, queuedSync{payload: payload, body: body, queuedAt: c.now()})
	c.mu.Unlock()

	c.drainSyncQueue(ctx)
}

func (c *Client) drainSyncQueue(ctx context.Context) {
	for {
		c.mu.Lock()
		if len(c.syncQueue) == 0 {
			c.mu.Unlock()
			return
		}
		item := c.syncQueue[0]
		c.mu.Unlock()

		if c.now().Sub(item.queuedAt) > syncQueueMaxAge {
			c.popSyncQueueFront()
			agentlog.Logger.Warnw("dropping stale sync payload")
			continue
		}

		outcome, _, err := c.hub.PostJSON(ctx, c.hub.Endpoint("sync"), item.body)
		if err != nil {
			return
		}
		switch outcome {
		case hubtransport.OutcomeSuccess, hubtransport.OutcomeSchemaRejected:
			c.popSyncQueueFront()
		case hubtransport.OutcomeTerminalUnknownClient:
			agentlog.Logger.Errorw("Hub rejected client id on sync; stopping scheduler")
			go c.ticker.Stop()
			return
		case hubtransport.OutcomeTransient:
			return
		}

		if _, more := c.peekSyncQueue(); more {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff.Jitter(postJitterMin, postJitterMax)):
			}
		}
	}
}

func (c *Client) popSyncQueueFront() {
	c.mu.Lock()
	if len(c.syncQueue) > 0 {
		c.syncQueue = c.syncQueue[1:]
	}
	c.mu.Unlock()
}

func (c *Client) peekSyncQueue() (queuedSync, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.syncQueue) == 0 {
		return queuedSync{}, false
	}
	return c.syncQueue[0], true
}

// sendLog rotates the current spool file, then pops up to
// maxLogFilesPerTick closed files and POSTs each to the log endpoint.
// A 402 response suspends request logging for Retry-After seconds and
// clears pending writes; any other transient failure re-queues the
// file at the front and stops uploading this tick.
func (c *Client) sendLog(ctx context.Context) {
	for i := 0; i < maxLogFilesPerTick; i++ {
		id, data, ok := c.requestLogger.PopLogFile()
		if !ok {
			return
		}

		outcome, resp, err := c.hub.PostCompressed(ctx, c.hub.Endpoint("log")+"?uuid="+id, data)
		if err != nil {
			_ = c.requestLogger.RequeueLogFile(id, data)
			return
		}

		switch outcome {
		case hubtransport.OutcomeSuccess, hubtransport.OutcomeSchemaRejected:
			// consumed; continue to next file
		case hubtransport.OutcomeSuspendLogging:
			seconds, _ := hubtransport.RetryAfterSeconds(resp)
			c.requestLogger.Suspend(time.Duration(seconds) * time.Second)
			return
		case hubtransport.OutcomeTerminalUnknownClient:
			agentlog.Logger.Errorw("Hub rejected client id on log upload; stopping scheduler")
			_ = c.requestLogger.RequeueLogFile(id, data)
			go c.ticker.Stop()
			return
		case hubtransport.OutcomeTransient:
			_ = c.requestLogger.RequeueLogFile(id, data)
			return
		}
	}
}

// Shutdown stops the scheduler, performs one final sync and log
// upload, closes the request logger, and releases the singleton
// slot. Safe to call once.
func (c *Client) Shutdown() {
	c.ticker.Stop()

	ctx := context.Background()
	c.sendSync(ctx)
	c.sendLog(ctx)
	c.requestLogger.Close()

	singletonMu.Lock()
	if singleton == c {
		singleton = nil
	}
	singletonMu.Unlock()

	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}
