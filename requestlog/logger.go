// Package requestlog captures bounded, masked detail records for
// individual requests and spools them, gzip-compressed, for upload.
// Ingest (LogRequest) is synchronous and cheap; masking, serialization
// and compression happen on the 1-second maintenance tick so the
// request path never blocks on them.
package requestlog

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apitally/apitally-go/internal/agentlog"
	"github.com/apitally/apitally-go/internal/util"
	"github.com/apitally/apitally-go/types"
)

const (
	maxPendingWrites = 100
	maxBodySize      = 50_000
	maxLogMessageLen = 2048
	bodyTooLarge     = "<body too large>"
)

// Config controls what the logger captures and masks. Zero value
// disables everything except the built-in exclusions/masks.
type Config struct {
	Enabled            bool
	LogQueryParams     bool
	LogRequestHeaders  bool
	LogRequestBody     bool
	LogResponseHeaders bool
	LogResponseBody    bool
	LogException       bool
	CaptureLogs        bool

	MaskQueryParams []string
	MaskHeaders     []string
	MaskBodyFields  []string
	ExcludePaths    []string

	MaskRequestBodyCallback  func([]byte) []byte
	MaskResponseBodyCallback func([]byte) []byte
	ExcludeCallback          func(method, path string) bool
}

// RawExchange is the ingress shape LogRequest accepts, deliberately
// plain rather than importing the adapter package, so requestlog has
// no dependency on the adapter contract.
type RawExchange struct {
	Method          string
	URL             string
	PathTemplate    string
	Consumer        string
	RequestHeaders  []types.Header
	RequestBody     []byte
	StatusCode      int
	ResponseTimeMS  float64
	ResponseHeaders []types.Header
	ResponseBody    []byte
	Exception       *types.Exception
	Logs            []types.LogRecord

	// Now is injectable for deterministic tests; when nil, the record
	// is timestamped with the Logger's own clock at serialization.
	Now func() time.Time
}

// Logger is the request-log component: ingest, masking/serialization,
// and the gzip spool, tied together by a 1-second maintenance loop.
type Logger struct {
	cfg     Config
	enabled bool

	mu           sync.Mutex
	suspendUntil time.Time
	pending      []RawExchange

	spool *spool

	now func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger interface {
		Warnw(string, ...interface{})
		Debugw(string, ...interface{})
	}
}

// New constructs a Logger. enabled is forced false if the temp
// directory is not writable, probed here at construction.
func New(cfg Config) *Logger {
	l := &Logger{
		cfg:    cfg,
		now:    time.Now,
		spool:  newSpool(os.TempDir()),
		stop:   make(chan struct{}),
		logger: agentlog.Component("requestlog"),
	}
	l.enabled = cfg.Enabled && probeWritable(os.TempDir())
	return l
}

func probeWritable(dir string) bool {
	f, err := os.CreateTemp(dir, "apitally-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

// Start begins the 1-second maintenance loop.
func (l *Logger) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.maintenanceLoop(ctx)
}

func (l *Logger) maintenanceLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.maintain()
		}
	}
}

// maintain flushes pending writes, rotates an oversize file, and
// clears an expired suspension.
func (l *Logger) maintain() {
	l.flushPending()
	l.spool.rotateIfOversize()

	l.mu.Lock()
	if !l.suspendUntil.IsZero() && !l.now().Before(l.suspendUntil) {
		l.suspendUntil = time.Time{}
	}
	l.mu.Unlock()
}

// Suspend sets suspendUntil to now+d and drops all pending writes,
// per the Hub's 402+Retry-After contract.
func (l *Logger) Suspend(d time.Duration) {
	l.mu.Lock()
	l.suspendUntil = l.now().Add(d)
	l.pending = nil
	l.mu.Unlock()
}

// suspended reports whether logRequest is currently a no-op.
func (l *Logger) suspended() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.suspendUntil.IsZero() && l.now().Before(l.suspendUntil)
}

// LogRequest synchronously validates and enqueues exchange for later
// masking/serialization. It is a no-op if the logger is disabled,
// suspended, the path is excluded, or the user agent looks like a
// health-check probe.
func (l *Logger) LogRequest(ex RawExchange) {
	if !l.enabled || l.suspended() {
		return
	}

	parsed, err := url.Parse(ex.URL)
	path := ex.PathTemplate
	if err == nil && path == "" {
		path = parsed.Path
	}
	if isExcludedPath(path) || matchesAny(l.cfg.ExcludePaths, path) {
		return
	}
	if l.cfg.ExcludeCallback != nil {
		excluded := func() (result bool) {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Warnw("exclude callback panicked", "recover", r)
					result = false
				}
			}()
			return l.cfg.ExcludeCallback(ex.Method, path)
		}()
		if excluded {
			return
		}
	}
	if userAgent := headerValue(ex.RequestHeaders, "User-Agent"); isExcludedUserAgent(userAgent) {
		return
	}

	if !l.cfg.LogRequestBody {
		ex.RequestBody = nil
	} else if ct := headerValue(ex.RequestHeaders, "Content-Type"); !isLoggableContentType(ct) {
		ex.RequestBody = nil
	}
	if !l.cfg.LogResponseBody {
		ex.ResponseBody = nil
	} else if ct := headerValue(ex.ResponseHeaders, "Content-Type"); !isLoggableContentType(ct) {
		ex.ResponseBody = nil
	}

	if !l.cfg.LogException {
		ex.Exception = nil
	} else if ex.Exception != nil {
		trimmed := *ex.Exception
		trimmed.Message = truncate(trimmed.Message, maxLogMessageLen)
		ex.Exception = &trimmed
	}

	if l.cfg.CaptureLogs {
		for i := range ex.Logs {
			ex.Logs[i].Message = truncate(ex.Logs[i].Message, maxLogMessageLen)
		}
	} else {
		ex.Logs = nil
	}

	l.mu.Lock()
	l.pending = append(l.pending, ex)
	if len(l.pending) > maxPendingWrites {
		l.pending = l.pending[len(l.pending)-maxPendingWrites:]
	}
	l.mu.Unlock()
}

func headerValue(headers []types.Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// headerSize parses the Content-Length header into a non-negative
// int64, for the RequestLogItem's request_size/response_size fields.
func headerSize(headers []types.Header, name string) (int64, bool) {
	v := headerValue(headers, name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// flushPending masks and serializes every pending write into the
// spool, clearing the queue.
func (l *Logger) flushPending() {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, ex := range batch {
		record := l.buildRecord(ex)
		data, err := json.Marshal(record)
		if err != nil {
			l.logger.Warnw("serializing request log record", "error", err)
			continue
		}
		if err := l.spool.write(data); err != nil {
			l.logger.Warnw("writing request log record to spool", "error", err)
		}
	}
}

func (l *Logger) buildRecord(ex RawExchange) types.RequestLogItem {
	nowFn := ex.Now
	if nowFn == nil {
		nowFn = l.now
	}

	path := ex.PathTemplate
	rawQuery := ""
	if parsed, err := url.Parse(ex.URL); err == nil {
		if path == "" {
			path = parsed.Path
		}
		rawQuery = parsed.RawQuery
	}
	if l.cfg.LogQueryParams && rawQuery != "" {
		rawQuery = l.cfg.maskQueryString(rawQuery)
		path = path + "?" + rawQuery
	}

	reqBody := l.maskBody(ex.RequestBody, l.cfg.MaskRequestBodyCallback)
	respBody := l.maskBody(ex.ResponseBody, l.cfg.MaskResponseBodyCallback)

	item := types.RequestLogItem{
		UUID: uuid.NewString(),
		Request: types.RequestLogItemRequest{
			Timestamp: float64(nowFn().UnixNano()) / 1e9,
			Consumer:  ex.Consumer,
			Method:    strings.ToUpper(ex.Method),
			Path:      path,
			URL:       ex.URL,
			Headers:   l.cfg.maskHeaderPairs(ex.RequestHeaders, l.cfg.LogRequestHeaders),
			Body:      reqBody,
		},
		Response: types.RequestLogItemResponse{
			StatusCode:      ex.StatusCode,
			ResponseTimeSec: ex.ResponseTimeMS / 1000,
			Headers:         l.cfg.maskHeaderPairs(ex.ResponseHeaders, l.cfg.LogResponseHeaders),
			Body:            respBody,
		},
		Exception: toExceptionRecord(ex.Exception),
		Logs:      toLogRecords(ex.Logs),
	}
	if size, ok := headerSize(ex.RequestHeaders, "Content-Length"); ok {
		item.Request.Size = util.Ptr(size)
	}
	if size, ok := headerSize(ex.ResponseHeaders, "Content-Length"); ok {
		item.Response.Size = util.Ptr(size)
	}
	return item
}

func toExceptionRecord(e *types.Exception) *types.Exception {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

func toLogRecords(logs []types.LogRecord) []types.LogRecord {
	if len(logs) == 0 {
		return nil
	}
	return logs
}

// maskBody applies the user callback (dropping the body if it panics),
// caps oversize bodies with the sentinel, then applies built-in JSON
// field masking.
func (l *Logger) maskBody(body []byte, callback func([]byte) []byte) []byte {
	if body == nil {
		return nil
	}

	if callback != nil {
		masked, ok := func() (out []byte, ok bool) {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Warnw("mask body callback panicked", "recover", r)
					ok = false
				}
			}()
			return callback(body), true
		}()
		if !ok {
			return nil
		}
		body = masked
	}

	if len(body) > maxBodySize {
		return []byte(bodyTooLarge)
	}

	return l.cfg.maskJSONBody(body)
}

// Clear empties pending writes and deletes every spool file, open or
// closed.
func (l *Logger) Clear() {
	l.mu.Lock()
	l.pending = nil
	l.mu.Unlock()
	l.spool.clear()
}

// Close stops the maintenance loop and clears all state. Safe to call
// more than once; the logger is not reusable afterward.
func (l *Logger) Close() {
	l.enabled = false
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	l.wg.Wait()
	l.Clear()
}

// PopLogFile first rotates the open spool file (if it holds any
// records) into the closed deque, then removes and returns the oldest
// closed file's gzip-compressed bytes, for upload. ok is false if none
// are pending.
func (l *Logger) PopLogFile() (id string, data []byte, ok bool) {
	l.spool.rotate()
	return l.spool.pop()
}

// RequeueLogFile re-queues a file that failed to upload so it is
// retried ahead of newer files.
func (l *Logger) RequeueLogFile(id string, data []byte) error {
	return l.spool.pushFront(id, data)
}

// PendingLogFileCount returns the number of closed files awaiting
// upload.
func (l *Logger) PendingLogFileCount() int {
	return l.spool.count()
}

// Suspended reports whether the Hub has asked logging to pause (a 402
// response with Retry-After), per Suspend.
func (l *Logger) Suspended() bool {
	return l.suspended()
}

// Enabled reports whether the logger will act on LogRequest calls.
func (l *Logger) Enabled() bool {
	return l.enabled
}
