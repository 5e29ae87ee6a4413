// Package types holds the data model shared across the agent: the
// request/response tuple framework adapters feed into the core, the
// Consumer identity, and the wire-level histogram and counter shapes
// that requestcounter, errortracking and requestlog all serialize.
package types

import (
	"encoding/json"
	"strconv"
	"strings"
)

// MaxConsumerIdentifierLen and friends bound Consumer field lengths
// per the data model (§3): identifier <=128 chars, name/group <=64.
const (
	MaxConsumerIdentifierLen = 128
	MaxConsumerNameLen       = 64
	MaxConsumerGroupLen      = 64
)

// Consumer identifies the authenticated caller attached to a request.
// A Consumer with only an Identifier set (no Name or Group) is usable
// as a request attribute but is never registered as an "update" --
// see consumerregistry.Registry.AddOrUpdateConsumer.
type Consumer struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`
	Group      string `json:"group,omitempty"`
}

// Normalize trims the identifier and truncates all fields to their
// maximum lengths. Returns the zero Consumer if the identifier is
// empty after trimming.
func (c Consumer) Normalize() Consumer {
	c.Identifier = strings.TrimSpace(c.Identifier)
	if c.Identifier == "" {
		return Consumer{}
	}
	if len(c.Identifier) > MaxConsumerIdentifierLen {
		c.Identifier = c.Identifier[:MaxConsumerIdentifierLen]
	}
	if len(c.Name) > MaxConsumerNameLen {
		c.Name = c.Name[:MaxConsumerNameLen]
	}
	if len(c.Group) > MaxConsumerGroupLen {
		c.Group = c.Group[:MaxConsumerGroupLen]
	}
	return c
}

// HasNameOrGroup reports whether the consumer carries anything beyond
// a bare identifier.
func (c Consumer) HasNameOrGroup() bool {
	return c.Name != "" || c.Group != ""
}

// RequestInfo is the ingress shape a framework adapter builds from a
// completed HTTP exchange and feeds into AddRequest. Path must be the
// route *template* (e.g. "/hello/:id"), never the concrete URL.
type RequestInfo struct {
	Consumer       *Consumer
	Method         string
	Path           string
	StatusCode     int
	ResponseTimeMS float64
	RequestSize    *int64
	ResponseSize   *int64
}

// CounterKey is the deterministic aggregation fingerprint for the
// request counter: consumer|"", uppercased method, path, status code.
type CounterKey struct {
	Consumer   string
	Method     string
	Path       string
	StatusCode int
}

// NewCounterKey builds a CounterKey from a RequestInfo, upper-casing
// the method and defaulting consumer to "" when absent.
func NewCounterKey(req RequestInfo) CounterKey {
	consumer := ""
	if req.Consumer != nil {
		consumer = req.Consumer.Identifier
	}
	return CounterKey{
		Consumer:   consumer,
		Method:     strings.ToUpper(req.Method),
		Path:       req.Path,
		StatusCode: req.StatusCode,
	}
}

// String renders the key as consumer|METHOD|path|status,
// pipe-delimited so that an empty consumer still produces a stable,
// distinguishable key.
func (k CounterKey) String() string {
	return k.Consumer + "|" + k.Method + "|" + k.Path + "|" + strconv.Itoa(k.StatusCode)
}

// Histogram is a bucket->count map. JSON-serialized with string keys
// per the wire schema (StartupPayload/SyncPayload use string bucket
// keys even though the bucket itself is numeric).
type Histogram map[int64]int64

// StringKeyed converts the histogram to the wire's map[string]int64
// shape.
func (h Histogram) StringKeyed() map[string]int64 {
	out := make(map[string]int64, len(h))
	for k, v := range h {
		out[strconv.FormatInt(k, 10)] = v
	}
	return out
}

// ResponseTimeBucket buckets a response time in milliseconds into
// 10ms-wide buckets, per §3.
func ResponseTimeBucket(ms float64) int64 {
	return int64(ms/10) * 10
}

// SizeBucketKB buckets a byte size into 1000-byte ("KB") buckets.
func SizeBucketKB(bytes int64) int64 {
	return bytes / 1000
}

// RequestsItem is one aggregated row of the drained request counter,
// keyed by CounterKey, as emitted on the SyncPayload.
type RequestsItem struct {
	Consumer        string    `json:"consumer,omitempty"`
	Method          string    `json:"method"`
	Path            string    `json:"path"`
	StatusCode      int       `json:"status_code"`
	RequestCount    int64     `json:"request_count"`
	RequestSizeSum  int64     `json:"request_size_sum"`
	ResponseSizeSum int64     `json:"response_size_sum"`
	ResponseTimes   Histogram `json:"response_times"`
	RequestSizes    Histogram `json:"request_sizes"`
	ResponseSizes   Histogram `json:"response_sizes"`
}

// MarshalJSON renders the three histograms with string-keyed buckets,
// matching the Hub's wire schema (§6).
func (r RequestsItem) MarshalJSON() ([]byte, error) {
	type alias struct {
		Consumer        string           `json:"consumer,omitempty"`
		Method          string           `json:"method"`
		Path            string           `json:"path"`
		StatusCode      int              `json:"status_code"`
		RequestCount    int64            `json:"request_count"`
		RequestSizeSum  int64            `json:"request_size_sum"`
		ResponseSizeSum int64            `json:"response_size_sum"`
		ResponseTimes   map[string]int64 `json:"response_times"`
		RequestSizes    map[string]int64 `json:"request_sizes"`
		ResponseSizes   map[string]int64 `json:"response_sizes"`
	}
	return json.Marshal(alias{
		Consumer:        r.Consumer,
		Method:          r.Method,
		Path:            r.Path,
		StatusCode:      r.StatusCode,
		RequestCount:    r.RequestCount,
		RequestSizeSum:  r.RequestSizeSum,
		ResponseSizeSum: r.ResponseSizeSum,
		ResponseTimes:   r.ResponseTimes.StringKeyed(),
		RequestSizes:    r.RequestSizes.StringKeyed(),
		ResponseSizes:   r.ResponseSizes.StringKeyed(),
	})
}

// ValidationErrorInfo is the ingress shape for a single validation
// failure observed on a request, as reported by a framework adapter.
type ValidationErrorInfo struct {
	Consumer *Consumer
	Method   string
	Path     string
	Loc      []string
	Msg      string
	Type     string
}

// ValidationError is one aggregated, deduplicated row emitted on the
// SyncPayload.
type ValidationError struct {
	Consumer   string   `json:"consumer,omitempty"`
	Method     string   `json:"method"`
	Path       string   `json:"path"`
	Loc        []string `json:"loc"`
	Msg        string   `json:"msg"`
	Type       string   `json:"type"`
	ErrorCount int64    `json:"error_count"`
}

// ServerErrorInfo is the ingress shape for a single unhandled
// exception observed while serving a request.
type ServerErrorInfo struct {
	Consumer      *Consumer
	Method        string
	Path          string
	Type          string
	Msg           string
	Traceback     string
	SentryEventID string
}

// ServerError is one aggregated, deduplicated row emitted on the
// SyncPayload.
type ServerError struct {
	Consumer      string `json:"consumer,omitempty"`
	Method        string `json:"method"`
	Path          string `json:"path"`
	Type          string `json:"type"`
	Msg           string `json:"msg"`
	Traceback     string `json:"traceback"`
	SentryEventID string `json:"sentry_event_id,omitempty"`
	ErrorCount    int64  `json:"error_count"`
}

// Exception is the optional exception detail attached to a request
// log record.
type Exception struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	Stacktrace    string `json:"stacktrace"`
	SentryEventID string `json:"sentry_event_id,omitempty"`
}

// LogRecord is one captured application log line attached to a
// request log record.
type LogRecord struct {
	Timestamp float64 `json:"timestamp"`
	Logger    string  `json:"logger,omitempty"`
	Level     string  `json:"level"`
	Message   string  `json:"message"`
}

// Header is a single name/value pair, serialized on the wire as a
// [name, value] tuple rather than an object so repeated header names
// survive the round trip.
type Header struct {
	Name  string
	Value string
}

// RequestLogItemRequest is the request half of a RequestLogItem.
type RequestLogItemRequest struct {
	Timestamp float64  `json:"timestamp"`
	Consumer  string   `json:"consumer,omitempty"`
	Method    string   `json:"method"`
	Path      string   `json:"path,omitempty"`
	URL       string   `json:"url"`
	Headers   []Header `json:"headers,omitempty"`
	Size      *int64   `json:"size,omitempty"`
	Body      []byte   `json:"body,omitempty"`
}

// RequestLogItemResponse is the response half of a RequestLogItem.
// ResponseTimeSec is in seconds, unlike RequestInfo.ResponseTimeMS and
// RequestsItem's histograms, which are milliseconds.
type RequestLogItemResponse struct {
	StatusCode      int      `json:"status_code"`
	ResponseTimeSec float64  `json:"response_time"`
	Headers         []Header `json:"headers,omitempty"`
	Size            *int64   `json:"size,omitempty"`
	Body            []byte   `json:"body,omitempty"`
}

// RequestLogItem is one full detail record written to the gzip spool,
// one per captured request, serialized as a single NDJSON line.
type RequestLogItem struct {
	UUID      string                 `json:"uuid"`
	Request   RequestLogItemRequest  `json:"request"`
	Response  RequestLogItemResponse `json:"response"`
	Exception *Exception             `json:"exception,omitempty"`
	Logs      []LogRecord            `json:"logs,omitempty"`
}

// MarshalJSON renders the header as a 2-element array.
func (h Header) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{h.Name, h.Value})
}

// UnmarshalJSON parses the header back out of a 2-element array.
func (h *Header) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	h.Name, h.Value = pair[0], pair[1]
	return nil
}
