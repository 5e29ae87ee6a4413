// Package errortracking fingerprints and deduplicates validation and
// server errors observed while serving requests. Both counters follow
// the same shape: a counts map and a details map keyed by an MD5
// fingerprint, so the first occurrence's detail is retained as the
// sample and later occurrences only bump the counter.
package errortracking

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/apitally/apitally-go/types"
)

const (
	maxMsgLen       = 2048
	maxTracebackLen = 65536
	msgTruncSuffix  = "... (truncated)"
	tbTruncSuffix   = "... (truncated) ..."
)

// TruncateMsg truncates s to maxMsgLen characters, appending the
// truncation suffix when cut.
func TruncateMsg(s string) string {
	if len(s) <= maxMsgLen {
		return s
	}
	cut := maxMsgLen - len(msgTruncSuffix)
	if cut < 0 {
		cut = 0
	}
	return s[:cut] + msgTruncSuffix
}

// TruncateTraceback truncates s to maxTracebackLen characters at a
// line boundary, appending the truncation suffix when cut.
func TruncateTraceback(s string) string {
	if len(s) <= maxTracebackLen {
		return s
	}
	limit := maxTracebackLen - len(tbTruncSuffix)
	if limit < 0 {
		limit = 0
	}
	cut := s[:limit]
	if idx := strings.LastIndexByte(cut, '\n'); idx >= 0 {
		cut = cut[:idx]
	}
	return cut + tbTruncSuffix
}

func fingerprint(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

func consumerID(c *types.Consumer) string {
	if c == nil {
		return ""
	}
	return c.Identifier
}

// ValidationErrorCounter fingerprints validation failures by
// (consumer, method, path, loc, trimmed msg, type).
type ValidationErrorCounter struct {
	mu      sync.Mutex
	counts  map[string]int64
	details map[string]types.ValidationError
}

// NewValidationErrorCounter creates an empty counter.
func NewValidationErrorCounter() *ValidationErrorCounter {
	return &ValidationErrorCounter{
		counts:  make(map[string]int64),
		details: make(map[string]types.ValidationError),
	}
}

// AddValidationError records one occurrence of err.
func (c *ValidationErrorCounter) AddValidationError(err types.ValidationErrorInfo) {
	msg := strings.TrimSpace(err.Msg)
	loc := strings.Join(err.Loc, ".")
	method := strings.ToUpper(err.Method)
	key := fingerprint(consumerID(err.Consumer), method, err.Path, loc, msg, err.Type)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[key]++
	if _, exists := c.details[key]; !exists {
		c.details[key] = types.ValidationError{
			Consumer: consumerID(err.Consumer),
			Method:   method,
			Path:     err.Path,
			Loc:      err.Loc,
			Msg:      msg,
			Type:     err.Type,
		}
	}
}

// GetAndResetValidationErrors drains the counter: one row per
// fingerprint with its error_count, both maps cleared.
func (c *ValidationErrorCounter) GetAndResetValidationErrors() []types.ValidationError {
	c.mu.Lock()
	counts, details := c.counts, c.details
	c.counts = make(map[string]int64)
	c.details = make(map[string]types.ValidationError)
	c.mu.Unlock()

	out := make([]types.ValidationError, 0, len(details))
	for key, detail := range details {
		detail.ErrorCount = counts[key]
		out = append(out, detail)
	}
	return out
}

// SentryEventIDSource supplies the current thread/request-local Sentry
// event id, if any, at the moment a server error is inserted. Hosts
// that don't use Sentry simply never register one; core code never
// depends on a concrete Sentry SDK type.
type SentryEventIDSource func() string

// ServerErrorCounter fingerprints server errors by (consumer, method,
// path, type, trimmed msg, trimmed traceback).
type ServerErrorCounter struct {
	mu        sync.Mutex
	counts    map[string]int64
	details   map[string]types.ServerError
	sentrySrc SentryEventIDSource
}

// NewServerErrorCounter creates an empty counter. sentrySrc may be nil.
func NewServerErrorCounter(sentrySrc SentryEventIDSource) *ServerErrorCounter {
	return &ServerErrorCounter{
		counts:    make(map[string]int64),
		details:   make(map[string]types.ServerError),
		sentrySrc: sentrySrc,
	}
}

// AddServerError records one occurrence of err. msg is truncated to
// 2048 chars and traceback to 65536 chars (at a line boundary) before
// either fingerprinting or storage.
func (c *ServerErrorCounter) AddServerError(err types.ServerErrorInfo) {
	msg := TruncateMsg(strings.TrimSpace(err.Msg))
	traceback := TruncateTraceback(strings.TrimSpace(err.Traceback))
	method := strings.ToUpper(err.Method)
	key := fingerprint(consumerID(err.Consumer), method, err.Path, err.Type, msg, traceback)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[key]++
	if _, exists := c.details[key]; !exists {
		sentryID := err.SentryEventID
		if sentryID == "" && c.sentrySrc != nil {
			sentryID = c.sentrySrc()
		}
		c.details[key] = types.ServerError{
			Consumer:      consumerID(err.Consumer),
			Method:        method,
			Path:          err.Path,
			Type:          err.Type,
			Msg:           msg,
			Traceback:     traceback,
			SentryEventID: sentryID,
		}
	}
}

// GetAndResetServerErrors drains the counter: one row per fingerprint
// with its error_count, both maps cleared.
func (c *ServerErrorCounter) GetAndResetServerErrors() []types.ServerError {
	c.mu.Lock()
	counts, details := c.counts, c.details
	c.counts = make(map[string]int64)
	c.details = make(map[string]types.ServerError)
	c.mu.Unlock()

	out := make([]types.ServerError, 0, len(details))
	for key, detail := range details {
		detail.ErrorCount = counts[key]
		out = append(out, detail)
	}
	return out
}
