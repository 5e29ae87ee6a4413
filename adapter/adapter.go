// Package adapter defines the narrow contract a host HTTP framework
// integration implements to feed completed exchanges into the core.
// The core never imports a framework; it only consumes these shapes.
package adapter

import "github.com/apitally/apitally-go/types"

// Request is the framework-agnostic view of an inbound HTTP request
// the core needs. PathTemplate must be the route template (e.g.
// "/items/:id"), never the concrete URL, since it feeds the
// aggregation key.
type Request struct {
	Method       string
	URL          string
	PathTemplate string
	Headers      []types.Header
	Body         []byte
	Consumer     *types.Consumer
}

// Response is the framework-agnostic view of the exchange's outcome.
type Response struct {
	StatusCode     int
	Headers        []types.Header
	Body           []byte
	ResponseTimeMS float64
}

// Exception is the optional unhandled error observed while serving
// the request, surfaced separately from Response since a framework
// may report both a 500 response and exception detail.
type Exception struct {
	Type          string
	Message       string
	Stacktrace    string
	SentryEventID string
}

// CapturedLog is one application log line an adapter attached to the
// request (via whatever log-capture mechanism the framework uses).
type CapturedLog struct {
	Timestamp float64
	Logger    string
	Level     string
	Message   string
}

// Exchange is the full tuple an adapter hands to a Hook after a
// request finishes: request, response, and optional exception/logs.
type Exchange struct {
	Request   Request
	Response  Response
	Exception *Exception
	Logs      []CapturedLog
}

// Hook is implemented by the core (apitally.Client) and invoked once
// per completed HTTP exchange by the adapter's middleware.
type Hook interface {
	OnExchange(Exchange)
}
