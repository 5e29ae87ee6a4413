// Package apitally is an in-process API telemetry agent. Embedded in
// an HTTP server application, it observes every served request,
// aggregates per-endpoint metrics, classifies validation and server
// errors, optionally captures masked per-request detail logs, and
// periodically synchronizes all of it with the Apitally Hub.
//
// A single Client is created at host startup via NewClient and shut
// down once via Shutdown. Framework integrations feed completed
// exchanges into the client through the adapter package's Hook
// interface; this package does not depend on any specific framework.
package apitally
