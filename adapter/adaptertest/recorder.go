// Package adaptertest provides an in-memory adapter.Hook double for
// exercising the adapter contract in tests without a real client.
package adaptertest

import (
	"sync"

	"github.com/apitally/apitally-go/adapter"
)

// Recorder implements adapter.Hook, appending every exchange it
// receives so tests can assert on what a framework integration would
// have sent to the real client.
type Recorder struct {
	mu        sync.Mutex
	Exchanges []adapter.Exchange
}

// OnExchange appends exchange to the recorded list.
func (r *Recorder) OnExchange(exchange adapter.Exchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Exchanges = append(r.Exchanges, exchange)
}

// Count returns the number of exchanges recorded so far.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Exchanges)
}

// Reset clears all recorded exchanges.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Exchanges = nil
}
