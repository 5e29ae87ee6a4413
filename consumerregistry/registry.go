// Package consumerregistry deduplicates and upserts consumer identity
// updates observed on requests.
package consumerregistry

import (
	"sync"

	"github.com/apitally/apitally-go/types"
)

// Registry maps consumer identifier to the last-known Consumer record
// and tracks which identifiers changed since the last drain. The
// consumers map itself persists across drains; only the updated set
// is cleared.
type Registry struct {
	mu        sync.Mutex
	consumers map[string]types.Consumer
	updated   map[string]struct{}
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		consumers: make(map[string]types.Consumer),
		updated:   make(map[string]struct{}),
	}
}

// AddOrUpdateConsumer records consumer if it carries a name or group.
// A consumer with only an identifier is a no-op: it is usable as a
// request attribute elsewhere but never registered as an update. An
// unknown identifier is inserted and marked updated unconditionally;
// a known identifier is updated field-by-field (a non-empty new value
// that differs from the stored one replaces it) and marked updated
// only if something actually changed.
func (r *Registry) AddOrUpdateConsumer(consumer *types.Consumer) {
	if consumer == nil {
		return
	}
	c := consumer.Normalize()
	if c.Identifier == "" || !c.HasNameOrGroup() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, known := r.consumers[c.Identifier]
	if !known {
		r.consumers[c.Identifier] = c
		r.updated[c.Identifier] = struct{}{}
		return
	}

	changed := false
	if c.Name != "" && c.Name != existing.Name {
		existing.Name = c.Name
		changed = true
	}
	if c.Group != "" && c.Group != existing.Group {
		existing.Group = c.Group
		changed = true
	}
	if !changed {
		return
	}
	r.consumers[c.Identifier] = existing
	r.updated[c.Identifier] = struct{}{}
}

// GetAndResetUpdatedConsumers returns the current Consumer record for
// every identifier updated since the last drain, then clears the
// updated set. The underlying consumers map is retained.
func (r *Registry) GetAndResetUpdatedConsumers() []types.Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Consumer, 0, len(r.updated))
	for id := range r.updated {
		if c, ok := r.consumers[id]; ok {
			out = append(out, c)
		}
	}
	r.updated = make(map[string]struct{})
	return out
}
