// Package requestcounter aggregates per-endpoint request counts and
// histograms. It is the highest-volume write path in the agent, so
// every mutation is a single short critical section and draining is a
// map swap rather than a copy-then-clear, keeping writers and the
// periodic drain lock-compatible (see design notes on concurrent
// counters without framework magic).
package requestcounter

import (
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/apitally/apitally-go/internal/agentlog"
	"github.com/apitally/apitally-go/types"
)

type counters struct {
	counts          map[types.CounterKey]int64
	requestSizeSum  map[types.CounterKey]int64
	responseSizeSum map[types.CounterKey]int64
	responseTimes   map[types.CounterKey]types.Histogram
	requestSizes    map[types.CounterKey]types.Histogram
	responseSizes   map[types.CounterKey]types.Histogram
}

func newCounters() *counters {
	return &counters{
		counts:          make(map[types.CounterKey]int64),
		requestSizeSum:  make(map[types.CounterKey]int64),
		responseSizeSum: make(map[types.CounterKey]int64),
		responseTimes:   make(map[types.CounterKey]types.Histogram),
		requestSizes:    make(map[types.CounterKey]types.Histogram),
		responseSizes:   make(map[types.CounterKey]types.Histogram),
	}
}

// Counter maintains per-CounterKey request counts and histograms.
type Counter struct {
	mu     sync.Mutex
	inner  *counters
	logger *zap.SugaredLogger
}

// New creates an empty Counter.
func New() *Counter {
	return &Counter{
		inner:  newCounters(),
		logger: agentlog.Component("requestcounter"),
	}
}

// AddRequest increments the count for req's key, appends its response
// time to the 10ms-bucketed histogram, and -- when present -- adds
// request/response sizes to their sums and 1000-byte-bucketed
// histograms. Invalid sizes (negative, unparsable) are dropped rather
// than rejecting the whole call.
func (c *Counter) AddRequest(req types.RequestInfo) {
	key := types.NewCounterKey(req)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.inner.counts[key]++

	if c.inner.responseTimes[key] == nil {
		c.inner.responseTimes[key] = types.Histogram{}
	}
	c.inner.responseTimes[key][types.ResponseTimeBucket(req.ResponseTimeMS)]++

	if req.RequestSize != nil && *req.RequestSize >= 0 {
		c.inner.requestSizeSum[key] += *req.RequestSize
		if c.inner.requestSizes[key] == nil {
			c.inner.requestSizes[key] = types.Histogram{}
		}
		c.inner.requestSizes[key][types.SizeBucketKB(*req.RequestSize)]++
	}

	if req.ResponseSize != nil && *req.ResponseSize >= 0 {
		c.inner.responseSizeSum[key] += *req.ResponseSize
		if c.inner.responseSizes[key] == nil {
			c.inner.responseSizes[key] = types.Histogram{}
		}
		c.inner.responseSizes[key][types.SizeBucketKB(*req.ResponseSize)]++
	}
}

// GetAndResetRequests drains the counter: it returns one RequestsItem
// per observed key and atomically empties all internal state via a
// single map swap, so a writer racing the drain either lands in the
// returned snapshot or the fresh maps, never neither.
func (c *Counter) GetAndResetRequests() []types.RequestsItem {
	c.mu.Lock()
	snapshot := c.inner
	c.inner = newCounters()
	c.mu.Unlock()

	items := make([]types.RequestsItem, 0, len(snapshot.counts))
	for key, count := range snapshot.counts {
		items = append(items, types.RequestsItem{
			Consumer:        key.Consumer,
			Method:          key.Method,
			Path:            key.Path,
			StatusCode:      key.StatusCode,
			RequestCount:    count,
			RequestSizeSum:  snapshot.requestSizeSum[key],
			ResponseSizeSum: snapshot.responseSizeSum[key],
			ResponseTimes:   snapshot.responseTimes[key],
			RequestSizes:    snapshot.requestSizes[key],
			ResponseSizes:   snapshot.responseSizes[key],
		})
	}

	c.logger.Debugw("drained request counter", "items", len(items))
	return items
}

// ParseSize coerces a header-style size value (string, number, or the
// first element of an array of either) into a non-negative int64,
// returning ok=false for anything else -- mirroring the ingress
// coercion rule in §4.2 of the design.
func ParseSize(v interface{}) (size int64, ok bool) {
	switch val := v.(type) {
	case int64:
		if val < 0 {
			return 0, false
		}
		return val, true
	case int:
		if val < 0 {
			return 0, false
		}
		return int64(val), true
	case float64:
		if val < 0 {
			return 0, false
		}
		return int64(val), true
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	case []interface{}:
		if len(val) == 0 {
			return 0, false
		}
		return ParseSize(val[0])
	default:
		return 0, false
	}
}
