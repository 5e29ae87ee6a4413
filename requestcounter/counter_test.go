package requestcounter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apitally/apitally-go/types"
)

func ptr(v int64) *int64 { return &v }

func TestCounterRoundTrip(t *testing.T) {
	c := New()
	consumer := &types.Consumer{Identifier: "alice"}

	for i := 0; i < 3; i++ {
		c.AddRequest(types.RequestInfo{
			Consumer:       consumer,
			Method:         "get",
			Path:           "/hello",
			StatusCode:     200,
			ResponseTimeMS: 23.4,
			RequestSize:    ptr(0),
			ResponseSize:   ptr(17),
		})
	}
	c.AddRequest(types.RequestInfo{
		Consumer:       consumer,
		Method:         "get",
		Path:           "/hello",
		StatusCode:     200,
		ResponseTimeMS: 108,
		RequestSize:    ptr(0),
		ResponseSize:   ptr(17),
	})

	items := c.GetAndResetRequests()
	require.Len(t, items, 1)
	item := items[0]
	assert.Equal(t, "alice", item.Consumer)
	assert.Equal(t, "GET", item.Method)
	assert.EqualValues(t, 4, item.RequestCount)
	assert.EqualValues(t, 68, item.ResponseSizeSum)
	assert.Equal(t, map[int64]int64{20: 3, 100: 1}, map[int64]int64(item.ResponseTimes))
}

func TestGetAndResetIsEmptyAfterDrain(t *testing.T) {
	c := New()
	c.AddRequest(types.RequestInfo{Method: "GET", Path: "/x", StatusCode: 200})

	require.Len(t, c.GetAndResetRequests(), 1)
	assert.Empty(t, c.GetAndResetRequests())
}

func TestCounterRowsAreIndependent(t *testing.T) {
	c := New()
	c.AddRequest(types.RequestInfo{Method: "GET", Path: "/a", StatusCode: 200})
	c.AddRequest(types.RequestInfo{Method: "POST", Path: "/a", StatusCode: 200})
	c.AddRequest(types.RequestInfo{Method: "GET", Path: "/b", StatusCode: 200})
	c.AddRequest(types.RequestInfo{Method: "GET", Path: "/a", StatusCode: 500})

	items := c.GetAndResetRequests()
	assert.Len(t, items, 4)
	var total int64
	for _, it := range items {
		total += it.RequestCount
	}
	assert.EqualValues(t, 4, total)
}

func TestCounterConcurrentWritesSumCorrectly(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	const n = 200
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.AddRequest(types.RequestInfo{Method: "GET", Path: "/concurrent", StatusCode: 200, ResponseTimeMS: 5})
		}()
	}
	wg.Wait()

	items := c.GetAndResetRequests()
	require.Len(t, items, 1)
	assert.EqualValues(t, n, items[0].RequestCount)
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		in    interface{}
		want  int64
		wantOK bool
	}{
		{int64(10), 10, true},
		{"42", 42, true},
		{-5, 0, false},
		{"not-a-number", 0, false},
		{[]interface{}{"7", "9"}, 7, true},
		{nil, 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseSize(tc.in)
		assert.Equal(t, tc.wantOK, ok)
		if ok {
			assert.Equal(t, tc.want, got)
		}
	}
}
