package adaptertest

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/apitally/apitally-go/adapter"
)

func TestRecorderAppendsExchanges(t *testing.T) {
	r := &Recorder{}
	r.OnExchange(adapter.Exchange{Request: adapter.Request{Method: "GET", PathTemplate: "/a"}})
	r.OnExchange(adapter.Exchange{Request: adapter.Request{Method: "POST", PathTemplate: "/b"}})

	assert.Equal(t, 2, r.Count())
	assert.Equal(t, "/a", r.Exchanges[0].Request.PathTemplate)
}

func TestRecorderResetClears(t *testing.T) {
	r := &Recorder{}
	r.OnExchange(adapter.Exchange{})
	r.Reset()
	assert.Equal(t, 0, r.Count())
}

func TestRecorderConcurrentAppends(t *testing.T) {
	r := &Recorder{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.OnExchange(adapter.Exchange{})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Count())
}
