package intercept

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ilyaukin/sadist-proxy/api/schemas"
)

func newTestInterceptor(t *testing.T, waitTimeout time.Duration) *Interceptor {
	t.Helper()
	return New(context.Background(), waitTimeout, zap.NewNop())
}

func responseEvent(id, url string, status int64) *network.EventResponseReceived {
	return &network.EventResponseReceived{
		RequestID: network.RequestID(id),
		Response: &network.Response{
			URL:     url,
			Status:  status,
			Headers: network.Headers{"Content-Type": "text/html"},
		},
	}
}

func TestGetResponseReturnsResolvedEntryImmediately(t *testing.T) {
	t.Parallel()
	i := newTestInterceptor(t, 0)

	i.onResponse(responseEvent("1", "http://x/y", 200))

	resp, err := i.GetResponse(context.Background(), "http://x/y")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "http://x/y", resp.URL)
	assert.Equal(t, "text/html", resp.Headers["Content-Type"])
}

func TestGetResponseFanOutSingleResolution(t *testing.T) {
	t.Parallel()
	i := newTestInterceptor(t, 0)

	const waiters = 8
	results := make(chan *CachedResponse, waiters)
	var wg sync.WaitGroup
	for n := 0; n < waiters; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := i.GetResponse(context.Background(), "http://x/z")
			if assert.NoError(t, err) {
				results <- resp
			}
		}()
	}

	// Give the waiters a moment to subscribe, then resolve once.
	time.Sleep(50 * time.Millisecond)
	i.onResponse(responseEvent("1", "http://x/z", 201))
	wg.Wait()
	close(results)

	var first *CachedResponse
	for resp := range results {
		if first == nil {
			first = resp
		}
		// Every waiter observes the same cached value.
		assert.Same(t, first, resp)
	}
	require.NotNil(t, first)
	assert.Equal(t, 201, first.Status)
}

func TestDuplicateResponseKeepsFirstValue(t *testing.T) {
	t.Parallel()
	i := newTestInterceptor(t, 0)

	i.onResponse(responseEvent("1", "http://x/a", 200))
	i.onResponse(responseEvent("2", "http://x/a", 500))

	resp, err := i.GetResponse(context.Background(), "http://x/a")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestClearRejectsPendingAndEmptiesCache(t *testing.T) {
	t.Parallel()
	i := newTestInterceptor(t, 0)

	errCh := make(chan error, 1)
	go func() {
		_, err := i.GetResponse(context.Background(), "http://x/pending")
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	i.onResponse(responseEvent("1", "http://x/cached", 200))
	i.Clear()

	err := <-errCh
	assert.ErrorIs(t, err, schemas.ErrInterceptionInterrupted)

	// The cache is empty, so a fresh query for the previously cached URL
	// becomes a new pending entry and hits the caller's deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = i.GetResponse(ctx, "http://x/cached")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetResponseAfterClearCreatesFreshEntry(t *testing.T) {
	t.Parallel()
	i := newTestInterceptor(t, 0)

	go func() {
		_, _ = i.GetResponse(context.Background(), "http://x/u")
	}()
	time.Sleep(20 * time.Millisecond)
	i.Clear()

	// Resolving after the clear serves the new entry, untouched by the old
	// page load.
	i.onResponse(responseEvent("9", "http://x/u", 204))
	resp, err := i.GetResponse(context.Background(), "http://x/u")
	require.NoError(t, err)
	assert.Equal(t, 204, resp.Status)
}

func TestGetResponseWaitTimeout(t *testing.T) {
	t.Parallel()
	i := newTestInterceptor(t, 30*time.Millisecond)

	start := time.Now()
	_, err := i.GetResponse(context.Background(), "http://never/answers")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

type recordingSink struct {
	mu        sync.Mutex
	requests  []string
	responses []string
}

func (s *recordingSink) PublishRequest(url string, _ map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, url)
}

func (s *recordingSink) PublishResponse(url string, _ int, _ map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, url)
}

func TestTrafficEventsReachAttachedSink(t *testing.T) {
	t.Parallel()
	i := newTestInterceptor(t, 0)
	i.listenerCtx, i.cancelListener = context.WithCancel(context.Background())
	defer i.cancelListener()
	go i.forwardEvents()

	sink := &recordingSink{}
	i.SetSink(sink)

	i.onRequest(&network.EventRequestWillBeSent{
		RequestID: "1",
		Request:   &network.Request{URL: "http://x/1", Headers: network.Headers{"Accept": "*/*"}},
	})
	i.onResponse(responseEvent("1", "http://x/1", 200))

	assert.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.requests) == 1 && len(sink.responses) == 1
	}, time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"http://x/1"}, sink.requests)
	assert.Equal(t, []string{"http://x/1"}, sink.responses)
}

func TestConvertHeadersTakesFirstValue(t *testing.T) {
	t.Parallel()
	out := convertHeaders(network.Headers{
		"Set-Cookie":   "a=1\nb=2",
		"Content-Type": "text/css",
		"X-Number":     42.0,
	})
	assert.Equal(t, "a=1", out["Set-Cookie"])
	assert.Equal(t, "text/css", out["Content-Type"])
	_, ok := out["X-Number"]
	assert.False(t, ok)
}
