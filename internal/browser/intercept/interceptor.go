// Package intercept observes one page's network traffic over the DevTools
// event stream, caching responses by URL and fanning a single resolution out
// to every waiter.
package intercept

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/ilyaukin/sadist-proxy/api/schemas"
)

// valueOnlyContext strips cancellation but keeps the target executor values,
// so response bodies can still be fetched while a caller context unwinds.
type valueOnlyContext struct{ context.Context }

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

const bodyFetchTimeout = 15 * time.Second

// EventSink receives live traffic notifications for the attached relay
// connection. Implementations must not block.
type EventSink interface {
	PublishRequest(url string, headers map[string]string)
	PublishResponse(url string, status int, headers map[string]string)
}

// CachedResponse is one resolved interception entry. The body is fetched from
// the backend lazily, once, on first access.
type CachedResponse struct {
	URL     string
	Status  int
	Headers map[string]string

	pageCtx   context.Context
	requestID network.RequestID
	bodyOnce  sync.Once
	body      []byte
	bodyErr   error
}

// Body retrieves the raw response bytes, fetching them from the backend on
// first call and caching the result.
func (r *CachedResponse) Body(ctx context.Context) ([]byte, error) {
	r.bodyOnce.Do(func() {
		fetchCtx, cancel := context.WithTimeout(valueOnlyContext{r.pageCtx}, bodyFetchTimeout)
		defer cancel()
		err := chromedp.Run(fetchCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			b, err := network.GetResponseBody(r.requestID).Do(ctx)
			if err != nil {
				return err
			}
			r.body = b
			return nil
		}))
		if err != nil {
			// 204s and redirects legitimately carry no body.
			if strings.Contains(err.Error(), "No resource with given identifier") {
				r.body = nil
				return
			}
			r.bodyErr = err
		}
	})
	if r.bodyErr != nil {
		return nil, r.bodyErr
	}
	return r.body, nil
}

// entry tracks one URL's interception lifecycle. done is the single-resolution
// broadcast: closed exactly once, on resolution or on Clear.
type entry struct {
	resolved bool
	resp     *CachedResponse
	err      error
	done     chan struct{}
}

// Interceptor subscribes to one page's request/response events. One per
// session; cleared before every navigation and on teardown.
type Interceptor struct {
	logger      *zap.Logger
	pageCtx     context.Context
	waitTimeout time.Duration

	listenerCtx    context.Context
	cancelListener context.CancelFunc

	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[network.RequestID]struct{}
	started  bool

	sink   atomic.Value // EventSink
	events chan func(EventSink)
}

// New creates an interceptor for the page behind pageCtx. waitTimeout bounds
// GetResponse; zero waits forever.
func New(pageCtx context.Context, waitTimeout time.Duration, logger *zap.Logger) *Interceptor {
	return &Interceptor{
		logger:      logger.Named("intercept"),
		pageCtx:     pageCtx,
		waitTimeout: waitTimeout,
		entries:     make(map[string]*entry),
		inflight:    make(map[network.RequestID]struct{}),
		events:      make(chan func(EventSink), 256),
	}
}

// Start enables the network domain and begins consuming events.
func (i *Interceptor) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return nil
	}

	i.listenerCtx, i.cancelListener = context.WithCancel(i.pageCtx)
	go i.listen()
	go i.forwardEvents()

	if err := chromedp.Run(i.pageCtx, network.Enable()); err != nil {
		if i.pageCtx.Err() != nil {
			return nil
		}
		i.cancelListener()
		return err
	}

	i.started = true
	i.logger.Debug("Interceptor started.")
	return nil
}

// SetSink attaches the live-traffic sink. Last attachment wins; there is no
// explicit detach.
func (i *Interceptor) SetSink(sink EventSink) {
	i.sink.Store(sink)
}

func (i *Interceptor) listen() {
	chromedp.ListenTarget(i.listenerCtx, i.HandleEvent)
}

// HandleEvent feeds one DevTools network event into the interception state.
// The listener goroutine calls it for every message on the page target; other
// event sources may feed it directly.
func (i *Interceptor) HandleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		i.onRequest(e)
	case *network.EventResponseReceived:
		i.onResponse(e)
	case *network.EventLoadingFinished:
		i.onLoadingDone(e.RequestID)
	case *network.EventLoadingFailed:
		i.onLoadingDone(e.RequestID)
	}
}

// forwardEvents drains the publish queue on a single goroutine so relay pushes
// keep backend emission order without blocking the event listener.
func (i *Interceptor) forwardEvents() {
	for {
		select {
		case fn := <-i.events:
			if sink, ok := i.sink.Load().(EventSink); ok && sink != nil {
				fn(sink)
			}
		case <-i.listenerCtx.Done():
			return
		}
	}
}

func (i *Interceptor) publish(fn func(EventSink)) {
	select {
	case i.events <- fn:
	default:
		// Fire-and-forget: a slow relay loses events rather than stalling
		// the page's event stream.
	}
}

func (i *Interceptor) onRequest(e *network.EventRequestWillBeSent) {
	i.mu.Lock()
	i.inflight[e.RequestID] = struct{}{}
	i.mu.Unlock()

	reqURL := e.Request.URL
	headers := convertHeaders(e.Request.Headers)
	i.publish(func(s EventSink) { s.PublishRequest(reqURL, headers) })
}

func (i *Interceptor) onResponse(e *network.EventResponseReceived) {
	resp := &CachedResponse{
		URL:       e.Response.URL,
		Status:    int(e.Response.Status),
		Headers:   convertHeaders(e.Response.Headers),
		pageCtx:   i.pageCtx,
		requestID: e.RequestID,
	}

	i.mu.Lock()
	ent, ok := i.entries[resp.URL]
	if !ok {
		ent = &entry{done: make(chan struct{})}
		i.entries[resp.URL] = ent
	}
	if !ent.resolved {
		// Pending -> Resolved happens at most once; later responses for the
		// same URL within one page load keep the first cached value.
		ent.resolved = true
		ent.resp = resp
		close(ent.done)
	}
	i.mu.Unlock()

	i.publish(func(s EventSink) { s.PublishResponse(resp.URL, resp.Status, resp.Headers) })
}

func (i *Interceptor) onLoadingDone(id network.RequestID) {
	i.mu.Lock()
	delete(i.inflight, id)
	i.mu.Unlock()
}

// GetResponse returns the cached response for url, suspending until the page
// loads it. Concurrent callers for the same pending URL all resolve from the
// single eventual fulfillment; a resolved entry is returned immediately with
// no re-subscription.
func (i *Interceptor) GetResponse(ctx context.Context, url string) (*CachedResponse, error) {
	i.mu.Lock()
	ent, ok := i.entries[url]
	if !ok {
		ent = &entry{done: make(chan struct{})}
		i.entries[url] = ent
	}
	if ent.resolved || ent.err != nil {
		resp, err := ent.resp, ent.err
		i.mu.Unlock()
		return resp, err
	}
	i.mu.Unlock()

	var timeout <-chan time.Time
	if i.waitTimeout > 0 {
		t := time.NewTimer(i.waitTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ent.done:
		i.mu.Lock()
		resp, err := ent.resp, ent.err
		i.mu.Unlock()
		return resp, err
	case <-timeout:
		return nil, fmt.Errorf("no response for %s within %s", url, i.waitTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitIdle polls until no request has been in flight for quiet. A
// non-positive quiet uses half a second.
func (i *Interceptor) WaitIdle(ctx context.Context, quiet time.Duration) error {
	if quiet <= 0 {
		quiet = 500 * time.Millisecond
	}
	ticker := time.NewTicker(quiet / 2)
	defer ticker.Stop()

	lastActivity := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			i.mu.Lock()
			busy := len(i.inflight)
			i.mu.Unlock()
			if busy > 0 {
				lastActivity = time.Now()
			} else if time.Since(lastActivity) >= quiet {
				return nil
			}
		}
	}
}

// Clear rejects every pending query with ErrInterceptionInterrupted and
// empties the cache. Called on teardown and before each navigation, which
// invalidates entries tied to the previous page load.
func (i *Interceptor) Clear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, ent := range i.entries {
		if !ent.resolved && ent.err == nil {
			ent.err = schemas.ErrInterceptionInterrupted
			close(ent.done)
		}
	}
	i.entries = make(map[string]*entry)
	i.inflight = make(map[network.RequestID]struct{})
}

// Stop detaches the event listener. The cache stays queryable until Clear.
func (i *Interceptor) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancelListener != nil {
		i.cancelListener()
		i.cancelListener = nil
	}
	i.started = false
}

// convertHeaders flattens CDP headers to string values. Multi-value headers
// arrive newline-joined; the first value wins.
func convertHeaders(headers network.Headers) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			out[k] = strings.Split(s, "\n")[0]
		}
	}
	return out
}
