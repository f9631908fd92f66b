package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ilyaukin/sadist-proxy/api/schemas"
	"github.com/ilyaukin/sadist-proxy/internal/browser"
	"github.com/ilyaukin/sadist-proxy/internal/browser/intercept"
	"github.com/ilyaukin/sadist-proxy/internal/config"
	"github.com/ilyaukin/sadist-proxy/internal/pool"
)

// -- Fakes --

type fakePage struct {
	navigated []string
	viewport  [2]int64
}

func (p *fakePage) Context() context.Context { return context.Background() }
func (p *fakePage) Navigate(_ context.Context, rawURL string, _ browser.NavigateOptions) error {
	p.navigated = append(p.navigated, rawURL)
	return nil
}
func (p *fakePage) Location(context.Context) (*url.URL, error) {
	return url.Parse("http://example.com/here")
}
func (p *fakePage) Content(context.Context) (string, error)    { return "<html></html>", nil }
func (p *fakePage) Title(context.Context) (string, error)      { return "fake title", nil }
func (p *fakePage) Reload(context.Context) error               { return nil }
func (p *fakePage) Screenshot(context.Context) ([]byte, error) { return []byte{1, 2, 3}, nil }
func (p *fakePage) SetViewport(_ context.Context, w, h int64) error {
	p.viewport = [2]int64{w, h}
	return nil
}
func (p *fakePage) Evaluate(_ context.Context, _ string, out interface{}) error {
	if ptr, ok := out.(*interface{}); ok {
		*ptr = "evaluated"
	}
	return nil
}
func (p *fakePage) Fetch(context.Context, browser.FetchRequest) (*browser.FetchResult, error) {
	return &browser.FetchResult{Status: 200}, nil
}
func (p *fakePage) Close() error { return nil }

type fakeConn struct{}

func (c *fakeConn) NewPage(context.Context) (browser.Page, error) { return nil, nil }
func (c *fakeConn) Version(context.Context) (map[string]string, error) {
	return map[string]string{"product": "FakeBrowser/1.0"}, nil
}
func (c *fakeConn) Targets(context.Context) ([]browser.TargetInfo, error) { return nil, nil }
func (c *fakeConn) Close() error                                          { return nil }

type fakeSession struct {
	page        fakePage
	conn        fakeConn
	interceptor *intercept.Interceptor
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		interceptor: intercept.New(context.Background(), 0, zap.NewNop()),
	}
}

func (s *fakeSession) Page() browser.Page                   { return &s.page }
func (s *fakeSession) Conn() browser.Conn                   { return &s.conn }
func (s *fakeSession) Interceptor() *intercept.Interceptor  { return s.interceptor }
func (s *fakeSession) AttachRelay(sink intercept.EventSink) { s.interceptor.SetSink(sink) }

// -- Dispatch --

func args(t *testing.T, values ...interface{}) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		out[i] = raw
	}
	return out
}

func TestDispatchUnknownTarget(t *testing.T) {
	t.Parallel()
	_, err := dispatch(newFakeSession(), "frame", "title", nil)
	assert.ErrorIs(t, err, schemas.ErrInvocation)
}

func TestDispatchUnknownMethod(t *testing.T) {
	t.Parallel()
	_, err := dispatch(newFakeSession(), "page", "teleport", nil)
	assert.ErrorIs(t, err, schemas.ErrInvocation)
	_, err = dispatch(newFakeSession(), "browser", "teleport", nil)
	assert.ErrorIs(t, err, schemas.ErrInvocation)
}

func TestDispatchPageMethods(t *testing.T) {
	t.Parallel()
	sess := newFakeSession()

	result, err := dispatch(sess, "page", "title", nil)
	require.NoError(t, err)
	assert.Equal(t, "fake title", result)

	result, err = dispatch(sess, "page", "url", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/here", result)

	_, err = dispatch(sess, "page", "goto", args(t, "http://target/"))
	require.NoError(t, err)
	assert.Equal(t, []string{"http://target/"}, sess.page.navigated)

	_, err = dispatch(sess, "page", "setViewport", args(t, 1280, 720))
	require.NoError(t, err)
	assert.Equal(t, [2]int64{1280, 720}, sess.page.viewport)

	result, err = dispatch(sess, "page", "evaluate", args(t, "1+1"))
	require.NoError(t, err)
	assert.Equal(t, "evaluated", result)
}

func TestDispatchGotoInvalidatesInterceptions(t *testing.T) {
	t.Parallel()
	sess := newFakeSession()

	sess.interceptor.HandleEvent(&network.EventResponseReceived{
		RequestID: "1",
		Response:  &network.Response{URL: "http://site.test/old.css", Status: 200},
	})
	resp, err := sess.interceptor.GetResponse(context.Background(), "http://site.test/old.css")
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)

	pending := make(chan error, 1)
	go func() {
		_, err := sess.interceptor.GetResponse(context.Background(), "http://site.test/next.js")
		pending <- err
	}()
	time.Sleep(50 * time.Millisecond)

	_, err = dispatch(sess, "page", "goto", args(t, "http://target/"))
	require.NoError(t, err)

	// Navigating away rejects the pending query and drops the cached entry.
	assert.ErrorIs(t, <-pending, schemas.ErrInterceptionInterrupted)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sess.interceptor.GetResponse(ctx, "http://site.test/old.css")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatchBrowserMethods(t *testing.T) {
	t.Parallel()
	result, err := dispatch(newFakeSession(), "browser", "version", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"product": "FakeBrowser/1.0"}, result)
}

func TestDispatchBadArguments(t *testing.T) {
	t.Parallel()
	sess := newFakeSession()

	_, err := dispatch(sess, "page", "goto", nil)
	assert.ErrorIs(t, err, schemas.ErrInvocation)

	_, err = dispatch(sess, "page", "setViewport", args(t, "wide", "tall"))
	assert.ErrorIs(t, err, schemas.ErrInvocation)
}

// -- Scripts --

func TestRunScriptReturnsValue(t *testing.T) {
	t.Parallel()
	result, err := runScript(newFakeSession(), "return 1 + 1;", time.Second, zap.NewNop())
	require.NoError(t, err)
	assert.EqualValues(t, 2, result)
}

func TestRunScriptSeesPageAPI(t *testing.T) {
	t.Parallel()
	result, err := runScript(newFakeSession(), "return page.title();", time.Second, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "fake title", result)
}

func TestRunScriptThrowIsScriptError(t *testing.T) {
	t.Parallel()
	_, err := runScript(newFakeSession(), `throw new Error("boom");`, time.Second, zap.NewNop())
	assert.ErrorIs(t, err, schemas.ErrScript)
	assert.Contains(t, err.Error(), "boom")
}

func TestRunScriptCompileFailure(t *testing.T) {
	t.Parallel()
	_, err := runScript(newFakeSession(), "return ((", time.Second, zap.NewNop())
	assert.ErrorIs(t, err, schemas.ErrScript)
}

func TestRunScriptTimeoutInterruptsVM(t *testing.T) {
	t.Parallel()
	start := time.Now()
	_, err := runScript(newFakeSession(), "while (true) {}", 100*time.Millisecond, zap.NewNop())
	assert.ErrorIs(t, err, schemas.ErrScript)
	assert.Less(t, time.Since(start), 5*time.Second)
}

// -- Channel protocol --

func newTestRelayServer(t *testing.T, prefix string) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	p := pool.New(config.PoolConfig{Capacity: 0}, config.InterceptConfig{}, nil, zap.NewNop())
	r := New(config.RelayConfig{AllowScripts: true, ScriptTimeout: time.Second}, p, zap.NewNop())

	engine := gin.New()
	r.Register(engine, prefix)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv
}

func dialRelay(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func dialTestRelay(t *testing.T) *websocket.Conn {
	t.Helper()
	return dialRelay(t, newTestRelayServer(t, ""), "/channel")
}

func readReply(t *testing.T, ws *websocket.Conn) schemas.RelayReply {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply schemas.RelayReply
	require.NoError(t, ws.ReadJSON(&reply))
	return reply
}

func TestChannelHonorsPathPrefix(t *testing.T) {
	t.Parallel()
	srv := newTestRelayServer(t, "/proxy")

	ws := dialRelay(t, srv, "/proxy/channel")
	require.NoError(t, ws.WriteJSON(schemas.RelayCommand{Type: "ping", ID: "1"}))
	assert.Equal(t, schemas.MessagePong, readReply(t, ws).Type)

	// The unprefixed path is not served.
	_, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/channel", nil)
	assert.Error(t, err)
}

func TestChannelPingPong(t *testing.T) {
	t.Parallel()
	ws := dialTestRelay(t)

	require.NoError(t, ws.WriteJSON(schemas.RelayCommand{Type: "ping", ID: "7"}))
	reply := readReply(t, ws)
	assert.Equal(t, schemas.MessagePong, reply.Type)
	assert.Equal(t, "7", reply.ID)
}

func TestChannelSurvivesFailures(t *testing.T) {
	t.Parallel()
	ws := dialTestRelay(t)

	// Malformed frame: error reply, channel stays open.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	reply := readReply(t, ws)
	assert.Equal(t, schemas.MessageError, reply.Type)

	// Unknown session: error reply correlated to the command.
	require.NoError(t, ws.WriteJSON(schemas.RelayCommand{
		Session: "deadbeef", ID: "1", Target: "page", Method: "title",
	}))
	reply = readReply(t, ws)
	assert.Equal(t, schemas.MessageError, reply.Type)
	assert.Equal(t, "1", reply.ID)
	assert.Contains(t, reply.Error, "session not found")

	// Still alive afterwards.
	require.NoError(t, ws.WriteJSON(schemas.RelayCommand{Type: "ping", ID: "2"}))
	assert.Equal(t, schemas.MessagePong, readReply(t, ws).Type)
}
