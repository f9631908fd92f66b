// Package relay implements the per-session real-time channel: a WebSocket
// endpoint that forwards caller-issued driver invocations to a session's page
// or browser objects, evaluates caller-supplied page scripts, and pushes the
// session's live interception traffic to whichever channel attached last.
package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ilyaukin/sadist-proxy/api/schemas"
	"github.com/ilyaukin/sadist-proxy/internal/browser"
	"github.com/ilyaukin/sadist-proxy/internal/browser/intercept"
	"github.com/ilyaukin/sadist-proxy/internal/config"
	"github.com/ilyaukin/sadist-proxy/internal/pool"
)

// session is the slice of a pool slot the relay drives. *pool.Slot satisfies
// it.
type session interface {
	Page() browser.Page
	Conn() browser.Conn
	Interceptor() *intercept.Interceptor
	AttachRelay(sink intercept.EventSink)
}

// Relay upgrades inbound connections and runs the command protocol.
type Relay struct {
	cfg      config.RelayConfig
	pool     *pool.Pool
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New creates the relay over the given session pool.
func New(cfg config.RelayConfig, p *pool.Pool, logger *zap.Logger) *Relay {
	return &Relay{
		cfg:    cfg,
		pool:   p,
		logger: logger.Named("relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Token possession is the authentication boundary.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the channel upgrade route on e, under the same path prefix
// the gateway routes live behind.
func (r *Relay) Register(e *gin.Engine, prefix string) {
	var root gin.IRouter = e
	if prefix != "" {
		root = e.Group(prefix)
	}
	root.GET("/channel", r.Handle)
}

// Handle upgrades the request and serves the channel until the peer goes away.
func (r *Relay) Handle(c *gin.Context) {
	ws, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	ch := &channel{relay: r, ws: ws, logger: r.logger}
	ch.serve()
}

// channel is one live relay connection. The write mutex serializes frames
// from the read loop and from interceptor pushes.
type channel struct {
	relay  *Relay
	ws     *websocket.Conn
	mu     sync.Mutex
	logger *zap.Logger
}

func (ch *channel) send(v interface{}) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err := ch.ws.WriteJSON(v); err != nil {
		ch.logger.Debug("Relay write failed", zap.Error(err))
	}
}

func (ch *channel) serve() {
	defer ch.ws.Close()
	for {
		_, raw, err := ch.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ch.logger.Debug("Relay connection dropped", zap.Error(err))
			}
			return
		}

		var cmd schemas.RelayCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			ch.send(schemas.RelayReply{Type: schemas.MessageError, Error: "malformed message: " + err.Error()})
			continue
		}
		// Handling failures never close the channel.
		ch.process(cmd)
	}
}

func (ch *channel) process(cmd schemas.RelayCommand) {
	if cmd.Type == "ping" {
		ch.send(schemas.RelayReply{Type: schemas.MessagePong, Session: cmd.Session, ID: cmd.ID})
		return
	}

	slot, err := ch.relay.pool.Get(cmd.Session)
	if err != nil {
		ch.reject(cmd, err)
		return
	}
	// Implicit attachment on every message bearing the token; a later channel
	// for the same session simply overwrites us.
	slot.AttachRelay(&trafficSink{ch: ch, session: cmd.Session})

	switch {
	case cmd.Script != "":
		if !ch.relay.cfg.AllowScripts {
			ch.reject(cmd, fmt.Errorf("%w: script execution is disabled", schemas.ErrScript))
			return
		}
		ch.relay.pool.TouchScript(cmd.Session)
		result, err := runScript(slot, cmd.Script, ch.relay.cfg.ScriptTimeout, ch.logger)
		ch.reply(cmd, result, err)
	case cmd.Method != "":
		ch.relay.pool.Touch(cmd.Session)
		result, err := dispatch(slot, cmd.Target, cmd.Method, cmd.Payload)
		ch.reply(cmd, result, err)
	default:
		ch.reject(cmd, fmt.Errorf("%w: message carries neither method nor script", schemas.ErrInvocation))
	}
}

func (ch *channel) reply(cmd schemas.RelayCommand, result interface{}, err error) {
	if err != nil {
		ch.reject(cmd, err)
		return
	}
	ch.send(schemas.RelayReply{
		Type:    schemas.MessageResult,
		Session: cmd.Session,
		ID:      cmd.ID,
		Result:  result,
	})
}

func (ch *channel) reject(cmd schemas.RelayCommand, err error) {
	ch.logger.Warn("Relay command failed",
		zap.String("session", cmd.Session),
		zap.String("method", cmd.Method),
		zap.Error(err))
	ch.send(schemas.RelayReply{
		Type:    schemas.MessageError,
		Session: cmd.Session,
		ID:      cmd.ID,
		Error:   err.Error(),
	})
}

// trafficSink pushes a session's live interception events to its channel.
// Writes go through the channel mutex and never block the interceptor.
type trafficSink struct {
	ch      *channel
	session string
}

func (s *trafficSink) PublishRequest(url string, headers map[string]string) {
	s.ch.send(schemas.TrafficEvent{
		Type:    schemas.MessageRequest,
		Session: s.session,
		Request: &schemas.TrafficRequest{URL: url, Headers: headers},
	})
}

func (s *trafficSink) PublishResponse(url string, status int, headers map[string]string) {
	s.ch.send(schemas.TrafficEvent{
		Type:     schemas.MessageResponse,
		Session:  s.session,
		Response: &schemas.TrafficResponse{URL: url, Status: status, Headers: headers},
	})
}
