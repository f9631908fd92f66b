// Package gateway exposes the proxy's HTTP surface: session creation, visit,
// ref, in-page fetch, session deletion and health. Handlers produce a tagged
// Body variant which a single responder adapts to the HTTP reply; every
// handler failure becomes a JSON error body with a 500 status.
package gateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ilyaukin/sadist-proxy/api/schemas"
	"github.com/ilyaukin/sadist-proxy/internal/browser"
	"github.com/ilyaukin/sadist-proxy/internal/browser/intercept"
	"github.com/ilyaukin/sadist-proxy/internal/config"
	"github.com/ilyaukin/sadist-proxy/internal/pool"
	"github.com/ilyaukin/sadist-proxy/internal/rewrite"
)

// session is the slice of a pool slot the handlers drive. *pool.Slot
// satisfies it.
type session interface {
	Page() browser.Page
	Interceptor() *intercept.Interceptor
}

// responseHeaderAllowList names the upstream response headers copied into
// proxy responses. Everything else is dropped.
var responseHeaderAllowList = map[string]bool{
	"content-type":     true,
	"content-language": true,
}

// Gateway routes the five proxy operations onto the session pool.
type Gateway struct {
	cfg      config.ServerConfig
	pool     *pool.Pool
	rewriter *rewrite.Rewriter
	logger   *zap.Logger

	lookup func(token string) (session, error)
}

// New creates a Gateway over the given pool.
func New(cfg config.ServerConfig, p *pool.Pool, rw *rewrite.Rewriter, logger *zap.Logger) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		pool:     p,
		rewriter: rw,
		logger:   logger.Named("gateway"),
	}
	g.lookup = func(token string) (session, error) {
		slot, err := p.Get(token)
		if err != nil {
			return nil, err
		}
		return slot, nil
	}
	return g
}

// Register mounts the proxy routes on e, under the configured path prefix
// when one is set. Routing happens on the raw path so encoded target URLs
// survive as single segments and are decoded exactly once by the handlers.
func (g *Gateway) Register(e *gin.Engine) {
	e.UseRawPath = true
	e.UnescapePathValues = false

	var root gin.IRouter = e
	if g.cfg.PathPrefix != "" {
		root = e.Group(g.cfg.PathPrefix)
	}
	root.GET("/healthz", g.handleHealth)
	root.GET("/session", g.handleSessionCreate)
	root.GET("/:token/visit/*target", g.handleVisit)
	root.GET("/:token/ref/*target", g.handleRef)
	root.Any("/:token/fetch/*target", g.handleFetch)
	root.DELETE("/:token", g.handleDelete)
}

// RegisterNoRoute installs the catch-all 404 handler on the engine. Unmatched
// paths never produce a 500.
func (g *Gateway) RegisterNoRoute(e *gin.Engine) {
	e.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, schemas.OpResult{
			Success: false,
			Error:   "no route for " + c.Request.URL.Path,
		})
	})
}

// proxyRoot is the path prefix under which a session's rewritten resources
// are served.
func (g *Gateway) proxyRoot(token string) string {
	return g.cfg.PathPrefix + "/" + token
}

// respond adapts a tagged body variant to the HTTP reply.
func (g *Gateway) respond(c *gin.Context, body schemas.Body) {
	status := body.Status
	if status == 0 {
		status = http.StatusOK
	}
	for k, v := range body.Headers {
		c.Header(k, v)
	}
	switch body.Kind {
	case schemas.JSONBody:
		c.JSON(status, body.Value)
	case schemas.TextBody:
		c.String(status, "%s", body.Text)
	case schemas.BytesBody:
		contentType := body.Headers["content-type"]
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		c.Data(status, contentType, body.Bytes)
	}
}

// fail converts any handler error into the uniform JSON error body.
func (g *Gateway) fail(c *gin.Context, err error) {
	g.logger.Error("Request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, schemas.OpResult{
		Success: false,
		Error:   err.Error(),
	})
}

// filterHeaders keeps only allow-listed headers, lowercasing names so the
// allow-list matches regardless of upstream casing.
func filterHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range headers {
		if responseHeaderAllowList[strings.ToLower(k)] {
			out[strings.ToLower(k)] = v
		}
	}
	return out
}
