package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ilyaukin/sadist-proxy/api/schemas"
	"github.com/ilyaukin/sadist-proxy/internal/browser"
)

func (g *Gateway) handleHealth(c *gin.Context) {
	occupied, capacity := g.pool.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": occupied,
		"capacity": capacity,
	})
}

func (g *Gateway) handleSessionCreate(c *gin.Context) {
	token, err := g.pool.Create(c.Request.Context())
	if err != nil {
		g.fail(c, err)
		return
	}
	g.respond(c, schemas.JSON(schemas.SessionCreated{
		Token:    token,
		Endpoint: g.cfg.Endpoint,
		Success:  true,
	}))
}

func (g *Gateway) handleVisit(c *gin.Context) {
	token := c.Param("token")
	slot, err := g.lookup(token)
	if err != nil {
		g.fail(c, err)
		return
	}
	g.pool.Touch(token)

	target, err := decodeTarget(c.Param("target"))
	if err != nil {
		g.fail(c, err)
		return
	}
	opts, err := parseNavigateOptions(c.Query("options"))
	if err != nil {
		g.fail(c, err)
		return
	}

	// A new navigation invalidates every interception tied to the previous
	// page load.
	slot.Interceptor().Clear()

	ctx := c.Request.Context()
	if err := slot.Page().Navigate(ctx, target, opts); err != nil {
		g.fail(c, err)
		return
	}
	if opts.WaitUntil == "networkidle" {
		if err := slot.Interceptor().WaitIdle(ctx, 0); err != nil {
			g.logger.Warn("Network idle wait gave up", zap.String("token", token), zap.Error(err))
		}
	}

	loc, err := slot.Page().Location(ctx)
	if err != nil {
		g.fail(c, err)
		return
	}

	status := http.StatusOK
	headers := map[string]string{"content-type": "text/html; charset=utf-8"}
	if resp, err := slot.Interceptor().GetResponse(ctx, loc.String()); err == nil {
		status = resp.Status
		if filtered := filterHeaders(resp.Headers); len(filtered) > 0 {
			headers = filtered
		}
	} else {
		// Keep serving the document even when the top-level response was not
		// observed, e.g. a cached same-URL navigation.
		g.logger.Warn("Top-level response not intercepted",
			zap.String("token", token), zap.String("url", loc.String()), zap.Error(err))
	}

	content, err := slot.Page().Content(ctx)
	if err != nil {
		g.fail(c, err)
		return
	}
	rewritten, err := g.rewriter.Rewrite(content, loc, g.proxyRoot(token))
	if err != nil {
		g.fail(c, err)
		return
	}
	g.respond(c, schemas.Raw(status, headers, []byte(rewritten)))
}

func (g *Gateway) handleRef(c *gin.Context) {
	token := c.Param("token")
	slot, err := g.lookup(token)
	if err != nil {
		g.fail(c, err)
		return
	}
	g.pool.Touch(token)

	target, err := decodeTarget(c.Param("target"))
	if err != nil {
		g.fail(c, err)
		return
	}

	ctx := c.Request.Context()
	ref, err := url.Parse(target)
	if err != nil {
		g.fail(c, fmt.Errorf("error parsing resource url %q: %w", target, err))
		return
	}
	if !ref.IsAbs() {
		loc, err := slot.Page().Location(ctx)
		if err != nil {
			g.fail(c, err)
			return
		}
		ref = loc.ResolveReference(ref)
	}

	resp, err := slot.Interceptor().GetResponse(ctx, ref.String())
	if err != nil {
		g.fail(c, err)
		return
	}
	body, err := resp.Body(ctx)
	if err != nil {
		g.fail(c, err)
		return
	}
	g.respond(c, schemas.Raw(resp.Status, filterHeaders(resp.Headers), body))
}

func (g *Gateway) handleFetch(c *gin.Context) {
	token := c.Param("token")
	slot, err := g.lookup(token)
	if err != nil {
		g.fail(c, err)
		return
	}
	g.pool.Touch(token)

	path, err := decodeTarget(c.Param("target"))
	if err != nil {
		g.fail(c, err)
		return
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		g.fail(c, fmt.Errorf("error reading request body: %w", err))
		return
	}

	headers := make(map[string]string, len(c.Request.Header))
	for k := range c.Request.Header {
		headers[k] = c.Request.Header.Get(k)
	}
	result, err := slot.Page().Fetch(c.Request.Context(), browser.FetchRequest{
		Path:    path,
		Method:  c.Request.Method,
		Headers: headers,
		Body:    schemas.EncodeBody(raw),
	})
	if err != nil {
		g.fail(c, err)
		return
	}
	body, err := schemas.DecodeBody(result.Body)
	if err != nil {
		g.fail(c, fmt.Errorf("error decoding fetched body: %w", err))
		return
	}
	g.respond(c, schemas.Raw(result.Status, filterHeaders(result.Headers), body))
}

func (g *Gateway) handleDelete(c *gin.Context) {
	// Idempotent: unknown tokens succeed too.
	if err := g.pool.Delete(c.Param("token")); err != nil {
		g.logger.Warn("Error deleting session", zap.String("token", c.Param("token")), zap.Error(err))
	}
	g.respond(c, schemas.JSON(schemas.OpResult{Success: true}))
}

// decodeTarget unescapes the wildcard path segment carrying an encoded URL or
// path. Gin's wildcard keeps its leading slash.
func decodeTarget(param string) (string, error) {
	enc := strings.TrimPrefix(param, "/")
	target, err := url.QueryUnescape(enc)
	if err != nil {
		return "", fmt.Errorf("error decoding target %q: %w", enc, err)
	}
	if target == "" {
		return "", fmt.Errorf("empty target")
	}
	return target, nil
}

// parseNavigateOptions decodes the caller-supplied navigation options object
// from the options query parameter, forwarded verbatim.
func parseNavigateOptions(raw string) (browser.NavigateOptions, error) {
	var opts browser.NavigateOptions
	if raw == "" {
		return opts, nil
	}
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return opts, fmt.Errorf("error parsing navigation options: %w", err)
	}
	return opts, nil
}
