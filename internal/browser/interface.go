package browser

import (
	"context"
	"net/url"
)

// NavigateOptions is the caller-supplied navigation options object, forwarded
// verbatim from the gateway's query parameter.
type NavigateOptions struct {
	// WaitUntil selects the readiness condition: "load" (default) or
	// "networkidle".
	WaitUntil string `json:"waitUntil,omitempty"`
	// Timeout bounds the navigation, in milliseconds. Zero uses the
	// configured default.
	Timeout int `json:"timeout,omitempty"`
	// Referer is sent as the document referrer when non-empty.
	Referer string `json:"referer,omitempty"`
}

// TargetInfo describes one target attached to the backend browser.
type TargetInfo struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// FetchRequest describes an outbound request executed from inside the page's
// own execution context, so it appears same-origin to the target server.
// Body is tunneled as base64 text.
type FetchRequest struct {
	Path    string            `json:"path"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
}

// FetchResult is the in-page fetch outcome; Body is base64 text.
type FetchResult struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
}

// Dialer opens connections to the automation backend.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is an owned connection to one backend browser instance.
type Conn interface {
	// NewPage opens a fresh page (target) under this connection.
	NewPage(ctx context.Context) (Page, error)
	// Version reports backend product/protocol identification.
	Version(ctx context.Context) (map[string]string, error)
	// Targets lists the page targets attached to this connection.
	Targets(ctx context.Context) ([]TargetInfo, error)
	Close() error
}

// Page is an owned handle to one remote page. Methods accept a context for
// cancellation; the page's own lifetime context is exposed through Context so
// the interceptor can subscribe to its event stream.
type Page interface {
	Context() context.Context
	Navigate(ctx context.Context, rawURL string, opts NavigateOptions) error
	Location(ctx context.Context) (*url.URL, error)
	Content(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Reload(ctx context.Context) error
	Screenshot(ctx context.Context) ([]byte, error)
	SetViewport(ctx context.Context, width, height int64) error
	// Evaluate runs an expression in the page and decodes the result into out
	// (out may be nil). Promises are awaited.
	Evaluate(ctx context.Context, expr string, out interface{}) error
	// Fetch executes req with the page's fetch, returning the relayed result.
	Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error)
	Close() error
}
