package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// page wraps one chromedp target context. The embedded context carries the
// target's executor, which the interceptor reuses for event subscription and
// response body retrieval.
type page struct {
	ctx        context.Context
	cancel     context.CancelFunc
	navTimeout time.Duration
}

var _ Page = (*page)(nil)

func (p *page) Context() context.Context { return p.ctx }

func (p *page) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, runCancel := context.WithTimeout(p.ctx, timeout)
	defer runCancel()
	stop := cancelOnDone(ctx, runCancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (p *page) Navigate(ctx context.Context, rawURL string, opts NavigateOptions) error {
	timeout := p.navTimeout
	if opts.Timeout > 0 {
		timeout = time.Duration(opts.Timeout) * time.Millisecond
	}

	if opts.Referer == "" {
		return p.run(ctx, timeout, chromedp.Navigate(rawURL))
	}
	return p.run(ctx, timeout,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, _, errText, err := cdppage.Navigate(rawURL).WithReferrer(opts.Referer).Do(ctx)
			if err != nil {
				return err
			}
			if errText != "" {
				return fmt.Errorf("navigation failed: %s", errText)
			}
			return nil
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (p *page) Location(ctx context.Context) (*url.URL, error) {
	var loc string
	if err := p.run(ctx, connectTimeout, chromedp.Location(&loc)); err != nil {
		return nil, err
	}
	return url.Parse(loc)
}

func (p *page) Content(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, connectTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *page) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, connectTimeout, chromedp.Title(&title))
	return title, err
}

func (p *page) Reload(ctx context.Context) error {
	return p.run(ctx, p.navTimeout, chromedp.Reload())
}

func (p *page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, connectTimeout, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

func (p *page) SetViewport(ctx context.Context, width, height int64) error {
	return p.run(ctx, connectTimeout, chromedp.EmulateViewport(width, height))
}

func (p *page) Evaluate(ctx context.Context, expr string, out interface{}) error {
	return p.run(ctx, p.navTimeout, chromedp.Evaluate(expr, out,
		func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
			return ep.WithAwaitPromise(true).WithReturnByValue(true)
		},
	))
}

// fetchScript runs in the page and tunnels both bodies as base64 text so
// binary payloads survive the JSON round trip.
const fetchScript = `(async () => {
	const req = %s;
	const init = { method: req.method, headers: req.headers, credentials: "include" };
	if (req.body) {
		const bin = atob(req.body);
		const buf = new Uint8Array(bin.length);
		for (let i = 0; i < bin.length; i++) buf[i] = bin.charCodeAt(i);
		init.body = buf;
	}
	const resp = await fetch(req.path, init);
	const headers = {};
	resp.headers.forEach((v, k) => { headers[k] = v; });
	const bytes = new Uint8Array(await resp.arrayBuffer());
	let bin = "";
	for (let i = 0; i < bytes.length; i += 0x8000) {
		bin += String.fromCharCode.apply(null, bytes.subarray(i, i + 0x8000));
	}
	return { status: resp.status, headers: headers, body: btoa(bin) };
})()`

func (p *page) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	if req.Method == "" {
		req.Method = "GET"
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var res FetchResult
	if err := p.Evaluate(ctx, fmt.Sprintf(fetchScript, reqJSON), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (p *page) Close() error {
	// Graceful target close; cancel alone only detaches.
	err := chromedp.Cancel(p.ctx)
	p.cancel()
	return err
}
