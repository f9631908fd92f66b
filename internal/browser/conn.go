package browser

import (
	"context"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// conn owns one websocket session to the backend browser. Pages are child
// targets of this connection and die with it.
type conn struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	navTimeout    time.Duration
	logger        *zap.Logger
}

var _ Conn = (*conn)(nil)

func (c *conn) NewPage(ctx context.Context) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(c.browserCtx)

	runCtx, runCancel := context.WithTimeout(tabCtx, connectTimeout)
	defer runCancel()
	stop := cancelOnDone(ctx, runCancel)
	defer stop()

	// Materialize the target before handing it out.
	if err := chromedp.Run(runCtx, chromedp.Navigate("about:blank")); err != nil {
		tabCancel()
		return nil, err
	}
	return &page{ctx: tabCtx, cancel: tabCancel, navTimeout: c.navTimeout}, nil
}

func (c *conn) Version(ctx context.Context) (map[string]string, error) {
	runCtx, runCancel := context.WithTimeout(c.browserCtx, connectTimeout)
	defer runCancel()
	stop := cancelOnDone(ctx, runCancel)
	defer stop()

	var out map[string]string
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		protocol, product, revision, userAgent, jsVersion, err := cdpbrowser.GetVersion().Do(ctx)
		if err != nil {
			return err
		}
		out = map[string]string{
			"protocolVersion": protocol,
			"product":         product,
			"revision":        revision,
			"userAgent":       userAgent,
			"jsVersion":       jsVersion,
		}
		return nil
	}))
	return out, err
}

func (c *conn) Targets(ctx context.Context) ([]TargetInfo, error) {
	infos, err := chromedp.Targets(c.browserCtx)
	if err != nil {
		return nil, err
	}
	targets := make([]TargetInfo, 0, len(infos))
	for _, t := range infos {
		targets = append(targets, TargetInfo{
			ID:    string(t.TargetID),
			Type:  t.Type,
			Title: t.Title,
			URL:   t.URL,
		})
	}
	return targets, nil
}

func (c *conn) Close() error {
	c.browserCancel()
	c.allocCancel()
	return nil
}
