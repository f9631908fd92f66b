// Package browser connects to the remote automation backend over the DevTools
// protocol and wraps its browser and page targets behind owned handles.
package browser

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/ilyaukin/sadist-proxy/api/schemas"
	"github.com/ilyaukin/sadist-proxy/internal/config"
)

const connectTimeout = 15 * time.Second

// RemoteDialer dials the automation backend configured in browser.backend_addr.
type RemoteDialer struct {
	addr       string
	retries    int
	navTimeout time.Duration
	logger     *zap.Logger
}

var _ Dialer = (*RemoteDialer)(nil)

// NewRemoteDialer creates a dialer for the configured backend address.
func NewRemoteDialer(cfg config.BrowserConfig, logger *zap.Logger) *RemoteDialer {
	return &RemoteDialer{
		addr:       cfg.BackendAddr,
		retries:    cfg.ConnectRetries,
		navTimeout: cfg.NavigationTimeout,
		logger:     logger.Named("dialer"),
	}
}

// Dial opens a fresh connection to the backend, retrying transient failures
// with jittered backoff. Every failure path is classified as ErrBackendConnect.
func (d *RemoteDialer) Dial(ctx context.Context) (Conn, error) {
	wsURL, err := d.resolveWS(ctx)
	if err != nil {
		return nil, err
	}

	retry := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 2 * time.Second, Jitter: true}
	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retry.Duration()):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", schemas.ErrBackendConnect, ctx.Err())
			}
		}
		conn, err := d.dialOnce(ctx, wsURL)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		d.logger.Warn("Backend connect attempt failed",
			zap.String("url", wsURL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("%w: %s: %v", schemas.ErrBackendConnect, d.addr, lastErr)
}

// resolveWS turns the configured host:port into a devtools websocket URL.
// Hostname lookups are pinned to IPv4: dual-stack hosts frequently advertise a
// v6 address the backend is not listening on.
func (d *RemoteDialer) resolveWS(ctx context.Context) (string, error) {
	host, port, err := net.SplitHostPort(d.addr)
	if err != nil {
		host, port = d.addr, "9222"
	}
	if ip := net.ParseIP(host); ip != nil {
		return "ws://" + net.JoinHostPort(host, port) + "/", nil
	}
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return "", fmt.Errorf("%w: resolving %s: %v", schemas.ErrBackendConnect, host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("%w: no IPv4 address for %s", schemas.ErrBackendConnect, host)
	}
	return "ws://" + net.JoinHostPort(addrs[0].String(), port) + "/", nil
}

func (d *RemoteDialer) dialOnce(ctx context.Context, wsURL string) (Conn, error) {
	// The connection outlives the create request; its lifetime belongs to the
	// slot, so the allocator hangs off Background, not ctx.
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), wsURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(d.logger.Sugar().Debugf),
		chromedp.WithErrorf(d.logger.Sugar().Errorf),
	)

	runCtx, runCancel := context.WithTimeout(browserCtx, connectTimeout)
	defer runCancel()
	stop := cancelOnDone(ctx, runCancel)
	defer stop()

	// An empty Run establishes the websocket session with the backend.
	if err := chromedp.Run(runCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, err
	}

	return &conn{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		navTimeout:    d.navTimeout,
		logger:        d.logger,
	}, nil
}

// cancelOnDone propagates the caller's cancellation into a chromedp-derived
// context. The returned stop func detaches the watcher.
func cancelOnDone(ctx context.Context, cancel context.CancelFunc) func() {
	stopCh := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stopCh:
		}
	}()
	return func() { close(stopCh) }
}
