package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/ilyaukin/sadist-proxy/api/schemas"
	"github.com/ilyaukin/sadist-proxy/internal/browser"
)

// pageAPI is the fixed surface exposed to caller scripts as the page handle.
// Scripts get exactly these methods, bridged onto the session's driver. There
// is no escape hatch into the VM host or the process.
type pageAPI struct {
	ctx  context.Context
	page browser.Page
}

func (p *pageAPI) Goto(rawURL string) error {
	return p.page.Navigate(p.ctx, rawURL, browser.NavigateOptions{})
}

func (p *pageAPI) Content() (string, error) { return p.page.Content(p.ctx) }

func (p *pageAPI) Title() (string, error) { return p.page.Title(p.ctx) }

func (p *pageAPI) Url() (string, error) {
	loc, err := p.page.Location(p.ctx)
	if err != nil {
		return "", err
	}
	return loc.String(), nil
}

func (p *pageAPI) Reload() error { return p.page.Reload(p.ctx) }

func (p *pageAPI) Screenshot() (string, error) {
	shot, err := p.page.Screenshot(p.ctx)
	if err != nil {
		return "", err
	}
	return schemas.EncodeBody(shot), nil
}

func (p *pageAPI) SetViewport(width, height int64) error {
	return p.page.SetViewport(p.ctx, width, height)
}

func (p *pageAPI) Evaluate(expr string) (interface{}, error) {
	var out interface{}
	if err := p.page.Evaluate(p.ctx, expr, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// runScript evaluates a caller-supplied function body against the session's
// page in a fresh VM. The body receives one argument, the page handle, and its
// return value (promise results included) is relayed back. The VM is
// interrupted when timeout elapses.
func runScript(sess session, script string, timeout time.Duration, logger *zap.Logger) (interface{}, error) {
	if timeout <= 0 {
		timeout = invokeTimeout
	}
	wrapped := "(function (page) {\n" + script + "\n})"
	prog, err := goja.Compile("script", wrapped, false)
	if err != nil {
		return nil, fmt.Errorf("%w: compile: %v", schemas.ErrScript, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	done := make(chan struct{})
	monitorStopped := make(chan struct{})
	go func() {
		defer close(monitorStopped)
		select {
		case <-ctx.Done():
			logger.Warn("Script execution interrupted", zap.Duration("timeout", timeout))
			vm.Interrupt(fmt.Sprintf("execution timeout exceeded (%v)", timeout))
		case <-done:
		}
	}()

	result, err := evalScript(vm, prog, &pageAPI{ctx: ctx, page: sess.Page()})

	close(done)
	<-monitorStopped

	if err != nil {
		if _, ok := err.(*goja.InterruptedError); ok {
			return nil, fmt.Errorf("%w: interrupted: %v", schemas.ErrScript, err)
		}
		if jsErr, ok := err.(*goja.Exception); ok {
			return nil, fmt.Errorf("%w: %s", schemas.ErrScript, jsErr.String())
		}
		return nil, fmt.Errorf("%w: %v", schemas.ErrScript, err)
	}
	return result, nil
}

func evalScript(vm *goja.Runtime, prog *goja.Program, api *pageAPI) (interface{}, error) {
	val, err := vm.RunProgram(prog)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(val)
	if !ok {
		return nil, fmt.Errorf("script did not evaluate to a function")
	}
	result, err := fn(goja.Undefined(), vm.ToValue(api))
	if err != nil {
		return nil, err
	}
	if promise, ok := result.Export().(*goja.Promise); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			return promise.Result().Export(), nil
		case goja.PromiseStateRejected:
			return nil, fmt.Errorf("promise rejected: %v", promise.Result().Export())
		default:
			return nil, fmt.Errorf("script returned a pending promise")
		}
	}
	return result.Export(), nil
}
