package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ilyaukin/sadist-proxy/api/schemas"
	"github.com/ilyaukin/sadist-proxy/internal/browser"
)

const invokeTimeout = 30 * time.Second

// handlerFunc executes one named driver method with decoded arguments.
type handlerFunc func(ctx context.Context, sess session, args []json.RawMessage) (interface{}, error)

// Explicit per-target dispatch tables. Unrecognized targets and method names
// fail with an invocation error instead of reflective lookup.
var pageMethods = map[string]handlerFunc{
	"goto": func(ctx context.Context, sess session, args []json.RawMessage) (interface{}, error) {
		var rawURL string
		if err := arg(args, 0, &rawURL); err != nil {
			return nil, err
		}
		opts := browser.NavigateOptions{}
		if len(args) > 1 {
			if err := arg(args, 1, &opts); err != nil {
				return nil, err
			}
		}
		sess.Interceptor().Clear()
		return nil, sess.Page().Navigate(ctx, rawURL, opts)
	},
	"content": func(ctx context.Context, sess session, _ []json.RawMessage) (interface{}, error) {
		return sess.Page().Content(ctx)
	},
	"title": func(ctx context.Context, sess session, _ []json.RawMessage) (interface{}, error) {
		return sess.Page().Title(ctx)
	},
	"url": func(ctx context.Context, sess session, _ []json.RawMessage) (interface{}, error) {
		loc, err := sess.Page().Location(ctx)
		if err != nil {
			return nil, err
		}
		return loc.String(), nil
	},
	"reload": func(ctx context.Context, sess session, _ []json.RawMessage) (interface{}, error) {
		return nil, sess.Page().Reload(ctx)
	},
	"screenshot": func(ctx context.Context, sess session, _ []json.RawMessage) (interface{}, error) {
		shot, err := sess.Page().Screenshot(ctx)
		if err != nil {
			return nil, err
		}
		return schemas.EncodeBody(shot), nil
	},
	"setViewport": func(ctx context.Context, sess session, args []json.RawMessage) (interface{}, error) {
		var width, height int64
		if err := arg(args, 0, &width); err != nil {
			return nil, err
		}
		if err := arg(args, 1, &height); err != nil {
			return nil, err
		}
		return nil, sess.Page().SetViewport(ctx, width, height)
	},
	"evaluate": func(ctx context.Context, sess session, args []json.RawMessage) (interface{}, error) {
		var expr string
		if err := arg(args, 0, &expr); err != nil {
			return nil, err
		}
		var out interface{}
		if err := sess.Page().Evaluate(ctx, expr, &out); err != nil {
			return nil, err
		}
		return out, nil
	},
}

var browserMethods = map[string]handlerFunc{
	"version": func(ctx context.Context, sess session, _ []json.RawMessage) (interface{}, error) {
		return sess.Conn().Version(ctx)
	},
	"targets": func(ctx context.Context, sess session, _ []json.RawMessage) (interface{}, error) {
		return sess.Conn().Targets(ctx)
	},
}

func dispatch(sess session, target, method string, args []json.RawMessage) (interface{}, error) {
	var table map[string]handlerFunc
	switch target {
	case "page":
		table = pageMethods
	case "browser":
		table = browserMethods
	default:
		return nil, fmt.Errorf("%w: unknown target %q", schemas.ErrInvocation, target)
	}
	h, ok := table[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no method %q", schemas.ErrInvocation, target, method)
	}

	ctx, cancel := context.WithTimeout(context.Background(), invokeTimeout)
	defer cancel()
	result, err := h(ctx, sess, args)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// arg decodes the i-th payload element into out.
func arg(args []json.RawMessage, i int, out interface{}) error {
	if i >= len(args) {
		return fmt.Errorf("%w: missing argument %d", schemas.ErrInvocation, i)
	}
	if err := json.Unmarshal(args[i], out); err != nil {
		return fmt.Errorf("%w: argument %d: %v", schemas.ErrInvocation, i, err)
	}
	return nil
}
