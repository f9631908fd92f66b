package schemas

import "errors"

// Sentinel error kinds shared by the pool, interceptor, gateway and relay.
// Callers classify failures with errors.Is; wrapping adds detail.
var (
	// ErrPoolExhausted is returned by session creation when every slot is occupied.
	ErrPoolExhausted = errors.New("browser pool exhausted")

	// ErrSessionNotFound is returned when a token does not resolve to a live slot,
	// including the window where a slot was concurrently cleared.
	ErrSessionNotFound = errors.New("session not found")

	// ErrBackendConnect wraps failures while dialing the automation backend.
	ErrBackendConnect = errors.New("automation backend connect failed")

	// ErrInterceptionInterrupted rejects pending interception queries when the
	// session is torn down or a new navigation invalidates the cache.
	ErrInterceptionInterrupted = errors.New("interception interrupted")

	// ErrInvocation covers relay invocations with an unknown target or method,
	// or arguments that do not decode.
	ErrInvocation = errors.New("invocation error")

	// ErrScript covers caller-supplied page scripts that fail to compile or throw.
	ErrScript = errors.New("script error")
)
