package marionette

import "context"

// Invoker is the invocation surface a worker exposes to inbound
// connections. Implementations belong to the command layer; this package
// only routes calls to them and ships results back.
//
// A returned error becomes a structured remote failure on the caller's
// side (an *InvokeError), it never tears down the connection or the
// server. The returned value is opaque payload: it must survive a CBOR
// round trip, nothing else is assumed about it.
type Invoker interface {
	Invoke(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error)
}

// InvokerFunc adapts a plain function to the Invoker interface.
type InvokerFunc func(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error)

func (f InvokerFunc) Invoke(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	return f(ctx, method, args, kwargs)
}
