package core

import "context"

type callerKey struct{}

// Caller identifies who asked for a snapshot, restore or repair. The HTTP
// layer attaches it to the request context and every audit entry written
// under that context records it. CLI invocations carry no caller.
type Caller struct {
	IP        string
	UserAgent string
}

// WithCaller returns a copy of ctx carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached to ctx, or the zero Caller.
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}
