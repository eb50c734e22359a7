package snsctx

import "context"

type ctxIndex int

const (
	ctxIndexVerbose ctxIndex = iota
	ctxIndexPort
)

// IsVerbose tells bus backends to dump every frame they move.
func IsVerbose(ctx context.Context) bool {
	val, ok := ctx.Value(ctxIndexVerbose).(bool)
	return ok && val
}

func SetVerbose(ctx context.Context, value bool) context.Context {
	return context.WithValue(ctx, ctxIndexVerbose, value)
}

// WithPort labels a context with the sensor port a transfer belongs to.
func WithPort(ctx context.Context, port int) context.Context {
	return context.WithValue(ctx, ctxIndexPort, port)
}

// Port returns the sensor port label, -1 when none was set.
func Port(ctx context.Context) int {
	val, ok := ctx.Value(ctxIndexPort).(int)
	if !ok {
		return -1
	}
	return val
}
