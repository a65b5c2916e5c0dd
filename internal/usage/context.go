package usage

import "context"

// Attribution identifies who a completion request was made for.
type Attribution struct {
	RunID     string
	SessionID string
	Source    string
}

type attributionKey struct{}

// WithAttribution returns a context carrying a.
func WithAttribution(ctx context.Context, a Attribution) context.Context {
	return context.WithValue(ctx, attributionKey{}, a)
}

// AttributionFrom returns the attribution stored in ctx, if any.
func AttributionFrom(ctx context.Context) Attribution {
	a, _ := ctx.Value(attributionKey{}).(Attribution)
	return a
}
