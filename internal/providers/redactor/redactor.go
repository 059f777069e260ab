package redactor

import "context"

// Provider rewrites text with identifying details replaced by typed
// placeholder tags, per the instructions it is given. Implementations must
// be safe for concurrent use.
type Provider interface {
	Redact(ctx context.Context, instructions, text string) (string, error)
	Close() error
}
