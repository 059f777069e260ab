package embedding

import "context"

type Provider interface {
	// Embed returns a dense vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
	Close() error
}
