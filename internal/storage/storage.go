package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStore persists export artifacts privately and mints time-limited
// URLs for them. Export objects hold de-identified transcripts; they are
// never made publicly readable.
type ObjectStore interface {
	Upload(ctx context.Context, objectName, contentType string, r io.Reader) (storedPath string, err error)
	SignedGetURL(objectName string, ttl time.Duration) (string, error)
}
