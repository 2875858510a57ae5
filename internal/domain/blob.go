package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter stores objects. PutMultipart is for payloads too large for a
// single request.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// BlobReader fetches stored objects.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver snapshots resolved markets for the time bucket containing at and
// returns how many were written.
type Archiver interface {
	ArchiveSettlements(ctx context.Context, at time.Time) (int64, error)
}
